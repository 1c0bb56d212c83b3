package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/wadispatch/internal/analytics"
	"github.com/foxzi/wadispatch/internal/cloudapi"
	"github.com/foxzi/wadispatch/internal/config"
	"github.com/foxzi/wadispatch/internal/ipfilter"
	"github.com/foxzi/wadispatch/internal/ledger"
	"github.com/foxzi/wadispatch/internal/metrics"
	"github.com/foxzi/wadispatch/internal/pool"
	"github.com/foxzi/wadispatch/internal/quality"
	"github.com/foxzi/wadispatch/internal/ratelimit"
	"github.com/foxzi/wadispatch/internal/template"
)

// Runs is the scheduler surface exposed to operators
type Runs interface {
	Trigger(ctx context.Context, trigger string) (string, error)
	Cancel() error
	Current() *ledger.Run
	Last() *ledger.Run
}

// Numbers is the read side of the number pool
type Numbers interface {
	Snapshot(ctx context.Context) ([]pool.Number, error)
	HasHealthy(ctx context.Context) (bool, error)
}

// RateStats exposes token bucket state per number
type RateStats interface {
	GetStats(numberID string) (*ratelimit.Stats, error)
}

// Templates is the template administration surface
type Templates interface {
	List(filter template.ListFilter) []*template.Template
	Get(key string) (*template.Template, error)
	Stats() *template.Stats
	SubmitTemplate(ctx context.Context, name string, category template.Category, languages []string, components template.Components) ([]template.SubmitResult, error)
	Rotate(ctx context.Context, key, reason string) (string, error)
}

// Quality is the read side of the quality monitor
type Quality interface {
	Dashboard() *quality.Dashboard
	Report(numberID string) (*quality.Report, bool)
}

// Webhooks processes verified provider callbacks
type Webhooks interface {
	Process(ctx context.Context, body []byte) (*cloudapi.WebhookResult, error)
}

// ServerOptions holds the dependencies of the API server
type ServerOptions struct {
	Config    config.APIConfig
	Webhook   config.WebhookConfig
	Runs      Runs
	Numbers   Numbers
	Limits    RateStats // optional
	Templates Templates
	Quality   Quality
	Webhooks  Webhooks
	Ledger    ledger.Ledger
	Analytics analytics.Recorder
	NextRun   func() (time.Time, error)
	Location  *time.Location
	Collector *metrics.Collector // optional
	Logger    *slog.Logger
	Version   string
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	config     config.APIConfig
	webhook    config.WebhookConfig
	runs       Runs
	numbers    Numbers
	limits     RateStats
	templates  Templates
	quality    Quality
	webhooks   Webhooks
	ledger     ledger.Ledger
	analytics  analytics.Recorder
	nextRun    func() (time.Time, error)
	loc        *time.Location
	collector  *metrics.Collector
	filter     *ipfilter.Filter
	logger     *slog.Logger
	version    string
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Analytics == nil {
		opts.Analytics = analytics.Nop{}
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	s := &Server{
		router:    chi.NewRouter(),
		config:    opts.Config,
		webhook:   opts.Webhook,
		runs:      opts.Runs,
		numbers:   opts.Numbers,
		limits:    opts.Limits,
		templates: opts.Templates,
		quality:   opts.Quality,
		webhooks:  opts.Webhooks,
		ledger:    opts.Ledger,
		analytics: opts.Analytics,
		nextRun:   opts.NextRun,
		loc:       opts.Location,
		collector: opts.Collector,
		logger:    opts.Logger,
		version:   opts.Version,
		startTime: time.Now(),
	}
	s.filter = ipfilter.New(opts.Config.AllowedIPs, opts.Logger).TrustProxies(opts.Config.TrustedProxies)
	if s.filter.Enabled() {
		s.logger.Info("API IP filtering enabled", "allowed_networks", s.filter.Count())
	}

	s.setupRoutes()
	return s
}

// Handler returns the router, used by tests and embedding servers
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.HTTPMiddleware(s.collector))

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	// Provider callbacks authenticate with the verify token and body signature
	s.router.Get("/webhook/whatsapp", s.handleWebhookVerify)
	s.router.Post("/webhook/whatsapp", s.handleWebhook)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.filter.Middleware)
		r.Use(s.authMiddleware)

		r.Post("/broadcast", s.handleBroadcast)
		r.Post("/broadcast/cancel", s.handleBroadcastCancel)

		r.Get("/runs", s.handleRuns)
		r.Get("/runs/{id}", s.handleRun)
		r.Get("/runs/{id}/attempts", s.handleRunAttempts)

		r.Get("/metrics/{date}", s.handleDailyMetrics)
		r.Get("/schedule", s.handleSchedule)

		r.Get("/pool", s.handlePool)
		r.Get("/quality", s.handleQualityDashboard)
		r.Get("/quality/{number}", s.handleQualityReport)

		r.Get("/templates", s.handleTemplatesList)
		r.Post("/templates", s.handleTemplatesSubmit)
		r.Get("/templates/{key}", s.handleTemplatesGet)
		r.Post("/templates/{key}/rotate", s.handleTemplatesRotate)
	})
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
