package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/foxzi/wadispatch/internal/model"
)

// Config is the main configuration structure
type Config struct {
	API        APIConfig       `yaml:"api"`
	CloudAPI   CloudAPIConfig  `yaml:"cloud_api"`
	Webhook    WebhookConfig   `yaml:"webhook"`
	Numbers    []NumberConfig  `yaml:"numbers"`
	RateLimits RateLimitConfig `yaml:"rate_limits"` // Per quality tier budgets
	Templates  TemplateConfig  `yaml:"templates"`
	Quality    QualityConfig   `yaml:"quality"`
	Scheduler  SchedulerConfig `yaml:"scheduler"`
	Storage    StorageConfig   `yaml:"storage"`
	Redis      RedisConfig     `yaml:"redis"`
	Source     SourceConfig    `yaml:"source"`
	Logging    LoggingConfig   `yaml:"logging"`
	Metrics    MetricsConfig   `yaml:"metrics"`
}

// APIConfig contains operator HTTP API settings
type APIConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	APIKey         string        `yaml:"api_key"`
	APIKeyHash     string        `yaml:"api_key_hash"`     // bcrypt hash, alternative to api_key
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // default: 1MB
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	AllowedIPs     []string      `yaml:"allowed_ips"` // empty = allow all
	TrustedProxies []string      `yaml:"trusted_proxies"`
}

// CloudAPIConfig contains WhatsApp Business Cloud API settings
type CloudAPIConfig struct {
	BaseURL           string        `yaml:"base_url"`
	APIVersion        string        `yaml:"api_version"`
	AccessToken       string        `yaml:"access_token"`
	BusinessAccountID string        `yaml:"business_account_id"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	DefaultRetryAfter time.Duration `yaml:"default_retry_after"` // used when a 429 carries no hint
}

// WebhookConfig contains inbound provider callback settings
type WebhookConfig struct {
	AppSecret   string        `yaml:"app_secret"`
	VerifyToken string        `yaml:"verify_token"`
	DedupTTL    time.Duration `yaml:"dedup_ttl"`
	MaxBody     int64         `yaml:"max_body"`
}

// NumberConfig describes one sending number
type NumberConfig struct {
	ID                string        `yaml:"id"`
	PhoneNumberID     string        `yaml:"phone_number_id"`
	DisplayNumber     string        `yaml:"display_number"`
	Role              string        `yaml:"role"` // primary, backup
	DailyLimit        int           `yaml:"daily_limit"`
	MessagesPerSecond int           `yaml:"messages_per_second"`
	Priority          int           `yaml:"priority"`
	Quality           model.Quality `yaml:"quality"`
}

// IsBackup reports whether the number starts in standby
func (n NumberConfig) IsBackup() bool {
	return n.Role == "backup"
}

// TierLimit is the throughput budget for one quality tier
type TierLimit struct {
	MessagesPerSecond int `yaml:"messages_per_second"`
	MessagesPerDay    int `yaml:"messages_per_day"`
}

// RateLimitConfig maps quality tiers to budgets
type RateLimitConfig struct {
	High    TierLimit `yaml:"high"`
	Medium  TierLimit `yaml:"medium"`
	Low     TierLimit `yaml:"low"`
	Flagged TierLimit `yaml:"flagged"`
}

// ForQuality returns the budget for a tier. UNKNOWN uses the LOW budget.
func (r RateLimitConfig) ForQuality(q model.Quality) TierLimit {
	switch q {
	case model.QualityHigh:
		return r.High
	case model.QualityMedium:
		return r.Medium
	case model.QualityLow, model.QualityUnknown:
		return r.Low
	case model.QualityFlagged:
		return r.Flagged
	}
	return r.Low
}

// TemplateConfig contains template lifecycle settings
type TemplateConfig struct {
	DefaultLanguage    string        `yaml:"default_language"`
	SupportedLanguages []string      `yaml:"supported_languages"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	MaxBodyLength      int           `yaml:"max_body_length"`
}

// QualityConfig contains monitor thresholds
type QualityConfig struct {
	CheckInterval      time.Duration `yaml:"check_interval"`
	Window             time.Duration `yaml:"window"`
	BlockRate          float64       `yaml:"block_rate"`
	ReportRate         float64       `yaml:"report_rate"`
	FailureRate        float64       `yaml:"failure_rate"`
	MinQuality         model.Quality `yaml:"min_quality"`
	TemplateReportMax  int           `yaml:"template_report_max"`
	EnhancedInterval   time.Duration `yaml:"enhanced_interval"`
	EnhancedDuration   time.Duration `yaml:"enhanced_duration"`
	EmergencyPause     time.Duration `yaml:"emergency_pause"`
	Cooldown           time.Duration `yaml:"cooldown"`
	LowCapacityFactor  float64       `yaml:"low_capacity_factor"`
	DailyAnalysisAt    string        `yaml:"daily_analysis_at"` // HH:MM
	RefreshBeforeRun   bool          `yaml:"refresh_before_run"`
}

// SchedulerConfig contains delivery window settings
type SchedulerConfig struct {
	Enabled              bool          `yaml:"enabled"`
	Timezone             string        `yaml:"timezone"`
	DeliveryTime         string        `yaml:"delivery_time"` // HH:MM local
	Window               time.Duration `yaml:"window"`
	BatchSize            int           `yaml:"batch_size"`
	InterBatchDelay      time.Duration `yaml:"inter_batch_delay"`
	JitterMax            time.Duration `yaml:"jitter_max"`
	InterMessageDelay    time.Duration `yaml:"inter_message_delay"`
	MaxConcurrentBatches int           `yaml:"max_concurrent_batches"`
	MaxRetries           int           `yaml:"max_retries"`
	RetryDelay           time.Duration `yaml:"retry_delay"`
	SLATarget            float64       `yaml:"sla_target"`
	SLAAlertThreshold    float64       `yaml:"sla_alert_threshold"`
	SLACheckInterval     time.Duration `yaml:"sla_check_interval"`
}

// StorageConfig contains bbolt settings
type StorageConfig struct {
	Path             string        `yaml:"path"`
	AttemptRetention time.Duration `yaml:"attempt_retention"` // 0 = keep forever
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
	FlushInterval    time.Duration `yaml:"flush_interval"`
}

// RedisConfig contains analytics store settings
type RedisConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Addr          string        `yaml:"addr"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db"`
	MetricsTTL    time.Duration `yaml:"metrics_ttl"`
	DeliveriesTTL time.Duration `yaml:"deliveries_ttl"`
}

// SourceConfig selects the Subscriber Directory and Content Source backend
type SourceConfig struct {
	Type     string `yaml:"type"` // file, postgres
	File     string `yaml:"file"`
	Postgres string `yaml:"postgres_dsn"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`
	Path          string        `yaml:"path"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	AllowedIPs    []string      `yaml:"allowed_ips"`
}

var timeOfDay = regexp.MustCompile(`^([01]?\d|2[0-3]):([0-5]\d)$`)

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a configuration from YAML bytes
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	// zero retries is a valid setting, so these are seeded before decoding
	cfg.CloudAPI.MaxRetries = 3
	cfg.Scheduler.MaxRetries = 3
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnv lets secrets live outside the YAML file
func (c *Config) applyEnv() {
	envString(&c.CloudAPI.AccessToken, "WA_ACCESS_TOKEN")
	envString(&c.CloudAPI.BusinessAccountID, "WA_BUSINESS_ACCOUNT_ID")
	envString(&c.Webhook.AppSecret, "WA_APP_SECRET")
	envString(&c.Webhook.VerifyToken, "WA_VERIFY_TOKEN")
	envString(&c.API.APIKey, "WA_API_KEY")
	envString(&c.Source.Postgres, "WA_POSTGRES_DSN")
	if addr := os.Getenv("WA_REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
		c.Redis.Enabled = true
	}
	envString(&c.Redis.Password, "WA_REDIS_PASSWORD")
	if v := os.Getenv("WA_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = n
		}
	}
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.CloudAPI.BaseURL == "" {
		c.CloudAPI.BaseURL = "https://graph.facebook.com"
	}
	if c.CloudAPI.APIVersion == "" {
		c.CloudAPI.APIVersion = "v18.0"
	}
	if c.CloudAPI.Timeout == 0 {
		c.CloudAPI.Timeout = 30 * time.Second
	}
	if c.CloudAPI.RetryDelay == 0 {
		c.CloudAPI.RetryDelay = 5 * time.Second
	}
	if c.CloudAPI.DefaultRetryAfter == 0 {
		c.CloudAPI.DefaultRetryAfter = 60 * time.Second
	}

	if c.Webhook.DedupTTL == 0 {
		c.Webhook.DedupTTL = 48 * time.Hour
	}
	if c.Webhook.MaxBody == 0 {
		c.Webhook.MaxBody = 1 << 20
	}

	for i := range c.Numbers {
		n := &c.Numbers[i]
		if n.Role == "" {
			n.Role = "primary"
		}
		if n.Quality == "" {
			n.Quality = model.QualityHigh
		}
		if n.DailyLimit == 0 {
			n.DailyLimit = 1000
		}
		if n.DisplayNumber == "" {
			n.DisplayNumber = n.PhoneNumberID
		}
	}

	// Cloud API tier budgets
	if c.RateLimits.High == (TierLimit{}) {
		c.RateLimits.High = TierLimit{MessagesPerSecond: 80, MessagesPerDay: 100000}
	}
	if c.RateLimits.Medium == (TierLimit{}) {
		c.RateLimits.Medium = TierLimit{MessagesPerSecond: 50, MessagesPerDay: 10000}
	}
	if c.RateLimits.Low == (TierLimit{}) {
		c.RateLimits.Low = TierLimit{MessagesPerSecond: 20, MessagesPerDay: 1000}
	}

	if c.Templates.DefaultLanguage == "" {
		c.Templates.DefaultLanguage = "en"
	}
	if len(c.Templates.SupportedLanguages) == 0 {
		c.Templates.SupportedLanguages = []string{"en", "hi"}
	}
	if c.Templates.PollInterval == 0 {
		c.Templates.PollInterval = 5 * time.Minute
	}
	if c.Templates.MaxBodyLength == 0 {
		c.Templates.MaxBodyLength = 160
	}

	if c.Quality.CheckInterval == 0 {
		c.Quality.CheckInterval = 5 * time.Minute
	}
	if c.Quality.Window == 0 {
		c.Quality.Window = 7 * 24 * time.Hour
	}
	if c.Quality.BlockRate == 0 {
		c.Quality.BlockRate = 0.02
	}
	if c.Quality.ReportRate == 0 {
		c.Quality.ReportRate = 0.01
	}
	if c.Quality.FailureRate == 0 {
		c.Quality.FailureRate = 0.05
	}
	if c.Quality.MinQuality == "" {
		c.Quality.MinQuality = model.QualityMedium
	}
	if c.Quality.TemplateReportMax == 0 {
		c.Quality.TemplateReportMax = 10
	}
	if c.Quality.EnhancedInterval == 0 {
		c.Quality.EnhancedInterval = time.Minute
	}
	if c.Quality.EnhancedDuration == 0 {
		c.Quality.EnhancedDuration = 48 * time.Hour
	}
	if c.Quality.EmergencyPause == 0 {
		c.Quality.EmergencyPause = time.Hour
	}
	if c.Quality.Cooldown == 0 {
		c.Quality.Cooldown = 72 * time.Hour
	}
	if c.Quality.LowCapacityFactor == 0 {
		c.Quality.LowCapacityFactor = 0.5
	}
	if c.Quality.DailyAnalysisAt == "" {
		c.Quality.DailyAnalysisAt = "23:55"
	}

	if c.Scheduler.Timezone == "" {
		c.Scheduler.Timezone = "Asia/Kolkata"
	}
	if c.Scheduler.DeliveryTime == "" {
		c.Scheduler.DeliveryTime = "06:00"
	}
	if c.Scheduler.Window == 0 {
		c.Scheduler.Window = 5 * time.Minute
	}
	if c.Scheduler.BatchSize == 0 {
		c.Scheduler.BatchSize = 50
	}
	if c.Scheduler.InterBatchDelay == 0 {
		c.Scheduler.InterBatchDelay = 500 * time.Millisecond
	}
	if c.Scheduler.JitterMax == 0 {
		c.Scheduler.JitterMax = 100 * time.Millisecond
	}
	if c.Scheduler.InterMessageDelay == 0 {
		c.Scheduler.InterMessageDelay = 20 * time.Millisecond
	}
	if c.Scheduler.MaxConcurrentBatches == 0 {
		c.Scheduler.MaxConcurrentBatches = 10
	}
	if c.Scheduler.RetryDelay == 0 {
		c.Scheduler.RetryDelay = 2 * time.Second
	}
	if c.Scheduler.SLATarget == 0 {
		c.Scheduler.SLATarget = 0.99
	}
	if c.Scheduler.SLAAlertThreshold == 0 {
		c.Scheduler.SLAAlertThreshold = 0.97
	}
	if c.Scheduler.SLACheckInterval == 0 {
		c.Scheduler.SLACheckInterval = 10 * time.Second
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/wadispatch/wadispatch.db"
	}
	if c.Storage.AttemptRetention == 0 {
		c.Storage.AttemptRetention = 30 * 24 * time.Hour
	}
	if c.Storage.CleanupInterval == 0 {
		c.Storage.CleanupInterval = time.Hour
	}
	if c.Storage.FlushInterval == 0 {
		c.Storage.FlushInterval = 10 * time.Second
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.MetricsTTL == 0 {
		c.Redis.MetricsTTL = 7 * 24 * time.Hour
	}
	if c.Redis.DeliveriesTTL == 0 {
		c.Redis.DeliveriesTTL = 30 * 24 * time.Hour
	}

	if c.Source.Type == "" {
		c.Source.Type = "file"
		if c.Source.Postgres != "" {
			c.Source.Type = "postgres"
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	if err := c.validateNumbers(); err != nil {
		return err
	}

	if err := c.validateScheduler(); err != nil {
		return err
	}

	if err := c.validateQuality(); err != nil {
		return err
	}

	switch c.Source.Type {
	case "file":
		if c.Source.File == "" {
			return fmt.Errorf("source.file is required when source.type is file")
		}
	case "postgres":
		if c.Source.Postgres == "" {
			return fmt.Errorf("source.postgres_dsn is required when source.type is postgres")
		}
	default:
		return fmt.Errorf("invalid source.type: %s (must be file or postgres)", c.Source.Type)
	}

	return nil
}

// validateNumbers validates the sending number list
func (c *Config) validateNumbers() error {
	if len(c.Numbers) == 0 {
		return fmt.Errorf("at least one sending number is required")
	}

	seen := make(map[string]bool)
	for i, n := range c.Numbers {
		if n.ID == "" {
			return fmt.Errorf("numbers[%d].id is required", i)
		}
		if seen[n.ID] {
			return fmt.Errorf("duplicate number id %q", n.ID)
		}
		seen[n.ID] = true

		if n.PhoneNumberID == "" {
			return fmt.Errorf("numbers.%s.phone_number_id is required", n.ID)
		}
		if n.Role != "primary" && n.Role != "backup" {
			return fmt.Errorf("numbers.%s.role must be primary or backup", n.ID)
		}
		if n.DailyLimit < 0 || n.MessagesPerSecond < 0 {
			return fmt.Errorf("numbers.%s limits must not be negative", n.ID)
		}
	}

	return nil
}

// validateScheduler validates delivery window settings
func (c *Config) validateScheduler() error {
	s := c.Scheduler

	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return fmt.Errorf("invalid scheduler.timezone: %w", err)
	}
	if !timeOfDay.MatchString(s.DeliveryTime) {
		return fmt.Errorf("invalid scheduler.delivery_time: %s (must be HH:MM)", s.DeliveryTime)
	}
	if s.BatchSize < 1 {
		return fmt.Errorf("scheduler.batch_size must be positive")
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("scheduler.max_retries must not be negative")
	}
	if c.CloudAPI.MaxRetries < 0 {
		return fmt.Errorf("cloud_api.max_retries must not be negative")
	}
	if s.JitterMax >= s.InterBatchDelay {
		return fmt.Errorf("scheduler.jitter_max must be smaller than inter_batch_delay")
	}
	if s.SLATarget <= 0 || s.SLATarget > 1 {
		return fmt.Errorf("scheduler.sla_target must be in (0, 1]")
	}
	if s.SLAAlertThreshold > s.SLATarget {
		return fmt.Errorf("scheduler.sla_alert_threshold must not exceed sla_target")
	}

	return nil
}

// validateQuality validates monitor thresholds
func (c *Config) validateQuality() error {
	q := c.Quality
	for name, v := range map[string]float64{"block_rate": q.BlockRate, "report_rate": q.ReportRate, "failure_rate": q.FailureRate} {
		if v <= 0 || v >= 1 {
			return fmt.Errorf("quality.%s must be in (0, 1)", name)
		}
	}
	if !timeOfDay.MatchString(q.DailyAnalysisAt) {
		return fmt.Errorf("invalid quality.daily_analysis_at: %s (must be HH:MM)", q.DailyAnalysisAt)
	}
	if q.LowCapacityFactor <= 0 || q.LowCapacityFactor > 1 {
		return fmt.Errorf("quality.low_capacity_factor must be in (0, 1]")
	}
	return nil
}

// Location returns the scheduler time zone
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// CronSpec converts an HH:MM time of day to a daily cron expression
func CronSpec(hhmm string) (string, error) {
	m := timeOfDay.FindStringSubmatch(hhmm)
	if m == nil {
		return "", fmt.Errorf("invalid time of day %q", hhmm)
	}
	hour, _ := strconv.Atoi(m[1])
	minute, _ := strconv.Atoi(m[2])
	return fmt.Sprintf("%d %d * * *", minute, hour), nil
}
