package metrics

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/wadispatch/internal/pool"
)

// PoolStatsProvider exposes the sending numbers for gauges
type PoolStatsProvider interface {
	Snapshot(ctx context.Context) ([]pool.Number, error)
}

var bucketMetrics = []byte("metrics")

// ShadowCounters stores counter values for persistence.
// Prometheus counters cannot be read back, so every increment is mirrored here.
type ShadowCounters struct {
	MessagesSent      map[string]float64 `json:"messages_sent"`
	MessagesFailed    map[string]float64 `json:"messages_failed"`
	Retries           map[string]float64 `json:"retries"`
	StatusUpdates     map[string]float64 `json:"status_updates"`
	Runs              map[string]float64 `json:"runs"`
	WebhookEvents     map[string]float64 `json:"webhook_events"`
	SignatureFailures float64            `json:"signature_failures"`
	APIRequests       map[string]float64 `json:"api_requests"`
	APIErrors         map[string]float64 `json:"api_errors"`
}

// Collector handles metrics persistence and gauge updates
type Collector struct {
	db            *bolt.DB
	metrics       *Metrics
	poolStats     PoolStatsProvider
	storagePath   string
	flushInterval time.Duration
	startTime     time.Time

	shadow   ShadowCounters
	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCollector creates a new metrics collector
func NewCollector(db *bolt.DB, m *Metrics, poolStats PoolStatsProvider, storagePath string, flushInterval time.Duration) (*Collector, error) {
	if flushInterval == 0 {
		flushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMetrics)
		return err
	})
	if err != nil {
		return nil, err
	}

	c := &Collector{
		db:            db,
		metrics:       m,
		poolStats:     poolStats,
		storagePath:   storagePath,
		flushInterval: flushInterval,
		startTime:     time.Now(),
		shadow: ShadowCounters{
			MessagesSent:   make(map[string]float64),
			MessagesFailed: make(map[string]float64),
			Retries:        make(map[string]float64),
			StatusUpdates:  make(map[string]float64),
			Runs:           make(map[string]float64),
			WebhookEvents:  make(map[string]float64),
			APIRequests:    make(map[string]float64),
			APIErrors:      make(map[string]float64),
		},
		stopCh: make(chan struct{}),
	}

	if err := c.loadCounters(); err != nil {
		return nil, err
	}

	return c, nil
}

// SetPoolStats sets the pool read by the gauge loop. Call before Start.
func (c *Collector) SetPoolStats(p PoolStatsProvider) {
	c.poolStats = p
}

// Metrics returns the instruments fed by this collector
func (c *Collector) Metrics() *Metrics {
	return c.metrics
}

// Start begins the collector background tasks
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(2)
	go c.persistLoop(ctx)
	go c.gaugeLoop(ctx)
}

// Stop stops the collector and persists final values
func (c *Collector) Stop() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	return c.persistCounters()
}

func restoreVec(dst map[string]float64, src map[string]float64, add func(labels []string, v float64)) {
	for k, v := range src {
		dst[k] = v
		add(splitLabelKey(k), v)
	}
}

// loadCounters loads persisted counter values from BoltDB
func (c *Collector) loadCounters() error {
	return c.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}

		data := bucket.Get([]byte("counters"))
		if data == nil {
			return nil
		}

		var shadow ShadowCounters
		if err := json.Unmarshal(data, &shadow); err != nil {
			return nil // Skip invalid data
		}

		c.mu.Lock()
		defer c.mu.Unlock()

		m := c.metrics
		restoreVec(c.shadow.MessagesSent, shadow.MessagesSent, func(l []string, v float64) {
			m.MessagesSentTotal.WithLabelValues(pad(l, 2)...).Add(v)
		})
		restoreVec(c.shadow.MessagesFailed, shadow.MessagesFailed, func(l []string, v float64) {
			m.MessagesFailedTotal.WithLabelValues(pad(l, 2)...).Add(v)
		})
		restoreVec(c.shadow.Retries, shadow.Retries, func(l []string, v float64) {
			m.RetriesTotal.WithLabelValues(pad(l, 1)...).Add(v)
		})
		restoreVec(c.shadow.StatusUpdates, shadow.StatusUpdates, func(l []string, v float64) {
			m.StatusUpdatesTotal.WithLabelValues(pad(l, 1)...).Add(v)
		})
		restoreVec(c.shadow.Runs, shadow.Runs, func(l []string, v float64) {
			m.RunsTotal.WithLabelValues(pad(l, 1)...).Add(v)
		})
		restoreVec(c.shadow.WebhookEvents, shadow.WebhookEvents, func(l []string, v float64) {
			m.WebhookEventsTotal.WithLabelValues(pad(l, 1)...).Add(v)
		})
		restoreVec(c.shadow.APIRequests, shadow.APIRequests, func(l []string, v float64) {
			m.APIRequestsTotal.WithLabelValues(pad(l, 3)...).Add(v)
		})
		restoreVec(c.shadow.APIErrors, shadow.APIErrors, func(l []string, v float64) {
			m.APIErrorsTotal.WithLabelValues(pad(l, 1)...).Add(v)
		})

		c.shadow.SignatureFailures = shadow.SignatureFailures
		m.WebhookSignatureFailure.Add(shadow.SignatureFailures)

		return nil
	})
}

// persistCounters saves counter values to BoltDB
func (c *Collector) persistCounters() error {
	c.mu.Lock()
	data, err := json.Marshal(c.shadow)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}
		return bucket.Put([]byte("counters"), data)
	})
}

func (c *Collector) persistLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.persistCounters()
		}
	}
}

func (c *Collector) gaugeLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collectGauges(ctx)
		}
	}
}

// collectGauges refreshes system and pool gauges
func (c *Collector) collectGauges(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.poolStats == nil {
		return
	}
	numbers, err := c.poolStats.Snapshot(ctx)
	if err != nil {
		return
	}
	for _, n := range numbers {
		c.metrics.NumberUsage.WithLabelValues(n.ID).Set(float64(n.CurrentUsage))
		c.metrics.NumberQuality.WithLabelValues(n.ID).Set(float64(n.Quality.Ordinal()))
	}
}

func (c *Collector) inc(m map[string]float64, labels ...string) {
	c.mu.Lock()
	m[makeLabelKey(labels...)]++
	c.mu.Unlock()
}

// TrackMessageSent counts an accepted send
func (c *Collector) TrackMessageSent(number, tier string) {
	c.inc(c.shadow.MessagesSent, number, tier)
	c.metrics.MessagesSentTotal.WithLabelValues(number, tier).Inc()
}

// TrackMessageFailed counts a failed attempt
func (c *Collector) TrackMessageFailed(number, errorType string) {
	c.inc(c.shadow.MessagesFailed, number, errorType)
	c.metrics.MessagesFailedTotal.WithLabelValues(number, errorType).Inc()
}

// TrackRetry counts a requeued recipient
func (c *Collector) TrackRetry(reason string) {
	c.inc(c.shadow.Retries, reason)
	c.metrics.RetriesTotal.WithLabelValues(reason).Inc()
}

// TrackStatusUpdate counts an applied delivery receipt
func (c *Collector) TrackStatusUpdate(status string) {
	c.inc(c.shadow.StatusUpdates, status)
	c.metrics.StatusUpdatesTotal.WithLabelValues(status).Inc()
}

// TrackRun counts a run reaching a terminal state
func (c *Collector) TrackRun(state string) {
	c.inc(c.shadow.Runs, state)
	c.metrics.RunsTotal.WithLabelValues(state).Inc()
}

// TrackWebhookEvent counts a processed webhook event
func (c *Collector) TrackWebhookEvent(kind string) {
	c.inc(c.shadow.WebhookEvents, kind)
	c.metrics.WebhookEventsTotal.WithLabelValues(kind).Inc()
}

// TrackSignatureFailure counts a rejected webhook call
func (c *Collector) TrackSignatureFailure() {
	c.mu.Lock()
	c.shadow.SignatureFailures++
	c.mu.Unlock()
	c.metrics.WebhookSignatureFailure.Inc()
}

// TrackAPIRequest tracks an API request and updates shadow counter
func (c *Collector) TrackAPIRequest(method, path, status string) {
	c.inc(c.shadow.APIRequests, method, path, status)
	c.metrics.APIRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// TrackAPIError tracks an API error and updates shadow counter
func (c *Collector) TrackAPIError(errorType string) {
	c.inc(c.shadow.APIErrors, errorType)
	c.metrics.APIErrorsTotal.WithLabelValues(errorType).Inc()
}

func makeLabelKey(labels ...string) string {
	return strings.Join(labels, "|")
}

func splitLabelKey(key string) []string {
	return strings.Split(key, "|")
}

// pad fits a restored label set to the vector's arity
func pad(labels []string, n int) []string {
	out := make([]string, n)
	copy(out, labels)
	return out
}
