package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CleanerConfig contains retention settings
type CleanerConfig struct {
	AttemptMaxAge time.Duration
	Interval      time.Duration
}

// Cleaner purges attempts past retention so recipient phone data does not
// outlive its record
type Cleaner struct {
	storage *BoltStorage
	cfg     CleanerConfig
	logger  *slog.Logger
	wg      sync.WaitGroup
	done    chan struct{}
}

// NewCleaner creates a new cleaner service
func NewCleaner(storage *BoltStorage, cfg CleanerConfig, logger *slog.Logger) *Cleaner {
	return &Cleaner{
		storage: storage,
		cfg:     cfg,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Start starts the cleanup loop. A zero retention keeps attempts forever.
func (c *Cleaner) Start(ctx context.Context) {
	if c.cfg.AttemptMaxAge <= 0 || c.cfg.Interval <= 0 {
		c.logger.Info("ledger cleaner disabled")
		return
	}

	c.wg.Add(1)
	go c.loop(ctx)

	c.logger.Info("ledger cleaner started",
		"attempt_max_age", c.cfg.AttemptMaxAge,
		"interval", c.cfg.Interval,
	)
}

// Stop stops the cleaner and waits for the loop to finish
func (c *Cleaner) Stop() {
	select {
	case <-c.done:
		return
	default:
	}
	close(c.done)
	c.wg.Wait()
	c.logger.Info("ledger cleaner stopped")
}

func (c *Cleaner) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.run(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.run(ctx)
		}
	}
}

func (c *Cleaner) run(ctx context.Context) {
	deleted, err := c.storage.CleanupAttempts(ctx, c.cfg.AttemptMaxAge)
	if err != nil {
		c.logger.Error("failed to cleanup attempts", "error", err)
		return
	}

	if deleted > 0 {
		c.logger.Info("cleaned up delivery attempts", "deleted", deleted)
	}
}
