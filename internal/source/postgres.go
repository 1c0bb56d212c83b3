package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/foxzi/wadispatch/internal/model"
)

// PostgresSource reads the daily_content and subscribers tables
type PostgresSource struct {
	pool   *pgxpool.Pool
	loc    *time.Location
	logger *slog.Logger
	now    func() time.Time
}

// NewPostgresSource connects a pool and verifies it with a ping
func NewPostgresSource(ctx context.Context, dsn string, loc *time.Location, logger *slog.Logger) (*PostgresSource, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresSource{pool: pool, loc: loc, logger: logger, now: time.Now}, nil
}

// GetApprovedContentForToday returns the latest approved content for the local date
func (s *PostgresSource) GetApprovedContentForToday(ctx context.Context) (*model.Content, error) {
	today := s.now().In(s.loc).Format("2006-01-02")

	var c model.Content
	err := s.pool.QueryRow(ctx, `
		SELECT id, type, purpose, body, COALESCE(media_ref, ''), language
		FROM daily_content
		WHERE publish_date = $1 AND status = 'approved'
		ORDER BY approved_at DESC
		LIMIT 1
	`, today).Scan(&c.ID, &c.Type, &c.Purpose, &c.Body, &c.MediaRef, &c.Language)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query content: %w", err)
	}
	return &c, nil
}

// GetActiveRecipients returns the active subscribers ordered by id
func (s *PostgresSource) GetActiveRecipients(ctx context.Context) ([]model.Recipient, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, phone, COALESCE(name, ''), COALESCE(language, ''), COALESCE(tier, ''), status
		FROM subscribers
		WHERE status = 'active'
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscribers: %w", err)
	}
	defer rows.Close()

	var out []model.Recipient
	for rows.Next() {
		var r model.Recipient
		var tier string
		if err := rows.Scan(&r.ID, &r.Phone, &r.Name, &r.Language, &tier, &r.Status); err != nil {
			return nil, fmt.Errorf("failed to scan subscriber row: %w", err)
		}
		r.Tier = parseTier(tier, r.ID, s.logger)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subscriber rows: %w", err)
	}
	return out, nil
}

// Ping checks connectivity
func (s *PostgresSource) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool
func (s *PostgresSource) Close() error {
	s.pool.Close()
	return nil
}

// parseTier falls back to BASIC for unknown values
func parseTier(v, id string, logger *slog.Logger) model.Tier {
	var t model.Tier
	if err := t.UnmarshalText([]byte(v)); err != nil {
		logger.Warn("unknown subscriber tier, using BASIC", "recipient_id", id, "tier", v)
		return model.TierBasic
	}
	return t
}
