package analytics

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/foxzi/wadispatch/internal/ledger"
)

// RedisOptions configures a RedisStore
type RedisOptions struct {
	MetricsTTL    time.Duration // hourly hashes, default 7 days
	DeliveriesTTL time.Duration // delivery records, default 30 days
	Location      *time.Location
}

// RedisStore implements Recorder on Redis hashes
type RedisStore struct {
	rdb           *redis.Client
	metricsTTL    time.Duration
	deliveriesTTL time.Duration
	loc           *time.Location
}

// NewRedisStore creates a Redis-backed recorder
func NewRedisStore(rdb *redis.Client, opts RedisOptions) *RedisStore {
	if opts.MetricsTTL <= 0 {
		opts.MetricsTTL = 7 * 24 * time.Hour
	}
	if opts.DeliveriesTTL <= 0 {
		opts.DeliveriesTTL = 30 * 24 * time.Hour
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &RedisStore{
		rdb:           rdb,
		metricsTTL:    opts.MetricsTTL,
		deliveriesTTL: opts.DeliveriesTTL,
		loc:           opts.Location,
	}
}

func (s *RedisStore) hourKey(at time.Time) string {
	at = at.In(s.loc)
	return fmt.Sprintf("metrics:%s:%d", at.Format("2006-01-02"), at.Hour())
}

// RecordSend increments the hour's total and the outcome field
func (s *RedisStore) RecordSend(ctx context.Context, status string, at time.Time) error {
	key := s.hourKey(at)
	pipe := s.rdb.TxPipeline()
	pipe.HIncrBy(ctx, key, "total", 1)
	pipe.HIncrBy(ctx, key, status, 1)
	pipe.Expire(ctx, key, s.metricsTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record send: %w", err)
	}
	return nil
}

// RecordStatus increments only the status field
func (s *RedisStore) RecordStatus(ctx context.Context, status string, at time.Time) error {
	key := s.hourKey(at)
	pipe := s.rdb.TxPipeline()
	pipe.HIncrBy(ctx, key, status, 1)
	pipe.Expire(ctx, key, s.metricsTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record status: %w", err)
	}
	return nil
}

// RecordDelivery overwrites delivery:<date>:<recipient>
func (s *RedisStore) RecordDelivery(ctx context.Context, d Delivery) error {
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now()
	}
	key := fmt.Sprintf("delivery:%s:%s", d.Timestamp.In(s.loc).Format("2006-01-02"), d.RecipientID)

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"status":     d.Status,
		"message_id": d.MessageID,
		"number_id":  d.NumberID,
		"error":      d.Error,
		"timestamp":  d.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, key, s.deliveriesTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record delivery: %w", err)
	}
	return nil
}

// GetDelivery reads a delivery record, nil when absent
func (s *RedisStore) GetDelivery(ctx context.Context, date time.Time, recipientID string) (*Delivery, error) {
	key := fmt.Sprintf("delivery:%s:%s", date.In(s.loc).Format("2006-01-02"), recipientID)
	vals, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read delivery: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	ts, _ := time.Parse(time.RFC3339Nano, vals["timestamp"])
	return &Delivery{
		RecipientID: recipientID,
		Status:      vals["status"],
		MessageID:   vals["message_id"],
		NumberID:    vals["number_id"],
		Error:       vals["error"],
		Timestamp:   ts,
	}, nil
}

// RecordRun stores the run report summary under run:<date>:<id>
func (s *RedisStore) RecordRun(ctx context.Context, run *ledger.Run) error {
	key := fmt.Sprintf("run:%s:%s", run.Date, run.ID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"state":        string(run.State),
		"total":        run.TotalRecipients,
		"sent":         run.Sent,
		"delivered":    run.Delivered,
		"failed":       run.Failed,
		"retried":      run.Retried,
		"sla_achieved": strconv.FormatFloat(run.SLAAchieved, 'f', 4, 64),
		"provisional":  strconv.FormatBool(run.Provisional),
	})
	pipe.Expire(ctx, key, s.deliveriesTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// DailySummary aggregates the 24 hourly hashes of date
func (s *RedisStore) DailySummary(ctx context.Context, date time.Time) (*Summary, error) {
	day := date.In(s.loc).Format("2006-01-02")

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, 24)
	for hour := 0; hour < 24; hour++ {
		cmds[hour] = pipe.HGetAll(ctx, fmt.Sprintf("metrics:%s:%d", day, hour))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read metrics: %w", err)
	}

	sum := &Summary{Date: day, Source: "redis"}
	for _, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			continue
		}
		sum.Total += parseCount(vals["total"])
		sum.Sent += parseCount(vals[StatusSent])
		sum.Delivered += parseCount(vals[StatusDelivered])
		sum.Read += parseCount(vals[StatusRead])
		sum.Failed += parseCount(vals[StatusFailed])
	}
	sum.finish()
	return sum, nil
}

// Ping checks connectivity
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func parseCount(v string) int64 {
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}

// RedisDeduper claims webhook dedup keys with SETNX and a TTL
type RedisDeduper struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisDeduper creates a deduper; ttl defaults to 48h
func NewRedisDeduper(rdb *redis.Client, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	return &RedisDeduper{rdb: rdb, ttl: ttl}
}

// Claim returns true the first time key is seen within the TTL
func (d *RedisDeduper) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, "webhook:seen:"+key, 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim dedup key: %w", err)
	}
	return ok, nil
}
