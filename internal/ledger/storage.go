package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketAttempts    = []byte("attempts")
	bucketAttemptsRun = []byte("attempts_by_run")
	bucketAttemptsAge = []byte("attempts_by_time")
	bucketRuns        = []byte("runs")
	bucketRunsByTime  = []byte("runs_by_time")
	bucketHealth      = []byte("health")
)

// BoltStorage implements Ledger using BoltDB
type BoltStorage struct {
	db  *bolt.DB
	now func() time.Time
}

// Open opens (or creates) the database file and the ledger buckets
func Open(path string) (*BoltStorage, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New creates ledger buckets in an already open database
func New(db *bolt.DB) (*BoltStorage, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketAttempts, bucketAttemptsRun, bucketAttemptsAge, bucketRuns, bucketRunsByTime, bucketHealth} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &BoltStorage{db: db, now: time.Now}, nil
}

// AppendAttempt records one attempt and indexes it by run and by time
func (s *BoltStorage) AppendAttempt(ctx context.Context, a *Attempt) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.FinishedAt.IsZero() {
		a.FinishedAt = s.now()
	}
	if a.StartedAt.IsZero() {
		a.StartedAt = a.FinishedAt
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		attempts := tx.Bucket(bucketAttempts)
		if attempts.Get([]byte(a.ID)) != nil {
			return fmt.Errorf("%w: %s", ErrExists, a.ID)
		}

		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("failed to marshal attempt: %w", err)
		}
		if err := attempts.Put([]byte(a.ID), data); err != nil {
			return fmt.Errorf("failed to store attempt: %w", err)
		}

		runKey := append([]byte(a.RunID+"/"), makeIndexKey(a.FinishedAt, a.ID)...)
		if err := tx.Bucket(bucketAttemptsRun).Put(runKey, []byte(a.ID)); err != nil {
			return fmt.Errorf("failed to index attempt by run: %w", err)
		}
		if err := tx.Bucket(bucketAttemptsAge).Put(makeIndexKey(a.FinishedAt, a.ID), []byte(a.ID)); err != nil {
			return fmt.Errorf("failed to index attempt by time: %w", err)
		}
		return nil
	})
}

// SaveRun creates or replaces a run report
func (s *BoltStorage) SaveRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		index := tx.Bucket(bucketRunsByTime)

		// replace the time index entry if the run existed
		if old := runs.Get([]byte(run.ID)); old != nil {
			var prev Run
			if err := json.Unmarshal(old, &prev); err == nil {
				index.Delete(makeIndexKey(prev.StartedAt, prev.ID))
			}
		}

		data, err := json.Marshal(run)
		if err != nil {
			return fmt.Errorf("failed to marshal run: %w", err)
		}
		if err := runs.Put([]byte(run.ID), data); err != nil {
			return fmt.Errorf("failed to store run: %w", err)
		}
		return index.Put(makeIndexKey(run.StartedAt, run.ID), []byte(run.ID))
	})
}

// GetRun retrieves a run by ID
func (s *BoltStorage) GetRun(ctx context.Context, id string) (*Run, error) {
	var run *Run

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get([]byte(id))
		if data == nil {
			return nil
		}
		run = &Run{}
		return json.Unmarshal(data, run)
	})

	return run, err
}

// ListRuns returns runs newest first with optional filtering
func (s *BoltStorage) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var runs []*Run

	err := s.db.View(func(tx *bolt.Tx) error {
		runBucket := tx.Bucket(bucketRuns)
		c := tx.Bucket(bucketRunsByTime).Cursor()

		count := 0
		skipped := 0

		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			data := runBucket.Get(v)
			if data == nil {
				continue
			}

			var run Run
			if err := json.Unmarshal(data, &run); err != nil {
				continue
			}

			if filter.Date != "" && run.Date != filter.Date {
				continue
			}
			if filter.State != "" && run.State != filter.State {
				continue
			}

			if skipped < filter.Offset {
				skipped++
				continue
			}

			runs = append(runs, &run)
			count++

			if filter.Limit > 0 && count >= filter.Limit {
				break
			}
		}

		return nil
	})

	return runs, err
}

// ListAttempts returns a run's attempts in record order
func (s *BoltStorage) ListAttempts(ctx context.Context, runID string, filter AttemptFilter) ([]*Attempt, error) {
	var attempts []*Attempt
	prefix := []byte(runID + "/")

	err := s.db.View(func(tx *bolt.Tx) error {
		attemptBucket := tx.Bucket(bucketAttempts)
		c := tx.Bucket(bucketAttemptsRun).Cursor()

		count := 0
		skipped := 0

		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			data := attemptBucket.Get(v)
			if data == nil {
				continue
			}

			var a Attempt
			if err := json.Unmarshal(data, &a); err != nil {
				continue
			}

			if filter.Outcome != "" && a.Outcome != filter.Outcome {
				continue
			}

			if skipped < filter.Offset {
				skipped++
				continue
			}

			attempts = append(attempts, &a)
			count++

			if filter.Limit > 0 && count >= filter.Limit {
				break
			}
		}

		return nil
	})

	return attempts, err
}

// Ping performs a write transaction so a read-only or closed store fails
func (s *BoltStorage) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		ts, _ := s.now().UTC().MarshalText()
		return tx.Bucket(bucketHealth).Put([]byte("ping"), ts)
	})
}

// Stats returns ledger statistics
func (s *BoltStorage) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := s.db.View(func(tx *bolt.Tx) error {
		stats.Runs = int64(tx.Bucket(bucketRuns).Stats().KeyN)

		c := tx.Bucket(bucketAttempts).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var a Attempt
			if err := json.Unmarshal(v, &a); err != nil {
				continue
			}

			stats.Attempts++
			switch a.Outcome {
			case OutcomeSent:
				stats.Sent++
			case OutcomeDelivered:
				stats.Delivered++
			case OutcomeFailed:
				stats.Failed++
			}
		}

		return nil
	})

	return stats, err
}

// CleanupAttempts removes attempts older than maxAge. Run reports are kept.
func (s *BoltStorage) CleanupAttempts(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}

	cutoff := s.now().Add(-maxAge)
	deleted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		attempts := tx.Bucket(bucketAttempts)
		byRun := tx.Bucket(bucketAttemptsRun)
		byTime := tx.Bucket(bucketAttemptsAge)

		var toDelete [][]byte
		c := byTime.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if !parseTimestampFromKey(k).Before(cutoff) {
				break // keys are time ordered
			}
			toDelete = append(toDelete, append([]byte{}, k...))
		}

		for _, k := range toDelete {
			id := append([]byte{}, byTime.Get(k)...)
			if data := attempts.Get(id); data != nil {
				var a Attempt
				if err := json.Unmarshal(data, &a); err == nil {
					byRun.Delete(append([]byte(a.RunID+"/"), makeIndexKey(a.FinishedAt, a.ID)...))
				}
				if err := attempts.Delete(id); err != nil {
					return err
				}
			}
			if err := byTime.Delete(k); err != nil {
				return err
			}
			deleted++
		}

		return nil
	})

	return deleted, err
}

// Close closes the database connection
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

// DB returns the underlying bolt.DB instance shared by the other stores
func (s *BoltStorage) DB() *bolt.DB {
	return s.db
}

// makeIndexKey creates a sortable key from timestamp and ID.
// Times are normalised to UTC with fixed-width nanoseconds so keys sort.
func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00") + "|" + id)
}

// parseTimestampFromKey extracts timestamp from index key
func parseTimestampFromKey(key []byte) time.Time {
	s := string(key)
	for i := 0; i < len(s); i++ {
		if s[i] == '|' {
			ts, _ := time.Parse(time.RFC3339Nano, s[:i])
			return ts
		}
	}
	return time.Time{}
}
