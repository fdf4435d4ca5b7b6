package usage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/modelgate/modelgate/internal/clock"
)

// SQLite persists buckets to a local SQLite database (pure-Go driver, no
// CGO), for single-host deployments that want counters to survive restarts
// without running a separate store. Same dirty-set/periodic-flush contract as
// the remote backends.
type SQLite struct {
	db     *sql.DB
	label  string
	clk    clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	buckets map[string]Bucket
	dirty   map[string]bool

	stop     chan struct{}
	stopOnce sync.Once
}

// NewSQLite opens (or creates) the database at dsn, migrates the usage table,
// and loads previously persisted buckets for this label.
func NewSQLite(ctx context.Context, dsn, label string, flushInterval time.Duration, clk clock.Clock, logger *slog.Logger) (*SQLite, error) {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite pragma: %w", err)
		}
	}
	// SQLite only supports one writer at a time; keep the pool small.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	s := &SQLite{
		db:      db,
		label:   label,
		clk:     clk,
		logger:  logger,
		buckets: make(map[string]Bucket),
		dirty:   make(map[string]bool),
		stop:    make(chan struct{}),
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.bootstrap(ctx); err != nil {
		logger.Warn("sqlite usage bootstrap failed, starting with empty counters",
			slog.String("error", err.Error()))
	}
	go s.flushLoop(flushInterval)
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS usage_buckets (
		label TEXT NOT NULL,
		model_key TEXT NOT NULL,
		bucket TEXT NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (label, model_key)
	)`)
	if err != nil {
		return fmt.Errorf("migrate usage_buckets: %w", err)
	}
	return nil
}

func (s *SQLite) bootstrap(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT model_key, bucket FROM usage_buckets WHERE label = ?`, s.label)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	nowMS := s.clk.Now().UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()
	for rows.Next() {
		var modelKey, raw string
		if err := rows.Scan(&modelKey, &raw); err != nil {
			return err
		}
		s.buckets[modelKey] = DecodeBucket([]byte(raw), nowMS)
	}
	return rows.Err()
}

func (s *SQLite) Get(modelKey string) Bucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[modelKey]
	if !ok {
		b = NewBucket(s.clk.Now().UnixMilli())
		s.buckets[modelKey] = b
	}
	return b.Clone()
}

func (s *SQLite) Set(modelKey string, b Bucket) {
	s.mu.Lock()
	s.buckets[modelKey] = b.Clone()
	s.dirty[modelKey] = true
	s.mu.Unlock()
}

func (s *SQLite) Entries() map[string]Bucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Bucket, len(s.buckets))
	for k, b := range s.buckets {
		out[k] = b.Clone()
	}
	return out
}

func (s *SQLite) Persist(ctx context.Context) error {
	s.mu.Lock()
	pending := make(map[string]Bucket, len(s.dirty))
	for k := range s.dirty {
		pending[k] = s.buckets[k].Clone()
	}
	s.mu.Unlock()

	var firstErr error
	for modelKey, b := range pending {
		raw, err := json.Marshal(b)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO usage_buckets (label, model_key, bucket, updated_at)
			 VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			 ON CONFLICT(label, model_key) DO UPDATE SET
			   bucket=excluded.bucket,
			   updated_at=excluded.updated_at`,
			s.label, modelKey, string(raw))
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.mu.Lock()
		delete(s.dirty, modelKey)
		s.mu.Unlock()
	}
	return firstErr
}

func (s *SQLite) flushLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := s.Persist(ctx); err != nil {
				s.logger.Warn("sqlite usage persist failed, will retry",
					slog.String("error", err.Error()))
			}
			cancel()
		case <-s.stop:
			return
		}
	}
}

func (s *SQLite) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Persist(ctx); err != nil {
		s.logger.Warn("final sqlite usage persist failed", slog.String("error", err.Error()))
	}
	return s.db.Close()
}
