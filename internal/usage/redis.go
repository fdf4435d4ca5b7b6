package usage

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/modelgate/modelgate/internal/clock"
)

const redisKeyPrefix = "modelgate:usage:"

// Redis keeps the live buckets in-process and mirrors dirty ones to Redis as
// JSON values, one key per (label, modelKey). It follows the same
// dirty-set/periodic-flush contract as the remote record store.
type Redis struct {
	rdb    redis.UniversalClient
	label  string
	clk    clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	buckets map[string]Bucket
	dirty   map[string]bool

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRedis creates a Redis-backed store, loading any previously persisted
// buckets for this label. Load failures are logged and leave the store empty.
func NewRedis(ctx context.Context, rdb redis.UniversalClient, label string, flushInterval time.Duration, clk clock.Clock, logger *slog.Logger) *Redis {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	r := &Redis{
		rdb:     rdb,
		label:   label,
		clk:     clk,
		logger:  logger,
		buckets: make(map[string]Bucket),
		dirty:   make(map[string]bool),
		stop:    make(chan struct{}),
	}
	if err := r.bootstrap(ctx); err != nil {
		logger.Warn("redis usage bootstrap failed, starting with empty counters",
			slog.String("error", err.Error()))
	}
	go r.flushLoop(flushInterval)
	return r
}

func (r *Redis) prefix() string {
	if r.label == "" {
		return redisKeyPrefix
	}
	return redisKeyPrefix + r.label + "::"
}

func (r *Redis) bootstrap(ctx context.Context) error {
	nowMS := r.clk.Now().UnixMilli()
	prefix := r.prefix()
	iter := r.rdb.Scan(ctx, 0, prefix+"*", 0).Iterator()

	r.mu.Lock()
	defer r.mu.Unlock()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := r.rdb.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		r.buckets[key[len(prefix):]] = DecodeBucket(raw, nowMS)
	}
	return iter.Err()
}

func (r *Redis) Get(modelKey string) Bucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[modelKey]
	if !ok {
		b = NewBucket(r.clk.Now().UnixMilli())
		r.buckets[modelKey] = b
	}
	return b.Clone()
}

func (r *Redis) Set(modelKey string, b Bucket) {
	r.mu.Lock()
	r.buckets[modelKey] = b.Clone()
	r.dirty[modelKey] = true
	r.mu.Unlock()
}

func (r *Redis) Entries() map[string]Bucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Bucket, len(r.buckets))
	for k, b := range r.buckets {
		out[k] = b.Clone()
	}
	return out
}

// Persist mirrors every dirty bucket to Redis; keys stay dirty until their
// write succeeds.
func (r *Redis) Persist(ctx context.Context) error {
	r.mu.Lock()
	pending := make(map[string]Bucket, len(r.dirty))
	for k := range r.dirty {
		pending[k] = r.buckets[k].Clone()
	}
	r.mu.Unlock()

	var firstErr error
	for modelKey, b := range pending {
		raw, err := json.Marshal(b)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := r.rdb.Set(ctx, r.prefix()+modelKey, raw, 0).Err(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		r.mu.Lock()
		delete(r.dirty, modelKey)
		r.mu.Unlock()
	}
	return firstErr
}

func (r *Redis) flushLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := r.Persist(ctx); err != nil {
				r.logger.Warn("redis usage persist failed, will retry",
					slog.String("error", err.Error()))
			}
			cancel()
		case <-r.stop:
			return
		}
	}
}

func (r *Redis) Close() error {
	r.stopOnce.Do(func() { close(r.stop) })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Persist(ctx); err != nil {
		r.logger.Warn("final redis usage persist failed", slog.String("error", err.Error()))
	}
	return nil
}
