package usage

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/modelgate/modelgate/internal/clock"
	"github.com/modelgate/modelgate/internal/recordstore"
)

// DefaultFlushInterval is how often the remote store flushes dirty buckets.
const DefaultFlushInterval = 15 * time.Second

// Remote persists buckets to an authenticated record store. Reads and writes
// stay in-process; a background timer flushes buckets that changed since the
// last flush. When a label is configured, record keys are namespaced as
// "<label>::<modelKey>" so several queues can share one collection.
type Remote struct {
	client     *recordstore.Client
	collection string
	label      string
	clk        clock.Clock
	logger     *slog.Logger

	mu        sync.Mutex
	buckets   map[string]Bucket
	dirty     map[string]bool
	recordIDs map[string]string // namespaced key -> record id

	stop     chan struct{}
	stopOnce sync.Once
}

// remoteRecord is the wire shape of one persisted bucket.
type remoteRecord struct {
	Key    string `json:"key"`
	Bucket Bucket `json:"bucket"`
}

// NewRemote creates a remote-backed store and bootstraps it from the record
// store so the process resumes with accurate history after a restart. A
// bootstrap failure is logged and leaves the store empty; it never prevents
// startup.
func NewRemote(ctx context.Context, client *recordstore.Client, collection, label string, flushInterval time.Duration, clk clock.Clock, logger *slog.Logger) *Remote {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	r := &Remote{
		client:     client,
		collection: collection,
		label:      label,
		clk:        clk,
		logger:     logger,
		buckets:    make(map[string]Bucket),
		dirty:      make(map[string]bool),
		recordIDs:  make(map[string]string),
		stop:       make(chan struct{}),
	}

	if err := r.bootstrap(ctx); err != nil {
		logger.Warn("usage bootstrap failed, starting with empty counters",
			slog.String("collection", collection), slog.String("error", err.Error()))
	}

	go r.flushLoop(flushInterval)
	return r
}

func (r *Remote) namespaced(modelKey string) string {
	if r.label == "" {
		return modelKey
	}
	return r.label + "::" + modelKey
}

func (r *Remote) stripNamespace(key string) (string, bool) {
	if r.label == "" {
		return key, true
	}
	prefix := r.label + "::"
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	return strings.TrimPrefix(key, prefix), true
}

// bootstrap lists up to 200 records, keeps those matching our label prefix,
// and parses each stored bucket tolerantly.
func (r *Remote) bootstrap(ctx context.Context) error {
	records, err := r.client.List(ctx, r.collection, 200)
	if err != nil {
		return err
	}
	nowMS := r.clk.Now().UnixMilli()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		full := rec.GetString("key")
		modelKey, ok := r.stripNamespace(full)
		if !ok || modelKey == "" {
			continue
		}
		raw, ok := rec.Fields["bucket"]
		if !ok {
			continue
		}
		r.buckets[modelKey] = DecodeBucket(raw, nowMS)
		r.recordIDs[full] = rec.ID
	}
	r.logger.Info("usage bootstrap complete",
		slog.String("collection", r.collection),
		slog.Int("buckets", len(r.buckets)))
	return nil
}

func (r *Remote) Get(modelKey string) Bucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[modelKey]
	if !ok {
		b = NewBucket(r.clk.Now().UnixMilli())
		r.buckets[modelKey] = b
	}
	return b.Clone()
}

func (r *Remote) Set(modelKey string, b Bucket) {
	r.mu.Lock()
	r.buckets[modelKey] = b.Clone()
	r.dirty[modelKey] = true
	r.mu.Unlock()
}

func (r *Remote) Entries() map[string]Bucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Bucket, len(r.buckets))
	for k, b := range r.buckets {
		out[k] = b.Clone()
	}
	return out
}

// Persist writes every dirty bucket. A known record id is updated in place;
// when the update fails (the record may have been deleted out from under us)
// we fall back to create and remember the fresh id. Keys stay dirty until a
// write for them succeeds.
func (r *Remote) Persist(ctx context.Context) error {
	r.mu.Lock()
	pending := make(map[string]Bucket, len(r.dirty))
	for k := range r.dirty {
		pending[k] = r.buckets[k].Clone()
	}
	r.mu.Unlock()

	var firstErr error
	for modelKey, b := range pending {
		full := r.namespaced(modelKey)
		fields := remoteRecord{Key: full, Bucket: b}

		r.mu.Lock()
		id := r.recordIDs[full]
		r.mu.Unlock()

		if id != "" {
			if err := r.client.Update(ctx, r.collection, id, fields); err == nil {
				r.markClean(modelKey)
				continue
			}
			// Record may be gone; heal by recreating below.
		}
		newID, err := r.client.Create(ctx, r.collection, fields)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		r.mu.Lock()
		r.recordIDs[full] = newID
		r.mu.Unlock()
		r.markClean(modelKey)
	}
	return firstErr
}

func (r *Remote) markClean(modelKey string) {
	r.mu.Lock()
	delete(r.dirty, modelKey)
	r.mu.Unlock()
}

func (r *Remote) flushLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := r.Persist(ctx); err != nil {
				r.logger.Warn("usage persist failed, will retry",
					slog.String("collection", r.collection),
					slog.String("error", err.Error()))
			}
			cancel()
		case <-r.stop:
			return
		}
	}
}

// Close stops the flush timer and attempts one final flush.
func (r *Remote) Close() error {
	r.stopOnce.Do(func() { close(r.stop) })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Persist(ctx); err != nil {
		r.logger.Warn("final usage persist failed", slog.String("error", err.Error()))
	}
	return nil
}
