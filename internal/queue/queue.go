// Package queue implements the per-key request scheduler: a FIFO of pending
// provider calls drained by a single cooperative dispatch loop that picks the
// earliest runnable item under the key's rate limits.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/modelgate/modelgate/internal/clock"
	"github.com/modelgate/modelgate/internal/limits"
	"github.com/modelgate/modelgate/internal/metrics"
	"github.com/modelgate/modelgate/internal/usage"
)

const (
	// Seed for the execution-latency EWMA before the first sample.
	execSeedMS = 500
	// Smoothing factor for the execution-latency EWMA.
	ewmaAlpha = 0.25
	// Bounds on the idle sleep when no item is runnable.
	minIdleSleepMS = 1
	maxIdleSleepMS = 5000
)

// Exec performs the provider call for one queued item.
type Exec func() (string, error)

// Estimator sizes a request in tokens from its text. A nil estimator disables
// token-based limits rather than failing requests.
type Estimator func(text, model string) int64

// Future is the completion handle returned by Add. It resolves exactly once.
type Future struct {
	done chan struct{}
	val  string
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Wait blocks until the item completes or ctx is cancelled. Cancellation only
// abandons the wait; the item itself still dispatches eventually.
func (f *Future) Wait(ctx context.Context) (string, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (f *Future) resolve(v string) {
	f.val = v
	close(f.done)
}

func (f *Future) reject(err error) {
	f.err = err
	close(f.done)
}

type item struct {
	id       string
	exec     Exec
	tokens   int64
	model    string
	fut      *Future
	enqueued time.Time
}

// Queuer schedules requests for one API key. At most one provider call is in
// flight per Queuer at a time; items for a throttled model never hold up
// later items for a model with slack.
type Queuer struct {
	cfg       limits.KeyConfig
	store     usage.Store
	estimator Estimator
	clk       clock.Clock
	logger    *slog.Logger
	metrics   *metrics.Registry

	mu         sync.Mutex
	items      []*item
	processing bool
	estExecMS  float64
}

// Option configures a Queuer.
type Option func(*Queuer)

func WithClock(c clock.Clock) Option         { return func(q *Queuer) { q.clk = c } }
func WithLogger(l *slog.Logger) Option       { return func(q *Queuer) { q.logger = l } }
func WithMetrics(m *metrics.Registry) Option { return func(q *Queuer) { q.metrics = m } }
func WithEstimator(e Estimator) Option       { return func(q *Queuer) { q.estimator = e } }

// New creates a Queuer for one key config. The Queuer takes exclusive
// ownership of the usage store.
func New(cfg limits.KeyConfig, store usage.Store, opts ...Option) *Queuer {
	q := &Queuer{
		cfg:       cfg,
		store:     store,
		clk:       clock.New(),
		logger:    slog.Default(),
		estExecMS: execSeedMS,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Label returns the human-readable queue identifier.
func (q *Queuer) Label() string { return q.cfg.Label }

// Key returns the raw API key this queuer dispatches with.
func (q *Queuer) Key() string { return q.cfg.Key }

// QueueLength returns the number of pending items.
func (q *Queuer) QueueLength() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// IsProcessing reports whether the dispatch loop is active.
func (q *Queuer) IsProcessing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing
}

// Close releases the queuer's usage store. Pending items are not interrupted.
func (q *Queuer) Close() error {
	return q.store.Close()
}

// modelKey maps an optional model name to its bucket key.
func modelKey(model string) string {
	if model == "" {
		return usage.DefaultModelKey
	}
	return model
}

// Add schedules a provider call. When no limits apply to the model and no
// fallback delay is configured, the call executes immediately without
// touching the queue or the usage store. Otherwise the item joins the FIFO
// tail and the dispatch loop is started if idle.
//
// tokenText, when non-empty, is fed to the estimator so token-based limits
// participate in scheduling.
func (q *Queuer) Add(exec Exec, tokenText, model string) *Future {
	if !q.cfg.HasLimits(model) && q.cfg.FallbackDelayMS == 0 {
		fut := newFuture()
		go func() {
			v, err := exec()
			if err != nil {
				fut.reject(err)
				return
			}
			fut.resolve(v)
		}()
		return fut
	}

	var tokens int64
	if tokenText != "" && q.estimator != nil {
		tokens = q.estimator(tokenText, model)
	}

	it := &item{
		id:       uuid.NewString(),
		exec:     exec,
		tokens:   tokens,
		model:    model,
		fut:      newFuture(),
		enqueued: q.clk.Now(),
	}

	q.mu.Lock()
	q.items = append(q.items, it)
	depth := len(q.items)
	startLoop := !q.processing
	if startLoop {
		q.processing = true
	}
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.QueueDepth.WithLabelValues(q.cfg.Label).Set(float64(depth))
	}
	if startLoop {
		go q.dispatchLoop()
	}
	return it.fut
}

// dispatchLoop drains the queue. Each pass scans items in FIFO order and
// dispatches the first whose wait is zero under its own model's limits; when
// none is runnable it sleeps for the smallest observed wait (bounded) and
// rescans. Per-model FIFO order is preserved because the first runnable item
// for a model is always its oldest; cross-model order deliberately is not.
func (q *Queuer) dispatchLoop() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.processing = false
			q.mu.Unlock()
			return
		}

		nowMS := q.clk.Now().UnixMilli()
		selected := -1
		minWait := int64(maxIdleSleepMS)
		for i, it := range q.items {
			specs := q.cfg.ActiveLimits(it.model)
			b := q.store.Get(modelKey(it.model))
			w, _ := limits.Wait(nowMS, specs, b, it.tokens)
			if w == 0 {
				selected = i
				break
			}
			if w < minWait {
				minWait = w
			}
		}

		if selected == -1 {
			q.mu.Unlock()
			q.idleSleep(minWait)
			continue
		}

		it := q.items[selected]
		q.items = append(q.items[:selected], q.items[selected+1:]...)
		depth := len(q.items)
		q.mu.Unlock()

		if q.metrics != nil {
			q.metrics.QueueDepth.WithLabelValues(q.cfg.Label).Set(float64(depth))
			q.metrics.DispatchWaitMS.WithLabelValues(q.cfg.Label).
				Observe(float64(q.clk.Now().Sub(it.enqueued).Milliseconds()))
		}

		q.runItem(it)

		if q.cfg.FallbackDelayMS > 0 && q.QueueLength() > 0 {
			q.clk.Sleep(time.Duration(q.cfg.FallbackDelayMS) * time.Millisecond)
		}
	}
}

// runItem executes one dequeued item, folds the observed latency into the
// EWMA, and records usage only on success so failed calls never consume
// budget.
func (q *Queuer) runItem(it *item) {
	start := q.clk.Now()
	val, err := it.exec()
	durMS := float64(q.clk.Now().Sub(start).Milliseconds())

	q.mu.Lock()
	q.estExecMS = ewmaAlpha*durMS + (1-ewmaAlpha)*q.estExecMS
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.ExecutionMS.WithLabelValues(q.cfg.Label, modelKey(it.model)).Observe(durMS)
	}

	if err != nil {
		if q.metrics != nil {
			q.metrics.DispatchesTotal.WithLabelValues(q.cfg.Label, modelKey(it.model), "error").Inc()
		}
		q.logger.Debug("dispatch failed",
			slog.String("queue", q.cfg.Label),
			slog.String("model", it.model),
			slog.String("error", err.Error()))
		it.fut.reject(err)
		return
	}

	completionMS := q.clk.Now().UnixMilli()
	key := modelKey(it.model)
	b := q.store.Get(key)
	b = limits.Record(completionMS, it.tokens, b)
	q.store.Set(key, b)

	if q.metrics != nil {
		q.metrics.DispatchesTotal.WithLabelValues(q.cfg.Label, key, "ok").Inc()
	}
	it.fut.resolve(val)
}

// idleSleep bounds the no-runnable-item sleep to [1ms, 5s].
func (q *Queuer) idleSleep(waitMS int64) {
	if waitMS < minIdleSleepMS {
		waitMS = minIdleSleepMS
	}
	if waitMS > maxIdleSleepMS {
		waitMS = maxIdleSleepMS
	}
	q.clk.Sleep(time.Duration(waitMS) * time.Millisecond)
}
