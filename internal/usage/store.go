package usage

import (
	"context"
	"sync"

	"github.com/modelgate/modelgate/internal/clock"
)

// Store maps model keys to usage buckets. Each queuer owns exactly one Store;
// Entries may be called concurrently with Get/Set from other goroutines.
//
// Persist flushes changed buckets to durable storage. It is best-effort: the
// dispatch path never blocks on it, and failures leave buckets marked dirty
// so a later flush retries.
type Store interface {
	// Get returns the bucket for modelKey, creating a zeroed one on miss.
	Get(modelKey string) Bucket
	// Set replaces the bucket for modelKey and marks it dirty.
	Set(modelKey string, b Bucket)
	// Entries returns a deep-copied view of every (modelKey, bucket) pair.
	Entries() map[string]Bucket
	// Persist writes dirty buckets to the backing storage.
	Persist(ctx context.Context) error
	// Close stops background work and releases resources.
	Close() error
}

// Memory is the volatile in-process Store. Persist is a no-op.
type Memory struct {
	clk clock.Clock

	mu      sync.Mutex
	buckets map[string]Bucket
}

// NewMemory creates an empty in-memory store.
func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.New()
	}
	return &Memory{clk: clk, buckets: make(map[string]Bucket)}
}

func (m *Memory) Get(modelKey string) Bucket {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[modelKey]
	if !ok {
		b = NewBucket(m.clk.Now().UnixMilli())
		m.buckets[modelKey] = b
	}
	return b.Clone()
}

func (m *Memory) Set(modelKey string, b Bucket) {
	m.mu.Lock()
	m.buckets[modelKey] = b.Clone()
	m.mu.Unlock()
}

func (m *Memory) Entries() map[string]Bucket {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Bucket, len(m.buckets))
	for k, b := range m.buckets {
		out[k] = b.Clone()
	}
	return out
}

func (m *Memory) Persist(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
