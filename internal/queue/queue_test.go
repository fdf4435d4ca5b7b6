package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/modelgate/modelgate/internal/clock"
	"github.com/modelgate/modelgate/internal/limits"
	"github.com/modelgate/modelgate/internal/usage"
)

var testStart = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

func waitFuture(t *testing.T, f *Future) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	v, err := f.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("future never resolved")
	}
	return v, err
}

func TestAdd_FastPathSkipsQueueAndStore(t *testing.T) {
	store := usage.NewMemory(clock.NewFakeAt(testStart))
	q := New(limits.KeyConfig{Label: "fast"}, store)

	fut := q.Add(func() (string, error) { return "hi", nil }, "some text", "any-model")
	v, err := waitFuture(t, fut)
	if err != nil || v != "hi" {
		t.Fatalf("got %q, %v", v, err)
	}
	if q.QueueLength() != 0 || q.IsProcessing() {
		t.Fatal("fast path must not touch the queue")
	}
	if len(store.Entries()) != 0 {
		t.Fatal("fast path must not touch the usage store")
	}
}

func TestDispatch_RPSSerializesBurst(t *testing.T) {
	clk := clock.NewFakeAt(testStart)
	store := usage.NewMemory(clk)
	cfg := limits.KeyConfig{
		Label:         "q",
		DefaultLimits: []limits.Spec{{Type: limits.RPS, Limit: 1}},
	}
	q := New(cfg, store, WithClock(clk))

	var mu sync.Mutex
	var completions []int64
	exec := func() (string, error) {
		mu.Lock()
		completions = append(completions, clk.Now().UnixMilli())
		mu.Unlock()
		return "ok", nil
	}

	futs := []*Future{
		q.Add(exec, "", "m"),
		q.Add(exec, "", "m"),
		q.Add(exec, "", "m"),
	}
	for _, f := range futs {
		if _, err := waitFuture(t, f); err != nil {
			t.Fatalf("dispatch failed: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(completions) != 3 {
		t.Fatalf("expected 3 completions, got %d", len(completions))
	}
	for i := 1; i < len(completions); i++ {
		if gap := completions[i] - completions[i-1]; gap < 1000 {
			t.Fatalf("burst not serialized: gap %d ms between %d and %d", gap, i-1, i)
		}
	}
}

func TestDispatch_ThrottledModelDoesNotBlockOthers(t *testing.T) {
	clk := clock.NewFakeAt(testStart)
	store := usage.NewMemory(clk)
	cfg := limits.KeyConfig{
		Label:         "q",
		DefaultLimits: []limits.Spec{{Type: limits.RPS, Limit: 1000}},
		ModelLimits: map[string][]limits.Spec{
			"slow": {{Type: limits.RPS, Limit: 1}},
		},
	}
	q := New(cfg, store, WithClock(clk))

	var mu sync.Mutex
	var order []string
	exec := func(name string) Exec {
		return func() (string, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return "ok", nil
		}
	}

	// slow-1 dispatches immediately and exhausts the slow model's window.
	// Its exec blocks until the two follow-ups are enqueued, so the next
	// scan is guaranteed to see both.
	enqueued := make(chan struct{})
	f1 := q.Add(func() (string, error) {
		<-enqueued
		return exec("slow-1")()
	}, "", "slow")

	// slow-2 is enqueued ahead of fast-1 but cannot run yet; fast-1 must
	// overtake it instead of waiting behind it.
	f2 := q.Add(exec("slow-2"), "", "slow")
	f3 := q.Add(exec("fast-1"), "", "fast")
	close(enqueued)

	if _, err := waitFuture(t, f1); err != nil {
		t.Fatal(err)
	}
	if _, err := waitFuture(t, f3); err != nil {
		t.Fatal(err)
	}
	if _, err := waitFuture(t, f2); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if order[1] != "fast-1" || order[2] != "slow-2" {
		t.Fatalf("expected fast-1 to overtake slow-2, got %v", order)
	}
}

func TestDispatch_FailureConsumesNoBudget(t *testing.T) {
	clk := clock.NewFakeAt(testStart)
	store := usage.NewMemory(clk)
	cfg := limits.KeyConfig{
		Label:         "q",
		DefaultLimits: []limits.Spec{{Type: limits.RPS, Limit: 1}},
	}
	q := New(cfg, store, WithClock(clk))

	boom := errors.New("provider exploded")
	f := q.Add(func() (string, error) { return "", boom }, "", "m")
	if _, err := waitFuture(t, f); !errors.Is(err, boom) {
		t.Fatalf("expected provider error, got %v", err)
	}

	b := store.Get("m")
	if len(b.SecondTS) != 0 || b.MonthRequestCount != 0 {
		t.Fatalf("failed call charged the bucket: %+v", b)
	}

	// The window is still free, so the next item dispatches without waiting.
	f2 := q.Add(func() (string, error) { return "ok", nil }, "", "m")
	if v, err := waitFuture(t, f2); err != nil || v != "ok" {
		t.Fatalf("follow-up dispatch: %q, %v", v, err)
	}
}

func TestDispatch_FallbackDelaySpacesItems(t *testing.T) {
	clk := clock.NewFakeAt(testStart)
	store := usage.NewMemory(clk)
	q := New(limits.KeyConfig{Label: "q", FallbackDelayMS: 500}, store, WithClock(clk))

	var mu sync.Mutex
	var completions []int64
	exec := func() (string, error) {
		mu.Lock()
		completions = append(completions, clk.Now().UnixMilli())
		mu.Unlock()
		return "ok", nil
	}

	f1 := q.Add(exec, "", "")
	f2 := q.Add(exec, "", "")
	waitFuture(t, f1)
	waitFuture(t, f2)

	mu.Lock()
	defer mu.Unlock()
	if len(completions) != 2 {
		t.Fatalf("expected 2 completions, got %d", len(completions))
	}
	if gap := completions[1] - completions[0]; gap < 500 {
		t.Fatalf("fallback delay not applied, gap %d ms", gap)
	}
}

func TestDispatch_TokenBudgetBlocksUntilWindowTumbles(t *testing.T) {
	clk := clock.NewFakeAt(testStart)
	store := usage.NewMemory(clk)
	cfg := limits.KeyConfig{
		Label:         "q",
		DefaultLimits: []limits.Spec{{Type: limits.TPm, Limit: 100}},
	}
	est := func(text, _ string) int64 { return int64(len(text)) }
	q := New(cfg, store, WithClock(clk), WithEstimator(est))

	var mu sync.Mutex
	var completions []int64
	exec := func() (string, error) {
		mu.Lock()
		completions = append(completions, clk.Now().UnixMilli())
		mu.Unlock()
		return "ok", nil
	}

	big := make([]byte, 80)
	f1 := q.Add(exec, string(big), "m")
	f2 := q.Add(exec, string(big), "m")
	waitFuture(t, f1)
	waitFuture(t, f2)

	mu.Lock()
	defer mu.Unlock()
	// 80+80 overflows the 100-token window; the second request waits for the
	// minute window to tumble.
	if gap := completions[1] - completions[0]; gap < 59_000 {
		t.Fatalf("second request should wait for the window, gap %d ms", gap)
	}
}

func TestRunItem_FoldsExecLatencyIntoEWMA(t *testing.T) {
	clk := clock.NewFakeAt(testStart)
	store := usage.NewMemory(clk)
	q := New(limits.KeyConfig{
		Label:         "q",
		DefaultLimits: []limits.Spec{{Type: limits.RPS, Limit: 100}},
	}, store, WithClock(clk))

	f := q.Add(func() (string, error) {
		clk.Advance(300 * time.Millisecond)
		return "ok", nil
	}, "", "m")
	waitFuture(t, f)

	q.mu.Lock()
	got := q.estExecMS
	q.mu.Unlock()
	want := ewmaAlpha*300 + (1-ewmaAlpha)*execSeedMS
	if got != want {
		t.Fatalf("ewma: got %v, want %v", got, want)
	}
}

func TestFuture_WaitAbandonedOnContextCancel(t *testing.T) {
	f := newFuture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	// The item still resolves for anyone else waiting.
	f.resolve("late")
	if v, err := f.Wait(context.Background()); err != nil || v != "late" {
		t.Fatalf("late wait: %q, %v", v, err)
	}
}
