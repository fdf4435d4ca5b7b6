package queue

import (
	"github.com/modelgate/modelgate/internal/limits"
	"github.com/modelgate/modelgate/internal/usage"
)

// simScanCap bounds the simulation when a limit can never be satisfied
// (e.g. a single request larger than a monthly token budget). The real
// dispatcher would wait indefinitely; the estimate just stops growing.
const simScanCap = 10_000

type simItem struct {
	model        string
	tokens       int64
	hypothetical bool
}

// EstimateWaitMs predicts how long a new request for model with tokensNeeded
// tokens would wait before dispatch if added now. It deep-copies every bucket
// into a sandbox and replays the whole pending queue plus the hypothetical
// item using the same runnable-scan-or-sleep algorithm the dispatcher runs,
// with the EWMA execution latency standing in for real call durations. The
// live usage store is never mutated.
//
// The result is best-effort; it is the routing signal the broker minimises.
func (q *Queuer) EstimateWaitMs(model string, tokensNeeded int64) int64 {
	q.mu.Lock()
	pending := make([]simItem, 0, len(q.items)+1)
	for _, it := range q.items {
		pending = append(pending, simItem{model: it.model, tokens: it.tokens})
	}
	execMS := int64(q.estExecMS)
	q.mu.Unlock()

	pending = append(pending, simItem{model: model, tokens: tokensNeeded, hypothetical: true})

	sandbox := q.store.Entries()
	nowMS := q.clk.Now().UnixMilli()
	simNow := nowMS

	for scans := 0; scans < simScanCap; scans++ {
		selected := -1
		minWait := int64(maxIdleSleepMS)
		for i, it := range pending {
			key := modelKey(it.model)
			b, ok := sandbox[key]
			if !ok {
				b = usage.NewBucket(simNow)
			}
			w, maintained := limits.Wait(simNow, q.cfg.ActiveLimits(it.model), b, it.tokens)
			sandbox[key] = maintained
			if w == 0 {
				selected = i
				break
			}
			if w < minWait {
				minWait = w
			}
		}

		if selected == -1 {
			if minWait < minIdleSleepMS {
				minWait = minIdleSleepMS
			}
			simNow += minWait
			continue
		}

		it := pending[selected]
		if it.hypothetical {
			wait := simNow - nowMS
			if wait < 0 {
				wait = 0
			}
			return wait
		}

		// Dispatch the simulated item: it occupies the single dispatcher for
		// the estimated execution time and charges usage at completion.
		completion := simNow + execMS
		key := modelKey(it.model)
		sandbox[key] = limits.Record(completion, it.tokens, sandbox[key])
		simNow = completion
		pending = append(pending[:selected], pending[selected+1:]...)
		if q.cfg.FallbackDelayMS > 0 && len(pending) > 0 {
			simNow += q.cfg.FallbackDelayMS
		}
	}
	return simNow - nowMS
}

// WindowCounts are request totals in the three sliding windows.
type WindowCounts struct {
	Second int `json:"second"`
	Minute int `json:"minute"`
	Day    int `json:"day"`
}

// MonthCounter is one calendar-month counter with its reset point.
type MonthCounter struct {
	Count     int64 `json:"count"`
	ResetAt   int64 `json:"resetAt"`
	ResetInMS int64 `json:"resetInMs"`
}

// MinuteTokenUsage is the live tumbling token window.
type MinuteTokenUsage struct {
	Count       int64 `json:"count"`
	WindowStart int64 `json:"windowStart"`
}

// MonthUsage groups the two monthly counters.
type MonthUsage struct {
	Requests MonthCounter `json:"requests"`
	Tokens   MonthCounter `json:"tokens"`
}

// ModelUsage is the externally visible usage view for one model key.
type ModelUsage struct {
	Requests     WindowCounts     `json:"requests"`
	MinuteTokens MinuteTokenUsage `json:"minuteTokens"`
	Month        MonthUsage       `json:"month"`
}

// UsageSnapshot returns a freshly maintained usage view per model key.
func (q *Queuer) UsageSnapshot() map[string]ModelUsage {
	nowMS := q.clk.Now().UnixMilli()
	out := make(map[string]ModelUsage)
	for key, b := range q.store.Entries() {
		b = limits.Maintain(nowMS, b)
		out[key] = ModelUsage{
			Requests: WindowCounts{
				Second: len(b.SecondTS),
				Minute: len(b.MinuteTS),
				Day:    len(b.DayTS),
			},
			MinuteTokens: MinuteTokenUsage{
				Count:       b.MinuteTokenCount,
				WindowStart: b.MinuteTokenWindowStart,
			},
			Month: MonthUsage{
				Requests: MonthCounter{
					Count:     b.MonthRequestCount,
					ResetAt:   b.MonthRequestResetAt,
					ResetInMS: b.MonthRequestResetAt - nowMS,
				},
				Tokens: MonthCounter{
					Count:     b.MonthTokenCount,
					ResetAt:   b.MonthTokenResetAt,
					ResetInMS: b.MonthTokenResetAt - nowMS,
				},
			},
		}
	}
	return out
}
