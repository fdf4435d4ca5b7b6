package limits

import "github.com/modelgate/modelgate/internal/usage"

// Window lengths in milliseconds.
const (
	secondWindowMS = 1_000
	minuteWindowMS = 60_000
	dayWindowMS    = 86_400_000
)

// Maintain applies the bucket maintenance pass: prunes each sliding sequence
// to its window, rolls monthly counters over the UTC month boundary, and
// restarts the tumbling minute-token window once it goes stale. It is run at
// the start of every admission check and after every record.
func Maintain(nowMS int64, b usage.Bucket) usage.Bucket {
	b.SecondTS = pruneBefore(b.SecondTS, nowMS-secondWindowMS)
	b.MinuteTS = pruneBefore(b.MinuteTS, nowMS-minuteWindowMS)
	b.DayTS = pruneBefore(b.DayTS, nowMS-dayWindowMS)

	if nowMS >= b.MonthTokenResetAt {
		b.MonthTokenCount = 0
		b.MonthTokenResetAt = usage.NextMonthStartMS(nowMS)
	}
	if nowMS >= b.MonthRequestResetAt {
		b.MonthRequestCount = 0
		b.MonthRequestResetAt = usage.NextMonthStartMS(nowMS)
	}
	if nowMS-b.MinuteTokenWindowStart >= minuteWindowMS {
		b.MinuteTokenCount = 0
		b.MinuteTokenWindowStart = nowMS
	}
	return b
}

// Wait computes how long a request of tokensNeeded tokens must wait before it
// is admissible under the given limits, and returns the maintained bucket.
// The result is the maximum over all triggered limits, clamped to >= 0; zero
// means the request is runnable now. A tokensNeeded of zero never blocks a
// token-based limit.
func Wait(nowMS int64, specs []Spec, b usage.Bucket, tokensNeeded int64) (int64, usage.Bucket) {
	b = Maintain(nowMS, b)

	tokens := tokensNeeded
	if tokens < 0 {
		tokens = 0
	}

	var wait int64
	for _, s := range specs {
		var w int64
		switch s.Type {
		case RPS:
			if int64(len(b.SecondTS)) >= s.Limit && len(b.SecondTS) > 0 {
				w = secondWindowMS - (nowMS - b.SecondTS[0])
			}
		case RPm:
			if int64(len(b.MinuteTS)) >= s.Limit && len(b.MinuteTS) > 0 {
				w = minuteWindowMS - (nowMS - b.MinuteTS[0])
			}
		case RPD:
			if int64(len(b.DayTS)) >= s.Limit && len(b.DayTS) > 0 {
				w = dayWindowMS - (nowMS - b.DayTS[0])
			}
		case TPM:
			if tokens > 0 && b.MonthTokenCount+tokens > s.Limit {
				w = b.MonthTokenResetAt - nowMS
			}
		case RPM:
			if b.MonthRequestCount+1 > s.Limit {
				w = b.MonthRequestResetAt - nowMS
			}
		case TPm:
			// Tumbling, not sliding: the post-add count is checked against
			// the limit only while the current window is live.
			if tokens > 0 && b.MinuteTokenCount+tokens > s.Limit {
				w = b.MinuteTokenWindowStart + minuteWindowMS - nowMS
			}
		}
		if w > wait {
			wait = w
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait, b
}

// Record charges a just-completed request to the bucket: the completion time
// joins all three sliding sequences, monthly counters advance, and tokens are
// added to the live minute window (restarting it first if stale).
func Record(nowMS int64, tokens int64, b usage.Bucket) usage.Bucket {
	b.SecondTS = append(b.SecondTS, nowMS)
	b.MinuteTS = append(b.MinuteTS, nowMS)
	b.DayTS = append(b.DayTS, nowMS)

	if tokens > 0 {
		b.MonthTokenCount += tokens
	}
	b.MonthRequestCount++

	if nowMS-b.MinuteTokenWindowStart >= minuteWindowMS {
		b.MinuteTokenCount = 0
		b.MinuteTokenWindowStart = nowMS
	}
	if tokens > 0 {
		b.MinuteTokenCount += tokens
	}

	return Maintain(nowMS, b)
}

// pruneBefore drops leading entries strictly older than cutoff. The sequence
// is sorted ascending, so only a prefix is ever removed.
func pruneBefore(ts []int64, cutoff int64) []int64 {
	i := 0
	for i < len(ts) && ts[i] <= cutoff {
		i++
	}
	if i == 0 {
		return ts
	}
	return append([]int64(nil), ts[i:]...)
}
