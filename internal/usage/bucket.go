// Package usage holds the per-(queue, model) consumption counters and the
// pluggable stores that persist them.
package usage

import (
	"encoding/json"
	"time"
)

// DefaultModelKey is the bucket key used for requests that do not name a model.
const DefaultModelKey = "__default__"

// Bucket is the complete counter state for one (queue, model) key. Timestamp
// slices hold epoch-millisecond completion times, sorted ascending and pruned
// to their window length. Monthly counters reset at the first instant of the
// next UTC calendar month.
type Bucket struct {
	SecondTS []int64 `json:"secondTs"`
	MinuteTS []int64 `json:"minuteTs"`
	DayTS    []int64 `json:"dayTs"`

	MonthTokenCount   int64 `json:"monthTokenCount"`
	MonthTokenResetAt int64 `json:"monthTokenResetAt"`

	MonthRequestCount   int64 `json:"monthRequestCount"`
	MonthRequestResetAt int64 `json:"monthRequestResetAt"`

	MinuteTokenCount       int64 `json:"minuteTokenCount"`
	MinuteTokenWindowStart int64 `json:"minuteTokenWindowStart"`
}

// NewBucket returns a zeroed bucket anchored at now: both monthly reset-at
// fields point at the start of the next UTC month and the minute token window
// opens immediately.
func NewBucket(nowMS int64) Bucket {
	next := NextMonthStartMS(nowMS)
	return Bucket{
		MonthTokenResetAt:      next,
		MonthRequestResetAt:    next,
		MinuteTokenWindowStart: nowMS,
	}
}

// Clone returns a deep copy; the timestamp slices do not alias the original.
func (b Bucket) Clone() Bucket {
	c := b
	c.SecondTS = append([]int64(nil), b.SecondTS...)
	c.MinuteTS = append([]int64(nil), b.MinuteTS...)
	c.DayTS = append([]int64(nil), b.DayTS...)
	return c
}

// NextMonthStartMS computes the epoch-ms of the first instant of the UTC
// calendar month following nowMS. Derived from the UTC calendar, never from
// 30-day arithmetic.
func NextMonthStartMS(nowMS int64) int64 {
	t := time.UnixMilli(nowMS).UTC()
	next := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	return next.UnixMilli()
}

// DecodeBucket parses a persisted JSON bucket, tolerating records written by
// older builds: missing arrays decode to empty, missing counts to zero, and
// missing reset/window anchors default to now so a stale record cannot pin a
// window in the past forever.
func DecodeBucket(raw []byte, nowMS int64) Bucket {
	var b Bucket
	if err := json.Unmarshal(raw, &b); err != nil {
		return NewBucket(nowMS)
	}
	if b.MonthTokenResetAt == 0 {
		b.MonthTokenResetAt = nowMS
	}
	if b.MonthRequestResetAt == 0 {
		b.MonthRequestResetAt = nowMS
	}
	if b.MinuteTokenWindowStart == 0 {
		b.MinuteTokenWindowStart = nowMS
	}
	if b.MonthTokenCount < 0 {
		b.MonthTokenCount = 0
	}
	if b.MonthRequestCount < 0 {
		b.MonthRequestCount = 0
	}
	if b.MinuteTokenCount < 0 {
		b.MinuteTokenCount = 0
	}
	return b
}
