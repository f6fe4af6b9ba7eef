package meter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ding113/claude-relay-service/internal/store"
	"github.com/ding113/claude-relay-service/internal/tzclock"
)

// Bucket retention. The lifetime bucket never expires.
const (
	dayTTL   = 90 * 24 * time.Hour
	monthTTL = 365 * 24 * time.Hour
	hourTTL  = 7 * 24 * time.Hour
)

// Sample is one request's worth of usage to account against a key.
type Sample struct {
	InputTokens       int64
	OutputTokens      int64
	CacheCreateTokens int64
	CacheReadTokens   int64
	Ephemeral5mTokens int64
	Ephemeral1hTokens int64
	// Cost is supplied by the caller; the meter does not price tokens.
	Cost float64
	// LongContext adds long-context counters on the lifetime bucket.
	LongContext bool
}

// Meter accumulates per-key usage across four time resolutions in one
// pipelined store round trip.
type Meter struct {
	store store.Store
	clock *tzclock.Clock
}

func New(s store.Store, clock *tzclock.Clock) *Meter {
	return &Meter{store: s, clock: clock}
}

// Increment applies the sample to the lifetime, daily, monthly and hourly
// buckets. Per-counter atomicity comes from the store; cross-bucket partial
// visibility is acceptable.
func (m *Meter) Increment(ctx context.Context, keyID string, s Sample) error {
	core := s.InputTokens + s.OutputTokens
	all := core + s.CacheCreateTokens + s.CacheReadTokens

	ints := map[string]int64{
		"inputTokens":       s.InputTokens,
		"outputTokens":      s.OutputTokens,
		"cacheCreateTokens": s.CacheCreateTokens,
		"cacheReadTokens":   s.CacheReadTokens,
		"allTokens":         all,
		"requests":          1,
	}
	if s.Ephemeral5mTokens > 0 {
		ints["ephemeral5mTokens"] = s.Ephemeral5mTokens
	}
	if s.Ephemeral1hTokens > 0 {
		ints["ephemeral1hTokens"] = s.Ephemeral1hTokens
	}

	var floats map[string]float64
	if s.Cost > 0 {
		floats = map[string]float64{"cost": s.Cost}
	}

	lifetimeInts := ints
	if s.LongContext {
		lifetimeInts = make(map[string]int64, len(ints)+3)
		for k, v := range ints {
			lifetimeInts[k] = v
		}
		lifetimeInts["longContextInputTokens"] = s.InputTokens
		lifetimeInts["longContextOutputTokens"] = s.OutputTokens
		lifetimeInts["longContextRequests"] = 1
	}

	incs := []store.UsageIncrement{
		{Key: LifetimeKey(keyID), IntFields: lifetimeInts, FloatFields: floats},
		{Key: DailyKey(keyID, m.clock.DayKey()), IntFields: ints, FloatFields: floats, TTL: dayTTL},
		{Key: MonthlyKey(keyID, m.clock.MonthKey()), IntFields: ints, FloatFields: floats, TTL: monthTTL},
		{Key: HourlyKey(keyID, m.clock.HourKey()), IntFields: ints, FloatFields: floats, TTL: hourTTL},
	}
	return m.store.IncrementUsage(ctx, incs)
}

// Totals is one bucket's counters read back from the store.
type Totals struct {
	InputTokens       int64
	OutputTokens      int64
	CacheCreateTokens int64
	CacheReadTokens   int64
	AllTokens         int64
	Requests          int64
	Cost              float64
}

// Lifetime reads the lifetime bucket for a key.
func (m *Meter) Lifetime(ctx context.Context, keyID string) (Totals, error) {
	return m.read(ctx, LifetimeKey(keyID))
}

// Today reads the current daily bucket for a key.
func (m *Meter) Today(ctx context.Context, keyID string) (Totals, error) {
	return m.read(ctx, DailyKey(keyID, m.clock.DayKey()))
}

func (m *Meter) read(ctx context.Context, key string) (Totals, error) {
	raw, err := m.store.GetUsage(ctx, key)
	if err != nil {
		return Totals{}, err
	}
	t := Totals{
		InputTokens:       parseInt(raw["inputTokens"]),
		OutputTokens:      parseInt(raw["outputTokens"]),
		CacheCreateTokens: parseInt(raw["cacheCreateTokens"]),
		CacheReadTokens:   parseInt(raw["cacheReadTokens"]),
		AllTokens:         parseInt(raw["allTokens"]),
		Requests:          parseInt(raw["requests"]),
	}
	if f, err := strconv.ParseFloat(raw["cost"], 64); err == nil {
		t.Cost = f
	}
	return t, nil
}

func LifetimeKey(keyID string) string { return "usage:" + keyID }

func DailyKey(keyID, day string) string { return fmt.Sprintf("usage:daily:%s:%s", keyID, day) }

func MonthlyKey(keyID, month string) string { return fmt.Sprintf("usage:monthly:%s:%s", keyID, month) }

func HourlyKey(keyID, hour string) string { return fmt.Sprintf("usage:hourly:%s:%s", keyID, hour) }

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
