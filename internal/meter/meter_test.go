package meter

import (
	"context"
	"testing"

	"github.com/ding113/claude-relay-service/internal/store"
	"github.com/ding113/claude-relay-service/internal/tzclock"
)

func newTestMeter(t *testing.T) (*Meter, store.Store) {
	t.Helper()
	mem := store.NewMem()
	return New(mem, tzclock.New(8)), mem
}

func TestIncrementAllBuckets(t *testing.T) {
	m, st := newTestMeter(t)
	ctx := context.Background()

	s := Sample{InputTokens: 100, OutputTokens: 50, CacheCreateTokens: 20, CacheReadTokens: 10}
	if err := m.Increment(ctx, "key-1", s); err != nil {
		t.Fatalf("increment: %v", err)
	}

	life, err := m.Lifetime(ctx, "key-1")
	if err != nil {
		t.Fatalf("lifetime: %v", err)
	}
	if life.InputTokens != 100 || life.OutputTokens != 50 {
		t.Fatalf("lifetime tokens = %+v", life)
	}
	if life.AllTokens != 180 {
		t.Fatalf("allTokens = %d, want 180", life.AllTokens)
	}
	if life.Requests != 1 {
		t.Fatalf("requests = %d, want 1", life.Requests)
	}

	day, err := m.Today(ctx, "key-1")
	if err != nil {
		t.Fatalf("today: %v", err)
	}
	if day.AllTokens != 180 || day.Requests != 1 {
		t.Fatalf("daily bucket = %+v", day)
	}

	clock := tzclock.New(8)
	for _, key := range []string{
		MonthlyKey("key-1", clock.MonthKey()),
		HourlyKey("key-1", clock.HourKey()),
	} {
		raw, err := st.GetUsage(ctx, key)
		if err != nil {
			t.Fatalf("get %s: %v", key, err)
		}
		if raw["requests"] != "1" {
			t.Fatalf("bucket %s requests = %q, want 1", key, raw["requests"])
		}
	}
}

func TestIncrementTwiceDoublesCounters(t *testing.T) {
	m, _ := newTestMeter(t)
	ctx := context.Background()

	s := Sample{InputTokens: 7, OutputTokens: 3, CacheCreateTokens: 2, CacheReadTokens: 1, Cost: 0.5}
	for i := 0; i < 2; i++ {
		if err := m.Increment(ctx, "key-2", s); err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
	}

	life, err := m.Lifetime(ctx, "key-2")
	if err != nil {
		t.Fatalf("lifetime: %v", err)
	}
	if life.InputTokens != 14 || life.OutputTokens != 6 || life.Requests != 2 {
		t.Fatalf("doubled counters = %+v", life)
	}
	if life.AllTokens != 26 {
		t.Fatalf("allTokens = %d, want 26", life.AllTokens)
	}
	if life.Cost != 1.0 {
		t.Fatalf("cost = %v, want 1.0", life.Cost)
	}
}

func TestAllTokensInvariant(t *testing.T) {
	m, _ := newTestMeter(t)
	ctx := context.Background()

	s := Sample{InputTokens: 5, OutputTokens: 11, CacheCreateTokens: 4, CacheReadTokens: 9}
	if err := m.Increment(ctx, "key-3", s); err != nil {
		t.Fatalf("increment: %v", err)
	}
	life, _ := m.Lifetime(ctx, "key-3")
	if life.AllTokens < life.InputTokens+life.OutputTokens {
		t.Fatalf("allTokens %d < input+output %d", life.AllTokens, life.InputTokens+life.OutputTokens)
	}
	if life.AllTokens != life.InputTokens+life.OutputTokens+life.CacheCreateTokens+life.CacheReadTokens {
		t.Fatalf("allTokens %d does not cover cache tokens", life.AllTokens)
	}
}

func TestLongContextLifetimeOnly(t *testing.T) {
	m, st := newTestMeter(t)
	ctx := context.Background()

	s := Sample{InputTokens: 200000, OutputTokens: 100, LongContext: true}
	if err := m.Increment(ctx, "key-4", s); err != nil {
		t.Fatalf("increment: %v", err)
	}

	raw, err := st.GetUsage(ctx, LifetimeKey("key-4"))
	if err != nil {
		t.Fatalf("get lifetime: %v", err)
	}
	if raw["longContextInputTokens"] != "200000" || raw["longContextRequests"] != "1" {
		t.Fatalf("lifetime long-context fields = %v", raw)
	}

	clock := tzclock.New(8)
	dayRaw, err := st.GetUsage(ctx, DailyKey("key-4", clock.DayKey()))
	if err != nil {
		t.Fatalf("get daily: %v", err)
	}
	if _, ok := dayRaw["longContextInputTokens"]; ok {
		t.Fatal("long-context counters leaked into the daily bucket")
	}
}
