package tzclock

import (
	"testing"
	"time"
)

func fixed(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestBucketKeysCrossDayBoundary(t *testing.T) {
	// 2024-03-01 23:30 UTC is already 2024-03-02 07:30 at +8.
	at := time.Date(2024, 3, 1, 23, 30, 0, 0, time.UTC)
	c := NewAt(8, fixed(at))

	if got := c.DayKey(); got != "2024-03-02" {
		t.Fatalf("DayKey = %q, want 2024-03-02", got)
	}
	if got := c.MonthKey(); got != "2024-03" {
		t.Fatalf("MonthKey = %q, want 2024-03", got)
	}
	if got := c.HourKey(); got != "2024-03-02:07" {
		t.Fatalf("HourKey = %q, want 2024-03-02:07", got)
	}
}

func TestNegativeOffset(t *testing.T) {
	// 2024-01-01 02:00 UTC is still 2023-12-31 21:00 at -5.
	at := time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)
	c := NewAt(-5, fixed(at))

	if got := c.DayKey(); got != "2023-12-31" {
		t.Fatalf("DayKey = %q, want 2023-12-31", got)
	}
	if got := c.MonthKey(); got != "2023-12" {
		t.Fatalf("MonthKey = %q, want 2023-12", got)
	}
	if got := c.HourKey(); got != "2023-12-31:21" {
		t.Fatalf("HourKey = %q, want 2023-12-31:21", got)
	}
}

func TestOffsetClamped(t *testing.T) {
	at := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	hi := NewAt(99, fixed(at))
	want := NewAt(14, fixed(at))
	if hi.HourKey() != want.HourKey() {
		t.Fatalf("offset should clamp to 14: got %q want %q", hi.HourKey(), want.HourKey())
	}

	lo := NewAt(-99, fixed(at))
	wantLo := NewAt(-12, fixed(at))
	if lo.HourKey() != wantLo.HourKey() {
		t.Fatalf("offset should clamp to -12: got %q want %q", lo.HourKey(), wantLo.HourKey())
	}
}
