// Package tzclock produces usage-bucket keys in a configured fixed UTC offset.
//
// Bucket keys are computed by shifting the current UTC instant by the offset
// and reading back the UTC calendar components, so "today" follows the
// configured billing timezone rather than the host timezone.
package tzclock

import (
	"fmt"
	"time"
)

// Clock renders day/month/hour bucket keys in a fixed offset from UTC.
type Clock struct {
	offset time.Duration
	now    func() time.Time
}

// New creates a Clock with the given offset in hours east of UTC.
// The valid range is [-12, 14]; out-of-range values are clamped.
func New(offsetHours int) *Clock {
	if offsetHours < -12 {
		offsetHours = -12
	}
	if offsetHours > 14 {
		offsetHours = 14
	}
	return &Clock{
		offset: time.Duration(offsetHours) * time.Hour,
		now:    time.Now,
	}
}

// NewAt returns a Clock with a fixed time source, for tests.
func NewAt(offsetHours int, now func() time.Time) *Clock {
	c := New(offsetHours)
	c.now = now
	return c
}

func (c *Clock) shifted() time.Time {
	return c.now().UTC().Add(c.offset)
}

// DayKey returns YYYY-MM-DD in the configured offset.
func (c *Clock) DayKey() string {
	return c.shifted().Format("2006-01-02")
}

// MonthKey returns YYYY-MM in the configured offset.
func (c *Clock) MonthKey() string {
	return c.shifted().Format("2006-01")
}

// HourKey returns YYYY-MM-DD:HH in the configured offset.
func (c *Clock) HourKey() string {
	t := c.shifted()
	return fmt.Sprintf("%s:%02d", t.Format("2006-01-02"), t.Hour())
}
