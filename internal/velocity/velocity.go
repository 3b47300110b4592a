// Package velocity provides the keyed atomic counters behind velocity rules.
//
// A window is split into a fixed number of slots. Each increment lands in the
// slot for its timestamp and the windowed count is the sum of the slots that
// overlap the window, so counts slide with slot granularity. Slots expire
// once they can no longer fall inside a window.
package velocity

import (
	"context"
	"fmt"
	"time"
)

// SlotsPerWindow is the sliding-window resolution.
const SlotsPerWindow = 10

// Key identifies one counter family: an entity under one rule.
type Key struct {
	EntityID string
	RuleID   string
}

func (k Key) String() string {
	return k.EntityID + "|" + k.RuleID
}

// Counter is the atomic increment service shared by all pipeline workers.
// Concurrent increments for the same key are never lost.
type Counter interface {
	// Increment records one event at ts and returns the count inside the
	// window ending at ts, including this event.
	Increment(ctx context.Context, key Key, ts time.Time, window time.Duration) (int64, error)
	// Count returns the count inside the window ending at ts.
	Count(ctx context.Context, key Key, ts time.Time, window time.Duration) (int64, error)
}

// slotWidth returns the width of one slot for window.
func slotWidth(window time.Duration) time.Duration {
	w := window / SlotsPerWindow
	if w <= 0 {
		w = time.Millisecond
	}
	return w
}

// slotIndex is the bucket number of ts for the given slot width.
func slotIndex(ts time.Time, width time.Duration) int64 {
	return ts.UnixNano() / int64(width)
}

func slotKey(prefix string, key Key, window time.Duration, idx int64) string {
	return fmt.Sprintf("%s:%s:%s:%d:%d", prefix, key.EntityID, key.RuleID, window.Milliseconds(), idx)
}

func validate(key Key, window time.Duration) error {
	if key.EntityID == "" || key.RuleID == "" {
		return fmt.Errorf("velocity key requires entity and rule: %+v", key)
	}
	if window <= 0 {
		return fmt.Errorf("velocity window must be positive, got %s", window)
	}
	return nil
}
