package velocity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

type slot struct {
	count     atomic.Int64
	expiresAt int64 // unix nanos, immutable after creation
}

// MemoryCounter keeps counters in process. Slots are created with
// LoadOrStore so two racing first increments share one slot.
type MemoryCounter struct {
	slots  sync.Map // string -> *slot
	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewMemoryCounter starts a counter with a background sweep of expired slots.
func NewMemoryCounter(sweepInterval time.Duration) *MemoryCounter {
	c := &MemoryCounter{stopCh: make(chan struct{})}
	if sweepInterval > 0 {
		c.wg.Add(1)
		go c.sweepLoop(sweepInterval)
	}
	return c
}

func (c *MemoryCounter) Increment(ctx context.Context, key Key, ts time.Time, window time.Duration) (int64, error) {
	if err := validate(key, window); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	width := slotWidth(window)
	idx := slotIndex(ts, width)
	k := slotKey("mem", key, window, idx)

	s, ok := c.slots.Load(k)
	if !ok {
		// Expiry runs on the wall clock like the Redis TTL, so a replayed
		// backlog of old events is not swept mid-window.
		base := time.Now()
		if ts.After(base) {
			base = ts
		}
		fresh := &slot{expiresAt: base.Add(window + width).UnixNano()}
		s, _ = c.slots.LoadOrStore(k, fresh)
	}
	s.(*slot).count.Add(1)

	return c.sum(key, window, idx), nil
}

func (c *MemoryCounter) Count(ctx context.Context, key Key, ts time.Time, window time.Duration) (int64, error) {
	if err := validate(key, window); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return c.sum(key, window, slotIndex(ts, slotWidth(window))), nil
}

func (c *MemoryCounter) sum(key Key, window time.Duration, idx int64) int64 {
	var total int64
	for i := int64(0); i < SlotsPerWindow; i++ {
		if s, ok := c.slots.Load(slotKey("mem", key, window, idx-i)); ok {
			total += s.(*slot).count.Load()
		}
	}
	return total
}

// Len returns the number of live slots.
func (c *MemoryCounter) Len() int {
	n := 0
	c.slots.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Sweep removes slots that expired before now.
func (c *MemoryCounter) Sweep(now time.Time) int {
	cutoff := now.UnixNano()
	removed := 0
	c.slots.Range(func(k, v any) bool {
		if v.(*slot).expiresAt < cutoff {
			c.slots.Delete(k)
			removed++
		}
		return true
	})
	return removed
}

func (c *MemoryCounter) sweepLoop(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := c.Sweep(time.Now()); n > 0 {
				log.Debug().Int("removed", n).Msg("Expired velocity slots swept")
			}
		case <-c.stopCh:
			return
		}
	}
}

func (c *MemoryCounter) Close() error {
	c.once.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	return nil
}
