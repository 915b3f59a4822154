// Package timer implements the alarm clock: threads sleep for a number of
// timer ticks without busy waiting and are woken by the timer interrupt.
package timer

import (
	"sort"

	"kthreads/internal/kernel/threads"
	"kthreads/internal/logger"
)

type sleeper struct {
	t      *threads.Thread
	wakeAt int64
}

// Clock puts threads to sleep until a given tick.
type Clock struct {
	k        *threads.Kernel
	log      *logger.Sampled
	sleepers []sleeper // Ordered by wake tick, then by arrival.
}

// New returns a clock driven by k's timer interrupt.
func New(k *threads.Kernel) *Clock {
	c := &Clock{k: k, log: logger.NewSampled(logger.WithComponent(k.Logger(), "timer"), 0)}
	k.AddTickHook(c)
	return c
}

// Ticks returns the number of timer ticks since boot.
func (c *Clock) Ticks() int64 {
	old := c.k.IntrDisable()
	defer c.k.IntrSetLevel(old)
	return c.k.Ticks()
}

// Elapsed returns the number of ticks since then, a value returned by Ticks.
func (c *Clock) Elapsed(then int64) int64 {
	return c.Ticks() - then
}

// Sleep blocks the running thread for approximately ticks timer ticks.
// Non-positive durations return at once. Unsafe to call from an interrupt
// handler.
func (c *Clock) Sleep(ticks int64) {
	if ticks <= 0 {
		return
	}
	k := c.k
	if k.InContext() {
		k.Panicf(k.Current(), "timer sleep in interrupt context")
	}

	old := k.IntrDisable()
	cur := k.Current()
	s := sleeper{t: cur, wakeAt: k.Ticks() + ticks}
	i := sort.Search(len(c.sleepers), func(i int) bool {
		return c.sleepers[i].wakeAt > s.wakeAt
	})
	c.sleepers = append(c.sleepers, sleeper{})
	copy(c.sleepers[i+1:], c.sleepers[i:])
	c.sleepers[i] = s
	c.log.Trace().Int32("tid", int32(cur.ID())).Int64("wake_at", s.wakeAt).Msg("Sleeping")
	cur.Claim(c)
	k.Block()
	k.IntrSetLevel(old)
}

// Tick wakes every sleeper whose time has come. It runs in the timer
// interrupt.
func (c *Clock) Tick(now int64) {
	n := 0
	for n < len(c.sleepers) && c.sleepers[n].wakeAt <= now {
		t := c.sleepers[n].t
		t.Disown(c)
		c.k.Unblock(t)
		n++
	}
	if n > 0 {
		c.sleepers = c.sleepers[n:]
		c.log.Trace().Int64("tick", now).Int("woken", n).Msg("Woke sleepers")
		c.k.Preempt()
	}
}

// Pending reports whether any thread is asleep.
func (c *Clock) Pending() bool {
	return len(c.sleepers) > 0
}
