package synch

import "kthreads/internal/kernel/threads"

// Cond is a condition variable with Mesa semantics: a signal is not atomic
// with the woken thread reacquiring the lock, so waiters recheck their
// condition in a loop.
type Cond struct {
	k       *threads.Kernel
	waiters []*condWaiter
}

type condWaiter struct {
	t    *threads.Thread
	sema *Semaphore
}

// NewCond returns a condition variable with no waiters.
func NewCond(k *threads.Kernel) *Cond {
	return &Cond{k: k}
}

// Wait atomically releases l and waits for a signal, then reacquires l before
// returning. l must be held by the running thread. Unsafe to call from an
// interrupt handler.
func (c *Cond) Wait(l *Lock) {
	k := c.k
	if k.InContext() {
		k.Panicf(k.Current(), "cond wait in interrupt context")
	}
	if !l.HeldByCurrent() {
		k.Panicf(k.Current(), "cond wait without holding the lock")
	}

	w := &condWaiter{t: k.Current(), sema: NewSemaphore(k, 0)}
	c.waiters = append(c.waiters, w)
	l.Release()
	w.sema.Down()
	l.Acquire()
}

// Signal wakes the highest priority waiter, if any. l must be held by the
// running thread.
func (c *Cond) Signal(l *Lock) {
	if !l.HeldByCurrent() {
		c.k.Panicf(c.k.Current(), "cond signal without holding the lock")
	}
	if len(c.waiters) == 0 {
		return
	}
	best := 0
	for i, w := range c.waiters {
		if w.t.Priority() > c.waiters[best].t.Priority() {
			best = i
		}
	}
	w := c.waiters[best]
	c.waiters = append(c.waiters[:best], c.waiters[best+1:]...)
	w.sema.Up()
}

// Broadcast wakes every waiter. l must be held by the running thread.
func (c *Cond) Broadcast(l *Lock) {
	for len(c.waiters) > 0 {
		c.Signal(l)
	}
}

// Waiters returns the number of threads waiting on the condition.
func (c *Cond) Waiters() int {
	return len(c.waiters)
}
