// Package synch provides the kernel's synchronization primitives: counting
// semaphores, locks with priority donation and condition variables.
//
// Every primitive is built on the kernel's Block and Unblock with interrupts
// off. Blocking operations must not be called from an interrupt handler.
package synch

import "kthreads/internal/kernel/threads"

// Semaphore is a nonnegative integer together with two atomic operations for
// manipulating it: Down waits for the value to become positive and decrements
// it, Up increments it and wakes one waiter.
type Semaphore struct {
	k       *threads.Kernel
	value   uint
	waiters []*threads.Thread
}

// NewSemaphore returns a semaphore with the given initial value.
func NewSemaphore(k *threads.Kernel, value uint) *Semaphore {
	return &Semaphore{k: k, value: value}
}

// Down waits for the value to become positive and then decrements it.
// Unsafe to call from an interrupt handler.
func (s *Semaphore) Down() {
	k := s.k
	if k.InContext() {
		k.Panicf(k.Current(), "sema down in interrupt context")
	}

	old := k.IntrDisable()
	for s.value == 0 {
		cur := k.Current()
		cur.Claim(s)
		s.waiters = append(s.waiters, cur)
		k.Block()
	}
	s.value--
	k.IntrSetLevel(old)
}

// TryDown decrements the value if it is positive and reports whether it did.
// It never blocks, so it may be called from an interrupt handler.
func (s *Semaphore) TryDown() bool {
	old := s.k.IntrDisable()
	defer s.k.IntrSetLevel(old)
	if s.value == 0 {
		return false
	}
	s.value--
	return true
}

// Up increments the value and wakes the highest priority waiter, the
// longest-waiting one among equals. The caller is preempted if the woken
// thread outranks it; in an interrupt handler the switch happens on return.
func (s *Semaphore) Up() {
	k := s.k
	old := k.IntrDisable()
	if len(s.waiters) > 0 {
		i := highest(s.waiters)
		t := s.waiters[i]
		s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
		t.Disown(s)
		k.Unblock(t)
	}
	s.value++
	k.Preempt()
	k.IntrSetLevel(old)
}

// Value returns the current value.
func (s *Semaphore) Value() uint {
	return s.value
}

// maxWaiterPriority returns the highest effective priority among the waiters,
// or -1.
func (s *Semaphore) maxWaiterPriority() int {
	if len(s.waiters) == 0 {
		return -1
	}
	return s.waiters[highest(s.waiters)].Priority()
}

// highest returns the index of the first thread with the highest effective
// priority. Priorities change while threads wait, so the list is not kept
// sorted.
func highest(ts []*threads.Thread) int {
	best := 0
	for i, t := range ts[1:] {
		if t.Priority() > ts[best].Priority() {
			best = i + 1
		}
	}
	return best
}
