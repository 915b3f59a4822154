package synch

import "kthreads/internal/kernel/threads"

// Lock is a semaphore with an initial value of 1 that is owned by the thread
// that acquired it. Only the holder may release it and locks are not
// recursive.
//
// Under the priority scheduler a thread that blocks on a held lock donates its
// priority to the holder until the lock is released.
type Lock struct {
	holder *threads.Thread
	sema   *Semaphore
}

var _ threads.Resource = (*Lock)(nil)

// NewLock returns an unheld lock.
func NewLock(k *threads.Kernel) *Lock {
	return &Lock{sema: NewSemaphore(k, 1)}
}

// Acquire waits until the lock is free and takes it. Unsafe to call from an
// interrupt handler.
func (l *Lock) Acquire() {
	k := l.sema.k
	if k.InContext() {
		k.Panicf(k.Current(), "lock acquire in interrupt context")
	}

	old := k.IntrDisable()
	cur := k.Current()
	if l.holder == cur {
		k.Panicf(cur, "recursive lock acquire")
	}
	if l.holder != nil {
		k.Donate(l)
	}
	l.sema.Down()
	l.holder = cur
	k.Acquired(l)
	k.IntrSetLevel(old)
}

// TryAcquire takes the lock if it is free and reports whether it did.
func (l *Lock) TryAcquire() bool {
	k := l.sema.k
	old := k.IntrDisable()
	defer k.IntrSetLevel(old)

	cur := k.Current()
	if l.holder == cur {
		k.Panicf(cur, "recursive lock acquire")
	}
	if !l.sema.TryDown() {
		return false
	}
	l.holder = cur
	k.Acquired(l)
	return true
}

// Release gives up the lock, which the running thread must hold. Priority
// lent through this lock is returned before the next waiter is woken.
func (l *Lock) Release() {
	k := l.sema.k
	old := k.IntrDisable()
	cur := k.Current()
	if l.holder != cur {
		k.Panicf(cur, "release of a lock not held by the current thread")
	}
	l.holder = nil
	k.Release(l)
	l.sema.Up()
	k.IntrSetLevel(old)
}

// HeldByCurrent reports whether the running thread holds the lock.
func (l *Lock) HeldByCurrent() bool {
	return l.holder != nil && l.holder == l.sema.k.Current()
}

// Holder returns the thread holding the lock, or nil.
func (l *Lock) Holder() *threads.Thread {
	return l.holder
}

// MaxWaiterPriority returns the highest effective priority among the threads
// waiting for the lock, or -1.
func (l *Lock) MaxWaiterPriority() int {
	return l.sema.maxWaiterPriority()
}
