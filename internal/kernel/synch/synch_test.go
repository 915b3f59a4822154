package synch

import (
	"fmt"
	"io"
	"slices"
	"testing"

	"kthreads/internal/kernel/threads"
	"kthreads/internal/logger"
)

func bootKernel(t *testing.T, mlfqs bool) *threads.Kernel {
	t.Helper()
	l := logger.NewWriterLogger("threads", "error", io.Discard)
	k, err := threads.Boot(threads.Options{MLFQS: mlfqs, Logger: &l})
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	return k
}

func expectPanic(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		if _, ok := recover().(*threads.KernelPanic); !ok {
			t.Error("expected a kernel panic")
		}
	}()
	fn()
}

func TestSimpleDonation(t *testing.T) {
	k := bootKernel(t, false)
	l := NewLock(k)
	var events []string

	k.SetPriority(30)
	l.Acquire()

	k.Create("B", 50, func(any) {
		l.Acquire()
		events = append(events, "B acquired")
		l.Release()
	}, nil)

	if p := k.GetPriority(); p != 50 {
		t.Errorf("holder priority %d while B waits, want 50", p)
	}
	l.Release()
	events = append(events, fmt.Sprintf("A at %d", k.GetPriority()))

	if want := []string{"B acquired", "A at 30"}; !slices.Equal(events, want) {
		t.Errorf("got %v, want %v", events, want)
	}
}

func TestNestedDonation(t *testing.T) {
	k := bootKernel(t, false)
	l1, l2 := NewLock(k), NewLock(k)
	var events []string

	k.SetPriority(10)
	l1.Acquire()

	k.Create("B", 20, func(any) {
		l2.Acquire()
		l1.Acquire()
		events = append(events, fmt.Sprintf("B got L1 at %d", k.GetPriority()))
		l1.Release()
		l2.Release()
		events = append(events, fmt.Sprintf("B done at %d", k.GetPriority()))
	}, nil)
	if p := k.GetPriority(); p != 20 {
		t.Errorf("A priority %d after B blocked, want 20", p)
	}

	k.Create("C", 30, func(any) {
		l2.Acquire()
		events = append(events, "C got L2")
		l2.Release()
	}, nil)
	if p := k.GetPriority(); p != 30 {
		t.Errorf("A priority %d after C blocked, want 30", p)
	}

	l1.Release()
	if p := k.GetPriority(); p != 10 {
		t.Errorf("A priority %d after release, want 10", p)
	}
	want := []string{"B got L1 at 30", "C got L2", "B done at 20"}
	if !slices.Equal(events, want) {
		t.Errorf("got %v, want %v", events, want)
	}
}

func TestDonationToMultipleLocks(t *testing.T) {
	k := bootKernel(t, false)
	a, b := NewLock(k), NewLock(k)
	var events []string

	a.Acquire()
	b.Acquire()
	k.Create("wa", 40, func(any) { a.Acquire(); events = append(events, "wa"); a.Release() }, nil)
	k.Create("wb", 50, func(any) { b.Acquire(); events = append(events, "wb"); b.Release() }, nil)
	if p := k.GetPriority(); p != 50 {
		t.Fatalf("priority %d, want 50", p)
	}

	b.Release()
	if p := k.GetPriority(); p != 40 {
		t.Errorf("after releasing b, priority %d, want 40 from a's waiter", p)
	}
	a.Release()
	if p := k.GetPriority(); p != threads.PriDefault {
		t.Errorf("after releasing a, priority %d, want %d", p, threads.PriDefault)
	}
	if want := []string{"wb", "wa"}; !slices.Equal(events, want) {
		t.Errorf("got %v, want %v", events, want)
	}
}

func TestNoDonationUnderMLFQS(t *testing.T) {
	k := bootKernel(t, true)
	l := NewLock(k)
	acquired := false

	l.Acquire()
	k.SetNice(20)
	lowered := k.GetPriority()
	k.Create("waiter", 0, func(any) {
		l.Acquire()
		acquired = true
		l.Release()
	}, nil)
	k.Yield()

	if p := k.GetPriority(); p != lowered {
		t.Errorf("priority changed to %d under MLFQS, want %d", p, lowered)
	}
	l.Release()
	k.Yield()
	if !acquired {
		t.Error("waiter never acquired the lock")
	}
}

func TestSemaphoreWakesHighestPriority(t *testing.T) {
	k := bootKernel(t, false)
	s := NewSemaphore(k, 0)
	var events []string

	for _, c := range []struct {
		name string
		pri  int
	}{{"p40a", 40}, {"p50", 50}, {"p45", 45}, {"p40b", 40}} {
		k.Create(c.name, c.pri, func(aux any) {
			s.Down()
			events = append(events, aux.(string))
		}, c.name)
	}
	if len(events) != 0 {
		t.Fatalf("waiters passed a zero semaphore: %v", events)
	}

	for range 4 {
		s.Up()
	}
	if want := []string{"p50", "p45", "p40a", "p40b"}; !slices.Equal(events, want) {
		t.Errorf("got %v, want %v", events, want)
	}
	if s.Value() != 0 {
		t.Errorf("value %d, want 0", s.Value())
	}
}

func TestSemaphoreUpFromInterrupt(t *testing.T) {
	k := bootKernel(t, false)
	s := NewSemaphore(k, 0)
	var events []string

	k.Create("waiter", 50, func(any) {
		s.Down()
		events = append(events, "waiter")
	}, nil)
	k.Interrupt(func() {
		s.Up()
		events = append(events, "handler")
	})
	events = append(events, "main")

	if want := []string{"handler", "waiter", "main"}; !slices.Equal(events, want) {
		t.Errorf("got %v, want %v", events, want)
	}
}

func TestTryOperations(t *testing.T) {
	k := bootKernel(t, false)

	s := NewSemaphore(k, 1)
	if !s.TryDown() {
		t.Error("TryDown on value 1 failed")
	}
	if s.TryDown() {
		t.Error("TryDown on value 0 succeeded")
	}

	l := NewLock(k)
	if !l.TryAcquire() {
		t.Fatal("TryAcquire on a free lock failed")
	}
	if !l.HeldByCurrent() || l.Holder() != k.Current() {
		t.Error("holder not recorded")
	}
	var got bool
	k.Create("other", 50, func(any) { got = l.TryAcquire() }, nil)
	if got {
		t.Error("TryAcquire on a held lock succeeded")
	}
	l.Release()
	if l.HeldByCurrent() || l.Holder() != nil {
		t.Error("lock still held after release")
	}
}

func TestLockMisuse(t *testing.T) {
	t.Run("recursive acquire", func(t *testing.T) {
		k := bootKernel(t, false)
		l := NewLock(k)
		l.Acquire()
		expectPanic(t, l.Acquire)
	})
	t.Run("release unheld", func(t *testing.T) {
		k := bootKernel(t, false)
		expectPanic(t, NewLock(k).Release)
	})
	t.Run("down in interrupt", func(t *testing.T) {
		k := bootKernel(t, false)
		s := NewSemaphore(k, 0)
		expectPanic(t, func() { k.Interrupt(s.Down) })
	})
	t.Run("acquire in interrupt", func(t *testing.T) {
		k := bootKernel(t, false)
		l := NewLock(k)
		expectPanic(t, func() { k.Interrupt(l.Acquire) })
	})
}

func TestCondSignalOrder(t *testing.T) {
	k := bootKernel(t, false)
	l := NewLock(k)
	c := NewCond(k)
	var events []string

	for _, w := range []struct {
		name string
		pri  int
	}{{"w40", 40}, {"w50", 50}, {"w45", 45}} {
		k.Create(w.name, w.pri, func(aux any) {
			l.Acquire()
			c.Wait(l)
			events = append(events, aux.(string))
			l.Release()
		}, w.name)
	}
	if c.Waiters() != 3 {
		t.Fatalf("expected 3 waiters, got %d", c.Waiters())
	}

	for range 3 {
		l.Acquire()
		c.Signal(l)
		l.Release()
	}
	if want := []string{"w50", "w45", "w40"}; !slices.Equal(events, want) {
		t.Errorf("got %v, want %v", events, want)
	}
}

func TestCondBroadcast(t *testing.T) {
	k := bootKernel(t, false)
	l := NewLock(k)
	c := NewCond(k)
	ready := false
	woken := 0

	for i := range 4 {
		k.Create(fmt.Sprintf("w%d", i), 40, func(any) {
			l.Acquire()
			for !ready {
				c.Wait(l)
			}
			woken++
			l.Release()
		}, nil)
	}

	l.Acquire()
	ready = true
	c.Broadcast(l)
	l.Release()

	if woken != 4 {
		t.Errorf("woken %d, want 4", woken)
	}
	if c.Waiters() != 0 {
		t.Errorf("%d waiters left", c.Waiters())
	}
}
