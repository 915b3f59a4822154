package timer

import (
	"fmt"
	"io"
	"slices"
	"testing"

	"kthreads/internal/kernel/threads"
	"kthreads/internal/logger"
)

func bootKernel(t *testing.T) *threads.Kernel {
	t.Helper()
	l := logger.NewWriterLogger("threads", "error", io.Discard)
	k, err := threads.Boot(threads.Options{Logger: &l})
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	return k
}

func TestSleepOrder(t *testing.T) {
	k := bootKernel(t)
	c := New(k)
	var events []string

	for _, s := range []struct {
		name  string
		ticks int64
	}{{"a", 30}, {"b", 10}, {"c", 20}, {"d", 10}} {
		k.Create(s.name, 40, func(any) {
			c.Sleep(s.ticks)
			events = append(events, fmt.Sprintf("%s@%d", s.name, c.Ticks()))
		}, nil)
	}
	if !c.Pending() {
		t.Fatal("expected sleepers")
	}

	k.Spin(40)
	want := []string{"b@10", "d@10", "c@20", "a@30"}
	if !slices.Equal(events, want) {
		t.Errorf("got %v, want %v", events, want)
	}
	if c.Pending() {
		t.Error("sleepers left after every wake time passed")
	}
}

func TestSleepWhileIdle(t *testing.T) {
	k := bootKernel(t)
	c := New(k)

	start := c.Ticks()
	c.Sleep(5)
	if got := c.Elapsed(start); got != 5 {
		t.Errorf("slept %d ticks, want 5", got)
	}
	if s := k.Stats(); s.IdleTicks != 5 {
		t.Errorf("idle ticks %d, want 5", s.IdleTicks)
	}
}

func TestSleepNonPositive(t *testing.T) {
	k := bootKernel(t)
	c := New(k)
	c.Sleep(0)
	c.Sleep(-3)
	if c.Ticks() != 0 || c.Pending() {
		t.Error("non-positive sleep should return at once")
	}
}

func TestSleepInInterruptPanics(t *testing.T) {
	k := bootKernel(t)
	c := New(k)
	defer func() {
		if _, ok := recover().(*threads.KernelPanic); !ok {
			t.Error("expected a kernel panic")
		}
	}()
	k.Interrupt(func() { c.Sleep(1) })
}
