// Package cpu provides the context-switch primitive of the simulated machine.
//
// Every kernel thread runs on its own goroutine, but only the goroutine that
// currently owns the CPU executes: a switch wakes the target context and parks the
// caller until someone switches back to it. The scheduler decides which context
// to pass in; this package never looks at scheduling state.
package cpu

import "runtime"

// Context is the saved execution state of one kernel thread.
type Context struct {
	resume  chan struct{}
	entry   func()
	started bool
}

// New returns a context that starts running entry on a fresh goroutine the
// first time it is switched to. entry must leave through ExitTo.
func New(entry func()) *Context {
	return &Context{
		resume: make(chan struct{}, 1),
		entry:  entry,
	}
}

// Adopt returns a context for the calling goroutine, which is assumed to own
// the CPU already.
func Adopt() *Context {
	return &Context{
		resume:  make(chan struct{}, 1),
		started: true,
	}
}

// SwitchTo hands the CPU from c to next and parks the calling goroutine until
// another context switches back to c. Switching to c itself is a no-op.
func (c *Context) SwitchTo(next *Context) {
	if next == c {
		return
	}
	next.wake()
	<-c.resume
}

// ExitTo hands the CPU to next and terminates the calling goroutine.
// It does not return.
func (c *Context) ExitTo(next *Context) {
	next.wake()
	runtime.Goexit()
}

// Started reports whether the context has run at least once.
func (c *Context) Started() bool {
	return c.started
}

func (c *Context) wake() {
	if !c.started {
		c.started = true
		go c.run()
		return
	}
	c.resume <- struct{}{}
}

func (c *Context) run() {
	c.entry()
	panic("cpu: context entry returned without ExitTo")
}
