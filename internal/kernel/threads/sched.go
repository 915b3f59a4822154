package threads

// Yield gives up the CPU. The running thread goes back on the ready queue and
// may be rescheduled immediately. Not callable from an interrupt handler.
func (k *Kernel) Yield() {
	if k.inIntr {
		k.Panicf(k.current, "Yield in interrupt context")
	}
	cur := k.Current()

	old := k.IntrDisable()
	if cur == k.idle {
		// Idle is never queued; it runs again only when the ready queue is empty.
		cur.status = Blocked
	} else {
		cur.status = Ready
		k.ready.push(cur)
	}
	k.stats.yields.Add(1)
	k.schedule()
	k.IntrSetLevel(old)
}

// Block puts the running thread to sleep until Unblock wakes it. Interrupts
// must be off, and the caller must already have queued the thread on whatever
// wait list will wake it. Unsafe to call from an interrupt handler.
func (k *Kernel) Block() {
	if k.inIntr {
		k.Panicf(k.current, "Block in interrupt context")
	}
	if k.intrOn {
		k.Panicf(k.current, "Block with interrupts on")
	}
	cur := k.Current()
	cur.status = Blocked
	k.stats.blocks.Add(1)
	k.schedule()
}

// Unblock makes a blocked thread ready to run. It never switches threads, so
// it is safe from interrupt context; the caller decides whether to preempt.
func (k *Kernel) Unblock(t *Thread) {
	if t == nil || t.magic.Load() != threadMagic {
		k.Panicf(t, "unblock of a reclaimed thread")
	}
	old := k.IntrDisable()
	if t.status != Blocked {
		k.Panicf(t, "unblock of %v thread", t.status)
	}
	k.ready.push(t)
	t.status = Ready
	k.stats.unblocks.Add(1)
	k.IntrSetLevel(old)
}

// Exit deschedules the running thread and destroys it. It never returns.
// Threads normally exit by returning from their function; a thread calling
// Exit directly must not have deferred calls pending on its stack.
func (k *Kernel) Exit() {
	if k.inIntr {
		k.Panicf(k.current, "Exit in interrupt context")
	}
	cur := k.Current()
	if cur == k.initial {
		k.Panicf(cur, "the initial thread cannot exit")
	}
	if cur.ext != nil {
		cur.ext.OnExit(cur)
	}

	k.IntrDisable()
	k.unregister(cur)
	cur.status = Dying
	k.stats.exited.Add(1)
	k.log.Debug().Int32("tid", int32(cur.id)).Str("name", cur.name).Msg("Thread exiting")
	k.schedule()
	panic("not reached")
}

// nextToRun picks the thread to run next: the head of the ready queue, or the
// idle thread when nothing is ready.
func (k *Kernel) nextToRun() *Thread {
	if t := k.ready.pop(); t != nil {
		return t
	}
	return k.idle
}

// schedule switches to the next thread. Interrupts must be off and the running
// thread must already have left the Running state.
func (k *Kernel) schedule() {
	cur := k.current
	next := k.nextToRun()

	if k.intrOn {
		k.Panicf(cur, "schedule with interrupts on")
	}
	if cur.status == Running {
		k.Panicf(cur, "schedule from a running thread")
	}

	k.prev = nil
	if cur != next {
		k.prev = cur
		k.current = next
		k.stats.switches.Add(1)
		k.stats.recordRun(uint64(k.ticks - k.dispatchedAt))
		k.hot.Trace().
			Int32("from", int32(cur.id)).
			Int32("to", int32(next.id)).
			Msg("Context switch")
		if cur.status == Dying {
			cur.ctx.ExitTo(next.ctx)
		}
		cur.ctx.SwitchTo(next.ctx)
	}
	k.scheduleTail(k.prev)
}

// scheduleTail completes a switch on the thread that now holds the CPU. prev is
// the thread switched away from, or nil. A dying prev is reclaimed here because
// it could not free itself while still running.
func (k *Kernel) scheduleTail(prev *Thread) {
	cur := k.current
	cur.status = Running
	k.sliceTicks = 0
	k.dispatchedAt = k.ticks
	if prev != nil && prev.status == Dying && prev != k.initial {
		k.reclaim(prev)
	}
	k.prev = nil
}

// Preempt yields if a ready thread now outranks the running one. In
// interrupt context the yield is deferred until the handler returns.
func (k *Kernel) Preempt() {
	if k.inIntr {
		if k.outranked() {
			k.YieldOnReturn()
		}
		return
	}
	k.SwapToHighestPriority()
}

// SwapToHighestPriority yields if a ready thread has a higher priority than the
// running one. It is the preemption check after any priority change and must
// not be called from an interrupt handler.
func (k *Kernel) SwapToHighestPriority() {
	if k.inIntr {
		k.Panicf(k.current, "SwapToHighestPriority in interrupt context")
	}
	old := k.IntrDisable()
	outranked := k.outranked()
	k.IntrSetLevel(old)
	if outranked {
		k.stats.preemptions.Add(1)
		k.Yield()
	}
}

// outranked reports whether some ready thread should run instead of the
// current one. Any ready thread outranks idle.
func (k *Kernel) outranked() bool {
	if k.ready.len() == 0 {
		return false
	}
	return k.current == k.idle || k.ready.maxPriority() > k.current.priority
}

// idleLoop runs when no other thread is ready. It halts the CPU, which lets
// timer interrupts arrive, until a tick makes some thread ready.
func (k *Kernel) idleLoop() {
	for {
		k.halt()
	}
}

// halt waits for the next interrupt. On the simulated machine the only
// interrupt source is the timer, so halting with no pending wakeup would never
// end: every thread is blocked.
func (k *Kernel) halt() {
	pending := false
	for _, h := range k.hooks {
		if h.Pending() {
			pending = true
			break
		}
	}
	if k.ready.len() == 0 && !pending {
		k.Panicf(k.current, "all threads blocked")
	}
	k.Interrupt(k.tick)
}

// tick is the timer interrupt handler.
func (k *Kernel) tick() {
	cur := k.current
	k.ticks++
	k.stats.ticks.Store(k.ticks)

	switch {
	case cur == k.idle:
		k.stats.idleTicks.Add(1)
	case cur.ext != nil && cur.ext.User():
		k.stats.userTicks.Add(1)
	default:
		k.stats.kernelTicks.Add(1)
	}

	if k.opts.MLFQS {
		k.mlfqsTick()
	}

	for _, h := range k.hooks {
		h.Tick(k.ticks)
	}

	k.sliceTicks++
	if k.sliceTicks >= k.opts.TimeSlice || k.outranked() {
		if k.outranked() {
			k.stats.preemptions.Add(1)
		}
		k.YieldOnReturn()
	}
}

// Ticks returns the number of timer ticks since boot.
func (k *Kernel) Ticks() int64 {
	return k.ticks
}
