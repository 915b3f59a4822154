package threads

// IntrLevel is the interrupt state of the simulated CPU.
type IntrLevel bool

const (
	IntrOff IntrLevel = false // Interrupts disabled.
	IntrOn  IntrLevel = true  // Interrupts enabled.
)

// IntrGetLevel returns the current interrupt level.
func (k *Kernel) IntrGetLevel() IntrLevel {
	return IntrLevel(k.intrOn)
}

// IntrSetLevel sets the interrupt level and returns the previous one.
func (k *Kernel) IntrSetLevel(level IntrLevel) IntrLevel {
	if level == IntrOn {
		return k.IntrEnable()
	}
	return k.IntrDisable()
}

// IntrDisable turns interrupts off and returns the previous level. The usual
// pattern is
//
//	old := k.IntrDisable()
//	defer k.IntrSetLevel(old)
func (k *Kernel) IntrDisable() IntrLevel {
	old := k.IntrGetLevel()
	k.intrOn = false
	return old
}

// IntrEnable turns interrupts on and returns the previous level. Interrupt
// handlers run with interrupts off and must not enable them.
func (k *Kernel) IntrEnable() IntrLevel {
	if k.inIntr {
		k.Panicf(k.current, "enabling interrupts inside an interrupt handler")
	}
	old := k.IntrGetLevel()
	k.intrOn = true
	return old
}

// InContext reports whether the CPU is running an interrupt handler.
func (k *Kernel) InContext() bool {
	return k.inIntr
}

// YieldOnReturn asks the interrupt being handled to yield the CPU once the
// handler returns.
func (k *Kernel) YieldOnReturn() {
	if !k.inIntr {
		k.Panicf(k.current, "YieldOnReturn outside interrupt context")
	}
	k.yieldOnReturn = true
}

// Interrupt runs handler as an external interrupt: interrupts off, in
// interrupt context, with a yield afterwards if the handler requested one.
func (k *Kernel) Interrupt(handler func()) {
	if k.inIntr {
		k.Panicf(k.current, "nested external interrupt")
	}
	old := k.IntrDisable()
	k.inIntr = true
	k.yieldOnReturn = false

	handler()

	k.inIntr = false
	if k.yieldOnReturn {
		k.yieldOnReturn = false
		k.Yield()
	}
	k.IntrSetLevel(old)
}

// Spin simulates ticks timer ticks of work by the running thread. The thread
// may be preempted at any tick. Interrupts must be on.
func (k *Kernel) Spin(ticks int) {
	for range ticks {
		if !k.intrOn {
			k.Panicf(k.current, "Spin with interrupts off")
		}
		k.Interrupt(k.tick)
	}
}
