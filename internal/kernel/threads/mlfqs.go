package threads

import "kthreads/internal/fixedpoint"

var (
	loadDecay  = fixedpoint.FromInt(59).DivInt(60)
	loadWeight = fixedpoint.FromInt(1).DivInt(60)
)

// mlfqsTick does the per-tick MLFQS bookkeeping. Runs in the timer interrupt.
func (k *Kernel) mlfqsTick() {
	cur := k.current
	if !cur.isIdle() {
		cur.recentCPU = cur.recentCPU.AddInt(1)
	}

	if k.ticks%int64(k.opts.TimerFreq) == 0 {
		k.updateLoadAvg()
		for _, t := range k.all {
			if t.isIdle() {
				continue
			}
			k.updateRecentCPU(t)
			k.mlfqsPriority(t)
		}
		k.log.Trace().
			Int64("ticks", k.ticks).
			Int("load_avg", k.loadAvg.MulInt(100).Round()).
			Msg("MLFQS statistics updated")
	}

	if !cur.isIdle() {
		k.mlfqsPriority(cur)
	}
}

// updateLoadAvg folds the number of threads ready to run, counting the running
// one but not idle, into the load average:
//
//	load_avg = (59/60)*load_avg + (1/60)*ready_threads
func (k *Kernel) updateLoadAvg() {
	ready := k.ready.len()
	if k.current != k.idle {
		ready++
	}
	k.loadAvg = loadDecay.Mul(k.loadAvg).Add(loadWeight.MulInt(ready))
	k.stats.loadAvg.Store(int64(k.loadAvg.MulInt(100).Round()))
}

// updateRecentCPU decays t's recent CPU usage:
//
//	recent_cpu = (2*load_avg)/(2*load_avg + 1) * recent_cpu + nice
func (k *Kernel) updateRecentCPU(t *Thread) {
	twice := k.loadAvg.MulInt(2)
	coeff := twice.Div(twice.AddInt(1))
	t.recentCPU = coeff.Mul(t.recentCPU).AddInt(t.nice)
}

// mlfqsPriority recomputes t's priority from its recent CPU usage and nice
// value and re-ranks it:
//
//	priority = PRI_MAX - recent_cpu/4 - nice*2
//
// The result is truncated, then clamped.
func (k *Kernel) mlfqsPriority(t *Thread) {
	p := fixedpoint.FromInt(PriMax).
		Sub(t.recentCPU.DivInt(4)).
		SubInt(t.nice * 2).
		Trunc()
	p = clampPriority(p)
	t.basePriority = p
	k.setEffective(t, p)
}

// SetNice sets the running thread's nice value, clamped to [NiceMin, NiceMax].
// Under MLFQS its priority is recomputed at once and the thread yields if it
// no longer has the highest priority.
func (k *Kernel) SetNice(nice int) {
	nice = max(NiceMin, min(NiceMax, nice))
	old := k.IntrDisable()
	cur := k.Current()
	cur.nice = nice
	if k.opts.MLFQS {
		k.mlfqsPriority(cur)
	}
	k.IntrSetLevel(old)
	if k.opts.MLFQS {
		k.SwapToHighestPriority()
	}
}

// GetNice returns the running thread's nice value.
func (k *Kernel) GetNice() int {
	return k.Current().nice
}

// GetRecentCPU returns 100 times the running thread's recent_cpu, rounded to
// the nearest integer.
func (k *Kernel) GetRecentCPU() int {
	old := k.IntrDisable()
	defer k.IntrSetLevel(old)
	return k.Current().recentCPU.MulInt(100).Round()
}

// GetLoadAvg returns 100 times the system load average, rounded to the
// nearest integer.
func (k *Kernel) GetLoadAvg() int {
	old := k.IntrDisable()
	defer k.IntrSetLevel(old)
	return k.loadAvg.MulInt(100).Round()
}
