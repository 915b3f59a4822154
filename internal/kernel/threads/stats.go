package threads

import (
	"math/bits"
	"sync/atomic"
)

// stats holds the scheduler counters. They are written on the CPU and read by
// metric scrapes from other goroutines, so every field is atomic.
type stats struct {
	idleTicks   atomic.Uint64
	kernelTicks atomic.Uint64
	userTicks   atomic.Uint64

	switches    atomic.Uint64
	yields      atomic.Uint64
	preemptions atomic.Uint64
	blocks      atomic.Uint64
	unblocks    atomic.Uint64
	donations   atomic.Uint64

	created atomic.Uint64
	exited  atomic.Uint64

	ticks   atomic.Int64
	live    atomic.Int64
	ready   atomic.Int64
	loadAvg atomic.Int64 // 100 times load_avg.

	runCount   atomic.Uint64
	runSum     atomic.Uint64
	runBuckets [len(RunLengthBounds)]atomic.Uint64
}

// RunLengthBounds are the inclusive upper bounds, in ticks, of the run length
// histogram buckets. Runs longer than the last bound only count towards the
// total.
var RunLengthBounds = [...]float64{0, 1, 3, 7, 15, 31, 63, 127}

// recordRun records a thread that held the CPU for run ticks before a switch.
func (s *stats) recordRun(run uint64) {
	s.runCount.Add(1)
	s.runSum.Add(run)
	// Bucket i holds runs in [2^(i-1), 2^i - 1], so the index is the bit length.
	if idx := bits.Len64(run); idx < len(s.runBuckets) {
		s.runBuckets[idx].Add(1)
	}
}

// Stats is a snapshot of the scheduler counters.
type Stats struct {
	IdleTicks   uint64 // Timer ticks spent idle.
	KernelTicks uint64 // Timer ticks in kernel threads.
	UserTicks   uint64 // Timer ticks in user programs.

	ContextSwitches uint64
	Yields          uint64
	Preemptions     uint64
	Blocks          uint64
	Unblocks        uint64
	Donations       uint64

	ThreadsCreated uint64
	ThreadsExited  uint64

	Ticks        int64
	LiveThreads  int64
	ReadyThreads int64
	LoadAvg100   int64

	// Run lengths between context switches. RunBuckets is not cumulative.
	RunCount   uint64
	RunSum     uint64
	RunBuckets [len(RunLengthBounds)]uint64
}

// Stats returns the current counters. Safe to call from any goroutine.
func (k *Kernel) Stats() Stats {
	s := &k.stats
	out := Stats{
		IdleTicks:       s.idleTicks.Load(),
		KernelTicks:     s.kernelTicks.Load(),
		UserTicks:       s.userTicks.Load(),
		ContextSwitches: s.switches.Load(),
		Yields:          s.yields.Load(),
		Preemptions:     s.preemptions.Load(),
		Blocks:          s.blocks.Load(),
		Unblocks:        s.unblocks.Load(),
		Donations:       s.donations.Load(),
		ThreadsCreated:  s.created.Load(),
		ThreadsExited:   s.exited.Load(),
		Ticks:           s.ticks.Load(),
		LiveThreads:     s.live.Load(),
		ReadyThreads:    s.ready.Load(),
		LoadAvg100:      s.loadAvg.Load(),
		RunCount:        s.runCount.Load(),
		RunSum:          s.runSum.Load(),
	}
	for i := range s.runBuckets {
		out.RunBuckets[i] = s.runBuckets[i].Load()
	}
	return out
}

// PrintStats logs the tick counters.
func (k *Kernel) PrintStats() {
	s := k.Stats()
	k.log.Info().
		Uint64("idle_ticks", s.IdleTicks).
		Uint64("kernel_ticks", s.KernelTicks).
		Uint64("user_ticks", s.UserTicks).
		Uint64("context_switches", s.ContextSwitches).
		Uint64("threads_created", s.ThreadsCreated).
		Msg("Thread statistics")
}
