// Package threads implements the thread-management core of the kernel: the
// thread control block and registry, the priority scheduler with priority
// donation, the multi-level feedback queue scheduler and the timer tick.
//
// A Kernel simulates a uniprocessor. Every kernel thread runs on its own
// goroutine but only the thread holding the CPU executes; the others are parked
// inside a context switch. Shared scheduler state is protected the way a real
// uniprocessor kernel protects it: by turning interrupts off.
package threads

import (
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/phuslu/log"

	"kthreads/internal/cpu"
	"kthreads/internal/fixedpoint"
	"kthreads/internal/logger"
	"kthreads/internal/maps"
)

// ErrNoSlot is returned by Create when every control-block slot is in use.
var ErrNoSlot = errors.New("no free thread slot")

// Options configures a kernel at boot. Zero fields take their defaults.
type Options struct {
	// MLFQS selects the multi-level feedback queue scheduler. Fixed for the
	// lifetime of the kernel.
	MLFQS bool
	// TimerFreq is the number of timer ticks per second (default 100).
	TimerFreq int
	// TimeSlice is the number of ticks a thread runs before it is preempted
	// (default 4).
	TimeSlice int
	// MaxThreads bounds the number of live control blocks, including the
	// initial and idle threads (default 256).
	MaxThreads int
	// DonationDepth bounds how far a donation propagates along a chain of
	// lock holders (default 8).
	DonationDepth int
	// IndexImpl selects the map implementation of the thread id index.
	IndexImpl string
	// TraceEvery keeps one in every TraceEvery trace records of context
	// switches and donations (default: the logging configuration).
	TraceEvery uint32
	// Logger overrides the component logger.
	Logger *log.Logger
}

func (o *Options) setDefaults() {
	if o.TimerFreq == 0 {
		o.TimerFreq = 100
	}
	if o.TimeSlice == 0 {
		o.TimeSlice = 4
	}
	if o.MaxThreads == 0 {
		o.MaxThreads = 256
	}
	if o.DonationDepth == 0 {
		o.DonationDepth = 8
	}
}

func (o *Options) validate() error {
	switch {
	case o.TimerFreq < 1:
		return fmt.Errorf("timer frequency must be positive, got %d", o.TimerFreq)
	case o.TimeSlice < 1:
		return fmt.Errorf("time slice must be positive, got %d", o.TimeSlice)
	case o.MaxThreads < 3:
		return fmt.Errorf("max threads must be at least 3, got %d", o.MaxThreads)
	case o.DonationDepth < 1:
		return fmt.Errorf("donation depth must be positive, got %d", o.DonationDepth)
	case !maps.Valid(o.IndexImpl):
		return fmt.Errorf("unknown index implementation %q", o.IndexImpl)
	}
	return nil
}

// TickHook is called from the timer interrupt on every tick.
type TickHook interface {
	// Tick runs in interrupt context and must not block.
	Tick(now int64)
	// Pending reports whether a future tick will make a thread ready.
	Pending() bool
}

// Kernel is the scheduler context of one simulated machine.
type Kernel struct {
	opts   Options
	log    log.Logger
	hot    *logger.Sampled // Per-switch and per-donation trace records.
	bootID uuid.UUID

	ready   readyQueue
	all     []*Thread // Registry, in creation order.
	index   maps.ConcurrentMap[TID, *Thread]
	walking bool // ForEach in progress.

	current *Thread
	prev    *Thread // Thread switched away from, for the switch tail.
	initial *Thread
	idle    *Thread

	intrOn        bool
	inIntr        bool
	yieldOnReturn bool

	ticks        int64
	sliceTicks   int
	dispatchedAt int64 // Tick the running thread was dispatched at.
	loadAvg      fixedpoint.Value
	hooks        []TickHook

	nextTID TID
	seq     uint64
	live    int

	stats stats
}

// Boot turns the calling goroutine into the initial thread of a new kernel,
// creates the idle thread and enables interrupts. All later calls into the
// kernel must come from the goroutine of the thread that holds the CPU.
func Boot(opts Options) (*Kernel, error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid kernel options: %w", err)
	}
	index, err := maps.New[TID, *Thread](opts.IndexImpl)
	if err != nil {
		return nil, err
	}

	k := &Kernel{
		opts:    opts,
		bootID:  uuid.New(),
		index:   index,
		nextTID: 1,
	}
	if opts.Logger != nil {
		k.log = *opts.Logger
	} else {
		k.log = logger.Component("threads")
	}
	k.hot = logger.NewSampled(k.log, opts.TraceEvery)
	k.ready.init(k)

	initial := k.newThread("main", PriDefault)
	initial.status = Running
	initial.ctx = cpu.Adopt()
	k.register(initial)
	k.current = initial
	k.initial = initial
	if opts.MLFQS {
		k.mlfqsPriority(initial)
	}

	idle := k.newThread("idle", PriMin)
	idle.status = Blocked
	idle.fn = func(any) { k.idleLoop() }
	idle.ctx = cpu.New(k.threadEntry(idle))
	k.register(idle)
	k.idle = idle

	k.intrOn = true

	k.log.Info().
		Str("boot_id", k.bootID.String()).
		Bool("mlfqs", opts.MLFQS).
		Int("timer_freq", opts.TimerFreq).
		Int("time_slice", opts.TimeSlice).
		Int("max_threads", opts.MaxThreads).
		Msg("Kernel booted")
	return k, nil
}

// BootID identifies this boot in logs and metrics.
func (k *Kernel) BootID() uuid.UUID { return k.bootID }

// MLFQS reports whether the kernel runs the multi-level feedback queue
// scheduler.
func (k *Kernel) MLFQS() bool { return k.opts.MLFQS }

// TimerFreq returns the number of ticks per second.
func (k *Kernel) TimerFreq() int { return k.opts.TimerFreq }

// Logger returns the kernel's logger.
func (k *Kernel) Logger() *log.Logger { return &k.log }

// newThread allocates and initializes a control block. It does not register it.
func (k *Kernel) newThread(name string, priority int) *Thread {
	t := &Thread{
		id:           k.nextTID,
		name:         truncateName(name),
		status:       Blocked,
		basePriority: priority,
		priority:     priority,
		k:            k,
	}
	t.magic.Store(threadMagic)
	k.nextTID++
	return t
}

// Create starts a new kernel thread running fn(aux) with the given priority
// and returns its id. If the new thread outranks the creator it runs before
// Create returns. When every slot is taken Create returns TIDError and
// ErrNoSlot and nothing is registered.
func (k *Kernel) Create(name string, priority int, fn ThreadFunc, aux any) (TID, error) {
	return k.CreateExt(name, priority, fn, aux, nil)
}

// CreateExt is like Create but attaches ext to the thread before it can run.
func (k *Kernel) CreateExt(name string, priority int, fn ThreadFunc, aux any, ext Extension) (TID, error) {
	if fn == nil {
		k.Panicf(k.current, "create %q: nil thread function", name)
	}
	priority = clampPriority(priority)

	old := k.IntrDisable()
	if k.live >= k.opts.MaxThreads {
		k.IntrSetLevel(old)
		k.log.Warn().Str("name", name).Int("live", k.live).Msg("Thread creation failed")
		return TIDError, ErrNoSlot
	}

	t := k.newThread(name, priority)
	t.fn = fn
	t.aux = aux
	t.ext = ext
	if k.opts.MLFQS {
		creator := k.current
		t.nice = creator.nice
		t.recentCPU = creator.recentCPU
		k.mlfqsPriority(t)
	}
	t.ctx = cpu.New(k.threadEntry(t))
	k.register(t)
	k.Unblock(t)
	k.IntrSetLevel(old)

	k.stats.created.Add(1)
	k.log.Debug().
		Int32("tid", int32(t.id)).
		Str("name", t.name).
		Int("priority", t.priority).
		Msg("Thread created")

	k.Preempt()
	return t.id, nil
}

// threadEntry returns the function a new thread's context starts with.
func (k *Kernel) threadEntry(t *Thread) func() {
	return func() {
		k.scheduleTail(k.prev)
		k.IntrEnable()
		t.fn(t.aux)
		k.Exit()
	}
}

// Current returns the running thread. A corrupted control block or a running
// thread not in the Running state is a kernel panic.
func (k *Kernel) Current() *Thread {
	t := k.current
	if t == nil || t.magic.Load() != threadMagic {
		k.Panicf(t, "stack overflow: bad thread magic")
	}
	if t.status != Running {
		k.Panicf(t, "current thread %v is %v", t, t.status)
	}
	return t
}

// TID returns the running thread's id.
func (k *Kernel) TID() TID { return k.Current().id }

// Name returns the running thread's name.
func (k *Kernel) Name() string { return k.Current().name }

// ForEach calls action on every live thread in registry order. Interrupts must
// be off; action must not create or destroy threads.
func (k *Kernel) ForEach(action func(t *Thread, aux any), aux any) {
	if k.intrOn {
		k.Panicf(k.current, "ForEach with interrupts on")
	}
	k.walking = true
	defer func() { k.walking = false }()
	for _, t := range k.all {
		action(t, aux)
	}
}

// FindByID returns the live thread with the given id. Threads that have been
// reclaimed are not found. The lookup itself is safe from any goroutine, but
// the returned thread's other fields belong to the thread holding the CPU.
func (k *Kernel) FindByID(id TID) (*Thread, bool) {
	t, ok := k.index.Load(id)
	if !ok || t.magic.Load() != threadMagic {
		return nil, false
	}
	return t, true
}

// Snapshot copies every live thread's control block, in registry order. An id
// index out of step with the registry is a kernel panic.
func (k *Kernel) Snapshot() []ThreadInfo {
	old := k.IntrDisable()
	defer k.IntrSetLevel(old)
	// Every block between register and reclaim is indexed, dying ones included.
	if n := k.index.Len(); n != k.live {
		k.Panicf(nil, "thread index holds %d entries, %d threads are live", n, k.live)
	}
	infos := make([]ThreadInfo, 0, len(k.all))
	for _, t := range k.all {
		infos = append(infos, t.info())
	}
	return infos
}

func (k *Kernel) register(t *Thread) {
	if k.walking {
		k.Panicf(t, "registry modified during ForEach")
	}
	k.all = append(k.all, t)
	k.index.Store(t.id, t)
	k.live++
	k.stats.live.Store(int64(k.live))
}

// unregister removes t from the registry. Its id stays resolvable until the
// block is reclaimed.
func (k *Kernel) unregister(t *Thread) {
	if k.walking {
		k.Panicf(t, "registry modified during ForEach")
	}
	if i := slices.Index(k.all, t); i >= 0 {
		k.all = slices.Delete(k.all, i, i+1)
	}
}

// reclaim frees the control block of a dead thread.
func (k *Kernel) reclaim(t *Thread) {
	k.index.Delete(t.id)
	t.magic.Store(0)
	t.ctx = nil
	t.fn = nil
	t.aux = nil
	k.live--
	k.stats.live.Store(int64(k.live))
	k.log.Trace().Int32("tid", int32(t.id)).Msg("Thread reclaimed")
}

// AttachExt attaches ext to a thread created without one.
func (k *Kernel) AttachExt(t *Thread, ext Extension) {
	if t.ext != nil {
		k.Panicf(t, "thread already has an extension")
	}
	t.ext = ext
}

// AddTickHook registers h to run on every timer tick.
func (k *Kernel) AddTickHook(h TickHook) {
	old := k.IntrDisable()
	k.hooks = append(k.hooks, h)
	k.IntrSetLevel(old)
}

func clampPriority(p int) int {
	return max(PriMin, min(PriMax, p))
}
