package workload

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/phuslu/log"

	"kthreads/internal/kernel/process"
	"kthreads/internal/kernel/synch"
	"kthreads/internal/kernel/threads"
	"kthreads/internal/kernel/timer"
	"kthreads/internal/logger"
)

// Event is one program step as it began executing.
type Event struct {
	Tick     int64  // Timer ticks since boot.
	Thread   string // Name of the thread running the step.
	Step     string // The step, or "start" and "end" around each program.
	Priority int    // Effective priority when the step began.
}

func (e Event) String() string {
	return fmt.Sprintf("%6d %-15s pri=%-2d %s", e.Tick, e.Thread, e.Priority, e.Step)
}

// Report is the outcome of a workload run.
type Report struct {
	Name   string
	Events []Event
	// Exit status of every thread, keyed by name. Process statuses are
	// collected through wait; kernel threads report their program's status.
	Exits map[string]int
	// Faults are program steps that were skipped because they were misused,
	// such as releasing a lock the thread does not hold.
	Faults []string
	Ticks  int64 // Ticks from the first creation to the last exit.
	Stats  threads.Stats
}

// Index returns the position of the first event of thread running step, or
// -1.
func (r *Report) Index(thread, step string) int {
	return slices.IndexFunc(r.Events, func(e Event) bool {
		return e.Thread == thread && e.Step == step
	})
}

// Steps returns the steps thread ran, in order.
func (r *Report) Steps(thread string) []string {
	var out []string
	for _, e := range r.Events {
		if e.Thread == thread {
			out = append(out, e.Step)
		}
	}
	return out
}

// WriteTo writes the event trace to w, one event per line.
func (r *Report) WriteTo(w io.Writer) (int64, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "workload %s: %d ticks\n", r.Name, r.Ticks)
	for _, e := range r.Events {
		sb.WriteString(e.String())
		sb.WriteByte('\n')
	}
	for _, f := range r.Faults {
		fmt.Fprintf(&sb, "fault: %s\n", f)
	}
	n, err := io.WriteString(w, sb.String())
	return int64(n), err
}

// runner holds the objects shared by a workload's threads. Its maps are only
// touched by the running kernel thread, so they need no locking.
type runner struct {
	k      *threads.Kernel
	clock  *timer.Clock
	pm     *process.Manager
	log    log.Logger
	locks  map[string]*synch.Lock
	semas  map[string]*synch.Semaphore
	report *Report
}

type started struct {
	name string
	tid  threads.TID
	done *synch.Semaphore // nil for processes.
}

// Run executes w on k and returns its report once every thread has exited. It
// must be called from a kernel thread, normally the initial one. Process exit
// messages are written to console when it is not nil.
//
// A workload that deadlocks leaves the idle thread with nothing to wake, which
// is a kernel panic.
func Run(k *threads.Kernel, w *Workload, console io.Writer) (*Report, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	progs := make([][]Step, len(w.Threads))
	for i := range w.Threads {
		progs[i], _ = w.Threads[i].Steps()
	}

	r := &runner{
		k:     k,
		clock: timer.New(k),
		pm:    process.NewManager(k, console),
		log:   logger.WithComponent(k.Logger(), "workload"),
		locks: make(map[string]*synch.Lock),
		semas: make(map[string]*synch.Semaphore),
		report: &Report{
			Name:  w.Name,
			Exits: make(map[string]int, len(w.Threads)),
		},
	}
	r.log.Info().Str("workload", w.Name).Int("threads", len(w.Threads)).Bool("mlfqs", k.MLFQS()).Msg("Running workload")

	begin := r.clock.Ticks()

	// Hold the CPU until every thread exists so they all start from the same
	// point. SetPriority is a no-op under MLFQS, where new threads inherit
	// the creator's recent_cpu and usually wait their turn anyway.
	saved := k.GetPriority()
	k.SetPriority(threads.PriMax)

	var (
		all       []started
		createErr error
	)
	for i := range w.Threads {
		ts := &w.Threads[i]
		steps := progs[i]
		if ts.Process {
			tid, err := r.pm.Spawn(ts.Name, ts.priority(), func(*process.Process) int {
				return r.exec(ts, steps)
			})
			if err != nil {
				createErr = err
				break
			}
			all = append(all, started{name: ts.Name, tid: tid})
			continue
		}

		done := synch.NewSemaphore(k, 0)
		tid, err := k.Create(ts.Name, ts.priority(), func(any) {
			r.report.Exits[ts.Name] = r.exec(ts, steps)
			done.Up()
		}, nil)
		if err != nil {
			createErr = fmt.Errorf("create %q: %w", ts.Name, err)
			break
		}
		all = append(all, started{name: ts.Name, tid: tid, done: done})
	}
	k.SetPriority(saved)

	for _, s := range all {
		if s.done != nil {
			s.done.Down()
			continue
		}
		r.report.Exits[s.name] = r.pm.Wait(s.tid)
	}

	// Woken threads may still be on their way out. Step aside so they finish
	// before the counters are read.
	if !k.MLFQS() {
		k.SetPriority(threads.PriMin)
		k.SetPriority(saved)
	}

	r.report.Ticks = r.clock.Elapsed(begin)
	r.report.Stats = k.Stats()
	r.log.Info().
		Str("workload", w.Name).
		Int64("ticks", r.report.Ticks).
		Int("events", len(r.report.Events)).
		Int("faults", len(r.report.Faults)).
		Msg("Workload finished")

	if createErr != nil {
		return r.report, createErr
	}
	return r.report, nil
}

// exec runs one thread's program and returns its exit status.
func (r *runner) exec(ts *ThreadSpec, steps []Step) int {
	k := r.k
	if ts.Nice != 0 {
		k.SetNice(ts.Nice)
	}
	r.record("start")

	status := 0
	for _, s := range steps {
		r.record(s.String())
		if s.Op == OpExit {
			status = s.Num
			break
		}
		r.step(s)
	}

	// Locks still held at exit would strand their waiters.
	names := make([]string, 0, len(r.locks))
	for name, l := range r.locks {
		if l.HeldByCurrent() {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	for _, name := range names {
		r.fault("%s exited holding lock %s", ts.Name, name)
		r.locks[name].Release()
	}

	r.record(fmt.Sprintf("end %d", status))
	return status
}

func (r *runner) step(s Step) {
	k := r.k
	switch s.Op {
	case OpSpin:
		k.Spin(s.Num)
	case OpSleep:
		r.clock.Sleep(int64(s.Num))
	case OpYield:
		k.Yield()
	case OpAcquire:
		l := r.lock(s.Obj)
		if l.HeldByCurrent() {
			r.fault("%s: %s already holds lock %s", s, k.Name(), s.Obj)
			return
		}
		l.Acquire()
	case OpRelease:
		l := r.lock(s.Obj)
		if !l.HeldByCurrent() {
			r.fault("%s: %s does not hold lock %s", s, k.Name(), s.Obj)
			return
		}
		l.Release()
	case OpDown:
		r.sema(s.Obj).Down()
	case OpUp:
		r.sema(s.Obj).Up()
	case OpPriority:
		k.SetPriority(s.Num)
	case OpNice:
		k.SetNice(s.Num)
	}
}

func (r *runner) lock(name string) *synch.Lock {
	l, ok := r.locks[name]
	if !ok {
		l = synch.NewLock(r.k)
		r.locks[name] = l
	}
	return l
}

func (r *runner) sema(name string) *synch.Semaphore {
	s, ok := r.semas[name]
	if !ok {
		s = synch.NewSemaphore(r.k, 0)
		r.semas[name] = s
	}
	return s
}

func (r *runner) record(step string) {
	e := Event{
		Tick:     r.clock.Ticks(),
		Thread:   r.k.Name(),
		Step:     step,
		Priority: r.k.GetPriority(),
	}
	r.report.Events = append(r.report.Events, e)
	r.log.Debug().Int64("tick", e.Tick).Str("thread", e.Thread).Int("priority", e.Priority).Msg(step)
}

func (r *runner) fault(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.report.Faults = append(r.report.Faults, msg)
	r.log.Warn().Str("thread", r.k.Name()).Msg(msg)
}
