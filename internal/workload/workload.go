// Package workload describes and runs scripted thread programs on a booted
// kernel. A workload is a TOML file with one [[thread]] table per thread:
//
//	name = "priority-donation"
//
//	[[thread]]
//	name = "low"
//	priority = 10
//	program = ["acquire L", "spin 8", "release L"]
//
// Program steps:
//
//	spin N       run for N timer ticks
//	sleep N      sleep on the alarm clock for N ticks
//	yield        yield the CPU
//	acquire L    acquire lock L
//	release L    release lock L
//	down S       down semaphore S (semaphores start at 0)
//	up S         up semaphore S
//	priority N   set the thread's priority
//	nice N       set the thread's nice value
//	exit N       end the program with status N
package workload

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"kthreads/internal/kernel/threads"
)

// ErrBadWorkload is wrapped by every workload validation error.
var ErrBadWorkload = errors.New("bad workload")

// Workload is a set of thread programs.
type Workload struct {
	Name    string       `toml:"name"`
	Threads []ThreadSpec `toml:"thread"`
}

// ThreadSpec describes one thread of a workload.
type ThreadSpec struct {
	// Thread name, unique within the workload.
	Name string `toml:"name"`
	// Priority at creation (default: 31). Ignored under MLFQS.
	Priority *int `toml:"priority"`
	// Nice value applied when the thread starts (default: 0).
	Nice int `toml:"nice"`
	// Run as a user process whose exit status the runner collects.
	Process bool `toml:"process"`
	// Program steps, one per entry.
	Program []string `toml:"program"`
}

// Op is a program step operation.
type Op string

// Program step operations.
const (
	OpSpin     Op = "spin"
	OpSleep    Op = "sleep"
	OpYield    Op = "yield"
	OpAcquire  Op = "acquire"
	OpRelease  Op = "release"
	OpDown     Op = "down"
	OpUp       Op = "up"
	OpPriority Op = "priority"
	OpNice     Op = "nice"
	OpExit     Op = "exit"
)

// Step is one parsed program step. Num is set for numeric operations and Obj
// for operations on a lock or semaphore.
type Step struct {
	Op  Op
	Num int
	Obj string
}

func (s Step) String() string {
	switch {
	case s.Obj != "":
		return fmt.Sprintf("%s %s", s.Op, s.Obj)
	case s.Op == OpYield:
		return string(s.Op)
	default:
		return fmt.Sprintf("%s %d", s.Op, s.Num)
	}
}

// ParseStep parses a single program line.
func ParseStep(line string) (Step, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Step{}, fmt.Errorf("%w: empty step", ErrBadWorkload)
	}
	op := Op(fields[0])
	args := fields[1:]

	switch op {
	case OpYield:
		if len(args) != 0 {
			return Step{}, fmt.Errorf("%w: %q takes no argument", ErrBadWorkload, line)
		}
		return Step{Op: op}, nil

	case OpAcquire, OpRelease, OpDown, OpUp:
		if len(args) != 1 {
			return Step{}, fmt.Errorf("%w: %q needs one name", ErrBadWorkload, line)
		}
		return Step{Op: op, Obj: args[0]}, nil

	case OpSpin, OpSleep, OpPriority, OpNice, OpExit:
		if len(args) != 1 {
			return Step{}, fmt.Errorf("%w: %q needs one number", ErrBadWorkload, line)
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return Step{}, fmt.Errorf("%w: %q: %v", ErrBadWorkload, line, err)
		}
		if (op == OpSpin || op == OpSleep) && n < 0 {
			return Step{}, fmt.Errorf("%w: %q: negative duration", ErrBadWorkload, line)
		}
		return Step{Op: op, Num: n}, nil

	default:
		return Step{}, fmt.Errorf("%w: unknown operation %q", ErrBadWorkload, fields[0])
	}
}

// Steps parses the thread's program.
func (ts *ThreadSpec) Steps() ([]Step, error) {
	steps := make([]Step, 0, len(ts.Program))
	for i, line := range ts.Program {
		s, err := ParseStep(line)
		if err != nil {
			return nil, fmt.Errorf("thread %q step %d: %w", ts.Name, i+1, err)
		}
		steps = append(steps, s)
	}
	return steps, nil
}

// priority returns the creation priority.
func (ts *ThreadSpec) priority() int {
	if ts.Priority == nil {
		return threads.PriDefault
	}
	return *ts.Priority
}

// Validate checks the workload for errors.
func (w *Workload) Validate() error {
	if len(w.Threads) == 0 {
		return fmt.Errorf("%w: no threads", ErrBadWorkload)
	}
	seen := make(map[string]bool, len(w.Threads))
	for i := range w.Threads {
		ts := &w.Threads[i]
		if ts.Name == "" {
			return fmt.Errorf("%w: thread %d has no name", ErrBadWorkload, i+1)
		}
		if seen[ts.Name] {
			return fmt.Errorf("%w: duplicate thread name %q", ErrBadWorkload, ts.Name)
		}
		seen[ts.Name] = true
		if p := ts.priority(); p < threads.PriMin || p > threads.PriMax {
			return fmt.Errorf("%w: thread %q priority %d out of range", ErrBadWorkload, ts.Name, p)
		}
		if ts.Nice < threads.NiceMin || ts.Nice > threads.NiceMax {
			return fmt.Errorf("%w: thread %q nice %d out of range", ErrBadWorkload, ts.Name, ts.Nice)
		}
		if _, err := ts.Steps(); err != nil {
			return err
		}
	}
	return nil
}

// Parse decodes and validates a workload from TOML text.
func Parse(data string) (*Workload, error) {
	var w Workload
	if _, err := toml.Decode(data, &w); err != nil {
		return nil, fmt.Errorf("failed to parse workload: %w", err)
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &w, nil
}

// Load reads and validates a workload file.
func Load(path string) (*Workload, error) {
	var w Workload
	if _, err := toml.DecodeFile(path, &w); err != nil {
		return nil, fmt.Errorf("failed to parse workload file %s: %w", path, err)
	}
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("workload file %s: %w", path, err)
	}
	return &w, nil
}

// defaultWorkload is the classic priority inversion: a medium priority thread
// would starve high while low holds the lock high needs, unless low borrows
// high's priority.
const defaultWorkload = `
name = "priority-donation"

[[thread]]
name = "low"
priority = 10
program = ["acquire L", "spin 8", "release L", "exit 0"]

[[thread]]
name = "medium"
priority = 20
program = ["sleep 2", "spin 4", "exit 0"]

[[thread]]
name = "high"
priority = 30
process = true
program = ["sleep 1", "acquire L", "spin 2", "release L", "exit 3"]
`

// Default returns the built-in donation demo.
func Default() *Workload {
	w, err := Parse(defaultWorkload)
	if err != nil {
		panic(err)
	}
	return w
}
