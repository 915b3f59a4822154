package threads

import (
	"fmt"
	"sync/atomic"

	"kthreads/internal/cpu"
	"kthreads/internal/fixedpoint"
)

// TID identifies a kernel thread. Ids are assigned monotonically from 1 and are
// never reused during a boot.
type TID int32

// TIDError is the "no thread" id returned when creation fails.
const TIDError TID = -1

// Thread priorities.
const (
	PriMin     = 0  // Lowest priority.
	PriDefault = 31 // Default priority.
	PriMax     = 63 // Highest priority.
)

// Nice values accepted by SetNice.
const (
	NiceMin = -20
	NiceMax = 20
)

// MaxNameLen is the number of bytes of a thread name that are kept.
const MaxNameLen = 15

// threadMagic detects stack overflow. A thread's control block sits at the base
// of its stack, so an overflow clobbers this value first.
const threadMagic uint32 = 0xcd6abf4b

// Status is the scheduling state of a thread.
type Status uint8

const (
	Running Status = iota // Running thread.
	Ready                 // Not running but ready to run.
	Blocked               // Waiting for an event to trigger.
	Dying                 // About to be destroyed.
)

func (s Status) String() string {
	switch s {
	case Running:
		return "running"
	case Ready:
		return "ready"
	case Blocked:
		return "blocked"
	case Dying:
		return "dying"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// ThreadFunc is the body of a kernel thread. The thread exits when it returns.
type ThreadFunc func(aux any)

// Resource is a lock-like object a thread can hold and wait on. The donation
// protocol walks resources to find whom to boost and recomputes a holder's
// priority from the waiters of the resources it still holds.
type Resource interface {
	// Holder returns the thread holding the resource, or nil.
	Holder() *Thread
	// MaxWaiterPriority returns the highest effective priority among the
	// threads waiting for the resource, or -1 when nobody waits.
	MaxWaiterPriority() int
}

// Extension carries the optional per-thread state of user-process-backed
// threads.
type Extension interface {
	// OnExit runs on the exiting thread, with interrupts on, before the thread
	// leaves the registry. It may block.
	OnExit(t *Thread)
	// User reports whether ticks spent on the thread count as user time.
	User() bool
}

// Thread is a kernel thread control block.
//
// All fields are owned by the kernel and must only be touched with interrupts
// off, from the thread that currently holds the CPU.
type Thread struct {
	id     TID
	name   string
	status Status

	basePriority int // Priority set at creation or by SetPriority.
	priority     int // Effective priority including donations.

	locks     []Resource // Resources held, for donation recomputation.
	blockedOn Resource   // Resource being waited for, if any.

	// MLFQS.
	recentCPU fixedpoint.Value
	nice      int

	owner any    // Ownership collection the thread is queued on.
	seq   uint64 // Ready queue arrival stamp.

	ext Extension

	ctx *cpu.Context
	fn  ThreadFunc
	aux any

	k *Kernel
	// magic is atomic because FindByID may read it off the simulated CPU
	// while reclaim clears it.
	magic atomic.Uint32
}

// ID returns the thread's identifier.
func (t *Thread) ID() TID { return t.id }

// Name returns the thread's name.
func (t *Thread) Name() string { return t.name }

// Status returns the thread's scheduling state.
func (t *Thread) Status() Status { return t.status }

// Priority returns the effective priority.
func (t *Thread) Priority() int { return t.priority }

// BasePriority returns the priority before donations.
func (t *Thread) BasePriority() int { return t.basePriority }

// Nice returns the thread's nice value.
func (t *Thread) Nice() int { return t.nice }

// BlockedOn returns the resource the thread waits for, or nil.
func (t *Thread) BlockedOn() Resource { return t.blockedOn }

// Ext returns the extension attached at creation, or nil for kernel threads.
func (t *Thread) Ext() Extension { return t.ext }

// Claim records that list now owns t. A thread sits on at most one ready queue
// or wait list at a time; claiming an owned thread is a kernel panic.
func (t *Thread) Claim(list any) {
	if t.owner != nil {
		t.k.Panicf(t, "thread %d already queued on %T", t.id, t.owner)
	}
	t.owner = list
}

// Disown releases list's ownership of t.
func (t *Thread) Disown(list any) {
	if t.owner != list {
		t.k.Panicf(t, "thread %d is not queued on %T", t.id, list)
	}
	t.owner = nil
}

func (t *Thread) String() string {
	return fmt.Sprintf("%s(%d)", t.name, t.id)
}

// isIdle reports whether t is its kernel's idle thread.
func (t *Thread) isIdle() bool {
	return t == t.k.idle
}

func truncateName(name string) string {
	if len(name) > MaxNameLen {
		return name[:MaxNameLen]
	}
	return name
}

// ThreadInfo is a point-in-time copy of a thread control block.
type ThreadInfo struct {
	ID           TID
	Name         string
	Status       string
	Priority     int
	BasePriority int
	Nice         int
	RecentCPU    int // 100 times recent_cpu, rounded.
	Locks        int
	BlockedOn    bool
	Magic        uint32
}

func (t *Thread) info() ThreadInfo {
	return ThreadInfo{
		ID:           t.id,
		Name:         t.name,
		Status:       t.status.String(),
		Priority:     t.priority,
		BasePriority: t.basePriority,
		Nice:         t.nice,
		RecentCPU:    t.recentCPU.MulInt(100).Round(),
		Locks:        len(t.locks),
		BlockedOn:    t.blockedOn != nil,
		Magic:        t.magic.Load(),
	}
}
