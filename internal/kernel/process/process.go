// Package process implements the process side of thread lifecycle: parents
// and children, the wait/exit rendezvous and per-process file descriptors.
//
// A child that exits signals finished and then waits on allowedFinish, so its
// exit status stays readable until the parent has collected it. The parent's
// Wait consumes finished exactly once and then releases the child.
package process

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"kthreads/internal/kernel/synch"
	"kthreads/internal/kernel/threads"
	"kthreads/internal/logger"

	"github.com/phuslu/log"
)

// ErrBadFD is returned for a file descriptor the process does not own.
var ErrBadFD = errors.New("bad file descriptor")

// firstFD is the first descriptor handed out; 0 and 1 are the console.
const firstFD = 2

// Process is the lifecycle record of a user-process-backed thread. Kernel
// threads that spawn processes get a record too, so that their children have a
// parent, but never run the exit handshake themselves.
type Process struct {
	m      *Manager
	tid    threads.TID
	name   string
	kernel bool

	parent   *Process
	children []*Process

	finished      *synch.Semaphore // Upped by the child on exit.
	allowedFinish *synch.Semaphore // Upped by the parent once the status is read.
	status        int

	files  map[int]io.Closer
	nextFD int
}

var _ threads.Extension = (*Process)(nil)

// Manager spawns and waits for processes on one kernel.
type Manager struct {
	k       *threads.Kernel
	log     log.Logger
	console io.Writer
}

// NewManager returns a process manager for k. Exit messages are written to
// console when it is not nil.
func NewManager(k *threads.Kernel, console io.Writer) *Manager {
	return &Manager{
		k:       k,
		log:     logger.WithComponent(k.Logger(), "process"),
		console: console,
	}
}

func (m *Manager) newProcess(name string, parent *Process) *Process {
	return &Process{
		m:             m,
		name:          name,
		parent:        parent,
		finished:      synch.NewSemaphore(m.k, 0),
		allowedFinish: synch.NewSemaphore(m.k, 0),
		status:        -1,
		files:         make(map[int]io.Closer),
		nextFD:        firstFD,
	}
}

// Current returns the running thread's process record, creating a kernel
// record if the thread has none.
func (m *Manager) Current() *Process {
	cur := m.k.Current()
	switch ext := cur.Ext().(type) {
	case *Process:
		return ext
	case nil:
		p := m.newProcess(cur.Name(), nil)
		p.kernel = true
		p.tid = cur.ID()
		m.k.AttachExt(cur, p)
		return p
	default:
		m.k.Panicf(cur, "thread carries a foreign extension %T", ext)
		return nil
	}
}

// Spawn starts a process running fn as a child of the running thread and
// returns its id. The value fn returns is the exit status.
func (m *Manager) Spawn(name string, priority int, fn func(p *Process) int) (threads.TID, error) {
	parent := m.Current()
	child := m.newProcess(name, parent)

	old := m.k.IntrDisable()
	parent.children = append(parent.children, child)
	m.k.IntrSetLevel(old)

	tid, err := m.k.CreateExt(name, priority, func(any) {
		child.tid = m.k.TID()
		child.status = fn(child)
	}, nil, child)
	if err != nil {
		old := m.k.IntrDisable()
		parent.removeChild(child)
		m.k.IntrSetLevel(old)
		return threads.TIDError, fmt.Errorf("spawn %q: %w", name, err)
	}
	child.tid = tid

	m.log.Debug().
		Int32("tid", int32(tid)).
		Int32("parent", int32(parent.tid)).
		Str("name", name).
		Msg("Process spawned")
	return tid, nil
}

// Wait waits for the child with the given id to exit and returns its exit
// status. It returns -1 at once if tid is not a child of the running thread or
// has already been waited for.
func (m *Manager) Wait(tid threads.TID) int {
	p := m.Current()

	old := m.k.IntrDisable()
	i := slices.IndexFunc(p.children, func(c *Process) bool { return c.tid == tid })
	if i < 0 {
		m.k.IntrSetLevel(old)
		return -1
	}
	child := p.children[i]
	p.children = slices.Delete(p.children, i, i+1)
	m.k.IntrSetLevel(old)

	child.finished.Down()
	status := child.status
	child.allowedFinish.Up()
	return status
}

// Exit ends the running process with status. It never returns and must not be
// called with deferred calls pending.
func (p *Process) Exit(status int) {
	p.status = status
	p.m.k.Exit()
}

// OnExit runs the exit half of the handshake on the exiting thread.
func (p *Process) OnExit(*threads.Thread) {
	m := p.m
	if !p.kernel {
		if m.console != nil {
			fmt.Fprintf(m.console, "%s: exit(%d)\n", p.name, p.status)
		}
		m.log.Info().Int32("tid", int32(p.tid)).Int("status", p.status).Msgf("%s: exit(%d)", p.name, p.status)
	}

	for fd := range p.files {
		if err := p.Close(fd); err != nil {
			m.log.Warn().Err(err).Int("fd", fd).Str("process", p.name).Msg("Closing file on exit failed")
		}
	}

	// Orphans need not wait for anyone to collect their status.
	old := m.k.IntrDisable()
	orphans := p.children
	p.children = nil
	m.k.IntrSetLevel(old)
	for _, c := range orphans {
		c.parent = nil
		c.allowedFinish.Up()
	}

	if p.kernel {
		return
	}
	p.finished.Up()
	if p.parent != nil {
		p.allowedFinish.Down()
	}
}

// User reports whether the record belongs to a user process.
func (p *Process) User() bool {
	return !p.kernel
}

func (p *Process) removeChild(c *Process) {
	if i := slices.Index(p.children, c); i >= 0 {
		p.children = slices.Delete(p.children, i, i+1)
	}
}

// TID returns the process's thread id.
func (p *Process) TID() threads.TID { return p.tid }

// Name returns the process name.
func (p *Process) Name() string { return p.name }

// Children returns the number of children not yet waited for.
func (p *Process) Children() int { return len(p.children) }

// Open installs f in the file table and returns its descriptor.
func (p *Process) Open(f io.Closer) int {
	fd := p.nextFD
	p.nextFD++
	p.files[fd] = f
	return fd
}

// File returns the file open under fd.
func (p *Process) File(fd int) (io.Closer, bool) {
	f, ok := p.files[fd]
	return f, ok
}

// Close closes fd and removes it from the file table.
func (p *Process) Close(fd int) error {
	f, ok := p.files[fd]
	if !ok {
		return fmt.Errorf("close fd %d: %w", fd, ErrBadFD)
	}
	delete(p.files, fd)
	return f.Close()
}
