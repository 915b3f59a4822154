package threads

import (
	"fmt"

	"github.com/davecgh/go-spew/spew"
)

// KernelPanic is the value a kernel panics with when one of its invariants is
// violated. The kernel cannot continue after one.
type KernelPanic struct {
	Msg        string
	Thread     TID    // Offending thread, or TIDError.
	ThreadName string // Offending thread's name, if known.
	Dump       string // Control block dump.
}

func (p *KernelPanic) Error() string {
	if p.Thread == TIDError {
		return "kernel panic: " + p.Msg
	}
	return fmt.Sprintf("kernel panic in %s(%d): %s", p.ThreadName, p.Thread, p.Msg)
}

var dumpConfig = spew.ConfigState{
	Indent:                  "  ",
	DisablePointerAddresses: true,
	DisableCapacities:       true,
	SortKeys:                true,
}

// Panicf logs the violation and panics with a *KernelPanic. t is the thread
// the violation concerns and may be nil.
func (k *Kernel) Panicf(t *Thread, format string, args ...any) {
	p := &KernelPanic{
		Msg:    fmt.Sprintf(format, args...),
		Thread: TIDError,
	}
	if t != nil {
		p.Thread = t.id
		p.ThreadName = t.name
		p.Dump = dumpConfig.Sdump(t.info())
	}
	k.log.Error().
		Str("boot_id", k.bootID.String()).
		Int32("tid", int32(p.Thread)).
		Str("dump", p.Dump).
		Msg(p.Error())
	panic(p)
}
