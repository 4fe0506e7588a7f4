package trap

import (
	"github.com/zlc-dev/Chronix/kernel"
	"github.com/zlc-dev/Chronix/kernel/klog"
)

// Cause identifies why control entered the kernel. The set is closed:
// causes outside it halt the machine.
type Cause uint8

// Trap causes.
const (
	CauseUserEnvCall Cause = iota
	CauseTimerInterrupt
	CauseInstructionPageFault
	CauseLoadPageFault
	CauseStorePageFault
	CauseIllegalInstruction
	CauseLoadMisaligned
	CauseStoreMisaligned
	CauseBreakpoint

	numCauses
)

func (c Cause) String() string {
	switch c {
	case CauseUserEnvCall:
		return "user environment call"
	case CauseTimerInterrupt:
		return "timer interrupt"
	case CauseInstructionPageFault:
		return "instruction page fault"
	case CauseLoadPageFault:
		return "load page fault"
	case CauseStorePageFault:
		return "store page fault"
	case CauseIllegalInstruction:
		return "illegal instruction"
	case CauseLoadMisaligned:
		return "load address misaligned"
	case CauseStoreMisaligned:
		return "store address misaligned"
	case CauseBreakpoint:
		return "breakpoint"
	}
	return "unknown cause"
}

// IsInterrupt reports whether the cause is asynchronous. Interrupts
// leave SEPC pointing at the next instruction; exceptions leave it at
// the trapping one.
func (c Cause) IsInterrupt() bool {
	return c == CauseTimerInterrupt
}

// HandlerFn processes one trap on the hart that took it. hartID names
// the trapping hart, ctx is its decoded trap context and stval carries
// the faulting address for memory faults (zero otherwise).
type HandlerFn func(hartID int, ctx *Context, stval uintptr)

var handlers [numCauses]HandlerFn

var errUnhandledTrap = &kernel.Error{Module: "trap", Message: "no handler registered for trap cause", Kind: kernel.KindFatal}

// HandleTrap registers a handler for a trap cause. Boot code wires the
// syscall, scheduler and page-fault paths in before the first task runs;
// registering twice for the same cause is an initialization bug.
func HandleTrap(cause Cause, handler HandlerFn) {
	if cause >= numCauses {
		kernel.Panic(errUnhandledTrap)
	}
	if handlers[cause] != nil {
		kernel.Panic(&kernel.Error{Module: "trap", Message: "trap cause registered twice", Kind: kernel.KindFatal})
	}
	handlers[cause] = handler
}

// Dispatch routes one trap to its registered handler. A cause nobody
// registered for is fatal: the machine state is unknown.
func Dispatch(cause Cause, hartID int, ctx *Context, stval uintptr) {
	if cause >= numCauses || handlers[cause] == nil {
		klog.L("trap").Errorw("unhandled trap", "cause", cause.String(), "hart", hartID, "sepc", ctx.SEPC, "stval", stval)
		kernel.Panic(errUnhandledTrap)
	}
	handlers[cause](hartID, ctx, stval)
}

// ResetHandlers clears the dispatch table so tests can boot fresh
// machines.
func ResetHandlers() {
	handlers = [numCauses]HandlerFn{}
}
