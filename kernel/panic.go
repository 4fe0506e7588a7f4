package kernel

import (
	"github.com/zlc-dev/Chronix/kernel/klog"
)

var (
	// haltFn is mocked by tests that exercise fatal paths.
	haltFn = func(err *Error) {
		panic(err)
	}

	errRuntimePanic = &Error{Module: "rt", Message: "unknown cause", Kind: KindFatal}
)

// Panic reports the supplied error as unrecoverable and halts the
// machine. Calls to Panic never return. It is the single exit point for
// kernel invariant violations; recoverable conditions must never be
// routed through it.
func Panic(e interface{}) {
	var err *Error

	switch t := e.(type) {
	case *Error:
		err = t
	case string:
		err = &Error{Module: "rt", Message: t, Kind: KindFatal}
	case error:
		err = &Error{Module: "rt", Message: t.Error(), Kind: KindFatal}
	default:
		err = errRuntimePanic
	}

	klog.L("panic").Errorf("[%s] unrecoverable error: %s", err.Module, err.Message)
	klog.L("panic").Errorf("*** kernel panic: system halted ***")

	haltFn(err)
}
