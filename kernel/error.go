package kernel

// Kind classifies a kernel error according to how it may be handled. The
// set of kinds is closed: every error raised by the kernel core belongs
// to exactly one of them.
type Kind uint8

const (
	// KindFatal marks a violation of an internal kernel invariant
	// (double frame release, corrupted page table). Fatal errors halt
	// the machine via Panic; recovery would risk silent corruption.
	KindFatal Kind = iota

	// KindResourceExhausted marks allocation failures: no free frame
	// or no free task id. Propagated to the caller.
	KindResourceExhausted

	// KindInvalidAddress marks an unmapped or permission-mismatched
	// virtual address. Raised against a user pointer it becomes a
	// negative syscall result; raised as an execution fault it
	// terminates the faulting task.
	KindInvalidAddress

	// KindBadSyscall marks an unrecognized syscall identifier.
	KindBadSyscall

	// KindBadArgument marks a malformed handler argument such as an
	// invalid file descriptor or wait target.
	KindBadArgument
)

// Error describes a kernel error. All kernel errors are defined as global
// variables that are pointers to the Error structure so they can be
// matched by identity at the syscall boundary when errors are mapped to
// errno values.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message.
	Message string

	// Kind assigns the error to the kernel error taxonomy.
	Kind Kind
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
