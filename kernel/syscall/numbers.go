// Package syscall decodes environment calls, maps them onto task and
// memory operations and encodes results back into the trap context.
// Numbers and errno values follow the riscv64 Linux ABI so user
// programs written against it need no translation layer.
package syscall

// Syscall numbers, riscv64 Linux ABI. a7 carries the number, a0..a6
// the arguments, a0 the result.
const (
	SysRead        = 63
	SysWrite       = 64
	SysExit        = 93
	SysYield       = 124
	SysSetPriority = 140
	SysGetPID      = 172
	SysGetPPID     = 173
	SysBrk         = 214
	SysClone       = 220
	SysExec        = 221
	SysWaitPID     = 260
)

// Errno is a negated syscall error value.
type Errno int64

// Errno values returned to user programs.
const (
	ESRCH  Errno = 3
	EBADF  Errno = 9
	ECHILD Errno = 10
	ENOMEM Errno = 12
	EFAULT Errno = 14
	EINVAL Errno = 22
	ENOSYS Errno = 38
)

func (e Errno) String() string {
	switch e {
	case ESRCH:
		return "ESRCH"
	case EBADF:
		return "EBADF"
	case ECHILD:
		return "ECHILD"
	case ENOMEM:
		return "ENOMEM"
	case EFAULT:
		return "EFAULT"
	case EINVAL:
		return "EINVAL"
	case ENOSYS:
		return "ENOSYS"
	}
	return "unknown errno"
}

// ret encodes an errno as the negative two's-complement return value
// user programs test for.
func (e Errno) ret() uint64 {
	return uint64(-int64(e))
}
