// Package trap defines the trap context saved on every kernel entry and
// the dispatch table routing trap causes to their handlers. Handlers are
// registered at boot; the package itself knows nothing about tasks or
// syscalls, which keeps it importable from everywhere.
package trap

import (
	"github.com/zlc-dev/Chronix/kernel/mem"
)

// General-purpose register indices, RISC-V ABI names.
const (
	RegZero = 0
	RegRA   = 1
	RegSP   = 2
	RegGP   = 3
	RegTP   = 4
	RegA0   = 10
	RegA1   = 11
	RegA2   = 12
	RegA3   = 13
	RegA4   = 14
	RegA5   = 15
	RegA6   = 16
	RegA7   = 17
)

// numRegs is the size of the general-purpose register file.
const numRegs = 32

// Context is the register state of a task at the moment it trapped into
// the kernel. One lives in each task's trap-context page; the dispatch
// path works on a decoded copy and writes it back before returning to
// user mode.
type Context struct {
	// Regs holds the general-purpose registers x0..x31. x0 is
	// hardwired to zero and writes to it are discarded on save.
	Regs [numRegs]uint64

	// SEPC is the program counter the trap was taken at. The syscall
	// path advances it past the ecall word; fault handlers leave it
	// alone so the faulting access re-runs after the fault is repaired.
	SEPC uintptr
}

// NewContext builds the initial context of a fresh task: program counter
// at the image entry, stack pointer at the top of the user stack, every
// other register zero.
func NewContext(entry, stackTop uintptr) *Context {
	ctx := &Context{SEPC: entry}
	ctx.Regs[RegSP] = uint64(stackTop)
	return ctx
}

// SyscallNum returns the syscall number register (a7).
func (c *Context) SyscallNum() uint64 {
	return c.Regs[RegA7]
}

// Arg returns syscall argument n (a0..a6).
func (c *Context) Arg(n int) uint64 {
	return c.Regs[RegA0+n]
}

// SetReturn stores a syscall result in a0.
func (c *Context) SetReturn(v uint64) {
	c.Regs[RegA0] = v
}

// Save serializes the context into its trap-context page at the given
// physical address: the register file followed by SEPC.
func (c *Context) Save(physAddr uintptr) {
	for i := 0; i < numRegs; i++ {
		v := c.Regs[i]
		if i == RegZero {
			v = 0
		}
		mem.WriteWord(physAddr+uintptr(i)*8, v)
	}
	mem.WriteWord(physAddr+numRegs*8, uint64(c.SEPC))
}

// Load deserializes a context from its trap-context page.
func (c *Context) Load(physAddr uintptr) {
	for i := 0; i < numRegs; i++ {
		c.Regs[i] = mem.ReadWord(physAddr + uintptr(i)*8)
	}
	c.Regs[RegZero] = 0
	c.SEPC = uintptr(mem.ReadWord(physAddr + numRegs*8))
}
