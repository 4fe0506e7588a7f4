// Package cpu interprets user programs. A hart is a goroutine running a
// fetch/decode/execute loop against its current task's address space;
// page faults, environment calls and quantum expiry enter the kernel
// through the trap dispatcher exactly as hardware traps would.
//
// User programs are sequences of fixed-size instruction records. The
// encoding is deliberately wide so immediates never need splitting:
//
//	byte  0     opcode
//	byte  1     rd
//	byte  2     rs1
//	byte  3     rs2
//	bytes 8-15  imm, little-endian signed 64-bit
//
// Registers follow the RISC-V ABI: x0 is hardwired to zero, x2 is the
// stack pointer, x10..x17 carry syscall arguments.
package cpu

import (
	"encoding/binary"

	"github.com/zlc-dev/Chronix/kernel"
)

// InstrSize is the size of one instruction record in bytes. Program
// counters must stay aligned to it.
const InstrSize = 16

// Opcode selects the operation of an instruction record.
type Opcode uint8

// The instruction set.
const (
	OpNop Opcode = iota

	// OpLI loads imm into rd.
	OpLI

	// OpAddI sets rd = rs1 + imm.
	OpAddI

	// OpAdd sets rd = rs1 + rs2.
	OpAdd

	// OpLd loads the 64-bit word at rs1+imm into rd.
	OpLd

	// OpSd stores rs2 to the 64-bit word at rs1+imm.
	OpSd

	// OpJ jumps to pc+imm.
	OpJ

	// OpBnez jumps to pc+imm when rs1 is non-zero.
	OpBnez

	// OpEcall raises an environment call.
	OpEcall

	// OpEbreak raises a breakpoint.
	OpEbreak

	numOpcodes
)

func (op Opcode) String() string {
	switch op {
	case OpNop:
		return "nop"
	case OpLI:
		return "li"
	case OpAddI:
		return "addi"
	case OpAdd:
		return "add"
	case OpLd:
		return "ld"
	case OpSd:
		return "sd"
	case OpJ:
		return "j"
	case OpBnez:
		return "bnez"
	case OpEcall:
		return "ecall"
	case OpEbreak:
		return "ebreak"
	}
	return "illegal"
}

// Instr is one decoded instruction.
type Instr struct {
	Op            Opcode
	Rd, Rs1, Rs2  uint8
	Imm           int64
}

// Encode serializes the instruction into its record form.
func (in Instr) Encode() [InstrSize]byte {
	var out [InstrSize]byte
	out[0] = byte(in.Op)
	out[1] = in.Rd
	out[2] = in.Rs1
	out[3] = in.Rs2
	binary.LittleEndian.PutUint64(out[8:], uint64(in.Imm))
	return out
}

var errBadRegister = &kernel.Error{Module: "cpu", Message: "register index out of range", Kind: kernel.KindBadArgument}

// decode parses one instruction record. Unknown opcodes and register
// indices past the register file fail decoding; the hart raises an
// illegal instruction trap for them.
func decode(raw []byte) (Instr, *kernel.Error) {
	in := Instr{
		Op:  Opcode(raw[0]),
		Rd:  raw[1],
		Rs1: raw[2],
		Rs2: raw[3],
		Imm: int64(binary.LittleEndian.Uint64(raw[8:])),
	}
	if in.Op >= numOpcodes {
		return in, &kernel.Error{Module: "cpu", Message: "unknown opcode", Kind: kernel.KindBadArgument}
	}
	if in.Rd > 31 || in.Rs1 > 31 || in.Rs2 > 31 {
		return in, errBadRegister
	}
	return in, nil
}

// Assemble concatenates instruction records into a program image
// segment.
func Assemble(prog []Instr) []byte {
	out := make([]byte, 0, len(prog)*InstrSize)
	for _, in := range prog {
		rec := in.Encode()
		out = append(out, rec[:]...)
	}
	return out
}
