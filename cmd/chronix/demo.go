package main

import (
	"github.com/zlc-dev/Chronix/kernel/cpu"
	"github.com/zlc-dev/Chronix/kernel/device"
	"github.com/zlc-dev/Chronix/kernel/loader"
	"github.com/zlc-dev/Chronix/kernel/syscall"
	"github.com/zlc-dev/Chronix/kernel/trap"
)

const (
	demoCodeBase = uintptr(0x10000)
	demoDataBase = uintptr(0x20000)
)

func li(rd uint8, imm int64) cpu.Instr {
	return cpu.Instr{Op: cpu.OpLI, Rd: rd, Imm: imm}
}

func demoImage(code []cpu.Instr, data []byte) *loader.Image {
	text := cpu.Assemble(code)
	img := &loader.Image{
		Entry: demoCodeBase,
		Segments: []loader.Segment{
			{VAddr: demoCodeBase, FileSize: uint64(len(text)), MemSize: uint64(len(text)), Flags: loader.SegRead | loader.SegExec, Data: text},
		},
	}
	if len(data) > 0 {
		img.Segments = append(img.Segments, loader.Segment{
			VAddr: demoDataBase, FileSize: uint64(len(data)), MemSize: uint64(len(data)), Flags: loader.SegRead | loader.SegWrite, Data: data,
		})
	}
	return img
}

// demoPrograms builds the boot disk shipped with the binary: init forks
// a child, the child greets and exits, init reaps it and shuts the
// machine down with the child's exit code.
func demoPrograms() (names []string, payloads [][]byte) {
	data := []byte("hello from the child\ninit: child reaped\n")
	childMsgLen := int64(21)

	init := demoImage([]cpu.Instr{
		li(trap.RegA7, syscall.SysClone),
		{Op: cpu.OpEcall},
		{Op: cpu.OpBnez, Rs1: trap.RegA0, Imm: 9 * cpu.InstrSize},
		// child
		li(trap.RegA7, syscall.SysWrite),
		li(trap.RegA0, 1),
		li(trap.RegA1, int64(demoDataBase)),
		li(trap.RegA2, childMsgLen),
		{Op: cpu.OpEcall},
		li(trap.RegA7, syscall.SysExit),
		li(trap.RegA0, 0),
		{Op: cpu.OpEcall},
		// parent
		li(trap.RegA7, syscall.SysWaitPID),
		li(trap.RegA0, -1),
		{Op: cpu.OpAddI, Rd: trap.RegA1, Rs1: trap.RegSP, Imm: -8},
		{Op: cpu.OpEcall},
		{Op: cpu.OpLd, Rd: trap.RegA3, Rs1: trap.RegA1},
		li(trap.RegA7, syscall.SysWrite),
		li(trap.RegA0, 1),
		li(trap.RegA1, int64(demoDataBase)+childMsgLen),
		li(trap.RegA2, int64(len(data))-childMsgLen),
		{Op: cpu.OpEcall},
		li(trap.RegA7, syscall.SysExit),
		{Op: cpu.OpAddI, Rd: trap.RegA0, Rs1: trap.RegA3},
		{Op: cpu.OpEcall},
	}, data)

	return []string{"init"}, [][]byte{init.Encode()}
}

// demoDisk packs the demo programs into an in-memory boot disk.
func demoDisk() (device.BlockDevice, error) {
	names, payloads := demoPrograms()
	img, err := device.PackBootDisk(names, payloads)
	if err != nil {
		return nil, err
	}
	return device.MemDiskFromBytes(img), nil
}
