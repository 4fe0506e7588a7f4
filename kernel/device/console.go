// Package device holds the machine's peripherals: the console the
// stdio descriptors point at and the block device the boot programs are
// read from.
package device

import (
	"io"

	"github.com/zlc-dev/Chronix/kernel"
	"github.com/zlc-dev/Chronix/kernel/sync"
)

// Console is the serial console. Reads drain the attached input, writes
// go to the attached output; both ends may be nil, in which case reads
// see end-of-input and writes are discarded. A spinlock serializes
// access from concurrent harts.
type Console struct {
	lock sync.Spinlock
	in   io.Reader
	out  io.Writer
}

// NewConsole attaches a console to the given ends.
func NewConsole(in io.Reader, out io.Writer) *Console {
	return &Console{in: in, out: out}
}

// Read fills p from the console input. A drained or missing input
// yields 0 bytes.
func (c *Console) Read(p []byte) (int, *kernel.Error) {
	c.lock.Acquire()
	defer c.lock.Release()

	if c.in == nil {
		return 0, nil
	}
	n, err := c.in.Read(p)
	if err != nil && err != io.EOF {
		return n, &kernel.Error{Module: "console", Message: "console input failed", Kind: kernel.KindBadArgument}
	}
	return n, nil
}

// Write sends p to the console output.
func (c *Console) Write(p []byte) (int, *kernel.Error) {
	c.lock.Acquire()
	defer c.lock.Release()

	if c.out == nil {
		return len(p), nil
	}
	n, err := c.out.Write(p)
	if err != nil {
		return n, &kernel.Error{Module: "console", Message: "console output failed", Kind: kernel.KindBadArgument}
	}
	return n, nil
}
