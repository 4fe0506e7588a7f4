package task

import (
	"github.com/zlc-dev/Chronix/kernel"
)

// File is anything a task can read from or write to through a file
// descriptor.
type File interface {
	Read(p []byte) (int, *kernel.Error)
	Write(p []byte) (int, *kernel.Error)
}

// MaxFDs is the size of a task's descriptor table.
const MaxFDs = 16

// FDTable maps small integer descriptors to open files. Descriptors
// 0, 1 and 2 are wired to the console when a task is spawned; fork
// shares the open files, exec keeps the table.
type FDTable struct {
	files [MaxFDs]File
}

// NewFDTable returns an empty descriptor table.
func NewFDTable() *FDTable {
	return &FDTable{}
}

// Install binds a file to a descriptor slot.
func (ft *FDTable) Install(fd int, f File) {
	if fd < 0 || fd >= MaxFDs {
		kernel.Panic(&kernel.Error{Module: "task", Message: "descriptor slot out of range", Kind: kernel.KindFatal})
	}
	ft.files[fd] = f
}

// Get returns the file bound to fd, or nil when the descriptor is
// closed or out of range.
func (ft *FDTable) Get(fd int) File {
	if fd < 0 || fd >= MaxFDs {
		return nil
	}
	return ft.files[fd]
}

// Clone returns a table sharing the same open files.
func (ft *FDTable) Clone() *FDTable {
	out := &FDTable{}
	out.files = ft.files
	return out
}
