package loader

import (
	"github.com/zlc-dev/Chronix/kernel/sync"
)

// The machine-wide program registry. Boot code decodes every image on
// the boot disk and registers it by name; exec looks programs up here.
var (
	registryLock sync.Spinlock
	programs     = make(map[string]*Image)
)

// RegisterProgram makes an image available to exec under a name.
func RegisterProgram(name string, img *Image) {
	registryLock.Acquire()
	defer registryLock.Release()
	programs[name] = img
}

// FindProgram returns the image registered under a name, or nil.
func FindProgram(name string) *Image {
	registryLock.Acquire()
	defer registryLock.Release()
	return programs[name]
}

// ProgramNames returns the names of every registered program.
func ProgramNames() []string {
	registryLock.Acquire()
	defer registryLock.Release()

	out := make([]string, 0, len(programs))
	for name := range programs {
		out = append(out, name)
	}
	return out
}

// ResetPrograms clears the registry so tests can boot fresh machines.
func ResetPrograms() {
	registryLock.Acquire()
	defer registryLock.Release()
	programs = make(map[string]*Image)
}
