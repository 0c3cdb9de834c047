//go:build !windows

package patchlib

import (
	"errors"
	"runtime"
)

var errNoProcessMemory = errors.New("patching the current process is only supported on windows, not " + runtime.GOOS)

// NewProcessMemory returns a Memory for the current process.
func NewProcessMemory() (Memory, error) {
	return nil, errNoProcessMemory
}

// ModuleBase returns the load address of the main executable of the current
// process.
func ModuleBase() (uintptr, error) {
	return 0, errNoProcessMemory
}
