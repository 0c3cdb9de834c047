//go:build windows

package patchlib

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	allocGranularity = 0x10000
	minAppAddress    = 0x10000
	maxAppAddress    = 0x7FFFFFFEFFFF
	nearRange        = 0x7FFF0000
)

type processMemory struct {
	mu    sync.Mutex
	pages []*nearPage
}

type nearPage struct {
	addr, used, size uintptr
}

// NewProcessMemory returns a Memory for the current process.
func NewProcessMemory() (Memory, error) {
	return &processMemory{}, nil
}

// ModuleBase returns the load address of the main executable of the current
// process.
func ModuleBase() (uintptr, error) {
	var h windows.Handle
	if err := windows.GetModuleHandleEx(0, nil, &h); err != nil {
		return 0, fmt.Errorf("ModuleBase: %w", err)
	}
	return uintptr(h), nil
}

func (m *processMemory) Read(addr uintptr, n int) ([]byte, error) {
	if addr == 0 || n < 0 {
		return nil, fmt.Errorf("read %#x+%#x: invalid range", addr, n)
	}
	b := make([]byte, n)
	copy(b, unsafe.Slice((*byte)(unsafe.Pointer(addr)), n))
	return b, nil
}

func (m *processMemory) Write(addr uintptr, b []byte) error {
	if addr == 0 {
		return fmt.Errorf("write %#x: invalid address", addr)
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(b)), b)
	return nil
}

func (m *processMemory) Protect(addr uintptr, n int, prot Protection) (Protection, error) {
	var old uint32
	if err := windows.VirtualProtect(addr, uintptr(n), uint32(prot), &old); err != nil {
		return 0, err
	}
	return Protection(old), nil
}

// Alloc hands out memory from pages allocated within rel32 range of near,
// probing outwards from near one allocation granule at a time.
func (m *processMemory) Alloc(near uintptr, n int) (uintptr, error) {
	if n <= 0 || n > allocGranularity {
		return 0, fmt.Errorf("alloc: invalid size %d", n)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.pages {
		start := (p.addr + p.used + 15) &^ 15
		if start+uintptr(n) <= p.addr+p.size && inRel32(near, start) && inRel32(near, start+uintptr(n)) {
			p.used = start + uintptr(n) - p.addr
			return start, nil
		}
	}

	addr, err := allocNear(near)
	if err != nil {
		return 0, err
	}
	m.pages = append(m.pages, &nearPage{addr: addr, used: uintptr(n), size: allocGranularity})
	return addr, nil
}

func allocNear(near uintptr) (uintptr, error) {
	start := near &^ (allocGranularity - 1)
	lo, hi := uintptr(minAppAddress), uintptr(maxAppAddress)
	if start > nearRange+lo {
		lo = start - nearRange
	}
	if start+nearRange < hi {
		hi = start + nearRange
	}
	if p := probeNear(start, lo, hi, allocGranularity, func(addr uintptr) uintptr {
		p, err := windows.VirtualAlloc(addr, allocGranularity, windows.MEM_RESERVE|windows.MEM_COMMIT, windows.PAGE_EXECUTE_READWRITE)
		if err != nil {
			return 0
		}
		return p
	}); p != 0 {
		return p, nil
	}
	return 0, fmt.Errorf("alloc: no free page within range of %#x", near)
}
