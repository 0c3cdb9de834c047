package patchlib

import (
	"errors"
	"fmt"
)

// Protection is a page protection value. The values are the Windows PAGE_*
// constants so they can be passed straight to VirtualProtect.
type Protection uint32

const (
	PageNoAccess         Protection = 0x01
	PageReadOnly         Protection = 0x02
	PageReadWrite        Protection = 0x04
	PageWriteCopy        Protection = 0x08
	PageExecute          Protection = 0x10
	PageExecuteRead      Protection = 0x20
	PageExecuteReadWrite Protection = 0x40
	PageExecuteWriteCopy Protection = 0x80
)

// Writable returns true if writes are allowed under p.
func (p Protection) Writable() bool {
	switch p &^ 0x700 { // ignore PAGE_GUARD, PAGE_NOCACHE, PAGE_WRITECOMBINE
	case PageReadWrite, PageWriteCopy, PageExecuteReadWrite, PageExecuteWriteCopy:
		return true
	}
	return false
}

func (p Protection) String() string {
	switch p {
	case PageNoAccess:
		return "---"
	case PageReadOnly:
		return "r--"
	case PageReadWrite, PageWriteCopy:
		return "rw-"
	case PageExecute:
		return "--x"
	case PageExecuteRead:
		return "r-x"
	case PageExecuteReadWrite, PageExecuteWriteCopy:
		return "rwx"
	}
	return fmt.Sprintf("%#x", uint32(p))
}

// PageSize is the granularity protection is tracked at.
const PageSize = 0x1000

// Memory is an address space containing a host image. It is the only thing in
// this module which touches raw memory, and everything else goes through a
// Relocator.
type Memory interface {
	// Read returns a copy of n bytes at addr.
	Read(addr uintptr, n int) ([]byte, error)
	// Write copies b to addr. The pages must already be writable.
	Write(addr uintptr, b []byte) error
	// Protect changes the protection of the pages spanning [addr, addr+n) and
	// returns the previous protection of the first page.
	Protect(addr uintptr, n int, prot Protection) (Protection, error)
	// Alloc allocates n bytes of executable memory within rel32 range of near.
	Alloc(near uintptr, n int) (uintptr, error)
}

// ErrOutOfRange is returned when an access falls outside a BufferMemory.
var ErrOutOfRange = errors.New("address out of range")

// BufferMemory is a Memory backed by a byte slice laid out like a loaded image.
// A cave directly after the image is used for allocations, so any allocation
// is always reachable from the image with a rel32 displacement.
type BufferMemory struct {
	base uintptr
	buf  []byte
	size int // image size, page aligned
	prot []Protection
	cave int
}

// NewBufferMemory copies an image to a new BufferMemory at base. All image
// pages start out as PageExecuteRead, and caveSize bytes (rounded up to a page)
// are reserved after it for Alloc.
func NewBufferMemory(base uintptr, image []byte, caveSize int) *BufferMemory {
	size := alignPage(len(image))
	total := size + alignPage(caveSize)
	m := &BufferMemory{
		base: base,
		buf:  make([]byte, total),
		size: size,
		prot: make([]Protection, total/PageSize),
		cave: size,
	}
	copy(m.buf, image)
	for i := range m.prot {
		if i*PageSize < size {
			m.prot[i] = PageExecuteRead
		} else {
			m.prot[i] = PageExecuteReadWrite
		}
	}
	return m
}

// Base returns the address the image is mapped at.
func (m *BufferMemory) Base() uintptr {
	return m.base
}

// Bytes returns the image (without the cave). It must not be modified.
func (m *BufferMemory) Bytes() []byte {
	return m.buf[:m.size]
}

// Allocated returns the number of cave bytes handed out by Alloc.
func (m *BufferMemory) Allocated() int {
	return m.cave - m.size
}

// ProtectionAt returns the protection of the page containing addr.
func (m *BufferMemory) ProtectionAt(addr uintptr) Protection {
	off, err := m.off(addr, 1)
	if err != nil {
		return PageNoAccess
	}
	return m.prot[off/PageSize]
}

func (m *BufferMemory) off(addr uintptr, n int) (int, error) {
	if n < 0 || addr < m.base || addr-m.base > uintptr(len(m.buf)) || int(addr-m.base)+n > len(m.buf) {
		return 0, fmt.Errorf("%#x+%#x: %w", addr, n, ErrOutOfRange)
	}
	return int(addr - m.base), nil
}

func (m *BufferMemory) Read(addr uintptr, n int) ([]byte, error) {
	off, err := m.off(addr, n)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	copy(b, m.buf[off:])
	return b, nil
}

func (m *BufferMemory) Write(addr uintptr, b []byte) error {
	off, err := m.off(addr, len(b))
	if err != nil {
		return err
	}
	for p := off / PageSize; p*PageSize < off+len(b); p++ {
		if !m.prot[p].Writable() {
			return fmt.Errorf("write to %#x: page %#x is %s", addr, m.base+uintptr(p*PageSize), m.prot[p])
		}
	}
	copy(m.buf[off:], b)
	return nil
}

func (m *BufferMemory) Protect(addr uintptr, n int, prot Protection) (Protection, error) {
	if n <= 0 {
		return 0, fmt.Errorf("protect %#x: invalid size %d", addr, n)
	}
	off, err := m.off(addr, n)
	if err != nil {
		return 0, err
	}
	old := m.prot[off/PageSize]
	for p := off / PageSize; p*PageSize < off+n; p++ {
		m.prot[p] = prot
	}
	return old, nil
}

func (m *BufferMemory) Alloc(near uintptr, n int) (uintptr, error) {
	if n <= 0 {
		return 0, fmt.Errorf("alloc: invalid size %d", n)
	}
	start := (m.cave + 15) &^ 15
	if start+n > len(m.buf) {
		return 0, fmt.Errorf("alloc %d bytes: cave exhausted (%d of %d used)", n, m.cave-m.size, len(m.buf)-m.size)
	}
	m.cave = start + n
	return m.base + uintptr(start), nil
}

// probeNear calls try on addresses alternating above and below start, step
// bytes further out each time, staying strictly inside (lo, hi). It returns the
// first non-zero result, or zero once both directions are exhausted.
func probeNear(start, lo, hi, step uintptr, try func(addr uintptr) uintptr) uintptr {
	for off := step; ; off += step {
		up := off < hi && start < hi-off
		down := start > lo && off < start-lo
		if !up && !down {
			return 0
		}
		if up {
			if p := try(start + off); p != 0 {
				return p
			}
		}
		if down {
			if p := try(start - off); p != 0 {
				return p
			}
		}
	}
}

func alignPage(n int) int {
	return (n + PageSize - 1) &^ (PageSize - 1)
}
