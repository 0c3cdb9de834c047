package patchlib

import (
	"errors"
	"testing"
)

func TestBufferMemory(t *testing.T) {
	const base = 0x10000
	m := NewBufferMemory(base, []byte("this is a test"), 0x100)
	eq(t, len(m.Bytes()), PageSize, "image should be page aligned")
	eq(t, m.Base(), uintptr(base), "unexpected base")

	b, e := m.Read(base+5, 2)
	nerr(t, e)
	eq(t, b, []byte("is"), "unexpected read")

	b[0] = 'X'
	b, _ = m.Read(base+5, 2)
	eq(t, b, []byte("is"), "Read should return a copy")

	_, e = m.Read(base-1, 1)
	eq(t, errors.Is(e, ErrOutOfRange), true, "read before base should be out of range")
	_, e = m.Read(base+2*PageSize, 1)
	eq(t, errors.Is(e, ErrOutOfRange), true, "read past cave should be out of range")

	err(t, m.Write(base, []byte("that")))
	eq(t, m.ProtectionAt(base), PageExecuteRead, "image should start out r-x")

	old, e := m.Protect(base, 4, PageReadWrite)
	nerr(t, e)
	eq(t, old, PageExecuteRead, "unexpected old protection")
	nerr(t, m.Write(base, []byte("that")))
	b, _ = m.Read(base, 14)
	eq(t, b, []byte("that is a test"), "unexpected contents after write")

	_, e = m.Protect(base, 0, PageReadWrite)
	err(t, e)
}

func TestBufferMemoryWriteSpanningPages(t *testing.T) {
	const base = 0x10000
	m := NewBufferMemory(base, make([]byte, 2*PageSize), 0)
	_, e := m.Protect(base, PageSize, PageReadWrite)
	nerr(t, e)
	err(t, m.Write(base+PageSize-2, []byte{1, 2, 3, 4})) // second page is still r-x
	_, e = m.Protect(base+PageSize-2, 4, PageReadWrite)
	nerr(t, e)
	nerr(t, m.Write(base+PageSize-2, []byte{1, 2, 3, 4}))
}

func TestBufferMemoryAlloc(t *testing.T) {
	const base = 0x10000
	m := NewBufferMemory(base, make([]byte, 10), 0x20)
	eq(t, m.Allocated(), 0, "nothing should be allocated")

	a, e := m.Alloc(base, 3)
	nerr(t, e)
	eq(t, a, uintptr(base+PageSize), "first allocation should start the cave")
	eq(t, m.ProtectionAt(a), PageExecuteReadWrite, "cave should be rwx")
	nerr(t, m.Write(a, []byte{1, 2, 3}))

	a, e = m.Alloc(base, 3)
	nerr(t, e)
	eq(t, a, uintptr(base+PageSize+16), "allocations should be 16-byte aligned")
	eq(t, m.Allocated(), 19, "unexpected allocated size")

	_, e = m.Alloc(base, PageSize)
	err(t, e)
	_, e = m.Alloc(base, 0)
	err(t, e)
}

func TestProtectionWritable(t *testing.T) {
	for p, w := range map[Protection]bool{
		PageNoAccess:                 false,
		PageReadOnly:                 false,
		PageExecuteRead:              false,
		PageReadWrite:                true,
		PageExecuteReadWrite:         true,
		PageExecuteReadWrite | 0x100: true,
	} {
		eq(t, p.Writable(), w, "unexpected Writable for "+p.String())
	}
}

func TestProbeNear(t *testing.T) {
	var tried []uintptr
	p := probeNear(0x40000, 0x10000, 0x80000, 0x10000, func(addr uintptr) uintptr {
		tried = append(tried, addr)
		return 0
	})
	eq(t, p, uintptr(0), "nothing should be found")
	eq(t, tried, []uintptr{0x50000, 0x30000, 0x60000, 0x20000, 0x70000}, "unexpected probe order")

	// below the low bound of the address space, the downward probe must stop
	// rather than wrap around
	tried = nil
	p = probeNear(0x20000, 0x10000, 0x7FFF0000+0x20000, 0x10000, func(addr uintptr) uintptr {
		tried = append(tried, addr)
		return 0
	})
	eq(t, p, uintptr(0), "nothing should be found")
	eq(t, tried[:2], []uintptr{0x30000, 0x40000}, "only upward probes should be made")
	eq(t, len(tried), 0x7FFE, "upward probe should stop at the high bound")
	for _, a := range tried {
		if a <= 0x10000 || a >= 0x7FFF0000+0x20000 {
			t.Fatalf("probed out of range address %#x", a)
		}
	}

	p = probeNear(0x40000, 0x10000, 0x80000, 0x10000, func(addr uintptr) uintptr {
		if addr == 0x30000 {
			return addr
		}
		return 0
	})
	eq(t, p, uintptr(0x30000), "should return the first successful probe")
}
