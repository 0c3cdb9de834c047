// Package patchlib mutates the code and data of a loaded host image.
package patchlib

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/arch/x86/x86asm"
)

// Log is used to log debugging messages.
var Log = func(format string, a ...interface{}) {}

// RVA is an address relative to the image base.
type RVA uint32

func (r RVA) String() string {
	return fmt.Sprintf("%#x", uint32(r))
}

// ProtectError is raised (as a panic) when page protection cannot be changed
// or restored. The image can't be trusted after this, so it is not returned
// as an error.
type ProtectError struct {
	Addr uintptr
	Size int
	Prot Protection
	Err  error
}

func (e *ProtectError) Error() string {
	return fmt.Sprintf("change protection of %#x+%#x to %s: %v", e.Addr, e.Size, e.Prot, e.Err)
}

func (e *ProtectError) Unwrap() error {
	return e.Err
}

// Relocator applies patches to an image loaded in a Memory. All writes are done
// one at a time with the target pages made writable only for the duration of
// the write.
type Relocator struct {
	mu     sync.Mutex
	mem    Memory
	img    *Image
	hook   func(addr uintptr, old, new []byte) error
	relays map[uintptr]uintptr
}

// NewRelocator creates a new Relocator.
func NewRelocator(mem Memory, img *Image) *Relocator {
	return &Relocator{mem: mem, img: img, relays: map[uintptr]uintptr{}}
}

// Image returns the image being patched.
func (r *Relocator) Image() *Image {
	return r.img
}

// Hook sets a hook to be called right before every write. If it returns an
// error, the write is skipped and the error is passed on. If nil (the
// default), the hook will be removed. The old and new arguments MUST NOT be
// modified by the hook.
func (r *Relocator) Hook(fn func(addr uintptr, old, new []byte) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hook = fn
}

// Rav2Off converts an RVA to an absolute address. It does not check whether
// the RVA is inside the image.
func (r *Relocator) Rav2Off(rva RVA) uintptr {
	return r.img.Base + uintptr(rva)
}

// Off2Rav converts an absolute address inside the image to an RVA.
func (r *Relocator) Off2Rav(addr uintptr) RVA {
	return RVA(addr - r.img.Base)
}

// Read returns a copy of n bytes at rva.
func (r *Relocator) Read(rva RVA, n int) ([]byte, error) {
	b, err := r.mem.Read(r.Rav2Off(rva), n)
	if err != nil {
		return nil, fmt.Errorf("Read: %w", err)
	}
	return b, nil
}

// Patch overwrites the bytes at rva.
func (r *Relocator) Patch(rva RVA, b []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	Log("Patch %s: % X\n", rva, b)
	if err := r.write(r.Rav2Off(rva), b); err != nil {
		return fmt.Errorf("Patch: %w", err)
	}
	return nil
}

// PatchNop fills n bytes at rva with NOPs.
func (r *Relocator) PatchNop(rva RVA, n int) error {
	if n <= 0 {
		return fmt.Errorf("PatchNop: invalid length %d", n)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	Log("PatchNop %s: %d bytes\n", rva, n)
	if err := r.write(r.Rav2Off(rva), AsmNop(n)); err != nil {
		return fmt.Errorf("PatchNop: %w", err)
	}
	return nil
}

// DetourCall writes a CALL rel32 at rva which calls target.
func (r *Relocator) DetourCall(rva RVA, target uintptr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.detour(OpCall, r.Rav2Off(rva), target); err != nil {
		return fmt.Errorf("DetourCall: %w", err)
	}
	return nil
}

// DetourJump writes a JMP rel32 at rva which jumps to target.
func (r *Relocator) DetourJump(rva RVA, target uintptr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.detour(OpJmp, r.Rav2Off(rva), target); err != nil {
		return fmt.Errorf("DetourJump: %w", err)
	}
	return nil
}

func (r *Relocator) detour(op byte, addr, target uintptr) error {
	if target == 0 {
		return fmt.Errorf("%#x: nil target", addr)
	}
	dest, err := r.reach(addr, target)
	if err != nil {
		return err
	}
	b, err := AsmRel32(op, addr, dest)
	if err != nil {
		return err
	}
	Log("detour %#02X %#x -> %#x (via %#x)\n", op, addr, target, dest)
	return r.write(addr, b)
}

// reach returns target if a rel32 at from can reach it, or a relay which jumps
// to it otherwise.
func (r *Relocator) reach(from, target uintptr) (uintptr, error) {
	if inRel32(from+Rel32Size, target) {
		return target, nil
	}
	if relay, ok := r.relays[target]; ok && inRel32(from+Rel32Size, relay) {
		return relay, nil
	}
	relay, err := r.mem.Alloc(from, AbsJumpSize)
	if err != nil {
		return 0, fmt.Errorf("allocate relay to %#x: %w", target, err)
	}
	if err := r.write(relay, AsmAbsJump(target)); err != nil {
		return 0, fmt.Errorf("write relay to %#x: %w", target, err)
	}
	r.relays[target] = relay
	return relay, nil
}

// DetourFunctionClass hooks the function at rva so it jumps to target, and
// returns the address of a trampoline which runs the overwritten instructions
// and continues with the rest of the original function.
func (r *Relocator) DetourFunctionClass(rva RVA, target uintptr) (uintptr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	orig, err := r.trampoline(r.Rav2Off(rva), target)
	if err != nil {
		return 0, fmt.Errorf("DetourFunctionClass: %w", err)
	}
	return orig, nil
}

func (r *Relocator) trampoline(addr, target uintptr) (uintptr, error) {
	if target == 0 {
		return 0, fmt.Errorf("%#x: nil target", addr)
	}

	code, err := r.mem.Read(addr, 32)
	if err != nil {
		return 0, err
	}
	insts, n, err := decodePrologue(code, Rel32Size)
	if err != nil {
		return 0, fmt.Errorf("%#x: %w", addr, err)
	}

	tramp, err := r.mem.Alloc(addr, n+AbsJumpSize)
	if err != nil {
		return 0, fmt.Errorf("allocate trampoline: %w", err)
	}

	var buf []byte
	for i, off := 0, 0; i < len(insts); off, i = off+insts[i].Len, i+1 {
		b, err := relocate(insts[i], code[off:off+insts[i].Len], addr+uintptr(off), tramp+uintptr(len(buf)))
		if err != nil {
			return 0, fmt.Errorf("%#x+%#x: %w", addr, off, err)
		}
		buf = append(buf, b...)
	}
	if back, err := AsmRel32(OpJmp, tramp+uintptr(len(buf)), addr+uintptr(n)); err == nil {
		buf = append(buf, back...)
	} else {
		buf = append(buf, AsmAbsJump(addr+uintptr(n))...)
	}
	if err := r.write(tramp, buf); err != nil {
		return 0, fmt.Errorf("write trampoline: %w", err)
	}

	dest, err := r.reach(addr, target)
	if err != nil {
		return 0, err
	}
	entry, err := AsmRel32(OpJmp, addr, dest)
	if err != nil {
		return 0, err
	}
	entry = append(entry, AsmNop(n-Rel32Size)...)

	Log("trampoline %#x -> %#x (%d bytes stolen, original at %#x)\n", addr, target, n, tramp)
	if err := r.write(addr, entry); err != nil {
		return 0, err
	}
	return tramp, nil
}

// PatchStringRef makes the instruction at rva reference a copy of s instead of
// the string it currently points to. The instruction must either have a
// rip-relative operand (e.g. lea rcx, [rip+disp32]) or be a mov r64, imm64.
// The copy is never freed.
func (r *Relocator) PatchStringRef(rva RVA, s string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.stringRef(r.Rav2Off(rva), s); err != nil {
		return fmt.Errorf("PatchStringRef: %w", err)
	}
	return nil
}

func (r *Relocator) stringRef(addr uintptr, s string) error {
	code, err := r.mem.Read(addr, 15)
	if err != nil {
		return err
	}
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return fmt.Errorf("decode at %#x: %w", addr, err)
	}
	off, rel := disp32(inst, code)
	imm64 := inst.Op == x86asm.MOV && inst.Len == 10 && code[0]&0xF8 == 0x48 && code[1]&0xF8 == 0xB8
	if !rel && !imm64 {
		return fmt.Errorf("%#x: %v does not reference memory", addr, inst)
	}

	str, err := r.mem.Alloc(addr, len(s)+1)
	if err != nil {
		return fmt.Errorf("allocate string: %w", err)
	}
	if err := r.write(str, append([]byte(s), 0)); err != nil {
		return fmt.Errorf("write string: %w", err)
	}

	if imm64 {
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, uint64(str))
		Log("PatchStringRef %#x (mov imm64): %q at %#x\n", addr, s, str)
		return r.write(addr+2, b)
	}
	end := addr + uintptr(inst.Len)
	if !inRel32(end, str) {
		return fmt.Errorf("%#x: string at %#x out of rel32 range", addr, str)
	}
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(int32(int64(str)-int64(end))))
	Log("PatchStringRef %#x (%v): %q at %#x\n", addr, inst.Op, s, str)
	return r.write(addr+uintptr(off), b)
}

// PatchIAT points the import address table entry for fn from dll at target and
// returns the previous value.
func (r *Relocator) PatchIAT(dll, fn string, target uintptr) (uintptr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, err := r.img.ImportSlot(r.mem, dll, fn)
	if err != nil {
		return 0, fmt.Errorf("PatchIAT: %w", err)
	}
	size := 4
	if r.img.Is64 {
		size = 8
	}
	old, err := r.mem.Read(slot, size)
	if err != nil {
		return 0, fmt.Errorf("PatchIAT: %w", err)
	}
	b := make([]byte, size)
	var orig uintptr
	if r.img.Is64 {
		orig = uintptr(binary.LittleEndian.Uint64(old))
		binary.LittleEndian.PutUint64(b, uint64(target))
	} else {
		orig = uintptr(binary.LittleEndian.Uint32(old))
		binary.LittleEndian.PutUint32(b, uint32(target))
	}
	Log("PatchIAT %s!%s at %#x: %#x -> %#x\n", dll, fn, slot, orig, target)
	if err := r.write(slot, b); err != nil {
		return 0, fmt.Errorf("PatchIAT: %w", err)
	}
	return orig, nil
}

// FindPattern scans a section (the main code section if name is empty) for a
// pattern and returns the absolute address of every match.
func (r *Relocator) FindPattern(name, pattern string) ([]uintptr, error) {
	p, err := ParsePattern(pattern)
	if err != nil {
		return nil, fmt.Errorf("FindPattern: %w", err)
	}
	var sec Section
	var ok bool
	if name == "" {
		sec, ok = r.img.Text()
	} else {
		sec, ok = r.img.Section(name)
	}
	if !ok {
		return nil, fmt.Errorf("FindPattern: no section %q", name)
	}
	buf, err := r.mem.Read(r.Rav2Off(sec.VirtualAddress), int(sec.VirtualSize))
	if err != nil {
		return nil, fmt.Errorf("FindPattern: read %s: %w", sec.Name, err)
	}
	var addrs []uintptr
	for _, i := range p.FindAll(buf) {
		addrs = append(addrs, r.Rav2Off(sec.VirtualAddress)+uintptr(i))
	}
	Log("FindPattern %s in %s: %d matches\n", p, sec.Name, len(addrs))
	return addrs, nil
}

// write replaces the bytes at addr. It must be called with mu held.
func (r *Relocator) write(addr uintptr, b []byte) error {
	if len(b) == 0 {
		return nil
	}
	old, err := r.mem.Read(addr, len(b))
	if err != nil {
		return err
	}
	if r.hook != nil {
		if err := r.hook(addr, old, b); err != nil {
			return err
		}
	}
	return r.unprotect(addr, len(b), func() error {
		return r.mem.Write(addr, b)
	})
}

// unprotect runs fn with [addr, addr+n) writable, restoring the previous
// protection of each page afterwards whether or not fn succeeds.
func (r *Relocator) unprotect(addr uintptr, n int, fn func() error) error {
	type span struct {
		addr uintptr
		n    int
		old  Protection
	}
	var spans []span
	defer func() {
		for i := len(spans) - 1; i >= 0; i-- {
			s := spans[i]
			if _, err := r.mem.Protect(s.addr, s.n, s.old); err != nil {
				panic(&ProtectError{Addr: s.addr, Size: s.n, Prot: s.old, Err: err})
			}
		}
	}()
	for a, end := addr, addr+uintptr(n); a < end; {
		next := (a &^ (PageSize - 1)) + PageSize
		if next > end {
			next = end
		}
		old, err := r.mem.Protect(a, int(next-a), PageExecuteReadWrite)
		if err != nil {
			panic(&ProtectError{Addr: a, Size: int(next - a), Prot: PageExecuteReadWrite, Err: err})
		}
		spans = append(spans, span{a, int(next - a), old})
		a = next
	}
	return fn()
}
