package patchlib_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/pgaskin/ckpe/patchlib"
	"github.com/pgaskin/ckpe/patchlib/imagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
)

const farTarget = 0x7FF900001000

func text() []byte {
	b := make([]byte, 0x200)
	for i := range b {
		b[i] = 0xCC
	}
	// 0x1000: function with a rip-relative load in the prologue
	copy(b[0x00:], []byte{
		0x48, 0x8B, 0x05, 0xF9, 0x0F, 0x00, 0x00, // mov rax, [rip+0xff9] (-> 0x2000)
		0x48, 0x83, 0xC0, 0x01, // add rax, 1
		0xC3, // ret
	})
	// 0x1020: call site
	copy(b[0x20:], []byte{0xE8, 0xDB, 0xFF, 0xFF, 0xFF}) // call 0x1000
	// 0x1030: lea rcx, [rip+0x100] (-> 0x1137)
	copy(b[0x30:], []byte{0x48, 0x8D, 0x0D, 0x00, 0x01, 0x00, 0x00})
	// 0x1040: mov rdx, imm64
	copy(b[0x40:], []byte{0x48, 0xBA, 1, 2, 3, 4, 5, 6, 7, 8})
	// 0x1050: signature
	copy(b[0x50:], []byte{0x81, 0x11, 0x22, 0x33, 0x44, 0x55, 0x00, 0xB0, 0x00, 0x00, 0x74, 0x05})
	return b
}

func build(t *testing.T) (*imagetest.Image, *patchlib.Relocator) {
	t.Helper()
	img := imagetest.Build(text(), imagetest.Options{
		TimeDateStamp: 0x5D5F1B4C,
		Imports: []imagetest.Import{
			{DLL: "KERNEL32.dll", Funcs: []string{"ExitProcess"}},
			{DLL: "dxgi.dll", Funcs: []string{"CreateDXGIFactory1", "CreateDXGIFactory"}},
		},
	})
	return img, img.Relocator()
}

func read(t *testing.T, img *imagetest.Image, addr uintptr, n int) []byte {
	t.Helper()
	b, err := img.Mem.Read(addr, n)
	require.NoError(t, err)
	return b
}

func TestPatchAcrossPages(t *testing.T) {
	img, r := build(t)
	_, err := img.Mem.Protect(img.At(0x1000), 0x1000, patchlib.PageReadWrite)
	require.NoError(t, err)
	_, err = img.Mem.Protect(img.At(0x2000), 0x1000, patchlib.PageExecuteRead)
	require.NoError(t, err)

	require.NoError(t, r.Patch(0x1FFE, []byte{1, 2, 3, 4}))
	assert.Equal(t, []byte{1, 2, 3, 4}, read(t, img, img.At(0x1FFE), 4))
	assert.Equal(t, patchlib.PageReadWrite, img.Mem.ProtectionAt(img.At(0x1FFE)), "first page protection should be restored")
	assert.Equal(t, patchlib.PageExecuteRead, img.Mem.ProtectionAt(img.At(0x2000)), "second page protection should be restored")
}

func TestRav2Off(t *testing.T) {
	img, r := build(t)
	assert.Equal(t, img.Image.Base+0x1234, r.Rav2Off(0x1234))
	assert.Equal(t, patchlib.RVA(0x1234), r.Off2Rav(img.Image.Base+0x1234))
	assert.Equal(t, img.Image.Base+0xFFFFFFFF, r.Rav2Off(0xFFFFFFFF), "Rav2Off should not validate")
}

func TestPatch(t *testing.T) {
	img, r := build(t)

	require.NoError(t, r.Patch(0x105A, []byte{0xEB}))
	assert.Equal(t, []byte{0xEB}, read(t, img, img.At(0x105A), 1))
	assert.Equal(t, patchlib.PageExecuteRead, img.Mem.ProtectionAt(img.At(0x105A)), "protection should be restored")

	assert.Error(t, img.Mem.Write(img.At(0x105A), []byte{0x74}), "text should not be writable outside of a patch")
	assert.Error(t, r.Patch(0x7FFFFFFF, []byte{0x90}), "patch outside memory should fail")
	assert.NoError(t, r.Patch(0x1000, nil))
}

func TestPatchReadOnlyData(t *testing.T) {
	img, r := build(t)
	slot, _ := img.Slot("KERNEL32.dll", "ExitProcess")
	rva := r.Off2Rav(slot)
	require.NoError(t, r.Patch(rva, []byte{1, 2, 3, 4, 5, 6, 7, 8}))
	assert.Equal(t, patchlib.PageReadOnly, img.Mem.ProtectionAt(slot))
}

func TestPatchNop(t *testing.T) {
	img, r := build(t)
	require.NoError(t, r.PatchNop(0x1020, 5))
	assert.Equal(t, []byte{0x90, 0x90, 0x90, 0x90, 0x90, 0xCC}, read(t, img, img.At(0x1020), 6))
	assert.Error(t, r.PatchNop(0x1020, 0))
	assert.Error(t, r.PatchNop(0x1020, -1))
}

func TestDetourCallNear(t *testing.T) {
	img, r := build(t)
	require.NoError(t, r.DetourCall(0x1020, img.At(0x1100)))

	b := read(t, img, img.At(0x1020), 5)
	assert.Equal(t, byte(patchlib.OpCall), b[0])
	target, err := patchlib.Rel32Target(img.At(0x1020), b)
	require.NoError(t, err)
	assert.Equal(t, img.At(0x1100), target)
	assert.Equal(t, 0, img.Mem.Allocated(), "near detours should not need a relay")
}

func TestDetourCallFar(t *testing.T) {
	img, r := build(t)
	require.NoError(t, r.DetourCall(0x1020, farTarget))

	b := read(t, img, img.At(0x1020), 5)
	relay, err := patchlib.Rel32Target(img.At(0x1020), b)
	require.NoError(t, err)
	assert.False(t, img.Image.Contains(relay, 1), "relay should be outside the image")
	assert.Equal(t, patchlib.AsmAbsJump(farTarget), read(t, img, relay, patchlib.AbsJumpSize))

	used := img.Mem.Allocated()
	require.NoError(t, r.DetourCall(0x1040, farTarget))
	assert.Equal(t, used, img.Mem.Allocated(), "relay should be reused for the same target")
	b = read(t, img, img.At(0x1040), 5)
	relay2, err := patchlib.Rel32Target(img.At(0x1040), b)
	require.NoError(t, err)
	assert.Equal(t, relay, relay2)

	assert.Error(t, r.DetourCall(0x1020, 0), "nil target")
}

func TestDetourJump(t *testing.T) {
	img, r := build(t)
	require.NoError(t, r.DetourJump(0x1020, img.At(0x1000)))
	b := read(t, img, img.At(0x1020), 5)
	assert.Equal(t, []byte{0xE9, 0xDB, 0xFF, 0xFF, 0xFF}, b)
}

func TestDetourFunctionClass(t *testing.T) {
	img, r := build(t)
	orig, err := r.DetourFunctionClass(0x1000, farTarget)
	require.NoError(t, err)

	// entry jumps to the hook (through a relay) and pads the stolen bytes
	entry := read(t, img, img.At(0x1000), 7)
	assert.Equal(t, byte(patchlib.OpJmp), entry[0])
	assert.Equal(t, []byte{0x90, 0x90}, entry[5:])
	relay, err := patchlib.Rel32Target(img.At(0x1000), entry)
	require.NoError(t, err)
	assert.Equal(t, patchlib.AsmAbsJump(farTarget), read(t, img, relay, patchlib.AbsJumpSize))

	// trampoline loads from the same absolute address, then jumps back
	tramp := read(t, img, orig, 7+5)
	inst, err := x86asm.Decode(tramp, 64)
	require.NoError(t, err)
	assert.Equal(t, x86asm.MOV, inst.Op)
	assert.Equal(t, 7, inst.Len)
	disp := int32(binary.LittleEndian.Uint32(tramp[3:]))
	assert.Equal(t, img.At(0x2000), uintptr(int64(orig)+7+int64(disp)), "relocated rip-relative operand should point to the same address")
	back, err := patchlib.Rel32Target(orig+7, tramp[7:])
	require.NoError(t, err)
	assert.Equal(t, img.At(0x1007), back)

	assert.Equal(t, patchlib.PageExecuteRead, img.Mem.ProtectionAt(img.At(0x1000)))
}

func TestDetourFunctionClassShortBranch(t *testing.T) {
	b := []byte{0x74, 0x03, 0x90, 0x90, 0x90, 0xC3} // je +3
	img := imagetest.Build(b, imagetest.Options{})
	r := img.Relocator()
	before := append([]byte(nil), read(t, img, img.At(imagetest.TextRVA), len(b))...)
	_, err := r.DetourFunctionClass(imagetest.TextRVA, farTarget)
	assert.Error(t, err)
	assert.Equal(t, before, read(t, img, img.At(imagetest.TextRVA), len(b)), "failed detour should not touch the entry")
}

func TestPatchStringRefRipRelative(t *testing.T) {
	img, r := build(t)
	require.NoError(t, r.PatchStringRef(0x1030, "Fallout4 - Textures*.ba2"))

	b := read(t, img, img.At(0x1030), 7)
	assert.Equal(t, []byte{0x48, 0x8D, 0x0D}, b[:3], "opcode should be unchanged")
	str := uintptr(int64(img.At(0x1037)) + int64(int32(binary.LittleEndian.Uint32(b[3:]))))
	assert.Equal(t, []byte("Fallout4 - Textures*.ba2\x00"), read(t, img, str, 25))
}

func TestPatchStringRefImm64(t *testing.T) {
	img, r := build(t)
	require.NoError(t, r.PatchStringRef(0x1040, "abc"))
	b := read(t, img, img.At(0x1040), 10)
	assert.Equal(t, []byte{0x48, 0xBA}, b[:2])
	str := uintptr(binary.LittleEndian.Uint64(b[2:]))
	assert.Equal(t, []byte("abc\x00"), read(t, img, str, 4))
}

func TestPatchStringRefInvalid(t *testing.T) {
	img, r := build(t)
	assert.Error(t, r.PatchStringRef(0x1050, "abc"))
	assert.Equal(t, 0, img.Mem.Allocated(), "nothing should be allocated for an invalid reference")
}

func TestPatchIAT(t *testing.T) {
	img, r := build(t)
	slot, resolved := img.Slot("dxgi.dll", "CreateDXGIFactory")

	orig, err := r.PatchIAT("DXGI.DLL", "CreateDXGIFactory", farTarget)
	require.NoError(t, err)
	assert.Equal(t, resolved, orig)
	assert.Equal(t, uint64(farTarget), binary.LittleEndian.Uint64(read(t, img, slot, 8)))
	assert.Equal(t, patchlib.PageReadOnly, img.Mem.ProtectionAt(slot))

	_, err = r.PatchIAT("dxgi.dll", "createdxgifactory", farTarget)
	assert.Error(t, err, "function names are case sensitive")
	_, err = r.PatchIAT("d3d11.dll", "D3D11CreateDevice", farTarget)
	assert.Error(t, err)
}

func TestFindPattern(t *testing.T) {
	img, r := build(t)
	m, err := r.FindPattern("", "81 ? ? ? ? ? 00 B0 00 00")
	require.NoError(t, err)
	assert.Equal(t, []uintptr{img.At(0x1050)}, m)

	m, err = r.FindPattern(".rdata", "81 ? ? ? ? ? 00 B0 00 00")
	require.NoError(t, err)
	assert.Empty(t, m)

	_, err = r.FindPattern(".bss", "81")
	assert.Error(t, err)
	_, err = r.FindPattern("", "zz")
	assert.Error(t, err)
}

func TestHook(t *testing.T) {
	img, r := build(t)
	var calls []uintptr
	r.Hook(func(addr uintptr, old, new []byte) error {
		calls = append(calls, addr)
		if addr == img.At(0x1020) {
			return errors.New("refused")
		}
		return nil
	})
	assert.NoError(t, r.Patch(0x1000, []byte{0x90}))
	assert.Error(t, r.Patch(0x1020, []byte{0x90}))
	assert.Equal(t, []byte{0xE8}, read(t, img, img.At(0x1020), 1), "refused write should not be applied")
	assert.Equal(t, []uintptr{img.At(0x1000), img.At(0x1020)}, calls)

	r.Hook(nil)
	assert.NoError(t, r.Patch(0x1020, []byte{0x90}))
}

type failingMemory struct {
	patchlib.Memory
	failRestore bool
	calls       int
}

func (m *failingMemory) Protect(addr uintptr, n int, prot patchlib.Protection) (patchlib.Protection, error) {
	m.calls++
	if !m.failRestore || m.calls > 1 {
		return 0, errors.New("access denied")
	}
	return m.Memory.Protect(addr, n, prot)
}

func TestProtectFailurePanics(t *testing.T) {
	for _, restore := range []bool{false, true} {
		img := imagetest.Build(text(), imagetest.Options{})
		r := patchlib.NewRelocator(&failingMemory{Memory: img.Mem, failRestore: restore}, img.Image)
		func() {
			defer func() {
				v := recover()
				require.NotNil(t, v, "protection failure should panic")
				pe, ok := v.(*patchlib.ProtectError)
				require.True(t, ok, "panic should be a *ProtectError, got %T", v)
				assert.Equal(t, img.At(0x1000), pe.Addr)
			}()
			r.Patch(0x1000, []byte{0x90})
		}()
	}
}
