package patchlib

import (
	"fmt"
	"testing"

	"golang.org/x/arch/x86/x86asm"
)

func TestAsmRel32(t *testing.T) {
	for _, tc := range []struct {
		op         byte
		pc, target uintptr
		inst       []byte
	}{
		{OpCall, 0x140001000, 0x140001080, []byte{0xE8, 0x7B, 0x00, 0x00, 0x00}},
		{OpJmp, 0x140001000, 0x140001005, []byte{0xE9, 0x00, 0x00, 0x00, 0x00}},
		{OpJmp, 0x140001000, 0x140000000, []byte{0xE9, 0xFB, 0xEF, 0xFF, 0xFF}},
		{OpCall, 0x140001000, 0x140001000, []byte{0xE8, 0xFB, 0xFF, 0xFF, 0xFF}},
	} {
		t.Run(fmt.Sprintf("%X_%X_%X", tc.op, tc.pc, tc.target), func(t *testing.T) {
			b, e := AsmRel32(tc.op, tc.pc, tc.target)
			nerr(t, e)
			eq(t, b, tc.inst, "unexpected encoding")
			target, e := Rel32Target(tc.pc, b)
			nerr(t, e)
			eq(t, target, tc.target, "Rel32Target did not round-trip")
		})
	}
	_, e := AsmRel32(OpCall, 0x140001000, 0x7FF800000000)
	err(t, e)
}

func TestRel32TargetInvalid(t *testing.T) {
	_, e := Rel32Target(0, []byte{0x90, 0, 0, 0, 0})
	err(t, e)
	_, e = Rel32Target(0, []byte{0xE8, 0})
	err(t, e)
}

func TestAsmAbsJump(t *testing.T) {
	eq(t, AsmAbsJump(0x7FF812345678), []byte{0xFF, 0x25, 0, 0, 0, 0, 0x78, 0x56, 0x34, 0x12, 0xF8, 0x7F, 0, 0}, "unexpected encoding")
	eq(t, len(AsmAbsJump(0)), AbsJumpSize, "unexpected size")
}

func TestAsmNop(t *testing.T) {
	eq(t, AsmNop(3), []byte{0x90, 0x90, 0x90}, "unexpected encoding")
	eq(t, len(AsmNop(0)), 0, "unexpected size")
}

func TestDecodePrologue(t *testing.T) {
	code := []byte{
		0x48, 0x89, 0x5C, 0x24, 0x08, // mov [rsp+8], rbx
		0x57,                   // push rdi
		0x48, 0x83, 0xEC, 0x20, // sub rsp, 0x20
	}
	insts, n, e := decodePrologue(code, 5)
	nerr(t, e)
	eq(t, n, 5, "unexpected stolen length")
	eq(t, len(insts), 1, "unexpected instruction count")

	insts, n, e = decodePrologue(code, 6)
	nerr(t, e)
	eq(t, n, 6, "unexpected stolen length")
	eq(t, len(insts), 2, "unexpected instruction count")

	_, _, e = decodePrologue([]byte{0xC3, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC}, 5)
	err(t, e)
}

func TestRelocate(t *testing.T) {
	raw := []byte{0x48, 0x8B, 0x05, 0xF9, 0x0F, 0x00, 0x00} // mov rax, [rip+0xff9]
	inst, e := x86asm.Decode(raw, 64)
	nerr(t, e)
	off, ok := disp32(inst, raw)
	eq(t, ok, true, "displacement not found")
	eq(t, off, 3, "unexpected displacement offset")

	// moving it 0x1000 forward means the displacement shrinks by 0x1000
	out, e := relocate(inst, raw, 0x140001000, 0x140002000)
	nerr(t, e)
	eq(t, out, []byte{0x48, 0x8B, 0x05, 0xF9, 0xFF, 0xFF, 0xFF}, "unexpected relocated encoding")

	short := []byte{0x74, 0x10} // je +0x10
	inst, e = x86asm.Decode(short, 64)
	nerr(t, e)
	_, e = relocate(inst, short, 0x140001000, 0x140002000)
	err(t, e)

	plain := []byte{0x48, 0x83, 0xEC, 0x20}
	inst, e = x86asm.Decode(plain, 64)
	nerr(t, e)
	out, e = relocate(inst, plain, 0x140001000, 0x140002000)
	nerr(t, e)
	eq(t, out, plain, "plain instruction should be copied as-is")
}
