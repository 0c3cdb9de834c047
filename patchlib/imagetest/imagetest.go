// Package imagetest builds small synthetic PE32+ images in memory for testing
// code which patches a host image.
package imagetest

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/Binject/debug/pe"
	"github.com/pgaskin/ckpe/patchlib"
)

// Layout constants of built images.
const (
	DefaultBase   = 0x140000000
	TextRVA       = 0x1000
	ResolvedBase  = 0x7FF800000000 // fake address of the first resolved import
	DefaultCave   = 0x4000
	sectionAlign  = 0x1000
	headerSize    = 0x400
	ntOffset      = 0x80
	optHeaderSize = 240
)

// Import is a DLL imported by name.
type Import struct {
	DLL   string
	Funcs []string
}

// Options controls how an image is built. The zero value is valid.
type Options struct {
	Base          uintptr
	TimeDateStamp uint32
	Imports       []Import
	CaveSize      int
}

// Image is a built image mapped into a BufferMemory.
type Image struct {
	Mem   *patchlib.BufferMemory
	Image *patchlib.Image
	Raw   []byte

	slots    map[string]uintptr
	resolved map[string]uintptr
}

// Relocator returns a new Relocator for the image.
func (i *Image) Relocator() *patchlib.Relocator {
	return patchlib.NewRelocator(i.Mem, i.Image)
}

// Slot returns the IAT slot address and the initial (resolved) value for an import.
func (i *Image) Slot(dll, fn string) (slot, resolved uintptr) {
	return i.slots[dll+"!"+fn], i.resolved[dll+"!"+fn]
}

// At returns the absolute address of rva.
func (i *Image) At(rva patchlib.RVA) uintptr {
	return i.Image.Base + uintptr(rva)
}

// Build creates an image with text at TextRVA in an executable .text section,
// followed by a read-only .rdata section holding the imports. It panics if
// the image can't be built.
func Build(text []byte, opt Options) *Image {
	if opt.Base == 0 {
		opt.Base = DefaultBase
	}
	if opt.CaveSize == 0 {
		opt.CaveSize = DefaultCave
	}

	textSize := align(len(text))
	rdataRVA := uint32(TextRVA + textSize)
	rdata, imports, slots, resolved := buildImports(rdataRVA, opt.Imports)
	rdataSize := align(len(rdata))
	size := int(rdataRVA) + rdataSize

	raw := make([]byte, size)
	copy(raw[TextRVA:], text)
	copy(raw[rdataRVA:], rdata)

	var hdr bytes.Buffer
	hdr.Write([]byte{'M', 'Z'})
	hdr.Write(make([]byte, 0x3C-2))
	binary.Write(&hdr, binary.LittleEndian, uint32(ntOffset))
	hdr.Write(make([]byte, ntOffset-hdr.Len()))
	hdr.WriteString("PE\x00\x00")
	must(binary.Write(&hdr, binary.LittleEndian, pe.FileHeader{
		Machine:              0x8664,
		NumberOfSections:     2,
		TimeDateStamp:        opt.TimeDateStamp,
		SizeOfOptionalHeader: optHeaderSize,
		Characteristics:      0x22,
	}))
	oh := pe.OptionalHeader64{
		Magic:               0x20b,
		AddressOfEntryPoint: TextRVA,
		BaseOfCode:          TextRVA,
		ImageBase:           uint64(opt.Base),
		SectionAlignment:    sectionAlign,
		FileAlignment:       0x200,
		SizeOfImage:         uint32(size),
		SizeOfHeaders:       headerSize,
		Subsystem:           2,
		NumberOfRvaAndSizes: 16,
	}
	oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_IMPORT] = imports
	must(binary.Write(&hdr, binary.LittleEndian, oh))
	for _, s := range []struct {
		name  string
		rva   uint32
		size  int
		flags uint32
	}{
		{".text", TextRVA, len(text), 0x60000020},
		{".rdata", rdataRVA, len(rdata), 0x40000040},
	} {
		var sh pe.SectionHeader32
		copy(sh.Name[:], s.name)
		sh.VirtualSize = uint32(s.size)
		sh.VirtualAddress = s.rva
		sh.SizeOfRawData = uint32(align(s.size))
		sh.PointerToRawData = s.rva
		sh.Characteristics = s.flags
		must(binary.Write(&hdr, binary.LittleEndian, sh))
	}
	if hdr.Len() > headerSize {
		panic("imagetest: headers too large")
	}
	copy(raw, hdr.Bytes())

	mem := patchlib.NewBufferMemory(opt.Base, raw, opt.CaveSize)
	mustProtect(mem, opt.Base, headerSize, patchlib.PageReadOnly)
	if len(text) != 0 {
		mustProtect(mem, opt.Base+TextRVA, len(text), patchlib.PageExecuteRead)
	}
	if len(rdata) != 0 {
		mustProtect(mem, opt.Base+uintptr(rdataRVA), len(rdata), patchlib.PageReadOnly)
	}

	img, err := patchlib.ParseImage(mem, opt.Base)
	if err != nil {
		panic(fmt.Errorf("imagetest: %w", err))
	}
	return &Image{
		Mem:      mem,
		Image:    img,
		Raw:      raw,
		slots:    abs(opt.Base, slots),
		resolved: resolved,
	}
}

// buildImports lays out an import directory at rva.
func buildImports(rva uint32, imports []Import) ([]byte, pe.DataDirectory, map[string]uint32, map[string]uintptr) {
	slots, resolved := map[string]uint32{}, map[string]uintptr{}
	if len(imports) == 0 {
		return nil, pe.DataDirectory{}, slots, resolved
	}

	var b []byte
	put32 := func(off int, v uint32) { binary.LittleEndian.PutUint32(b[off:], v) }
	put64 := func(off int, v uint64) { binary.LittleEndian.PutUint64(b[off:], v) }
	grow := func(n int) int {
		off := len(b)
		b = append(b, make([]byte, (n+7)&^7)...)
		return off
	}

	desc := grow((len(imports) + 1) * 20)
	next := ResolvedBase
	for i, imp := range imports {
		ilt := grow((len(imp.Funcs) + 1) * 8)
		iat := grow((len(imp.Funcs) + 1) * 8)
		name := grow(len(imp.DLL) + 1)
		copy(b[name:], imp.DLL)
		for j, fn := range imp.Funcs {
			hn := grow(2 + len(fn) + 1)
			copy(b[hn+2:], fn)
			put64(ilt+j*8, uint64(rva)+uint64(hn))
			put64(iat+j*8, uint64(next))
			slots[imp.DLL+"!"+fn] = rva + uint32(iat+j*8)
			resolved[imp.DLL+"!"+fn] = uintptr(next)
			next += 0x100
		}
		d := desc + i*20
		put32(d+0, rva+uint32(ilt))
		put32(d+12, rva+uint32(name))
		put32(d+16, rva+uint32(iat))
	}
	return b, pe.DataDirectory{VirtualAddress: rva + uint32(desc), Size: uint32((len(imports) + 1) * 20)}, slots, resolved
}

func abs(base uintptr, m map[string]uint32) map[string]uintptr {
	r := map[string]uintptr{}
	for k, v := range m {
		r[k] = base + uintptr(v)
	}
	return r
}

func align(n int) int {
	if n == 0 {
		return sectionAlign
	}
	return (n + sectionAlign - 1) &^ (sectionAlign - 1)
}

func mustProtect(mem *patchlib.BufferMemory, addr uintptr, n int, prot patchlib.Protection) {
	if _, err := mem.Protect(addr, n, prot); err != nil {
		panic(fmt.Errorf("imagetest: %w", err))
	}
}

func must(err error) {
	if err != nil {
		panic(fmt.Errorf("imagetest: %w", err))
	}
}
