package patchlib

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Binject/debug/pe"
)

const (
	scnCntCode    = 0x00000020
	scnMemExecute = 0x20000000
	scnMemWrite   = 0x80000000
)

// Section is a section of a loaded image.
type Section struct {
	Name            string
	VirtualAddress  RVA
	VirtualSize     uint32
	Characteristics uint32
}

// Executable returns true if the section contains code.
func (s Section) Executable() bool {
	return s.Characteristics&(scnCntCode|scnMemExecute) != 0
}

// Protection returns the protection the loader gives the section.
func (s Section) Protection() Protection {
	x, w := s.Characteristics&scnMemExecute != 0, s.Characteristics&scnMemWrite != 0
	switch {
	case x && w:
		return PageExecuteReadWrite
	case x:
		return PageExecuteRead
	case w:
		return PageReadWrite
	default:
		return PageReadOnly
	}
}

// Image describes a PE image loaded in a Memory.
type Image struct {
	Base          uintptr
	SizeOfImage   uint32
	TimeDateStamp uint32
	Machine       uint16
	Is64          bool
	Sections      []Section
	Imports       pe.DataDirectory
}

// ParseImage reads the headers of the image mapped at base.
func ParseImage(mem Memory, base uintptr) (*Image, error) {
	dos, err := mem.Read(base, 0x40)
	if err != nil {
		return nil, fmt.Errorf("ParseImage: read dos header: %w", err)
	}
	if dos[0] != 'M' || dos[1] != 'Z' {
		return nil, errors.New("ParseImage: missing MZ signature")
	}
	nt := base + uintptr(binary.LittleEndian.Uint32(dos[0x3C:]))

	hdr, err := mem.Read(nt, 4+20)
	if err != nil {
		return nil, fmt.Errorf("ParseImage: read nt headers: %w", err)
	}
	if !bytes.Equal(hdr[:4], []byte("PE\x00\x00")) {
		return nil, errors.New("ParseImage: missing PE signature")
	}
	var fh pe.FileHeader
	if err := binary.Read(bytes.NewReader(hdr[4:]), binary.LittleEndian, &fh); err != nil {
		return nil, fmt.Errorf("ParseImage: file header: %w", err)
	}

	img := &Image{
		Base:          base,
		TimeDateStamp: fh.TimeDateStamp,
		Machine:       fh.Machine,
	}

	opt, err := mem.Read(nt+24, int(fh.SizeOfOptionalHeader))
	if err != nil {
		return nil, fmt.Errorf("ParseImage: read optional header: %w", err)
	}
	if len(opt) < 2 {
		return nil, errors.New("ParseImage: missing optional header")
	}
	switch magic := binary.LittleEndian.Uint16(opt); magic {
	case 0x20b:
		var oh pe.OptionalHeader64
		if err := binary.Read(bytes.NewReader(opt), binary.LittleEndian, &oh); err != nil {
			return nil, fmt.Errorf("ParseImage: optional header: %w", err)
		}
		img.Is64 = true
		img.SizeOfImage = oh.SizeOfImage
		if oh.NumberOfRvaAndSizes > pe.IMAGE_DIRECTORY_ENTRY_IMPORT {
			img.Imports = oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_IMPORT]
		}
	case 0x10b:
		var oh pe.OptionalHeader32
		if err := binary.Read(bytes.NewReader(opt), binary.LittleEndian, &oh); err != nil {
			return nil, fmt.Errorf("ParseImage: optional header: %w", err)
		}
		img.SizeOfImage = oh.SizeOfImage
		if oh.NumberOfRvaAndSizes > pe.IMAGE_DIRECTORY_ENTRY_IMPORT {
			img.Imports = oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_IMPORT]
		}
	default:
		return nil, fmt.Errorf("ParseImage: unknown optional header magic %#x", magic)
	}

	sh, err := mem.Read(nt+24+uintptr(fh.SizeOfOptionalHeader), int(fh.NumberOfSections)*40)
	if err != nil {
		return nil, fmt.Errorf("ParseImage: read section table: %w", err)
	}
	r := bytes.NewReader(sh)
	for i := 0; i < int(fh.NumberOfSections); i++ {
		var s pe.SectionHeader32
		if err := binary.Read(r, binary.LittleEndian, &s); err != nil {
			return nil, fmt.Errorf("ParseImage: section %d: %w", i, err)
		}
		img.Sections = append(img.Sections, Section{
			Name:            strings.TrimRight(string(s.Name[:]), "\x00"),
			VirtualAddress:  RVA(s.VirtualAddress),
			VirtualSize:     s.VirtualSize,
			Characteristics: s.Characteristics,
		})
	}
	return img, nil
}

// Section finds a section by name.
func (img *Image) Section(name string) (Section, bool) {
	for _, s := range img.Sections {
		if s.Name == name {
			return s, true
		}
	}
	return Section{}, false
}

// Text returns the main code section: .text if present, otherwise the first
// executable section.
func (img *Image) Text() (Section, bool) {
	if s, ok := img.Section(".text"); ok {
		return s, true
	}
	for _, s := range img.Sections {
		if s.Executable() {
			return s, true
		}
	}
	return Section{}, false
}

// Contains returns true if [addr, addr+n) is inside the image.
func (img *Image) Contains(addr uintptr, n int) bool {
	return addr >= img.Base && addr+uintptr(n) <= img.Base+uintptr(img.SizeOfImage)
}

// ImportSlot returns the address of the IAT slot for fn imported from dll.
// The DLL name is matched case-insensitively, the function name exactly.
func (img *Image) ImportSlot(mem Memory, dll, fn string) (uintptr, error) {
	if img.Imports.VirtualAddress == 0 {
		return 0, errors.New("image has no import directory")
	}
	thunk := 4
	if img.Is64 {
		thunk = 8
	}
	for desc := img.Base + uintptr(img.Imports.VirtualAddress); ; desc += 20 {
		d, err := mem.Read(desc, 20)
		if err != nil {
			return 0, fmt.Errorf("read import descriptor: %w", err)
		}
		name := binary.LittleEndian.Uint32(d[12:])
		if name == 0 {
			break
		}
		s, err := img.cstring(mem, img.Base+uintptr(name))
		if err != nil {
			return 0, fmt.Errorf("read import name: %w", err)
		}
		if !strings.EqualFold(s, dll) {
			continue
		}
		lookup, iat := binary.LittleEndian.Uint32(d[0:]), binary.LittleEndian.Uint32(d[16:])
		if lookup == 0 {
			lookup = iat
		}
		for i := 0; ; i++ {
			t, err := mem.Read(img.Base+uintptr(lookup)+uintptr(i*thunk), thunk)
			if err != nil {
				return 0, fmt.Errorf("read thunk: %w", err)
			}
			var v uint64
			var ordinal bool
			if img.Is64 {
				v = binary.LittleEndian.Uint64(t)
				ordinal = v&(1<<63) != 0
			} else {
				v = uint64(binary.LittleEndian.Uint32(t))
				ordinal = v&(1<<31) != 0
			}
			if v == 0 {
				break
			}
			if ordinal {
				continue
			}
			s, err := img.cstring(mem, img.Base+uintptr(uint32(v))+2)
			if err != nil {
				return 0, fmt.Errorf("read import by name: %w", err)
			}
			if s == fn {
				return img.Base + uintptr(iat) + uintptr(i*thunk), nil
			}
		}
		return 0, fmt.Errorf("%s does not import %s", dll, fn)
	}
	return 0, fmt.Errorf("%s is not imported", dll)
}

func (img *Image) cstring(mem Memory, addr uintptr) (string, error) {
	n := 256
	if end := img.Base + uintptr(img.SizeOfImage); addr+uintptr(n) > end {
		if addr >= end {
			return "", fmt.Errorf("%#x is outside the image", addr)
		}
		n = int(end - addr)
	}
	b, err := mem.Read(addr, n)
	if err != nil {
		return "", err
	}
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b), nil
}

// MapFile lays out an executable on disk the way the loader would, at its
// preferred base, in a BufferMemory with caveSize bytes free for allocations.
// Imports are not resolved and relocations are not applied.
func MapFile(filename string, caveSize int) (*BufferMemory, *Image, error) {
	buf, err := os.ReadFile(filename)
	if err != nil {
		return nil, nil, fmt.Errorf("MapFile: %w", err)
	}
	f, err := pe.NewFile(bytes.NewReader(buf))
	if err != nil {
		return nil, nil, fmt.Errorf("MapFile: parse %s: %w", filename, err)
	}
	defer f.Close()

	var base uint64
	var size, headers uint32
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		base, size, headers = uint64(oh.ImageBase), oh.SizeOfImage, oh.SizeOfHeaders
	case *pe.OptionalHeader64:
		base, size, headers = oh.ImageBase, oh.SizeOfImage, oh.SizeOfHeaders
	default:
		return nil, nil, errors.New("MapFile: unsupported optional header")
	}
	if int(headers) > len(buf) || headers > size {
		return nil, nil, errors.New("MapFile: headers larger than file")
	}

	img := make([]byte, size)
	copy(img, buf[:headers])
	for _, s := range f.Sections {
		if s.Size == 0 {
			continue
		}
		data, err := s.Data()
		if err != nil {
			return nil, nil, fmt.Errorf("MapFile: section %s: %w", s.Name, err)
		}
		if s.VirtualAddress >= size {
			return nil, nil, fmt.Errorf("MapFile: section %s outside image", s.Name)
		}
		copy(img[s.VirtualAddress:], data)
	}

	mem := NewBufferMemory(uintptr(base), img, caveSize)
	if _, err := mem.Protect(uintptr(base), int(headers), PageReadOnly); err != nil {
		return nil, nil, fmt.Errorf("MapFile: %w", err)
	}
	for _, s := range f.Sections {
		if s.VirtualSize == 0 {
			continue
		}
		sec := Section{Characteristics: s.Characteristics}
		if _, err := mem.Protect(uintptr(base)+uintptr(s.VirtualAddress), int(s.VirtualSize), sec.Protection()); err != nil {
			return nil, nil, fmt.Errorf("MapFile: section %s: %w", s.Name, err)
		}
	}

	im, err := ParseImage(mem, uintptr(base))
	if err != nil {
		return nil, nil, fmt.Errorf("MapFile: %w", err)
	}
	return mem, im, nil
}
