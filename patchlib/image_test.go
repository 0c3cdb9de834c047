package patchlib_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pgaskin/ckpe/patchlib"
	"github.com/pgaskin/ckpe/patchlib/imagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseImage(t *testing.T) {
	img, _ := build(t)
	im := img.Image

	assert.Equal(t, uintptr(imagetest.DefaultBase), im.Base)
	assert.True(t, im.Is64)
	assert.Equal(t, uint16(0x8664), im.Machine)
	assert.Equal(t, uint32(0x5D5F1B4C), im.TimeDateStamp)
	assert.Equal(t, uint32(0x3000), im.SizeOfImage)
	require.Len(t, im.Sections, 2)

	text, ok := im.Text()
	require.True(t, ok)
	assert.Equal(t, ".text", text.Name)
	assert.Equal(t, patchlib.RVA(imagetest.TextRVA), text.VirtualAddress)
	assert.True(t, text.Executable())
	assert.Equal(t, patchlib.PageExecuteRead, text.Protection())

	rdata, ok := im.Section(".rdata")
	require.True(t, ok)
	assert.False(t, rdata.Executable())
	assert.Equal(t, patchlib.PageReadOnly, rdata.Protection())

	_, ok = im.Section(".data")
	assert.False(t, ok)

	assert.True(t, im.Contains(im.Base, 0x3000))
	assert.False(t, im.Contains(im.Base, 0x3001))
	assert.False(t, im.Contains(im.Base-1, 1))
}

func TestParseImageInvalid(t *testing.T) {
	mem := patchlib.NewBufferMemory(0x10000, []byte("not an executable"), 0)
	_, err := patchlib.ParseImage(mem, 0x10000)
	assert.Error(t, err)

	img, _ := build(t)
	raw := append([]byte(nil), img.Raw...)
	raw[0x80] = 'X' // PE signature
	_, err = patchlib.ParseImage(patchlib.NewBufferMemory(0x10000, raw, 0), 0x10000)
	assert.Error(t, err)
}

func TestImportSlot(t *testing.T) {
	img, _ := build(t)
	for _, tc := range []struct{ dll, fn string }{
		{"KERNEL32.dll", "ExitProcess"},
		{"dxgi.dll", "CreateDXGIFactory1"},
		{"dxgi.dll", "CreateDXGIFactory"},
	} {
		slot, err := img.Image.ImportSlot(img.Mem, tc.dll, tc.fn)
		require.NoError(t, err, tc.fn)
		exp, _ := img.Slot(tc.dll, tc.fn)
		assert.Equal(t, exp, slot, tc.fn)
	}

	noImports := imagetest.Build([]byte{0xC3}, imagetest.Options{})
	_, err := noImports.Image.ImportSlot(noImports.Mem, "dxgi.dll", "CreateDXGIFactory")
	assert.Error(t, err)
}

func TestMapFile(t *testing.T) {
	img, _ := build(t)
	fn := filepath.Join(t.TempDir(), "CreationKit.exe")
	require.NoError(t, os.WriteFile(fn, img.Raw, 0644))

	mem, im, err := patchlib.MapFile(fn, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, img.Image.Base, im.Base)
	assert.Equal(t, img.Image.TimeDateStamp, im.TimeDateStamp)
	assert.Equal(t, img.Image.Sections, im.Sections)
	assert.Equal(t, img.Mem.Bytes(), mem.Bytes())
	assert.Equal(t, patchlib.PageExecuteRead, mem.ProtectionAt(im.Base+imagetest.TextRVA))
	assert.Equal(t, patchlib.PageReadOnly, mem.ProtectionAt(im.Base))

	_, _, err = patchlib.MapFile(filepath.Join(t.TempDir(), "missing.exe"), 0)
	assert.Error(t, err)
}
