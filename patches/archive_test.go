package patches_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/pgaskin/ckpe/module"
	"github.com/pgaskin/ckpe/patches"
	"github.com/pgaskin/ckpe/patchlib"
	"github.com/pgaskin/ckpe/patchlib/imagetest"
	"github.com/pgaskin/ckpe/relocdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var archiveRVAs = []patchlib.RVA{0x1300, 0x1010, 0x1020, 0x1030, 0x1310, 0x1040, 0x1320, 0x1050, 0x1060, 0x1070, 0x1080}

func archiveImage(t *testing.T) *imagetest.Image {
	return image(t, map[patchlib.RVA][]byte{
		0x1010: call,
		0x1020: call,
		0x1030: jmp,
		0x1040: {0x48, 0x89, 0x5C},
		0x1050: {0x07},
		0x1060: lea,
		0x1070: lea,
		0x1080: prologue,
	})
}

func TestArchiveManagerVersions(t *testing.T) {
	for _, tc := range []struct {
		version uint32
		stream  uintptr
		ba2     byte
	}{
		{1, targets().LoadStreamArchive, patches.SupportedBA2Version},
		{2, targets().LoadStreamArchiveEx, 0x07},
	} {
		img := archiveImage(t)
		s := patches.New(patches.Options{Targets: targets()})
		origStream := branch(t, img, 0x1010)

		require.NoError(t, s.ArchiveManager.Activate(img.Relocator(), relocdb.NewItem("BSArchiveManager Modded", tc.version, archiveRVAs...)), "v%d", tc.version)

		assert.Equal(t, tc.stream, branch(t, img, 0x1010), "v%d stream archive call", tc.version)
		assert.Equal(t, targets().LoadTesFile, branch(t, img, 0x1020), "v%d", tc.version)
		assert.Equal(t, targets().LoadTesFileFinal, branch(t, img, 0x1030), "v%d", tc.version)
		assert.Equal(t, targets().LoadArchive, branch(t, img, 0x1080), "v%d", tc.version)
		assert.Equal(t, []byte{patchlib.OpRet, 0x89, 0x5C}, read(t, img, 0x1040, 3), "v%d", tc.version)
		assert.Equal(t, []byte{tc.ba2}, read(t, img, 0x1050, 1), "v%d archive version", tc.version)
		assert.Equal(t, patches.ArchiveList, stringAt(t, img, 0x1060), "v%d", tc.version)
		assert.Equal(t, patches.ArchiveList2, stringAt(t, img, 0x1070), "v%d", tc.version)

		addrs := s.ArchiveManager.Addrs()
		assert.Equal(t, img.At(0x1320), addrs.Archive2Sub1)
		assert.Equal(t, img.At(0x1300), addrs.Archive2Sub2)
		assert.Equal(t, img.At(0x1310), addrs.LoadTesFile)
		assert.Equal(t, origStream, addrs.Stream)
		assert.NotZero(t, addrs.LoadArchive)
		assert.NotEqual(t, img.At(0x1080), addrs.LoadArchive, "the original loader should be a trampoline")
	}
}

func TestArchiveManagerUnsupported(t *testing.T) {
	img := archiveImage(t)
	s := patches.New(patches.Options{Targets: targets()})

	err := s.ArchiveManager.Activate(img.Relocator(), relocdb.NewItem("BSArchiveManager Modded", 1, archiveRVAs[:10]...))
	assert.True(t, errors.Is(err, module.ErrUnsupported))
	err = s.ArchiveManager.Activate(img.Relocator(), relocdb.NewItem("BSArchiveManager Modded", 3, archiveRVAs...))
	assert.True(t, errors.Is(err, module.ErrUnsupported))
	assert.Equal(t, call, read(t, img, 0x1010, 5))

	noStream := targets()
	noStream.LoadStreamArchiveEx = 0
	s = patches.New(patches.Options{Targets: noStream})
	err = s.ArchiveManager.Activate(img.Relocator(), relocdb.NewItem("BSArchiveManager Modded", 2, archiveRVAs...))
	assert.Error(t, err)
	assert.False(t, errors.Is(err, module.ErrUnsupported))
}

func TestArchiveManagerStreamCallSite(t *testing.T) {
	img := archiveImage(t)
	rvas := append([]patchlib.RVA(nil), archiveRVAs...)
	rvas[1] = 0x1040 // not a call
	s := patches.New(patches.Options{Targets: targets()})
	assert.Error(t, s.ArchiveManager.Activate(img.Relocator(), relocdb.NewItem("BSArchiveManager Modded", 1, rvas...)))
}

func TestArchiveManagerLoadTesFile(t *testing.T) {
	have := map[string]bool{
		"Mod - Main.ba2":     true,
		"Mod - Textures.ba2": true,
		"Other - Main.ba2":   true,
	}
	a := patches.NewArchiveManager(patches.Options{})
	a.Available = func(archive string) bool { return have[archive] }

	assert.Equal(t, []string{"Mod - Main.ba2", "Mod - Textures.ba2"}, a.LoadTesFile(0x1000, "Mod.esp"))
	assert.Equal(t, []string{"Other - Main.ba2"}, a.LoadTesFile(0x2000, "Other.esm"))
	assert.Nil(t, a.LoadTesFile(0x3000, "Missing.esp"))
	assert.Nil(t, a.LoadTesFile(0x3000, ""))
	assert.Equal(t, 3, a.Selected(), "the same file object should only be selected once")
	assert.False(t, a.HasLoaded())

	a.LoadTesFileFinal()
	assert.True(t, a.HasLoaded())
	assert.Equal(t, 0, a.Selected())

	a.LoadTesFile(0x1000, "Mod.esp")
	assert.False(t, a.HasLoaded())

	noTextures := patches.NewArchiveManager(patches.Options{Option: func(name string, def bool) bool {
		return name != "bLoadTextureArchives"
	}})
	noTextures.Available = a.Available
	assert.True(t, noTextures.NoTextures)
	assert.Equal(t, []string{"Mod - Main.ba2"}, noTextures.LoadTesFile(0x1000, "Mod.esp"))
}

func TestArchiveManagerDataDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Mod - Main.ba2"), nil, 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "Mod - Textures.ba2"), 0755))

	a := patches.NewArchiveManager(patches.Options{})
	assert.Equal(t, "Data", a.DataDir)
	a.DataDir = dir
	assert.Equal(t, []string{"Mod - Main.ba2"}, a.LoadTesFile(0x1000, "Mod.esp"), "directories aren't archives")
}
