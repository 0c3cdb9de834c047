package patches

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pgaskin/ckpe/host"
	"github.com/pgaskin/ckpe/module"
	"github.com/pgaskin/ckpe/patchlib"
	"github.com/pgaskin/ckpe/relocdb"
)

// Replacement lists of archives always loaded by the editor, without the
// shader archives.
const (
	ArchiveList  = "Fallout4 - Voices1.ba2, Fallout4 - Voices2.ba2, Fallout4 - Meshes.ba2, Fallout4 - Animations.ba2, Fallout4 - Interface.ba2, Fallout4 - Misc.ba2, Fallout4 - Sounds.ba2"
	ArchiveList2 = "Fallout4 - Voices.ba2, Fallout4 - Interface.ba2, Fallout4 - Meshes.ba2, Fallout4 - MeshesExtra.ba2, Fallout4 - Misc.ba2, Fallout4 - Sounds.ba2, Fallout4 - Materials.ba2"
)

// SupportedBA2Version replaces the maximum archive version accepted by the
// first editor release. Version 8 only dropped the console texture format.
const SupportedBA2Version = 8

// ArchiveManager makes the editor load the archives belonging to the plugins
// being opened instead of every archive in the data directory.
type ArchiveManager struct {
	module.Base
	t        Targets
	variants module.Variants

	// DataDir is where archives are looked up.
	DataDir string
	// NoTextures skips texture archives.
	NoTextures bool
	// Available reports whether an archive exists. It defaults to checking
	// DataDir.
	Available func(archive string) bool

	mu       sync.Mutex
	addrs    ArchiveAddrs
	selected []uintptr
	loaded   bool
}

// ArchiveAddrs are the host functions recorded during activation.
type ArchiveAddrs struct {
	Archive2Sub1 uintptr
	Archive2Sub2 uintptr
	LoadArchive  uintptr // trampoline to the original loader
	LoadTesFile  uintptr // original plugin loader
	Stream       uintptr // original callee of the stream archive call site
}

// NewArchiveManager creates the BSArchiveManager Modded module.
func NewArchiveManager(opts Options) *ArchiveManager {
	a := &ArchiveManager{
		Base:       module.Base{ModuleName: "BSArchiveManager Modded"},
		t:          opts.Targets,
		DataDir:    "Data",
		NoTextures: !opts.option("bLoadTextureArchives", true),
	}
	a.variants = module.Variants{
		1: {Addresses: 11, Activate: func(r *patchlib.Relocator, item *relocdb.Item) error {
			return a.activate(r, item, a.t.LoadStreamArchive, true)
		}},
		2: {Addresses: 11, Activate: func(r *patchlib.Relocator, item *relocdb.Item) error {
			return a.activate(r, item, a.t.LoadStreamArchiveEx, false)
		}},
	}
	return a
}

// Query accepts Fallout 4, the only game using BA2 archives.
func (a *ArchiveManager) Query(h host.Host) bool {
	return h.Edition.Game() == host.Fallout4
}

func (a *ArchiveManager) Activate(r *patchlib.Relocator, item *relocdb.Item) error {
	for name, target := range map[string]uintptr{
		"LoadArchive":      a.t.LoadArchive,
		"LoadTesFile":      a.t.LoadTesFile,
		"LoadTesFileFinal": a.t.LoadTesFileFinal,
	} {
		if err := need(name, target); err != nil {
			return err
		}
	}
	return a.variants.Activate(r, item)
}

func (a *ArchiveManager) activate(r *patchlib.Relocator, item *relocdb.Item, stream uintptr, first bool) error {
	if err := need("LoadStreamArchive", stream); err != nil {
		return err
	}

	addrs := ArchiveAddrs{
		Archive2Sub1: r.Rav2Off(item.At(6)),
		Archive2Sub2: r.Rav2Off(item.At(0)),
		LoadTesFile:  r.Rav2Off(item.At(4)),
	}
	orig, err := r.DetourFunctionClass(item.At(10), a.t.LoadArchive)
	if err != nil {
		return err
	}
	addrs.LoadArchive = orig

	call, err := r.Read(item.At(1), patchlib.Rel32Size)
	if err != nil {
		return err
	}
	if addrs.Stream, err = patchlib.Rel32Target(r.Rav2Off(item.At(1)), call); err != nil {
		return fmt.Errorf("stream archive call site: %w", err)
	}
	if err := r.DetourCall(item.At(1), stream); err != nil {
		return err
	}
	if err := r.DetourCall(item.At(2), a.t.LoadTesFile); err != nil {
		return err
	}
	if err := r.DetourJump(item.At(3), a.t.LoadTesFileFinal); err != nil {
		return err
	}

	// skip loading the archives of the previous work
	if err := r.Patch(item.At(5), []byte{patchlib.OpRet}); err != nil {
		return err
	}

	if err := r.PatchStringRef(item.At(8), ArchiveList); err != nil {
		return err
	}
	if err := r.PatchStringRef(item.At(9), ArchiveList2); err != nil {
		return err
	}

	if first {
		if err := r.Patch(item.At(7), []byte{SupportedBA2Version}); err != nil {
			return err
		}
	}

	a.mu.Lock()
	a.addrs = addrs
	a.mu.Unlock()
	return nil
}

// Addrs returns the addresses recorded during activation.
func (a *ArchiveManager) Addrs() ArchiveAddrs {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addrs
}

// LoadTesFile records a plugin as selected and returns the archives which
// belong to it. The plugin is identified by the address of its file object,
// which may be loaded more than once.
func (a *ArchiveManager) LoadTesFile(file uintptr, filename string) []string {
	a.mu.Lock()
	a.loaded = false
	dup := false
	for _, f := range a.selected {
		if f == file {
			dup = true
			break
		}
	}
	if !dup {
		a.selected = append(a.selected, file)
	}
	a.mu.Unlock()

	if filename == "" {
		return nil
	}
	stem := strings.TrimSuffix(filename, filepath.Ext(filename))
	candidates := []string{stem + " - Main.ba2"}
	if !a.NoTextures {
		candidates = append(candidates, stem+" - Textures.ba2")
	}

	var archives []string
	for _, c := range candidates {
		if a.available(c) {
			archives = append(archives, c)
		}
	}
	return archives
}

// LoadTesFileFinal is called once every selected plugin has been loaded.
func (a *ArchiveManager) LoadTesFileFinal() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.selected = nil
	a.loaded = true
}

// Selected returns the number of plugins selected since the last load.
func (a *ArchiveManager) Selected() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.selected)
}

// HasLoaded returns true if the last plugin load has finished.
func (a *ArchiveManager) HasLoaded() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loaded
}

func (a *ArchiveManager) available(archive string) bool {
	if a.Available != nil {
		return a.Available(archive)
	}
	fi, err := os.Stat(filepath.Join(a.DataDir, archive))
	return err == nil && fi.Mode().IsRegular()
}
