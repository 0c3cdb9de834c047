package patches

import (
	"errors"
	"sync"

	"github.com/pgaskin/ckpe/host"
	"github.com/pgaskin/ckpe/module"
	"github.com/pgaskin/ckpe/patchlib"
	"github.com/pgaskin/ckpe/relocdb"
)

// D3D11LevelCheck is the comparison against the minimum feature level in the
// editor's renderer setup. The byte at +10 is the JE skipping the error.
const D3D11LevelCheck = "81 ? ? ? ? ? 00 B0 00 00"

// Feature levels tried by the device creation hook.
const (
	FeatureLevel11_1 uint32 = 0xB100
	FeatureLevel11_0 uint32 = 0xB000
)

// FactoryInterfaces are the DXGI factory interfaces requested by the factory
// creation hook, in order.
var FactoryInterfaces = []string{"IDXGIFactory3", "IDXGIFactory2", "IDXGIFactory"}

var errLevelCheck = errors.New("can't find the D3D11 level check")

// D3D11Patch removes the feature level check and hooks factory and device
// creation so the editor gets the newest interfaces the system supports.
type D3D11Patch struct {
	module.Base
	factory, device uintptr
	variants        module.Variants
	vsync           bool

	mu                      sync.Mutex
	origFactory, origDevice uintptr
}

// NewD3D11Patch creates the D3D11 Patch module.
func NewD3D11Patch(opts Options) *D3D11Patch {
	d := &D3D11Patch{
		Base:    module.Base{ModuleName: "D3D11 Patch"},
		factory: opts.Targets.CreateDXGIFactory,
		device:  opts.Targets.D3D11CreateDeviceAndSwapChain,
		vsync:   opts.option("bRenderWindowVSync", true),
	}
	d.variants = module.Variants{
		1: {Addresses: 0, Activate: d.activateV1},
	}
	return d
}

// Query accepts Skyrim SE and Fallout 4 on Windows 8.1 or newer.
func (d *D3D11Patch) Query(h host.Host) bool {
	return h.Edition.Known() && h.Edition <= host.Fallout4Last && h.OS.AtLeast(6, 3)
}

func (d *D3D11Patch) Activate(r *patchlib.Relocator, item *relocdb.Item) error {
	if err := need("CreateDXGIFactory", d.factory); err != nil {
		return err
	}
	if err := need("D3D11CreateDeviceAndSwapChain", d.device); err != nil {
		return err
	}
	return d.variants.Activate(r, item)
}

func (d *D3D11Patch) activateV1(r *patchlib.Relocator, item *relocdb.Item) error {
	matches, err := r.FindPattern("", D3D11LevelCheck)
	if err != nil {
		return err
	}
	if len(matches) != 1 {
		return errLevelCheck
	}
	je := r.Off2Rav(matches[0]) + 10
	if b, err := r.Read(je, 1); err != nil || b[0] != 0x74 {
		return errLevelCheck
	}
	if err := r.Patch(je, []byte{0xEB}); err != nil {
		return err
	}

	factory, err := r.PatchIAT("dxgi.dll", "CreateDXGIFactory", d.factory)
	if err != nil {
		return err
	}
	device, err := r.PatchIAT("d3d11.dll", "D3D11CreateDeviceAndSwapChain", d.device)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.origFactory, d.origDevice = factory, device
	d.mu.Unlock()
	return nil
}

// Originals returns the import table entries replaced during activation.
func (d *D3D11Patch) Originals() (factory, device uintptr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.origFactory, d.origDevice
}

// VSync returns the refresh rate denominator forced on the swap chain.
func (d *D3D11Patch) VSync() uint32 {
	if d.vsync {
		return 1
	}
	return 0
}

// CreateFactory calls create with each of FactoryInterfaces until one
// succeeds, returning the last result.
func CreateFactory(create func(iface string) int32) int32 {
	var hr int32
	for _, iface := range FactoryInterfaces {
		if hr = create(iface); hr >= 0 {
			break
		}
	}
	return hr
}

// CreateDevice calls create with feature level 11.1, then 11.0, and returns
// the first success or the last failure.
func CreateDevice(create func(level uint32) int32) (hr int32, level uint32) {
	for _, level = range []uint32{FeatureLevel11_1, FeatureLevel11_0} {
		if hr = create(level); hr >= 0 {
			break
		}
	}
	return hr, level
}
