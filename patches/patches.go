// Package patches contains the patch modules compiled into the extension.
//
// Modules redirect host code to hook implementations whose addresses are
// given in Targets. On Windows, Native creates them as callbacks into the
// logic in this package; elsewhere (and in tests) any addresses can be used.
package patches

import (
	"fmt"

	"github.com/pgaskin/ckpe/host"
	"github.com/pgaskin/ckpe/module"
	"github.com/pgaskin/ckpe/patchlib"
)

// Targets are the absolute addresses of the hook implementations.
type Targets struct {
	Quit uintptr

	CreateDXGIFactory             uintptr
	D3D11CreateDeviceAndSwapChain uintptr

	LoadArchive         uintptr
	LoadStreamArchive   uintptr
	LoadStreamArchiveEx uintptr
	LoadTesFile         uintptr
	LoadTesFileFinal    uintptr

	RenderWindowProc uintptr

	ObjectWindowProc       uintptr
	ObjectWindowMove       uintptr
	ObjectWindowFilter     uintptr
	ObjectWindowFilterText uintptr
}

// Options configures the modules.
type Options struct {
	Targets Targets
	Host    host.Host

	// Memory is used by hooks to access host data. It is usually the same
	// memory the relocator patches.
	Memory patchlib.Memory

	// Option resolves boolean settings used by hooks. Unknown settings use
	// the default.
	Option func(name string, def bool) bool
}

func (o Options) option(name string, def bool) bool {
	if o.Option == nil {
		return def
	}
	return o.Option(name, def)
}

// Set is one instance of every module.
type Set struct {
	QuitHandler    *QuitHandler
	D3D11          *D3D11Patch
	ArchiveManager *ArchiveManager
	RenderWindow   *RenderWindow
	ObjectWindow   *ObjectWindow
}

// New creates the modules.
func New(opts Options) *Set {
	return &Set{
		QuitHandler:    NewQuitHandler(opts),
		D3D11:          NewD3D11Patch(opts),
		ArchiveManager: NewArchiveManager(opts),
		RenderWindow:   NewRenderWindow(opts),
		ObjectWindow:   NewObjectWindow(opts),
	}
}

// Modules returns the modules in registration order.
func (s *Set) Modules() []module.Module {
	return []module.Module{
		s.QuitHandler,
		s.D3D11,
		s.ArchiveManager,
		s.RenderWindow,
		s.ObjectWindow,
	}
}

func need(name string, target uintptr) error {
	if target == 0 {
		return fmt.Errorf("no hook target for %s", name)
	}
	return nil
}
