package patches

import (
	"sync"

	"github.com/pgaskin/ckpe/host"
	"github.com/pgaskin/ckpe/module"
	"github.com/pgaskin/ckpe/patchlib"
	"github.com/pgaskin/ckpe/relocdb"
)

// drawAreaSize is the size of the render window's draw area rectangle.
const drawAreaSize = 16

// RenderWindow subclasses the render window to keep a usable minimum size
// and to stop it losing its size when focus changes.
type RenderWindow struct {
	module.Base
	target   uintptr
	mem      patchlib.Memory
	variants module.Variants

	mu        sync.Mutex
	hwnd      HWND
	original  uintptr
	addrs     RenderWindowAddrs
	savedArea []byte
}

// RenderWindowAddrs are the host data recorded during activation.
type RenderWindowAddrs struct {
	DrawArea   uintptr
	TESUnknown uintptr
	Singleton  uintptr
}

// NewRenderWindow creates the Render Window module.
func NewRenderWindow(opts Options) *RenderWindow {
	w := &RenderWindow{
		Base:   module.Base{ModuleName: "Render Window"},
		target: opts.Targets.RenderWindowProc,
		mem:    opts.Memory,
	}
	w.variants = module.Variants{
		1: {Addresses: 4, Activate: w.activateV1},
	}
	return w
}

// Query accepts Skyrim SE and Fallout 4.
func (w *RenderWindow) Query(h host.Host) bool {
	return h.Edition.Known() && h.Edition <= host.Fallout4Last
}

func (w *RenderWindow) Activate(r *patchlib.Relocator, item *relocdb.Item) error {
	if err := need("RenderWindowProc", w.target); err != nil {
		return err
	}
	return w.variants.Activate(r, item)
}

func (w *RenderWindow) activateV1(r *patchlib.Relocator, item *relocdb.Item) error {
	orig, err := r.DetourFunctionClass(item.At(0), w.target)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.original = orig
	w.addrs = RenderWindowAddrs{
		DrawArea:   r.Rav2Off(item.At(1)),
		TESUnknown: r.Rav2Off(item.At(2)),
		Singleton:  r.Rav2Off(item.At(3)),
	}
	return nil
}

// Addrs returns the addresses recorded during activation.
func (w *RenderWindow) Addrs() RenderWindowAddrs {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.addrs
}

// Handle returns the render window, or 0 if it hasn't been created.
func (w *RenderWindow) Handle() HWND {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.hwnd
}

// WndProc is the render window procedure.
func (w *RenderWindow) WndProc(api WindowAPI, hwnd HWND, msg uint32, wparam, lparam uintptr) uintptr {
	w.mu.Lock()
	original, area := w.original, w.addrs.DrawArea
	w.mu.Unlock()

	switch msg {
	case WM_INITDIALOG:
		w.mu.Lock()
		w.hwnd = hwnd
		w.mu.Unlock()
	case WM_GETMINMAXINFO:
		// 96 is the minimum texture size
		if lparam != 0 {
			api.SetMinTrackSize(lparam, 96, 96)
		}
		return 0
	case WM_ACTIVATE:
		if area != 0 && w.mem != nil {
			if loword(wparam) == WA_INACTIVE {
				w.saveArea(area)
			} else {
				w.restoreArea(area)
			}
		}
	}
	return api.CallWindowProc(original, hwnd, msg, wparam, lparam)
}

func (w *RenderWindow) saveArea(area uintptr) {
	b, err := w.mem.Read(area, drawAreaSize)
	if err != nil {
		return
	}
	w.mu.Lock()
	w.savedArea = b
	w.mu.Unlock()
}

func (w *RenderWindow) restoreArea(area uintptr) {
	w.mu.Lock()
	b := w.savedArea
	w.mu.Unlock()
	if b != nil {
		w.mem.Write(area, b)
	}
}
