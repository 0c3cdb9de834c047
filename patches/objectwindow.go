package patches

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/pgaskin/ckpe/host"
	"github.com/pgaskin/ckpe/module"
	"github.com/pgaskin/ckpe/patchlib"
	"github.com/pgaskin/ckpe/relocdb"
)

// Object window controls and private messages.
const (
	ObjectWindowActiveOnly = 6329
	ObjectWindowAddItem    = 2579
	ObjectWindowSplitter   = WM_USER + 34400
)

// List refresh timers.
const (
	objectWindowTimerSSE = 0x4D
	objectWindowTimerFO4 = 0x1B58
)

// ObjectWindowState is kept for every open object window.
type ObjectWindowState struct {
	Handle     HWND
	Primary    bool
	ActiveOnly bool
}

// ObjectWindow subclasses the object window to fix resizing and to allow
// showing only the forms of the active plugin.
type ObjectWindow struct {
	module.Base
	t        Targets
	mem      patchlib.Memory
	edition  host.Edition
	variants module.Variants

	// FormActive reports whether a form belongs to the active plugin. If
	// nil, every form is shown.
	FormActive func(form uintptr) bool

	// FormEditorID returns the editor ID of a form for the Fallout 4 text
	// filter. If nil, only the form ID is matched.
	FormEditorID func(form uintptr) string

	// Windows holds the open object windows.
	Windows LiveWindows[ObjectWindowState]

	mu       sync.Mutex
	original uintptr
	insert   uintptr
	match    uintptr
}

// NewObjectWindow creates the Object Window module.
func NewObjectWindow(opts Options) *ObjectWindow {
	o := &ObjectWindow{
		Base:    module.Base{ModuleName: "Object Window"},
		t:       opts.Targets,
		mem:     opts.Memory,
		edition: opts.Host.Edition,
	}
	if o.edition.Game() == host.Fallout4 {
		o.variants = module.Variants{
			1: {Addresses: 5, Activate: o.activateF4V1},
			2: {Addresses: 5, Activate: o.activateF4V2},
		}
	} else {
		o.Deps = []string{"Render Window"}
		o.variants = module.Variants{
			1: {Addresses: 4, Activate: o.activateV1},
			2: {Addresses: 2, Activate: o.activateV2},
		}
	}
	return o
}

// Query accepts Skyrim SE and Fallout 4.
func (o *ObjectWindow) Query(h host.Host) bool {
	switch h.Edition.Game() {
	case host.SkyrimSE, host.Fallout4:
		return true
	}
	return false
}

func (o *ObjectWindow) Activate(r *patchlib.Relocator, item *relocdb.Item) error {
	if err := need("ObjectWindowProc", o.t.ObjectWindowProc); err != nil {
		return err
	}
	if err := need("ObjectWindowMove", o.t.ObjectWindowMove); err != nil {
		return err
	}
	return o.variants.Activate(r, item)
}

func (o *ObjectWindow) detourProc(r *patchlib.Relocator, item *relocdb.Item) error {
	orig, err := r.DetourFunctionClass(item.At(0), o.t.ObjectWindowProc)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.original = orig
	o.mu.Unlock()
	return nil
}

func (o *ObjectWindow) activateV2(r *patchlib.Relocator, item *relocdb.Item) error {
	if err := o.detourProc(r, item); err != nil {
		return err
	}

	// replace the resize code with a single call
	if err := r.PatchNop(item.At(1), 0x70); err != nil {
		return err
	}
	return r.DetourCall(item.At(1), o.t.ObjectWindowMove)
}

// activateV1 also filters the form list, which later versions do natively.
func (o *ObjectWindow) activateV1(r *patchlib.Relocator, item *relocdb.Item) error {
	if err := need("ObjectWindowFilter", o.t.ObjectWindowFilter); err != nil {
		return err
	}
	if err := o.activateV2(r, item); err != nil {
		return err
	}
	o.mu.Lock()
	o.insert = r.Rav2Off(item.At(3))
	o.mu.Unlock()
	return r.DetourCall(item.At(2), o.t.ObjectWindowFilter)
}

// activateF4V1 filters list insertion and replaces the resize code.
func (o *ObjectWindow) activateF4V1(r *patchlib.Relocator, item *relocdb.Item) error {
	if err := need("ObjectWindowFilter", o.t.ObjectWindowFilter); err != nil {
		return err
	}
	if err := o.detourProc(r, item); err != nil {
		return err
	}
	o.mu.Lock()
	o.insert = r.Rav2Off(item.At(3))
	o.mu.Unlock()
	if err := r.DetourCall(item.At(4), o.t.ObjectWindowFilter); err != nil {
		return err
	}
	if err := r.DetourCall(item.At(1), o.t.ObjectWindowMove); err != nil {
		return err
	}
	return r.PatchNop(item.At(2), 0x46)
}

// activateF4V2 rewrites the inlined list filter into a call with the list
// window, form and filter text, and replaces the resize code.
func (o *ObjectWindow) activateF4V2(r *patchlib.Relocator, item *relocdb.Item) error {
	if err := need("ObjectWindowFilterText", o.t.ObjectWindowFilterText); err != nil {
		return err
	}
	if err := o.detourProc(r, item); err != nil {
		return err
	}
	o.mu.Lock()
	o.match = r.Rav2Off(item.At(4))
	o.mu.Unlock()

	filter := item.At(3)
	if err := r.PatchNop(filter+0x10, 0x33); err != nil {
		return err
	}
	if err := r.Patch(filter, []byte{
		0x48, 0x8B, 0x4C, 0x24, 0x40, // mov rcx, [rsp+0x40]
		0x48, 0x89, 0xFA, // mov rdx, rdi
		0x49, 0x89, 0xF0, // mov r8, rsi
	}); err != nil {
		return err
	}
	if err := r.DetourCall(filter+0xB, o.t.ObjectWindowFilterText); err != nil {
		return err
	}

	if err := r.PatchNop(item.At(1), 0x4B); err != nil {
		return err
	}
	return r.DetourCall(item.At(1), o.t.ObjectWindowMove)
}

// Original returns the original window procedure and, for the first
// schema version, the original list insertion function.
func (o *ObjectWindow) Original() (wndProc, insert uintptr) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.original, o.insert
}

// Matcher returns the host's filter text matcher used by FilterItem.
func (o *ObjectWindow) Matcher() uintptr {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.match
}

// WndProc is the object window procedure.
func (o *ObjectWindow) WndProc(api WindowAPI, hwnd HWND, msg uint32, wparam, lparam uintptr) uintptr {
	original, _ := o.Original()

	switch msg {
	case WM_INITDIALOG:
		st := &ObjectWindowState{Handle: hwnd, Primary: o.Windows.Len() == 0}
		// only the first window keeps no system menu
		if st.Primary {
			api.SetStyle(hwnd, WS_OVERLAPPED|WS_CAPTION|WS_THICKFRAME)
		} else {
			api.SetStyle(hwnd, WS_OVERLAPPED|WS_CAPTION|WS_THICKFRAME|WS_MINIMIZEBOX|WS_SYSMENU)
		}
		o.Windows.Insert(hwnd, st)
	case WM_GETMINMAXINFO:
		if lparam != 0 {
			api.SetMinTrackSize(lparam, 350, 200)
		}
		return 0
	case WM_COMMAND:
		switch loword(wparam) {
		case ObjectWindowActiveOnly:
			timer := uintptr(objectWindowTimerSSE)
			switch game := o.edition.Game(); {
			case game == host.Fallout4:
				timer = objectWindowTimerFO4
			case o.edition > host.SkyrimSE_1_6_438:
				// 1.6.1130 and later filter natively
				return api.CallWindowProc(original, hwnd, msg, wparam, lparam)
			}
			checked := api.SendMessage(HWND(lparam), BM_GETCHECK, 0, 0) == BST_CHECKED
			if st, ok := o.Windows.Get(hwnd); ok {
				st.ActiveOnly = checked
			}
			// refresh the list as if the timer fired
			api.SendMessage(hwnd, WM_TIMER, timer, 0)
			return 0
		case ObjectWindowSplitter:
			return 0
		}
	case ObjectWindowAddItem:
		api.SetBool(lparam, o.allowInsert(hwnd, wparam))
		return 1
	case WM_DESTROY:
		defer o.Windows.Erase(hwnd)
	}
	return api.CallWindowProc(original, hwnd, msg, wparam, lparam)
}

func (o *ObjectWindow) allowInsert(hwnd HWND, form uintptr) bool {
	st, ok := o.Windows.Get(hwnd)
	if !ok || !st.ActiveOnly || form == 0 || o.FormActive == nil {
		return true
	}
	return o.FormActive(form)
}

// MoveWindow moves a child of an object window and makes its parent lay out
// its splitter again.
func (o *ObjectWindow) MoveWindow(api WindowAPI, hwnd HWND, x, y, w, h int32, repaint bool) bool {
	res := api.MoveWindow(hwnd, x, y, w, h, repaint)
	if parent := api.Parent(hwnd); parent != 0 {
		if _, ok := o.Windows.Get(parent); ok {
			api.SendMessage(parent, WM_COMMAND, ObjectWindowSplitter, 0)
		}
	}
	return res
}

// InsertItem filters a form being added to an object window list. It returns
// 1 for filtered forms and otherwise calls insert.
//
// On Skyrim SE, the list insertion data points 0x28 bytes into the object
// window instance, whose first field is the window handle. On Fallout 4, it
// holds the list control at 0x18, whose parent is the object window.
func (o *ObjectWindow) InsertItem(api WindowAPI, insertData, form uintptr, insert func() uintptr) uintptr {
	if hwnd, ok := o.insertWindow(api, insertData); ok && !o.allowInsert(hwnd, form) {
		return 1
	}
	return insert()
}

func (o *ObjectWindow) insertWindow(api WindowAPI, insertData uintptr) (HWND, bool) {
	if insertData == 0 {
		return 0, false
	}
	if o.edition.Game() == host.Fallout4 {
		list, ok := o.readPtr(insertData + 0x18)
		if !ok {
			return 0, false
		}
		return api.Parent(HWND(list)), true
	}
	inst, ok := o.readPtr(insertData + 8)
	if !ok {
		return 0, false
	}
	hwnd, ok := o.readPtr(inst - 0x28)
	return HWND(hwnd), ok
}

func (o *ObjectWindow) readPtr(addr uintptr) (uintptr, bool) {
	if o.mem == nil {
		return 0, false
	}
	b, err := o.mem.Read(addr, 8)
	if err != nil {
		return 0, false
	}
	return uintptr(binary.LittleEndian.Uint64(b)), true
}

// FilterItem decides whether a form is listed by a Fallout 4 object window
// whose list control is list. It returns 0 to hide the form. Otherwise, match
// (the host's filter text matcher) is tried against the editor ID and then
// the hexadecimal form ID, which is read from 0x14 bytes into the form. A
// form with neither available is listed.
func (o *ObjectWindow) FilterItem(api WindowAPI, list HWND, form uintptr, match func(text string) bool) uintptr {
	if !o.allowInsert(api.Parent(list), form) {
		return 0
	}
	var tried bool
	if o.FormEditorID != nil && form != 0 {
		tried = true
		if match(o.FormEditorID(form)) {
			return 1
		}
	}
	if o.mem != nil && form != 0 {
		if b, err := o.mem.Read(form+0x14, 4); err == nil {
			tried = true
			if match(fmt.Sprintf("%08X", binary.LittleEndian.Uint32(b))) {
				return 1
			}
		}
	}
	if !tried {
		return 1
	}
	return 0
}
