package patches

import "sync"

// HWND is a window handle.
type HWND uintptr

// Window messages and values handled by the window procedures.
const (
	WM_DESTROY       = 0x0002
	WM_ACTIVATE      = 0x0006
	WM_GETMINMAXINFO = 0x0024
	WM_INITDIALOG    = 0x0110
	WM_COMMAND       = 0x0111
	WM_TIMER         = 0x0113
	WM_USER          = 0x0400

	WA_INACTIVE = 0
	BM_GETCHECK = 0x00F0
	BST_CHECKED = 1

	WS_OVERLAPPED  = 0x00000000
	WS_MINIMIZEBOX = 0x00020000
	WS_THICKFRAME  = 0x00040000
	WS_SYSMENU     = 0x00080000
	WS_CAPTION     = 0x00C00000
)

// WindowAPI is the part of the windowing system used by window procedures.
type WindowAPI interface {
	CallWindowProc(proc uintptr, hwnd HWND, msg uint32, wparam, lparam uintptr) uintptr
	SendMessage(hwnd HWND, msg uint32, wparam, lparam uintptr) uintptr
	MoveWindow(hwnd HWND, x, y, w, h int32, repaint bool) bool
	Parent(hwnd HWND) HWND
	SetStyle(hwnd HWND, style uint32)
	// SetMinTrackSize sets ptMinTrackSize in the MINMAXINFO at mmi.
	SetMinTrackSize(mmi uintptr, x, y int32)
	// SetBool stores a C++ bool at ptr.
	SetBool(ptr uintptr, v bool)
}

func loword(v uintptr) uint32 {
	return uint32(v & 0xFFFF)
}

// LiveWindows owns per-window state, keyed by handle. Entries are inserted
// when a window is created and erased when it is destroyed.
type LiveWindows[T any] struct {
	mu sync.Mutex
	m  map[HWND]*T
}

// Insert adds or replaces the state for a window.
func (l *LiveWindows[T]) Insert(hwnd HWND, v *T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.m == nil {
		l.m = map[HWND]*T{}
	}
	l.m[hwnd] = v
}

// Get returns the state for a window.
func (l *LiveWindows[T]) Get(hwnd HWND) (*T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.m[hwnd]
	return v, ok
}

// Erase removes the state for a window.
func (l *LiveWindows[T]) Erase(hwnd HWND) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.m, hwnd)
}

// Len returns the number of live windows.
func (l *LiveWindows[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
