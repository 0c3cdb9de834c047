//go:build windows

package patches

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	user32               = windows.NewLazySystemDLL("user32.dll")
	procCallWindowProc   = user32.NewProc("CallWindowProcA")
	procSendMessage      = user32.NewProc("SendMessageA")
	procMoveWindow       = user32.NewProc("MoveWindow")
	procGetParent        = user32.NewProc("GetParent")
	procSetWindowLongPtr = user32.NewProc("SetWindowLongPtrA")

	dxgi                   = windows.NewLazySystemDLL("dxgi.dll")
	procCreateDXGIFactory1 = dxgi.NewProc("CreateDXGIFactory1")
)

var dxgiFactoryIIDs = map[string]windows.GUID{
	"IDXGIFactory":  mustGUID("{7b7166ec-21c7-44ae-b21a-c9ae321ae369}"),
	"IDXGIFactory2": mustGUID("{50c83a1c-e072-4c48-87b0-3630fa36a6d0}"),
	"IDXGIFactory3": mustGUID("{25483823-cd46-4c7d-86ca-47aa95b837bd}"),
}

func mustGUID(s string) windows.GUID {
	g, err := windows.GUIDFromString(s)
	if err != nil {
		panic(err)
	}
	return g
}

type nativeAPI struct{}

func (nativeAPI) CallWindowProc(proc uintptr, hwnd HWND, msg uint32, wparam, lparam uintptr) uintptr {
	r, _, _ := procCallWindowProc.Call(proc, uintptr(hwnd), uintptr(msg), wparam, lparam)
	return r
}

func (nativeAPI) SendMessage(hwnd HWND, msg uint32, wparam, lparam uintptr) uintptr {
	r, _, _ := procSendMessage.Call(uintptr(hwnd), uintptr(msg), wparam, lparam)
	return r
}

func (nativeAPI) MoveWindow(hwnd HWND, x, y, w, h int32, repaint bool) bool {
	var rp uintptr
	if repaint {
		rp = 1
	}
	r, _, _ := procMoveWindow.Call(uintptr(hwnd), uintptr(x), uintptr(y), uintptr(w), uintptr(h), rp)
	return r != 0
}

func (nativeAPI) Parent(hwnd HWND) HWND {
	r, _, _ := procGetParent.Call(uintptr(hwnd))
	return HWND(r)
}

func (nativeAPI) SetStyle(hwnd HWND, style uint32) {
	gwlStyle := int32(-16)
	procSetWindowLongPtr.Call(uintptr(hwnd), uintptr(gwlStyle), uintptr(style))
}

func (nativeAPI) SetMinTrackSize(mmi uintptr, x, y int32) {
	pt := (*[2]int32)(unsafe.Pointer(mmi + 24)) // MINMAXINFO.ptMinTrackSize
	pt[0], pt[1] = x, y
}

func (nativeAPI) SetBool(ptr uintptr, v bool) {
	b := (*byte)(unsafe.Pointer(ptr))
	if v {
		*b = 1
	} else {
		*b = 0
	}
}

// procAddr returns the address of proc, or fallback if it can't be loaded.
func procAddr(proc *windows.LazyProc, fallback uintptr) uintptr {
	if proc.Find() != nil {
		return fallback
	}
	return proc.Addr()
}

// Native creates the modules with every hook target implemented as a
// callback into the module logic.
func Native(opts Options) (*Set, error) {
	s := new(Set)
	api := nativeAPI{}

	opts.Targets = Targets{
		Quit: windows.NewCallback(func() uintptr {
			windows.TerminateProcess(windows.CurrentProcess(), 0)
			return 0
		}),

		CreateDXGIFactory: windows.NewCallback(func(riid, factory uintptr) uintptr {
			orig, _ := s.D3D11.Originals()
			create := procAddr(procCreateDXGIFactory1, orig)
			return uintptr(CreateFactory(func(iface string) int32 {
				iid := dxgiFactoryIIDs[iface]
				hr, _, _ := syscall.SyscallN(create, uintptr(unsafe.Pointer(&iid)), factory)
				return int32(hr)
			}))
		}),
		D3D11CreateDeviceAndSwapChain: windows.NewCallback(func(adapter, driverType, software, flags, _, _, sdkVersion, desc, swapChain, device, featureLevel, context uintptr) uintptr {
			_, create := s.D3D11.Originals()
			if desc != 0 {
				rate := (*[2]uint32)(unsafe.Pointer(desc + 8)) // BufferDesc.RefreshRate
				rate[0], rate[1] = 60, s.D3D11.VSync()
			}
			var got uint32
			hr, level := CreateDevice(func(level uint32) int32 {
				hr, _, _ := syscall.SyscallN(create, adapter, driverType, software, flags, uintptr(unsafe.Pointer(&level)), 1, sdkVersion, desc, swapChain, device, uintptr(unsafe.Pointer(&got)), context)
				return int32(hr)
			})
			if hr >= 0 && featureLevel != 0 {
				*(*uint32)(unsafe.Pointer(featureLevel)) = level
			}
			return uintptr(hr)
		}),

		LoadArchive: windows.NewCallback(func(a1, a2, a3, a4 uintptr) uintptr {
			r, _, _ := syscall.SyscallN(s.ArchiveManager.Addrs().LoadArchive, a1, a2, a3, a4)
			return r
		}),
		LoadStreamArchive: windows.NewCallback(func(a1, a2, a3, a4 uintptr) uintptr {
			r, _, _ := syscall.SyscallN(s.ArchiveManager.Addrs().Stream, a1, a2, a3, a4)
			return r
		}),
		LoadStreamArchiveEx: windows.NewCallback(func(a1, a2, a3, a4 uintptr) uintptr {
			r, _, _ := syscall.SyscallN(s.ArchiveManager.Addrs().Stream, a1, a2, a3, a4)
			return r
		}),
		LoadTesFile: windows.NewCallback(func(file uintptr) uintptr {
			// plugin names need the host's file object layout, so only
			// selection is tracked here
			s.ArchiveManager.LoadTesFile(file, "")
			r, _, _ := syscall.SyscallN(s.ArchiveManager.Addrs().LoadTesFile, file)
			return r
		}),
		LoadTesFileFinal: windows.NewCallback(func(hwnd, msg, wparam, lparam uintptr) uintptr {
			r := api.SendMessage(HWND(hwnd), uint32(msg), wparam, lparam)
			s.ArchiveManager.LoadTesFileFinal()
			return r
		}),

		RenderWindowProc: windows.NewCallback(func(hwnd, msg, wparam, lparam uintptr) uintptr {
			return s.RenderWindow.WndProc(api, HWND(hwnd), uint32(msg), wparam, lparam)
		}),

		ObjectWindowProc: windows.NewCallback(func(hwnd, msg, wparam, lparam uintptr) uintptr {
			return s.ObjectWindow.WndProc(api, HWND(hwnd), uint32(msg), wparam, lparam)
		}),
		ObjectWindowMove: windows.NewCallback(func(hwnd, x, y, w, h, repaint uintptr) uintptr {
			if s.ObjectWindow.MoveWindow(api, HWND(hwnd), int32(x), int32(y), int32(w), int32(h), repaint != 0) {
				return 1
			}
			return 0
		}),
		ObjectWindowFilter: windows.NewCallback(func(insertData, form uintptr) uintptr {
			return s.ObjectWindow.InsertItem(api, insertData, form, func() uintptr {
				_, insert := s.ObjectWindow.Original()
				r, _, _ := syscall.SyscallN(insert, insertData, form)
				return r
			})
		}),
		ObjectWindowFilterText: windows.NewCallback(func(list, form, filterText uintptr) uintptr {
			return s.ObjectWindow.FilterItem(api, HWND(list), form, func(text string) bool {
				p, err := windows.BytePtrFromString(text)
				if err != nil {
					return false
				}
				r, _, _ := syscall.SyscallN(s.ObjectWindow.Matcher(), uintptr(unsafe.Pointer(p)), filterText, 0)
				return int32(r) != 0
			})
		}),
	}

	*s = *New(opts)
	return s, nil
}
