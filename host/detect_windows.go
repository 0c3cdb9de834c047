//go:build windows

package host

import "golang.org/x/sys/windows"

func osVersion() OSVersion {
	v := windows.RtlGetVersion()
	return OSVersion{
		Major: v.MajorVersion,
		Minor: v.MinorVersion,
		Build: v.BuildNumber,
	}
}
