package host

import (
	"fmt"
	"sort"

	"github.com/klauspost/cpuid/v2"
)

// Identity is the edition and exact file version of the running editor.
type Identity struct {
	Edition Edition
	Build   string
}

func (id Identity) String() string {
	if id.Build == "" {
		return id.Edition.String()
	}
	return fmt.Sprintf("%s (%s)", id.Edition, id.Build)
}

// OSVersion is the version of the operating system the host runs on.
type OSVersion struct {
	Major, Minor, Build uint32
}

// AtLeast returns true if the version is major.minor or newer.
func (v OSVersion) AtLeast(major, minor uint32) bool {
	return v.Major > major || (v.Major == major && v.Minor >= minor)
}

func (v OSVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Build)
}

// CPU describes the processor the host runs on.
type CPU struct {
	Vendor     string
	Brand      string
	Cores      int
	Features   []string
	Hypervisor string // empty when not virtualized
}

// VM returns true if the host runs under a hypervisor.
func (c CPU) VM() bool {
	return c.Hypervisor != ""
}

// Has returns true if the CPU reports the named feature (e.g. AVX2).
func (c CPU) Has(feature string) bool {
	i := sort.SearchStrings(c.Features, feature)
	return i < len(c.Features) && c.Features[i] == feature
}

// Host is everything modules may gate on.
type Host struct {
	Identity
	OS  OSVersion
	CPU CPU
}

// Detect fills in the OS and CPU details for an identified editor.
func Detect(id Identity) Host {
	return Host{
		Identity: id,
		OS:       osVersion(),
		CPU:      detectCPU(),
	}
}

func detectCPU() CPU {
	c := CPU{
		Vendor: cpuid.CPU.VendorString,
		Brand:  cpuid.CPU.BrandName,
		Cores:  cpuid.CPU.PhysicalCores,
	}
	c.Features = cpuid.CPU.FeatureSet()
	sort.Strings(c.Features)
	if cpuid.CPU.VM() {
		c.Hypervisor = cpuid.CPU.HypervisorVendorString
		if c.Hypervisor == "" {
			c.Hypervisor = cpuid.CPU.HypervisorVendorID.String()
		}
	}
	return c
}
