//go:build !windows

package host

// osVersion reports a zero version, which fails every AtLeast check with a
// non-zero major version.
func osVersion() OSVersion {
	return OSVersion{}
}
