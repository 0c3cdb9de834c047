//go:build !windows

package patches

import "errors"

// Native is only available on Windows.
func Native(opts Options) (*Set, error) {
	return nil, errors.New("native hooks are only available on windows")
}
