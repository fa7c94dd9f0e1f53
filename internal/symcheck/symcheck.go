// Package symcheck verifies that a shared build of the native library
// exports the functions declared by its header.
package symcheck

import (
	"errors"
	"sort"
)

// ErrUnsupported is returned on platforms without dlopen.
var ErrUnsupported = errors.New("symcheck: not supported on this platform")

// Check loads the shared library at libPath and returns the names it does
// not export, sorted.
func Check(libPath string, names []string) (missing []string, err error) {
	missing, err = check(libPath, names)
	sort.Strings(missing)
	return
}
