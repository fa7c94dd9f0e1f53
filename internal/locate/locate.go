// Package locate decides whether the native library comes from an external
// installation or from the bundled source tree.
package locate

import (
	"path/filepath"

	"github.com/goplus/pgqbuild/internal/env"
)

// HeaderName is the public header of the native library.
const HeaderName = "pg_query.h"

// Mode says where the native library comes from.
type Mode int

const (
	// Bundled means sources must be staged and compiled from the vendored copy.
	Bundled Mode = iota
	// External means a prebuilt archive and header are already installed.
	External
)

func (m Mode) String() string {
	switch m {
	case Bundled:
		return "bundled"
	case External:
		return "external"
	}
	return "unknown"
}

// Source is the outcome of Locate.
type Source struct {
	Mode Mode
	// Root is the external installation directory, or the bundled source
	// tree when Mode is Bundled.
	Root string
}

// Locate picks the source mode. It only looks at whether an external path
// was supplied; the directories are validated by later stages.
func Locate(cfg *env.Config) Source {
	if cfg.HasExternal {
		return Source{Mode: External, Root: cfg.ExternalPath}
	}
	return Source{Mode: Bundled, Root: cfg.SourceDir}
}

// LibDir returns the directory holding the prebuilt archive of an external
// installation.
func (s Source) LibDir() string {
	return filepath.Join(s.Root, "lib")
}

// IncludeDir returns the directory holding the header. For bundled builds
// the header is staged at the root of outDir.
func (s Source) IncludeDir(outDir string) string {
	if s.Mode == External {
		return filepath.Join(s.Root, "include")
	}
	return outDir
}

// Header returns the path of the header the bindings are generated from.
func (s Source) Header(outDir string) string {
	return filepath.Join(s.IncludeDir(outDir), HeaderName)
}
