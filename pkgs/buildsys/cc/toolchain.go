package cc

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/goplus/pgqbuild/pkgs/gnu"
	"github.com/qiniu/x/log"
)

// Family is the command-line dialect of a C toolchain.
type Family int

const (
	GNU Family = iota
	MSVC
)

func (f Family) String() string {
	if f == MSVC {
		return "msvc"
	}
	return "gnu"
}

// Toolchain names the compiler and archiver for one target.
type Toolchain struct {
	Family  Family
	CC      string
	AR      string
	Windows bool
	Apple   bool
	// Env is set on every compiler and archiver invocation.
	Env map[string]string
}

// Detect picks the toolchain for a target triple. Empty overrides select the
// family default.
func Detect(target, ccOverride, arOverride string) Toolchain {
	tc := Toolchain{
		Windows: strings.Contains(target, "windows"),
		Apple:   strings.Contains(target, "apple") || strings.Contains(target, "darwin"),
		CC:      ccOverride,
		AR:      arOverride,
	}
	if tc.Windows && strings.Contains(target, "msvc") {
		tc.Family = MSVC
		if tc.CC == "" {
			tc.CC = "cl.exe"
			if _, err := exec.LookPath(tc.CC); err != nil {
				if cl, ok := findMSVC(); ok {
					log.Debugf("cc: found %s via registry", cl)
					tc.CC = cl
					tc.Env = toolsetEnv(cl, os.Getenv)
				}
			}
		}
		if tc.AR == "" {
			tc.AR = "lib.exe"
			if tc.CC != "cl.exe" {
				tc.AR = siblingTool(tc.CC, "lib.exe")
			}
		}
		return tc
	}
	if tc.CC == "" {
		tc.CC = "cc"
	}
	if tc.AR == "" {
		tc.AR = "ar"
	}
	return tc
}

// ObjExt returns the object file extension of the family.
func (tc Toolchain) ObjExt() string {
	if tc.Family == MSVC {
		return ".obj"
	}
	return ".o"
}

// ArchiveName returns the static archive file name for lib.
func (tc Toolchain) ArchiveName(lib string) string {
	if tc.Family == MSVC {
		return lib + ".lib"
	}
	return "lib" + lib + ".a"
}

// toolsetEnv returns the INCLUDE and LIB a cl.exe outside a developer prompt
// needs to find its own headers and runtime libraries. Existing values are
// kept after the toolset's, so Windows SDK paths set by the caller survive.
// It returns nil when cl is not inside a .../MSVC/<version>/bin tree.
func toolsetEnv(cl string, getenv func(string) string) map[string]string {
	root := filepath.Dir(filepath.Dir(filepath.Dir(filepath.Dir(cl))))
	if filepath.Base(filepath.Dir(root)) != "MSVC" {
		return nil
	}
	env := map[string]string{
		"INCLUDE": filepath.Join(root, "include"),
		"LIB":     filepath.Join(root, "lib", "x64"),
	}
	for k, v := range env {
		if old := getenv(k); old != "" {
			env[k] = v + ";" + old
		}
	}
	return env
}

// newestToolset returns the cl.exe whose MSVC toolset directory carries the
// highest version. Paths look like .../VC/Tools/MSVC/<version>/bin/Hostx64/x64/cl.exe.
func newestToolset(paths []string) string {
	if len(paths) == 0 {
		return ""
	}
	toolset := func(p string) string {
		rel := filepath.ToSlash(p)
		if i := strings.Index(rel, "/MSVC/"); i >= 0 {
			rel = rel[i+len("/MSVC/"):]
			if j := strings.IndexByte(rel, '/'); j >= 0 {
				return rel[:j]
			}
		}
		return rel
	}
	best := paths[0]
	for _, p := range paths[1:] {
		if gnu.Compare(toolset(p), toolset(best)) > 0 {
			best = p
		}
	}
	return best
}
