// Package native describes how libpg_query is staged and compiled.
package native

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/goplus/pgqbuild/internal/env"
	"github.com/goplus/pgqbuild/internal/stage"
	"github.com/goplus/pgqbuild/pkgs/buildsys/cc"
)

// LibName is the name the archive and link directive use.
const LibName = "pg_query"

// Manifest lists the paths copied out of the bundled source tree.
func Manifest() stage.Manifest {
	return stage.Manifest{
		{Src: "pg_query.h", Dst: "pg_query.h"},
		{Src: "src", Dst: "src"},
		{Src: "vendor", Dst: "vendor"},
		{Src: "protobuf", Dst: "protobuf", Optional: true},
	}
}

var sourceGlobs = []string{"src/*.c", "src/postgres/*.c"}

const xxhashSource = "vendor/xxhash/xxhash.c"

var protobufSources = []string{
	"vendor/protobuf-c/protobuf-c.c",
	"protobuf/pg_query.pb-c.c",
}

// Includes returns the include directories, relative to the staged root,
// for the target of cfg.
func Includes(cfg *env.Config) []string {
	dirs := []string{".", "vendor", "src/postgres/include", "src/include"}
	if cfg.IsWindows() {
		dirs = append(dirs, "src/postgres/include/port/win32")
		if cfg.IsMSVC() {
			dirs = append(dirs, "src/postgres/include/port/win32_msvc")
		}
	}
	return dirs
}

// Sources globs the translation units of the staged tree at root. Paths are
// relative to root.
func Sources(root string) ([]string, error) {
	var files []string
	for i, pattern := range sourceGlobs {
		matches, err := filepath.Glob(filepath.Join(root, filepath.FromSlash(pattern)))
		if err != nil {
			return nil, err
		}
		if i == 0 && len(matches) == 0 {
			return nil, fmt.Errorf("native: no sources match %s under %s", pattern, root)
		}
		sort.Strings(matches)
		for _, m := range matches {
			rel, err := filepath.Rel(root, m)
			if err != nil {
				return nil, err
			}
			files = append(files, filepath.ToSlash(rel))
		}
	}
	files = append(files, xxhashSource)
	if fi, err := os.Stat(filepath.Join(root, "protobuf")); err == nil && fi.IsDir() {
		files = append(files, protobufSources...)
	}
	return files, nil
}

// Configure assembles the compile job for the staged tree at root.
func Configure(cfg *env.Config, root string) (*cc.Build, error) {
	files, err := Sources(root)
	if err != nil {
		return nil, err
	}
	b := cc.New(LibName, cc.Detect(cfg.Target, cfg.CC, cfg.AR))
	b.Source(root)
	b.InstallDir(cfg.OutDir)
	b.Include(Includes(cfg)...).
		File(files...).
		Warnings(false).
		Opt(cfg.OptLevel).
		Debug(cfg.Profile == "debug").
		Jobs(cfg.Jobs).
		Flag(cfg.CFlags...)
	if cfg.DebugAssertions() {
		b.DefineFlag("USE_ASSERT_CHECKING")
	}
	return b, nil
}
