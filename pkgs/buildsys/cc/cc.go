// Package cc drives a C compiler and archiver directly to turn a set of
// translation units into one static archive.
package cc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goplus/pgqbuild/pkgs/buildsys"
	"github.com/qiniu/x/log"
	"golang.org/x/sync/errgroup"
)

// Plan is the resolved compilation unit set.
type Plan struct {
	Toolchain string   `yaml:"toolchain"`
	Compiler  string   `yaml:"compiler"`
	Archiver  string   `yaml:"archiver"`
	Archive   string   `yaml:"archive"`
	Includes  []string `yaml:"includes"`
	Defines   []string `yaml:"defines,omitempty"`
	Flags     []string `yaml:"flags"`
	Units     []Unit   `yaml:"units"`
}

// Unit is one translation unit and the command that compiles it.
type Unit struct {
	Source string   `yaml:"source"`
	Object string   `yaml:"object"`
	Args   []string `yaml:"-"`
}

type defineValue struct {
	value string
	bare  bool
}

// Build wraps compile and archive steps with chainable configuration.
type Build struct {
	lib        string
	tc         Toolchain
	SourceDir  string
	installDir string

	includes []string
	Defines  map[string]defineValue
	files    []string
	flags    []string
	warnings bool
	optLevel string
	debug    bool
	jobs     int
	env      map[string]string
	runner   Runner

	plan *Plan
}

var _ buildsys.BuildSystem = (*Build)(nil)

// New creates a driver producing the static library lib with toolchain tc.
func New(lib string, tc Toolchain) *Build {
	b := &Build{
		lib:      lib,
		tc:       tc,
		Defines:  map[string]defineValue{},
		env:      map[string]string{},
		warnings: true,
		optLevel: "2",
		jobs:     1,
		runner:   ExecRunner{},
	}
	for k, v := range tc.Env {
		b.Env(k, v)
	}
	return b
}

func (b *Build) Source(dir string) {
	b.SourceDir = dir
}

func (b *Build) InstallDir(dir string) {
	b.installDir = dir
}

func (b *Build) Env(key, value string) {
	if b.env == nil {
		b.env = map[string]string{}
	}
	b.env[key] = value
}

// Include adds include directories, relative ones resolved against the
// source dir.
func (b *Build) Include(dirs ...string) *Build {
	b.includes = append(b.includes, dirs...)
	return b
}

// Define adds -Dkey=value.
func (b *Build) Define(key, value string) *Build {
	if b.Defines == nil {
		b.Defines = map[string]defineValue{}
	}
	b.Defines[key] = defineValue{value: value}
	return b
}

// DefineFlag adds -Dkey with no value.
func (b *Build) DefineFlag(key string) *Build {
	if b.Defines == nil {
		b.Defines = map[string]defineValue{}
	}
	b.Defines[key] = defineValue{bare: true}
	return b
}

// File adds translation units, relative ones resolved against the source
// dir. Units are compiled and archived in the order given.
func (b *Build) File(files ...string) *Build {
	b.files = append(b.files, files...)
	return b
}

// Flag adds raw compiler flags after the generated ones.
func (b *Build) Flag(flags ...string) *Build {
	b.flags = append(b.flags, flags...)
	return b
}

func (b *Build) Warnings(on bool) *Build {
	b.warnings = on
	return b
}

func (b *Build) Opt(level string) *Build {
	b.optLevel = level
	return b
}

// Debug enables debug info.
func (b *Build) Debug(on bool) *Build {
	b.debug = on
	return b
}

// Jobs bounds the number of concurrent compiler processes.
func (b *Build) Jobs(n int) *Build {
	if n < 1 {
		n = 1
	}
	b.jobs = n
	return b
}

func (b *Build) WithRunner(r Runner) *Build {
	b.runner = r
	return b
}

// OutputDir returns the install dir if set, otherwise the source dir.
func (b *Build) OutputDir() string {
	if b.installDir != "" {
		return b.installDir
	}
	return b.SourceDir
}

// ArchivePath returns where Install writes the archive.
func (b *Build) ArchivePath() string {
	return filepath.Join(b.OutputDir(), b.tc.ArchiveName(b.lib))
}

// Plan returns the plan resolved by Configure, or nil before it.
func (b *Build) Plan() *Plan {
	return b.plan
}

// Configure resolves the compilation unit set. It runs nothing.
func (b *Build) Configure(ctx context.Context) error {
	if len(b.files) == 0 {
		return errors.New("cc: no translation units")
	}
	p := &Plan{
		Toolchain: b.tc.Family.String(),
		Compiler:  b.tc.CC,
		Archiver:  b.tc.AR,
		Archive:   b.ArchivePath(),
		Defines:   b.definesArgs(),
	}
	for _, dir := range b.includes {
		p.Includes = append(p.Includes, b.abs(dir))
	}
	p.Flags = b.commonFlags()

	objDir := filepath.Join(b.OutputDir(), "obj")
	seen := make(map[string]string, len(b.files))
	for _, f := range b.files {
		src := b.abs(f)
		obj := filepath.Join(objDir, objectName(b.rel(src), b.tc.ObjExt()))
		if prev, ok := seen[obj]; ok {
			return fmt.Errorf("cc: %s and %s map to the same object", prev, src)
		}
		seen[obj] = src
		p.Units = append(p.Units, Unit{
			Source: src,
			Object: obj,
			Args:   b.compileArgs(p, src, obj),
		})
	}
	b.plan = p
	return nil
}

// Build compiles every unit, at most Jobs at a time. When several units fail
// the error of the first one in input order is returned.
func (b *Build) Build(ctx context.Context) error {
	if b.plan == nil {
		if err := b.Configure(ctx); err != nil {
			return err
		}
	}
	p := b.plan
	if err := os.MkdirAll(filepath.Join(b.OutputDir(), "obj"), 0o755); err != nil {
		return err
	}

	errs := make([]error, len(p.Units))
	var g errgroup.Group
	g.SetLimit(b.jobs)
	for i, u := range p.Units {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			cmd := &Command{Name: p.Compiler, Args: u.Args, Dir: b.SourceDir, Env: b.env}
			log.Debugf("cc: %s", cmd)
			errs[i] = run(ctx, b.runner, cmd)
			return nil
		})
	}
	_ = g.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Install archives the compiled objects, replacing any previous archive.
func (b *Build) Install(ctx context.Context) error {
	if b.plan == nil {
		return errors.New("cc: install before configure")
	}
	p := b.plan
	if err := os.MkdirAll(filepath.Dir(p.Archive), 0o755); err != nil {
		return err
	}
	if err := os.Remove(p.Archive); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	objs := make([]string, len(p.Units))
	for i, u := range p.Units {
		objs[i] = u.Object
	}

	var args []string
	env := make(map[string]string, len(b.env)+1)
	for k, v := range b.env {
		env[k] = v
	}
	if b.tc.Family == MSVC {
		args = append([]string{"/nologo", "/OUT:" + p.Archive}, objs...)
	} else {
		mode := "crs"
		if !b.tc.Apple {
			mode += "D"
		}
		env["ZERO_AR_DATE"] = "1"
		args = append([]string{mode, p.Archive}, objs...)
	}
	cmd := &Command{Name: p.Archiver, Args: args, Dir: b.SourceDir, Env: env}
	log.Debugf("cc: %s", cmd)
	return run(ctx, b.runner, cmd)
}

func (b *Build) commonFlags() []string {
	var flags []string
	if b.tc.Family == MSVC {
		flags = append(flags, "/nologo", "/c", "/MD")
		if b.optLevel == "0" {
			flags = append(flags, "/Od")
		} else {
			flags = append(flags, "/O2")
		}
		if b.debug {
			flags = append(flags, "/Z7")
		}
		if !b.warnings {
			flags = append(flags, "/W0")
		}
		return append(flags, b.flags...)
	}
	flags = append(flags, "-O"+b.optLevel)
	if b.debug {
		flags = append(flags, "-g")
	}
	if !b.tc.Windows {
		flags = append(flags, "-fPIC")
	}
	flags = append(flags, "-ffunction-sections", "-fdata-sections")
	if !b.warnings {
		flags = append(flags, "-w")
	}
	return append(flags, b.flags...)
}

func (b *Build) compileArgs(p *Plan, src, obj string) []string {
	args := append([]string(nil), p.Flags...)
	if b.tc.Family == MSVC {
		for _, dir := range p.Includes {
			args = append(args, "/I"+dir)
		}
		for _, d := range p.Defines {
			args = append(args, "/D"+d)
		}
		return append(args, "/Fo"+obj, src)
	}
	for _, dir := range p.Includes {
		args = append(args, "-I"+dir)
	}
	for _, d := range p.Defines {
		args = append(args, "-D"+d)
	}
	return append(args, "-c", src, "-o", obj)
}

func (b *Build) definesArgs() []string {
	if len(b.Defines) == 0 {
		return nil
	}
	keys := make([]string, 0, len(b.Defines))
	for k := range b.Defines {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]string, 0, len(keys))
	for _, k := range keys {
		def := b.Defines[k]
		if def.bare {
			args = append(args, k)
			continue
		}
		args = append(args, k+"="+def.value)
	}
	return args
}

func (b *Build) abs(p string) string {
	if filepath.IsAbs(p) || b.SourceDir == "" {
		return filepath.Clean(p)
	}
	return filepath.Join(b.SourceDir, p)
}

func (b *Build) rel(p string) string {
	if b.SourceDir != "" {
		if r, err := filepath.Rel(b.SourceDir, p); err == nil && filepath.IsLocal(r) {
			return filepath.ToSlash(r)
		}
	}
	return filepath.ToSlash(p)
}

// objectName derives "<base>-<dir hash>.o" so that equal basenames in
// different directories never collide.
func objectName(rel, ext string) string {
	dir, file := path.Split(rel)
	sum := sha256.Sum256([]byte(strings.TrimSuffix(dir, "/")))
	base := strings.TrimSuffix(file, path.Ext(file))
	return base + "-" + hex.EncodeToString(sum[:4]) + ext
}
