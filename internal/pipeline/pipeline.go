// Package pipeline runs a build from locating the native library to writing
// its binding module.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/goplus/pgqbuild/internal/announce"
	"github.com/goplus/pgqbuild/internal/bindgen"
	"github.com/goplus/pgqbuild/internal/env"
	"github.com/goplus/pgqbuild/internal/ledger"
	"github.com/goplus/pgqbuild/internal/locate"
	"github.com/goplus/pgqbuild/internal/native"
	"github.com/goplus/pgqbuild/internal/stage"
	"github.com/goplus/pgqbuild/pkgs/buildsys"
	"github.com/goplus/pgqbuild/pkgs/buildsys/cc"
	"github.com/qiniu/x/log"
)

// State is a step of the build.
type State int

const (
	Start State = iota
	Locate
	Stage
	Compile
	AnnounceLink
	GenerateBindings
	Done
	Failed
)

var stateNames = [...]string{
	Start:            "Start",
	Locate:           "Locate",
	Stage:            "Stage",
	Compile:          "Compile",
	AnnounceLink:     "AnnounceLink",
	GenerateBindings: "GenerateBindings",
	Done:             "Done",
	Failed:           "Failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// StageError reports the step a build failed in.
type StageError struct {
	State State
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.State, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Result describes a finished build.
type Result struct {
	Source       locate.Source
	StagedFiles  []string
	StagedDigest string

	Archive       string
	ArchiveDigest string

	Linkage announce.Linkage

	Header         string
	Bindings       string
	BindingsDigest string
	PGVersion      string
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRunner sets the runner for toolchain commands.
func WithRunner(r cc.Runner) Option {
	return func(p *Pipeline) { p.runner = r }
}

// WithAnnouncer sends link directives to w. Each run announces once.
func WithAnnouncer(w io.Writer, prefix string) Option {
	return func(p *Pipeline) {
		p.out = w
		p.prefix = prefix
	}
}

// WithLedger records every successful run in l.
func WithLedger(l *ledger.Ledger) Option {
	return func(p *Pipeline) { p.ledger = l }
}

// OnTransition registers fn to be called on every state change.
func OnTransition(fn func(from, to State)) Option {
	return func(p *Pipeline) { p.hook = fn }
}

// Pipeline builds libpg_query and its bindings for one configuration.
type Pipeline struct {
	cfg    *env.Config
	runner cc.Runner
	out    io.Writer
	prefix string
	ledger *ledger.Ledger
	hook   func(from, to State)

	state State
}

func New(cfg *env.Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:    cfg,
		runner: cc.ExecRunner{},
		out:    os.Stdout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// State returns the state the last run stopped in.
func (p *Pipeline) State() State {
	return p.state
}

func (p *Pipeline) enter(s State) {
	from := p.state
	p.state = s
	log.Debugf("pipeline: %s -> %s", from, s)
	if p.hook != nil {
		p.hook(from, s)
	}
}

func (p *Pipeline) fail(err error) error {
	s := p.state
	p.enter(Failed)
	return &StageError{State: s, Err: err}
}

// step moves to s unless ctx is done.
func (p *Pipeline) step(ctx context.Context, s State) error {
	p.enter(s)
	return ctx.Err()
}

// Run executes one build. Any failure aborts it; nothing is retried.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	cfg := p.cfg
	p.state = Start
	if err := p.step(ctx, Locate); err != nil {
		return nil, p.fail(err)
	}
	src := locate.Locate(cfg)
	log.Infof("pgqbuild: using %s libpg_query at %s", src.Mode, src.Root)
	res := &Result{Source: src}

	if src.Mode == locate.Bundled {
		if err := p.stage(ctx, res); err != nil {
			return nil, p.fail(err)
		}
		if err := p.compile(ctx, res); err != nil {
			return nil, p.fail(err)
		}
		res.Linkage = announce.Linkage{SearchDir: cfg.OutDir, Lib: native.LibName}
	} else {
		res.Linkage = announce.Linkage{SearchDir: src.LibDir(), Lib: native.LibName}
	}

	if err := p.step(ctx, AnnounceLink); err != nil {
		return nil, p.fail(err)
	}
	if src.Mode == locate.External {
		if _, err := os.Stat(src.LibDir()); err != nil {
			log.Warnf("pgqbuild: external library directory: %v", err)
		}
	}
	if err := announce.New(p.out, p.prefix).Announce(res.Linkage); err != nil {
		return nil, p.fail(err)
	}

	if err := p.step(ctx, GenerateBindings); err != nil {
		return nil, p.fail(err)
	}
	if err := p.bindings(res); err != nil {
		return nil, p.fail(err)
	}

	p.record(res)
	p.enter(Done)
	return res, nil
}

func (p *Pipeline) stage(ctx context.Context, res *Result) error {
	if err := p.step(ctx, Stage); err != nil {
		return err
	}
	files, err := stage.Stage(native.Manifest(), p.cfg.SourceDir, p.cfg.OutDir)
	if err != nil {
		return err
	}
	res.StagedFiles = files
	res.StagedDigest, err = stage.Digest(p.cfg.OutDir, files)
	if err != nil {
		return fmt.Errorf("digest staged tree: %w", err)
	}
	log.Infof("pgqbuild: staged %d files into %s", len(files), p.cfg.OutDir)
	return nil
}

func (p *Pipeline) compile(ctx context.Context, res *Result) error {
	if err := p.step(ctx, Compile); err != nil {
		return err
	}
	b, err := native.Configure(p.cfg, p.cfg.OutDir)
	if err != nil {
		return err
	}
	b.WithRunner(p.runner)
	log.Infof("pgqbuild: compiling libpg_query for %s", p.cfg.Target)
	if _, err := buildsys.Run(ctx, b); err != nil {
		return err
	}
	log.Infof("pgqbuild: compiled %d translation units", len(b.Plan().Units))
	res.Archive = b.ArchivePath()
	res.ArchiveDigest, err = fileDigest(res.Archive)
	return err
}

func (p *Pipeline) bindings(res *Result) error {
	cfg := p.cfg
	res.Header = res.Source.Header(cfg.OutDir)
	h, sum, err := bindgen.Generate(res.Header, cfg.OutDir, bindgen.Options{
		Package:      cfg.Package,
		IncludeDir:   res.Source.IncludeDir(cfg.OutDir),
		Linkage:      res.Linkage,
		MinPGVersion: cfg.MinPGVersion,
	})
	if err != nil {
		return err
	}
	res.Bindings = filepath.Join(cfg.OutDir, bindgen.BindingsFile)
	res.BindingsDigest = sum
	res.PGVersion = h.PGVersion()
	log.Infof("pgqbuild: wrote %s (%d functions)", res.Bindings, len(h.FuncNames()))
	return nil
}

// record stores the run in the ledger and warns about outputs that changed
// since the last run of the same configuration.
func (p *Pipeline) record(res *Result) {
	if p.ledger == nil {
		return
	}
	next := &ledger.Record{
		Fingerprint:    p.cfg.Fingerprint(),
		Target:         p.cfg.Target,
		Profile:        p.cfg.Profile,
		Mode:           res.Source.Mode.String(),
		StagedDigest:   res.StagedDigest,
		ArchiveDigest:  res.ArchiveDigest,
		BindingsDigest: res.BindingsDigest,
		PGVersion:      res.PGVersion,
		BuildTime:      time.Now().UTC(),
	}
	prev, err := p.ledger.Get(next.Fingerprint)
	if err != nil {
		log.Warnf("pgqbuild: ledger: %v", err)
	}
	drift := ledger.Compare(prev, next)
	if drift.Staged {
		log.Warnf("pgqbuild: staged sources changed since the build of %s", prev.BuildTime.Format(time.RFC3339))
	}
	if drift.Bindings {
		log.Warnf("pgqbuild: binding module changed since the build of %s", prev.BuildTime.Format(time.RFC3339))
	}
	if err := p.ledger.Put(next); err != nil {
		log.Warnf("pgqbuild: ledger: %v", err)
	}
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
