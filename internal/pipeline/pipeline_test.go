package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/goplus/pgqbuild/internal/bindgen"
	"github.com/goplus/pgqbuild/internal/env"
	"github.com/goplus/pgqbuild/internal/ledger"
	"github.com/goplus/pgqbuild/internal/locate"
	"github.com/goplus/pgqbuild/internal/stage"
	"github.com/goplus/pgqbuild/pkgs/buildsys/cc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu   sync.Mutex
	cmds []*cc.Command
	fail bool
}

func (f *fakeRunner) Run(ctx context.Context, c *cc.Command) ([]byte, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, c)
	if f.fail {
		return []byte("partial"), []byte("fatal error: boom.h: No such file"), fmt.Errorf("exit status 1")
	}
	return nil, nil, nil
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cmds)
}

// sourceTree copies the fixture library into a fresh directory.
func sourceTree(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "libpg_query")
	require.NoError(t, os.CopyFS(dir, os.DirFS(filepath.Join("testdata", "libpg_query"))))
	return dir
}

func loadConfig(t *testing.T, vars map[string]string) *env.Config {
	t.Helper()
	base := map[string]string{
		env.VarOutDir:  t.TempDir(),
		env.VarTarget:  "x86_64-unknown-linux",
		env.VarProfile: "debug",
		env.VarJobs:    "2",
	}
	for k, v := range vars {
		base[k] = v
	}
	cfg, err := env.Load(env.Map(base))
	require.NoError(t, err)
	return cfg
}

type recorder struct {
	states []State
}

func (r *recorder) hook(from, to State) {
	r.states = append(r.states, to)
}

func TestBundledRun(t *testing.T) {
	cfg := loadConfig(t, map[string]string{env.VarSourceDir: sourceTree(t)})
	runner := &fakeRunner{}
	var out bytes.Buffer
	rec := &recorder{}

	p := New(cfg, WithRunner(runner), WithAnnouncer(&out, ""), OnTransition(rec.hook))
	res, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []State{Locate, Stage, Compile, AnnounceLink, GenerateBindings, Done}, rec.states)
	assert.Equal(t, Done, p.State())
	assert.Equal(t, locate.Bundled, res.Source.Mode)

	assert.Contains(t, res.StagedFiles, "pg_query.h")
	assert.Contains(t, res.StagedFiles, "src/postgres/include/c.h")
	assert.FileExists(t, filepath.Join(cfg.OutDir, "vendor", "xxhash", "xxhash.c"))
	assert.NoDirExists(t, filepath.Join(cfg.OutDir, "protobuf"))

	assert.Equal(t, filepath.Join(cfg.OutDir, "libpg_query.a"), res.Archive)
	assert.Equal(t, fmt.Sprintf("pgqbuild:link-search=native=%s\npgqbuild:link-lib=static=pg_query\n", cfg.OutDir), out.String())

	// three units and one archive step
	require.Equal(t, 4, runner.count())
	for _, c := range runner.cmds[:3] {
		assert.Contains(t, c.Args, "-DUSE_ASSERT_CHECKING")
		assert.Contains(t, c.Args, "-w")
		for _, a := range c.Args {
			assert.NotContains(t, a, "win32")
		}
	}
	assert.Equal(t, "ar", runner.cmds[3].Name)

	src, err := os.ReadFile(res.Bindings)
	require.NoError(t, err)
	_, err = parser.ParseFile(token.NewFileSet(), res.Bindings, src, 0)
	require.NoError(t, err)
	assert.Contains(t, string(src), "-L"+cfg.OutDir+" -lpg_query")
	assert.Equal(t, "17.4", res.PGVersion)
}

func TestRunDropsProtobufRemovedFromSources(t *testing.T) {
	src := sourceTree(t)
	for name, body := range map[string]string{
		"protobuf/pg_query.pb-c.c":       "int pb;\n",
		"vendor/protobuf-c/protobuf-c.c": "int pbc;\n",
	} {
		p := filepath.Join(src, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	cfg := loadConfig(t, map[string]string{env.VarSourceDir: src})

	sources := func(r *fakeRunner) []string {
		var out []string
		for _, c := range r.cmds {
			if c.Name == "ar" {
				continue
			}
			for i, a := range c.Args {
				if a == "-c" && i+1 < len(c.Args) {
					out = append(out, c.Args[i+1])
				}
			}
		}
		return out
	}

	first := &fakeRunner{}
	_, err := New(cfg, WithRunner(first), WithAnnouncer(&bytes.Buffer{}, "")).Run(context.Background())
	require.NoError(t, err)
	assert.Contains(t, sources(first), filepath.Join(cfg.OutDir, "protobuf", "pg_query.pb-c.c"))

	require.NoError(t, os.RemoveAll(filepath.Join(src, "protobuf")))
	require.NoError(t, os.RemoveAll(filepath.Join(src, "vendor", "protobuf-c")))

	second := &fakeRunner{}
	_, err = New(cfg, WithRunner(second), WithAnnouncer(&bytes.Buffer{}, "")).Run(context.Background())
	require.NoError(t, err)
	assert.NoDirExists(t, filepath.Join(cfg.OutDir, "protobuf"))
	for _, s := range sources(second) {
		assert.NotContains(t, s, "pb-c")
		assert.NotContains(t, s, "protobuf-c")
		assert.FileExists(t, s)
	}
	assert.Len(t, sources(second), 3)
}

func TestReleaseRunHasNoAssertions(t *testing.T) {
	cfg := loadConfig(t, map[string]string{
		env.VarSourceDir: sourceTree(t),
		env.VarProfile:   "release",
	})
	runner := &fakeRunner{}
	_, err := New(cfg, WithRunner(runner), WithAnnouncer(&bytes.Buffer{}, "")).Run(context.Background())
	require.NoError(t, err)
	for _, c := range runner.cmds {
		assert.NotContains(t, c.Args, "-DUSE_ASSERT_CHECKING")
	}
}

func TestBundledRunIsIdempotent(t *testing.T) {
	cfg := loadConfig(t, map[string]string{env.VarSourceDir: sourceTree(t)})

	run := func() (*Result, []byte) {
		res, err := New(cfg, WithRunner(&fakeRunner{}), WithAnnouncer(&bytes.Buffer{}, "")).Run(context.Background())
		require.NoError(t, err)
		src, err := os.ReadFile(res.Bindings)
		require.NoError(t, err)
		return res, src
	}
	first, firstSrc := run()
	second, secondSrc := run()

	assert.Equal(t, first.StagedFiles, second.StagedFiles)
	assert.Equal(t, first.StagedDigest, second.StagedDigest)
	assert.Equal(t, first.BindingsDigest, second.BindingsDigest)
	assert.Equal(t, firstSrc, secondSrc)

	again, err := stage.Digest(cfg.OutDir, second.StagedFiles)
	require.NoError(t, err)
	assert.Equal(t, first.StagedDigest, again)
}

func TestExternalRunSkipsStagingAndCompilation(t *testing.T) {
	ext := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ext, "lib"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(ext, "include"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ext, "lib", "libpg_query.a"), []byte("!<arch>\n"), 0o644))
	header, err := os.ReadFile(filepath.Join("testdata", "libpg_query", "pg_query.h"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(ext, "include", "pg_query.h"), header, 0o644))

	cfg := loadConfig(t, map[string]string{env.VarExternal: ext})
	runner := &fakeRunner{}
	var out bytes.Buffer
	rec := &recorder{}

	res, err := New(cfg, WithRunner(runner), WithAnnouncer(&out, ""), OnTransition(rec.hook)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []State{Locate, AnnounceLink, GenerateBindings, Done}, rec.states)
	assert.Zero(t, runner.count())
	assert.Equal(t, locate.External, res.Source.Mode)
	assert.Empty(t, res.StagedFiles)
	assert.Empty(t, res.Archive)
	assert.NoFileExists(t, filepath.Join(cfg.OutDir, "pg_query.h"))

	libDir := filepath.Join(ext, "lib")
	assert.Equal(t, "pgqbuild:link-search=native="+libDir+"\npgqbuild:link-lib=static=pg_query\n", out.String())
	assert.Equal(t, filepath.Join(ext, "include", "pg_query.h"), res.Header)

	src, err := os.ReadFile(filepath.Join(cfg.OutDir, bindgen.BindingsFile))
	require.NoError(t, err)
	assert.Contains(t, string(src), "#cgo CFLAGS: -I"+filepath.Join(ext, "include"))
	assert.Contains(t, string(src), "#cgo LDFLAGS: -L"+libDir+" -lpg_query")
}

func TestExternalRunWithoutHeaderFails(t *testing.T) {
	cfg := loadConfig(t, map[string]string{env.VarExternal: t.TempDir()})
	var out bytes.Buffer
	p := New(cfg, WithRunner(&fakeRunner{}), WithAnnouncer(&out, ""))
	_, err := p.Run(context.Background())

	var serr *StageError
	require.True(t, errors.As(err, &serr), "got %v", err)
	assert.Equal(t, GenerateBindings, serr.State)
	var gerr *bindgen.GenerationError
	assert.True(t, errors.As(err, &gerr))
	assert.Equal(t, Failed, p.State())
}

func TestMissingSourceFailsBeforeCompilation(t *testing.T) {
	src := sourceTree(t)
	require.NoError(t, os.RemoveAll(filepath.Join(src, "vendor")))
	cfg := loadConfig(t, map[string]string{env.VarSourceDir: src})
	runner := &fakeRunner{}
	var out bytes.Buffer
	rec := &recorder{}

	_, err := New(cfg, WithRunner(runner), WithAnnouncer(&out, ""), OnTransition(rec.hook)).Run(context.Background())

	var serr *StageError
	require.True(t, errors.As(err, &serr), "got %v", err)
	assert.Equal(t, Stage, serr.State)
	var staging *stage.StagingError
	assert.True(t, errors.As(err, &staging))
	assert.Zero(t, runner.count())
	assert.Empty(t, out.String())
	assert.Equal(t, []State{Locate, Stage, Failed}, rec.states)
	assert.NoFileExists(t, filepath.Join(cfg.OutDir, "pg_query.h"))
}

func TestCompileFailureSurfacesOutput(t *testing.T) {
	cfg := loadConfig(t, map[string]string{env.VarSourceDir: sourceTree(t)})
	var out bytes.Buffer
	_, err := New(cfg, WithRunner(&fakeRunner{fail: true}), WithAnnouncer(&out, "")).Run(context.Background())

	var serr *StageError
	require.True(t, errors.As(err, &serr), "got %v", err)
	assert.Equal(t, Compile, serr.State)
	var cerr *cc.CompilationError
	require.True(t, errors.As(err, &cerr))
	assert.Contains(t, err.Error(), "fatal error: boom.h")
	assert.Contains(t, err.Error(), "partial")
	assert.Contains(t, cerr.Command, "pg_query.c")
	assert.Empty(t, out.String())
	assert.NoFileExists(t, filepath.Join(cfg.OutDir, bindgen.BindingsFile))
}

func TestMinimumVersion(t *testing.T) {
	cfg := loadConfig(t, map[string]string{
		env.VarSourceDir:    sourceTree(t),
		env.VarMinPGVersion: "18",
	})
	_, err := New(cfg, WithRunner(&fakeRunner{}), WithAnnouncer(&bytes.Buffer{}, "")).Run(context.Background())
	var serr *StageError
	require.True(t, errors.As(err, &serr), "got %v", err)
	assert.Equal(t, GenerateBindings, serr.State)
	assert.Contains(t, err.Error(), "older than 18")
	assert.NoFileExists(t, filepath.Join(cfg.OutDir, bindgen.BindingsFile))
}

func TestCanceledContext(t *testing.T) {
	cfg := loadConfig(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(cfg, WithRunner(&fakeRunner{})).Run(ctx)
	var serr *StageError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, Locate, serr.State)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestLedgerRecordsRuns(t *testing.T) {
	src := sourceTree(t)
	cfg := loadConfig(t, map[string]string{env.VarSourceDir: src})
	l, err := ledger.OpenDir(cfg.OutDir)
	require.NoError(t, err)
	defer l.Close()

	run := func() *Result {
		res, err := New(cfg, WithRunner(&fakeRunner{}), WithAnnouncer(&bytes.Buffer{}, ""), WithLedger(l)).Run(context.Background())
		require.NoError(t, err)
		return res
	}
	first := run()
	rec, err := l.Get(cfg.Fingerprint())
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, first.StagedDigest, rec.StagedDigest)
	assert.Equal(t, "bundled", rec.Mode)

	f := filepath.Join(src, "src", "pg_query.c")
	data, err := os.ReadFile(f)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(f, append(data, "\n/* touched */\n"...), 0o644))

	second := run()
	assert.NotEqual(t, first.StagedDigest, second.StagedDigest)
	rec, err = l.Get(cfg.Fingerprint())
	require.NoError(t, err)
	assert.Equal(t, second.StagedDigest, rec.StagedDigest)

	list, err := l.List()
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "GenerateBindings", GenerateBindings.String())
	assert.Equal(t, "State(42)", State(42).String())
	err := &StageError{State: Compile, Err: errors.New("x")}
	assert.Equal(t, "Compile: x", err.Error())
}

func TestBundledRunWithSystemToolchain(t *testing.T) {
	for _, tool := range []string{"cc", "ar"} {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s not found in PATH", tool)
		}
	}
	cfg := loadConfig(t, map[string]string{env.VarSourceDir: sourceTree(t)})
	var out bytes.Buffer
	res, err := New(cfg, WithAnnouncer(&out, "")).Run(context.Background())
	require.NoError(t, err)

	info, err := os.Stat(res.Archive)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
	assert.Len(t, res.ArchiveDigest, 64)
	assert.True(t, strings.HasPrefix(out.String(), "pgqbuild:link-search=native="))
}
