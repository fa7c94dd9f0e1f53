package native

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goplus/pgqbuild/internal/env"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stagedTree(t *testing.T, protobuf bool) string {
	t.Helper()
	root := t.TempDir()
	files := []string{
		"pg_query.h",
		"src/pg_query.c",
		"src/pg_query_parse.c",
		"src/postgres/src_backend_nodes_list.c",
		"src/postgres/include/c.h",
		"vendor/xxhash/xxhash.c",
	}
	if protobuf {
		files = append(files, "vendor/protobuf-c/protobuf-c.c", "protobuf/pg_query.pb-c.c")
	}
	for _, f := range files {
		p := filepath.Join(root, filepath.FromSlash(f))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, nil, 0o644))
	}
	return root
}

func config(t *testing.T, target, profile, debug string) *env.Config {
	t.Helper()
	vars := map[string]string{
		env.VarOutDir:  t.TempDir(),
		env.VarTarget:  target,
		env.VarProfile: profile,
	}
	if debug != "" {
		vars[env.VarDebug] = debug
	}
	cfg, err := env.Load(env.Map(vars))
	require.NoError(t, err)
	return cfg
}

func TestSources(t *testing.T) {
	files, err := Sources(stagedTree(t, false))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"src/pg_query.c",
		"src/pg_query_parse.c",
		"src/postgres/src_backend_nodes_list.c",
		"vendor/xxhash/xxhash.c",
	}, files)

	files, err = Sources(stagedTree(t, true))
	require.NoError(t, err)
	assert.Equal(t, []string{"vendor/protobuf-c/protobuf-c.c", "protobuf/pg_query.pb-c.c"}, files[len(files)-2:])
}

func TestSourcesRequiresSrc(t *testing.T) {
	_, err := Sources(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "src/*.c")
}

func TestIncludesPerPlatform(t *testing.T) {
	tests := []struct {
		target string
		win32  bool
		msvc   bool
	}{
		{"x86_64-unknown-linux", false, false},
		{"aarch64-apple-darwin", false, false},
		{"x86_64-pc-windows-gnu", true, false},
		{"x86_64-pc-windows-msvc", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			dirs := Includes(&env.Config{Target: tt.target})
			assert.Equal(t, []string{".", "vendor", "src/postgres/include", "src/include"}, dirs[:4])
			assert.Equal(t, tt.win32, contains(dirs, "port/win32"))
			assert.Equal(t, tt.msvc, contains(dirs, "port/win32_msvc"))
		})
	}
}

func contains(dirs []string, suffix string) bool {
	for _, d := range dirs {
		if strings.HasSuffix(d, suffix) {
			return true
		}
	}
	return false
}

func TestConfigureDebugAssertions(t *testing.T) {
	tests := []struct {
		profile, debug string
		want           bool
	}{
		{"debug", "", true},
		{"release", "1", true},
		{"release", "", false},
		{"release", "0", false},
	}
	for _, tt := range tests {
		t.Run(tt.profile+"/"+tt.debug, func(t *testing.T) {
			root := stagedTree(t, false)
			b, err := Configure(config(t, "x86_64-unknown-linux", tt.profile, tt.debug), root)
			require.NoError(t, err)
			require.NoError(t, b.Configure(context.Background()))

			p := b.Plan()
			assert.Equal(t, tt.want, contains(p.Defines, "USE_ASSERT_CHECKING"))
			for _, u := range p.Units {
				assert.Equal(t, tt.want, contains(u.Args, "-DUSE_ASSERT_CHECKING"), u.Source)
			}
		})
	}
}

func TestConfigureLinuxPlan(t *testing.T) {
	root := stagedTree(t, false)
	cfg := config(t, "x86_64-unknown-linux", "debug", "")
	b, err := Configure(cfg, root)
	require.NoError(t, err)
	require.NoError(t, b.Configure(context.Background()))

	p := b.Plan()
	assert.Equal(t, filepath.Join(cfg.OutDir, "libpg_query.a"), p.Archive)
	assert.Contains(t, p.Flags, "-w")
	assert.Contains(t, p.Flags, "-O0")
	assert.Contains(t, p.Flags, "-g")
	for _, dir := range p.Includes {
		assert.NotContains(t, dir, "win32")
	}
	assert.Len(t, p.Units, 4)
}

func TestManifest(t *testing.T) {
	m := Manifest()
	require.Len(t, m, 4)
	assert.Equal(t, "pg_query.h", m[0].Src)
	for _, e := range m[:3] {
		assert.False(t, e.Optional, e.Src)
	}
	assert.True(t, m[3].Optional)
}
