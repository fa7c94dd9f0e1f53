package stage

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func testManifest() Manifest {
	return Manifest{
		{Src: "pg_query.h", Dst: "pg_query.h"},
		{Src: "src", Dst: "src"},
		{Src: "vendor", Dst: "vendor"},
		{Src: "protobuf", Dst: "protobuf", Optional: true},
	}
}

func TestStage(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	writeTree(t, src, map[string]string{
		"pg_query.h":             "int pg_query_init(void);\n",
		"src/pg_query.c":         "int x;\n",
		"src/postgres/list.c":    "int y;\n",
		"vendor/xxhash/xxhash.c": "int z;\n",
		"vendor/xxhash/xxhash.h": "\n",
		"unrelated/ignored.c":    "int w;\n",
	})

	files, err := Stage(testManifest(), src, dst)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"pg_query.h",
		"src/pg_query.c",
		"src/postgres/list.c",
		"vendor/xxhash/xxhash.c",
		"vendor/xxhash/xxhash.h",
	}, files)

	got, err := os.ReadFile(filepath.Join(dst, "src", "postgres", "list.c"))
	require.NoError(t, err)
	assert.Equal(t, "int y;\n", string(got))
	assert.NoDirExists(t, filepath.Join(dst, "unrelated"))
	assert.NoDirExists(t, filepath.Join(dst, "protobuf"))
}

func TestStageIdempotent(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	writeTree(t, src, map[string]string{
		"pg_query.h":               "\n",
		"src/a.c":                  "a\n",
		"vendor/xxhash/xxhash.c":   "x\n",
		"protobuf/pg_query.pb-c.c": "p\n",
	})

	first, err := Stage(testManifest(), src, dst)
	require.NoError(t, err)
	d1, err := Digest(dst, first)
	require.NoError(t, err)

	second, err := Stage(testManifest(), src, dst)
	require.NoError(t, err)
	d2, err := Digest(dst, second)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, d1, d2)
	assert.Contains(t, second, "protobuf/pg_query.pb-c.c")
}

func TestStageOverwritesAndRefreshes(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	writeTree(t, src, map[string]string{
		"pg_query.h":             "new\n",
		"src/a.c":                "new\n",
		"vendor/xxhash/xxhash.c": "x\n",
	})
	writeTree(t, dst, map[string]string{
		"pg_query.h":    "old\n",
		"src/a.c":       "old\n",
		"src/stale.c":   "stale\n",
		"keep/mine.txt": "mine\n",
	})

	files, err := Stage(testManifest(), src, dst)
	require.NoError(t, err)
	assert.NotContains(t, files, "src/stale.c")

	got, err := os.ReadFile(filepath.Join(dst, "pg_query.h"))
	require.NoError(t, err)
	assert.Equal(t, "new\n", string(got))
	got, err = os.ReadFile(filepath.Join(dst, "src", "a.c"))
	require.NoError(t, err)
	assert.Equal(t, "new\n", string(got))

	assert.NoFileExists(t, filepath.Join(dst, "src", "stale.c"))
	assert.FileExists(t, filepath.Join(dst, "keep", "mine.txt"))
}

func TestStageRemovesAbsentOptionalEntry(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	writeTree(t, src, map[string]string{
		"pg_query.h":               "\n",
		"src/pg_query.c":           "int x;\n",
		"vendor/xxhash/xxhash.c":   "int z;\n",
		"protobuf/pg_query.pb-c.c": "int p;\n",
	})
	files, err := Stage(testManifest(), src, dst)
	require.NoError(t, err)
	assert.Contains(t, files, "protobuf/pg_query.pb-c.c")

	require.NoError(t, os.RemoveAll(filepath.Join(src, "protobuf")))
	files, err = Stage(testManifest(), src, dst)
	require.NoError(t, err)
	assert.NotContains(t, files, "protobuf/pg_query.pb-c.c")
	assert.NoDirExists(t, filepath.Join(dst, "protobuf"))
}

func TestStageMissingSourceWritesNothing(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	writeTree(t, src, map[string]string{
		"pg_query.h": "\n",
		"src/a.c":    "a\n",
	})

	_, err := Stage(testManifest(), src, dst)
	var serr *StagingError
	require.True(t, errors.As(err, &serr), "got %v", err)
	assert.Equal(t, "stat", serr.Op)
	assert.Equal(t, filepath.Join(src, "vendor"), serr.Path)
	assert.True(t, errors.Is(err, fs.ErrNotExist))

	entries, err := os.ReadDir(dst)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStageRejectsEscapingPaths(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	tests := []Entry{
		{Src: "../outside", Dst: "x"},
		{Src: "x", Dst: "../../etc"},
		{Src: "/abs", Dst: "x"},
	}
	for _, e := range tests {
		_, err := Stage(Manifest{e}, src, dst)
		var serr *StagingError
		require.True(t, errors.As(err, &serr), "%+v: got %v", e, err)
		assert.Equal(t, "validate", serr.Op)
	}
}

func TestDigestChangesWithContent(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.c": "one\n"})
	d1, err := Digest(root, []string{"a.c"})
	require.NoError(t, err)

	writeTree(t, root, map[string]string{"a.c": "two\n"})
	d2, err := Digest(root, []string{"a.c"})
	require.NoError(t, err)

	assert.NotEqual(t, d1, d2)
	assert.Regexp(t, `^h1:`, d1)
}
