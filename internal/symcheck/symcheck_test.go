package symcheck

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func libc(t *testing.T) string {
	t.Helper()
	switch runtime.GOOS {
	case "linux":
		return "libc.so.6"
	case "darwin":
		return "/usr/lib/libSystem.B.dylib"
	}
	t.Skipf("no dlopen on %s", runtime.GOOS)
	return ""
}

func TestCheck(t *testing.T) {
	lib := libc(t)
	missing, err := Check(lib, []string{"strlen", "pgq_no_such_symbol", "malloc", "pgq_also_missing"})
	if err != nil {
		t.Skipf("cannot load %s: %v", lib, err)
	}
	assert.Equal(t, []string{"pgq_also_missing", "pgq_no_such_symbol"}, missing)
}

func TestCheckMissingLibrary(t *testing.T) {
	libc(t)
	_, err := Check("/nonexistent/libpg_query.so", []string{"pg_query_parse"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "libpg_query.so")
}
