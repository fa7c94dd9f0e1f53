package bindgen

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goplus/pgqbuild/internal/env"
	"golang.org/x/mod/semver"
)

// BindingsFile is the name of the generated module inside the output
// directory.
const BindingsFile = "bindings.go"

// Generate parses header, renders its binding module and writes it to
// outDir, replacing any previous one. It returns the parsed header and the
// sha256 of the written file. Nothing is written when the header fails the
// version check.
func Generate(header, outDir string, opts Options) (*Header, string, error) {
	h, err := ParseHeader(header)
	if err != nil {
		return nil, "", err
	}
	if err := CheckMinVersion(h, opts.MinPGVersion); err != nil {
		return nil, "", err
	}
	src, err := Render(h, opts)
	if err != nil {
		return nil, "", err
	}
	if err := writeFileAtomic(filepath.Join(outDir, BindingsFile), src); err != nil {
		return nil, "", &GenerationError{Header: header, Err: err}
	}
	sum := sha256.Sum256(src)
	return h, hex.EncodeToString(sum[:]), nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Chmod(0o644); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// CheckMinVersion fails when the header declares a PostgreSQL version older
// than min. An empty min always passes.
func CheckMinVersion(h *Header, min string) error {
	if min == "" {
		return nil
	}
	want := env.CanonicalVersion(min)
	if want == "" {
		return &GenerationError{Header: h.Path, Err: fmt.Errorf("invalid minimum version %q", min)}
	}
	raw := h.PGVersion()
	have := env.CanonicalVersion(raw)
	if have == "" {
		return &GenerationError{Header: h.Path, Err: fmt.Errorf("no PostgreSQL version declared, need %s", min)}
	}
	if semver.Compare(have, want) < 0 {
		return &GenerationError{Header: h.Path, Err: fmt.Errorf("PostgreSQL %s is older than %s", raw, min)}
	}
	return nil
}
