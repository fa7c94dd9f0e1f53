// Package stage copies the native library sources into the build scratch
// directory.
package stage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/qiniu/x/log"
	"golang.org/x/mod/sumdb/dirhash"
)

// Entry maps a source path to its destination. Both are slash separated and
// relative to the source and destination roots.
type Entry struct {
	Src      string
	Dst      string
	Optional bool
}

// Manifest is the ordered list of paths to stage.
type Manifest []Entry

// StagingError reports a manifest path that is missing or could not be
// copied.
type StagingError struct {
	Path string
	Op   string
	Err  error
}

func (e *StagingError) Error() string {
	return fmt.Sprintf("staging: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StagingError) Unwrap() error { return e.Err }

var errNotLocal = errors.New("path escapes its root")

type resolved struct {
	src, dst string
	dir      bool
	perm     fs.FileMode
}

// Stage copies every entry of m from srcRoot into dstRoot and returns the
// staged files, sorted and relative to dstRoot.
//
// All required sources are checked before anything is written. Each
// destination is removed before it is copied, so repeated calls leave the
// same tree behind. Destinations of absent optional entries are removed.
// Paths of dstRoot not named by the manifest are left alone.
func Stage(m Manifest, srcRoot, dstRoot string) ([]string, error) {
	items := make([]resolved, 0, len(m))
	var absent []string
	for _, e := range m {
		if !filepath.IsLocal(filepath.FromSlash(e.Src)) || !filepath.IsLocal(filepath.FromSlash(e.Dst)) {
			return nil, &StagingError{Path: e.Src + " -> " + e.Dst, Op: "validate", Err: errNotLocal}
		}
		src := filepath.Join(srcRoot, filepath.FromSlash(e.Src))
		info, err := os.Stat(src)
		if err != nil {
			if e.Optional && errors.Is(err, fs.ErrNotExist) {
				log.Debugf("stage: skip optional %s", e.Src)
				absent = append(absent, filepath.Join(dstRoot, filepath.FromSlash(e.Dst)))
				continue
			}
			return nil, &StagingError{Path: src, Op: "stat", Err: err}
		}
		items = append(items, resolved{
			src:  src,
			dst:  filepath.Join(dstRoot, filepath.FromSlash(e.Dst)),
			dir:  info.IsDir(),
			perm: info.Mode().Perm(),
		})
	}

	if err := os.MkdirAll(dstRoot, 0o755); err != nil {
		return nil, &StagingError{Path: dstRoot, Op: "mkdir", Err: err}
	}
	// An optional entry left over from an earlier run must not survive.
	for _, dst := range absent {
		if err := os.RemoveAll(dst); err != nil {
			return nil, &StagingError{Path: dst, Op: "remove", Err: err}
		}
	}

	var files []string
	for _, it := range items {
		if err := os.RemoveAll(it.dst); err != nil {
			return nil, &StagingError{Path: it.dst, Op: "remove", Err: err}
		}
		if err := os.MkdirAll(filepath.Dir(it.dst), 0o755); err != nil {
			return nil, &StagingError{Path: it.dst, Op: "mkdir", Err: err}
		}
		if it.dir {
			if err := os.CopyFS(it.dst, os.DirFS(it.src)); err != nil {
				return nil, &StagingError{Path: it.src, Op: "copy", Err: err}
			}
		} else if err := copyFile(it.src, it.dst, it.perm); err != nil {
			return nil, &StagingError{Path: it.src, Op: "copy", Err: err}
		}
		log.Debugf("stage: %s -> %s", it.src, it.dst)

		staged, err := list(dstRoot, it.dst)
		if err != nil {
			return nil, &StagingError{Path: it.dst, Op: "list", Err: err}
		}
		files = append(files, staged...)
	}
	sort.Strings(files)
	return files, nil
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm|0o200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// list returns the regular files under path, relative to root.
func list(root, path string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	return files, err
}

// Digest hashes the staged files under root. Identical trees produce
// identical digests.
func Digest(root string, files []string) (string, error) {
	return dirhash.Hash1(files, func(name string) (io.ReadCloser, error) {
		return os.Open(filepath.Join(root, filepath.FromSlash(name)))
	})
}
