package internal

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/goplus/pgqbuild/internal/pipeline"
)

// artifacts lists the files a consumer needs from a build: the archive when
// one was compiled, the header and the binding module.
func artifacts(res *pipeline.Result) []string {
	var files []string
	for _, f := range []string{res.Archive, res.Header, res.Bindings} {
		if f != "" {
			files = append(files, f)
		}
	}
	return files
}

// exportResult writes the artifacts of res to dest.
// If dest ends with ".zip", creates a zip archive; otherwise copies into the directory.
func exportResult(res *pipeline.Result, dest string) error {
	files := artifacts(res)
	if strings.HasSuffix(dest, ".zip") {
		return zipFiles(files, dest)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	for _, f := range files {
		if err := copyFile(f, filepath.Join(dest, filepath.Base(f))); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// zipFiles creates a zip archive at dest holding files by base name.
func zipFiles(files []string, dest string) error {
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()

	w := zip.NewWriter(f)
	for _, path := range files {
		if err := addToZip(w, path); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}

func addToZip(w *zip.Writer, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = filepath.Base(path)
	header.Method = zip.Deflate

	writer, err := w.CreateHeader(header)
	if err != nil {
		return err
	}
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = io.Copy(writer, file)
	return err
}
