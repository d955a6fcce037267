// Package archive bundles a dump directory into a zip file.
package archive

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"
)

// Zip writes every directory and file under srcDir into dst, deflate
// compressed, with names relative to srcDir. dst is overwritten.
func Zip(srcDir, dst string) error {
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}

	zw := zip.NewWriter(out)
	walkErr := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == srcDir {
			return nil
		}
		return addEntry(zw, srcDir, path, d)
	})

	if err := zw.Close(); err != nil && walkErr == nil {
		walkErr = fmt.Errorf("close archive: %w", err)
	}
	if err := out.Close(); err != nil && walkErr == nil {
		walkErr = fmt.Errorf("close archive: %w", err)
	}
	if walkErr != nil {
		os.Remove(dst)
		return walkErr
	}
	return nil
}

func addEntry(zw *zip.Writer, root, path string, d fs.DirEntry) error {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return err
	}

	info, err := d.Info()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("zip header %s: %w", rel, err)
	}
	hdr.Name = filepath.ToSlash(rel)

	if d.IsDir() {
		hdr.Name += "/"
		_, err := zw.CreateHeader(hdr)
		return err
	}
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("zip entry %s: %w", rel, err)
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("zip copy %s: %w", rel, err)
	}
	return nil
}

// Chown changes the owner of path. A uid or gid of -1 is left unchanged.
func Chown(path string, uid, gid int) error {
	if err := os.Chown(path, uid, gid); err != nil {
		return fmt.Errorf("chown %s: %w", path, err)
	}
	return nil
}
