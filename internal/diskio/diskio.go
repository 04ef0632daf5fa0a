// Package diskio provides the write-then-rename-with-fsync idiom every
// persistence path in the core shares (tensor catalogs, registry indices,
// KV frame files, workspace index sidecars). It exists so the ordering guarantee in
// spec §5 ("all disk writes use write-then-rename; fsync is issued before
// rename") has exactly one implementation instead of being re-derived in
// every package that touches the filesystem.
package diskio

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteFileAtomic writes data to a temporary file in the same directory as
// path, fsyncs it, then renames it over path. Rename is atomic on the same
// filesystem, so readers never observe a torn write.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("diskio: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("diskio: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	cleanup := true
	defer func() {
		if cleanup {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("diskio: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("diskio: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("diskio: close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("diskio: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("diskio: rename into place: %w", err)
	}
	cleanup = false

	if dirF, err := os.Open(dir); err == nil {
		dirF.Sync()
		dirF.Close()
	}
	return nil
}

// Quarantine renames path to path+".broken" so a corrupt artifact is
// removed from the active namespace without destroying evidence.
func Quarantine(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return os.Rename(path, path+".broken")
}

// Exists reports whether path exists and is a regular file.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
