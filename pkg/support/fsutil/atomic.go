package fsutil

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// WriteFileAtomic writes a file by calling write with a temporary file in the same directory, syncing it
// to disk and renaming it to path. Readers of path either see the previous contents or the new ones, never
// a partially written file.
//
// If write fails, the temporary file is removed and path is left untouched.
func WriteFileAtomic(path string, perm os.FileMode, write func(w io.Writer) error) (err error) {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "failed to create temporary file for %q", path)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()
	if err = write(tmp); err != nil {
		return errors.WithMessagef(err, "failed writing %q", path)
	}
	if err = tmp.Sync(); err != nil {
		return errors.Wrapf(err, "failed to sync %q", tmpPath)
	}
	if err = tmp.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %q", tmpPath)
	}
	if err = os.Chmod(tmpPath, perm); err != nil {
		return errors.Wrapf(err, "failed to chmod %q", tmpPath)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return errors.Wrapf(err, "failed to rename %q to %q", tmpPath, path)
	}
	syncDir(dir)
	return nil
}

// LinkOrCopyAtomic makes dst have the contents of src, replacing dst atomically if it exists.
// It uses a hard link if possible, and copies the file otherwise (e.g. across file systems).
func LinkOrCopyAtomic(src, dst string) error {
	dir, base := filepath.Split(dst)
	if dir == "" {
		dir = "."
	}
	tmpPath := filepath.Join(dir, "."+base+".link")
	_ = os.Remove(tmpPath)
	if err := os.Link(src, tmpPath); err == nil {
		if err = os.Rename(tmpPath, dst); err != nil {
			_ = os.Remove(tmpPath)
			return errors.Wrapf(err, "failed to rename %q to %q", tmpPath, dst)
		}
		syncDir(dir)
		return nil
	}
	info, err := os.Stat(src)
	if err != nil {
		return errors.Wrapf(err, "failed to stat %q", src)
	}
	return WriteFileAtomic(dst, info.Mode().Perm(), func(w io.Writer) error {
		f, err := os.Open(src)
		if err != nil {
			return errors.Wrapf(err, "failed to open %q", src)
		}
		defer func() { _ = f.Close() }()
		_, err = io.Copy(w, f)
		return errors.Wrapf(err, "failed to copy %q", src)
	})
}

// syncDir flushes a directory entry change (a rename) to disk. Errors are ignored: not all platforms
// support syncing directories.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
