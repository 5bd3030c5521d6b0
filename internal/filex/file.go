// Package filex wraps filesystem access behind afero so the sync logic can
// run against the OS filesystem in production and an in-memory one in tests.
package filex

import (
	"errors"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// FileSystem provides the file queries the propagator needs. All paths are
// absolute.
type FileSystem struct {
	fs afero.Fs
}

// New returns a FileSystem over the given afero backend.
func New(backend afero.Fs) *FileSystem {
	return &FileSystem{fs: backend}
}

// NewOsFileSystem returns a FileSystem over the real OS filesystem.
func NewOsFileSystem() *FileSystem {
	return New(afero.NewOsFs())
}

// Open opens the file for reading.
func (f *FileSystem) Open(path string) (afero.File, error) {
	return f.fs.Open(path)
}

// GetModTime returns the file modification time in seconds since the epoch.
func (f *FileSystem) GetModTime(path string) (int64, error) {
	fi, err := f.fs.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.ModTime().Unix(), nil
}

// GetSize returns the file size in bytes.
func (f *FileSystem) GetSize(path string) (int64, error) {
	fi, err := f.fs.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// FileExists reports whether path exists.
func (f *FileSystem) FileExists(path string) bool {
	_, err := f.fs.Stat(path)
	return err == nil
}

// Rename moves a file. The destination directory must already exist.
func (f *FileSystem) Rename(oldPath, newPath string) error {
	return f.fs.Rename(oldPath, newPath)
}

// Chtimes sets the file modification time from seconds since the epoch.
func (f *FileSystem) Chtimes(path string, modtime int64) error {
	t := time.Unix(modtime, 0)
	return f.fs.Chtimes(path, t, t)
}

// VerifyFileUnchanged reports whether the file still has the given size and
// modification time. A missing file counts as changed.
func (f *FileSystem) VerifyFileUnchanged(path string, size int64, modtime int64) bool {
	fi, err := f.fs.Stat(path)
	if err != nil {
		return false
	}
	return fi.Size() == size && fi.ModTime().Unix() == modtime
}

// IsFileLocked reports whether an open failure is likely caused by another
// process holding the file. Go has no portable lock query, so this probes
// for writability and inspects the error.
func (f *FileSystem) IsFileLocked(path string) bool {
	file, err := f.fs.OpenFile(path, os.O_WRONLY, 0)
	if err == nil {
		file.Close()
		return false
	}
	if errors.Is(err, fs.ErrPermission) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "resource busy") ||
		strings.Contains(msg, "being used by another process") ||
		strings.Contains(msg, "locked")
}
