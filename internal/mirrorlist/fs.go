package mirrorlist

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// File is the writable handle returned by FS.CreateTemp.
type File interface {
	io.Writer
	Name() string
	Sync() error
	Chmod(mode fs.FileMode) error
	Close() error
}

// FS is the capability to modify files next to a mirrorlist. Holding an FS
// for a directory means the caller is allowed to write there.
type FS interface {
	Stat(name string) (fs.FileInfo, error)
	EvalSymlinks(path string) (string, error)
	ReadFile(name string) ([]byte, error)
	ReadDir(name string) ([]fs.DirEntry, error)
	CreateTemp(dir, pattern string) (File, error)
	Rename(oldpath, newpath string) error
	Remove(name string) error
}

// OSFS is the FS backed by the local filesystem.
type OSFS struct{}

func (OSFS) Stat(name string) (fs.FileInfo, error)      { return os.Stat(name) }
func (OSFS) EvalSymlinks(path string) (string, error)   { return filepath.EvalSymlinks(path) }
func (OSFS) ReadFile(name string) ([]byte, error)       { return os.ReadFile(name) }
func (OSFS) ReadDir(name string) ([]fs.DirEntry, error) { return os.ReadDir(name) }
func (OSFS) Rename(oldpath, newpath string) error       { return os.Rename(oldpath, newpath) }
func (OSFS) Remove(name string) error                   { return os.Remove(name) }

func (OSFS) CreateTemp(dir, pattern string) (File, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, err
	}
	return f, nil
}
