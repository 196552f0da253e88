//go:build unix

package mirrorlist

import (
	"errors"
	"io/fs"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/BadgerOps/mirrorrank/internal/safety"
)

func (LocalEscalator) Acquire(targetPath string) (FS, error) {
	target, err := resolveTarget(targetPath, OSFS{})
	if err != nil {
		return nil, err
	}
	dir, err := safety.ParentDir(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, invalidTarget(target, "%v", err)
		}
		return nil, newWriteError("stat", filepath.Dir(target), err)
	}

	if err := unix.Access(dir, unix.W_OK); err != nil {
		kind := IOFailure
		if errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM) || errors.Is(err, unix.EROFS) {
			kind = PermissionDenied
		}
		return nil, &WriteError{Kind: kind, Op: "access", Path: dir, Err: err}
	}
	return OSFS{}, nil
}
