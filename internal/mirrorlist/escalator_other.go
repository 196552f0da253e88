//go:build !unix

package mirrorlist

import (
	"errors"
	"io/fs"
	"path/filepath"

	"github.com/BadgerOps/mirrorrank/internal/safety"
)

// Acquire only checks that the directory exists; write access is
// discovered when the temp file is created.
func (LocalEscalator) Acquire(targetPath string) (FS, error) {
	target, err := safety.CleanTargetPath(targetPath)
	if err != nil {
		return nil, invalidTarget(targetPath, "%v", err)
	}
	if _, err := safety.ParentDir(target); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, invalidTarget(target, "%v", err)
		}
		return nil, newWriteError("stat", filepath.Dir(target), err)
	}
	return OSFS{}, nil
}
