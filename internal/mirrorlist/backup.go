package mirrorlist

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BadgerOps/mirrorrank/internal/safety"
)

const (
	backupInfix  = ".backup."
	backupLayout = "20060102_150405"
)

// Backup describes one saved copy of a mirrorlist.
type Backup struct {
	Path    string    `json:"path"`
	Created time.Time `json:"created"`
	Size    int64     `json:"size"`

	// seq orders backups taken within the same second: 1 for the plain
	// stamp, n for a "-n" suffix.
	seq int
}

// Backup copies the current target to <target>.backup.YYYYmmdd_HHMMSS and
// returns the new path. A missing target is not an error; the returned
// path is empty.
func (w *Writer) Backup(targetPath string, fsys FS) (string, error) {
	target, mode, err := checkTarget(targetPath, fsys)
	if err != nil {
		return "", err
	}

	data, err := fsys.ReadFile(target)
	if errors.Is(err, fs.ErrNotExist) {
		w.logger.Debug("no mirrorlist to back up", "path", target)
		return "", nil
	}
	if err != nil {
		return "", newWriteError("read", target, err)
	}

	stamp := w.now().Format(backupLayout)
	dest := target + backupInfix + stamp
	for i := 2; ; i++ {
		if _, err := fsys.Stat(dest); err != nil {
			break
		}
		dest = fmt.Sprintf("%s%s%s-%d", target, backupInfix, stamp, i)
	}

	if err := atomicWrite(fsys, dest, data, mode); err != nil {
		return "", err
	}
	w.logger.Info("mirrorlist backed up", "path", target, "backup", dest)
	return dest, nil
}

// ListBackups returns backups of targetPath, newest first. A positive limit
// caps the result.
func ListBackups(targetPath string, fsys FS, limit int) ([]Backup, error) {
	target, err := resolveTarget(targetPath, fsys)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(target)
	prefix := filepath.Base(target) + backupInfix

	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return nil, newWriteError("read dir", dir, err)
	}

	var backups []Backup
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}
		stamp := strings.TrimPrefix(name, prefix)
		if len(stamp) < len(backupLayout) {
			continue
		}
		created, err := time.ParseInLocation(backupLayout, stamp[:len(backupLayout)], time.Local)
		if err != nil {
			continue
		}
		b := Backup{Path: filepath.Join(dir, name), Created: created, seq: backupSeq(stamp[len(backupLayout):])}
		if info, err := e.Info(); err == nil {
			b.Size = info.Size()
		}
		backups = append(backups, b)
	}

	sort.Slice(backups, func(i, j int) bool {
		a, b := backups[i], backups[j]
		if !a.Created.Equal(b.Created) {
			return a.Created.After(b.Created)
		}
		if a.seq != b.seq {
			return a.seq > b.seq
		}
		return a.Path > b.Path
	})
	if limit > 0 && len(backups) > limit {
		backups = backups[:limit]
	}
	return backups, nil
}

// backupSeq parses the collision suffix that follows a backup stamp.
func backupSeq(suffix string) int {
	if suffix == "" {
		return 1
	}
	n, err := strconv.Atoi(strings.TrimPrefix(suffix, "-"))
	if err != nil || !strings.HasPrefix(suffix, "-") {
		return 0
	}
	return n
}

// Restore atomically replaces targetPath with the contents of backupPath.
// The backup must be one of the target's own backups.
func (w *Writer) Restore(backupPath, targetPath string, fsys FS) error {
	target, mode, err := checkTarget(targetPath, fsys)
	if err != nil {
		return err
	}

	if !filepath.IsAbs(backupPath) {
		backupPath = filepath.Join(filepath.Dir(target), backupPath)
	}
	src, err := safety.EnsureUnderRoot(filepath.Dir(target), backupPath)
	if err != nil {
		return invalidTarget(backupPath, "%v", err)
	}
	if filepath.Dir(src) != filepath.Dir(target) || !strings.HasPrefix(filepath.Base(src), filepath.Base(target)+backupInfix) {
		return invalidTarget(backupPath, "not a backup of %s", target)
	}

	data, err := fsys.ReadFile(src)
	if errors.Is(err, fs.ErrNotExist) {
		return invalidTarget(src, "backup does not exist")
	}
	if err != nil {
		return newWriteError("read", src, err)
	}

	if err := atomicWrite(fsys, target, data, mode); err != nil {
		return err
	}
	w.logger.Info("mirrorlist restored", "path", target, "backup", src)
	return nil
}

// Prune removes all but the keep newest backups and returns the removed paths.
func (w *Writer) Prune(targetPath string, fsys FS, keep int) ([]string, error) {
	if keep < 0 {
		keep = 0
	}
	backups, err := ListBackups(targetPath, fsys, 0)
	if err != nil {
		return nil, err
	}
	if len(backups) <= keep {
		return nil, nil
	}

	var removed []string
	for _, b := range backups[keep:] {
		if err := fsys.Remove(b.Path); err != nil {
			return removed, newWriteError("remove", b.Path, err)
		}
		removed = append(removed, b.Path)
	}
	w.logger.Info("pruned mirrorlist backups", "path", targetPath, "removed", len(removed), "kept", keep)
	return removed, nil
}
