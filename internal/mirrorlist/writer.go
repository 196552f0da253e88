// Package mirrorlist renders ranked mirrors as a pacman mirrorlist and
// replaces the target file atomically.
package mirrorlist

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BadgerOps/mirrorrank/internal/mirror"
	"github.com/BadgerOps/mirrorrank/internal/safety"
)

// DefaultMode is applied when the target does not exist yet.
const DefaultMode fs.FileMode = 0o644

// DefaultTarget is pacman's mirrorlist.
const DefaultTarget = "/etc/pacman.d/mirrorlist"

// Writer produces mirrorlist files.
type Writer struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewWriter creates a Writer.
func NewWriter(logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{logger: logger, now: time.Now}
}

// Render formats ranked mirrors as Server lines in rank order behind a
// comment header.
// Extra notes are added to the header one per line.
func Render(ranked []mirror.Ranked, generated time.Time, notes ...string) []byte {
	var buf bytes.Buffer
	buf.WriteString("##\n")
	buf.WriteString("## Arch Linux repository mirrorlist\n")
	buf.WriteString("## Generated by mirrorrank\n")
	fmt.Fprintf(&buf, "## Generated on %s\n", generated.UTC().Format(time.RFC3339))
	fmt.Fprintf(&buf, "## Mirrors: %d\n", len(ranked))
	for _, n := range notes {
		fmt.Fprintf(&buf, "## %s\n", n)
	}
	buf.WriteString("##\n\n")

	// One line per mirror, best first.
	for _, r := range ranked {
		fmt.Fprintf(&buf, "Server = %s\n", mirror.ServerURL(r.URL()))
	}
	return buf.Bytes()
}

// Usable returns the mirrors in ranked that pacman can download from, in
// order, and the number left out.
func Usable(ranked []mirror.Ranked) ([]mirror.Ranked, int) {
	out := make([]mirror.Ranked, 0, len(ranked))
	for _, r := range ranked {
		if usable(r) {
			out = append(out, r)
		}
	}
	return out, len(ranked) - len(out)
}

func usable(r mirror.Ranked) bool {
	if r.Mirror == nil || r.Mirror.URL == "" {
		return false
	}
	proto := r.Mirror.Protocol
	if proto == "" {
		scheme, _, _ := strings.Cut(r.Mirror.URL, "://")
		proto, _ = mirror.ParseProtocol(scheme)
	}
	return proto.Downloadable()
}

// Apply writes ranked to targetPath through fsys. The file is written to a
// temporary sibling, synced and renamed over the target, so readers see
// either the old or the new content. On any error the temporary file is
// removed, the target is left untouched and a *WriteError is returned.
// Mirrors pacman cannot download from are rejected as InvalidTarget.
func (w *Writer) Apply(ranked []mirror.Ranked, targetPath string, fsys FS, notes ...string) error {
	target, mode, err := checkTarget(targetPath, fsys)
	if err != nil {
		return err
	}
	for _, r := range ranked {
		if !usable(r) {
			return invalidTarget(target, "mirror %q cannot be used by pacman", r.URL())
		}
	}

	data := Render(ranked, w.now(), notes...)
	if err := atomicWrite(fsys, target, data, mode); err != nil {
		w.logger.Error("mirrorlist write failed", "path", target, "error", err)
		return err
	}

	w.logger.Info("mirrorlist written", "path", target, "mirrors", len(ranked), "bytes", len(data))
	return nil
}

// resolveTarget cleans targetPath and follows symlinks so a linked
// mirrorlist is replaced at its destination instead of losing the link.
// A target that does not exist yet is returned cleaned.
func resolveTarget(targetPath string, fsys FS) (string, error) {
	target, err := safety.CleanTargetPath(targetPath)
	if err != nil {
		return "", invalidTarget(targetPath, "%v", err)
	}
	resolved, err := fsys.EvalSymlinks(target)
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENOTDIR):
		return target, nil
	case err != nil:
		return "", newWriteError("resolve", target, err)
	}
	return resolved, nil
}

// checkTarget validates targetPath and returns the file to replace and the
// mode the new file should carry.
func checkTarget(targetPath string, fsys FS) (string, fs.FileMode, error) {
	target, err := resolveTarget(targetPath, fsys)
	if err != nil {
		return "", 0, err
	}

	dir := filepath.Dir(target)
	di, err := fsys.Stat(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "", 0, invalidTarget(target, "parent directory %s does not exist", dir)
	case err != nil:
		return "", 0, newWriteError("stat", dir, err)
	case !di.IsDir():
		return "", 0, invalidTarget(target, "parent %s is not a directory", dir)
	}

	mode := DefaultMode
	fi, err := fsys.Stat(target)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return "", 0, newWriteError("stat", target, err)
	case fi.IsDir():
		return "", 0, invalidTarget(target, "target is a directory")
	case !fi.Mode().IsRegular():
		return "", 0, invalidTarget(target, "target is not a regular file")
	default:
		mode = fi.Mode().Perm()
	}
	return target, mode, nil
}

// atomicWrite replaces path with data using a temp file in the same directory.
func atomicWrite(fsys FS, path string, data []byte, mode fs.FileMode) error {
	tmp, err := fsys.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return newWriteError("create temp", path, err)
	}
	tmpPath := tmp.Name()

	committed := false
	defer func() {
		if !committed {
			_ = fsys.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return newWriteError("write", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return newWriteError("sync", tmpPath, err)
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return newWriteError("chmod", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return newWriteError("close", tmpPath, err)
	}
	if err := fsys.Rename(tmpPath, path); err != nil {
		return newWriteError("rename", path, err)
	}
	committed = true
	return nil
}
