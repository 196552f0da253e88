package mirrorlist

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BadgerOps/mirrorrank/internal/catalog"
	"github.com/BadgerOps/mirrorrank/internal/mirror"
)

func testWriter() *Writer {
	w := NewWriter(slog.New(slog.NewTextHandler(io.Discard, nil)))
	w.now = func() time.Time { return time.Date(2026, 3, 14, 9, 26, 53, 0, time.Local) }
	return w
}

func ranked(urls ...string) []mirror.Ranked {
	out := make([]mirror.Ranked, len(urls))
	for i, u := range urls {
		out[i] = mirror.Ranked{
			ProbeResult: mirror.ProbeResult{
				Mirror:        &mirror.Record{URL: u, Protocol: mirror.ProtocolHTTPS, Active: true},
				Status:        mirror.StatusOK,
				Latency:       time.Duration(i+1) * 10 * time.Millisecond,
				ThroughputBps: 1e6,
			},
			Score: 0.9 - float64(i)*0.1,
			Rank:  i + 1,
		}
	}
	return out
}

func serverLines(data []byte) []string {
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "Server = ") {
			out = append(out, strings.TrimPrefix(line, "Server = "))
		}
	}
	return out
}

// faultyFS wraps OSFS and fails selected operations.
type faultyFS struct {
	OSFS
	renameErr error
	createErr error
	writeErr  error
}

func (f faultyFS) Rename(oldpath, newpath string) error {
	if f.renameErr != nil {
		return f.renameErr
	}
	return f.OSFS.Rename(oldpath, newpath)
}

func (f faultyFS) CreateTemp(dir, pattern string) (File, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	file, err := f.OSFS.CreateTemp(dir, pattern)
	if err != nil || f.writeErr == nil {
		return file, err
	}
	return &faultyFile{File: file, err: f.writeErr}, nil
}

type faultyFile struct {
	File
	err error
}

func (f *faultyFile) Write([]byte) (int, error) { return 0, f.err }

// tempDir returns t.TempDir with symlinks resolved, so paths compare equal
// to the ones the writer reports.
func tempDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("resolve temp dir: %v", err)
	}
	return dir
}

func writeTarget(t *testing.T, content string, mode fs.FileMode) string {
	t.Helper()
	target := filepath.Join(tempDir(t), "mirrorlist")
	if err := os.WriteFile(target, []byte(content), mode); err != nil {
		t.Fatalf("seed target: %v", err)
	}
	if err := os.Chmod(target, mode); err != nil {
		t.Fatalf("chmod target: %v", err)
	}
	return target
}

func dirNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names
}

func TestApplyWritesServersInRankOrder(t *testing.T) {
	target := filepath.Join(tempDir(t), "mirrorlist")
	list := ranked("https://a.example/archlinux/", "https://b.example/$repo/os/$arch", "https://c.example/arch")

	if err := testWriter().Apply(list, target, OSFS{}, "Source: https://archlinux.org/mirrors/status/json/"); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read target: %v", err)
	}
	want := []string{
		"https://a.example/archlinux/$repo/os/$arch",
		"https://b.example/$repo/os/$arch",
		"https://c.example/arch/$repo/os/$arch",
	}
	got := serverLines(data)
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Fatalf("server lines = %v, want %v", got, want)
	}
	if !bytes.HasPrefix(data, []byte("##\n## Arch Linux repository mirrorlist\n")) {
		t.Errorf("missing header:\n%s", data)
	}
	if !bytes.Contains(data, []byte("## Source: https://archlinux.org/mirrors/status/json/\n")) {
		t.Errorf("missing note in header:\n%s", data)
	}

	fi, err := os.Stat(target)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if fi.Mode().Perm() != DefaultMode {
		t.Errorf("mode = %v, want %v", fi.Mode().Perm(), DefaultMode)
	}
	if names := dirNames(t, filepath.Dir(target)); len(names) != 1 {
		t.Errorf("expected only the target in dir, got %v", names)
	}
}

func TestApplyOutputParsesBack(t *testing.T) {
	list := ranked("https://z.example/", "https://a.example/", "https://m.example/")
	doc, err := catalog.Parse(Render(list, time.Now()), time.Now())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(doc.Records) != 3 || len(doc.Skipped) != 0 {
		t.Fatalf("expected 3 records and no skips, got %d / %v", len(doc.Records), doc.Skipped)
	}
	for i, rec := range doc.Records {
		if want := mirror.ServerURL(list[i].URL()); rec.URL != want {
			t.Errorf("record %d = %s, want %s", i, rec.URL, want)
		}
	}
}

func TestApplyPreservesMode(t *testing.T) {
	target := writeTarget(t, "old\n", 0o600)

	if err := testWriter().Apply(ranked("https://a.example/"), target, OSFS{}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	fi, err := os.Stat(target)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", fi.Mode().Perm())
	}
}

func TestApplyFailureLeavesTargetUntouched(t *testing.T) {
	const original = "Server = https://original.example/$repo/os/$arch\n"

	tests := []struct {
		name string
		fsys FS
		kind WriteErrorKind
	}{
		{"rename fails", faultyFS{renameErr: &os.LinkError{Op: "rename", Err: errors.New("device busy")}}, IOFailure},
		{"write fails", faultyFS{writeErr: errors.New("no space left on device")}, IOFailure},
		{"create denied", faultyFS{createErr: &fs.PathError{Op: "open", Path: "tmp", Err: fs.ErrPermission}}, PermissionDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := writeTarget(t, original, 0o644)

			err := testWriter().Apply(ranked("https://a.example/", "https://b.example/"), target, tt.fsys)
			if err == nil {
				t.Fatal("expected error")
			}
			var we *WriteError
			if !errors.As(err, &we) {
				t.Fatalf("expected *WriteError, got %T: %v", err, err)
			}
			if we.Kind != tt.kind {
				t.Errorf("kind = %s, want %s", we.Kind, tt.kind)
			}

			data, rerr := os.ReadFile(target)
			if rerr != nil {
				t.Fatalf("read target: %v", rerr)
			}
			if string(data) != original {
				t.Errorf("target modified: %q", data)
			}
			if names := dirNames(t, filepath.Dir(target)); len(names) != 1 {
				t.Errorf("temp file left behind: %v", names)
			}
		})
	}
}

func TestApplyInvalidTarget(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name   string
		target string
	}{
		{"empty", ""},
		{"relative", "pacman.d/mirrorlist"},
		{"directory", dir},
		{"trailing slash", dir + "/"},
		{"missing parent", filepath.Join(dir, "missing", "mirrorlist")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := testWriter().Apply(ranked("https://a.example/"), tt.target, OSFS{})
			if !IsKind(err, InvalidTarget) {
				t.Fatalf("expected InvalidTarget, got %v", err)
			}
		})
	}
}

func TestApplyFollowsSymlinkedTarget(t *testing.T) {
	dest := writeTarget(t, "old\n", 0o600)
	link := filepath.Join(tempDir(t), "mirrorlist")
	if err := os.Symlink(dest, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	w := testWriter()

	backup, err := w.Backup(link, OSFS{})
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if filepath.Dir(backup) != filepath.Dir(dest) {
		t.Errorf("backup %s not next to %s", backup, dest)
	}
	if err := w.Apply(ranked("https://a.example/"), link, OSFS{}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	li, err := os.Lstat(link)
	if err != nil {
		t.Fatalf("lstat: %v", err)
	}
	if li.Mode()&fs.ModeSymlink == 0 {
		t.Fatalf("link replaced by %v", li.Mode())
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := serverLines(data); len(got) != 1 || got[0] != "https://a.example/$repo/os/$arch" {
		t.Errorf("link destination not rewritten: %v", got)
	}
	fi, err := os.Stat(dest)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", fi.Mode().Perm())
	}

	backups, err := ListBackups(link, OSFS{}, 0)
	if err != nil || len(backups) != 1 || backups[0].Path != backup {
		t.Errorf("ListBackups via link = %+v, %v", backups, err)
	}
}

func TestApplyRejectsRsyncMirrors(t *testing.T) {
	const original = "Server = https://original.example/$repo/os/$arch\n"
	target := writeTarget(t, original, 0o644)

	list := ranked("https://a.example/", "rsync://fast.example/arch/")
	list[1].Mirror.Protocol = mirror.ProtocolRsync

	err := testWriter().Apply(list, target, OSFS{})
	if !IsKind(err, InvalidTarget) {
		t.Fatalf("expected InvalidTarget, got %v", err)
	}
	if !strings.Contains(err.Error(), "rsync://fast.example/arch/") {
		t.Errorf("error does not name the mirror: %v", err)
	}
	data, rerr := os.ReadFile(target)
	if rerr != nil {
		t.Fatalf("read target: %v", rerr)
	}
	if string(data) != original {
		t.Errorf("target modified: %q", data)
	}
}

func TestUsable(t *testing.T) {
	list := ranked("https://a.example/", "rsync://b.example/", "ftp://c.example/", "rsync://d.example/")
	list[1].Mirror.Protocol = mirror.ProtocolRsync
	list[2].Mirror.Protocol = mirror.ProtocolFTP
	list[3].Mirror.Protocol = ""

	kept, dropped := Usable(list)
	var urls []string
	for _, r := range kept {
		urls = append(urls, r.URL())
	}
	if want := "https://a.example/ ftp://c.example/"; strings.Join(urls, " ") != want {
		t.Errorf("kept %v, want %s", urls, want)
	}
	if dropped != 2 {
		t.Errorf("dropped = %d, want 2", dropped)
	}
}

func TestWriteErrorKinds(t *testing.T) {
	if got := newWriteError("open", "/x", &fs.PathError{Op: "open", Path: "/x", Err: fs.ErrPermission}).Kind; got != PermissionDenied {
		t.Errorf("permission error mapped to %s", got)
	}
	if got := newWriteError("write", "/x", errors.New("boom")).Kind; got != IOFailure {
		t.Errorf("generic error mapped to %s", got)
	}
	inner := invalidTarget("/x", "bad")
	if got := newWriteError("op", "/y", inner); got != inner {
		t.Error("existing WriteError should pass through unchanged")
	}
	if !strings.Contains(inner.Error(), "invalid target") {
		t.Errorf("unexpected message %q", inner.Error())
	}
}
