package mirrorlist

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

// WriteErrorKind classifies a failed write.
type WriteErrorKind int

const (
	PermissionDenied WriteErrorKind = iota + 1
	IOFailure
	InvalidTarget
)

func (k WriteErrorKind) String() string {
	switch k {
	case PermissionDenied:
		return "permission denied"
	case IOFailure:
		return "I/O failure"
	case InvalidTarget:
		return "invalid target"
	default:
		return fmt.Sprintf("WriteErrorKind(%d)", int(k))
	}
}

// WriteError reports why a mirrorlist could not be written. The target is
// unchanged whenever a WriteError is returned.
type WriteError struct {
	Kind WriteErrorKind
	Op   string
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Path, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Path, e.Kind, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a *WriteError of kind k.
func IsKind(err error, k WriteErrorKind) bool {
	var we *WriteError
	return errors.As(err, &we) && we.Kind == k
}

// newWriteError wraps err, deriving the kind from it.
func newWriteError(op, path string, err error) *WriteError {
	var we *WriteError
	if errors.As(err, &we) {
		return we
	}
	kind := IOFailure
	switch {
	case errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.EROFS):
		kind = PermissionDenied
	}
	return &WriteError{Kind: kind, Op: op, Path: path, Err: err}
}

func invalidTarget(path string, format string, args ...any) *WriteError {
	return &WriteError{Kind: InvalidTarget, Path: path, Err: fmt.Errorf(format, args...)}
}
