package mirrorlist

// Escalator grants the capability to write a mirrorlist. Implementations
// that need to prompt for credentials live outside this package.
type Escalator interface {
	// Acquire returns an FS able to replace targetPath, or a *WriteError
	// of kind PermissionDenied when the caller lacks the rights.
	Acquire(targetPath string) (FS, error)
}

// LocalEscalator grants OSFS when the current process can already write
// the target's directory. It never prompts.
type LocalEscalator struct{}

// StaticEscalator always grants FS. Useful when the caller has already
// arranged access, and in tests.
type StaticEscalator struct {
	FS FS
}

func (e StaticEscalator) Acquire(string) (FS, error) {
	if e.FS == nil {
		return OSFS{}, nil
	}
	return e.FS, nil
}
