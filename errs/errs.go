// Package errs implements the error taxonomy of the backup engine: a
// small set of kinds that callers switch on to decide whether a fault
// is per-file recoverable or pipeline-fatal.
package errs

import "fmt"

// Kind is one of the error categories the engine distinguishes.
type Kind string

const (
	Io          Kind = "io"
	Crypto      Kind = "crypto"
	KeyMismatch Kind = "key_mismatch"
	Database    Kind = "database"
	Format      Kind = "format"
	Other       Kind = "other"
)

// Error wraps an underlying error with a Kind so call sites can branch
// on category (errors.As) without string matching.
type Error struct {
	Kind Kind
	Path string // best-effort, empty if not file-specific
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, path string, err error) *Error {
	return &Error{Kind: kind, Path: path, Err: err}
}

func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// IsKind reports whether err is an *Error of the given kind anywhere in
// its chain.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Kind == kind {
				return true
			}
			err = e.Err
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Fatal reports whether a Kind is, per the engine's error policy,
// necessarily pipeline-wide rather than per-file recoverable.
func Fatal(kind Kind) bool {
	return kind == KeyMismatch
}
