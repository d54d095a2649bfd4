// Package storeerr defines the StoreError family (spec §7): stable
// error identities the object, layer, metadata, WAL and lock
// subsystems raise, modeled on lazydocker's ComplexError/xerrors.Frame
// pattern (pkg/commands/errors.go in that tree).
package storeerr

import (
	"fmt"

	"golang.org/x/xerrors"
)

// Kind enumerates the StoreError cases from spec §7.
type Kind int

const (
	VersionMismatch Kind = iota
	IntegrityFailure
	InvalidName
	NameConflict
	NotFound
	Io
)

func (k Kind) String() string {
	switch k {
	case VersionMismatch:
		return "VersionMismatch"
	case IntegrityFailure:
		return "IntegrityFailure"
	case InvalidName:
		return "InvalidName"
	case NameConflict:
		return "NameConflict"
	case NotFound:
		return "NotFound"
	case Io:
		return "Io"
	default:
		return "Unknown"
	}
}

// Error is a StoreError: a Kind plus the subsidiary (kind, key)
// identifying what failed, with an xerrors.Frame so the point of
// origin survives into %+v formatting the way ComplexError does.
type Error struct {
	Kind    Kind
	Class   string // the record class the error concerns: Object, Layer, Metadata
	Key     string
	Message string
	frame   xerrors.Frame
}

// New captures the caller's frame at construction time, same as
// ComplexError does in lazydocker.
func New(kind Kind, class, key, message string) *Error {
	return &Error{Kind: kind, Class: class, Key: key, Message: message, frame: xerrors.Caller(1)}
}

func (e *Error) FormatError(p xerrors.Printer) error {
	p.Printf("store: %s", e.Kind)
	if e.Class != "" || e.Key != "" {
		p.Printf(" (%s %s)", e.Class, e.Key)
	}
	if e.Message != "" {
		p.Printf(": %s", e.Message)
	}
	e.frame.Format(p)
	return nil
}

func (e *Error) Format(f fmt.State, c rune) {
	xerrors.FormatError(e, f, c)
}

func (e *Error) Error() string {
	return fmt.Sprint(e)
}

// Is lets errors.Is(err, &Error{Kind: NotFound}) match on Kind alone.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}
