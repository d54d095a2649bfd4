package remote

import "fmt"

// Kind enumerates the RemoteError family from spec §7.
type Kind int

const (
	IntegrityFailure Kind = iota
	HTTPStatus
	Transport
)

func (k Kind) String() string {
	switch k {
	case IntegrityFailure:
		return "IntegrityFailure"
	case HTTPStatus:
		return "HTTPStatus"
	case Transport:
		return "Transport"
	default:
		return "Unknown"
	}
}

// Error is the RemoteError family: push/pull failures distinct from
// ManifestError, StoreError, and the engine's own CoreError.
type Error struct {
	Kind    Kind
	Key     string
	Code    int
	Message string
	Wrapped error
}

func (e *Error) Error() string {
	switch e.Kind {
	case HTTPStatus:
		return fmt.Sprintf("remote: %s: %s (%d): %s", e.Kind, e.Key, e.Code, e.Message)
	default:
		return fmt.Sprintf("remote: %s: %s: %s", e.Kind, e.Key, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Wrapped }

// IsNotFound reports whether err is a RemoteError carrying a 404
// HTTPStatus, the shape push/pull treat as "no registry yet" rather
// than a hard failure.
func IsNotFound(err error) bool {
	re, ok := err.(*Error)
	return ok && re.Kind == HTTPStatus && re.Code == 404
}
