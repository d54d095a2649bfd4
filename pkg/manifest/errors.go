package manifest

import "fmt"

// Kind distinguishes the ManifestError cases from spec §4.1/§7.
type Kind int

const (
	// ErrParse means the text could not be parsed as YAML at all.
	ErrParse Kind = iota
	// ErrUnknownField means the manifest used a key the grammar doesn't recognize.
	ErrUnknownField
	// ErrInvalid means a recognized field failed validation.
	ErrInvalid
)

func (k Kind) String() string {
	switch k {
	case ErrParse:
		return "Parse"
	case ErrUnknownField:
		return "UnknownField"
	case ErrInvalid:
		return "Invalid"
	default:
		return "Unknown"
	}
}

// Error is the ManifestError family from spec §7: Parse, UnknownField,
// Invalid(field/reason).
type Error struct {
	Kind   Kind
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("manifest: %s: %s", e.Kind, e.Detail)
}

// Is lets callers write errors.Is(err, &Error{Kind: ErrInvalid}) to
// check the kind without caring about Detail.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}
