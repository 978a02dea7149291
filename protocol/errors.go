package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrMalformed   = errors.New("protocol: malformed envelope")
	ErrUnknownKind = errors.New("protocol: unknown envelope kind")
	ErrVersion     = errors.New("protocol: unsupported version")
	ErrPayload     = errors.New("protocol: payload does not match kind")
)

// Error is returned for any input that is not a valid envelope.
// It matches one of the sentinel errors above with errors.Is.
type Error struct {
	Op     string
	Kind   error
	Detail string
}

func newError(op string, kind error, format string, args ...any) *Error {
	return &Error{Op: op, Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Kind }
