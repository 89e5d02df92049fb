package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrUnexpectedMediaType is returned for manifests of an unknown type.
	ErrUnexpectedMediaType = errors.New("unexpected manifest media type")

	// ErrUnauthorized is returned when the registry rejects our credentials.
	ErrUnauthorized = errors.New("registry authorization failed")
)

// Error describes a failed registry query.
type Error struct {
	Op         string
	Reference  string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("registry %s %s: HTTP %d: %v", e.Op, e.Reference, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("registry %s %s: %v", e.Op, e.Reference, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
