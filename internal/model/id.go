package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string. ULIDs sort by creation time, which the
// store relies on as a tie-breaker when listing tasks created in the same
// millisecond.
func NewID() string {
	return ulid.Make().String()
}
