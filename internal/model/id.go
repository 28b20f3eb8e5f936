package model

import "github.com/oklog/ulid/v2"

// NewID generates a ULID used for session and execution identifiers.
func NewID() string {
	return ulid.Make().String()
}
