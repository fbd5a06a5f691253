package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string for use as an environment identifier.
// ULIDs sort lexically by creation time, which keeps list output stable.
func NewID() string {
	return ulid.Make().String()
}
