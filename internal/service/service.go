// Package service provides the identity and bundle business logic.
package service

import (
	"github.com/oklog/ulid/v2"
)

// newID returns a lexically sortable unique identifier.
func newID() string {
	return ulid.Make().String()
}
