package wire

import "github.com/google/uuid"

// NewID returns a fresh block or message identifier.
func NewID() string {
	return uuid.New().String()
}
