package util

import "github.com/google/uuid"

// NewID returns a UUIDv7. Conversation and message ids sort by creation
// time as strings.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
