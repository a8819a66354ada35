package runtime

import "github.com/google/uuid"

// NewThreadID generates a random thread identifier, used by the HTTP
// collaborator layer when a caller creates a thread without naming one.
func NewThreadID() string {
	return uuid.NewString()
}

// NewRunID generates a random run identifier.
func NewRunID() string {
	return uuid.NewString()
}
