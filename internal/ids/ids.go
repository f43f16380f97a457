package ids

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewCorrelationID returns a random UUIDv4 used to match a response to its call.
func NewCorrelationID() string {
	return uuid.NewString()
}

// NewInstanceID returns a random UUIDv4 used to make per-instance queue names unique.
func NewInstanceID() string {
	return uuid.NewString()
}

// NewMessageID returns a time-sortable ULID encoded as a 26-character string.
func NewMessageID() string {
	return ulid.Make().String()
}
