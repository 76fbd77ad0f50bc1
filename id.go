package cmdi

import "github.com/google/uuid"

// NewIdentity generates a fresh, never-reused user identity
// (time-sortable UUIDv7, RFC 9562).
func NewIdentity() Identity {
	return Identity(uuid.Must(uuid.NewV7()).String())
}

// NewConnID generates an identifier for one notification-channel
// connection.
func NewConnID() ConnID {
	return ConnID(uuid.Must(uuid.NewV7()).String())
}

// NewQueueToken generates the opaque token reissued on each enqueue so
// clients can correlate a later promotion with their queue entry.
func NewQueueToken() string {
	return uuid.Must(uuid.NewV7()).String()
}
