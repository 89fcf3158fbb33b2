package session

import (
	"fmt"

	"github.com/google/uuid"
)

// ID identifies one client's logical session. IDs are supplied by the
// (external) session layer and are never minted by the transaction core,
// except in tests.
type ID uuid.UUID

// NewID returns a fresh random session ID. Production callers receive IDs
// from the driver; this exists for tests and tools.
func NewID() ID {
	return ID(uuid.New())
}

// ParseID parses the canonical UUID form of a session ID.
func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ID{}, err
	}
	return ID(u), nil
}

func (id ID) String() string {
	return uuid.UUID(id).String()
}

// Bytes returns the 16-byte wire form of the ID.
func (id ID) Bytes() []byte {
	b := make([]byte, 16)
	copy(b, id[:])
	return b
}

// IDFromBytes reconstructs an ID from its 16-byte wire form.
func IDFromBytes(b []byte) (ID, error) {
	if len(b) != 16 {
		return ID{}, fmt.Errorf("session id must be 16 bytes, got %d", len(b))
	}
	var id ID
	copy(id[:], b)
	return id, nil
}

// TxnNumber is a per-session transaction counter. A session's active
// transaction number never decreases; observing a higher number for the same
// session supersedes all state held for lower numbers.
type TxnNumber uint64
