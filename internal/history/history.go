// Package history keeps the per-device log of completed pairings.
package history

import (
	"time"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/device-pairing-relay/internal/protocol"
)

// DefaultDeliveryLimit is how many entries a device receives when it asks
// for its history.
const DefaultDeliveryLimit = 10

// Store is an append-only log of pairing events, indexed by participant.
//
// Storage is unbounded; Recent caps what is delivered. It is not safe for
// concurrent use; the pairing hub owns it exclusively.
type Store struct {
	entries map[string][]protocol.HistoryEntry
	newID   func() string
}

func New() *Store {
	return &Store{
		entries: make(map[string][]protocol.HistoryEntry),
		newID:   uuid.NewString,
	}
}

// Append records one pairing between a and b. Two entries are written, one
// under each participant, each pointing at the other party's snapshot.
func (s *Store) Append(a, b protocol.DeviceRef, now time.Time) protocol.HistoryEntry {
	base := protocol.HistoryEntry{
		ID:        s.newID(),
		Timestamp: now,
		Device1:   a,
		Device2:   b,
		Status:    protocol.HistoryStatusConnected,
	}

	forA := base
	forA.ConnectedTo = b
	s.entries[a.ID] = append(s.entries[a.ID], forA)

	forB := base
	forB.ConnectedTo = a
	s.entries[b.ID] = append(s.entries[b.ID], forB)

	return base
}

// Recent returns at most n of id's entries, oldest first. The result is a
// copy and is never nil.
func (s *Store) Recent(id string, n int) []protocol.HistoryEntry {
	all := s.entries[id]
	if n >= 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	out := make([]protocol.HistoryEntry, len(all))
	copy(out, all)
	return out
}

// Len reports how many entries are stored for id.
func (s *Store) Len(id string) int { return len(s.entries[id]) }
