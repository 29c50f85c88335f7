package store

import (
	"errors"
	"time"
)

// ErrConflict is returned when a write collides with a uniqueness guarantee:
// a duplicate membership, a join code already in use, or an archive that
// already exists for the group. Callers distinguish it from other store
// failures; the consensus engine relies on it for the archival compare-and-swap.
var ErrConflict = errors.New("store: conflict")

type User struct {
	ID          string
	DisplayName string
	Email       string
	CreatedAt   time.Time
}

// Group is a shared planning session: one document, one roster, at most one
// archive. Code is unique among non-archived groups.
type Group struct {
	ID        string
	Code      string
	Name      string
	Content   string
	OwnerID   string
	Archived  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type GroupMember struct {
	ID          string
	GroupID     string
	UserID      string
	DisplayName string
	Ready       bool
	CreatedAt   time.Time
}

type ChatMessage struct {
	ID         string
	GroupID    string
	UserID     string
	AuthorName string
	Body       string
	CreatedAt  time.Time
}

// Archive is the immutable frozen snapshot of a group's document. Rows are
// insert-only; no update or delete path exists anywhere in the store.
type Archive struct {
	ID        string
	GroupID   string
	Content   string
	Label     string
	CreatedBy string
	CreatedAt time.Time
}
