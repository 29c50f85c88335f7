package store

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"frizzle/api/internal/util"
)

// MemoryStore is an in-process store with the same conflict semantics as the
// Postgres store: unique active join codes, unique (group, user) memberships
// and the single-archive compare-and-swap. It backs unit tests, where the
// consensus race has to run against a store whose CreateArchive is genuinely
// atomic.
type MemoryStore struct {
	mu sync.Mutex

	users     map[string]User
	groups    map[string]Group
	members   map[string][]GroupMember
	messages  map[string][]ChatMessage
	archives  map[string]Archive
	refresh   map[string]refreshRecord
	revoked   map[string]time.Time
	nameIndex map[string]string
}

type refreshRecord struct {
	userID    string
	expiresAt time.Time
	revoked   bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]User),
		groups:    make(map[string]Group),
		members:   make(map[string][]GroupMember),
		messages:  make(map[string][]ChatMessage),
		archives:  make(map[string]Archive),
		refresh:   make(map[string]refreshRecord),
		revoked:   make(map[string]time.Time),
		nameIndex: make(map[string]string),
	}
}

func (s *MemoryStore) EnsureUserByName(_ context.Context, name string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.nameIndex[name]; ok {
		return s.users[id], nil
	}
	user := User{
		ID:          util.NewID("usr"),
		DisplayName: name,
		Email:       name + "@local.frizzle.dev",
		CreatedAt:   time.Now(),
	}
	s.users[user.ID] = user
	s.nameIndex[name] = user.ID
	return user, nil
}

func (s *MemoryStore) GetUserByID(_ context.Context, userID string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return User{}, sql.ErrNoRows
	}
	return user, nil
}

func (s *MemoryStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh[tokenHash] = refreshRecord{userID: userID, expiresAt: expiresAt}
	return nil
}

func (s *MemoryStore) LookupRefreshSession(_ context.Context, tokenHash string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.refresh[tokenHash]
	if !ok || record.revoked || time.Now().After(record.expiresAt) {
		return User{}, sql.ErrNoRows
	}
	return s.users[record.userID], nil
}

func (s *MemoryStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record, ok := s.refresh[tokenHash]; ok {
		record.revoked = true
		s.refresh[tokenHash] = record
	}
	return nil
}

func (s *MemoryStore) RevokeAccessToken(_ context.Context, jti string, exp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[jti] = exp
	return nil
}

func (s *MemoryStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.revoked[jti]
	return ok, nil
}

func (s *MemoryStore) CreateGroup(_ context.Context, group Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.groups {
		if !existing.Archived && existing.Code == group.Code {
			return ErrConflict
		}
	}
	now := time.Now()
	group.CreatedAt = now
	group.UpdatedAt = now
	s.groups[group.ID] = group
	return nil
}

func (s *MemoryStore) GetGroup(_ context.Context, groupID string) (Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.groups[groupID]
	if !ok {
		return Group{}, sql.ErrNoRows
	}
	return group, nil
}

func (s *MemoryStore) GetGroupByCode(_ context.Context, code string) (Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *Group
	for _, group := range s.groups {
		if group.Code != code {
			continue
		}
		candidate := group
		if found == nil || (found.Archived && !candidate.Archived) {
			found = &candidate
		}
	}
	if found == nil {
		return Group{}, sql.ErrNoRows
	}
	return *found, nil
}

func (s *MemoryStore) ListGroupsForUser(_ context.Context, userID string) ([]Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Group, 0)
	for groupID, members := range s.members {
		for _, member := range members {
			if member.UserID == userID {
				items = append(items, s.groups[groupID])
				break
			}
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	return items, nil
}

func (s *MemoryStore) AddMember(_ context.Context, member GroupMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.members[member.GroupID] {
		if existing.UserID == member.UserID {
			return ErrConflict
		}
	}
	member.CreatedAt = time.Now()
	if user, ok := s.users[member.UserID]; ok {
		member.DisplayName = user.DisplayName
	}
	s.members[member.GroupID] = append(s.members[member.GroupID], member)
	return nil
}

func (s *MemoryStore) ListMembers(_ context.Context, groupID string) ([]GroupMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]GroupMember, len(s.members[groupID]))
	copy(items, s.members[groupID])
	return items, nil
}

func (s *MemoryStore) GetMember(_ context.Context, groupID, userID string) (GroupMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, member := range s.members[groupID] {
		if member.UserID == userID {
			return member, nil
		}
	}
	return GroupMember{}, sql.ErrNoRows
}

func (s *MemoryStore) SetMemberReady(_ context.Context, groupID, userID string, ready bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.members[groupID]
	for i := range members {
		if members[i].UserID == userID {
			members[i].Ready = ready
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) UpdateGroupContent(_ context.Context, groupID, content string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.groups[groupID]
	if !ok {
		return false, nil
	}
	group.Content = content
	group.UpdatedAt = time.Now()
	s.groups[groupID] = group
	return true, nil
}

// CreateArchive mirrors the Postgres compare-and-swap: the existence check and
// the content snapshot happen under one lock, so racing callers observe
// exactly one winner.
func (s *MemoryStore) CreateArchive(_ context.Context, archive Archive) (Archive, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.archives[archive.GroupID]; exists {
		return Archive{}, ErrConflict
	}
	group, ok := s.groups[archive.GroupID]
	if !ok {
		return Archive{}, sql.ErrNoRows
	}
	archive.Content = group.Content
	archive.CreatedAt = time.Now()
	s.archives[archive.GroupID] = archive
	return archive, nil
}

func (s *MemoryStore) MarkGroupArchived(_ context.Context, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.groups[groupID]
	if !ok {
		return sql.ErrNoRows
	}
	group.Archived = true
	group.UpdatedAt = time.Now()
	s.groups[groupID] = group
	return nil
}

func (s *MemoryStore) GetArchive(_ context.Context, groupID string) (Archive, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	archive, ok := s.archives[groupID]
	if !ok {
		return Archive{}, sql.ErrNoRows
	}
	return archive, nil
}

func (s *MemoryStore) InsertChatMessage(_ context.Context, message ChatMessage) (ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	message.CreatedAt = time.Now()
	if user, ok := s.users[message.UserID]; ok {
		message.AuthorName = user.DisplayName
	}
	s.messages[message.GroupID] = append(s.messages[message.GroupID], message)
	return message, nil
}

func (s *MemoryStore) ListChatMessages(_ context.Context, groupID string, before time.Time, limit int) ([]ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	items := make([]ChatMessage, 0)
	for _, message := range s.messages[groupID] {
		if !before.IsZero() && !message.CreatedAt.Before(before) {
			continue
		}
		items = append(items, message)
	}
	if len(items) > limit {
		items = items[len(items)-limit:]
	}
	return items, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
