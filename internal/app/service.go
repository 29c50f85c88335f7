package app

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"frizzle/api/internal/auth"
	"frizzle/api/internal/blob"
	"frizzle/api/internal/config"
	"frizzle/api/internal/realtime"
	"frizzle/api/internal/search"
	"frizzle/api/internal/store"
	"frizzle/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	JTI          string
	ExpiresAt    time.Time
}

// Join codes start short and widen once when the short space gets
// crowded. Exhausting both lengths within the attempt budget surfaces
// as a conflict rather than an unbounded retry loop.
const (
	joinCodeLength        = 6
	widenedJoinCodeLength = 8
	codeAttemptsPerLength = 5
)

type dataStore interface {
	EnsureUserByName(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	CreateGroup(context.Context, store.Group) error
	GetGroup(context.Context, string) (store.Group, error)
	GetGroupByCode(context.Context, string) (store.Group, error)
	ListGroupsForUser(context.Context, string) ([]store.Group, error)
	AddMember(context.Context, store.GroupMember) error
	ListMembers(context.Context, string) ([]store.GroupMember, error)
	GetMember(context.Context, string, string) (store.GroupMember, error)
	SetMemberReady(context.Context, string, string, bool) (bool, error)
	UpdateGroupContent(context.Context, string, string) (bool, error)
	CreateArchive(context.Context, store.Archive) (store.Archive, error)
	MarkGroupArchived(context.Context, string) error
	GetArchive(context.Context, string) (store.Archive, error)
	InsertChatMessage(context.Context, store.ChatMessage) (store.ChatMessage, error)
	ListChatMessages(context.Context, string, time.Time, int) ([]store.ChatMessage, error)
	Ping(ctx context.Context) error
}

// sessionStore holds refresh-token state out of Postgres when Redis is
// configured, so token rotation rides on key TTLs instead of a table scan.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type publisher interface {
	Publish(ctx context.Context, room, kind string, payload any) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	bus      publisher
	search   *search.Service
	blobs    *blob.Store
}

func New(cfg config.Config, dataStore *store.PostgresStore, bus publisher, searchService *search.Service) *Service {
	return &Service{
		cfg:    cfg,
		store:  dataStore,
		bus:    bus,
		search: searchService,
	}
}

// NewWithSessionStore routes refresh sessions through the given store
// instead of Postgres.
func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, bus publisher, searchService *search.Service) *Service {
	service := New(cfg, dataStore, bus, searchService)
	service.sessions = sessions
	return service
}

// WithBlobStore mirrors archive snapshots to object storage when configured.
func (s *Service) WithBlobStore(blobs *blob.Store) *Service {
	s.blobs = blobs
	return s
}

func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "Traveler"
	}

	user, err := s.store.EnsureUserByName(ctx, userName)
	if err != nil {
		return Session{}, err
	}

	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.lookupRefresh(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	// The session store may carry only the user id; refresh against the
	// canonical user row.
	user, err = s.store.GetUserByID(ctx, user.ID)
	if err != nil {
		return Session{}, err
	}
	if err := s.revokeRefresh(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	if err := s.saveRefresh(ctx, auth.HashToken(refresh), user); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) saveRefresh(ctx context.Context, tokenHash string, user store.User) error {
	expiresAt := time.Now().Add(s.cfg.RefreshTTL)
	if s.sessions != nil {
		return s.sessions.SaveRefreshSession(ctx, tokenHash, user.ID, expiresAt)
	}
	return s.store.SaveRefreshSession(ctx, tokenHash, user.ID, expiresAt)
}

func (s *Service) lookupRefresh(ctx context.Context, tokenHash string) (store.User, error) {
	if s.sessions != nil {
		return s.sessions.LookupRefreshSession(ctx, tokenHash)
	}
	return s.store.LookupRefreshSession(ctx, tokenHash)
}

func (s *Service) revokeRefresh(ctx context.Context, tokenHash string) error {
	if s.sessions != nil {
		return s.sessions.RevokeRefreshSession(ctx, tokenHash)
	}
	return s.store.RevokeRefreshSession(ctx, tokenHash)
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.revokeRefresh(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) CreateGroup(ctx context.Context, session Session, name string) (map[string]any, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}

	group := store.Group{
		ID:      util.NewID("grp"),
		Name:    name,
		OwnerID: session.UserID,
	}

	created := false
	for _, length := range []int{joinCodeLength, widenedJoinCodeLength} {
		for attempt := 0; attempt < codeAttemptsPerLength; attempt++ {
			group.Code = util.NewJoinCode(length)
			err := s.store.CreateGroup(ctx, group)
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			if err != nil {
				return nil, err
			}
			created = true
			break
		}
		if created {
			break
		}
	}
	if !created {
		return nil, domainError(http.StatusConflict, "CODE_SPACE_EXHAUSTED", "could not allocate a unique join code", nil)
	}

	if err := s.store.AddMember(ctx, store.GroupMember{
		ID:      util.NewID("mem"),
		GroupID: group.ID,
		UserID:  session.UserID,
	}); err != nil {
		return nil, err
	}

	return s.groupPayload(ctx, group.ID)
}

func (s *Service) JoinGroup(ctx context.Context, session Session, code string) (map[string]any, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "code is required", nil)
	}

	group, err := s.store.GetGroupByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if group.Archived {
		return nil, domainError(http.StatusConflict, "GROUP_ARCHIVED", "group is already archived", nil)
	}

	err = s.store.AddMember(ctx, store.GroupMember{
		ID:      util.NewID("mem"),
		GroupID: group.ID,
		UserID:  session.UserID,
	})
	if errors.Is(err, store.ErrConflict) {
		return nil, domainError(http.StatusConflict, "ALREADY_MEMBER", "user is already a member of this group", nil)
	}
	if err != nil {
		return nil, err
	}

	s.publish(ctx, group.ID, realtime.KindGroupUpdate, map[string]any{"groupId": group.ID})
	return s.groupPayload(ctx, group.ID)
}

func (s *Service) GetGroup(ctx context.Context, session Session, groupID string) (map[string]any, error) {
	if _, err := s.requireMember(ctx, groupID, session.UserID); err != nil {
		return nil, err
	}
	return s.groupPayload(ctx, groupID)
}

func (s *Service) ListGroups(ctx context.Context, session Session) (map[string]any, error) {
	groups, err := s.store.ListGroupsForUser(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(groups))
	for _, group := range groups {
		items = append(items, map[string]any{
			"id":        group.ID,
			"code":      group.Code,
			"name":      group.Name,
			"ownerId":   group.OwnerID,
			"archived":  group.Archived,
			"createdAt": group.CreatedAt,
			"updatedAt": group.UpdatedAt,
		})
	}
	return map[string]any{"groups": items}, nil
}

// SetReady records the member's readiness and, when every member of an
// active group is ready, archives the group. The archive insert is a
// compare-and-swap on a unique index, so concurrent evaluations collapse
// to a single snapshot; losers treat the conflict as success.
func (s *Service) SetReady(ctx context.Context, session Session, groupID string, ready bool) (map[string]any, error) {
	group, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	updated, err := s.store.SetMemberReady(ctx, groupID, session.UserID, ready)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "only group members can set readiness", nil)
	}

	archived := group.Archived
	if !archived && ready {
		archived, err = s.maybeArchive(ctx, session, group)
		if err != nil {
			return nil, err
		}
	}

	s.publish(ctx, groupID, realtime.KindGroupUpdate, map[string]any{"groupId": groupID})

	return map[string]any{
		"groupId":  groupID,
		"ready":    ready,
		"archived": archived,
	}, nil
}

// maybeArchive evaluates the consensus condition and attempts the
// archive CAS. Returns whether the group is archived after the call.
func (s *Service) maybeArchive(ctx context.Context, session Session, group store.Group) (bool, error) {
	members, err := s.store.ListMembers(ctx, group.ID)
	if err != nil {
		return false, err
	}
	if len(members) == 0 {
		return false, nil
	}
	for _, member := range members {
		if !member.Ready {
			return false, nil
		}
	}

	archive, err := s.store.CreateArchive(ctx, store.Archive{
		ID:        util.NewID("arc"),
		GroupID:   group.ID,
		Label:     group.Name,
		CreatedBy: session.UserID,
	})
	if errors.Is(err, store.ErrConflict) {
		// Another member's toggle won the race. Flip the flag here
		// too in case the winner died before marking the group; the
		// update is idempotent.
		if err := s.store.MarkGroupArchived(ctx, group.ID); err != nil {
			return false, err
		}
		return true, nil
	}
	if err != nil {
		return false, err
	}

	if err := s.store.MarkGroupArchived(ctx, group.ID); err != nil {
		return false, err
	}

	if s.blobs != nil {
		go func(groupID, content string) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := s.blobs.PutArchiveSnapshot(ctx, groupID, content); err != nil {
				slog.Warn("archive snapshot upload failed", "group_id", groupID, "error", err)
			}
		}(group.ID, archive.Content)
	}
	if s.search != nil {
		s.search.IndexDocument(search.DocumentRecord{
			GroupID: group.ID,
			Name:    group.Name,
			Content: archive.Content,
		})
	}

	return true, nil
}

func (s *Service) GetContent(ctx context.Context, session Session, groupID string) (map[string]any, error) {
	group, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireMember(ctx, groupID, session.UserID); err != nil {
		return nil, err
	}
	return map[string]any{
		"groupId":   group.ID,
		"content":   group.Content,
		"archived":  group.Archived,
		"updatedAt": group.UpdatedAt,
	}, nil
}

// UpdateContent overwrites the group's shared document. Last writer
// wins; there is no merge.
func (s *Service) UpdateContent(ctx context.Context, session Session, groupID, content string) (map[string]any, error) {
	group, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireMember(ctx, groupID, session.UserID); err != nil {
		return nil, err
	}
	if group.Archived {
		return nil, domainError(http.StatusConflict, "GROUP_ARCHIVED", "archived groups are read-only", nil)
	}

	updated, err := s.store.UpdateGroupContent(ctx, groupID, content)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, sql.ErrNoRows
	}

	s.publish(ctx, groupID, realtime.KindContentUpdate, map[string]any{"groupId": groupID})
	if s.search != nil {
		s.search.IndexDocument(search.DocumentRecord{
			GroupID: groupID,
			Name:    group.Name,
			Content: content,
		})
	}

	return map[string]any{
		"groupId": groupID,
		"content": content,
	}, nil
}

func (s *Service) PostChatMessage(ctx context.Context, session Session, groupID, body string) (map[string]any, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "body is required", nil)
	}

	group, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireMember(ctx, groupID, session.UserID); err != nil {
		return nil, err
	}
	if group.Archived {
		return nil, domainError(http.StatusConflict, "GROUP_ARCHIVED", "archived groups are read-only", nil)
	}

	message, err := s.store.InsertChatMessage(ctx, store.ChatMessage{
		ID:      util.NewID("msg"),
		GroupID: groupID,
		UserID:  session.UserID,
		Body:    body,
	})
	if err != nil {
		return nil, err
	}
	message.AuthorName = session.UserName

	payload := messagePayload(message)
	s.publish(ctx, groupID, realtime.KindChatMessage, payload)
	if s.search != nil {
		s.search.IndexMessage(search.MessageRecord{
			ID:      message.ID,
			GroupID: groupID,
			Body:    body,
			Author:  session.UserName,
		})
	}

	return payload, nil
}

func (s *Service) ListChatMessages(ctx context.Context, session Session, groupID string, before time.Time, limit int) (map[string]any, error) {
	if _, err := s.store.GetGroup(ctx, groupID); err != nil {
		return nil, err
	}
	if _, err := s.requireMember(ctx, groupID, session.UserID); err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = s.cfg.ChatPageSize
	}
	if limit > 200 {
		limit = 200
	}

	messages, err := s.store.ListChatMessages(ctx, groupID, before, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(messages))
	for _, message := range messages {
		items = append(items, messagePayload(message))
	}
	return map[string]any{"messages": items}, nil
}

func (s *Service) GetArchive(ctx context.Context, session Session, groupID string) (map[string]any, error) {
	if _, err := s.store.GetGroup(ctx, groupID); err != nil {
		return nil, err
	}
	if _, err := s.requireMember(ctx, groupID, session.UserID); err != nil {
		return nil, err
	}

	archive, err := s.store.GetArchive(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":        archive.ID,
		"groupId":   archive.GroupID,
		"content":   archive.Content,
		"label":     archive.Label,
		"createdBy": archive.CreatedBy,
		"createdAt": archive.CreatedAt,
	}, nil
}

func (s *Service) SearchGroup(ctx context.Context, session Session, groupID, query string, limit int) (map[string]any, error) {
	if _, err := s.store.GetGroup(ctx, groupID); err != nil {
		return nil, err
	}
	if _, err := s.requireMember(ctx, groupID, session.UserID); err != nil {
		return nil, err
	}

	if s.search == nil {
		return map[string]any{"query": query, "results": []search.Result{}, "total": 0}, nil
	}
	response := s.search.Search(search.Query{GroupID: groupID, Text: query, Limit: limit})
	return map[string]any{"query": response.Query, "results": response.Results, "total": response.Total}, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) requireMember(ctx context.Context, groupID, userID string) (store.GroupMember, error) {
	member, err := s.store.GetMember(ctx, groupID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.GroupMember{}, domainError(http.StatusForbidden, "FORBIDDEN", "membership required", nil)
	}
	if err != nil {
		return store.GroupMember{}, err
	}
	return member, nil
}

// RequireMember is the exported membership gate used by the realtime
// endpoint before a socket joins a room.
func (s *Service) RequireMember(ctx context.Context, groupID, userID string) error {
	if _, err := s.store.GetGroup(ctx, groupID); err != nil {
		return err
	}
	_, err := s.requireMember(ctx, groupID, userID)
	return err
}

func (s *Service) groupPayload(ctx context.Context, groupID string) (map[string]any, error) {
	group, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	members, err := s.store.ListMembers(ctx, groupID)
	if err != nil {
		return nil, err
	}
	memberItems := make([]map[string]any, 0, len(members))
	for _, member := range members {
		memberItems = append(memberItems, map[string]any{
			"id":       member.ID,
			"userId":   member.UserID,
			"name":     member.DisplayName,
			"ready":    member.Ready,
			"joinedAt": member.CreatedAt,
		})
	}
	return map[string]any{
		"id":        group.ID,
		"code":      group.Code,
		"name":      group.Name,
		"content":   group.Content,
		"ownerId":   group.OwnerID,
		"archived":  group.Archived,
		"createdAt": group.CreatedAt,
		"updatedAt": group.UpdatedAt,
		"members":   memberItems,
	}, nil
}

func messagePayload(message store.ChatMessage) map[string]any {
	return map[string]any{
		"id":        message.ID,
		"groupId":   message.GroupID,
		"userId":    message.UserID,
		"author":    message.AuthorName,
		"body":      message.Body,
		"createdAt": message.CreatedAt,
	}
}

func (s *Service) publish(ctx context.Context, room, kind string, payload any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, room, kind, payload); err != nil {
		slog.Warn("realtime publish failed", "room", room, "kind", kind, "error", err)
	}
}
