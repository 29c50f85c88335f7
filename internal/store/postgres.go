package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"frizzle/api/internal/util"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	const findUser = `SELECT id, display_name, email, created_at FROM users WHERE display_name = $1`
	var user User
	err := s.db.QueryRowContext(ctx, findUser, name).Scan(&user.ID, &user.DisplayName, &user.Email, &user.CreatedAt)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	insertUser := `
		INSERT INTO users (id, display_name, email)
		VALUES ($1, $2, CONCAT(LOWER(REPLACE($2, ' ', '.')), '@local.frizzle.dev'))
		RETURNING id, display_name, email, created_at
	`
	if err := s.db.QueryRowContext(ctx, insertUser, util.NewID("usr"), name).Scan(&user.ID, &user.DisplayName, &user.Email, &user.CreatedAt); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name, email, created_at FROM users WHERE id=$1`, userID).
		Scan(&user.ID, &user.DisplayName, &user.Email, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.display_name, u.email, u.created_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Email, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// CreateGroup inserts the group row. A join-code collision with another
// active group surfaces as ErrConflict so the caller can regenerate.
func (s *PostgresStore) CreateGroup(ctx context.Context, group Group) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO groups (id, code, name, content, owner_id, archived)
		VALUES ($1, $2, $3, $4, $5, FALSE)
	`, group.ID, group.Code, group.Name, group.Content, group.OwnerID)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert group: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetGroup(ctx context.Context, groupID string) (Group, error) {
	var item Group
	err := s.db.QueryRowContext(ctx, `
		SELECT id, code, name, content, owner_id, archived, created_at, updated_at
		FROM groups
		WHERE id=$1
	`, groupID).Scan(&item.ID, &item.Code, &item.Name, &item.Content, &item.OwnerID, &item.Archived, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Group{}, err
	}
	return item, nil
}

// GetGroupByCode prefers a live group over an archived one carrying the same
// code (codes are only unique among active groups).
func (s *PostgresStore) GetGroupByCode(ctx context.Context, code string) (Group, error) {
	var item Group
	err := s.db.QueryRowContext(ctx, `
		SELECT id, code, name, content, owner_id, archived, created_at, updated_at
		FROM groups
		WHERE code=$1
		ORDER BY archived ASC, created_at DESC
		LIMIT 1
	`, code).Scan(&item.ID, &item.Code, &item.Name, &item.Content, &item.OwnerID, &item.Archived, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Group{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListGroupsForUser(ctx context.Context, userID string) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.id, g.code, g.name, g.content, g.owner_id, g.archived, g.created_at, g.updated_at
		FROM groups g
		JOIN group_members m ON m.group_id = g.id
		WHERE m.user_id=$1
		ORDER BY g.created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	items := make([]Group, 0)
	for rows.Next() {
		var item Group
		if err := rows.Scan(&item.ID, &item.Code, &item.Name, &item.Content, &item.OwnerID, &item.Archived, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate groups: %w", err)
	}
	return items, nil
}

// AddMember inserts the (group, user) membership row. A duplicate surfaces as
// ErrConflict.
func (s *PostgresStore) AddMember(ctx context.Context, member GroupMember) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO group_members (id, group_id, user_id, ready)
		VALUES ($1, $2, $3, $4)
	`, member.ID, member.GroupID, member.UserID, member.Ready)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert member: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMembers(ctx context.Context, groupID string) ([]GroupMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.group_id, m.user_id, u.display_name, m.ready, m.created_at
		FROM group_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.group_id=$1
		ORDER BY m.created_at ASC
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	items := make([]GroupMember, 0)
	for rows.Next() {
		var item GroupMember
		if err := rows.Scan(&item.ID, &item.GroupID, &item.UserID, &item.DisplayName, &item.Ready, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetMember(ctx context.Context, groupID, userID string) (GroupMember, error) {
	var item GroupMember
	err := s.db.QueryRowContext(ctx, `
		SELECT m.id, m.group_id, m.user_id, u.display_name, m.ready, m.created_at
		FROM group_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.group_id=$1 AND m.user_id=$2
	`, groupID, userID).Scan(&item.ID, &item.GroupID, &item.UserID, &item.DisplayName, &item.Ready, &item.CreatedAt)
	if err != nil {
		return GroupMember{}, err
	}
	return item, nil
}

// SetMemberReady persists the ready flag. Returns false when no membership
// row exists.
func (s *PostgresStore) SetMemberReady(ctx context.Context, groupID, userID string, ready bool) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE group_members SET ready=$3 WHERE group_id=$1 AND user_id=$2
	`, groupID, userID, ready)
	if err != nil {
		return false, fmt.Errorf("set member ready: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set member ready rows: %w", err)
	}
	return affected > 0, nil
}

// UpdateGroupContent replaces the document wholesale. Last write to persist
// wins; no merge.
func (s *PostgresStore) UpdateGroupContent(ctx context.Context, groupID, content string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE groups SET content=$2, updated_at=NOW() WHERE id=$1
	`, groupID, content)
	if err != nil {
		return false, fmt.Errorf("update group content: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update group content rows: %w", err)
	}
	return affected > 0, nil
}

// CreateArchive is the consensus compare-and-swap. The snapshot content is
// selected from the group row inside the INSERT itself, so a concurrent
// content write can never leave a stale pre-read in the archive. A second
// archive for the same group trips the unique constraint and surfaces as
// ErrConflict; an unknown group surfaces as sql.ErrNoRows.
func (s *PostgresStore) CreateArchive(ctx context.Context, archive Archive) (Archive, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO archives (id, group_id, content, label, created_by)
		SELECT $1, g.id, g.content, $3, $4
		FROM groups g
		WHERE g.id=$2
		RETURNING id, group_id, content, label, created_by, created_at
	`, archive.ID, archive.GroupID, archive.Label, archive.CreatedBy).Scan(
		&archive.ID,
		&archive.GroupID,
		&archive.Content,
		&archive.Label,
		&archive.CreatedBy,
		&archive.CreatedAt,
	)
	if isUniqueViolation(err) {
		return Archive{}, ErrConflict
	}
	if err != nil {
		return Archive{}, err
	}
	return archive, nil
}

func (s *PostgresStore) MarkGroupArchived(ctx context.Context, groupID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE groups SET archived=TRUE, updated_at=NOW() WHERE id=$1
	`, groupID)
	if err != nil {
		return fmt.Errorf("mark group archived: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetArchive(ctx context.Context, groupID string) (Archive, error) {
	var item Archive
	err := s.db.QueryRowContext(ctx, `
		SELECT id, group_id, content, label, created_by, created_at
		FROM archives
		WHERE group_id=$1
	`, groupID).Scan(&item.ID, &item.GroupID, &item.Content, &item.Label, &item.CreatedBy, &item.CreatedAt)
	if err != nil {
		return Archive{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertChatMessage(ctx context.Context, message ChatMessage) (ChatMessage, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO chat_messages (id, group_id, user_id, body)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, message.ID, message.GroupID, message.UserID, message.Body).Scan(&message.CreatedAt)
	if err != nil {
		return ChatMessage{}, fmt.Errorf("insert chat message: %w", err)
	}
	return message, nil
}

// ListChatMessages returns messages in ascending creation order. A zero
// before time means no upper bound.
func (s *PostgresStore) ListChatMessages(ctx context.Context, groupID string, before time.Time, limit int) ([]ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.group_id, c.user_id, u.display_name, c.body, c.created_at
		FROM chat_messages c
		JOIN users u ON u.id = c.user_id
		WHERE c.group_id=$1
		  AND ($2::timestamptz IS NULL OR c.created_at < $2)
		ORDER BY c.created_at DESC
		LIMIT $3
	`, groupID, nullableTime(before), limit)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()

	items := make([]ChatMessage, 0)
	for rows.Next() {
		var item ChatMessage
		if err := rows.Scan(&item.ID, &item.GroupID, &item.UserID, &item.AuthorName, &item.Body, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat messages: %w", err)
	}

	// Page is selected newest-first for the LIMIT, served oldest-first.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
