package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func newRowID(id string) string {
	if id != "" {
		return id
	}
	return uuid.New().String()
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Profiles

const profileColumns = `p.id, p.username, COALESCE(p.display_name, ''), COALESCE(p.avatar_url, ''), p.presence_state`

func scanProfile(row rowScanner) (Profile, error) {
	var p Profile
	err := row.Scan(&p.ID, &p.Username, &p.DisplayName, &p.AvatarURL, &p.PresenceState)
	return p, err
}

func (s *PostgresStore) GetProfile(ctx context.Context, userID string) (Profile, error) {
	p, err := scanProfile(s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles p WHERE p.id=$1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) UpsertProfile(ctx context.Context, p Profile) error {
	state := p.PresenceState
	if state == "" {
		state = "online"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, username, display_name, avatar_url, presence_state)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			username = EXCLUDED.username,
			display_name = EXCLUDED.display_name,
			avatar_url = EXCLUDED.avatar_url
	`, p.ID, p.Username, nullable(p.DisplayName), nullable(p.AvatarURL), state)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdatePresence(ctx context.Context, userID, state string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE profiles SET presence_state=$2 WHERE id=$1`, userID, state)
	if err != nil {
		return fmt.Errorf("update presence: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Servers

func (s *PostgresStore) ListServersForUser(ctx context.Context, userID string) ([]Server, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.name, COALESCE(s.description, ''), COALESCE(s.icon_url, ''), s.owner_id, s.created_at
		FROM servers s
		JOIN server_members sm ON sm.server_id = s.id
		WHERE sm.user_id = $1
		ORDER BY s.name
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer rows.Close()

	items := make([]Server, 0)
	for rows.Next() {
		var item Server
		if err := rows.Scan(&item.ID, &item.Name, &item.Description, &item.IconURL, &item.OwnerID, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan server: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate servers: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertServer(ctx context.Context, item Server) (Server, error) {
	item.ID = newRowID(item.ID)
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO servers (id, name, description, icon_url, owner_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, item.ID, item.Name, nullable(item.Description), nullable(item.IconURL), item.OwnerID).Scan(&item.CreatedAt)
	if err != nil {
		return Server{}, fmt.Errorf("insert server: %w", err)
	}
	return item, nil
}

// Members

func (s *PostgresStore) ListMembers(ctx context.Context, serverID string) ([]ServerMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sm.server_id, sm.user_id, sm.role, `+profileColumns+`
		FROM server_members sm
		JOIN profiles p ON p.id = sm.user_id
		WHERE sm.server_id = $1
		ORDER BY sm.joined_at
	`, serverID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	items := make([]ServerMember, 0)
	for rows.Next() {
		var m ServerMember
		p := &m.Profile
		if err := rows.Scan(&m.ServerID, &m.UserID, &m.Role, &p.ID, &p.Username, &p.DisplayName, &p.AvatarURL, &p.PresenceState); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertMember(ctx context.Context, serverID, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO server_members (server_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (server_id, user_id) DO NOTHING
	`, serverID, userID, role)
	if err != nil {
		return fmt.Errorf("insert member: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMemberRole(ctx context.Context, serverID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `SELECT role FROM server_members WHERE server_id=$1 AND user_id=$2`, serverID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read member role: %w", err)
	}
	return role, nil
}

// Channels

func (s *PostgresStore) ListChannels(ctx context.Context, serverID string) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, server_id, name, COALESCE(description, ''), channel_type, position, created_at
		FROM channels
		WHERE server_id = $1
		ORDER BY position, created_at
	`, serverID)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	items := make([]Channel, 0)
	for rows.Next() {
		var c Channel
		if err := rows.Scan(&c.ID, &c.ServerID, &c.Name, &c.Description, &c.Type, &c.Position, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetChannel(ctx context.Context, channelID string) (Channel, error) {
	var c Channel
	err := s.db.QueryRowContext(ctx, `
		SELECT id, server_id, name, COALESCE(description, ''), channel_type, position, created_at
		FROM channels
		WHERE id = $1
	`, channelID).Scan(&c.ID, &c.ServerID, &c.Name, &c.Description, &c.Type, &c.Position, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Channel{}, ErrNotFound
	}
	if err != nil {
		return Channel{}, fmt.Errorf("get channel: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) InsertChannel(ctx context.Context, item Channel) (Channel, error) {
	item.ID = newRowID(item.ID)
	if item.Type == "" {
		item.Type = ChannelText
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO channels (id, server_id, name, description, channel_type, position)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, item.ID, item.ServerID, item.Name, nullable(item.Description), item.Type, item.Position).Scan(&item.CreatedAt)
	if err != nil {
		return Channel{}, fmt.Errorf("insert channel: %w", err)
	}
	return item, nil
}

// Messages

// ListRecentMessages returns up to limit messages for the channel, newest first,
// each with its author attached.
func (s *PostgresStore) ListRecentMessages(ctx context.Context, channelID string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.channel_id, m.author_id, m.content, m.created_at, m.edited_at, `+profileColumns+`
		FROM messages m
		JOIN profiles p ON p.id = m.author_id
		WHERE m.channel_id = $1
		ORDER BY m.created_at DESC
		LIMIT $2
	`, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		var edited sql.NullTime
		var p Profile
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.AuthorID, &m.Content, &m.CreatedAt, &edited,
			&p.ID, &p.Username, &p.DisplayName, &p.AvatarURL, &p.PresenceState); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if edited.Valid {
			m.EditedAt = &edited.Time
		}
		m.Author = &p
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, item Message) (Message, error) {
	item.ID = newRowID(item.ID)
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, channel_id, author_id, content)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, item.ID, item.ChannelID, item.AuthorID, item.Content).Scan(&item.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	item.Author = nil
	item.EditedAt = nil
	return item, nil
}

// UpdateMessageContent changes the content of a message written by authorID
// and stamps edited_at.
func (s *PostgresStore) UpdateMessageContent(ctx context.Context, messageID, authorID, content string) (Message, error) {
	var m Message
	var edited time.Time
	err := s.db.QueryRowContext(ctx, `
		UPDATE messages SET content=$3, edited_at=NOW()
		WHERE id=$1 AND author_id=$2
		RETURNING id, channel_id, author_id, content, created_at, edited_at
	`, messageID, authorID, content).Scan(&m.ID, &m.ChannelID, &m.AuthorID, &m.Content, &m.CreatedAt, &edited)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("update message: %w", err)
	}
	m.EditedAt = &edited
	return m, nil
}

// DeleteMessage removes a message written by authorID and returns the old row.
func (s *PostgresStore) DeleteMessage(ctx context.Context, messageID, authorID string) (Message, error) {
	var m Message
	var edited sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		DELETE FROM messages
		WHERE id=$1 AND author_id=$2
		RETURNING id, channel_id, author_id, content, created_at, edited_at
	`, messageID, authorID).Scan(&m.ID, &m.ChannelID, &m.AuthorID, &m.Content, &m.CreatedAt, &edited)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("delete message: %w", err)
	}
	if edited.Valid {
		m.EditedAt = &edited.Time
	}
	return m, nil
}
