package store

import "time"

type ChannelType string

const (
	ChannelText  ChannelType = "text"
	ChannelVoice ChannelType = "voice"
)

// Profile is the author metadata shown next to messages. Owned by the backend.
type Profile struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	DisplayName   string `json:"display_name,omitempty"`
	AvatarURL     string `json:"avatar_url,omitempty"`
	PresenceState string `json:"presence_state"`
}

// Name returns the display name, falling back to the username.
func (p Profile) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Username
}

type Server struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IconURL     string    `json:"icon_url,omitempty"`
	OwnerID     string    `json:"owner_id"`
	CreatedAt   time.Time `json:"created_at"`
}

type ServerMember struct {
	ServerID string  `json:"server_id"`
	UserID   string  `json:"user_id"`
	Role     string  `json:"role"`
	Profile  Profile `json:"profile"`
}

type Channel struct {
	ID          string      `json:"id"`
	ServerID    string      `json:"server_id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Type        ChannelType `json:"channel_type"`
	Position    int         `json:"position"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Message is a row of the messages table. Author is attached at read time
// and is not part of the stored row.
type Message struct {
	ID        string     `json:"id"`
	ChannelID string     `json:"channel_id"`
	AuthorID  string     `json:"author_id"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"created_at"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
	Author    *Profile   `json:"author,omitempty"`
}
