package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process stand-in for PostgresStore with the same
// method set and ordering rules. Used for local runs without a database and
// by tests.
type MemoryStore struct {
	mu       sync.Mutex
	profiles map[string]Profile
	servers  map[string]Server
	members  map[string][]ServerMember
	channels map[string]Channel
	messages map[string]Message
	lastTime time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[string]Profile),
		servers:  make(map[string]Server),
		members:  make(map[string][]ServerMember),
		channels: make(map[string]Channel),
		messages: make(map[string]Message),
	}
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// now returns a strictly increasing timestamp so commit order and
// created_at order agree.
func (s *MemoryStore) now() time.Time {
	t := time.Now().UTC()
	if !t.After(s.lastTime) {
		t = s.lastTime.Add(time.Microsecond)
	}
	s.lastTime = t
	return t
}

func (s *MemoryStore) GetProfile(_ context.Context, userID string) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) UpsertProfile(_ context.Context, p Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.profiles[p.ID]; ok {
		p.PresenceState = existing.PresenceState
	}
	if p.PresenceState == "" {
		p.PresenceState = "online"
	}
	s.profiles[p.ID] = p
	return nil
}

func (s *MemoryStore) UpdatePresence(_ context.Context, userID, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return ErrNotFound
	}
	p.PresenceState = state
	s.profiles[userID] = p
	return nil
}

func (s *MemoryStore) ListServersForUser(_ context.Context, userID string) ([]Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Server, 0)
	for serverID, members := range s.members {
		for _, m := range members {
			if m.UserID == userID {
				items = append(items, s.servers[serverID])
				break
			}
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items, nil
}

func (s *MemoryStore) InsertServer(_ context.Context, item Server) (Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item.ID = newRowID(item.ID)
	item.CreatedAt = s.now()
	s.servers[item.ID] = item
	return item, nil
}

func (s *MemoryStore) ListMembers(_ context.Context, serverID string) ([]ServerMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]ServerMember, 0, len(s.members[serverID]))
	for _, m := range s.members[serverID] {
		m.Profile = s.profiles[m.UserID]
		items = append(items, m)
	}
	return items, nil
}

func (s *MemoryStore) InsertMember(_ context.Context, serverID, userID, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.members[serverID] {
		if m.UserID == userID {
			return nil
		}
	}
	s.members[serverID] = append(s.members[serverID], ServerMember{ServerID: serverID, UserID: userID, Role: role})
	return nil
}

func (s *MemoryStore) GetMemberRole(_ context.Context, serverID, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.members[serverID] {
		if m.UserID == userID {
			return m.Role, nil
		}
	}
	return "", ErrNotFound
}

func (s *MemoryStore) ListChannels(_ context.Context, serverID string) ([]Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Channel, 0)
	for _, c := range s.channels {
		if c.ServerID == serverID {
			items = append(items, c)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Position != items[j].Position {
			return items[i].Position < items[j].Position
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

func (s *MemoryStore) GetChannel(_ context.Context, channelID string) (Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[channelID]
	if !ok {
		return Channel{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) InsertChannel(_ context.Context, item Channel) (Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item.ID = newRowID(item.ID)
	if item.Type == "" {
		item.Type = ChannelText
	}
	item.CreatedAt = s.now()
	s.channels[item.ID] = item
	return item, nil
}

func (s *MemoryStore) ListRecentMessages(_ context.Context, channelID string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Message, 0)
	for _, m := range s.messages {
		if m.ChannelID != channelID {
			continue
		}
		if p, ok := s.profiles[m.AuthorID]; ok {
			m.Author = &p
		}
		items = append(items, m)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *MemoryStore) InsertMessage(_ context.Context, item Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[item.ChannelID]; !ok {
		return Message{}, ErrNotFound
	}
	item.ID = newRowID(item.ID)
	item.CreatedAt = s.now()
	item.EditedAt = nil
	item.Author = nil
	s.messages[item.ID] = item
	return item, nil
}

func (s *MemoryStore) UpdateMessageContent(_ context.Context, messageID, authorID, content string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok || m.AuthorID != authorID {
		return Message{}, ErrNotFound
	}
	edited := s.now()
	m.Content = content
	m.EditedAt = &edited
	s.messages[messageID] = m
	return m, nil
}

func (s *MemoryStore) DeleteMessage(_ context.Context, messageID, authorID string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok || m.AuthorID != authorID {
		return Message{}, ErrNotFound
	}
	delete(s.messages, messageID)
	return m, nil
}
