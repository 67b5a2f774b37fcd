package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"murmur/core/internal/auth"
	"murmur/core/internal/backend"
	"murmur/core/internal/chat"
	"murmur/core/internal/config"
	"murmur/core/internal/directory"
	"murmur/core/internal/identity"
	"murmur/core/internal/presence"
	"murmur/core/internal/profile"
	"murmur/core/internal/search"
	"murmur/core/internal/store"
)

var (
	ErrNoServer  = errors.New("no server selected")
	ErrNoChannel = errors.New("no channel selected")
)

// Session owns the per-user state of one running client: the identity and
// profile caches, the directory, the message engine and presence.
type Session struct {
	client    *backend.Client
	identity  *identity.Cache
	profiles  *profile.Cache
	directory *directory.Directory
	engine    *chat.Engine
	presence  *presence.Manager
	updates   chan struct{}
}

// NewSession wires a session. lookup serves profile point lookups and
// defaults to the backend client when nil.
func NewSession(cfg config.Config, client *backend.Client, provider identity.Provider, lookup profile.Lookup) *Session {
	if lookup == nil {
		lookup = client
	}
	ids := identity.NewCache(provider)
	profiles := profile.NewCache(lookup)
	s := &Session{
		client:    client,
		identity:  ids,
		profiles:  profiles,
		directory: directory.New(client, ids),
		engine:    chat.NewEngine(client, ids, profiles, cfg.HistoryLimit),
		presence:  presence.NewManager(cfg.PresenceFile, presenceRemote{client: client, lookup: lookup}, ids),
		updates:   make(chan struct{}, 1),
	}
	s.directory.SetUpdateHandler(s.changed)
	s.engine.SetUpdateHandler(s.changed)
	return s
}

// changed coalesces update notifications; it never blocks.
func (s *Session) changed() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// Updates signals that the session state changed since the last receive.
func (s *Session) Updates() <-chan struct{} {
	return s.updates
}

type forgetter interface {
	Forget(ctx context.Context, userID string) error
}

// presenceRemote writes presence to the profile row and drops any shared
// snapshot of that profile.
type presenceRemote struct {
	client *backend.Client
	lookup profile.Lookup
}

func (r presenceRemote) UpdatePresence(ctx context.Context, userID, state string) error {
	if err := r.client.UpdatePresence(ctx, userID, state); err != nil {
		return err
	}
	if f, ok := r.lookup.(forgetter); ok {
		if err := f.Forget(ctx, userID); err != nil {
			log.Printf("app: %v", err)
		}
	}
	return nil
}

func (s *Session) Directory() *directory.Directory { return s.directory }
func (s *Session) Engine() *chat.Engine            { return s.engine }
func (s *Session) Presence() *presence.Manager     { return s.presence }

// Start resolves the user, restores presence and loads the server list.
func (s *Session) Start(ctx context.Context) (identity.Identity, error) {
	me, err := s.identity.Resolve(ctx)
	if err != nil {
		return identity.Identity{}, err
	}
	if p, err := s.client.GetProfile(ctx, me.UserID); err == nil {
		s.profiles.Put(p)
	}
	s.presence.Load()
	if err := s.directory.FetchServers(ctx); err != nil {
		return me, err
	}
	return me, nil
}

// Watch drops cached identity and profiles on every auth transition until
// ctx ends. Signing out also tears down the live subscription.
func (s *Session) Watch(ctx context.Context, changes <-chan auth.StateChange) {
	s.identity.Watch(ctx, changes, func(change auth.StateChange) {
		log.Printf("app: auth state %s", change)
		s.profiles.Reset()
		if change == auth.SignedOut {
			s.engine.Unsubscribe()
			s.engine.Clear()
		}
	})
}

// SelectServer switches servers. The message list of the previous channel
// is cleared before the new server's channels and members load.
func (s *Session) SelectServer(ctx context.Context, serverID string) error {
	s.engine.Unsubscribe()
	s.engine.Clear()
	return s.directory.SetCurrentServer(ctx, serverID)
}

// SelectChannel switches channels: the old subscription is closed, then for
// a text channel history is loaded and a new subscription opened. Voice
// channels only clear the list. A selection overtaken by a newer one
// returns without subscribing.
func (s *Session) SelectChannel(ctx context.Context, channelID string) error {
	channel, ok := s.directory.Channel(channelID)
	if !ok {
		return domainError(http.StatusNotFound, "CHANNEL_NOT_FOUND", "Channel not found", map[string]string{"channelId": channelID})
	}
	s.directory.SetCurrentChannel(channelID)
	s.engine.Unsubscribe()

	if channel.Type == store.ChannelVoice {
		s.engine.Clear()
		return nil
	}

	fetchErr := s.engine.FetchHistory(ctx, channelID)
	if errors.Is(fetchErr, chat.ErrStale) {
		return nil
	}
	subErr := s.engine.SubscribeToChannel(ctx, channelID)
	if errors.Is(subErr, chat.ErrStale) {
		subErr = nil
	}
	return errors.Join(fetchErr, subErr)
}

func (s *Session) Send(ctx context.Context, content string) (store.Message, error) {
	channelID := s.engine.ActiveChannel()
	if channelID == "" {
		return store.Message{}, ErrNoChannel
	}
	return s.engine.SendMessage(ctx, channelID, content)
}

func (s *Session) Edit(ctx context.Context, messageID, content string) (store.Message, error) {
	return s.engine.EditMessage(ctx, messageID, content)
}

func (s *Session) Delete(ctx context.Context, messageID string) error {
	return s.engine.DeleteMessage(ctx, messageID)
}

func (s *Session) CreateServer(ctx context.Context, name, description string) (store.Server, error) {
	return s.directory.CreateServer(ctx, name, description)
}

// CreateChannel adds a channel to the current server.
func (s *Session) CreateChannel(ctx context.Context, name string) (store.Channel, error) {
	serverID := s.directory.CurrentServer()
	if serverID == "" {
		return store.Channel{}, ErrNoServer
	}
	return s.directory.CreateChannel(ctx, serverID, name)
}

func (s *Session) SetPresence(ctx context.Context, state string) (presence.Config, error) {
	cfg, err := s.presence.Set(ctx, presence.State(state))
	if err == nil {
		s.changed()
	}
	return cfg, err
}

// Search looks for text in the current server, or only in the current
// channel when inChannel is set.
func (s *Session) Search(ctx context.Context, text string, inChannel bool, limit int) (search.Response, error) {
	q := search.Query{Text: text, ServerID: s.directory.CurrentServer(), Limit: limit}
	if q.ServerID == "" {
		return search.Response{}, ErrNoServer
	}
	if inChannel {
		q.ChannelID = s.directory.CurrentChannel()
	}
	return s.client.SearchMessages(ctx, q), nil
}

func (s *Session) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

// Close ends the subscription and waits for pending presence mirrors.
func (s *Session) Close() {
	s.engine.Unsubscribe()
	s.presence.Wait()
}

type State struct {
	UserID         string          `json:"userId,omitempty"`
	CurrentServer  string          `json:"currentServerId"`
	CurrentChannel string          `json:"currentChannelId"`
	Servers        int             `json:"servers"`
	Channels       int             `json:"channels"`
	Members        int             `json:"members"`
	Messages       int             `json:"messages"`
	Loading        bool            `json:"loading"`
	Subscribed     string          `json:"subscribedChannelId"`
	Presence       presence.State  `json:"presence"`
	Config         presence.Config `json:"presenceConfig"`
}

func (s *Session) Snapshot() State {
	state := State{
		CurrentServer:  s.directory.CurrentServer(),
		CurrentChannel: s.directory.CurrentChannel(),
		Servers:        len(s.directory.Servers()),
		Channels:       len(s.directory.Channels()),
		Members:        len(s.directory.Members()),
		Messages:       len(s.engine.Messages()),
		Loading:        s.engine.Loading(),
		Subscribed:     s.engine.SubscribedChannel(),
		Presence:       s.presence.State(),
		Config:         s.presence.Config(),
	}
	if me, ok := s.identity.Cached(); ok {
		state.UserID = me.UserID
	}
	return state
}

func (s *Session) String() string {
	snap := s.Snapshot()
	return fmt.Sprintf("server=%s channel=%s messages=%d presence=%s",
		snap.CurrentServer, snap.CurrentChannel, snap.Messages, snap.Presence)
}
