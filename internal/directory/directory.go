// Package directory holds the servers, channels and members visible to the
// user and the current server/channel selection.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"murmur/core/internal/identity"
	"murmur/core/internal/rbac"
	"murmur/core/internal/store"
)

const defaultChannelName = "general"

var ErrEmptyName = errors.New("name is empty")

type Backend interface {
	ListServers(ctx context.Context, userID string) ([]store.Server, error)
	ListChannels(ctx context.Context, serverID string) ([]store.Channel, error)
	ListMembers(ctx context.Context, serverID string) ([]store.ServerMember, error)
	InsertServer(ctx context.Context, server store.Server) (store.Server, error)
	InsertMember(ctx context.Context, serverID, userID, role string) error
	InsertChannel(ctx context.Context, actorID string, channel store.Channel) (store.Channel, error)
}

type Identities interface {
	Resolve(ctx context.Context) (identity.Identity, error)
}

// Directory is safe for concurrent use. channels and members always belong
// to currentServer: a server switch empties them before the new fetches
// start, and results for a server that is no longer current are dropped.
type Directory struct {
	backend    Backend
	identities Identities

	mu             sync.Mutex
	servers        []store.Server
	channels       []store.Channel
	members        []store.ServerMember
	currentServer  string
	currentChannel string
	epoch          uint64
	onUpdate       func()
}

func New(backend Backend, identities Identities) *Directory {
	return &Directory{backend: backend, identities: identities}
}

func (d *Directory) SetUpdateHandler(fn func()) {
	d.mu.Lock()
	d.onUpdate = fn
	d.mu.Unlock()
}

func (d *Directory) notify() {
	d.mu.Lock()
	fn := d.onUpdate
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (d *Directory) Servers() []store.Server {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]store.Server(nil), d.servers...)
}

func (d *Directory) Channels() []store.Channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]store.Channel(nil), d.channels...)
}

func (d *Directory) Members() []store.ServerMember {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]store.ServerMember(nil), d.members...)
}

func (d *Directory) CurrentServer() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currentServer
}

func (d *Directory) CurrentChannel() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currentChannel
}

// Channel looks up a channel of the current server.
func (d *Directory) Channel(channelID string) (store.Channel, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.channels {
		if c.ID == channelID {
			return c, true
		}
	}
	return store.Channel{}, false
}

// FetchServers loads the servers the user belongs to. On failure the list
// is left empty.
func (d *Directory) FetchServers(ctx context.Context) error {
	me, err := d.identities.Resolve(ctx)
	if err != nil {
		return err
	}
	servers, err := d.backend.ListServers(ctx, me.UserID)
	d.mu.Lock()
	if err != nil {
		d.servers = nil
	} else {
		d.servers = servers
	}
	d.mu.Unlock()
	d.notify()
	if err != nil {
		return fmt.Errorf("fetch servers: %w", err)
	}
	return nil
}

func (d *Directory) FetchChannels(ctx context.Context, serverID string) error {
	epoch := d.currentEpoch()
	channels, err := d.backend.ListChannels(ctx, serverID)
	applied := d.apply(serverID, epoch, func() {
		d.channels = channels
		if err != nil {
			d.channels = nil
		}
	})
	if err != nil {
		return fmt.Errorf("fetch channels for %s: %w", serverID, err)
	}
	if !applied {
		log.Printf("directory: discard stale channels for server %s", serverID)
	}
	return nil
}

func (d *Directory) FetchMembers(ctx context.Context, serverID string) error {
	epoch := d.currentEpoch()
	members, err := d.backend.ListMembers(ctx, serverID)
	applied := d.apply(serverID, epoch, func() {
		d.members = members
		if err != nil {
			d.members = nil
		}
	})
	if err != nil {
		return fmt.Errorf("fetch members for %s: %w", serverID, err)
	}
	if !applied {
		log.Printf("directory: discard stale members for server %s", serverID)
	}
	return nil
}

func (d *Directory) currentEpoch() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.epoch
}

// apply runs set under the lock if serverID is still current and no server
// switch happened since epoch was read.
func (d *Directory) apply(serverID string, epoch uint64, set func()) bool {
	d.mu.Lock()
	if d.currentServer != serverID || d.epoch != epoch {
		d.mu.Unlock()
		return false
	}
	set()
	d.mu.Unlock()
	d.notify()
	return true
}

// SetCurrentServer selects serverID, clears the channel selection and the
// previous server's channels and members, then fetches both lists
// concurrently. A failure of one fetch does not cancel the other.
func (d *Directory) SetCurrentServer(ctx context.Context, serverID string) error {
	d.mu.Lock()
	d.currentServer = serverID
	d.currentChannel = ""
	d.channels = nil
	d.members = nil
	d.epoch++
	d.mu.Unlock()
	d.notify()

	if serverID == "" {
		return nil
	}
	var g errgroup.Group
	g.Go(func() error { return d.FetchChannels(ctx, serverID) })
	g.Go(func() error { return d.FetchMembers(ctx, serverID) })
	return g.Wait()
}

// SetCurrentChannel only records the selection. Loading the channel's
// messages is up to the caller.
func (d *Directory) SetCurrentChannel(channelID string) {
	d.mu.Lock()
	d.currentChannel = channelID
	d.mu.Unlock()
	d.notify()
}

// CreateServer inserts the server, makes the caller its owner and adds a
// default channel. Only a failed server insert is an error; a failed
// follow-up leaves a degraded server that is logged and still returned.
func (d *Directory) CreateServer(ctx context.Context, name, description string) (store.Server, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Server{}, ErrEmptyName
	}
	me, err := d.identities.Resolve(ctx)
	if err != nil {
		return store.Server{}, err
	}

	server, err := d.backend.InsertServer(ctx, store.Server{
		Name:        name,
		Description: strings.TrimSpace(description),
		OwnerID:     me.UserID,
	})
	if err != nil {
		return store.Server{}, fmt.Errorf("create server: %w", err)
	}

	if err := d.backend.InsertMember(ctx, server.ID, me.UserID, string(rbac.RoleOwner)); err != nil {
		log.Printf("directory: degraded server %s: add owner %s: %v", server.ID, me.UserID, err)
	}
	_, err = d.backend.InsertChannel(ctx, me.UserID, store.Channel{
		ServerID: server.ID,
		Name:     defaultChannelName,
		Type:     store.ChannelText,
		Position: 0,
	})
	if err != nil {
		log.Printf("directory: degraded server %s: default channel: %v", server.ID, err)
	}

	d.mu.Lock()
	d.servers = append(d.servers, server)
	d.mu.Unlock()
	d.notify()
	return server, nil
}

// NormalizeChannelName lowercases name and joins its words with hyphens.
func NormalizeChannelName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), "-")
}

// CreateChannel adds a text channel after the last of serverID's channels.
func (d *Directory) CreateChannel(ctx context.Context, serverID, name string) (store.Channel, error) {
	name = NormalizeChannelName(name)
	if name == "" {
		return store.Channel{}, ErrEmptyName
	}
	me, err := d.identities.Resolve(ctx)
	if err != nil {
		return store.Channel{}, err
	}

	position, err := d.nextPosition(ctx, serverID)
	if err != nil {
		return store.Channel{}, err
	}
	channel, err := d.backend.InsertChannel(ctx, me.UserID, store.Channel{
		ServerID: serverID,
		Name:     name,
		Type:     store.ChannelText,
		Position: position,
	})
	if err != nil {
		return store.Channel{}, fmt.Errorf("create channel: %w", err)
	}

	d.mu.Lock()
	shown := d.currentServer == serverID
	if shown {
		d.channels = append(d.channels, channel)
	}
	d.mu.Unlock()
	if shown {
		d.notify()
	}
	return channel, nil
}

// nextPosition is one past the highest position among serverID's channels.
// The backend list is used so the answer does not depend on whether a fetch
// for the current server has landed.
func (d *Directory) nextPosition(ctx context.Context, serverID string) (int, error) {
	channels, err := d.backend.ListChannels(ctx, serverID)
	if err != nil {
		return 0, fmt.Errorf("list channels for %s: %w", serverID, err)
	}
	next := 0
	for _, c := range channels {
		if c.Position >= next {
			next = c.Position + 1
		}
	}
	return next, nil
}
