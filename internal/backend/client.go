// Package backend is the query/mutate and subscribe client the chat core
// talks to. Every message write is published to the realtime feed after it
// is durable, and mirrored into the search index.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"murmur/core/internal/rbac"
	"murmur/core/internal/realtime"
	"murmur/core/internal/search"
	"murmur/core/internal/store"
)

const messagesTable = "messages"

var ErrForbidden = errors.New("forbidden")

type dataStore interface {
	Ping(context.Context) error
	GetProfile(context.Context, string) (store.Profile, error)
	UpdatePresence(context.Context, string, string) error
	ListServersForUser(context.Context, string) ([]store.Server, error)
	InsertServer(context.Context, store.Server) (store.Server, error)
	ListMembers(context.Context, string) ([]store.ServerMember, error)
	InsertMember(context.Context, string, string, string) error
	GetMemberRole(context.Context, string, string) (string, error)
	ListChannels(context.Context, string) ([]store.Channel, error)
	GetChannel(context.Context, string) (store.Channel, error)
	InsertChannel(context.Context, store.Channel) (store.Channel, error)
	ListRecentMessages(context.Context, string, int) ([]store.Message, error)
	InsertMessage(context.Context, store.Message) (store.Message, error)
	UpdateMessageContent(context.Context, string, string, string) (store.Message, error)
	DeleteMessage(context.Context, string, string) (store.Message, error)
}

type changeFeed interface {
	Publish(context.Context, realtime.Filter, realtime.Change) error
	Subscribe(context.Context, realtime.Filter, func(realtime.Change)) (*realtime.Subscription, error)
	Ping(context.Context) error
}

type messageIndex interface {
	IndexMessage(search.MessageRecord)
	DeleteMessage(string)
	Search(context.Context, search.Query) search.Response
}

type Client struct {
	store dataStore
	feed  changeFeed
	index messageIndex
}

// New builds a client. index may be nil when search is not configured.
func New(dataStore dataStore, feed changeFeed, index messageIndex) *Client {
	return &Client{store: dataStore, feed: feed, index: index}
}

// MessagesFilter is the realtime scope for one channel's messages.
func MessagesFilter(channelID string) realtime.Filter {
	return realtime.Eq(messagesTable, "channel_id", channelID)
}

func (c *Client) Ping(ctx context.Context) error {
	if err := c.store.Ping(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.feed.Ping(ctx); err != nil {
		return fmt.Errorf("realtime: %w", err)
	}
	return nil
}

// Profiles

func (c *Client) GetProfile(ctx context.Context, userID string) (store.Profile, error) {
	return c.store.GetProfile(ctx, userID)
}

func (c *Client) UpdatePresence(ctx context.Context, userID, state string) error {
	return c.store.UpdatePresence(ctx, userID, state)
}

// Directory

func (c *Client) ListServers(ctx context.Context, userID string) ([]store.Server, error) {
	return c.store.ListServersForUser(ctx, userID)
}

func (c *Client) ListChannels(ctx context.Context, serverID string) ([]store.Channel, error) {
	return c.store.ListChannels(ctx, serverID)
}

func (c *Client) ListMembers(ctx context.Context, serverID string) ([]store.ServerMember, error) {
	return c.store.ListMembers(ctx, serverID)
}

func (c *Client) InsertServer(ctx context.Context, server store.Server) (store.Server, error) {
	return c.store.InsertServer(ctx, server)
}

func (c *Client) InsertMember(ctx context.Context, serverID, userID, role string) error {
	return c.store.InsertMember(ctx, serverID, userID, string(rbac.Normalize(role)))
}

// InsertChannel creates a channel on behalf of actorID, who must hold a role
// allowed to manage channels on that server.
func (c *Client) InsertChannel(ctx context.Context, actorID string, channel store.Channel) (store.Channel, error) {
	role, err := c.store.GetMemberRole(ctx, channel.ServerID, actorID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Channel{}, ErrForbidden
	}
	if err != nil {
		return store.Channel{}, err
	}
	if !rbac.Can(rbac.Normalize(role), rbac.ActionManageChannels) {
		return store.Channel{}, ErrForbidden
	}
	return c.store.InsertChannel(ctx, channel)
}

// Messages

func (c *Client) ListRecentMessages(ctx context.Context, channelID string, limit int) ([]store.Message, error) {
	return c.store.ListRecentMessages(ctx, channelID, limit)
}

func (c *Client) InsertMessage(ctx context.Context, msg store.Message) (store.Message, error) {
	msg.Author = nil
	saved, err := c.store.InsertMessage(ctx, msg)
	if err != nil {
		return store.Message{}, err
	}
	c.publish(ctx, realtime.Insert, saved.ChannelID, &saved, nil)
	c.indexMessage(ctx, saved)
	return saved, nil
}

func (c *Client) UpdateMessage(ctx context.Context, messageID, authorID, content string) (store.Message, error) {
	saved, err := c.store.UpdateMessageContent(ctx, messageID, authorID, content)
	if err != nil {
		return store.Message{}, err
	}
	c.publish(ctx, realtime.Update, saved.ChannelID, &saved, map[string]string{"id": saved.ID})
	c.indexMessage(ctx, saved)
	return saved, nil
}

func (c *Client) DeleteMessage(ctx context.Context, messageID, authorID string) (store.Message, error) {
	old, err := c.store.DeleteMessage(ctx, messageID, authorID)
	if err != nil {
		return store.Message{}, err
	}
	c.publish(ctx, realtime.Delete, old.ChannelID, nil, &old)
	if c.index != nil {
		c.index.DeleteMessage(old.ID)
	}
	return old, nil
}

// SubscribeMessages opens a subscription for one channel's message changes.
func (c *Client) SubscribeMessages(ctx context.Context, channelID string, handler func(realtime.Change)) (io.Closer, error) {
	sub, err := c.feed.Subscribe(ctx, MessagesFilter(channelID), handler)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (c *Client) SearchMessages(ctx context.Context, q search.Query) search.Response {
	if c.index == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return c.index.Search(ctx, q)
}

// publish failures are logged: the row is already durable and subscribers
// tolerate a missed event.
func (c *Client) publish(ctx context.Context, typ realtime.ChangeType, channelID string, newRow, oldRow any) {
	change, err := realtime.NewChange(typ, messagesTable, newRow, oldRow)
	if err == nil {
		err = c.feed.Publish(ctx, MessagesFilter(channelID), change)
	}
	if err != nil {
		log.Printf("backend: publish %s on channel %s: %v", typ, channelID, err)
	}
}

func (c *Client) indexMessage(ctx context.Context, msg store.Message) {
	if c.index == nil {
		return
	}
	channel, err := c.store.GetChannel(ctx, msg.ChannelID)
	if err != nil {
		log.Printf("backend: index message %s: %v", msg.ID, err)
		return
	}
	c.index.IndexMessage(search.MessageRecord{
		ID:        msg.ID,
		Content:   msg.Content,
		ChannelID: msg.ChannelID,
		ServerID:  channel.ServerID,
		AuthorID:  msg.AuthorID,
		CreatedAt: msg.CreatedAt.Unix(),
	})
}
