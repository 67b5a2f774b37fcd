// Package chat keeps the message list of the active channel in step with the
// backend: a bounded history load, one live subscription, and optimistic
// sends reconciled by the server-assigned id.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"murmur/core/internal/identity"
	"murmur/core/internal/profile"
	"murmur/core/internal/realtime"
	"murmur/core/internal/store"
	"murmur/core/internal/util"
)

const (
	DefaultHistoryLimit = 50
	tempPrefix          = "temp"
)

var (
	ErrEmptyContent = errors.New("message content is empty")
	ErrNoUser       = errors.New("no authenticated user")
	ErrUnconfirmed  = errors.New("message is not confirmed yet")
	// ErrStale reports that the list moved to another channel while a fetch
	// or subscribe for channelID was in flight. Nothing was applied.
	ErrStale        = errors.New("channel is no longer active")
)

// SendError reports a rolled-back send. Content is the text that was
// removed from the list.
type SendError struct {
	Content string
	Err     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send message: %v", e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

type Backend interface {
	ListRecentMessages(ctx context.Context, channelID string, limit int) ([]store.Message, error)
	InsertMessage(ctx context.Context, msg store.Message) (store.Message, error)
	UpdateMessage(ctx context.Context, messageID, authorID, content string) (store.Message, error)
	DeleteMessage(ctx context.Context, messageID, authorID string) (store.Message, error)
	SubscribeMessages(ctx context.Context, channelID string, handler func(realtime.Change)) (io.Closer, error)
}

type Identities interface {
	Resolve(ctx context.Context) (identity.Identity, error)
}

// IsTemporaryID reports whether id is a placeholder for an unconfirmed send.
func IsTemporaryID(id string) bool {
	return util.HasPrefix(id, tempPrefix)
}

// Engine owns the message list of one channel at a time.
//
// mu guards the list and its channel. subMu guards the subscription handle
// and is never held while mu is wanted, so closing a subscription can wait
// for an in-flight event handler.
type Engine struct {
	backend    Backend
	identities Identities
	profiles   *profile.Cache
	limit      int
	now        func() time.Time

	mu         sync.Mutex
	channelID  string
	messages   []store.Message
	loading    bool
	generation uint64
	onUpdate   func()

	subMu      sync.Mutex
	sub        io.Closer
	subChannel string
}

func NewEngine(backend Backend, identities Identities, profiles *profile.Cache, limit int) *Engine {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if profiles == nil {
		profiles = profile.NewCache(nil)
	}
	return &Engine{
		backend:    backend,
		identities: identities,
		profiles:   profiles,
		limit:      limit,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetUpdateHandler registers fn to run after every change to the list. fn
// runs on the caller's or the subscription's goroutine and must not call
// Unsubscribe or SubscribeToChannel.
func (e *Engine) SetUpdateHandler(fn func()) {
	e.mu.Lock()
	e.onUpdate = fn
	e.mu.Unlock()
}

func (e *Engine) notify() {
	e.mu.Lock()
	fn := e.onUpdate
	e.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Messages returns a copy of the list, oldest first.
func (e *Engine) Messages() []store.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]store.Message, len(e.messages))
	copy(out, e.messages)
	return out
}

func (e *Engine) Loading() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loading
}

func (e *Engine) ActiveChannel() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channelID
}

// Clear empties the list and detaches it from any channel. In-flight
// fetches are discarded when they resolve.
func (e *Engine) Clear() {
	e.mu.Lock()
	e.channelID = ""
	e.messages = nil
	e.loading = false
	e.generation++
	e.mu.Unlock()
	e.notify()
}

// FetchHistory replaces the list with the most recent messages of
// channelID. A failed fetch leaves the list empty and returns the error. A
// fetch overtaken by another fetch or by Clear is dropped with ErrStale.
// Pending sends to channelID, and entries added while the fetch was in
// flight, are merged into the fetched rows.
func (e *Engine) FetchHistory(ctx context.Context, channelID string) error {
	e.mu.Lock()
	e.generation++
	generation := e.generation
	var pending []store.Message
	if e.channelID == channelID {
		for _, m := range e.messages {
			if IsTemporaryID(m.ID) {
				pending = append(pending, m)
			}
		}
	}
	e.channelID = channelID
	e.messages = pending
	e.loading = true
	e.mu.Unlock()
	e.notify()

	rows, err := e.backend.ListRecentMessages(ctx, channelID, e.limit)

	e.mu.Lock()
	if e.generation != generation || e.channelID != channelID {
		e.mu.Unlock()
		log.Printf("chat: discard stale history for channel %s", channelID)
		return ErrStale
	}
	e.loading = false
	if err != nil {
		e.messages = nil
		e.mu.Unlock()
		e.notify()
		return fmt.Errorf("fetch history for %s: %w", channelID, err)
	}
	carried := e.messages
	e.messages = make([]store.Message, len(rows), len(rows)+len(carried))
	for i, row := range rows {
		e.messages[len(rows)-1-i] = row
	}
	for _, m := range carried {
		if e.indexOf(m.ID) < 0 {
			e.insertSorted(m)
		}
	}
	e.mu.Unlock()

	for _, row := range rows {
		if row.Author != nil {
			e.profiles.Put(*row.Author)
		}
	}
	e.notify()
	return nil
}

// SendMessage shows content immediately under a temporary id, then writes
// it. On success the entry takes the server id in place; on failure it is
// removed and a *SendError is returned.
func (e *Engine) SendMessage(ctx context.Context, channelID, content string) (store.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return store.Message{}, ErrEmptyContent
	}
	me, err := e.identities.Resolve(ctx)
	if err != nil {
		return store.Message{}, fmt.Errorf("%w: %v", ErrNoUser, err)
	}

	optimistic := store.Message{
		ID:        util.NewID(tempPrefix),
		ChannelID: channelID,
		AuthorID:  me.UserID,
		Content:   content,
		CreatedAt: e.now(),
		Author:    e.localAuthor(me),
	}

	e.mu.Lock()
	shown := e.channelID == channelID
	if shown {
		e.messages = append(e.messages, optimistic)
	}
	e.mu.Unlock()
	if shown {
		e.notify()
	}

	saved, err := e.backend.InsertMessage(ctx, store.Message{
		ChannelID: channelID,
		AuthorID:  me.UserID,
		Content:   content,
	})
	if err != nil {
		if e.removeByID(optimistic.ID) {
			e.notify()
		}
		return store.Message{}, &SendError{Content: content, Err: err}
	}

	saved.Author = optimistic.Author
	e.reconcile(optimistic.ID, saved)
	e.notify()
	return saved, nil
}

func (e *Engine) localAuthor(me identity.Identity) *store.Profile {
	if p, ok := e.profiles.Get(me.UserID); ok {
		return &p
	}
	return &store.Profile{ID: me.UserID, Username: me.Username}
}

// reconcile replaces the placeholder tempID with the saved row, which
// carries the server id and created_at. If an insert event already
// delivered the row, the placeholder is only dropped. If the placeholder is
// gone but the list still shows the row's channel, the row is added.
func (e *Engine) reconcile(tempID string, saved store.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i := e.indexOf(tempID); i >= 0 {
		e.messages = append(e.messages[:i], e.messages[i+1:]...)
	} else if e.channelID != saved.ChannelID {
		return
	}
	if e.indexOf(saved.ID) >= 0 {
		return
	}
	e.insertSorted(saved)
}

// EditMessage rewrites one of the user's own confirmed messages.
func (e *Engine) EditMessage(ctx context.Context, messageID, content string) (store.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return store.Message{}, ErrEmptyContent
	}
	if IsTemporaryID(messageID) {
		return store.Message{}, ErrUnconfirmed
	}
	me, err := e.identities.Resolve(ctx)
	if err != nil {
		return store.Message{}, fmt.Errorf("%w: %v", ErrNoUser, err)
	}
	saved, err := e.backend.UpdateMessage(ctx, messageID, me.UserID, content)
	if err != nil {
		return store.Message{}, fmt.Errorf("edit message %s: %w", messageID, err)
	}
	if e.applyUpdate(saved) {
		e.notify()
	}
	return saved, nil
}

// DeleteMessage removes one of the user's own confirmed messages.
func (e *Engine) DeleteMessage(ctx context.Context, messageID string) error {
	if IsTemporaryID(messageID) {
		return ErrUnconfirmed
	}
	me, err := e.identities.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoUser, err)
	}
	if _, err := e.backend.DeleteMessage(ctx, messageID, me.UserID); err != nil {
		return fmt.Errorf("delete message %s: %w", messageID, err)
	}
	if e.removeByID(messageID) {
		e.notify()
	}
	return nil
}

func (e *Engine) removeByID(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, m := range e.messages {
		if m.ID == id {
			e.messages = append(e.messages[:i], e.messages[i+1:]...)
			return true
		}
	}
	return false
}

// applyUpdate copies the mutable fields of row onto the matching entry.
// Unknown ids are ignored.
func (e *Engine) applyUpdate(row store.Message) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.messages {
		if e.messages[i].ID == row.ID {
			e.messages[i].Content = row.Content
			e.messages[i].EditedAt = row.EditedAt
			return true
		}
	}
	return false
}
