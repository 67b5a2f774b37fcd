package chat

import (
	"context"
	"fmt"
	"log"

	"murmur/core/internal/realtime"
	"murmur/core/internal/store"
)

// SubscribeToChannel replaces the live subscription with one scoped to
// channelID, which must be the channel the list shows. At most one
// subscription is open at any time. If the list has moved on, the current
// subscription is left alone and ErrStale is returned.
func (e *Engine) SubscribeToChannel(ctx context.Context, channelID string) error {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	if e.ActiveChannel() != channelID {
		return ErrStale
	}
	e.closeSubLocked()
	sub, err := e.backend.SubscribeMessages(ctx, channelID, func(change realtime.Change) {
		e.handleChange(ctx, channelID, change)
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", channelID, err)
	}
	if e.ActiveChannel() != channelID {
		if err := sub.Close(); err != nil {
			log.Printf("chat: close subscription for %s: %v", channelID, err)
		}
		return ErrStale
	}
	e.sub = sub
	e.subChannel = channelID
	return nil
}

// Unsubscribe closes the live subscription, if any.
func (e *Engine) Unsubscribe() {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.closeSubLocked()
}

// SubscribedChannel returns the channel of the live subscription, or "".
func (e *Engine) SubscribedChannel() string {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	return e.subChannel
}

func (e *Engine) closeSubLocked() {
	if e.sub == nil {
		return
	}
	if err := e.sub.Close(); err != nil {
		log.Printf("chat: close subscription for %s: %v", e.subChannel, err)
	}
	e.sub = nil
	e.subChannel = ""
}

func (e *Engine) handleChange(ctx context.Context, channelID string, change realtime.Change) {
	switch change.Type {
	case realtime.Insert:
		var row store.Message
		if err := change.DecodeNew(&row); err != nil {
			log.Printf("chat: drop insert on %s: %v", channelID, err)
			return
		}
		e.applyInsert(ctx, channelID, row)
	case realtime.Update:
		var row store.Message
		if err := change.DecodeNew(&row); err != nil {
			log.Printf("chat: drop update on %s: %v", channelID, err)
			return
		}
		if e.applyUpdate(row) {
			e.notify()
		}
	case realtime.Delete:
		var row store.Message
		if err := change.DecodeOld(&row); err != nil {
			log.Printf("chat: drop delete on %s: %v", channelID, err)
			return
		}
		if e.removeByID(row.ID) {
			e.notify()
		}
	}
}

// applyInsert adds a remote message unless an entry with its id is already
// held. The author lookup happens without the list lock, so the check is
// repeated before inserting.
func (e *Engine) applyInsert(ctx context.Context, channelID string, row store.Message) {
	if row.ChannelID != "" && row.ChannelID != channelID {
		return
	}
	if e.skipInsert(channelID, row.ID) {
		return
	}

	if row.Author != nil {
		e.profiles.Put(*row.Author)
	} else if p, ok := e.profiles.Resolve(ctx, row.AuthorID); ok {
		row.Author = &p
	}

	e.mu.Lock()
	if e.channelID != channelID || e.indexOf(row.ID) >= 0 {
		e.mu.Unlock()
		return
	}
	e.insertSorted(row)
	e.mu.Unlock()
	e.notify()
}

// skipInsert reports whether the list moved to another channel or already
// holds id.
func (e *Engine) skipInsert(channelID, id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channelID != channelID || e.indexOf(id) >= 0
}

func (e *Engine) indexOf(id string) int {
	for i, m := range e.messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// insertSorted keeps the list ordered by created_at, placing row after any
// entries with the same timestamp.
func (e *Engine) insertSorted(row store.Message) {
	i := len(e.messages)
	for i > 0 && e.messages[i-1].CreatedAt.After(row.CreatedAt) {
		i--
	}
	e.messages = append(e.messages, store.Message{})
	copy(e.messages[i+1:], e.messages[i:])
	e.messages[i] = row
}
