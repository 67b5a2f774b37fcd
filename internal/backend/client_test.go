package backend

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"murmur/core/internal/realtime"
	"murmur/core/internal/search"
	"murmur/core/internal/store"
)

type fakeIndex struct {
	mu      sync.Mutex
	indexed []search.MessageRecord
	deleted []string
}

func (f *fakeIndex) IndexMessage(rec search.MessageRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, rec)
}

func (f *fakeIndex) DeleteMessage(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
}

func (f *fakeIndex) Search(_ context.Context, q search.Query) search.Response {
	return search.Response{Results: []search.Result{{ID: "m1", ServerID: q.ServerID}}, Total: 1, Query: q.Text}
}

type fixture struct {
	client  *Client
	store   *store.MemoryStore
	index   *fakeIndex
	server  store.Server
	channel store.Channel
}

func setup(t *testing.T) fixture {
	t.Helper()
	s := miniredis.RunT(t)
	feed, err := realtime.NewFeed("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create feed: %v", err)
	}
	t.Cleanup(func() { feed.Close() })

	ctx := context.Background()
	mem := store.NewMemoryStore()
	_ = mem.UpsertProfile(ctx, store.Profile{ID: "owner", Username: "olga"})
	_ = mem.UpsertProfile(ctx, store.Profile{ID: "member", Username: "mo"})
	server, _ := mem.InsertServer(ctx, store.Server{Name: "Lab", OwnerID: "owner"})
	_ = mem.InsertMember(ctx, server.ID, "owner", "owner")
	_ = mem.InsertMember(ctx, server.ID, "member", "member")
	channel, _ := mem.InsertChannel(ctx, store.Channel{ServerID: server.ID, Name: "general"})

	index := &fakeIndex{}
	return fixture{
		client:  New(mem, feed, index),
		store:   mem,
		index:   index,
		server:  server,
		channel: channel,
	}
}

func waitChange(t *testing.T, ch <-chan realtime.Change) realtime.Change {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
	}
	return realtime.Change{}
}

func TestMessageWritesArePublished(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	received := make(chan realtime.Change, 4)
	sub, err := f.client.SubscribeMessages(ctx, f.channel.ID, func(c realtime.Change) { received <- c })
	if err != nil {
		t.Fatalf("SubscribeMessages failed: %v", err)
	}
	defer sub.Close()

	saved, err := f.client.InsertMessage(ctx, store.Message{ChannelID: f.channel.ID, AuthorID: "member", Content: "hi"})
	if err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}
	insert := waitChange(t, received)
	var row store.Message
	if err := insert.DecodeNew(&row); err != nil {
		t.Fatalf("DecodeNew failed: %v", err)
	}
	if insert.Type != realtime.Insert || row.ID != saved.ID || row.Content != "hi" {
		t.Fatalf("unexpected insert change %+v / %+v", insert, row)
	}

	if _, err := f.client.UpdateMessage(ctx, saved.ID, "member", "hello"); err != nil {
		t.Fatalf("UpdateMessage failed: %v", err)
	}
	update := waitChange(t, received)
	if err := update.DecodeNew(&row); err != nil {
		t.Fatalf("DecodeNew failed: %v", err)
	}
	if update.Type != realtime.Update || row.Content != "hello" || row.EditedAt == nil {
		t.Fatalf("unexpected update change %+v / %+v", update, row)
	}

	if _, err := f.client.DeleteMessage(ctx, saved.ID, "member"); err != nil {
		t.Fatalf("DeleteMessage failed: %v", err)
	}
	del := waitChange(t, received)
	var old store.Message
	if err := del.DecodeOld(&old); err != nil {
		t.Fatalf("DecodeOld failed: %v", err)
	}
	if del.Type != realtime.Delete || old.ID != saved.ID {
		t.Fatalf("unexpected delete change %+v / %+v", del, old)
	}

	f.index.mu.Lock()
	defer f.index.mu.Unlock()
	if len(f.index.indexed) != 2 || f.index.indexed[0].ServerID != f.server.ID {
		t.Fatalf("expected two index writes scoped to the server, got %+v", f.index.indexed)
	}
	if len(f.index.deleted) != 1 || f.index.deleted[0] != saved.ID {
		t.Fatalf("expected message removed from index, got %+v", f.index.deleted)
	}
}

func TestFailedWriteIsNotPublished(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	received := make(chan realtime.Change, 1)
	sub, err := f.client.SubscribeMessages(ctx, f.channel.ID, func(c realtime.Change) { received <- c })
	if err != nil {
		t.Fatalf("SubscribeMessages failed: %v", err)
	}
	defer sub.Close()

	if _, err := f.client.UpdateMessage(ctx, "missing", "member", "x"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	select {
	case c := <-received:
		t.Fatalf("expected no change, got %+v", c)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestInsertChannelRequiresManageRole(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		actor   string
		wantErr error
	}{
		{name: "owner", actor: "owner"},
		{name: "member", actor: "member", wantErr: ErrForbidden},
		{name: "outsider", actor: "stranger", wantErr: ErrForbidden},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.client.InsertChannel(ctx, tc.actor, store.Channel{ServerID: f.server.ID, Name: "ops-" + tc.name})
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestInsertMemberNormalizesRole(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	if err := f.client.InsertMember(ctx, f.server.ID, "newcomer", "superuser"); err != nil {
		t.Fatalf("InsertMember failed: %v", err)
	}
	role, err := f.store.GetMemberRole(ctx, f.server.ID, "newcomer")
	if err != nil || role != "member" {
		t.Fatalf("expected member role, got %q (%v)", role, err)
	}
}

func TestSearchWithoutIndex(t *testing.T) {
	f := setup(t)
	c := New(f.store, f.client.feed, nil)
	resp := c.SearchMessages(context.Background(), search.Query{Text: "hi", ServerID: f.server.ID})
	if resp.Results == nil || len(resp.Results) != 0 || resp.Query != "hi" {
		t.Fatalf("unexpected response %+v", resp)
	}
	resp = f.client.SearchMessages(context.Background(), search.Query{Text: "hi", ServerID: f.server.ID})
	if resp.Total != 1 {
		t.Fatalf("expected index response, got %+v", resp)
	}
}
