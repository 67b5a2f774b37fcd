package directory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"murmur/core/internal/identity"
	"murmur/core/internal/store"
)

type fakeBackend struct {
	listServersFn   func(ctx context.Context, userID string) ([]store.Server, error)
	listChannelsFn  func(ctx context.Context, serverID string) ([]store.Channel, error)
	listMembersFn   func(ctx context.Context, serverID string) ([]store.ServerMember, error)
	insertServerFn  func(ctx context.Context, server store.Server) (store.Server, error)
	insertMemberFn  func(ctx context.Context, serverID, userID, role string) error
	insertChannelFn func(ctx context.Context, actorID string, channel store.Channel) (store.Channel, error)
}

func (f *fakeBackend) ListServers(ctx context.Context, userID string) ([]store.Server, error) {
	return f.listServersFn(ctx, userID)
}

func (f *fakeBackend) ListChannels(ctx context.Context, serverID string) ([]store.Channel, error) {
	if f.listChannelsFn == nil {
		return nil, nil
	}
	return f.listChannelsFn(ctx, serverID)
}

func (f *fakeBackend) ListMembers(ctx context.Context, serverID string) ([]store.ServerMember, error) {
	if f.listMembersFn == nil {
		return nil, nil
	}
	return f.listMembersFn(ctx, serverID)
}

func (f *fakeBackend) InsertServer(ctx context.Context, server store.Server) (store.Server, error) {
	return f.insertServerFn(ctx, server)
}

func (f *fakeBackend) InsertMember(ctx context.Context, serverID, userID, role string) error {
	return f.insertMemberFn(ctx, serverID, userID, role)
}

func (f *fakeBackend) InsertChannel(ctx context.Context, actorID string, channel store.Channel) (store.Channel, error) {
	return f.insertChannelFn(ctx, actorID, channel)
}

type fakeIdentities struct{}

func (fakeIdentities) Resolve(context.Context) (identity.Identity, error) {
	return identity.Identity{UserID: "u1", Username: "ada"}, nil
}

func channelsOf(serverID string, names ...string) []store.Channel {
	out := make([]store.Channel, len(names))
	for i, name := range names {
		out[i] = store.Channel{ID: serverID + "-" + name, ServerID: serverID, Name: name, Type: store.ChannelText, Position: i}
	}
	return out
}

func TestFetchServers(t *testing.T) {
	backend := &fakeBackend{
		listServersFn: func(_ context.Context, userID string) ([]store.Server, error) {
			if userID != "u1" {
				t.Errorf("expected u1, got %s", userID)
			}
			return []store.Server{{ID: "A", Name: "Alpha"}}, nil
		},
	}
	d := New(backend, fakeIdentities{})
	if err := d.FetchServers(context.Background()); err != nil {
		t.Fatalf("FetchServers failed: %v", err)
	}
	if got := d.Servers(); len(got) != 1 || got[0].ID != "A" {
		t.Fatalf("unexpected servers %+v", got)
	}

	backend.listServersFn = func(context.Context, string) ([]store.Server, error) {
		return nil, errors.New("offline")
	}
	if err := d.FetchServers(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if len(d.Servers()) != 0 {
		t.Fatal("expected servers cleared on failure")
	}
}

func TestSetCurrentServerClearsBeforeFetching(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var seenDuringFetch []store.Channel
	var d *Directory

	backend := &fakeBackend{
		listChannelsFn: func(_ context.Context, serverID string) ([]store.Channel, error) {
			if serverID == "B" {
				mu.Lock()
				seenDuringFetch = d.Channels()
				mu.Unlock()
				<-release
			}
			return channelsOf(serverID, "one", "two"), nil
		},
		listMembersFn: func(_ context.Context, serverID string) ([]store.ServerMember, error) {
			return []store.ServerMember{{ServerID: serverID, UserID: "u1", Role: "owner"}}, nil
		},
	}
	d = New(backend, fakeIdentities{})
	ctx := context.Background()

	if err := d.SetCurrentServer(ctx, "A"); err != nil {
		t.Fatalf("SetCurrentServer A failed: %v", err)
	}
	d.SetCurrentChannel("A-one")
	if len(d.Channels()) != 2 {
		t.Fatalf("expected A's channels, got %+v", d.Channels())
	}

	done := make(chan error, 1)
	go func() { done <- d.SetCurrentServer(ctx, "B") }()

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("SetCurrentServer B failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seenDuringFetch) != 0 {
		t.Fatalf("expected channels cleared while B loads, got %+v", seenDuringFetch)
	}
	for _, c := range d.Channels() {
		if c.ServerID != "B" {
			t.Fatalf("channel %s from server %s visible under B", c.ID, c.ServerID)
		}
	}
	if len(d.Channels()) != 2 || d.CurrentChannel() != "" || d.CurrentServer() != "B" {
		t.Fatalf("unexpected state server=%s channel=%s channels=%+v", d.CurrentServer(), d.CurrentChannel(), d.Channels())
	}
	if m := d.Members(); len(m) != 1 || m[0].ServerID != "B" {
		t.Fatalf("expected B's members, got %+v", m)
	}
}

func TestStaleServerFetchIsDropped(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	backend := &fakeBackend{
		listChannelsFn: func(_ context.Context, serverID string) ([]store.Channel, error) {
			if serverID == "A" {
				close(started)
				<-release
			}
			return channelsOf(serverID, "general"), nil
		},
	}
	d := New(backend, fakeIdentities{})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- d.SetCurrentServer(ctx, "A") }()
	<-started
	if err := d.SetCurrentServer(ctx, "B"); err != nil {
		t.Fatalf("SetCurrentServer B failed: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("stale switch returned error: %v", err)
	}

	channels := d.Channels()
	if len(channels) != 1 || channels[0].ServerID != "B" {
		t.Fatalf("expected only B's channels, got %+v", channels)
	}
}

func TestFetchFailureLeavesListsEmpty(t *testing.T) {
	backend := &fakeBackend{
		listChannelsFn: func(context.Context, string) ([]store.Channel, error) {
			return nil, errors.New("boom")
		},
		listMembersFn: func(_ context.Context, serverID string) ([]store.ServerMember, error) {
			return []store.ServerMember{{ServerID: serverID, UserID: "u1"}}, nil
		},
	}
	d := New(backend, fakeIdentities{})
	if err := d.SetCurrentServer(context.Background(), "A"); err == nil {
		t.Fatal("expected error")
	}
	if len(d.Channels()) != 0 {
		t.Fatal("expected channels empty")
	}
	if len(d.Members()) != 1 {
		t.Fatal("expected members fetch to complete despite channel failure")
	}
}

func TestCreateServer(t *testing.T) {
	var calls []string
	backend := &fakeBackend{
		insertServerFn: func(_ context.Context, s store.Server) (store.Server, error) {
			calls = append(calls, "server")
			if s.OwnerID != "u1" || s.Name != "Lab" {
				t.Errorf("unexpected server %+v", s)
			}
			s.ID = "S1"
			return s, nil
		},
		insertMemberFn: func(_ context.Context, serverID, userID, role string) error {
			calls = append(calls, "member:"+role)
			return nil
		},
		insertChannelFn: func(_ context.Context, actorID string, c store.Channel) (store.Channel, error) {
			calls = append(calls, "channel:"+c.Name)
			c.ID = "C1"
			return c, nil
		},
	}
	d := New(backend, fakeIdentities{})

	server, err := d.CreateServer(context.Background(), "  Lab ", "")
	if err != nil {
		t.Fatalf("CreateServer failed: %v", err)
	}
	if server.ID != "S1" {
		t.Fatalf("expected S1, got %+v", server)
	}
	want := []string{"server", "member:owner", "channel:general"}
	if len(calls) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("expected calls %v, got %v", want, calls)
		}
	}
	if got := d.Servers(); len(got) != 1 || got[0].ID != "S1" {
		t.Fatalf("expected server listed, got %+v", got)
	}

	if _, err := d.CreateServer(context.Background(), "   ", ""); !errors.Is(err, ErrEmptyName) {
		t.Fatalf("expected ErrEmptyName, got %v", err)
	}
}

func TestCreateServerPartialFailure(t *testing.T) {
	tests := []struct {
		name      string
		serverErr error
		memberErr error
		chanErr   error
		wantErr   bool
	}{
		{name: "server insert fails", serverErr: errors.New("down"), wantErr: true},
		{name: "member insert fails", memberErr: errors.New("down")},
		{name: "channel insert fails", chanErr: errors.New("down")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			backend := &fakeBackend{
				insertServerFn: func(_ context.Context, s store.Server) (store.Server, error) {
					s.ID = "S1"
					return s, tc.serverErr
				},
				insertMemberFn: func(context.Context, string, string, string) error {
					return tc.memberErr
				},
				insertChannelFn: func(_ context.Context, _ string, c store.Channel) (store.Channel, error) {
					return c, tc.chanErr
				},
			}
			d := New(backend, fakeIdentities{})
			server, err := d.CreateServer(context.Background(), "Lab", "")
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if len(d.Servers()) != 0 {
					t.Fatal("expected no server listed")
				}
				return
			}
			if err != nil || server.ID != "S1" {
				t.Fatalf("expected degraded success, got %+v (%v)", server, err)
			}
		})
	}
}

func TestNormalizeChannelName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"General", "general"},
		{"Off Topic", "off-topic"},
		{"  Build   Logs ", "build-logs"},
		{"   ", ""},
	}
	for _, tc := range tests {
		if got := NormalizeChannelName(tc.in); got != tc.want {
			t.Errorf("NormalizeChannelName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCreateChannelAppendsAtNextPosition(t *testing.T) {
	var inserted store.Channel
	backend := &fakeBackend{
		listChannelsFn: func(_ context.Context, serverID string) ([]store.Channel, error) {
			return channelsOf(serverID, "general", "random", "dev"), nil
		},
		insertChannelFn: func(_ context.Context, actorID string, c store.Channel) (store.Channel, error) {
			if actorID != "u1" {
				t.Errorf("expected actor u1, got %s", actorID)
			}
			inserted = c
			c.ID = "new"
			return c, nil
		},
	}
	d := New(backend, fakeIdentities{})
	ctx := context.Background()
	if err := d.SetCurrentServer(ctx, "A"); err != nil {
		t.Fatalf("SetCurrentServer failed: %v", err)
	}

	channel, err := d.CreateChannel(ctx, "A", "Release Notes")
	if err != nil {
		t.Fatalf("CreateChannel failed: %v", err)
	}
	if inserted.Name != "release-notes" || inserted.Position != 3 || inserted.Type != store.ChannelText {
		t.Fatalf("unexpected insert %+v", inserted)
	}
	channels := d.Channels()
	if len(channels) != 4 || channels[3].ID != channel.ID {
		t.Fatalf("expected channel appended, got %+v", channels)
	}

	if _, err := d.CreateChannel(ctx, "B", "ops"); err != nil {
		t.Fatalf("CreateChannel on other server failed: %v", err)
	}
	if inserted.Position != 3 || len(d.Channels()) != 4 {
		t.Fatalf("expected position from backend list and no local append, got %+v", inserted)
	}

	if _, err := d.CreateChannel(ctx, "A", "  "); !errors.Is(err, ErrEmptyName) {
		t.Fatalf("expected ErrEmptyName, got %v", err)
	}
}

func TestCreateChannelPositionFollowsHighestExisting(t *testing.T) {
	var inserted store.Channel
	backend := &fakeBackend{
		listChannelsFn: func(_ context.Context, serverID string) ([]store.Channel, error) {
			channels := channelsOf(serverID, "general", "archive")
			channels[1].Position = 4
			return channels, nil
		},
		insertChannelFn: func(_ context.Context, _ string, c store.Channel) (store.Channel, error) {
			inserted = c
			c.ID = "new"
			return c, nil
		},
	}
	d := New(backend, fakeIdentities{})
	// selected, but the channel fetch has not landed yet
	d.currentServer = "A"

	if _, err := d.CreateChannel(context.Background(), "A", "ops"); err != nil {
		t.Fatalf("CreateChannel failed: %v", err)
	}
	if inserted.Position != 5 {
		t.Fatalf("expected position 5, got %d", inserted.Position)
	}
}
