package identity

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"murmur/core/internal/auth"
)

type fakeProvider struct {
	calls  atomic.Int32
	userID atomic.Value
	err    error
}

func (f *fakeProvider) CurrentUser(context.Context) (auth.Claims, error) {
	f.calls.Add(1)
	if f.err != nil {
		return auth.Claims{}, f.err
	}
	return auth.Claims{Sub: f.userID.Load().(string), Username: "u"}, nil
}

func TestResolveIsMemoized(t *testing.T) {
	p := &fakeProvider{}
	p.userID.Store("u1")
	c := NewCache(p)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id, err := c.Resolve(ctx)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if id.UserID != "u1" {
			t.Fatalf("expected u1, got %s", id.UserID)
		}
	}
	if got := p.calls.Load(); got != 1 {
		t.Fatalf("expected one provider call, got %d", got)
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	p := &fakeProvider{}
	p.userID.Store("u1")
	c := NewCache(p)
	ctx := context.Background()

	if _, err := c.Resolve(ctx); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	p.userID.Store("u2")
	c.Invalidate()
	if _, ok := c.Cached(); ok {
		t.Fatal("expected empty cache after invalidate")
	}
	id, err := c.Resolve(ctx)
	if err != nil || id.UserID != "u2" {
		t.Fatalf("expected u2 after invalidate, got %+v (%v)", id, err)
	}
}

func TestResolveWithoutSession(t *testing.T) {
	c := NewCache(&fakeProvider{err: auth.ErrSignedOut})
	_, err := c.Resolve(context.Background())
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
	if _, ok := c.Cached(); ok {
		t.Fatal("failed resolution must not be cached")
	}
}

func TestWatchInvalidatesOnAuthChange(t *testing.T) {
	p := &fakeProvider{}
	p.userID.Store("u1")
	c := NewCache(p)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := c.Resolve(ctx); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	changes := make(chan auth.StateChange)
	seen := make(chan auth.StateChange, 1)
	go c.Watch(ctx, changes, func(change auth.StateChange) { seen <- change })

	changes <- auth.SignedOut
	select {
	case got := <-seen:
		if got != auth.SignedOut {
			t.Fatalf("expected SIGNED_OUT, got %s", got)
		}
	case <-time.After(time.Second):
		t.Fatal("watch did not observe change")
	}
	if _, ok := c.Cached(); ok {
		t.Fatal("expected cache to be invalidated by auth change")
	}
}
