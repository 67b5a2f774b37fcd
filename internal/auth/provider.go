package auth

import (
	"context"
	"errors"
	"log"
	"sync"
)

var ErrSignedOut = errors.New("no active session")

type StateChange string

const (
	SignedIn  StateChange = "SIGNED_IN"
	SignedOut StateChange = "SIGNED_OUT"
)

// TokenProvider holds the current session token and reports sign-in and
// sign-out transitions to listeners.
type TokenProvider struct {
	secret []byte

	mu        sync.Mutex
	token     string
	listeners []chan StateChange
}

func NewTokenProvider(secret []byte) *TokenProvider {
	return &TokenProvider{secret: secret}
}

// CurrentUser validates the held token on every call.
func (p *TokenProvider) CurrentUser(ctx context.Context) (Claims, error) {
	if err := ctx.Err(); err != nil {
		return Claims{}, err
	}
	p.mu.Lock()
	token := p.token
	p.mu.Unlock()
	if token == "" {
		return Claims{}, ErrSignedOut
	}
	return ParseToken(p.secret, token)
}

func (p *TokenProvider) SignIn(token string) error {
	if _, err := ParseToken(p.secret, token); err != nil {
		return err
	}
	p.mu.Lock()
	p.token = token
	p.mu.Unlock()
	p.emit(SignedIn)
	return nil
}

func (p *TokenProvider) SignOut() {
	p.mu.Lock()
	p.token = ""
	p.mu.Unlock()
	p.emit(SignedOut)
}

// Changes returns a new buffered stream of state changes.
func (p *TokenProvider) Changes() <-chan StateChange {
	ch := make(chan StateChange, 8)
	p.mu.Lock()
	p.listeners = append(p.listeners, ch)
	p.mu.Unlock()
	return ch
}

func (p *TokenProvider) emit(change StateChange) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.listeners {
		select {
		case ch <- change:
		default:
			log.Printf("auth: listener full, dropping %s", change)
		}
	}
}
