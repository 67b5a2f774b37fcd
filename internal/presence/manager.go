package presence

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"murmur/core/internal/identity"
)

const remoteTimeout = 10 * time.Second

var ErrUnknownState = errors.New("unknown presence state")

// Remote mirrors the state onto the user's backend profile.
type Remote interface {
	UpdatePresence(ctx context.Context, userID, state string) error
}

type Identities interface {
	Resolve(ctx context.Context) (identity.Identity, error)
}

type localFile struct {
	State     State     `yaml:"state"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

// Manager holds the current state. Set changes it locally at once and
// mirrors it to the backend in the background; a failed mirror is logged
// and the local state stays.
type Manager struct {
	path       string
	remote     Remote
	identities Identities

	mu    sync.RWMutex
	state State

	// saveMu serializes writes of the local file.
	saveMu  sync.Mutex
	pending sync.WaitGroup
}

// NewManager creates a manager in the online state. path may be empty to
// skip local persistence, remote may be nil to skip mirroring.
func NewManager(path string, remote Remote, identities Identities) *Manager {
	return &Manager{path: path, remote: remote, identities: identities, state: Online}
}

// Load restores the state saved by a previous Set. A missing or unreadable
// file, or an unknown value, leaves the manager online.
func (m *Manager) Load() State {
	state := Online
	if m.path != "" {
		data, err := os.ReadFile(m.path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			log.Printf("presence: read %s: %v", m.path, err)
		default:
			var file localFile
			if err := yaml.Unmarshal(data, &file); err != nil {
				log.Printf("presence: parse %s: %v", m.path, err)
			} else if file.State.Valid() {
				state = file.State
			}
		}
	}

	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
	return state
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) Config() Config {
	return ConfigFor(m.State())
}

// Set switches to state. Only an unknown state is an error.
func (m *Manager) Set(ctx context.Context, state State) (Config, error) {
	if !state.Valid() {
		return Config{}, fmt.Errorf("%w: %q", ErrUnknownState, state)
	}

	m.mu.Lock()
	m.state = state
	m.mu.Unlock()

	if err := m.save(); err != nil {
		log.Printf("presence: save %s: %v", m.path, err)
	}

	if m.remote != nil {
		m.pending.Add(1)
		go m.mirror(context.WithoutCancel(ctx), state)
	}
	return ConfigFor(state), nil
}

// Wait blocks until background mirrors started so far have finished.
func (m *Manager) Wait() {
	m.pending.Wait()
}

func (m *Manager) mirror(ctx context.Context, state State) {
	defer m.pending.Done()
	ctx, cancel := context.WithTimeout(ctx, remoteTimeout)
	defer cancel()

	me, err := m.identities.Resolve(ctx)
	if err != nil {
		log.Printf("presence: mirror %s: %v", state, err)
		return
	}
	if err := m.remote.UpdatePresence(ctx, me.UserID, string(state)); err != nil {
		log.Printf("presence: mirror %s for %s: %v", state, me.UserID, err)
	}
}

// save writes the state current at the time of writing, so the last save
// to finish always holds the last state set.
func (m *Manager) save() error {
	if m.path == "" {
		return nil
	}
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	data, err := yaml.Marshal(localFile{State: m.State(), UpdatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}
