package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/zsiec/refract/internal/config"
)

type entry struct {
	player *Player
	cancel context.CancelFunc
}

// Manager runs sessions and tracks them by id until they stop.
type Manager struct {
	log *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*entry
}

// NewManager creates a session manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log.With("component", "session-manager"),
		sessions: make(map[string]*entry),
	}
}

// Start builds a player for url and runs it until ctx is done, it fails,
// or Stop is called. The session is removed when it stops; Done and Err
// of the player report the outcome.
func (m *Manager) Start(ctx context.Context, cfg config.Config, url string, opts Options) (*Player, error) {
	p, err := NewPlayer(cfg, url, opts, m.log)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	e := &entry{player: p, cancel: cancel}

	m.mu.Lock()
	m.sessions[p.ID] = e
	m.mu.Unlock()
	m.log.Info("session created", "id", p.ID, "url", url)

	go func() {
		err := p.Run(ctx)
		cancel()
		m.mu.Lock()
		delete(m.sessions, p.ID)
		m.mu.Unlock()
		m.log.Info("session removed", "id", p.ID, "error", err)
	}()
	return p, nil
}

// Get returns the running session with the given id.
func (m *Manager) Get(id string) (*Player, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return e.player, true
}

// Stop cancels a session and waits for it to finish. It reports false
// when no such session is running.
func (m *Manager) Stop(id string) bool {
	m.mu.RLock()
	e, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	e.cancel()
	<-e.player.Done()
	return true
}

// List returns the running sessions.
func (m *Manager) List() []*Player {
	m.mu.RLock()
	defer m.mu.RUnlock()

	players := make([]*Player, 0, len(m.sessions))
	for _, e := range m.sessions {
		players = append(players, e.player)
	}
	return players
}
