package pty

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// DefaultSessionID is the ID used when StartOptions.ID is empty.
const DefaultSessionID = "default"

// Manager is a registry of running shell sessions keyed by ID.
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
}

// NewManager creates an empty session registry.
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
	}
}

// Spawn starts a shell and registers it. The session is removed from the
// registry once the shell exits.
func (m *Manager) Spawn(ctx context.Context, opts StartOptions) (*Session, error) {
	if opts.ID == "" {
		opts.ID = DefaultSessionID
	}

	if _, exists := m.lookup(opts.ID); exists {
		return nil, fmt.Errorf("session already running: %s", opts.ID)
	}

	s, err := Start(ctx, opts)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()

	go func() {
		<-s.Done()
		m.remove(s)
	}()

	return s, nil
}

// Close shuts down every session and waits for them to exit. It returns
// the first error encountered.
func (m *Manager) Close() error {
	var g errgroup.Group
	for _, s := range m.snapshot() {
		g.Go(s.Close)
	}
	return g.Wait()
}

func (m *Manager) snapshot() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		result = append(result, s)
	}
	return result
}

func (m *Manager) lookup(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	return s, ok
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.sessions[s.ID()]; ok && cur == s {
		delete(m.sessions, s.ID())
		log.Debug().Str("session", s.ID()).Msg("Session removed from registry")
	}
}
