package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
)

// defaultRetained is how many finished sessions stay queryable.
const defaultRetained = 100

// Summary is one row of the session list.
type Summary struct {
	ID        string    `json:"session_id"`
	Active    bool      `json:"active"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
}

// Manager is the registry of sessions: start, stop and look up by id.
// Finished sessions are retained, up to a limit, so their transcript can
// still be fetched after the call ends.
type Manager struct {
	providers Providers
	logger    zerolog.Logger
	retain    int

	mu       sync.Mutex
	sessions map[string]*Session
	finished []string
	wg       sync.WaitGroup
}

// NewManager creates a manager building sessions on providers.
func NewManager(providers Providers, logger zerolog.Logger) *Manager {
	return &Manager{
		providers: providers,
		logger:    logger.With().Str("component", "sessions").Logger(),
		retain:    defaultRetained,
		sessions:  make(map[string]*Session),
	}
}

// Start creates a session on transport and runs it until ctx ends or it is
// stopped.
func (m *Manager) Start(ctx context.Context, cfg Config, transport Transport) (*Session, error) {
	s, err := New(cfg, m.providers, transport)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		err := s.Run(ctx)
		if errors.Is(err, ErrTransportLost) {
			sentry.WithScope(func(scope *sentry.Scope) {
				scope.SetTag("session_id", s.ID)
				scope.SetTag("correlation_id", s.CorrelationID)
				sentry.CaptureException(err)
			})
		}
		m.retire(s.ID)
	}()
	return s, nil
}

func (m *Manager) retire(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = append(m.finished, id)
	for len(m.finished) > m.retain {
		delete(m.sessions, m.finished[0])
		m.finished = m.finished[1:]
	}
}

// Stop ends a session. Stopping a session that already ended is a no-op.
func (m *Manager) Stop(id string) error {
	s, ok := m.Get(id)
	if !ok {
		return ErrNotFound
	}
	s.Stop()
	return nil
}

// Get returns a live or retained session.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns every known session, newest first.
func (m *Manager) List() []Summary {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]Summary, 0, len(sessions))
	for _, s := range sessions {
		info := Summary{ID: s.ID, State: s.State().String(), StartedAt: s.startedAt, Active: true}
		select {
		case <-s.Done():
			info.Active = false
		default:
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Active returns the number of running sessions.
func (m *Manager) Active() int {
	n := 0
	for _, s := range m.List() {
		if s.Active {
			n++
		}
	}
	return n
}

// StopAll stops every session and returns how many were asked to stop.
func (m *Manager) StopAll() int {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
	return len(sessions)
}

// Wait blocks until every session has ended or ctx expires. It reports
// whether all sessions ended.
func (m *Manager) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
