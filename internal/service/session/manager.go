package session

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"clinical-risk-service/internal/observability/logging"
	"clinical-risk-service/internal/service/broadcast"
)

// Manager is the registry of active sessions. A controller is removed once
// it reaches a terminal state, so a finished session id can be started
// again with a fresh controller.
type Manager struct {
	base context.Context
	cfg  Config
	deps Dependencies
	log  zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Controller
	wg       sync.WaitGroup
}

// NewManager creates a manager. base bounds the lifetime of every
// provider stream started through it.
func NewManager(base context.Context, cfg Config, deps Dependencies) *Manager {
	return &Manager{
		base:     base,
		cfg:      cfg,
		deps:     deps,
		log:      logging.WithComponent("session-manager"),
		sessions: make(map[string]*Controller),
	}
}

// StartSession starts recording a session. It returns ErrSessionActive if
// the session already has a live controller; the audio device is never
// acquired twice.
func (m *Manager) StartSession(ctx context.Context, sessionID, teamID string) error {
	m.mu.Lock()
	if c, ok := m.sessions[sessionID]; ok && !c.State().IsTerminal() {
		m.mu.Unlock()
		return ErrSessionActive
	}
	c := NewController(m.base, sessionID, teamID, m.cfg, m.deps)
	m.sessions[sessionID] = c
	m.mu.Unlock()

	m.wg.Add(1)
	go m.reap(c)

	return c.Start(ctx)
}

func (m *Manager) reap(c *Controller) {
	defer m.wg.Done()
	<-c.Done()
	m.mu.Lock()
	if m.sessions[c.ID()] == c {
		delete(m.sessions, c.ID())
	}
	m.mu.Unlock()
}

func (m *Manager) lookup(sessionID string) (*Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return c, nil
}

// Controller returns the live controller of a session.
func (m *Manager) Controller(sessionID string) (*Controller, error) {
	return m.lookup(sessionID)
}

// PauseSession suspends capture for a recording session.
func (m *Manager) PauseSession(sessionID string) error {
	c, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	return c.Pause()
}

// ResumeSession resumes a paused session.
func (m *Manager) ResumeSession(sessionID string) error {
	c, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	return c.Resume()
}

// StopResult describes a stopped session.
type StopResult struct {
	State     State
	JobID     string
	Fragments int
	Flags     int
}

// StopSession stops a session and waits for it to reach a terminal state.
// A provider failure during the session is reported as
// *ProviderStreamError even though the partial transcript was persisted.
func (m *Manager) StopSession(ctx context.Context, sessionID string) error {
	_, err := m.Stop(ctx, sessionID)
	return err
}

// Stop is StopSession that also reports the outcome. The result is filled
// in even when the session ended with an error.
func (m *Manager) Stop(ctx context.Context, sessionID string) (StopResult, error) {
	c, err := m.lookup(sessionID)
	if err != nil {
		return StopResult{}, err
	}
	err = c.Stop(ctx)
	return StopResult{
		State:     c.State(),
		JobID:     c.JobID(),
		Fragments: len(c.Fragments()),
		Flags:     len(c.Flags()),
	}, err
}

// Subscribe attaches a live viewer to a session.
func (m *Manager) Subscribe(sessionID string) (*broadcast.Subscription, error) {
	c, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return c.Subscribe()
}

// State returns the state of a live session.
func (m *Manager) State(sessionID string) (State, error) {
	c, err := m.lookup(sessionID)
	if err != nil {
		return StateIdle, err
	}
	return c.State(), nil
}

// Active returns the number of registered sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown stops every active session and waits for them to finish or
// for ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	controllers := make([]*Controller, 0, len(m.sessions))
	for _, c := range m.sessions {
		controllers = append(controllers, c)
	}
	m.mu.Unlock()

	var errs []error
	for _, c := range controllers {
		if c.State() == StateIdle {
			continue
		}
		if err := c.Stop(ctx); err != nil {
			m.log.Warn().Err(err).Str("sessionId", c.ID()).Msg("Session ended with error during shutdown")
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}
