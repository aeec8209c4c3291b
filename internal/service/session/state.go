// Package session drives recording sessions: audio capture, the streaming
// transcription connection, live risk detection and the hand-off to batch
// reprocessing.
package session

import (
	"errors"
	"fmt"
	"sync"
)

// State represents the lifecycle state of a recording session.
type State int

const (
	// StateIdle - Controller created, nothing acquired yet.
	StateIdle State = iota
	// StateRecording - Audio flows to the provider.
	StateRecording
	// StatePaused - Capture suspended, provider connection kept alive.
	StatePaused
	// StateStopping - Flushing audio and waiting for final results.
	StateStopping
	// StateCompleted - Transcript persisted and reprocessing enqueued.
	StateCompleted
	// StateFailed - Start failed or the provider failed mid-session.
	// Buffered data is still flushed before entering this state.
	StateFailed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRecording:
		return "RECORDING"
	case StatePaused:
		return "PAUSED"
	case StateStopping:
		return "STOPPING"
	case StateCompleted:
		return "COMPLETED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// IsTerminal returns true if the state is terminal (COMPLETED or FAILED).
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Errors for invalid state transitions and registry lookups.
var (
	ErrInvalidTransition = errors.New("invalid session state transition")
	ErrSessionActive     = errors.New("session already active")
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionFinished   = errors.New("session already finished")
)

// Lifecycle manages the state machine for a single session.
// Thread-safe for concurrent access.
//
// State transitions:
//
//	IDLE → RECORDING ⇄ PAUSED
//	          │          │
//	          └────┬─────┘
//	               ▼
//	           STOPPING → COMPLETED | FAILED
//
// IDLE may go straight to FAILED when start fails.
type Lifecycle struct {
	mu        sync.RWMutex
	sessionID string
	state     State
	failed    bool
}

// NewLifecycle creates a new session lifecycle in IDLE state.
func NewLifecycle(sessionID string) *Lifecycle {
	return &Lifecycle{
		sessionID: sessionID,
		state:     StateIdle,
	}
}

// SessionID returns the session ID.
func (l *Lifecycle) SessionID() string {
	return l.sessionID
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *Lifecycle) transition(to State, from ...State) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range from {
		if l.state == s {
			l.state = to
			return nil
		}
	}
	if l.state.IsTerminal() {
		return ErrSessionFinished
	}
	return fmt.Errorf("%w: %v → %v", ErrInvalidTransition, l.state, to)
}

// Start moves IDLE → RECORDING.
func (l *Lifecycle) Start() error {
	return l.transition(StateRecording, StateIdle)
}

// Pause moves RECORDING → PAUSED.
func (l *Lifecycle) Pause() error {
	return l.transition(StatePaused, StateRecording)
}

// Resume moves PAUSED → RECORDING.
func (l *Lifecycle) Resume() error {
	return l.transition(StateRecording, StatePaused)
}

// BeginStop moves RECORDING or PAUSED → STOPPING.
func (l *Lifecycle) BeginStop() error {
	return l.transition(StateStopping, StateRecording, StatePaused)
}

// MarkFailed records that the session will end FAILED. The state itself
// changes on Finish, after the flush path ran.
func (l *Lifecycle) MarkFailed() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failed = true
}

// Failed reports whether MarkFailed was called.
func (l *Lifecycle) Failed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.failed
}

// Finish moves STOPPING → COMPLETED, or → FAILED when marked failed, and
// returns the terminal state.
func (l *Lifecycle) Finish() (State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateStopping {
		if l.state.IsTerminal() {
			return l.state, ErrSessionFinished
		}
		return l.state, fmt.Errorf("%w: %v → terminal", ErrInvalidTransition, l.state)
	}
	if l.failed {
		l.state = StateFailed
	} else {
		l.state = StateCompleted
	}
	return l.state, nil
}

// Fail moves IDLE → FAILED, used when start fails before anything was
// captured. Returns false if the session already left IDLE.
func (l *Lifecycle) Fail() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateIdle {
		return false
	}
	l.failed = true
	l.state = StateFailed
	return true
}
