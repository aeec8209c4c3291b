package session

import (
	"fmt"
	"sync/atomic"
)

// RecordingStartError reports a failure to acquire the audio source or to
// open the provider connection. The session attempt is over; nothing was
// captured.
type RecordingStartError struct {
	SessionID string
	Stage     string // audio, archive, provider
	Err       error
}

func (e *RecordingStartError) Error() string {
	return fmt.Sprintf("session %s: start failed (%s): %v", e.SessionID, e.Stage, e.Err)
}

func (e *RecordingStartError) Unwrap() error { return e.Err }

// ProviderStreamError reports a provider failure while recording. The
// session ended FAILED but its buffered transcript and audio were flushed.
type ProviderStreamError struct {
	SessionID string
	Provider  string
	Err       error
}

func (e *ProviderStreamError) Error() string {
	return fmt.Sprintf("session %s: %s stream failed: %v", e.SessionID, e.Provider, e.Err)
}

func (e *ProviderStreamError) Unwrap() error { return e.Err }

// FragmentIDs generates per-session fragment ids for providers that do not
// assign their own.
type FragmentIDs struct {
	counter uint64
}

// Next returns "<sessionID>-frag-<n>".
func (g *FragmentIDs) Next(sessionID string) string {
	n := atomic.AddUint64(&g.counter, 1)
	return fmt.Sprintf("%s-frag-%d", sessionID, n)
}
