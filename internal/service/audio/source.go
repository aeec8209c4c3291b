// Package audio provides audio capture for recording sessions and the
// archive that keeps each session's audio for batch reprocessing.
package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"clinical-risk-service/internal/observability/metrics"
)

var (
	ErrDeviceBusy    = errors.New("audio source already captured for session")
	ErrNoCapture     = errors.New("no active capture for session")
	ErrBackpressure  = errors.New("capture buffer full")
	ErrCaptureLimit  = errors.New("capture limit exceeded")
	ErrCaptureClosed = errors.New("capture stopped")
)

// Source hands out exclusive audio captures per session.
type Source interface {
	Acquire(ctx context.Context, sessionID string) (Capture, error)
}

// Capture is an exclusive handle on a session's audio. Read returns PCM
// bytes and io.EOF after Stop once buffered audio is drained.
type Capture interface {
	io.Reader
	Pause()
	Resume()
	Stop()
}

// CaptureLimits bounds resource use of a single capture.
type CaptureLimits struct {
	MaxBufferedFrames int           // frames queued between producer and reader
	MaxAudioBytes     int64         // total bytes per capture, 0 = unlimited
	MaxDuration       time.Duration // wall-clock capture length, 0 = unlimited
}

// DefaultLimits returns sensible default limits.
func DefaultLimits() CaptureLimits {
	return CaptureLimits{
		MaxBufferedFrames: 256,
		MaxAudioBytes:     512 * 1024 * 1024, // ~4.6h at 16kHz 16-bit mono
		MaxDuration:       4 * time.Hour,
	}
}

// PushSource is a Source fed by the hosting layer, for example frames
// arriving over a websocket. Frames pushed while paused are discarded.
type PushSource struct {
	limits  CaptureLimits
	metrics *metrics.Metrics

	mu       sync.Mutex
	captures map[string]*pushCapture
}

// NewPushSource creates a push source.
func NewPushSource(limits CaptureLimits) *PushSource {
	if limits.MaxBufferedFrames <= 0 {
		limits.MaxBufferedFrames = DefaultLimits().MaxBufferedFrames
	}
	return &PushSource{
		limits:   limits,
		metrics:  metrics.DefaultMetrics,
		captures: make(map[string]*pushCapture),
	}
}

// WithMetrics overrides the metrics sink.
func (s *PushSource) WithMetrics(m *metrics.Metrics) *PushSource {
	s.metrics = m
	return s
}

// Acquire creates the session's capture. A second Acquire before Stop
// returns ErrDeviceBusy.
func (s *PushSource) Acquire(ctx context.Context, sessionID string) (Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.captures[sessionID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceBusy, sessionID)
	}
	c := &pushCapture{
		source:    s,
		sessionID: sessionID,
		frames:    make(chan []byte, s.limits.MaxBufferedFrames),
		done:      make(chan struct{}),
		started:   time.Now(),
	}
	s.captures[sessionID] = c
	return c, nil
}

// Push delivers a frame to the session's capture.
func (s *PushSource) Push(sessionID string, frame []byte) error {
	s.mu.Lock()
	c, ok := s.captures[sessionID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoCapture, sessionID)
	}
	return c.push(frame)
}

// Active reports whether the session currently holds a capture.
func (s *PushSource) Active(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.captures[sessionID]
	return ok
}

func (s *PushSource) release(c *pushCapture) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.captures[c.sessionID] == c {
		delete(s.captures, c.sessionID)
	}
}

type pushCapture struct {
	source    *PushSource
	sessionID string
	frames    chan []byte
	done      chan struct{}
	started   time.Time
	stopOnce  sync.Once

	mu      sync.Mutex
	paused  bool
	stopped bool
	bytes   int64

	// reader side only
	pending []byte
}

func (c *pushCapture) push(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	limits := c.source.limits

	if c.stopped {
		return ErrCaptureClosed
	}
	if c.paused {
		c.source.metrics.RecordAudioDropped("paused")
		return nil
	}
	if limits.MaxAudioBytes > 0 && c.bytes+int64(len(frame)) > limits.MaxAudioBytes {
		c.source.metrics.RecordAudioDropped("max_bytes")
		return fmt.Errorf("%w: max audio bytes %d", ErrCaptureLimit, limits.MaxAudioBytes)
	}
	if limits.MaxDuration > 0 && time.Since(c.started) > limits.MaxDuration {
		c.source.metrics.RecordAudioDropped("max_duration")
		return fmt.Errorf("%w: max duration %v", ErrCaptureLimit, limits.MaxDuration)
	}

	buf := make([]byte, len(frame))
	copy(buf, frame)
	select {
	case c.frames <- buf:
		c.bytes += int64(len(buf))
		c.source.metrics.RecordAudioReceived(len(buf))
		return nil
	default:
		c.source.metrics.RecordAudioDropped("backpressure")
		return ErrBackpressure
	}
}

func (c *pushCapture) Read(p []byte) (int, error) {
	for {
		if len(c.pending) > 0 {
			n := copy(p, c.pending)
			c.pending = c.pending[n:]
			return n, nil
		}
		select {
		case f := <-c.frames:
			c.pending = f
		case <-c.done:
			// Flush what was buffered before Stop.
			select {
			case f := <-c.frames:
				c.pending = f
			default:
				return 0, io.EOF
			}
		}
	}
}

func (c *pushCapture) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
}

func (c *pushCapture) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
}

func (c *pushCapture) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopped = true
		c.mu.Unlock()
		close(c.done)
		c.source.release(c)
	})
}
