// Package stt defines the interface for Speech-to-Text adapters.
package stt

import (
	"context"
	"errors"

	"clinical-risk-service/internal/models"
)

// ErrStreamClosed is returned when audio is sent after Finish or Close.
var ErrStreamClosed = errors.New("transcription stream closed")

// Callback receives transcript results and connection signals from the
// STT provider. Calls for one stream are made from a single goroutine.
type Callback interface {
	// OnOpen is called once the provider accepted the stream.
	OnOpen()

	// OnFragment is called for every interim or final transcript fragment.
	OnFragment(f models.TranscriptFragment)

	// OnError is called when the stream fails. No further fragments follow.
	OnError(err error)

	// OnClose is called when the provider has flushed its last result
	// after Finish, or after Close.
	OnClose()
}

// Adapter defines the interface for streaming STT providers.
type Adapter interface {
	// Start opens the streaming connection.
	Start(ctx context.Context, cb Callback) error

	// SendAudio sends raw PCM bytes to the provider.
	SendAudio(ctx context.Context, audio []byte) error

	// KeepAlive keeps an idle connection open while capture is paused.
	KeepAlive(ctx context.Context) error

	// Finish signals end of audio; the provider flushes final results
	// and then calls OnClose.
	Finish(ctx context.Context) error

	// Close tears the connection down and releases resources.
	Close() error
}

// Factory creates one streaming adapter per session.
type Factory interface {
	Provider() string
	NewAdapter(ctx context.Context, sessionID string) (Adapter, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc struct {
	Name string
	Fn   func(ctx context.Context, sessionID string) (Adapter, error)
}

func (f FactoryFunc) Provider() string { return f.Name }

func (f FactoryFunc) NewAdapter(ctx context.Context, sessionID string) (Adapter, error) {
	return f.Fn(ctx, sessionID)
}

// BatchTranscriber produces a full transcript, with word timings and
// speaker diarization, for a complete audio recording.
type BatchTranscriber interface {
	Transcribe(ctx context.Context, audioRef string) (*models.Transcript, error)
}

// Config holds provider-independent recognition settings.
type Config struct {
	Provider       string
	LanguageCode   string
	SampleRateHz   int
	Encoding       string
	InterimResults bool
	Diarization    bool
	MaxSpeakers    int
}

// DefaultConfig returns default recognition settings.
func DefaultConfig() Config {
	return Config{
		Provider:       "mock",
		LanguageCode:   "en-US",
		SampleRateHz:   16000,
		Encoding:       "LINEAR16",
		InterimResults: true,
		Diarization:    true,
		MaxSpeakers:    2,
	}
}
