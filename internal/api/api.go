// Package api holds what the HTTP and gRPC surfaces share: the ports they
// drive and the mapping of domain errors to transport status codes.
package api

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"

	"clinical-risk-service/internal/models"
	"clinical-risk-service/internal/queue"
	"clinical-risk-service/internal/service/audio"
	"clinical-risk-service/internal/service/broadcast"
	"clinical-risk-service/internal/service/session"
	"clinical-risk-service/internal/storage"
)

// Sessions is the session lifecycle port, implemented by *session.Manager.
type Sessions interface {
	StartSession(ctx context.Context, sessionID, teamID string) error
	PauseSession(sessionID string) error
	ResumeSession(sessionID string) error
	Stop(ctx context.Context, sessionID string) (session.StopResult, error)
	State(sessionID string) (session.State, error)
	Subscribe(sessionID string) (*broadcast.Subscription, error)
}

// Jobs is the batch queue port, implemented by *queue.Queue.
type Jobs interface {
	EnqueueReprocessing(ctx context.Context, sessionID, teamID, audioRef string) (string, error)
	Status(ctx context.Context, id string) (models.JobState, error)
}

// Records reads persisted transcripts and flags.
type Records interface {
	GetTranscript(ctx context.Context, sessionID string) (*models.TranscriptRecord, error)
	ListFlags(ctx context.Context, sessionID string) ([]models.RiskFlag, error)
}

// AudioSink receives captured audio frames, implemented by
// *audio.PushSource.
type AudioSink interface {
	Push(sessionID string, frame []byte) error
}

// SessionView is the externally visible state of a session, live or
// finished.
type SessionView struct {
	SessionID        string `json:"sessionId"`
	State            string `json:"state"`
	Live             bool   `json:"live"`
	TranscriptStatus string `json:"transcriptStatus,omitempty"`
	AudioRef         string `json:"audioRef,omitempty"`
	HighestSeverity  string `json:"highestSeverity,omitempty"`
}

// DescribeSession reports a live session's state, or the persisted
// transcript status of a finished one.
func DescribeSession(ctx context.Context, sessions Sessions, records Records, sessionID string) (SessionView, error) {
	view := SessionView{SessionID: sessionID}
	state, err := sessions.State(sessionID)
	switch {
	case err == nil:
		view.State = state.String()
		view.Live = true
	case !errors.Is(err, session.ErrSessionNotFound):
		return view, err
	}

	rec, err := records.GetTranscript(ctx, sessionID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if !view.Live {
			return view, session.ErrSessionNotFound
		}
		return view, nil
	case err != nil:
		return view, err
	}

	view.TranscriptStatus = string(rec.Status)
	view.AudioRef = rec.AudioRef
	if rec.Summary != nil {
		view.HighestSeverity = string(rec.Summary.HighestSeverity)
	}
	if !view.Live {
		view.State = finishedState(rec.Status)
	}
	return view, nil
}

func finishedState(s models.TranscriptStatus) string {
	switch s {
	case models.TranscriptStatusPartial, models.TranscriptStatusFailed:
		return session.StateFailed.String()
	case models.TranscriptStatusRecording:
		// Left behind by a crash before the flush.
		return session.StateFailed.String()
	default:
		return session.StateCompleted.String()
	}
}

// Status maps a domain error to its HTTP and gRPC codes.
func Status(err error) (int, codes.Code) {
	var startErr *session.RecordingStartError
	var streamErr *session.ProviderStreamError
	switch {
	case err == nil:
		return http.StatusOK, codes.OK
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, queue.ErrJobNotFound),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, audio.ErrNoCapture):
		return http.StatusNotFound, codes.NotFound
	case errors.Is(err, session.ErrSessionActive):
		return http.StatusConflict, codes.AlreadyExists
	case errors.Is(err, session.ErrInvalidTransition),
		errors.Is(err, session.ErrSessionFinished),
		errors.Is(err, audio.ErrCaptureClosed),
		errors.Is(err, audio.ErrCaptureLimit):
		return http.StatusConflict, codes.FailedPrecondition
	case errors.Is(err, queue.ErrInvalidJob),
		errors.Is(err, queue.ErrUnknownJobType):
		return http.StatusBadRequest, codes.InvalidArgument
	case errors.Is(err, audio.ErrBackpressure):
		return http.StatusTooManyRequests, codes.ResourceExhausted
	case errors.As(err, &startErr):
		return http.StatusServiceUnavailable, codes.Unavailable
	case errors.As(err, &streamErr):
		return http.StatusBadGateway, codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return 499, codes.Canceled
	case errors.Is(err, queue.ErrStopped):
		return http.StatusServiceUnavailable, codes.Unavailable
	default:
		return http.StatusInternalServerError, codes.Internal
	}
}
