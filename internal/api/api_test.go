package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"google.golang.org/grpc/codes"

	"clinical-risk-service/internal/models"
	"clinical-risk-service/internal/queue"
	"clinical-risk-service/internal/service/audio"
	"clinical-risk-service/internal/service/broadcast"
	"clinical-risk-service/internal/service/session"
	"clinical-risk-service/internal/storage"
)

func TestStatus(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantHTTP int
		wantGRPC codes.Code
	}{
		{"nil", nil, http.StatusOK, codes.OK},
		{"session not found", fmt.Errorf("pause: %w", session.ErrSessionNotFound), http.StatusNotFound, codes.NotFound},
		{"job not found", queue.ErrJobNotFound, http.StatusNotFound, codes.NotFound},
		{"no capture", audio.ErrNoCapture, http.StatusNotFound, codes.NotFound},
		{"active", session.ErrSessionActive, http.StatusConflict, codes.AlreadyExists},
		{"invalid transition", session.ErrInvalidTransition, http.StatusConflict, codes.FailedPrecondition},
		{"capture closed", audio.ErrCaptureClosed, http.StatusConflict, codes.FailedPrecondition},
		{"invalid job", queue.ErrInvalidJob, http.StatusBadRequest, codes.InvalidArgument},
		{"unknown job type", queue.ErrUnknownJobType, http.StatusBadRequest, codes.InvalidArgument},
		{"backpressure", audio.ErrBackpressure, http.StatusTooManyRequests, codes.ResourceExhausted},
		{"start failure", &session.RecordingStartError{SessionID: "s", Stage: "provider", Err: errors.New("dial")}, http.StatusServiceUnavailable, codes.Unavailable},
		{"stream failure", &session.ProviderStreamError{SessionID: "s", Provider: "mock", Err: errors.New("eof")}, http.StatusBadGateway, codes.Unavailable},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, codes.DeadlineExceeded},
		{"canceled", context.Canceled, 499, codes.Canceled},
		{"queue stopped", queue.ErrStopped, http.StatusServiceUnavailable, codes.Unavailable},
		{"other", errors.New("disk full"), http.StatusInternalServerError, codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotHTTP, gotGRPC := Status(tt.err)
			if gotHTTP != tt.wantHTTP || gotGRPC != tt.wantGRPC {
				t.Errorf("Status(%v) = %d, %v; want %d, %v", tt.err, gotHTTP, gotGRPC, tt.wantHTTP, tt.wantGRPC)
			}
		})
	}
}

type stubSessions struct {
	live map[string]session.State
}

func (stubSessions) StartSession(context.Context, string, string) error { return nil }

func (stubSessions) PauseSession(string) error { return nil }

func (stubSessions) ResumeSession(string) error { return nil }

func (stubSessions) Stop(context.Context, string) (session.StopResult, error) {
	return session.StopResult{}, nil
}

func (stubSessions) Subscribe(string) (*broadcast.Subscription, error) { return nil, nil }

func (s stubSessions) State(id string) (session.State, error) {
	st, ok := s.live[id]
	if !ok {
		return session.StateIdle, session.ErrSessionNotFound
	}
	return st, nil
}

func TestDescribeSession(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seed := []*models.TranscriptRecord{
		{SessionID: "live", Status: models.TranscriptStatusRecording},
		{SessionID: "done", Status: models.TranscriptStatusProcessed, Summary: &models.FlagSummary{HighestSeverity: models.SeverityCritical}},
		{SessionID: "partial", Status: models.TranscriptStatusPartial},
		{SessionID: "crashed", Status: models.TranscriptStatusRecording},
	}
	for _, rec := range seed {
		if err := store.SaveTranscript(ctx, rec); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	sessions := stubSessions{live: map[string]session.State{
		"live":    session.StatePaused,
		"unsaved": session.StateRecording,
	}}

	tests := []struct {
		id       string
		wantErr  error
		state    string
		live     bool
		severity string
	}{
		{id: "live", state: "PAUSED", live: true},
		{id: "unsaved", state: "RECORDING", live: true},
		{id: "done", state: "COMPLETED", severity: "critical"},
		{id: "partial", state: "FAILED"},
		{id: "crashed", state: "FAILED"},
		{id: "missing", wantErr: session.ErrSessionNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			view, err := DescribeSession(ctx, sessions, store, tt.id)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("describe: %v", err)
			}
			if view.State != tt.state || view.Live != tt.live || view.HighestSeverity != tt.severity {
				t.Errorf("unexpected view %+v", view)
			}
		})
	}
}
