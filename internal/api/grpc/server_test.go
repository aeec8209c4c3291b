package grpcapi

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"clinical-risk-service/internal/models"
	"clinical-risk-service/internal/queue"
	"clinical-risk-service/internal/service/broadcast"
	"clinical-risk-service/internal/service/session"
	"clinical-risk-service/internal/storage"
)

type fakeSessions struct {
	mu      sync.Mutex
	states  map[string]session.State
	hub     *broadcast.Hub
	stopErr error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		states: make(map[string]session.State),
		hub:    broadcast.NewHub("sess-1", 16),
	}
}

func (f *fakeSessions) StartSession(_ context.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.states[id]; ok && !st.IsTerminal() {
		return session.ErrSessionActive
	}
	f.states[id] = session.StateRecording
	return nil
}

func (f *fakeSessions) transition(id string, from, to session.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[id]
	if !ok {
		return session.ErrSessionNotFound
	}
	if st != from {
		return session.ErrInvalidTransition
	}
	f.states[id] = to
	return nil
}

func (f *fakeSessions) PauseSession(id string) error {
	return f.transition(id, session.StateRecording, session.StatePaused)
}

func (f *fakeSessions) ResumeSession(id string) error {
	return f.transition(id, session.StatePaused, session.StateRecording)
}

func (f *fakeSessions) Stop(_ context.Context, id string) (session.StopResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.states[id]; !ok {
		return session.StopResult{}, session.ErrSessionNotFound
	}
	final := session.StateCompleted
	if f.stopErr != nil {
		final = session.StateFailed
	}
	delete(f.states, id)
	return session.StopResult{State: final, JobID: "job-1", Fragments: 3, Flags: 1}, f.stopErr
}

func (f *fakeSessions) State(id string) (session.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[id]
	if !ok {
		return session.StateIdle, session.ErrSessionNotFound
	}
	return st, nil
}

func (f *fakeSessions) Subscribe(id string) (*broadcast.Subscription, error) {
	if id != "sess-1" {
		return nil, session.ErrSessionNotFound
	}
	return f.hub.Subscribe()
}

type fakeJobs struct{}

func (fakeJobs) EnqueueReprocessing(_ context.Context, sessionID, _, _ string) (string, error) {
	return "job-" + sessionID, nil
}

func (fakeJobs) Status(_ context.Context, id string) (models.JobState, error) {
	if id != "job-1" {
		return models.JobState{}, queue.ErrJobNotFound
	}
	return models.JobState{ID: id, Status: models.JobStatusProcessing, Attempts: 2}, nil
}

func newTestClient(t *testing.T, sessions *fakeSessions) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	g := grpc.NewServer()
	Register(g, NewServer(sessions, fakeJobs{}, storage.NewMemoryStore()))
	go g.Serve(lis)
	t.Cleanup(g.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn)
}

func TestServer_SessionLifecycle(t *testing.T) {
	c := newTestClient(t, newFakeSessions())
	ctx := context.Background()

	resp, err := c.StartSession(ctx, "sess-1", "team-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := resp.GetFields()["state"].GetStringValue(); got != "RECORDING" {
		t.Errorf("expected RECORDING, got %s", got)
	}

	if _, err := c.StartSession(ctx, "sess-1", "team-1"); status.Code(err) != codes.AlreadyExists {
		t.Errorf("expected AlreadyExists on double start, got %v", err)
	}

	resp, err = c.PauseSession(ctx, "sess-1")
	if err != nil || resp.GetFields()["state"].GetStringValue() != "PAUSED" {
		t.Fatalf("pause: %v %v", resp, err)
	}
	if _, err := c.PauseSession(ctx, "sess-1"); status.Code(err) != codes.FailedPrecondition {
		t.Errorf("expected FailedPrecondition on double pause, got %v", err)
	}
	if _, err := c.ResumeSession(ctx, "sess-1"); err != nil {
		t.Fatalf("resume: %v", err)
	}

	resp, err = c.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !resp.GetFields()["live"].GetBoolValue() {
		t.Error("expected live session")
	}

	resp, err = c.StopSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := resp.GetFields()["state"].GetStringValue(); got != "COMPLETED" {
		t.Errorf("expected COMPLETED, got %s", got)
	}
	if got := resp.GetFields()["jobId"].GetStringValue(); got != "job-1" {
		t.Errorf("expected job-1, got %s", got)
	}

	if _, err := c.GetSession(ctx, "sess-1"); status.Code(err) != codes.NotFound {
		t.Errorf("expected NotFound for finished session without record, got %v", err)
	}
}

func TestServer_StopReportsProviderFailure(t *testing.T) {
	sessions := newFakeSessions()
	sessions.stopErr = &session.ProviderStreamError{SessionID: "sess-1", Provider: "mock", Err: errors.New("socket closed")}
	c := newTestClient(t, sessions)
	ctx := context.Background()

	if _, err := c.StartSession(ctx, "sess-1", "team-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	resp, err := c.StopSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("expected stop to succeed with an error field, got %v", err)
	}
	if got := resp.GetFields()["state"].GetStringValue(); got != "FAILED" {
		t.Errorf("expected FAILED, got %s", got)
	}
	if resp.GetFields()["error"].GetStringValue() == "" {
		t.Error("expected error field")
	}
}

func TestServer_Validation(t *testing.T) {
	c := newTestClient(t, newFakeSessions())
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
		want codes.Code
	}{
		{"start without id", func() error { _, err := c.StartSession(ctx, "", "t"); return err }, codes.InvalidArgument},
		{"pause unknown", func() error { _, err := c.PauseSession(ctx, "nope"); return err }, codes.NotFound},
		{"stop unknown", func() error { _, err := c.StopSession(ctx, "nope"); return err }, codes.NotFound},
		{"reprocess without ref", func() error { _, err := c.EnqueueReprocessing(ctx, "s", "t", ""); return err }, codes.InvalidArgument},
		{"unknown job", func() error { _, err := c.GetJobStatus(ctx, "missing"); return err }, codes.NotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := status.Code(tt.call()); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestServer_Jobs(t *testing.T) {
	c := newTestClient(t, newFakeSessions())
	ctx := context.Background()

	id, err := c.EnqueueReprocessing(ctx, "sess-9", "team-1", "file:///a.wav")
	if err != nil || id != "job-sess-9" {
		t.Fatalf("enqueue: %s %v", id, err)
	}

	st, err := c.GetJobStatus(ctx, "job-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got := st.GetFields()["status"].GetStringValue(); got != "processing" {
		t.Errorf("expected processing, got %s", got)
	}
	if got := st.GetFields()["attempts"].GetNumberValue(); got != 2 {
		t.Errorf("expected 2 attempts, got %v", got)
	}
}

func TestServer_Subscribe(t *testing.T) {
	sessions := newFakeSessions()
	c := newTestClient(t, sessions)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := c.Subscribe(ctx, "sess-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for sessions.hub.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if sessions.hub.Subscribers() != 1 {
		t.Fatal("subscriber never attached")
	}

	sessions.hub.PublishFragment(models.TranscriptFragment{Text: "hello", IsFinal: true})
	sessions.hub.PublishFlag(models.RiskFlag{ID: "f1", Type: models.FlagSuicideRisk, Severity: models.SeverityCritical})
	sessions.hub.Close()

	var kinds []string
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		kinds = append(kinds, msg.GetFields()["kind"].GetStringValue())
	}
	if len(kinds) != 2 || kinds[0] != "fragment" || kinds[1] != "flag" {
		t.Errorf("expected fragment then flag, got %v", kinds)
	}
}

func TestServer_SubscribeUnknownSession(t *testing.T) {
	c := newTestClient(t, newFakeSessions())

	stream, err := c.Subscribe(context.Background(), "nope")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := stream.Recv(); status.Code(err) != codes.NotFound {
		t.Errorf("expected NotFound, got %v", err)
	}
}
