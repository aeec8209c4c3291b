package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"

	"clinical-risk-service/internal/models"
	"clinical-risk-service/internal/observability/metrics"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) messages() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

func newEnabled(fragments, flags, alerts *fakeWriter) *Publisher {
	return &Publisher{
		writerFragments: fragments,
		writerFlags:     flags,
		writerAlerts:    alerts,
		principal:       "svc-test",
		topicFragments:  "test.fragments",
		topicFlags:      "test.flags",
		topicAlerts:     "test.alerts",
		enabled:         true,
		metrics:         metrics.DefaultMetrics,
	}
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestNew_DisabledMode(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
	}{
		{"nil config", nil},
		{"disabled", &Config{Enabled: false, Brokers: []string{"localhost:9092"}}},
		{"no brokers", &Config{Enabled: true, Brokers: []string{}}},
		{"empty brokers", &Config{Enabled: true, Brokers: nil}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.cfg)
			if p == nil {
				t.Fatal("expected non-nil publisher")
			}
			if p.enabled {
				t.Error("expected publisher to be disabled")
			}
			if p.writerFragments != nil || p.writerFlags != nil || p.writerAlerts != nil {
				t.Error("expected nil writers when disabled")
			}
		})
	}
}

func TestNew_ConfigValues(t *testing.T) {
	p := New(&Config{
		Enabled:        false,
		Brokers:        []string{"localhost:9092"},
		TopicFragments: "test.fragments",
		TopicFlags:     "test.flags",
		TopicAlerts:    "test.alerts",
		Principal:      "test-principal",
	})

	if p.principal != "test-principal" {
		t.Errorf("expected principal 'test-principal', got %s", p.principal)
	}
	if p.topicFragments != "test.fragments" || p.topicFlags != "test.flags" || p.topicAlerts != "test.alerts" {
		t.Errorf("unexpected topics %s %s %s", p.topicFragments, p.topicFlags, p.topicAlerts)
	}
}

func TestNew_EnabledCreatesWriters(t *testing.T) {
	p := New(&Config{
		Enabled:        true,
		Brokers:        []string{"localhost:9092"},
		TopicFragments: "f",
		TopicFlags:     "g",
		TopicAlerts:    "a",
	})
	defer p.Close()

	if !p.enabled {
		t.Fatal("expected publisher to be enabled")
	}
	w, ok := p.writerAlerts.(*kafka.Writer)
	if !ok || w.Topic != "a" || w.BatchSize != 1 {
		t.Errorf("unexpected alert writer %+v", p.writerAlerts)
	}
}

func TestPublisher_Disabled(t *testing.T) {
	p := New(&Config{Enabled: false})
	ctx := context.Background()

	if err := p.PublishFragment(ctx, "sess-1", "team-1", models.TranscriptFragment{Text: "hello", IsFinal: true}); err != nil {
		t.Errorf("expected no error when disabled, got %v", err)
	}
	flag := models.RiskFlag{ID: "f1", Type: models.FlagSuicideRisk, Severity: models.SeverityCritical}
	if err := p.PublishFlag(ctx, "sess-1", "team-1", "live", flag); err != nil {
		t.Errorf("expected no error when disabled, got %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("expected no error closing disabled publisher, got %v", err)
	}
}

func TestPublisher_PublishFragment(t *testing.T) {
	fragments := &fakeWriter{}
	p := newEnabled(fragments, &fakeWriter{}, &fakeWriter{})

	f := models.TranscriptFragment{ID: "sess-1-frag-1", Speaker: 1, Text: "not well", IsFinal: true}
	if err := p.PublishFragment(context.Background(), "sess-1", "team-1", f); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msgs := fragments.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if string(msgs[0].Key) != "sess-1" {
		t.Errorf("expected key sess-1, got %s", msgs[0].Key)
	}
	if got := header(msgs[0], "eventType"); got != models.EventTypeFragmentFinal {
		t.Errorf("unexpected eventType header %q", got)
	}
	if got := header(msgs[0], "principal"); got != "svc-test" {
		t.Errorf("unexpected principal header %q", got)
	}

	var event models.FragmentEvent
	if err := json.Unmarshal(msgs[0].Value, &event); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if event.SessionID != "sess-1" || event.TeamID != "team-1" || event.Fragment.Text != "not well" {
		t.Errorf("unexpected event %+v", event)
	}
}

func TestPublisher_PublishFlag_CriticalAlsoAlerts(t *testing.T) {
	tests := []struct {
		name       string
		severity   models.Severity
		wantAlerts int
	}{
		{"medium", models.SeverityMedium, 0},
		{"high", models.SeverityHigh, 0},
		{"critical", models.SeverityCritical, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flags, alerts := &fakeWriter{}, &fakeWriter{}
			p := newEnabled(&fakeWriter{}, flags, alerts)

			flag := models.RiskFlag{ID: "f1", Type: models.FlagSuicideRisk, Severity: tt.severity}
			if err := p.PublishFlag(context.Background(), "sess-1", "team-1", "live", flag); err != nil {
				t.Fatalf("publish: %v", err)
			}
			if n := len(flags.messages()); n != 1 {
				t.Errorf("expected 1 flag message, got %d", n)
			}
			got := alerts.messages()
			if len(got) != tt.wantAlerts {
				t.Fatalf("expected %d alerts, got %d", tt.wantAlerts, len(got))
			}
			if tt.wantAlerts == 0 {
				return
			}

			var event models.FlagEvent
			if err := json.Unmarshal(got[0].Value, &event); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if event.EventType != models.EventTypeFlagCritical || event.Pass != "live" || event.Flag.ID != "f1" {
				t.Errorf("unexpected alert %+v", event)
			}
		})
	}
}

func TestPublisher_PublishFlag_AlertSentWhenFlagTopicFails(t *testing.T) {
	writeErr := errors.New("broker unavailable")
	flags, alerts := &fakeWriter{err: writeErr}, &fakeWriter{}
	p := newEnabled(&fakeWriter{}, flags, alerts)

	flag := models.RiskFlag{ID: "f1", Type: models.FlagSuicideRisk, Severity: models.SeverityCritical}
	err := p.PublishFlag(context.Background(), "sess-1", "team-1", "live", flag)
	if !errors.Is(err, writeErr) {
		t.Errorf("expected write error, got %v", err)
	}
	if len(alerts.messages()) != 1 {
		t.Error("expected the alert to be published regardless")
	}
}

func TestPublisher_InvalidJSON(t *testing.T) {
	p := New(&Config{Enabled: false})

	if err := p.publish(context.Background(), nil, "t", "e", "k", make(chan int)); err == nil {
		t.Error("expected error for unmarshalable event")
	}
}

func TestPublisher_Close(t *testing.T) {
	fragments, flags, alerts := &fakeWriter{}, &fakeWriter{}, &fakeWriter{}
	p := newEnabled(fragments, flags, alerts)

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	for _, w := range []*fakeWriter{fragments, flags, alerts} {
		if !w.closed {
			t.Error("expected writer closed")
		}
	}
}
