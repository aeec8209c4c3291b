package deepgram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"clinical-risk-service/internal/models"
	"clinical-risk-service/internal/service/audio"
)

type recorder struct {
	mu        sync.Mutex
	fragments []models.TranscriptFragment
	errs      []error
	opened    bool
	closed    chan struct{}
	failed    chan struct{}
}

func newRecorder() *recorder {
	return &recorder{closed: make(chan struct{}), failed: make(chan struct{})}
}

func (r *recorder) OnOpen() {
	r.mu.Lock()
	r.opened = true
	r.mu.Unlock()
}

func (r *recorder) OnFragment(f models.TranscriptFragment) {
	r.mu.Lock()
	r.fragments = append(r.fragments, f)
	r.mu.Unlock()
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
	close(r.failed)
}

func (r *recorder) OnClose() { close(r.closed) }

const resultsJSON = `{"type":"Results","is_final":true,"start":1.0,"duration":1.5,
"channel":{"alternatives":[{"transcript":"I want to end it all","confidence":0.92,
"words":[{"word":"i","punctuated_word":"I","start":1.0,"end":1.2,"confidence":0.9,"speaker":1},
{"word":"want","start":1.2,"end":1.4,"confidence":0.95,"speaker":1}]}]}}`

func liveServer(t *testing.T, onConn func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token test-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		onConn(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBuildListenURL(t *testing.T) {
	cfg := Config{APIBaseURL: "https://api.deepgram.com/v1", Diarize: true, Interim: true, Language: "en-US"}.withDefaults()

	raw, err := buildListenURL(cfg)
	if err != nil {
		t.Fatalf("buildListenURL: %v", err)
	}
	u, _ := url.Parse(raw)
	if u.Scheme != "wss" || u.Path != "/v1/listen" {
		t.Errorf("unexpected url %s", raw)
	}
	q := u.Query()
	for key, want := range map[string]string{
		"model":           "nova-2",
		"encoding":        "linear16",
		"sample_rate":     "16000",
		"diarize":         "true",
		"interim_results": "true",
		"language":        "en-US",
	} {
		if got := q.Get(key); got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}
}

func TestNewFactory_RequiresKey(t *testing.T) {
	if _, err := NewFactory(Config{}); err == nil {
		t.Error("expected error without API key")
	}
	if _, err := NewBatchTranscriber(Config{}, nil); err == nil {
		t.Error("expected error without API key")
	}
}

func TestAdapter_StreamsAndFinishes(t *testing.T) {
	gotAudio := make(chan int, 1)
	srv := liveServer(t, func(conn *websocket.Conn) {
		total := 0
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.BinaryMessage {
				total += len(data)
				continue
			}
			if strings.Contains(string(data), "CloseStream") {
				gotAudio <- total
				_ = conn.WriteMessage(websocket.TextMessage, []byte(resultsJSON))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	})

	f, err := NewFactory(Config{APIKey: "test-key", APIBaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	ctx := context.Background()
	a, err := f.NewAdapter(ctx, "session-1")
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	rec := newRecorder()
	if err := a.Start(ctx, rec); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Close()

	if err := a.SendAudio(ctx, make([]byte, 320)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if err := a.KeepAlive(ctx); err != nil {
		t.Fatalf("KeepAlive: %v", err)
	}
	if err := a.Finish(ctx); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	select {
	case n := <-gotAudio:
		if n != 320 {
			t.Errorf("server received %d audio bytes, want 320", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received CloseStream")
	}
	select {
	case <-rec.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose not called")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.opened {
		t.Error("OnOpen not called")
	}
	if len(rec.fragments) != 1 {
		t.Fatalf("expected 1 fragment, got %d", len(rec.fragments))
	}
	frag := rec.fragments[0]
	if !frag.IsFinal || frag.StartOffsetMs != 1000 || frag.EndOffsetMs != 2500 || frag.Speaker != 1 {
		t.Errorf("unexpected fragment %+v", frag)
	}
	if len(frag.Words) != 2 || frag.Words[0].Word != "I" || frag.Words[1].StartMs != 1200 {
		t.Errorf("unexpected words %+v", frag.Words)
	}

	if err := a.SendAudio(ctx, []byte{1, 2}); err == nil {
		t.Error("expected SendAudio after Finish to fail")
	}
}

func TestAdapter_ProviderError(t *testing.T) {
	srv := liveServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Error","message":"quota exceeded"}`))
		_, _, _ = conn.ReadMessage()
	})

	f, _ := NewFactory(Config{APIKey: "test-key", APIBaseURL: srv.URL})
	a, _ := f.NewAdapter(context.Background(), "session-1")
	rec := newRecorder()
	if err := a.Start(context.Background(), rec); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Close()

	select {
	case <-rec.failed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnError not called")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !strings.Contains(rec.errs[0].Error(), "quota exceeded") {
		t.Errorf("unexpected error %v", rec.errs[0])
	}
}

func TestAdapter_StartUnauthorized(t *testing.T) {
	srv := liveServer(t, func(*websocket.Conn) {})
	f, _ := NewFactory(Config{APIKey: "wrong", APIBaseURL: srv.URL})
	a, _ := f.NewAdapter(context.Background(), "session-1")
	if err := a.Start(context.Background(), newRecorder()); err == nil {
		t.Error("expected dial failure")
	}
}

const prerecordedJSON = `{"metadata":{"duration":4.2},"results":{
"channels":[{"alternatives":[{"transcript":"how are you I want to end it all","confidence":0.9,
"words":[{"word":"how","start":0.1,"end":0.3,"confidence":0.9,"speaker":0},
{"word":"end","start":2.0,"end":2.2,"confidence":0.8,"speaker":1}]}]}],
"utterances":[
{"id":"u1","start":0.1,"end":0.9,"confidence":0.9,"transcript":"how are you","speaker":0,"words":[]},
{"id":"u2","start":1.5,"end":3.0,"confidence":0.85,"transcript":"I want to end it all","speaker":1,"words":[]}]}}`

func TestBatchTranscriber_FileRef(t *testing.T) {
	var gotQuery url.Values
	var gotLen int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/listen" {
			http.NotFound(w, r)
			return
		}
		gotQuery = r.URL.Query()
		gotLen = r.ContentLength
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(prerecordedJSON))
	}))
	defer srv.Close()

	archive, err := audio.NewFileArchive(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileArchive: %v", err)
	}
	rec, err := archive.Create("session-1", audio.DefaultFormat)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := rec.Write(make([]byte, 640)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	ref, err := rec.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	b, err := NewBatchTranscriber(Config{APIKey: "test-key", APIBaseURL: srv.URL}, srv.Client())
	if err != nil {
		t.Fatalf("NewBatchTranscriber: %v", err)
	}
	tr, err := b.Transcribe(context.Background(), ref)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	if gotQuery.Get("diarize") != "true" || gotQuery.Get("sample_rate") != "16000" {
		t.Errorf("unexpected query %v", gotQuery)
	}
	if gotLen != 640 {
		t.Errorf("expected 640 PCM bytes uploaded, got %d", gotLen)
	}
	if tr.Text != "how are you I want to end it all" {
		t.Errorf("unexpected text %q", tr.Text)
	}
	if len(tr.Fragments) != 2 || tr.Fragments[1].Speaker != 1 || tr.Fragments[1].StartOffsetMs != 1500 {
		t.Errorf("unexpected fragments %+v", tr.Fragments)
	}
	if len(tr.Words) != 2 || tr.Words[1].StartMs != 2000 {
		t.Errorf("unexpected words %+v", tr.Words)
	}
	if tr.DurationMs != 4200 || tr.Provider != "deepgram" {
		t.Errorf("unexpected transcript %+v", tr)
	}
}

func TestBatchTranscriber_Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(map[string]string{"err_msg": "insufficient credits"})
	}))
	defer srv.Close()

	b, _ := NewBatchTranscriber(Config{APIKey: "k", APIBaseURL: srv.URL}, srv.Client())
	_, err := b.Transcribe(context.Background(), "https://example.com/a.wav")
	if err == nil || !strings.Contains(err.Error(), "402") {
		t.Errorf("expected status error, got %v", err)
	}

	if _, err := b.Transcribe(context.Background(), "s3://bucket/a.wav"); err == nil {
		t.Error("expected unsupported reference error")
	}
}
