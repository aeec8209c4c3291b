// Package deepgram provides Deepgram live (websocket) and prerecorded
// (HTTP) transcription.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"clinical-risk-service/internal/models"
	"clinical-risk-service/internal/service/stt"
)

const providerName = "deepgram"

// Config controls Deepgram settings.
type Config struct {
	APIKey       string
	APIBaseURL   string
	Model        string
	Language     string
	SmartFormat  bool
	Diarize      bool
	SampleRateHz int
	Encoding     string
	Interim      bool
}

func (c Config) withDefaults() Config {
	if c.APIBaseURL == "" {
		c.APIBaseURL = "https://api.deepgram.com/v1"
	}
	if c.Model == "" {
		c.Model = "nova-2"
	}
	if c.SampleRateHz <= 0 {
		c.SampleRateHz = 16000
	}
	if c.Encoding == "" {
		c.Encoding = "linear16"
	}
	return c
}

// Factory creates one streaming adapter per session.
type Factory struct {
	cfg    Config
	dialer *websocket.Dialer
}

// NewFactory validates cfg and creates a factory.
func NewFactory(cfg Config) (*Factory, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("DEEPGRAM_API_KEY is not configured")
	}
	return &Factory{cfg: cfg.withDefaults(), dialer: websocket.DefaultDialer}, nil
}

func (f *Factory) Provider() string { return providerName }

func (f *Factory) NewAdapter(_ context.Context, _ string) (stt.Adapter, error) {
	return &Adapter{cfg: f.cfg, dialer: f.dialer}, nil
}

// Adapter implements stt.Adapter over the Deepgram live websocket. A
// write loop owns the connection's writer; a read loop owns its reader
// and delivers callbacks.
type Adapter struct {
	cfg    Config
	dialer *websocket.Dialer

	conn     *websocket.Conn
	out      chan outbound
	readDone chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	cancel   context.CancelFunc

	mu        sync.Mutex
	finishing bool
	closed    bool
	closeOnce sync.Once
}

type outbound struct {
	kind int
	data []byte
}

var (
	keepAliveMsg   = []byte(`{"type":"KeepAlive"}`)
	closeStreamMsg = []byte(`{"type":"CloseStream"}`)
)

// Start dials the listen endpoint and starts the read and write loops.
func (a *Adapter) Start(ctx context.Context, cb stt.Callback) error {
	wsURL, err := buildListenURL(a.cfg)
	if err != nil {
		return err
	}
	headers := http.Header{}
	headers.Set("Authorization", "Token "+a.cfg.APIKey)

	conn, _, err := a.dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		return fmt.Errorf("failed to connect to Deepgram websocket: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	a.conn = conn
	a.cancel = cancel
	a.out = make(chan outbound, 64)
	a.readDone = make(chan struct{})
	a.done = make(chan struct{})

	a.wg.Add(2)
	go a.writeLoop()
	go a.readLoop(cb)
	go func() {
		a.wg.Wait()
		close(a.done)
	}()
	go func() {
		select {
		case <-streamCtx.Done():
			_ = a.Close()
		case <-a.done:
		}
	}()
	return nil
}

func (a *Adapter) enqueue(ctx context.Context, msg outbound) error {
	a.mu.Lock()
	if a.closed || a.finishing || a.out == nil {
		a.mu.Unlock()
		return stt.ErrStreamClosed
	}
	a.mu.Unlock()

	select {
	case a.out <- msg:
		return nil
	case <-a.done:
		return stt.ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendAudio queues a binary audio frame.
func (a *Adapter) SendAudio(ctx context.Context, audio []byte) error {
	if len(audio) == 0 {
		return nil
	}
	return a.enqueue(ctx, outbound{kind: websocket.BinaryMessage, data: append([]byte(nil), audio...)})
}

// KeepAlive sends Deepgram's KeepAlive control message.
func (a *Adapter) KeepAlive(ctx context.Context) error {
	return a.enqueue(ctx, outbound{kind: websocket.TextMessage, data: keepAliveMsg})
}

// Finish sends CloseStream; Deepgram flushes remaining results and closes
// the socket, which ends the read loop with OnClose.
func (a *Adapter) Finish(ctx context.Context) error {
	a.mu.Lock()
	if a.closed || a.finishing || a.out == nil {
		a.mu.Unlock()
		return nil
	}
	a.finishing = true
	a.mu.Unlock()

	select {
	case a.out <- outbound{kind: websocket.TextMessage, data: closeStreamMsg}:
		return nil
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears down the connection and waits for both loops.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()
		if a.cancel != nil {
			a.cancel()
		}
		if a.conn != nil {
			_ = a.conn.Close()
		}
	})
	if a.done != nil {
		<-a.done
	}
	return nil
}

func (a *Adapter) writeLoop() {
	defer a.wg.Done()
	for {
		select {
		case msg := <-a.out:
			if err := a.conn.WriteMessage(msg.kind, msg.data); err != nil {
				return
			}
		case <-a.readDone:
			return
		}
	}
}

func (a *Adapter) readLoop(cb stt.Callback) {
	defer a.wg.Done()
	defer close(a.readDone)

	cb.OnOpen()
	for {
		_, payload, err := a.conn.ReadMessage()
		if err != nil {
			a.mu.Lock()
			expected := a.closed || a.finishing
			a.mu.Unlock()
			if expected || websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				cb.OnClose()
				return
			}
			cb.OnError(fmt.Errorf("failed to read provider event: %w", err))
			return
		}

		var resp liveResponse
		if err := json.Unmarshal(payload, &resp); err != nil {
			continue
		}
		switch {
		case strings.EqualFold(resp.Type, "Error"):
			msg := strings.TrimSpace(resp.Message)
			if msg == "" {
				msg = "deepgram returned an unknown error"
			}
			cb.OnError(errors.New(msg))
			return
		case resp.Type == "" || strings.EqualFold(resp.Type, "Results"):
			if f, ok := resp.fragment(); ok {
				cb.OnFragment(f)
			}
		}
	}
}

type dgWord struct {
	Word           string  `json:"word"`
	PunctuatedWord string  `json:"punctuated_word"`
	Start          float64 `json:"start"`
	End            float64 `json:"end"`
	Confidence     float64 `json:"confidence"`
	Speaker        int     `json:"speaker"`
}

type dgAlternative struct {
	Transcript string   `json:"transcript"`
	Confidence float64  `json:"confidence"`
	Words      []dgWord `json:"words"`
}

type liveResponse struct {
	Type        string  `json:"type"`
	Message     string  `json:"message"`
	IsFinal     bool    `json:"is_final"`
	SpeechFinal bool    `json:"speech_final"`
	Start       float64 `json:"start"`
	Duration    float64 `json:"duration"`
	Channel     struct {
		Alternatives []dgAlternative `json:"alternatives"`
	} `json:"channel"`
}

func secondsToMs(s float64) int64 { return int64(s*1000 + 0.5) }

func convertWords(in []dgWord) []models.WordTiming {
	words := make([]models.WordTiming, 0, len(in))
	for _, w := range in {
		text := w.PunctuatedWord
		if text == "" {
			text = w.Word
		}
		words = append(words, models.WordTiming{
			Word:       text,
			StartMs:    secondsToMs(w.Start),
			EndMs:      secondsToMs(w.End),
			Confidence: w.Confidence,
			Speaker:    w.Speaker,
		})
	}
	return words
}

func (r liveResponse) fragment() (models.TranscriptFragment, bool) {
	if len(r.Channel.Alternatives) == 0 {
		return models.TranscriptFragment{}, false
	}
	alt := r.Channel.Alternatives[0]
	text := strings.TrimSpace(alt.Transcript)
	if text == "" {
		return models.TranscriptFragment{}, false
	}
	f := models.TranscriptFragment{
		Text:          text,
		Confidence:    alt.Confidence,
		IsFinal:       r.IsFinal || r.SpeechFinal,
		StartOffsetMs: secondsToMs(r.Start),
		EndOffsetMs:   secondsToMs(r.Start + r.Duration),
		Words:         convertWords(alt.Words),
	}
	if len(f.Words) > 0 {
		f.Speaker = f.Words[0].Speaker
	}
	return f, true
}

func wsBase(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if strings.HasPrefix(base, "https://") {
		return "wss://" + strings.TrimPrefix(base, "https://")
	}
	if strings.HasPrefix(base, "http://") {
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

func buildListenURL(cfg Config) (string, error) {
	listenURL, err := url.Parse(wsBase(cfg.APIBaseURL) + "/listen")
	if err != nil {
		return "", fmt.Errorf("invalid Deepgram API base URL: %w", err)
	}

	query := listenURL.Query()
	query.Set("model", cfg.Model)
	query.Set("encoding", cfg.Encoding)
	query.Set("sample_rate", fmt.Sprintf("%d", cfg.SampleRateHz))
	query.Set("channels", "1")
	query.Set("interim_results", fmt.Sprintf("%t", cfg.Interim))
	query.Set("smart_format", fmt.Sprintf("%t", cfg.SmartFormat))
	query.Set("diarize", fmt.Sprintf("%t", cfg.Diarize))
	if cfg.Language != "" {
		query.Set("language", cfg.Language)
	}
	listenURL.RawQuery = query.Encode()
	return listenURL.String(), nil
}
