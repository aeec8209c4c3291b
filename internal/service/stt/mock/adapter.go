// Package mock provides a mock STT adapter for testing without cloud credentials.
// It replays a scripted conversation: progressive partial transcripts, exactly
// one final transcript per utterance, and word timings on every final.
package mock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"clinical-risk-service/internal/models"
	"clinical-risk-service/internal/service/stt"
)

const providerName = "mock"

// ErrInjected is reported through OnError when FailAfterFrames is reached.
var ErrInjected = errors.New("mock provider failure")

// Utterance is one scripted turn.
type Utterance struct {
	Speaker       int
	Partials      []string // Progressive partial transcripts
	Final         string
	Confidence    float64
	PauseBeforeMs int64 // Silence before the utterance starts
}

// DefaultScript is a short clinical exchange between a clinician (speaker 0)
// and a client (speaker 1).
var DefaultScript = []Utterance{
	{
		Speaker:    0,
		Partials:   []string{"How have", "How have you been"},
		Final:      "How have you been sleeping since our last session",
		Confidence: 0.95,
	},
	{
		Speaker:    1,
		Partials:   []string{"Not", "Not well"},
		Final:      "Not well I feel like a burden to everyone",
		Confidence: 0.91,
	},
	{
		Speaker:    0,
		Partials:   []string{"Can you"},
		Final:      "Can you tell me more about that",
		Confidence: 0.96,
	},
	{
		Speaker:       1,
		Partials:      []string{"Sometimes", "Sometimes I just"},
		Final:         "Sometimes I just want to end it all",
		Confidence:    0.9,
		PauseBeforeMs: 1200,
	},
}

// Options configures the scripted adapter.
type Options struct {
	Script []Utterance
	// FramesPerStep is the number of audio frames per emitted result.
	FramesPerStep int
	// WordMs is the simulated duration of each word.
	WordMs int64
	// FailAfterFrames reports ErrInjected once this many frames arrived.
	FailAfterFrames int
}

func (o Options) withDefaults() Options {
	if o.Script == nil {
		o.Script = DefaultScript
	}
	if o.FramesPerStep <= 0 {
		o.FramesPerStep = 1
	}
	if o.WordMs <= 0 {
		o.WordMs = 300
	}
	return o
}

// Adapter implements stt.Adapter with scripted responses. Callbacks are
// delivered in order from a single goroutine.
type Adapter struct {
	opts Options

	mu        sync.Mutex
	events    chan func(stt.Callback)
	done      chan struct{}
	started   bool
	ended     bool
	finishing bool
	frames    int
	keepAlive int
	utt       int // Next utterance in the script
	partial   int // Next partial of the current utterance
	cursorMs  int64
	seq       int
}

// New creates a mock STT adapter.
func New(opts Options) *Adapter {
	return &Adapter{opts: opts.withDefaults()}
}

// NewFactory returns a factory producing scripted adapters.
func NewFactory(opts Options) stt.Factory {
	return stt.FactoryFunc{
		Name: providerName,
		Fn: func(context.Context, string) (stt.Adapter, error) {
			return New(opts), nil
		},
	}
}

// Start begins a mock transcription session.
func (a *Adapter) Start(_ context.Context, cb stt.Callback) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errors.New("mock adapter already started")
	}
	a.started = true
	a.events = make(chan func(stt.Callback), 256)
	a.done = make(chan struct{})

	go func() {
		defer close(a.done)
		cb.OnOpen()
		for ev := range a.events {
			ev(cb)
		}
	}()
	return nil
}

func (a *Adapter) emitLocked(ev func(stt.Callback)) {
	a.events <- ev
}

func (a *Adapter) endLocked(ev func(stt.Callback)) {
	a.events <- ev
	a.ended = true
	close(a.events)
}

// SendAudio advances the script by one step every FramesPerStep frames.
func (a *Adapter) SendAudio(_ context.Context, _ []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started || a.ended || a.finishing {
		return stt.ErrStreamClosed
	}
	a.frames++

	if a.opts.FailAfterFrames > 0 && a.frames >= a.opts.FailAfterFrames {
		a.endLocked(func(cb stt.Callback) { cb.OnError(ErrInjected) })
		return nil
	}
	if a.frames%a.opts.FramesPerStep == 0 {
		a.stepLocked()
	}
	return nil
}

func (a *Adapter) stepLocked() {
	if a.utt >= len(a.opts.Script) {
		return
	}
	u := a.opts.Script[a.utt]
	if a.partial < len(u.Partials) {
		f := models.TranscriptFragment{
			Speaker:       u.Speaker,
			Text:          u.Partials[a.partial],
			StartOffsetMs: a.cursorMs + u.PauseBeforeMs,
			Confidence:    u.Confidence / 2,
		}
		a.partial++
		a.emitLocked(func(cb stt.Callback) { cb.OnFragment(f) })
		return
	}
	a.emitFinalLocked()
}

func (a *Adapter) emitFinalLocked() {
	u := a.opts.Script[a.utt]
	f := finalFragment(u, a.cursorMs, a.opts.WordMs)
	a.seq++
	f.ID = fmt.Sprintf("mock-%d", a.seq)
	a.cursorMs = f.EndOffsetMs
	a.utt++
	a.partial = 0
	a.emitLocked(func(cb stt.Callback) { cb.OnFragment(f) })
}

func finalFragment(u Utterance, cursorMs, wordMs int64) models.TranscriptFragment {
	start := cursorMs + u.PauseBeforeMs
	n := int64(len(strings.Fields(u.Final)))
	f := models.TranscriptFragment{
		Speaker:       u.Speaker,
		Text:          u.Final,
		StartOffsetMs: start,
		EndOffsetMs:   start + n*wordMs,
		Confidence:    u.Confidence,
		IsFinal:       true,
	}
	f.Words = f.WordTimings()
	return f
}

// KeepAlive is counted but otherwise ignored.
func (a *Adapter) KeepAlive(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started || a.ended {
		return stt.ErrStreamClosed
	}
	a.keepAlive++
	return nil
}

// KeepAlives returns how many keep-alives were received.
func (a *Adapter) KeepAlives() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.keepAlive
}

// Frames returns how many audio frames were received.
func (a *Adapter) Frames() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frames
}

// Finish flushes the in-progress utterance as a final and closes the
// stream.
func (a *Adapter) Finish(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started || a.ended || a.finishing {
		return nil
	}
	a.finishing = true
	if a.utt < len(a.opts.Script) && a.partial > 0 {
		a.emitFinalLocked()
	}
	a.endLocked(func(cb stt.Callback) { cb.OnClose() })
	return nil
}

// Close ends the mock session and waits for pending callbacks.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	if !a.ended {
		a.endLocked(func(cb stt.Callback) { cb.OnClose() })
	}
	done := a.done
	a.mu.Unlock()

	<-done
	return nil
}

// BatchTranscriber returns the whole script as a diarized transcript.
type BatchTranscriber struct {
	opts Options

	mu        sync.Mutex
	failTimes int
	calls     int
	refs      []string
}

// NewBatchTranscriber creates a scripted batch transcriber that fails its
// first failTimes calls.
func NewBatchTranscriber(opts Options, failTimes int) *BatchTranscriber {
	return &BatchTranscriber{opts: opts.withDefaults(), failTimes: failTimes}
}

// Transcribe implements stt.BatchTranscriber.
func (b *BatchTranscriber) Transcribe(ctx context.Context, audioRef string) (*models.Transcript, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.calls++
	b.refs = append(b.refs, audioRef)
	fail := b.calls <= b.failTimes
	b.mu.Unlock()
	if fail {
		return nil, ErrInjected
	}
	return ScriptTranscript(b.opts.Script, b.opts.WordMs), nil
}

// Calls returns the number of Transcribe calls.
func (b *BatchTranscriber) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// ScriptTranscript renders a script as the transcript a batch pass would
// produce.
func ScriptTranscript(script []Utterance, wordMs int64) *models.Transcript {
	if wordMs <= 0 {
		wordMs = 300
	}
	t := &models.Transcript{Provider: providerName}
	var cursor int64
	for i, u := range script {
		f := finalFragment(u, cursor, wordMs)
		f.ID = fmt.Sprintf("batch-%d", i+1)
		cursor = f.EndOffsetMs
		t.Fragments = append(t.Fragments, f)
	}
	t.Text = models.JoinFragments(t.Fragments)
	t.Words = models.CollectWords(t.Fragments)
	t.DurationMs = cursor
	return t
}
