// Package google provides Google Cloud Speech-to-Text streaming and batch
// transcription.
package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"clinical-risk-service/internal/models"
	"clinical-risk-service/internal/service/stt"
)

const providerName = "google"

// Config holds Google STT configuration.
type Config struct {
	LanguageCode   string
	SampleRateHz   int
	InterimResults bool
	AudioEncoding  string
	Diarization    bool
	MaxSpeakers    int
	Model          string
}

// DefaultConfig returns sensible defaults for clinical conversations.
func DefaultConfig() Config {
	return Config{
		LanguageCode:   "en-US",
		SampleRateHz:   16000,
		InterimResults: true,
		AudioEncoding:  "LINEAR16",
		Diarization:    true,
		MaxSpeakers:    2,
	}
}

// FromSTTConfig maps provider-independent settings onto a Google config.
func FromSTTConfig(c stt.Config) Config {
	cfg := DefaultConfig()
	if c.LanguageCode != "" {
		cfg.LanguageCode = c.LanguageCode
	}
	if c.SampleRateHz > 0 {
		cfg.SampleRateHz = c.SampleRateHz
	}
	if c.Encoding != "" {
		cfg.AudioEncoding = c.Encoding
	}
	if c.MaxSpeakers > 0 {
		cfg.MaxSpeakers = c.MaxSpeakers
	}
	cfg.InterimResults = c.InterimResults
	cfg.Diarization = c.Diarization
	return cfg
}

// parseAudioEncoding converts string encoding to Google's enum.
func parseAudioEncoding(encoding string) speechpb.RecognitionConfig_AudioEncoding {
	switch encoding {
	case "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC
	case "AMR":
		return speechpb.RecognitionConfig_AMR
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}

func recognitionConfig(cfg Config) *speechpb.RecognitionConfig {
	rc := &speechpb.RecognitionConfig{
		Encoding:                   parseAudioEncoding(cfg.AudioEncoding),
		SampleRateHertz:            int32(cfg.SampleRateHz),
		LanguageCode:               cfg.LanguageCode,
		EnableWordTimeOffsets:      true,
		EnableWordConfidence:       true,
		EnableAutomaticPunctuation: true,
		Model:                      cfg.Model,
	}
	if cfg.Diarization {
		rc.DiarizationConfig = &speechpb.SpeakerDiarizationConfig{
			EnableSpeakerDiarization: true,
			MinSpeakerCount:          1,
			MaxSpeakerCount:          int32(max(cfg.MaxSpeakers, 1)),
		}
	}
	return rc
}

// Factory creates streaming adapters sharing one Speech client.
type Factory struct {
	client *speech.Client
	cfg    Config
}

// NewFactory creates a Speech client. Requires Application Default
// Credentials (GOOGLE_APPLICATION_CREDENTIALS).
func NewFactory(ctx context.Context, cfg Config) (*Factory, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	return &Factory{client: c, cfg: cfg}, nil
}

func (f *Factory) Provider() string { return providerName }

func (f *Factory) NewAdapter(_ context.Context, _ string) (stt.Adapter, error) {
	return &Adapter{client: f.client, cfg: f.cfg}, nil
}

// Close releases the shared Speech client.
func (f *Factory) Close() error { return f.client.Close() }

// Adapter implements stt.Adapter using Google Cloud Speech-to-Text
// StreamingRecognize.
type Adapter struct {
	client *speech.Client
	cfg    Config

	mu        sync.Mutex
	stream    speechpb.Speech_StreamingRecognizeClient
	cancel    context.CancelFunc
	cb        stt.Callback
	finished  bool
	closed    bool
	sendMu    sync.Mutex
	lastEndMs int64
}

// Start opens the stream, sends the streaming config and starts the
// receive loop.
func (a *Adapter) Start(ctx context.Context, cb stt.Callback) error {
	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := a.client.StreamingRecognize(streamCtx)
	if err != nil {
		cancel()
		return err
	}

	err = stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:         recognitionConfig(a.cfg),
				InterimResults: a.cfg.InterimResults,
			},
		},
	})
	if err != nil {
		cancel()
		return err
	}

	a.mu.Lock()
	a.stream = stream
	a.cancel = cancel
	a.cb = cb
	a.mu.Unlock()

	go a.listen(stream, cb)
	return nil
}

// SendAudio sends audio bytes to Google Speech-to-Text.
func (a *Adapter) SendAudio(_ context.Context, audio []byte) error {
	a.mu.Lock()
	stream, done := a.stream, a.finished || a.closed
	a.mu.Unlock()
	if stream == nil || done {
		return stt.ErrStreamClosed
	}

	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	return stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: audio,
		},
	})
}

// KeepAlive sends 100ms of silence; the streaming API has no explicit
// keep-alive message and closes idle streams.
func (a *Adapter) KeepAlive(ctx context.Context) error {
	silence := make([]byte, a.cfg.SampleRateHz*2/10)
	return a.SendAudio(ctx, silence)
}

// Finish half-closes the stream; Google flushes final results and then
// ends the receive loop with io.EOF.
func (a *Adapter) Finish(_ context.Context) error {
	a.mu.Lock()
	stream := a.stream
	if stream == nil || a.finished {
		a.mu.Unlock()
		return nil
	}
	a.finished = true
	a.mu.Unlock()

	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	return stream.CloseSend()
}

// Close cancels the stream.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if a.cancel != nil {
		a.cancel()
	}
	return nil
}

// listen receives responses and invokes callbacks until the stream ends.
func (a *Adapter) listen(stream speechpb.Speech_StreamingRecognizeClient, cb stt.Callback) {
	cb.OnOpen()
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			cb.OnClose()
			return
		}
		if err != nil {
			a.mu.Lock()
			closed := a.closed
			a.mu.Unlock()
			if closed || status.Code(err) == codes.Canceled {
				cb.OnClose()
				return
			}
			cb.OnError(fmt.Errorf("google streaming recognize: %w", err))
			return
		}
		if e := resp.GetError(); e != nil && e.GetCode() != 0 {
			cb.OnError(fmt.Errorf("google streaming recognize: %s", e.GetMessage()))
			return
		}

		for _, r := range resp.GetResults() {
			f, ok := fragmentFromStreamingResult(r, a.lastEndMs)
			if !ok {
				continue
			}
			if f.IsFinal {
				a.lastEndMs = f.EndOffsetMs
			}
			cb.OnFragment(f)
		}
	}
}

func durationMs(d *durationpb.Duration) int64 {
	if d == nil {
		return 0
	}
	return d.AsDuration().Milliseconds()
}

func wordsFromInfo(infos []*speechpb.WordInfo) []models.WordTiming {
	words := make([]models.WordTiming, 0, len(infos))
	for _, w := range infos {
		words = append(words, models.WordTiming{
			Word:       w.GetWord(),
			StartMs:    durationMs(w.GetStartTime()),
			EndMs:      durationMs(w.GetEndTime()),
			Confidence: float64(w.GetConfidence()),
			Speaker:    int(w.GetSpeakerTag()),
		})
	}
	return words
}

// fragmentFromStreamingResult converts one streaming result. Interim
// results carry no word timings; their start offset is the end of the
// previous final fragment.
func fragmentFromStreamingResult(r *speechpb.StreamingRecognitionResult, prevEndMs int64) (models.TranscriptFragment, bool) {
	alts := r.GetAlternatives()
	if len(alts) == 0 || strings.TrimSpace(alts[0].GetTranscript()) == "" {
		return models.TranscriptFragment{}, false
	}
	alt := alts[0]
	f := models.TranscriptFragment{
		Text:          strings.TrimSpace(alt.GetTranscript()),
		Confidence:    float64(alt.GetConfidence()),
		IsFinal:       r.GetIsFinal(),
		StartOffsetMs: prevEndMs,
		EndOffsetMs:   durationMs(r.GetResultEndTime()),
		Words:         wordsFromInfo(alt.GetWords()),
	}
	if len(f.Words) > 0 {
		f.StartOffsetMs = f.Words[0].StartMs
		f.Speaker = f.Words[0].Speaker
	}
	if f.IsFinal && f.Confidence == 0 && len(f.Words) > 0 {
		var sum float64
		for _, w := range f.Words {
			sum += w.Confidence
		}
		f.Confidence = sum / float64(len(f.Words))
	}
	return f, true
}
