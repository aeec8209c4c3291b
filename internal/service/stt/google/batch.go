package google

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"

	"clinical-risk-service/internal/models"
	"clinical-risk-service/internal/observability/metrics"
	"clinical-risk-service/internal/service/audio"
)

// BatchTranscriber runs LongRunningRecognize over a complete recording.
type BatchTranscriber struct {
	client  *speech.Client
	cfg     Config
	metrics *metrics.Metrics
}

// NewBatchTranscriber creates a transcriber with its own Speech client.
func NewBatchTranscriber(ctx context.Context, cfg Config) (*BatchTranscriber, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	return &BatchTranscriber{client: c, cfg: cfg, metrics: metrics.DefaultMetrics}, nil
}

// Transcribe accepts gs:// URIs directly and uploads file:// archive
// recordings inline.
func (b *BatchTranscriber) Transcribe(ctx context.Context, audioRef string) (*models.Transcript, error) {
	start := time.Now()
	req, err := b.request(audioRef)
	if err != nil {
		return nil, err
	}

	op, err := b.client.LongRunningRecognize(ctx, req)
	if err != nil {
		b.metrics.RecordSTTError(providerName, "batch_request")
		return nil, fmt.Errorf("google long running recognize: %w", err)
	}
	resp, err := op.Wait(ctx)
	if err != nil {
		b.metrics.RecordSTTError(providerName, "batch_wait")
		return nil, fmt.Errorf("google long running recognize: %w", err)
	}
	b.metrics.RecordBatchTranscription(providerName, time.Since(start).Seconds())
	return transcriptFromResults(resp.GetResults(), b.cfg.Diarization), nil
}

// Close releases the Speech client.
func (b *BatchTranscriber) Close() error { return b.client.Close() }

func (b *BatchTranscriber) request(audioRef string) (*speechpb.LongRunningRecognizeRequest, error) {
	cfg := b.cfg
	req := &speechpb.LongRunningRecognizeRequest{}

	switch {
	case strings.HasPrefix(audioRef, "gs://"):
		req.Audio = &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Uri{Uri: audioRef},
		}
	case audio.IsFileRef(audioRef):
		r, format, err := audio.OpenRef(audioRef)
		if err != nil {
			return nil, err
		}
		defer r.Close()
		content, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("read audio: %w", err)
		}
		cfg.SampleRateHz = format.SampleRate
		cfg.AudioEncoding = "LINEAR16"
		req.Audio = &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: content},
		}
	default:
		return nil, fmt.Errorf("unsupported audio reference %q", audioRef)
	}
	req.Config = recognitionConfig(cfg)
	return req, nil
}

// transcriptFromResults builds a transcript from batch results. With
// diarization enabled Google repeats every word, speaker-tagged, in the
// last result; those words are used and that result is not a fragment.
func transcriptFromResults(results []*speechpb.SpeechRecognitionResult, diarized bool) *models.Transcript {
	t := &models.Transcript{Provider: providerName}

	fragmentResults := results
	var diarizedWords []models.WordTiming
	if diarized && len(results) > 1 {
		last := results[len(results)-1]
		if alts := last.GetAlternatives(); len(alts) > 0 {
			diarizedWords = wordsFromInfo(alts[0].GetWords())
		}
		fragmentResults = results[:len(results)-1]
	}

	var prevEnd int64
	for _, r := range fragmentResults {
		alts := r.GetAlternatives()
		if len(alts) == 0 || strings.TrimSpace(alts[0].GetTranscript()) == "" {
			continue
		}
		alt := alts[0]
		f := models.TranscriptFragment{
			Text:          strings.TrimSpace(alt.GetTranscript()),
			Confidence:    float64(alt.GetConfidence()),
			IsFinal:       true,
			StartOffsetMs: prevEnd,
			EndOffsetMs:   durationMs(r.GetResultEndTime()),
			Words:         wordsFromInfo(alt.GetWords()),
		}
		if len(f.Words) > 0 {
			f.StartOffsetMs = f.Words[0].StartMs
			f.Speaker = f.Words[0].Speaker
		}
		prevEnd = f.EndOffsetMs
		t.Fragments = append(t.Fragments, f)
	}

	t.Text = models.JoinFragments(t.Fragments)
	if len(diarizedWords) > 0 {
		t.Words = diarizedWords
	} else {
		t.Words = models.CollectWords(t.Fragments)
	}
	if n := len(t.Words); n > 0 {
		t.DurationMs = t.Words[n-1].EndMs
	} else {
		t.DurationMs = prevEnd
	}
	return t
}
