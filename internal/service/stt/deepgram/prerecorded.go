package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"clinical-risk-service/internal/models"
	"clinical-risk-service/internal/observability/metrics"
	"clinical-risk-service/internal/service/audio"
)

// BatchTranscriber posts complete recordings to the prerecorded /listen
// endpoint with diarization and utterance segmentation enabled.
type BatchTranscriber struct {
	cfg     Config
	client  *http.Client
	metrics *metrics.Metrics
}

// NewBatchTranscriber validates cfg and creates a transcriber.
func NewBatchTranscriber(cfg Config, client *http.Client) (*BatchTranscriber, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("DEEPGRAM_API_KEY is not configured")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	return &BatchTranscriber{cfg: cfg.withDefaults(), client: client, metrics: metrics.DefaultMetrics}, nil
}

type prerecordedResponse struct {
	Metadata struct {
		Duration float64 `json:"duration"`
	} `json:"metadata"`
	Results struct {
		Channels []struct {
			Alternatives []dgAlternative `json:"alternatives"`
		} `json:"channels"`
		Utterances []struct {
			Start      float64  `json:"start"`
			End        float64  `json:"end"`
			Confidence float64  `json:"confidence"`
			Transcript string   `json:"transcript"`
			Speaker    int      `json:"speaker"`
			ID         string   `json:"id"`
			Words      []dgWord `json:"words"`
		} `json:"utterances"`
	} `json:"results"`
}

// Transcribe accepts file:// archive references and http(s) URLs.
func (b *BatchTranscriber) Transcribe(ctx context.Context, audioRef string) (*models.Transcript, error) {
	start := time.Now()
	req, err := b.request(ctx, audioRef)
	if err != nil {
		return nil, err
	}

	resp, err := b.client.Do(req)
	if err != nil {
		b.metrics.RecordSTTError(providerName, "batch_request")
		return nil, fmt.Errorf("deepgram prerecorded request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		b.metrics.RecordSTTError(providerName, "batch_status")
		return nil, fmt.Errorf("deepgram prerecorded request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out prerecordedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		b.metrics.RecordSTTError(providerName, "batch_decode")
		return nil, fmt.Errorf("decode deepgram response: %w", err)
	}
	b.metrics.RecordBatchTranscription(providerName, time.Since(start).Seconds())
	return transcriptFromPrerecorded(out), nil
}

func (b *BatchTranscriber) request(ctx context.Context, audioRef string) (*http.Request, error) {
	u, err := url.Parse(strings.TrimRight(b.cfg.APIBaseURL, "/") + "/listen")
	if err != nil {
		return nil, fmt.Errorf("invalid Deepgram API base URL: %w", err)
	}
	q := u.Query()
	q.Set("model", b.cfg.Model)
	q.Set("diarize", "true")
	q.Set("utterances", "true")
	q.Set("punctuate", "true")
	q.Set("smart_format", fmt.Sprintf("%t", b.cfg.SmartFormat))
	if b.cfg.Language != "" {
		q.Set("language", b.cfg.Language)
	}

	var (
		body        []byte
		contentType string
	)
	switch {
	case audio.IsFileRef(audioRef):
		r, format, err := audio.OpenRef(audioRef)
		if err != nil {
			return nil, err
		}
		body, err = io.ReadAll(r)
		r.Close()
		if err != nil {
			return nil, fmt.Errorf("read audio: %w", err)
		}
		// Raw PCM needs its format spelled out.
		q.Set("encoding", "linear16")
		q.Set("sample_rate", fmt.Sprintf("%d", format.SampleRate))
		q.Set("channels", fmt.Sprintf("%d", format.Channels))
		contentType = "application/octet-stream"
	case strings.HasPrefix(audioRef, "http://"), strings.HasPrefix(audioRef, "https://"):
		body, _ = json.Marshal(map[string]string{"url": audioRef})
		contentType = "application/json"
	default:
		return nil, fmt.Errorf("unsupported audio reference %q", audioRef)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Token "+b.cfg.APIKey)
	return req, nil
}

func transcriptFromPrerecorded(resp prerecordedResponse) *models.Transcript {
	t := &models.Transcript{Provider: providerName}

	for _, u := range resp.Results.Utterances {
		text := strings.TrimSpace(u.Transcript)
		if text == "" {
			continue
		}
		t.Fragments = append(t.Fragments, models.TranscriptFragment{
			ID:            u.ID,
			Speaker:       u.Speaker,
			Text:          text,
			StartOffsetMs: secondsToMs(u.Start),
			EndOffsetMs:   secondsToMs(u.End),
			Confidence:    u.Confidence,
			IsFinal:       true,
			Words:         convertWords(u.Words),
		})
	}

	var channelWords []models.WordTiming
	channelText := ""
	if len(resp.Results.Channels) > 0 && len(resp.Results.Channels[0].Alternatives) > 0 {
		alt := resp.Results.Channels[0].Alternatives[0]
		channelWords = convertWords(alt.Words)
		channelText = strings.TrimSpace(alt.Transcript)
	}

	if len(t.Fragments) > 0 {
		t.Text = models.JoinFragments(t.Fragments)
	} else {
		t.Text = channelText
	}
	if len(channelWords) > 0 {
		t.Words = channelWords
	} else {
		t.Words = models.CollectWords(t.Fragments)
	}

	t.DurationMs = secondsToMs(resp.Metadata.Duration)
	if n := len(t.Words); t.DurationMs == 0 && n > 0 {
		t.DurationMs = t.Words[n-1].EndMs
	}
	return t
}
