// Package reprocess implements the transcript_processing batch job: a
// full-recording transcription and detection pass whose flags become the
// authoritative set for the session.
package reprocess

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"clinical-risk-service/internal/models"
	"clinical-risk-service/internal/observability/logging"
	"clinical-risk-service/internal/observability/metrics"
	"clinical-risk-service/internal/risk"
	"clinical-risk-service/internal/service/stt"
	"clinical-risk-service/internal/storage"
)

// PassBatch marks flags raised by the batch pass.
const PassBatch = "batch"

// ErrNoAudioRef is returned for a job without an audio reference.
var ErrNoAudioRef = errors.New("job has no audio reference")

// Store is the persistence the handler reads and rewrites.
type Store interface {
	GetTranscript(ctx context.Context, sessionID string) (*models.TranscriptRecord, error)
	SaveTranscript(ctx context.Context, rec *models.TranscriptRecord) error
	ListFlags(ctx context.Context, sessionID string) ([]models.RiskFlag, error)
	ReplaceFlags(ctx context.Context, sessionID string, flags []models.RiskFlag) error
}

// Alerter forwards critical flags the live pass missed.
type Alerter interface {
	PublishFlag(ctx context.Context, sessionID, teamID, pass string, flag models.RiskFlag) error
}

// Result is stored on the completed job.
type Result struct {
	Provider    string             `json:"provider"`
	DurationMs  int64              `json:"durationMs"`
	Fragments   int                `json:"fragments"`
	Words       int                `json:"words"`
	LiveFlags   int                `json:"liveFlags"`
	BatchFlags  int                `json:"batchFlags"`
	Flags       int                `json:"flags"`
	NewCritical int                `json:"newCritical"`
	Summary     models.FlagSummary `json:"summary"`
}

// Handler runs transcript_processing jobs.
type Handler struct {
	transcriber stt.BatchTranscriber
	detector    *risk.Detector
	store       Store
	alerts      Alerter
	metrics     *metrics.Metrics
	now         func() time.Time
}

// NewHandler creates a handler. alerts may be nil.
func NewHandler(transcriber stt.BatchTranscriber, detector *risk.Detector, store Store, alerts Alerter, m *metrics.Metrics) *Handler {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Handler{
		transcriber: transcriber,
		detector:    detector,
		store:       store,
		alerts:      alerts,
		metrics:     m,
		now:         time.Now,
	}
}

// Handle implements queue.Handler.
func (h *Handler) Handle(ctx context.Context, job *models.BatchJob) (json.RawMessage, error) {
	log := logging.WithJob(job.ID, job.SessionID, string(job.Type))
	audioRef := job.Input.AudioRef
	if audioRef == "" {
		return nil, ErrNoAudioRef
	}

	rec, err := h.store.GetTranscript(ctx, job.SessionID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		rec = &models.TranscriptRecord{
			SessionID: job.SessionID,
			TeamID:    job.TeamID,
			Status:    models.TranscriptStatusRecorded,
			CreatedAt: h.now(),
		}
	case err != nil:
		return nil, fmt.Errorf("load transcript: %w", err)
	}

	prevStatus := rec.Status
	rec.Status = models.TranscriptStatusProcessing
	rec.UpdatedAt = h.now()
	if err := h.store.SaveTranscript(ctx, rec); err != nil {
		return nil, fmt.Errorf("mark transcript processing: %w", err)
	}

	result, err := h.process(ctx, job, rec, log)
	if err != nil {
		rec.Status = prevStatus
		rec.UpdatedAt = h.now()
		if saveErr := h.store.SaveTranscript(ctx, rec); saveErr != nil {
			log.Warn().Err(saveErr).Msg("Failed to restore transcript status")
		}
		return nil, err
	}
	return json.Marshal(result)
}

func (h *Handler) process(ctx context.Context, job *models.BatchJob, rec *models.TranscriptRecord, log zerolog.Logger) (*Result, error) {
	transcript, err := h.transcriber.Transcribe(ctx, job.Input.AudioRef)
	if err != nil {
		return nil, fmt.Errorf("transcribe %s: %w", job.Input.AudioRef, err)
	}

	text := transcript.Text
	if text == "" {
		text = models.JoinFragments(transcript.Fragments)
	}
	words := transcript.Words
	if len(words) == 0 {
		words = models.CollectWords(transcript.Fragments)
	}

	live, err := h.store.ListFlags(ctx, job.SessionID)
	if err != nil {
		return nil, fmt.Errorf("list live flags: %w", err)
	}

	start := time.Now()
	batch, err := h.detector.Analyze(text, words, live)
	h.metrics.RecordDetection(PassBatch, time.Since(start).Seconds(), err)
	if err != nil {
		// An empty recording still keeps the live flags.
		log.Warn().Err(err).Msg("Batch transcript not analyzable, keeping live flags")
		batch = nil
	}

	merged := risk.Reconcile(live, batch)
	if err := h.store.ReplaceFlags(ctx, job.SessionID, merged); err != nil {
		return nil, fmt.Errorf("replace flags: %w", err)
	}
	for _, f := range batch {
		h.metrics.RecordFlag(string(f.Type), string(f.Severity), PassBatch)
	}

	summary := risk.Summarize(merged)
	rec.RawText = text
	rec.Fragments = transcript.Fragments
	rec.Status = models.TranscriptStatusProcessed
	rec.Summary = &summary
	rec.Provider = transcript.Provider
	rec.AudioRef = job.Input.AudioRef
	rec.UpdatedAt = h.now()
	if err := h.store.SaveTranscript(ctx, rec); err != nil {
		return nil, fmt.Errorf("save processed transcript: %w", err)
	}

	newCritical := h.alertMissed(ctx, job, live, merged, log)

	log.Info().
		Int("liveFlags", len(live)).
		Int("batchFlags", len(batch)).
		Int("flags", len(merged)).
		Int("newCritical", newCritical).
		Str("highestSeverity", string(summary.HighestSeverity)).
		Msg("Transcript reprocessed")

	return &Result{
		Provider:    transcript.Provider,
		DurationMs:  transcript.DurationMs,
		Fragments:   len(transcript.Fragments),
		Words:       len(words),
		LiveFlags:   len(live),
		BatchFlags:  len(batch),
		Flags:       len(merged),
		NewCritical: newCritical,
		Summary:     summary,
	}, nil
}

// alertMissed publishes the critical flags of the merged set that no live
// critical flag already covered.
func (h *Handler) alertMissed(ctx context.Context, job *models.BatchJob, live, merged []models.RiskFlag, log zerolog.Logger) int {
	raised := make(map[string]bool)
	liveIDs := make(map[string]bool, len(live))
	for _, f := range live {
		liveIDs[f.ID] = true
		if f.Severity == models.SeverityCritical {
			raised[risk.DedupKey(f)] = true
		}
	}

	count := 0
	for _, f := range merged {
		if f.Severity != models.SeverityCritical || liveIDs[f.ID] || raised[risk.DedupKey(f)] {
			continue
		}
		count++
		log.Warn().
			Str("flagId", f.ID).
			Str("flagType", string(f.Type)).
			Float64("confidence", f.Confidence).
			Msg("Critical flag found by batch pass")
		if h.alerts == nil {
			continue
		}
		if err := h.alerts.PublishFlag(ctx, job.SessionID, job.TeamID, PassBatch, f); err != nil {
			log.Error().Err(err).Str("flagId", f.ID).Msg("Failed to publish critical alert")
		}
	}
	return count
}
