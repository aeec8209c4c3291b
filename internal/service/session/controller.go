package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"clinical-risk-service/internal/models"
	"clinical-risk-service/internal/observability/logging"
	"clinical-risk-service/internal/observability/metrics"
	"clinical-risk-service/internal/risk"
	"clinical-risk-service/internal/service/audio"
	"clinical-risk-service/internal/service/broadcast"
	"clinical-risk-service/internal/service/stt"
)

// PassLive marks flags raised by the incremental detector.
const PassLive = "live"

// Store is the persistence the controller writes to.
type Store interface {
	SaveTranscript(ctx context.Context, rec *models.TranscriptRecord) error
	SaveFlag(ctx context.Context, sessionID string, flag models.RiskFlag) error
	SaveFlags(ctx context.Context, sessionID string, flags []models.RiskFlag) error
}

// Reprocessor schedules the batch pass over a session's complete audio.
type Reprocessor interface {
	EnqueueReprocessing(ctx context.Context, sessionID, teamID, audioRef string) (string, error)
}

// Notifier forwards fragments and flags to downstream systems. Its errors
// are logged and never affect the session.
type Notifier interface {
	PublishFragment(ctx context.Context, sessionID, teamID string, f models.TranscriptFragment) error
	PublishFlag(ctx context.Context, sessionID, teamID, pass string, flag models.RiskFlag) error
}

// Config holds controller tunables.
type Config struct {
	FinalTimeout      time.Duration // wait for the provider's last result after Finish
	KeepAliveInterval time.Duration // keep-alive cadence while paused
	ChunkSize         int           // bytes read from the capture per provider frame
	SubscriberBuffer  int
	InboxSize         int
	Format            audio.Format
}

// DefaultConfig returns default controller settings.
func DefaultConfig() Config {
	return Config{
		FinalTimeout:      10 * time.Second,
		KeepAliveInterval: 5 * time.Second,
		ChunkSize:         3200, // 100ms at 16kHz 16-bit mono
		SubscriberBuffer:  broadcast.DefaultBuffer,
		InboxSize:         256,
		Format:            audio.DefaultFormat,
	}
}

// Dependencies are the collaborators a controller drives.
type Dependencies struct {
	Source   audio.Source
	Archive  audio.Archive
	STT      stt.Factory
	Detector *risk.Detector
	Store    Store
	Queue    Reprocessor
	Notifier Notifier // optional
	Metrics  *metrics.Metrics
}

type eventKind int

const (
	evFragment eventKind = iota
	evError
)

type providerEvent struct {
	kind     eventKind
	fragment models.TranscriptFragment
	err      error
}

// Controller runs one recording session. Fragment handling, detection and
// publication happen on a single goroutine, so prior flags and the
// transcript buffer have one writer and fragments keep their order.
type Controller struct {
	id     string
	teamID string
	cfg    Config
	deps   Dependencies
	lc     *Lifecycle
	hub    *broadcast.Hub
	log    zerolog.Logger
	ids    FragmentIDs

	ctx    context.Context
	cancel context.CancelFunc

	capture   audio.Capture
	recording audio.Recording
	adapter   stt.Adapter
	provider  string

	inbox          chan providerEvent
	loopQuit       chan struct{}
	loopDone       chan struct{}
	pumpDone       chan struct{}
	keepAliveStop  chan struct{}
	providerClosed chan struct{}
	closedOnce     sync.Once

	mu        sync.Mutex
	fragments []models.TranscriptFragment
	prior     []models.RiskFlag
	streamErr error
	jobID     string
	result    error

	stopOnce  sync.Once
	done      chan struct{}
	startedAt time.Time
}

// NewController creates an idle controller. base bounds the lifetime of
// the provider stream; it should outlive the request that starts the
// session.
func NewController(base context.Context, sessionID, teamID string, cfg Config, deps Dependencies) *Controller {
	if deps.Metrics == nil {
		deps.Metrics = metrics.DefaultMetrics
	}
	if deps.Detector == nil {
		deps.Detector = risk.NewDetector(nil)
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultConfig().ChunkSize
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultConfig().InboxSize
	}
	if cfg.Format.SampleRate == 0 {
		cfg.Format = audio.DefaultFormat
	}
	ctx, cancel := context.WithCancel(base)
	return &Controller{
		id:             sessionID,
		teamID:         teamID,
		cfg:            cfg,
		deps:           deps,
		lc:             NewLifecycle(sessionID),
		hub:            broadcast.NewHub(sessionID, cfg.SubscriberBuffer, broadcast.WithMetrics(deps.Metrics)),
		log:            logging.WithSession(sessionID, teamID),
		ctx:            ctx,
		cancel:         cancel,
		inbox:          make(chan providerEvent, cfg.InboxSize),
		loopQuit:       make(chan struct{}),
		loopDone:       make(chan struct{}),
		pumpDone:       make(chan struct{}),
		keepAliveStop:  make(chan struct{}),
		providerClosed: make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// ID returns the session id.
func (c *Controller) ID() string { return c.id }

// TeamID returns the owning team.
func (c *Controller) TeamID() string { return c.teamID }

// State returns the current lifecycle state.
func (c *Controller) State() State { return c.lc.State() }

// Done is closed once the controller reached a terminal state and
// released its resources.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Err returns the terminal error, if any. Valid after Done.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// JobID returns the reprocessing job enqueued at stop.
func (c *Controller) JobID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jobID
}

// Flags returns a copy of the flags raised so far.
func (c *Controller) Flags() []models.RiskFlag {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.RiskFlag(nil), c.prior...)
}

// Fragments returns a copy of the final fragments buffered so far.
func (c *Controller) Fragments() []models.TranscriptFragment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.TranscriptFragment(nil), c.fragments...)
}

// Subscribe attaches a live viewer.
func (c *Controller) Subscribe() (*broadcast.Subscription, error) {
	return c.hub.Subscribe()
}

// Start acquires the audio source, opens the archive recording and the
// provider stream, then starts recording. Any failure ends the session
// FAILED with a *RecordingStartError.
func (c *Controller) Start(ctx context.Context) error {
	if st := c.lc.State(); st != StateIdle {
		return ErrSessionActive
	}
	c.provider = c.deps.STT.Provider()
	c.log = c.log.With().Str("sttProvider", c.provider).Logger()

	capture, err := c.deps.Source.Acquire(ctx, c.id)
	if err != nil {
		return c.failStart("audio", err)
	}
	rec, err := c.deps.Archive.Create(c.id, c.cfg.Format)
	if err != nil {
		capture.Stop()
		return c.failStart("archive", err)
	}
	adapter, err := c.deps.STT.NewAdapter(ctx, c.id)
	if err == nil {
		err = adapter.Start(c.ctx, streamCallback{c})
		if err != nil {
			_ = adapter.Close()
		}
	}
	if err != nil {
		capture.Stop()
		_ = rec.Abort()
		c.deps.Metrics.RecordSTTError(c.provider, "connect")
		return c.failStart("provider", err)
	}

	c.capture = capture
	c.recording = rec
	c.adapter = adapter
	if err := c.lc.Start(); err != nil {
		return err
	}
	c.startedAt = time.Now()
	c.deps.Metrics.RecordSessionStart()

	now := time.Now().UTC()
	if err := c.deps.Store.SaveTranscript(ctx, &models.TranscriptRecord{
		SessionID: c.id,
		TeamID:    c.teamID,
		Status:    models.TranscriptStatusRecording,
		Provider:  c.provider,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		c.log.Warn().Err(err).Msg("Failed to persist initial transcript record")
	}

	go c.run()
	go c.pump()
	go c.keepAlive()

	c.hub.PublishState(StateRecording.String())
	c.log.Info().Msg("Recording started")
	return nil
}

func (c *Controller) failStart(stage string, err error) error {
	c.stopOnce.Do(func() {})
	c.lc.Fail()
	c.cancel()
	startErr := &RecordingStartError{SessionID: c.id, Stage: stage, Err: err}
	c.log.Error().Err(err).Str("stage", stage).Msg("Failed to start recording")

	c.mu.Lock()
	c.result = startErr
	c.mu.Unlock()

	c.hub.PublishState(StateFailed.String())
	c.hub.Close()
	c.deps.Metrics.RecordSessionEnd("start_failed", 0)
	close(c.done)
	return startErr
}

// Pause suspends capture; the provider connection is kept alive.
func (c *Controller) Pause() error {
	if err := c.lc.Pause(); err != nil {
		return err
	}
	c.capture.Pause()
	c.hub.PublishState(StatePaused.String())
	c.log.Info().Msg("Recording paused")
	return nil
}

// Resume continues a paused capture.
func (c *Controller) Resume() error {
	if err := c.lc.Resume(); err != nil {
		return err
	}
	c.capture.Resume()
	c.hub.PublishState(StateRecording.String())
	c.log.Info().Msg("Recording resumed")
	return nil
}

// Stop runs the flush path and waits for it. The flush continues even
// when ctx ends first; Stop then returns ctx.Err().
func (c *Controller) Stop(ctx context.Context) error {
	if c.lc.State() == StateIdle {
		return fmt.Errorf("%w: session not started", ErrInvalidTransition)
	}
	c.stopOnce.Do(func() { go c.finish() })

	select {
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish is the single exit path for started sessions: stop capture, let
// the pump drain into the provider and the archive, end the stream, drain
// pending results, persist, enqueue, reach a terminal state.
func (c *Controller) finish() {
	defer close(c.done)

	if err := c.lc.BeginStop(); err != nil {
		c.log.Error().Err(err).Msg("Cannot stop session")
		c.mu.Lock()
		c.result = err
		c.mu.Unlock()
		return
	}
	c.hub.PublishState(StateStopping.String())

	c.capture.Stop()
	<-c.pumpDone
	close(c.keepAliveStop)

	finishCtx, cancel := context.WithTimeout(context.Background(), c.cfg.FinalTimeout)
	defer cancel()
	if err := c.adapter.Finish(finishCtx); err != nil && !errors.Is(err, stt.ErrStreamClosed) {
		c.log.Warn().Err(err).Msg("Failed to signal end of stream")
	}
	select {
	case <-c.providerClosed:
	case <-finishCtx.Done():
		c.log.Warn().Dur("timeout", c.cfg.FinalTimeout).Msg("Timed out waiting for final transcript")
	}
	// Results already queued are handled while c.ctx is live so their
	// flags still reach storage and the notifier.
	close(c.loopQuit)
	<-c.loopDone

	c.cancel()
	_ = c.adapter.Close()

	persistCtx, cancelPersist := context.WithTimeout(context.Background(), c.cfg.FinalTimeout)
	defer cancelPersist()
	persistErr := c.persist(persistCtx)
	if persistErr != nil {
		c.lc.MarkFailed()
	}

	state, _ := c.lc.Finish()
	c.hub.PublishState(state.String())
	c.hub.Close()

	c.mu.Lock()
	c.result = errors.Join(c.streamErr, persistErr)
	c.mu.Unlock()

	outcome := "completed"
	if state == StateFailed {
		outcome = "failed"
	}
	c.deps.Metrics.RecordSessionEnd(outcome, time.Since(c.startedAt).Seconds())
	c.log.Info().
		Str("state", state.String()).
		Str("jobId", c.JobID()).
		Msg("Session finished")
}

// persist writes the transcript and live flags, commits the audio and
// enqueues exactly one reprocessing job when audio was captured.
func (c *Controller) persist(ctx context.Context) error {
	c.mu.Lock()
	fragments := append([]models.TranscriptFragment(nil), c.fragments...)
	flags := append([]models.RiskFlag(nil), c.prior...)
	c.mu.Unlock()

	var errs []error
	audioRef := ""
	if c.recording.Bytes() > 0 {
		ref, err := c.recording.Commit()
		if err != nil {
			errs = append(errs, fmt.Errorf("commit audio: %w", err))
		} else {
			audioRef = ref
		}
	} else if err := c.recording.Abort(); err != nil {
		c.log.Warn().Err(err).Msg("Failed to discard empty recording")
	}

	status := models.TranscriptStatusRecorded
	if c.lc.Failed() {
		status = models.TranscriptStatusPartial
	}
	now := time.Now().UTC()
	rec := &models.TranscriptRecord{
		SessionID: c.id,
		TeamID:    c.teamID,
		RawText:   models.JoinFragments(fragments),
		Fragments: fragments,
		Status:    status,
		AudioRef:  audioRef,
		Provider:  c.provider,
		CreatedAt: c.startedAt.UTC(),
		UpdatedAt: now,
	}
	if err := c.deps.Store.SaveTranscript(ctx, rec); err != nil {
		errs = append(errs, fmt.Errorf("save transcript: %w", err))
	}
	if len(flags) > 0 {
		if err := c.deps.Store.SaveFlags(ctx, c.id, flags); err != nil {
			errs = append(errs, fmt.Errorf("save flags: %w", err))
		}
	}

	if audioRef != "" {
		jobID, err := c.deps.Queue.EnqueueReprocessing(ctx, c.id, c.teamID, audioRef)
		if err != nil {
			errs = append(errs, fmt.Errorf("enqueue reprocessing: %w", err))
		} else {
			c.mu.Lock()
			c.jobID = jobID
			c.mu.Unlock()
		}
	}

	if err := errors.Join(errs...); err != nil {
		c.log.Error().Err(err).Msg("Failed to persist session")
		return err
	}
	return nil
}

// run is the single writer for the transcript buffer and prior flags.
func (c *Controller) run() {
	defer close(c.loopDone)
	for {
		select {
		case ev := <-c.inbox:
			c.handle(ev)
		case <-c.loopQuit:
			for {
				select {
				case ev := <-c.inbox:
					c.handle(ev)
				default:
					return
				}
			}
		}
	}
}

func (c *Controller) handle(ev providerEvent) {
	switch ev.kind {
	case evFragment:
		c.handleFragment(ev.fragment)
	case evError:
		c.handleStreamError(ev.err)
	}
}

func (c *Controller) handleFragment(f models.TranscriptFragment) {
	c.deps.Metrics.RecordFragment(f.IsFinal)
	if !f.IsFinal {
		c.hub.PublishFragment(f)
		return
	}
	if f.ID == "" {
		f.ID = c.ids.Next(c.id)
	}
	f.Words = f.WordTimings()

	c.mu.Lock()
	c.fragments = append(c.fragments, f)
	prior := c.prior
	c.mu.Unlock()

	c.hub.PublishFragment(f)
	c.notify("fragment", func(ctx context.Context, n Notifier) error {
		return n.PublishFragment(ctx, c.id, c.teamID, f)
	})

	start := time.Now()
	flags, err := c.deps.Detector.Analyze(f.Text, f.Words, prior)
	c.deps.Metrics.RecordDetection(PassLive, time.Since(start).Seconds(), err)
	if err != nil {
		c.log.Warn().Err(err).Str("fragmentId", f.ID).Msg("Skipping fragment for detection")
		return
	}

	for _, flag := range flags {
		c.mu.Lock()
		c.prior = append(c.prior, flag)
		c.mu.Unlock()

		c.deps.Metrics.RecordFlag(string(flag.Type), string(flag.Severity), PassLive)
		c.hub.PublishFlag(flag)

		if flag.Severity == models.SeverityCritical {
			if err := c.deps.Store.SaveFlag(c.ctx, c.id, flag); err != nil {
				c.log.Error().Err(err).Str("flagId", flag.ID).Msg("Failed to persist critical flag")
			}
			c.log.Warn().
				Str("flagId", flag.ID).
				Str("flagType", string(flag.Type)).
				Float64("confidence", flag.Confidence).
				Msg("Critical risk flag raised")
		}
		c.notify("flag", func(ctx context.Context, n Notifier) error {
			return n.PublishFlag(ctx, c.id, c.teamID, PassLive, flag)
		})
	}
}

func (c *Controller) notify(what string, fn func(context.Context, Notifier) error) {
	if c.deps.Notifier == nil {
		return
	}
	if err := fn(c.ctx, c.deps.Notifier); err != nil {
		c.log.Warn().Err(err).Str("event", what).Msg("Failed to forward event downstream")
	}
}

func (c *Controller) handleStreamError(err error) {
	c.markProviderClosed()
	switch c.lc.State() {
	case StateRecording, StatePaused:
	default:
		c.log.Warn().Err(err).Msg("Provider error while stopping")
		return
	}

	c.deps.Metrics.RecordSTTError(c.provider, "stream")
	c.log.Error().Err(err).Msg("Provider stream failed, flushing partial session")

	c.mu.Lock()
	if c.streamErr == nil {
		c.streamErr = &ProviderStreamError{SessionID: c.id, Provider: c.provider, Err: err}
	}
	c.mu.Unlock()
	c.lc.MarkFailed()

	c.stopOnce.Do(func() { go c.finish() })
}

func (c *Controller) markProviderClosed() {
	c.closedOnce.Do(func() { close(c.providerClosed) })
}

func (c *Controller) post(ev providerEvent) {
	select {
	case c.inbox <- ev:
	case <-c.loopDone:
	}
}

// pump moves captured audio into the archive and the provider until the
// capture is stopped and drained. Audio keeps flowing into the archive
// after the provider failed.
func (c *Controller) pump() {
	defer close(c.pumpDone)
	buf := make([]byte, c.cfg.ChunkSize)
	sending := true
	archiving := true
	for {
		n, err := c.capture.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if archiving {
				if _, werr := c.recording.Write(chunk); werr != nil {
					archiving = false
					c.log.Error().Err(werr).Msg("Failed to archive audio")
				}
			}
			if sending {
				if serr := c.adapter.SendAudio(c.ctx, chunk); serr != nil {
					sending = false
					if !errors.Is(serr, stt.ErrStreamClosed) && c.ctx.Err() == nil {
						c.post(providerEvent{kind: evError, err: serr})
					}
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (c *Controller) keepAlive() {
	if c.cfg.KeepAliveInterval <= 0 {
		return
	}
	t := time.NewTicker(c.cfg.KeepAliveInterval)
	defer t.Stop()
	for {
		select {
		case <-c.keepAliveStop:
			return
		case <-t.C:
			if c.lc.State() != StatePaused {
				continue
			}
			if err := c.adapter.KeepAlive(c.ctx); err != nil {
				c.log.Warn().Err(err).Msg("Keep-alive failed")
			}
		}
	}
}

// streamCallback feeds provider signals into the controller's inbox.
type streamCallback struct{ c *Controller }

func (s streamCallback) OnOpen() {
	s.c.log.Debug().Msg("Provider stream open")
}

func (s streamCallback) OnFragment(f models.TranscriptFragment) {
	s.c.post(providerEvent{kind: evFragment, fragment: f})
}

func (s streamCallback) OnError(err error) {
	s.c.post(providerEvent{kind: evError, err: err})
}

func (s streamCallback) OnClose() {
	s.c.log.Debug().Msg("Provider stream closed")
	s.c.markProviderClosed()
}
