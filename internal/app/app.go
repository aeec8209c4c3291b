// Package app wires the clinical risk service together: storage, the
// detection pipeline, live sessions, the batch queue and the HTTP, gRPC
// and observability servers.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	grpcapi "clinical-risk-service/internal/api/grpc"
	httpapi "clinical-risk-service/internal/api/http"
	"clinical-risk-service/internal/config"
	"clinical-risk-service/internal/events"
	"clinical-risk-service/internal/models"
	"clinical-risk-service/internal/observability"
	"clinical-risk-service/internal/observability/logging"
	"clinical-risk-service/internal/observability/metrics"
	"clinical-risk-service/internal/queue"
	"clinical-risk-service/internal/risk"
	"clinical-risk-service/internal/service/audio"
	"clinical-risk-service/internal/service/reprocess"
	"clinical-risk-service/internal/service/session"
	"clinical-risk-service/internal/service/stt"
	"clinical-risk-service/internal/service/stt/deepgram"
	"clinical-risk-service/internal/service/stt/google"
	"clinical-risk-service/internal/service/stt/mock"
	"clinical-risk-service/internal/storage"
)

const serviceName = "clinical-risk-service"

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Config

	Store     storage.Store
	Detector  *risk.Detector
	Source    *audio.PushSource
	Publisher *events.Publisher
	Queue     *queue.Queue
	Sessions  *session.Manager

	metrics *metrics.Metrics
	closers []func() error

	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server
	obsServer  *observability.Server

	ctx    context.Context
	cancel context.CancelFunc
	ready  atomic.Bool
}

// New constructs the Application and every component it owns. Nothing
// listens or runs until Start.
func New(cfg *config.Config) (*Application, error) {
	a := &Application{
		Cfg:     cfg,
		metrics: metrics.DefaultMetrics,
	}
	a.setupLogger()
	a.ctx, a.cancel = context.WithCancel(context.Background())

	appLogger := a.Logger.With().
		Str("method", "New").
		Logger()

	if err := a.build(); err != nil {
		a.cancel()
		a.closeAll()
		return nil, err
	}

	appLogger.Info().
		Str("sttProvider", cfg.STT.Provider).
		Str("storage", cfg.Storage.Backend).
		Bool("kafka", cfg.Kafka.Enabled).
		Msg("Clinical risk service application created")
	return a, nil
}

// setupLogger configures zerolog for the service. ZEROLOG_LOG_LEVEL
// overrides LOG_LEVEL and ENV=dev switches to console output.
func (a *Application) setupLogger() {
	obs := a.Cfg.Observability
	lc := logging.DefaultConfig()
	lc.Level = strings.ToLower(obs.LogLevel)
	if envLevel := os.Getenv("ZEROLOG_LOG_LEVEL"); envLevel != "" {
		if _, err := zerolog.ParseLevel(strings.ToLower(envLevel)); err == nil {
			lc.Level = strings.ToLower(envLevel)
		}
	}
	lc.Format = obs.LogFormat
	if a.Cfg.Service.Env == "dev" {
		lc.Format = "console"
	}
	lc.File = obs.LogFile
	logging.Init(lc)

	a.Logger = logging.Logger().With().
		Str("service", serviceName).
		Str("component", "application").
		Logger()

	a.Logger.Info().
		Str("logLevel", zerolog.GlobalLevel().String()).
		Str("environment", a.Cfg.Service.Env).
		Msg("Logger setup completed")
}

func (a *Application) build() error {
	cfg := a.Cfg

	store, err := storage.Open(storage.Config{Backend: cfg.Storage.Backend, Path: cfg.Storage.Path})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)

	lib := risk.DefaultLibrary()
	if cfg.Detection.PatternFile != "" {
		if lib, err = risk.LoadLibraryFile(cfg.Detection.PatternFile); err != nil {
			return fmt.Errorf("load pattern library: %w", err)
		}
	}
	a.Detector = risk.NewDetector(lib)
	a.Logger.Info().
		Str("version", lib.Version()).
		Int("patterns", lib.Len()).
		Msg("Pattern library loaded")

	factory, transcriber, err := a.buildSTT()
	if err != nil {
		return err
	}

	a.Source = audio.NewPushSource(audio.CaptureLimits{
		MaxBufferedFrames: cfg.Session.CaptureBuffer,
		MaxAudioBytes:     audio.DefaultLimits().MaxAudioBytes,
		MaxDuration:       audio.DefaultLimits().MaxDuration,
	}).WithMetrics(a.metrics)
	archive, err := audio.NewFileArchive(cfg.Session.ArchiveDir)
	if err != nil {
		return err
	}

	a.Publisher = events.New(&events.Config{
		Enabled:        cfg.Kafka.Enabled,
		Brokers:        cfg.Kafka.Brokers,
		TopicFragments: cfg.Kafka.TopicFragments,
		TopicFlags:     cfg.Kafka.TopicFlags,
		TopicAlerts:    cfg.Kafka.TopicAlerts,
		Principal:      cfg.Kafka.Principal,
	})
	a.closers = append(a.closers, a.Publisher.Close)

	dedup, err := a.buildDeduper()
	if err != nil {
		return err
	}
	a.Queue = queue.New(queue.Config{
		Workers:     cfg.Queue.Workers,
		MaxAttempts: cfg.Queue.MaxAttempts,
		BackoffBase: cfg.Queue.BackoffBase,
		QueueSize:   cfg.Queue.Size,
	}, store, dedup, a.metrics)
	a.Queue.Register(models.JobTypeTranscriptProcessing,
		reprocess.NewHandler(transcriber, a.Detector, store, a.Publisher, a.metrics))

	sessionCfg := session.DefaultConfig()
	sessionCfg.FinalTimeout = cfg.Session.FinalTimeout
	sessionCfg.KeepAliveInterval = cfg.Session.KeepAliveInterval
	sessionCfg.ChunkSize = cfg.Session.ChunkSize
	sessionCfg.SubscriberBuffer = cfg.Session.SubscriberBuffer
	sessionCfg.Format = audio.Format{SampleRate: cfg.STT.SampleRateHz, Channels: 1, BitsPerSample: 16}
	a.Sessions = session.NewManager(a.ctx, sessionCfg, session.Dependencies{
		Source:   a.Source,
		Archive:  archive,
		STT:      factory,
		Detector: a.Detector,
		Store:    store,
		Queue:    a.Queue,
		Notifier: a.Publisher,
		Metrics:  a.metrics,
	})

	a.buildServers()
	return nil
}

// buildSTT selects the streaming factory and the batch transcriber of the
// configured provider.
func (a *Application) buildSTT() (stt.Factory, stt.BatchTranscriber, error) {
	cfg := a.Cfg.STT
	switch cfg.Provider {
	case "", "mock":
		return mock.NewFactory(mock.Options{}), mock.NewBatchTranscriber(mock.Options{}, 0), nil

	case "google":
		gcfg := google.FromSTTConfig(stt.Config{
			Provider:       cfg.Provider,
			LanguageCode:   cfg.LanguageCode,
			SampleRateHz:   cfg.SampleRateHz,
			Encoding:       cfg.AudioEncoding,
			InterimResults: cfg.InterimResults,
			Diarization:    cfg.Diarization,
			MaxSpeakers:    cfg.MaxSpeakers,
		})
		factory, err := google.NewFactory(a.ctx, gcfg)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, factory.Close)
		batch, err := google.NewBatchTranscriber(a.ctx, gcfg)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, batch.Close)
		return factory, batch, nil

	case "deepgram":
		dcfg := deepgram.Config{
			APIKey:       cfg.DeepgramAPIKey,
			APIBaseURL:   cfg.DeepgramBaseURL,
			Model:        cfg.DeepgramModel,
			Language:     cfg.LanguageCode,
			SmartFormat:  true,
			Diarize:      cfg.Diarization,
			SampleRateHz: cfg.SampleRateHz,
			Encoding:     strings.ToLower(cfg.AudioEncoding),
			Interim:      cfg.InterimResults,
		}
		factory, err := deepgram.NewFactory(dcfg)
		if err != nil {
			return nil, nil, err
		}
		batch, err := deepgram.NewBatchTranscriber(dcfg, nil)
		if err != nil {
			return nil, nil, err
		}
		return factory, batch, nil

	default:
		return nil, nil, fmt.Errorf("unknown STT provider %q", cfg.Provider)
	}
}

func (a *Application) buildDeduper() (queue.Deduper, error) {
	qc := a.Cfg.Queue
	switch qc.DedupBackend {
	case "", "memory":
		return queue.NewMemoryDeduper(qc.DedupTTL), nil
	case "redis":
		d, err := queue.NewRedisDeduper(qc.RedisURL, qc.DedupTTL)
		if err != nil {
			return nil, fmt.Errorf("connect dedup redis: %w", err)
		}
		a.closers = append(a.closers, d.Close)
		return d, nil
	default:
		return nil, fmt.Errorf("unknown dedup backend %q", qc.DedupBackend)
	}
}

func (a *Application) buildServers() {
	a.grpcServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(observability.UnaryServerInterceptor(a.metrics)),
		grpc.ChainStreamInterceptor(observability.StreamServerInterceptor(a.metrics)),
	)
	a.health = health.NewServer()
	grpc_health_v1.RegisterHealthServer(a.grpcServer, a.health)
	grpcapi.Register(a.grpcServer, grpcapi.NewServer(a.Sessions, a.Queue, a.Store))
	reflection.Register(a.grpcServer)

	a.httpServer = &http.Server{
		Addr: ":" + a.Cfg.Service.HTTPPort,
		Handler: httpapi.NewRouter(httpapi.Deps{
			Sessions: a.Sessions,
			Jobs:     a.Queue,
			Records:  a.Store,
			Audio:    a.Source,
			Ready:    a.Ready,
			Metrics:  a.metrics,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.obsServer = observability.NewServer(a.Cfg.Observability.MetricsAddr, a.Ready)
}

// Ready reports whether the service can take traffic.
func (a *Application) Ready() error {
	if !a.ready.Load() {
		return errors.New("service not ready")
	}
	return nil
}

// Start recovers unfinished jobs and begins serving traffic.
func (a *Application) Start() error {
	startLogger := a.Logger.With().
		Str("method", "Start").
		Logger()

	a.StartupTime = time.Now().UTC()
	startLogger.Info().
		Time("startupTime", a.StartupTime).
		Msg("Clinical risk service starting")

	if err := a.Queue.Start(a.ctx); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}

	lis, err := net.Listen("tcp", ":"+a.Cfg.Service.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	go func() {
		startLogger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
		if err := a.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			startLogger.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	go func() {
		startLogger.Info().Str("addr", a.httpServer.Addr).Msg("HTTP server listening")
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			startLogger.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	a.obsServer.Start()

	a.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	a.health.SetServingStatus(grpcapi.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	a.ready.Store(true)
	return nil
}

// Shutdown stops accepting traffic, ends live sessions so their
// transcripts are flushed and their jobs enqueued, then stops the queue
// and releases storage and brokers.
func (a *Application) Shutdown(ctx context.Context) {
	shutdownLogger := a.Logger.With().
		Str("method", "Shutdown").
		Logger()

	shutdownLogger.Info().Msg("Clinical risk service shutting down")
	a.ready.Store(false)
	a.health.Shutdown()

	if err := a.httpServer.Shutdown(ctx); err != nil {
		shutdownLogger.Warn().Err(err).Msg("HTTP server shutdown")
	}

	grpcDone := make(chan struct{})
	go func() {
		a.grpcServer.GracefulStop()
		close(grpcDone)
	}()
	select {
	case <-grpcDone:
	case <-ctx.Done():
		a.grpcServer.Stop()
	}

	if err := a.Sessions.Shutdown(ctx); err != nil {
		shutdownLogger.Warn().Err(err).Msg("Sessions ended with errors")
	}
	a.Queue.Stop()
	a.cancel()

	if err := a.obsServer.Shutdown(ctx); err != nil {
		shutdownLogger.Warn().Err(err).Msg("Observability server shutdown")
	}
	a.closeAll()

	shutdownLogger.Info().
		Dur("uptime", time.Since(a.StartupTime)).
		Msg("Clinical risk service stopped")
}

// closeAll releases resources in reverse order of creation.
func (a *Application) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn().Err(err).Msg("Close failed")
		}
	}
	a.closers = nil
}
