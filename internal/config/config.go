// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the complete service configuration.
type Config struct {
	Service       ServiceConfig
	STT           STTConfig
	Session       SessionConfig
	Detection     DetectionConfig
	Queue         QueueConfig
	Storage       StorageConfig
	Kafka         KafkaConfig
	Observability ObservabilityConfig
}

type ServiceConfig struct {
	Principal string
	GRPCPort  string
	HTTPPort  string
	Env       string
}

type STTConfig struct {
	Provider        string // mock, google, deepgram
	LanguageCode    string
	SampleRateHz    int
	InterimResults  bool
	AudioEncoding   string
	Diarization     bool
	MaxSpeakers     int
	DeepgramAPIKey  string
	DeepgramBaseURL string
	DeepgramModel   string
}

type SessionConfig struct {
	FinalTimeout      time.Duration
	KeepAliveInterval time.Duration
	ChunkSize         int
	SubscriberBuffer  int
	CaptureBuffer     int
	ArchiveDir        string
}

type DetectionConfig struct {
	// PatternFile overrides the embedded pattern library.
	PatternFile string
}

type QueueConfig struct {
	Workers      int
	MaxAttempts  int
	BackoffBase  time.Duration
	Size         int
	DedupBackend string // memory, redis
	DedupTTL     time.Duration
	RedisURL     string
}

type StorageConfig struct {
	Backend string // badger, memory
	Path    string
}

type KafkaConfig struct {
	Enabled        bool
	Brokers        []string
	TopicFragments string
	TopicFlags     string
	TopicAlerts    string
	Principal      string
}

type ObservabilityConfig struct {
	LogLevel    string
	LogFormat   string
	LogFile     string
	MetricsAddr string
}

// LoadDotEnv loads variables from .env files that exist. Variables already
// set in the environment win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// Load reads the configuration from the environment. Unparseable values
// fall back to their defaults.
func Load() *Config {
	principal := envOrDefault("SERVICE_PRINCIPAL", "svc-clinical-risk")

	return &Config{
		Service: ServiceConfig{
			Principal: principal,
			GRPCPort:  envOrDefault("GRPC_PORT", "50051"),
			HTTPPort:  envOrDefault("HTTP_PORT", "8080"),
			Env:       envOrDefault("ENV", "prod"),
		},
		STT: STTConfig{
			Provider:        envOrDefault("STT_PROVIDER", "mock"),
			LanguageCode:    envOrDefault("STT_LANGUAGE_CODE", "en-US"),
			SampleRateHz:    envOrDefaultInt("STT_SAMPLE_RATE_HZ", 16000),
			InterimResults:  envOrDefaultBool("STT_INTERIM_RESULTS", true),
			AudioEncoding:   envOrDefault("STT_AUDIO_ENCODING", "LINEAR16"),
			Diarization:     envOrDefaultBool("STT_DIARIZATION", true),
			MaxSpeakers:     envOrDefaultInt("STT_MAX_SPEAKERS", 2),
			DeepgramAPIKey:  os.Getenv("DEEPGRAM_API_KEY"),
			DeepgramBaseURL: envOrDefault("DEEPGRAM_BASE_URL", "https://api.deepgram.com/v1"),
			DeepgramModel:   envOrDefault("DEEPGRAM_MODEL", "nova-2"),
		},
		Session: SessionConfig{
			FinalTimeout:      envOrDefaultDuration("SESSION_FINAL_TIMEOUT", 10*time.Second),
			KeepAliveInterval: envOrDefaultDuration("SESSION_KEEPALIVE_INTERVAL", 5*time.Second),
			ChunkSize:         envOrDefaultInt("SESSION_CHUNK_SIZE", 3200),
			SubscriberBuffer:  envOrDefaultInt("SESSION_SUBSCRIBER_BUFFER", 64),
			CaptureBuffer:     envOrDefaultInt("SESSION_CAPTURE_BUFFER", 256),
			ArchiveDir:        envOrDefault("AUDIO_ARCHIVE_DIR", "./data/audio"),
		},
		Detection: DetectionConfig{
			PatternFile: os.Getenv("DETECTION_PATTERN_FILE"),
		},
		Queue: QueueConfig{
			Workers:      envOrDefaultInt("QUEUE_WORKERS", 2),
			MaxAttempts:  envOrDefaultInt("QUEUE_MAX_ATTEMPTS", 3),
			BackoffBase:  envOrDefaultDuration("QUEUE_BACKOFF_BASE", time.Second),
			Size:         envOrDefaultInt("QUEUE_SIZE", 128),
			DedupBackend: envOrDefault("QUEUE_DEDUP_BACKEND", "memory"),
			DedupTTL:     envOrDefaultDuration("QUEUE_DEDUP_TTL", time.Hour),
			RedisURL:     os.Getenv("REDIS_URL"),
		},
		Storage: StorageConfig{
			Backend: envOrDefault("STORAGE_BACKEND", "badger"),
			Path:    envOrDefault("STORAGE_PATH", "./data/db"),
		},
		Kafka: KafkaConfig{
			Enabled:        envOrDefaultBool("KAFKA_ENABLED", false),
			Brokers:        envOrDefaultList("KAFKA_BROKERS", nil),
			TopicFragments: envOrDefault("KAFKA_TOPIC_FRAGMENTS", "clinical.session.transcript.final"),
			TopicFlags:     envOrDefault("KAFKA_TOPIC_FLAGS", "clinical.session.risk.flags"),
			TopicAlerts:    envOrDefault("KAFKA_TOPIC_ALERTS", "clinical.session.risk.alerts"),
			Principal:      envOrDefault("KAFKA_PRINCIPAL", principal),
		},
		Observability: ObservabilityConfig{
			LogLevel:    envOrDefault("LOG_LEVEL", "info"),
			LogFormat:   envOrDefault("LOG_FORMAT", "json"),
			LogFile:     os.Getenv("LOG_FILE"),
			MetricsAddr: envOrDefault("METRICS_ADDR", ":9090"),
		},
	}
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error
	switch c.STT.Provider {
	case "mock", "google":
	case "deepgram":
		if c.STT.DeepgramAPIKey == "" {
			errs = append(errs, errors.New("DEEPGRAM_API_KEY is required for the deepgram provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STT_PROVIDER %q", c.STT.Provider))
	}
	switch c.Queue.DedupBackend {
	case "memory":
	case "redis":
		if c.Queue.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis dedup backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown QUEUE_DEDUP_BACKEND %q", c.Queue.DedupBackend))
	}
	switch c.Storage.Backend {
	case "badger", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_BACKEND %q", c.Storage.Backend))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is required when KAFKA_ENABLED is set"))
	}
	if c.Session.ChunkSize <= 0 {
		errs = append(errs, errors.New("SESSION_CHUNK_SIZE must be positive"))
	}
	return errors.Join(errs...)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envOrDefaultList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
