package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	// Clear relevant env vars
	envVars := []string{
		"SERVICE_PRINCIPAL", "GRPC_PORT", "HTTP_PORT", "LOG_LEVEL",
		"STT_PROVIDER", "STT_LANGUAGE_CODE", "STT_SAMPLE_RATE_HZ",
		"STT_INTERIM_RESULTS", "STT_AUDIO_ENCODING",
		"SESSION_FINAL_TIMEOUT", "SESSION_KEEPALIVE_INTERVAL", "SESSION_CHUNK_SIZE",
		"QUEUE_WORKERS", "QUEUE_MAX_ATTEMPTS", "QUEUE_BACKOFF_BASE", "QUEUE_DEDUP_BACKEND",
		"STORAGE_BACKEND", "KAFKA_ENABLED", "KAFKA_BROKERS", "KAFKA_PRINCIPAL",
	}
	for _, v := range envVars {
		os.Unsetenv(v)
	}

	cfg := Load()

	// Service defaults
	if cfg.Service.Principal != "svc-clinical-risk" {
		t.Errorf("expected default principal 'svc-clinical-risk', got %s", cfg.Service.Principal)
	}
	if cfg.Service.GRPCPort != "50051" {
		t.Errorf("expected default port '50051', got %s", cfg.Service.GRPCPort)
	}
	if cfg.Service.HTTPPort != "8080" {
		t.Errorf("expected default HTTP port '8080', got %s", cfg.Service.HTTPPort)
	}

	// STT defaults
	if cfg.STT.Provider != "mock" {
		t.Errorf("expected default STT provider 'mock', got %s", cfg.STT.Provider)
	}
	if cfg.STT.LanguageCode != "en-US" {
		t.Errorf("expected default language 'en-US', got %s", cfg.STT.LanguageCode)
	}
	if cfg.STT.SampleRateHz != 16000 {
		t.Errorf("expected default sample rate 16000, got %d", cfg.STT.SampleRateHz)
	}
	if cfg.STT.InterimResults != true {
		t.Errorf("expected default interim results true, got %v", cfg.STT.InterimResults)
	}
	if cfg.STT.AudioEncoding != "LINEAR16" {
		t.Errorf("expected default encoding 'LINEAR16', got %s", cfg.STT.AudioEncoding)
	}

	// Session defaults
	if cfg.Session.FinalTimeout != 10*time.Second {
		t.Errorf("expected default final timeout 10s, got %v", cfg.Session.FinalTimeout)
	}
	if cfg.Session.KeepAliveInterval != 5*time.Second {
		t.Errorf("expected default keepalive 5s, got %v", cfg.Session.KeepAliveInterval)
	}
	if cfg.Session.ChunkSize != 3200 {
		t.Errorf("expected default chunk size 3200, got %d", cfg.Session.ChunkSize)
	}

	// Queue defaults
	if cfg.Queue.Workers != 2 || cfg.Queue.MaxAttempts != 3 {
		t.Errorf("expected 2 workers and 3 attempts, got %d and %d", cfg.Queue.Workers, cfg.Queue.MaxAttempts)
	}
	if cfg.Queue.BackoffBase != time.Second {
		t.Errorf("expected default backoff base 1s, got %v", cfg.Queue.BackoffBase)
	}
	if cfg.Queue.DedupBackend != "memory" {
		t.Errorf("expected default dedup backend 'memory', got %s", cfg.Queue.DedupBackend)
	}

	// Storage and Kafka defaults
	if cfg.Storage.Backend != "badger" {
		t.Errorf("expected default storage backend 'badger', got %s", cfg.Storage.Backend)
	}
	if cfg.Kafka.Enabled {
		t.Error("expected Kafka disabled by default")
	}

	// Observability defaults
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("expected default log level 'info', got %s", cfg.Observability.LogLevel)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	// Set custom env vars
	os.Setenv("SERVICE_PRINCIPAL", "custom-principal")
	os.Setenv("GRPC_PORT", "9999")
	os.Setenv("LOG_LEVEL", "debug")
	os.Setenv("STT_PROVIDER", "google")
	os.Setenv("STT_LANGUAGE_CODE", "es-ES")
	os.Setenv("STT_SAMPLE_RATE_HZ", "8000")
	os.Setenv("STT_INTERIM_RESULTS", "false")
	os.Setenv("SESSION_FINAL_TIMEOUT", "30s")
	os.Setenv("QUEUE_WORKERS", "4")
	os.Setenv("QUEUE_BACKOFF_BASE", "500ms")
	os.Setenv("KAFKA_ENABLED", "true")
	os.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")

	defer func() {
		// Clean up
		os.Unsetenv("SERVICE_PRINCIPAL")
		os.Unsetenv("GRPC_PORT")
		os.Unsetenv("LOG_LEVEL")
		os.Unsetenv("STT_PROVIDER")
		os.Unsetenv("STT_LANGUAGE_CODE")
		os.Unsetenv("STT_SAMPLE_RATE_HZ")
		os.Unsetenv("STT_INTERIM_RESULTS")
		os.Unsetenv("SESSION_FINAL_TIMEOUT")
		os.Unsetenv("QUEUE_WORKERS")
		os.Unsetenv("QUEUE_BACKOFF_BASE")
		os.Unsetenv("KAFKA_ENABLED")
		os.Unsetenv("KAFKA_BROKERS")
	}()

	cfg := Load()

	if cfg.Service.Principal != "custom-principal" {
		t.Errorf("expected principal 'custom-principal', got %s", cfg.Service.Principal)
	}
	if cfg.Service.GRPCPort != "9999" {
		t.Errorf("expected port '9999', got %s", cfg.Service.GRPCPort)
	}
	if cfg.STT.Provider != "google" {
		t.Errorf("expected STT provider 'google', got %s", cfg.STT.Provider)
	}
	if cfg.STT.LanguageCode != "es-ES" {
		t.Errorf("expected language 'es-ES', got %s", cfg.STT.LanguageCode)
	}
	if cfg.STT.SampleRateHz != 8000 {
		t.Errorf("expected sample rate 8000, got %d", cfg.STT.SampleRateHz)
	}
	if cfg.STT.InterimResults != false {
		t.Errorf("expected interim results false, got %v", cfg.STT.InterimResults)
	}
	if cfg.Session.FinalTimeout != 30*time.Second {
		t.Errorf("expected final timeout 30s, got %v", cfg.Session.FinalTimeout)
	}
	if cfg.Queue.Workers != 4 {
		t.Errorf("expected 4 workers, got %d", cfg.Queue.Workers)
	}
	if cfg.Queue.BackoffBase != 500*time.Millisecond {
		t.Errorf("expected backoff base 500ms, got %v", cfg.Queue.BackoffBase)
	}
	if !cfg.Kafka.Enabled {
		t.Error("expected Kafka enabled")
	}
	if want := []string{"kafka-1:9092", "kafka-2:9092"}; !reflect.DeepEqual(cfg.Kafka.Brokers, want) {
		t.Errorf("expected brokers %v, got %v", want, cfg.Kafka.Brokers)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("expected log level 'debug', got %s", cfg.Observability.LogLevel)
	}
}

func TestLoad_InvalidValues_FallbackToDefaults(t *testing.T) {
	// Set invalid env vars
	os.Setenv("STT_SAMPLE_RATE_HZ", "not-a-number")
	os.Setenv("STT_INTERIM_RESULTS", "invalid")
	os.Setenv("SESSION_FINAL_TIMEOUT", "invalid")
	os.Setenv("QUEUE_MAX_ATTEMPTS", "invalid")
	os.Setenv("QUEUE_DEDUP_TTL", "invalid")

	defer func() {
		os.Unsetenv("STT_SAMPLE_RATE_HZ")
		os.Unsetenv("STT_INTERIM_RESULTS")
		os.Unsetenv("SESSION_FINAL_TIMEOUT")
		os.Unsetenv("QUEUE_MAX_ATTEMPTS")
		os.Unsetenv("QUEUE_DEDUP_TTL")
	}()

	cfg := Load()

	// Should fall back to defaults on parse errors
	if cfg.STT.SampleRateHz != 16000 {
		t.Errorf("expected default sample rate on invalid input, got %d", cfg.STT.SampleRateHz)
	}
	if cfg.STT.InterimResults != true {
		t.Errorf("expected default interim results on invalid input, got %v", cfg.STT.InterimResults)
	}
	if cfg.Session.FinalTimeout != 10*time.Second {
		t.Errorf("expected default final timeout on invalid input, got %v", cfg.Session.FinalTimeout)
	}
	if cfg.Queue.MaxAttempts != 3 {
		t.Errorf("expected default max attempts on invalid input, got %d", cfg.Queue.MaxAttempts)
	}
	if cfg.Queue.DedupTTL != time.Hour {
		t.Errorf("expected default dedup ttl on invalid input, got %v", cfg.Queue.DedupTTL)
	}
}

func TestLoad_KafkaPrincipal_FallsBackToServicePrincipal(t *testing.T) {
	os.Setenv("SERVICE_PRINCIPAL", "my-service")
	os.Unsetenv("KAFKA_PRINCIPAL")

	defer os.Unsetenv("SERVICE_PRINCIPAL")

	cfg := Load()

	if cfg.Kafka.Principal != "my-service" {
		t.Errorf("expected Kafka principal to fall back to service principal, got %s", cfg.Kafka.Principal)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"deepgram without key", func(c *Config) { c.STT.Provider = "deepgram" }, true},
		{"deepgram with key", func(c *Config) { c.STT.Provider = "deepgram"; c.STT.DeepgramAPIKey = "k" }, false},
		{"unknown provider", func(c *Config) { c.STT.Provider = "whisper" }, true},
		{"redis without url", func(c *Config) { c.Queue.DedupBackend = "redis" }, true},
		{"redis with url", func(c *Config) { c.Queue.DedupBackend = "redis"; c.Queue.RedisURL = "redis://localhost:6379" }, false},
		{"kafka without brokers", func(c *Config) { c.Kafka.Enabled = true; c.Kafka.Brokers = nil }, true},
		{"unknown storage", func(c *Config) { c.Storage.Backend = "postgres" }, true},
		{"zero chunk", func(c *Config) { c.Session.ChunkSize = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			cfg.STT.Provider = "mock"
			cfg.Queue.DedupBackend = "memory"
			cfg.Storage.Backend = "memory"
			cfg.Kafka.Enabled = false
			cfg.Session.ChunkSize = 3200
			tt.mutate(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("TEST_DOTENV_VALUE=from-file\nTEST_DOTENV_SET=from-file\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	os.Setenv("TEST_DOTENV_SET", "from-env")
	defer os.Unsetenv("TEST_DOTENV_SET")
	defer os.Unsetenv("TEST_DOTENV_VALUE")

	if err := LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := os.Getenv("TEST_DOTENV_VALUE"); got != "from-file" {
		t.Errorf("expected value from file, got %q", got)
	}
	if got := os.Getenv("TEST_DOTENV_SET"); got != "from-env" {
		t.Errorf("expected existing env to win, got %q", got)
	}
}

func TestEnvOrDefaultBool(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		def      bool
		expected bool
	}{
		{"true string", "true", false, true},
		{"false string", "false", true, false},
		{"1", "1", false, true},
		{"0", "0", true, false},
		{"TRUE uppercase", "TRUE", false, true},
		{"invalid", "invalid", true, true},
		{"empty", "", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := "TEST_BOOL_VAR"
			if tt.envValue != "" {
				os.Setenv(key, tt.envValue)
			} else {
				os.Unsetenv(key)
			}
			defer os.Unsetenv(key)

			got := envOrDefaultBool(key, tt.def)
			if got != tt.expected {
				t.Errorf("envOrDefaultBool(%s, %v) = %v, want %v", tt.envValue, tt.def, got, tt.expected)
			}
		})
	}
}

func TestEnvOrDefaultList(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		expected []string
	}{
		{"single", "a:9092", []string{"a:9092"}},
		{"trims spaces", " a:9092 , b:9092 ", []string{"a:9092", "b:9092"}},
		{"skips empties", "a:9092,,", []string{"a:9092"}},
		{"only commas", ",,", []string{"default"}},
		{"empty", "", []string{"default"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := "TEST_LIST_VAR"
			if tt.envValue != "" {
				os.Setenv(key, tt.envValue)
			} else {
				os.Unsetenv(key)
			}
			defer os.Unsetenv(key)

			got := envOrDefaultList(key, []string{"default"})
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("envOrDefaultList(%q) = %v, want %v", tt.envValue, got, tt.expected)
			}
		})
	}
}
