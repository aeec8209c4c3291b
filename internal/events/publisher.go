// Package events publishes session fragments, risk flags and critical
// alerts to Kafka.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"clinical-risk-service/internal/models"
	"clinical-risk-service/internal/observability/metrics"
)

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher publishes session events to separate Kafka topics. Messages
// are keyed by session id so one session's events stay ordered.
type Publisher struct {
	writerFragments messageWriter
	writerFlags     messageWriter
	writerAlerts    messageWriter
	principal       string
	topicFragments  string
	topicFlags      string
	topicAlerts     string
	enabled         bool
	metrics         *metrics.Metrics
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers        []string
	TopicFragments string
	TopicFlags     string
	TopicAlerts    string
	Principal      string
	Enabled        bool
}

// New creates a Kafka event publisher. A nil or disabled config yields a
// log-only publisher.
func New(cfg *Config) *Publisher {
	m := metrics.DefaultMetrics

	if cfg == nil {
		log.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return &Publisher{
			enabled: false,
			metrics: m,
		}
	}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		return &Publisher{
			principal:      cfg.Principal,
			topicFragments: cfg.TopicFragments,
			topicFlags:     cfg.TopicFlags,
			topicAlerts:    cfg.TopicAlerts,
			enabled:        false,
			metrics:        m,
		}
	}

	// Longer dial timeout for DNS resolution in Kubernetes.
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafka.RequireOne,
			Transport:    transport,
		}
	}

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicFragments", cfg.TopicFragments).
		Str("topicFlags", cfg.TopicFlags).
		Str("topicAlerts", cfg.TopicAlerts).
		Str("principal", cfg.Principal).
		Msg("Kafka publisher initialized")

	return &Publisher{
		writerFragments: newWriter(cfg.TopicFragments),
		writerFlags:     newWriter(cfg.TopicFlags),
		// Alerts must not sit in a batch.
		writerAlerts: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.TopicAlerts,
			Balancer:     &kafka.Hash{},
			BatchSize:    1,
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafka.RequireAll,
			Transport:    transport,
		},
		principal:      cfg.Principal,
		topicFragments: cfg.TopicFragments,
		topicFlags:     cfg.TopicFlags,
		topicAlerts:    cfg.TopicAlerts,
		enabled:        true,
		metrics:        m,
	}
}

// PublishFragment publishes a final transcript fragment.
func (p *Publisher) PublishFragment(ctx context.Context, sessionID, teamID string, f models.TranscriptFragment) error {
	event := models.FragmentEvent{
		EventType: models.EventTypeFragmentFinal,
		SessionID: sessionID,
		TeamID:    teamID,
		Timestamp: time.Now().UnixMilli(),
		Fragment:  f,
	}
	return p.publish(ctx, p.writerFragments, p.topicFragments, event.EventType, sessionID, event)
}

// PublishFlag publishes a risk flag. Critical flags are also published to
// the alert topic.
func (p *Publisher) PublishFlag(ctx context.Context, sessionID, teamID, pass string, flag models.RiskFlag) error {
	event := models.FlagEvent{
		EventType: models.EventTypeFlagDetected,
		SessionID: sessionID,
		TeamID:    teamID,
		Pass:      pass,
		Timestamp: time.Now().UnixMilli(),
		Flag:      flag,
	}
	err := p.publish(ctx, p.writerFlags, p.topicFlags, event.EventType, sessionID, event)
	if flag.Severity != models.SeverityCritical {
		return err
	}

	event.EventType = models.EventTypeFlagCritical
	alertErr := p.publish(ctx, p.writerAlerts, p.topicAlerts, event.EventType, sessionID, event)
	return errors.Join(err, alertErr)
}

func (p *Publisher) publish(ctx context.Context, writer messageWriter, topic, eventType, key string, event any) error {
	start := time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return err
	}

	log.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing event")

	if !p.enabled || writer == nil {
		p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		log.Error().
			Err(err).
			Str("topic", topic).
			Str("key", key).
			Msg("Failed to write to Kafka")
		p.metrics.RecordKafkaPublish(topic, eventType, err, time.Since(start).Seconds())
		return err
	}

	p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
	return nil
}

// Close closes the Kafka writers.
func (p *Publisher) Close() error {
	var errs []error
	for name, w := range map[string]messageWriter{
		"fragments": p.writerFragments,
		"flags":     p.writerFlags,
		"alerts":    p.writerAlerts,
	} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil {
			log.Error().Err(err).Str("writer", name).Msg("Error closing Kafka writer")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
