// Package events mirrors transcript changes to Kafka for downstream
// persistence.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/voxops/call-reconciler/internal/observability"
	"github.com/voxops/call-reconciler/internal/transcript"
)

// SegmentEvent is the mirrored representation of one transcript change.
type SegmentEvent struct {
	EventType string `json:"eventType"` // "transcript.partial" or "transcript.final"
	CallID    string `json:"callId"`
	SegmentID string `json:"segmentId"`
	Speaker   string `json:"speaker"`
	Role      string `json:"role"`
	Text      string `json:"text"`
	Final     bool   `json:"final"`
	Timestamp int64  `json:"timestamp"` // firstReceivedTimeMs from the transport
}

// Config holds Kafka mirror configuration.
type Config struct {
	Brokers      []string
	TopicPartial string
	TopicFinal   string
}

// Mirror publishes transcript changes to separate partial and final topics.
// Mirroring is best-effort: publish failures are logged and counted, never
// propagated, because the call record is reconciled from the finalize path.
type Mirror struct {
	writerPartial *kafka.Writer
	writerFinal   *kafka.Writer
	enabled       bool
	logger        zerolog.Logger

	// publishFn is swapped out in tests.
	publishFn func(callID string, item transcript.Item)
}

// New creates a Mirror. With no brokers configured it runs in log-only mode.
func New(cfg *Config) *Mirror {
	logger := observability.GetLogger().With().Str("component", "mirror").Logger()

	if cfg == nil || len(cfg.Brokers) == 0 {
		logger.Info().Msg("Kafka mirror disabled, using log-only mode")
		m := &Mirror{enabled: false, logger: logger}
		m.publishFn = m.publish
		return m
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{Dial: dialer.DialFunc}

	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafka.RequireOne,
			Transport:    transport,
		}
	}

	logger.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic_partial", cfg.TopicPartial).
		Str("topic_final", cfg.TopicFinal).
		Msg("Kafka mirror initialized")

	m := &Mirror{
		writerPartial: newWriter(cfg.TopicPartial),
		writerFinal:   newWriter(cfg.TopicFinal),
		enabled:       true,
		logger:        logger,
	}
	m.publishFn = m.publish
	return m
}

// SubscriberFor returns a transcript subscriber that mirrors changed
// segments for one call. The reconciler invokes subscribers sequentially
// per session, so the change-tracking state needs no locking.
func (m *Mirror) SubscriberFor(callID string) transcript.Subscriber {
	published := make(map[string]string) // segmentID -> last mirrored fingerprint

	return func(snapshot []transcript.Item) {
		for _, item := range snapshot {
			fp := fmt.Sprintf("%t|%s", item.Final, item.Text)
			if published[item.SegmentID] == fp {
				continue
			}
			published[item.SegmentID] = fp
			m.publishFn(callID, item)
		}
	}
}

func (m *Mirror) publish(callID string, item transcript.Item) {
	eventType := "transcript.partial"
	writer := m.writerPartial
	if item.Final {
		eventType = "transcript.final"
		writer = m.writerFinal
	}

	event := SegmentEvent{
		EventType: eventType,
		CallID:    callID,
		SegmentID: item.SegmentID,
		Speaker:   item.Speaker,
		Role:      string(item.Role),
		Text:      item.Text,
		Final:     item.Final,
		Timestamp: item.FirstReceivedTimeMs,
	}

	if !m.enabled {
		m.logger.Debug().
			Str("call_id", callID).
			Str("segment_id", item.SegmentID).
			Str("event_type", eventType).
			Msg("Mirror disabled, skipping publish")
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		m.logger.Error().Err(err).Str("segment_id", item.SegmentID).Msg("Failed to encode mirror event")
		observability.RecordError("mirror_encode_error", "events")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err = writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(callID),
		Value: payload,
	})
	if err != nil {
		m.logger.Warn().Err(err).
			Str("call_id", callID).
			Str("segment_id", item.SegmentID).
			Msg("Failed to mirror transcript event")
		observability.RecordError("mirror_publish_error", "events")
	}
}

// Close flushes and closes the Kafka writers.
func (m *Mirror) Close() error {
	if !m.enabled {
		return nil
	}
	var firstErr error
	if err := m.writerPartial.Close(); err != nil {
		firstErr = err
	}
	if err := m.writerFinal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
