// Package publisher emits forecast events after a cycle commits.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/sjdonado/real-time-temp-forecast-baq/internal/models"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/logging"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/metrics"
)

// Publisher delivers forecast events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, event models.ForecastEvent) error
	Close() error
}

// MessageWriter is the subset of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events as JSON keyed by station.
type KafkaPublisher struct {
	writer  MessageWriter
	topic   string
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewKafkaWriter returns a synchronous writer for topic.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		RequiredAcks: kafka.RequireOne,
		Balancer:     &kafka.Hash{},
		WriteTimeout: 10 * time.Second,
		Async:        false,
	}
}

// NewKafkaPublisher wraps writer.
func NewKafkaPublisher(writer MessageWriter, topic string, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *KafkaPublisher {
	return &KafkaPublisher{
		writer:  writer,
		topic:   topic,
		logger:  logger,
		metrics: metricsCollector,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event models.ForecastEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal forecast event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.Station),
		Value: payload,
		Time:  event.GeneratedAt,
		Headers: []kafka.Header{
			{Key: "report_id", Value: []byte(strconv.FormatInt(event.ReportID, 10))},
		},
	}
	if id := logging.CycleID(ctx); id != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: "cycle_id", Value: []byte(id)})
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.record("error")
		return fmt.Errorf("failed to publish forecast event to %s: %w", p.topic, err)
	}
	p.record("ok")

	p.logger.Debug(ctx, "[PUBLISH_OK] Forecast event published", logging.Fields{
		"topic":     p.topic,
		"report_id": event.ReportID,
		"stage":     "PUBLISH",
	})
	return nil
}

func (p *KafkaPublisher) record(status string) {
	if p.metrics != nil {
		p.metrics.EventsPublishedTotal.WithLabelValues(status).Inc()
	}
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Nop discards events. It is used when no brokers are configured.
type Nop struct{}

func (Nop) Publish(context.Context, models.ForecastEvent) error { return nil }

func (Nop) Close() error { return nil }
