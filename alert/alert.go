package alert

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/segmentio/kafka-go"

	"github.com/floodwatch-tech/floodwatch/core/logger"
	"github.com/floodwatch-tech/floodwatch/gateway"
)

// Record is the alert message published to the broadcast bus.
type Record struct {
	DeviceID   string  `json:"device_id"`
	WaterLevel float64 `json:"water_level"`
	Threshold  float64 `json:"threshold"`
	Status     string  `json:"status"`
	Timestamp  string  `json:"timestamp"`
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Publisher emits high-water-level alerts to a kafka topic. It implements
// the gateway's TelemetrySink interface; readings below the danger level
// are ignored.
type Publisher struct {
	writer      kafkaWriter
	dangerLevel float64
}

// Builder is a builder helper for the Publisher
type Builder struct {
	// Brokers is the list of kafka bootstrap addresses. This is mandatory.
	Brokers []string
	// Topic is the alert topic. This is mandatory.
	Topic string
	// DangerLevel is the water level threshold above which alerts are
	// published.
	DangerLevel float64
}

// New returns a new alert publisher.
func New(b *Builder) *Publisher {
	if len(b.Brokers) == 0 {
		panic("kafka brokers are missing")
	}
	if len(b.Topic) == 0 {
		panic("alert topic is missing")
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(b.Brokers...),
			Topic:                  b.Topic,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		},
		dangerLevel: b.DangerLevel,
	}
}

// WriteWaterLevel implements gateway.TelemetrySink
func (p *Publisher) WriteWaterLevel(ctx context.Context, reading gateway.WaterLevelReading) error {
	if reading.WaterLevel < p.dangerLevel {
		return nil
	}
	record := Record{
		DeviceID:   reading.DeviceID,
		WaterLevel: reading.WaterLevel,
		Threshold:  p.dangerLevel,
		Status:     "HIGH_WATER_LEVEL",
		Timestamp:  reading.Timestamp,
	}
	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("cannot marshal alert: %w", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(reading.DeviceID),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("cannot publish alert: %w", err)
	}
	logger.FromContext(ctx).WithField("deviceID", reading.DeviceID).Warning("high water level alert published")
	return nil
}

// WriteStatus implements gateway.TelemetrySink. Status reports do not
// trigger alerts.
func (p *Publisher) WriteStatus(ctx context.Context, report gateway.StatusReport) error {
	return nil
}

// Close closes the underlying kafka writer.
func (p *Publisher) Close() error {
	if w, ok := p.writer.(*kafka.Writer); ok {
		return w.Close()
	}
	return nil
}
