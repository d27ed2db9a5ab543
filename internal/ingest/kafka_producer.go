// Package ingest publishes the engine's event streams: driver location
// samples (consumed by cmd/consumer to keep the shared geo index fresh)
// and ride lifecycle transitions (the analytics audit trail).
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

type KafkaProducer struct {
	locations *kafka.Writer
	events    *kafka.Writer
}

func NewKafkaProducer(brokers []string, locationTopic, eventTopic string) *KafkaProducer {
	return &KafkaProducer{
		locations: &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: locationTopic, Balancer: &kafka.LeastBytes{}},
		events:    &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: eventTopic, Balancer: &kafka.LeastBytes{}},
	}
}

// LocationMessage is the driver-location stream payload.
type LocationMessage struct {
	DriverID  string       `json:"driver_id"`
	Coord     models.Coord `json:"coord"`
	Timestamp time.Time    `json:"timestamp"`
}

func (k *KafkaProducer) PublishLocation(driverID string, coord models.Coord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, _ := json.Marshal(LocationMessage{DriverID: driverID, Coord: coord, Timestamp: time.Now()})
	return k.locations.WriteMessages(ctx, kafka.Message{Key: []byte(driverID), Value: b})
}

// RideEvent is one lifecycle transition on the audit stream. Earnings and
// counters accumulate downstream from these events; the engine itself
// never blocks on them.
type RideEvent struct {
	RideID      string            `json:"ride_id"`
	PassengerID string            `json:"passenger_id"`
	DriverID    string            `json:"driver_id,omitempty"`
	From        models.RideStatus `json:"from"`
	To          models.RideStatus `json:"to"`
	Fare        float64           `json:"fare,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

func (k *KafkaProducer) PublishRideEvent(ev RideEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b, _ := json.Marshal(ev)
	return k.events.WriteMessages(ctx, kafka.Message{Key: []byte(ev.RideID), Value: b})
}

func (k *KafkaProducer) Close() error {
	var first error
	for _, w := range []*kafka.Writer{k.locations, k.events} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
