package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	pkglog "github.com/verso-app/livecast/pkg/log"
)

// RoomEvent is published whenever a room changes lifecycle state, so
// downstream services (discovery, presence, analytics) can react.
type RoomEvent struct {
	Type      string `json:"type"`
	RoomID    string `json:"room_id"`
	HostID    string `json:"host_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Room event types.
const (
	EventRoomCreated = "room_created"
	EventRoomEnded   = "room_ended"
)

// Teardown reasons.
const (
	ReasonHostLeft   = "host_left"
	ReasonRoomEmpty  = "room_empty"
	ReasonExplicit   = "explicit"
	ReasonDisconnect = "disconnect"
)

// RoomEventProducer publishes room lifecycle events.
type RoomEventProducer interface {
	ProduceRoomCreated(ctx context.Context, roomID, hostID string) error
	ProduceRoomEnded(ctx context.Context, roomID, hostID, reason string) error
	Close() error
}

// ConfluentProducer implements RoomEventProducer using confluent-kafka-go.
type ConfluentProducer struct {
	producer *kafka.Producer
	topic    string
	doneCh   chan struct{}
}

// NewConfluentProducer creates a Kafka producer for room lifecycle events.
func NewConfluentProducer(brokers, topic string, partitions int) (*ConfluentProducer, error) {
	if err := ensureTopic(brokers, topic, partitions); err != nil {
		pkglog.L().Warn().Err(err).Str("topic", topic).Msg("failed to ensure topic, may already exist")
	}

	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
		"acks":              "1",
		"linger.ms":         5,
		"compression.type":  "snappy",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	cp := &ConfluentProducer{
		producer: p,
		topic:    topic,
		doneCh:   make(chan struct{}),
	}

	go cp.deliveryReportHandler()

	return cp, nil
}

func ensureTopic(brokers, topic string, partitions int) error {
	admin, err := kafka.NewAdminClient(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
	})
	if err != nil {
		return fmt.Errorf("failed to create admin client: %w", err)
	}
	defer admin.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results, err := admin.CreateTopics(ctx, []kafka.TopicSpecification{
		{
			Topic:             topic,
			NumPartitions:     partitions,
			ReplicationFactor: 1,
		},
	})
	if err != nil {
		return err
	}

	for _, result := range results {
		if result.Error.Code() != kafka.ErrNoError && result.Error.Code() != kafka.ErrTopicAlreadyExists {
			return fmt.Errorf("failed to create topic %s: %v", result.Topic, result.Error)
		}
	}

	return nil
}

func (cp *ConfluentProducer) deliveryReportHandler() {
	l := pkglog.L()
	for e := range cp.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				l.Error().Err(ev.TopicPartition.Error).Msg("kafka delivery failed")
			}
		}
	}
	close(cp.doneCh)
}

func (cp *ConfluentProducer) produceEvent(event *RoomEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal room event: %w", err)
	}

	// Room id as key keeps one room's events on one partition.
	err = cp.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &cp.topic,
			Partition: kafka.PartitionAny,
		},
		Key:   []byte(event.RoomID),
		Value: value,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}

	return nil
}

// ProduceRoomCreated sends a room_created event.
func (cp *ConfluentProducer) ProduceRoomCreated(_ context.Context, roomID, hostID string) error {
	return cp.produceEvent(&RoomEvent{
		Type:      EventRoomCreated,
		RoomID:    roomID,
		HostID:    hostID,
		Timestamp: time.Now().Unix(),
	})
}

// ProduceRoomEnded sends a room_ended event.
func (cp *ConfluentProducer) ProduceRoomEnded(_ context.Context, roomID, hostID, reason string) error {
	return cp.produceEvent(&RoomEvent{
		Type:      EventRoomEnded,
		RoomID:    roomID,
		HostID:    hostID,
		Reason:    reason,
		Timestamp: time.Now().Unix(),
	})
}

// Close flushes pending messages and closes the producer.
func (cp *ConfluentProducer) Close() error {
	cp.producer.Flush(5000)
	cp.producer.Close()
	<-cp.doneCh
	return nil
}
