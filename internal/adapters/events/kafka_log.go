package events

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/viralforge/mesh/cqrs-pipeline/internal/ports"
)

// KafkaLog reads and appends one topic. Readers are partition-bound and
// positioned at an explicit offset; progress is tracked by the caller's
// checkpoints, not by a consumer group.
type KafkaLog struct {
	brokers []string
	topic   string
	writer  *kafka.Writer
	maxWait time.Duration
}

func NewKafkaLog(brokers []string, topic string, maxWait time.Duration) (*KafkaLog, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka log requires at least one broker")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, fmt.Errorf("kafka log requires a topic")
	}
	if maxWait <= 0 {
		maxWait = 500 * time.Millisecond
	}
	return &KafkaLog{
		brokers: brokers,
		topic:   topic,
		maxWait: maxWait,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
	}, nil
}

func (l *KafkaLog) Append(ctx context.Context, key string, value []byte) error {
	return l.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  time.Now().UTC(),
	})
}

func (l *KafkaLog) Partitions(ctx context.Context) ([]int, error) {
	var lastErr error
	for _, broker := range l.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		partitions, err := conn.ReadPartitions(l.topic)
		_ = conn.Close()
		if err != nil {
			lastErr = err
			continue
		}
		ids := make([]int, 0, len(partitions))
		for _, p := range partitions {
			ids = append(ids, p.ID)
		}
		sort.Ints(ids)
		return ids, nil
	}
	return nil, fmt.Errorf("read partitions of %s: %w", l.topic, lastErr)
}

func (l *KafkaLog) Open(_ context.Context, partition int, offset int64) (ports.PartitionReader, error) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   l.brokers,
		Topic:     l.topic,
		Partition: partition,
		MinBytes:  1,
		MaxBytes:  10e6,
		MaxWait:   l.maxWait,
	})
	if err := reader.SetOffset(offset); err != nil {
		_ = reader.Close()
		return nil, fmt.Errorf("seek %s/%d to %d: %w", l.topic, partition, offset, err)
	}
	return &kafkaPartitionReader{reader: reader}, nil
}

func (l *KafkaLog) Close() error {
	return l.writer.Close()
}

type kafkaPartitionReader struct {
	reader *kafka.Reader
}

func (r *kafkaPartitionReader) Read(ctx context.Context) (ports.LogMessage, error) {
	msg, err := r.reader.ReadMessage(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return ports.LogMessage{}, ctxErr
		}
		return ports.LogMessage{}, err
	}
	return ports.LogMessage{
		Key:       string(msg.Key),
		Value:     msg.Value,
		Partition: msg.Partition,
		Offset:    msg.Offset,
	}, nil
}

func (r *kafkaPartitionReader) Close() error {
	return r.reader.Close()
}

var _ ports.Log = (*KafkaLog)(nil)
