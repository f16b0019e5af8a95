package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/segmentio/kafka-go"
	"github.com/viralforge/mesh/cqrs-pipeline/internal/ports"
)

var ErrLogClosed = errors.New("log closed")

// MemoryLog is an in-process partitioned log. Keys are routed with the same
// hash balancer the Kafka writer uses, so a resource always maps to the same
// partition number in both.
type MemoryLog struct {
	mu         sync.Mutex
	partitions [][]ports.LogMessage
	notify     chan struct{}
	balancer   kafka.Balancer
	closed     bool
}

func NewMemoryLog(partitions int) *MemoryLog {
	if partitions <= 0 {
		partitions = 1
	}
	return &MemoryLog{
		partitions: make([][]ports.LogMessage, partitions),
		notify:     make(chan struct{}),
		balancer:   &kafka.Hash{},
	}
}

func (l *MemoryLog) Partitions(context.Context) ([]int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]int, len(l.partitions))
	for i := range ids {
		ids[i] = i
	}
	return ids, nil
}

// PartitionFor returns the partition a key is routed to.
func (l *MemoryLog) PartitionFor(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.partitionFor(key)
}

func (l *MemoryLog) partitionFor(key string) int {
	ids := make([]int, len(l.partitions))
	for i := range ids {
		ids[i] = i
	}
	return l.balancer.Balance(kafka.Message{Key: []byte(key)}, ids...)
}

func (l *MemoryLog) Append(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(l.partitionFor(key), key, value)
}

func (l *MemoryLog) appendLocked(partition int, key string, value []byte) error {
	if l.closed {
		return ErrLogClosed
	}
	offset := int64(len(l.partitions[partition]))
	l.partitions[partition] = append(l.partitions[partition], ports.LogMessage{
		Key:       key,
		Value:     append([]byte(nil), value...),
		Partition: partition,
		Offset:    offset,
	})
	close(l.notify)
	l.notify = make(chan struct{})
	return nil
}

func (l *MemoryLog) Open(_ context.Context, partition int, offset int64) (ports.PartitionReader, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if partition < 0 || partition >= len(l.partitions) {
		return nil, fmt.Errorf("partition %d out of range", partition)
	}
	if offset < 0 {
		offset = 0
	}
	return &memoryPartitionReader{log: l, partition: partition, next: offset}, nil
}

func (l *MemoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.notify)
		l.notify = make(chan struct{})
	}
	return nil
}

type memoryPartitionReader struct {
	log       *MemoryLog
	partition int
	next      int64
}

func (r *memoryPartitionReader) Read(ctx context.Context) (ports.LogMessage, error) {
	for {
		r.log.mu.Lock()
		records := r.log.partitions[r.partition]
		if r.next < int64(len(records)) {
			msg := records[r.next]
			r.log.mu.Unlock()
			r.next++
			msg.Value = append([]byte(nil), msg.Value...)
			return msg, nil
		}
		if r.log.closed {
			r.log.mu.Unlock()
			return ports.LogMessage{}, ErrLogClosed
		}
		wait := r.log.notify
		r.log.mu.Unlock()

		select {
		case <-ctx.Done():
			return ports.LogMessage{}, ctx.Err()
		case <-wait:
		}
	}
}

func (r *memoryPartitionReader) Close() error {
	return nil
}

var _ ports.Log = (*MemoryLog)(nil)
