package ports

import "context"

// LogMessage is one record of a partitioned log.
type LogMessage struct {
	Key       string
	Value     []byte
	Partition int
	Offset    int64
}

type PartitionReader interface {
	// Read blocks until the next record is available or ctx ends.
	Read(ctx context.Context) (LogMessage, error)
	Close() error
}

type LogReader interface {
	Partitions(ctx context.Context) ([]int, error)
	Open(ctx context.Context, partition int, offset int64) (PartitionReader, error)
}

// LogAppender appends a record keyed by resource id and returns once the
// log acknowledged it.
type LogAppender interface {
	Append(ctx context.Context, key string, value []byte) error
}

type Log interface {
	LogReader
	LogAppender
	Close() error
}

type MessageHandler interface {
	HandleMessage(ctx context.Context, msg LogMessage) error
}
