package events

import (
	"github.com/viralforge/mesh/cqrs-pipeline/internal/ports"
)

// appendTo writes to an explicit partition, bypassing key routing.
func appendTo(log *MemoryLog, partition int, key string, value []byte) error {
	log.mu.Lock()
	defer log.mu.Unlock()
	return log.appendLocked(partition, key, value)
}

func partitionRecords(log *MemoryLog, partition int) []ports.LogMessage {
	log.mu.Lock()
	defer log.mu.Unlock()
	return append([]ports.LogMessage(nil), log.partitions[partition]...)
}
