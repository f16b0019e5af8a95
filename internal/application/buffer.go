package application

import (
	"sort"

	"github.com/viralforge/mesh/cqrs-pipeline/internal/contracts"
)

type bufferedEvent struct {
	event  contracts.Event
	offset int64
}

// partitionBuffer holds out-of-order events of one partition, per resource,
// sorted by version. It is owned by that partition's consumption loop.
type partitionBuffer struct {
	byResource map[string][]bufferedEvent
}

func newPartitionBuffer() *partitionBuffer {
	return &partitionBuffer{byResource: map[string][]bufferedEvent{}}
}

// add keeps one event per version; a redelivered version is ignored.
func (b *partitionBuffer) add(key string, be bufferedEvent) {
	held := b.byResource[key]
	i := sort.Search(len(held), func(i int) bool { return held[i].event.Version >= be.event.Version })
	if i < len(held) && held[i].event.Version == be.event.Version {
		return
	}
	held = append(held, bufferedEvent{})
	copy(held[i+1:], held[i:])
	held[i] = be
	b.byResource[key] = held
}

func (b *partitionBuffer) count(key string) int {
	return len(b.byResource[key])
}

func (b *partitionBuffer) held(key string) []bufferedEvent {
	return append([]bufferedEvent(nil), b.byResource[key]...)
}

func (b *partitionBuffer) next(key string, version int64) (bufferedEvent, bool) {
	for _, be := range b.byResource[key] {
		if be.event.Version == version {
			return be, true
		}
	}
	return bufferedEvent{}, false
}

// dropThrough removes every held event of key with a version up to and
// including version.
func (b *partitionBuffer) dropThrough(key string, version int64) {
	held := b.byResource[key]
	kept := held[:0]
	for _, be := range held {
		if be.event.Version > version {
			kept = append(kept, be)
		}
	}
	if len(kept) == 0 {
		delete(b.byResource, key)
		return
	}
	b.byResource[key] = kept
}

func (b *partitionBuffer) drop(key string) {
	delete(b.byResource, key)
}

// lowestOffset is the smallest offset still held, ignoring events of key up
// to and including version. Pass an empty key to consider everything.
func (b *partitionBuffer) lowestOffset(key string, version int64) (int64, bool) {
	var (
		lowest int64
		found  bool
	)
	for k, held := range b.byResource {
		for _, be := range held {
			if k == key && be.event.Version <= version {
				continue
			}
			if !found || be.offset < lowest {
				lowest = be.offset
				found = true
			}
		}
	}
	return lowest, found
}

// heldBefore lists, in key order, the resources holding an event read before
// offset.
func (b *partitionBuffer) heldBefore(offset int64) []string {
	var keys []string
	for k, held := range b.byResource {
		for _, be := range held {
			if be.offset < offset {
				keys = append(keys, k)
				break
			}
		}
	}
	sort.Strings(keys)
	return keys
}
