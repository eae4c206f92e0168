package bus

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/endpointdefense/huntcore/internal/event"
)

// Partitioner maps an event to one of numPartitions lanes. Events sharing
// an entity key must hash to the same partition so per-entity ordering is
// preserved; strategies that don't key on entity (EventType) do not carry
// that guarantee and are only useful when ordering across entities doesn't
// matter for the loaded rule set.
type Partitioner interface {
	Partition(ev *event.Event, numPartitions int) int
}

func entityHash(k [16]byte) uint64 {
	return xxhash.Sum64(k[:])
}

// EntityKeyPartitioner is the default strategy: `hash(entity_key) mod
// partitions`, using an avalanche hash (xxhash) rather than the low bits of
// the key directly, so adversarial entity keys cannot concentrate on one
// partition.
type EntityKeyPartitioner struct{}

func (EntityKeyPartitioner) Partition(ev *event.Event, numPartitions int) int {
	if numPartitions <= 0 {
		return 0
	}
	return int(entityHash(ev.EntityKey) % uint64(numPartitions))
}

// EventTypePartitioner routes purely by event-type id; entities are not
// kept on a single partition under this strategy.
type EventTypePartitioner struct{}

func (EventTypePartitioner) Partition(ev *event.Event, numPartitions int) int {
	if numPartitions <= 0 {
		return 0
	}
	return int(ev.EventTypeID) % numPartitions
}

// CombinedPartitioner hashes entity key and event type together, useful
// when callers want event-type-aware load spreading while still keeping
// single-event-type sequences entity-ordered.
type CombinedPartitioner struct{}

func (CombinedPartitioner) Partition(ev *event.Event, numPartitions int) int {
	if numPartitions <= 0 {
		return 0
	}
	var buf [18]byte
	copy(buf[:16], ev.EntityKey[:])
	binary.BigEndian.PutUint16(buf[16:], uint16(ev.EventTypeID))
	return int(xxhash.Sum64(buf[:]) % uint64(numPartitions))
}

// ConsistentHashPartitioner hashes the entity key alone with the same
// xxhash avalanche primitive the state store uses for shard selection. The
// store hashes (SequenceID, EntityKey) together, so bus partitions and
// state shards do not line up one-to-one even with equal counts.
type ConsistentHashPartitioner struct{}

func (ConsistentHashPartitioner) Partition(ev *event.Event, numPartitions int) int {
	if numPartitions <= 0 {
		return 0
	}
	return int(entityHash(ev.EntityKey) % uint64(numPartitions))
}
