// Package state implements the sharded, quota-bounded backing store for
// partial matches. Grounded on the teacher's infrastructure/cache.Cache
// (ticker-driven cleanup goroutine, versioned invalidation) generalized
// from a single map to xxhash-sharded maps, each shard additionally
// tracked by a golang-lru/v2 cache for the LRU eviction policy.
package state

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/endpointdefense/huntcore/internal/errors"
	"github.com/endpointdefense/huntcore/internal/metrics"
)

// EvictionReason records why a partial match left the store.
type EvictionReason string

const (
	ReasonExpired    EvictionReason = "expired"
	ReasonTerminated EvictionReason = "terminated"
	ReasonLRU        EvictionReason = "lru"
	ReasonQuota      EvictionReason = "quota"
)

// Key identifies a partial match: (sequence_id, entity_key, state_id) per
// spec.md §4.7 — state_id disambiguates multiple live matches only if a
// future model allows them; the single-live-match model used here (see
// DESIGN.md) means state_id is always the step index of the sole live
// match for (sequence_id, entity_key).
type Key struct {
	SequenceID string
	EntityKey  [16]byte
}

// PartialMatch mirrors spec.md §3's PartialMatch value.
type PartialMatch struct {
	SequenceID     string
	EntityKey      [16]byte
	CurrentState   int
	CreatedNs      uint64
	LastMatchedNs  uint64
	MatchedEvents  []MatchedEventRef
	CapturedValues map[uint32]interface{}
	Terminated     bool
}

// MatchedEventRef is a compact reference to one matched event, avoiding a
// full Event copy inside the store. Fields carries the projected subset of
// the matched event's field values that the step's rule declared as
// captures, so the eventual Alert's evidence is more than bare ids.
type MatchedEventRef struct {
	EventID     uint64
	EventTypeID uint16
	TsMonoNs    uint64
	TsWallNs    uint64
	Fields      map[uint32]interface{}
}

// Config configures the store. Zero values are backfilled in New.
type Config struct {
	Shards          int
	TTLNs           uint64
	MaxTotal        int
	MaxPerSequence  int
	MaxPerEntity    int
	LRUHighWatermark int
}

func DefaultConfig() Config {
	return Config{
		Shards:           16,
		TTLNs:            uint64(5 * time.Minute),
		MaxTotal:         1_000_000,
		MaxPerSequence:   100_000,
		MaxPerEntity:     1_000,
		LRUHighWatermark: 900_000,
	}
}

func (c *Config) backfill() {
	if c.Shards <= 0 {
		c.Shards = 16
	}
	if c.TTLNs == 0 {
		c.TTLNs = uint64(5 * time.Minute)
	}
	if c.MaxTotal <= 0 {
		c.MaxTotal = 1_000_000
	}
	if c.MaxPerSequence <= 0 {
		c.MaxPerSequence = 100_000
	}
	if c.MaxPerEntity <= 0 {
		c.MaxPerEntity = 1_000
	}
	if c.LRUHighWatermark <= 0 {
		c.LRUHighWatermark = c.MaxTotal * 9 / 10
	}
}

type shard struct {
	idx     int
	mu      sync.RWMutex
	entries map[Key]*PartialMatch
	recency *lru.Cache[Key, struct{}]
}

// Store is the sharded partial-match store. Per-entity and per-sequence
// quotas (spec.md §4.7's "per-entity and per-sequence sums are ≤ their
// respective bounds") are tallied here, not per-shard: shardFor hashes
// (SequenceID, EntityKey) together, so one entity's matches across
// different sequences — and one sequence's matches across different
// entities — land on different shards, and a per-shard tally would only
// ever see its own slice rather than the true global count.
type Store struct {
	cfg    Config
	shards []*shard

	total int64 // exact; maintained with atomic ops so Insert can check it while already holding a shard lock

	quotaMu     sync.Mutex
	perSequence map[string]int
	perEntity   map[[16]byte]int
}

// New constructs a Store. shard selection uses an avalanche hash
// (xxhash.Sum64) over the sequence id and entity key together rather than
// the key's low bits, so adversarial entity keys cannot concentrate on one
// shard.
func New(cfg Config) *Store {
	cfg.backfill()
	s := &Store{
		cfg:         cfg,
		shards:      make([]*shard, cfg.Shards),
		perSequence: make(map[string]int),
		perEntity:   make(map[[16]byte]int),
	}
	for i := range s.shards {
		recency, _ := lru.New[Key, struct{}](cfg.LRUHighWatermark/cfg.Shards + 1)
		s.shards[i] = &shard{
			idx:     i,
			entries: make(map[Key]*PartialMatch),
			recency: recency,
		}
	}
	return s
}

func shardLabel(sh *shard) string {
	return strconv.Itoa(sh.idx)
}

func (s *Store) shardFor(k Key) *shard {
	h := xxhash.Sum64(append([]byte(k.SequenceID), k.EntityKey[:]...))
	return s.shards[h%uint64(len(s.shards))]
}

// Insert adds a new partial match, failing with a QuotaExceeded error if
// doing so would breach the per-entity, per-sequence, or total bound. The
// per-entity and per-sequence checks are against the Store-wide tallies
// (quotaMu), not a shard-local count, since one entity's matches across
// sequences, and one sequence's matches across entities, are scattered
// across shards.
func (s *Store) Insert(k Key, pm *PartialMatch) error {
	sh := s.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, exists := sh.entries[k]; exists {
		sh.entries[k] = pm
		sh.recency.Add(k, struct{}{})
		return nil
	}

	s.quotaMu.Lock()
	if atomic.LoadInt64(&s.total) >= int64(s.cfg.MaxTotal) {
		s.quotaMu.Unlock()
		metrics.StateQuotaRejections.WithLabelValues("total").Inc()
		return errors.QuotaExceeded("total", k.SequenceID)
	}
	if s.perSequence[k.SequenceID] >= s.cfg.MaxPerSequence {
		s.quotaMu.Unlock()
		metrics.StateQuotaRejections.WithLabelValues("per_sequence").Inc()
		return errors.QuotaExceeded("per_sequence", k.SequenceID)
	}
	if s.perEntity[k.EntityKey] >= s.cfg.MaxPerEntity {
		s.quotaMu.Unlock()
		metrics.StateQuotaRejections.WithLabelValues("per_entity").Inc()
		return errors.QuotaExceeded("per_entity", k.SequenceID)
	}
	s.perSequence[k.SequenceID]++
	s.perEntity[k.EntityKey]++
	s.quotaMu.Unlock()

	sh.entries[k] = pm
	sh.recency.Add(k, struct{}{})
	atomic.AddInt64(&s.total, 1)
	metrics.StateSize.WithLabelValues(shardLabel(sh)).Set(float64(len(sh.entries)))
	return nil
}

// totalApprox reports the store-wide partial-match count. It reads the
// atomic counter maintained alongside every insert/remove rather than
// summing shard sizes under their locks.
func (s *Store) totalApprox() int64 {
	return atomic.LoadInt64(&s.total)
}

// Get retrieves a partial match by key.
func (s *Store) Get(k Key) (*PartialMatch, bool) {
	sh := s.shardFor(k)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	pm, ok := sh.entries[k]
	return pm, ok
}

// Remove deletes a partial match unconditionally.
func (s *Store) Remove(k Key) {
	sh := s.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s.removeLocked(sh, k)
}

// removeLocked deletes k from sh (caller holds sh.mu) and decrements the
// Store-wide quota tallies under quotaMu — a different lock than sh.mu, so
// this never needs to acquire another shard's lock while holding one.
func (s *Store) removeLocked(sh *shard, k Key) {
	if _, ok := sh.entries[k]; !ok {
		return
	}
	delete(sh.entries, k)
	sh.recency.Remove(k)
	atomic.AddInt64(&s.total, -1)
	metrics.StateSize.WithLabelValues(shardLabel(sh)).Set(float64(len(sh.entries)))

	s.quotaMu.Lock()
	s.perSequence[k.SequenceID]--
	if s.perSequence[k.SequenceID] <= 0 {
		delete(s.perSequence, k.SequenceID)
	}
	s.perEntity[k.EntityKey]--
	if s.perEntity[k.EntityKey] <= 0 {
		delete(s.perEntity, k.EntityKey)
	}
	s.quotaMu.Unlock()
}

// Advance atomically updates a partial match's state index.
func (s *Store) Advance(k Key, newState int) bool {
	sh := s.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	pm, ok := sh.entries[k]
	if !ok {
		return false
	}
	pm.CurrentState = newState
	sh.recency.Add(k, struct{}{})
	return true
}

// SequenceMaxspan looks up the maxspan (ns) for a sequence id, used by
// cleanup to decide expiry; 0 means no window.
type SequenceMaxspan func(sequenceID string) uint64

// CleanupExpired iterates all shards sequentially (never holding two
// shard locks at once, to avoid deadlock) and evicts matches that are
// terminated, past ttl/maxspan, or — as a last resort once the LRU
// high-watermark is exceeded — the least recently touched entries. This
// precedence (Terminated/Expired before LRU before Quota) matches
// spec.md §9's documented eviction order.
func (s *Store) CleanupExpired(nowNs uint64, maxspanOf SequenceMaxspan) map[EvictionReason]int {
	counts := map[EvictionReason]int{}
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, pm := range sh.entries {
			switch {
			case pm.Terminated:
				s.removeLocked(sh, k)
				counts[ReasonTerminated]++
			case nowNs-pm.CreatedNs > s.cfg.TTLNs:
				s.removeLocked(sh, k)
				counts[ReasonExpired]++
			case maxspanOf != nil:
				if span := maxspanOf(k.SequenceID); span > 0 && nowNs-pm.CreatedNs > span {
					s.removeLocked(sh, k)
					counts[ReasonExpired]++
				}
			}
		}
		sh.mu.Unlock()
	}
	for reason, n := range counts {
		metrics.StateEvictions.WithLabelValues(string(reason)).Add(float64(n))
	}

	if s.totalApprox() > int64(s.cfg.LRUHighWatermark) {
		evicted := s.evictLRUOverWatermark()
		counts[ReasonLRU] += evicted
		metrics.StateEvictions.WithLabelValues(string(ReasonLRU)).Add(float64(evicted))
	}
	return counts
}

func (s *Store) evictLRUOverWatermark() int {
	evicted := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for len(sh.entries) > 0 && int64(len(sh.entries)) > int64(s.cfg.LRUHighWatermark/len(s.shards)+1) {
			k, _, ok := sh.recency.RemoveOldest()
			if !ok {
				break
			}
			if _, exists := sh.entries[k]; exists {
				s.removeLocked(sh, k)
				evicted++
			}
		}
		sh.mu.Unlock()
	}
	return evicted
}

// StatsTotal reports the total number of stored partial matches.
func (s *Store) StatsTotal() int64 {
	return s.totalApprox()
}

// StatsPerSequence reports the store-wide partial-match count for one
// sequence id.
func (s *Store) StatsPerSequence(sequenceID string) int {
	s.quotaMu.Lock()
	defer s.quotaMu.Unlock()
	return s.perSequence[sequenceID]
}
