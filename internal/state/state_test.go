package state

import (
	"fmt"
	"testing"
)

func key(seq string, entity byte) Key {
	var k [16]byte
	k[15] = entity
	return Key{SequenceID: seq, EntityKey: k}
}

func TestInsertGetRemove(t *testing.T) {
	s := New(DefaultConfig())
	k := key("seq-1", 1)
	pm := &PartialMatch{SequenceID: "seq-1", EntityKey: k.EntityKey, CreatedNs: 100}

	if err := s.Insert(k, pm); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, ok := s.Get(k)
	if !ok || got.CreatedNs != 100 {
		t.Fatalf("expected to get back inserted match, got %+v (ok=%v)", got, ok)
	}

	s.Remove(k)
	if _, ok := s.Get(k); ok {
		t.Fatalf("expected match to be removed")
	}
}

func TestInsertEnforcesPerEntityQuota(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPerEntity = 1
	s := New(cfg)

	k1 := key("seq-1", 1)
	k2 := key("seq-2", 1)

	if err := s.Insert(k1, &PartialMatch{SequenceID: "seq-1", EntityKey: k1.EntityKey}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Insert(k2, &PartialMatch{SequenceID: "seq-2", EntityKey: k2.EntityKey}); err == nil {
		t.Fatalf("expected per-entity quota to reject the second insert")
	}
}

func TestInsertEnforcesPerEntityQuotaAcrossShards(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Shards = 16
	cfg.MaxPerEntity = 1
	s := New(cfg)

	// Insert the same entity under enough distinct sequence ids that at
	// least one pair is guaranteed to land on a different shard than the
	// first (shardFor hashes (SequenceID, EntityKey) together), so this
	// test cannot pass by accident the way a per-shard tally would.
	var firstErr error
	rejected := 0
	for i := 0; i < cfg.Shards*2; i++ {
		k := key(fmt.Sprintf("seq-%d", i), 7)
		err := s.Insert(k, &PartialMatch{SequenceID: k.SequenceID, EntityKey: k.EntityKey})
		if i == 0 {
			firstErr = err
			continue
		}
		if err != nil {
			rejected++
		}
	}
	if firstErr != nil {
		t.Fatalf("expected the first insert to succeed, got %v", firstErr)
	}
	if rejected != cfg.Shards*2-1 {
		t.Fatalf("expected every insert after the first to be rejected by the global per-entity quota, got %d/%d rejected", rejected, cfg.Shards*2-1)
	}
}

func TestInsertEnforcesPerSequenceQuotaAcrossShards(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Shards = 16
	cfg.MaxPerSequence = 1
	s := New(cfg)

	var firstErr error
	rejected := 0
	for i := 0; i < cfg.Shards*2; i++ {
		k := key("seq-shared", byte(i))
		err := s.Insert(k, &PartialMatch{SequenceID: k.SequenceID, EntityKey: k.EntityKey})
		if i == 0 {
			firstErr = err
			continue
		}
		if err != nil {
			rejected++
		}
	}
	if firstErr != nil {
		t.Fatalf("expected the first insert to succeed, got %v", firstErr)
	}
	if rejected != cfg.Shards*2-1 {
		t.Fatalf("expected every insert after the first to be rejected by the global per-sequence quota, got %d/%d rejected", rejected, cfg.Shards*2-1)
	}
}

func TestCleanupExpiredEvictsTerminatedAndExpired(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TTLNs = 1000
	s := New(cfg)

	terminatedKey := key("seq-1", 1)
	expiredKey := key("seq-1", 2)
	liveKey := key("seq-1", 3)

	_ = s.Insert(terminatedKey, &PartialMatch{SequenceID: "seq-1", EntityKey: terminatedKey.EntityKey, Terminated: true})
	_ = s.Insert(expiredKey, &PartialMatch{SequenceID: "seq-1", EntityKey: expiredKey.EntityKey, CreatedNs: 0})
	_ = s.Insert(liveKey, &PartialMatch{SequenceID: "seq-1", EntityKey: liveKey.EntityKey, CreatedNs: 10_000})

	counts := s.CleanupExpired(10_000, nil)
	if counts[ReasonTerminated] != 1 {
		t.Fatalf("expected 1 terminated eviction, got %d", counts[ReasonTerminated])
	}
	if counts[ReasonExpired] != 1 {
		t.Fatalf("expected 1 expired eviction, got %d", counts[ReasonExpired])
	}
	if _, ok := s.Get(liveKey); !ok {
		t.Fatalf("expected live match to survive cleanup")
	}
}

func TestAdvanceUpdatesState(t *testing.T) {
	s := New(DefaultConfig())
	k := key("seq-1", 1)
	_ = s.Insert(k, &PartialMatch{SequenceID: "seq-1", EntityKey: k.EntityKey})

	if !s.Advance(k, 2) {
		t.Fatalf("expected advance to succeed")
	}
	got, _ := s.Get(k)
	if got.CurrentState != 2 {
		t.Fatalf("expected state 2, got %d", got.CurrentState)
	}
}
