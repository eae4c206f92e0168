package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/endpointdefense/huntcore/internal/event"
)

func mustEvent(t *testing.T, entityKey byte) *event.Event {
	t.Helper()
	var k [16]byte
	k[15] = entityKey
	ev, err := event.NewBuilder().EntityKey(k).Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return ev
}

func TestBusDeliversInOrderPerEntity(t *testing.T) {
	var mu sync.Mutex
	var seen []uint64

	cfg := DefaultConfig()
	cfg.Partitions = 1
	cfg.BatchSize = 1
	cfg.BatchQuantum = time.Millisecond
	b := New(cfg, func(batch []*event.Event) {
		mu.Lock()
		for _, ev := range batch {
			seen = append(seen, ev.EventID)
		}
		mu.Unlock()
	})
	if err := b.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer b.Shutdown()

	for i := uint64(0); i < 5; i++ {
		ev, err := event.NewBuilder().EventID(i).EntityKey(event.EntityKeyFromU64(1)).Build()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := b.Publish(ev); err != nil {
			t.Fatalf("unexpected publish error: %v", err)
		}
	}

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n >= 5 || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 5 {
		t.Fatalf("expected 5 events delivered, got %d", len(seen))
	}
	for i, id := range seen {
		if id != uint64(i) {
			t.Fatalf("expected in-order delivery, got %v", seen)
		}
	}
}

func TestBusBackpressureBlockPolicyTimesOut(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Partitions = 1
	cfg.ChannelSize = 2
	cfg.BackpressureTimeout = 20 * time.Millisecond
	cfg.BackpressurePolicy = PolicyBlock
	cfg.BatchSize = 1

	// The worker moves each event off the queue into its batch as soon as
	// it arrives, so the queue only stays full while the consumer is stuck.
	release := make(chan struct{})
	b := New(cfg, func(batch []*event.Event) {
		<-release
	})
	if err := b.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer b.Shutdown()
	defer close(release)

	accepted := 0
	var lastErr error
	for i := 0; i < 5; i++ {
		ev := mustEvent(t, byte(i))
		if err := b.Publish(ev); err != nil {
			lastErr = err
			continue
		}
		accepted++
	}

	if lastErr == nil {
		t.Fatalf("expected at least one publish to time out under backpressure")
	}
	if accepted == 0 {
		t.Fatalf("expected at least one event accepted before the queue filled")
	}
}

func TestRateLimitShapesBlockPolicyThroughput(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Partitions = 1
	cfg.BatchSize = 1
	cfg.BatchQuantum = time.Millisecond
	cfg.RateLimit = 10 // 10 events/sec
	cfg.RateBurst = 1
	cfg.BackpressureTimeout = 500 * time.Millisecond

	b := New(cfg, func(batch []*event.Event) {})
	if err := b.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer b.Shutdown()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := b.Publish(mustEvent(t, byte(i))); err != nil {
			t.Fatalf("unexpected publish error: %v", err)
		}
	}
	// 3 events at a burst of 1 and 10/sec forces at least ~200ms of waiting.
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Fatalf("expected the rate limiter to shape throughput, elapsed only %v", elapsed)
	}
}

func TestTryPublishNeverBlocks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Partitions = 1
	cfg.ChannelSize = 1
	cfg.BatchSize = 1
	// The worker takes the first event off the queue and then stays inside
	// the consumer, so the second event fills the one-slot queue.
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	b := New(cfg, func(batch []*event.Event) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	})
	if err := b.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer b.Shutdown()
	defer close(release)

	if err := b.TryPublish(mustEvent(t, 1)); err != nil {
		t.Fatalf("unexpected error on first try-publish: %v", err)
	}
	<-entered
	if err := b.TryPublish(mustEvent(t, 2)); err != nil {
		t.Fatalf("unexpected error filling the queue: %v", err)
	}
	if err := b.TryPublish(mustEvent(t, 3)); err == nil {
		t.Fatalf("expected QueueFull when partition is saturated")
	}
}
