// Package bus implements the partitioned, back-pressured event bus: N
// partition queues, one worker per partition, routing by a pluggable
// Partitioner and applying a configurable back-pressure policy on a full
// queue. Grounded on the teacher's system/events.RequestRouter worker-pool
// shape (bounded channel, fixed worker count, shared stop/done channels,
// atomic running flag), generalized from one shared request queue to N
// entity-ordered partition queues.
package bus

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/endpointdefense/huntcore/internal/errors"
	"github.com/endpointdefense/huntcore/internal/event"
	"github.com/endpointdefense/huntcore/internal/metrics"
	"github.com/endpointdefense/huntcore/pkg/logger"
)

// BackpressurePolicy selects what Publish does when a partition queue is
// full and the wait times out.
type BackpressurePolicy int

const (
	PolicyBlock BackpressurePolicy = iota
	PolicyDropNewest
	PolicyDropOldest
)

// Config configures the bus. Zero values are backfilled with teacher-style
// defaults in New.
type Config struct {
	Partitions         int
	ChannelSize        int
	BatchSize          int
	BatchQuantum       time.Duration
	Partitioner        Partitioner
	BackpressureTimeout time.Duration
	BackpressurePolicy BackpressurePolicy
	Logger             *logger.Logger

	// RateLimit, if > 0, caps sustained publish throughput to RateLimit
	// events/sec with a burst of RateBurst, shaping producers under
	// PolicyBlock instead of only reacting once a queue is already full.
	// Ignored under the Drop policies, which shape via queue depth alone.
	RateLimit float64
	RateBurst int
}

func DefaultConfig() Config {
	return Config{
		Partitions:          4,
		ChannelSize:         1000,
		BatchSize:           64,
		BatchQuantum:        10 * time.Millisecond,
		Partitioner:         EntityKeyPartitioner{},
		BackpressureTimeout: 50 * time.Millisecond,
		BackpressurePolicy:  PolicyBlock,
	}
}

func (c *Config) backfill() {
	if c.Partitions <= 0 {
		c.Partitions = 4
	}
	if c.ChannelSize <= 0 {
		c.ChannelSize = 1000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.BatchQuantum <= 0 {
		c.BatchQuantum = 10 * time.Millisecond
	}
	if c.Partitioner == nil {
		c.Partitioner = EntityKeyPartitioner{}
	}
	if c.BackpressureTimeout <= 0 {
		c.BackpressureTimeout = 50 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = logger.NewDefault("bus")
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		c.RateBurst = int(c.RateLimit)
		if c.RateBurst <= 0 {
			c.RateBurst = 1
		}
	}
}

// Consumer is invoked by a partition worker with one drained batch. It
// runs on the worker goroutine, so per-entity ordering within the batch is
// preserved by the caller only if Consumer itself processes the batch
// in order (the detection engine does).
type Consumer func(batch []*event.Event)

// Bus is the partitioned event bus.
type Bus struct {
	cfg      Config
	queues   []chan *event.Event
	consumer Consumer
	limiter  *rate.Limiter

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	received      atomic.Int64
	processed     atomic.Int64
	dropped       atomic.Int64
	backpressure  atomic.Int64
}

// New constructs a Bus. Start must be called before publishing.
func New(cfg Config, consumer Consumer) *Bus {
	cfg.backfill()
	b := &Bus{cfg: cfg, consumer: consumer}
	if cfg.RateLimit > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}
	b.queues = make([]chan *event.Event, cfg.Partitions)
	for i := range b.queues {
		b.queues[i] = make(chan *event.Event, cfg.ChannelSize)
	}
	return b
}

// Start launches one worker goroutine per partition.
func (b *Bus) Start() error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return errors.New(errors.CodeShutdown, "bus already running")
	}
	b.running = true
	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})
	b.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < b.cfg.Partitions; i++ {
		wg.Add(1)
		go func(partition int) {
			defer wg.Done()
			b.worker(partition)
		}(i)
	}

	go func() {
		wg.Wait()
		close(b.doneCh)
	}()

	b.cfg.Logger.WithField("partitions", b.cfg.Partitions).Info("event bus started")
	return nil
}

// Shutdown sets the shutdown flag, causing workers to drain their queue
// and exit; it does not block indefinitely — it waits for doneCh but the
// caller controls that by not calling Shutdown until it's ready.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.stopCh)
	b.mu.Unlock()

	<-b.doneCh
	b.cfg.Logger.Info("event bus stopped")
}

func (b *Bus) isRunning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// Publish blocks up to BackpressureTimeout if the target partition is
// full; on timeout it applies the configured BackpressurePolicy. When a
// RateLimit is configured and the policy is PolicyBlock, Publish also waits
// on the token bucket first, shaping sustained throughput instead of only
// reacting once a queue is already saturated.
func (b *Bus) Publish(ev *event.Event) error {
	if !b.isRunning() {
		return errors.Shutdown()
	}
	if b.limiter != nil && b.cfg.BackpressurePolicy == PolicyBlock {
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.BackpressureTimeout)
		err := b.limiter.Wait(ctx)
		cancel()
		if err != nil {
			partition := b.cfg.Partitioner.Partition(ev, b.cfg.Partitions)
			b.backpressure.Add(1)
			metrics.BusBackpressureHits.WithLabelValues(strconv.Itoa(partition)).Inc()
			return errors.Timeout(partition)
		}
	}
	partition := b.cfg.Partitioner.Partition(ev, b.cfg.Partitions)
	q := b.queues[partition]

	select {
	case q <- ev:
		b.received.Add(1)
		metrics.BusReceived.WithLabelValues(strconv.Itoa(partition)).Inc()
		return nil
	default:
	}

	timer := time.NewTimer(b.cfg.BackpressureTimeout)
	defer timer.Stop()

	select {
	case q <- ev:
		b.received.Add(1)
		metrics.BusReceived.WithLabelValues(strconv.Itoa(partition)).Inc()
		return nil
	case <-timer.C:
		b.backpressure.Add(1)
		metrics.BusBackpressureHits.WithLabelValues(strconv.Itoa(partition)).Inc()
		return b.applyBackpressure(partition, ev)
	}
}

func (b *Bus) applyBackpressure(partition int, ev *event.Event) error {
	q := b.queues[partition]
	switch b.cfg.BackpressurePolicy {
	case PolicyDropNewest:
		b.dropped.Add(1)
		metrics.BusDropped.WithLabelValues(strconv.Itoa(partition), "drop_newest").Inc()
		return nil
	case PolicyDropOldest:
		select {
		case <-q:
			b.dropped.Add(1)
			metrics.BusDropped.WithLabelValues(strconv.Itoa(partition), "drop_oldest").Inc()
		default:
		}
		select {
		case q <- ev:
			b.received.Add(1)
			return nil
		default:
			return errors.QueueFull(partition)
		}
	default: // PolicyBlock
		return errors.Timeout(partition)
	}
}

// TryPublish never blocks; it returns a QueueFull error if the partition
// is full.
func (b *Bus) TryPublish(ev *event.Event) error {
	if !b.isRunning() {
		return errors.Shutdown()
	}
	partition := b.cfg.Partitioner.Partition(ev, b.cfg.Partitions)
	select {
	case b.queues[partition] <- ev:
		b.received.Add(1)
		metrics.BusReceived.WithLabelValues(strconv.Itoa(partition)).Inc()
		return nil
	default:
		return errors.QueueFull(partition)
	}
}

// PublishBatch iterates events, accepting as many as possible; partial
// delivery is permitted. It returns the count accepted.
func (b *Bus) PublishBatch(events []*event.Event) (int, error) {
	accepted := 0
	var firstErr error
	for _, ev := range events {
		if err := b.Publish(ev); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		accepted++
	}
	return accepted, firstErr
}

// worker drains up to BatchSize events from its partition (or whatever has
// accumulated by the time BatchQuantum elapses) and invokes Consumer. It
// checks the shared stop channel between batches, mirroring the teacher's
// select-on-stopCh worker loop.
func (b *Bus) worker(partition int) {
	q := b.queues[partition]
	batch := make([]*event.Event, 0, b.cfg.BatchSize)
	ticker := time.NewTicker(b.cfg.BatchQuantum)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		b.consumer(batch)
		b.processed.Add(int64(len(batch)))
		metrics.BusProcessed.WithLabelValues(strconv.Itoa(partition)).Add(float64(len(batch)))
		batch = batch[:0]
	}

	for {
		select {
		case <-b.stopCh:
			// Drain whatever remains without blocking indefinitely.
			for {
				select {
				case ev := <-q:
					batch = append(batch, ev)
					if len(batch) >= b.cfg.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		case ev := <-q:
			batch = append(batch, ev)
			metrics.BusQueueDepth.WithLabelValues(strconv.Itoa(partition)).Set(float64(len(q)))
			if len(batch) >= b.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Stats aggregates the bus's lock-free atomic counters.
type Stats struct {
	Received      int64
	Processed     int64
	Dropped       int64
	BackpressureHits int64
	QueueDepths   []int
}

func (b *Bus) Stats() Stats {
	depths := make([]int, len(b.queues))
	for i, q := range b.queues {
		depths[i] = len(q)
	}
	return Stats{
		Received:         b.received.Load(),
		Processed:        b.processed.Load(),
		Dropped:          b.dropped.Load(),
		BackpressureHits: b.backpressure.Load(),
		QueueDepths:      depths,
	}
}
