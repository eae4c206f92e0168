// Package lifecycle implements the rule lifecycle manager: the active
// rule set, its version history, and atomic/gradual/canary update
// strategies, notifying subscribers of every change. Grounded on the
// teacher's infrastructure/scheduler cron-driven periodic task pattern
// (robfig/cron/v3) for the Gradual/Canary observation-window checks, and
// on system/events.RequestRouter's subscriber-fanout idiom for change
// notification.
package lifecycle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/endpointdefense/huntcore/internal/clock"
	"github.com/endpointdefense/huntcore/internal/errors"
	"github.com/endpointdefense/huntcore/internal/ir"
	"github.com/endpointdefense/huntcore/internal/metrics"
	"github.com/endpointdefense/huntcore/pkg/logger"
)

// ChangeKind enumerates the kinds of rule-set mutation a RuleChangeEvent
// can report.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
	ChangeEnabled  ChangeKind = "enabled"
	ChangeDisabled ChangeKind = "disabled"
)

// RuleChangeEvent is published to every subscriber on any state change.
type RuleChangeEvent struct {
	RuleID    string
	Kind      ChangeKind
	Version   uint64
	Timestamp uint64 // wall-clock ns, from Config.Clock
	SeqNo     uint64
}

// VersionStatus enumerates a rule version's place in its lifecycle.
type VersionStatus string

const (
	StatusPending    VersionStatus = "pending"
	StatusActive     VersionStatus = "active"
	StatusDeprecated VersionStatus = "deprecated"
	StatusArchived   VersionStatus = "archived"
)

// RuleVersion records one compiled revision of a rule.
type RuleVersion struct {
	Version      uint64
	ContentHash  string
	Status       VersionStatus
	CreatedAt    uint64 // wall-clock ns, from Config.Clock, stamped at install time
	EventRule    *ir.CompiledEventRule
	SequenceRule *ir.CompiledSequenceRule
}

// UpdateStrategy selects how a new rule version is rolled out.
type UpdateStrategy interface {
	isUpdateStrategy()
}

// AtomicStrategy swaps in the new version for every worker in one
// critical section.
type AtomicStrategy struct{}

func (AtomicStrategy) isUpdateStrategy() {}

// GradualStrategy stages a new version as pending and promotes it for
// every worker once ObservationWindow cron ticks have been observed,
// unless reported rollout errors outnumber the observed ticks first (the
// candidate is then dropped). CanaryRatio is stored but not read: the
// pending version is not activated on any subset of worker partitions
// before promotion.
type GradualStrategy struct {
	CanaryRatio       float64
	ObservationWindow int // cron ticks
}

func (GradualStrategy) isUpdateStrategy() {}

// CanaryStrategy stages a new version as pending and promotes it for every
// worker on the next cron tick, unless the reported error rate (rollout
// errors per observed tick) exceeds ErrorRateThreshold, in which case the
// candidate is dropped and the previous version stays active. CanaryCount
// is stored but not read: the pending version is not activated on any
// subset of workers before promotion.
type CanaryStrategy struct {
	CanaryCount        int
	ErrorRateThreshold float64
}

func (CanaryStrategy) isUpdateStrategy() {}

type ruleState struct {
	id          string
	kind        ir.RuleKind
	versions    []RuleVersion // append-only, bounded by maxVersionsPerRule
	activeIdx   int           // index into versions of the Active entry, -1 if none
	rollout     *rolloutState // non-nil while a Gradual/Canary rollout is in flight
}

type rolloutState struct {
	strategy       UpdateStrategy
	candidate      RuleVersion
	ticksObserved  int
	errorsObserved int
}

// Config configures the Manager.
type Config struct {
	MaxVersionsPerRule int
	Logger             *logger.Logger
	Clock              clock.TimeProvider // stamps RuleVersion.CreatedAt / RuleChangeEvent.Timestamp
	Cron               *cron.Cron         // optional; if nil, one is created and started
}

func (c *Config) backfill() {
	if c.MaxVersionsPerRule <= 0 {
		c.MaxVersionsPerRule = 10
	}
	if c.Logger == nil {
		c.Logger = logger.NewDefault("lifecycle")
	}
	if c.Clock == nil {
		c.Clock = clock.NewReal()
	}
}

// Manager owns the currently active rule set and its version history.
type Manager struct {
	cfg Config

	mu    sync.RWMutex
	rules map[string]*ruleState
	seqNo uint64

	subsMu sync.Mutex
	subs   []chan RuleChangeEvent

	cronSched *cron.Cron
	cronOwned bool
}

// New constructs a Manager. A cron scheduler is started to periodically
// evaluate in-flight Gradual/Canary rollouts' observation windows; pass a
// pre-existing *cron.Cron via Config to share one across components.
func New(cfg Config) *Manager {
	cfg.backfill()
	m := &Manager{cfg: cfg, rules: make(map[string]*ruleState)}
	if cfg.Cron != nil {
		m.cronSched = cfg.Cron
	} else {
		m.cronSched = cron.New()
		m.cronOwned = true
		m.cronSched.Start()
	}
	// Every second, check in-flight rollouts' observation windows. A
	// second-granularity tick is a teacher-style conservative default for
	// a control-plane operation, not a hot-path cost.
	_, _ = m.cronSched.AddFunc("@every 1s", m.tickRollouts)
	return m
}

// Close stops the cron scheduler if this Manager created it.
func (m *Manager) Close() {
	if m.cronOwned {
		ctx := m.cronSched.Stop()
		<-ctx.Done()
	}
}

// Subscribe registers a channel to receive RuleChangeEvents. The returned
// channel has a small buffer; a slow subscriber drops events rather than
// blocking rule-load operations (mirrors the teacher's fire-and-forget
// notification fanout).
func (m *Manager) Subscribe() <-chan RuleChangeEvent {
	ch := make(chan RuleChangeEvent, 32)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) publish(evt RuleChangeEvent) {
	metrics.LifecycleRuleChanges.WithLabelValues(string(evt.Kind)).Inc()
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- evt:
		default:
			m.cfg.Logger.WithField("rule_id", evt.RuleID).Warn("dropped rule change notification: subscriber channel full")
		}
	}
}

func contentHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// AddEventRule installs a new single-event rule's first version under
// AtomicStrategy semantics: validation failures leave nothing installed.
func (m *Manager) AddEventRule(ruleID string, compiled ir.CompiledEventRule) error {
	return m.install(ruleID, ir.RuleKindEvent, RuleVersion{EventRule: &compiled}, AtomicStrategy{})
}

// AddSequenceRule installs a new sequence rule's first version.
func (m *Manager) AddSequenceRule(ruleID string, compiled ir.CompiledSequenceRule) error {
	return m.install(ruleID, ir.RuleKindSequence, RuleVersion{SequenceRule: &compiled}, AtomicStrategy{})
}

// UpdateEventRule replaces ruleID's active version using the given
// strategy. Atomic swaps immediately; Gradual/Canary stage the candidate
// and promote it once tickRollouts observes a clean window.
func (m *Manager) UpdateEventRule(ruleID string, compiled ir.CompiledEventRule, strategy UpdateStrategy) error {
	return m.install(ruleID, ir.RuleKindEvent, RuleVersion{EventRule: &compiled}, strategy)
}

// UpdateSequenceRule replaces ruleID's active sequence version.
func (m *Manager) UpdateSequenceRule(ruleID string, compiled ir.CompiledSequenceRule, strategy UpdateStrategy) error {
	return m.install(ruleID, ir.RuleKindSequence, RuleVersion{SequenceRule: &compiled}, strategy)
}

func (m *Manager) install(ruleID string, kind ir.RuleKind, candidate RuleVersion, strategy UpdateStrategy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rs, existing := m.rules[ruleID]
	if !existing {
		rs = &ruleState{id: ruleID, kind: kind, activeIdx: -1}
		m.rules[ruleID] = rs
	}
	if rs.kind != kind {
		return errors.ValidationFailed(ruleID, fmt.Errorf("rule kind changed from %v to %v", rs.kind, kind))
	}

	candidate.Version = uint64(len(rs.versions)) + 1
	candidate.ContentHash = contentHash(candidateBytes(candidate))
	candidate.CreatedAt = m.cfg.Clock.WallNs()

	switch strategy.(type) {
	case AtomicStrategy, nil:
		candidate.Status = StatusActive
		m.appendVersionLocked(rs, candidate)
		if !existing {
			m.publish(RuleChangeEvent{RuleID: ruleID, Kind: ChangeAdded, Version: candidate.Version, Timestamp: m.cfg.Clock.WallNs(), SeqNo: m.nextSeqLocked()})
		} else {
			m.publish(RuleChangeEvent{RuleID: ruleID, Kind: ChangeModified, Version: candidate.Version, Timestamp: m.cfg.Clock.WallNs(), SeqNo: m.nextSeqLocked()})
		}
		return nil
	default:
		candidate.Status = StatusPending
		m.appendVersionLocked(rs, candidate)
		rs.rollout = &rolloutState{strategy: strategy, candidate: candidate}
		return nil
	}
}

func candidateBytes(v RuleVersion) []byte {
	if v.EventRule != nil {
		return []byte(fmt.Sprintf("%d:%s:%v", v.EventRule.EventTypeID, v.EventRule.RuntimeTag, v.EventRule.RequiredFields))
	}
	if v.SequenceRule != nil {
		return []byte(fmt.Sprintf("%d:%d:%v", v.SequenceRule.GroupingFieldID, v.SequenceRule.MaxspanNs, v.SequenceRule.Steps))
	}
	return nil
}

// appendVersionLocked appends candidate to rs.versions, trimming the
// oldest entries once MaxVersionsPerRule is exceeded (archiving them
// first is unnecessary since dropped versions are purely history).
func (m *Manager) appendVersionLocked(rs *ruleState, candidate RuleVersion) {
	if rs.activeIdx >= 0 && rs.activeIdx < len(rs.versions) {
		rs.versions[rs.activeIdx].Status = StatusDeprecated
	}
	rs.versions = append(rs.versions, candidate)
	if candidate.Status == StatusActive {
		rs.activeIdx = len(rs.versions) - 1
	}
	if len(rs.versions) > m.cfg.MaxVersionsPerRule {
		drop := len(rs.versions) - m.cfg.MaxVersionsPerRule
		rs.versions = rs.versions[drop:]
		rs.activeIdx -= drop
	}
}

func (m *Manager) nextSeqLocked() uint64 {
	m.seqNo++
	return m.seqNo
}

// tickRollouts is invoked on the cron schedule; it advances every
// in-flight Gradual/Canary rollout's observation counter and promotes or
// rolls back according to its strategy's thresholds.
func (m *Manager) tickRollouts() {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.rules))
	for id := range m.rules {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		rs := m.rules[id]
		if rs.rollout == nil {
			continue
		}
		m.advanceRolloutLocked(rs)
	}
}

func (m *Manager) advanceRolloutLocked(rs *ruleState) {
	ro := rs.rollout
	ro.ticksObserved++

	window := 0
	errThreshold := 1.0
	switch s := ro.strategy.(type) {
	case GradualStrategy:
		window = s.ObservationWindow
	case CanaryStrategy:
		window = 1 // canary promotes on the next tick absent an error spike
		errThreshold = s.ErrorRateThreshold
	}

	errRate := 0.0
	if ro.ticksObserved > 0 {
		errRate = float64(ro.errorsObserved) / float64(ro.ticksObserved)
	}
	if errRate > errThreshold {
		// Auto-rollback: drop the pending candidate, leave the previous
		// active version untouched.
		rs.versions = rs.versions[:len(rs.versions)-1]
		rs.rollout = nil
		m.publish(RuleChangeEvent{RuleID: rs.id, Kind: ChangeModified, Timestamp: m.cfg.Clock.WallNs(), SeqNo: m.nextSeqLocked()})
		m.cfg.Logger.WithField("rule_id", rs.id).Warn("rollout rolled back: error rate exceeded threshold")
		return
	}

	if ro.ticksObserved >= window {
		idx := len(rs.versions) - 1
		rs.versions[idx].Status = StatusActive
		if rs.activeIdx >= 0 && rs.activeIdx < len(rs.versions) {
			rs.versions[rs.activeIdx].Status = StatusDeprecated
		}
		rs.activeIdx = idx
		rs.rollout = nil
		m.publish(RuleChangeEvent{RuleID: rs.id, Kind: ChangeModified, Version: rs.versions[idx].Version, Timestamp: m.cfg.Clock.WallNs(), SeqNo: m.nextSeqLocked()})
		m.cfg.Logger.WithField("rule_id", rs.id).Info("rollout promoted to active")
	}
}

// ReportRolloutError is called by the engine when a single-event rule's
// evaluation errors or exceeds budget; while a rollout of that rule is in
// flight it feeds the rollout's error-rate threshold.
func (m *Manager) ReportRolloutError(ruleID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rs, ok := m.rules[ruleID]; ok && rs.rollout != nil {
		rs.rollout.errorsObserved++
	}
}

// Remove deletes a rule entirely.
func (m *Manager) Remove(ruleID string) {
	m.mu.Lock()
	_, existed := m.rules[ruleID]
	delete(m.rules, ruleID)
	seq := m.nextSeqLocked()
	ts := m.cfg.Clock.WallNs()
	m.mu.Unlock()
	if existed {
		m.publish(RuleChangeEvent{RuleID: ruleID, Kind: ChangeRemoved, Timestamp: ts, SeqNo: seq})
	}
}

// Active returns the currently active version for a rule, if any.
func (m *Manager) Active(ruleID string) (RuleVersion, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rs, ok := m.rules[ruleID]
	if !ok || rs.activeIdx < 0 || rs.activeIdx >= len(rs.versions) {
		return RuleVersion{}, false
	}
	return rs.versions[rs.activeIdx], true
}

// ActiveRuleIDs returns every rule id with a currently active version, in
// stable order.
func (m *Manager) ActiveRuleIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.rules))
	for id, rs := range m.rules {
		if rs.activeIdx >= 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Versions returns the bounded version history for a rule, oldest first.
func (m *Manager) Versions(ruleID string) []RuleVersion {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rs, ok := m.rules[ruleID]
	if !ok {
		return nil
	}
	out := make([]RuleVersion, len(rs.versions))
	copy(out, rs.versions)
	return out
}
