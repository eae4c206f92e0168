// Package engine implements the detection engine façade: the component
// that owns the schema registry, predicate runtimes, sequence engine, and
// state store, and exposes submit(event) -> []Alert plus lifecycle
// operations. Grounded on the teacher's system/events.RequestRouter as the
// top-level owner of a worker pool and its dispatch indices, generalized
// here to own a rule index instead of an HTTP-handler index.
package engine

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/endpointdefense/huntcore/internal/alert"
	"github.com/endpointdefense/huntcore/internal/clock"
	"github.com/endpointdefense/huntcore/internal/errors"
	"github.com/endpointdefense/huntcore/internal/event"
	"github.com/endpointdefense/huntcore/internal/ir"
	"github.com/endpointdefense/huntcore/internal/lifecycle"
	"github.com/endpointdefense/huntcore/internal/metrics"
	"github.com/endpointdefense/huntcore/internal/pattern"
	"github.com/endpointdefense/huntcore/internal/runtime"
	"github.com/endpointdefense/huntcore/internal/schema"
	"github.com/endpointdefense/huntcore/internal/sequence"
	"github.com/endpointdefense/huntcore/internal/state"
	"github.com/endpointdefense/huntcore/pkg/logger"
)

// eventRuleEntry is one single-event rule installed in the per-event-type
// index.
type eventRuleEntry struct {
	ruleID         string
	ruleName       string
	severity       string
	predicateID    string
	runtimeTag     string
	requiredFields []schema.FieldId
}

// projectFields copies the named fields out of ev into the map shape
// alert.EvidenceEvent.Fields expects, skipping any that ev does not carry
// (sparse events are normal; a rule's RequiredFields lists what it reads,
// not what every matching event must set).
func projectFields(ev *event.Event, ids []schema.FieldId) map[schema.FieldId]event.TypedValue {
	if len(ids) == 0 {
		return nil
	}
	out := make(map[schema.FieldId]event.TypedValue, len(ids))
	for _, id := range ids {
		if v, ok := ev.Get(id); ok {
			out[id] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Config configures a new Engine. Zero values are backfilled with
// teacher-style defaults.
type Config struct {
	Schema      *schema.Registry
	StateConfig state.Config
	Clock       clock.TimeProvider
	Sink        alert.Sink
	Logger      *logger.Logger

	// Lifecycle is the rule lifecycle manager this engine applies promoted
	// versions from. If nil, the Engine constructs and owns one (stopped by
	// Close); callers who want to drive installs/rollouts themselves via
	// the Manager's own API should construct one and share it here.
	Lifecycle *lifecycle.Manager
}

func (c *Config) backfill() {
	if c.Schema == nil {
		c.Schema = schema.New()
	}
	if c.Clock == nil {
		c.Clock = clock.NewReal()
	}
	if c.Logger == nil {
		c.Logger = logger.NewDefault("engine")
	}
}

// Engine is the façade described in spec.md §4.9: it owns the schema
// registry, the configured predicate runtimes, the sequence engine, and
// the state store, and is the single entry point workers call with each
// incoming event.
type Engine struct {
	cfg     Config
	log     *logger.Logger
	schema  *schema.Registry
	clockP  clock.TimeProvider
	sink    alert.Sink
	patterns *pattern.Registry

	runtimesMu sync.RWMutex
	runtimes   map[string]runtime.Runtime

	store *state.Store
	seq   *sequence.Engine

	indexMu       sync.RWMutex
	eventRuleIdx  map[schema.EventTypeId][]eventRuleEntry

	eventsSubmitted atomic.Int64
	alertsEmitted   atomic.Int64
	rulesRejected   atomic.Int64

	lifecycle      *lifecycle.Manager
	lifecycleOwned bool
	lifecycleCh    <-chan lifecycle.RuleChangeEvent
	stopCh         chan struct{}

	metaMu sync.Mutex
	meta   map[string]map[uint64]ruleMeta // ruleID -> version -> bookkeeping the IR doesn't carry
}

// ruleMeta is engine-side bookkeeping for one lifecycle-managed rule version:
// the parts LoadEventRule/LoadSequenceRule need that ir.CompiledEventRule and
// ir.CompiledSequenceRule don't themselves carry (a human rule name, and —
// for sequence rules — the owning IrRule descriptor, runtime tag, and
// per-step predicate bodies).
type ruleMeta struct {
	ruleName        string
	irRule          ir.IrRule
	runtimeTag      string
	predicateBodies map[string][]byte
}

// New constructs an Engine. Predicate runtimes are registered afterward
// via RegisterRuntime; none are wired by default since the core makes no
// assumption about which flavors an embedder needs.
func New(cfg Config) *Engine {
	cfg.backfill()
	store := state.New(cfg.StateConfig)
	e := &Engine{
		cfg:          cfg,
		log:          cfg.Logger,
		schema:       cfg.Schema,
		clockP:       cfg.Clock,
		sink:         cfg.Sink,
		patterns:     pattern.NewRegistry(),
		runtimes:     make(map[string]runtime.Runtime),
		store:        store,
		eventRuleIdx: make(map[schema.EventTypeId][]eventRuleEntry),
		meta:         make(map[string]map[uint64]ruleMeta),
		stopCh:       make(chan struct{}),
	}
	e.seq = sequence.New(sequence.Config{
		Store:           store,
		RuntimeResolver: e.resolveRuntime,
		Patterns:        e.patterns,
		Logger:          cfg.Logger,
	})

	if cfg.Lifecycle != nil {
		e.lifecycle = cfg.Lifecycle
	} else {
		e.lifecycle = lifecycle.New(lifecycle.Config{Logger: cfg.Logger, Clock: cfg.Clock})
		e.lifecycleOwned = true
	}
	ch := e.lifecycle.Subscribe()
	e.lifecycleCh = ch
	go e.pumpLifecycle(ch)
	return e
}

// Close stops the lifecycle-change pump goroutine and, if this Engine
// constructed its own lifecycle.Manager, stops that too.
func (e *Engine) Close() {
	close(e.stopCh)
	if e.lifecycleOwned {
		e.lifecycle.Close()
	}
}

// pumpLifecycle applies every RuleChangeEvent the owned/shared
// lifecycle.Manager publishes: an Added/Modified/Enabled notification means
// some version is now active (immediately for Atomic, or after
// tickRollouts promotes a Gradual/Canary candidate) and is re-installed via
// LoadEventRule/LoadSequenceRule; Removed/Disabled retires the rule. This is
// what lets a promoted or rolled-back rollout actually change what Submit
// evaluates, rather than only the Manager's own bookkeeping.
func (e *Engine) pumpLifecycle(ch <-chan lifecycle.RuleChangeEvent) {
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			switch evt.Kind {
			case lifecycle.ChangeAdded, lifecycle.ChangeModified, lifecycle.ChangeEnabled:
				if err := e.syncRuleFromLifecycle(evt.RuleID); err != nil {
					e.log.WithField("rule_id", evt.RuleID).WithError(err).Warn("failed to apply promoted rule version")
				}
			case lifecycle.ChangeRemoved, lifecycle.ChangeDisabled:
				e.retireRule(evt.RuleID)
			}
		case <-e.stopCh:
			return
		}
	}
}

// RegisterRuntime wires a predicate-runtime flavor under a tag ("bytecode",
// "script", or any embedder-chosen name). Rules compiled with a matching
// RuntimeTag dispatch to it.
func (e *Engine) RegisterRuntime(tag string, rt runtime.Runtime) {
	e.runtimesMu.Lock()
	defer e.runtimesMu.Unlock()
	e.runtimes[tag] = rt
}

func (e *Engine) resolveRuntime(tag string) (runtime.Runtime, bool) {
	e.runtimesMu.RLock()
	defer e.runtimesMu.RUnlock()
	rt, ok := e.runtimes[tag]
	return rt, ok
}

// LoadEventRule installs a compiled single-event rule into the
// per-event-type index and loads its predicate body into the selected
// runtime. Rejects the rule (leaving any previously installed version of
// ruleID untouched) if the named runtime is not registered or the body
// fails to compile.
func (e *Engine) LoadEventRule(ruleID, ruleName string, compiled ir.CompiledEventRule) error {
	rt, ok := e.resolveRuntime(compiled.RuntimeTag)
	if !ok {
		e.rulesRejected.Add(1)
		return errors.ValidationFailed(ruleID, errUnknownRuntimeTag(compiled.RuntimeTag))
	}
	predicateID := ruleID
	if err := rt.LoadPredicate(predicateID, compiled.PredicateBody); err != nil {
		e.rulesRejected.Add(1)
		return errors.ValidationFailed(ruleID, err)
	}
	if _, err := e.patterns.Load(predicateID, compiled.RequiredRegexes, compiled.RequiredGlobs); err != nil {
		rt.UnloadPredicate(predicateID)
		e.rulesRejected.Add(1)
		return errors.ValidationFailed(ruleID, err)
	}

	e.indexMu.Lock()
	defer e.indexMu.Unlock()
	e.removeEventRuleLocked(ruleID)
	entry := eventRuleEntry{
		ruleID: ruleID, ruleName: ruleName, severity: compiled.Severity,
		predicateID: predicateID, runtimeTag: compiled.RuntimeTag,
		requiredFields: compiled.RequiredFields,
	}
	e.eventRuleIdx[compiled.EventTypeID] = append(e.eventRuleIdx[compiled.EventTypeID], entry)
	e.log.WithField("rule_id", ruleID).WithField("event_type_id", compiled.EventTypeID).Info("event rule loaded")
	return nil
}

func (e *Engine) removeEventRuleLocked(ruleID string) {
	for typeID, entries := range e.eventRuleIdx {
		filtered := entries[:0]
		for _, entry := range entries {
			if entry.ruleID != ruleID {
				filtered = append(filtered, entry)
			}
		}
		e.eventRuleIdx[typeID] = filtered
	}
}

// UnloadEventRule removes a single-event rule and its predicate.
func (e *Engine) UnloadEventRule(ruleID, runtimeTag string) {
	if rt, ok := e.resolveRuntime(runtimeTag); ok {
		rt.UnloadPredicate(ruleID)
	}
	e.indexMu.Lock()
	defer e.indexMu.Unlock()
	e.removeEventRuleLocked(ruleID)
}

// LoadSequenceRule installs a compiled sequence rule: loads every step's
// (and the optional until step's) predicate body into the selected
// runtime, then registers the descriptor with the sequence engine.
func (e *Engine) LoadSequenceRule(rule ir.IrRule, compiled ir.CompiledSequenceRule, runtimeTag string, predicateBodies map[string][]byte) error {
	rt, ok := e.resolveRuntime(runtimeTag)
	if !ok {
		e.rulesRejected.Add(1)
		return errors.ValidationFailed(rule.ID, errUnknownRuntimeTag(runtimeTag))
	}

	loadedIDs := make([]string, 0, len(compiled.Steps)+1)
	rollback := func() {
		for _, id := range loadedIDs {
			rt.UnloadPredicate(id)
		}
	}

	for _, step := range compiled.Steps {
		body, ok := predicateBodies[step.PredicateID]
		if !ok {
			rollback()
			e.rulesRejected.Add(1)
			return errors.ValidationFailed(rule.ID, errMissingPredicateBody(step.PredicateID))
		}
		if err := rt.LoadPredicate(step.PredicateID, body); err != nil {
			rollback()
			e.rulesRejected.Add(1)
			return errors.ValidationFailed(rule.ID, err)
		}
		if _, err := e.patterns.Load(step.PredicateID, step.RequiredRegexes, step.RequiredGlobs); err != nil {
			rollback()
			e.rulesRejected.Add(1)
			return errors.ValidationFailed(rule.ID, err)
		}
		loadedIDs = append(loadedIDs, step.PredicateID)
	}
	if compiled.Until != nil {
		body, ok := predicateBodies[compiled.Until.PredicateID]
		if !ok {
			rollback()
			e.rulesRejected.Add(1)
			return errors.ValidationFailed(rule.ID, errMissingPredicateBody(compiled.Until.PredicateID))
		}
		if err := rt.LoadPredicate(compiled.Until.PredicateID, body); err != nil {
			rollback()
			e.rulesRejected.Add(1)
			return errors.ValidationFailed(rule.ID, err)
		}
		if _, err := e.patterns.Load(compiled.Until.PredicateID, compiled.Until.RequiredRegexes, compiled.Until.RequiredGlobs); err != nil {
			rollback()
			e.rulesRejected.Add(1)
			return errors.ValidationFailed(rule.ID, err)
		}
	}

	rule.Kind = ir.RuleKindSequence
	desc := ir.IrSequence{
		ID:              rule.ID,
		GroupingFieldID: compiled.GroupingFieldID,
		MaxspanNs:       compiled.MaxspanNs,
		Steps:           compiled.Steps,
		Until:           compiled.Until,
	}
	e.seq.LoadSequence(sequence.Loaded{Rule: rule, Descriptor: desc, RuntimeTag: runtimeTag})
	return nil
}

// UnloadSequenceRule removes a sequence rule from the sequence engine. Its
// in-flight partial matches stay in the state store until a cleanup sweep
// finds them older than the store's TTL.
func (e *Engine) UnloadSequenceRule(sequenceID string) {
	e.seq.UnloadSequence(sequenceID)
}

// InstallEventRule adds or replaces ruleID through the owned lifecycle
// Manager: the Manager assigns a version, applies strategy (Atomic swaps
// immediately; Gradual/Canary stage a candidate that tickRollouts promotes
// or rolls back later), and this engine re-installs whichever version ends
// up active. Atomic installs (and every rule's first version, which is
// always atomic) apply synchronously here so callers observe the new
// predicate immediately after this call returns.
func (e *Engine) InstallEventRule(ruleID, ruleName string, compiled ir.CompiledEventRule, strategy lifecycle.UpdateStrategy) error {
	_, existed := e.lifecycle.Active(ruleID)
	var err error
	if existed {
		err = e.lifecycle.UpdateEventRule(ruleID, compiled, strategy)
	} else {
		err = e.lifecycle.AddEventRule(ruleID, compiled)
	}
	if err != nil {
		return err
	}
	e.recordMeta(ruleID, ruleMeta{ruleName: ruleName})
	if !existed || isAtomic(strategy) {
		return e.syncRuleFromLifecycle(ruleID)
	}
	return nil
}

// InstallSequenceRule is InstallEventRule's sequence-rule counterpart. rule
// carries the id/name/severity a sequence rule's compiled IR doesn't, and
// predicateBodies supplies each step's (and the optional until step's)
// compiled predicate body, exactly as LoadSequenceRule already requires.
func (e *Engine) InstallSequenceRule(rule ir.IrRule, compiled ir.CompiledSequenceRule, runtimeTag string, predicateBodies map[string][]byte, strategy lifecycle.UpdateStrategy) error {
	_, existed := e.lifecycle.Active(rule.ID)
	var err error
	if existed {
		err = e.lifecycle.UpdateSequenceRule(rule.ID, compiled, strategy)
	} else {
		err = e.lifecycle.AddSequenceRule(rule.ID, compiled)
	}
	if err != nil {
		return err
	}
	e.recordMeta(rule.ID, ruleMeta{ruleName: rule.Name, irRule: rule, runtimeTag: runtimeTag, predicateBodies: predicateBodies})
	if !existed || isAtomic(strategy) {
		return e.syncRuleFromLifecycle(rule.ID)
	}
	return nil
}

// RemoveRule retires a lifecycle-managed rule: it tells the Manager to drop
// it (which publishes a Removed notification for any other subscriber) and
// also retires it from this engine directly, so the caller observes the
// unload synchronously rather than racing the async pump.
func (e *Engine) RemoveRule(ruleID string) {
	e.lifecycle.Remove(ruleID)
	e.retireRule(ruleID)
}

func isAtomic(strategy lifecycle.UpdateStrategy) bool {
	switch strategy.(type) {
	case lifecycle.AtomicStrategy, nil:
		return true
	default:
		return false
	}
}

// recordMeta stashes ruleMeta under the version the lifecycle Manager just
// assigned to ruleID (its most recent Versions() entry), so a later
// promotion of that exact version — possibly long after this call, for a
// Gradual/Canary rollout — can still find the runtime tag/predicate bodies/
// rule descriptor it needs.
func (e *Engine) recordMeta(ruleID string, rm ruleMeta) {
	versions := e.lifecycle.Versions(ruleID)
	if len(versions) == 0 {
		return
	}
	v := versions[len(versions)-1].Version
	e.metaMu.Lock()
	if e.meta[ruleID] == nil {
		e.meta[ruleID] = make(map[uint64]ruleMeta)
	}
	e.meta[ruleID][v] = rm
	e.metaMu.Unlock()
}

// syncRuleFromLifecycle re-installs ruleID's currently active lifecycle
// version into this engine (the event-rule index or the sequence engine),
// reusing LoadEventRule/LoadSequenceRule rather than duplicating their
// validation and rollback logic.
func (e *Engine) syncRuleFromLifecycle(ruleID string) error {
	active, ok := e.lifecycle.Active(ruleID)
	if !ok {
		return nil
	}
	e.metaMu.Lock()
	rm := e.meta[ruleID][active.Version]
	e.metaMu.Unlock()

	switch {
	case active.EventRule != nil:
		ruleName := rm.ruleName
		if ruleName == "" {
			ruleName = ruleID
		}
		return e.LoadEventRule(ruleID, ruleName, *active.EventRule)
	case active.SequenceRule != nil:
		rule := rm.irRule
		rule.ID = ruleID
		rule.Kind = ir.RuleKindSequence
		if rule.Name == "" {
			rule.Name = ruleID
		}
		return e.LoadSequenceRule(rule, *active.SequenceRule, rm.runtimeTag, rm.predicateBodies)
	default:
		return nil
	}
}

// retireRule unloads ruleID from whichever of the event-rule index or the
// sequence engine currently holds it, and drops its engine-side metadata.
// Safe to call for a rule this engine never installed (both unload paths
// are no-ops in that case).
func (e *Engine) retireRule(ruleID string) {
	if tag, ok := e.findEventRuleRuntimeTag(ruleID); ok {
		e.UnloadEventRule(ruleID, tag)
	}
	e.UnloadSequenceRule(ruleID)
	e.metaMu.Lock()
	delete(e.meta, ruleID)
	e.metaMu.Unlock()
}

func (e *Engine) findEventRuleRuntimeTag(ruleID string) (string, bool) {
	e.indexMu.RLock()
	defer e.indexMu.RUnlock()
	for _, entries := range e.eventRuleIdx {
		for _, entry := range entries {
			if entry.ruleID == ruleID {
				return entry.runtimeTag, true
			}
		}
	}
	return "", false
}

// Submit is the hot-path entry point: it consults the single-event rule
// index for ev's event type, then drives the sequence engine, returning
// every alert produced. Safe to call concurrently from distinct workers as
// long as callers partition by entity key (spec.md §4.9).
func (e *Engine) Submit(ev *event.Event) []alert.Alert {
	e.eventsSubmitted.Add(1)

	var alerts []alert.Alert
	for _, entry := range e.snapshotEventRules(ev.EventTypeID) {
		rt, ok := e.resolveRuntime(entry.runtimeTag)
		if !ok {
			continue
		}
		table, _ := e.patterns.Get(entry.predicateID)
		res, err := rt.Evaluate(entry.predicateID, ev, runtime.HostABI{Event: ev, Patterns: table}, runtime.DefaultBudget())
		if err != nil {
			metrics.RuntimeBudgetExceeded.WithLabelValues(entry.runtimeTag, entry.predicateID).Inc()
			e.lifecycle.ReportRolloutError(entry.ruleID)
			continue
		}
		metrics.RuntimeEvaluations.WithLabelValues(entry.runtimeTag, matchLabel(res.Matched)).Inc()
		if !res.Matched {
			continue
		}
		alerts = append(alerts, alert.Alert{
			AlertID:     newAlertID(),
			RuleID:      entry.ruleID,
			RuleName:    entry.ruleName,
			Severity:    entry.severity,
			TimestampNs: ev.TsMonoNs,
			Evidence: []alert.EvidenceEvent{{
				EventID: ev.EventID, EventTypeID: ev.EventTypeID,
				TsMonoNs: ev.TsMonoNs, TsWallNs: ev.TsWallNs,
				Fields: projectFields(ev, entry.requiredFields),
			}},
			Captures: res.Captures,
		})
	}

	alerts = append(alerts, e.seq.Submit(ev)...)

	if len(alerts) > 0 {
		e.alertsEmitted.Add(int64(len(alerts)))
		if e.sink != nil {
			for _, a := range alerts {
				e.sink.Emit(a)
			}
		}
	}
	return alerts
}

func (e *Engine) snapshotEventRules(typeID schema.EventTypeId) []eventRuleEntry {
	e.indexMu.RLock()
	defer e.indexMu.RUnlock()
	entries := e.eventRuleIdx[typeID]
	out := make([]eventRuleEntry, len(entries))
	copy(out, entries)
	return out
}

func matchLabel(matched bool) string {
	if matched {
		return "matched"
	}
	return "unmatched"
}

// CleanupExpired runs one sweep of the sequence engine's expiry logic;
// embedders drive this on a tick (e.g. via a time.Ticker or cron job).
func (e *Engine) CleanupExpired() map[state.EvictionReason]int {
	return e.seq.CleanupExpired(e.clockP.MonoNs())
}

// Stats aggregates the façade's counters.
type Stats struct {
	EventsSubmitted int64
	AlertsEmitted   int64
	RulesRejected   int64
	BudgetErrors    int64
	PartialMatches  int64
}

func (e *Engine) Stats() Stats {
	return Stats{
		EventsSubmitted: e.eventsSubmitted.Load(),
		AlertsEmitted:   e.alertsEmitted.Load(),
		RulesRejected:   e.rulesRejected.Load(),
		BudgetErrors:    e.seq.BudgetErrors(),
		PartialMatches:  e.store.StatsTotal(),
	}
}

// Schema exposes the owned schema registry so callers can register
// fields/event types before submitting events.
func (e *Engine) Schema() *schema.Registry { return e.schema }

func errUnknownRuntimeTag(tag string) error {
	return fmt.Errorf("no predicate runtime registered under tag %q", tag)
}

func errMissingPredicateBody(predicateID string) error {
	return fmt.Errorf("no predicate body supplied for predicate id %q", predicateID)
}

func newAlertID() string { return uuid.NewString() }
