// Package sequence implements the NFA that maintains per-entity progress
// through a loaded sequence's ordered steps and emits an alert when an
// entity traverses them within the time window without being terminated.
// Grounded on the teacher's system/events.RequestRouter dispatch-by-type
// indexing idiom (a map from a discriminant to a handler set), here keyed
// by event-type id to candidate sequence ids instead of by request type to
// handler.
package sequence

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/endpointdefense/huntcore/internal/alert"
	"github.com/endpointdefense/huntcore/internal/event"
	"github.com/endpointdefense/huntcore/internal/ir"
	"github.com/endpointdefense/huntcore/internal/metrics"
	"github.com/endpointdefense/huntcore/internal/pattern"
	"github.com/endpointdefense/huntcore/internal/runtime"
	"github.com/endpointdefense/huntcore/internal/schema"
	"github.com/endpointdefense/huntcore/internal/state"
	"github.com/endpointdefense/huntcore/pkg/logger"
)

// Loaded pairs a compiled sequence descriptor with the pattern table and
// runtime flavor its steps' predicates were compiled against.
type Loaded struct {
	Rule       ir.IrRule // Kind == RuleKindSequence; carries ID/Name/Severity
	Descriptor ir.IrSequence
	RuntimeTag string
}

// RuntimeResolver returns the predicate runtime instance for a given tag
// ("bytecode" or "script"), letting the sequence engine stay agnostic of
// which concrete flavors exist.
type RuntimeResolver func(tag string) (runtime.Runtime, bool)

// Config configures the Engine.
type Config struct {
	Store           *state.Store
	RuntimeResolver RuntimeResolver
	Patterns        *pattern.Registry
	Logger          *logger.Logger
}

// Engine maintains partial matches for every loaded sequence.
type Engine struct {
	store    *state.Store
	resolve  RuntimeResolver
	patterns *pattern.Registry
	log      *logger.Logger

	mu        sync.RWMutex
	sequences map[string]*Loaded

	// eventTypeIndex maps an event-type id to the set of sequence ids that
	// mention it anywhere in their step list, deduplicated per sequence.
	eventTypeIndex map[schema.EventTypeId]map[string]struct{}
	// untilIndex maps an event-type id to the set of sequence ids whose
	// `until` terminator step matches that event type.
	untilIndex map[schema.EventTypeId]map[string]struct{}

	budgetErrors atomic64
}

// atomic64 is a tiny counter; kept local since only one field needs it
// here and importing sync/atomic's typed counters for a single field would
// be overkill relative to the rest of the package's style.
type atomic64 struct {
	mu sync.Mutex
	n  int64
}

func (a *atomic64) add(n int64) {
	a.mu.Lock()
	a.n += n
	a.mu.Unlock()
}

func (a *atomic64) load() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n
}

// New constructs a sequence Engine backed by the given state Store.
func New(cfg Config) *Engine {
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("sequence")
	}
	return &Engine{
		store:          cfg.Store,
		resolve:        cfg.RuntimeResolver,
		patterns:       cfg.Patterns,
		log:            log,
		sequences:      make(map[string]*Loaded),
		eventTypeIndex: make(map[schema.EventTypeId]map[string]struct{}),
		untilIndex:     make(map[schema.EventTypeId]map[string]struct{}),
	}
}

// LoadSequence stores the sequence under its id and rebuilds the
// event-type and until indices for it.
func (e *Engine) LoadSequence(l Loaded) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.unindexLocked(l.Descriptor.ID)
	e.sequences[l.Descriptor.ID] = &l

	for _, step := range l.Descriptor.Steps {
		e.addIndexLocked(e.eventTypeIndex, step.EventTypeID, l.Descriptor.ID)
	}
	if l.Descriptor.Until != nil {
		e.addIndexLocked(e.untilIndex, l.Descriptor.Until.EventTypeID, l.Descriptor.ID)
	}
	e.log.WithField("sequence_id", l.Descriptor.ID).WithField("steps", len(l.Descriptor.Steps)).Info("sequence loaded")
}

// UnloadSequence removes a sequence and its indices. In-flight partial
// matches for it stay in the store; cleanup then finds no maxspan for the
// sequence, so a sweep reaps them only once they exceed the store's TTL.
func (e *Engine) UnloadSequence(sequenceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unindexLocked(sequenceID)
	delete(e.sequences, sequenceID)
	e.log.WithField("sequence_id", sequenceID).Info("sequence unloaded")
}

func (e *Engine) unindexLocked(sequenceID string) {
	for _, set := range e.eventTypeIndex {
		delete(set, sequenceID)
	}
	for _, set := range e.untilIndex {
		delete(set, sequenceID)
	}
}

func (e *Engine) addIndexLocked(idx map[schema.EventTypeId]map[string]struct{}, typeID schema.EventTypeId, sequenceID string) {
	set, ok := idx[typeID]
	if !ok {
		set = make(map[string]struct{})
		idx[typeID] = set
	}
	set[sequenceID] = struct{}{}
}

// candidates resolves the sequence ids a given event-type id is relevant
// to: the union of step membership and until-terminator membership,
// returned in stable sequence-id order so a multi-alert event produces a
// deterministic alert order (spec.md §4.6.3).
func (e *Engine) candidates(typeID schema.EventTypeId) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	seen := make(map[string]struct{})
	for id := range e.eventTypeIndex[typeID] {
		seen[id] = struct{}{}
	}
	for id := range e.untilIndex[typeID] {
		seen[id] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Submit evaluates the incoming event against every candidate sequence and
// returns any alerts completed as a result.
func (e *Engine) Submit(ev *event.Event) []alert.Alert {
	var alerts []alert.Alert
	for _, seqID := range e.candidates(ev.EventTypeID) {
		e.mu.RLock()
		l, ok := e.sequences[seqID]
		e.mu.RUnlock()
		if !ok {
			continue
		}
		if a := e.evaluateOne(l, ev); a != nil {
			alerts = append(alerts, *a)
		}
	}
	return alerts
}

// evaluateOne runs the per-candidate-sequence algorithm from spec.md
// §4.6.2 against one event.
func (e *Engine) evaluateOne(l *Loaded, ev *event.Event) *alert.Alert {
	desc := &l.Descriptor

	entityKey, ok := ev.Get(desc.GroupingFieldID)
	if !ok {
		// Missing grouping field: the sequence is silently skipped for
		// this event, not an error (spec.md §4.6.4).
		return nil
	}
	entityKeyBytes := entityKeyHash(entityKey)

	rt, ok := e.resolve(l.RuntimeTag)
	if !ok {
		e.log.WithField("sequence_id", desc.ID).Error("no runtime registered for tag")
		return nil
	}

	// (b) until-terminator: if E matches the terminator's event type and
	// its predicate evaluates true for this entity, tear down any live
	// match and stop.
	if desc.Until != nil && desc.Until.EventTypeID == ev.EventTypeID {
		res, err := e.evaluateStep(rt, desc.Until.PredicateID, ev)
		if err == nil && res.Matched {
			e.store.Remove(state.Key{SequenceID: desc.ID, EntityKey: entityKeyBytes})
			metrics.SequenceExpired.WithLabelValues(desc.ID, "terminated").Inc()
			return nil
		}
	}

	key := state.Key{SequenceID: desc.ID, EntityKey: entityKeyBytes}
	pm, exists := e.store.Get(key)

	// (c) expected next step: a live (non-terminated) match advances;
	// otherwise a new match may start at step 0. This implements the
	// "single live match per entity per sequence" model documented in
	// DESIGN.md for spec.md §9's open question.
	var stepIdx int
	if exists && !pm.Terminated {
		stepIdx = pm.CurrentState
	} else {
		stepIdx = 0
	}
	if stepIdx >= len(desc.Steps) {
		return nil
	}
	step := desc.Steps[stepIdx]

	if step.EventTypeID != ev.EventTypeID {
		return nil
	}

	res, err := e.evaluateStep(rt, step.PredicateID, ev)
	if err != nil {
		// Predicate evaluation failure (runtime error, budget exceeded):
		// treat as non-match, count, move on (spec.md §4.6.4, §7).
		e.budgetErrors.add(1)
		metrics.RuntimeBudgetExceeded.WithLabelValues(l.RuntimeTag, step.PredicateID).Inc()
		return nil
	}
	if !res.Matched {
		return nil
	}

	if stepIdx == 0 {
		pm = &state.PartialMatch{
			SequenceID:     desc.ID,
			EntityKey:      entityKeyBytes,
			CurrentState:   0,
			CreatedNs:      ev.TsMonoNs,
			LastMatchedNs:  ev.TsMonoNs,
			CapturedValues: make(map[uint32]interface{}),
		}
	}
	pm.LastMatchedNs = ev.TsMonoNs
	pm.MatchedEvents = append(pm.MatchedEvents, state.MatchedEventRef{
		EventID: ev.EventID, EventTypeID: uint16(ev.EventTypeID),
		TsMonoNs: ev.TsMonoNs, TsWallNs: ev.TsWallNs,
		Fields: projectStepFields(ev, step.Captures),
	})
	mergeCaptures(pm, res.Captures)
	pm.CurrentState = stepIdx + 1

	// Time-window enforcement: even a step that matched by predicate is
	// rejected if it falls outside maxspan relative to the match's start.
	// maxspan_ns == 0 is not "no window" — per spec.md §8's boundary case
	// it means every step must share exactly the first step's timestamp.
	if stepIdx > 0 && exceedsMaxspan(ev.TsMonoNs, pm.CreatedNs, desc.MaxspanNs) {
		e.store.Remove(key)
		metrics.SequenceExpired.WithLabelValues(desc.ID, "maxspan").Inc()
		return nil
	}

	if pm.CurrentState == len(desc.Steps) {
		pm.Terminated = true
		a := buildAlert(l.Rule, pm)
		if err := e.store.Insert(key, pm); err != nil {
			// Quota exceeded on the terminal write: the alert itself still
			// fires (evidence is already captured in memory); only the
			// tombstone write is lost, which is harmless since it is about
			// to be reaped anyway.
			e.log.WithField("sequence_id", desc.ID).WithError(err).Warn("failed to persist terminal tombstone")
		}
		metrics.SequenceAlertsEmitted.WithLabelValues(desc.ID).Inc()
		return &a
	}

	if err := e.store.Insert(key, pm); err != nil {
		e.log.WithField("sequence_id", desc.ID).WithError(err).Warn("partial match rejected by state store quota")
		return nil
	}
	if stepIdx == 0 {
		metrics.SequenceMatchesCreated.WithLabelValues(desc.ID).Inc()
	}
	return nil
}

// evaluateStep evaluates a loaded predicate id against an event, resolving
// via the runtime's cached-by-id path (predicates are pre-loaded at rule
// install time, never evaluated ad hoc inside the sequence engine). The
// predicate's compiled regex/glob table, if any, is attached to the host
// ABI so regex()/wildcard() calls resolve.
func (e *Engine) evaluateStep(rt runtime.Runtime, predicateID string, ev *event.Event) (runtime.EvalResult, error) {
	var table *pattern.Table
	if e.patterns != nil {
		table, _ = e.patterns.Get(predicateID)
	}
	return rt.Evaluate(predicateID, ev, runtime.HostABI{Event: ev, Patterns: table}, runtime.DefaultBudget())
}

// exceedsMaxspan reports whether tsNs has drifted past the sequence's
// window relative to createdNs. maxspanNs == 0 means the window is a
// single instant: every subsequent step must carry the exact same
// timestamp as the first matched event.
func exceedsMaxspan(tsNs, createdNs, maxspanNs uint64) bool {
	if maxspanNs == 0 {
		return tsNs != createdNs
	}
	return tsNs-createdNs > maxspanNs
}

// projectStepFields copies a step's declared capture fields out of ev into
// the compact shape state.MatchedEventRef.Fields expects, so the alert
// evidence built from it carries the projected subset of fields spec.md §3
// requires rather than bare ids/timestamps.
func projectStepFields(ev *event.Event, ids []schema.FieldId) map[uint32]interface{} {
	if len(ids) == 0 {
		return nil
	}
	out := make(map[uint32]interface{}, len(ids))
	for _, id := range ids {
		if v, ok := ev.Get(id); ok {
			out[uint32(id)] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func mergeCaptures(pm *state.PartialMatch, captures map[schema.FieldId]event.TypedValue) {
	for fid, v := range captures {
		pm.CapturedValues[uint32(fid)] = v
	}
}

// entityKeyHash packs a TypedValue grouping-field value into the 128-bit
// entity key slot. Numeric kinds pack directly; strings and bytes are
// summarized via a stable hash, matching spec.md §4.6.2's "hashed to 128
// bits" instruction.
func entityKeyHash(v event.TypedValue) [16]byte {
	switch v.Kind {
	case event.KindU64:
		u, _ := v.AsU64()
		return event.EntityKeyFromU64(u)
	case event.KindI64:
		i, _ := v.AsI64()
		return event.EntityKeyFromU64(uint64(i))
	case event.KindString:
		s, _ := v.AsString()
		return hashBytes([]byte(s))
	case event.KindBytes:
		b, _ := v.AsBytes()
		return hashBytes(b)
	default:
		return [16]byte{}
	}
}

func hashBytes(b []byte) [16]byte {
	id := uuid.NewSHA1(uuid.Nil, b)
	return [16]byte(id)
}

func buildAlert(rule ir.IrRule, pm *state.PartialMatch) alert.Alert {
	captures := make(map[schema.FieldId]event.TypedValue, len(pm.CapturedValues))
	for fid, v := range pm.CapturedValues {
		if tv, ok := v.(event.TypedValue); ok {
			captures[schema.FieldId(fid)] = tv
		}
	}
	evidence := make([]alert.EvidenceEvent, 0, len(pm.MatchedEvents))
	for _, me := range pm.MatchedEvents {
		var fields map[schema.FieldId]event.TypedValue
		if len(me.Fields) > 0 {
			fields = make(map[schema.FieldId]event.TypedValue, len(me.Fields))
			for fid, v := range me.Fields {
				if tv, ok := v.(event.TypedValue); ok {
					fields[schema.FieldId(fid)] = tv
				}
			}
		}
		evidence = append(evidence, alert.EvidenceEvent{
			EventID:     me.EventID,
			EventTypeID: schema.EventTypeId(me.EventTypeID),
			TsMonoNs:    me.TsMonoNs,
			TsWallNs:    me.TsWallNs,
			Fields:      fields,
		})
	}
	return alert.Alert{
		AlertID:     uuid.NewString(),
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		Severity:    rule.Severity,
		TimestampNs: pm.LastMatchedNs,
		Evidence:    evidence,
		Captures:    captures,
	}
}

// BudgetErrors reports the count of predicate evaluations that failed or
// exceeded budget while advancing a sequence, for rule-health stats.
func (e *Engine) BudgetErrors() int64 {
	return e.budgetErrors.load()
}

// CleanupExpired delegates to the backing state store, supplying this
// engine's per-sequence maxspan lookup.
func (e *Engine) CleanupExpired(nowNs uint64) map[state.EvictionReason]int {
	return e.store.CleanupExpired(nowNs, func(sequenceID string) uint64 {
		e.mu.RLock()
		defer e.mu.RUnlock()
		if l, ok := e.sequences[sequenceID]; ok {
			return l.Descriptor.MaxspanNs
		}
		return 0
	})
}
