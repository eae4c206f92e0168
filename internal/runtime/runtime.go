// Package runtime defines the predicate runtime abstraction: one instance
// per runtime flavor, both sharing a single host-call ABI. Two concrete
// flavors live in the script and bytecode subpackages.
package runtime

import (
	"time"

	"github.com/endpointdefense/huntcore/internal/event"
	"github.com/endpointdefense/huntcore/internal/pattern"
	"github.com/endpointdefense/huntcore/internal/schema"
)

// EvalResult is the outcome of evaluating a predicate against an event.
type EvalResult struct {
	Matched  bool
	Captures map[schema.FieldId]event.TypedValue
}

// Capabilities describes what a runtime flavor can do, reported so the
// lifecycle manager and engine can make placement/validation decisions.
type Capabilities struct {
	MaxMemoryBytes  uint64
	MaxCPUBudget    uint64 // fuel units (bytecode); 0 for script, whose budget is a wall-clock deadline
	Sandboxed       bool
	SupportsCapture bool
}

// Budget bounds one evaluation's resource consumption. The bytecode
// runtime enforces it as a step counter; the script runtime enforces it
// via goja's VM interrupt mechanism polled against a wall-clock deadline,
// since goja has no native instruction-fuel counter.
type Budget struct {
	MaxSteps   uint64
	MaxMemory  uint64
	Deadline   time.Duration
}

// DefaultBudget is a conservative per-evaluation budget sized for a
// single-event predicate check, not a long-running script.
func DefaultBudget() Budget {
	return Budget{MaxSteps: 200_000, MaxMemory: 8 << 20, Deadline: 5 * time.Millisecond}
}

// HostABI binds the event-get / pattern-match / alert-emit calls a
// predicate body can invoke during one evaluation. It is constructed fresh
// per evaluation (cheap: a few pointer fields) and handed to the runtime.
type HostABI struct {
	Event    *event.Event
	Patterns *pattern.Table
	OnAlert  func(ruleIdentifier string)
}

// GetI64 implements event_get_i64; a missing or type-mismatched field
// returns (0, false) — the runtime-defined sentinel is the zero value,
// discoverable via the bool return (equivalent to a separate has_field
// call).
func (h HostABI) GetI64(id schema.FieldId) (int64, bool) {
	v, ok := h.Event.Get(id)
	if !ok {
		return 0, false
	}
	return v.AsI64()
}

func (h HostABI) GetU64(id schema.FieldId) (uint64, bool) {
	v, ok := h.Event.Get(id)
	if !ok {
		return 0, false
	}
	return v.AsU64()
}

func (h HostABI) GetF64(id schema.FieldId) (float64, bool) {
	v, ok := h.Event.Get(id)
	if !ok {
		return 0, false
	}
	return v.AsF64()
}

func (h HostABI) GetBool(id schema.FieldId) (bool, bool) {
	v, ok := h.Event.Get(id)
	if !ok {
		return false, false
	}
	return v.AsBool()
}

func (h HostABI) GetStr(id schema.FieldId) (string, bool) {
	v, ok := h.Event.Get(id)
	if !ok {
		return "", false
	}
	return v.AsString()
}

// ReMatch implements re_match: evaluates the regex at regexID against s.
func (h HostABI) ReMatch(regexID pattern.ID, s string) bool {
	if h.Patterns == nil {
		return false
	}
	return h.Patterns.MatchRegex(regexID, s)
}

// GlobMatch implements glob_match.
func (h HostABI) GlobMatch(globID pattern.ID, s string) bool {
	if h.Patterns == nil {
		return false
	}
	return h.Patterns.MatchGlob(globID, s)
}

// AlertEmit implements alert_emit, invoked by a predicate body that wants
// to signal a match directly (used by ad-hoc single-event rules whose
// bodies call into the host ABI rather than returning a boolean).
func (h HostABI) AlertEmit(ruleIdentifier string) {
	if h.OnAlert != nil {
		h.OnAlert(ruleIdentifier)
	}
}

// Runtime is the abstract contract both predicate-runtime flavors
// implement. Determinism contract: for a given (predicate id, event),
// Evaluate is pure and reproducible within one flavor.
type Runtime interface {
	LoadPredicate(id string, body []byte) error
	UnloadPredicate(id string)
	HasPredicate(id string) bool
	Evaluate(id string, ev *event.Event, abi HostABI, budget Budget) (EvalResult, error)
	EvaluateAdhoc(body []byte, ev *event.Event, abi HostABI, budget Budget) (EvalResult, error)
	RequiredFields(id string) []schema.FieldId
	Capabilities() Capabilities
}
