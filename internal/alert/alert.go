// Package alert defines the Alert record emitted exactly once per
// completed rule match (single-event or sequence) and the Sink interface
// that receives it.
package alert

import (
	"github.com/endpointdefense/huntcore/internal/event"
	"github.com/endpointdefense/huntcore/internal/schema"
)

// EvidenceEvent is a projected subset of one matched event: type,
// timestamp, and a caller-chosen field subset, avoiding a full Event copy
// inside the alert record per spec.md §3.
type EvidenceEvent struct {
	EventID     uint64
	EventTypeID schema.EventTypeId
	TsMonoNs    uint64
	TsWallNs    uint64
	Fields      map[schema.FieldId]event.TypedValue
}

// Alert is emitted exactly once per completed match. See spec.md §3.
type Alert struct {
	AlertID     string
	RuleID      string
	RuleName    string
	Severity    string
	TimestampNs uint64
	Evidence    []EvidenceEvent
	Captures    map[schema.FieldId]event.TypedValue
}

// Sink is the single-method interface an alert is delivered to; transport,
// batching, and persistence are the sink's concern, not the engine's.
type Sink interface {
	Emit(a Alert)
}

// SinkFunc adapts a plain function to the Sink interface, mirroring the
// teacher's handler-func adapters for single-method interfaces.
type SinkFunc func(a Alert)

func (f SinkFunc) Emit(a Alert) { f(a) }
