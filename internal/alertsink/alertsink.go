// Package alertsink provides example Sink implementations for the
// engine's alert callback (spec.md §6.3). The core only defines the
// interface; concrete sinks (persistence, transport, batching) are the
// embedding application's concern. ConsoleSink ships as a default/example
// implementation, grounded on the teacher's gjson-based JSON-path reads
// in services/datafeeds.
package alertsink

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/endpointdefense/huntcore/internal/alert"
	"github.com/endpointdefense/huntcore/internal/event"
	"github.com/endpointdefense/huntcore/internal/schema"
	"github.com/endpointdefense/huntcore/pkg/logger"
)

// ConsoleSink renders each alert as JSON and logs it at Warn level. It
// also keeps the last N rendered alerts queryable via gjson paths, useful
// for a replay driver's summary output.
type ConsoleSink struct {
	log *logger.Logger

	mu      sync.Mutex
	history [][]byte
	maxKept int
}

func NewConsoleSink(log *logger.Logger) *ConsoleSink {
	if log == nil {
		log = logger.NewDefault("alertsink")
	}
	return &ConsoleSink{log: log, maxKept: 1000}
}

// Emit implements alert.Sink.
func (s *ConsoleSink) Emit(a alert.Alert) {
	body, err := json.Marshal(renderAlert(a))
	if err != nil {
		s.log.WithError(err).Error("failed to render alert")
		return
	}

	s.mu.Lock()
	s.history = append(s.history, body)
	if len(s.history) > s.maxKept {
		s.history = s.history[len(s.history)-s.maxKept:]
	}
	s.mu.Unlock()

	s.log.WithField("rule_id", a.RuleID).
		WithField("severity", a.Severity).
		WithField("alert_id", a.AlertID).
		Warn("alert emitted")
}

// renderAlert projects an Alert into a plain JSON-friendly map; TypedValue
// captures are flattened to their underlying Go value for readability.
func renderAlert(a alert.Alert) map[string]interface{} {
	captures := make(map[string]interface{}, len(a.Captures))
	for fid, v := range a.Captures {
		captures[fieldKey(fid)] = flattenValue(v)
	}

	evidence := make([]map[string]interface{}, 0, len(a.Evidence))
	for _, e := range a.Evidence {
		fields := make(map[string]interface{}, len(e.Fields))
		for fid, v := range e.Fields {
			fields[fieldKey(fid)] = flattenValue(v)
		}
		evidence = append(evidence, map[string]interface{}{
			"event_id":      e.EventID,
			"event_type_id": e.EventTypeID,
			"ts_mono_ns":    e.TsMonoNs,
			"ts_wall_ns":    e.TsWallNs,
			"fields":        fields,
		})
	}

	return map[string]interface{}{
		"alert_id":     a.AlertID,
		"rule_id":      a.RuleID,
		"rule_name":    a.RuleName,
		"severity":     a.Severity,
		"timestamp_ns": a.TimestampNs,
		"evidence":     evidence,
		"captures":     captures,
	}
}

func fieldKey(fid schema.FieldId) string { return fmt.Sprintf("field_%d", uint32(fid)) }

// flattenValue unwraps a TypedValue into the underlying Go value a JSON
// encoder can render directly.
func flattenValue(v event.TypedValue) interface{} {
	switch v.Kind {
	case event.KindI64:
		i, _ := v.AsI64()
		return i
	case event.KindU64:
		u, _ := v.AsU64()
		return u
	case event.KindF64:
		f, _ := v.AsF64()
		return f
	case event.KindBool:
		b, _ := v.AsBool()
		return b
	case event.KindString:
		s, _ := v.AsString()
		return s
	case event.KindBytes:
		b, _ := v.AsBytes()
		return b
	case event.KindArray:
		arr, _ := v.AsArray()
		out := make([]interface{}, len(arr))
		for i, e := range arr {
			out[i] = flattenValue(e)
		}
		return out
	default:
		return nil
	}
}

// Query runs a gjson path against the Nth most recently emitted alert
// (0 = most recent), matching the teacher's gjson.GetBytes usage for
// pulling a single field out of a JSON document without a full unmarshal.
func (s *ConsoleSink) Query(n int, path string) (gjson.Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := len(s.history) - 1 - n
	if idx < 0 || idx >= len(s.history) {
		return gjson.Result{}, false
	}
	return gjson.GetBytes(s.history[idx], path), true
}

// History returns the raw JSON bytes of every alert retained so far.
func (s *ConsoleSink) History() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.history))
	copy(out, s.history)
	return out
}
