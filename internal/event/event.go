// Package event implements the immutable, sparsely populated event record
// and its tagged-union field values.
package event

import (
	"bytes"
	"sort"

	"github.com/endpointdefense/huntcore/internal/errors"
	"github.com/endpointdefense/huntcore/internal/schema"
)

// ValueKind tags the active member of a TypedValue.
type ValueKind uint8

const (
	KindI64 ValueKind = iota
	KindU64
	KindF64
	KindBool
	KindString
	KindBytes
	KindArray
)

// TypedValue is a tagged union over the schema's data types. Equality and
// ordering are type-homogeneous: comparing across kinds returns false for
// Equal and an error for Compare. There is no null variant — absence of a
// field IS the null representation.
type TypedValue struct {
	Kind ValueKind

	i64 int64
	u64 uint64
	f64 float64
	b   bool
	str string
	by  []byte
	arr []TypedValue
}

func I64(v int64) TypedValue     { return TypedValue{Kind: KindI64, i64: v} }
func U64(v uint64) TypedValue    { return TypedValue{Kind: KindU64, u64: v} }
func F64(v float64) TypedValue   { return TypedValue{Kind: KindF64, f64: v} }
func Bool(v bool) TypedValue     { return TypedValue{Kind: KindBool, b: v} }
func Str(v string) TypedValue    { return TypedValue{Kind: KindString, str: v} }
func Bytes(v []byte) TypedValue  { return TypedValue{Kind: KindBytes, by: v} }
func Array(v []TypedValue) TypedValue { return TypedValue{Kind: KindArray, arr: v} }

func (v TypedValue) AsI64() (int64, bool)   { return v.i64, v.Kind == KindI64 }
func (v TypedValue) AsU64() (uint64, bool)  { return v.u64, v.Kind == KindU64 }
func (v TypedValue) AsF64() (float64, bool) { return v.f64, v.Kind == KindF64 }
func (v TypedValue) AsBool() (bool, bool)   { return v.b, v.Kind == KindBool }
func (v TypedValue) AsString() (string, bool) { return v.str, v.Kind == KindString }
func (v TypedValue) AsBytes() ([]byte, bool)  { return v.by, v.Kind == KindBytes }
func (v TypedValue) AsArray() ([]TypedValue, bool) { return v.arr, v.Kind == KindArray }

// Equal implements type-homogeneous equality; cross-kind comparisons are
// always false.
func (v TypedValue) Equal(other TypedValue) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindI64:
		return v.i64 == other.i64
	case KindU64:
		return v.u64 == other.u64
	case KindF64:
		return v.f64 == other.f64
	case KindBool:
		return v.b == other.b
	case KindString:
		return v.str == other.str
	case KindBytes:
		return bytes.Equal(v.by, other.by)
	case KindArray:
		if len(v.arr) != len(other.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(other.arr[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Compare implements type-homogeneous ordering; Array has no ordering.
// Cross-kind or unorderable comparisons return an error.
func (v TypedValue) Compare(other TypedValue) (int, error) {
	if v.Kind != other.Kind {
		return 0, errors.FieldTypeMismatch("<compare>")
	}
	switch v.Kind {
	case KindI64:
		return cmpOrdered(v.i64, other.i64), nil
	case KindU64:
		return cmpOrdered(v.u64, other.u64), nil
	case KindF64:
		return cmpOrdered(v.f64, other.f64), nil
	case KindString:
		return cmpOrdered(v.str, other.str), nil
	case KindBool:
		return 0, errors.FieldTypeMismatch("bool is not ordered")
	default:
		return 0, errors.FieldTypeMismatch("kind is not ordered")
	}
}

func cmpOrdered[T int64 | uint64 | float64 | string](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// FieldValue pairs a field id with its typed value, kept sorted by FieldId
// inside an Event.
type FieldValue struct {
	FieldID schema.FieldId
	Value   TypedValue
}

// Event is an immutable, sparsely populated record tagged with an
// event-type id, two timestamps, an entity key, a monotonic ingest sequence
// number, and a field set sorted by FieldId.
type Event struct {
	EventID     uint64
	EventTypeID schema.EventTypeId
	TsMonoNs    uint64
	TsWallNs    uint64
	EntityKey   [16]byte // 128-bit opaque entity correlation key
	Source      string
	fields      []FieldValue // sorted by FieldID, immutable after Build
}

// Get performs an O(log n) binary search for a field's value.
func (e *Event) Get(id schema.FieldId) (TypedValue, bool) {
	i := sort.Search(len(e.fields), func(i int) bool { return e.fields[i].FieldID >= id })
	if i < len(e.fields) && e.fields[i].FieldID == id {
		return e.fields[i].Value, true
	}
	return TypedValue{}, false
}

// Fields returns the sorted field slice. Callers must not mutate it.
func (e *Event) Fields() []FieldValue {
	return e.fields
}

// Equal reports value-based equality between two events.
func (e *Event) Equal(other *Event) bool {
	if e.EventID != other.EventID || e.EventTypeID != other.EventTypeID ||
		e.TsMonoNs != other.TsMonoNs || e.TsWallNs != other.TsWallNs ||
		e.EntityKey != other.EntityKey || e.Source != other.Source {
		return false
	}
	if len(e.fields) != len(other.fields) {
		return false
	}
	for i := range e.fields {
		if e.fields[i].FieldID != other.fields[i].FieldID || !e.fields[i].Value.Equal(other.fields[i].Value) {
			return false
		}
	}
	return true
}

// Builder accumulates (FieldId, TypedValue) pairs and enforces the
// sorted-by-FieldId invariant at Build() time, rejecting duplicate field
// ids as a builder-time (programmer) error.
type Builder struct {
	eventID     uint64
	eventTypeID schema.EventTypeId
	tsMonoNs    uint64
	tsWallNs    uint64
	entityKey   [16]byte
	source      string
	fields      []FieldValue
}

func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) EventID(id uint64) *Builder               { b.eventID = id; return b }
func (b *Builder) EventTypeID(id schema.EventTypeId) *Builder { b.eventTypeID = id; return b }
func (b *Builder) TsMonoNs(ns uint64) *Builder               { b.tsMonoNs = ns; return b }
func (b *Builder) TsWallNs(ns uint64) *Builder               { b.tsWallNs = ns; return b }
func (b *Builder) EntityKey(k [16]byte) *Builder             { b.entityKey = k; return b }
func (b *Builder) Source(s string) *Builder                  { b.source = s; return b }

func (b *Builder) Field(id schema.FieldId, v TypedValue) *Builder {
	b.fields = append(b.fields, FieldValue{FieldID: id, Value: v})
	return b
}

// Build finalizes the event, sorting fields by FieldId and rejecting
// duplicate field ids.
func (b *Builder) Build() (*Event, error) {
	sorted := make([]FieldValue, len(b.fields))
	copy(sorted, b.fields)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].FieldID < sorted[j].FieldID })

	for i := 1; i < len(sorted); i++ {
		if sorted[i].FieldID == sorted[i-1].FieldID {
			return nil, errors.UnsortedFields().WithDetails("duplicate_field_id", sorted[i].FieldID)
		}
	}

	return &Event{
		EventID:     b.eventID,
		EventTypeID: b.eventTypeID,
		TsMonoNs:    b.tsMonoNs,
		TsWallNs:    b.tsWallNs,
		EntityKey:   b.entityKey,
		Source:      b.source,
		fields:      sorted,
	}, nil
}

// EntityKeyFromU64 packs a small scalar entity key into the 128-bit slot,
// matching the common "pid composed with start time" case reduced to a
// single 64-bit quantity in tests and examples.
func EntityKeyFromU64(v uint64) [16]byte {
	var k [16]byte
	for i := 0; i < 8; i++ {
		k[15-i] = byte(v >> (8 * i))
	}
	return k
}
