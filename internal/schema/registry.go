// Package schema maintains the bidirectional mapping between dotted field
// paths and compact numeric field identifiers, and between event-type names
// and event-type identifiers. Registered at startup; append-only once frozen.
package schema

import (
	"crypto/sha256"
	"sync"

	detecterrors "github.com/endpointdefense/huntcore/internal/errors"
)

// FieldId is a dense, monotonically assigned field identifier.
type FieldId uint32

// EventTypeId is a dense, monotonically assigned event-type identifier.
type EventTypeId uint16

// DataType enumerates the field value kinds the schema can describe.
type DataType uint8

const (
	DataTypeI64 DataType = iota
	DataTypeU64
	DataTypeF64
	DataTypeBool
	DataTypeString
	DataTypeBytes
	DataTypeArray
)

func (dt DataType) String() string {
	switch dt {
	case DataTypeI64:
		return "i64"
	case DataTypeU64:
		return "u64"
	case DataTypeF64:
		return "f64"
	case DataTypeBool:
		return "bool"
	case DataTypeString:
		return "string"
	case DataTypeBytes:
		return "bytes"
	case DataTypeArray:
		return "array"
	default:
		return "unknown"
	}
}

// FieldDef describes one registered field.
type FieldDef struct {
	Path        string
	DataType    DataType
	Description string
}

// EventTypeDef describes one registered event type.
type EventTypeDef struct {
	Name string
}

// Registry is the authoritative path/name <-> id mapping. Reads are
// read-biased via RWMutex; writes are serialized and rare (startup only).
// The registry is NOT consulted on the predicate-evaluation hot path: rules
// compile paths to ids at load time.
type Registry struct {
	mu sync.RWMutex

	fieldsByPath map[string]FieldId
	fieldDefs    []FieldDef

	eventTypesByName map[string]EventTypeId
	eventTypeDefs    []EventTypeDef

	frozen bool
}

// New returns an empty, writable registry.
func New() *Registry {
	return &Registry{
		fieldsByPath:     make(map[string]FieldId),
		eventTypesByName: make(map[string]EventTypeId),
	}
}

// RegisterField registers a field path, returning its stable FieldId.
// Re-registering a path with the same DataType is a no-op that returns the
// existing id (Description is not compared); registering a different
// DataType for an existing path returns a DuplicatePath error.
func (r *Registry) RegisterField(def FieldDef) (FieldId, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.fieldsByPath[def.Path]; ok {
		current := r.fieldDefs[existing]
		if current.DataType != def.DataType {
			return 0, detecterrors.DuplicatePath(def.Path)
		}
		return existing, nil
	}
	if r.frozen {
		return 0, detecterrors.Frozen(def.Path)
	}

	id := FieldId(len(r.fieldDefs))
	r.fieldDefs = append(r.fieldDefs, def)
	r.fieldsByPath[def.Path] = id
	return id, nil
}

// RegisterEventType registers an event-type name, returning its stable id.
func (r *Registry) RegisterEventType(name string) (EventTypeId, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.eventTypesByName[name]; ok {
		return existing, nil
	}
	if r.frozen {
		return 0, detecterrors.Frozen(name)
	}

	id := EventTypeId(len(r.eventTypeDefs))
	r.eventTypeDefs = append(r.eventTypeDefs, EventTypeDef{Name: name})
	r.eventTypesByName[name] = id
	return id, nil
}

// FieldID looks up a field's id by path. O(1).
func (r *Registry) FieldID(path string) (FieldId, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.fieldsByPath[path]
	return id, ok
}

// FieldDefByID returns the definition for a field id. O(1).
func (r *Registry) FieldDefByID(id FieldId) (FieldDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(id) >= len(r.fieldDefs) {
		return FieldDef{}, false
	}
	return r.fieldDefs[id], true
}

// EventTypeID looks up an event type's id by name. O(1).
func (r *Registry) EventTypeID(name string) (EventTypeId, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.eventTypesByName[name]
	return id, ok
}

// EventTypeName returns the name for an event-type id.
func (r *Registry) EventTypeName(id EventTypeId) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(id) >= len(r.eventTypeDefs) {
		return "", false
	}
	return r.eventTypeDefs[id].Name, true
}

// Freeze forbids further registration. Callers that need mutability after
// freeze must build a new registry and atomically swap it in.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Frozen reports whether the registry has been frozen.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Snapshot returns an immutable copy of the registry's current contents,
// used by rule-validation hooks that need a consistent view without holding
// the live registry's lock.
func (r *Registry) Snapshot() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cp := New()
	cp.frozen = true
	cp.fieldDefs = append(cp.fieldDefs, r.fieldDefs...)
	for k, v := range r.fieldsByPath {
		cp.fieldsByPath[k] = v
	}
	cp.eventTypeDefs = append(cp.eventTypeDefs, r.eventTypeDefs...)
	for k, v := range r.eventTypesByName {
		cp.eventTypesByName[k] = v
	}
	return cp
}

// SchemaHash returns a stable content hash over the registry's field and
// event-type definitions in id order. A replay log records this value at
// write time (spec.md §6.2); loading it against a registry with a different
// hash signals a schema drift the replay's recorded alerts can't be trusted
// against. Spec.md describes a Blake3 digest; SHA-256 is substituted here
// since Blake3 isn't among the available dependencies (see DESIGN.md).
func (r *Registry) SchemaHash() [32]byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h := sha256.New()
	for _, fd := range r.fieldDefs {
		h.Write([]byte(fd.Path))
		h.Write([]byte{byte(fd.DataType)})
	}
	h.Write([]byte{0xFF})
	for _, ed := range r.eventTypeDefs {
		h.Write([]byte(ed.Name))
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// MustRegisterField registers a field and panics on error. Only for tests
// and fixture setup; never on the hot path.
func (r *Registry) MustRegisterField(path string, dt DataType) FieldId {
	id, err := r.RegisterField(FieldDef{Path: path, DataType: dt})
	if err != nil {
		panic(err)
	}
	return id
}

// MustRegisterEventType registers an event type and panics on error. Only
// for tests and fixture setup.
func (r *Registry) MustRegisterEventType(name string) EventTypeId {
	id, err := r.RegisterEventType(name)
	if err != nil {
		panic(err)
	}
	return id
}
