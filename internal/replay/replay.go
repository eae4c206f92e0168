// Package replay implements the persisted event-log format from spec.md
// §6.2: a fixed header followed by length-prefixed, msgpack-encoded event
// records, loaded back in (ts_mono_ns, event_id) order so that replaying a
// log against the same rule set and engine version reproduces identical
// alerts. Grounded on the pack's DataDog-datadog-agent use of
// vmihailenco/msgpack for compact, schema-evolvable record encoding.
package replay

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/endpointdefense/huntcore/internal/event"
	"github.com/endpointdefense/huntcore/internal/schema"
)

// magic identifies a huntcore replay log.
var magic = [4]byte{'H', 'N', 'T', 'R'}

// FormatVersion is the current on-disk record format. Bumped whenever the
// wire encoding of Header or event records changes incompatibly.
const FormatVersion uint16 = 1

// Header is the fixed preamble of a replay log, matching spec.md §6.2:
// magic (4), version (2), schema_hash (32), engine_build_id (length-prefixed
// string), created_at_wall_ns (8).
type Header struct {
	Version         uint16
	SchemaHash      [32]byte
	EngineBuildID   string
	CreatedAtWallNs uint64
}

func writeHeader(w io.Writer, h Header) error {
	if _, err := w.Write(magic[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, h.Version); err != nil {
		return err
	}
	if _, err := w.Write(h.SchemaHash[:]); err != nil {
		return err
	}
	idBytes := []byte(h.EngineBuildID)
	if err := binary.Write(w, binary.BigEndian, uint32(len(idBytes))); err != nil {
		return err
	}
	if _, err := w.Write(idBytes); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, h.CreatedAtWallNs)
}

func readHeader(r io.Reader) (Header, error) {
	var h Header
	var m [4]byte
	if _, err := io.ReadFull(r, m[:]); err != nil {
		return h, fmt.Errorf("replay: reading magic: %w", err)
	}
	if m != magic {
		return h, fmt.Errorf("replay: bad magic bytes %x, not a huntcore replay log", m)
	}
	if err := binary.Read(r, binary.BigEndian, &h.Version); err != nil {
		return h, err
	}
	if _, err := io.ReadFull(r, h.SchemaHash[:]); err != nil {
		return h, err
	}
	var idLen uint32
	if err := binary.Read(r, binary.BigEndian, &idLen); err != nil {
		return h, err
	}
	idBytes := make([]byte, idLen)
	if _, err := io.ReadFull(r, idBytes); err != nil {
		return h, err
	}
	h.EngineBuildID = string(idBytes)
	if err := binary.Read(r, binary.BigEndian, &h.CreatedAtWallNs); err != nil {
		return h, err
	}
	return h, nil
}

// wireValue is the tag-then-value msgpack encoding of an event.TypedValue,
// using stable variant names per spec.md §6.2 rather than the Kind byte
// (which is an internal implementation detail that could be reordered).
type wireValue struct {
	Kind  string      `msgpack:"kind"`
	I64   int64       `msgpack:"i64,omitempty"`
	U64   uint64      `msgpack:"u64,omitempty"`
	F64   float64     `msgpack:"f64,omitempty"`
	Bool  bool        `msgpack:"bool,omitempty"`
	Str   string      `msgpack:"str,omitempty"`
	Bytes []byte      `msgpack:"bytes,omitempty"`
	Arr   []wireValue `msgpack:"arr,omitempty"`
}

func toWireValue(v event.TypedValue) wireValue {
	switch v.Kind {
	case event.KindI64:
		i, _ := v.AsI64()
		return wireValue{Kind: "i64", I64: i}
	case event.KindU64:
		u, _ := v.AsU64()
		return wireValue{Kind: "u64", U64: u}
	case event.KindF64:
		f, _ := v.AsF64()
		return wireValue{Kind: "f64", F64: f}
	case event.KindBool:
		b, _ := v.AsBool()
		return wireValue{Kind: "bool", Bool: b}
	case event.KindString:
		s, _ := v.AsString()
		return wireValue{Kind: "str", Str: s}
	case event.KindBytes:
		b, _ := v.AsBytes()
		return wireValue{Kind: "bytes", Bytes: b}
	case event.KindArray:
		arr, _ := v.AsArray()
		out := make([]wireValue, len(arr))
		for i, elem := range arr {
			out[i] = toWireValue(elem)
		}
		return wireValue{Kind: "arr", Arr: out}
	default:
		return wireValue{Kind: "i64"}
	}
}

func fromWireValue(w wireValue) event.TypedValue {
	switch w.Kind {
	case "i64":
		return event.I64(w.I64)
	case "u64":
		return event.U64(w.U64)
	case "f64":
		return event.F64(w.F64)
	case "bool":
		return event.Bool(w.Bool)
	case "str":
		return event.Str(w.Str)
	case "bytes":
		return event.Bytes(w.Bytes)
	case "arr":
		arr := make([]event.TypedValue, len(w.Arr))
		for i, elem := range w.Arr {
			arr[i] = fromWireValue(elem)
		}
		return event.Array(arr)
	default:
		return event.TypedValue{}
	}
}

type wireField struct {
	FieldID uint32    `msgpack:"field_id"`
	Value   wireValue `msgpack:"value"`
}

type wireEvent struct {
	EventID     uint64      `msgpack:"event_id"`
	EventTypeID uint16      `msgpack:"event_type_id"`
	TsMonoNs    uint64      `msgpack:"ts_mono_ns"`
	TsWallNs    uint64      `msgpack:"ts_wall_ns"`
	EntityKey   []byte      `msgpack:"entity_key"`
	Source      string      `msgpack:"source,omitempty"`
	Fields      []wireField `msgpack:"fields"`
}

func toWireEvent(ev *event.Event) wireEvent {
	fields := ev.Fields()
	wf := make([]wireField, len(fields))
	for i, f := range fields {
		wf[i] = wireField{FieldID: uint32(f.FieldID), Value: toWireValue(f.Value)}
	}
	key := ev.EntityKey
	return wireEvent{
		EventID:     ev.EventID,
		EventTypeID: uint16(ev.EventTypeID),
		TsMonoNs:    ev.TsMonoNs,
		TsWallNs:    ev.TsWallNs,
		EntityKey:   key[:],
		Source:      ev.Source,
		Fields:      wf,
	}
}

func fromWireEvent(w wireEvent) (*event.Event, error) {
	b := event.NewBuilder().
		EventID(w.EventID).
		EventTypeID(schema.EventTypeId(w.EventTypeID)).
		TsMonoNs(w.TsMonoNs).
		TsWallNs(w.TsWallNs).
		Source(w.Source)
	var key [16]byte
	copy(key[:], w.EntityKey)
	b.EntityKey(key)
	for _, f := range w.Fields {
		b.Field(schema.FieldId(f.FieldID), fromWireValue(f.Value))
	}
	return b.Build()
}

// Writer appends length-prefixed event records to an open replay log after
// its header has already been written.
type Writer struct {
	w io.Writer
}

// NewWriter writes header to w and returns a Writer for appending events.
func NewWriter(w io.Writer, header Header) (*Writer, error) {
	if header.Version == 0 {
		header.Version = FormatVersion
	}
	if err := writeHeader(w, header); err != nil {
		return nil, fmt.Errorf("replay: writing header: %w", err)
	}
	return &Writer{w: w}, nil
}

// WriteEvent appends one length-prefixed, msgpack-encoded event record.
func (rw *Writer) WriteEvent(ev *event.Event) error {
	payload, err := msgpack.Marshal(toWireEvent(ev))
	if err != nil {
		return fmt.Errorf("replay: encoding event %d: %w", ev.EventID, err)
	}
	if err := binary.Write(rw.w, binary.BigEndian, uint32(len(payload))); err != nil {
		return err
	}
	_, err = rw.w.Write(payload)
	return err
}

// Reader reads a replay log's header and events back out.
type Reader struct {
	r      io.Reader
	Header Header
}

// NewReader reads header from r and returns a Reader for iterating events.
func NewReader(r io.Reader) (*Reader, error) {
	h, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	return &Reader{r: r, Header: h}, nil
}

// ReadAll reads every remaining event record and returns them sorted by
// (ts_mono_ns, event_id), per spec.md §6.2's load-time ordering contract.
func (rr *Reader) ReadAll() ([]*event.Event, error) {
	var out []*event.Event
	for {
		var n uint32
		if err := binary.Read(rr.r, binary.BigEndian, &n); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(rr.r, payload); err != nil {
			return nil, fmt.Errorf("replay: truncated event record: %w", err)
		}
		var we wireEvent
		if err := msgpack.Unmarshal(payload, &we); err != nil {
			return nil, fmt.Errorf("replay: decoding event record: %w", err)
		}
		ev, err := fromWireEvent(we)
		if err != nil {
			return nil, fmt.Errorf("replay: rebuilding event %d: %w", we.EventID, err)
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TsMonoNs != out[j].TsMonoNs {
			return out[i].TsMonoNs < out[j].TsMonoNs
		}
		return out[i].EventID < out[j].EventID
	})
	return out, nil
}

// WriteLog is the common-case entry point: it opens path, writes header and
// every event in events, flushes, and closes.
func WriteLog(path string, header Header, events []*event.Event) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	rw, err := NewWriter(bw, header)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := rw.WriteEvent(ev); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadLog opens path, reads its header and all events (sorted per ReadAll),
// and closes the file.
func ReadLog(path string) (Header, []*event.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	rr, err := NewReader(br)
	if err != nil {
		return Header{}, nil, err
	}
	events, err := rr.ReadAll()
	if err != nil {
		return Header{}, nil, err
	}
	return rr.Header, events, nil
}
