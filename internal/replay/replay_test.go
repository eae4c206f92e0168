package replay

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/endpointdefense/huntcore/internal/event"
	"github.com/endpointdefense/huntcore/internal/schema"
)

func buildSampleEvents(t *testing.T) []*event.Event {
	t.Helper()
	e1, err := event.NewBuilder().
		EventID(2).EventTypeID(1).TsMonoNs(2_000).TsWallNs(2_000).
		EntityKey(event.EntityKeyFromU64(7)).
		Field(schema.FieldId(1), event.Str("/bin/bash")).
		Field(schema.FieldId(2), event.U64(42)).
		Build()
	require.NoError(t, err)

	e2, err := event.NewBuilder().
		EventID(1).EventTypeID(2).TsMonoNs(1_000).TsWallNs(1_000).
		EntityKey(event.EntityKeyFromU64(7)).
		Field(schema.FieldId(3), event.Bool(true)).
		Field(schema.FieldId(4), event.Array([]event.TypedValue{event.I64(1), event.I64(2)})).
		Build()
	require.NoError(t, err)

	// Written out of order on purpose: e1 has the later timestamp.
	return []*event.Event{e1, e2}
}

func TestWriteReadRoundTrip(t *testing.T) {
	events := buildSampleEvents(t)

	var buf bytes.Buffer
	header := Header{SchemaHash: [32]byte{1, 2, 3}, EngineBuildID: "test-build"}
	w, err := NewWriter(&buf, header)
	require.NoError(t, err)
	for _, ev := range events {
		require.NoError(t, w.WriteEvent(ev))
	}

	r, err := NewReader(&buf)
	require.NoError(t, err)
	require.Equal(t, FormatVersion, r.Header.Version)
	require.Equal(t, "test-build", r.Header.EngineBuildID)
	require.Equal(t, [32]byte{1, 2, 3}, r.Header.SchemaHash)

	got, err := r.ReadAll()
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Sorted by (ts_mono_ns, event_id): the 1_000ns event comes first even
	// though it was written second.
	require.Equal(t, uint64(1_000), got[0].TsMonoNs)
	require.Equal(t, uint64(2_000), got[1].TsMonoNs)

	v, ok := got[0].Get(schema.FieldId(3))
	require.True(t, ok)
	b, _ := v.AsBool()
	require.True(t, b)

	v, ok = got[0].Get(schema.FieldId(4))
	require.True(t, ok)
	arr, ok := v.AsArray()
	require.True(t, ok)
	require.Len(t, arr, 2)

	v, ok = got[1].Get(schema.FieldId(1))
	require.True(t, ok)
	s, _ := v.AsString()
	require.Equal(t, "/bin/bash", s)
}

func TestReadRejectsBadMagic(t *testing.T) {
	_, err := NewReader(bytes.NewReader([]byte("not-a-replay-log-header-00000000000000")))
	require.Error(t, err)
}

func TestWriteLogReadLogFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/events.replay"
	events := buildSampleEvents(t)

	header := Header{EngineBuildID: "v1"}
	require.NoError(t, WriteLog(path, header, events))

	gotHeader, gotEvents, err := ReadLog(path)
	require.NoError(t, err)
	require.Equal(t, "v1", gotHeader.EngineBuildID)
	require.Len(t, gotEvents, 2)
	require.Equal(t, uint64(1_000), gotEvents[0].TsMonoNs)
}
