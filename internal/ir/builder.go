package ir

import "github.com/endpointdefense/huntcore/internal/schema"

// Builder is a trivial fluent helper so tests can construct IR without a
// surface compiler. It is not a compiler: it assumes the caller already
// has resolved field/pattern ids.
type Builder struct {
	seq IrSequence
}

func NewSequenceBuilder(id string, groupingField schema.FieldId) *Builder {
	return &Builder{seq: IrSequence{ID: id, GroupingFieldID: groupingField}}
}

func (b *Builder) MaxspanNs(ns uint64) *Builder {
	b.seq.MaxspanNs = ns
	return b
}

func (b *Builder) Step(predicateID string, eventTypeID schema.EventTypeId, captures ...schema.FieldId) *Builder {
	b.seq.Steps = append(b.seq.Steps, IrSeqStep{PredicateID: predicateID, EventTypeID: eventTypeID, Captures: captures})
	return b
}

func (b *Builder) Until(predicateID string, eventTypeID schema.EventTypeId) *Builder {
	b.seq.Until = &IrSeqStep{PredicateID: predicateID, EventTypeID: eventTypeID}
	return b
}

func (b *Builder) Build() *IrSequence {
	return &b.seq
}
