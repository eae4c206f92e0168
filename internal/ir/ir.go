// Package ir defines the rule intermediate representation the core
// consumes: a predicate expression DAG plus sequence descriptors. A surface
// compiler that produces IR from an EQL-like language lives outside the
// core; this package only specifies the contract and data shapes.
package ir

import (
	"fmt"

	"github.com/endpointdefense/huntcore/internal/event"
	"github.com/endpointdefense/huntcore/internal/schema"
)

// RuleKind tags whether an IrRule is a single-event rule or a sequence rule.
type RuleKind uint8

const (
	RuleKindEvent RuleKind = iota
	RuleKindSequence
)

// IrRule is the top-level rule descriptor.
type IrRule struct {
	ID          string
	Name        string
	Severity    string
	Kind        RuleKind
	EventTypeID schema.EventTypeId // valid when Kind == RuleKindEvent
	Sequence    *IrSequence        // valid when Kind == RuleKindSequence
}

// BinaryOperator enumerates the binary operators an IrNode may carry.
type BinaryOperator string

const (
	OpEq  BinaryOperator = "=="
	OpNeq BinaryOperator = "!="
	OpLt  BinaryOperator = "<"
	OpLte BinaryOperator = "<="
	OpGt  BinaryOperator = ">"
	OpGte BinaryOperator = ">="
	OpAdd BinaryOperator = "+"
	OpSub BinaryOperator = "-"
	OpMul BinaryOperator = "*"
	OpDiv BinaryOperator = "/"
	OpAnd BinaryOperator = "and"
	OpOr  BinaryOperator = "or"
)

// UnaryOperator enumerates the unary operators an IrNode may carry.
type UnaryOperator string

const (
	OpNot UnaryOperator = "not"
	OpNeg UnaryOperator = "neg"
)

// BuiltinFunc enumerates the built-in functions callable from predicate
// expressions. Pattern-bearing functions (Wildcard, Regex) are interned
// into per-rule pattern tables at compile time.
type BuiltinFunc string

const (
	FuncContains   BuiltinFunc = "contains"
	FuncStartsWith BuiltinFunc = "startsWith"
	FuncEndsWith   BuiltinFunc = "endsWith"
	FuncWildcard   BuiltinFunc = "wildcard"
	FuncRegex      BuiltinFunc = "regex"
)

// NodeKind tags the active variant of an IrNode.
type NodeKind uint8

const (
	NodeLiteral NodeKind = iota
	NodeLoadField
	NodeBinaryOp
	NodeUnaryOp
	NodeFunctionCall
	NodeIn
)

// IrNode is the expression DAG node. Only the fields relevant to Kind are
// populated.
type IrNode struct {
	Kind NodeKind

	Literal event.TypedValue

	FieldID schema.FieldId

	BinOp BinaryOperator
	L, R  *IrNode

	UnOp UnaryOperator
	X    *IrNode

	Func BuiltinFunc
	Args []*IrNode

	// PatternID is populated for FunctionCall nodes referencing Wildcard or
	// Regex: the interned index into the owning IrPredicate's pattern
	// table, resolved at compile time.
	PatternID int

	InLiterals []event.TypedValue
}

func Literal(v event.TypedValue) *IrNode        { return &IrNode{Kind: NodeLiteral, Literal: v} }
func LoadField(id schema.FieldId) *IrNode       { return &IrNode{Kind: NodeLoadField, FieldID: id} }
func Binary(op BinaryOperator, l, r *IrNode) *IrNode {
	return &IrNode{Kind: NodeBinaryOp, BinOp: op, L: l, R: r}
}
func Unary(op UnaryOperator, x *IrNode) *IrNode { return &IrNode{Kind: NodeUnaryOp, UnOp: op, X: x} }
func Call(fn BuiltinFunc, patternID int, args ...*IrNode) *IrNode {
	return &IrNode{Kind: NodeFunctionCall, Func: fn, PatternID: patternID, Args: args}
}
func In(x *IrNode, literals ...event.TypedValue) *IrNode {
	return &IrNode{Kind: NodeIn, X: x, InLiterals: literals}
}

// IrPredicate is a compiled predicate: an expression DAG plus the field,
// pattern, and capture requirements the runtime must resolve before
// evaluating it.
type IrPredicate struct {
	ID               string
	EventTypeID      schema.EventTypeId
	Expr             *IrNode
	RequiredFieldIDs []schema.FieldId
	RequiredRegexes  []string // source patterns; interned by the runtime/pattern layer
	RequiredGlobs    []string
	RequiredCaptures []schema.FieldId
}

// IrSeqStep is one ordered step of a sequence rule.
type IrSeqStep struct {
	PredicateID     string
	EventTypeID     schema.EventTypeId
	Captures        []schema.FieldId
	RequiredRegexes []string // source patterns backing this step's regex() calls
	RequiredGlobs   []string // source patterns backing this step's wildcard() calls
}

// IrSequence is the compiled descriptor for a sequence rule.
type IrSequence struct {
	ID              string
	GroupingFieldID schema.FieldId
	MaxspanNs       uint64 // 0 means every later step must carry the first step's exact timestamp
	Steps           []IrSeqStep
	Until           *IrSeqStep // optional terminator step
}

// Validate checks structural invariants against a schema snapshot: the
// grouping field must be registered and the step list must be non-empty.
func (s *IrSequence) Validate(reg *schema.Registry) error {
	if len(s.Steps) == 0 {
		return fmt.Errorf("sequence %s: steps must be non-empty", s.ID)
	}
	if _, ok := reg.FieldDefByID(s.GroupingFieldID); !ok {
		return fmt.Errorf("sequence %s: grouping field id %d is not registered", s.ID, s.GroupingFieldID)
	}
	return nil
}

// CompiledEventRule is the artifact a RuleCompiler produces for a
// single-event rule.
type CompiledEventRule struct {
	EventTypeID     schema.EventTypeId
	PredicateBody   []byte
	RuntimeTag      string // selects which predicate runtime flavor loads PredicateBody
	RequiredFields  []schema.FieldId
	RequiredRegexes []string
	RequiredGlobs   []string
	Severity        string
	Metadata        map[string]string
}

// CompiledSequenceRule is the artifact a RuleCompiler produces for a
// sequence rule.
type CompiledSequenceRule struct {
	GroupingFieldID schema.FieldId
	Steps           []IrSeqStep
	MaxspanNs       uint64
	Until           *IrSeqStep
	Metadata        map[string]string
}

// RuleDefinition is the compiler-input contract: whatever abstract
// definition a surface compiler parses must expose these accessors so the
// lifecycle manager can validate it against a schema snapshot before
// compiling.
type RuleDefinition interface {
	ID() string
	Kind() RuleKind
	RequiredFields() []schema.FieldId
	GroupingField() (schema.FieldId, bool)
	MaxWindow() uint64
	Validate(reg *schema.Registry) error
}

// RuleCompiler is implemented by a surface-language compiler external to
// the core. The core consumes only the produced IR artifacts.
type RuleCompiler interface {
	CompileEventRule(def RuleDefinition) (CompiledEventRule, error)
	CompileSequenceRule(def RuleDefinition) (CompiledSequenceRule, error)
}
