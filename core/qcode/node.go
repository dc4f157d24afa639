// Package qcode defines the expression algebra that queries are written in.
//
// A raw tree is built by a front end out of Param, Lambda, Member, Method
// and Var nodes over a Root. Binding turns it into a bound tree where every
// member access is a resolved field and every query operator is one of the
// query-shape nodes (Where, Select, GroupBy, ...). Node is a closed set: only
// the types in this package implement it.
package qcode

import (
	"reflect"

	"github.com/dosco/aggjin/core/sdata"
)

// Kind identifies the variant of a Node.
type Kind int

const (
	KindConstant Kind = iota + 1
	KindField
	KindUnary
	KindBinary
	KindCall
	KindArrayIndex
	KindSerialization
	KindConditional
	KindDocument
	KindArray
	KindAccumulator
	KindVariable
	KindParam
	KindLambda
	KindMember
	KindMethod
	KindVar
	KindRoot
	KindWhere
	KindSelect
	KindSelectMany
	KindOrderBy
	KindSkip
	KindTake
	KindDistinct
	KindGroupBy
	KindGroupByWithResultSelector
	KindLookup
	KindSample
	KindRootAccumulator
	KindProjection
)

var kindNames = [...]string{
	KindConstant:                  "Constant",
	KindField:                     "Field",
	KindUnary:                     "Unary",
	KindBinary:                    "Binary",
	KindCall:                      "Call",
	KindArrayIndex:                "ArrayIndex",
	KindSerialization:             "Serialization",
	KindConditional:               "Conditional",
	KindDocument:                  "Document",
	KindArray:                     "Array",
	KindAccumulator:               "Accumulator",
	KindVariable:                  "Variable",
	KindParam:                     "Param",
	KindLambda:                    "Lambda",
	KindMember:                    "Member",
	KindMethod:                    "Method",
	KindVar:                       "Var",
	KindRoot:                      "Root",
	KindWhere:                     "Where",
	KindSelect:                    "Select",
	KindSelectMany:                "SelectMany",
	KindOrderBy:                   "OrderBy",
	KindSkip:                      "Skip",
	KindTake:                      "Take",
	KindDistinct:                  "Distinct",
	KindGroupBy:                   "GroupBy",
	KindGroupByWithResultSelector: "GroupByWithResultSelector",
	KindLookup:                    "Lookup",
	KindSample:                    "Sample",
	KindRootAccumulator:           "RootAccumulator",
	KindProjection:                "Projection",
}

func (k Kind) String() string {
	if k > 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "Unknown"
}

// Node is a node of a query expression tree.
type Node interface {
	Kind() Kind
	Type() reflect.Type
	node()
}

// QueryNode is implemented by the query-shape nodes.
type QueryNode interface {
	Node
	Input() Node
}

var boolType = reflect.TypeOf(false)

// Constant is a literal value.
type Constant struct {
	Value any
	Typ   reflect.Type
}

// Field is a reference to a resolved wire field of the current element.
type Field struct {
	Desc *sdata.FieldDescriptor
}

// Unary applies a unary operator.
type Unary struct {
	Op      UnaryOp
	Operand Node
	Typ     reflect.Type
}

// Binary applies a binary operator.
type Binary struct {
	Op          BinaryOp
	Left, Right Node
	Typ         reflect.Type
}

// Call is a library function with a direct stage-language operator. Func is
// the operator name, for example "$toLower". When Named is set the arguments
// render as a document with those keys instead of an array.
type Call struct {
	Func  string
	Args  []Node
	Named []string
	Typ   reflect.Type
}

// ArrayIndex indexes into an array value.
type ArrayIndex struct {
	Source Node
	Index  Node
	Typ    reflect.Type
}

// Serialization attaches field metadata to Inner.
type Serialization struct {
	Inner Node
	Desc  *sdata.FieldDescriptor
}

// Conditional is a ternary expression.
type Conditional struct {
	Test, IfTrue, IfFalse Node
	Typ                   reflect.Type
}

// DocMember is a member of a Document. Element is the wire name and is
// filled in by the binder.
type DocMember struct {
	Name    string
	Element string
	Value   Node
}

// Document builds a new document, for example the result of a projection.
// Typ is optional; when it is a struct type, member names are its Go field
// names.
type Document struct {
	Members []DocMember
	Typ     reflect.Type
}

// Array builds an array.
type Array struct {
	Items []Node
	Typ   reflect.Type
}

// Accumulator is a group accumulator. A nil Arg on a sum counts documents.
type Accumulator struct {
	Op  AccumulatorOp
	Arg Node
	Typ reflect.Type
}

// Variable references a stage variable introduced by $map or $filter.
type Variable struct {
	Name string
	Typ  reflect.Type
}

// Param is a lambda parameter.
type Param struct {
	Name string
	Typ  reflect.Type
}

// Lambda is an anonymous function passed to a query operator.
type Lambda struct {
	Params []*Param
	Body   Node
}

// Member accesses a member of Target. Typ may be left nil when only the
// serializer knows the member's type.
type Member struct {
	Target Node
	Name   string
	Typ    reflect.Type
}

// Method calls a method on Target, or a static function when Target is nil.
type Method struct {
	Target Node
	Name   string
	Args   []Node
	Typ    reflect.Type
}

// Var is a named query variable supplied when the query is run.
type Var struct {
	Name string
	Typ  reflect.Type
}

// Root is the start of every query chain. A root with no collection starts
// from the literal Documents.
type Root struct {
	Collection string
	DocType    reflect.Type
	Serializer sdata.Serializer
	Documents  []any
}

// IsCollection reports whether the root reads from a collection.
func (r *Root) IsCollection() bool { return r.Collection != "" }

// Where filters the element.
type Where struct {
	Source    Node
	Predicate Node
}

// Select replaces the element with the selector.
type Select struct {
	Source   Node
	Selector Node
	Element  sdata.Serializer
}

// SelectMany unwinds a collection field and projects the result selector.
type SelectMany struct {
	Source             Node
	CollectionSelector Node
	ResultSelector     Node
	Element            sdata.Serializer
}

// SortClause is one key of an OrderBy.
type SortClause struct {
	Key       Node
	Direction Direction
}

// OrderBy sorts by its clauses, first to last.
type OrderBy struct {
	Source  Node
	Clauses []SortClause
}

// Skip skips Count elements.
type Skip struct {
	Source Node
	Count  int64
}

// Take limits the output to Count elements.
type Take struct {
	Source Node
	Count  int64
}

// Distinct keeps one element per distinct selector value.
type Distinct struct {
	Source   Node
	Selector Node
	Element  sdata.Serializer
}

// GroupAccumulator is a named accumulator of a group.
type GroupAccumulator struct {
	Target string
	Expr   *Accumulator
}

// GroupBy groups elements by ID.
type GroupBy struct {
	Source       Node
	ID           Node
	Accumulators []GroupAccumulator
	Element      sdata.Serializer
}

// GroupByWithResultSelector projects each group through ResultSelector.
type GroupByWithResultSelector struct {
	Source         *GroupBy
	ResultSelector Node
	Element        sdata.Serializer
}

// Lookup joins documents of another collection. Unwind keeps one output per
// match, which is the behavior of Join; without it every element carries
// the array of matches under As.
type Lookup struct {
	Source         Node
	From           string
	LocalField     Node
	ForeignField   *sdata.FieldDescriptor
	As             string
	Unwind         bool
	ResultSelector Node
	Element        sdata.Serializer
}

// Sample picks Size random elements.
type Sample struct {
	Source Node
	Size   int64
}

// RootAccumulator aggregates every element into a single value.
type RootAccumulator struct {
	Source      Node
	Accumulator *Accumulator
	Element     sdata.Serializer
}

// Aggregator is the terminal operation turning a cursor into a scalar.
type Aggregator struct {
	Kind AggregatorKind
	Typ  reflect.Type
}

// Projection ends every bound chain. Projector references the final element.
type Projection struct {
	Source     Node
	Projector  Node
	Aggregator *Aggregator
}

func (*Constant) Kind() Kind                  { return KindConstant }
func (*Field) Kind() Kind                     { return KindField }
func (*Unary) Kind() Kind                     { return KindUnary }
func (*Binary) Kind() Kind                    { return KindBinary }
func (*Call) Kind() Kind                      { return KindCall }
func (*ArrayIndex) Kind() Kind                { return KindArrayIndex }
func (*Serialization) Kind() Kind             { return KindSerialization }
func (*Conditional) Kind() Kind               { return KindConditional }
func (*Document) Kind() Kind                  { return KindDocument }
func (*Array) Kind() Kind                     { return KindArray }
func (*Accumulator) Kind() Kind               { return KindAccumulator }
func (*Variable) Kind() Kind                  { return KindVariable }
func (*Param) Kind() Kind                     { return KindParam }
func (*Lambda) Kind() Kind                    { return KindLambda }
func (*Member) Kind() Kind                    { return KindMember }
func (*Method) Kind() Kind                    { return KindMethod }
func (*Var) Kind() Kind                       { return KindVar }
func (*Root) Kind() Kind                      { return KindRoot }
func (*Where) Kind() Kind                     { return KindWhere }
func (*Select) Kind() Kind                    { return KindSelect }
func (*SelectMany) Kind() Kind                { return KindSelectMany }
func (*OrderBy) Kind() Kind                   { return KindOrderBy }
func (*Skip) Kind() Kind                      { return KindSkip }
func (*Take) Kind() Kind                      { return KindTake }
func (*Distinct) Kind() Kind                  { return KindDistinct }
func (*GroupBy) Kind() Kind                   { return KindGroupBy }
func (*GroupByWithResultSelector) Kind() Kind { return KindGroupByWithResultSelector }
func (*Lookup) Kind() Kind                    { return KindLookup }
func (*Sample) Kind() Kind                    { return KindSample }
func (*RootAccumulator) Kind() Kind           { return KindRootAccumulator }
func (*Projection) Kind() Kind                { return KindProjection }

func (n *Constant) Type() reflect.Type {
	if n.Typ == nil && n.Value != nil {
		return reflect.TypeOf(n.Value)
	}
	return n.Typ
}

func (n *Field) Type() reflect.Type         { return n.Desc.ValueType }
func (n *Unary) Type() reflect.Type         { return n.Typ }
func (n *Binary) Type() reflect.Type        { return n.Typ }
func (n *Call) Type() reflect.Type          { return n.Typ }
func (n *ArrayIndex) Type() reflect.Type    { return n.Typ }
func (n *Serialization) Type() reflect.Type { return n.Desc.ValueType }
func (n *Conditional) Type() reflect.Type   { return n.Typ }
func (n *Document) Type() reflect.Type      { return n.Typ }
func (n *Array) Type() reflect.Type         { return n.Typ }
func (n *Accumulator) Type() reflect.Type   { return n.Typ }
func (n *Variable) Type() reflect.Type      { return n.Typ }
func (n *Param) Type() reflect.Type         { return n.Typ }
func (n *Lambda) Type() reflect.Type        { return n.Body.Type() }
func (n *Member) Type() reflect.Type        { return n.Typ }
func (n *Method) Type() reflect.Type        { return n.Typ }
func (n *Var) Type() reflect.Type           { return n.Typ }

func (n *Root) Type() reflect.Type {
	if n.DocType == nil && n.Serializer != nil {
		return n.Serializer.Type()
	}
	return n.DocType
}

func (n *Where) Type() reflect.Type                     { return n.Source.Type() }
func (n *Select) Type() reflect.Type                    { return n.Selector.Type() }
func (n *SelectMany) Type() reflect.Type                { return n.ResultSelector.Type() }
func (n *OrderBy) Type() reflect.Type                   { return n.Source.Type() }
func (n *Skip) Type() reflect.Type                      { return n.Source.Type() }
func (n *Take) Type() reflect.Type                      { return n.Source.Type() }
func (n *Distinct) Type() reflect.Type                  { return n.Selector.Type() }
func (n *GroupBy) Type() reflect.Type                   { return elementType(n.Element) }
func (n *GroupByWithResultSelector) Type() reflect.Type { return n.ResultSelector.Type() }
func (n *Lookup) Type() reflect.Type                    { return n.ResultSelector.Type() }
func (n *Sample) Type() reflect.Type                    { return n.Source.Type() }
func (n *RootAccumulator) Type() reflect.Type           { return n.Accumulator.Typ }

func (n *Projection) Type() reflect.Type {
	if n.Aggregator != nil {
		return n.Aggregator.Typ
	}
	return n.Projector.Type()
}

func (n *Where) Input() Node                     { return n.Source }
func (n *Select) Input() Node                    { return n.Source }
func (n *SelectMany) Input() Node                { return n.Source }
func (n *OrderBy) Input() Node                   { return n.Source }
func (n *Skip) Input() Node                      { return n.Source }
func (n *Take) Input() Node                      { return n.Source }
func (n *Distinct) Input() Node                  { return n.Source }
func (n *GroupBy) Input() Node                   { return n.Source }
func (n *GroupByWithResultSelector) Input() Node { return n.Source }
func (n *Lookup) Input() Node                    { return n.Source }
func (n *Sample) Input() Node                    { return n.Source }
func (n *RootAccumulator) Input() Node           { return n.Source }
func (n *Projection) Input() Node                { return n.Source }

func (*Constant) node()                  {}
func (*Field) node()                     {}
func (*Unary) node()                     {}
func (*Binary) node()                    {}
func (*Call) node()                      {}
func (*ArrayIndex) node()                {}
func (*Serialization) node()             {}
func (*Conditional) node()               {}
func (*Document) node()                  {}
func (*Array) node()                     {}
func (*Accumulator) node()               {}
func (*Variable) node()                  {}
func (*Param) node()                     {}
func (*Lambda) node()                    {}
func (*Member) node()                    {}
func (*Method) node()                    {}
func (*Var) node()                       {}
func (*Root) node()                      {}
func (*Where) node()                     {}
func (*Select) node()                    {}
func (*SelectMany) node()                {}
func (*OrderBy) node()                   {}
func (*Skip) node()                      {}
func (*Take) node()                      {}
func (*Distinct) node()                  {}
func (*GroupBy) node()                   {}
func (*GroupByWithResultSelector) node() {}
func (*Lookup) node()                    {}
func (*Sample) node()                    {}
func (*RootAccumulator) node()           {}
func (*Projection) node()                {}

func elementType(s sdata.Serializer) reflect.Type {
	if s == nil {
		return nil
	}
	return s.Type()
}

// RootOf follows the source chain of n down to its Root.
func RootOf(n Node) (*Root, bool) {
	for {
		switch v := n.(type) {
		case *Root:
			return v, true
		case QueryNode:
			n = v.Input()
		case *Method:
			if v.Target == nil {
				return nil, false
			}
			n = v.Target
		default:
			return nil, false
		}
	}
}
