package qcode

import "reflect"

// TypeOf returns the reflect.Type of T.
func TypeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// C returns a constant.
func C(v any) *Constant {
	return &Constant{Value: v, Typ: reflect.TypeOf(v)}
}

// P returns a lambda parameter.
func P(name string, t reflect.Type) *Param {
	return &Param{Name: name, Typ: t}
}

// L returns a lambda with the given body and parameters.
func L(body Node, params ...*Param) *Lambda {
	return &Lambda{Params: params, Body: body}
}

// V returns a query variable.
func V(name string, t reflect.Type) *Var {
	return &Var{Name: name, Typ: t}
}

// M returns the member chain target.a.b...
func M(target Node, names ...string) Node {
	n := target
	for _, name := range names {
		n = &Member{Target: n, Name: name}
	}
	return n
}

// Invoke returns a method call on target.
func Invoke(target Node, name string, args ...Node) *Method {
	return &Method{Target: target, Name: name, Args: args}
}

// Static returns a call to a static helper such as Abs or Coalesce.
func Static(name string, args ...Node) *Method {
	return &Method{Name: name, Args: args}
}

// Index returns source[index].
func Index(source, index Node) *ArrayIndex {
	return &ArrayIndex{Source: source, Index: index}
}

// If returns test ? a : b.
func If(test, a, b Node) *Conditional {
	return &Conditional{Test: test, IfTrue: a, IfFalse: b, Typ: a.Type()}
}

// As returns a document member.
func As(name string, v Node) DocMember {
	return DocMember{Name: name, Value: v}
}

// Doc returns a document. t may be nil for a map shaped result.
func Doc(t reflect.Type, members ...DocMember) *Document {
	return &Document{Typ: t, Members: members}
}

// Arr returns an array literal.
func Arr(items ...Node) *Array {
	return &Array{Items: items}
}

func cmp(op BinaryOp, l, r Node) *Binary {
	return &Binary{Op: op, Left: l, Right: r, Typ: boolType}
}

func arith(op BinaryOp, l, r Node) *Binary {
	t := l.Type()
	if t == nil {
		t = r.Type()
	}
	return &Binary{Op: op, Left: l, Right: r, Typ: t}
}

func Eq(l, r Node) *Binary  { return cmp(OpEqual, l, r) }
func Ne(l, r Node) *Binary  { return cmp(OpNotEqual, l, r) }
func Gt(l, r Node) *Binary  { return cmp(OpGreaterThan, l, r) }
func Gte(l, r Node) *Binary { return cmp(OpGreaterThanOrEqual, l, r) }
func Lt(l, r Node) *Binary  { return cmp(OpLessThan, l, r) }
func Lte(l, r Node) *Binary { return cmp(OpLessThanOrEqual, l, r) }

func Add(l, r Node) *Binary      { return arith(OpAdd, l, r) }
func Sub(l, r Node) *Binary      { return arith(OpSubtract, l, r) }
func Mul(l, r Node) *Binary      { return arith(OpMultiply, l, r) }
func Div(l, r Node) *Binary      { return arith(OpDivide, l, r) }
func Mod(l, r Node) *Binary      { return arith(OpModulo, l, r) }
func Coalesce(l, r Node) *Binary { return arith(OpCoalesce, l, r) }

// And joins the nodes with &&, left to right.
func And(nodes ...Node) Node { return join(OpAnd, nodes) }

// Or joins the nodes with ||, left to right.
func Or(nodes ...Node) Node { return join(OpOr, nodes) }

func join(op BinaryOp, nodes []Node) Node {
	if len(nodes) == 0 {
		return C(op == OpAnd)
	}
	n := nodes[0]
	for _, r := range nodes[1:] {
		n = cmp(op, n, r)
	}
	return n
}

// Not negates a boolean.
func Not(n Node) *Unary {
	return &Unary{Op: OpNot, Operand: n, Typ: boolType}
}

// Neg negates a number.
func Neg(n Node) *Unary {
	return &Unary{Op: OpNegate, Operand: n, Typ: n.Type()}
}

// Collection returns the root of a query over a collection of t.
func Collection(name string, t reflect.Type) *Root {
	return &Root{Collection: name, DocType: t}
}

// Documents returns the root of a query over literal documents of type t.
func Documents(t reflect.Type, docs ...any) *Root {
	if docs == nil {
		docs = []any{}
	}
	return &Root{DocType: t, Documents: docs}
}

// Query builds the raw method chain of a query.
//
//	x := qcode.P("x", qcode.TypeOf[Person]())
//	q := qcode.From(qcode.Collection("people", x.Typ)).
//		Where(qcode.L(qcode.Gt(qcode.M(x, "Age"), qcode.C(21)), x)).
//		Take(10)
type Query struct {
	n Node
}

// From starts a query at n, usually a Root.
func From(n Node) Query {
	return Query{n: n}
}

// Node returns the raw tree built so far.
func (q Query) Node() Node { return q.n }

func (q Query) call(name string, args ...Node) Query {
	return Query{n: Invoke(q.n, name, args...)}
}

func lambdas(ls []*Lambda) []Node {
	out := make([]Node, len(ls))
	for i, l := range ls {
		out[i] = l
	}
	return out
}

func (q Query) Where(pred *Lambda) Query      { return q.call("Where", pred) }
func (q Query) Select(sel *Lambda) Query      { return q.call("Select", sel) }
func (q Query) OrderBy(key *Lambda) Query     { return q.call("OrderBy", key) }
func (q Query) ThenBy(key *Lambda) Query      { return q.call("ThenBy", key) }
func (q Query) Skip(n int64) Query            { return q.call("Skip", C(n)) }
func (q Query) Take(n int64) Query            { return q.call("Take", C(n)) }
func (q Query) Sample(n int64) Query          { return q.call("Sample", C(n)) }
func (q Query) Distinct() Query               { return q.call("Distinct") }
func (q Query) OrderByDescending(key *Lambda) Query {
	return q.call("OrderByDescending", key)
}

func (q Query) ThenByDescending(key *Lambda) Query {
	return q.call("ThenByDescending", key)
}

// SelectMany unwinds the collection selector. The optional result selector
// takes the element and the collection item.
func (q Query) SelectMany(collection *Lambda, result ...*Lambda) Query {
	args := append([]Node{collection}, lambdas(result)...)
	return q.call("SelectMany", args...)
}

// GroupBy groups by key. The optional result selector takes the key and
// the group.
func (q Query) GroupBy(key *Lambda, result ...*Lambda) Query {
	args := append([]Node{key}, lambdas(result)...)
	return q.call("GroupBy", args...)
}

// Join matches elements to documents of inner on equal keys.
func (q Query) Join(inner Node, outerKey, innerKey, result *Lambda) Query {
	return q.call("Join", inner, outerKey, innerKey, result)
}

// GroupJoin is Join keeping all matches of an element as one array.
func (q Query) GroupJoin(inner Node, outerKey, innerKey, result *Lambda) Query {
	return q.call("GroupJoin", inner, outerKey, innerKey, result)
}

func (q Query) terminal(name string, args ...*Lambda) Node {
	return Invoke(q.n, name, lambdas(args)...)
}

func (q Query) Count(pred ...*Lambda) Node          { return q.terminal("Count", pred...) }
func (q Query) LongCount(pred ...*Lambda) Node      { return q.terminal("LongCount", pred...) }
func (q Query) Sum(sel ...*Lambda) Node             { return q.terminal("Sum", sel...) }
func (q Query) Average(sel ...*Lambda) Node         { return q.terminal("Average", sel...) }
func (q Query) Min(sel ...*Lambda) Node             { return q.terminal("Min", sel...) }
func (q Query) Max(sel ...*Lambda) Node             { return q.terminal("Max", sel...) }
func (q Query) Any(pred ...*Lambda) Node            { return q.terminal("Any", pred...) }
func (q Query) All(pred *Lambda) Node               { return q.terminal("All", pred) }
func (q Query) First(pred ...*Lambda) Node          { return q.terminal("First", pred...) }
func (q Query) FirstOrDefault(pred ...*Lambda) Node { return q.terminal("FirstOrDefault", pred...) }
func (q Query) Single(pred ...*Lambda) Node         { return q.terminal("Single", pred...) }

func (q Query) SingleOrDefault(pred ...*Lambda) Node {
	return q.terminal("SingleOrDefault", pred...)
}

// Contains reports whether an element equals v.
func (q Query) Contains(v Node) Node {
	return Invoke(q.n, "Contains", v)
}
