package dialect

import (
	"reflect"
	"strings"

	"github.com/dosco/aggjin/core/qcode"
	"go.mongodb.org/mongo-driver/v2/bson"
)

var filterOps = map[qcode.BinaryOp]string{
	qcode.OpEqual:              "$eq",
	qcode.OpNotEqual:           "$ne",
	qcode.OpGreaterThan:        "$gt",
	qcode.OpGreaterThanOrEqual: "$gte",
	qcode.OpLessThan:           "$lt",
	qcode.OpLessThanOrEqual:    "$lte",
}

// matcher renders predicates in the query language. Inside $elemMatch the
// predicate is over the array items, bound to the variable elem.
type matcher struct {
	elem string
}

// RenderPredicate renders a predicate as a $match filter. Parts of the predicate
// the query language cannot express are wrapped in $expr.
func RenderPredicate(n qcode.Node) (bson.D, error) {
	m := matcher{}
	f, ok, err := m.filter(n)
	if err != nil {
		return nil, err
	}
	if ok {
		return f, nil
	}
	return exprFilter(n)
}

func exprFilter(n qcode.Node) (bson.D, error) {
	e, err := RenderExpression(n)
	if err != nil {
		return nil, err
	}
	return bson.D{{Key: "$expr", Value: e}}, nil
}

// fallback renders n in $expr, except inside $elemMatch where that is not
// possible.
func (m matcher) fallback(n qcode.Node) (bson.D, bool, error) {
	if m.elem != "" {
		return nil, false, nil
	}
	f, err := exprFilter(n)
	return f, err == nil, err
}

// path returns the query path of a field reference. Inside $elemMatch only
// references to the item variable qualify.
func (m matcher) path(n qcode.Node) (string, bool) {
	s, ok := n.(*qcode.Serialization)
	if !ok {
		return "", false
	}
	switch in := s.Inner.(type) {
	case *qcode.Field:
		if m.elem != "" || len(s.Desc.Path) == 0 {
			return "", false
		}
		return s.Desc.Name(), true
	case *qcode.Variable:
		if m.elem == "" || in.Name != m.elem {
			return "", false
		}
		return s.Desc.Name(), true
	}
	return "", false
}

func isBool(t reflect.Type) bool {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t != nil && t.Kind() == reflect.Bool
}

// cond wraps an operator document for path. An empty path is the item of
// a scalar array inside $elemMatch, which takes the operators bare.
func cond(path string, op bson.D) bson.D {
	if path == "" {
		return op
	}
	return bson.D{{Key: path, Value: op}}
}

func (m matcher) filter(n qcode.Node) (bson.D, bool, error) {
	switch v := n.(type) {
	case *qcode.Binary:
		switch {
		case v.Op.IsLogical():
			return m.logical(v)
		case v.Op.IsComparison():
			return m.comparison(v)
		}

	case *qcode.Unary:
		if v.Op != qcode.OpNot {
			break
		}
		if p, ok := m.path(v.Operand); ok && isBool(v.Operand.Type()) {
			return cond(p, bson.D{{Key: "$ne", Value: true}}), true, nil
		}
		inner, ok, err := m.filter(v.Operand)
		if err != nil || !ok {
			return nil, ok, err
		}
		if m.elem != "" {
			return nil, false, nil
		}
		return bson.D{{Key: "$nor", Value: bson.A{inner}}}, true, nil

	case *qcode.Serialization:
		if p, ok := m.path(v); ok && isBool(v.Type()) {
			return eq(p, true), true, nil
		}

	case *qcode.Call:
		if f, ok, err := m.call(v); ok || err != nil {
			return f, ok, err
		}
	}

	return m.fallback(n)
}

func (m matcher) logical(v *qcode.Binary) (bson.D, bool, error) {
	parts := flatten(v, v.Op)
	list := make(bson.A, 0, len(parts))
	for _, p := range parts {
		f, ok, err := m.filter(p)
		if err != nil || !ok {
			return nil, ok, err
		}
		list = append(list, f)
	}

	// the item of a scalar array takes a single operator document
	if m.elem != "" {
		var merged bson.D
		for _, f := range list {
			f := f.(bson.D)
			if !operatorOnly(f) {
				merged = nil
				break
			}
			merged = append(merged, f...)
		}
		if merged != nil {
			if v.Op == qcode.OpOr {
				return nil, false, nil
			}
			return merged, true, nil
		}
	}

	op := "$and"
	if v.Op == qcode.OpOr {
		op = "$or"
	}
	return bson.D{{Key: op, Value: list}}, true, nil
}

func (m matcher) comparison(v *qcode.Binary) (bson.D, bool, error) {
	op, l, r := v.Op, v.Left, v.Right
	if _, ok := l.(*qcode.Constant); ok {
		op, l, r = op.Flip(), r, l
	}

	c, ok := r.(*qcode.Constant)
	if !ok {
		return m.fallback(v)
	}

	if p, ok := m.path(l); ok {
		if op == qcode.OpEqual {
			return eq(p, c.Value), true, nil
		}
		return cond(p, bson.D{{Key: filterOps[op], Value: c.Value}}), true, nil
	}

	// $size(field) compared to a count
	if call, ok := l.(*qcode.Call); ok && call.Func == "$size" && len(call.Args) == 1 {
		p, ok := m.path(call.Args[0])
		n, isInt := c.Value.(int)
		if ok && isInt && p != "" {
			switch {
			case op == qcode.OpEqual:
				return bson.D{{Key: p, Value: bson.D{{Key: "$size", Value: n}}}}, true, nil
			case op == qcode.OpGreaterThan && n == 0, op == qcode.OpNotEqual && n == 0:
				return bson.D{{Key: p, Value: bson.D{
					{Key: "$ne", Value: nil},
					{Key: "$not", Value: bson.D{{Key: "$size", Value: 0}}},
				}}}, true, nil
			}
		}
	}

	// field % m == r
	if mod, ok := l.(*qcode.Binary); ok && mod.Op == qcode.OpModulo && op == qcode.OpEqual {
		p, ok := m.path(mod.Left)
		div, isConst := mod.Right.(*qcode.Constant)
		if ok && isConst && p != "" {
			return bson.D{{Key: p, Value: bson.D{
				{Key: "$mod", Value: bson.A{div.Value, c.Value}},
			}}}, true, nil
		}
	}

	return m.fallback(v)
}

func (m matcher) call(v *qcode.Call) (bson.D, bool, error) {
	switch v.Func {
	case "$in":
		if len(v.Args) != 2 {
			break
		}
		// field in a list of constants
		if p, ok := m.path(v.Args[0]); ok {
			if list, ok := constList(v.Args[1]); ok {
				return cond(p, bson.D{{Key: "$in", Value: list}}), true, nil
			}
		}
		// constant in an array field
		if c, ok := v.Args[0].(*qcode.Constant); ok {
			if p, ok := m.path(v.Args[1]); ok && p != "" {
				return bson.D{{Key: p, Value: c.Value}}, true, nil
			}
		}

	case "$regexMatch":
		if len(v.Named) != 2 || v.Named[0] != "input" {
			break
		}
		p, ok := m.path(v.Args[0])
		if !ok {
			break
		}
		c, ok := v.Args[1].(*qcode.Constant)
		if !ok {
			break
		}
		if re, ok := c.Value.(string); ok {
			return cond(p, bson.D{{Key: "$regex", Value: re}}), true, nil
		}

	case "$anyElementTrue":
		if len(v.Args) != 1 || m.elem != "" {
			break
		}
		mp, ok := v.Args[0].(*qcode.Call)
		if !ok || mp.Func != "$map" || len(mp.Args) != 3 {
			break
		}
		p, ok := m.path(mp.Args[0])
		if !ok {
			break
		}
		as, ok := mp.Args[1].(*qcode.Constant)
		if !ok {
			break
		}
		name, _ := as.Value.(string)
		if name == "" {
			break
		}

		inner := matcher{elem: name}
		f, ok, err := inner.filter(mp.Args[2])
		if err != nil || !ok {
			return nil, false, err
		}
		return bson.D{{Key: p, Value: bson.D{{Key: "$elemMatch", Value: f}}}}, true, nil
	}
	return nil, false, nil
}

// constList returns a constant list or an array of constants
func constList(n qcode.Node) (any, bool) {
	switch v := n.(type) {
	case *qcode.Constant:
		return v.Value, isList(v.Value)
	case *qcode.Array:
		list := make(bson.A, len(v.Items))
		for i, it := range v.Items {
			c, ok := it.(*qcode.Constant)
			if !ok {
				return nil, false
			}
			list[i] = c.Value
		}
		return list, true
	}
	return nil, false
}

func isList(v any) bool {
	if _, ok := v.([]byte); ok {
		return false
	}
	k := reflect.ValueOf(v).Kind()
	return k == reflect.Slice || k == reflect.Array
}

// eq renders an equality. The short form {path: v} is used unless v would
// be read as a pattern or path is the array item itself.
func eq(path string, v any) bson.D {
	if _, ok := v.(bson.Regex); ok || path == "" {
		return cond(path, bson.D{{Key: "$eq", Value: v}})
	}
	return bson.D{{Key: path, Value: v}}
}

// operatorOnly reports whether f applies operators to the array item
// itself, as in {$gt: 5}.
func operatorOnly(f bson.D) bool {
	for _, e := range f {
		if !strings.HasPrefix(e.Key, "$") || e.Key == "$and" || e.Key == "$or" || e.Key == "$nor" {
			return false
		}
	}
	return len(f) != 0
}
