package binder

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/dosco/aggjin/core/qcode"
)

// ErrUnknownVar is returned when a query references a variable that was
// not supplied.
var ErrUnknownVar = errors.New("unknown query variable")

// Evaluate replaces every maximal subtree that does not reference a lambda
// parameter or the query root with a Constant holding its value. Each such
// subtree is evaluated once.
func Evaluate(n qcode.Node, vars map[string]any) (qcode.Node, error) {
	nm := &nominator{candidates: make(map[qcode.Node]bool)}
	nm.visit(n)

	ev := &evaluator{
		nm:   nm,
		vars: vars,
		done: make(map[qcode.Node]qcode.Node),
	}
	return ev.rewrite(n)
}

type nominator struct {
	candidates map[qcode.Node]bool
}

// visit returns true when n depends on a parameter or a query root.
func (nm *nominator) visit(n qcode.Node) bool {
	if n == nil {
		return false
	}

	dependent := false
	for _, c := range children(n) {
		if nm.visit(c) {
			dependent = true
		}
	}

	switch n.(type) {
	case *qcode.Param, *qcode.Lambda, *qcode.Root:
		return true
	case *qcode.Constant:
		return false
	case *qcode.Member, *qcode.Method, *qcode.Unary, *qcode.Binary, *qcode.Conditional,
		*qcode.Document, *qcode.Array, *qcode.ArrayIndex, *qcode.Var:
	default:
		// bound nodes are left alone
		return true
	}

	if !dependent {
		nm.candidates[n] = true
	}
	return dependent
}

// children returns the raw children of n.
func children(n qcode.Node) []qcode.Node {
	switch v := n.(type) {
	case *qcode.Member:
		return []qcode.Node{v.Target}
	case *qcode.Method:
		out := make([]qcode.Node, 0, len(v.Args)+1)
		if v.Target != nil {
			out = append(out, v.Target)
		}
		return append(out, v.Args...)
	case *qcode.Lambda:
		return []qcode.Node{v.Body}
	case *qcode.Unary:
		return []qcode.Node{v.Operand}
	case *qcode.Binary:
		return []qcode.Node{v.Left, v.Right}
	case *qcode.Conditional:
		return []qcode.Node{v.Test, v.IfTrue, v.IfFalse}
	case *qcode.ArrayIndex:
		return []qcode.Node{v.Source, v.Index}
	case *qcode.Array:
		return v.Items
	case *qcode.Document:
		out := make([]qcode.Node, len(v.Members))
		for i, m := range v.Members {
			out[i] = m.Value
		}
		return out
	}
	return nil
}

type evaluator struct {
	nm   *nominator
	vars map[string]any
	done map[qcode.Node]qcode.Node
}

func (ev *evaluator) rewrite(n qcode.Node) (qcode.Node, error) {
	if n == nil {
		return nil, nil
	}
	if r, ok := ev.done[n]; ok {
		return r, nil
	}

	var out qcode.Node
	var err error

	if ev.nm.candidates[n] {
		var v any
		if v, err = ev.eval(n); err != nil {
			return nil, err
		}
		t := n.Type()
		if t == nil && v != nil {
			t = reflect.TypeOf(v)
		}
		out = &qcode.Constant{Value: v, Typ: t}
	} else {
		out, err = ev.rebuild(n)
		if err != nil {
			return nil, err
		}
	}

	ev.done[n] = out
	return out, nil
}

func (ev *evaluator) rewriteAll(list []qcode.Node) ([]qcode.Node, error) {
	out := make([]qcode.Node, len(list))
	for i, n := range list {
		r, err := ev.rewrite(n)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

func (ev *evaluator) rebuild(n qcode.Node) (qcode.Node, error) {
	switch v := n.(type) {
	case *qcode.Member:
		t, err := ev.rewrite(v.Target)
		if err != nil {
			return nil, err
		}
		return &qcode.Member{Target: t, Name: v.Name, Typ: v.Typ}, nil

	case *qcode.Method:
		t, err := ev.rewrite(v.Target)
		if err != nil {
			return nil, err
		}
		args, err := ev.rewriteAll(v.Args)
		if err != nil {
			return nil, err
		}
		return &qcode.Method{Target: t, Name: v.Name, Args: args, Typ: v.Typ}, nil

	case *qcode.Lambda:
		body, err := ev.rewrite(v.Body)
		if err != nil {
			return nil, err
		}
		return &qcode.Lambda{Params: v.Params, Body: body}, nil

	case *qcode.Unary:
		op, err := ev.rewrite(v.Operand)
		if err != nil {
			return nil, err
		}
		return &qcode.Unary{Op: v.Op, Operand: op, Typ: v.Typ}, nil

	case *qcode.Binary:
		l, err := ev.rewrite(v.Left)
		if err != nil {
			return nil, err
		}
		r, err := ev.rewrite(v.Right)
		if err != nil {
			return nil, err
		}
		return &qcode.Binary{Op: v.Op, Left: l, Right: r, Typ: v.Typ}, nil

	case *qcode.Conditional:
		list, err := ev.rewriteAll([]qcode.Node{v.Test, v.IfTrue, v.IfFalse})
		if err != nil {
			return nil, err
		}
		return &qcode.Conditional{Test: list[0], IfTrue: list[1], IfFalse: list[2], Typ: v.Typ}, nil

	case *qcode.ArrayIndex:
		s, err := ev.rewrite(v.Source)
		if err != nil {
			return nil, err
		}
		i, err := ev.rewrite(v.Index)
		if err != nil {
			return nil, err
		}
		return &qcode.ArrayIndex{Source: s, Index: i, Typ: v.Typ}, nil

	case *qcode.Array:
		items, err := ev.rewriteAll(v.Items)
		if err != nil {
			return nil, err
		}
		return &qcode.Array{Items: items, Typ: v.Typ}, nil

	case *qcode.Document:
		members := make([]qcode.DocMember, len(v.Members))
		for i, m := range v.Members {
			val, err := ev.rewrite(m.Value)
			if err != nil {
				return nil, err
			}
			members[i] = qcode.DocMember{Name: m.Name, Element: m.Element, Value: val}
		}
		return &qcode.Document{Members: members, Typ: v.Typ}, nil
	}
	return n, nil
}

// eval computes the value of a parameter free subtree.
func (ev *evaluator) eval(n qcode.Node) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = qcode.NotSupported(n, nil, "evaluation failed: %v", r)
		}
	}()
	return ev.value(n)
}

func (ev *evaluator) value(n qcode.Node) (any, error) {
	switch v := n.(type) {
	case *qcode.Constant:
		return v.Value, nil

	case *qcode.Var:
		val, ok := ev.vars[v.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownVar, v.Name)
		}
		if v.Typ != nil && val != nil {
			rv := reflect.ValueOf(val)
			if rv.Type() != v.Typ && rv.Type().ConvertibleTo(v.Typ) {
				return rv.Convert(v.Typ).Interface(), nil
			}
		}
		return val, nil

	case *qcode.Member:
		t, err := ev.value(v.Target)
		if err != nil {
			return nil, err
		}
		return memberValue(n, t, v.Name)

	case *qcode.Method:
		var target any
		if v.Target != nil {
			t, err := ev.value(v.Target)
			if err != nil {
				return nil, err
			}
			target = t
		}
		args := make([]any, len(v.Args))
		for i, a := range v.Args {
			av, err := ev.value(a)
			if err != nil {
				return nil, err
			}
			args[i] = av
		}
		if v.Target == nil {
			return callStatic(n, v.Name, args)
		}
		return callMethod(n, target, v.Name, args)

	case *qcode.Unary:
		o, err := ev.value(v.Operand)
		if err != nil {
			return nil, err
		}
		return unaryValue(n, v.Op, o)

	case *qcode.Binary:
		l, err := ev.value(v.Left)
		if err != nil {
			return nil, err
		}
		if v.Op.IsLogical() || v.Op == qcode.OpCoalesce {
			return shortCircuit(ev, v, l)
		}
		r, err := ev.value(v.Right)
		if err != nil {
			return nil, err
		}
		return binaryValue(n, v.Op, l, r, v.Typ)

	case *qcode.Conditional:
		t, err := ev.value(v.Test)
		if err != nil {
			return nil, err
		}
		b, ok := t.(bool)
		if !ok {
			return nil, qcode.NotSupported(v.Test, n, "condition is not a boolean")
		}
		if b {
			return ev.value(v.IfTrue)
		}
		return ev.value(v.IfFalse)

	case *qcode.ArrayIndex:
		s, err := ev.value(v.Source)
		if err != nil {
			return nil, err
		}
		i, err := ev.value(v.Index)
		if err != nil {
			return nil, err
		}
		return indexValue(n, s, i)

	case *qcode.Array:
		out := make([]any, len(v.Items))
		for i, it := range v.Items {
			iv, err := ev.value(it)
			if err != nil {
				return nil, err
			}
			out[i] = iv
		}
		return out, nil

	case *qcode.Document:
		return ev.documentValue(v)
	}
	return nil, qcode.NotSupported(n, nil, "cannot be evaluated")
}

func shortCircuit(ev *evaluator, v *qcode.Binary, l any) (any, error) {
	switch v.Op {
	case qcode.OpCoalesce:
		if !isNil(l) {
			return l, nil
		}
		return ev.value(v.Right)
	case qcode.OpAnd, qcode.OpOr:
		lb, ok := l.(bool)
		if !ok {
			return nil, qcode.NotSupported(v.Left, v, "operand is not a boolean")
		}
		if (v.Op == qcode.OpAnd && !lb) || (v.Op == qcode.OpOr && lb) {
			return lb, nil
		}
		r, err := ev.value(v.Right)
		if err != nil {
			return nil, err
		}
		rb, ok := r.(bool)
		if !ok {
			return nil, qcode.NotSupported(v.Right, v, "operand is not a boolean")
		}
		return rb, nil
	}
	return nil, qcode.NotSupported(v, nil, "unknown operator")
}

func (ev *evaluator) documentValue(v *qcode.Document) (any, error) {
	if v.Typ != nil && v.Typ.Kind() == reflect.Struct {
		out := reflect.New(v.Typ).Elem()
		for _, m := range v.Members {
			val, err := ev.value(m.Value)
			if err != nil {
				return nil, err
			}
			f := out.FieldByName(m.Name)
			if !f.IsValid() || !f.CanSet() {
				return nil, qcode.NotSupported(m.Value, v, "%s has no field %s", v.Typ, m.Name)
			}
			if val != nil {
				f.Set(reflect.ValueOf(val).Convert(f.Type()))
			}
		}
		return out.Interface(), nil
	}

	out := make(map[string]any, len(v.Members))
	for _, m := range v.Members {
		val, err := ev.value(m.Value)
		if err != nil {
			return nil, err
		}
		out[m.Name] = val
	}
	return out, nil
}

func memberValue(n qcode.Node, target any, name string) (any, error) {
	rv := reflect.ValueOf(target)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, qcode.NotSupported(n, nil, "member %s of a nil value", name)
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Struct:
		if f := rv.FieldByName(name); f.IsValid() && f.CanInterface() {
			return f.Interface(), nil
		}
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			mv := rv.MapIndex(reflect.ValueOf(name).Convert(rv.Type().Key()))
			if !mv.IsValid() {
				return nil, nil
			}
			return mv.Interface(), nil
		}
	}

	// a method without arguments, such as time.Time.Year
	if m := reflect.ValueOf(target).MethodByName(name); m.IsValid() && m.Type().NumIn() == 0 {
		out := m.Call(nil)
		if len(out) > 0 {
			return out[0].Interface(), nil
		}
	}
	return nil, qcode.NotSupported(n, nil, "%T has no member %s", target, name)
}

func indexValue(n qcode.Node, src, index any) (any, error) {
	rv := reflect.ValueOf(src)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.String:
		i, ok := toInt(index)
		if !ok {
			return nil, qcode.NotSupported(n, nil, "index is not an integer")
		}
		if i < 0 || int(i) >= rv.Len() {
			return nil, qcode.NotSupported(n, nil, "index %d out of range", i)
		}
		return rv.Index(int(i)).Interface(), nil
	case reflect.Map:
		mv := rv.MapIndex(reflect.ValueOf(index))
		if !mv.IsValid() {
			return nil, nil
		}
		return mv.Interface(), nil
	}
	return nil, qcode.NotSupported(n, nil, "%T cannot be indexed", src)
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Slice, reflect.Map, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
