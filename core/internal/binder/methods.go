package binder

import (
	"reflect"
	"regexp"
	"time"
	"unicode"

	"github.com/dosco/aggjin/core/qcode"
	"github.com/dosco/aggjin/core/sdata"
)

var timeType = reflect.TypeOf(time.Time{})

func call(fn string, typ reflect.Type, args ...qcode.Node) *qcode.Call {
	return &qcode.Call{Func: fn, Args: args, Typ: typ}
}

func named(fn string, typ reflect.Type, names []string, args ...qcode.Node) *qcode.Call {
	return &qcode.Call{Func: fn, Named: names, Args: args, Typ: typ}
}

func (b *binder) bindMethod(m *qcode.Method, sc *scope) (qcode.Node, error) {
	if m.Target == nil {
		args, err := b.bindArgs(m.Args, sc)
		if err != nil {
			return nil, err
		}
		return b.bindStatic(m, args)
	}

	t, err := b.bindExpr(m.Target, sc)
	if err != nil {
		return nil, err
	}
	return b.bindCall(m, t, sc)
}

func (b *binder) bindArgs(list []qcode.Node, sc *scope) ([]qcode.Node, error) {
	out := make([]qcode.Node, len(list))
	for i, a := range list {
		ba, err := b.bindExpr(a, sc)
		if err != nil {
			return nil, err
		}
		out[i] = ba
	}
	return out, nil
}

// bindCall maps a method on the bound target t to stage operators.
func (b *binder) bindCall(m *qcode.Method, t qcode.Node, sc *scope) (qcode.Node, error) {
	ser, err := b.serializerOf(t)
	if err != nil {
		return nil, err
	}
	if as, ok := ser.(sdata.ArraySerializer); ok {
		return b.arrayMethod(m, t, as.Element(), sc)
	}

	args, err := b.bindArgs(m.Args, sc)
	if err != nil {
		return nil, err
	}

	tt := t.Type()
	for tt != nil && tt.Kind() == reflect.Pointer {
		tt = tt.Elem()
	}

	switch {
	case tt == nil:
	case tt.Kind() == reflect.String:
		return stringMethod(m, t, args)
	case tt == timeType:
		return timeMethod(m, t, args)
	}

	if m.Name == "String" && len(args) == 0 {
		return call("$toString", stringType, t), nil
	}
	return nil, qcode.NotSupported(m, nil, "method %s is not supported", m.Name)
}

var mathOps = map[string]string{
	"Abs":   "$abs",
	"Ceil":  "$ceil",
	"Floor": "$floor",
	"Round": "$round",
	"Sqrt":  "$sqrt",
	"Exp":   "$exp",
	"Trunc": "$trunc",
	"Log":   "$ln",
	"Log10": "$log10",
}

func (b *binder) bindStatic(m *qcode.Method, args []qcode.Node) (qcode.Node, error) {
	if fn, ok := mathOps[m.Name]; ok {
		if err := arity(m, 1); err != nil {
			return nil, err
		}
		t := float64Type
		if m.Name == "Abs" {
			t = args[0].Type()
		}
		return call(fn, or(m.Typ, t), args[0]), nil
	}

	switch m.Name {
	case "Pow":
		if err := arity(m, 2); err != nil {
			return nil, err
		}
		return call("$pow", or(m.Typ, float64Type), args...), nil

	case "Coalesce":
		if len(args) < 2 {
			return nil, qcode.NotSupported(m, nil, "Coalesce takes at least two arguments")
		}
		n := args[len(args)-1]
		for i := len(args) - 2; i >= 0; i-- {
			n = &qcode.Binary{Op: qcode.OpCoalesce, Left: args[i], Right: n, Typ: or(m.Typ, args[0].Type())}
		}
		return n, nil

	case "Concat":
		return call("$concat", stringType, args...), nil

	case "IsNullOrEmpty":
		if err := arity(m, 1); err != nil {
			return nil, err
		}
		empty := &qcode.Array{Items: []qcode.Node{qcode.C(nil), qcode.C("")}}
		return call("$in", boolType, args[0], empty), nil
	}

	return nil, qcode.NotSupported(m, nil, "function %s is not supported", m.Name)
}

func constString(n qcode.Node) (string, bool) {
	c, ok := n.(*qcode.Constant)
	if !ok {
		return "", false
	}
	s, ok := c.Value.(string)
	return s, ok
}

func regexMatch(input qcode.Node, pattern string) *qcode.Call {
	return named("$regexMatch", boolType, []string{"input", "regex"}, input, qcode.C(pattern))
}

func stringMethod(m *qcode.Method, s qcode.Node, args []qcode.Node) (qcode.Node, error) {
	unary := map[string]string{
		"ToLower": "$toLower",
		"ToUpper": "$toUpper",
	}
	if fn, ok := unary[m.Name]; ok {
		if err := arity(m, 0); err != nil {
			return nil, err
		}
		return call(fn, stringType, s), nil
	}

	switch m.Name {
	case "TrimSpace", "Trim":
		if err := arity(m, 0); err != nil {
			return nil, err
		}
		return named("$trim", stringType, []string{"input"}, s), nil

	case "Len", "Length":
		return call("$strLenCP", or(m.Typ, intType), s), nil

	case "Substring":
		if err := arity(m, 2); err != nil {
			return nil, err
		}
		return call("$substrCP", stringType, s, args[0], args[1]), nil

	case "IndexOf":
		if err := arity(m, 1); err != nil {
			return nil, err
		}
		return call("$indexOfCP", or(m.Typ, intType), s, args[0]), nil

	case "Split":
		if err := arity(m, 1); err != nil {
			return nil, err
		}
		return call("$split", reflect.TypeOf([]string(nil)), s, args[0]), nil

	case "Replace", "ReplaceAll":
		if err := arity(m, 2); err != nil {
			return nil, err
		}
		return named("$replaceAll", stringType,
			[]string{"input", "find", "replacement"}, s, args[0], args[1]), nil

	case "EqualFold":
		if err := arity(m, 1); err != nil {
			return nil, err
		}
		return qcode.Eq(call("$strcasecmp", intType, s, args[0]), qcode.C(0)), nil

	case "Compare":
		if err := arity(m, 1); err != nil {
			return nil, err
		}
		return call("$cmp", intType, s, args[0]), nil

	case "StartsWith", "EndsWith", "Contains":
		if err := arity(m, 1); err != nil {
			return nil, err
		}
		if v, ok := constString(args[0]); ok {
			p := regexp.QuoteMeta(v)
			switch m.Name {
			case "StartsWith":
				p = "^" + p
			case "EndsWith":
				p += "$"
			}
			return regexMatch(s, p), nil
		}

		idx := call("$indexOfCP", intType, s, args[0])
		switch m.Name {
		case "StartsWith":
			return qcode.Eq(idx, qcode.C(0)), nil
		case "Contains":
			return qcode.Gte(idx, qcode.C(0)), nil
		}
		return nil, qcode.NotSupported(m, nil, "EndsWith requires a constant suffix")

	case "IsMatch", "MatchString":
		if err := arity(m, 1); err != nil {
			return nil, err
		}
		p, ok := constString(args[0])
		if !ok {
			return nil, qcode.NotSupported(m, nil, "%s requires a constant pattern", m.Name)
		}
		return regexMatch(s, p), nil
	}

	return nil, qcode.NotSupported(m, nil, "string method %s is not supported", m.Name)
}

var dateParts = map[string]string{
	"Year":    "$year",
	"Month":   "$month",
	"Day":     "$dayOfMonth",
	"Hour":    "$hour",
	"Minute":  "$minute",
	"Second":  "$second",
	"YearDay": "$dayOfYear",
}

func timeMethod(m *qcode.Method, t qcode.Node, args []qcode.Node) (qcode.Node, error) {
	if fn, ok := dateParts[m.Name]; ok {
		if err := arity(m, 0); err != nil {
			return nil, err
		}
		return call(fn, or(m.Typ, intType), t), nil
	}

	switch m.Name {
	case "Weekday":
		// $dayOfWeek counts from 1 for Sunday
		return qcode.Sub(call("$dayOfWeek", or(m.Typ, intType), t), qcode.C(1)), nil

	case "Nanosecond":
		return qcode.Mul(call("$millisecond", or(m.Typ, intType), t), qcode.C(1000000)), nil

	case "Add":
		if err := arity(m, 1); err != nil {
			return nil, err
		}
		var ms qcode.Node
		if c, ok := args[0].(*qcode.Constant); ok {
			d, ok := toInt(c.Value)
			if !ok {
				return nil, qcode.NotSupported(m, nil, "Add requires a duration")
			}
			ms = qcode.C(time.Duration(d).Milliseconds())
		} else {
			ms = qcode.Div(args[0], qcode.C(int64(time.Millisecond)))
		}
		return call("$add", timeType, t, ms), nil

	case "AddDate":
		if err := arity(m, 3); err != nil {
			return nil, err
		}
		n := t
		for i, unit := range []string{"year", "month", "day"} {
			if c, ok := args[i].(*qcode.Constant); ok {
				if v, ok := toInt(c.Value); ok && v == 0 {
					continue
				}
			}
			n = named("$dateAdd", timeType, []string{"startDate", "unit", "amount"},
				n, qcode.C(unit), args[i])
		}
		return n, nil

	case "Before", "After", "Equal":
		if err := arity(m, 1); err != nil {
			return nil, err
		}
		switch m.Name {
		case "Before":
			return qcode.Lt(t, args[0]), nil
		case "After":
			return qcode.Gt(t, args[0]), nil
		}
		return qcode.Eq(t, args[0]), nil
	}

	return nil, qcode.NotSupported(m, nil, "time method %s is not supported", m.Name)
}

var setOps = map[string]string{
	"Concat":     "$concatArrays",
	"Union":      "$setUnion",
	"Intersect":  "$setIntersection",
	"Except":     "$setDifference",
	"IsSubsetOf": "$setIsSubset",
	"SetEquals":  "$setEquals",
}

var arrayAggregates = map[string]string{
	"Sum":     "$sum",
	"Average": "$avg",
	"Min":     "$min",
	"Max":     "$max",
}

// validVar reports whether name can be used as a stage variable.
func validVar(name string) bool {
	for i, r := range name {
		switch {
		case i == 0 && !(r < unicode.MaxASCII && unicode.IsLower(r)):
			return false
		case r == '_', r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
		default:
			return false
		}
	}
	return name != ""
}

func (b *binder) arrayMethod(m *qcode.Method, arr qcode.Node, elem sdata.Serializer, sc *scope) (qcode.Node, error) {
	at := arr.Type()

	// lambda binds a $map or $filter lambda over the array items
	lambda := func(arg qcode.Node) (string, qcode.Node, error) {
		l, ok := arg.(*qcode.Lambda)
		if !ok || len(l.Params) != 1 {
			return "", nil, qcode.NotSupported(arg, m, "expected a lambda of 1 parameter")
		}
		name := l.Params[0].Name
		if !validVar(name) {
			return "", nil, qcode.NotSupported(arg, m, "%s is not a valid variable name", name)
		}
		inner := newScope(sc)
		inner.params[name] = binding{element: element{ser: elem}, variable: name}
		body, err := b.bindExpr(l.Body, inner)
		return name, body, err
	}

	mapped := func(arg qcode.Node) (qcode.Node, error) {
		name, body, err := lambda(arg)
		if err != nil {
			return nil, err
		}
		return named("$map", reflect.SliceOf(typeOrAny(body.Type())),
			[]string{"input", "as", "in"}, arr, qcode.C(name), body), nil
	}

	filtered := func(arg qcode.Node) (qcode.Node, error) {
		name, body, err := lambda(arg)
		if err != nil {
			return nil, err
		}
		return named("$filter", at, []string{"input", "as", "cond"}, arr, qcode.C(name), body), nil
	}

	if fn, ok := setOps[m.Name]; ok {
		if err := arity(m, 1); err != nil {
			return nil, err
		}
		o, err := b.bindExpr(m.Args[0], sc)
		if err != nil {
			return nil, err
		}
		t := at
		if m.Name == "IsSubsetOf" || m.Name == "SetEquals" {
			t = boolType
		}
		return call(fn, t, arr, o), nil
	}

	if fn, ok := arrayAggregates[m.Name]; ok {
		if err := arity(m, 0, 1); err != nil {
			return nil, err
		}
		src := arr
		vt := elem.Type()
		if len(m.Args) == 1 {
			mp, err := mapped(m.Args[0])
			if err != nil {
				return nil, err
			}
			src, vt = mp, mp.Type().Elem()
		}
		t := vt
		if m.Name == "Average" {
			t = float64Type
		}
		return call(fn, or(m.Typ, t), src), nil
	}

	switch m.Name {
	case "Len", "Count", "Length":
		if err := arity(m, 0, 1); err != nil {
			return nil, err
		}
		src := arr
		if len(m.Args) == 1 {
			f, err := filtered(m.Args[0])
			if err != nil {
				return nil, err
			}
			src = f
		}
		return call("$size", or(m.Typ, intType), src), nil

	case "Contains":
		if err := arity(m, 1); err != nil {
			return nil, err
		}
		v, err := b.bindExpr(m.Args[0], sc)
		if err != nil {
			return nil, err
		}
		return call("$in", boolType, v, arr), nil

	case "Any":
		if err := arity(m, 0, 1); err != nil {
			return nil, err
		}
		if len(m.Args) == 0 {
			return qcode.Gt(call("$size", intType, arr), qcode.C(0)), nil
		}
		mp, err := mapped(m.Args[0])
		if err != nil {
			return nil, err
		}
		return call("$anyElementTrue", boolType, mp), nil

	case "All":
		if err := arity(m, 1); err != nil {
			return nil, err
		}
		mp, err := mapped(m.Args[0])
		if err != nil {
			return nil, err
		}
		return call("$allElementsTrue", boolType, mp), nil

	case "Select":
		if err := arity(m, 1); err != nil {
			return nil, err
		}
		return mapped(m.Args[0])

	case "Where":
		if err := arity(m, 1); err != nil {
			return nil, err
		}
		return filtered(m.Args[0])

	case "First", "Last":
		if err := arity(m, 0); err != nil {
			return nil, err
		}
		i := 0
		if m.Name == "Last" {
			i = -1
		}
		return call("$arrayElemAt", or(m.Typ, elem.Type()), arr, qcode.C(i)), nil

	case "ElementAt":
		if err := arity(m, 1); err != nil {
			return nil, err
		}
		i, err := b.bindExpr(m.Args[0], sc)
		if err != nil {
			return nil, err
		}
		return call("$arrayElemAt", or(m.Typ, elem.Type()), arr, i), nil
	}

	return nil, qcode.NotSupported(m, nil, "array method %s is not supported", m.Name)
}
