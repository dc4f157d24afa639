package binder

import (
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/dosco/aggjin/core/qcode"
)

func toInt(v any) (int64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint()), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	if i, ok := toInt(v); ok {
		return float64(i), true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

// convertTo converts a computed number back to the type of the expression.
func convertTo(v any, t reflect.Type) any {
	if t == nil {
		return v
	}
	rv := reflect.ValueOf(v)
	if rv.Type() == t || !rv.Type().ConvertibleTo(t) {
		return v
	}
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return rv.Convert(t).Interface()
	}
	return v
}

func unaryValue(n qcode.Node, op qcode.UnaryOp, v any) (any, error) {
	switch op {
	case qcode.OpNot:
		if b, ok := v.(bool); ok {
			return !b, nil
		}
	case qcode.OpNegate:
		if i, ok := toInt(v); ok {
			return convertTo(-i, reflect.TypeOf(v)), nil
		}
		if f, ok := toFloat(v); ok {
			return convertTo(-f, reflect.TypeOf(v)), nil
		}
	}
	return nil, qcode.NotSupported(n, nil, "operator %s on %T", op, v)
}

func binaryValue(n qcode.Node, op qcode.BinaryOp, l, r any, typ reflect.Type) (any, error) {
	if op.IsComparison() {
		return compareValues(n, op, l, r)
	}

	if ls, ok := l.(string); ok && (op == qcode.OpAdd || op == qcode.OpConcat) {
		return ls + fmt.Sprint(r), nil
	}
	if op == qcode.OpConcat {
		return fmt.Sprint(l) + fmt.Sprint(r), nil
	}

	if typ == nil && l != nil {
		typ = reflect.TypeOf(l)
	}

	li, lok := toInt(l)
	ri, rok := toInt(r)
	if lok && rok {
		var v int64
		switch op {
		case qcode.OpAdd:
			v = li + ri
		case qcode.OpSubtract:
			v = li - ri
		case qcode.OpMultiply:
			v = li * ri
		case qcode.OpDivide, qcode.OpModulo:
			if ri == 0 {
				return nil, qcode.NotSupported(n, nil, "division by zero")
			}
			if op == qcode.OpDivide {
				v = li / ri
			} else {
				v = li % ri
			}
		default:
			return nil, qcode.NotSupported(n, nil, "operator %s on integers", op)
		}
		return convertTo(v, typ), nil
	}

	lf, lok := toFloat(l)
	rf, rok := toFloat(r)
	if lok && rok {
		var v float64
		switch op {
		case qcode.OpAdd:
			v = lf + rf
		case qcode.OpSubtract:
			v = lf - rf
		case qcode.OpMultiply:
			v = lf * rf
		case qcode.OpDivide:
			v = lf / rf
		case qcode.OpModulo:
			v = math.Mod(lf, rf)
		default:
			return nil, qcode.NotSupported(n, nil, "operator %s on numbers", op)
		}
		return convertTo(v, typ), nil
	}

	return nil, qcode.NotSupported(n, nil, "operator %s on %T and %T", op, l, r)
}

func compareValues(n qcode.Node, op qcode.BinaryOp, l, r any) (bool, error) {
	c, ordered := order(l, r)
	if !ordered {
		if op != qcode.OpEqual && op != qcode.OpNotEqual {
			return false, qcode.NotSupported(n, nil, "cannot order %T and %T", l, r)
		}
		eq := reflect.DeepEqual(l, r)
		return eq == (op == qcode.OpEqual), nil
	}

	switch op {
	case qcode.OpEqual:
		return c == 0, nil
	case qcode.OpNotEqual:
		return c != 0, nil
	case qcode.OpGreaterThan:
		return c > 0, nil
	case qcode.OpGreaterThanOrEqual:
		return c >= 0, nil
	case qcode.OpLessThan:
		return c < 0, nil
	}
	return c <= 0, nil
}

// order compares numbers, strings and times.
func order(l, r any) (int, bool) {
	if lf, ok := toFloat(l); ok {
		if rf, ok := toFloat(r); ok {
			switch {
			case lf < rf:
				return -1, true
			case lf > rf:
				return 1, true
			}
			return 0, true
		}
		return 0, false
	}
	if ls, ok := l.(string); ok {
		if rs, ok := r.(string); ok {
			return strings.Compare(ls, rs), true
		}
		return 0, false
	}
	if lt, ok := l.(time.Time); ok {
		if rt, ok := r.(time.Time); ok {
			return lt.Compare(rt), true
		}
	}
	return 0, false
}

var mathFuncs = map[string]func(float64) float64{
	"Abs":   math.Abs,
	"Ceil":  math.Ceil,
	"Floor": math.Floor,
	"Round": math.Round,
	"Sqrt":  math.Sqrt,
	"Log":   math.Log,
	"Log10": math.Log10,
	"Exp":   math.Exp,
	"Trunc": math.Trunc,
}

func callStatic(n qcode.Node, name string, args []any) (any, error) {
	if fn, ok := mathFuncs[name]; ok && len(args) == 1 {
		f, ok := toFloat(args[0])
		if !ok {
			return nil, qcode.NotSupported(n, nil, "%s of %T", name, args[0])
		}
		return fn(f), nil
	}

	switch name {
	case "Pow":
		if len(args) == 2 {
			x, ok1 := toFloat(args[0])
			y, ok2 := toFloat(args[1])
			if ok1 && ok2 {
				return math.Pow(x, y), nil
			}
		}
	case "Coalesce":
		for _, a := range args {
			if !isNil(a) {
				return a, nil
			}
		}
		return nil, nil
	case "Concat":
		var sb strings.Builder
		for _, a := range args {
			sb.WriteString(fmt.Sprint(a))
		}
		return sb.String(), nil
	case "IsNullOrEmpty":
		if len(args) == 1 {
			if isNil(args[0]) {
				return true, nil
			}
			s, ok := args[0].(string)
			return ok && s == "", nil
		}
	case "Now":
		if len(args) == 0 {
			return time.Now().UTC(), nil
		}
	}
	return nil, qcode.NotSupported(n, nil, "function %s is not supported", name)
}

func callMethod(n qcode.Node, target any, name string, args []any) (any, error) {
	if s, ok := target.(string); ok {
		if v, ok, err := evalStringMethod(n, s, name, args); ok || err != nil {
			return v, err
		}
	}

	rv := reflect.ValueOf(target)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if v, ok := sliceMethod(rv, name, args); ok {
			return v, nil
		}
	}

	m := rv.MethodByName(name)
	if !m.IsValid() {
		return nil, qcode.NotSupported(n, nil, "%T has no method %s", target, name)
	}

	mt := m.Type()
	if mt.NumIn() != len(args) || mt.IsVariadic() {
		return nil, qcode.NotSupported(n, nil, "%T.%s takes %d arguments", target, name, mt.NumIn())
	}

	in := make([]reflect.Value, len(args))
	for i, a := range args {
		pt := mt.In(i)
		if a == nil {
			in[i] = reflect.Zero(pt)
			continue
		}
		av := reflect.ValueOf(a)
		if !av.Type().AssignableTo(pt) {
			if !av.Type().ConvertibleTo(pt) {
				return nil, qcode.NotSupported(n, nil, "argument %d of %s is %T", i, name, a)
			}
			av = av.Convert(pt)
		}
		in[i] = av
	}

	out := m.Call(in)
	if len(out) == 0 {
		return nil, qcode.NotSupported(n, nil, "%T.%s returns nothing", target, name)
	}
	if len(out) == 2 {
		if err, ok := out[1].Interface().(error); ok && err != nil {
			return nil, err
		}
	}
	return out[0].Interface(), nil
}

func evalStringMethod(n qcode.Node, s, name string, args []any) (any, bool, error) {
	str := func(i int) string {
		if i < len(args) {
			return fmt.Sprint(args[i])
		}
		return ""
	}

	switch {
	case name == "ToLower" && len(args) == 0:
		return strings.ToLower(s), true, nil
	case name == "ToUpper" && len(args) == 0:
		return strings.ToUpper(s), true, nil
	case (name == "TrimSpace" || name == "Trim") && len(args) == 0:
		return strings.TrimSpace(s), true, nil
	case (name == "Len" || name == "Length") && len(args) == 0:
		return len([]rune(s)), true, nil
	case name == "IndexOf" && len(args) == 1:
		i := strings.Index(s, str(0))
		if i > 0 {
			i = len([]rune(s[:i]))
		}
		return i, true, nil
	case name == "Split" && len(args) == 1:
		return strings.Split(s, str(0)), true, nil
	case name == "Replace" && len(args) == 2:
		return strings.ReplaceAll(s, str(0), str(1)), true, nil
	case name == "EqualFold" && len(args) == 1:
		return strings.EqualFold(s, str(0)), true, nil
	case name == "StartsWith" && len(args) == 1:
		return strings.HasPrefix(s, str(0)), true, nil
	case name == "EndsWith" && len(args) == 1:
		return strings.HasSuffix(s, str(0)), true, nil
	case name == "Contains" && len(args) == 1:
		return strings.Contains(s, str(0)), true, nil
	case name == "Compare" && len(args) == 1:
		return strings.Compare(s, str(0)), true, nil
	case name == "IsMatch" && len(args) == 1:
		re, err := regexp.Compile(str(0))
		if err != nil {
			return nil, false, qcode.NotSupported(n, nil, "invalid pattern: %v", err)
		}
		return re.MatchString(s), true, nil
	case name == "Substring" && len(args) == 2:
		start, ok1 := toInt(args[0])
		length, ok2 := toInt(args[1])
		r := []rune(s)
		if !ok1 || !ok2 || start < 0 || length < 0 {
			return nil, false, qcode.NotSupported(n, nil, "invalid substring bounds")
		}
		if start > int64(len(r)) {
			start = int64(len(r))
		}
		end := start + length
		if end > int64(len(r)) {
			end = int64(len(r))
		}
		return string(r[start:end]), true, nil
	}
	return nil, false, nil
}

func sliceMethod(rv reflect.Value, name string, args []any) (any, bool) {
	switch {
	case (name == "Len" || name == "Count") && len(args) == 0:
		return rv.Len(), true
	case name == "Any" && len(args) == 0:
		return rv.Len() > 0, true
	case name == "Contains" && len(args) == 1:
		for i := 0; i < rv.Len(); i++ {
			if c, ok := order(rv.Index(i).Interface(), args[0]); ok && c == 0 {
				return true, true
			}
			if reflect.DeepEqual(rv.Index(i).Interface(), args[0]) {
				return true, true
			}
		}
		return false, true
	case name == "First" && len(args) == 0 && rv.Len() > 0:
		return rv.Index(0).Interface(), true
	case name == "Last" && len(args) == 0 && rv.Len() > 0:
		return rv.Index(rv.Len() - 1).Interface(), true
	case name == "ElementAt" && len(args) == 1:
		if i, ok := toInt(args[0]); ok && i >= 0 && int(i) < rv.Len() {
			return rv.Index(int(i)).Interface(), true
		}
	}
	return nil, false
}
