package conf

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dosco/aggjin/core/qcode"
)

// scope builds expressions of a query file. References starting with $
// read from x, those starting with $$ are query variables. Accumulators
// are only allowed when group is set.
type scope struct {
	x     *qcode.Param
	group *qcode.Param
}

var binaryOps = map[string]func(l, r qcode.Node) *qcode.Binary{
	"eq":       qcode.Eq,
	"ne":       qcode.Ne,
	"gt":       qcode.Gt,
	"gte":      qcode.Gte,
	"lt":       qcode.Lt,
	"lte":      qcode.Lte,
	"add":      qcode.Add,
	"sub":      qcode.Sub,
	"mul":      qcode.Mul,
	"div":      qcode.Div,
	"mod":      qcode.Mod,
	"coalesce": qcode.Coalesce,
}

var accumulators = map[string]string{
	"count":        "Count",
	"sum":          "Sum",
	"avg":          "Average",
	"min":          "Min",
	"max":          "Max",
	"first":        "First",
	"last":         "Last",
	"push":         "Select",
	"add_to_set":   "Distinct",
	"std_dev_pop":  "StandardDeviationPopulation",
	"std_dev_samp": "StandardDeviationSample",
}

// isOperator reports whether a single-key map is an operator. Accumulator
// names count everywhere so that using one outside group_by is an error.
func isOperator(name string) bool {
	switch name {
	case "and", "or", "not", "neg", "if", "literal", "var", "doc", "index", "contains", "call":
		return true
	}
	if _, ok := binaryOps[name]; ok {
		return true
	}
	_, ok := accumulators[name]
	return ok
}

func (sc scope) expr(v any) (qcode.Node, error) {
	switch v := v.(type) {
	case string:
		return sc.ref(v)

	case []any:
		items, err := sc.list(v, -1)
		if err != nil {
			return nil, err
		}
		return qcode.Arr(items...), nil

	case map[string]any:
		if _, ok := v["call"]; ok {
			return sc.call(v)
		}
		if len(v) != 1 {
			return nil, fmt.Errorf("expected one operator, found %d keys", len(v))
		}
		for k, arg := range v {
			return sc.op(k, arg)
		}
	}
	return qcode.C(v), nil
}

// shape is an expression where a map that is not an operator is a
// document of named expressions
func (sc scope) shape(v any) (qcode.Node, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return sc.expr(v)
	}
	if len(m) == 1 {
		for k := range m {
			if isOperator(k) {
				return sc.expr(v)
			}
		}
	}
	return sc.doc(m)
}

func (sc scope) ref(s string) (qcode.Node, error) {
	switch {
	case strings.HasPrefix(s, "$$"):
		if len(s) == 2 {
			return nil, fmt.Errorf("variable name missing")
		}
		return qcode.V(s[2:], nil), nil

	case strings.HasPrefix(s, "$"):
		if sc.x == nil {
			return nil, fmt.Errorf("%s: no current element", s)
		}
		if s == "$" {
			return sc.x, nil
		}
		return qcode.M(sc.x, strings.Split(s[1:], ".")...), nil
	}
	return qcode.C(s), nil
}

func (sc scope) op(name string, arg any) (qcode.Node, error) {
	switch name {
	case "literal":
		return qcode.C(arg), nil

	case "var":
		s, ok := arg.(string)
		if !ok || s == "" {
			return nil, fmt.Errorf("var: expected a name")
		}
		return qcode.V(s, nil), nil

	case "doc":
		m, ok := arg.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("doc: expected a map")
		}
		return sc.doc(m)

	case "not", "neg":
		n, err := sc.expr(arg)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if name == "not" {
			return qcode.Not(n), nil
		}
		return qcode.Neg(n), nil

	case "and", "or":
		args, err := sc.args(name, arg, -1)
		if err != nil {
			return nil, err
		}
		if name == "and" {
			return qcode.And(args...), nil
		}
		return qcode.Or(args...), nil

	case "if":
		args, err := sc.args(name, arg, 3)
		if err != nil {
			return nil, err
		}
		return qcode.If(args[0], args[1], args[2]), nil

	case "index":
		args, err := sc.args(name, arg, 2)
		if err != nil {
			return nil, err
		}
		return qcode.Index(args[0], args[1]), nil

	case "contains":
		args, err := sc.args(name, arg, 2)
		if err != nil {
			return nil, err
		}
		return qcode.Invoke(args[0], "Contains", args[1]), nil
	}

	if fn, ok := binaryOps[name]; ok {
		args, err := sc.args(name, arg, 2)
		if err != nil {
			return nil, err
		}
		return fn(args[0], args[1]), nil
	}

	if _, ok := accumulators[name]; ok && sc.group != nil {
		return sc.accumulate(name, arg)
	}

	return nil, fmt.Errorf("unknown operator %q", name)
}

func (sc scope) args(name string, arg any, n int) ([]qcode.Node, error) {
	list, ok := arg.([]any)
	if !ok {
		return nil, fmt.Errorf("%s: expected a list", name)
	}
	args, err := sc.list(list, n)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return args, nil
}

func (sc scope) list(list []any, n int) ([]qcode.Node, error) {
	if n >= 0 && len(list) != n {
		return nil, fmt.Errorf("expected %d arguments, got %d", n, len(list))
	}
	nodes := make([]qcode.Node, len(list))
	for i, v := range list {
		var err error
		if nodes[i], err = sc.expr(v); err != nil {
			return nil, err
		}
	}
	return nodes, nil
}

// call is a method call { call: Name, on: expr, args: [...] }. Without
// on it is a static call.
func (sc scope) call(m map[string]any) (qcode.Node, error) {
	if err := checkKeys(m, "call", "on", "args"); err != nil {
		return nil, err
	}

	name, _ := m["call"].(string)
	if name == "" {
		return nil, fmt.Errorf("call: expected a method name")
	}

	var args []qcode.Node
	if a, ok := m["args"]; ok {
		var err error
		if args, err = sc.args(name, a, -1); err != nil {
			return nil, err
		}
	}

	on, ok := m["on"]
	if !ok {
		return qcode.Static(name, args...), nil
	}

	t, err := sc.expr(on)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return qcode.Invoke(t, name, args...), nil
}

func (sc scope) doc(m map[string]any) (qcode.Node, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	members := make([]qcode.DocMember, len(keys))
	for i, k := range keys {
		v, err := sc.expr(m[k])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		members[i] = qcode.As(k, v)
	}
	return qcode.Doc(nil, members...), nil
}

// accumulate builds an aggregate over the group. Its argument is an
// expression of the group's elements.
func (sc scope) accumulate(name string, arg any) (qcode.Node, error) {
	g := sc.group
	e := qcode.P("e", nil)
	el := scope{x: e}

	whole := arg == nil || arg == "$"

	switch name {
	case "count":
		if b, ok := arg.(bool); whole || (ok && b) {
			return qcode.Invoke(g, "Count"), nil
		}
		pred, err := el.expr(arg)
		if err != nil {
			return nil, fmt.Errorf("count: %w", err)
		}
		return qcode.Invoke(g, "Count", qcode.L(pred, e)), nil

	case "push":
		if whole {
			return qcode.Invoke(g, "ToList"), nil
		}
	case "first", "last":
		if whole {
			return qcode.Invoke(g, accumulators[name]), nil
		}
	}

	sel, err := el.expr(arg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	l := qcode.L(sel, e)

	switch name {
	case "push":
		return qcode.Invoke(g, "Select", l), nil
	case "add_to_set", "first", "last":
		return qcode.Invoke(qcode.Invoke(g, "Select", l), accumulators[name]), nil
	}
	return qcode.Invoke(g, accumulators[name], l), nil
}
