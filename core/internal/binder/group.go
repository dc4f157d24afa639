package binder

import (
	"fmt"
	"reflect"

	"github.com/dosco/aggjin/core/qcode"
	"github.com/dosco/aggjin/core/sdata"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// groupScope collects the accumulators of a GroupBy. Aggregates over the
// group can appear in any later stage that still sees the grouped element,
// so the node is completed while the rest of the query is bound.
type groupScope struct {
	node   *qcode.GroupBy
	ser    *groupSerializer
	source element
	seen   map[string]string
}

func newGroupScope(g *qcode.GroupBy, key sdata.Serializer, source element) *groupScope {
	return &groupScope{
		node:   g,
		ser:    &groupSerializer{key: key, members: make(map[string]sdata.Serializer)},
		source: source,
		seen:   make(map[string]string),
	}
}

// add registers acc and returns a reference to its field in the grouped
// document. Equal accumulators share a field. The field is called name
// when that is free.
func (gs *groupScope) add(acc *qcode.Accumulator, ser sdata.Serializer, name string) qcode.Node {
	key := qcode.Format(acc)

	target, ok := gs.seen[key]
	if !ok {
		target = name
		if _, taken := gs.ser.members[target]; target == "" || taken ||
			target == qcode.GroupKeyField {
			target = fmt.Sprintf("__agg%d", len(gs.node.Accumulators))
		}
		gs.node.Accumulators = append(gs.node.Accumulators,
			qcode.GroupAccumulator{Target: target, Expr: acc})
		gs.ser.add(target, ser)
		gs.seen[key] = target
	}

	mi, _ := gs.ser.Member(target)
	return qcode.FieldRef(sdata.RootDescriptor(gs.ser).Child(mi.ElementName, mi))
}

// groupSerializer describes a grouped document: the key under _id and one
// field per accumulator.
type groupSerializer struct {
	key     sdata.Serializer
	names   []string
	members map[string]sdata.Serializer
}

func (s *groupSerializer) add(name string, ser sdata.Serializer) {
	s.names = append(s.names, name)
	s.members[name] = ser
}

func (s *groupSerializer) Type() reflect.Type {
	return reflect.TypeOf(map[string]any{})
}

func (s *groupSerializer) Member(name string) (sdata.MemberInfo, bool) {
	if name == "Key" {
		t := s.key.Type()
		return sdata.MemberInfo{
			ElementName: qcode.GroupKeyField,
			Serializer:  s.key,
			Nullable:    sdata.IsNullable(t),
			Default:     sdata.ZeroValue(t),
		}, true
	}

	ms, ok := s.members[name]
	if !ok {
		return sdata.MemberInfo{}, false
	}
	t := ms.Type()
	return sdata.MemberInfo{
		ElementName: name,
		Serializer:  ms,
		Nullable:    sdata.IsNullable(t),
		Default:     sdata.ZeroValue(t),
	}, true
}

func (s *groupSerializer) Decode(val bson.RawValue) (any, error) {
	doc, ok := val.DocumentOK()
	if !ok {
		return nil, fmt.Errorf("group is a %s, not a document", val.Type)
	}

	out := make(map[string]any, len(s.names)+1)
	decode := func(name, element string, ser sdata.Serializer) error {
		rv, err := doc.LookupErr(element)
		if err != nil {
			out[name] = sdata.ZeroValue(ser.Type())
			return nil
		}
		v, err := ser.Decode(rv)
		if err != nil {
			return err
		}
		out[name] = v
		return nil
	}

	if err := decode("Key", qcode.GroupKeyField, s.key); err != nil {
		return nil, err
	}
	for _, name := range s.names {
		if err := decode(name, name, s.members[name]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (b *binder) bindGroupBy(m *qcode.Method, src qcode.Node, el element) (qcode.Node, element, error) {
	fail := func(err error) (qcode.Node, element, error) {
		return nil, element{}, err
	}

	key, err := b.bindLambda(m.Args[0], m, el)
	if err != nil {
		return fail(err)
	}
	keySer, err := b.serializerOf(key)
	if err != nil {
		return fail(err)
	}

	g := &qcode.GroupBy{Source: src, ID: key}
	gs := newGroupScope(g, keySer, el)
	g.Element = gs.ser

	grouped := element{ser: gs.ser, group: gs}
	if len(m.Args) == 1 {
		return g, grouped, nil
	}

	l, ok := m.Args[1].(*qcode.Lambda)
	if !ok || len(l.Params) != 2 {
		return fail(qcode.NotSupported(m.Args[1], m, "expected a lambda of 2 parameters"))
	}

	sc := newScope(nil)
	sc.params[l.Params[0].Name] = binding{element: element{
		path: []string{qcode.GroupKeyField},
		ser:  keySer,
	}}
	sc.params[l.Params[1].Name] = binding{element: grouped}

	var result qcode.Node
	var ser sdata.Serializer

	if d, ok := l.Body.(*qcode.Document); ok {
		doc, err := b.bindDocument(d, sc, func(raw qcode.Node, name string) (qcode.Node, bool, error) {
			acc, accSer, ok, err := b.groupAggregate(raw, sc)
			if !ok || err != nil {
				return nil, ok, err
			}
			return gs.add(acc, accSer, name), true, nil
		})
		if err != nil {
			return fail(err)
		}
		ds, err := b.documentSerializer(doc, qcode.DirectGroupResult(doc, g))
		if err != nil {
			return fail(err)
		}
		result, ser = doc, ds
	} else {
		if result, err = b.bindExpr(l.Body, sc); err != nil {
			return fail(err)
		}
		if ser, err = b.serializerOf(result); err != nil {
			return fail(err)
		}
	}

	gr := &qcode.GroupByWithResultSelector{Source: g, ResultSelector: result, Element: ser}

	next := element{ser: ser}
	if _, ok := result.(*qcode.Document); !ok {
		next.path = qcode.ProjectedPath(result)
	}
	return gr, next, nil
}

// groupAggregate recognizes an aggregate over a group parameter, such as
// g.Count(), g.Sum(x => x.A), g.First() or g.Select(x => x.A).Distinct().
// It returns false when raw is not one.
func (b *binder) groupAggregate(raw qcode.Node, sc *scope) (*qcode.Accumulator, sdata.Serializer, bool, error) {
	m, ok := raw.(*qcode.Method)
	if !ok || m.Target == nil {
		return nil, nil, false, nil
	}

	gs := groupParam(m.Target, sc)
	var pre qcode.Node
	if gs == nil {
		inner, ok := m.Target.(*qcode.Method)
		if !ok || inner.Name != "Select" || len(inner.Args) != 1 {
			return nil, nil, false, nil
		}
		if gs = groupParam(inner.Target, sc); gs == nil {
			return nil, nil, false, nil
		}
		pre = inner.Args[0]
	}

	// the source element, or the values selected from it
	src := func() (qcode.Node, error) {
		if pre == nil {
			return elementRef(gs.source), nil
		}
		return b.bindLambda(pre, m, gs.source)
	}

	// the value an aggregate applies to: its selector when it has one
	value := func() (qcode.Node, error) {
		if len(m.Args) == 0 {
			return src()
		}
		if pre != nil {
			return nil, qcode.NotSupported(m, nil, "%s after Select takes no arguments", m.Name)
		}
		return b.bindLambda(m.Args[0], m, gs.source)
	}

	accumulate := func(op qcode.AccumulatorOp, def reflect.Type) (*qcode.Accumulator, sdata.Serializer, bool, error) {
		v, err := value()
		if err != nil {
			return nil, nil, true, err
		}
		acc := &qcode.Accumulator{Op: op, Arg: v, Typ: or(m.Typ, or(def, accumulatorType(op, v.Type())))}

		var ser sdata.Serializer
		switch op {
		case qcode.AccFirst, qcode.AccLast, qcode.AccMin, qcode.AccMax:
			ser, err = b.serializerOf(v)
		case qcode.AccPush, qcode.AccAddToSet:
			var es sdata.Serializer
			if es, err = b.serializerOf(v); err == nil {
				ser = sdata.NewArraySerializer(acc.Typ, es)
			}
		default:
			ser, err = b.reg.Lookup(acc.Typ)
		}
		return acc, ser, true, err
	}

	switch m.Name {
	case "Count", "LongCount":
		if err := arity(m, 0, 1); err != nil {
			return nil, nil, true, err
		}
		t := intType
		if m.Name == "LongCount" {
			t = int64Type
		}
		acc := &qcode.Accumulator{Op: qcode.AccSum, Typ: or(m.Typ, t)}
		if len(m.Args) == 1 {
			if pre != nil {
				return nil, nil, true, qcode.NotSupported(m, nil, "Count after Select takes no arguments")
			}
			pred, err := b.bindLambda(m.Args[0], m, gs.source)
			if err != nil {
				return nil, nil, true, err
			}
			acc.Arg = qcode.If(pred, qcode.C(1), qcode.C(0))
		}
		ser, err := b.reg.Lookup(acc.Typ)
		return acc, ser, true, err

	case "Sum":
		return accumulate(qcode.AccSum, nil)
	case "Average":
		return accumulate(qcode.AccAvg, nil)
	case "Min":
		return accumulate(qcode.AccMin, nil)
	case "Max":
		return accumulate(qcode.AccMax, nil)
	case "StandardDeviationPopulation":
		return accumulate(qcode.AccStdDevPop, nil)
	case "StandardDeviationSample":
		return accumulate(qcode.AccStdDevSamp, nil)

	case "First", "Last":
		if err := arity(m, 0); err != nil {
			return nil, nil, true, err
		}
		op := qcode.AccFirst
		if m.Name == "Last" {
			op = qcode.AccLast
		}
		return accumulate(op, nil)

	case "Select":
		if pre != nil {
			return nil, nil, false, nil
		}
		if err := arity(m, 1); err != nil {
			return nil, nil, true, err
		}
		return accumulate(qcode.AccPush, nil)

	case "Distinct":
		if pre == nil {
			break
		}
		return accumulate(qcode.AccAddToSet, nil)

	case "ToList", "ToArray":
		return accumulate(qcode.AccPush, nil)
	}

	return nil, nil, true, qcode.NotSupported(m, nil, "%s is not supported on a group", m.Name)
}

func groupParam(n qcode.Node, sc *scope) *groupScope {
	p, ok := n.(*qcode.Param)
	if !ok {
		return nil
	}
	bd, ok := sc.lookup(p.Name)
	if !ok {
		return nil
	}
	return bd.group
}
