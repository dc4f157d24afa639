package binder

import (
	"reflect"

	"github.com/dosco/aggjin/core/qcode"
	"github.com/dosco/aggjin/core/sdata"
)

var terminals = map[string]qcode.AggregatorKind{
	"Count":                       qcode.AggCount,
	"LongCount":                   qcode.AggLongCount,
	"Sum":                         qcode.AggSum,
	"Average":                     qcode.AggAverage,
	"Min":                         qcode.AggMin,
	"Max":                         qcode.AggMax,
	"StandardDeviationPopulation": qcode.AggStdDevPop,
	"StandardDeviationSample":     qcode.AggStdDevSamp,
	"Any":                         qcode.AggAny,
	"All":                         qcode.AggAll,
	"Contains":                    qcode.AggContains,
	"First":                       qcode.AggFirst,
	"FirstOrDefault":              qcode.AggFirstOrDefault,
	"Single":                      qcode.AggSingle,
	"SingleOrDefault":             qcode.AggSingleOrDefault,
}

var numericAccumulators = map[qcode.AggregatorKind]qcode.AccumulatorOp{
	qcode.AggSum:        qcode.AccSum,
	qcode.AggAverage:    qcode.AccAvg,
	qcode.AggMin:        qcode.AccMin,
	qcode.AggMax:        qcode.AccMax,
	qcode.AggStdDevPop:  qcode.AccStdDevPop,
	qcode.AggStdDevSamp: qcode.AccStdDevSamp,
}

func (b *binder) bindTerminal(m *qcode.Method) (*qcode.Projection, error) {
	kind := terminals[m.Name]

	src, el, err := b.bindQuery(m.Target)
	if err != nil {
		return nil, err
	}

	switch kind {
	case qcode.AggCount, qcode.AggLongCount:
		if err := arity(m, 0, 1); err != nil {
			return nil, err
		}
		if len(m.Args) == 1 {
			if src, err = b.where(src, el, m.Args[0], m, false); err != nil {
				return nil, err
			}
		}
		t := intType
		if kind == qcode.AggLongCount {
			t = int64Type
		}
		return b.rootAccumulate(src, &qcode.Accumulator{Op: qcode.AccSum, Typ: or(m.Typ, t)}, kind)

	case qcode.AggSum, qcode.AggAverage, qcode.AggMin, qcode.AggMax,
		qcode.AggStdDevPop, qcode.AggStdDevSamp:
		if err := arity(m, 0, 1); err != nil {
			return nil, err
		}
		var val qcode.Node = elementRef(el)
		if len(m.Args) == 1 {
			if val, err = b.bindLambda(m.Args[0], m, el); err != nil {
				return nil, err
			}
		}
		op := numericAccumulators[kind]
		acc := &qcode.Accumulator{Op: op, Arg: val, Typ: or(m.Typ, accumulatorType(op, val.Type()))}
		return b.rootAccumulate(src, acc, kind)

	case qcode.AggAny, qcode.AggFirst, qcode.AggFirstOrDefault:
		if err := arity(m, 0, 1); err != nil {
			return nil, err
		}
		if len(m.Args) == 1 {
			if src, err = b.where(src, el, m.Args[0], m, false); err != nil {
				return nil, err
			}
		}
		return b.limited(src, el, 1, kind, m.Typ)

	case qcode.AggSingle, qcode.AggSingleOrDefault:
		if err := arity(m, 0, 1); err != nil {
			return nil, err
		}
		if len(m.Args) == 1 {
			if src, err = b.where(src, el, m.Args[0], m, false); err != nil {
				return nil, err
			}
		}
		return b.limited(src, el, 2, kind, m.Typ)

	case qcode.AggAll:
		if err := arity(m, 1); err != nil {
			return nil, err
		}
		if src, err = b.where(src, el, m.Args[0], m, true); err != nil {
			return nil, err
		}
		return b.limited(src, el, 1, kind, m.Typ)

	case qcode.AggContains:
		if err := arity(m, 1); err != nil {
			return nil, err
		}
		v, err := b.bindExpr(m.Args[0], newScope(nil))
		if err != nil {
			return nil, err
		}
		pred := qcode.Eq(elementRef(el), v)
		src = &qcode.Where{Source: src, Predicate: pred}
		return b.limited(src, el, 1, kind, m.Typ)
	}

	return nil, qcode.NotSupported(m, nil, "%s is not a terminal operator", m.Name)
}

// limited ends the query with a $limit and reads the result off the
// element.
func (b *binder) limited(src qcode.Node, el element, n int64, kind qcode.AggregatorKind, typ reflect.Type) (*qcode.Projection, error) {
	t := typ
	if t == nil {
		switch kind {
		case qcode.AggAny, qcode.AggAll, qcode.AggContains:
			t = boolType
		default:
			t = el.ser.Type()
		}
	}

	return &qcode.Projection{
		Source:     &qcode.Take{Source: src, Count: n},
		Projector:  elementRef(el),
		Aggregator: &qcode.Aggregator{Kind: kind, Typ: t},
	}, nil
}

func (b *binder) rootAccumulate(src qcode.Node, acc *qcode.Accumulator, kind qcode.AggregatorKind) (*qcode.Projection, error) {
	ser, err := b.reg.Lookup(acc.Typ)
	if err != nil {
		return nil, err
	}

	d := sdata.RootDescriptor(ser)
	d.Path = []string{qcode.ResultField}

	ra := &qcode.RootAccumulator{Source: src, Accumulator: acc, Element: ser}
	return &qcode.Projection{
		Source:     ra,
		Projector:  qcode.FieldRef(d),
		Aggregator: &qcode.Aggregator{Kind: kind, Typ: acc.Typ},
	}, nil
}

// accumulatorType returns the type of the result of op over values of t.
func accumulatorType(op qcode.AccumulatorOp, t reflect.Type) reflect.Type {
	switch op {
	case qcode.AccAvg, qcode.AccStdDevPop, qcode.AccStdDevSamp:
		if t != nil && t.Kind() == reflect.Pointer {
			return reflect.PointerTo(float64Type)
		}
		return float64Type
	case qcode.AccPush, qcode.AccAddToSet:
		return reflect.SliceOf(typeOrAny(t))
	}
	return t
}

func or(t, def reflect.Type) reflect.Type {
	if t != nil {
		return t
	}
	return def
}
