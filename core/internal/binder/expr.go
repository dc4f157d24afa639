package binder

import (
	"reflect"
	"strings"

	"github.com/dosco/aggjin/core/qcode"
	"github.com/dosco/aggjin/core/sdata"
)

// memberHook binds a document member value in place of bindExpr. It
// returns false to fall back to bindExpr.
type memberHook func(raw qcode.Node, element string) (qcode.Node, bool, error)

func (b *binder) bindExpr(n qcode.Node, sc *scope) (qcode.Node, error) {
	switch v := n.(type) {
	case *qcode.Constant:
		return v, nil

	case *qcode.Param:
		bd, ok := sc.lookup(v.Name)
		if !ok {
			return nil, qcode.NotSupported(v, nil, "parameter %s is not in scope", v.Name)
		}
		return bd.ref(), nil

	case *qcode.Member:
		return b.bindMember(v, sc)

	case *qcode.Method:
		acc, ser, ok, err := b.groupAggregate(v, sc)
		if err != nil {
			return nil, err
		}
		if ok {
			gs := groupParam(v.Target, sc)
			if gs == nil {
				gs = groupParam(v.Target.(*qcode.Method).Target, sc)
			}
			return gs.add(acc, ser, ""), nil
		}
		return b.bindMethod(v, sc)

	case *qcode.Unary:
		o, err := b.bindExpr(v.Operand, sc)
		if err != nil {
			return nil, err
		}
		t := v.Typ
		if t == nil {
			t = o.Type()
		}
		return &qcode.Unary{Op: v.Op, Operand: o, Typ: t}, nil

	case *qcode.Binary:
		l, err := b.bindExpr(v.Left, sc)
		if err != nil {
			return nil, err
		}
		r, err := b.bindExpr(v.Right, sc)
		if err != nil {
			return nil, err
		}
		t := v.Typ
		if t == nil {
			if v.Op.IsComparison() || v.Op.IsLogical() {
				t = boolType
			} else {
				t = or(l.Type(), r.Type())
			}
		}
		return &qcode.Binary{Op: v.Op, Left: l, Right: r, Typ: t}, nil

	case *qcode.Conditional:
		list := make([]qcode.Node, 3)
		for i, c := range []qcode.Node{v.Test, v.IfTrue, v.IfFalse} {
			bc, err := b.bindExpr(c, sc)
			if err != nil {
				return nil, err
			}
			list[i] = bc
		}
		return &qcode.Conditional{
			Test:    list[0],
			IfTrue:  list[1],
			IfFalse: list[2],
			Typ:     or(v.Typ, list[1].Type()),
		}, nil

	case *qcode.ArrayIndex:
		return b.bindIndex(v, sc)

	case *qcode.Array:
		items := make([]qcode.Node, len(v.Items))
		for i, it := range v.Items {
			bi, err := b.bindExpr(it, sc)
			if err != nil {
				return nil, err
			}
			items[i] = bi
		}
		return &qcode.Array{Items: items, Typ: v.Typ}, nil

	case *qcode.Document:
		return b.bindDocument(v, sc, nil)

	case *qcode.Root:
		return nil, qcode.NotSupported(v, nil, "subqueries are not supported")
	}

	return nil, qcode.NotSupported(n, nil, "cannot be translated")
}

func (b *binder) bindMember(v *qcode.Member, sc *scope) (qcode.Node, error) {
	t, err := b.bindExpr(v.Target, sc)
	if err != nil {
		return nil, err
	}

	s, ok := t.(*qcode.Serialization)
	if !ok {
		return b.bindCall(&qcode.Method{Target: v.Target, Name: v.Name, Typ: v.Typ}, t, sc)
	}

	d, err := sdata.Step(s.Desc, sdata.MemberSegment(v.Name))
	if err != nil {
		// properties such as time.Time.Year and len of arrays
		if n, cerr := b.bindCall(&qcode.Method{Target: v.Target, Name: v.Name, Typ: v.Typ}, t, sc); cerr == nil {
			return n, nil
		}
		if e, ok := err.(*sdata.UnresolvableMemberError); ok {
			e.Path = strings.Join(append(append([]string(nil), s.Desc.Path...), v.Name), ".")
		}
		return nil, err
	}
	return reserialize(s, d), nil
}

// reserialize returns a reference to d relative to the same root as s.
func reserialize(s *qcode.Serialization, d *sdata.FieldDescriptor) *qcode.Serialization {
	if _, ok := s.Inner.(*qcode.Field); ok {
		return qcode.FieldRef(d)
	}
	return &qcode.Serialization{Inner: s.Inner, Desc: d}
}

func (b *binder) bindIndex(v *qcode.ArrayIndex, sc *scope) (qcode.Node, error) {
	src, err := b.bindExpr(v.Source, sc)
	if err != nil {
		return nil, err
	}
	idx, err := b.bindExpr(v.Index, sc)
	if err != nil {
		return nil, err
	}

	if s, ok := src.(*qcode.Serialization); ok {
		if c, ok := idx.(*qcode.Constant); ok {
			var seg sdata.Segment
			var found bool
			if i, ok := toInt(c.Value); ok {
				seg, found = sdata.IndexSegment(int(i)), true
			} else if key, ok := c.Value.(string); ok {
				seg, found = sdata.MemberSegment(key), true
			}
			if found {
				d, err := sdata.Step(s.Desc, seg)
				if err != nil {
					return nil, err
				}
				return reserialize(s, d), nil
			}
		}
	}

	t := v.Typ
	if t == nil {
		if st := src.Type(); st != nil && (st.Kind() == reflect.Slice || st.Kind() == reflect.Array) {
			t = st.Elem()
		}
	}
	return &qcode.ArrayIndex{Source: src, Index: idx, Typ: t}, nil
}

// bindDocument binds the members of d and fills in their wire names. For a
// struct typed document these come from the struct's serializer.
func (b *binder) bindDocument(d *qcode.Document, sc *scope, hook memberHook) (*qcode.Document, error) {
	var ss sdata.Serializer
	if d.Typ != nil && structKindOf(d.Typ) {
		s, err := b.reg.Lookup(d.Typ)
		if err != nil {
			return nil, err
		}
		ss = s
	}

	members := make([]qcode.DocMember, len(d.Members))
	for i, m := range d.Members {
		element := m.Element
		if element == "" {
			element = m.Name
			if ss != nil {
				mi, ok := ss.Member(m.Name)
				if !ok {
					return nil, qcode.NotSupported(d, nil, "%s has no serialized member %s", d.Typ, m.Name)
				}
				element = mi.ElementName
			}
		}

		var val qcode.Node
		var ok bool
		var err error
		if hook != nil {
			if val, ok, err = hook(m.Value, element); err != nil {
				return nil, err
			}
		}
		if !ok {
			if val, err = b.bindExpr(m.Value, sc); err != nil {
				return nil, err
			}
		}
		members[i] = qcode.DocMember{Name: m.Name, Element: element, Value: val}
	}
	return &qcode.Document{Members: members, Typ: d.Typ}, nil
}

func structKindOf(t reflect.Type) bool {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Kind() == reflect.Struct
}
