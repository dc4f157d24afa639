// Package binder turns a raw query tree into a bound one. Lambda parameters
// are bound to the element flowing through the pipeline, member chains are
// resolved to wire fields and query operators become query-shape nodes.
package binder

import (
	"reflect"
	"strings"

	"github.com/dosco/aggjin/core/qcode"
	"github.com/dosco/aggjin/core/sdata"
)

// Options configure Bind.
type Options struct {
	// Registry supplies serializers, sdata.DefaultRegistry when nil.
	Registry *sdata.Registry

	// Vars are the values of the query variables.
	Vars map[string]any

	// Schemas override the serializer of a collection's documents.
	Schemas map[string]sdata.Serializer
}

// element is the current element of a pipeline: the value found at path in
// every document flowing out of the last stage.
type element struct {
	path  []string
	ser   sdata.Serializer
	group *groupScope
}

// binding is what a lambda parameter stands for. Parameters of $map and
// $filter are bound to stage variables.
type binding struct {
	element
	variable string
}

type scope struct {
	params map[string]binding
	parent *scope
}

func newScope(parent *scope) *scope {
	return &scope{params: make(map[string]binding), parent: parent}
}

func (sc *scope) lookup(name string) (binding, bool) {
	for s := sc; s != nil; s = s.parent {
		if bd, ok := s.params[name]; ok {
			return bd, true
		}
	}
	return binding{}, false
}

type binder struct {
	reg     *sdata.Registry
	schemas map[string]sdata.Serializer
}

var (
	intType     = reflect.TypeOf(0)
	int64Type   = reflect.TypeOf(int64(0))
	float64Type = reflect.TypeOf(float64(0))
	boolType    = reflect.TypeOf(false)
	stringType  = reflect.TypeOf("")
)

// Bind evaluates the parameter free parts of raw and binds the rest.
func Bind(raw qcode.Node, opts Options) (*qcode.Projection, error) {
	reg := opts.Registry
	if reg == nil {
		reg = sdata.DefaultRegistry
	}

	n, err := Evaluate(raw, opts.Vars)
	if err != nil {
		return nil, err
	}

	b := &binder{reg: reg, schemas: opts.Schemas}

	if m, ok := n.(*qcode.Method); ok && m.Target != nil {
		if _, ok := terminals[m.Name]; ok {
			if _, ok := qcode.RootOf(m.Target); ok {
				return b.bindTerminal(m)
			}
		}
	}

	src, el, err := b.bindQuery(n)
	if err != nil {
		return nil, err
	}
	return &qcode.Projection{Source: src, Projector: elementRef(el)}, nil
}

func elementRef(el element) *qcode.Serialization {
	d := sdata.RootDescriptor(el.ser)
	d.Path = append([]string(nil), el.path...)
	return qcode.FieldRef(d)
}

func (bd binding) ref() qcode.Node {
	if bd.variable == "" {
		return elementRef(bd.element)
	}
	return &qcode.Serialization{
		Inner: &qcode.Variable{Name: bd.variable, Typ: bd.ser.Type()},
		Desc:  sdata.RootDescriptor(bd.ser),
	}
}

func (b *binder) bindQuery(n qcode.Node) (qcode.Node, element, error) {
	switch v := n.(type) {
	case *qcode.Root:
		return b.bindRoot(v)

	case *qcode.Method:
		if v.Target == nil {
			break
		}
		src, el, err := b.bindQuery(v.Target)
		if err != nil {
			return nil, element{}, err
		}
		return b.bindOperator(v, src, el)
	}
	return nil, element{}, qcode.NotSupported(n, nil, "not a query")
}

func (b *binder) bindRoot(v *qcode.Root) (*qcode.Root, element, error) {
	ser := v.Serializer
	if ser == nil {
		if s, ok := b.schemas[v.Collection]; ok && v.IsCollection() {
			ser = s
		}
	}
	if ser == nil {
		if v.DocType == nil {
			ser = sdata.NewDynamicSerializer()
		} else {
			s, err := b.reg.Lookup(v.DocType)
			if err != nil {
				return nil, element{}, err
			}
			ser = s
		}
	}

	root := &qcode.Root{
		Collection: v.Collection,
		DocType:    v.DocType,
		Serializer: ser,
		Documents:  v.Documents,
	}
	return root, element{ser: ser}, nil
}

// bindLambda binds the body of the lambda arg with its parameters bound to
// els, in order.
func (b *binder) bindLambda(arg, parent qcode.Node, els ...element) (qcode.Node, error) {
	l, ok := arg.(*qcode.Lambda)
	if !ok || len(l.Params) != len(els) {
		return nil, qcode.NotSupported(arg, parent, "expected a lambda of %d parameters", len(els))
	}

	sc := newScope(nil)
	for i, p := range l.Params {
		sc.params[p.Name] = binding{element: els[i]}
	}
	return b.bindExpr(l.Body, sc)
}

func arity(m *qcode.Method, counts ...int) error {
	for _, c := range counts {
		if len(m.Args) == c {
			return nil
		}
	}
	return qcode.NotSupported(m, nil, "%s takes %v arguments, got %d", m.Name, counts, len(m.Args))
}

func (b *binder) bindOperator(m *qcode.Method, src qcode.Node, el element) (qcode.Node, element, error) {
	fail := func(err error) (qcode.Node, element, error) {
		return nil, element{}, err
	}

	switch m.Name {
	case "Where":
		if err := arity(m, 1); err != nil {
			return fail(err)
		}
		w, err := b.where(src, el, m.Args[0], m, false)
		if err != nil {
			return fail(err)
		}
		return w, el, nil

	case "Select":
		if err := arity(m, 1); err != nil {
			return fail(err)
		}
		body, err := b.bindLambda(m.Args[0], m, el)
		if err != nil {
			return fail(err)
		}
		if isIdentity(body, el) {
			return src, el, nil
		}
		next, err := b.project(body)
		if err != nil {
			return fail(err)
		}
		return &qcode.Select{Source: src, Selector: body, Element: next.ser}, next, nil

	case "SelectMany":
		if err := arity(m, 1, 2); err != nil {
			return fail(err)
		}
		return b.bindSelectMany(m, src, el)

	case "OrderBy", "OrderByDescending", "ThenBy", "ThenByDescending":
		if err := arity(m, 1); err != nil {
			return fail(err)
		}
		n, err := b.bindOrderBy(m, src, el)
		if err != nil {
			return fail(err)
		}
		return n, el, nil

	case "Skip", "Take", "Sample":
		if err := arity(m, 1); err != nil {
			return fail(err)
		}
		c, err := countArg(m)
		if err != nil {
			return fail(err)
		}
		switch m.Name {
		case "Skip":
			return &qcode.Skip{Source: src, Count: c}, el, nil
		case "Take":
			return &qcode.Take{Source: src, Count: c}, el, nil
		}
		return &qcode.Sample{Source: src, Size: c}, el, nil

	case "Distinct":
		if err := arity(m, 0); err != nil {
			return fail(err)
		}
		d := &qcode.Distinct{Source: src, Selector: elementRef(el), Element: el.ser}
		return d, element{path: []string{qcode.GroupKeyField}, ser: el.ser}, nil

	case "GroupBy":
		if err := arity(m, 1, 2); err != nil {
			return fail(err)
		}
		return b.bindGroupBy(m, src, el)

	case "Join", "GroupJoin":
		if err := arity(m, 4); err != nil {
			return fail(err)
		}
		return b.bindJoin(m, src, el)
	}

	return fail(qcode.NotSupported(m, nil, "query operator %s is not supported", m.Name))
}

func (b *binder) where(src qcode.Node, el element, arg, parent qcode.Node, negate bool) (*qcode.Where, error) {
	pred, err := b.bindLambda(arg, parent, el)
	if err != nil {
		return nil, err
	}
	if t := pred.Type(); t != nil && t.Kind() != reflect.Bool {
		return nil, qcode.NotSupported(pred, parent, "predicate is not a boolean")
	}
	if negate {
		pred = qcode.Not(pred)
	}
	return &qcode.Where{Source: src, Predicate: pred}, nil
}

// project returns the element produced by projecting sel.
func (b *binder) project(sel qcode.Node) (element, error) {
	ser, err := b.serializerOf(sel)
	if err != nil {
		return element{}, err
	}
	return element{path: qcode.ProjectedPath(sel), ser: ser}, nil
}

func isIdentity(n qcode.Node, el element) bool {
	d, ok := qcode.FieldOf(n)
	return ok && samePath(d.Path, el.path)
}

func samePath(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func countArg(m *qcode.Method) (int64, error) {
	c, ok := m.Args[0].(*qcode.Constant)
	if !ok {
		return 0, qcode.NotSupported(m.Args[0], m, "%s requires a constant count", m.Name)
	}
	n, ok := toInt(c.Value)
	if !ok || n < 0 {
		return 0, qcode.NotSupported(m.Args[0], m, "%s requires a non-negative integer", m.Name)
	}
	return n, nil
}

func (b *binder) bindSelectMany(m *qcode.Method, src qcode.Node, el element) (qcode.Node, element, error) {
	coll, err := b.bindLambda(m.Args[0], m, el)
	if err != nil {
		return nil, element{}, err
	}

	d, ok := qcode.FieldOf(coll)
	if !ok || len(d.Path) == 0 {
		return nil, element{}, &qcode.UnsupportedCollectionSelectorError{Node: coll}
	}
	as, ok := d.Serializer.(sdata.ArraySerializer)
	if !ok {
		return nil, element{}, &qcode.UnsupportedCollectionSelectorError{Node: coll}
	}

	item := element{path: d.Path, ser: as.Element()}

	var result qcode.Node = elementRef(item)
	if len(m.Args) == 2 {
		if result, err = b.bindLambda(m.Args[1], m, el, item); err != nil {
			return nil, element{}, err
		}
	}

	next, err := b.project(result)
	if err != nil {
		return nil, element{}, err
	}

	sm := &qcode.SelectMany{
		Source:             src,
		CollectionSelector: coll,
		ResultSelector:     result,
		Element:            next.ser,
	}
	return sm, next, nil
}

func (b *binder) bindOrderBy(m *qcode.Method, src qcode.Node, el element) (*qcode.OrderBy, error) {
	key, err := b.bindLambda(m.Args[0], m, el)
	if err != nil {
		return nil, err
	}

	d, ok := qcode.FieldOf(key)
	if !ok {
		return nil, qcode.NotSupported(key, m, "sort keys must be fields")
	}
	if len(d.Path) == 0 {
		return nil, qcode.NotSupported(key, m, "cannot sort by a whole document")
	}

	dir := qcode.Ascending
	if strings.HasSuffix(m.Name, "Descending") {
		dir = qcode.Descending
	}
	clause := qcode.SortClause{Key: key, Direction: dir}

	ob, ok := src.(*qcode.OrderBy)

	if strings.HasPrefix(m.Name, "OrderBy") {
		if !ok {
			return &qcode.OrderBy{Source: src, Clauses: []qcode.SortClause{clause}}, nil
		}
		// a stable re-sort keeps the earlier keys as tie-breakers
		return &qcode.OrderBy{Source: ob.Source, Clauses: reorderBy(ob.Clauses, clause)}, nil
	}

	if !ok {
		return nil, qcode.NotSupported(m, nil, "%s must follow OrderBy", m.Name)
	}
	return &qcode.OrderBy{Source: ob.Source, Clauses: thenBy(ob.Clauses, clause)}, nil
}

// thenBy adds c to the clauses. A key that is already sorted in the same
// direction is ignored; one sorted the other way moves to the end.
func thenBy(clauses []qcode.SortClause, c qcode.SortClause) []qcode.SortClause {
	cd, _ := qcode.FieldOf(c.Key)

	out := make([]qcode.SortClause, 0, len(clauses)+1)
	for _, e := range clauses {
		ed, _ := qcode.FieldOf(e.Key)
		if samePath(ed.Path, cd.Path) {
			if e.Direction == c.Direction {
				return clauses
			}
			continue
		}
		out = append(out, e)
	}
	return append(out, c)
}

// reorderBy puts c ahead of the clauses, dropping an earlier clause on
// the same key.
func reorderBy(clauses []qcode.SortClause, c qcode.SortClause) []qcode.SortClause {
	cd, _ := qcode.FieldOf(c.Key)

	out := make([]qcode.SortClause, 0, len(clauses)+1)
	out = append(out, c)
	for _, e := range clauses {
		if ed, _ := qcode.FieldOf(e.Key); samePath(ed.Path, cd.Path) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (b *binder) bindJoin(m *qcode.Method, src qcode.Node, el element) (qcode.Node, element, error) {
	fail := func(err error) (qcode.Node, element, error) {
		return nil, element{}, err
	}

	innerRoot, ok := m.Args[0].(*qcode.Root)
	if !ok || !innerRoot.IsCollection() {
		return fail(qcode.NotSupported(m.Args[0], m, "the inner sequence must be a collection"))
	}
	_, inner, err := b.bindRoot(innerRoot)
	if err != nil {
		return fail(err)
	}

	outerKey, err := b.bindLambda(m.Args[1], m, el)
	if err != nil {
		return fail(err)
	}
	if _, ok := qcode.FieldOf(outerKey); !ok {
		return fail(qcode.NotSupported(outerKey, m, "join keys must be fields"))
	}

	innerKey, err := b.bindLambda(m.Args[2], m, inner)
	if err != nil {
		return fail(err)
	}
	fd, ok := qcode.FieldOf(innerKey)
	if !ok || len(fd.Path) == 0 {
		return fail(qcode.NotSupported(innerKey, m, "join keys must be fields"))
	}

	unwind := m.Name == "Join"
	item := element{path: []string{qcode.InnerField}, ser: inner.ser}
	if !unwind {
		item.ser = sdata.NewArraySerializer(reflect.SliceOf(typeOrAny(inner.ser.Type())), inner.ser)
	}

	result, err := b.bindLambda(m.Args[3], m, el, item)
	if err != nil {
		return fail(err)
	}
	next, err := b.project(result)
	if err != nil {
		return fail(err)
	}

	lk := &qcode.Lookup{
		Source:         src,
		From:           innerRoot.Collection,
		LocalField:     outerKey,
		ForeignField:   fd,
		As:             qcode.InnerField,
		Unwind:         unwind,
		ResultSelector: result,
		Element:        next.ser,
	}
	return lk, next, nil
}

func typeOrAny(t reflect.Type) reflect.Type {
	if t == nil {
		return reflect.TypeOf((*any)(nil)).Elem()
	}
	return t
}

// serializerOf returns the serializer of the value of a bound node.
func (b *binder) serializerOf(n qcode.Node) (sdata.Serializer, error) {
	switch v := n.(type) {
	case *qcode.Serialization:
		return v.Desc.Serializer, nil
	case *qcode.Document:
		return b.documentSerializer(v, false)
	}
	return b.reg.Lookup(n.Type())
}

// documentSerializer describes the documents produced by projecting d.
// When keyed is set every member is read from the single field its value
// references, which is how a group result without a projection looks.
func (b *binder) documentSerializer(d *qcode.Document, keyed bool) (*sdata.DocumentSerializer, error) {
	members := make([]sdata.DocumentMember, len(d.Members))
	for i, m := range d.Members {
		s, err := b.serializerOf(m.Value)
		if err != nil {
			return nil, err
		}

		mi := sdata.MemberInfo{
			ElementName: m.Element,
			Serializer:  s,
			Nullable:    sdata.IsNullable(s.Type()),
			Default:     sdata.ZeroValue(s.Type()),
		}
		if fd, ok := qcode.FieldOf(m.Value); ok {
			mi.Nullable = fd.Nullable
			mi.Default = fd.Default
			if keyed {
				mi.ElementName = fd.Path[0]
			}
		}
		members[i] = sdata.DocumentMember{Name: m.Name, MemberInfo: mi}
	}
	return sdata.NewDocumentSerializer(d.Typ, members), nil
}
