package qcode

import (
	"reflect"

	"github.com/dosco/aggjin/core/sdata"
)

// Well known fields of the documents produced by the pipeline.
const (
	// ScalarField holds a computed scalar selected by a projection.
	ScalarField = "__fld0"

	// ResultField holds the value of a root accumulator.
	ResultField = "__result"

	// InnerField holds the matches of a lookup.
	InnerField = "__inner"

	// GroupKeyField holds the key of a group.
	GroupKeyField = "_id"
)

// FieldRef returns a reference to the field described by d.
func FieldRef(d *sdata.FieldDescriptor) *Serialization {
	return &Serialization{Inner: &Field{Desc: d}, Desc: d}
}

// FieldOf returns the descriptor of n when n references a field of the
// current element.
func FieldOf(n Node) (*sdata.FieldDescriptor, bool) {
	switch v := n.(type) {
	case *Serialization:
		if _, ok := v.Inner.(*Field); ok {
			return v.Desc, true
		}
	case *Field:
		return v.Desc, true
	}
	return nil, false
}

// IsElement reports whether n references the whole current element.
func IsElement(n Node) bool {
	d, ok := FieldOf(n)
	return ok && len(d.Path) == 0
}

// ProjectedPath returns where the value of a selector is found in the
// documents that projecting it produces. A nil path means the value is the
// whole document.
func ProjectedPath(sel Node) []string {
	if _, ok := sel.(*Document); ok {
		return nil
	}
	if d, ok := FieldOf(sel); ok && !Positional(d.Path) {
		return d.Path
	}
	return []string{ScalarField}
}

// Positional reports whether path steps into an array by position.
// Projections cannot include such a path, it has to be computed.
func Positional(path []string) bool {
	for _, p := range path {
		if p == "$" || isDigits(p) {
			return true
		}
	}
	return false
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// DirectGroupResult reports whether every member of a group result
// selector is the group key or an accumulator stored under the member's own
// name. Such a result needs no projection after the $group stage.
func DirectGroupResult(doc *Document, g *GroupBy) bool {
	accs := make(map[string]bool, len(g.Accumulators))
	for _, a := range g.Accumulators {
		accs[a.Target] = true
	}

	structTyped := doc.Typ != nil && structKind(doc.Typ)
	for _, m := range doc.Members {
		d, ok := FieldOf(m.Value)
		if !ok || len(d.Path) != 1 {
			return false
		}
		p := d.Path[0]
		switch {
		case p == m.Element && (accs[p] || p == GroupKeyField):
		case p == GroupKeyField && !structTyped:
		default:
			return false
		}
	}
	return true
}

func structKind(t reflect.Type) bool {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Kind() == reflect.Struct
}
