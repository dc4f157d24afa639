package sdata

import (
	"reflect"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// DocumentMember is a named member of a synthesized document.
type DocumentMember struct {
	Name string
	MemberInfo
}

// DocumentSerializer describes a document whose shape is produced by the
// pipeline itself, such as a projection or a group.
type DocumentSerializer struct {
	t       reflect.Type
	members []DocumentMember
	byName  map[string]int
}

// NewDocumentSerializer returns a serializer for a document with the given
// members. Documents with a struct type decode through the struct's own
// tags, everything else decodes into a map keyed by member name.
func NewDocumentSerializer(t reflect.Type, members []DocumentMember) *DocumentSerializer {
	ds := &DocumentSerializer{
		t:       t,
		members: members,
		byName:  make(map[string]int, len(members)),
	}
	for i, m := range members {
		ds.byName[m.Name] = i
	}
	return ds
}

func (s *DocumentSerializer) Type() reflect.Type {
	if s.t == nil {
		return reflect.TypeOf(map[string]any{})
	}
	return s.t
}

func (s *DocumentSerializer) Member(name string) (MemberInfo, bool) {
	i, ok := s.byName[name]
	if !ok {
		return MemberInfo{}, false
	}
	return s.members[i].MemberInfo, true
}

// Members returns the members in declaration order.
func (s *DocumentSerializer) Members() []DocumentMember {
	return s.members
}

func (s *DocumentSerializer) Decode(val bson.RawValue) (any, error) {
	if s.t != nil && structKind(s.t) {
		return decodeInto(s.t, val)
	}

	if val.Type == bson.TypeNull {
		return nil, nil
	}

	doc, ok := val.DocumentOK()
	if !ok {
		return decodeInto(s.Type(), val)
	}

	out := make(map[string]any, len(s.members))
	for _, m := range s.members {
		rv, err := doc.LookupErr(m.ElementName)
		if err != nil || rv.Type == bson.TypeNull {
			out[m.Name] = m.Default
			continue
		}
		v, err := m.Serializer.Decode(rv)
		if err != nil {
			return nil, err
		}
		out[m.Name] = v
	}
	return out, nil
}

func structKind(t reflect.Type) bool {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Kind() == reflect.Struct
}
