package sdata

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// FieldDescriptor is a member-access chain resolved to its wire path.
type FieldDescriptor struct {
	Path       []string
	Serializer Serializer
	ValueType  reflect.Type
	Nullable   bool
	Default    any
}

// Name returns the dotted wire path.
func (fd *FieldDescriptor) Name() string {
	return strings.Join(fd.Path, ".")
}

// Child returns a descriptor for a member of fd built from mi.
func (fd *FieldDescriptor) Child(element string, mi MemberInfo) *FieldDescriptor {
	path := make([]string, 0, len(fd.Path)+1)
	path = append(path, fd.Path...)
	path = append(path, element)

	return &FieldDescriptor{
		Path:       path,
		Serializer: mi.Serializer,
		ValueType:  mi.Serializer.Type(),
		Nullable:   mi.Nullable,
		Default:    mi.Default,
	}
}

// Segment is one step of a member path, either a member name or an array index.
type Segment struct {
	Member  string
	Index   any
	IsIndex bool
}

// MemberSegment returns a segment accessing a named member.
func MemberSegment(name string) Segment {
	return Segment{Member: name}
}

// IndexSegment returns a segment indexing into an array.
func IndexSegment(index any) Segment {
	return Segment{Index: index, IsIndex: true}
}

func (s Segment) String() string {
	if s.IsIndex {
		return "[" + fmt.Sprint(s.Index) + "]"
	}
	return s.Member
}

// UnresolvableMemberError is returned when a member path cannot be mapped
// to a wire field.
type UnresolvableMemberError struct {
	Path   string
	Reason string
}

func (e *UnresolvableMemberError) Error() string {
	return fmt.Sprintf("unable to resolve member '%s': %s", e.Path, e.Reason)
}

// RootDescriptor returns the descriptor of the element itself.
func RootDescriptor(s Serializer) *FieldDescriptor {
	t := s.Type()
	return &FieldDescriptor{
		Serializer: s,
		ValueType:  t,
		Nullable:   IsNullable(t),
		Default:    ZeroValue(t),
	}
}

// Resolve walks path starting at root and returns the resolved field.
func Resolve(root Serializer, path ...Segment) (*FieldDescriptor, error) {
	fd := RootDescriptor(root)
	for i, seg := range path {
		next, err := Step(fd, seg)
		if err != nil {
			if e, ok := err.(*UnresolvableMemberError); ok {
				e.Path = joinSegments(path[:i+1])
			}
			return nil, err
		}
		fd = next
	}
	return fd, nil
}

// Step resolves a single segment relative to fd.
func Step(fd *FieldDescriptor, seg Segment) (*FieldDescriptor, error) {
	cur := fd.Serializer

	if seg.IsIndex {
		as, ok := cur.(ArraySerializer)
		if !ok {
			return nil, &UnresolvableMemberError{
				Path:   seg.String(),
				Reason: describe(cur) + " is not an array",
			}
		}
		elem := as.Element()
		et := elem.Type()
		return fd.Child(FormatArrayIndex(seg.Index), MemberInfo{
			Serializer: elem,
			Nullable:   IsNullable(et),
			Default:    ZeroValue(et),
		}), nil
	}

	if _, ok := cur.(ArraySerializer); ok {
		return nil, &UnresolvableMemberError{
			Path:   seg.Member,
			Reason: "member access through a collection element requires an array index",
		}
	}

	mi, ok := cur.Member(seg.Member)
	if !ok {
		reason := fmt.Sprintf("%s has no serialized member '%s'", describe(cur), seg.Member)
		if t := cur.Type(); t != nil && t.Kind() == reflect.Interface {
			reason = fmt.Sprintf("polymorphic type %s has no registered member map", t)
		}
		return nil, &UnresolvableMemberError{Path: seg.Member, Reason: reason}
	}
	return fd.Child(mi.ElementName, mi), nil
}

// FormatArrayIndex renders an array index as a path component. The index -1
// renders as "$", the positional operator matching the first array element
// selected by the query. This is kept for compatibility with update and
// array filter paths.
func FormatArrayIndex(index any) string {
	switch v := index.(type) {
	case int:
		if v == -1 {
			return "$"
		}
		return strconv.Itoa(v)
	case int32:
		if v == -1 {
			return "$"
		}
		return strconv.FormatInt(int64(v), 10)
	case int64:
		if v == -1 {
			return "$"
		}
		return strconv.FormatInt(v, 10)
	}
	return fmt.Sprint(index)
}

func joinSegments(path []Segment) string {
	var sb strings.Builder
	for i, s := range path {
		if i != 0 && !s.IsIndex {
			sb.WriteByte('.')
		}
		sb.WriteString(s.String())
	}
	return sb.String()
}
