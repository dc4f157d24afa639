// Package sdata maps Go types to their BSON wire representation. It holds the
// serializers used to decode pipeline output and the field resolver that turns
// member-access chains into dotted wire paths.
package sdata

import (
	"fmt"
	"reflect"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Serializer describes how a value of some Go type is stored in a document.
type Serializer interface {
	// Type returns the Go type the serializer decodes into. A nil type means
	// a dynamically typed value.
	Type() reflect.Type

	// Member returns the wire name and child serializer of a member. It
	// returns false when the member is unknown or not serialized.
	Member(name string) (MemberInfo, bool)

	// Decode converts a raw BSON value into a Go value of Type().
	Decode(val bson.RawValue) (any, error)
}

// ArraySerializer is implemented by serializers of array-like values.
type ArraySerializer interface {
	Serializer
	Element() Serializer
}

// MemberInfo is what a serializer knows about one of its members.
type MemberInfo struct {
	ElementName string
	Serializer  Serializer
	Nullable    bool
	Default     any
}

var anyType = reflect.TypeOf((*any)(nil)).Elem()

// IsNullable reports whether the zero value of t is nil.
func IsNullable(t reflect.Type) bool {
	if t == nil {
		return true
	}
	switch t.Kind() {
	case reflect.Pointer, reflect.Slice, reflect.Map, reflect.Interface:
		return true
	}
	return false
}

// ZeroValue returns the default of t, nil for reference types.
func ZeroValue(t reflect.Type) any {
	if IsNullable(t) {
		return nil
	}
	return reflect.Zero(t).Interface()
}

func decodeInto(t reflect.Type, val bson.RawValue) (any, error) {
	if t == nil || t == anyType {
		var v any
		if err := val.Unmarshal(&v); err != nil {
			return nil, err
		}
		return v, nil
	}

	if val.Type == bson.TypeNull || val.Type == bson.TypeUndefined {
		return ZeroValue(t), nil
	}

	p := reflect.New(t)
	if err := val.Unmarshal(p.Interface()); err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	return p.Elem().Interface(), nil
}

// valueSerializer handles scalars and opaque values. It has no members.
type valueSerializer struct {
	t reflect.Type
}

func (s valueSerializer) Type() reflect.Type { return s.t }

func (s valueSerializer) Member(string) (MemberInfo, bool) {
	return MemberInfo{}, false
}

func (s valueSerializer) Decode(val bson.RawValue) (any, error) {
	return decodeInto(s.t, val)
}

// NewValueSerializer returns a serializer for a scalar type.
func NewValueSerializer(t reflect.Type) Serializer {
	return valueSerializer{t: t}
}

type pointerSerializer struct {
	t    reflect.Type
	elem Serializer
}

func (s pointerSerializer) Type() reflect.Type { return s.t }

func (s pointerSerializer) Member(name string) (MemberInfo, bool) {
	return s.elem.Member(name)
}

func (s pointerSerializer) Decode(val bson.RawValue) (any, error) {
	return decodeInto(s.t, val)
}

type arraySerializer struct {
	t    reflect.Type
	elem Serializer
}

func (s arraySerializer) Type() reflect.Type { return s.t }

func (s arraySerializer) Member(string) (MemberInfo, bool) {
	return MemberInfo{}, false
}

func (s arraySerializer) Element() Serializer { return s.elem }

func (s arraySerializer) Decode(val bson.RawValue) (any, error) {
	return decodeInto(s.t, val)
}

// NewArraySerializer returns a serializer for an array of elem values. When t
// is nil the values decode as bson.A.
func NewArraySerializer(t reflect.Type, elem Serializer) ArraySerializer {
	if t == nil {
		t = reflect.TypeOf(bson.A{})
	}
	return arraySerializer{t: t, elem: elem}
}

// mapSerializer treats the keys of a string keyed map as members.
type mapSerializer struct {
	t    reflect.Type
	elem Serializer
}

func (s mapSerializer) Type() reflect.Type { return s.t }

func (s mapSerializer) Member(name string) (MemberInfo, bool) {
	et := s.elem.Type()
	return MemberInfo{
		ElementName: name,
		Serializer:  s.elem,
		Nullable:    IsNullable(et),
		Default:     ZeroValue(et),
	}, true
}

func (s mapSerializer) Decode(val bson.RawValue) (any, error) {
	return decodeInto(s.t, val)
}

// dynamicSerializer is used for schemaless documents. Every member resolves
// to another dynamic value.
type dynamicSerializer struct {
	t reflect.Type
}

func (s dynamicSerializer) Type() reflect.Type { return s.t }

func (s dynamicSerializer) Member(name string) (MemberInfo, bool) {
	return MemberInfo{
		ElementName: name,
		Serializer:  dynamicSerializer{t: anyType},
		Nullable:    true,
	}, true
}

func (s dynamicSerializer) Decode(val bson.RawValue) (any, error) {
	return decodeInto(s.t, val)
}

// NewDynamicSerializer returns a serializer that accepts any member name.
func NewDynamicSerializer() Serializer {
	return dynamicSerializer{t: reflect.TypeOf(bson.M{})}
}

// describe returns a short name of the serializer for error messages.
func describe(s Serializer) string {
	if s == nil || s.Type() == nil {
		return "dynamic value"
	}
	t := s.Type().String()
	if strings.HasPrefix(t, "struct {") {
		return "anonymous document"
	}
	return t
}
