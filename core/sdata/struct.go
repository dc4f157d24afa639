package sdata

import (
	"reflect"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"
)

type structField struct {
	element string
	typ     reflect.Type
}

// structSerializer follows the mongo-driver struct tag rules: the element
// name comes from the bson tag, defaulting to the lowercased field name.
// Member serializers are looked up lazily so recursive types work.
type structSerializer struct {
	t      reflect.Type
	reg    *Registry
	once   sync.Once
	fields map[string]structField
}

func newStructSerializer(t reflect.Type, reg *Registry) *structSerializer {
	return &structSerializer{t: t, reg: reg}
}

func (s *structSerializer) Type() reflect.Type { return s.t }

func (s *structSerializer) Member(name string) (MemberInfo, bool) {
	s.once.Do(s.init)

	f, ok := s.fields[name]
	if !ok {
		return MemberInfo{}, false
	}

	ms, err := s.reg.Lookup(f.typ)
	if err != nil {
		return MemberInfo{}, false
	}

	return MemberInfo{
		ElementName: f.element,
		Serializer:  ms,
		Nullable:    IsNullable(f.typ),
		Default:     ZeroValue(f.typ),
	}, true
}

func (s *structSerializer) Decode(val bson.RawValue) (any, error) {
	return decodeInto(s.t, val)
}

func (s *structSerializer) init() {
	s.fields = make(map[string]structField)
	s.collect(s.t)
}

func (s *structSerializer) collect(t reflect.Type) {
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}

		tag, ok := sf.Tag.Lookup("bson")
		if ok && tag == "-" {
			continue
		}

		key, opts, _ := strings.Cut(tag, ",")

		if strings.Contains(opts, "inline") {
			ft := sf.Type
			if ft.Kind() == reflect.Pointer {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct {
				s.collect(ft)
			}
			continue
		}

		if key == "" {
			key = strings.ToLower(sf.Name)
		}

		if _, dup := s.fields[sf.Name]; dup {
			continue
		}
		s.fields[sf.Name] = structField{element: key, typ: sf.Type}
	}
}
