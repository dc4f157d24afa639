package sdata

import (
	"fmt"
	"reflect"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Schema declares the shape of the documents of a collection that has no
// Go type, for example one described in a config file or discovered by
// sampling the collection.
type Schema struct {
	Name   string        `mapstructure:"name" json:"name" yaml:"name"`
	Fields []SchemaField `mapstructure:"fields" json:"fields" yaml:"fields"`
}

// SchemaField declares one field of a schema. Element defaults to Name.
// Type is one of string, int, long, double, decimal, bool, date, objectId,
// object, array or any. Arrays use Of for the element type, and Fields when
// the elements are objects.
type SchemaField struct {
	Name     string        `mapstructure:"name" json:"name" yaml:"name"`
	Element  string        `mapstructure:"element" json:"element,omitempty" yaml:"element,omitempty"`
	Type     string        `mapstructure:"type" json:"type" yaml:"type"`
	Of       string        `mapstructure:"of" json:"of,omitempty" yaml:"of,omitempty"`
	Nullable bool          `mapstructure:"nullable" json:"nullable,omitempty" yaml:"nullable,omitempty"`
	Default  any           `mapstructure:"default" json:"default,omitempty" yaml:"default,omitempty"`
	Fields   []SchemaField `mapstructure:"fields" json:"fields,omitempty" yaml:"fields,omitempty"`
}

var scalarTypes = map[string]reflect.Type{
	"string":   reflect.TypeOf(""),
	"int":      reflect.TypeOf(int32(0)),
	"long":     reflect.TypeOf(int64(0)),
	"double":   reflect.TypeOf(float64(0)),
	"decimal":  reflect.TypeOf(bson.Decimal128{}),
	"bool":     reflect.TypeOf(false),
	"date":     reflect.TypeOf(time.Time{}),
	"objectId": reflect.TypeOf(bson.ObjectID{}),
	"any":      anyType,
}

// NewSchemaSerializer builds a serializer from a declared schema. Documents
// decode into maps keyed by field name.
func NewSchemaSerializer(s Schema) (*DocumentSerializer, error) {
	return newSchemaDocument(s.Name, s.Fields)
}

func newSchemaDocument(name string, fields []SchemaField) (*DocumentSerializer, error) {
	members := make([]DocumentMember, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))

	for _, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("schema %s: field with no name", name)
		}
		if _, ok := seen[f.Name]; ok {
			return nil, fmt.Errorf("schema %s: duplicate field '%s'", name, f.Name)
		}
		seen[f.Name] = struct{}{}

		fs, err := schemaFieldSerializer(name+"."+f.Name, f.Type, f.Of, f.Fields)
		if err != nil {
			return nil, err
		}

		el := f.Element
		if el == "" {
			el = f.Name
		}

		def := f.Default
		if def == nil && !f.Nullable {
			def = ZeroValue(fs.Type())
		}

		members = append(members, DocumentMember{
			Name: f.Name,
			MemberInfo: MemberInfo{
				ElementName: el,
				Serializer:  fs,
				Nullable:    f.Nullable || IsNullable(fs.Type()),
				Default:     def,
			},
		})
	}
	return NewDocumentSerializer(nil, members), nil
}

func schemaFieldSerializer(name, typ, of string, fields []SchemaField) (Serializer, error) {
	switch typ {
	case "object":
		if len(fields) == 0 {
			return dynamicSerializer{t: reflect.TypeOf(bson.M{})}, nil
		}
		return newSchemaDocument(name, fields)

	case "array":
		if of == "" && len(fields) != 0 {
			of = "object"
		}
		if of == "" {
			of = "any"
		}
		elem, err := schemaFieldSerializer(name, of, "", fields)
		if err != nil {
			return nil, err
		}
		return NewArraySerializer(nil, elem), nil

	case "":
		return valueSerializer{t: anyType}, nil
	}

	t, ok := scalarTypes[typ]
	if !ok {
		return nil, fmt.Errorf("schema %s: unknown field type '%s'", name, typ)
	}
	return valueSerializer{t: t}, nil
}
