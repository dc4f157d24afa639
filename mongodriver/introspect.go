package mongodriver

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/dosco/aggjin/core"
	"github.com/dosco/aggjin/core/sdata"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"golang.org/x/sync/errgroup"
)

const (
	defaultSampleSize  = 100
	defaultConcurrency = 4
)

// Introspector discovers the schema of collections from their $jsonSchema
// validator and a sample of their documents.
type Introspector struct {
	db *mongo.Database

	// SampleSize is the number of documents sampled per collection
	SampleSize int

	// Collections limits introspection to these collections. All
	// collections are introspected when it is empty.
	Collections []string

	// Concurrency is the number of collections introspected at once
	Concurrency int
}

var _ core.SchemaSource = (*Introspector)(nil)

func NewIntrospector(db *mongo.Database) *Introspector {
	return &Introspector{
		db:          db,
		SampleSize:  defaultSampleSize,
		Concurrency: defaultConcurrency,
	}
}

// Schemas implements core.SchemaSource
func (in *Introspector) Schemas(c context.Context) ([]sdata.Schema, error) {
	names := in.Collections

	if len(names) == 0 {
		all, err := in.db.ListCollectionNames(c, bson.D{})
		if err != nil {
			return nil, fmt.Errorf("mongodriver: list collections: %w", err)
		}
		for _, n := range all {
			if !strings.HasPrefix(n, "system.") {
				names = append(names, n)
			}
		}
		sort.Strings(names)
	}

	list := make([]sdata.Schema, len(names))

	g, c1 := errgroup.WithContext(c)
	g.SetLimit(max(in.Concurrency, 1))

	for i, name := range names {
		g.Go(func() (err error) {
			list[i], err = in.Schema(c1, name)
			return
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return list, nil
}

// Schema introspects a single collection
func (in *Introspector) Schema(c context.Context, name string) (sdata.Schema, error) {
	props, err := in.validator(c, name)
	if err != nil {
		return sdata.Schema{}, err
	}

	docs, err := in.sample(c, name)
	if err != nil {
		return sdata.Schema{}, err
	}

	return sdata.Schema{
		Name:   name,
		Fields: mergeValidator(sampleFields(docs), props),
	}, nil
}

type validatorProp struct {
	Type     string
	Required bool
}

// validator returns the top-level properties of the collection's
// $jsonSchema validator
func (in *Introspector) validator(c context.Context, name string) (map[string]validatorProp, error) {
	cur, err := in.db.ListCollections(c, bson.D{{Key: "name", Value: name}})
	if err != nil {
		return nil, fmt.Errorf("mongodriver: list collections: %w", err)
	}
	defer cur.Close(c) //nolint:errcheck

	if !cur.Next(c) {
		return nil, cur.Err()
	}

	var info struct {
		Options struct {
			Validator struct {
				JSONSchema struct {
					Properties map[string]struct {
						BSONType any `bson:"bsonType"`
					} `bson:"properties"`
					Required []string `bson:"required"`
				} `bson:"$jsonSchema"`
			} `bson:"validator"`
		} `bson:"options"`
	}

	if err := cur.Decode(&info); err != nil {
		return nil, fmt.Errorf("mongodriver: collection %s: %w", name, err)
	}

	js := info.Options.Validator.JSONSchema
	props := make(map[string]validatorProp, len(js.Properties))

	for k, p := range js.Properties {
		props[k] = validatorProp{Type: validatorType(p.BSONType)}
	}
	for _, k := range js.Required {
		p, ok := props[k]
		if !ok {
			p.Type = "any"
		}
		p.Required = true
		props[k] = p
	}
	return props, nil
}

func (in *Introspector) sample(c context.Context, name string) ([]bson.Raw, error) {
	size := in.SampleSize
	if size <= 0 {
		size = defaultSampleSize
	}

	cur, err := in.db.Collection(name).Aggregate(c, mongo.Pipeline{
		{{Key: "$sample", Value: bson.D{{Key: "size", Value: size}}}},
	})
	if err != nil {
		return nil, fmt.Errorf("mongodriver: sample %s: %w", name, err)
	}
	defer cur.Close(c) //nolint:errcheck

	var docs []bson.Raw
	for cur.Next(c) {
		doc := make(bson.Raw, len(cur.Current))
		copy(doc, cur.Current)
		docs = append(docs, doc)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("mongodriver: sample %s: %w", name, err)
	}
	return docs, nil
}

type fieldStat struct {
	seen  int
	null  bool
	typ   string
	docs  []bson.Raw
	items []bson.RawValue
}

func (st *fieldStat) add(v bson.RawValue) {
	st.seen++

	if v.Type == bson.TypeNull || v.Type == bson.TypeUndefined {
		st.null = true
		return
	}

	t := typeName(v.Type)
	st.typ = mixTypes(st.typ, t)

	switch t {
	case "object":
		st.docs = append(st.docs, v.Document())
	case "array":
		if vals, err := v.Array().Values(); err == nil {
			st.items = append(st.items, vals...)
		}
	}
}

// sampleFields infers fields from sampled documents. A field missing from
// some documents or null in any of them is nullable.
func sampleFields(docs []bson.Raw) []sdata.SchemaField {
	stats := make(map[string]*fieldStat)

	for _, d := range docs {
		elems, err := d.Elements()
		if err != nil {
			continue
		}
		for _, e := range elems {
			st, ok := stats[e.Key()]
			if !ok {
				st = &fieldStat{}
				stats[e.Key()] = st
			}
			st.add(e.Value())
		}
	}

	fields := make([]sdata.SchemaField, 0, len(stats))
	for k, st := range stats {
		f := sdata.SchemaField{
			Name:     k,
			Type:     st.typ,
			Nullable: k != "_id" && (st.null || st.seen < len(docs)),
		}
		if f.Type == "" {
			f.Type = "any"
		}

		switch f.Type {
		case "object":
			f.Fields = sampleFields(st.docs)

		case "array":
			f.Of, f.Fields = arrayElement(st.items)
		}
		fields = append(fields, f)
	}

	sortFields(fields)
	return fields
}

func arrayElement(items []bson.RawValue) (string, []sdata.SchemaField) {
	var typ string
	var docs []bson.Raw

	for _, v := range items {
		if v.Type == bson.TypeNull || v.Type == bson.TypeUndefined {
			continue
		}
		t := typeName(v.Type)
		typ = mixTypes(typ, t)
		if t == "object" {
			docs = append(docs, v.Document())
		}
	}

	switch typ {
	case "":
		return "any", nil
	case "object":
		return typ, sampleFields(docs)
	case "array":
		// nested arrays are not described further
		return "any", nil
	}
	return typ, nil
}

// mergeValidator overlays the validator's types on the sampled fields.
// Required fields are not nullable.
func mergeValidator(fields []sdata.SchemaField, props map[string]validatorProp) []sdata.SchemaField {
	if len(props) == 0 {
		return fields
	}

	index := make(map[string]int, len(fields))
	for i, f := range fields {
		index[f.Name] = i
	}

	for k, p := range props {
		i, ok := index[k]
		if !ok {
			fields = append(fields, sdata.SchemaField{Name: k, Type: p.Type, Nullable: !p.Required})
			continue
		}

		f := &fields[i]
		if p.Type != "any" && p.Type != f.Type {
			f.Type = p.Type
			f.Of, f.Fields = "", nil
		}
		if p.Required {
			f.Nullable = false
		}
	}

	sortFields(fields)
	return fields
}

// sortFields orders fields by name with _id first
func sortFields(fields []sdata.SchemaField) {
	sort.Slice(fields, func(i, j int) bool {
		a, b := fields[i].Name, fields[j].Name
		if a == "_id" || b == "_id" {
			return a == "_id" && b != "_id"
		}
		return a < b
	})
}

func typeName(t bson.Type) string {
	switch t {
	case bson.TypeString:
		return "string"
	case bson.TypeInt32:
		return "int"
	case bson.TypeInt64:
		return "long"
	case bson.TypeDouble:
		return "double"
	case bson.TypeDecimal128:
		return "decimal"
	case bson.TypeBoolean:
		return "bool"
	case bson.TypeDateTime:
		return "date"
	case bson.TypeObjectID:
		return "objectId"
	case bson.TypeEmbeddedDocument:
		return "object"
	case bson.TypeArray:
		return "array"
	}
	return "any"
}

var numericRank = map[string]int{"int": 1, "long": 2, "double": 3}

// mixTypes returns the type that holds values of both a and b
func mixTypes(a, b string) string {
	switch {
	case a == "":
		return b
	case a == b:
		return a
	}

	ra, oka := numericRank[a]
	rb, okb := numericRank[b]
	if oka && okb {
		if ra > rb {
			return a
		}
		return b
	}
	return "any"
}

// validatorType maps a $jsonSchema bsonType, a string or a list of
// strings, to a schema field type
func validatorType(v any) string {
	var t string

	switch bt := v.(type) {
	case string:
		t = bt
	case bson.A:
		if len(bt) == 1 {
			t, _ = bt[0].(string)
		}
	}

	switch t {
	case "int", "long", "double", "decimal", "bool", "date", "objectId",
		"string", "object", "array":
		return t
	case "number":
		return "double"
	}
	return "any"
}
