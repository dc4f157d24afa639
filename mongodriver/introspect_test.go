package mongodriver

import (
	"testing"
	"time"

	"github.com/dosco/aggjin/core"
	"github.com/dosco/aggjin/core/sdata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

func raw(t *testing.T, v any) bson.Raw {
	t.Helper()
	b, err := bson.Marshal(v)
	require.NoError(t, err)
	return bson.Raw(b)
}

func TestSampleFields(t *testing.T) {
	id := bson.NewObjectID()

	docs := []bson.Raw{
		raw(t, bson.D{
			{Key: "_id", Value: id},
			{Key: "name", Value: "Ann"},
			{Key: "age", Value: int32(30)},
			{Key: "score", Value: int64(7)},
			{Key: "tags", Value: bson.A{"a", "b"}},
			{Key: "addr", Value: bson.D{{Key: "city", Value: "Oslo"}}},
			{Key: "pets", Value: bson.A{bson.D{{Key: "name", Value: "Rex"}}}},
			{Key: "seen", Value: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		}),
		raw(t, bson.D{
			{Key: "_id", Value: bson.NewObjectID()},
			{Key: "name", Value: "Bob"},
			{Key: "age", Value: nil},
			{Key: "score", Value: 2.5},
			{Key: "tags", Value: bson.A{}},
			{Key: "addr", Value: bson.D{{Key: "city", Value: "Rome"}, {Key: "zip", Value: "00100"}}},
			{Key: "pets", Value: bson.A{}},
			{Key: "seen", Value: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)},
			{Key: "misc", Value: true},
		}),
	}

	exp := []sdata.SchemaField{
		{Name: "_id", Type: "objectId"},
		{Name: "addr", Type: "object", Fields: []sdata.SchemaField{
			{Name: "city", Type: "string"},
			{Name: "zip", Type: "string", Nullable: true},
		}},
		{Name: "age", Type: "int", Nullable: true},
		{Name: "misc", Type: "bool", Nullable: true},
		{Name: "name", Type: "string"},
		{Name: "pets", Type: "array", Of: "object", Fields: []sdata.SchemaField{
			{Name: "name", Type: "string"},
		}},
		{Name: "score", Type: "double"},
		{Name: "seen", Type: "date"},
		{Name: "tags", Type: "array", Of: "string"},
	}

	assert.Equal(t, exp, sampleFields(docs))
}

func TestSampledSchemaCompiles(t *testing.T) {
	docs := []bson.Raw{
		raw(t, bson.D{{Key: "_id", Value: "a"}, {Key: "n", Value: int32(1)}, {Key: "list", Value: bson.A{bson.A{1}}}}),
		raw(t, bson.D{{Key: "_id", Value: "b"}, {Key: "mixed", Value: "x"}}),
		raw(t, bson.D{{Key: "_id", Value: "c"}, {Key: "mixed", Value: int32(2)}}),
	}

	fields := sampleFields(docs)
	_, err := sdata.NewSchemaSerializer(sdata.Schema{Name: "things", Fields: fields})
	require.NoError(t, err)

	byName := make(map[string]sdata.SchemaField, len(fields))
	for _, f := range fields {
		byName[f.Name] = f
	}
	assert.Equal(t, "any", byName["mixed"].Type)
	assert.Equal(t, "any", byName["list"].Of)
	assert.True(t, byName["n"].Nullable)
}

func TestMergeValidator(t *testing.T) {
	fields := []sdata.SchemaField{
		{Name: "_id", Type: "objectId"},
		{Name: "age", Type: "int", Nullable: true},
		{Name: "tags", Type: "array", Of: "string", Nullable: true},
	}
	props := map[string]validatorProp{
		"age":   {Type: "long", Required: true},
		"email": {Type: "string"},
		"tags":  {Type: "any"},
	}

	exp := []sdata.SchemaField{
		{Name: "_id", Type: "objectId"},
		{Name: "age", Type: "long"},
		{Name: "email", Type: "string", Nullable: true},
		{Name: "tags", Type: "array", Of: "string", Nullable: true},
	}
	assert.Equal(t, exp, mergeValidator(fields, props))
}

func TestValidatorType(t *testing.T) {
	tests := []struct {
		in  any
		exp string
	}{
		{in: "string", exp: "string"},
		{in: "number", exp: "double"},
		{in: bson.A{"long"}, exp: "long"},
		{in: bson.A{"string", "null"}, exp: "any"},
		{in: "javascript", exp: "any"},
		{in: nil, exp: "any"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.exp, validatorType(tt.in), "%v", tt.in)
	}
}

func TestMixTypes(t *testing.T) {
	assert.Equal(t, "int", mixTypes("", "int"))
	assert.Equal(t, "long", mixTypes("int", "long"))
	assert.Equal(t, "double", mixTypes("double", "int"))
	assert.Equal(t, "any", mixTypes("string", "int"))
	assert.Equal(t, "date", mixTypes("date", "date"))
}

func TestAggregateOptions(t *testing.T) {
	var o options.AggregateOptions
	for _, f := range aggregateOptions(core.AggregateOptions{AllowDiskUse: true, BatchSize: 50, Comment: "report"}).Opts {
		require.NoError(t, f(&o))
	}
	require.NotNil(t, o.AllowDiskUse)
	assert.True(t, *o.AllowDiskUse)
	require.NotNil(t, o.BatchSize)
	assert.Equal(t, int32(50), *o.BatchSize)
	assert.Equal(t, "report", o.Comment)

	o = options.AggregateOptions{}
	for _, f := range aggregateOptions(core.AggregateOptions{}).Opts {
		require.NoError(t, f(&o))
	}
	assert.Nil(t, o.AllowDiskUse)
	assert.Nil(t, o.BatchSize)
	assert.Nil(t, o.Comment)
}
