package pipeline

import (
	"errors"
	"testing"

	"github.com/dosco/aggjin/core/qcode"
	"github.com/dosco/aggjin/core/sdata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

type person struct {
	ID   string `bson:"_id"`
	Name string
	Age  int
}

var personT = qcode.TypeOf[person]()

func people() qcode.Query {
	return qcode.From(qcode.Collection("people", personT))
}

func raw(t *testing.T, v any) bson.Raw {
	t.Helper()
	b, err := bson.Marshal(v)
	require.NoError(t, err)
	return bson.Raw(b)
}

func compile(t *testing.T, n qcode.Node, vars map[string]any) *Model {
	t.Helper()
	co := NewCompiler(Config{Registry: sdata.NewRegistry()})
	m, err := co.CompileQuery(n, vars)
	require.NoError(t, err)
	return m
}

func TestCompile(t *testing.T) {
	x := qcode.P("x", personT)

	m := compile(t, people().
		Where(qcode.L(qcode.Gt(qcode.M(x, "Age"), qcode.C(21)), x)).
		OrderBy(qcode.L(qcode.M(x, "Age"), x)).
		Skip(5).
		Take(10).
		Node(), nil)

	assert.Equal(t, "people", m.Collection)
	assert.False(t, m.Scalar())

	ops := make([]string, len(m.Stages))
	for i, s := range m.Stages {
		ops[i] = s[0].Key
	}
	assert.Equal(t, []string{"$match", "$sort", "$skip", "$limit"}, ops)

	v, err := m.Projector.Decode(raw(t, bson.D{{Key: "_id", Value: "a"}, {Key: "name", Value: "Ann"}, {Key: "age", Value: 30}}))
	require.NoError(t, err)
	assert.Equal(t, person{ID: "a", Name: "Ann", Age: 30}, v)
}

func TestCompileVars(t *testing.T) {
	x := qcode.P("x", personT)
	q := people().Where(qcode.L(qcode.Gt(qcode.M(x, "Age"), qcode.V("min", qcode.TypeOf[int]())), x)).Node()

	co := NewCompiler(Config{Registry: sdata.NewRegistry(), Vars: map[string]any{"min": 18}})

	m, err := co.CompileQuery(q, nil)
	require.NoError(t, err)
	assert.Equal(t, bson.D{{Key: "age", Value: bson.D{{Key: "$gt", Value: 18}}}}, m.Stages[0][0].Value)

	m, err = co.CompileQuery(q, map[string]any{"min": 40})
	require.NoError(t, err)
	assert.Equal(t, bson.D{{Key: "age", Value: bson.D{{Key: "$gt", Value: 40}}}}, m.Stages[0][0].Value)
}

func TestFieldProjector(t *testing.T) {
	x := qcode.P("x", personT)
	m := compile(t, people().Select(qcode.L(qcode.M(x, "Name"), x)).Node(), nil)

	assert.Equal(t, []bson.D{{{Key: "$project", Value: bson.D{{Key: "name", Value: 1}, {Key: "_id", Value: 0}}}}}, m.Stages)

	v, err := m.Projector.Decode(raw(t, bson.D{{Key: "name", Value: "Ann"}}))
	require.NoError(t, err)
	assert.Equal(t, "Ann", v)

	v, err = m.Projector.Decode(raw(t, bson.D{}))
	require.NoError(t, err)
	assert.Equal(t, "", v)

	v, err = m.Projector.Decode(raw(t, bson.D{{Key: "name", Value: nil}}))
	require.NoError(t, err)
	assert.Equal(t, "", v)
}

func TestComputedProjector(t *testing.T) {
	x := qcode.P("x", personT)
	m := compile(t, people().Select(qcode.L(qcode.Add(qcode.M(x, "Age"), qcode.C(1)), x)).Node(), nil)

	v, err := m.Projector.Decode(raw(t, bson.D{{Key: qcode.ScalarField, Value: 31}}))
	require.NoError(t, err)
	assert.Equal(t, 31, v)
}

func TestAggregators(t *testing.T) {
	x := qcode.P("x", personT)
	age := qcode.L(qcode.M(x, "Age"), x)
	adult := qcode.L(qcode.Gte(qcode.M(x, "Age"), qcode.C(18)), x)

	ann := raw(t, bson.D{{Key: "_id", Value: "a"}, {Key: "name", Value: "Ann"}, {Key: "age", Value: 30}})
	bob := raw(t, bson.D{{Key: "_id", Value: "b"}, {Key: "name", Value: "Bob"}, {Key: "age", Value: 12}})

	tests := []struct {
		name string
		q    qcode.Node
		docs []bson.Raw
		exp  any
		err  error
	}{
		{name: "count empty", q: people().Count(), exp: 0},
		{name: "count", q: people().Count(), docs: []bson.Raw{raw(t, bson.D{{Key: "_id", Value: nil}, {Key: "__result", Value: int32(3)}})}, exp: 3},
		{name: "long count", q: people().LongCount(adult), docs: []bson.Raw{raw(t, bson.D{{Key: "__result", Value: int32(2)}})}, exp: int64(2)},
		{name: "sum empty", q: people().Sum(age), exp: 0},
		{name: "sum", q: people().Sum(age), docs: []bson.Raw{raw(t, bson.D{{Key: "__result", Value: 42}})}, exp: 42},
		{name: "average empty", q: people().Average(age), err: ErrNoElements},
		{name: "average", q: people().Average(age), docs: []bson.Raw{raw(t, bson.D{{Key: "__result", Value: 21.5}})}, exp: 21.5},
		{name: "max empty", q: people().Max(age), err: ErrNoElements},
		{name: "any empty", q: people().Any(), exp: false},
		{name: "any", q: people().Any(adult), docs: []bson.Raw{ann}, exp: true},
		{name: "all", q: people().All(adult), exp: true},
		{name: "all failing", q: people().All(adult), docs: []bson.Raw{bob}, exp: false},
		{name: "first empty", q: people().First(), err: ErrNoElements},
		{name: "first", q: people().First(), docs: []bson.Raw{ann}, exp: person{ID: "a", Name: "Ann", Age: 30}},
		{name: "first or default", q: people().FirstOrDefault(), exp: person{}},
		{name: "single", q: people().Single(), docs: []bson.Raw{bob}, exp: person{ID: "b", Name: "Bob", Age: 12}},
		{name: "single many", q: people().Single(), docs: []bson.Raw{ann, bob}, err: ErrMoreThanOneElement},
		{name: "single or default empty", q: people().SingleOrDefault(), exp: person{}},
		{name: "single or default many", q: people().SingleOrDefault(), docs: []bson.Raw{ann, bob}, err: ErrMoreThanOneElement},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := compile(t, tt.q, nil)
			require.True(t, m.Scalar())

			v, err := m.Aggregator.Aggregate(m.Projector, tt.docs)
			if tt.err != nil {
				assert.True(t, errors.Is(err, tt.err), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.exp, v)
		})
	}
}

func TestAggregatorLimit(t *testing.T) {
	assert.Equal(t, 2, compile(t, people().Single(), nil).Aggregator.Limit())
	assert.Equal(t, 1, compile(t, people().First(), nil).Aggregator.Limit())
	assert.Equal(t, 1, compile(t, people().Count(), nil).Aggregator.Limit())
}

func TestMalformedResponse(t *testing.T) {
	m := compile(t, people().Count(), nil)

	_, err := m.Aggregator.Aggregate(m.Projector, []bson.Raw{raw(t, bson.D{{Key: "n", Value: 1}})})

	var mre *MalformedResponseError
	require.True(t, errors.As(err, &mre))
	assert.Equal(t, "__result", mre.Field)
}

func TestCompileFailures(t *testing.T) {
	x := qcode.P("x", personT)
	co := NewCompiler(Config{})

	_, err := co.CompileQuery(nil, nil)
	assert.Error(t, err)

	_, err = co.CompileQuery(people().Where(qcode.L(qcode.M(x, "Missing"), x)).Node(), nil)
	var ume *sdata.UnresolvableMemberError
	assert.True(t, errors.As(err, &ume))
}
