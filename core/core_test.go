package core

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/dosco/aggjin/core/qcode"
	"github.com/dosco/aggjin/core/sdata"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
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

type fakeCursor struct {
	docs   []bson.Raw
	i      int
	err    error
	closed bool
}

func (c *fakeCursor) Next(ctx context.Context) bool {
	if err := ctx.Err(); err != nil {
		c.err = err
		return false
	}
	if c.i >= len(c.docs) {
		return false
	}
	c.i++
	return true
}

func (c *fakeCursor) Current() bson.Raw { return c.docs[c.i-1] }

func (c *fakeCursor) Err() error { return c.err }

func (c *fakeCursor) Close(context.Context) error {
	c.closed = true
	return nil
}

type fakeSink struct {
	mu   sync.Mutex
	docs []bson.Raw
	err  error
	reqs []*Request
	curs []*fakeCursor
}

func (s *fakeSink) Aggregate(c context.Context, req *Request) (Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reqs = append(s.reqs, req)
	if err := c.Err(); err != nil {
		return nil, err
	}
	if s.err != nil {
		return nil, s.err
	}
	cur := &fakeCursor{docs: s.docs}
	s.curs = append(s.curs, cur)
	return cur, nil
}

func newTestAggJin(t *testing.T, conf *Config, sink Sink, opts ...Option) *AggJin {
	t.Helper()
	if conf == nil {
		conf = &Config{}
	}
	opts = append([]Option{OptionSetRegistry(sdata.NewRegistry())}, opts...)
	aj, err := NewAggJin(conf, sink, opts...)
	require.NoError(t, err)
	t.Cleanup(aj.Close)
	return aj
}

func TestBuildExecutionModel(t *testing.T) {
	x := qcode.P("x", personT)
	aj := newTestAggJin(t, nil, nil)

	m, err := aj.BuildExecutionModel(people().
		Where(qcode.L(qcode.Gt(qcode.M(x, "Age"), qcode.C(21)), x)).
		OrderBy(qcode.L(qcode.M(x, "Name"), x)).
		Take(5).
		Node(), nil)
	require.NoError(t, err)

	js, err := m.StagesJSON()
	require.NoError(t, err)
	assert.Equal(t, `[{"$match":{"age":{"$gt":21}}},{"$sort":{"name":1}},{"$limit":5}]`, js)
	assert.Equal(t, m.Stages, aj.LoggedStages())
	assert.Equal(t, "people", m.Collection)
	assert.NotEmpty(t, m.Key)

	_, err = aj.BuildExecutionModel(people().Where(qcode.L(qcode.M(x, "Missing"), x)).Node(), nil)
	var ume *UnresolvableMemberError
	require.True(t, errors.As(err, &ume))
	assert.Empty(t, aj.LoggedStages())
}

func TestModelCache(t *testing.T) {
	x := qcode.P("x", personT)
	q := people().Where(qcode.L(qcode.Gte(qcode.M(x, "Age"), qcode.V("min", qcode.TypeOf[int]())), x)).Node()

	aj := newTestAggJin(t, &Config{Vars: map[string]any{"min": 18}}, nil)

	m1, err := aj.BuildExecutionModel(q, nil)
	require.NoError(t, err)
	m2, err := aj.BuildExecutionModel(q, nil)
	require.NoError(t, err)
	assert.Same(t, m1, m2)

	m3, err := aj.BuildExecutionModel(q, &RequestConfig{Vars: map[string]any{"min": 65}})
	require.NoError(t, err)
	assert.NotEqual(t, m1.Key, m3.Key)
	assert.Equal(t, bson.D{{Key: "age", Value: bson.D{{Key: "$gte", Value: 65}}}}, m3.Stages[0][0].Value)

	gj := aj.Load().(*aggjinEngine)
	assert.Equal(t, 2, gj.cache.Len())

	nc := newTestAggJin(t, &Config{DisableCache: true, Vars: map[string]any{"min": 18}}, nil)
	m4, err := nc.BuildExecutionModel(q, nil)
	require.NoError(t, err)
	m5, err := nc.BuildExecutionModel(q, nil)
	require.NoError(t, err)
	assert.NotSame(t, m4, m5)
	assert.Equal(t, m4.Stages, m5.Stages)
}

func TestModelCacheConstants(t *testing.T) {
	x := qcode.P("x", personT)
	build := func(v any) qcode.Node {
		return people().Where(qcode.L(qcode.Eq(qcode.M(x, "Name"), qcode.C(v)), x)).Node()
	}

	aj := newTestAggJin(t, nil, nil)

	tests := []struct {
		name string
		a, b any
	}{
		{name: "map member types", a: map[string]any{"a": "1"}, b: map[string]any{"a": 1}},
		{name: "nested maps", a: []any{map[string]any{"a": "1"}}, b: []any{map[string]any{"a": 1}}},
		{name: "struct member types", a: struct{ A any }{A: "1"}, b: struct{ A any }{A: 1}},
		{name: "number types", a: int32(1), b: int64(1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m1, err := aj.BuildExecutionModel(build(tt.a), nil)
			require.NoError(t, err)
			m2, err := aj.BuildExecutionModel(build(tt.b), nil)
			require.NoError(t, err)

			assert.NotEqual(t, m1.Key, m2.Key)
			assert.NotSame(t, m1, m2)
			assert.Equal(t, bson.D{{Key: "name", Value: tt.b}}, m2.Stages[0][0].Value)
		})
	}
}

func TestLoggedStagesCopy(t *testing.T) {
	x := qcode.P("x", personT)
	aj := newTestAggJin(t, nil, nil)

	m, err := aj.BuildExecutionModel(people().OrderBy(qcode.L(qcode.M(x, "Name"), x)).Node(), nil)
	require.NoError(t, err)

	logged := aj.LoggedStages()
	logged[0][0].Key = "$limit"
	logged[0] = nil

	assert.Equal(t, "$sort", m.Stages[0][0].Key)
	assert.Equal(t, m.Stages, aj.LoggedStages())
}

func TestConcurrentBuilds(t *testing.T) {
	x := qcode.P("x", personT)
	q := people().Select(qcode.L(qcode.M(x, "Name"), x)).Node()
	aj := newTestAggJin(t, nil, nil)

	var wg sync.WaitGroup
	models := make([]*ExecutionModel, 16)

	for i := range models {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := aj.BuildExecutionModel(q, nil)
			assert.NoError(t, err)
			models[i] = m
		}(i)
	}
	wg.Wait()

	for _, m := range models {
		assert.Equal(t, models[0].Key, m.Key)
		assert.Equal(t, models[0].Stages, m.Stages)
	}
}

func TestExecuteCursor(t *testing.T) {
	x := qcode.P("x", personT)
	sink := &fakeSink{docs: []bson.Raw{
		raw(t, bson.D{{Key: "name", Value: "Ann"}}),
		raw(t, bson.D{{Key: "name", Value: "Bob"}}),
		raw(t, bson.D{}),
	}}
	aj := newTestAggJin(t, &Config{AllowDiskUse: true, BatchSize: 100, Comment: "report"}, sink)

	res, err := aj.Execute(context.Background(), people().Select(qcode.L(qcode.M(x, "Name"), x)).Node(), nil)
	require.NoError(t, err)
	assert.False(t, res.IsScalar())

	list, err := res.All(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []any{"Ann", "Bob", ""}, list)
	assert.True(t, sink.curs[0].closed)

	require.Len(t, sink.reqs, 1)
	req := sink.reqs[0]
	assert.Equal(t, "people", req.Collection)
	assert.Equal(t, AggregateOptions{AllowDiskUse: true, BatchSize: 100, Comment: "report"}, req.Options)
	assert.Equal(t, res.Model().Stages, req.Stages)
}

func TestExecuteNext(t *testing.T) {
	sink := &fakeSink{docs: []bson.Raw{
		raw(t, bson.D{{Key: "_id", Value: "a"}, {Key: "name", Value: "Ann"}, {Key: "age", Value: 30}}),
	}}
	aj := newTestAggJin(t, nil, sink)
	c := context.Background()

	res, err := aj.Execute(c, people().Node(), nil)
	require.NoError(t, err)

	require.True(t, res.Next(c))
	assert.Equal(t, person{ID: "a", Name: "Ann", Age: 30}, res.Value())
	assert.False(t, res.Next(c))
	assert.NoError(t, res.Err())
	assert.NoError(t, res.Close(c))

	sink.docs = nil
	res, err = aj.Execute(c, people().Node(), nil)
	require.NoError(t, err)

	v, err := res.FirstOrDefault(c)
	require.NoError(t, err)
	assert.Equal(t, person{}, v)
}

func TestExecuteScalar(t *testing.T) {
	x := qcode.P("x", personT)
	c := context.Background()

	tests := []struct {
		name string
		q    qcode.Node
		docs []bson.Raw
		exp  any
		err  error
	}{
		{name: "count", q: people().Count(), docs: []bson.Raw{raw(t, bson.D{{Key: "_id", Value: nil}, {Key: "__result", Value: int32(2)}})}, exp: 2},
		{name: "count empty", q: people().Count(), exp: 0},
		{name: "any", q: people().Any(qcode.L(qcode.Gt(qcode.M(x, "Age"), qcode.C(60)), x)), docs: []bson.Raw{raw(t, bson.D{{Key: "age", Value: 70}})}, exp: true},
		{name: "first empty", q: people().First(), err: ErrNoElements},
		{name: "single many", q: people().Single(), docs: []bson.Raw{raw(t, bson.D{}), raw(t, bson.D{})}, err: ErrMoreThanOneElement},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &fakeSink{docs: tt.docs}
			aj := newTestAggJin(t, nil, sink)

			res, err := aj.Execute(c, tt.q, nil)
			if tt.err != nil {
				assert.True(t, errors.Is(err, tt.err), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.True(t, res.IsScalar())
			assert.Equal(t, tt.exp, res.Scalar())
			assert.True(t, sink.curs[0].closed)

			// nothing left to iterate
			assert.False(t, res.Next(c))
		})
	}
}

func TestExecuteErrors(t *testing.T) {
	q := people().Node()

	aj := newTestAggJin(t, nil, &fakeSink{err: errors.New("connection reset")})
	_, err := aj.Execute(context.Background(), q, nil)
	require.Error(t, err)
	assert.Equal(t, "aggregate people: connection reset", err.Error())

	c, cancel := context.WithCancel(context.Background())
	cancel()

	aj = newTestAggJin(t, nil, &fakeSink{})
	_, err = aj.Execute(c, q, nil)
	assert.Equal(t, context.Canceled, err)

	aj = newTestAggJin(t, nil, nil)
	_, err = aj.Execute(context.Background(), q, nil)
	assert.Equal(t, ErrNoSink, err)
}

func TestExecuteLogsFailures(t *testing.T) {
	obs, logs := observer.New(zap.DebugLevel)
	aj := newTestAggJin(t, &Config{Debug: true}, &fakeSink{err: errors.New("boom")}, OptionSetLogger(zap.New(obs)))

	_, err := aj.Execute(context.Background(), people().Take(1).Node(), nil)
	require.Error(t, err)

	assert.Equal(t, 1, logs.FilterMessage("pipeline built").Len())

	failed := logs.FilterMessage("pipeline failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, `[{"$limit":1}]`, failed[0].ContextMap()["stages"])
}

func TestExecuteAsync(t *testing.T) {
	sink := &fakeSink{docs: []bson.Raw{raw(t, bson.D{{Key: "__result", Value: int32(7)}})}}
	aj := newTestAggJin(t, nil, sink)

	p := aj.ExecuteAsync(context.Background(), people().Count(), nil)
	<-p.Done()

	res, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 7, res.Scalar())
}

func TestExecuteDocuments(t *testing.T) {
	type point struct{ X, Y int }
	pt := qcode.P("p", qcode.TypeOf[point]())
	sink := &fakeSink{docs: []bson.Raw{raw(t, bson.D{{Key: "__fld0", Value: 4}})}}
	aj := newTestAggJin(t, nil, sink)

	res, err := aj.Execute(context.Background(), qcode.From(qcode.Documents(pt.Typ, point{X: 2}, point{X: 1, Y: 1})).
		Select(qcode.L(qcode.Mul(qcode.M(pt, "X"), qcode.C(2)), pt)).
		Node(), nil)
	require.NoError(t, err)

	assert.Equal(t, "", sink.reqs[0].Collection)
	assert.Equal(t, "$documents", sink.reqs[0].Stages[0][0].Key)

	list, err := res.All(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []any{4}, list)
}

type fakeSource struct {
	mu      sync.Mutex
	schemas []sdata.Schema
}

func (s *fakeSource) Schemas(context.Context) ([]sdata.Schema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schemas, nil
}

func (s *fakeSource) set(list []sdata.Schema) {
	s.mu.Lock()
	s.schemas = list
	s.mu.Unlock()
}

func eventsSchema(element string) []sdata.Schema {
	return []sdata.Schema{{
		Name:   "events",
		Fields: []sdata.SchemaField{{Name: "Kind", Element: element, Type: "string"}},
	}}
}

func eventsQuery() qcode.Node {
	e := qcode.P("e", nil)
	return qcode.From(qcode.Collection("events", nil)).
		Where(qcode.L(qcode.Eq(qcode.M(e, "Kind"), qcode.C("click")), e)).
		Node()
}

func TestSchemaSources(t *testing.T) {
	mem := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(mem, "/config/schemas.yml", []byte(`
- name: events
  fields:
    - name: Kind
      element: kind_from_file
      type: string
`), 0o644))

	tests := []struct {
		name string
		conf *Config
		src  []sdata.Schema
		exp  string
	}{
		{name: "config", conf: &Config{Collections: eventsSchema("k")}, exp: "k"},
		{name: "file", conf: &Config{SchemaFiles: []string{"schemas.yml"}}, exp: "kind_from_file"},
		{name: "source", conf: &Config{}, src: eventsSchema("src"), exp: "src"},
		{name: "config over file", conf: &Config{SchemaFiles: []string{"schemas.yml"}, Collections: eventsSchema("k")}, exp: "k"},
		{name: "file over source", conf: &Config{SchemaFiles: []string{"schemas.yml"}}, src: eventsSchema("src"), exp: "kind_from_file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			aj := newTestAggJin(t, tt.conf, nil,
				OptionSetFS(NewAferoFS(mem, "/config")),
				OptionSetSchemaSource(&fakeSource{schemas: tt.src}))

			m, err := aj.BuildExecutionModel(eventsQuery(), nil)
			require.NoError(t, err)
			assert.Equal(t, bson.D{{Key: tt.exp, Value: "click"}}, m.Stages[0][0].Value)
			assert.Len(t, aj.Schemas(), 1)
		})
	}
}

func TestReload(t *testing.T) {
	src := &fakeSource{schemas: eventsSchema("k")}
	aj := newTestAggJin(t, nil, nil, OptionSetSchemaSource(src))

	m, err := aj.BuildExecutionModel(eventsQuery(), nil)
	require.NoError(t, err)
	assert.Equal(t, bson.D{{Key: "k", Value: "click"}}, m.Stages[0][0].Value)

	// unchanged schemas keep the engine
	gj := aj.Load().(*aggjinEngine)
	require.NoError(t, aj.checkSchemas())
	assert.Same(t, gj, aj.Load().(*aggjinEngine))

	src.set(eventsSchema("kind"))
	require.NoError(t, aj.checkSchemas())
	assert.NotSame(t, gj, aj.Load().(*aggjinEngine))
	assert.Equal(t, 0, aj.Load().(*aggjinEngine).cache.Len())

	m, err = aj.BuildExecutionModel(eventsQuery(), nil)
	require.NoError(t, err)
	assert.Equal(t, bson.D{{Key: "kind", Value: "click"}}, m.Stages[0][0].Value)

	src.set(eventsSchema("type"))
	require.NoError(t, aj.Reload())
	m, err = aj.BuildExecutionModel(eventsQuery(), nil)
	require.NoError(t, err)
	assert.Equal(t, bson.D{{Key: "type", Value: "click"}}, m.Stages[0][0].Value)
}

func TestMissingSchemaFile(t *testing.T) {
	_, err := NewAggJin(&Config{SchemaFiles: []string{"nope.yml"}}, nil,
		OptionSetFS(NewAferoFS(afero.NewMemMapFs(), "/config")))
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		conf Config
		err  bool
	}{
		{name: "empty", conf: Config{}},
		{name: "negative cache", conf: Config{CacheSize: -1}, err: true},
		{name: "negative batch", conf: Config{BatchSize: -5}, err: true},
		{name: "negative poll", conf: Config{SchemaPollDuration: -1}, err: true},
		{name: "unnamed collection", conf: Config{Collections: []Collection{{}}}, err: true},
		{name: "duplicate collection", conf: Config{Collections: []Collection{{Name: "a"}, {Name: "a"}}}, err: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.conf.Validate()
			if tt.err {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	assert.Equal(t, defaultCacheSize, (&Config{}).cacheSize())
}

func TestStagesJSON(t *testing.T) {
	stages := []bson.D{
		{{Key: "$match", Value: bson.D{{Key: "a", Value: 1}}}},
		{{Key: "$limit", Value: int64(2)}},
	}

	s, err := StagesJSON(stages)
	require.NoError(t, err)
	assert.Equal(t, `[{"$match":{"a":1}},{"$limit":2}]`, s)

	s, err = StagesJSON(nil)
	require.NoError(t, err)
	assert.Equal(t, `[]`, s)

	s, err = PrettyStagesJSON(stages[1:])
	require.NoError(t, err)
	assert.Equal(t, "[\n  {\n    \"$limit\": 2\n  }\n]", s)
}
