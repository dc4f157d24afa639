package conf

import (
	"testing"
	"time"

	"github.com/dosco/aggjin/core"
	"github.com/dosco/aggjin/core/qcode"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestDecodeQuery(t *testing.T) {
	x := qcode.P("x", nil)
	users := func() qcode.Query { return qcode.From(qcode.Collection("users", nil)) }

	k, g, e := qcode.P("k", nil), qcode.P("g", nil), qcode.P("e", nil)

	tests := []struct {
		name string
		yaml string
		exp  qcode.Node
	}{
		{
			name: "where",
			yaml: `
collection: users
pipeline:
  - where: { and: [{ gte: ["$age", 21] }, { contains: ["$tags", "admin"] }] }
`,
			exp: users().Where(qcode.L(qcode.And(
				qcode.Gte(qcode.M(x, "age"), qcode.C(21)),
				qcode.Invoke(qcode.M(x, "tags"), "Contains", qcode.C("admin")),
			), x)).Node(),
		},
		{
			name: "select document",
			yaml: `
collection: users
pipeline:
  - select: { name: "$name", city: "$addr.city" }
  - take: 5
`,
			exp: users().
				Select(qcode.L(qcode.Doc(nil,
					qcode.As("city", qcode.M(x, "addr", "city")),
					qcode.As("name", qcode.M(x, "name")),
				), x)).
				Take(5).
				Node(),
		},
		{
			name: "select expression",
			yaml: `
collection: users
pipeline:
  - select: { add: ["$age", 1] }
`,
			exp: users().Select(qcode.L(qcode.Add(qcode.M(x, "age"), qcode.C(1)), x)).Node(),
		},
		{
			name: "order by",
			yaml: `
collection: users
pipeline:
  - order_by: [{ key: "$age", desc: true }, "$name"]
  - skip: 10
`,
			exp: users().
				OrderByDescending(qcode.L(qcode.M(x, "age"), x)).
				ThenBy(qcode.L(qcode.M(x, "name"), x)).
				Skip(10).
				Node(),
		},
		{
			name: "variables and calls",
			yaml: `
collection: users
vars:
  prefix: an
pipeline:
  - where: { call: StartsWith, on: { call: ToLower, on: "$name" }, args: ["$$prefix"] }
  - select: { if: [{ eq: ["$nick", null] }, "$name", "$nick"] }
  - distinct: true
`,
			exp: users().
				Where(qcode.L(qcode.Invoke(qcode.Invoke(qcode.M(x, "name"), "ToLower"), "StartsWith", qcode.V("prefix", nil)), x)).
				Select(qcode.L(qcode.If(qcode.Eq(qcode.M(x, "nick"), qcode.C(nil)), qcode.M(x, "name"), qcode.M(x, "nick")), x)).
				Distinct().
				Node(),
		},
		{
			name: "group by",
			yaml: `
collection: orders
pipeline:
  - group_by:
      key: "$city"
      select:
        city: "$"
        orders: { count: true }
        total: { sum: "$amount" }
        big: { count: { gt: ["$amount", 100] } }
        items: { add_to_set: "$item" }
        latest: { last: "$" }
`,
			exp: qcode.From(qcode.Collection("orders", nil)).
				GroupBy(qcode.L(qcode.M(x, "city"), x), qcode.L(qcode.Doc(nil,
					qcode.As("big", qcode.Invoke(g, "Count", qcode.L(qcode.Gt(qcode.M(e, "amount"), qcode.C(100)), e))),
					qcode.As("city", k),
					qcode.As("items", qcode.Invoke(qcode.Invoke(g, "Select", qcode.L(qcode.M(e, "item"), e)), "Distinct")),
					qcode.As("latest", qcode.Invoke(g, "Last")),
					qcode.As("orders", qcode.Invoke(g, "Count")),
					qcode.As("total", qcode.Invoke(g, "Sum", qcode.L(qcode.M(e, "amount"), e))),
				), k, g)).
				Node(),
		},
		{
			name: "select many and sample",
			yaml: `
collection: users
pipeline:
  - select_many: "$tags"
  - sample: 3
`,
			exp: users().SelectMany(qcode.L(qcode.M(x, "tags"), x)).Sample(3).Node(),
		},
		{
			name: "count result",
			yaml: `
collection: users
pipeline:
  - where: { not: { eq: ["$name", "Bob"] } }
result:
  op: count
`,
			exp: users().Where(qcode.L(qcode.Not(qcode.Eq(qcode.M(x, "name"), qcode.C("Bob"))), x)).Count(),
		},
		{
			name: "sum result",
			yaml: `
collection: users
result: { op: sum, expr: "$age" }
`,
			exp: users().Sum(qcode.L(qcode.M(x, "age"), x)),
		},
		{
			name: "contains result",
			yaml: `
collection: users
pipeline:
  - select: "$name"
result: { op: contains, value: Ann }
`,
			exp: users().Select(qcode.L(qcode.M(x, "name"), x)).Contains(qcode.C("Ann")),
		},
		{
			name: "documents",
			yaml: `
documents:
  - { y: 2, x: 1 }
  - { x: 3, tags: [a] }
result: { op: max, expr: "$x" }
`,
			exp: qcode.From(qcode.Documents(nil,
				bson.D{{Key: "x", Value: 1}, {Key: "y", Value: 2}},
				bson.D{{Key: "tags", Value: bson.A{"a"}}, {Key: "x", Value: 3}},
			)).Max(qcode.L(qcode.M(x, "x"), x)),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := DecodeQuery([]byte(tt.yaml))
			require.NoError(t, err)
			assert.Equal(t, qcode.Format(tt.exp), qcode.Format(q.Expr))
		})
	}
}

func TestDecodeQueryErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		err  string
	}{
		{name: "no root", yaml: "pipeline: []\n", err: "collection or documents required"},
		{name: "both roots", yaml: "collection: a\ndocuments: [{x: 1}]\n", err: "not both"},
		{name: "unknown key", yaml: "collection: a\nfilter: {}\n", err: "filter"},
		{name: "unknown stage", yaml: "collection: a\npipeline: [{having: true}]\n", err: "pipeline[0].having: unknown operator"},
		{name: "two operators", yaml: "collection: a\npipeline: [{skip: 1, take: 2}]\n", err: "found 2"},
		{name: "arity", yaml: "collection: a\npipeline: [{where: {eq: [\"$a\"]}}]\n", err: "expected 2 arguments"},
		{name: "accumulator outside group", yaml: "collection: a\npipeline: [{select: {sum: \"$a\"}}]\n", err: "unknown operator"},
		{name: "accumulator in a shape outside group", yaml: "collection: a\npipeline: [{select: {total: {count: true}}}]\n", err: "unknown operator"},
		{name: "bad take", yaml: "collection: a\npipeline: [{take: ten}]\n", err: "expected an integer"},
		{name: "group key", yaml: "collection: a\npipeline: [{group_by: {select: {n: {count: true}}}}]\n", err: "key required"},
		{name: "unknown result", yaml: "collection: a\nresult: {op: median}\n", err: "unknown operator"},
		{name: "all needs expr", yaml: "collection: a\nresult: {op: all}\n", err: "requires an expr"},
		{name: "contains without element", yaml: "collection: a\nresult: {op: contains, value: \"$a\"}\n", err: "no current element"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeQuery([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.err)
		})
	}
}

func TestReadQuery(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/queries/adults.yml", []byte(`
collection: people
timeout: 5s
vars:
  min_age: 21
pipeline:
  - where: { gte: ["$age", "$$min_age"] }
  - order_by: "$name"
  - select: "$name"
`), 0o600))

	q, err := ReadQuery(fs, "/queries/adults.yml")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, q.Timeout)
	assert.Equal(t, map[string]any{"min_age": 21}, q.Vars)

	_, err = ReadQuery(fs, "/queries/missing.yml")
	assert.Error(t, err)

	require.NoError(t, afero.WriteFile(fs, "/queries/bad.yml", []byte("collection: [\n"), 0o600))
	_, err = ReadQuery(fs, "/queries/bad.yml")
	assert.Error(t, err)
}

func TestQueryCompiles(t *testing.T) {
	aj, err := core.NewAggJin(&core.Config{
		Collections: []core.Collection{{
			Name: "people",
			Fields: []core.Field{
				{Name: "_id", Type: "objectId"},
				{Name: "name", Type: "string"},
				{Name: "age", Type: "int"},
			},
		}},
	}, nil)
	require.NoError(t, err)
	defer aj.Close()

	q, err := DecodeQuery([]byte(`
collection: people
pipeline:
  - where: { gt: ["$age", "$$min_age"] }
  - order_by: "$name"
  - select: "$name"
  - take: 5
`))
	require.NoError(t, err)

	m, err := aj.BuildExecutionModel(q.Expr, &core.RequestConfig{Vars: map[string]any{"min_age": 21}})
	require.NoError(t, err)

	s, err := m.StagesJSON()
	require.NoError(t, err)
	assert.Equal(t, "people", m.Collection)
	assert.Equal(t,
		`[{"$match":{"age":{"$gt":21}}},{"$sort":{"name":1}},{"$project":{"name":1,"_id":0}},{"$limit":5}]`, s)
}
