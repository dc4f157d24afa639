package qcode

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type person struct {
	Name string
	Age  int
}

type labeled struct {
	X int
	A any
	y int
}

func TestFormat(t *testing.T) {
	x := P("x", TypeOf[person]())
	people := func() Query { return From(Collection("people", TypeOf[person]())) }

	tests := []struct {
		name string
		n    Node
		exp  string
	}{
		{
			name: "where",
			n:    people().Where(L(Gt(M(x, "Age"), C(21)), x)).Node(),
			exp:  "people.Where(x => (x.Age > int(21)))",
		},
		{
			name: "chain",
			n:    people().OrderBy(L(M(x, "Name"), x)).Skip(10).Take(5).Node(),
			exp:  "people.OrderBy(x => x.Name).Skip(int64(10)).Take(int64(5))",
		},
		{
			name: "and is left to right",
			n:    And(C(true), C(false), V("ok", nil)),
			exp:  "((true && false) && @ok)",
		},
		{
			name: "conditional and document",
			n:    Doc(nil, As("Name", M(x, "Name")), As("Adult", If(Gte(M(x, "Age"), C(18)), C("yes"), C("no")))),
			exp:  `{Name: x.Name, Adult: ((x.Age >= int(18)) ? "yes" : "no")}`,
		},
		{
			name: "group result selector",
			n: people().GroupBy(L(M(x, "Age"), x),
				L(Doc(nil, As("Count", Invoke(P("g", nil), "Count"))), P("k", nil), P("g", nil))).Node(),
			exp: "people.GroupBy(x => x.Age, (k, g) => {Count: g.Count()})",
		},
		{
			name: "documents",
			n:    From(Documents(nil)).Count(),
			exp:  "documents().Count()",
		},
		{
			name: "static and index",
			n:    Static("Abs", Index(M(x, "Scores"), C(-1))),
			exp:  "Abs(x.Scores[int(-1)])",
		},
		{
			name: "values",
			n:    Arr(C(1), C(1.0), C(nil), C([]string{"a"}), C(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))),
			exp:  `[int(1), float64(1), null, ["a"], date(2024-01-02T00:00:00Z)]`,
		},
		{
			name: "map and struct values",
			n: Arr(
				C(map[string]any{"b": 1, "a": "1"}),
				C(labeled{X: 2, y: 3})),
			exp: `[map[string]interface {}{"a": "1", "b": int(1)}, qcode.labeled{X: int(2), A: null}]`,
		},
		{
			name: "unary",
			n:    Not(Neg(M(x, "Age"))),
			exp:  "!-x.Age",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.exp, Format(tt.n))
		})
	}
}

func TestFormatDeterministic(t *testing.T) {
	build := func(v any) Node {
		x := P("x", TypeOf[person]())
		return From(Collection("people", x.Typ)).
			Where(L(Eq(M(x, "Name"), C(v)), x)).
			Select(L(M(x, "Age"), x)).
			Node()
	}

	assert.Equal(t, Format(build("Ann")), Format(build("Ann")))
	assert.NotEqual(t, Format(build("Ann")), Format(build("Bob")))

	// numbers keep their type
	assert.NotEqual(t, Format(build(1)), Format(build(1.0)))
	assert.NotEqual(t, Format(build(int32(1))), Format(build(int64(1))))

	// maps and structs are compared member by member
	assert.Equal(t,
		Format(build(map[string]any{"a": 1, "b": "x"})),
		Format(build(map[string]any{"b": "x", "a": 1})))
	assert.NotEqual(t, Format(build(map[string]any{"a": "1"})), Format(build(map[string]any{"a": 1})))
	assert.NotEqual(t, Format(build([]any{map[string]any{"a": "1"}})), Format(build([]any{map[string]any{"a": 1}})))

	assert.NotEqual(t, Format(build(labeled{A: "1"})), Format(build(labeled{A: 1})))
}

func TestBuilder(t *testing.T) {
	assert.Equal(t, C(true), And())
	assert.Equal(t, C(false), Or())

	x := P("x", TypeOf[person]())
	a := Add(M(x, "Age"), C(1))
	assert.Equal(t, OpAdd, a.Op)
	assert.Equal(t, TypeOf[int](), a.Type())

	c := Gt(M(x, "Age"), C(1))
	assert.Equal(t, boolType, c.Type())
	assert.True(t, c.Op.IsComparison())

	r := Documents(TypeOf[person]())
	assert.NotNil(t, r.Documents)
	assert.False(t, r.IsCollection())

	q := From(Collection("people", x.Typ)).Where(L(C(true), x)).Take(1)
	root, ok := RootOf(q.Node())
	require.True(t, ok)
	assert.Equal(t, "people", root.Collection)

	_, ok = RootOf(C(1))
	assert.False(t, ok)
}

func TestErrors(t *testing.T) {
	x := P("x", TypeOf[person]())
	n := Invoke(M(x, "Name"), "Soundex")
	parent := L(n, x)

	err := NotSupported(n, parent, "no translation for %s", "Soundex")
	assert.EqualError(t, err, "expression not supported: x.Name.Soundex() in x => x.Name.Soundex(): no translation for Soundex")

	var e *ExpressionNotSupportedError
	require.ErrorAs(t, err, &e)
	assert.Same(t, n, e.Node)
}
