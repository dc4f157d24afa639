package mongodriver

import (
	"context"
	"flag"
	"testing"
	"time"

	"github.com/dosco/aggjin/core"
	"github.com/dosco/aggjin/core/qcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

var integration = flag.Bool("integration", false, "run the tests that need a mongo:7 container")

type user struct {
	ID    int64    `bson:"_id"`
	Name  string   `bson:"name"`
	Age   int      `bson:"age"`
	Email string   `bson:"email"`
	Tags  []string `bson:"tags"`
}

func startMongo(t *testing.T) *mongo.Database {
	t.Helper()

	if !*integration {
		t.Skip("skipping integration test, run with -integration")
	}

	ctx := context.Background()

	container, err := mongodb.Run(ctx, "mongo:7",
		testcontainers.WithWaitStrategy(wait.ForListeningPort("27017/tcp").WithStartupTimeout(2*time.Minute)))
	require.NoError(t, err)
	t.Cleanup(func() {
		container.Terminate(ctx) //nolint:errcheck
	})

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	client, err := Connect(ctx, uri, 30*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Disconnect(ctx) //nolint:errcheck
	})

	db := client.Database("aggjin_test")
	_, err = db.Collection("users").InsertMany(ctx, []any{
		user{ID: 1, Name: "Alice", Age: 30, Email: "alice@example.com", Tags: []string{"admin"}},
		user{ID: 2, Name: "Bob", Age: 25, Email: "bob@example.com", Tags: []string{}},
		user{ID: 3, Name: "Charlie", Age: 35, Email: "charlie@example.com", Tags: []string{"admin", "ops"}},
	})
	require.NoError(t, err)
	return db
}

func TestAggregate(t *testing.T) {
	db := startMongo(t)
	ctx := context.Background()

	aj, err := core.NewAggJin(&core.Config{AllowDiskUse: true, Comment: "aggjin tests"}, NewSink(db))
	require.NoError(t, err)
	defer aj.Close()

	u := qcode.P("u", qcode.TypeOf[user]())
	users := func() qcode.Query {
		return qcode.From(qcode.Collection("users", qcode.TypeOf[user]()))
	}

	t.Run("query", func(t *testing.T) {
		res, err := aj.Execute(ctx, users().
			Where(qcode.L(qcode.Gt(qcode.M(u, "Age"), qcode.C(25)), u)).
			OrderBy(qcode.L(qcode.M(u, "Name"), u)).
			Select(qcode.L(qcode.M(u, "Name"), u)).
			Node(), nil)
		require.NoError(t, err)

		list, err := res.All(ctx)
		require.NoError(t, err)
		assert.Equal(t, []any{"Alice", "Charlie"}, list)
	})

	t.Run("first", func(t *testing.T) {
		res, err := aj.Execute(ctx, users().
			Where(qcode.L(qcode.Invoke(qcode.M(u, "Tags"), "Contains", qcode.C("ops")), u)).
			First(), nil)
		require.NoError(t, err)
		assert.Equal(t, user{ID: 3, Name: "Charlie", Age: 35, Email: "charlie@example.com", Tags: []string{"admin", "ops"}}, res.Scalar())
	})

	t.Run("count", func(t *testing.T) {
		res, err := aj.Execute(ctx, users().Count(), nil)
		require.NoError(t, err)
		assert.Equal(t, 3, res.Scalar())
	})

	t.Run("average", func(t *testing.T) {
		res, err := aj.Execute(ctx, users().Average(qcode.L(qcode.M(u, "Age"), u)), nil)
		require.NoError(t, err)
		assert.Equal(t, 30.0, res.Scalar())
	})

	t.Run("literal documents", func(t *testing.T) {
		type point struct {
			X int `bson:"x"`
		}
		p := qcode.P("p", qcode.TypeOf[point]())

		res, err := aj.Execute(ctx, qcode.From(qcode.Documents(p.Typ, point{X: 1}, point{X: 2})).
			Sum(qcode.L(qcode.M(p, "X"), p)), nil)
		require.NoError(t, err)
		assert.Equal(t, 3, res.Scalar())
	})

	t.Run("cancelled", func(t *testing.T) {
		c, cancel := context.WithCancel(ctx)
		cancel()
		_, err := aj.Execute(c, users().Node(), nil)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestIntrospect(t *testing.T) {
	db := startMongo(t)
	ctx := context.Background()

	in := NewIntrospector(db)
	list, err := in.Schemas(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "users", list[0].Name)

	types := make(map[string]string)
	for _, f := range list[0].Fields {
		types[f.Name] = f.Type
	}
	assert.Equal(t, map[string]string{
		"_id":   "long",
		"name":  "string",
		"age":   "int",
		"email": "string",
		"tags":  "array",
	}, types)

	// the discovered schema drives queries over dynamic documents
	aj, err := core.NewAggJin(&core.Config{}, NewSink(db), core.OptionSetSchemaSource(in))
	require.NoError(t, err)
	defer aj.Close()

	d := qcode.P("d", nil)
	res, err := aj.Execute(ctx, qcode.From(qcode.Collection("users", nil)).
		Where(qcode.L(qcode.Eq(qcode.M(d, "name"), qcode.C("Bob")), d)).
		Select(qcode.L(qcode.M(d, "email"), d)).
		Node(), nil)
	require.NoError(t, err)

	list2, err := res.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{"bob@example.com"}, list2)
}
