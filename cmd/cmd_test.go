package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dosco/aggjin/conf"
	"github.com/dosco/aggjin/core"
	"github.com/dosco/aggjin/core/sdata"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

func TestMain(m *testing.M) {
	zlog = zap.NewNop()
	log = zlog.Sugar()
	os.Exit(m.Run())
}

func newTestEngine(t *testing.T) *core.AggJin {
	t.Helper()

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
	t.Cleanup(aj.Close)
	return aj
}

func TestExplain(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/queries/adults.yml", []byte(`
collection: people
vars:
  min_age: 21
pipeline:
  - where: { gte: ["$age", "$$min_age"] }
  - take: 2
`), 0o600))

	var buf bytes.Buffer
	require.NoError(t, explain(newTestEngine(t), fs, "/queries/adults.yml", &buf))

	exp := `# adults.yml
db.people.aggregate([
  {
    "$match": {
      "age": {
        "$gte": 21
      }
    }
  },
  {
    "$limit": 2
  }
])
`
	assert.Equal(t, exp, buf.String())
}

func TestExplainErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	aj := newTestEngine(t)

	var buf bytes.Buffer
	assert.Error(t, explain(aj, fs, "/queries/missing.yml", &buf))

	require.NoError(t, afero.WriteFile(fs, "/queries/bad.yml", []byte(`
collection: people
pipeline:
  - where: { gt: ["$height", 2] }
`), 0o600))

	err := explain(aj, fs, "/queries/bad.yml", &buf)
	var ue *core.UnresolvableMemberError
	assert.ErrorAs(t, err, &ue)
	assert.Empty(t, buf.String())
}

func TestWatchFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "q.yml")
	require.NoError(t, os.WriteFile(file, []byte("collection: a\n"), 0o600))

	c, cancel := context.WithCancel(context.Background())
	defer cancel()

	called := make(chan struct{}, 16)
	done := make(chan error, 1)

	go func() {
		done <- watchFile(c, file, func() { called <- struct{}{} })
	}()

	// other files in the folder are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yml"), []byte("x"), 0o600))

	assert.Eventually(t, func() bool {
		if err := os.WriteFile(file, []byte("collection: b\n"), 0o600); err != nil {
			return false
		}
		select {
		case <-called:
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestPrintValue(t *testing.T) {
	tests := []struct {
		name string
		v    any
		exp  string
	}{
		{name: "document", v: bson.D{{Key: "name", Value: "Ann"}, {Key: "age", Value: int32(30)}}, exp: `{"name":"Ann","age":30}`},
		{name: "map", v: map[string]any{"n": 1}, exp: `{"n":1}`},
		{name: "string", v: "Ann", exp: `"Ann"`},
		{name: "number", v: 2.5, exp: `2.5`},
		{name: "null", v: nil, exp: `null`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, printValue(&buf, tt.v))
			assert.Equal(t, tt.exp+"\n", buf.String())
		})
	}
}

func TestMergeVars(t *testing.T) {
	vars, err := mergeVars(
		map[string]any{"min_age": 21, "name": "Ann"},
		map[string]string{"min_age": "30", "tags": "[a, b]", "active": "true"})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"min_age": 30,
		"name":    "Ann",
		"tags":    []any{"a", "b"},
		"active":  true,
	}, vars)

	_, err = mergeVars(nil, map[string]string{"bad": "[a"})
	assert.Error(t, err)
}

func TestMarshalSchemas(t *testing.T) {
	list := []sdata.Schema{{Name: "people", Fields: []sdata.SchemaField{
		{Name: "_id", Type: "objectId"},
		{Name: "tags", Type: "array", Of: "string", Nullable: true},
	}}}

	b, err := marshalSchemas(list)
	require.NoError(t, err)

	var got []sdata.Schema
	require.NoError(t, yaml.Unmarshal(b, &got))
	assert.Equal(t, list, got)

	b, err = marshalSchemas(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]\n", string(b))
}

func TestQueryFile(t *testing.T) {
	config = &conf.Config{ConfigPath: "/etc/aggjin", QueryPath: "./queries"}
	defer func() { config = nil }()

	assert.Equal(t, "/tmp/q.yml", queryFile("/tmp/q.yml"))
	assert.Equal(t, "/etc/aggjin/queries/missing.yml", queryFile("missing.yml"))
}
