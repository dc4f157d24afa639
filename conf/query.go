package conf

import (
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/dosco/aggjin/core/qcode"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/afero"
	"go.mongodb.org/mongo-driver/v2/bson"
	"gopkg.in/yaml.v3"
)

// Query is a query read from a YAML query file
//
//	collection: users
//	vars:
//	  min_age: 21
//	pipeline:
//	  - where: { gte: ["$age", "$$min_age"] }
//	  - order_by: [{ key: "$age", desc: true }, "$name"]
//	  - select: { name: "$name", email: "$email" }
//	  - take: 10
type Query struct {
	QuerySpec

	// Expr is the query expression built from the file
	Expr qcode.Node
}

// QuerySpec is the decoded content of a query file
type QuerySpec struct {
	// Collection the query reads from
	Collection string `mapstructure:"collection" json:"collection" yaml:"collection"`

	// Documents to query instead of a collection
	Documents []map[string]any `mapstructure:"documents" json:"documents" yaml:"documents"`

	// Vars are the default values of the query variables
	Vars map[string]any `mapstructure:"vars" json:"vars" yaml:"vars"`

	// Pipeline is the list of query operators, one key each
	Pipeline []map[string]any `mapstructure:"pipeline" json:"pipeline" yaml:"pipeline"`

	// Result reduces the query to a single value
	Result *ResultSpec `mapstructure:"result" json:"result" yaml:"result"`

	// Timeout of the query when executed
	Timeout time.Duration `mapstructure:"timeout" json:"timeout" yaml:"timeout"`
}

// ResultSpec is the terminal operator of a query
type ResultSpec struct {
	Op    string `mapstructure:"op" json:"op" yaml:"op"`
	Expr  any    `mapstructure:"expr" json:"expr" yaml:"expr"`
	Value any    `mapstructure:"value" json:"value" yaml:"value"`
}

// ReadQuery reads the query file at path
func ReadQuery(fs afero.Fs, path string) (*Query, error) {
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}

	q, err := DecodeQuery(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return q, nil
}

// DecodeQuery decodes a YAML query
func DecodeQuery(b []byte) (*Query, error) {
	var m map[string]any
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, err
	}

	q := &Query{}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:  mapstructure.StringToTimeDurationHookFunc(),
		ErrorUnused: true,
		Result:      &q.QuerySpec,
	})
	if err != nil {
		return nil, err
	}

	if err := dec.Decode(m); err != nil {
		return nil, err
	}

	if q.Expr, err = q.build(); err != nil {
		return nil, err
	}
	return q, nil
}

func (qs *QuerySpec) build() (qcode.Node, error) {
	var root *qcode.Root

	switch {
	case qs.Collection != "" && qs.Documents != nil:
		return nil, fmt.Errorf("set either collection or documents, not both")

	case qs.Collection != "":
		root = qcode.Collection(qs.Collection, nil)

	case qs.Documents != nil:
		docs := make([]any, len(qs.Documents))
		for i, d := range qs.Documents {
			docs[i] = toBSON(d)
		}
		root = qcode.Documents(nil, docs...)

	default:
		return nil, fmt.Errorf("collection or documents required")
	}

	q := qcode.From(root)

	for i, st := range qs.Pipeline {
		if len(st) != 1 {
			return nil, fmt.Errorf("pipeline[%d]: a stage has one operator, found %d", i, len(st))
		}
		for k, v := range st {
			var err error
			if q, err = applyStage(q, k, v); err != nil {
				return nil, fmt.Errorf("pipeline[%d].%s: %w", i, k, err)
			}
		}
	}

	if qs.Result == nil {
		return q.Node(), nil
	}

	n, err := qs.Result.apply(q)
	if err != nil {
		return nil, fmt.Errorf("result: %w", err)
	}
	return n, nil
}

func applyStage(q qcode.Query, name string, v any) (qcode.Query, error) {
	x := qcode.P("x", nil)
	sc := scope{x: x}

	switch name {
	case "where":
		pred, err := sc.expr(v)
		if err != nil {
			return q, err
		}
		return q.Where(qcode.L(pred, x)), nil

	case "select":
		sel, err := sc.shape(v)
		if err != nil {
			return q, err
		}
		return q.Select(qcode.L(sel, x)), nil

	case "select_many":
		sel, err := sc.expr(v)
		if err != nil {
			return q, err
		}
		return q.SelectMany(qcode.L(sel, x)), nil

	case "order_by":
		return orderBy(q, v)

	case "skip", "take", "sample":
		n, err := toInt64(v)
		if err != nil {
			return q, err
		}
		switch name {
		case "skip":
			return q.Skip(n), nil
		case "take":
			return q.Take(n), nil
		}
		return q.Sample(n), nil

	case "distinct":
		if b, ok := v.(bool); !ok || !b {
			return q, fmt.Errorf("expected true")
		}
		return q.Distinct(), nil

	case "group_by":
		return groupBy(q, v)
	}

	return q, fmt.Errorf("unknown operator")
}

func orderBy(q qcode.Query, v any) (qcode.Query, error) {
	list, ok := v.([]any)
	if !ok {
		list = []any{v}
	}

	for i, item := range list {
		key, desc := item, false

		if m, ok := item.(map[string]any); ok {
			if _, ok := m["key"]; ok {
				if err := checkKeys(m, "key", "desc"); err != nil {
					return q, err
				}
				key = m["key"]
				desc, _ = m["desc"].(bool)
			}
		}

		x := qcode.P("x", nil)
		k, err := scope{x: x}.expr(key)
		if err != nil {
			return q, err
		}
		l := qcode.L(k, x)

		switch {
		case i == 0 && desc:
			q = q.OrderByDescending(l)
		case i == 0:
			q = q.OrderBy(l)
		case desc:
			q = q.ThenByDescending(l)
		default:
			q = q.ThenBy(l)
		}
	}
	return q, nil
}

func groupBy(q qcode.Query, v any) (qcode.Query, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return q, fmt.Errorf("expected a map with key and select")
	}
	if err := checkKeys(m, "key", "select"); err != nil {
		return q, err
	}

	kv, ok := m["key"]
	if !ok {
		return q, fmt.Errorf("key required")
	}

	x := qcode.P("x", nil)
	key, err := scope{x: x}.shape(kv)
	if err != nil {
		return q, fmt.Errorf("key: %w", err)
	}

	sel, ok := m["select"]
	if !ok {
		return q.GroupBy(qcode.L(key, x)), nil
	}

	k, g := qcode.P("k", nil), qcode.P("g", nil)
	res, err := scope{x: k, group: g}.shape(sel)
	if err != nil {
		return q, fmt.Errorf("select: %w", err)
	}
	return q.GroupBy(qcode.L(key, x), qcode.L(res, k, g)), nil
}

var terminals = map[string]string{
	"count":             "Count",
	"long_count":        "LongCount",
	"sum":               "Sum",
	"avg":               "Average",
	"average":           "Average",
	"min":               "Min",
	"max":               "Max",
	"std_dev_pop":       "StandardDeviationPopulation",
	"std_dev_samp":      "StandardDeviationSample",
	"any":               "Any",
	"all":               "All",
	"first":             "First",
	"first_or_default":  "FirstOrDefault",
	"single":            "Single",
	"single_or_default": "SingleOrDefault",
}

func (r *ResultSpec) apply(q qcode.Query) (qcode.Node, error) {
	if r.Op == "contains" {
		if r.Expr != nil {
			return nil, fmt.Errorf("contains takes a value")
		}
		v, err := scope{}.expr(r.Value)
		if err != nil {
			return nil, err
		}
		return q.Contains(v), nil
	}

	name, ok := terminals[r.Op]
	if !ok {
		return nil, fmt.Errorf("unknown operator %q", r.Op)
	}
	if r.Value != nil {
		return nil, fmt.Errorf("%s takes an expr", r.Op)
	}

	if r.Expr == nil {
		if r.Op == "all" {
			return nil, fmt.Errorf("all requires an expr")
		}
		return qcode.Invoke(q.Node(), name), nil
	}

	x := qcode.P("x", nil)
	e, err := scope{x: x}.expr(r.Expr)
	if err != nil {
		return nil, err
	}
	return qcode.Invoke(q.Node(), name, qcode.L(e, x)), nil
}

func checkKeys(m map[string]any, keys ...string) error {
	for k := range m {
		found := false
		for _, v := range keys {
			if k == v {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("unknown key %q", k)
		}
	}
	return nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case uint64:
		return int64(n), nil
	case float64:
		if n == float64(int64(n)) {
			return int64(n), nil
		}
	}
	return 0, fmt.Errorf("expected an integer, got %v", v)
}

// toBSON converts decoded YAML into BSON values. Map keys are sorted so
// the same file always gives the same document.
func toBSON(v any) any {
	switch v := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		d := make(bson.D, len(keys))
		for i, k := range keys {
			d[i] = bson.E{Key: k, Value: toBSON(v[k])}
		}
		return d

	case []any:
		a := make(bson.A, len(v))
		for i, item := range v {
			a[i] = toBSON(item)
		}
		return a
	}
	return v
}
