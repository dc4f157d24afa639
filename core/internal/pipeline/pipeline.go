// Package pipeline compiles bound query trees into execution models: the
// stages to run plus the projector and aggregator that turn the output
// documents into the query's result.
package pipeline

import (
	"fmt"

	"github.com/dosco/aggjin/core/internal/binder"
	"github.com/dosco/aggjin/core/internal/dialect"
	"github.com/dosco/aggjin/core/qcode"
	"github.com/dosco/aggjin/core/sdata"
	"go.mongodb.org/mongo-driver/v2/bson"
)

type Config struct {
	// Vars are query variables available to every query. Request
	// variables of the same name take precedence.
	Vars map[string]any

	Registry *sdata.Registry
	Schemas  map[string]sdata.Serializer
}

type Compiler struct {
	svars   map[string]any
	reg     *sdata.Registry
	schemas map[string]sdata.Serializer
}

// Model is a compiled query. It is immutable and may be shared.
type Model struct {
	Collection string
	Stages     []bson.D
	Projector  Projector

	// Aggregator is set when the query returns a single value.
	Aggregator *Aggregator
}

// Scalar reports whether the model yields a single value.
func (m *Model) Scalar() bool {
	return m.Aggregator != nil
}

func NewCompiler(conf Config) *Compiler {
	reg := conf.Registry
	if reg == nil {
		reg = sdata.DefaultRegistry
	}
	return &Compiler{
		svars:   conf.Vars,
		reg:     reg,
		schemas: conf.Schemas,
	}
}

// Bind binds the raw query tree with the given variables.
func (co *Compiler) Bind(raw qcode.Node, vars map[string]any) (*qcode.Projection, error) {
	if raw == nil {
		return nil, fmt.Errorf("query is nil")
	}

	v := vars
	if len(co.svars) != 0 {
		v = make(map[string]any, len(co.svars)+len(vars))
		for k, val := range co.svars {
			v[k] = val
		}
		for k, val := range vars {
			v[k] = val
		}
	}

	return binder.Bind(raw, binder.Options{
		Registry: co.reg,
		Vars:     v,
		Schemas:  co.schemas,
	})
}

// Compile renders a bound query into a model.
func (co *Compiler) Compile(bound *qcode.Projection) (*Model, error) {
	if bound == nil {
		return nil, fmt.Errorf("bound query is nil")
	}

	p, err := dialect.Render(bound)
	if err != nil {
		return nil, err
	}

	m := &Model{
		Collection: p.Collection,
		Stages:     p.Stages,
		Projector: Projector{
			Path:       p.Projector.Path,
			Serializer: p.Projector.Serializer,
			Default:    p.Projector.Default,
		},
	}
	if m.Projector.Serializer == nil {
		m.Projector.Serializer = sdata.NewDynamicSerializer()
	}

	if a := bound.Aggregator; a != nil {
		m.Aggregator = &Aggregator{Kind: a.Kind, Type: a.Typ}
	}
	return m, nil
}

// CompileQuery binds and compiles raw.
func (co *Compiler) CompileQuery(raw qcode.Node, vars map[string]any) (*Model, error) {
	bound, err := co.Bind(raw, vars)
	if err != nil {
		return nil, err
	}
	return co.Compile(bound)
}
