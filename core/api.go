// Package core provides an API to compile typed query expressions into
// MongoDB aggregation pipelines and to run them.
//
// A query is built with the qcode package, bound against the serializers of
// its documents, rendered into stages and executed through a Sink:
//
//	x := qcode.P("x", qcode.TypeOf[User]())
//	q := qcode.From(qcode.Collection("users", qcode.TypeOf[User]())).
//		Where(qcode.L(qcode.Gt(qcode.M(x, "Age"), qcode.C(21)), x)).
//		Node()
//
//	aj, err := core.NewAggJin(conf, sink)
//	res, err := aj.Execute(ctx, q, nil)
package core

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dosco/aggjin/core/internal/pipeline"
	"github.com/dosco/aggjin/core/sdata"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// aggjinEngine holds everything a build needs: the compiler with its
// serializers and declared schemas, the model cache and the sink. It is
// replaced as a whole on reload.
type aggjinEngine struct {
	conf       *Config
	sink       Sink
	log        *zap.Logger
	fs         FS
	trace      Tracer
	reg        *sdata.Registry
	source     SchemaSource
	schemas    []sdata.Schema
	schemaHash string
	compiler   *pipeline.Compiler
	cache      Cache
	group      singleflight.Group
	prod       bool
	opts       []Option
	done       chan bool
}

// AggJin is an instance of the aggjin engine. It is safe for concurrent
// use.
type AggJin struct {
	atomic.Value
	done      chan bool
	closeOnce sync.Once
	logged    atomic.Pointer[[]bson.D]
}

type Option func(*aggjinEngine) error

// NewAggJin creates the engine. The sink runs the pipelines and may be nil
// when only BuildExecutionModel is used.
func NewAggJin(conf *Config, sink Sink, options ...Option) (g *AggJin, err error) {
	if conf == nil {
		conf = &Config{Debug: true}
	}

	fs, err := getFS(conf)
	if err != nil {
		return
	}

	g = &AggJin{done: make(chan bool)}
	g.logged.Store(&[]bson.D{})

	if err = g.newAggJin(conf, sink, nil, fs, options...); err != nil {
		return
	}

	if err = g.initSchemaWatcher(); err != nil {
		return
	}
	return
}

// newAggJin builds a new engine and makes it current. When schemas is nil
// they are read from the config, the schema files and the schema source.
func (g *AggJin) newAggJin(conf *Config,
	sink Sink,
	schemas []sdata.Schema,
	fs FS,
	options ...Option,
) (err error) {
	if err = conf.Validate(); err != nil {
		return
	}

	gj := &aggjinEngine{
		conf:    conf,
		sink:    sink,
		log:     zap.NewNop(),
		fs:      fs,
		trace:   &tracer{},
		reg:     sdata.DefaultRegistry,
		schemas: schemas,
		prod:    conf.Production,
		opts:    options,
		done:    g.done,
	}

	// ordering of these initializer matter, do not re-order!

	if err = gj.initCache(); err != nil {
		return
	}

	for _, op := range options {
		if err = op(gj); err != nil {
			return
		}
	}

	if err = gj.initSchemas(); err != nil {
		return
	}

	if err = gj.initCompiler(); err != nil {
		return
	}

	g.Store(gj)
	return
}

// OptionSetRegistry sets the serializer registry used to bind queries
func OptionSetRegistry(reg *sdata.Registry) Option {
	return func(s *aggjinEngine) error {
		s.reg = reg
		return nil
	}
}

// OptionSetLogger sets the logger. The default logger discards everything.
func OptionSetLogger(log *zap.Logger) Option {
	return func(s *aggjinEngine) error {
		s.log = log
		return nil
	}
}

// OptionSetTrace sets the tracer
func OptionSetTrace(trace Tracer) Option {
	return func(s *aggjinEngine) error {
		s.trace = trace
		return nil
	}
}

// OptionSetSchemaSource sets a source of collection schemas that is read on
// start, on Reload and by the schema watcher
func OptionSetSchemaSource(source SchemaSource) Option {
	return func(s *aggjinEngine) error {
		s.source = source
		return nil
	}
}

// OptionSetFS sets the file system schema files are read from
func OptionSetFS(fs FS) Option {
	return func(s *aggjinEngine) error {
		s.fs = fs
		return nil
	}
}

func (gj *aggjinEngine) initCompiler() error {
	schemas := make(map[string]sdata.Serializer, len(gj.schemas))
	for _, s := range gj.schemas {
		ser, err := sdata.NewSchemaSerializer(s)
		if err != nil {
			return err
		}
		schemas[s.Name] = ser
	}

	gj.compiler = pipeline.NewCompiler(pipeline.Config{
		Vars:     gj.conf.Vars,
		Registry: gj.reg,
		Schemas:  schemas,
	})
	return nil
}

// Reload re-reads the declared schemas and reinitializes the engine. The
// model cache starts empty.
func (g *AggJin) Reload() error {
	return g.reload(nil)
}

func (g *AggJin) reload(schemas []sdata.Schema) error {
	gj := g.Load().(*aggjinEngine)
	t := time.Now()

	if err := g.newAggJin(gj.conf, gj.sink, schemas, gj.fs, gj.opts...); err != nil {
		return err
	}
	gj.log.Info("engine reloaded", zap.Duration("took", time.Since(t)))
	return nil
}

// IsProd return true for production mode or false for development mode
func (g *AggJin) IsProd() bool {
	gj := g.Load().(*aggjinEngine)
	return gj.prod
}

// Schemas returns the collection schemas in use
func (g *AggJin) Schemas() []Collection {
	gj := g.Load().(*aggjinEngine)
	return gj.schemas
}

// LoggedStages returns a copy of the stages of the most recent build. It
// is empty when that build failed.
func (g *AggJin) LoggedStages() []bson.D {
	stages := *g.logged.Load()
	if stages == nil {
		return nil
	}
	list := make([]bson.D, len(stages))
	for i, s := range stages {
		list[i] = append(bson.D(nil), s...)
	}
	return list
}

// Close stops the schema watcher
func (g *AggJin) Close() {
	g.closeOnce.Do(func() { close(g.done) })
}
