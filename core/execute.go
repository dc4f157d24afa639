package core

import (
	"context"
	"errors"
	"strconv"

	"github.com/dosco/aggjin/core/qcode"
	"github.com/dosco/aggjin/core/sdata"
	perrors "github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"
)

// Sink runs a finished pipeline. The mongodriver package has an
// implementation over a mongo-driver database.
type Sink interface {
	Aggregate(c context.Context, req *Request) (Cursor, error)
}

// Cursor iterates over the documents a pipeline outputs
type Cursor interface {
	Next(c context.Context) bool
	Current() bson.Raw
	Err() error
	Close(c context.Context) error
}

// Request is a pipeline to run. An empty Collection runs it against the
// database.
type Request struct {
	Collection string
	Stages     []bson.D
	Options    AggregateOptions
}

type AggregateOptions struct {
	AllowDiskUse bool
	BatchSize    int32
	Comment      string
}

// Execute builds the query and runs it through the sink. Queries ending in
// an aggregate such as Count or First are read right away and their value
// is returned by Result.Scalar.
func (g *AggJin) Execute(c context.Context, expr qcode.Node, rc *RequestConfig) (*Result, error) {
	gj := g.Load().(*aggjinEngine)

	c1, span := gj.spanStart(c, "Execute Pipeline")
	defer span.End()

	m, err := g.build(gj, expr, rc)
	if err != nil {
		span.Error(err)
		return nil, err
	}

	if span.IsRecording() {
		span.SetAttributesString(
			StringAttr{"pipeline.collection", m.Collection},
			StringAttr{"pipeline.stages", strconv.Itoa(len(m.Stages))},
			StringAttr{"pipeline.key", m.Key})
	}

	res, err := gj.execute(c1, m)
	if err != nil {
		span.Error(err)
		gj.logError(m, err)
		return nil, err
	}
	return res, nil
}

func (gj *aggjinEngine) execute(c context.Context, m *ExecutionModel) (*Result, error) {
	if gj.sink == nil {
		return nil, ErrNoSink
	}

	req := &Request{
		Collection: m.Collection,
		Stages:     m.Stages,
		Options: AggregateOptions{
			AllowDiskUse: gj.conf.AllowDiskUse,
			BatchSize:    gj.conf.BatchSize,
			Comment:      gj.conf.Comment,
		},
	}

	cur, err := gj.sink.Aggregate(c, req)
	if err != nil {
		return nil, sinkError(m, "aggregate", err)
	}

	res := &Result{model: m, cur: cur}
	if !m.Scalar() {
		return res, nil
	}
	defer cur.Close(c) //nolint:errcheck

	docs := make([]bson.Raw, 0, m.Aggregator.Limit())
	for len(docs) < m.Aggregator.Limit() && cur.Next(c) {
		docs = append(docs, cur.Current())
	}
	if err := cur.Err(); err != nil {
		return nil, sinkError(m, "read", err)
	}

	if res.scalar, err = m.Aggregator.Aggregate(m.Projector, docs); err != nil {
		return nil, err
	}
	res.cur = nil
	return res, nil
}

// sinkError wraps driver errors with the collection they came from.
// Cancellation is returned as it is.
func sinkError(m *ExecutionModel, op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	name := m.Collection
	if name == "" {
		name = "$documents"
	}
	return perrors.Wrap(err, op+" "+name)
}

func (gj *aggjinEngine) logError(m *ExecutionModel, err error) {
	fields := []zap.Field{
		zap.String("collection", m.Collection),
		zap.Error(err),
	}
	if gj.conf.Debug {
		if stages, err := m.StagesJSON(); err == nil {
			fields = append(fields, zap.String("stages", stages))
		}
	}
	gj.log.Warn("pipeline failed", fields...)
}

// ExecuteAsync runs Execute in its own goroutine
func (g *AggJin) ExecuteAsync(c context.Context, expr qcode.Node, rc *RequestConfig) *Pending {
	p := &Pending{done: make(chan struct{})}

	go func() {
		defer close(p.done)
		p.res, p.err = g.Execute(c, expr, rc)
	}()
	return p
}

// Pending is the outcome of ExecuteAsync
type Pending struct {
	done chan struct{}
	res  *Result
	err  error
}

// Done is closed once the result is ready
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the result is ready
func (p *Pending) Wait() (*Result, error) {
	<-p.done
	return p.res, p.err
}

// Result is the outcome of an executed query. Cursor results are iterated
// with Next and Value and must be closed. Scalar results hold their value
// in Scalar.
type Result struct {
	model  *ExecutionModel
	cur    Cursor
	scalar any
	val    any
	err    error
}

// Model returns the model that was executed
func (r *Result) Model() *ExecutionModel {
	return r.model
}

// IsScalar reports whether the query ended in an aggregate
func (r *Result) IsScalar() bool {
	return r.model.Scalar()
}

// Scalar returns the value of a query that ended in an aggregate
func (r *Result) Scalar() any {
	return r.scalar
}

// Next decodes the next element. It returns false when the cursor is done
// or failed; Err tells them apart.
func (r *Result) Next(c context.Context) bool {
	if r.cur == nil || r.err != nil {
		return false
	}

	if !r.cur.Next(c) {
		if err := r.cur.Err(); err != nil {
			r.err = sinkError(r.model, "read", err)
		}
		return false
	}

	r.val, r.err = r.model.Projector.Decode(r.cur.Current())
	return r.err == nil
}

// Value returns the element decoded by the last call to Next
func (r *Result) Value() any {
	return r.val
}

func (r *Result) Err() error {
	return r.err
}

// All reads the remaining elements and closes the result
func (r *Result) All(c context.Context) ([]any, error) {
	defer r.Close(c) //nolint:errcheck

	list := []any{}
	for r.Next(c) {
		list = append(list, r.val)
	}
	return list, r.err
}

// FirstOrDefault returns the next element, or the zero value of the element
// type when there is none, and closes the result
func (r *Result) FirstOrDefault(c context.Context) (any, error) {
	defer r.Close(c) //nolint:errcheck

	if r.Next(c) {
		return r.val, nil
	}
	if r.err != nil {
		return nil, r.err
	}

	if ser := r.model.Projector.Serializer; ser != nil {
		return sdata.ZeroValue(ser.Type()), nil
	}
	return nil, nil
}

// Close releases the cursor
func (r *Result) Close(c context.Context) error {
	if r.cur == nil {
		return nil
	}
	cur := r.cur
	r.cur = nil
	return cur.Close(c)
}
