package mongodriver

import (
	"context"

	"github.com/dosco/aggjin/core"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Sink runs pipelines against a database. Pipelines with no collection,
// those starting with $documents, run as database aggregates.
type Sink struct {
	db *mongo.Database
}

var _ core.Sink = (*Sink)(nil)

func NewSink(db *mongo.Database) *Sink {
	return &Sink{db: db}
}

// Database returns the database the sink runs against
func (s *Sink) Database() *mongo.Database {
	return s.db
}

// Aggregate implements core.Sink
func (s *Sink) Aggregate(c context.Context, req *core.Request) (core.Cursor, error) {
	pipeline := mongo.Pipeline(req.Stages)
	opts := aggregateOptions(req.Options)

	var cur *mongo.Cursor
	var err error

	if req.Collection == "" {
		cur, err = s.db.Aggregate(c, pipeline, opts)
	} else {
		cur, err = s.db.Collection(req.Collection).Aggregate(c, pipeline, opts)
	}
	if err != nil {
		return nil, err
	}
	return &cursor{cur: cur}, nil
}

func aggregateOptions(o core.AggregateOptions) *options.AggregateOptionsBuilder {
	opts := options.Aggregate()
	if o.AllowDiskUse {
		opts.SetAllowDiskUse(true)
	}
	if o.BatchSize > 0 {
		opts.SetBatchSize(o.BatchSize)
	}
	if o.Comment != "" {
		opts.SetComment(o.Comment)
	}
	return opts
}

// cursor adapts a driver cursor to core.Cursor
type cursor struct {
	cur *mongo.Cursor
}

func (c *cursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

func (c *cursor) Current() bson.Raw {
	return c.cur.Current
}

func (c *cursor) Err() error {
	return c.cur.Err()
}

func (c *cursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}
