package core

import "context"

// Tracer starts spans around the work the engine does. Use
// OptionSetTrace to plug in an implementation such as plugin/otel.
type Tracer interface {
	Start(c context.Context, name string) (context.Context, Spaner)
}

type Spaner interface {
	SetAttributesString(attrs ...StringAttr)
	IsRecording() bool
	Error(err error)
	End()
}

type StringAttr struct {
	Name  string
	Value string
}

type tracer struct{}

func (t *tracer) Start(c context.Context, name string) (context.Context, Spaner) {
	return c, &span{}
}

type span struct{}

func (s *span) SetAttributesString(attrs ...StringAttr) {}

func (s *span) IsRecording() bool { return false }

func (s *span) Error(err error) {}

func (s *span) End() {}

func (gj *aggjinEngine) spanStart(c context.Context, name string) (context.Context, Spaner) {
	return gj.trace.Start(c, name)
}
