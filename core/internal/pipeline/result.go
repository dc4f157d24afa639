package pipeline

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/dosco/aggjin/core/qcode"
	"github.com/dosco/aggjin/core/sdata"
	"go.mongodb.org/mongo-driver/v2/bson"
)

var (
	ErrNoElements         = errors.New("sequence contains no elements")
	ErrMoreThanOneElement = errors.New("sequence contains more than one element")
)

// MalformedResponseError is returned when an output document lacks the
// field holding the result.
type MalformedResponseError struct {
	Field string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed response: field '%s' is missing", e.Field)
}

// Projector decodes the element out of an output document. When Path is
// set only that field is read and a missing or null field decodes to
// Default.
type Projector struct {
	Path       []string
	Serializer sdata.Serializer
	Default    any
}

func (pj Projector) lookup(doc bson.Raw) (bson.RawValue, bool) {
	rv, err := doc.LookupErr(pj.Path...)
	if err != nil {
		return rv, false
	}
	return rv, true
}

// Decode returns the element held by doc.
func (pj Projector) Decode(doc bson.Raw) (any, error) {
	if len(pj.Path) == 0 {
		return pj.Serializer.Decode(bson.RawValue{Type: bson.TypeEmbeddedDocument, Value: doc})
	}

	rv, ok := pj.lookup(doc)
	if !ok || rv.Type == bson.TypeNull || rv.Type == bson.TypeUndefined {
		return pj.Default, nil
	}
	return pj.Serializer.Decode(rv)
}

// Aggregator turns the output of a scalar-shaped model into its value.
type Aggregator struct {
	Kind qcode.AggregatorKind
	Type reflect.Type
}

// Limit returns how many documents Aggregate needs to see.
func (a *Aggregator) Limit() int {
	switch a.Kind {
	case qcode.AggSingle, qcode.AggSingleOrDefault:
		return 2
	}
	return 1
}

// Aggregate computes the result from the first Limit() documents of the
// output.
func (a *Aggregator) Aggregate(pj Projector, docs []bson.Raw) (any, error) {
	switch a.Kind {
	case qcode.AggAny, qcode.AggContains:
		return len(docs) != 0, nil

	case qcode.AggAll:
		return len(docs) == 0, nil

	case qcode.AggCount, qcode.AggLongCount, qcode.AggSum:
		if len(docs) == 0 {
			return a.zero(), nil
		}
		return a.result(pj, docs[0])

	case qcode.AggAverage, qcode.AggMin, qcode.AggMax, qcode.AggStdDevPop, qcode.AggStdDevSamp:
		if len(docs) == 0 {
			if sdata.IsNullable(a.Type) {
				return nil, nil
			}
			return nil, ErrNoElements
		}
		return a.result(pj, docs[0])

	case qcode.AggFirst:
		if len(docs) == 0 {
			return nil, ErrNoElements
		}
		return pj.Decode(docs[0])

	case qcode.AggFirstOrDefault:
		if len(docs) == 0 {
			return a.zero(), nil
		}
		return pj.Decode(docs[0])

	case qcode.AggSingle, qcode.AggSingleOrDefault:
		switch {
		case len(docs) > 1:
			return nil, ErrMoreThanOneElement
		case len(docs) == 0 && a.Kind == qcode.AggSingle:
			return nil, ErrNoElements
		case len(docs) == 0:
			return a.zero(), nil
		}
		return pj.Decode(docs[0])
	}

	return nil, fmt.Errorf("unknown aggregator: %s", a.Kind)
}

// result reads the accumulated value, which must be present.
func (a *Aggregator) result(pj Projector, doc bson.Raw) (any, error) {
	rv, ok := pj.lookup(doc)
	if !ok {
		return nil, &MalformedResponseError{Field: strings.Join(pj.Path, ".")}
	}
	if rv.Type == bson.TypeNull {
		return a.zero(), nil
	}
	return pj.Serializer.Decode(rv)
}

func (a *Aggregator) zero() any {
	return sdata.ZeroValue(a.Type)
}
