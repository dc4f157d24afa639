package core

import (
	"errors"

	"github.com/dosco/aggjin/core/internal/pipeline"
	"github.com/dosco/aggjin/core/qcode"
	"github.com/dosco/aggjin/core/sdata"
)

type (
	// UnresolvableMemberError is returned when a member of a query does
	// not map to a serialized field.
	UnresolvableMemberError = sdata.UnresolvableMemberError

	// ExpressionNotSupportedError is returned for an expression that has
	// no translation.
	ExpressionNotSupportedError = qcode.ExpressionNotSupportedError

	UnsupportedCollectionSelectorError = qcode.UnsupportedCollectionSelectorError

	// MalformedResponseError is returned when the server's output lacks the
	// field holding the result.
	MalformedResponseError = pipeline.MalformedResponseError
)

var (
	ErrNoElements         = pipeline.ErrNoElements
	ErrMoreThanOneElement = pipeline.ErrMoreThanOneElement

	ErrNoSink = errors.New("aggjin: no sink configured")
)
