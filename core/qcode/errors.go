package qcode

import "fmt"

// ExpressionNotSupportedError is returned for a node that has no
// translation. Parent is the node containing it, when known.
type ExpressionNotSupportedError struct {
	Node   Node
	Parent Node
	Reason string
}

func (e *ExpressionNotSupportedError) Error() string {
	msg := "expression not supported: " + Format(e.Node)
	if e.Parent != nil {
		msg += " in " + Format(e.Parent)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// NotSupported returns an ExpressionNotSupportedError.
func NotSupported(n, parent Node, format string, args ...any) error {
	return &ExpressionNotSupportedError{
		Node:   n,
		Parent: parent,
		Reason: fmt.Sprintf(format, args...),
	}
}

// UnsupportedCollectionSelectorError is returned when the collection
// selector of a SelectMany is not a direct field reference.
type UnsupportedCollectionSelectorError struct {
	Node Node
}

func (e *UnsupportedCollectionSelectorError) Error() string {
	return fmt.Sprintf("unsupported collection selector %s: it must be a field of the element",
		Format(e.Node))
}
