package dialect

import (
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/dosco/aggjin/core/qcode"
	"go.mongodb.org/mongo-driver/v2/bson"
)

var binaryOps = map[qcode.BinaryOp]string{
	qcode.OpAdd:                "$add",
	qcode.OpSubtract:           "$subtract",
	qcode.OpMultiply:           "$multiply",
	qcode.OpDivide:             "$divide",
	qcode.OpModulo:             "$mod",
	qcode.OpConcat:             "$concat",
	qcode.OpEqual:              "$eq",
	qcode.OpNotEqual:           "$ne",
	qcode.OpGreaterThan:        "$gt",
	qcode.OpGreaterThanOrEqual: "$gte",
	qcode.OpLessThan:           "$lt",
	qcode.OpLessThanOrEqual:    "$lte",
	qcode.OpAnd:                "$and",
	qcode.OpOr:                 "$or",
	qcode.OpCoalesce:           "$ifNull",
}

// operators that take any number of arguments
var naryOps = map[string]bool{
	"$add":      true,
	"$multiply": true,
	"$concat":   true,
	"$and":      true,
	"$or":       true,
	"$ifNull":   true,
}

// RenderExpression renders n as an aggregation expression.
func RenderExpression(n qcode.Node) (any, error) {
	switch v := n.(type) {
	case *qcode.Constant:
		return constant(v.Value), nil

	case *qcode.Field:
		return fieldExpr("$", v.Desc.Path, n)

	case *qcode.Serialization:
		switch in := v.Inner.(type) {
		case *qcode.Field:
			return fieldExpr("$", v.Desc.Path, n)
		case *qcode.Variable:
			return fieldExpr("$$"+in.Name, v.Desc.Path, n)
		}
		return RenderExpression(v.Inner)

	case *qcode.Variable:
		return "$$" + v.Name, nil

	case *qcode.Unary:
		o, err := RenderExpression(v.Operand)
		if err != nil {
			return nil, err
		}
		if v.Op == qcode.OpNot {
			return bson.D{{Key: "$not", Value: bson.A{o}}}, nil
		}
		return bson.D{{Key: "$subtract", Value: bson.A{0, o}}}, nil

	case *qcode.Binary:
		return binaryExpr(v)

	case *qcode.Conditional:
		args, err := exprList([]qcode.Node{v.Test, v.IfTrue, v.IfFalse})
		if err != nil {
			return nil, err
		}
		return bson.D{{Key: "$cond", Value: args}}, nil

	case *qcode.Call:
		return callExpr(v)

	case *qcode.ArrayIndex:
		args, err := exprList([]qcode.Node{v.Source, v.Index})
		if err != nil {
			return nil, err
		}
		return bson.D{{Key: "$arrayElemAt", Value: args}}, nil

	case *qcode.Document:
		return documentExpr(v)

	case *qcode.Array:
		return exprList(v.Items)

	case *qcode.Accumulator:
		return accumulatorExpr(v)
	}

	return nil, qcode.NotSupported(n, nil, "no aggregation expression for %s", n.Kind())
}

func exprList(list []qcode.Node) (bson.A, error) {
	out := make(bson.A, len(list))
	for i, n := range list {
		v, err := RenderExpression(n)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// constant renders a literal. Values that would be read as field paths or
// expressions are wrapped in $literal.
func constant(v any) any {
	switch x := v.(type) {
	case nil, bool, time.Time:
		return v
	case string:
		if strings.HasPrefix(x, "$") {
			return bson.D{{Key: "$literal", Value: x}}
		}
		return x
	}

	switch reflect.ValueOf(v).Kind() {
	case reflect.Slice, reflect.Array, reflect.Map, reflect.Struct, reflect.Pointer:
		if _, ok := v.([]byte); ok {
			return v
		}
		if isBSONValue(v) {
			return v
		}
		return bson.D{{Key: "$literal", Value: v}}
	}
	return v
}

func isBSONValue(v any) bool {
	switch v.(type) {
	case bson.ObjectID, bson.DateTime, bson.Decimal128, bson.Binary,
		bson.Regex, bson.Timestamp:
		return true
	}
	return false
}

// projected renders a value in a $project document, where bare numbers and
// booleans would be read as inclusion flags.
func projected(n qcode.Node) (any, error) {
	if c, ok := n.(*qcode.Constant); ok {
		if _, ok := c.Value.(string); !ok {
			return bson.D{{Key: "$literal", Value: c.Value}}, nil
		}
	}
	return RenderExpression(n)
}

// fieldExpr renders a field path. Positional segments have no dotted form
// in expressions and become $arrayElemAt.
func fieldExpr(root string, path []string, n qcode.Node) (any, error) {
	if len(path) == 0 {
		if root == "$" {
			return "$$ROOT", nil
		}
		return root, nil
	}

	var cur any
	var dotted strings.Builder
	dotted.WriteString(root)

	for i, p := range path {
		if p == "$" {
			return nil, qcode.NotSupported(n, nil, "the positional operator cannot be used in an expression")
		}

		if idx, err := strconv.Atoi(p); err == nil && p[0] != '-' {
			if cur == nil {
				cur = dotted.String()
			}
			cur = bson.D{{Key: "$arrayElemAt", Value: bson.A{cur, idx}}}
			continue
		}

		switch {
		case cur == nil:
			if i != 0 || root != "$" {
				dotted.WriteByte('.')
			}
			dotted.WriteString(p)
		default:
			cur = bson.D{{Key: "$getField", Value: bson.D{
				{Key: "field", Value: p},
				{Key: "input", Value: cur},
			}}}
		}
	}

	if cur == nil {
		return dotted.String(), nil
	}
	return cur, nil
}

func binaryExpr(v *qcode.Binary) (any, error) {
	op := binaryOps[v.Op]
	if v.Op == qcode.OpAdd && isString(v.Type()) {
		op = "$concat"
	}
	if op == "" {
		return nil, qcode.NotSupported(v, nil, "unknown operator")
	}

	var operands []qcode.Node
	if naryOps[op] {
		operands = flatten(v, v.Op)
	} else {
		operands = []qcode.Node{v.Left, v.Right}
	}

	args, err := exprList(operands)
	if err != nil {
		return nil, err
	}
	return bson.D{{Key: op, Value: args}}, nil
}

// flatten returns the operands of a chain of the same associative operator.
func flatten(n qcode.Node, op qcode.BinaryOp) []qcode.Node {
	b, ok := n.(*qcode.Binary)
	if !ok || b.Op != op {
		return []qcode.Node{n}
	}
	return append(flatten(b.Left, op), flatten(b.Right, op)...)
}

func isString(t reflect.Type) bool {
	return t != nil && t.Kind() == reflect.String
}

func callExpr(v *qcode.Call) (any, error) {
	if len(v.Named) != 0 {
		if len(v.Named) != len(v.Args) {
			return nil, qcode.NotSupported(v, nil, "argument names do not match arguments")
		}
		doc := make(bson.D, len(v.Args))
		for i, a := range v.Args {
			val, err := RenderExpression(a)
			if err != nil {
				return nil, err
			}
			doc[i] = bson.E{Key: v.Named[i], Value: val}
		}
		return bson.D{{Key: v.Func, Value: doc}}, nil
	}

	if len(v.Args) == 1 {
		a, err := RenderExpression(v.Args[0])
		if err != nil {
			return nil, err
		}
		return bson.D{{Key: v.Func, Value: a}}, nil
	}

	args, err := exprList(v.Args)
	if err != nil {
		return nil, err
	}
	return bson.D{{Key: v.Func, Value: args}}, nil
}

func documentExpr(v *qcode.Document) (bson.D, error) {
	doc := make(bson.D, len(v.Members))
	for i, m := range v.Members {
		val, err := projected(m.Value)
		if err != nil {
			return nil, err
		}
		key := m.Element
		if key == "" {
			key = m.Name
		}
		doc[i] = bson.E{Key: key, Value: val}
	}
	return doc, nil
}

func accumulatorExpr(v *qcode.Accumulator) (bson.D, error) {
	if v.Arg == nil {
		return bson.D{{Key: v.Op.String(), Value: 1}}, nil
	}
	a, err := RenderExpression(v.Arg)
	if err != nil {
		return nil, err
	}
	return bson.D{{Key: v.Op.String(), Value: a}}, nil
}
