package qcode

// UnaryOp is the operator of a Unary node.
type UnaryOp int

const (
	OpNot UnaryOp = iota + 1
	OpNegate
)

func (op UnaryOp) String() string {
	switch op {
	case OpNot:
		return "!"
	case OpNegate:
		return "-"
	}
	return "?"
}

// BinaryOp is the operator of a Binary node.
type BinaryOp int

const (
	OpAdd BinaryOp = iota + 1
	OpSubtract
	OpMultiply
	OpDivide
	OpModulo
	OpConcat
	OpEqual
	OpNotEqual
	OpGreaterThan
	OpGreaterThanOrEqual
	OpLessThan
	OpLessThanOrEqual
	OpAnd
	OpOr
	OpCoalesce
)

var binaryOpSymbols = map[BinaryOp]string{
	OpAdd:                "+",
	OpSubtract:           "-",
	OpMultiply:           "*",
	OpDivide:             "/",
	OpModulo:             "%",
	OpConcat:             "++",
	OpEqual:              "==",
	OpNotEqual:           "!=",
	OpGreaterThan:        ">",
	OpGreaterThanOrEqual: ">=",
	OpLessThan:           "<",
	OpLessThanOrEqual:    "<=",
	OpAnd:                "&&",
	OpOr:                 "||",
	OpCoalesce:           "??",
}

func (op BinaryOp) String() string {
	if s, ok := binaryOpSymbols[op]; ok {
		return s
	}
	return "?"
}

// IsComparison reports whether op yields a boolean from two values.
func (op BinaryOp) IsComparison() bool {
	return op >= OpEqual && op <= OpLessThanOrEqual
}

// IsLogical reports whether op is a boolean connective.
func (op BinaryOp) IsLogical() bool {
	return op == OpAnd || op == OpOr
}

// Flip returns the comparison with its operands swapped, so that
// `5 < x` can be rendered as `x > 5`.
func (op BinaryOp) Flip() BinaryOp {
	switch op {
	case OpGreaterThan:
		return OpLessThan
	case OpGreaterThanOrEqual:
		return OpLessThanOrEqual
	case OpLessThan:
		return OpGreaterThan
	case OpLessThanOrEqual:
		return OpGreaterThanOrEqual
	}
	return op
}

// AccumulatorOp is a group accumulator.
type AccumulatorOp int

const (
	AccSum AccumulatorOp = iota + 1
	AccAvg
	AccMin
	AccMax
	AccFirst
	AccLast
	AccPush
	AccAddToSet
	AccStdDevPop
	AccStdDevSamp
)

var accumulatorNames = map[AccumulatorOp]string{
	AccSum:        "$sum",
	AccAvg:        "$avg",
	AccMin:        "$min",
	AccMax:        "$max",
	AccFirst:      "$first",
	AccLast:       "$last",
	AccPush:       "$push",
	AccAddToSet:   "$addToSet",
	AccStdDevPop:  "$stdDevPop",
	AccStdDevSamp: "$stdDevSamp",
}

// String returns the stage operator name.
func (op AccumulatorOp) String() string {
	if s, ok := accumulatorNames[op]; ok {
		return s
	}
	return "$unknown"
}

// AggregatorKind is the terminal operation of a scalar-shaped query.
type AggregatorKind int

const (
	AggCount AggregatorKind = iota + 1
	AggLongCount
	AggSum
	AggAverage
	AggMin
	AggMax
	AggStdDevPop
	AggStdDevSamp
	AggAny
	AggAll
	AggContains
	AggFirst
	AggFirstOrDefault
	AggSingle
	AggSingleOrDefault
)

var aggregatorNames = map[AggregatorKind]string{
	AggCount:           "Count",
	AggLongCount:       "LongCount",
	AggSum:             "Sum",
	AggAverage:         "Average",
	AggMin:             "Min",
	AggMax:             "Max",
	AggStdDevPop:       "StandardDeviationPopulation",
	AggStdDevSamp:      "StandardDeviationSample",
	AggAny:             "Any",
	AggAll:             "All",
	AggContains:        "Contains",
	AggFirst:           "First",
	AggFirstOrDefault:  "FirstOrDefault",
	AggSingle:          "Single",
	AggSingleOrDefault: "SingleOrDefault",
}

func (k AggregatorKind) String() string {
	if s, ok := aggregatorNames[k]; ok {
		return s
	}
	return "Unknown"
}

// Direction is a sort direction.
type Direction int

const (
	Ascending  Direction = 1
	Descending Direction = -1
)

func (d Direction) String() string {
	if d == Descending {
		return "desc"
	}
	return "asc"
}
