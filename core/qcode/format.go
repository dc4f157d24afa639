package qcode

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Format returns the canonical text of a node. Equal trees format to equal
// strings, which makes the text usable as a cache key.
func Format(n Node) string {
	var sb strings.Builder
	format(&sb, n)
	return sb.String()
}

func format(sb *strings.Builder, n Node) {
	switch v := n.(type) {
	case nil:
		sb.WriteString("<nil>")

	case *Constant:
		formatValue(sb, v.Value)

	case *Field:
		sb.WriteString("$")
		sb.WriteString(v.Desc.Name())

	case *Serialization:
		switch in := v.Inner.(type) {
		case *Field:
			sb.WriteString("$")
			sb.WriteString(v.Desc.Name())
		case *Variable:
			sb.WriteString("$$")
			sb.WriteString(in.Name)
			if name := v.Desc.Name(); name != "" {
				sb.WriteString(".")
				sb.WriteString(name)
			}
		default:
			sb.WriteString("ser(")
			format(sb, v.Inner)
			sb.WriteString(", ")
			sb.WriteString(v.Desc.Name())
			sb.WriteString(")")
		}

	case *Unary:
		sb.WriteString(v.Op.String())
		format(sb, v.Operand)

	case *Binary:
		sb.WriteString("(")
		format(sb, v.Left)
		sb.WriteString(" ")
		sb.WriteString(v.Op.String())
		sb.WriteString(" ")
		format(sb, v.Right)
		sb.WriteString(")")

	case *Call:
		sb.WriteString(v.Func)
		sb.WriteString("(")
		for i, a := range v.Args {
			if i != 0 {
				sb.WriteString(", ")
			}
			if i < len(v.Named) {
				sb.WriteString(v.Named[i])
				sb.WriteString(": ")
			}
			format(sb, a)
		}
		sb.WriteString(")")

	case *ArrayIndex:
		format(sb, v.Source)
		sb.WriteString("[")
		format(sb, v.Index)
		sb.WriteString("]")

	case *Conditional:
		sb.WriteString("(")
		format(sb, v.Test)
		sb.WriteString(" ? ")
		format(sb, v.IfTrue)
		sb.WriteString(" : ")
		format(sb, v.IfFalse)
		sb.WriteString(")")

	case *Document:
		sb.WriteString("{")
		for i, m := range v.Members {
			if i != 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(m.Name)
			sb.WriteString(": ")
			format(sb, m.Value)
		}
		sb.WriteString("}")

	case *Array:
		sb.WriteString("[")
		formatList(sb, v.Items)
		sb.WriteString("]")

	case *Accumulator:
		sb.WriteString(v.Op.String())
		sb.WriteString("(")
		if v.Arg != nil {
			format(sb, v.Arg)
		}
		sb.WriteString(")")

	case *Variable:
		sb.WriteString("$$")
		sb.WriteString(v.Name)

	case *Param:
		sb.WriteString(v.Name)

	case *Lambda:
		if len(v.Params) == 1 {
			sb.WriteString(v.Params[0].Name)
		} else {
			sb.WriteString("(")
			for i, p := range v.Params {
				if i != 0 {
					sb.WriteString(", ")
				}
				sb.WriteString(p.Name)
			}
			sb.WriteString(")")
		}
		sb.WriteString(" => ")
		format(sb, v.Body)

	case *Member:
		format(sb, v.Target)
		sb.WriteString(".")
		sb.WriteString(v.Name)

	case *Method:
		if v.Target != nil {
			format(sb, v.Target)
			sb.WriteString(".")
		}
		sb.WriteString(v.Name)
		sb.WriteString("(")
		formatList(sb, v.Args)
		sb.WriteString(")")

	case *Var:
		sb.WriteString("@")
		sb.WriteString(v.Name)

	case *Root:
		if v.IsCollection() {
			sb.WriteString(v.Collection)
		} else {
			sb.WriteString("documents(")
			for i, d := range v.Documents {
				if i != 0 {
					sb.WriteString(", ")
				}
				formatValue(sb, d)
			}
			sb.WriteString(")")
		}

	case *Where:
		formatQuery(sb, "Where", v.Source, v.Predicate)
	case *Select:
		formatQuery(sb, "Select", v.Source, v.Selector)
	case *SelectMany:
		formatQuery(sb, "SelectMany", v.Source, v.CollectionSelector, v.ResultSelector)

	case *OrderBy:
		sb.WriteString("OrderBy(")
		format(sb, v.Source)
		for _, c := range v.Clauses {
			sb.WriteString(", ")
			format(sb, c.Key)
			sb.WriteString(" ")
			sb.WriteString(c.Direction.String())
		}
		sb.WriteString(")")

	case *Skip:
		formatQuery(sb, "Skip", v.Source, &Constant{Value: v.Count})
	case *Take:
		formatQuery(sb, "Take", v.Source, &Constant{Value: v.Count})
	case *Sample:
		formatQuery(sb, "Sample", v.Source, &Constant{Value: v.Size})
	case *Distinct:
		formatQuery(sb, "Distinct", v.Source, v.Selector)

	case *GroupBy:
		sb.WriteString("GroupBy(")
		format(sb, v.Source)
		sb.WriteString(", ")
		format(sb, v.ID)
		for _, a := range v.Accumulators {
			sb.WriteString(", ")
			sb.WriteString(a.Target)
			sb.WriteString(": ")
			format(sb, a.Expr)
		}
		sb.WriteString(")")

	case *GroupByWithResultSelector:
		formatQuery(sb, "GroupByWithResultSelector", v.Source, v.ResultSelector)

	case *Lookup:
		sb.WriteString("Lookup(")
		format(sb, v.Source)
		fmt.Fprintf(sb, ", %s, ", v.From)
		format(sb, v.LocalField)
		fmt.Fprintf(sb, ", %s, %s, %t, ", v.ForeignField.Name(), v.As, v.Unwind)
		format(sb, v.ResultSelector)
		sb.WriteString(")")

	case *RootAccumulator:
		formatQuery(sb, "RootAccumulator", v.Source, v.Accumulator)

	case *Projection:
		sb.WriteString("Projection(")
		format(sb, v.Source)
		sb.WriteString(", ")
		format(sb, v.Projector)
		if v.Aggregator != nil {
			sb.WriteString(", ")
			sb.WriteString(v.Aggregator.Kind.String())
		}
		sb.WriteString(")")

	default:
		fmt.Fprintf(sb, "<%T>", n)
	}
}

func formatQuery(sb *strings.Builder, name string, src Node, args ...Node) {
	sb.WriteString(name)
	sb.WriteString("(")
	format(sb, src)
	for _, a := range args {
		sb.WriteString(", ")
		format(sb, a)
	}
	sb.WriteString(")")
}

func formatList(sb *strings.Builder, list []Node) {
	for i, n := range list {
		if i != 0 {
			sb.WriteString(", ")
		}
		format(sb, n)
	}
}

// formatValue writes a constant. Numbers carry their type so that 1 and
// 1.0 stay distinct. Maps and structs are written member by member so that
// values differing only in a member's type format differently.
func formatValue(sb *strings.Builder, v any) {
	switch x := v.(type) {
	case nil:
		sb.WriteString("null")
		return
	case string:
		sb.WriteString(strconv.Quote(x))
		return
	case bool:
		sb.WriteString(strconv.FormatBool(x))
		return
	case time.Time:
		sb.WriteString("date(")
		sb.WriteString(x.UTC().Format(time.RFC3339Nano))
		sb.WriteString(")")
		return
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			sb.WriteString("null")
			return
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			fmt.Fprintf(sb, "%T(%x)", v, v)
			return
		}
		sb.WriteString("[")
		for i := 0; i < rv.Len(); i++ {
			if i != 0 {
				sb.WriteString(", ")
			}
			formatValue(sb, rv.Index(i).Interface())
		}
		sb.WriteString("]")

	case reflect.Map:
		if rv.IsNil() {
			sb.WriteString("null")
			return
		}
		type entry struct{ k, v string }
		list := make([]entry, 0, rv.Len())
		for it := rv.MapRange(); it.Next(); {
			var k, e strings.Builder
			formatValue(&k, it.Key().Interface())
			formatValue(&e, it.Value().Interface())
			list = append(list, entry{k.String(), e.String()})
		}
		sort.Slice(list, func(i, j int) bool { return list[i].k < list[j].k })

		fmt.Fprintf(sb, "%T{", v)
		for i, e := range list {
			if i != 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(e.k)
			sb.WriteString(": ")
			sb.WriteString(e.v)
		}
		sb.WriteString("}")

	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			sb.WriteString("null")
			return
		}
		formatValue(sb, rv.Elem().Interface())

	case reflect.Struct:
		if st, ok := v.(fmt.Stringer); ok {
			fmt.Fprintf(sb, "%T(%s)", v, st.String())
			return
		}
		t := rv.Type()
		fmt.Fprintf(sb, "%T{", v)
		n := 0
		for i := 0; i < t.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			if n != 0 {
				sb.WriteString(", ")
			}
			n++
			sb.WriteString(t.Field(i).Name)
			sb.WriteString(": ")
			formatValue(sb, rv.Field(i).Interface())
		}
		sb.WriteString("}")

	default:
		if st, ok := v.(fmt.Stringer); ok {
			fmt.Fprintf(sb, "%T(%s)", v, st.String())
			return
		}
		fmt.Fprintf(sb, "%T(%v)", v, v)
	}
}
