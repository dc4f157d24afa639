// Package dialect renders bound query trees as MongoDB aggregation
// pipelines.
package dialect

import (
	"github.com/dosco/aggjin/core/qcode"
	"github.com/dosco/aggjin/core/sdata"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Projector says where the current element is found in the documents a
// stage outputs. A nil Path means the whole document.
type Projector struct {
	Path       []string
	Serializer sdata.Serializer
	Default    any
}

// Pipeline is a rendered aggregation. An empty Collection means the
// pipeline starts with $documents and runs against the database.
type Pipeline struct {
	Collection string
	Stages     []bson.D
	Projector  Projector
}

// Render renders the bound tree n.
func Render(n qcode.Node) (*Pipeline, error) {
	if p, ok := n.(*qcode.Projection); ok {
		n = p.Source
	}
	stages, pj, err := emit(n, nil)
	if err != nil {
		return nil, err
	}
	if stages == nil {
		stages = []bson.D{}
	}
	return &Pipeline{Collection: collection(n), Stages: stages, Projector: pj}, nil
}

func collection(n qcode.Node) string {
	for {
		switch v := n.(type) {
		case *qcode.Root:
			return v.Collection
		case qcode.QueryNode:
			n = v.Input()
		default:
			return ""
		}
	}
}

func stage(name string, v any) bson.D {
	return bson.D{{Key: name, Value: v}}
}

// emit appends the stages of n, after those of its source, to stages.
func emit(n qcode.Node, stages []bson.D) ([]bson.D, Projector, error) {
	var pj Projector
	var err error

	if q, ok := n.(qcode.QueryNode); ok {
		if stages, pj, err = emit(q.Input(), stages); err != nil {
			return nil, pj, err
		}
	}

	switch v := n.(type) {
	case *qcode.Root:
		return emitRoot(v, stages)

	case *qcode.Where:
		f, err := RenderPredicate(v.Predicate)
		if err != nil {
			return nil, pj, err
		}
		return append(stages, stage("$match", f)), pj, nil

	case *qcode.Select:
		return project(stages, v.Selector, v.Element)

	case *qcode.SelectMany:
		d, ok := qcode.FieldOf(v.CollectionSelector)
		if !ok || len(d.Path) == 0 {
			return nil, pj, &qcode.UnsupportedCollectionSelectorError{Node: v.CollectionSelector}
		}
		stages = append(stages, stage("$unwind", "$"+d.Name()))
		return project(stages, v.ResultSelector, v.Element)

	case *qcode.OrderBy:
		s, err := sortStage(v)
		if err != nil {
			return nil, pj, err
		}
		return append(stages, s), pj, nil

	case *qcode.Skip:
		if v.Count > 0 {
			stages = append(stages, stage("$skip", v.Count))
		}
		return stages, pj, nil

	case *qcode.Take:
		// $limit must be positive
		if v.Count == 0 {
			return append(stages, stage("$match", stage("$expr", false))), pj, nil
		}
		return append(stages, stage("$limit", v.Count)), pj, nil

	case *qcode.Sample:
		return append(stages, stage("$sample", stage("size", v.Size))), pj, nil

	case *qcode.Distinct:
		id, err := RenderExpression(v.Selector)
		if err != nil {
			return nil, pj, err
		}
		pj = Projector{
			Path:       []string{qcode.GroupKeyField},
			Serializer: v.Element,
			Default:    sdata.ZeroValue(v.Element.Type()),
		}
		return append(stages, stage("$group", stage("_id", id))), pj, nil

	case *qcode.GroupBy:
		g, err := groupStage(v)
		if err != nil {
			return nil, pj, err
		}
		return append(stages, g), Projector{Serializer: v.Element}, nil

	case *qcode.GroupByWithResultSelector:
		if doc, ok := v.ResultSelector.(*qcode.Document); ok && qcode.DirectGroupResult(doc, v.Source) {
			return stages, Projector{Serializer: v.Element}, nil
		}
		return project(stages, v.ResultSelector, v.Element)

	case *qcode.Lookup:
		return emitLookup(v, stages)

	case *qcode.RootAccumulator:
		acc, err := accumulatorExpr(v.Accumulator)
		if err != nil {
			return nil, pj, err
		}
		stages = append(stages, stage("$group", bson.D{
			{Key: "_id", Value: nil},
			{Key: qcode.ResultField, Value: acc},
		}))
		pj = Projector{
			Path:       []string{qcode.ResultField},
			Serializer: v.Element,
			Default:    sdata.ZeroValue(v.Element.Type()),
		}
		return stages, pj, nil
	}

	return nil, pj, qcode.NotSupported(n, nil, "no pipeline stage for %s", n.Kind())
}

func emitRoot(v *qcode.Root, stages []bson.D) ([]bson.D, Projector, error) {
	pj := Projector{Serializer: v.Serializer}
	if v.IsCollection() {
		return stages, pj, nil
	}
	docs := make(bson.A, len(v.Documents))
	copy(docs, v.Documents)
	return append(stages, stage("$documents", docs)), pj, nil
}

// project appends the $project of sel. Plain fields are included where
// they are, computed values go to a field of their own.
func project(stages []bson.D, sel qcode.Node, ser sdata.Serializer) ([]bson.D, Projector, error) {
	pj := Projector{Path: qcode.ProjectedPath(sel), Serializer: ser}

	if doc, ok := sel.(*qcode.Document); ok {
		d, err := documentExpr(doc)
		if err != nil {
			return nil, pj, err
		}
		if !hasKey(d, "_id") {
			d = append(d, bson.E{Key: "_id", Value: 0})
		}
		return append(stages, stage("$project", d)), pj, nil
	}

	if fd, ok := qcode.FieldOf(sel); ok && !qcode.Positional(fd.Path) {
		if len(fd.Path) == 0 {
			return stages, Projector{Serializer: ser}, nil
		}
		pj.Default = fd.Default
		d := bson.D{{Key: fd.Name(), Value: 1}}
		if fd.Path[0] != "_id" {
			d = append(d, bson.E{Key: "_id", Value: 0})
		}
		return append(stages, stage("$project", d)), pj, nil
	}

	v, err := RenderExpression(sel)
	if err != nil {
		return nil, pj, err
	}
	if ser != nil {
		pj.Default = sdata.ZeroValue(ser.Type())
	}
	return append(stages, stage("$project", bson.D{
		{Key: qcode.ScalarField, Value: v},
		{Key: "_id", Value: 0},
	})), pj, nil
}

func hasKey(d bson.D, key string) bool {
	for _, e := range d {
		if e.Key == key {
			return true
		}
	}
	return false
}

func sortStage(v *qcode.OrderBy) (bson.D, error) {
	keys := make(bson.D, 0, len(v.Clauses))
	for _, c := range v.Clauses {
		fd, ok := qcode.FieldOf(c.Key)
		if !ok || len(fd.Path) == 0 {
			return nil, qcode.NotSupported(c.Key, v, "sort keys must be fields")
		}
		for _, p := range fd.Path {
			if p == "$" {
				return nil, qcode.NotSupported(c.Key, v, "the positional operator cannot be a sort key")
			}
		}
		keys = append(keys, bson.E{Key: fd.Name(), Value: int(c.Direction)})
	}
	return stage("$sort", keys), nil
}

func groupStage(v *qcode.GroupBy) (bson.D, error) {
	id, err := RenderExpression(v.ID)
	if err != nil {
		return nil, err
	}
	g := bson.D{{Key: "_id", Value: id}}
	for _, a := range v.Accumulators {
		acc, err := accumulatorExpr(a.Expr)
		if err != nil {
			return nil, err
		}
		g = append(g, bson.E{Key: a.Target, Value: acc})
	}
	return stage("$group", g), nil
}

func emitLookup(v *qcode.Lookup, stages []bson.D) ([]bson.D, Projector, error) {
	local, ok := qcode.FieldOf(v.LocalField)
	if !ok || len(local.Path) == 0 {
		return nil, Projector{}, qcode.NotSupported(v.LocalField, v, "join keys must be fields")
	}
	if qcode.Positional(local.Path) || qcode.Positional(v.ForeignField.Path) {
		return nil, Projector{}, qcode.NotSupported(v.LocalField, v, "join keys cannot index into arrays")
	}

	stages = append(stages, stage("$lookup", bson.D{
		{Key: "from", Value: v.From},
		{Key: "localField", Value: local.Name()},
		{Key: "foreignField", Value: v.ForeignField.Name()},
		{Key: "as", Value: v.As},
	}))
	if v.Unwind {
		stages = append(stages, stage("$unwind", "$"+v.As))
	}
	return project(stages, v.ResultSelector, v.Element)
}
