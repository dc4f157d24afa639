package core

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/dosco/aggjin/core/internal/pipeline"
	"github.com/dosco/aggjin/core/qcode"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"
)

// ExecutionModel is a compiled query: the stages to run and what turns the
// output documents into results. It is immutable and may be shared.
type ExecutionModel struct {
	*pipeline.Model

	// Key identifies the bound query the model was compiled from
	Key string
}

// StagesJSON returns the stages as relaxed Extended JSON
func (m *ExecutionModel) StagesJSON() (string, error) {
	return StagesJSON(m.Stages)
}

// BuildExecutionModel binds and compiles a query expression. Models are
// cached by the canonical text of the bound query.
func (g *AggJin) BuildExecutionModel(expr qcode.Node, rc *RequestConfig) (*ExecutionModel, error) {
	gj := g.Load().(*aggjinEngine)
	return g.build(gj, expr, rc)
}

func (g *AggJin) build(gj *aggjinEngine, expr qcode.Node, rc *RequestConfig) (*ExecutionModel, error) {
	m, err := gj.buildModel(expr, rc)
	if err != nil {
		g.logged.Store(&[]bson.D{})
		return nil, err
	}
	g.logged.Store(&m.Stages)
	return m, nil
}

func (gj *aggjinEngine) buildModel(expr qcode.Node, rc *RequestConfig) (*ExecutionModel, error) {
	t := time.Now()

	bound, err := gj.compiler.Bind(expr, rc.vars())
	if err != nil {
		return nil, err
	}
	key := cacheKey(bound)

	if !gj.conf.DisableCache {
		if m, ok := gj.cache.Get(key); ok {
			gj.logBuild(m, t, true)
			return m, nil
		}
	}

	v, err, _ := gj.group.Do(key, func() (any, error) {
		pm, err := gj.compiler.Compile(bound)
		if err != nil {
			return nil, err
		}
		m := &ExecutionModel{Model: pm, Key: key}
		if !gj.conf.DisableCache {
			gj.cache.Set(key, m)
		}
		return m, nil
	})
	if err != nil {
		return nil, err
	}

	m := v.(*ExecutionModel)
	gj.logBuild(m, t, false)
	return m, nil
}

// cacheKey hashes the bound query together with the type of its result,
// which decides how the output is decoded.
func cacheKey(bound *qcode.Projection) string {
	h := sha256.New()
	h.Write([]byte(qcode.Format(bound)))

	if bound.Projector != nil {
		if t := bound.Projector.Type(); t != nil {
			h.Write([]byte("|" + t.String()))
		}
	}
	if a := bound.Aggregator; a != nil && a.Typ != nil {
		h.Write([]byte("|" + a.Typ.String()))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (gj *aggjinEngine) logBuild(m *ExecutionModel, t time.Time, cached bool) {
	ce := gj.log.Check(zap.DebugLevel, "pipeline built")
	if ce == nil {
		return
	}

	stages, err := m.StagesJSON()
	if err != nil {
		stages = err.Error()
	}

	ce.Write(
		zap.String("collection", m.Collection),
		zap.String("stages", stages),
		zap.Duration("took", time.Since(t)),
		zap.Bool("cache_hit", cached))
}
