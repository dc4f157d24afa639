package core

import (
	"time"

	"go.uber.org/zap"
)

// initSchemaWatcher initializes the schema watcher
func (g *AggJin) initSchemaWatcher() error {
	gj := g.Load().(*aggjinEngine)

	// no schema polling in production
	if gj.prod {
		return nil
	}

	if gj.source == nil && len(gj.conf.SchemaFiles) == 0 {
		return nil
	}

	ps := gj.conf.SchemaPollDuration

	switch {
	case ps < (1 * time.Second):
		return nil

	case ps < (5 * time.Second):
		ps = 10 * time.Second
	}

	go func() {
		g.startSchemaWatcher(ps)
	}()
	return nil
}

// startSchemaWatcher starts the schema watcher
func (g *AggJin) startSchemaWatcher(ps time.Duration) {
	ticker := time.NewTicker(ps)
	defer ticker.Stop()

	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
		}

		if err := g.checkSchemas(); err != nil {
			gj := g.Load().(*aggjinEngine)
			gj.log.Warn("schema watcher", zap.Error(err))
		}
	}
}

// checkSchemas reloads the engine when the schemas changed
func (g *AggJin) checkSchemas() error {
	gj := g.Load().(*aggjinEngine)

	latest, err := gj.discover()
	if err != nil {
		return err
	}

	h, err := schemasHash(latest)
	if err != nil {
		return err
	}

	if h == gj.schemaHash {
		return nil
	}

	gj.log.Info("schema change detected, reinitializing")
	return g.reload(latest)
}
