package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/dosco/aggjin/core/sdata"
	"gopkg.in/yaml.v3"
)

const discoverTimeout = 30 * time.Second

// SchemaSource supplies collection schemas at runtime, for example by
// sampling the documents of a database.
type SchemaSource interface {
	Schemas(c context.Context) ([]sdata.Schema, error)
}

// initSchemas loads the schemas unless they were handed over by the
// watcher.
func (gj *aggjinEngine) initSchemas() (err error) {
	if gj.schemas == nil {
		if gj.schemas, err = gj.discover(); err != nil {
			return
		}
	}
	gj.schemaHash, err = schemasHash(gj.schemas)
	return
}

// discover merges the schemas of the source, the schema files and the
// config. Later ones replace earlier ones of the same name.
func (gj *aggjinEngine) discover() ([]sdata.Schema, error) {
	var list []sdata.Schema

	if gj.source != nil {
		c, cancel := context.WithTimeout(context.Background(), discoverTimeout)
		defer cancel()

		v, err := gj.source.Schemas(c)
		if err != nil {
			return nil, fmt.Errorf("schema source: %w", err)
		}
		list = append(list, v...)
	}

	for _, f := range gj.conf.SchemaFiles {
		v, err := readSchemaFile(gj.fs, f)
		if err != nil {
			return nil, err
		}
		list = append(list, v...)
	}

	list = append(list, gj.conf.Collections...)
	return mergeSchemas(list), nil
}

func readSchemaFile(fs FS, path string) ([]sdata.Schema, error) {
	if fs == nil {
		return nil, fmt.Errorf("schema file %s: no file system", path)
	}
	b, err := fs.Get(path)
	if err != nil {
		return nil, fmt.Errorf("schema file %s: %w", path, err)
	}

	var list []sdata.Schema
	if err := yaml.Unmarshal(b, &list); err != nil {
		return nil, fmt.Errorf("schema file %s: %w", path, err)
	}
	return list, nil
}

func mergeSchemas(list []sdata.Schema) []sdata.Schema {
	ret := make([]sdata.Schema, 0, len(list))
	index := make(map[string]int, len(list))

	for _, s := range list {
		if i, ok := index[s.Name]; ok {
			ret[i] = s
			continue
		}
		index[s.Name] = len(ret)
		ret = append(ret, s)
	}
	return ret
}

func schemasHash(list []sdata.Schema) (string, error) {
	b, err := yaml.Marshal(list)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:]), nil
}
