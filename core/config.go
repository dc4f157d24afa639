package core

import (
	"fmt"
	"time"

	"github.com/dosco/aggjin/core/sdata"
)

const defaultCacheSize = 5000

// Configuration for the aggjin engine
type Config struct {
	// Is this a production environment. Schema polling is disabled in
	// production.
	Production bool `mapstructure:"production" json:"production" yaml:"production"`

	// Debug adds the rendered stages to the logs of failed executions
	Debug bool `mapstructure:"debug" json:"debug" yaml:"debug"`

	// DisableCache turns off the execution-model cache
	DisableCache bool `mapstructure:"disable_cache" json:"disable_cache" yaml:"disable_cache"`

	// CacheSize is the number of execution models kept. Defaults to 5000.
	CacheSize int `mapstructure:"cache_size" json:"cache_size" yaml:"cache_size"`

	// AllowDiskUse lets the server write temporary files for large sorts
	// and groups
	AllowDiskUse bool `mapstructure:"allow_disk_use" json:"allow_disk_use" yaml:"allow_disk_use"`

	// BatchSize is the number of documents per cursor batch. Zero leaves
	// it to the server.
	BatchSize int32 `mapstructure:"batch_size" json:"batch_size" yaml:"batch_size"`

	// Comment is attached to every aggregate command sent
	Comment string `mapstructure:"comment" json:"comment" yaml:"comment"`

	// SchemaPollDuration is how often declared schemas are re-read to pick
	// up changes. Anything below a second disables polling.
	SchemaPollDuration time.Duration `mapstructure:"schema_poll_duration" json:"schema_poll_duration" yaml:"schema_poll_duration"`

	// Vars are query variables available to every query. Request variables
	// of the same name take precedence.
	Vars map[string]any `mapstructure:"variables" json:"variables" yaml:"variables"`

	// Collections declares the shape of collections queried with dynamic
	// documents
	Collections []Collection `mapstructure:"collections" json:"collections" yaml:"collections"`

	// SchemaFiles are YAML files, read from the engine's FS, each holding
	// a list of collections
	SchemaFiles []string `mapstructure:"schema_files" json:"schema_files" yaml:"schema_files"`

	// FS is the file system used to read schema files. When nil the config
	// folder of the working directory is used.
	FS any `mapstructure:"-" json:"-" yaml:"-"`
}

// Collection declares the fields of a collection
type Collection = sdata.Schema

// Field declares a field of a collection
type Field = sdata.SchemaField

// RequestConfig is used to pass request specific config values to the
// BuildExecutionModel and Execute functions
type RequestConfig struct {
	// Vars are query variables for this request
	Vars map[string]any
}

func (rc *RequestConfig) vars() map[string]any {
	if rc == nil {
		return nil
	}
	return rc.Vars
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.CacheSize < 0 {
		return fmt.Errorf("cache_size: must not be negative: %d", c.CacheSize)
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("batch_size: must not be negative: %d", c.BatchSize)
	}
	if c.SchemaPollDuration < 0 {
		return fmt.Errorf("schema_poll_duration: must not be negative: %s", c.SchemaPollDuration)
	}

	seen := make(map[string]struct{}, len(c.Collections))
	for i, col := range c.Collections {
		if col.Name == "" {
			return fmt.Errorf("collections[%d]: name is required", i)
		}
		if _, ok := seen[col.Name]; ok {
			return fmt.Errorf("collections: duplicate collection %q", col.Name)
		}
		seen[col.Name] = struct{}{}
	}
	return nil
}

func (c *Config) cacheSize() int {
	if c.CacheSize == 0 {
		return defaultCacheSize
	}
	return c.CacheSize
}
