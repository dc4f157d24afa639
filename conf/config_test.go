package conf

import (
	"bytes"
	"testing"
	"time"

	"github.com/dosco/aggjin/core"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

const devConfig = `
production: true
cache_size: 100
allow_disk_use: true
batch_size: 50
schema_poll_duration: 30s
log_level: debug

variables:
  region: eu

connection:
  uri: mongodb://mongo:27017
  database: shop
  connect_timeout: 5s

collections:
  - name: orders
    fields:
      - name: _id
        type: objectId
      - name: total
        type: double
      - name: note
        type: string
        nullable: true
`

func writeConfig(t *testing.T, fs afero.Fs, path, data string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, path, []byte(data), 0o600))
}

func TestReadInConfig(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeConfig(t, fs, "/config/dev.yml", devConfig)

	c, err := ReadInConfigFS("/config/dev.yml", fs)
	require.NoError(t, err)

	assert.True(t, c.Production)
	assert.Equal(t, 100, c.CacheSize)
	assert.True(t, c.AllowDiskUse)
	assert.Equal(t, int32(50), c.BatchSize)
	assert.Equal(t, 30*time.Second, c.SchemaPollDuration)
	assert.Equal(t, map[string]any{"region": "eu"}, c.Vars)

	assert.Equal(t, Connection{
		URI:            "mongodb://mongo:27017",
		Database:       "shop",
		ConnectTimeout: 5 * time.Second,
	}, c.Connection)

	assert.Equal(t, "debug", c.LogLevel)
	assert.Equal(t, "console", c.LogFormat)
	assert.Equal(t, "/config", c.ConfigPath)

	require.Len(t, c.Collections, 1)
	assert.Equal(t, core.Collection{Name: "orders", Fields: []core.Field{
		{Name: "_id", Type: "objectId"},
		{Name: "total", Type: "double"},
		{Name: "note", Type: "string", Nullable: true},
	}}, c.Collections[0])

	assert.Equal(t, "/config/queries/top.yml", c.AbsolutePath("queries/top.yml"))
	assert.Equal(t, "/tmp/top.yml", c.AbsolutePath("/tmp/top.yml"))
	assert.NotNil(t, c.Viper())
}

func TestReadInConfigDefaults(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeConfig(t, fs, "/config/dev.yml", "debug: true\n")

	c, err := ReadInConfigFS("/config/dev.yml", fs)
	require.NoError(t, err)

	assert.True(t, c.Debug)
	assert.Equal(t, 5000, c.CacheSize)
	assert.Equal(t, "mongodb://localhost:27017", c.Connection.URI)
	assert.Equal(t, 10*time.Second, c.Connection.ConnectTimeout)
	assert.Equal(t, "info", c.LogLevel)
	assert.Equal(t, "./queries", c.QueryPath)
}

func TestReadInConfigEnv(t *testing.T) {
	t.Setenv("AJ_CONNECTION_URI", "mongodb://db:27017")
	t.Setenv("AJ_CACHE_SIZE", "42")

	fs := afero.NewMemMapFs()
	writeConfig(t, fs, "/config/dev.yml", devConfig)

	c, err := ReadInConfigFS("/config/dev.yml", fs)
	require.NoError(t, err)

	assert.Equal(t, "mongodb://db:27017", c.Connection.URI)
	assert.Equal(t, 42, c.CacheSize)
}

func TestReadInConfigErrors(t *testing.T) {
	fs := afero.NewMemMapFs()

	_, err := ReadInConfigFS("/config/dev.yml", fs)
	assert.Error(t, err)

	tests := []struct {
		name string
		data string
	}{
		{name: "negative cache", data: "cache_size: -1\n"},
		{name: "log format", data: "log_format: xml\n"},
		{name: "log level", data: "log_level: loud\n"},
		{name: "connection uri", data: "connection:\n  uri: http://localhost\n"},
		{name: "duplicate collection", data: "collections:\n  - name: a\n  - name: a\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writeConfig(t, fs, "/config/bad.yml", tt.data)
			_, err := ReadInConfigFS("/config/bad.yml", fs)
			assert.Error(t, err)
		})
	}
}

func TestNewConfig(t *testing.T) {
	c, err := NewConfig(`{"cache_size": 10, "log_format": "json"}`, "json")
	require.NoError(t, err)
	assert.Equal(t, 10, c.CacheSize)
	assert.Equal(t, "json", c.LogFormat)

	// engine config without a config folder keeps the default file system
	assert.Nil(t, c.Core().FS)
}

func TestGetConfigName(t *testing.T) {
	tests := []struct {
		env string
		exp string
	}{
		{env: "", exp: "dev"},
		{env: "development", exp: "dev"},
		{env: "PRODUCTION", exp: "prod"},
		{env: "stage", exp: "stage"},
		{env: "test", exp: "test"},
		{env: "qa", exp: "qa"},
	}

	for _, tt := range tests {
		t.Setenv("GO_ENV", tt.env)
		assert.Equal(t, tt.exp, GetConfigName(), tt.env)
	}
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer

	c := &Config{LogLevel: "warn", LogFormat: "json"}
	log, err := c.Logger(zapcore.AddSync(&buf))
	require.NoError(t, err)

	log.Info("hidden")
	log.Warn("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"level":"warn"`)

	buf.Reset()
	NewLogger(false, zapcore.DebugLevel, zapcore.AddSync(&buf)).Debug("console")
	assert.Contains(t, buf.String(), "console")

	_, err = (&Config{LogLevel: "loud"}).Logger(zapcore.AddSync(&buf))
	assert.Error(t, err)
}
