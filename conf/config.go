// Package conf loads the aggjin configuration and query files.
package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dosco/aggjin/core"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

// Config is the configuration of the aggjin CLI. The engine settings are
// inlined at the top level.
type Config struct {
	core.Config `mapstructure:",squash" yaml:",inline"`

	// Connection to the MongoDB server
	Connection Connection `mapstructure:"connection" json:"connection" yaml:"connection"`

	// LogLevel is one of debug, info, warn or error
	LogLevel string `mapstructure:"log_level" json:"log_level" yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`

	// LogFormat is json or console
	LogFormat string `mapstructure:"log_format" json:"log_format" yaml:"log_format" validate:"omitempty,oneof=json console"`

	// QueryPath is the folder query files are read from
	QueryPath string `mapstructure:"query_path" json:"query_path" yaml:"query_path"`

	// ConfigPath is the folder the config file was read from
	ConfigPath string `mapstructure:"-" json:"-" yaml:"-"`

	viper *viper.Viper
}

// Connection holds the settings used to connect to MongoDB
type Connection struct {
	URI            string        `mapstructure:"uri" json:"uri" yaml:"uri" validate:"required,startswith=mongodb"`
	Database       string        `mapstructure:"database" json:"database" yaml:"database"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" json:"connect_timeout" yaml:"connect_timeout" validate:"gte=0"`
}

var validate = validator.New()

// ReadInConfig reads in the config file. Values can be overridden by
// environment variables prefixed with AJ_, for example
// AJ_CONNECTION_URI.
func ReadInConfig(configFile string) (*Config, error) {
	return readInConfig(configFile, nil)
}

// ReadInConfigFS is the same as ReadInConfig but it also takes a filesytem as an argument
func ReadInConfigFS(configFile string, fs afero.Fs) (*Config, error) {
	return readInConfig(configFile, fs)
}

func readInConfig(configFile string, fs afero.Fs) (*Config, error) {
	cp := filepath.Dir(configFile)
	vi := newViper(cp, filepath.Base(configFile))

	if fs != nil {
		vi.SetFs(fs)
	}

	if err := vi.ReadInConfig(); err != nil {
		return nil, err
	}

	c := &Config{viper: vi}

	if err := vi.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to decode config, %v", err)
	}
	c.ConfigPath = cp

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// NewConfig creates a configuration from the provided config string
func NewConfig(config, format string) (*Config, error) {
	if format == "" {
		format = "yaml"
	}

	vi := newViperWithDefaults()
	vi.SetConfigType(format)

	if err := vi.ReadConfig(strings.NewReader(config)); err != nil {
		return nil, err
	}

	c := &Config{viper: vi}

	if err := vi.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to decode config, %v", err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if err := c.Config.Validate(); err != nil {
		return err
	}

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Core returns the engine configuration. Relative schema files are read
// from the config folder.
func (c *Config) Core() *core.Config {
	cc := c.Config
	if cc.FS == nil && c.ConfigPath != "" {
		cc.FS = core.NewOsFS(c.ConfigPath)
	}
	return &cc
}

// AbsolutePath returns the path relative to the config folder
func (c *Config) AbsolutePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.ConfigPath, p)
}

// Viper returns the viper instance the config was read with
func (c *Config) Viper() *viper.Viper {
	return c.viper
}

// newViperWithDefaults returns a new viper instance with the default settings
func newViperWithDefaults() *viper.Viper {
	vi := viper.New()

	vi.SetDefault("production", false)
	vi.SetDefault("cache_size", 5000)
	vi.SetDefault("batch_size", 0)
	vi.SetDefault("allow_disk_use", false)
	vi.SetDefault("schema_poll_duration", "0s")

	vi.SetDefault("connection.uri", "mongodb://localhost:27017")
	vi.SetDefault("connection.database", "")
	vi.SetDefault("connection.connect_timeout", "10s")

	vi.SetDefault("log_level", "info")
	vi.SetDefault("log_format", "console")
	vi.SetDefault("query_path", "./queries")

	vi.SetEnvPrefix("AJ")
	vi.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vi.AutomaticEnv()

	return vi
}

// newViper returns a new viper instance with the default settings
func newViper(configPath, configFile string) *viper.Viper {
	vi := newViperWithDefaults()
	vi.SetConfigName(strings.TrimSuffix(configFile, filepath.Ext(configFile)))

	if configPath == "" {
		vi.AddConfigPath("./config")
	} else {
		vi.AddConfigPath(configPath)
	}

	return vi
}

// GetConfigName returns the name of the config file for the environment
// set in GO_ENV
func GetConfigName() string {
	goEnv := strings.TrimSpace(strings.ToLower(os.Getenv("GO_ENV")))

	switch goEnv {
	case "production", "prod":
		return "prod"

	case "staging", "stage":
		return "stage"

	case "testing", "test":
		return "test"

	case "development", "dev", "":
		return "dev"

	default:
		return goEnv
	}
}
