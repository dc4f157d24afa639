package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"runtime"

	"github.com/dosco/aggjin/conf"
	"github.com/dosco/aggjin/core"
	otelplugin "github.com/dosco/aggjin/plugin/otel"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// These variables are set using -ldflags
	version string
	commit  string
	date    string
)

var (
	log    *zap.SugaredLogger
	zlog   *zap.Logger
	config *conf.Config
	cpath  string
)

// Cmd is the entry point for the CLI
func Cmd() {
	zlog = conf.NewLogger(false, zapcore.InfoLevel, os.Stderr)
	log = zlog.Sugar()

	cobra.EnableCommandSorting = false
	rootCmd := &cobra.Command{
		Use:   "aggjin",
		Short: BuildDetails(),
	}

	rootCmd.PersistentFlags().StringVar(&cpath,
		"path", "./config", "path to config files")

	rootCmd.AddCommand(explainCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(introspectCmd())
	rootCmd.AddCommand(versionCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Fatalf("%s", err)
	}
}

// setup is a helper function to read the config file
func setup(cpath string) {
	if config != nil {
		return
	}

	cp, err := filepath.Abs(cpath)
	if err != nil {
		log.Fatal(err)
	}

	cn := conf.GetConfigName()

	// without a config folder the defaults are used
	if _, err := os.Stat(cp); os.IsNotExist(err) {
		if config, err = conf.NewConfig("", "yaml"); err != nil {
			log.Fatal(err)
		}
		config.ConfigPath = cp
		log.Infof("No config found at %s, using defaults", cp)
	} else if config, err = conf.ReadInConfig(path.Join(cp, cn)); err != nil {
		log.Fatal(err)
	}

	if zlog, err = config.Logger(os.Stderr); err != nil {
		log.Fatal(err)
	}
	log = zlog.Sugar()
}

// newEngine creates the query engine from the config
func newEngine(sink core.Sink, options ...core.Option) *core.AggJin {
	opts := []core.Option{
		core.OptionSetLogger(zlog),
		core.OptionSetTrace(otelplugin.NewTracer()),
	}
	opts = append(opts, options...)

	aj, err := core.NewAggJin(config.Core(), sink, opts...)
	if err != nil {
		log.Fatalf("Failed to initialize: %s", err)
	}
	return aj
}

// queryFile resolves a query file name. Relative names that do not exist
// are looked up in the query folder.
func queryFile(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	if _, err := os.Stat(name); err == nil {
		return name
	}
	return filepath.Join(config.AbsolutePath(config.QueryPath), name)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), BuildDetails())
		},
	}
}

// BuildDetails returns the version, commit and build date
func BuildDetails() string {
	if version == "" {
		return "AggJin (unknown version)"
	}

	return fmt.Sprintf(`AggJin %s
For documentation, visit https://github.com/dosco/aggjin

Commit SHA-1          : %s
Commit timestamp      : %s
Go version            : %s
`,
		version,
		commit,
		date,
		runtime.Version())
}
