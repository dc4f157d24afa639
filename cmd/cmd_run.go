package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dosco/aggjin/conf"
	"github.com/dosco/aggjin/core"
	"github.com/dosco/aggjin/mongodriver"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"gopkg.in/yaml.v3"
)

const defaultQueryTimeout = 30 * time.Second

func runCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "run <query-file>",
		Short: "Run a query against the database",
		Long:  "Run a YAML query file against the database and print one result per line",
		Args:  cobra.ExactArgs(1),
		Run:   cmdRun,
	}
	c.Flags().StringToString("var", nil, "set a query variable, values are parsed as YAML")
	c.Flags().Bool("introspect", false, "discover collection schemas from the database")
	c.Flags().Duration("timeout", 0, "query timeout (default 30s or the timeout in the query file)")
	return c
}

func cmdRun(cmd *cobra.Command, args []string) {
	setup(cpath)

	q, err := conf.ReadQuery(afero.NewOsFs(), queryFile(args[0]))
	if err != nil {
		log.Fatal(err)
	}

	flagVars, _ := cmd.Flags().GetStringToString("var")
	vars, err := mergeVars(q.Vars, flagVars)
	if err != nil {
		log.Fatal(err)
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	if timeout == 0 {
		timeout = q.Timeout
	}
	if timeout == 0 {
		timeout = defaultQueryTimeout
	}

	ctx := cmd.Context()

	client, db := connect(ctx)
	defer client.Disconnect(context.Background()) //nolint:errcheck

	var opts []core.Option
	if in, _ := cmd.Flags().GetBool("introspect"); in {
		opts = append(opts, core.OptionSetSchemaSource(mongodriver.NewIntrospector(db)))
	}

	aj := newEngine(mongodriver.NewSink(db), opts...)
	defer aj.Close()

	c, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	n, err := run(c, aj, q, vars, cmd.OutOrStdout())
	if err != nil {
		log.Fatalf("Query failed: %s", err)
	}
	log.Debugf("%d results in %s", n, time.Since(start))
}

// run executes the query and writes each result to w
func run(c context.Context, aj *core.AggJin, q *conf.Query, vars map[string]any, w io.Writer) (int, error) {
	res, err := aj.Execute(c, q.Expr, &core.RequestConfig{Vars: vars})
	if err != nil {
		return 0, err
	}
	defer res.Close(c) //nolint:errcheck

	if res.IsScalar() {
		return 1, printValue(w, res.Scalar())
	}

	n := 0
	for res.Next(c) {
		if err := printValue(w, res.Value()); err != nil {
			return n, err
		}
		n++
	}
	return n, res.Err()
}

// printValue writes documents as relaxed extended JSON and other values as
// JSON
func printValue(w io.Writer, v any) error {
	b, err := bson.MarshalExtJSON(v, false, false)
	if err != nil {
		if b, err = json.Marshal(v); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "%s\n", b)
	return err
}

// mergeVars overrides the query variables with the flag values
func mergeVars(vars map[string]any, flags map[string]string) (map[string]any, error) {
	ret := make(map[string]any, len(vars)+len(flags))
	for k, v := range vars {
		ret[k] = v
	}

	for k, s := range flags {
		var v any
		if err := yaml.Unmarshal([]byte(s), &v); err != nil {
			return nil, fmt.Errorf("variable %s: %w", k, err)
		}
		ret[k] = v
	}
	return ret, nil
}

// connect opens the database set in the config
func connect(c context.Context) (*mongo.Client, *mongo.Database) {
	cc := config.Connection

	if cc.Database == "" {
		log.Fatal("connection.database is not set")
	}

	client, err := mongodriver.Connect(c, cc.URI, cc.ConnectTimeout)
	if err != nil {
		log.Fatalf("Failed to connect to database: %s", err)
	}
	return client, client.Database(cc.Database)
}
