package main

import (
	"context"

	"github.com/dosco/aggjin/core"
	"github.com/dosco/aggjin/core/sdata"
	"github.com/dosco/aggjin/mongodriver"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func introspectCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "introspect [collections...]",
		Short: "Generate a schema file from the database",
		Long: "Discover the schema of collections from their validators and a sample of " +
			"their documents and write it as a schema file",
		Run: cmdIntrospect,
	}
	c.Flags().Int("sample", 100, "number of documents sampled per collection")
	c.Flags().Int("concurrency", 4, "number of collections introspected at once")
	c.Flags().StringP("output", "o", "schemas.yml", "output file, relative to the config folder, or - for stdout")
	return c
}

func cmdIntrospect(cmd *cobra.Command, args []string) {
	setup(cpath)

	ctx := cmd.Context()

	client, db := connect(ctx)
	defer client.Disconnect(context.Background()) //nolint:errcheck

	in := mongodriver.NewIntrospector(db)
	in.Collections = args
	in.SampleSize, _ = cmd.Flags().GetInt("sample")
	in.Concurrency, _ = cmd.Flags().GetInt("concurrency")

	list, err := in.Schemas(ctx)
	if err != nil {
		log.Fatalf("Failed to introspect database: %s", err)
	}

	b, err := marshalSchemas(list)
	if err != nil {
		log.Fatal(err)
	}

	out, _ := cmd.Flags().GetString("output")
	if out == "-" {
		if _, err := cmd.OutOrStdout().Write(b); err != nil {
			log.Fatal(err)
		}
		return
	}

	if err := core.NewOsFS(config.ConfigPath).Put(out, b); err != nil {
		log.Fatalf("Failed to write schema file: %s", err)
	}
	log.Infof("Generated schema for %d collections: %s", len(list), config.AbsolutePath(out))
}

func marshalSchemas(list []sdata.Schema) ([]byte, error) {
	if list == nil {
		list = []sdata.Schema{}
	}
	return yaml.Marshal(list)
}
