package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/dosco/aggjin/conf"
	"github.com/dosco/aggjin/core"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

func explainCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "explain <query-file>",
		Short: "Print the aggregation pipeline of a query",
		Long:  "Compile a YAML query file and print the MongoDB aggregation pipeline it translates to",
		Args:  cobra.ExactArgs(1),
		Run:   cmdExplain,
	}
	c.Flags().Bool("watch", false, "print the pipeline again when the query file changes")
	return c
}

func cmdExplain(cmd *cobra.Command, args []string) {
	setup(cpath)

	watch, _ := cmd.Flags().GetBool("watch")

	aj := newEngine(nil)
	defer aj.Close()

	fs := afero.NewOsFs()
	file := queryFile(args[0])
	out := cmd.OutOrStdout()

	if err := explain(aj, fs, file, out); err != nil {
		if !watch {
			log.Fatal(err)
		}
		log.Error(err)
	}

	if !watch {
		return
	}

	log.Infof("Watching %s", file)

	err := watchFile(cmd.Context(), file, func() {
		if err := explain(aj, fs, file, out); err != nil {
			log.Error(err)
		}
	})
	if err != nil {
		log.Fatal(err)
	}
}

// explain writes the pipeline of the query file to w
func explain(aj *core.AggJin, fs afero.Fs, file string, w io.Writer) error {
	q, err := conf.ReadQuery(fs, file)
	if err != nil {
		return err
	}

	m, err := aj.BuildExecutionModel(q.Expr, &core.RequestConfig{Vars: q.Vars})
	if err != nil {
		return err
	}

	s, err := core.PrettyStagesJSON(m.Stages)
	if err != nil {
		return err
	}

	coll := m.Collection
	if coll == "" {
		coll = "$documents"
	}

	_, err = fmt.Fprintf(w, "# %s\ndb.%s.aggregate(%s)\n", filepath.Base(file), coll, s)
	return err
}

// watchFile calls fn each time the file is written until c is done
func watchFile(c context.Context, file string, fn func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close() //nolint:errcheck

	// editors often replace the file so the folder is watched
	if err := w.Add(filepath.Dir(file)); err != nil {
		return err
	}
	file = filepath.Clean(file)

	for {
		select {
		case <-c.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != file {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				fn()
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warnf("Watcher: %s", err)
		}
	}
}
