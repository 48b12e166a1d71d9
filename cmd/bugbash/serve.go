package main

import (
	"context"
	"os"

	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"github.com/dbsql-qa/definer-bugbash/pkg/apiserver"
	"github.com/dbsql-qa/definer-bugbash/pkg/core"
	"github.com/dbsql-qa/definer-bugbash/pkg/store"
)

func newServeCmd() *cobra.Command {
	var (
		addr    string
		dialect string
		dsn     string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the results database over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				dsn = os.Getenv("RESULTS_DB_DSN")
			}
			if dialect == "" {
				dialect = os.Getenv("RESULTS_DB_DIALECT")
			}
			if dialect == "" {
				dialect = "mysql"
			}
			if dsn == "" {
				return &core.ConfigurationError{Missing: []string{"RESULTS_DB_DSN"}}
			}
			db, err := store.Open(dialect, dsn)
			if err != nil {
				return errors.Trace(err)
			}
			defer db.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			release := stopOnSignal(cancel, cancel)
			defer release()
			return apiserver.New(db).Run(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&dialect, "db-dialect", "", "results database dialect, mysql or sqlite3 (RESULTS_DB_DIALECT)")
	cmd.Flags().StringVar(&dsn, "db-dsn", "", "results database DSN (RESULTS_DB_DSN)")
	return cmd
}
