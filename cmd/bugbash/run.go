package main

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dbsql-qa/definer-bugbash/pkg/config"
	"github.com/dbsql-qa/definer-bugbash/pkg/control"
	"github.com/dbsql-qa/definer-bugbash/pkg/core"
	"github.com/dbsql-qa/definer-bugbash/pkg/session"
)

// newManager is replaced in tests.
var newManager = session.NewManager

type runOptions struct {
	selectOptions
	report reportOptions

	concurrency int
	caller      string
	environment string
	prefix      string
	runID       string
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run cases against the SQL warehouse",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd)
		},
	}
	opts.selectOptions.bind(cmd)
	opts.report.bind(cmd)
	cmd.Flags().IntVarP(&opts.concurrency, "concurrency", "c", control.DefaultConcurrency, "number of workers")
	cmd.Flags().StringVar(&opts.caller, "caller", string(core.PrincipalUser), "principal the run acts as, user or service")
	cmd.Flags().StringVar(&opts.environment, "environment", string(core.EnvLocalWarehouse), "environment stamped on outcomes, local-warehouse or serverless-job")
	cmd.Flags().StringVar(&opts.prefix, "prefix", "", "prefix of every object a case creates, derived from the run id by default")
	cmd.Flags().StringVar(&opts.runID, "run-id", "", "run id of the report, generated by default")
	return cmd
}

func (o *runOptions) run(cmd *cobra.Command) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	zap.L().Info("configuration loaded", zap.Object("config", cfg))

	caller, err := core.ParsePrincipal(o.caller)
	if err != nil {
		return &core.ConfigurationError{Invalid: []string{err.Error()}}
	}
	if caller == core.PrincipalService {
		if err := cfg.RequireService(); err != nil {
			return err
		}
	}
	env := core.Environment(o.environment)
	if env != core.EnvLocalWarehouse && env != core.EnvServerlessJob {
		return &core.ConfigurationError{Invalid: []string{"--environment must be local-warehouse or serverless-job"}}
	}
	selected, err := o.load()
	if err != nil {
		return err
	}

	runID := o.runID
	if runID == "" {
		runID = uuid.New().String()
	}
	prefix := o.prefix
	if prefix == "" {
		prefix = objectPrefix(runID)
	}

	mgr := newManager(cfg)
	defer func() {
		if err := mgr.Close(); err != nil {
			zap.L().Warn("close session pools", zap.Error(err))
		}
	}()

	ctrl := control.NewController(&control.Config{
		RunID:       runID,
		Caller:      caller,
		Environment: env,
		Fixture:     fixture(cfg, prefix),
		Concurrency: o.concurrency,
	}, opener(mgr, cfg), control.NewPanicCheck(false), &control.LeakCheck{})

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	release := stopOnSignal(ctrl.Stop, cancel)
	defer release()

	report := ctrl.Run(ctx, selected, o.concurrency)
	return o.report.finish(ctx, cmd, cfg, report)
}

// objectPrefix keeps objects of concurrent runs apart in a shared schema.
func objectPrefix(runID string) string {
	id := strings.ReplaceAll(runID, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	return "bb_" + id + "_"
}

func fixture(cfg *config.Config, prefix string) core.Fixture {
	fx := core.Fixture{
		Catalog:         cfg.Catalog,
		Schema:          cfg.Schema,
		User:            cfg.User,
		ServiceIdentity: cfg.ServiceIdentity,
		Prefix:          prefix,
	}
	if cfg.Driver == config.DriverMySQL {
		fx.Catalog = ""
	}
	return fx
}

func opener(mgr *session.Manager, cfg *config.Config) control.Opener {
	return control.OpenFunc(func(ctx context.Context, p core.Principal) (control.Session, error) {
		s, err := mgr.Open(ctx, p, cfg.Catalog, cfg.Schema)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}
