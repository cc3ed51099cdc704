package main

import (
	"errors"
	"fmt"
	"os"

	"sql-agent/internal/config"
	"sql-agent/internal/connreg"
	"sql-agent/internal/generator"
	"sql-agent/internal/logging"
	"sql-agent/internal/orchestrator"
	"sql-agent/internal/schemacache"

	"github.com/spf13/cobra"
)

// agent holds what every subcommand runs against. It is built in the root's
// PersistentPreRunE and torn down in PersistentPostRunE.
type agent struct {
	output   string
	cfg      *config.Config
	registry *connreg.Registry
	pipeline *orchestrator.Orchestrator
}

func newRootCmd() *cobra.Command {
	a := &agent{}

	root := &cobra.Command{
		Use:           "sqlagent",
		Short:         "Ask questions of a SQL database and repair the SQL it runs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}

	flags := root.PersistentFlags()
	config.DefineFlags(flags)
	flags.StringVarP(&a.output, "output", "o", formatYAML, "Output format (yaml, json)")

	root.AddCommand(
		newSchemaCmd(a),
		newSuggestJoinCmd(a),
		newAdaptCmd(a),
		newAskCmd(a),
		newDirectCmd(a),
		newNormalizedCmd(a),
		newModelsCmd(a),
	)
	return root
}

func (a *agent) open(cmd *cobra.Command) error {
	if a.output != formatYAML && a.output != formatJSON {
		return fmt.Errorf("unsupported output format %q (use yaml or json)", a.output)
	}

	cfg, err := config.LoadFlags(cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if result := cfg.Validate(); result.HasErrors() {
		return errors.New(result.Error())
	}

	defaultDB := cfg.Database.ConnectionConfig()
	if defaultDB == nil {
		return errors.New("database.database is required")
	}

	// Logs go to stderr so stdout stays machine-readable.
	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
		Output: os.Stderr,
	})

	a.cfg = cfg
	a.registry = connreg.NewRegistry(connreg.Options{
		Pool:             cfg.Database.PoolSettings(),
		StatementTimeout: cfg.Database.StatementTimeout,
		RetryTimeout:     cfg.Database.ConnectionTimeout,
		RetryInterval:    cfg.Database.ConnectionRetryInterval,
		Logger:           logger,
	})
	a.pipeline = orchestrator.New(orchestrator.Options{
		Registry:        a.registry,
		Schemas:         schemacache.New(schemacache.Config{Logger: logger}),
		Generator:       generator.NewClient(cfg.Generator),
		DefaultDatabase: defaultDB,
		Logger:          logger,
		FallbackLimit:   cfg.Schema.FallbackLimit,
		NormalizedLimit: cfg.Schema.NormalizedLimit,
		MaxCollection:   cfg.Schema.MaxCollection,
		MaxInClause:     cfg.Schema.MaxInClause,
	})
	return nil
}

func (a *agent) close() error {
	if a.registry == nil {
		return nil
	}
	return a.registry.Close()
}
