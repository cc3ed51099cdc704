package main

import (
	"errors"
	"strings"

	"sql-agent/internal/orchestrator"

	"github.com/spf13/cobra"
)

func newSchemaCmd(a *agent) *cobra.Command {
	var describe bool
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Show tables, foreign keys and join hints of the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := a.pipeline.Schema(cmd.Context(), orchestrator.SchemaRequest{})
			if err != nil {
				return err
			}
			if describe {
				_, err := cmd.OutOrStdout().Write([]byte(info.Description + "\n"))
				return err
			}
			return render(cmd.OutOrStdout(), a.output, info)
		},
	}
	cmd.Flags().BoolVar(&describe, "describe", false, "Print the prompt description instead of structured output")
	return cmd
}

func newSuggestJoinCmd(a *agent) *cobra.Command {
	return &cobra.Command{
		Use:   "suggest-join TABLE",
		Short: "Synthesize a query joining a table to what it references",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			suggestion, err := a.pipeline.SuggestJoin(cmd.Context(), orchestrator.TableRequest{TableName: args[0]})
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), a.output, suggestion)
		},
	}
}

func newAdaptCmd(a *agent) *cobra.Command {
	return &cobra.Command{
		Use:   "adapt SQL",
		Short: "Repair table and column names in SQL without running it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vq, err := a.pipeline.Adapt(cmd.Context(), orchestrator.AdaptRequest{SQLQuery: strings.Join(args, " ")})
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), a.output, vq)
		},
	}
}

func newAskCmd(a *agent) *cobra.Command {
	var (
		model  string
		noJoin bool
	)
	cmd := &cobra.Command{
		Use:   "ask QUESTION",
		Short: "Generate SQL for a question, run it and resolve references",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			autoJoin := !noJoin
			resp := a.pipeline.Ask(cmd.Context(), orchestrator.AskRequest{
				Query:    strings.Join(args, " "),
				Model:    model,
				AutoJoin: &autoJoin,
			})
			return renderResponse(cmd, a.output, resp)
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "Generation model (default: generator.model)")
	cmd.Flags().BoolVar(&noJoin, "no-join", false, "Do not add joins along foreign keys")
	return cmd
}

func newDirectCmd(a *agent) *cobra.Command {
	return &cobra.Command{
		Use:   "direct SQL",
		Short: "Run caller-written SQL through adaptation, enrichment and recovery",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp := a.pipeline.DirectSQL(cmd.Context(), orchestrator.DirectRequest{SQLQuery: strings.Join(args, " ")})
			return renderResponse(cmd, a.output, resp)
		},
	}
}

func newNormalizedCmd(a *agent) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "normalized TABLE",
		Short: "Read rows of a table with their references resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp := a.pipeline.Normalized(cmd.Context(), orchestrator.NormalizedRequest{TableName: args[0], Limit: limit})
			return renderResponse(cmd, a.output, resp)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum rows (default: schema.normalized_limit)")
	return cmd
}

func newModelsCmd(a *agent) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the generator's models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			models, err := a.pipeline.Models(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), a.output, models)
		},
	}
}

// renderResponse prints the response even on failure, since it carries the
// attempted SQL, then reports the failure through the exit status.
func renderResponse(cmd *cobra.Command, format string, resp *orchestrator.Response) error {
	if err := render(cmd.OutOrStdout(), format, resp); err != nil {
		return err
	}
	if resp.Failure != orchestrator.FailureNone {
		return errors.New(resp.Error)
	}
	return nil
}
