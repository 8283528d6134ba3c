package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Limetric/dbferry/internal/model"
)

func newAnalyzeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analyze [config.toml]",
		Short: "Introspect the source and report schema findings",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app) error {
			p, err := a.project(cmd.Context())
			if err != nil {
				return err
			}
			res, err := a.orch.Analyze(cmd.Context(), p.ID)
			if err != nil {
				return err
			}
			printAnalysis(cmd.OutOrStdout(), res)
			return nil
		}),
	}
}

func newPlanCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "plan [config.toml]",
		Short: "Generate a migration plan, analyzing the source first if needed",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app) error {
			ctx := cmd.Context()
			p, err := a.project(ctx)
			if err != nil {
				return err
			}
			if p.Analysis == nil {
				if _, err := a.orch.Analyze(ctx, p.ID); err != nil {
					return err
				}
			}
			plan, err := a.orch.Plan(ctx, p.ID)
			if err != nil {
				return err
			}
			printPlan(cmd.OutOrStdout(), plan)
			if out == "" {
				return nil
			}
			data, err := json.MarshalIndent(plan, "", "  ")
			if err != nil {
				return fmt.Errorf("encode plan: %w", err)
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return fmt.Errorf("write plan: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "plan written to %s\n", out)
			return nil
		}),
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "also write the plan as JSON to this file")
	return cmd
}

func newRunCmd() *cobra.Command {
	var compatDoc string
	cmd := &cobra.Command{
		Use:   "run [config.toml]",
		Short: "Run every remaining stage of the project",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app) error {
			p, err := a.project(cmd.Context())
			if err != nil {
				return err
			}
			p, err = a.orch.Run(cmd.Context(), p.ID)
			return finish(cmd, p, compatDoc, err)
		}),
	}
	cmd.Flags().StringVar(&compatDoc, "compat-doc", "", "write the compatibility layer document to this file")
	return cmd
}

func newResumeCmd() *cobra.Command {
	var compatDoc string
	cmd := &cobra.Command{
		Use:   "resume [config.toml]",
		Short: "Restart the stage a failed or cancelled project stopped in",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app) error {
			p, err := a.find(cmd.Context())
			if err != nil {
				return err
			}
			if p == nil {
				return fmt.Errorf("no project named %q; run it first", a.cfg.Name)
			}
			p, err = a.orch.Resume(cmd.Context(), p.ID)
			return finish(cmd, p, compatDoc, err)
		}),
	}
	cmd.Flags().StringVar(&compatDoc, "compat-doc", "", "write the compatibility layer document to this file")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var logs bool
	cmd := &cobra.Command{
		Use:   "status [config.toml]",
		Short: "Show the project's status and latest results",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app) error {
			p, err := a.find(cmd.Context())
			if err != nil {
				return err
			}
			if p == nil {
				return fmt.Errorf("no project named %q", a.cfg.Name)
			}
			printStatus(cmd.OutOrStdout(), p)
			if !logs {
				return nil
			}
			entries, err := a.orch.Logs(cmd.Context(), p.ID)
			if err != nil {
				return err
			}
			printLogs(cmd.OutOrStdout(), entries)
			return nil
		}),
	}
	cmd.Flags().BoolVar(&logs, "logs", false, "include the project log")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dbferry %s\n", versionString())
		},
	}
}

// finish prints the outcome of run or resume. The project is printed even
// when a stage failed.
func finish(cmd *cobra.Command, p *model.ConversionProject, compatDoc string, err error) error {
	if p != nil {
		printStatus(cmd.OutOrStdout(), p)
		if compatDoc != "" && p.Compatibility != nil {
			if werr := os.WriteFile(compatDoc, []byte(p.Compatibility.Document), 0o644); werr != nil {
				return fmt.Errorf("write compatibility document: %w", werr)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "compatibility document written to %s\n", compatDoc)
		}
	}
	return err
}
