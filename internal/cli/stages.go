package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/invisible-tech/insider-threat-pipeline/internal/pipeline"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run every stage in a new run directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := a.runner()
			if err != nil {
				return err
			}
			sum, err := r.Run(cmd.Context())
			if sum != nil {
				if perr := printJSON(cmd.OutOrStdout(), sum); perr != nil && err == nil {
					err = perr
				}
			}
			return err
		},
	}
}

func newIngestCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Ingest the raw release into a new run directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := a.runner()
			if err != nil {
				return err
			}
			run, err := r.Begin()
			if err != nil {
				return err
			}
			if _, err := r.Ingest(cmd.Context(), run); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), run.ID)
			return nil
		},
	}
}

// newStageCmd runs one later stage on an existing run, the latest by default.
func newStageCmd(a *app, stage, use, short string) *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := a.runner()
			if err != nil {
				return err
			}
			run, err := r.Resume(runID)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			var out any
			switch stage {
			case pipeline.StageFeatures:
				table, alerts, err := r.BuildFeatures(ctx, run)
				if err != nil {
					return err
				}
				out = map[string]any{"run_id": run.ID, "vectors": len(table.Vectors), "schema_version": table.Schema.Version, "alerts": len(alerts)}
			case pipeline.StageLabels:
				res, err := r.JoinLabels(ctx, run)
				if err != nil {
					return err
				}
				out = map[string]any{"run_id": run.ID, "stats": res.Stats}
			case pipeline.StageTrain:
				model, err := r.Train(ctx, run)
				if err != nil {
					return err
				}
				out = map[string]any{"run_id": run.ID, "model_id": model.ID, "kind": model.Kind, "threshold": model.Threshold}
			case pipeline.StageEvaluate:
				report, err := r.Evaluate(ctx, run)
				if err != nil {
					return err
				}
				out = report
			default:
				return fmt.Errorf("unknown stage %q", stage)
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id to operate on (default: latest run of the release)")
	return cmd
}
