package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/invisible-tech/insider-threat-pipeline/internal/watch"
)

func newWatchCmd(a *app) *cobra.Command {
	var runOnStart bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-run the pipeline whenever the raw release changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := a.runner()
			if err != nil {
				return err
			}
			w, err := watch.New(watch.Config{
				WatchPaths: []string{a.cfg.ReleaseDir()},
				Debounce:   a.cfg.Watch.Debounce,
				RunOnStart: runOnStart || a.cfg.Watch.RunOnStart,
			}, r, a.log)
			if err != nil {
				return err
			}
			err = w.Start(cmd.Context())
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if serr := w.Shutdown(shutdownCtx); serr != nil && err == nil {
				err = serr
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&runOnStart, "run-on-start", false, "run the pipeline once before waiting for changes")
	return cmd
}
