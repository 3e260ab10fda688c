package cli

import (
	"github.com/spf13/cobra"

	"github.com/invisible-tech/insider-threat-pipeline/internal/jobspec"
)

func newJobCmd(a *app) *cobra.Command {
	var withConfigMap bool
	cmd := &cobra.Command{
		Use:   "job [command]",
		Short: "Render a Kubernetes Job manifest running a pipeline command",
		Long: `Prints a batch/v1 Job (and by default the ConfigMap holding the
resolved configuration) that runs the given command, "run" when omitted.
Pipe the output to kubectl apply -f -.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			command := "run"
			if len(args) == 1 {
				command = args[0]
			}
			job, err := jobspec.BuildJob(a.cfg, command)
			if err != nil {
				return err
			}
			objects := []any{job}
			if withConfigMap {
				cm, err := jobspec.BuildConfigMap(a.cfg)
				if err != nil {
					return err
				}
				objects = []any{cm, job}
			}
			out, err := jobspec.Render(objects...)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().BoolVar(&withConfigMap, "with-configmap", true, "also render the configuration ConfigMap")
	return cmd
}
