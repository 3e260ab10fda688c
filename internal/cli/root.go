// Package cli implements the pipeline command line.
package cli

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/invisible-tech/insider-threat-pipeline/internal/config"
	"github.com/invisible-tech/insider-threat-pipeline/internal/logging"
	"github.com/invisible-tech/insider-threat-pipeline/internal/pipeline"
	"github.com/invisible-tech/insider-threat-pipeline/internal/version"
)

// app carries the state shared by the subcommands once the persistent
// flags have been parsed.
type app struct {
	v          *viper.Viper
	configPath string
	cfg        config.Config
	log        *logrus.Logger
}

// NewRootCommand builds the pipeline command tree.
func NewRootCommand() *cobra.Command {
	a := &app{v: config.NewViper()}
	root := &cobra.Command{
		Use:   "pipeline",
		Short: "Offline insider threat detection pipeline for the CERT dataset",
		Long: `Turns the raw logon, device, email, file and http logs of a CERT
release into entity-day feature vectors, joins the insider ground truth,
trains a detector and evaluates it on a held-out period. Every stage writes
its artifacts into a versioned run directory.`,
		Version:           version.Version,
		SilenceUsage:      true,
		PersistentPreRunE: a.load,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetVersionTemplate(fmt.Sprintf("pipeline version %s\n", version.Version))

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", config.GetEnv("ITP_CONFIG", ""), "path to the YAML configuration file")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("release", "", "CERT release to process, e.g. r4.2")
	// BindPFlag only fails on a nil flag.
	_ = a.v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = a.v.BindPFlag("dataset.release", flags.Lookup("release"))

	root.AddCommand(
		newRunCmd(a),
		newIngestCmd(a),
		newStageCmd(a, pipeline.StageFeatures, "features", "Build entity-day features, narratives and alerts from ingested events"),
		newStageCmd(a, pipeline.StageLabels, "label", "Join ground-truth labels onto the feature table"),
		newStageCmd(a, pipeline.StageTrain, "train", "Split the labeled examples and train the configured model"),
		newStageCmd(a, pipeline.StageEvaluate, "evaluate", "Evaluate the trained model on the held-out examples"),
		newJobCmd(a),
		newWatchCmd(a),
		newVersionCmd(),
	)
	return root
}

func (a *app) load(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadWith(a.v, a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = logging.NewWithWriter(cfg.Log, cmd.ErrOrStderr())
	a.log.WithFields(logrus.Fields{
		"version": version.Version,
		"release": cfg.Dataset.Release,
		"config":  a.configPath,
		"command": cmd.Name(),
	}).Debug("Configuration loaded")
	return nil
}

func (a *app) runner() (*pipeline.Runner, error) {
	return pipeline.New(a.cfg, a.log)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		// skip configuration loading
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "pipeline %s (model schema v%d)\n", version.Version, version.ModelSchemaVersion)
			return nil
		},
	}
}
