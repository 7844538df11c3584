package main

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"revindex/internal/config"
	"revindex/internal/indexer"
	"revindex/internal/revision"
	"revindex/internal/sink"
)

const usage = `You need to specify the configuration file.
It holds the access credentials of the revision database:
  host=dbhost
  db=revisiondb
  user=username
  password=pwd
  output=outputFile
  outputKind=SQL|DATABASE|DATAFILE (optional, default SQL)
  outputDatabase=true|false (optional, legacy)
  outputDatafile=true|false (optional, legacy)
  charset=UTF-8 (optional)
  buffer=15000 (optional)
  maxAllowedPackets=16760832 (optional)
  metricsFile=/path/revindex.prom (optional)
Files ending in .yaml or .yml are read as YAML with the same keys.`

func newRootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "indexer <config-file>",
		Short: "Generate the revision index of a revision database",
		Long:  usage,
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.ExactArgs(1)(cmd, args); err != nil {
				cmd.PrintErrln(usage)
				return err
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}

			idx := indexer.New(cfg, revision.Open, sink.Open)
			sum, err := idx.Run(cmd.Context())
			if err != nil {
				logrus.WithField("run_id", sum.RunID).Errorf("index generation failed after %d revisions, output must be discarded", sum.Count)
				return err
			}
			return nil
		},
	}
}

func main() {
	// Configure global logger (timestamped, info level by default).
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logrus.SetOutput(os.Stdout)

	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		logrus.Errorf("%v", err)
		os.Exit(1)
	}
	logrus.Info("TERMINATED")
}
