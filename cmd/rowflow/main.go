// Command rowflow runs graph and workflow files and serves the control
// service.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"rowflow/internal/config"
	"rowflow/internal/engine"
	"rowflow/internal/logging"

	// transform kinds, sources and record writers register themselves
	_ "rowflow/internal/transform"
	_ "rowflow/sink/kafka"
	_ "rowflow/sink/memory"
	_ "rowflow/sink/sqldb"
	_ "rowflow/sink/stdout"
	_ "rowflow/source/kafka"
)

func main() {
	logging.InitFromEnv()

	root := &cobra.Command{
		Use:           "rowflow",
		Short:         "Run row-streaming graphs and workflows",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "rowflow.yaml", "engine configuration file")
	registerCommands(root)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		logging.L().Error("rowflow", "err", err)
		stop()
		os.Exit(1)
	}
}

func registerCommands(root *cobra.Command) {
	root.AddCommand(newRunCommand())
	root.AddCommand(newValidateCommand())
	root.AddCommand(newServeCommand())
	root.AddCommand(newRemoteCommand())
}

// bootstrap loads the engine file named by --config.
func bootstrap(cmd *cobra.Command) (*engine.Engine, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadEngine(path)
	if err != nil {
		return nil, err
	}
	return engine.Bootstrap(cmd.Context(), cfg)
}
