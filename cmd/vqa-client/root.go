package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/vqa-verify/internal/config"
	"github.com/example/vqa-verify/internal/logging"
)

type globalOptions struct {
	configPath string
	verbose    bool
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:          "vqa-client",
		Short:        "Batch client for the VQA verification service",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("VQA_CONFIG"), "YAML config file")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newMetricsCommand())
	cmd.AddCommand(newTokenCommand(opts))
	return cmd
}

func (o *globalOptions) load(ctx context.Context) (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadFrom(ctx, o.configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.NewCLILogger(o.verbose)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newRootCommand().ExecuteContext(ctx)
}
