package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ariannamethod/embedit/internal/config"
	"github.com/ariannamethod/embedit/internal/logutil"
)

type rootOptions struct {
	configPath string
	logLevel   string
	cfg        *config.Config
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Replaced once the config is loaded; covers errors raised before that.
	if logger, err := logutil.New("info", false); err == nil {
		zap.ReplaceGlobals(logger)
	}
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		zap.L().Error("embedit failed", zap.Error(err))
		_ = zap.L().Sync()
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "embedit",
		Short:         "edit images by arithmetic on Kandinsky 2.2 prior embeddings",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = opts.logLevel
			}
			logger, err := logutil.New(cfg.LogLevel, false)
			if err != nil {
				return err
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(logutil.WithLogger(cmd.Context(), logger))
			opts.cfg = cfg
			logger.Debug("config loaded", zap.String("config", opts.configPath))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logutil.GetLogger(cmd.Context()).Sync()
		},
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config.yaml (defaults are used when empty)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")

	rootCmd.AddCommand(
		newEditCmd(opts),
		newGuideCmd(opts),
		newDirectionCmd(opts),
		newApplyCmd(opts),
	)
	return rootCmd
}
