package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/victorarias/rbroker/internal/broker"
	"github.com/victorarias/rbroker/internal/config"
	"github.com/victorarias/rbroker/internal/logging"
)

const brokerLogName = "rbroker.log"

func newServeCmd() *cobra.Command {
	var logToStderr bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a broker until interrupted or the parent process exits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := config.New()
			if err != nil {
				return err
			}
			if err := config.BindFlags(v, cmd.Flags()); err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}

			logger := openLogger(cfg, logToStderr)
			defer logger.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return broker.Run(ctx, cfg, version, logger)
		},
	}
	config.RegisterFlags(cmd.Flags())
	cmd.Flags().BoolVar(&logToStderr, "log-stderr", false, "log to stderr instead of the log folder")
	return cmd
}

// openLogger logs into the configured log folder, falling back to stderr
// when there is none or it cannot be written.
func openLogger(cfg config.Broker, toStderr bool) *logging.Logger {
	if toStderr || cfg.LogFolder == "" {
		return logging.NewWriter(os.Stderr)
	}
	logger, err := logging.New(filepath.Join(cfg.LogFolder, brokerLogName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "rbroker: cannot open log in %s, logging to stderr: %v\n", cfg.LogFolder, err)
		return logging.NewWriter(os.Stderr)
	}
	return logger
}
