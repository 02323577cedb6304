package main

import (
	"context"
	"time"

	"codeberg.org/mutker/thermalmon/internal/app"
	"codeberg.org/mutker/thermalmon/internal/logger"
	"codeberg.org/mutker/thermalmon/internal/pid"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sampling daemon with its HTTP and WebSocket interface",
	RunE:  runDaemon,
}

func init() {
	runCmd.Flags().String("pid-dir", "", "Directory for the PID file (default: temp directory)")
	runCmd.Flags().String("listen", "127.0.0.1:8087", "Address of the HTTP and WebSocket interface")
	runCmd.Flags().String("prefix", "TMData", "File name prefix of exported workbooks")
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	loader, cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}

	pidDir, _ := cmd.Flags().GetString("pid-dir")
	pidFile := pid.New(pidDir)
	if err := pidFile.Write(); err != nil {
		return err
	}
	defer cleanup(pidFile)

	a, err := app.New(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	runErr := a.Run(ctx, loader)
	if runErr != nil {
		logger.Error().Err(runErr).Msg("error in main loop")
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := a.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown failed")
	}

	return runErr
}

func cleanup(pidFile *pid.File) {
	logger.Debug().Msg("Cleaning up...")
	if err := pidFile.Remove(); err != nil {
		logger.Warn().Err(err).Str("path", pidFile.Path()).Msg("Failed to remove PID file")
	}
	logger.Debug().Msg("Cleanup completed. Exiting...")
}
