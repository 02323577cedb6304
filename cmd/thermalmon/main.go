package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"codeberg.org/mutker/thermalmon/internal/config"
	"codeberg.org/mutker/thermalmon/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var rootCmd = &cobra.Command{
	Use:           "thermalmon",
	Short:         "Sample thermal, battery and SoC telemetry and export recordings as workbooks",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	config.RegisterFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(runCmd, recordCmd, artifactsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "thermalmon: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and initializes the global logger.
func loadConfig(fs *pflag.FlagSet) (*config.Loader, *config.Config, error) {
	loader, err := config.NewLoader(fs)
	if err != nil {
		return nil, nil, err
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}

	if err := logger.Init(cfg.LogLevel, logger.IsService()); err != nil {
		return nil, nil, err
	}
	logger.Debug().Str("file", loader.ConfigFileUsed()).Msg("Config loaded")

	return loader, cfg, nil
}

func handleSignals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info().Msg("Received termination signal.")
	cancel()
}
