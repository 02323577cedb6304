package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/thermalmon/internal/app"
	"codeberg.org/mutker/thermalmon/internal/config"
	"codeberg.org/mutker/thermalmon/internal/export"
	"codeberg.org/mutker/thermalmon/internal/logger"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const readyTimeout = 15 * time.Second

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record one session and export it as a workbook",
	Long: `Record samples every interval until --duration elapses or the process
is interrupted, then export them. A second interrupt abandons the export.

Naming any of --battery, --thermal or --soc records only the named domains.`,
	RunE: runRecord,
}

func init() {
	fs := recordCmd.Flags()
	fs.Duration("duration", 0, "Recording length; 0 records until interrupted")
	fs.Bool("battery", false, "Record the battery domain")
	fs.Bool("thermal", false, "Record the thermal domain")
	fs.Bool("soc", false, "Record the SoC domain")
	fs.String("prefix", "TMData", "File name prefix of the exported workbook")
}

// selectDomains restricts the configured domains to the ones named on the
// command line. Without any domain flag the configuration stands.
func selectDomains(fs *pflag.FlagSet, d *config.DomainsConfig) {
	if !fs.Changed("battery") && !fs.Changed("thermal") && !fs.Changed("soc") {
		return
	}

	pick := func(name string) bool {
		on, _ := fs.GetBool(name)
		return fs.Changed(name) && on
	}
	d.Battery = pick("battery")
	d.Thermal = pick("thermal")
	d.Soc = pick("soc")
}

func runRecord(cmd *cobra.Command, _ []string) error {
	_, cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}
	selectDomains(cmd.Flags(), &cfg.Domains)
	duration, _ := cmd.Flags().GetDuration("duration")

	a, err := app.New(cfg, app.WithoutServer())
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, nil) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			logger.Error().Err(err).Msg("error in main loop")
		}
	}()

	readyCtx, readyCancel := context.WithTimeout(ctx, readyTimeout)
	err = a.WaitReady(readyCtx)
	readyCancel()
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	id, err := a.Controller().Start()
	if err != nil {
		return err
	}
	logger.Info().Str("session", id).Dur("duration", duration).Msg("Recording started")

	var timeout <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-timeout:
	case <-sigChan:
		logger.Info().Msg("Received termination signal, saving recording.")
	}

	artifact, err := stopRecording(a, sigChan)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", artifact.Path, humanize.Bytes(uint64(artifact.Size)))

	return nil
}

// stopRecording exports the session. Another signal while the export runs
// cancels it and drops the samples.
func stopRecording(a *app.App, sigChan <-chan os.Signal) (export.Artifact, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type result struct {
		artifact export.Artifact
		err      error
	}
	resCh := make(chan result, 1)
	go func() {
		artifact, err := a.Controller().Stop(ctx)
		resCh <- result{artifact, err}
	}()

	select {
	case res := <-resCh:
		return res.artifact, res.err
	case <-sigChan:
		logger.Warn().Msg("Received second termination signal, abandoning recording.")
		cancel()
		res := <-resCh
		if res.err == nil {
			return res.artifact, nil
		}
		if err := a.Controller().DiscardUnsaved(); err != nil {
			logger.Debug().Err(err).Msg("Nothing to discard")
		}
		return export.Artifact{}, res.err
	}
}
