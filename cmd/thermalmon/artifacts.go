package main

import (
	"fmt"
	"text/tabwriter"

	"codeberg.org/mutker/thermalmon/internal/app"
	"codeberg.org/mutker/thermalmon/internal/logger"
	"codeberg.org/mutker/thermalmon/internal/storage"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var artifactsCmd = &cobra.Command{
	Use:   "artifacts",
	Short: "Inspect and maintain exported workbooks",
}

var artifactsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List exported workbooks, newest first",
	RunE:  runArtifactsList,
}

var artifactsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove unfinished exports older than --age",
	RunE:  runArtifactsCleanup,
}

func init() {
	artifactsCleanupCmd.Flags().Duration("age", 0, "Minimum age of removed pending exports (default: storage.orphan_age)")

	artifactsCmd.AddCommand(artifactsListCmd, artifactsCleanupCmd)
}

func openStore(cmd *cobra.Command) (*storage.Store, storage.Config, error) {
	_, cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return nil, storage.Config{}, err
	}

	storeCfg := app.StorageConfig(cfg)
	store, err := storage.Open(storeCfg, logger.Component("storage"))
	if err != nil {
		return nil, storage.Config{}, err
	}

	return store, storeCfg, nil
}

func runArtifactsList(cmd *cobra.Command, _ []string) error {
	store, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	artifacts, err := store.List(cmd.Context())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSIZE\tCREATED\tPATH")
	for _, a := range artifacts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			a.Name,
			humanize.Bytes(uint64(a.Size)),
			humanize.Time(a.CreatedAt),
			a.Path,
		)
	}

	return w.Flush()
}

func runArtifactsCleanup(cmd *cobra.Command, _ []string) error {
	store, storeCfg, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	age, _ := cmd.Flags().GetDuration("age")
	if age <= 0 {
		age = storeCfg.OrphanAge
	}

	n, err := store.CleanupOrphans(cmd.Context(), age)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d pending %s older than %s\n",
		n, pluralize(n, "export", "exports"), age)

	return nil
}

func pluralize(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
