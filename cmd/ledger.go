package cmd

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-presence/internal/config"
	"github.com/kozaktomas/face-presence/internal/ledger"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and maintain the processed-file ledger",
}

var ledgerStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print ledger entry counts",
	RunE:  runLedgerStats,
}

var ledgerPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete ledger entries older than a given age",
	RunE:  runLedgerPurge,
}

func init() {
	ledgerPurgeCmd.Flags().Duration("older-than", 30*24*time.Hour, "Age threshold, e.g. 720h")
	ledgerCmd.AddCommand(ledgerStatsCmd)
	ledgerCmd.AddCommand(ledgerPurgeCmd)
	rootCmd.AddCommand(ledgerCmd)
}

func runLedgerStats(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}

	led, err := ledger.Open(cfg.Ledger)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer led.Close()

	stats, err := led.Stats(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("Total entries: %d\n", stats.Total)
	fmt.Printf("  ok:     %d\n", stats.OK)
	fmt.Printf("  errors: %d\n", stats.Errors)

	devices := make([]string, 0, len(stats.ByDevice))
	for id := range stats.ByDevice {
		devices = append(devices, id)
	}
	sort.Strings(devices)
	for _, id := range devices {
		fmt.Printf("  %-20s %d\n", id, stats.ByDevice[id])
	}
	return nil
}

func runLedgerPurge(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}
	olderThan := mustGetDuration(cmd, "older-than")

	led, err := ledger.Open(cfg.Ledger)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer led.Close()

	n, err := led.Purge(context.Background(), olderThan)
	if err != nil {
		return err
	}

	fmt.Printf("Purged %d entries older than %s\n", n, olderThan)
	return nil
}
