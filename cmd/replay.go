package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-presence/internal/config"
	"github.com/kozaktomas/face-presence/internal/sink"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Redeliver spilled events to the sink",
	Long: `Replay reads the spill file written when event delivery failed and
posts every event to the sink in order. Delivered events are removed;
on failure the remaining backlog is kept for the next replay.`,
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if cfg.Sink.URL == "" {
		return errors.New("SINK_URL environment variable is required")
	}

	spill := sink.NewSpill(cfg.Sink.SpillPath)
	total, err := spill.Count()
	if err != nil {
		return err
	}
	if total == 0 {
		fmt.Println("No spilled events to replay")
		return nil
	}

	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("Replaying events"),
		progressbar.OptionShowCount(),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)

	pub := sink.NewHTTPPublisher(cfg.Sink.URL, 10*time.Second)
	delivered, err := spill.Drain(context.Background(), pub, func(done, total int) {
		bar.Add(1)
	})
	fmt.Println()
	if err != nil {
		return fmt.Errorf("replay stopped after %d of %d events: %w", delivered, total, err)
	}

	fmt.Printf("Replayed %d events\n", delivered)
	return nil
}
