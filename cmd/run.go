package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-presence/internal/config"
	"github.com/kozaktomas/face-presence/internal/detector"
	"github.com/kozaktomas/face-presence/internal/gallery"
	"github.com/kozaktomas/face-presence/internal/ledger"
	"github.com/kozaktomas/face-presence/internal/matcher"
	"github.com/kozaktomas/face-presence/internal/pipeline"
	"github.com/kozaktomas/face-presence/internal/sink"
	"github.com/kozaktomas/face-presence/internal/tracker"
	"github.com/kozaktomas/face-presence/internal/web"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the presence pipeline",
	Long: `Run polls every configured device folder, processes new frames and
publishes presence events until interrupted. Open visit tracks are
persisted on shutdown and resumed on the next start.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// newGalleryStore picks the gallery backend: PostgreSQL with pgvector when
// a database URL is configured, the JSON blob file otherwise.
func newGalleryStore(cfg *config.Config) (gallery.Store, func(), error) {
	if cfg.Gallery.DatabaseURL != "" {
		store, err := gallery.NewPostgresStore(cfg.Gallery.DatabaseURL, cfg.Gallery.Dim)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open gallery database: %w", err)
		}
		return store, func() { store.Close() }, nil
	}
	return gallery.NewFileStore(cfg.Gallery.Path, cfg.Gallery.Dim), func() {}, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Sink.URL == "" {
		return errors.New("SINK_URL environment variable is required")
	}
	logger := newLogger()

	devices, err := cfg.LoadDevices()
	if err != nil {
		return err
	}
	for _, d := range devices {
		logger.Info("device configured", "id", d.ID, "dir", d.Dir)
	}

	backend, err := detector.ParseBackend(cfg.Detector.Backend)
	if err != nil {
		return err
	}

	led, err := ledger.Open(cfg.Ledger)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer led.Close()

	store, closeStore, err := newGalleryStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gal := gallery.NewManager(store, cfg.Gallery.ReloadInterval, logger)
	if err := gal.Start(ctx); err != nil {
		return err
	}

	spill := sink.NewSpill(cfg.Sink.SpillPath)
	queue := sink.NewQueue(cfg.Sink, sink.NewHTTPPublisher(cfg.Sink.URL, 10*time.Second), spill, logger)
	queue.Start(ctx)

	pipe := pipeline.New(
		cfg,
		devices,
		detector.NewRemote(cfg.Detector.URL, backend, cfg.Detector.Timeout),
		gal,
		matcher.New(cfg.Match.Tolerance, cfg.Match.TieEpsilon, logger),
		tracker.NewAssembler(cfg.Track.SilenceTimeout, cfg.Track.MinDwell, cfg.Match.ClusterThreshold, logger),
		led,
		queue,
		logger,
	)
	pipe.SetQueue(queue)

	var ops *web.Server
	if cfg.HTTP.Addr != "" {
		ops = web.NewServer(cfg.HTTP.Addr, pipe, logger)
		go func() {
			if err := ops.Start(); err != nil {
				logger.Error("ops endpoint failed", "error", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutting down")
		cancel()
	}()

	err = pipe.Run(ctx)

	// drain accepted events before exiting
	queue.Close()

	if ops != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if serr := ops.Shutdown(shutdownCtx); serr != nil {
			logger.Error("ops endpoint shutdown failed", "error", serr)
		}
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
