package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// MaxDevices caps the number of device workers the pipeline will run.
const MaxDevices = 10

type Config struct {
	Devices   DevicesConfig
	Poll      PollConfig
	Detector  DetectorConfig
	Gallery   GalleryConfig
	Match     MatchConfig
	Track     TrackConfig
	Sink      SinkConfig
	Ledger    LedgerConfig
	Retention RetentionConfig
	HTTP      HTTPConfig
}

type DevicesConfig struct {
	IDs  []string // explicit device list; discovered from Root subdirectories if empty
	Root string   // base directory containing one folder per device (default "images")
	File string   // optional devices.yaml with per-device folder overrides
}

type PollConfig struct {
	BatchSize       int           // max files consumed per device per cycle (default 100)
	Interval        time.Duration // pause between cycles (default 5s)
	StabilityWindow time.Duration // re-stat delay for the write-stability check (default 500ms)
	DetectWorkers   int           // parallel detect/encode calls within a batch (default 4)
	MaxFrameBytes   int64         // files larger than this are rejected as corrupt (default 512KB)
}

type DetectorConfig struct {
	URL     string        // embedding server base URL (default http://localhost:8000)
	Backend string        // "fast" (hog) or "accurate" (cnn)
	Timeout time.Duration // per-request timeout (default 30s)
}

type GalleryConfig struct {
	Path           string        // path to the gallery JSON blob
	ReloadInterval time.Duration // how often to check the blob for a new version (default 1m)
	DatabaseURL    string        // optional PostgreSQL/pgvector gallery store
	Dim            int           // expected embedding dimension (default 128)
}

type MatchConfig struct {
	Tolerance        float64 // max distance for a named match: 0.6 default, 0.5 stricter, 0.4 strictest
	TieEpsilon       float64 // distances closer than this are considered tied (default 0.01)
	ClusterThreshold float64 // max distance to join an open anonymous track (default 0.4)
}

type TrackConfig struct {
	SilenceTimeout time.Duration // inactivity window after which an open track closes (default 30s)
	MinDwell       time.Duration // events shorter than this are suppressed (default 0)
}

type SinkConfig struct {
	URL            string        // event sink endpoint
	QueueSize      int           // bounded publish queue (default 256)
	MaxAttempts    int           // publish attempts before spilling (default 5)
	InitialBackoff time.Duration // first retry delay (default 500ms)
	OverflowPolicy string        // "block" (default) or "drop-oldest"
	SpillPath      string        // durable overflow file (default "events.spill")
}

type LedgerConfig struct {
	Driver string // "sqlite" (default) or "postgres"
	Path   string // sqlite file path (default "presence.db")
	URL    string // postgres connection URL when Driver is "postgres"
}

type RetentionConfig struct {
	Policy string // "retain" (default) or "delete"; delete removes frames after a committed ledger mark
	Days   int    // with "retain", frames older than this many days are purged (0 = keep forever)
}

type HTTPConfig struct {
	Addr string // ops endpoint listen address; empty disables the server
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads an environment variable as a positive float.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
		return f
	}
	return defaultVal
}

// envDuration reads an environment variable as a Go duration string ("30s", "500ms").
func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return defaultVal
}

// envString reads an environment variable with a fallback default.
func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

func Load() *Config {
	return &Config{
		Devices: DevicesConfig{
			IDs:  splitList(os.Getenv("DEVICE_IDS")),
			Root: envString("IMAGES_DIR", "images"),
			File: os.Getenv("DEVICES_FILE"),
		},
		Poll: PollConfig{
			BatchSize:       envInt("BATCH_SIZE", 100),
			Interval:        envDuration("POLL_INTERVAL", 5*time.Second),
			StabilityWindow: envDuration("STABILITY_WINDOW", 500*time.Millisecond),
			DetectWorkers:   envInt("DETECT_WORKERS", 4),
			MaxFrameBytes:   int64(envInt("MAX_FRAME_BYTES", 512*1024)),
		},
		Detector: DetectorConfig{
			URL:     envString("EMBEDDING_URL", "http://localhost:8000"),
			Backend: envString("DETECTOR_BACKEND", "fast"),
			Timeout: envDuration("DETECTOR_TIMEOUT", 30*time.Second),
		},
		Gallery: GalleryConfig{
			Path:           envString("GALLERY_PATH", "gallery.json"),
			ReloadInterval: envDuration("GALLERY_RELOAD_INTERVAL", time.Minute),
			DatabaseURL:    os.Getenv("GALLERY_DATABASE_URL"),
			Dim:            envInt("EMBEDDING_DIM", 128),
		},
		Match: MatchConfig{
			Tolerance:        envFloat("DISTANCE_TOLERANCE", 0.6),
			TieEpsilon:       envFloat("TIE_EPSILON", 0.01),
			ClusterThreshold: envFloat("CLUSTER_THRESHOLD", 0.4),
		},
		Track: TrackConfig{
			SilenceTimeout: envDuration("SILENCE_TIMEOUT", 30*time.Second),
			MinDwell:       envDuration("MIN_DWELL", 0),
		},
		Sink: SinkConfig{
			URL:            os.Getenv("SINK_URL"),
			QueueSize:      envInt("SINK_QUEUE_SIZE", 256),
			MaxAttempts:    envInt("SINK_MAX_ATTEMPTS", 5),
			InitialBackoff: envDuration("SINK_INITIAL_BACKOFF", 500*time.Millisecond),
			OverflowPolicy: envString("SINK_OVERFLOW_POLICY", "block"),
			SpillPath:      envString("SINK_SPILL_PATH", "events.spill"),
		},
		Ledger: LedgerConfig{
			Driver: envString("LEDGER_DRIVER", "sqlite"),
			Path:   envString("LEDGER_PATH", "presence.db"),
			URL:    os.Getenv("LEDGER_DATABASE_URL"),
		},
		Retention: RetentionConfig{
			Policy: envString("RETENTION_POLICY", "retain"),
			Days:   envInt("RETENTION_DAYS", 0),
		},
		HTTP: HTTPConfig{
			Addr: os.Getenv("HTTP_ADDR"),
		},
	}
}

// Validate checks cross-field constraints that Load cannot default away.
func (c *Config) Validate() error {
	if len(c.Devices.IDs) > MaxDevices {
		return fmt.Errorf("at most %d devices are supported, got %d", MaxDevices, len(c.Devices.IDs))
	}
	switch c.Sink.OverflowPolicy {
	case "block", "drop-oldest":
	default:
		return fmt.Errorf("unknown sink overflow policy %q", c.Sink.OverflowPolicy)
	}
	switch c.Retention.Policy {
	case "retain", "delete":
	default:
		return fmt.Errorf("unknown retention policy %q", c.Retention.Policy)
	}
	switch c.Ledger.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown ledger driver %q", c.Ledger.Driver)
	}
	if c.Ledger.Driver == "postgres" && c.Ledger.URL == "" {
		return fmt.Errorf("LEDGER_DATABASE_URL is required for the postgres ledger")
	}
	return nil
}

// splitList parses a comma separated env value, dropping empty entries.
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
