package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	os.Unsetenv("BATCH_SIZE")
	os.Unsetenv("DISTANCE_TOLERANCE")
	os.Unsetenv("SILENCE_TIMEOUT")

	cfg := Load()

	if cfg.Poll.BatchSize != 100 {
		t.Errorf("expected default batch size 100, got %d", cfg.Poll.BatchSize)
	}

	if cfg.Match.Tolerance != 0.6 {
		t.Errorf("expected default tolerance 0.6, got %f", cfg.Match.Tolerance)
	}

	if cfg.Match.ClusterThreshold != 0.4 {
		t.Errorf("expected default cluster threshold 0.4, got %f", cfg.Match.ClusterThreshold)
	}

	if cfg.Track.SilenceTimeout != 30*time.Second {
		t.Errorf("expected default silence timeout 30s, got %v", cfg.Track.SilenceTimeout)
	}

	if cfg.Sink.OverflowPolicy != "block" {
		t.Errorf("expected default overflow policy 'block', got '%s'", cfg.Sink.OverflowPolicy)
	}

	if cfg.Ledger.Driver != "sqlite" {
		t.Errorf("expected default ledger driver 'sqlite', got '%s'", cfg.Ledger.Driver)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("BATCH_SIZE", "25")
	t.Setenv("DISTANCE_TOLERANCE", "0.4")
	t.Setenv("SILENCE_TIMEOUT", "3s")
	t.Setenv("DETECTOR_BACKEND", "accurate")
	t.Setenv("DEVICE_IDS", "cam01, cam02,cam03")

	cfg := Load()

	if cfg.Poll.BatchSize != 25 {
		t.Errorf("expected batch size 25, got %d", cfg.Poll.BatchSize)
	}

	if cfg.Match.Tolerance != 0.4 {
		t.Errorf("expected tolerance 0.4, got %f", cfg.Match.Tolerance)
	}

	if cfg.Track.SilenceTimeout != 3*time.Second {
		t.Errorf("expected silence timeout 3s, got %v", cfg.Track.SilenceTimeout)
	}

	if cfg.Detector.Backend != "accurate" {
		t.Errorf("expected backend 'accurate', got '%s'", cfg.Detector.Backend)
	}

	if len(cfg.Devices.IDs) != 3 {
		t.Fatalf("expected 3 device ids, got %d", len(cfg.Devices.IDs))
	}

	if cfg.Devices.IDs[1] != "cam02" {
		t.Errorf("expected second device 'cam02', got '%s'", cfg.Devices.IDs[1])
	}
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("BATCH_SIZE", "not-a-number")
	t.Setenv("DISTANCE_TOLERANCE", "-1")
	t.Setenv("POLL_INTERVAL", "soon")

	cfg := Load()

	if cfg.Poll.BatchSize != 100 {
		t.Errorf("expected fallback batch size 100, got %d", cfg.Poll.BatchSize)
	}

	if cfg.Match.Tolerance != 0.6 {
		t.Errorf("expected fallback tolerance 0.6, got %f", cfg.Match.Tolerance)
	}

	if cfg.Poll.Interval != 5*time.Second {
		t.Errorf("expected fallback poll interval 5s, got %v", cfg.Poll.Interval)
	}
}

func TestValidate_TooManyDevices(t *testing.T) {
	cfg := Load()
	for i := 0; i < MaxDevices+1; i++ {
		cfg.Devices.IDs = append(cfg.Devices.IDs, "cam")
	}

	if err := cfg.Validate(); err == nil {
		t.Error("expected error for more than 10 devices")
	}
}

func TestValidate_BadPolicies(t *testing.T) {
	cfg := Load()
	cfg.Sink.OverflowPolicy = "panic"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown overflow policy")
	}

	cfg = Load()
	cfg.Retention.Policy = "shred"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown retention policy")
	}

	cfg = Load()
	cfg.Ledger.Driver = "postgres"
	cfg.Ledger.URL = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for postgres ledger without URL")
	}
}

func TestLoadDevices_FromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devices.yaml")
	content := "devices:\n  - id: cam01\n  - id: cam02\n    dir: /mnt/cam02\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Load()
	cfg.Devices.File = path
	cfg.Devices.Root = "images"

	devices, err := cfg.LoadDevices()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(devices) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(devices))
	}

	if devices[0].Dir != filepath.Join("images", "cam01") {
		t.Errorf("expected default dir for cam01, got '%s'", devices[0].Dir)
	}

	if devices[1].Dir != "/mnt/cam02" {
		t.Errorf("expected explicit dir for cam02, got '%s'", devices[1].Dir)
	}
}

func TestLoadDevices_Discovery(t *testing.T) {
	root := t.TempDir()
	for _, id := range []string{"cam02", "cam01"} {
		if err := os.Mkdir(filepath.Join(root, id), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	cfg := Load()
	cfg.Devices.File = ""
	cfg.Devices.IDs = nil
	cfg.Devices.Root = root

	devices, err := cfg.LoadDevices()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(devices) != 2 {
		t.Fatalf("expected 2 discovered devices, got %d", len(devices))
	}

	// Discovery must be sorted for stable worker assignment.
	if devices[0].ID != "cam01" || devices[1].ID != "cam02" {
		t.Errorf("expected sorted discovery, got %s, %s", devices[0].ID, devices[1].ID)
	}
}

func TestLoadDevices_NoneConfigured(t *testing.T) {
	cfg := Load()
	cfg.Devices.File = ""
	cfg.Devices.IDs = nil
	cfg.Devices.Root = filepath.Join(t.TempDir(), "missing")

	if _, err := cfg.LoadDevices(); err == nil {
		t.Error("expected error when no devices are configured or discovered")
	}
}
