package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/serebryakov7/canfuzz/internal/config"
	"github.com/serebryakov7/canfuzz/internal/fuzz"
)

func parseRun(t *testing.T, args ...string) (config.Config, error) {
	t.Helper()
	var (
		cfg    config.Config
		cfgErr error
	)
	app := &cli.App{
		Name:  "canfuzz",
		Flags: runFlags(),
		Action: func(c *cli.Context) error {
			cfg, cfgErr = loadConfig(c)
			return nil
		},
	}
	if err := app.Run(append([]string{"canfuzz"}, args...)); err != nil {
		t.Fatalf("app.Run: %v", err)
	}
	return cfg, cfgErr
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := parseRun(t)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mode != string(fuzz.ModeFull) || cfg.Bus.Kind != "socketcan" || cfg.Delay != nil {
		t.Fatalf("defaults = %+v", cfg)
	}
}

func TestLoadConfigFlags(t *testing.T) {
	cfg, err := parseRun(t,
		"--mode", "ranged", "--start-id", "0x100", "--end-id", "1FF",
		"--ignore", "0x120,0x130", "--delay", "5ms",
		"--bus", "virtual", "--camera", "none", "--record", "--threshold", "40")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mode != "ranged" || cfg.StartID != 0x100 || cfg.EndID != 0x1FF {
		t.Fatalf("range = %s %#x-%#x", cfg.Mode, cfg.StartID, cfg.EndID)
	}
	if len(cfg.Ignore) != 2 || cfg.Ignore[1] != 0x130 {
		t.Fatalf("ignore = %v", cfg.Ignore)
	}
	if cfg.Delay == nil || *cfg.Delay != 5*time.Millisecond {
		t.Fatalf("delay = %v", cfg.Delay)
	}
	if cfg.Bus.Kind != "virtual" || cfg.Camera.Kind != "none" || !cfg.Record || cfg.Detector.Threshold != 40 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadConfigFileThenFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "canfuzz.yaml")
	yml := "mode: quick\nbus:\n  kind: slcan\n  channel: /dev/ttyUSB0\nout_dir: /tmp/out\n"
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := parseRun(t, "--config", path, "--channel", "/dev/ttyACM0")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mode != "quick" || cfg.Bus.Kind != "slcan" || cfg.OutDir != "/tmp/out" {
		t.Fatalf("file values lost: %+v", cfg)
	}
	if cfg.Bus.Channel != "/dev/ttyACM0" {
		t.Fatalf("channel = %q, flag must win", cfg.Bus.Channel)
	}
}

func TestLoadConfigEnv(t *testing.T) {
	t.Setenv("CANFUZZ_BUS", "virtual")
	cfg, err := parseRun(t)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Bus.Kind != "virtual" {
		t.Fatalf("bus = %q", cfg.Bus.Kind)
	}
}

func TestLoadConfigBadID(t *testing.T) {
	_, err := parseRun(t, "--start-id", "0x900")
	var cerr *config.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *config.Error", err)
	}
}

func TestLoadConfigBadThreshold(t *testing.T) {
	_, err := parseRun(t, "--threshold", "300")
	var cerr *config.Error
	if !errors.As(err, &cerr) || cerr.Field != "detector.threshold" {
		t.Fatalf("err = %v", err)
	}
}
