package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rjboer/sdrsource/internal/device"
	"github.com/rjboer/sdrsource/internal/logging"
	"github.com/rjboer/sdrsource/internal/source"
)

func noEnv(string) (string, bool) { return "", false }

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := parseConfig([]string{}, noEnv, defaultPersistentConfig())
	if err != nil {
		t.Fatalf("parseConfig failed: %v", err)
	}
	if cfg.deviceArgs != "driver=mock" || cfg.frequency != 100e6 || cfg.blockSize != 1<<14 || cfg.readTimeout != time.Second {
		t.Fatalf("unexpected defaults: %#v", cfg)
	}
}

func TestParseConfigEnvOverrides(t *testing.T) {
	env := map[string]string{
		"SDRSRC_FREQ":          "433.5M",
		"SDRSRC_RATE":          "250k",
		"SDRSRC_ARGS":          "driver=rtltcp,addr=10.0.0.2:1234",
		"SDRSRC_AGC":           "true",
		"SDRSRC_STALL_TIMEOUT": "250ms",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	cfg, err := parseConfig([]string{"-gain", "12.5", "-bw", "1.5M"}, lookup, defaultPersistentConfig())
	if err != nil {
		t.Fatalf("parseConfig failed: %v", err)
	}
	if cfg.frequency != 433.5e6 || cfg.sampleRate != 250e3 || cfg.bandwidth != 1.5e6 || !cfg.autoGain ||
		cfg.gain != 12.5 || cfg.stallTimeout != 250*time.Millisecond || cfg.deviceArgs != env["SDRSRC_ARGS"] {
		t.Fatalf("env overrides not applied: %#v", cfg)
	}

	sc := cfg.sourceConfig()
	if sc.Frequency != 433.5e6 || !sc.AutoGain || sc.DeviceArgs != env["SDRSRC_ARGS"] {
		t.Fatalf("source config %+v", sc)
	}
}

func TestParseConfigExponentNotation(t *testing.T) {
	lookup := func(key string) (string, bool) {
		if key == "SDRSRC_BW" {
			return "1.5e6", true
		}
		return "", false
	}
	cfg, err := parseConfig([]string{"-freq", "100e6", "-rate", "2.4e6"}, lookup, defaultPersistentConfig())
	if err != nil {
		t.Fatalf("parseConfig failed: %v", err)
	}
	if cfg.frequency != 100e6 || cfg.sampleRate != 2.4e6 || cfg.bandwidth != 1.5e6 {
		t.Fatalf("freq=%v rate=%v bw=%v", float64(cfg.frequency), float64(cfg.sampleRate), float64(cfg.bandwidth))
	}
	if pc := persistentFromCLI(cfg); pc.Frequency != 100e6 || pc.SampleRate != 2.4e6 {
		t.Fatalf("persisted %+v", pc)
	}
}

func TestParseConfigRejectsBadValues(t *testing.T) {
	for _, args := range [][]string{
		{"-block", "0"},
		{"-blocks", "-1"},
		{"-freq", "1.2.3M"},
		{"-nope"},
	} {
		if _, err := parseConfig(args, noEnv, defaultPersistentConfig()); err == nil {
			t.Fatalf("accepted %v", args)
		}
	}
}

func TestRunStreamsMockToFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "sdrsource.json")
	outPath := filepath.Join(dir, "iq.bin")
	lookup := func(key string) (string, bool) {
		if key == "SDRSRC_CONFIG" {
			return configPath, true
		}
		return "", false
	}

	var stdout strings.Builder
	args := []string{"-args", "driver=mock,mtu=256", "-rate", "1M", "-blocks", "3", "-block", "1000", "-out", outPath, "-report", "1", "-log-level", "error"}
	if err := run(context.Background(), args, nil, &stdout, lookup); err != nil {
		t.Fatalf("run: %v", err)
	}

	info, err := os.Stat(outPath)
	if err != nil {
		t.Fatalf("stat output: %v", err)
	}
	if info.Size() != 3*1000*8 {
		t.Fatalf("output size %d", info.Size())
	}
	if !strings.Contains(stdout.String(), "read 3 blocks, 3000 samples") || !strings.Contains(stdout.String(), "block 2:") {
		t.Fatalf("unexpected output:\n%s", stdout.String())
	}
	// the mock tone sits at +100 kHz
	if !strings.Contains(stdout.String(), "peak +100.") {
		t.Fatalf("tone not found:\n%s", stdout.String())
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	var saved persistentConfig
	if err := json.Unmarshal(data, &saved); err != nil {
		t.Fatalf("decode config: %v", err)
	}
	if saved.DeviceArgs != "driver=mock,mtu=256" || saved.SampleRate != 1e6 || saved.BlockSize != 1000 {
		t.Fatalf("config not persisted: %+v", saved)
	}
}

func TestFeedCommands(t *testing.T) {
	mock := device.NewMock(device.MockConfig{Channels: 2})
	src, err := source.New(context.Background(), source.Config{},
		source.WithOpener(func(context.Context, string) (device.Device, error) { return mock, nil }))
	if err != nil {
		t.Fatalf("new source: %v", err)
	}
	defer src.Close()

	input := strings.Join([]string{
		`{"freq": 433920000}`,
		``,
		`not json`,
		`{"chan": 1, "gain": 22, "antenna": "RX2"}`,
	}, "\n")
	feedCommands(context.Background(), strings.NewReader(input), src, logging.New(logging.Error, logging.Text, io.Discard))

	if got := mock.Channel(0).Frequency; got != 433.92e6 {
		t.Fatalf("frequency = %v", got)
	}
	if ch := mock.Channel(1); ch.Gain != 22 || ch.Antenna != "RX2" {
		t.Fatalf("channel 1 = %+v", ch)
	}
}

func TestOpenSourceRetries(t *testing.T) {
	prev := newSource
	defer func() { newSource = prev }()

	attempts := 0
	newSource = func(ctx context.Context, cfg source.Config, opts ...source.Option) (*source.Source, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("connection refused")
		}
		return prev(ctx, source.Config{DeviceArgs: "driver=mock"}, opts...)
	}
	cfg, _ := parseConfig(nil, noEnv, defaultPersistentConfig())
	logger := logging.New(logging.Error, logging.Text, io.Discard)

	src, err := openSource(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	src.Close()
	if attempts != 3 {
		t.Fatalf("attempts = %d", attempts)
	}

	attempts = 0
	newSource = func(context.Context, source.Config, ...source.Option) (*source.Source, error) {
		attempts++
		return nil, device.ErrUnknownDriver
	}
	if _, err := openSource(context.Background(), cfg, logger); !errors.Is(err, device.ErrUnknownDriver) || attempts != 1 {
		t.Fatalf("unknown driver retried: attempts=%d err=%v", attempts, err)
	}
}
