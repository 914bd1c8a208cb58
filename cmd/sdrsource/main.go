package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/bemasher/rtltcp/si"
	"github.com/cenkalti/backoff"

	"github.com/rjboer/sdrsource/internal/device"
	"github.com/rjboer/sdrsource/internal/dsp"
	"github.com/rjboer/sdrsource/internal/logging"
	"github.com/rjboer/sdrsource/internal/source"
)

const defaultConfigPath = "sdrsource.json"

// newSource is swapped out in tests.
var newSource = source.New

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.LookupEnv); err != nil {
		log.Fatalf("sdrsource: %v", err)
	}
}

type cliConfig struct {
	deviceArgs   string
	channel      int
	frequency    hertz
	sampleRate   hertz
	bandwidth    hertz
	gain         float64
	autoGain     bool
	antenna      string
	dcAuto       bool
	ppm          float64
	clockSource  string
	readTimeout  time.Duration
	stallTimeout time.Duration
	openRetries  int

	blocks    int
	blockSize int
	outPath   string
	report    int
	commands  bool

	logLevel  string
	logFormat string
}

type persistentConfig struct {
	DeviceArgs   string  `json:"device_args"`
	Channel      int     `json:"channel"`
	Frequency    float64 `json:"frequency"`
	SampleRate   float64 `json:"sample_rate"`
	Bandwidth    float64 `json:"bandwidth"`
	Gain         float64 `json:"gain"`
	AutoGain     bool    `json:"auto_gain"`
	Antenna      string  `json:"antenna"`
	DCAuto       bool    `json:"dc_offset_auto"`
	PPM          float64 `json:"freq_correction_ppm"`
	ClockSource  string  `json:"clock_source"`
	ReadTimeout  string  `json:"read_timeout"`
	StallTimeout string  `json:"stall_timeout"`
	OpenRetries  int     `json:"open_retries"`
	BlockSize    int     `json:"block_size"`
	Report       int     `json:"report_every"`
	LogLevel     string  `json:"log_level"`
	LogFormat    string  `json:"log_format"`
}

func defaultPersistentConfig() persistentConfig {
	return persistentConfig{
		DeviceArgs:   "driver=mock",
		Frequency:    100e6,
		SampleRate:   2.048e6,
		Bandwidth:    1.5e6,
		Gain:         30,
		DCAuto:       true,
		ReadTimeout:  source.DefaultReadTimeout.String(),
		StallTimeout: source.DefaultStallTimeout.String(),
		OpenRetries:  3,
		BlockSize:    1 << 14,
		Report:       10,
		LogLevel:     "info",
		LogFormat:    "text",
	}
}

func parseConfig(args []string, lookup func(string) (string, bool), defaults persistentConfig) (cliConfig, error) {
	cfg := cliConfig{
		frequency:  envSI(lookup, "SDRSRC_FREQ", defaults.Frequency),
		sampleRate: envSI(lookup, "SDRSRC_RATE", defaults.SampleRate),
		bandwidth:  envSI(lookup, "SDRSRC_BW", defaults.Bandwidth),
	}
	fs := flag.NewFlagSet("sdrsource", flag.ContinueOnError)
	fs.StringVar(&cfg.deviceArgs, "args", envString(lookup, "SDRSRC_ARGS", defaults.DeviceArgs), "Device arguments, e.g. driver=rtltcp,addr=127.0.0.1:1234")
	fs.IntVar(&cfg.channel, "channel", envInt(lookup, "SDRSRC_CHANNEL", defaults.Channel), "Receive channel")
	fs.Var(&cfg.frequency, "freq", "Center frequency in Hz (SI suffixes allowed, e.g. 433.92M)")
	fs.Var(&cfg.sampleRate, "rate", "Sample rate in Hz")
	fs.Var(&cfg.bandwidth, "bw", "Analog bandwidth in Hz")
	fs.Float64Var(&cfg.gain, "gain", envFloat(lookup, "SDRSRC_GAIN", defaults.Gain), "Manual gain in dB")
	fs.BoolVar(&cfg.autoGain, "agc", envBool(lookup, "SDRSRC_AGC", defaults.AutoGain), "Use automatic gain control")
	fs.StringVar(&cfg.antenna, "antenna", envString(lookup, "SDRSRC_ANTENNA", defaults.Antenna), "Antenna port (empty keeps the device default)")
	fs.BoolVar(&cfg.dcAuto, "dc-auto", envBool(lookup, "SDRSRC_DC_AUTO", defaults.DCAuto), "Enable automatic DC offset removal")
	fs.Float64Var(&cfg.ppm, "ppm", envFloat(lookup, "SDRSRC_PPM", defaults.PPM), "Frequency correction in ppm")
	fs.StringVar(&cfg.clockSource, "clock", envString(lookup, "SDRSRC_CLOCK", defaults.ClockSource), "Clock source (empty keeps the device default)")
	fs.DurationVar(&cfg.readTimeout, "read-timeout", envDuration(lookup, "SDRSRC_READ_TIMEOUT", defaults.ReadTimeout), "Timeout of a single device read")
	fs.DurationVar(&cfg.stallTimeout, "stall-timeout", envDuration(lookup, "SDRSRC_STALL_TIMEOUT", defaults.StallTimeout), "Give up after this long without samples (negative waits forever)")
	fs.IntVar(&cfg.openRetries, "open-retries", envInt(lookup, "SDRSRC_OPEN_RETRIES", defaults.OpenRetries), "Retries when the device cannot be opened")
	fs.IntVar(&cfg.blocks, "blocks", envInt(lookup, "SDRSRC_BLOCKS", 0), "Number of blocks to read (0 runs until interrupted)")
	fs.IntVar(&cfg.blockSize, "block", envInt(lookup, "SDRSRC_BLOCK", defaults.BlockSize), "Samples per block")
	fs.StringVar(&cfg.outPath, "out", envString(lookup, "SDRSRC_OUT", ""), "Write interleaved little-endian float32 IQ to this file")
	fs.IntVar(&cfg.report, "report", envInt(lookup, "SDRSRC_REPORT", defaults.Report), "Print a spectrum summary every N blocks (0 disables)")
	fs.BoolVar(&cfg.commands, "commands", envBool(lookup, "SDRSRC_COMMANDS", false), "Read JSON command objects from stdin, one per line")
	fs.StringVar(&cfg.logLevel, "log-level", envString(lookup, "SDRSRC_LOG_LEVEL", defaults.LogLevel), "Log level (debug|info|warn|error)")
	fs.StringVar(&cfg.logFormat, "log-format", envString(lookup, "SDRSRC_LOG_FORMAT", defaults.LogFormat), "Log format (text|json)")

	if err := fs.Parse(args); err != nil {
		return cliConfig{}, err
	}
	if cfg.blockSize <= 0 {
		return cliConfig{}, fmt.Errorf("block size must be positive, got %d", cfg.blockSize)
	}
	if cfg.blocks < 0 || cfg.report < 0 || cfg.openRetries < 0 {
		return cliConfig{}, fmt.Errorf("blocks, report and open-retries must not be negative")
	}
	return cfg, nil
}

func persistentFromCLI(cfg cliConfig) persistentConfig {
	return persistentConfig{
		DeviceArgs:   cfg.deviceArgs,
		Channel:      cfg.channel,
		Frequency:    float64(cfg.frequency),
		SampleRate:   float64(cfg.sampleRate),
		Bandwidth:    float64(cfg.bandwidth),
		Gain:         cfg.gain,
		AutoGain:     cfg.autoGain,
		Antenna:      cfg.antenna,
		DCAuto:       cfg.dcAuto,
		PPM:          cfg.ppm,
		ClockSource:  cfg.clockSource,
		ReadTimeout:  cfg.readTimeout.String(),
		StallTimeout: cfg.stallTimeout.String(),
		OpenRetries:  cfg.openRetries,
		BlockSize:    cfg.blockSize,
		Report:       cfg.report,
		LogLevel:     cfg.logLevel,
		LogFormat:    cfg.logFormat,
	}
}

func (c cliConfig) sourceConfig() source.Config {
	return source.Config{
		DeviceArgs:          c.deviceArgs,
		Channel:             c.channel,
		Frequency:           float64(c.frequency),
		Gain:                c.gain,
		AutoGain:            c.autoGain,
		SampleRate:          float64(c.sampleRate),
		Bandwidth:           float64(c.bandwidth),
		Antenna:             c.antenna,
		DCOffsetAuto:        c.dcAuto,
		FrequencyCorrection: c.ppm,
		ClockSource:         c.clockSource,
		ReadTimeout:         c.readTimeout,
		StallTimeout:        c.stallTimeout,
	}
}

func loadOrCreateConfig(path string) (persistentConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := defaultPersistentConfig()
			if saveErr := saveConfig(path, cfg); saveErr != nil {
				return persistentConfig{}, saveErr
			}
			return cfg, nil
		}
		return persistentConfig{}, err
	}
	defer f.Close()

	cfg := defaultPersistentConfig()
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return persistentConfig{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return cfg, nil
}

func saveConfig(path string, cfg persistentConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer, lookup func(string) (string, bool)) error {
	configPath := envString(lookup, "SDRSRC_CONFIG", defaultConfigPath)
	persistent, err := loadOrCreateConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg, err := parseConfig(args, lookup, persistent)
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if err := saveConfig(configPath, persistentFromCLI(cfg)); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	level, err := logging.ParseLevel(cfg.logLevel)
	if err != nil {
		return err
	}
	format, err := logging.ParseFormat(cfg.logFormat)
	if err != nil {
		return err
	}
	logger := logging.New(level, format, os.Stderr)
	logging.SetDefault(logger)

	src, err := openSource(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer src.Close()

	if cfg.commands && stdin != nil {
		go feedCommands(ctx, stdin, src, logger)
	}

	var out *bufio.Writer
	if cfg.outPath != "" {
		f, err := os.Create(cfg.outPath)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer f.Close()
		out = bufio.NewWriterSize(f, 1<<16)
		defer out.Flush()
	}

	var spectrum *dsp.Spectrum
	if cfg.report > 0 {
		size := min(cfg.blockSize, 4096)
		if spectrum, err = dsp.NewSpectrum(size, float64(cfg.sampleRate)); err != nil {
			return err
		}
	}

	buf := make([]complex64, cfg.blockSize)
	block := 0
	for ; cfg.blocks == 0 || block < cfg.blocks; block++ {
		if ctx.Err() != nil {
			break
		}
		n, err := src.Read(buf)
		if err != nil {
			return fmt.Errorf("read block %d: %w", block, err)
		}
		if out != nil {
			if err := binary.Write(out, binary.LittleEndian, buf[:n]); err != nil {
				return fmt.Errorf("write block %d: %w", block, err)
			}
		}
		if spectrum != nil && (block+1)%cfg.report == 0 {
			report(stdout, block, src, spectrum, buf[:n])
		}
	}

	st := src.Stats()
	fmt.Fprintf(stdout, "read %d blocks, %d samples in %d device reads (%d without samples, %d timeouts)\n",
		block, st.Samples, st.Chunks, st.ZeroReads, st.Timeouts)
	return nil
}

// openSource retries transient open failures. Unknown or missing drivers
// fail at once.
func openSource(ctx context.Context, cfg cliConfig, logger logging.Logger) (*source.Source, error) {
	var src *source.Source
	op := func() error {
		s, err := newSource(ctx, cfg.sourceConfig(), source.WithLogger(logger))
		if err != nil {
			if errors.Is(err, device.ErrUnknownDriver) || errors.Is(err, device.ErrNoDriver) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		src = s
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(cfg.openRetries)), ctx)
	notify := func(err error, wait time.Duration) {
		logger.Warn("open failed, retrying", logging.Err(err), logging.Field{Key: "wait", Value: wait})
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	return src, nil
}

func report(w io.Writer, block int, src *source.Source, spectrum *dsp.Spectrum, samples []complex64) {
	db := spectrum.DBFS(samples)
	// skip the bins around DC where LO leakage sits
	n := spectrum.Size()
	guard := n / 64
	lower, okLower := spectrum.PeakInBand(db, 0, n/2-guard)
	upper, okUpper := spectrum.PeakInBand(db, n/2+guard+1, n)
	peak := lower
	if okUpper && (!okLower || upper.Power > lower.Power) {
		peak = upper
	}
	center := src.Manager().ChannelConfig(src.Channel()).Frequency
	fmt.Fprintf(w, "block %d: center %.6f MHz, peak %+.1f kHz at %.1f dBFS, mean power %.1f dBFS\n",
		block, center/1e6, peak.Offset/1e3, peak.Power, dsp.Power(samples))
}

// feedCommands decodes one JSON object per line and applies it.
func feedCommands(ctx context.Context, r io.Reader, src *source.Source, logger logging.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := source.DecodeMessage(line)
		if err != nil {
			logger.Warn("bad command line", logging.Err(err))
			continue
		}
		src.Command(msg)
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("command input", logging.Err(err))
	}
}

// hertz accepts plain floats such as 2.4e6 as well as SI suffixed values
// such as 433.92M.
type hertz float64

func (h hertz) String() string { return si.ScientificNotation(h).String() }

func (h *hertz) Set(value string) error {
	if v, err := strconv.ParseFloat(value, 64); err == nil {
		*h = hertz(v)
		return nil
	}
	var v si.ScientificNotation
	if err := v.Set(value); err != nil {
		return err
	}
	*h = hertz(v)
	return nil
}

func envSI(lookup func(string) (string, bool), key string, def float64) hertz {
	if val, ok := lookup(key); ok {
		var v hertz
		if err := v.Set(val); err == nil {
			return v
		}
	}
	return hertz(def)
}

func envFloat(lookup func(string) (string, bool), key string, def float64) float64 {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return def
}

func envInt(lookup func(string) (string, bool), key string, def int) int {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func envBool(lookup func(string) (string, bool), key string, def bool) bool {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return def
}

func envDuration(lookup func(string) (string, bool), key, def string) time.Duration {
	if val, ok := lookup(key); ok {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	parsed, _ := time.ParseDuration(def)
	return parsed
}

func envString(lookup func(string) (string, bool), key, def string) string {
	if val, ok := lookup(key); ok {
		return val
	}
	return def
}
