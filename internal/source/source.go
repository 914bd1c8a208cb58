package source

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rjboer/sdrsource/internal/device"
	"github.com/rjboer/sdrsource/internal/logging"
)

var (
	// ErrClosed is returned by operations on a closed Source.
	ErrClosed = errors.New("source closed")
	// ErrStalled is returned when the device stops delivering samples for
	// longer than Config.StallTimeout.
	ErrStalled = errors.New("stream stalled")
)

// Opener opens a device from an argument string.
type Opener func(ctx context.Context, args string) (device.Device, error)

// Option customizes New.
type Option func(*options)

type options struct {
	log    logging.Logger
	opener Opener
}

// WithLogger sets the logger used by the source and its manager.
func WithLogger(l logging.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithOpener replaces device.Open, typically to hand in a prepared device.
func WithOpener(fn Opener) Option {
	return func(o *options) {
		if fn != nil {
			o.opener = fn
		}
	}
}

// Stats counts read loop activity since construction.
type Stats struct {
	Reads     uint64
	Chunks    uint64
	Samples   uint64
	ZeroReads uint64
	Timeouts  uint64
}

// Source is a receive stream on one channel of one device. Read and Command
// may be used from different goroutines; Read itself is not reentrant.
type Source struct {
	cfg      Config
	log      logging.Logger
	guard    *guard
	mgr      *Manager
	handlers map[CommandKind]commandHandler
	mtu      int

	errMu sync.Mutex
	fatal error

	reads, chunks, samples, zeroReads, timeouts atomic.Uint64
}

// New opens the device named by cfg.DeviceArgs, applies cfg, and activates
// the receive stream. Any failure closes the device before returning.
func New(ctx context.Context, cfg Config, opts ...Option) (*Source, error) {
	o := options{log: logging.Default(), opener: device.Open}
	for _, opt := range opts {
		opt(&o)
	}
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	dev, err := o.opener(ctx, cfg.DeviceArgs)
	if err != nil {
		return nil, fmt.Errorf("open device: %w", err)
	}

	log := o.log.With(
		logging.Field{Key: "subsystem", Value: "source"},
		logging.Field{Key: "driver", Value: dev.Driver()},
		logging.Field{Key: "channel", Value: cfg.Channel},
	)
	g := &guard{dev: dev}
	s := &Source{
		cfg:   cfg,
		log:   log,
		guard: g,
		mgr:   newManager(g, log),
	}
	if err := s.configure(); err != nil {
		s.Close()
		return nil, err
	}
	s.handlers = s.commandTable()

	log.Info("stream active",
		logging.Field{Key: "mtu", Value: s.mtu},
		logging.Field{Key: "frequency", Value: cfg.Frequency},
		logging.Field{Key: "sample_rate", Value: cfg.SampleRate},
	)
	if d, ok := dev.(device.Describer); ok {
		info := d.Describe()
		fields := make([]logging.Field, 0, len(info))
		keys := make([]string, 0, len(info))
		for k := range info {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fields = append(fields, logging.Field{Key: k, Value: info[k]})
		}
		log.Info("hardware", fields...)
	}
	return s, nil
}

// configure runs the construction sequence. Order matters: gain mode needs
// the gain value, and the stream is only set up once the channel is tuned.
func (s *Source) configure() error {
	cfg, ch, m := s.cfg, s.cfg.Channel, s.mgr

	steps := []struct {
		name string
		run  func() error
	}{
		{"frequency", func() error { return m.SetFrequency(ch, cfg.Frequency) }},
		{"gain", func() error { return m.SetGainMode(ch, cfg.Gain, cfg.AutoGain) }},
		{"sample rate", func() error { return m.SetSampleRate(ch, cfg.SampleRate) }},
		{"bandwidth", func() error { return m.SetBandwidth(ch, cfg.Bandwidth) }},
		{"antenna", func() error {
			if cfg.Antenna == "" {
				return nil
			}
			return m.SetAntenna(ch, cfg.Antenna)
		}},
		{"dc offset", func() error { return m.SetDCOffset(ch, cfg.DCOffset, cfg.DCOffsetAuto) }},
		{"dc offset mode", func() error { return m.SetDCOffsetMode(ch, cfg.DCOffsetAuto) }},
		{"frequency correction", func() error { return m.SetFrequencyCorrection(ch, cfg.FrequencyCorrection) }},
		{"iq balance", func() error { return m.SetIQBalance(ch, cfg.IQBalance) }},
		{"clock source", func() error {
			if cfg.ClockSource == "" {
				return nil
			}
			return m.SetClockSource(cfg.ClockSource)
		}},
		{"master clock rate", func() error {
			if cfg.MasterClockRate <= 0 {
				return nil
			}
			return m.SetMasterClockRate(cfg.MasterClockRate)
		}},
		{"frontend mapping", func() error {
			if cfg.FrontendMapping == "" {
				return nil
			}
			return m.SetFrontendMapping(cfg.FrontendMapping)
		}},
		{"stream", s.startStream},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			return fmt.Errorf("configure %s: %w", step.name, err)
		}
	}
	return nil
}

func (s *Source) startStream() error {
	return s.guard.do(func(d device.Device) error {
		if err := d.SetupStream(s.cfg.Channel); err != nil {
			return fmt.Errorf("setup: %w", err)
		}
		if err := d.ActivateStream(); err != nil {
			return fmt.Errorf("activate: %w", err)
		}
		s.mtu = d.StreamMTU()
		if s.mtu <= 0 {
			return fmt.Errorf("device reported MTU %d", s.mtu)
		}
		return nil
	})
}

// Manager exposes the configuration manager for direct, typed control.
func (s *Source) Manager() *Manager { return s.mgr }

// MTU is the largest number of samples one device read returns.
func (s *Source) MTU() int { return s.mtu }

// Channel is the channel the stream was set up on.
func (s *Source) Channel() int { return s.cfg.Channel }

func (s *Source) Stats() Stats {
	return Stats{
		Reads:     s.reads.Load(),
		Chunks:    s.chunks.Load(),
		Samples:   s.samples.Load(),
		ZeroReads: s.zeroReads.Load(),
		Timeouts:  s.timeouts.Load(),
	}
}

// Err returns the latched stream failure, if any.
func (s *Source) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.fatal
}

func (s *Source) fail(err error) error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.fatal == nil {
		s.fatal = err
		s.log.Error("stream failed", logging.Err(err))
	}
	return s.fatal
}

// Close stops the stream and releases the device. Failures are logged.
// Calling Close more than once is harmless.
func (s *Source) Close() {
	s.guard.shutdown(func(d device.Device) {
		if err := d.DeactivateStream(); err != nil && !errors.Is(err, device.ErrNoStream) {
			s.log.Warn("deactivate stream", logging.Err(err))
		}
		if err := d.CloseStream(); err != nil && !errors.Is(err, device.ErrNoStream) {
			s.log.Warn("close stream", logging.Err(err))
		}
		if err := d.Close(); err != nil {
			s.log.Warn("close device", logging.Err(err))
		}
	})
	s.log.Debug("closed")
}
