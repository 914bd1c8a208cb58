package source

import (
	"fmt"
	"time"
)

const (
	DefaultReadTimeout  = time.Second
	DefaultStallTimeout = 5 * time.Second
)

// Config carries the construction parameters of a Source.
type Config struct {
	DeviceArgs string
	Channel    int

	Frequency  float64
	Gain       float64
	AutoGain   bool
	SampleRate float64
	Bandwidth  float64
	// Antenna and ClockSource leave the device default when empty.
	Antenna string

	DCOffset            complex128
	DCOffsetAuto        bool
	FrequencyCorrection float64
	IQBalance           complex128
	ClockSource         string
	// MasterClockRate and FrontendMapping are applied only when set.
	MasterClockRate float64
	FrontendMapping string

	// ReadTimeout bounds each hardware read call.
	ReadTimeout time.Duration
	// StallTimeout bounds how long Read keeps retrying without receiving a
	// sample. Negative disables the bound.
	StallTimeout time.Duration
}

func (c Config) withDefaults() (Config, error) {
	if c.Channel < 0 {
		return Config{}, fmt.Errorf("channel must be non-negative, got %d", c.Channel)
	}
	if c.SampleRate < 0 || c.Bandwidth < 0 {
		return Config{}, fmt.Errorf("sample rate and bandwidth must be non-negative")
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.StallTimeout == 0 {
		c.StallTimeout = DefaultStallTimeout
	}
	return c, nil
}

// ChannelConfig is the last requested configuration of one channel. Values
// skipped by mode or capability gates are still recorded here.
type ChannelConfig struct {
	Frequency           float64
	Gain                float64
	AutoGain            bool
	SampleRate          float64
	Bandwidth           float64
	Antenna             string
	DCOffset            complex128
	DCOffsetAuto        bool
	FrequencyCorrection float64
	IQBalance           complex128
}
