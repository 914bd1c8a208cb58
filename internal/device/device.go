// Package device defines the receive-side radio driver contract used by the
// sample source, together with the argument-string parser, the driver
// registry and the bundled backends (mock, rtltcp, pluto).
package device

import (
	"errors"
	"fmt"
	"time"
)

// Device is an open radio. Channel arguments address independent receive
// paths. Implementations are not required to be safe for concurrent use;
// callers serialize access.
type Device interface {
	Driver() string

	SetFrequency(ch int, hz float64) error
	SetGain(ch int, db float64) error
	SetGainMode(ch int, automatic bool) error
	SetSampleRate(ch int, rate float64) error
	SetBandwidth(ch int, bw float64) error
	SetAntenna(ch int, name string) error

	HasDCOffset(ch int) bool
	SetDCOffset(ch int, offset complex128) error
	HasDCOffsetMode(ch int) bool
	SetDCOffsetMode(ch int, automatic bool) error
	HasFrequencyCorrection(ch int) bool
	SetFrequencyCorrection(ch int, ppm float64) error
	HasIQBalance(ch int) bool
	SetIQBalance(ch int, balance complex128) error

	SetMasterClockRate(rate float64) error
	SetClockSource(name string) error
	SetFrontendMapping(mapping string) error

	// SetupStream prepares a complex float receive stream on ch. A device
	// carries at most one stream.
	SetupStream(ch int) error
	ActivateStream() error
	DeactivateStream() error
	CloseStream() error
	// StreamMTU is the largest number of samples a single ReadStream call
	// can deliver.
	StreamMTU() int
	// ReadStream fills at most len(buf) samples, waiting no longer than
	// timeout. Fewer samples than requested, including zero, is normal.
	ReadStream(buf []complex64, timeout time.Duration) (StreamStatus, error)

	Close() error
}

// StreamStatus is the result of one ReadStream call.
type StreamStatus struct {
	N int
}

// Describer is implemented by devices that report hardware details once
// connected, such as the tuner chip.
type Describer interface {
	Describe() map[string]string
}

// StreamError is a hardware stream error code.
type StreamError int

const (
	ErrTimeout     StreamError = -1
	ErrStreamError StreamError = -2
	ErrCorruption  StreamError = -3
	ErrOverflow    StreamError = -4
	ErrTimeError   StreamError = -6
	ErrUnderflow   StreamError = -7
)

func (e StreamError) Error() string {
	switch e {
	case ErrTimeout:
		return "stream timeout"
	case ErrStreamError:
		return "stream error"
	case ErrCorruption:
		return "stream corruption"
	case ErrOverflow:
		return "stream overflow"
	case ErrTimeError:
		return "stream time error"
	case ErrUnderflow:
		return "stream underflow"
	default:
		return fmt.Sprintf("stream error code %d", int(e))
	}
}

var (
	ErrNoDriver      = errors.New("no driver specified")
	ErrUnknownDriver = errors.New("unknown driver")
	ErrNotSupported  = errors.New("not supported by device")
	ErrNoStream      = errors.New("stream not set up")
	ErrStreamExists  = errors.New("stream already set up")
)

// ChannelError reports an operation addressed to a channel the device does
// not have.
type ChannelError struct {
	Driver  string
	Channel int
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("%s: invalid channel %d", e.Driver, e.Channel)
}
