package device

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// MockConfig controls the synthetic device.
type MockConfig struct {
	Channels int
	MTU      int

	// Capabilities reported by the Has* queries.
	DCOffset            bool
	DCOffsetMode        bool
	FrequencyCorrection bool
	IQBalance           bool

	// ToneOffset is the baseband frequency of the generated tone in Hz.
	ToneOffset float64
	// ReadDelay is slept inside every ReadStream call.
	ReadDelay time.Duration
}

// MockCall records one call made against a MockDevice.
type MockCall struct {
	Method  string
	Channel int
	Value   any
}

// MockChannel is the state a MockDevice holds for one channel.
type MockChannel struct {
	Frequency           float64
	Gain                float64
	GainMode            bool
	SampleRate          float64
	Bandwidth           float64
	Antenna             string
	DCOffset            complex128
	DCOffsetMode        bool
	FrequencyCorrection float64
	IQBalance           complex128
}

// MockDevice synthesizes a complex tone and records every control call so
// tests can assert on ordering and gating.
type MockDevice struct {
	mu       sync.Mutex
	cfg      MockConfig
	calls    []MockCall
	channels []MockChannel

	clockSource     string
	masterClockRate float64
	frontendMapping string

	streamCh     int
	streamSetup  bool
	streamActive bool
	closed       bool

	readFunc func(requested int) (int, error)
	rng      *rand.Rand
	phase    float64

	inflight int32
	overlaps int32
}

// NewMock builds a mock device. Zero Channels and MTU default to 1 and 1024.
func NewMock(cfg MockConfig) *MockDevice {
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.MTU <= 0 {
		cfg.MTU = 1024
	}
	return &MockDevice{
		cfg:      cfg,
		channels: make([]MockChannel, cfg.Channels),
		rng:      rand.New(rand.NewSource(1)),
	}
}

func openMock(_ context.Context, args Args) (Device, error) {
	cfg := MockConfig{}
	var err error
	if cfg.Channels, err = args.Int("channels", 1); err != nil {
		return nil, err
	}
	if cfg.MTU, err = args.Int("mtu", 1024); err != nil {
		return nil, err
	}
	if cfg.DCOffset, err = args.Bool("dc_offset", true); err != nil {
		return nil, err
	}
	if cfg.DCOffsetMode, err = args.Bool("dc_offset_mode", true); err != nil {
		return nil, err
	}
	if cfg.FrequencyCorrection, err = args.Bool("freq_corr", true); err != nil {
		return nil, err
	}
	if cfg.IQBalance, err = args.Bool("iq_balance", true); err != nil {
		return nil, err
	}
	if cfg.ToneOffset, err = args.Float("tone", 100e3); err != nil {
		return nil, err
	}
	return NewMock(cfg), nil
}

// SetReadFunc scripts ReadStream. fn receives the requested sample count and
// returns how many samples to deliver or an error. A nil fn delivers the
// full request.
func (m *MockDevice) SetReadFunc(fn func(requested int) (int, error)) {
	m.mu.Lock()
	m.readFunc = fn
	m.mu.Unlock()
}

// Calls returns a copy of the recorded calls.
func (m *MockDevice) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.calls...)
}

// CallCount counts recorded calls to method.
func (m *MockDevice) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// ResetCalls clears the call log.
func (m *MockDevice) ResetCalls() {
	m.mu.Lock()
	m.calls = nil
	m.mu.Unlock()
}

// Channel returns the current state of ch.
func (m *MockDevice) Channel(ch int) MockChannel {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch < 0 || ch >= len(m.channels) {
		return MockChannel{}
	}
	return m.channels[ch]
}

// ClockSource returns the last clock source written.
func (m *MockDevice) ClockSource() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clockSource
}

// Closed reports whether Close has been called.
func (m *MockDevice) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// StreamActive reports whether the stream is currently active.
func (m *MockDevice) StreamActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streamActive
}

// Overlaps counts calls that entered while another call was still running.
func (m *MockDevice) Overlaps() int {
	return int(atomic.LoadInt32(&m.overlaps))
}

func (m *MockDevice) enter() {
	if atomic.AddInt32(&m.inflight, 1) > 1 {
		atomic.AddInt32(&m.overlaps, 1)
	}
}

func (m *MockDevice) exit() { atomic.AddInt32(&m.inflight, -1) }

// record logs the call and returns the channel state, or an error when ch is
// out of range.
func (m *MockDevice) record(method string, ch int, value any) (*MockChannel, error) {
	m.calls = append(m.calls, MockCall{Method: method, Channel: ch, Value: value})
	if ch < 0 || ch >= len(m.channels) {
		return nil, &ChannelError{Driver: "mock", Channel: ch}
	}
	return &m.channels[ch], nil
}

func (m *MockDevice) Driver() string { return "mock" }

func (m *MockDevice) SetFrequency(ch int, hz float64) error {
	m.enter()
	defer m.exit()
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.record("SetFrequency", ch, hz)
	if err != nil {
		return err
	}
	c.Frequency = hz
	return nil
}

func (m *MockDevice) SetGain(ch int, db float64) error {
	m.enter()
	defer m.exit()
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.record("SetGain", ch, db)
	if err != nil {
		return err
	}
	c.Gain = db
	return nil
}

func (m *MockDevice) SetGainMode(ch int, automatic bool) error {
	m.enter()
	defer m.exit()
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.record("SetGainMode", ch, automatic)
	if err != nil {
		return err
	}
	c.GainMode = automatic
	return nil
}

func (m *MockDevice) SetSampleRate(ch int, rate float64) error {
	m.enter()
	defer m.exit()
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.record("SetSampleRate", ch, rate)
	if err != nil {
		return err
	}
	c.SampleRate = rate
	return nil
}

func (m *MockDevice) SetBandwidth(ch int, bw float64) error {
	m.enter()
	defer m.exit()
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.record("SetBandwidth", ch, bw)
	if err != nil {
		return err
	}
	c.Bandwidth = bw
	return nil
}

func (m *MockDevice) SetAntenna(ch int, name string) error {
	m.enter()
	defer m.exit()
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.record("SetAntenna", ch, name)
	if err != nil {
		return err
	}
	c.Antenna = name
	return nil
}

func (m *MockDevice) HasDCOffset(int) bool { return m.cfg.DCOffset }

func (m *MockDevice) SetDCOffset(ch int, offset complex128) error {
	m.enter()
	defer m.exit()
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.record("SetDCOffset", ch, offset)
	if err != nil {
		return err
	}
	if !m.cfg.DCOffset {
		return ErrNotSupported
	}
	c.DCOffset = offset
	return nil
}

func (m *MockDevice) HasDCOffsetMode(int) bool { return m.cfg.DCOffsetMode }

func (m *MockDevice) SetDCOffsetMode(ch int, automatic bool) error {
	m.enter()
	defer m.exit()
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.record("SetDCOffsetMode", ch, automatic)
	if err != nil {
		return err
	}
	if !m.cfg.DCOffsetMode {
		return ErrNotSupported
	}
	c.DCOffsetMode = automatic
	return nil
}

func (m *MockDevice) HasFrequencyCorrection(int) bool { return m.cfg.FrequencyCorrection }

func (m *MockDevice) SetFrequencyCorrection(ch int, ppm float64) error {
	m.enter()
	defer m.exit()
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.record("SetFrequencyCorrection", ch, ppm)
	if err != nil {
		return err
	}
	if !m.cfg.FrequencyCorrection {
		return ErrNotSupported
	}
	c.FrequencyCorrection = ppm
	return nil
}

func (m *MockDevice) HasIQBalance(int) bool { return m.cfg.IQBalance }

func (m *MockDevice) SetIQBalance(ch int, balance complex128) error {
	m.enter()
	defer m.exit()
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.record("SetIQBalance", ch, balance)
	if err != nil {
		return err
	}
	if !m.cfg.IQBalance {
		return ErrNotSupported
	}
	c.IQBalance = balance
	return nil
}

func (m *MockDevice) SetMasterClockRate(rate float64) error {
	m.enter()
	defer m.exit()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{Method: "SetMasterClockRate", Value: rate})
	m.masterClockRate = rate
	return nil
}

func (m *MockDevice) SetClockSource(name string) error {
	m.enter()
	defer m.exit()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{Method: "SetClockSource", Value: name})
	m.clockSource = name
	return nil
}

func (m *MockDevice) SetFrontendMapping(mapping string) error {
	m.enter()
	defer m.exit()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{Method: "SetFrontendMapping", Value: mapping})
	m.frontendMapping = mapping
	return nil
}

func (m *MockDevice) SetupStream(ch int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.record("SetupStream", ch, nil); err != nil {
		return err
	}
	if m.streamSetup {
		return ErrStreamExists
	}
	m.streamCh = ch
	m.streamSetup = true
	return nil
}

func (m *MockDevice) ActivateStream() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{Method: "ActivateStream", Channel: m.streamCh})
	if !m.streamSetup {
		return ErrNoStream
	}
	m.streamActive = true
	return nil
}

func (m *MockDevice) DeactivateStream() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{Method: "DeactivateStream", Channel: m.streamCh})
	if !m.streamSetup {
		return ErrNoStream
	}
	m.streamActive = false
	return nil
}

func (m *MockDevice) CloseStream() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{Method: "CloseStream", Channel: m.streamCh})
	if !m.streamSetup {
		return ErrNoStream
	}
	m.streamSetup = false
	m.streamActive = false
	return nil
}

func (m *MockDevice) StreamMTU() int { return m.cfg.MTU }

func (m *MockDevice) ReadStream(buf []complex64, _ time.Duration) (StreamStatus, error) {
	m.enter()
	defer m.exit()
	if m.cfg.ReadDelay > 0 {
		time.Sleep(m.cfg.ReadDelay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{Method: "ReadStream", Channel: m.streamCh, Value: len(buf)})
	if !m.streamSetup {
		return StreamStatus{}, ErrNoStream
	}
	if !m.streamActive {
		return StreamStatus{}, ErrStreamError
	}

	want := len(buf)
	if want > m.cfg.MTU {
		want = m.cfg.MTU
	}
	n := want
	if m.readFunc != nil {
		var err error
		n, err = m.readFunc(want)
		if err != nil {
			return StreamStatus{}, err
		}
		if n > want {
			n = want
		}
		if n < 0 {
			n = 0
		}
	}
	m.synthesize(buf[:n])
	return StreamStatus{N: n}, nil
}

// synthesize writes a unit tone with light noise, continuing the phase
// across calls.
func (m *MockDevice) synthesize(out []complex64) {
	rate := m.channels[m.streamCh].SampleRate
	if rate <= 0 {
		rate = 2e6
	}
	step := 2 * math.Pi * m.cfg.ToneOffset / rate
	for i := range out {
		noiseI := m.rng.NormFloat64() * 1e-4
		noiseQ := m.rng.NormFloat64() * 1e-4
		out[i] = complex64(complex(math.Cos(m.phase)+noiseI, math.Sin(m.phase)+noiseQ))
		m.phase = math.Mod(m.phase+step, 2*math.Pi)
	}
}

func (m *MockDevice) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{Method: "Close"})
	m.closed = true
	return nil
}
