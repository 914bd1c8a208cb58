package source

import (
	"fmt"
	"sync"

	"github.com/rjboer/sdrsource/internal/device"
	"github.com/rjboer/sdrsource/internal/logging"
)

// Manager applies configuration to a device and remembers what was asked
// for. Setters are serialized against each other; each individual device
// call additionally takes the device guard shared with the read loop.
type Manager struct {
	guard *guard
	log   logging.Logger

	mu       sync.Mutex
	channels map[int]*ChannelConfig
}

func newManager(g *guard, log logging.Logger) *Manager {
	return &Manager{
		guard:    g,
		log:      log,
		channels: make(map[int]*ChannelConfig),
	}
}

// ChannelConfig returns the last requested configuration of ch.
func (m *Manager) ChannelConfig(ch int) ChannelConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.channels[ch]; ok {
		return *c
	}
	return ChannelConfig{}
}

// state returns the mutable record of ch. Callers hold m.mu.
func (m *Manager) state(ch int) *ChannelConfig {
	c, ok := m.channels[ch]
	if !ok {
		c = &ChannelConfig{}
		m.channels[ch] = c
	}
	return c
}

func (m *Manager) call(op string, ch int, fn func(device.Device) error) error {
	if err := m.guard.do(fn); err != nil {
		return fmt.Errorf("%s channel %d: %w", op, ch, err)
	}
	return nil
}

func (m *Manager) skip(op string, ch int, reason string) {
	m.log.Debug("skipping device write",
		logging.Field{Key: "op", Value: op},
		logging.Field{Key: "channel", Value: ch},
		logging.Field{Key: "reason", Value: reason},
	)
}

func (m *Manager) SetFrequency(ch int, hz float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state(ch).Frequency = hz
	return m.call("set frequency", ch, func(d device.Device) error { return d.SetFrequency(ch, hz) })
}

// SetGain writes a manual gain. Under automatic gain the value is only
// recorded.
func (m *Manager) SetGain(ch int, db float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(ch)
	st.Gain = db
	if st.AutoGain {
		m.skip("set gain", ch, "automatic gain")
		return nil
	}
	return m.call("set gain", ch, func(d device.Device) error { return d.SetGain(ch, db) })
}

// SetGainMode switches between manual and automatic gain. Switching to
// manual writes gain first so the device never runs manual with a stale
// value. The mode flag is written in both cases.
func (m *Manager) SetGainMode(ch int, gain float64, automatic bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(ch)
	st.Gain = gain
	if !automatic {
		if err := m.call("set gain", ch, func(d device.Device) error { return d.SetGain(ch, gain) }); err != nil {
			return err
		}
	}
	if err := m.call("set gain mode", ch, func(d device.Device) error { return d.SetGainMode(ch, automatic) }); err != nil {
		return err
	}
	st.AutoGain = automatic
	return nil
}

func (m *Manager) SetSampleRate(ch int, rate float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state(ch).SampleRate = rate
	return m.call("set sample rate", ch, func(d device.Device) error { return d.SetSampleRate(ch, rate) })
}

func (m *Manager) SetBandwidth(ch int, bw float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state(ch).Bandwidth = bw
	return m.call("set bandwidth", ch, func(d device.Device) error { return d.SetBandwidth(ch, bw) })
}

func (m *Manager) SetAntenna(ch int, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state(ch).Antenna = name
	return m.call("set antenna", ch, func(d device.Device) error { return d.SetAntenna(ch, name) })
}

// SetDCOffset writes a manual DC correction. It is skipped while automatic
// DC removal is requested or when the device has no DC offset control.
func (m *Manager) SetDCOffset(ch int, offset complex128, automatic bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state(ch).DCOffset = offset
	if automatic {
		m.skip("set dc offset", ch, "automatic dc offset")
		return nil
	}
	if !m.guard.has(func(d device.Device) bool { return d.HasDCOffset(ch) }) {
		m.skip("set dc offset", ch, "unsupported")
		return nil
	}
	return m.call("set dc offset", ch, func(d device.Device) error { return d.SetDCOffset(ch, offset) })
}

// SetDCOffsetMode forwards the automatic DC removal flag, enable or
// disable, when the device supports it.
func (m *Manager) SetDCOffsetMode(ch int, automatic bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state(ch).DCOffsetAuto = automatic
	if !m.guard.has(func(d device.Device) bool { return d.HasDCOffsetMode(ch) }) {
		m.skip("set dc offset mode", ch, "unsupported")
		return nil
	}
	return m.call("set dc offset mode", ch, func(d device.Device) error { return d.SetDCOffsetMode(ch, automatic) })
}

func (m *Manager) SetFrequencyCorrection(ch int, ppm float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state(ch).FrequencyCorrection = ppm
	if !m.guard.has(func(d device.Device) bool { return d.HasFrequencyCorrection(ch) }) {
		m.skip("set frequency correction", ch, "unsupported")
		return nil
	}
	return m.call("set frequency correction", ch, func(d device.Device) error { return d.SetFrequencyCorrection(ch, ppm) })
}

func (m *Manager) SetIQBalance(ch int, balance complex128) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state(ch).IQBalance = balance
	if !m.guard.has(func(d device.Device) bool { return d.HasIQBalance(ch) }) {
		m.skip("set iq balance", ch, "unsupported")
		return nil
	}
	return m.call("set iq balance", ch, func(d device.Device) error { return d.SetIQBalance(ch, balance) })
}

func (m *Manager) SetClockSource(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard.do(func(d device.Device) error { return d.SetClockSource(name) }); err != nil {
		return fmt.Errorf("set clock source %q: %w", name, err)
	}
	return nil
}

func (m *Manager) SetMasterClockRate(rate float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard.do(func(d device.Device) error { return d.SetMasterClockRate(rate) }); err != nil {
		return fmt.Errorf("set master clock rate: %w", err)
	}
	return nil
}

func (m *Manager) SetFrontendMapping(mapping string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard.do(func(d device.Device) error { return d.SetFrontendMapping(mapping) }); err != nil {
		return fmt.Errorf("set frontend mapping %q: %w", mapping, err)
	}
	return nil
}
