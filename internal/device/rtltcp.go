package device

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"time"

	"github.com/bemasher/rtltcp"
)

const (
	defaultRTLTCPAddr = "127.0.0.1:1234"
	defaultRTLTCPMTU  = 16384
)

// RTLTCPDevice drives an rtl_tcp server. The server streams unsigned 8-bit
// interleaved IQ from the moment the connection is accepted, so the stream
// calls only gate whether samples are handed out.
type RTLTCPDevice struct {
	sdr  rtltcp.SDR
	addr string
	mtu  int

	bandwidth float64

	streamSetup  bool
	streamActive bool
	raw          []byte
	// carry holds the odd trailing byte of the previous read.
	carry []byte
}

func openRTLTCP(_ context.Context, args Args) (Device, error) {
	addr := args.Get("addr", defaultRTLTCPAddr)
	mtu, err := args.Int("mtu", defaultRTLTCPMTU)
	if err != nil {
		return nil, err
	}
	if mtu <= 0 {
		return nil, fmt.Errorf("rtltcp: mtu must be positive, got %d", mtu)
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve rtl_tcp address %s: %w", addr, err)
	}

	d := &RTLTCPDevice{addr: addr, mtu: mtu}
	if err := d.sdr.Connect(tcpAddr); err != nil {
		return nil, err
	}
	return d, nil
}

// Tuner names the tuner chip reported by the server.
func (d *RTLTCPDevice) Tuner() string { return d.sdr.Info.Tuner.String() }

// GainCount is the number of discrete gain steps the tuner supports.
func (d *RTLTCPDevice) GainCount() uint32 { return d.sdr.Info.GainCount }

func (d *RTLTCPDevice) Describe() map[string]string {
	return map[string]string{
		"tuner":      d.Tuner(),
		"gain_steps": strconv.FormatUint(uint64(d.GainCount()), 10),
	}
}

func (d *RTLTCPDevice) Driver() string { return "rtltcp" }

func (d *RTLTCPDevice) check(ch int) error {
	if ch != 0 {
		return &ChannelError{Driver: "rtltcp", Channel: ch}
	}
	return nil
}

func (d *RTLTCPDevice) SetFrequency(ch int, hz float64) error {
	if err := d.check(ch); err != nil {
		return err
	}
	if hz < 0 || hz > math.MaxUint32 {
		return fmt.Errorf("rtltcp: frequency %.0f Hz out of range", hz)
	}
	return d.sdr.SetCenterFreq(uint32(hz))
}

// SetGain takes dB; rtl_tcp wants tenths of a dB.
func (d *RTLTCPDevice) SetGain(ch int, db float64) error {
	if err := d.check(ch); err != nil {
		return err
	}
	return d.sdr.SetGain(uint32(int32(math.Round(db * 10))))
}

func (d *RTLTCPDevice) SetGainMode(ch int, automatic bool) error {
	if err := d.check(ch); err != nil {
		return err
	}
	return d.sdr.SetGainMode(automatic)
}

func (d *RTLTCPDevice) SetSampleRate(ch int, rate float64) error {
	if err := d.check(ch); err != nil {
		return err
	}
	if rate <= 0 || rate > math.MaxUint32 {
		return fmt.Errorf("rtltcp: sample rate %.0f out of range", rate)
	}
	return d.sdr.SetSampleRate(uint32(rate))
}

// SetBandwidth is recorded only; the tuner picks its IF filter from the
// sample rate.
func (d *RTLTCPDevice) SetBandwidth(ch int, bw float64) error {
	if err := d.check(ch); err != nil {
		return err
	}
	d.bandwidth = bw
	return nil
}

func (d *RTLTCPDevice) SetAntenna(ch int, name string) error {
	if err := d.check(ch); err != nil {
		return err
	}
	if name != "RX" {
		return fmt.Errorf("rtltcp: antenna %q: %w", name, ErrNotSupported)
	}
	return nil
}

func (d *RTLTCPDevice) HasDCOffset(int) bool { return false }

func (d *RTLTCPDevice) SetDCOffset(int, complex128) error {
	return fmt.Errorf("rtltcp: dc offset: %w", ErrNotSupported)
}

func (d *RTLTCPDevice) HasDCOffsetMode(int) bool { return false }

func (d *RTLTCPDevice) SetDCOffsetMode(int, bool) error {
	return fmt.Errorf("rtltcp: dc offset mode: %w", ErrNotSupported)
}

func (d *RTLTCPDevice) HasFrequencyCorrection(ch int) bool { return ch == 0 }

func (d *RTLTCPDevice) SetFrequencyCorrection(ch int, ppm float64) error {
	if err := d.check(ch); err != nil {
		return err
	}
	return d.sdr.SetFreqCorrection(uint32(int32(math.Round(ppm))))
}

func (d *RTLTCPDevice) HasIQBalance(int) bool { return false }

func (d *RTLTCPDevice) SetIQBalance(int, complex128) error {
	return fmt.Errorf("rtltcp: iq balance: %w", ErrNotSupported)
}

// SetMasterClockRate sets the RTL2832 crystal frequency.
func (d *RTLTCPDevice) SetMasterClockRate(rate float64) error {
	if rate <= 0 || rate > math.MaxUint32 {
		return fmt.Errorf("rtltcp: xtal frequency %.0f out of range", rate)
	}
	return d.sdr.SetRTLXtalFreq(uint32(rate))
}

func (d *RTLTCPDevice) SetClockSource(name string) error {
	if name != "internal" {
		return fmt.Errorf("rtltcp: clock source %q: %w", name, ErrNotSupported)
	}
	return nil
}

func (d *RTLTCPDevice) SetFrontendMapping(string) error {
	return fmt.Errorf("rtltcp: frontend mapping: %w", ErrNotSupported)
}

func (d *RTLTCPDevice) SetupStream(ch int) error {
	if err := d.check(ch); err != nil {
		return err
	}
	if d.streamSetup {
		return ErrStreamExists
	}
	d.streamSetup = true
	d.raw = make([]byte, 2*d.mtu)
	return nil
}

func (d *RTLTCPDevice) ActivateStream() error {
	if !d.streamSetup {
		return ErrNoStream
	}
	d.streamActive = true
	return nil
}

func (d *RTLTCPDevice) DeactivateStream() error {
	if !d.streamSetup {
		return ErrNoStream
	}
	d.streamActive = false
	return nil
}

func (d *RTLTCPDevice) CloseStream() error {
	if !d.streamSetup {
		return ErrNoStream
	}
	d.streamSetup = false
	d.streamActive = false
	d.carry = nil
	return nil
}

func (d *RTLTCPDevice) StreamMTU() int { return d.mtu }

func (d *RTLTCPDevice) ReadStream(buf []complex64, timeout time.Duration) (StreamStatus, error) {
	if !d.streamSetup {
		return StreamStatus{}, ErrNoStream
	}
	if !d.streamActive {
		return StreamStatus{}, ErrStreamError
	}

	want := len(buf)
	if want > d.mtu {
		want = d.mtu
	}
	if want == 0 {
		return StreamStatus{}, nil
	}

	raw := d.raw[:2*want]
	held := copy(raw, d.carry)
	d.carry = d.carry[:0]

	if err := d.sdr.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return StreamStatus{}, fmt.Errorf("rtltcp: set deadline: %w", err)
	}
	n, err := d.sdr.Read(raw[held:])
	total := held + n

	samples := total / 2
	for i := 0; i < samples; i++ {
		buf[i] = complex(u8ToFloat(raw[2*i]), u8ToFloat(raw[2*i+1]))
	}
	if total%2 == 1 {
		d.carry = append(d.carry, raw[total-1])
	}

	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			if samples > 0 {
				return StreamStatus{N: samples}, nil
			}
			return StreamStatus{}, ErrTimeout
		}
		return StreamStatus{}, fmt.Errorf("rtltcp: read %s: %w: %v", d.addr, ErrStreamError, err)
	}
	return StreamStatus{N: samples}, nil
}

func u8ToFloat(b byte) float32 {
	return (float32(b) - 127.4) / 128
}

func (d *RTLTCPDevice) Close() error {
	if d.sdr.TCPConn == nil {
		return nil
	}
	return d.sdr.Close()
}
