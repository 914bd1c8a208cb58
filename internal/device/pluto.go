package device

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rjboer/sdrsource/internal/iiod"
	"github.com/rjboer/sdrsource/internal/mdns"
)

const (
	defaultPlutoAddr = "192.168.2.1:30431"
	defaultPlutoMTU  = 4096

	// used when the context does not describe the rx scan elements
	defaultPlutoFormat = "le:S12/16>>0"
)

// PlutoDevice drives an AD9361 (PlutoSDR and friends) over IIOD.
type PlutoDevice struct {
	client *iiod.Client
	phy    iiod.DeviceInfo
	rx     iiod.DeviceInfo
	sysfs  *SSHAttributeWriter

	cmdTimeout time.Duration
	mtu        int
	format     iiod.ScanFormat
	scale      float32

	streamCh     int
	streamSetup  bool
	streamActive bool
	raw          []byte
}

func openPluto(ctx context.Context, args Args) (Device, error) {
	mtu, err := args.Int("mtu", defaultPlutoMTU)
	if err != nil {
		return nil, err
	}
	if mtu <= 0 {
		return nil, fmt.Errorf("pluto: mtu must be positive, got %d", mtu)
	}
	timeoutMs, err := args.Int("timeout_ms", 5000)
	if err != nil {
		return nil, err
	}

	addr := args.Get("addr", defaultPlutoAddr)
	if addr == "auto" {
		browseCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		addr, err = mdns.FirstIIOD(browseCtx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("pluto: discover: %w", err)
		}
	}

	client, err := iiod.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	d, err := newPluto(ctx, client, mtu, time.Duration(timeoutMs)*time.Millisecond)
	if err != nil {
		client.Close()
		return nil, err
	}

	sshCfg, ok, err := sshConfigFromArgs(args)
	if err != nil {
		client.Close()
		return nil, err
	}
	if ok {
		if d.sysfs, err = NewSSHAttributeWriter(sshCfg); err != nil {
			client.Close()
			return nil, err
		}
	}
	return d, nil
}

func newPluto(ctx context.Context, client *iiod.Client, mtu int, cmdTimeout time.Duration) (*PlutoDevice, error) {
	client.SetTimeout(cmdTimeout)
	devices, err := client.Devices(ctx)
	if err != nil {
		return nil, fmt.Errorf("pluto: list devices: %w", err)
	}
	phy, rx, ok := identifyAD9361(devices)
	if !ok {
		return nil, fmt.Errorf("pluto: AD9361 devices not found (phy=%q rx=%q)", phy.Label(), rx.Label())
	}
	format, err := rxFormat(rx)
	if err != nil {
		return nil, err
	}
	return &PlutoDevice{
		client:     client,
		phy:        phy,
		rx:         rx,
		cmdTimeout: cmdTimeout,
		mtu:        mtu,
		format:     format,
		scale:      float32(1 / format.FullScale()),
	}, nil
}

// rxFormat returns the storage format of the I and Q scan elements. Both
// share the format of voltage0.
func rxFormat(rx iiod.DeviceInfo) (iiod.ScanFormat, error) {
	if ch, ok := rx.Channel("voltage0", false); ok && ch.Scan != nil {
		if ch.Scan.Repeat != 1 {
			return iiod.ScanFormat{}, fmt.Errorf("pluto: unsupported rx scan repeat %d", ch.Scan.Repeat)
		}
		return *ch.Scan, nil
	}
	return iiod.ParseScanFormat(defaultPlutoFormat)
}

// frameBytes is the size of one I/Q pair in a buffer.
func (d *PlutoDevice) frameBytes() int { return 2 * d.format.StorageBytes() }

func identifyAD9361(devices []iiod.DeviceInfo) (phy, rx iiod.DeviceInfo, ok bool) {
	for _, dev := range devices {
		switch strings.ToLower(dev.Name) {
		case "ad9361-phy":
			phy = dev
		case "cf-ad9361-lpc":
			rx = dev
		}
	}
	return phy, rx, phy.Label() != "" && rx.Label() != ""
}

func (d *PlutoDevice) Driver() string { return "pluto" }

func (d *PlutoDevice) check(ch int) error {
	if ch != 0 && ch != 1 {
		return &ChannelError{Driver: "pluto", Channel: ch}
	}
	return nil
}

func rxChannel(ch int) string { return fmt.Sprintf("voltage%d", ch) }

// writeAttr writes a phy attribute, retrying over SSH sysfs when IIOD
// rejects the write and a fallback is configured.
func (d *PlutoDevice) writeAttr(ch iiod.Channel, attr, value string) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.cmdTimeout)
	defer cancel()

	err := d.client.WriteAttr(ctx, d.phy.Label(), ch, attr, value)
	if err == nil {
		return nil
	}
	var remote *iiod.RemoteError
	if d.sysfs == nil || !errors.As(err, &remote) || d.phy.ID == "" {
		return fmt.Errorf("pluto: write %s: %w", attr, err)
	}
	if serr := d.sysfs.WriteAttribute(ctx, d.phy.ID, ch.ID, ch.Output, attr, value); serr != nil {
		return fmt.Errorf("pluto: write %s: %w (sysfs fallback: %v)", attr, err, serr)
	}
	return nil
}

func formatHz(v float64) string { return strconv.FormatFloat(v, 'f', 0, 64) }

// SetFrequency tunes the shared RX LO.
func (d *PlutoDevice) SetFrequency(ch int, hz float64) error {
	if err := d.check(ch); err != nil {
		return err
	}
	return d.writeAttr(iiod.Out("altvoltage0"), "frequency", formatHz(hz))
}

func (d *PlutoDevice) SetGain(ch int, db float64) error {
	if err := d.check(ch); err != nil {
		return err
	}
	return d.writeAttr(iiod.In(rxChannel(ch)), "hardwaregain", strconv.FormatFloat(db, 'f', -1, 64))
}

func (d *PlutoDevice) SetGainMode(ch int, automatic bool) error {
	if err := d.check(ch); err != nil {
		return err
	}
	mode := "manual"
	if automatic {
		mode = "slow_attack"
	}
	return d.writeAttr(iiod.In(rxChannel(ch)), "gain_control_mode", mode)
}

func (d *PlutoDevice) SetSampleRate(ch int, rate float64) error {
	if err := d.check(ch); err != nil {
		return err
	}
	return d.writeAttr(iiod.In("voltage0"), "sampling_frequency", formatHz(rate))
}

func (d *PlutoDevice) SetBandwidth(ch int, bw float64) error {
	if err := d.check(ch); err != nil {
		return err
	}
	return d.writeAttr(iiod.In(rxChannel(ch)), "rf_bandwidth", formatHz(bw))
}

func (d *PlutoDevice) SetAntenna(ch int, name string) error {
	if err := d.check(ch); err != nil {
		return err
	}
	return d.writeAttr(iiod.In(rxChannel(ch)), "rf_port_select", name)
}

func (d *PlutoDevice) HasDCOffset(int) bool { return false }

func (d *PlutoDevice) SetDCOffset(int, complex128) error {
	return fmt.Errorf("pluto: dc offset: %w", ErrNotSupported)
}

// HasDCOffsetMode reports the baseband DC tracking loop.
func (d *PlutoDevice) HasDCOffsetMode(ch int) bool { return d.check(ch) == nil }

func (d *PlutoDevice) SetDCOffsetMode(ch int, automatic bool) error {
	if err := d.check(ch); err != nil {
		return err
	}
	v := "0"
	if automatic {
		v = "1"
	}
	return d.writeAttr(iiod.In("voltage0"), "bb_dc_offset_tracking_en", v)
}

func (d *PlutoDevice) HasFrequencyCorrection(int) bool { return false }

func (d *PlutoDevice) SetFrequencyCorrection(int, float64) error {
	return fmt.Errorf("pluto: frequency correction: %w", ErrNotSupported)
}

func (d *PlutoDevice) HasIQBalance(int) bool { return false }

func (d *PlutoDevice) SetIQBalance(int, complex128) error {
	return fmt.Errorf("pluto: iq balance: %w", ErrNotSupported)
}

func (d *PlutoDevice) SetMasterClockRate(float64) error {
	return fmt.Errorf("pluto: master clock rate: %w", ErrNotSupported)
}

func (d *PlutoDevice) SetClockSource(name string) error {
	if name != "internal" {
		return fmt.Errorf("pluto: clock source %q: %w", name, ErrNotSupported)
	}
	return nil
}

func (d *PlutoDevice) SetFrontendMapping(string) error {
	return fmt.Errorf("pluto: frontend mapping: %w", ErrNotSupported)
}

func (d *PlutoDevice) SetupStream(ch int) error {
	if err := d.check(ch); err != nil {
		return err
	}
	if d.streamSetup {
		return ErrStreamExists
	}
	d.streamCh = ch
	d.streamSetup = true
	d.raw = make([]byte, d.frameBytes()*d.mtu)
	return nil
}

// channelMask selects the I and Q scan elements of the stream channel.
func (d *PlutoDevice) channelMask() uint32 {
	return 0x3 << (2 * uint(d.streamCh))
}

func (d *PlutoDevice) ActivateStream() error {
	if !d.streamSetup {
		return ErrNoStream
	}
	if d.streamActive {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.cmdTimeout)
	defer cancel()
	if err := d.client.OpenBuffer(ctx, d.rx.Label(), d.mtu, d.channelMask()); err != nil {
		return fmt.Errorf("pluto: open rx buffer: %w", err)
	}
	d.streamActive = true
	return nil
}

func (d *PlutoDevice) DeactivateStream() error {
	if !d.streamSetup {
		return ErrNoStream
	}
	if !d.streamActive {
		return nil
	}
	d.streamActive = false
	ctx, cancel := context.WithTimeout(context.Background(), d.cmdTimeout)
	defer cancel()
	if err := d.client.CloseBuffer(ctx, d.rx.Label()); err != nil {
		return fmt.Errorf("pluto: close rx buffer: %w", err)
	}
	return nil
}

func (d *PlutoDevice) CloseStream() error {
	if !d.streamSetup {
		return ErrNoStream
	}
	err := d.DeactivateStream()
	d.streamSetup = false
	return err
}

func (d *PlutoDevice) StreamMTU() int { return d.mtu }

// ReadStream issues one READBUF. A timeout part way through a reply leaves
// the connection out of step with the server, so every transport failure is
// reported as a stream error rather than a timeout.
func (d *PlutoDevice) ReadStream(buf []complex64, timeout time.Duration) (StreamStatus, error) {
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

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	frame := d.frameBytes()
	raw := d.raw[:frame*want]
	n, err := d.client.ReadBuffer(ctx, d.rx.Label(), raw)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return StreamStatus{}, fmt.Errorf("pluto: %w: %v", ErrStreamError, err)
		}
		var remote *iiod.RemoteError
		if errors.As(err, &remote) {
			return StreamStatus{}, fmt.Errorf("pluto: %w: %v", ErrStreamError, err)
		}
		return StreamStatus{}, fmt.Errorf("pluto: %w: %v", ErrCorruption, err)
	}

	width := d.format.StorageBytes()
	samples := n / frame
	for i := 0; i < samples; i++ {
		off := i * frame
		re := d.format.Extract(raw[off : off+width])
		im := d.format.Extract(raw[off+width : off+frame])
		buf[i] = complex(float32(re)*d.scale, float32(im)*d.scale)
	}
	return StreamStatus{N: samples}, nil
}

func (d *PlutoDevice) Close() error {
	var firstErr error
	if d.sysfs != nil {
		firstErr = d.sysfs.Close()
	}
	if err := d.client.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
