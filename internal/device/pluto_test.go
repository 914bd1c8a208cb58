package device

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

const plutoContextXML = `<?xml version="1.0"?><context name="network"><device id="iio:device0" name="ad9361-phy"/><device id="iio:device2" name="cf-ad9361-dds-core-lpc"/><device id="iio:device3" name="cf-ad9361-lpc"/></context>`

type iiodOp struct {
	cmd     string
	payload int
	reply   []byte
}

func textOp(cmd string, payload int, reply string) iiodOp {
	return iiodOp{cmd: cmd, payload: payload, reply: []byte(reply)}
}

func startIIODServer(t *testing.T, ops []iiodOp) (string, chan error) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		defer listener.Close()
		conn, err := listener.Accept()
		if err != nil {
			errCh <- err
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		for _, op := range ops {
			line, err := reader.ReadString('\n')
			if err != nil {
				errCh <- fmt.Errorf("read command: %w", err)
				return
			}
			if got := strings.TrimSpace(line); got != op.cmd {
				errCh <- fmt.Errorf("unexpected command %q, want %q", got, op.cmd)
				return
			}
			if op.payload > 0 {
				if _, err := io.CopyN(io.Discard, reader, int64(op.payload)); err != nil {
					errCh <- err
					return
				}
			}
			if _, err := conn.Write(op.reply); err != nil {
				errCh <- err
				return
			}
		}
		errCh <- nil
	}()
	return listener.Addr().String(), errCh
}

func printOp() iiodOp {
	return textOp("PRINT", 0, fmt.Sprintf("%d\n%s\n", len(plutoContextXML), plutoContextXML))
}

func TestPlutoControlAndStream(t *testing.T) {
	iq := make([]byte, 8)
	binary.LittleEndian.PutUint16(iq[0:], uint16(1024))
	binary.LittleEndian.PutUint16(iq[2:], uint16(0xFC00)) // -1024
	binary.LittleEndian.PutUint16(iq[4:], uint16(2047))
	binary.LittleEndian.PutUint16(iq[6:], 0)
	readReply := append([]byte("8\n00000003\n"), iq...)

	addr, errCh := startIIODServer(t, []iiodOp{
		printOp(),
		textOp("WRITE ad9361-phy OUTPUT altvoltage0 frequency 9", 9, "9\n"),
		textOp("WRITE ad9361-phy INPUT voltage0 gain_control_mode 6", 6, "6\n"),
		textOp("WRITE ad9361-phy INPUT voltage0 hardwaregain 2", 2, "2\n"),
		textOp("WRITE ad9361-phy INPUT voltage0 rf_port_select 10", 10, "10\n"),
		textOp("WRITE ad9361-phy INPUT voltage0 bb_dc_offset_tracking_en 1", 1, "1\n"),
		textOp("OPEN cf-ad9361-lpc 4 00000003", 0, "0\n"),
		{cmd: "READBUF cf-ad9361-lpc 16", reply: append(readReply, []byte("0\n")...)},
		textOp("CLOSE cf-ad9361-lpc", 0, "0\n"),
	})

	dev, err := Open(context.Background(), "driver=pluto,mtu=4,addr="+addr)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer dev.Close()

	if err := dev.SetFrequency(0, 100e6); err != nil {
		t.Fatalf("frequency: %v", err)
	}
	if err := dev.SetGainMode(0, false); err != nil {
		t.Fatalf("gain mode: %v", err)
	}
	if err := dev.SetGain(0, 30); err != nil {
		t.Fatalf("gain: %v", err)
	}
	if err := dev.SetAntenna(0, "A_BALANCED"); err != nil {
		t.Fatalf("antenna: %v", err)
	}
	if !dev.HasDCOffsetMode(0) || dev.HasDCOffset(0) || dev.HasIQBalance(0) {
		t.Fatalf("unexpected capabilities")
	}
	if err := dev.SetDCOffsetMode(0, true); err != nil {
		t.Fatalf("dc mode: %v", err)
	}

	if err := dev.SetupStream(0); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := dev.ActivateStream(); err != nil {
		t.Fatalf("activate: %v", err)
	}
	buf := make([]complex64, 16)
	st, err := dev.ReadStream(buf, time.Second)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := []complex64{complex(0.5, -0.5), complex(float32(2047)/2048, 0)}
	if st.N != len(want) {
		t.Fatalf("read %d samples, want %d", st.N, len(want))
	}
	for i := range want {
		if buf[i] != want[i] {
			t.Fatalf("sample %d = %v, want %v", i, buf[i], want[i])
		}
	}
	if err := dev.DeactivateStream(); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("server: %v", err)
	}
}

func TestPlutoShortBufferRead(t *testing.T) {
	iq := make([]byte, 4)
	binary.LittleEndian.PutUint16(iq[0:], uint16(1024))
	binary.LittleEndian.PutUint16(iq[2:], uint16(0xFC00))

	addr, errCh := startIIODServer(t, []iiodOp{
		printOp(),
		textOp("OPEN cf-ad9361-lpc 4 00000003", 0, "0\n"),
		{cmd: "READBUF cf-ad9361-lpc 16", reply: append(append([]byte("4\n00000003\n"), iq...), []byte("0\n")...)},
		textOp("CLOSE cf-ad9361-lpc", 0, "0\n"),
	})

	dev, err := Open(context.Background(), "driver=pluto,mtu=4,addr="+addr)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer dev.Close()

	if err := dev.SetupStream(0); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := dev.ActivateStream(); err != nil {
		t.Fatalf("activate: %v", err)
	}

	buf := make([]complex64, 16)
	st, err := dev.ReadStream(buf, time.Second)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if st.N != 1 {
		t.Fatalf("expected one sample, got %d", st.N)
	}
	if buf[0] != complex(float32(0.5), float32(-0.5)) {
		t.Fatalf("sample = %v", buf[0])
	}
	if err := dev.CloseStream(); err != nil {
		t.Fatalf("close stream: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("server: %v", err)
	}
}

func TestPlutoUsesAdvertisedScanFormat(t *testing.T) {
	doc := `<context><device id="iio:device0" name="ad9361-phy"/><device id="iio:device3" name="cf-ad9361-lpc">` +
		`<channel id="voltage0" type="input"><scan-element index="0" format="be:S12/16&gt;&gt;4"/></channel>` +
		`<channel id="voltage1" type="input"><scan-element index="1" format="be:S12/16&gt;&gt;4"/></channel>` +
		`</device></context>`
	iq := []byte{0x40, 0x00, 0xC0, 0x00} // 1024<<4, -1024<<4
	addr, errCh := startIIODServer(t, []iiodOp{
		textOp("PRINT", 0, fmt.Sprintf("%d\n%s\n", len(doc), doc)),
		textOp("OPEN cf-ad9361-lpc 4 00000003", 0, "0\n"),
		{cmd: "READBUF cf-ad9361-lpc 16", reply: append(append([]byte("4\n00000003\n"), iq...), []byte("0\n")...)},
		textOp("CLOSE cf-ad9361-lpc", 0, "0\n"),
	})

	dev, err := Open(context.Background(), "driver=pluto,mtu=4,addr="+addr)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer dev.Close()
	if err := dev.SetupStream(0); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := dev.ActivateStream(); err != nil {
		t.Fatalf("activate: %v", err)
	}
	buf := make([]complex64, 4)
	st, err := dev.ReadStream(buf, time.Second)
	if err != nil || st.N != 1 {
		t.Fatalf("read = %d, %v", st.N, err)
	}
	if buf[0] != complex(float32(0.5), float32(-0.5)) {
		t.Fatalf("sample = %v", buf[0])
	}
	if err := dev.CloseStream(); err != nil {
		t.Fatalf("close stream: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("server: %v", err)
	}
}

func TestPlutoMissingDevices(t *testing.T) {
	doc := `<context><device id="iio:device0" name="adm1177"/></context>`
	addr, _ := startIIODServer(t, []iiodOp{
		textOp("PRINT", 0, fmt.Sprintf("%d\n%s\n", len(doc), doc)),
	})
	if _, err := Open(context.Background(), "driver=pluto,addr="+addr); err == nil || !strings.Contains(err.Error(), "AD9361") {
		t.Fatalf("expected missing device error, got %v", err)
	}
}

func TestPlutoRejectedWriteWithoutFallback(t *testing.T) {
	addr, _ := startIIODServer(t, []iiodOp{
		printOp(),
		textOp("WRITE ad9361-phy INPUT voltage1 rf_bandwidth 7", 7, "-13\n"),
	})
	dev, err := Open(context.Background(), "driver=pluto,addr="+addr)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer dev.Close()

	err = dev.SetBandwidth(1, 2000000)
	if err == nil || !strings.Contains(err.Error(), "rf_bandwidth") {
		t.Fatalf("expected write error, got %v", err)
	}
	var chErr *ChannelError
	if err := dev.SetBandwidth(2, 1); !errors.As(err, &chErr) {
		t.Fatalf("expected channel error, got %v", err)
	}
}

func TestSysfsAttributePath(t *testing.T) {
	w, err := NewSSHAttributeWriter(SSHConfig{Host: "pluto.local"})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	cases := []struct {
		channel string
		output  bool
		want    string
	}{
		{"", false, "/sys/bus/iio/devices/iio:device0/calib_mode"},
		{"voltage0", false, "/sys/bus/iio/devices/iio:device0/in_voltage0_calib_mode"},
		{"altvoltage0", true, "/sys/bus/iio/devices/iio:device0/out_altvoltage0_calib_mode"},
	}
	for _, c := range cases {
		if got := w.attributePath("iio:device0", c.channel, c.output, "calib_mode"); got != c.want {
			t.Fatalf("path = %q, want %q", got, c.want)
		}
	}
	if got := shellQuote("it's"); got != `'it'\''s'` {
		t.Fatalf("quote = %s", got)
	}
}
