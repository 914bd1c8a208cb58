package device

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

type rtlCommand struct {
	Op    uint8
	Param uint32
}

// startRTLTCPServer greets with a dongle header, records the first
// nCommands commands, then writes each of chunks, waiting for a value on
// next between them.
func startRTLTCPServer(t *testing.T, nCommands int, chunks [][]byte, next <-chan struct{}) (string, <-chan []rtlCommand) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	cmds := make(chan []rtlCommand, 1)
	go func() {
		defer listener.Close()
		conn, err := listener.Accept()
		if err != nil {
			close(cmds)
			return
		}
		defer conn.Close()

		header := make([]byte, 12)
		copy(header, "RTL0")
		binary.BigEndian.PutUint32(header[4:], 5) // R820T
		binary.BigEndian.PutUint32(header[8:], 29)
		conn.Write(header)

		var got []rtlCommand
		for i := 0; i < nCommands; i++ {
			var raw [5]byte
			if _, err := io.ReadFull(conn, raw[:]); err != nil {
				break
			}
			got = append(got, rtlCommand{Op: raw[0], Param: binary.BigEndian.Uint32(raw[1:])})
		}
		cmds <- got

		for i, chunk := range chunks {
			if i > 0 {
				<-next
			}
			conn.Write(chunk)
		}
		// hold the connection open until the client closes it
		io.Copy(io.Discard, conn)
	}()
	return listener.Addr().String(), cmds
}

func TestRTLTCPControl(t *testing.T) {
	addr, cmds := startRTLTCPServer(t, 6, nil, nil)

	dev, err := Open(context.Background(), "driver=rtltcp,addr="+addr)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer dev.Close()

	info := dev.(Describer).Describe()
	if info["tuner"] != "R820T" || info["gain_steps"] != "29" {
		t.Fatalf("unexpected dongle info %v", info)
	}

	steps := []func() error{
		func() error { return dev.SetFrequency(0, 100e6) },
		func() error { return dev.SetSampleRate(0, 2.4e6) },
		func() error { return dev.SetGainMode(0, false) },
		func() error { return dev.SetGain(0, 19.7) },
		func() error { return dev.SetFrequencyCorrection(0, -3) },
		func() error { return dev.SetMasterClockRate(28.8e6) },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	want := []rtlCommand{
		{1, 100000000},
		{2, 2400000},
		{3, 1},
		{4, 197},
		{5, uint32(0xFFFFFFFD)},
		{11, 28800000},
	}
	select {
	case got := <-cmds:
		if len(got) != len(want) {
			t.Fatalf("got %d commands, want %d", len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("command %d = %+v, want %+v", i, got[i], want[i])
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server did not receive commands")
	}

	var chErr *ChannelError
	if err := dev.SetFrequency(1, 1); !errors.As(err, &chErr) {
		t.Fatalf("expected channel error, got %v", err)
	}
	if err := dev.SetAntenna(0, "TX"); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("expected ErrNotSupported, got %v", err)
	}
	if dev.HasDCOffset(0) || dev.HasIQBalance(0) || !dev.HasFrequencyCorrection(0) {
		t.Fatalf("unexpected capabilities")
	}
}

func TestRTLTCPStreamCarriesOddBytes(t *testing.T) {
	next := make(chan struct{})
	chunks := [][]byte{
		{255, 0, 0, 255, 128}, // two samples and half of a third
		{128, 64, 192},        // completes the third, one more
	}
	addr, cmds := startRTLTCPServer(t, 0, chunks, next)

	dev, err := Open(context.Background(), "driver=rtltcp,mtu=8,addr="+addr)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer dev.Close()
	<-cmds

	if err := dev.SetupStream(0); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := dev.ActivateStream(); err != nil {
		t.Fatalf("activate: %v", err)
	}

	var samples []complex64
	buf := make([]complex64, 8)
	sent := false
	deadline := time.Now().Add(3 * time.Second)
	for len(samples) < 4 && time.Now().Before(deadline) {
		st, err := dev.ReadStream(buf, 200*time.Millisecond)
		if err != nil && !errors.Is(err, ErrTimeout) {
			t.Fatalf("read: %v", err)
		}
		samples = append(samples, buf[:st.N]...)
		if len(samples) >= 2 && !sent {
			close(next)
			sent = true
		}
	}
	if len(samples) != 4 {
		t.Fatalf("got %d samples, want 4", len(samples))
	}

	want := []complex64{
		complex(u8ToFloat(255), u8ToFloat(0)),
		complex(u8ToFloat(0), u8ToFloat(255)),
		complex(u8ToFloat(128), u8ToFloat(128)),
		complex(u8ToFloat(64), u8ToFloat(192)),
	}
	for i := range want {
		if samples[i] != want[i] {
			t.Fatalf("sample %d = %v, want %v", i, samples[i], want[i])
		}
	}
}
