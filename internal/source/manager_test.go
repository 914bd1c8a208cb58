package source

import (
	"bytes"
	"errors"
	"testing"

	"github.com/rjboer/sdrsource/internal/device"
)

func TestAutoGainSuppressesGainWrites(t *testing.T) {
	mock := device.NewMock(fullCaps())
	src, _ := newTestSource(t, mock, Config{Gain: 20, AutoGain: true})

	if n := mock.CallCount("SetGain"); n != 0 {
		t.Fatalf("gain written %d times under automatic gain", n)
	}
	if !mock.Channel(0).GainMode {
		t.Fatalf("automatic gain mode not set")
	}

	mock.ResetCalls()
	if err := src.Manager().SetGain(0, 35); err != nil {
		t.Fatalf("set gain: %v", err)
	}
	src.Command(Message{"gain": 40.0})
	if n := mock.CallCount("SetGain"); n != 0 {
		t.Fatalf("gain written %d times under automatic gain", n)
	}
	if got := src.Manager().ChannelConfig(0).Gain; got != 40 {
		t.Fatalf("requested gain not recorded, got %v", got)
	}
}

func TestManualGainWrittenBeforeMode(t *testing.T) {
	mock := device.NewMock(fullCaps())
	src, _ := newTestSource(t, mock, Config{Gain: 12.5})

	calls := mock.Calls()
	if n := mock.CallCount("SetGain"); n != 1 {
		t.Fatalf("gain written %d times, want 1", n)
	}
	gainAt, modeAt := indexOf(calls, "SetGain"), indexOf(calls, "SetGainMode")
	if gainAt < 0 || modeAt < 0 || gainAt > modeAt {
		t.Fatalf("gain at %d, mode at %d", gainAt, modeAt)
	}
	if calls[gainAt].Value != 12.5 || calls[modeAt].Value != false {
		t.Fatalf("unexpected values %v / %v", calls[gainAt].Value, calls[modeAt].Value)
	}

	// Leaving automatic mode pushes the remembered gain.
	m := src.Manager()
	if err := m.SetGainMode(0, 7, true); err != nil {
		t.Fatalf("auto: %v", err)
	}
	mock.ResetCalls()
	if err := m.SetGainMode(0, 9, false); err != nil {
		t.Fatalf("manual: %v", err)
	}
	got := methods(mock.Calls())
	if len(got) != 2 || got[0] != "SetGain" || got[1] != "SetGainMode" {
		t.Fatalf("calls = %v", got)
	}
	if hw := mock.Channel(0); hw.Gain != 9 || hw.GainMode {
		t.Fatalf("device state %+v", hw)
	}
}

func TestCapabilityGatesNeverWrite(t *testing.T) {
	mock := device.NewMock(device.MockConfig{MTU: 64})
	src, buf := newTestSource(t, mock, Config{
		DCOffset:            complex(0.1, 0.1),
		FrequencyCorrection: 3,
		IQBalance:           complex(1, 0.2),
	})

	m := src.Manager()
	m.SetDCOffset(0, 0.5, false)
	m.SetDCOffsetMode(0, true)
	m.SetFrequencyCorrection(0, 1)
	m.SetIQBalance(0, 1)

	for _, method := range []string{"SetDCOffset", "SetDCOffsetMode", "SetFrequencyCorrection", "SetIQBalance"} {
		if n := mock.CallCount(method); n != 0 {
			t.Fatalf("%s written %d times without capability", method, n)
		}
	}
	if got := m.ChannelConfig(0).FrequencyCorrection; got != 1 {
		t.Fatalf("requested correction not recorded, got %v", got)
	}
	if !bytes.Contains(buf.Bytes(), []byte("reason=unsupported")) {
		t.Fatalf("skip not logged:\n%s", buf.String())
	}
}

func TestDCOffsetSkippedUnderAutomaticMode(t *testing.T) {
	mock := device.NewMock(fullCaps())
	src, _ := newTestSource(t, mock, Config{DCOffset: complex(0.3, 0), DCOffsetAuto: true})

	if n := mock.CallCount("SetDCOffset"); n != 0 {
		t.Fatalf("manual dc offset written %d times in automatic mode", n)
	}
	if !mock.Channel(0).DCOffsetMode {
		t.Fatalf("automatic dc mode not forwarded")
	}

	if err := src.Manager().SetDCOffsetMode(0, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if mock.Channel(0).DCOffsetMode {
		t.Fatalf("disabling automatic dc mode not forwarded")
	}
}

func TestHardwareErrorsPropagate(t *testing.T) {
	mock := device.NewMock(fullCaps())
	src, _ := newTestSource(t, mock, Config{})
	var chErr *device.ChannelError
	if err := src.Manager().SetBandwidth(7, 1e6); !errors.As(err, &chErr) || chErr.Channel != 7 {
		t.Fatalf("expected channel error, got %v", err)
	}
}
