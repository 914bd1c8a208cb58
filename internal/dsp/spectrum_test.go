package dsp

import (
	"math"
	"testing"
)

func tone(n int, cycles float64, amp float64) []complex64 {
	out := make([]complex64, n)
	for i := range out {
		phase := 2 * math.Pi * cycles * float64(i) / float64(n)
		out[i] = complex64(complex(amp*math.Cos(phase), amp*math.Sin(phase)))
	}
	return out
}

func TestSpectrumPeak(t *testing.T) {
	const n = 64
	spectrum, err := NewSpectrum(n, 1e6)
	if err != nil {
		t.Fatalf("new spectrum: %v", err)
	}

	db := spectrum.DBFS(tone(n, 8, 1))
	if len(db) != n {
		t.Fatalf("unexpected length %d", len(db))
	}
	p, ok := spectrum.Peak(db)
	if !ok {
		t.Fatalf("no peak")
	}
	if p.Bin != n/2+8 {
		t.Fatalf("expected peak at %d got %d", n/2+8, p.Bin)
	}
	if want := 8 * 1e6 / n; p.Offset != want {
		t.Fatalf("offset = %v, want %v", p.Offset, want)
	}
	// a full scale tone normalized by the window sum sits at 0 dBFS
	if math.Abs(p.Power) > 0.01 {
		t.Fatalf("peak power %.3f dBFS", p.Power)
	}
	for _, v := range db {
		if math.IsNaN(v) {
			t.Fatalf("dbfs contains NaN")
		}
	}

	neg := spectrum.DBFS(tone(n, -4, 0.5))
	if p, _ := spectrum.Peak(neg); p.Bin != n/2-4 || math.Abs(p.Power+6.02) > 0.05 {
		t.Fatalf("negative tone peak %+v", p)
	}
}

func TestPeakInBand(t *testing.T) {
	spectrum, _ := NewSpectrum(8, 8)
	db := []float64{-50, -10, -40, -30, 0, -20, -60, math.Inf(-1)}
	if p, ok := spectrum.PeakInBand(db, 5, 100); !ok || p.Bin != 5 || p.Offset != 1 {
		t.Fatalf("band peak %+v %v", p, ok)
	}
	if _, ok := spectrum.PeakInBand(db, 7, 8); ok {
		t.Fatalf("peak found in silent band")
	}
	if _, ok := spectrum.PeakInBand(db, 6, 2); ok {
		t.Fatalf("peak found in empty band")
	}
}

func TestNewSpectrumValidation(t *testing.T) {
	if _, err := NewSpectrum(1, 1e6); err == nil {
		t.Fatalf("size 1 accepted")
	}
	if _, err := NewSpectrum(16, 0); err == nil {
		t.Fatalf("zero rate accepted")
	}
}

func TestPower(t *testing.T) {
	if p := Power(tone(32, 3, 1)); math.Abs(p) > 1e-6 {
		t.Fatalf("unit tone power %v", p)
	}
	if !math.IsInf(Power(make([]complex64, 4)), -1) || !math.IsInf(Power(nil), -1) {
		t.Fatalf("silence should be -Inf")
	}
}
