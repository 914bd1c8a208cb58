package dsp

import (
	"fmt"
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Spectrum computes Hamming-windowed magnitude spectra of a fixed size. The
// window and FFT plan are built once and reused, so one Spectrum can serve
// many blocks.
type Spectrum struct {
	mu         sync.Mutex
	size       int
	sampleRate float64
	window     []float64
	windowSum  float64
	fft        *fourier.CmplxFFT
	work       []complex128
	coeff      []complex128
}

// NewSpectrum prepares an FFT of size points for samples taken at
// sampleRate Hz.
func NewSpectrum(size int, sampleRate float64) (*Spectrum, error) {
	if size < 2 {
		return nil, fmt.Errorf("spectrum size must be at least 2, got %d", size)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("spectrum sample rate must be positive, got %g", sampleRate)
	}
	window := Hamming(size)
	sum := 0.0
	for _, v := range window {
		sum += v
	}
	return &Spectrum{
		size:       size,
		sampleRate: sampleRate,
		window:     window,
		windowSum:  sum,
		fft:        fourier.NewCmplxFFT(size),
	}, nil
}

func (s *Spectrum) Size() int { return s.size }

// DBFS returns the DC-centred spectrum of samples in dB relative to a full
// scale (unit magnitude) tone. Only the first Size samples are used;
// shorter input is zero padded.
func (s *Spectrum) DBFS(samples []complex64) []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.work = ApplyWindow(s.work, samples, s.window)
	s.coeff = s.fft.Coefficients(s.coeff, s.work)

	n := s.size
	dbfs := make([]float64, n)
	for i, v := range s.coeff {
		mag := cmplx.Abs(v) / s.windowSum
		j := (i + n/2) % n
		if mag == 0 {
			dbfs[j] = math.Inf(-1)
			continue
		}
		dbfs[j] = 20 * math.Log10(mag)
	}
	return dbfs
}

// BinFrequency is the baseband offset in Hz of bin in a DBFS result.
func (s *Spectrum) BinFrequency(bin int) float64 {
	return float64(bin-s.size/2) * s.sampleRate / float64(s.size)
}

// Peak describes the strongest bin of a spectrum.
type Peak struct {
	Bin    int
	Offset float64 // Hz from the tuned centre
	Power  float64 // dBFS
}

// Peak finds the strongest bin of dbfs. ok is false when dbfs is empty or
// holds no finite value.
func (s *Spectrum) Peak(dbfs []float64) (p Peak, ok bool) {
	return s.PeakInBand(dbfs, 0, len(dbfs))
}

// PeakInBand is Peak restricted to bins [start, end), clamped to dbfs.
func (s *Spectrum) PeakInBand(dbfs []float64, start, end int) (p Peak, ok bool) {
	start, end = binRange(len(dbfs), start, end)
	best := math.Inf(-1)
	for i := start; i < end; i++ {
		if dbfs[i] > best {
			best = dbfs[i]
			p.Bin = i
			ok = true
		}
	}
	if !ok {
		return Peak{}, false
	}
	p.Power = best
	p.Offset = s.BinFrequency(p.Bin)
	return p, true
}

// binRange clamps [start,end) to [0,n). An empty interval becomes (0,0).
func binRange(n, start, end int) (int, int) {
	if start < 0 {
		start = 0
	}
	if end > n {
		end = n
	}
	if start >= end {
		return 0, 0
	}
	return start, end
}

// Power returns the mean power of samples in dBFS.
func Power(samples []complex64) float64 {
	if len(samples) == 0 {
		return math.Inf(-1)
	}
	var sum float64
	for _, v := range samples {
		re, im := float64(real(v)), float64(imag(v))
		sum += re*re + im*im
	}
	mean := sum / float64(len(samples))
	if mean == 0 {
		return math.Inf(-1)
	}
	return 10 * math.Log10(mean)
}
