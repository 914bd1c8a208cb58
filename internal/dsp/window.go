package dsp

import "math"

// Hamming returns a Hamming window of length n.
// If n is zero or negative, an empty slice is returned.
func Hamming(n int) []float64 {
	if n <= 0 {
		return []float64{}
	}
	if n == 1 {
		return []float64{1}
	}
	win := make([]float64, n)
	for i := 0; i < n; i++ {
		win[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return win
}

// ApplyWindow multiplies samples by window into dst, growing dst as needed.
// Samples beyond the window length are dropped; missing samples are zero.
func ApplyWindow(dst []complex128, samples []complex64, window []float64) []complex128 {
	if cap(dst) < len(window) {
		dst = make([]complex128, len(window))
	}
	dst = dst[:len(window)]
	for i, w := range window {
		if i >= len(samples) {
			dst[i] = 0
			continue
		}
		v := samples[i]
		dst[i] = complex(float64(real(v))*w, float64(imag(v))*w)
	}
	return dst
}
