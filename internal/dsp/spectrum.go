package dsp

import (
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Analyzer turns interleaved I/Q payloads into a centered dBFS
// spectrum. The Hamming window, its normalization sum, and the FFT
// plan are computed once per size and reused across blocks.
type Analyzer struct {
	mu        sync.Mutex
	size      int
	window    []float64
	windowSum float64
	fft       *fourier.CmplxFFT
}

// NewAnalyzer builds an analyzer for blocks of size complex samples.
func NewAnalyzer(size int) *Analyzer {
	a := &Analyzer{}
	a.resize(size)
	return a
}

func (a *Analyzer) resize(size int) {
	a.size = size
	a.window = hamming(size)
	a.windowSum = 0
	for _, v := range a.window {
		a.windowSum += v
	}
	a.fft = fourier.NewCmplxFFT(size)
}

func hamming(n int) []float64 {
	if n <= 0 {
		return nil
	}
	win := make([]float64, n)
	for i := range win {
		win[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return win
}

// Spectrum computes the dBFS magnitude spectrum of an interleaved I/Q
// payload, shifted so DC sits at the center bin. A payload whose size
// differs from the plan re-plans transparently.
func (a *Analyzer) Spectrum(iq []int16) []float64 {
	n := len(iq) / 2
	if n == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if n != a.size {
		a.resize(n)
	}

	windowed := make([]complex128, n)
	for i := 0; i < n; i++ {
		windowed[i] = complex(float64(iq[2*i])*a.window[i], float64(iq[2*i+1])*a.window[i])
	}
	coeffs := a.fft.Coefficients(nil, windowed)
	for i := range coeffs {
		coeffs[i] /= complex(a.windowSum, 0)
	}

	// Swap halves so negative frequencies come first.
	half := n / 2
	shifted := make([]complex128, n)
	copy(shifted, coeffs[half:])
	copy(shifted[n-half:], coeffs[:half])
	dbfs := make([]float64, n)
	for i, v := range shifted {
		mag := cmplx.Abs(v)
		if mag == 0 {
			dbfs[i] = math.Inf(-1)
			continue
		}
		dbfs[i] = 20 * math.Log10(mag/(FullScale+1))
	}
	return dbfs
}

// PeakBin returns the index of the strongest bin in a spectrum.
func PeakBin(dbfs []float64) int {
	best := 0
	for i, v := range dbfs {
		if v > dbfs[best] {
			best = i
		}
	}
	return best
}

// BinFrequency maps a shifted-spectrum bin index back to a frequency
// offset from the LO in Hz.
func BinFrequency(bin, size int, sampleRateHz float64) float64 {
	return (float64(bin) - float64(size/2)) * sampleRateHz / float64(size)
}
