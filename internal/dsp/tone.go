// Package dsp provides the small amount of signal processing the demo
// tools and loopback tests need: complex tone synthesis for transmit
// payloads and a windowed FFT analyzer to verify what came back.
package dsp

import "math"

// FullScale is the largest sample magnitude a 12-bit converter carries.
const FullScale = 2047

// Tone synthesizes n complex samples of a continuous tone as
// interleaved I/Q, scaled to amplitude counts. The result slice holds
// 2*n int16 values and drops straight into a transmit payload.
func Tone(n int, freqHz, sampleRateHz, amplitude float64) []int16 {
	if n <= 0 {
		return nil
	}
	if amplitude > FullScale {
		amplitude = FullScale
	}
	out := make([]int16, 2*n)
	step := 2 * math.Pi * freqHz / sampleRateHz
	for i := 0; i < n; i++ {
		phase := step * float64(i)
		out[2*i] = int16(math.Round(amplitude * math.Cos(phase)))
		out[2*i+1] = int16(math.Round(amplitude * math.Sin(phase)))
	}
	return out
}

// Ramp fills a payload with a deterministic counter pattern. Useful
// for continuity checks where spectral content is irrelevant.
func Ramp(n int, seed int16) []int16 {
	out := make([]int16, 2*n)
	for i := range out {
		out[i] = seed + int16(i)
	}
	return out
}
