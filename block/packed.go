package block

import (
	"fmt"
)

// Packed mode stores 12-bit I/Q values with no padding: four complex
// samples (4 * 24 bits) occupy exactly three 32-bit words. The sizing
// conversions below are used by every buffer calculation in the driver and
// must be exact in both directions.

// PackedWords returns the number of words required to hold n packed complex
// samples, rounding up when n is not a multiple of four.
func PackedWords(n int) int {
	return (3*n + 3) / 4
}

// PackedSamples returns the number of complete complex samples held by w
// packed words. Partial trailing samples do not count.
func PackedSamples(w int) int {
	return 4 * w / 3
}

// UnpackedWords returns the number of words required for n unpacked complex
// samples: one word per sample.
func UnpackedWords(n int) int { return n }

const (
	minSample12 = -2048
	maxSample12 = 2047
)

// PackIQ12 packs interleaved 12-bit samples (Q0, I0, Q1, I1, ... in int16
// carriers, matching the unpacked payload order) into the packed wire
// layout. The complex sample count must be a multiple of four so that the
// result fills whole words, and every value must fit in 12 signed bits;
// out-of-range values are an error, never truncated.
func PackIQ12(samples []int16) ([]byte, error) {
	if len(samples)%8 != 0 {
		return nil, fmt.Errorf("packed groups hold 4 complex samples; got %d values", len(samples))
	}
	out := make([]byte, len(samples)*3/2)
	var acc uint32
	nbits := 0
	j := 0
	for k, s := range samples {
		if s < minSample12 || s > maxSample12 {
			return nil, fmt.Errorf("sample %d value %d exceeds 12-bit range", k, s)
		}
		acc = acc<<12 | uint32(uint16(s))&0xfff
		nbits += 12
		for nbits >= 8 {
			nbits -= 8
			out[j] = byte(acc >> uint(nbits))
			j++
		}
	}
	return out, nil
}

// UnpackIQ12 expands packed payload bytes into interleaved sign-extended
// int16 values (Q0, I0, Q1, I1, ...). The byte count must describe whole
// packed groups.
func UnpackIQ12(packed []byte) ([]int16, error) {
	if len(packed)%12 != 0 {
		return nil, fmt.Errorf("%w: packed payload of %d bytes is not group aligned", ErrMalformedBlock, len(packed))
	}
	out := make([]int16, len(packed)*2/3)
	var acc uint32
	nbits := 0
	j := 0
	for _, b := range packed {
		acc = acc<<8 | uint32(b)
		nbits += 8
		if nbits >= 12 {
			nbits -= 12
			v := acc >> uint(nbits) & 0xfff
			// sign extend from bit 11
			out[j] = int16(v<<4) >> 4
			j++
		}
	}
	return out, nil
}
