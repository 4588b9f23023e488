// Package field implements arithmetic over the prime field used by the NOCK
// proof hash path. The modulus is p = 2^64 - 2^32 + 1, which admits a fast
// reduction because 2^64 ≡ 2^32 - 1 and 2^96 ≡ -1 (mod p).
package field

import "math/bits"

// Prime is the field modulus, 2^64 - 2^32 + 1.
const Prime uint64 = 0xFFFFFFFF00000001

// Add returns (a + b) mod p. Inputs must be reduced.
func Add(a, b uint64) uint64 {
	r, carry := bits.Add64(a, b, 0)
	if carry == 1 || r >= Prime {
		r -= Prime
	}
	return r
}

// Sub returns (a - b) mod p. Inputs must be reduced.
func Sub(a, b uint64) uint64 {
	r, borrow := bits.Sub64(a, b, 0)
	if borrow == 1 {
		r += Prime
	}
	return r
}

// Mul returns (a * b) mod p. Inputs must be reduced.
func Mul(a, b uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	return Reduce128(lo, hi)
}

// Reduce128 reduces the 128-bit value hi·2^64 + lo modulo p.
func Reduce128(lo, hi uint64) uint64 {
	return Reduce159(lo, uint32(hi), hi>>32)
}

// Reduce159 reduces lo + mid·2^64 + hi·2^96 modulo p, where mid occupies
// bits 64..96 of the value and hi the bits above. Using the congruences
// above this is (lo - hi) + (mid·2^32 - mid) with one correction per step.
// The sequence is fixed so that serialized shares hash identically across
// machines; wrapping arithmetic throughout, no overflow panics.
func Reduce159(lo uint64, mid uint32, hi uint64) uint64 {
	t, borrow := bits.Sub64(lo, hi, 0)
	if borrow == 1 {
		t += Prime
	}

	m := uint64(mid) << 32
	m -= m >> 32

	r, carry := bits.Add64(m, t, 0)
	if carry == 1 {
		r -= Prime
	}

	if r >= Prime {
		r -= Prime
	}
	return r
}
