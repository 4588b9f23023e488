package nock

import (
	"math"
	"math/bits"
)

// TargetForDifficulty returns the leading-u64 target for a difficulty:
// a hash meets difficulty d when its leading word is at most 2^64 / d.
func TargetForDifficulty(difficulty uint64) uint64 {
	if difficulty <= 1 {
		return math.MaxUint64
	}
	q, _ := bits.Div64(1, 0, difficulty)
	return q
}

// MeetsTarget reports whether a hash meets the given leading-u64 target.
func MeetsTarget(hash [32]byte, target uint64) bool {
	return LeadingU64(hash) <= target
}
