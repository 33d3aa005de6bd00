// Package rng provides keyed, order-independent random draws. A draw depends only on the
// run seed and its key, so resolving envelopes in parallel or in a different order yields
// the same outcomes.
package rng

import "math"

type Stream uint64

const (
	StreamDelivery Stream = iota + 1
	StreamBroadcast
	StreamRealize
	StreamResponse
	StreamNoise
)

func mix64(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// HashString is FNV-1a; ids are hashed once and reused as draw keys.
func HashString(s string) uint64 {
	h := uint64(14695981039346656037)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

// Hash folds the seed, stream and key parts into one 64-bit value.
func Hash(seed int64, stream Stream, parts ...uint64) uint64 {
	v := mix64(uint64(seed) ^ (uint64(stream) * 0xc2b2ae3d27d4eb4f))
	for _, p := range parts {
		v = mix64(v ^ (p * 0x9e3779b97f4a7c15))
	}
	return v
}

// Float returns a uniform value in [0,1).
func Float(seed int64, stream Stream, parts ...uint64) float64 {
	return float64(Hash(seed, stream, parts...)>>11) / (1 << 53)
}

// Bernoulli draws true with probability p. p<=0 never succeeds and p>=1 always does.
func Bernoulli(p float64, seed int64, stream Stream, parts ...uint64) bool {
	if math.IsNaN(p) || p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	return Float(seed, stream, parts...) < p
}
