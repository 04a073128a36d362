// Package rng provides the seeded pseudorandom source shared by the simulation
// and the population generator. Identical seeds yield identical sequences, so
// the order of draws is part of every caller's observable behavior.
package rng

import "math"

// Source is a Mulberry32 generator. It is not safe for concurrent use.
type Source struct {
	state uint32
}

// New returns a Source seeded with seed.
func New(seed uint32) *Source {
	return &Source{state: seed}
}

// Float64 returns the next uniform draw in [0,1).
func (s *Source) Float64() float64 {
	s.state += 0x6d2b79f5
	t := s.state
	t = (t ^ (t >> 15)) * (t | 1)
	t ^= t + (t^(t>>7))*(t|61)
	return float64(t^(t>>14)) / 4294967296
}

// Intn returns floor(u*n) for a single uniform draw u. n must be positive.
func (s *Source) Intn(n int) int {
	return int(math.Floor(s.Float64() * float64(n)))
}

// Poisson draws a Poisson-distributed count using Knuth's multiplication
// method. At least one uniform draw is always consumed.
func (s *Source) Poisson(lambda float64) int {
	limit := math.Exp(-lambda)
	k := 0
	p := 1.0
	for {
		k++
		p *= s.Float64()
		if p <= limit {
			break
		}
	}
	return k - 1
}

// Normal draws a normal deviate with the Box-Muller transform. Both uniforms
// are always consumed; a first draw below 1e-10 returns mean unchanged.
func (s *Source) Normal(mean, sigma float64) float64 {
	u1 := s.Float64()
	u2 := s.Float64()
	if u1 < 1e-10 {
		return mean
	}
	z := math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
	return mean + sigma*z
}

// Clamp limits x to [lo, hi].
func Clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}
