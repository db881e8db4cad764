// Package cyclic enumerates a target index space in a shuffled order by
// walking the multiplicative group modulo a prime just above the space
// size. The walk is a permutation, needs no materialized table, and can
// be partitioned deterministically across shards and sender threads.
package cyclic

import (
	"math/big"
	"math/bits"

	"github.com/pkg/errors"
)

// primrootAttempts bounds the random search for a primitive root.
const primrootAttempts = 1024

// Group describes the multiplicative group mod Prime together with a
// primitive root and the prime factorization of Prime-1, which is what
// order checks against candidate roots need.
type Group struct {
	Prime        uint64
	PrimRoot     uint64
	PrimeFactors []uint64
}

// NewGroup finds the smallest prime strictly greater than n and a
// primitive root of its multiplicative group. rand supplies candidate
// roots; it must be deterministic for reproducible runs.
func NewGroup(n uint64, rand func() uint64) (*Group, error) {
	if n >= 1<<48 {
		return nil, errors.Errorf("target space too large: %d", n)
	}
	p := nextPrime(n + 1)
	factors := factorize(p - 1)
	g := &Group{Prime: p, PrimeFactors: factors}
	for i := 0; i < primrootAttempts; i++ {
		candidate := 2 + rand()%(p-2)
		if g.isPrimRoot(candidate) {
			g.PrimRoot = candidate
			return g, nil
		}
	}
	return nil, errors.Errorf("no primitive root found mod %d after %d attempts", p, primrootAttempts)
}

// isPrimRoot reports whether candidate generates the whole group, by
// checking that its order is not a proper divisor of Prime-1.
func (g *Group) isPrimRoot(candidate uint64) bool {
	if candidate%g.Prime == 0 {
		return false
	}
	for _, f := range g.PrimeFactors {
		if PowMod(candidate, (g.Prime-1)/f, g.Prime) == 1 {
			return false
		}
	}
	return true
}

// MulMod returns a*b mod m without overflowing, for m < 2^63.
func MulMod(a, b, m uint64) uint64 {
	hi, lo := bits.Mul64(a%m, b%m)
	_, rem := bits.Div64(hi, lo, m)
	return rem
}

// PowMod returns base^exp mod m by square-and-multiply.
func PowMod(base, exp, m uint64) uint64 {
	result := uint64(1)
	base %= m
	for exp > 0 {
		if exp&1 == 1 {
			result = MulMod(result, base, m)
		}
		base = MulMod(base, base, m)
		exp >>= 1
	}
	return result
}

// nextPrime returns the smallest prime >= n.
func nextPrime(n uint64) uint64 {
	if n <= 2 {
		return 2
	}
	for candidate := n; ; candidate++ {
		if new(big.Int).SetUint64(candidate).ProbablyPrime(32) {
			return candidate
		}
	}
}

// factorize returns the distinct prime factors of n by trial division.
// n is at most 2^48 here, so the divisor bound is 2^24 and this only
// runs once at startup.
func factorize(n uint64) []uint64 {
	var factors []uint64
	for d := uint64(2); d*d <= n; d++ {
		if n%d == 0 {
			factors = append(factors, d)
			for n%d == 0 {
				n /= d
			}
		}
	}
	if n > 1 {
		factors = append(factors, n)
	}
	return factors
}
