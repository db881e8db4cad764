package cyclic

import (
	"math/big"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRand(seed int64) func() uint64 {
	r := rand.New(rand.NewSource(seed))
	return func() uint64 { return r.Uint64() }
}

func TestMulMod(t *testing.T) {
	assert.Equal(t, uint64(4), MulMod(2, 2, 7))
	assert.Equal(t, uint64(1), MulMod(3, 5, 7))
	// Operands near 2^48 must not overflow 64-bit arithmetic.
	a := uint64(1)<<48 - 1
	m := uint64(281474976710677) // prime just above 2^48
	want := new(big.Int).Mul(new(big.Int).SetUint64(a), new(big.Int).SetUint64(a))
	want.Mod(want, new(big.Int).SetUint64(m))
	assert.Equal(t, want.Uint64(), MulMod(a, a, m))
}

func TestPowMod(t *testing.T) {
	assert.Equal(t, uint64(1), PowMod(3, 0, 7))
	assert.Equal(t, uint64(2), PowMod(3, 2, 7))
	assert.Equal(t, uint64(1), PowMod(3, 6, 7)) // Fermat
}

func TestNewGroupFindsPrimeAndRoot(t *testing.T) {
	g, err := NewGroup(100, testRand(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(101), g.Prime)
	require.NotZero(t, g.PrimRoot)
	// A primitive root's order is exactly p-1: no proper-divisor power
	// may hit 1.
	for _, f := range g.PrimeFactors {
		assert.NotEqual(t, uint64(1), PowMod(g.PrimRoot, (g.Prime-1)/f, g.Prime))
	}
}

func TestFactorize(t *testing.T) {
	assert.Equal(t, []uint64{2, 5}, factorize(100))
	assert.Equal(t, []uint64{2, 3, 5}, factorize(60))
	assert.Equal(t, []uint64{97}, factorize(97))
}

// collect drains an iterator into a slice.
func collect(it *Iterator) []uint64 {
	var out []uint64
	for {
		v, ok := it.Next()
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

func TestSingleWorkerVisitsEveryTargetOnce(t *testing.T) {
	const n = 100
	g, err := NewGroup(n, testRand(2))
	require.NoError(t, err)
	cycle := NewCycle(g, n, 12345)
	seen := collect(cycle.Iter(0, 1))
	require.Len(t, seen, n)
	sort.Slice(seen, func(i, j int) bool { return seen[i] < seen[j] })
	for i, v := range seen {
		assert.Equal(t, uint64(i), v)
	}
}

func TestShardedWorkersPartitionExactly(t *testing.T) {
	const n = 257
	g, err := NewGroup(n, testRand(3))
	require.NoError(t, err)
	cycle := NewCycle(g, n, 99)
	for _, cfg := range []struct{ shards, senders uint32 }{
		{1, 1}, {1, 4}, {4, 1}, {3, 2}, {5, 3},
	} {
		var all []uint64
		for s := uint32(0); s < cfg.shards; s++ {
			for w := uint32(0); w < cfg.senders; w++ {
				offset, workers := Workers(s, cfg.shards, w, cfg.senders)
				all = append(all, collect(cycle.Iter(offset, workers))...)
			}
		}
		require.Len(t, all, n, "shards=%d senders=%d", cfg.shards, cfg.senders)
		sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
		for i, v := range all {
			require.Equal(t, uint64(i), v, "shards=%d senders=%d", cfg.shards, cfg.senders)
		}
	}
}

func TestShardingMatchesUnshardedRun(t *testing.T) {
	const n = 256 // a /24 of one port
	g, err := NewGroup(n, testRand(4))
	require.NoError(t, err)
	cycle := NewCycle(g, n, 0xDEADBEEF)

	whole := collect(cycle.Iter(0, 1))
	var sharded []uint64
	for s := uint32(0); s < 4; s++ {
		offset, workers := Workers(s, 4, 0, 1)
		sharded = append(sharded, collect(cycle.Iter(offset, workers))...)
	}
	sort.Slice(whole, func(i, j int) bool { return whole[i] < whole[j] })
	sort.Slice(sharded, func(i, j int) bool { return sharded[i] < sharded[j] })
	assert.Equal(t, whole, sharded)
}

func TestPermutationIsSeedDeterministic(t *testing.T) {
	const n = 64
	g, err := NewGroup(n, testRand(5))
	require.NoError(t, err)
	a := collect(NewCycle(g, n, 7).Iter(0, 1))
	b := collect(NewCycle(g, n, 7).Iter(0, 1))
	c := collect(NewCycle(g, n, 8).Iter(0, 1))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestDenseFitNoSkips(t *testing.T) {
	// n = p-1 for p = 7: every group element is a valid index.
	g := &Group{Prime: 7, PrimRoot: 3, PrimeFactors: []uint64{2, 3}}
	seen := collect(NewCycle(g, 6, 1).Iter(0, 1))
	assert.Len(t, seen, 6)
}

func TestMoreWorkersThanCycle(t *testing.T) {
	const n = 3
	g, err := NewGroup(n, testRand(6))
	require.NoError(t, err)
	cycle := NewCycle(g, n, 5)
	var all []uint64
	for w := uint64(0); w < 16; w++ {
		all = append(all, collect(cycle.Iter(w, 16))...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	assert.Equal(t, []uint64{0, 1, 2}, all)
}
