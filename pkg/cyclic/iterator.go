package cyclic

// Cycle walks the full permutation of [0, N) induced by repeated
// multiplication by the group's primitive root, starting from a seeded
// offset. Elements of the group larger than N are skipped so the walk
// emits exactly the N valid target indices.
type Cycle struct {
	Group *Group
	N     uint64 // target space size; indices emitted are in [0, N)
	X0    uint64 // seeded start element, in [1, Prime)
}

// NewCycle seeds a cycle over a target space of size n. seed picks the
// start element; the same (group, n, seed) always yields the same
// permutation.
func NewCycle(g *Group, n uint64, seed uint64) *Cycle {
	return &Cycle{
		Group: g,
		N:     n,
		X0:    1 + seed%(g.Prime-1),
	}
}

// Iterator yields one worker's slice of the cycle. Workers are
// identified by a flat offset in [0, workers) and advance by
// generator^workers, so the exponent sequence offset, offset+workers,
// offset+2*workers, ... partitions [0, Prime-1) exactly.
type Iterator struct {
	cycle     *Cycle
	stride    uint64 // generator^workers mod Prime
	x         uint64 // current group element
	remaining uint64 // exponents left in this worker's slice
}

// Workers returns the flat worker index and count for sender t of
// sendersPerShard within shard s of totalShards, matching the
// g^(S*T) stride and x0*g^(s+S*t) offset partitioning.
func Workers(shardID, totalShards, senderID, sendersPerShard uint32) (offset, count uint64) {
	count = uint64(totalShards) * uint64(sendersPerShard)
	offset = uint64(shardID) + uint64(totalShards)*uint64(senderID)
	return offset, count
}

// Iter returns the iterator for one worker's partition of the cycle.
// When the worker count exceeds the cycle length the extra workers get
// empty iterators, which degrades tiny scans to fewer senders.
func (c *Cycle) Iter(offset, workers uint64) *Iterator {
	p := c.Group.Prime
	exponents := p - 1 // full cycle length in exponent space
	var remaining uint64
	if offset < exponents {
		remaining = (exponents - offset + workers - 1) / workers
	}
	return &Iterator{
		cycle:     c,
		stride:    PowMod(c.Group.PrimRoot, workers, p),
		x:         MulMod(c.X0, PowMod(c.Group.PrimRoot, offset, p), p),
		remaining: remaining,
	}
}

// Next returns the next target index in this worker's partition, or
// false when the partition is exhausted. Group elements above the
// target space size are consumed without being emitted.
func (it *Iterator) Next() (uint64, bool) {
	p := it.cycle.Group.Prime
	for it.remaining > 0 {
		x := it.x
		it.x = MulMod(it.x, it.stride, p)
		it.remaining--
		if x <= it.cycle.N {
			return x - 1, true
		}
	}
	return 0, false
}

// Remaining reports how many group elements (valid or skipped) the
// iterator has left.
func (it *Iterator) Remaining() uint64 {
	return it.remaining
}
