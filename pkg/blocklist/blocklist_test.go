package blocklist

import (
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(s string) uint32 {
	return binary.BigEndian.Uint32(net.ParseIP(s).To4())
}

func TestAllowSingleCIDR(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Allow("10.0.0.0/24"))
	s := b.Build()
	assert.Equal(t, uint64(256), s.Count())
	assert.True(t, s.Contains(addr("10.0.0.1")))
	assert.False(t, s.Contains(addr("10.0.1.1")))
}

func TestBlockCarvesHole(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Allow("10.0.0.0/24"))
	require.NoError(t, b.Block("10.0.0.128/25"))
	s := b.Build()
	assert.Equal(t, uint64(128), s.Count())
	assert.True(t, s.Contains(addr("10.0.0.127")))
	assert.False(t, s.Contains(addr("10.0.0.128")))
}

func TestDefaultUniverseMinusBlocklist(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Block("0.0.0.0/1"))
	s := b.Build()
	assert.Equal(t, uint64(1)<<31, s.Count())
	assert.Equal(t, uint64(1)<<31, s.NotAllowedCount())
}

func TestAddrAtIsABijection(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Allow("10.0.0.0/30"))
	require.NoError(t, b.Allow("192.168.1.8/30"))
	s := b.Build()
	require.Equal(t, uint64(8), s.Count())
	seen := map[uint32]bool{}
	for i := uint64(0); i < s.Count(); i++ {
		a := s.AddrAt(i)
		assert.True(t, s.Contains(a))
		assert.False(t, seen[a], "address %d emitted twice", a)
		seen[a] = true
	}
	assert.Equal(t, addr("10.0.0.0"), s.AddrAt(0))
	assert.Equal(t, addr("192.168.1.11"), s.AddrAt(7))
}

func TestBareAddressIsSlash32(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Allow("10.0.0.1"))
	s := b.Build()
	assert.Equal(t, uint64(1), s.Count())
	assert.Equal(t, addr("10.0.0.1"), s.AddrAt(0))
}

func TestMergeAdjacentIntervals(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Allow("10.0.0.0/25"))
	require.NoError(t, b.Allow("10.0.0.128/25"))
	s := b.Build()
	assert.Equal(t, uint64(256), s.Count())
}

func TestFileParsingWithComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "allow.conf")
	require.NoError(t, os.WriteFile(path, []byte("# comment\n10.0.0.0/30 # trailing\n\n10.0.0.8/31\n"), 0o644))
	b := NewBuilder()
	require.NoError(t, b.AllowFile(path))
	assert.Equal(t, uint64(6), b.Build().Count())
}

func TestInvalidCIDR(t *testing.T) {
	b := NewBuilder()
	assert.Error(t, b.Allow("not-a-cidr"))
	assert.Error(t, b.Allow("2001:db8::/64"))
}

func TestIPBitmap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ips.txt")
	require.NoError(t, os.WriteFile(path, []byte("10.0.0.1\n10.0.0.2\n10.0.0.1\n"), 0o644))
	m, err := LoadIPFile(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), m.Count())
	assert.True(t, m.Contains(addr("10.0.0.1")))
	assert.False(t, m.Contains(addr("10.0.0.3")))
}
