// Package blocklist answers which IPv4 addresses a scan may probe and
// exposes the dense index-to-address bijection the sender iterates
// over. Allowed space is kept as sorted disjoint intervals, so lookups
// and the bijection are binary searches instead of a 2^32 table.
package blocklist

import (
	"bufio"
	"encoding/binary"
	"net"
	"os"
	"sort"
	"strings"

	"github.com/bits-and-blooms/bitset"
	"github.com/pkg/errors"
)

type interval struct {
	start, end uint32 // inclusive
}

// Set is the allowed address space, immutable once built.
type Set struct {
	intervals []interval
	cum       []uint64 // cumulative allowed count before each interval
	count     uint64
}

// Builder accumulates allow/block rules before freezing into a Set.
// Rules follow the original tool's precedence: the allowed universe is
// the allowlist (or everything when none is given) minus the blocklist.
type Builder struct {
	allow     []interval
	block     []interval
	haveAllow bool
}

func NewBuilder() *Builder {
	return &Builder{}
}

// Allow adds a CIDR (or bare address) to the allowed universe.
func (b *Builder) Allow(cidr string) error {
	iv, err := parseCIDR(cidr)
	if err != nil {
		return err
	}
	b.allow = append(b.allow, iv)
	b.haveAllow = true
	return nil
}

// Block removes a CIDR from the allowed universe.
func (b *Builder) Block(cidr string) error {
	iv, err := parseCIDR(cidr)
	if err != nil {
		return err
	}
	b.block = append(b.block, iv)
	return nil
}

// AllowFile reads an allowlist file, one CIDR per line, '#' comments.
func (b *Builder) AllowFile(path string) error {
	return b.eachLine(path, b.Allow)
}

// BlockFile reads a blocklist file, one CIDR per line, '#' comments.
func (b *Builder) BlockFile(path string) error {
	return b.eachLine(path, b.Block)
}

func (b *Builder) eachLine(path string, add func(string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "opening address list")
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" {
			continue
		}
		if err := add(line); err != nil {
			return errors.Wrapf(err, "%s", path)
		}
	}
	return scanner.Err()
}

// Build freezes the rules into an immutable Set.
func (b *Builder) Build() *Set {
	allowed := b.allow
	if !b.haveAllow {
		allowed = []interval{{0, 0xFFFFFFFF}}
	}
	allowed = normalize(allowed)
	for _, blk := range normalize(b.block) {
		allowed = subtract(allowed, blk)
	}
	s := &Set{intervals: allowed}
	s.cum = make([]uint64, len(allowed))
	for i, iv := range allowed {
		s.cum[i] = s.count
		s.count += uint64(iv.end-iv.start) + 1
	}
	return s
}

// Count returns the number of allowed addresses.
func (s *Set) Count() uint64 {
	return s.count
}

// NotAllowedCount returns the number of excluded addresses.
func (s *Set) NotAllowedCount() uint64 {
	return 1<<32 - s.count
}

// Contains reports whether addr is allowed.
func (s *Set) Contains(addr uint32) bool {
	i := sort.Search(len(s.intervals), func(i int) bool {
		return s.intervals[i].end >= addr
	})
	return i < len(s.intervals) && s.intervals[i].start <= addr
}

// AddrAt maps a dense index in [0, Count()) to its address. This is the
// bijection the sender resolves iterator output through.
func (s *Set) AddrAt(index uint64) uint32 {
	i := sort.Search(len(s.cum), func(i int) bool {
		return s.cum[i] > index
	}) - 1
	return s.intervals[i].start + uint32(index-s.cum[i])
}

func parseCIDR(text string) (interval, error) {
	if !strings.ContainsRune(text, '/') {
		text += "/32"
	}
	_, network, err := net.ParseCIDR(text)
	if err != nil {
		return interval{}, errors.Wrapf(err, "parsing %q", text)
	}
	ip4 := network.IP.To4()
	if ip4 == nil {
		return interval{}, errors.Errorf("%q is not an IPv4 network", text)
	}
	ones, _ := network.Mask.Size()
	start := binary.BigEndian.Uint32(ip4)
	size := uint32(0xFFFFFFFF) >> ones
	if ones == 0 {
		size = 0xFFFFFFFF
	}
	return interval{start: start, end: start + size}, nil
}

// normalize sorts and merges overlapping or adjacent intervals.
func normalize(ivs []interval) []interval {
	if len(ivs) == 0 {
		return nil
	}
	sorted := make([]interval, len(ivs))
	copy(sorted, ivs)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].start < sorted[j].start
	})
	merged := sorted[:1]
	for _, iv := range sorted[1:] {
		last := &merged[len(merged)-1]
		if iv.start <= last.end || (last.end != 0xFFFFFFFF && iv.start == last.end+1) {
			if iv.end > last.end {
				last.end = iv.end
			}
			continue
		}
		merged = append(merged, iv)
	}
	return merged
}

// subtract removes blk from every interval in ivs.
func subtract(ivs []interval, blk interval) []interval {
	var out []interval
	for _, iv := range ivs {
		if blk.end < iv.start || blk.start > iv.end {
			out = append(out, iv)
			continue
		}
		if blk.start > iv.start {
			out = append(out, interval{iv.start, blk.start - 1})
		}
		if blk.end < iv.end {
			out = append(out, interval{blk.end + 1, iv.end})
		}
	}
	return out
}

// IPBitmap tracks an explicit list of target addresses loaded from a
// file; the sender consults it in addition to the allowed set when
// --list-of-ips-file is given. Bits are paged per /16 so a short list
// does not cost the full 2^32 bitmap.
type IPBitmap struct {
	pages map[uint16]*bitset.BitSet
	count uint64
}

// LoadIPFile reads one address per line into a bitmap.
func LoadIPFile(path string) (*IPBitmap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening IP list")
	}
	defer f.Close()
	m := &IPBitmap{pages: make(map[uint16]*bitset.BitSet)}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ip := net.ParseIP(line)
		if ip == nil || ip.To4() == nil {
			return nil, errors.Errorf("%s: invalid IPv4 address %q", path, line)
		}
		addr := binary.BigEndian.Uint32(ip.To4())
		bits := m.pages[uint16(addr>>16)]
		if bits == nil {
			bits = bitset.New(1 << 16)
			m.pages[uint16(addr>>16)] = bits
		}
		if !bits.Test(uint(addr & 0xFFFF)) {
			bits.Set(uint(addr & 0xFFFF))
			m.count++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

// Contains reports whether addr is in the list.
func (m *IPBitmap) Contains(addr uint32) bool {
	bits := m.pages[uint16(addr>>16)]
	return bits != nil && bits.Test(uint(addr&0xFFFF))
}

// Count returns the number of distinct listed addresses.
func (m *IPBitmap) Count() uint64 {
	return m.count
}
