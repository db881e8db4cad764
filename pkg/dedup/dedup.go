// Package dedup suppresses duplicate responses in bounded memory. The
// receiver owns the structure exclusively, so none of the
// implementations lock.
package dedup

import (
	"github.com/bits-and-blooms/bitset"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

// Method names accepted by --dedup-method.
const (
	MethodDefault = "default"
	MethodNone    = "none"
	MethodFull    = "full"
	MethodWindow  = "window"
)

// DefaultWindowSize matches the original tool's window capacity.
const DefaultWindowSize = 1000000

// Key identifies a response for duplicate suppression.
type Key struct {
	Saddr          uint32
	Sport, Dport   uint16
	Classification string
}

// Deduper reports whether a response key has been seen before,
// recording it as seen in the same call.
type Deduper interface {
	SeenBefore(k Key) bool
}

// New selects an implementation by method name. The default is full
// for single-port scans and window otherwise; full with multiple ports
// is a configuration error because the bitmap has no port dimension.
func New(method string, ports int, windowSize int) (Deduper, error) {
	if method == MethodDefault {
		if ports > 1 {
			method = MethodWindow
		} else {
			method = MethodFull
		}
	}
	switch method {
	case MethodNone:
		return none{}, nil
	case MethodFull:
		if ports > 1 {
			return nil, errors.New("full response de-duplication is not supported for multiple ports")
		}
		return &full{pages: make(map[uint16]*bitset.BitSet)}, nil
	case MethodWindow:
		if windowSize <= 0 {
			windowSize = DefaultWindowSize
		}
		cache, err := lru.New(windowSize)
		if err != nil {
			return nil, errors.Wrap(err, "allocating dedup window")
		}
		return &window{cache: cache}, nil
	}
	return nil, errors.Errorf("invalid dedup method %q (legal: default, none, full, window)", method)
}

// none passes every response through.
type none struct{}

func (none) SeenBefore(Key) bool { return false }

// full marks one bit per source address. The bitmap is split into
// per-/16 pages allocated on first touch, so memory follows the number
// of responding networks rather than the 512 MiB worst case.
type full struct {
	pages map[uint16]*bitset.BitSet
}

func (f *full) SeenBefore(k Key) bool {
	page := uint16(k.Saddr >> 16)
	bits := f.pages[page]
	if bits == nil {
		bits = bitset.New(1 << 16)
		f.pages[page] = bits
	}
	low := uint(k.Saddr & 0xFFFF)
	if bits.Test(low) {
		return true
	}
	bits.Set(low)
	return false
}

// window is a fixed-capacity strict-LRU map. A key that was evicted
// under pressure and arrives again counts as novel.
type window struct {
	cache *lru.Cache
}

func (w *window) SeenBefore(k Key) bool {
	// Get refreshes recency, keeping eviction strictly least-recent.
	if _, ok := w.cache.Get(k); ok {
		return true
	}
	w.cache.Add(k, struct{}{})
	return false
}
