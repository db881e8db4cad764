package validate

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
)

// Rand is a deterministic AES-CTR word stream. The scan draws the
// primitive-root candidates and the cycle start from it, so repeated
// runs with the same seed visit targets in the same order. Not safe
// for concurrent use.
type Rand struct {
	stream cipher.Stream
	buf    [8]byte
}

// NewRand seeds a word stream; the same seed always yields the same
// stream.
func NewRand(seed uint64) *Rand {
	var key [16]byte
	binary.LittleEndian.PutUint64(key[:8], seed)
	binary.LittleEndian.PutUint64(key[8:], ^seed)
	c, err := aes.NewCipher(key[:])
	if err != nil {
		panic(err)
	}
	var iv [aes.BlockSize]byte
	return &Rand{stream: cipher.NewCTR(c, iv[:])}
}

// Uint32 returns the next 32 bits of the stream.
func (r *Rand) Uint32() uint32 {
	for i := range r.buf[:4] {
		r.buf[i] = 0
	}
	r.stream.XORKeyStream(r.buf[:4], r.buf[:4])
	return binary.LittleEndian.Uint32(r.buf[:4])
}

// Uint64 returns the next 64 bits of the stream.
func (r *Rand) Uint64() uint64 {
	for i := range r.buf {
		r.buf[i] = 0
	}
	r.stream.XORKeyStream(r.buf[:], r.buf[:])
	return binary.LittleEndian.Uint64(r.buf[:])
}

// Fill overwrites b with stream bytes.
func (r *Rand) Fill(b []byte) {
	for i := range b {
		b[i] = 0
	}
	r.stream.XORKeyStream(b, b)
}
