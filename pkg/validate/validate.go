// Package validate derives per-target fields from a run-local AES key.
// A response is attributed to the scan by recomputing the derivation on
// the receive path and comparing the fields the probe carried; no
// per-probe state is kept anywhere.
package validate

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"

	"github.com/pkg/errors"
)

// WordBytes is the width of the packet-level validation word taken from
// the front of the derived block.
const WordBytes = 4

// Block is the 128-bit derivation for one target tuple. Probe modules
// slice it for protocol nonces (ISN, ICMP identifier, UDP source port).
type Block [16]byte

// Word returns the 32-bit packet-level validation word.
func (b Block) Word() uint32 {
	return binary.BigEndian.Uint32(b[0:4])
}

// Uint32 returns the i-th 32-bit slice of the block, i in [0, 4).
func (b Block) Uint32(i int) uint32 {
	return binary.BigEndian.Uint32(b[4*i : 4*i+4])
}

// Oracle computes validation blocks under the run key. It is safe for
// concurrent use; cipher.Block encryption is stateless.
type Oracle struct {
	cipher cipher.Block
	seed   uint64
}

// NewOracle derives the run key from an explicit 64-bit seed. Sharded
// runs must pass the same seed in every process so that senders and
// receivers agree on the derivation.
func NewOracle(seed uint64) *Oracle {
	var material [8]byte
	binary.LittleEndian.PutUint64(material[:], seed)
	key := sha256.Sum256(material[:])
	c, err := aes.NewCipher(key[:16])
	if err != nil {
		// aes.NewCipher only fails on bad key sizes.
		panic(err)
	}
	return &Oracle{cipher: c, seed: seed}
}

// NewRandomOracle seeds the run key from OS entropy. Only valid for
// unsharded runs.
func NewRandomOracle() (*Oracle, error) {
	var material [8]byte
	if _, err := rand.Read(material[:]); err != nil {
		return nil, errors.Wrap(err, "seeding run key")
	}
	return NewOracle(binary.LittleEndian.Uint64(material[:])), nil
}

// Seed returns the 64-bit seed the run key was derived from.
func (o *Oracle) Seed() uint64 {
	return o.seed
}

// Derive computes the validation block for a probe tuple. The receive
// path passes the response's addresses swapped so both sides derive the
// same block for the same probe.
func (o *Oracle) Derive(srcIP, dstIP uint32, dstPort uint16) Block {
	var plaintext, out Block
	binary.BigEndian.PutUint32(plaintext[0:4], srcIP)
	binary.BigEndian.PutUint32(plaintext[4:8], dstIP)
	binary.BigEndian.PutUint16(plaintext[8:10], dstPort)
	o.cipher.Encrypt(out[:], plaintext[:])
	return out
}

// Word is shorthand for Derive(...).Word().
func (o *Oracle) Word(srcIP, dstIP uint32, dstPort uint16) uint32 {
	return o.Derive(srcIP, dstIP, dstPort).Word()
}
