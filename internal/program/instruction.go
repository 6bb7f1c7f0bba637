// Package program models one disassembled binary: a call graph of functions,
// per-function flow graphs of basic blocks, and the signatures the matching
// engine compares. Instruction text is deduplicated in a Cache that may be
// shared by several loaded programs.
package program

import (
	"github.com/cespare/xxhash/v2"
)

// InstrID identifies one interned (mnemonic, operands) pair within a Cache.
type InstrID uint32

// Instruction is a single disassembled instruction. The mnemonic and operand
// text live in the owning Cache; the instruction references them by identity,
// so two instructions with equal ID carry identical text in every program
// loaded through the same cache.
type Instruction struct {
	Addr  uint64
	ID    InstrID
	Prime uint32
}

// primeTable holds all primes below 1<<13, in ascending order. A mnemonic is
// assigned the prime at the index selected by its hash, so a given mnemonic
// maps to the same prime in every run.
var primeTable = sieve(1 << 13)

func sieve(limit int) []uint32 {
	composite := make([]bool, limit)
	var primes []uint32
	for n := 2; n < limit; n++ {
		if composite[n] {
			continue
		}
		primes = append(primes, uint32(n))
		for m := n * n; m < limit; m += n {
			composite[m] = true
		}
	}
	return primes
}

// MnemonicPrime returns the prime deterministically assigned to a mnemonic.
func MnemonicPrime(mnemonic string) uint32 {
	return primeTable[xxhash.Sum64String(mnemonic)%uint64(len(primeTable))]
}

type cacheEntry struct {
	mnemonic   string
	operands   string
	mnemonicID uint32
	prime      uint32
}

// Cache interns instruction text. Interning happens only while a program is
// loaded, which is single-threaded per worker; matching reads the cache but
// never mutates it, so no locking is needed.
type Cache struct {
	ids       map[string]InstrID
	mnemonics map[string]uint32
	entries   []cacheEntry
}

// NewCache returns an empty instruction cache.
func NewCache() *Cache {
	return &Cache{
		ids:       make(map[string]InstrID),
		mnemonics: make(map[string]uint32),
	}
}

// Intern returns the identity and prime for a (mnemonic, operands) pair,
// creating the entry on first use. Identical pairs always return the same
// identity within one cache.
func (c *Cache) Intern(mnemonic, operands string) (InstrID, uint32) {
	key := mnemonic + "\x00" + operands
	if id, ok := c.ids[key]; ok {
		return id, c.entries[id].prime
	}
	mid, ok := c.mnemonics[mnemonic]
	if !ok {
		mid = uint32(len(c.mnemonics))
		c.mnemonics[mnemonic] = mid
	}
	id := InstrID(len(c.entries))
	prime := MnemonicPrime(mnemonic)
	c.entries = append(c.entries, cacheEntry{
		mnemonic:   mnemonic,
		operands:   operands,
		mnemonicID: mid,
		prime:      prime,
	})
	c.ids[key] = id
	return id, prime
}

// Mnemonic returns the mnemonic text for an interned instruction.
func (c *Cache) Mnemonic(id InstrID) string { return c.entries[id].mnemonic }

// Operands returns the operand text for an interned instruction.
func (c *Cache) Operands(id InstrID) string { return c.entries[id].operands }

// MnemonicID returns the small integer assigned to the instruction's
// mnemonic, shared by all operand variants of that mnemonic.
func (c *Cache) MnemonicID(id InstrID) uint32 { return c.entries[id].mnemonicID }

// Len reports the number of distinct (mnemonic, operands) pairs interned.
func (c *Cache) Len() int { return len(c.entries) }

// Clear drops all interned entries. Identities handed out before the call
// must not be used afterwards; the batch runner clears the cache only
// when it reloads both programs of the next pair.
func (c *Cache) Clear() {
	c.ids = make(map[string]InstrID)
	c.mnemonics = make(map[string]uint32)
	c.entries = c.entries[:0]
}
