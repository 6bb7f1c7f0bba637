package program

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// BasicBlock is an ordered run of instructions with a single entry point,
// identified by the address of its first instruction.
type BasicBlock struct {
	Addr         uint64
	Instructions []Instruction

	// PrimeSig is the product of the instructions' primes. Multiplication
	// wraps at 2^64; matchers compare signatures for equality only.
	PrimeSig uint64

	// MnemonicHash is a stable hash of the ordered mnemonic-id sequence.
	MnemonicHash uint64

	// LoopIndex numbers the cyclic component the block belongs to, in
	// ascending block-address order within the flow graph. Blocks outside
	// any loop carry -1.
	LoopIndex int

	// MDIndex summarizes the topology of the block's closed neighborhood
	// (the block, its predecessors and successors, and the edges between
	// them).
	MDIndex float64

	// Succs and Preds are indices into the owning FlowGraph's Blocks slice,
	// filled in by Finalize.
	Succs []int
	Preds []int
}

// InstructionCount returns the number of instructions in the block.
func (b *BasicBlock) InstructionCount() int { return len(b.Instructions) }

// computeSignatures fills PrimeSig and MnemonicHash from the instruction
// sequence. The mnemonic hash covers mnemonic ids only, so operand changes
// (register renaming, displacement shifts) do not disturb it.
func (b *BasicBlock) computeSignatures(cache *Cache) {
	sig := uint64(1)
	var d xxhash.Digest
	d.Reset()
	var buf [4]byte
	for _, ins := range b.Instructions {
		sig *= uint64(ins.Prime)
		binary.LittleEndian.PutUint32(buf[:], cache.MnemonicID(ins.ID))
		d.Write(buf[:])
	}
	b.PrimeSig = sig
	b.MnemonicHash = d.Sum64()
}
