package program

import "testing"

// makeBlock builds a block at addr from (mnemonic, operands) pairs interned
// through cache.
func makeBlock(cache *Cache, addr uint64, insts ...[2]string) *BasicBlock {
	b := &BasicBlock{Addr: addr}
	a := addr
	for _, in := range insts {
		id, prime := cache.Intern(in[0], in[1])
		b.Instructions = append(b.Instructions, Instruction{Addr: a, ID: id, Prime: prime})
		a += 4
	}
	return b
}

// makeDiamond builds a four-block diamond flow graph at entry 0x1000.
func makeDiamond(cache *Cache) *FlowGraph {
	fg := &FlowGraph{
		Entry: 0x1000,
		Blocks: []*BasicBlock{
			makeBlock(cache, 0x1000, [2]string{"cmp", "eax, 0"}, [2]string{"je", "0x1020"}),
			makeBlock(cache, 0x1010, [2]string{"mov", "eax, 1"}),
			makeBlock(cache, 0x1020, [2]string{"mov", "eax, 2"}),
			makeBlock(cache, 0x1030, [2]string{"ret", ""}),
		},
		Edges: []FlowEdge{
			{0x1000, 0x1010}, {0x1000, 0x1020},
			{0x1010, 0x1030}, {0x1020, 0x1030},
		},
	}
	return fg
}

func TestFlowGraphFinalize(t *testing.T) {
	cache := NewCache()
	fg := makeDiamond(cache)
	if err := fg.Finalize(cache); err != nil {
		t.Fatal(err)
	}

	if fg.BlockCount() != 4 || fg.InstructionCount() != 5 {
		t.Fatalf("blocks/insts = %d/%d, want 4/5", fg.BlockCount(), fg.InstructionCount())
	}
	entry := fg.EntryBlock()
	if entry == nil || entry.Addr != 0x1000 {
		t.Fatal("entry block not resolved")
	}
	if len(entry.Succs) != 2 {
		t.Errorf("entry succs = %v, want two", entry.Succs)
	}
	exit := fg.Block(0x1030)
	if len(exit.Preds) != 2 {
		t.Errorf("exit preds = %v, want two", exit.Preds)
	}
	if fg.MDIndex == 0 {
		t.Error("MD-index not computed")
	}
	if fg.LoopCount != 0 {
		t.Errorf("LoopCount = %d, want 0", fg.LoopCount)
	}
	for _, b := range fg.Blocks {
		if b.LoopIndex != -1 {
			t.Errorf("block %#x loop index = %d, want -1", b.Addr, b.LoopIndex)
		}
	}
}

func TestFlowGraphPrimeSignature(t *testing.T) {
	cache := NewCache()
	fg := makeDiamond(cache)
	if err := fg.Finalize(cache); err != nil {
		t.Fatal(err)
	}

	want := uint64(1)
	for _, b := range fg.Blocks {
		blockSig := uint64(1)
		for _, ins := range b.Instructions {
			blockSig *= uint64(ins.Prime)
		}
		if b.PrimeSig != blockSig {
			t.Errorf("block %#x prime signature = %d, want %d", b.Addr, b.PrimeSig, blockSig)
		}
		want *= blockSig
	}
	if fg.PrimeSig != want {
		t.Errorf("function prime signature = %d, want %d", fg.PrimeSig, want)
	}
}

func TestMnemonicHashIgnoresOperands(t *testing.T) {
	cache := NewCache()
	a := makeBlock(cache, 0x1000, [2]string{"mov", "eax, 1"}, [2]string{"ret", ""})
	b := makeBlock(cache, 0x2000, [2]string{"mov", "ebx, 7"}, [2]string{"ret", ""})
	c := makeBlock(cache, 0x3000, [2]string{"ret", ""}, [2]string{"mov", "eax, 1"})
	a.computeSignatures(cache)
	b.computeSignatures(cache)
	c.computeSignatures(cache)

	if a.MnemonicHash != b.MnemonicHash {
		t.Error("operand change disturbed the mnemonic hash")
	}
	if a.MnemonicHash == c.MnemonicHash {
		t.Error("mnemonic hash is not order-sensitive")
	}
	if a.PrimeSig != c.PrimeSig {
		t.Error("prime signature must be order-independent")
	}
}

func TestFlowGraphLoops(t *testing.T) {
	cache := NewCache()
	// 0x1000 → 0x1010 ⇄ 0x1020, 0x1020 → 0x1030, plus 0x1030 self loop.
	fg := &FlowGraph{
		Entry: 0x1000,
		Blocks: []*BasicBlock{
			makeBlock(cache, 0x1000, [2]string{"nop", ""}),
			makeBlock(cache, 0x1010, [2]string{"add", "eax, 1"}),
			makeBlock(cache, 0x1020, [2]string{"cmp", "eax, 10"}),
			makeBlock(cache, 0x1030, [2]string{"pause", ""}),
		},
		Edges: []FlowEdge{
			{0x1000, 0x1010},
			{0x1010, 0x1020}, {0x1020, 0x1010},
			{0x1020, 0x1030}, {0x1030, 0x1030},
		},
	}
	if err := fg.Finalize(cache); err != nil {
		t.Fatal(err)
	}
	if fg.LoopCount != 2 {
		t.Fatalf("LoopCount = %d, want 2", fg.LoopCount)
	}
	if fg.Block(0x1000).LoopIndex != -1 {
		t.Error("straight-line block assigned to a loop")
	}
	if fg.Block(0x1010).LoopIndex != fg.Block(0x1020).LoopIndex {
		t.Error("cycle members have different loop indices")
	}
	if fg.Block(0x1010).LoopIndex != 0 {
		t.Errorf("first loop index = %d, want 0", fg.Block(0x1010).LoopIndex)
	}
	if fg.Block(0x1030).LoopIndex != 1 {
		t.Errorf("self-loop index = %d, want 1", fg.Block(0x1030).LoopIndex)
	}
}

func TestFlowGraphDanglingEdge(t *testing.T) {
	cache := NewCache()
	fg := &FlowGraph{
		Entry:  0x1000,
		Blocks: []*BasicBlock{makeBlock(cache, 0x1000, [2]string{"ret", ""})},
		Edges:  []FlowEdge{{0x1000, 0xdead}},
	}
	if err := fg.Finalize(cache); err == nil {
		t.Fatal("dangling edge accepted")
	}
}

func TestProgramFinalizeLinksFlows(t *testing.T) {
	cache := NewCache()
	fg := makeDiamond(cache)
	p := &Program{
		CallGraph: &CallGraph{
			Functions: []*Function{
				{Addr: 0x1000, Name: "main"},
				{Addr: 0x5000, Name: "imp_exit", Library: true},
			},
			Edges: []CallEdge{{Caller: 0x1000, Callee: 0x5000, Site: 0x1008}},
		},
		Flows: map[uint64]*FlowGraph{0x1000: fg},
	}
	if err := p.Finalize(cache); err != nil {
		t.Fatal(err)
	}
	f := p.CallGraph.Function(0x1000)
	if f.Flow != fg {
		t.Fatal("flow graph not linked to call graph node")
	}
	if p.CallGraph.MDIndex == 0 {
		t.Error("call graph MD-index not computed")
	}
	if len(f.Callees) != 1 {
		t.Errorf("callees = %v, want one", f.Callees)
	}
}
