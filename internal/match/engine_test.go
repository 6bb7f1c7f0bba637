package match

import (
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/rs/zerolog"

	"bindiff/internal/config"
	"bindiff/internal/diag"
	"bindiff/internal/program"
)

type blockSpec struct {
	addr  uint64
	insts [][2]string
}

type funcSpec struct {
	addr    uint64
	name    string
	library bool
	stub    bool
	hash    uint64
	strRefs []string
	blocks  []blockSpec
	edges   [][2]uint64
}

// buildProgram assembles and finalizes a program from specs. The hash field
// stands in for the function byte hash the loader would compute.
func buildProgram(t *testing.T, cache *program.Cache, funcs []funcSpec, calls [][2]uint64) *program.Program {
	t.Helper()
	p := &program.Program{
		CallGraph: &program.CallGraph{},
		Flows:     make(map[uint64]*program.FlowGraph),
	}
	for _, fs := range funcs {
		f := &program.Function{
			Addr:       fs.addr,
			Name:       fs.name,
			Library:    fs.library,
			Stub:       fs.stub,
			StringRefs: append([]string(nil), fs.strRefs...),
		}
		p.CallGraph.Functions = append(p.CallGraph.Functions, f)
		if len(fs.blocks) == 0 {
			continue
		}
		fg := &program.FlowGraph{Entry: fs.addr, ByteHash: fs.hash, Library: fs.library}
		for _, bs := range fs.blocks {
			b := &program.BasicBlock{Addr: bs.addr}
			a := bs.addr
			for _, in := range bs.insts {
				id, prime := cache.Intern(in[0], in[1])
				b.Instructions = append(b.Instructions, program.Instruction{Addr: a, ID: id, Prime: prime})
				a += 4
			}
			fg.Blocks = append(fg.Blocks, b)
		}
		for _, e := range fs.edges {
			fg.Edges = append(fg.Edges, program.FlowEdge{From: e[0], To: e[1]})
		}
		p.Flows[fs.addr] = fg
	}
	for _, c := range calls {
		p.CallGraph.Edges = append(p.CallGraph.Edges, program.CallEdge{Caller: c[0], Callee: c[1], Site: c[0] + 8})
	}
	if err := p.Finalize(cache); err != nil {
		t.Fatal(err)
	}
	return p
}

// threeFuncs returns the standard fixture: dispatch (five blocks with a
// loop) calling helper (three blocks) and leaf (one block).
func threeFuncs() ([]funcSpec, [][2]uint64) {
	funcs := []funcSpec{
		{
			addr: 0x1000, name: "dispatch", hash: 0xaaa1,
			strRefs: []string{"usage: %s"},
			blocks: []blockSpec{
				{0x1000, [][2]string{{"push", "rbp"}, {"mov", "rbp, rsp"}, {"cmp", "edi, 0"}, {"jne", "0x1020"}}},
				{0x1010, [][2]string{{"mov", "eax, 10"}, {"add", "eax, 5"}, {"imul", "eax, 3"}, {"jmp", "0x1030"}}},
				{0x1020, [][2]string{{"xor", "eax, eax"}, {"sub", "eax, 1"}, {"shl", "eax, 2"}, {"jmp", "0x1030"}}},
				{0x1030, [][2]string{{"call", "0x2000"}, {"test", "eax, eax"}, {"jle", "0x1010"}}},
				{0x1040, [][2]string{{"pop", "rbp"}, {"ret", ""}}},
			},
			edges: [][2]uint64{
				{0x1000, 0x1010}, {0x1000, 0x1020},
				{0x1010, 0x1030}, {0x1020, 0x1030},
				{0x1030, 0x1010}, {0x1030, 0x1040},
			},
		},
		{
			addr: 0x2000, name: "helper", hash: 0xbbb2,
			blocks: []blockSpec{
				{0x2000, [][2]string{{"mov", "eax, edi"}, {"cmp", "eax, 100"}, {"jg", "0x2020"}}},
				{0x2010, [][2]string{{"add", "eax, 1"}, {"jmp", "0x2020"}}},
				{0x2020, [][2]string{{"ret", ""}}},
			},
			edges: [][2]uint64{{0x2000, 0x2010}, {0x2000, 0x2020}, {0x2010, 0x2020}},
		},
		{
			addr: 0x3000, name: "leaf", hash: 0xccc3,
			strRefs: []string{"version 1.0"},
			blocks: []blockSpec{
				{0x3000, [][2]string{{"lea", "rax, [rip+0x100]"}, {"ret", ""}}},
			},
		},
	}
	calls := [][2]uint64{{0x1000, 0x2000}, {0x1000, 0x3000}, {0x2000, 0x3000}}
	return funcs, calls
}

func newTestContext(t *testing.T, primary, secondary *program.Program) *Context {
	t.Helper()
	sink := diag.NewSink(zerolog.Nop())
	return NewContext(primary, secondary, config.Default(), sink, nil)
}

func runDiff(t *testing.T, ctx *Context) {
	t.Helper()
	cfg := config.Default()
	fnSteps, err := BuildFunctionSteps(cfg)
	if err != nil {
		t.Fatal(err)
	}
	bbSteps, err := BuildBlockSteps(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := Diff(ctx, fnSteps, bbSteps); err != nil {
		t.Fatal(err)
	}
}

// checkOneToOne verifies the central invariant on functions and blocks.
func checkOneToOne(t *testing.T, fps []*FixedPoint) {
	t.Helper()
	seenP := make(map[uint64]bool)
	seenS := make(map[uint64]bool)
	for _, fp := range fps {
		if seenP[fp.Primary] {
			t.Errorf("primary %#x matched twice", fp.Primary)
		}
		if seenS[fp.Secondary] {
			t.Errorf("secondary %#x matched twice", fp.Secondary)
		}
		seenP[fp.Primary] = true
		seenS[fp.Secondary] = true

		bp := make(map[uint64]bool)
		bs := make(map[uint64]bool)
		for _, m := range fp.BasicBlocks {
			if bp[m.Primary] || bs[m.Secondary] {
				t.Errorf("pair %#x/%#x: block matched twice", fp.Primary, fp.Secondary)
			}
			bp[m.Primary] = true
			bs[m.Secondary] = true
		}
	}
}

func totalBlockMatches(fps []*FixedPoint) int {
	n := 0
	for _, fp := range fps {
		n += len(fp.BasicBlocks)
	}
	return n
}

func TestDiffIdentity(t *testing.T) {
	cache := program.NewCache()
	funcs, calls := threeFuncs()
	primary := buildProgram(t, cache, funcs, calls)
	secondary := buildProgram(t, cache, funcs, calls)

	ctx := newTestContext(t, primary, secondary)
	runDiff(t, ctx)

	if len(ctx.FixedPoints) != 3 {
		t.Fatalf("fixed points = %d, want 3", len(ctx.FixedPoints))
	}
	checkOneToOne(t, ctx.FixedPoints)
	for _, fp := range ctx.FixedPoints {
		if fp.StepID != "name" {
			t.Errorf("pair %#x: produced by %q, want name", fp.Primary, fp.StepID)
		}
		if fp.Primary != fp.Secondary {
			t.Errorf("identity diff matched %#x to %#x", fp.Primary, fp.Secondary)
		}
	}
	if got, want := totalBlockMatches(ctx.FixedPoints), 9; got != want {
		t.Errorf("block matches = %d, want %d (full coverage)", got, want)
	}
	// Every instruction aligns with itself.
	wantInsns := primary.Flow(0x1000).InstructionCount() +
		primary.Flow(0x2000).InstructionCount() +
		primary.Flow(0x3000).InstructionCount()
	gotInsns := 0
	for _, fp := range ctx.FixedPoints {
		gotInsns += fp.MatchedInstructions()
	}
	if gotInsns != wantInsns {
		t.Errorf("matched instructions = %d, want %d", gotInsns, wantInsns)
	}
}

func TestDiffRenameOnly(t *testing.T) {
	cache := program.NewCache()
	funcs, calls := threeFuncs()
	primary := buildProgram(t, cache, funcs, calls)

	renamed := make([]funcSpec, len(funcs))
	copy(renamed, funcs)
	for i := range renamed {
		renamed[i].name = "fn_" + renamed[i].name
	}
	secondary := buildProgram(t, cache, renamed, calls)

	ctx := newTestContext(t, primary, secondary)
	runDiff(t, ctx)

	if len(ctx.FixedPoints) != 3 {
		t.Fatalf("fixed points = %d, want 3", len(ctx.FixedPoints))
	}
	checkOneToOne(t, ctx.FixedPoints)
	for _, fp := range ctx.FixedPoints {
		if fp.StepID == "name" {
			t.Errorf("pair %#x matched by name despite rename", fp.Primary)
		}
		if fp.Primary != fp.Secondary {
			t.Errorf("rename diff matched %#x to %#x", fp.Primary, fp.Secondary)
		}
	}
	if got, want := totalBlockMatches(ctx.FixedPoints), 9; got != want {
		t.Errorf("block matches = %d, want %d", got, want)
	}
}

func TestDiffDeletedFunction(t *testing.T) {
	cache := program.NewCache()
	funcs, calls := threeFuncs()
	primary := buildProgram(t, cache, funcs, calls)

	// Secondary lacks helper; dispatch keeps calling leaf only.
	secondary := buildProgram(t, cache,
		[]funcSpec{funcs[0], funcs[2]},
		[][2]uint64{{0x1000, 0x3000}})

	ctx := newTestContext(t, primary, secondary)
	runDiff(t, ctx)

	if len(ctx.FixedPoints) != 2 {
		t.Fatalf("fixed points = %d, want 2", len(ctx.FixedPoints))
	}
	checkOneToOne(t, ctx.FixedPoints)
	matched := map[uint64]bool{}
	for _, fp := range ctx.FixedPoints {
		matched[fp.Primary] = true
	}
	if matched[0x2000] {
		t.Error("deleted function matched")
	}
	if !matched[0x1000] || !matched[0x3000] {
		t.Errorf("surviving functions unmatched: %v", matched)
	}
}

func TestDiffBlockReorder(t *testing.T) {
	cache := program.NewCache()
	funcs, calls := threeFuncs()
	primary := buildProgram(t, cache, funcs, calls)

	// Recompiled secondary: same structure, every address shifted, all
	// names stripped and byte hashes changed. Structure and mnemonics are
	// what's left to match on.
	shift := uint64(0x100000)
	shifted := make([]funcSpec, len(funcs))
	for i, fs := range funcs {
		fs.name = ""
		fs.hash = fs.hash ^ 0xdeadbeef
		fs.addr += shift
		blocks := make([]blockSpec, len(fs.blocks))
		for j, bs := range fs.blocks {
			bs.addr += shift
			blocks[j] = bs
		}
		fs.blocks = blocks
		edges := make([][2]uint64, len(fs.edges))
		for j, e := range fs.edges {
			edges[j] = [2]uint64{e[0] + shift, e[1] + shift}
		}
		fs.edges = edges
		shifted[i] = fs
	}
	shiftedCalls := make([][2]uint64, len(calls))
	for i, c := range calls {
		shiftedCalls[i] = [2]uint64{c[0] + shift, c[1] + shift}
	}
	secondary := buildProgram(t, cache, shifted, shiftedCalls)

	ctx := newTestContext(t, primary, secondary)
	runDiff(t, ctx)

	if len(ctx.FixedPoints) != 3 {
		t.Fatalf("fixed points = %d, want 3", len(ctx.FixedPoints))
	}
	checkOneToOne(t, ctx.FixedPoints)
	for _, fp := range ctx.FixedPoints {
		if fp.Secondary != fp.Primary+shift {
			t.Errorf("matched %#x to %#x, want %#x", fp.Primary, fp.Secondary, fp.Primary+shift)
		}
	}
	if got, want := totalBlockMatches(ctx.FixedPoints), 9; got != want {
		t.Errorf("block matches = %d, want %d", got, want)
	}
}

func TestDiffAmbiguousPair(t *testing.T) {
	cache := program.NewCache()
	twin := func(addr uint64) funcSpec {
		return funcSpec{
			addr: addr, hash: 0x7777,
			blocks: []blockSpec{
				{addr, [][2]string{{"mov", "eax, 1"}, {"add", "eax, 2"}, {"xor", "edx, edx"}, {"ret", ""}}},
			},
		}
	}
	// A named caller invokes both twins on both sides.
	specs := []funcSpec{
		{
			addr: 0x100, name: "main", hash: 0x1,
			blocks: []blockSpec{{0x100, [][2]string{{"call", "a"}, {"call", "b"}, {"ret", ""}}}},
		},
		twin(0x200),
		twin(0x300),
	}
	calls := [][2]uint64{{0x100, 0x200}, {0x100, 0x300}}
	primary := buildProgram(t, cache, specs, calls)
	secondary := buildProgram(t, cache, specs, calls)

	ctx := newTestContext(t, primary, secondary)
	runDiff(t, ctx)

	// The twins are indistinguishable by every signature and must be
	// dropped, not guessed: only the named caller matches.
	checkOneToOne(t, ctx.FixedPoints)
	if len(ctx.FixedPoints) != 1 {
		t.Fatalf("fixed points = %d, want 1 (twins must stay unmatched)", len(ctx.FixedPoints))
	}
	if ctx.FixedPoints[0].Primary != 0x100 {
		t.Errorf("matched %#x, want the named caller", ctx.FixedPoints[0].Primary)
	}
}

func TestDiffLibraryPoolSeparation(t *testing.T) {
	cache := program.NewCache()
	libFn := func(addr uint64, lib bool) funcSpec {
		return funcSpec{
			addr: addr, name: "memcpy", library: lib, hash: 0x5555,
			blocks: []blockSpec{
				{addr, [][2]string{{"rep movsb", ""}, {"ret", ""}}},
			},
		}
	}
	primary := buildProgram(t, cache, []funcSpec{libFn(0x9000, true)}, nil)
	secondary := buildProgram(t, cache, []funcSpec{libFn(0x9100, false), libFn(0x9200, true)}, nil)

	ctx := newTestContext(t, primary, secondary)
	runDiff(t, ctx)

	if len(ctx.FixedPoints) != 1 {
		t.Fatalf("fixed points = %d, want 1", len(ctx.FixedPoints))
	}
	fp := ctx.FixedPoints[0]
	if fp.Secondary != 0x9200 {
		t.Errorf("library function matched %#x, want the library twin 0x9200", fp.Secondary)
	}
}

func TestDiffEdgePropagationStaysInPool(t *testing.T) {
	cache := program.NewCache()
	oneBlock := func(addr uint64, mnemonic string) []blockSpec {
		return []blockSpec{{addr, [][2]string{{mnemonic, ""}, {"ret", ""}}}}
	}
	// Primary: main calls the library function libA. Secondary: main calls
	// the library function libX, and an uncalled libA also exists. The
	// unnamed spare keeps the non-library pool non-empty after main
	// matches, so the edge step actually runs in the first pass.
	primary := buildProgram(t, cache, []funcSpec{
		{addr: 0x100, name: "main", hash: 0x1, blocks: oneBlock(0x100, "call")},
		{addr: 0x200, name: "libA", library: true, hash: 0x2, blocks: oneBlock(0x200, "mov")},
		{addr: 0x400, hash: 0x4, blocks: oneBlock(0x400, "nop")},
	}, [][2]uint64{{0x100, 0x200}})
	secondary := buildProgram(t, cache, []funcSpec{
		{addr: 0x100, name: "main", hash: 0x1, blocks: oneBlock(0x100, "call")},
		{addr: 0x200, name: "libX", library: true, hash: 0x3, blocks: oneBlock(0x200, "xor")},
		{addr: 0x300, name: "libA", library: true, hash: 0x2, blocks: oneBlock(0x300, "mov")},
		{addr: 0x400, hash: 0x5, blocks: oneBlock(0x400, "nop")},
	}, [][2]uint64{{0x100, 0x200}})

	ctx := newTestContext(t, primary, secondary)
	cfg := config.Default()
	cfg.CallGraphSteps = []string{"name", "edges_callgraph"}
	fnSteps, err := BuildFunctionSteps(cfg)
	if err != nil {
		t.Fatal(err)
	}
	bbSteps, err := BuildBlockSteps(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := Diff(ctx, fnSteps, bbSteps); err != nil {
		t.Fatal(err)
	}

	// Edge propagation in the non-library pass must not grab the library
	// callees; the library pass resolves libA by name instead, leaving libX
	// unmatched.
	checkOneToOne(t, ctx.FixedPoints)
	if len(ctx.FixedPoints) != 2 {
		t.Fatalf("fixed points = %d, want 2", len(ctx.FixedPoints))
	}
	byPrimary := make(map[uint64]*FixedPoint)
	for _, fp := range ctx.FixedPoints {
		byPrimary[fp.Primary] = fp
	}
	lib := byPrimary[0x200]
	if lib == nil {
		t.Fatal("library function unmatched")
	}
	if lib.Secondary != 0x300 {
		t.Errorf("libA matched to %#x, want 0x300 (edge propagation leaked into the non-library pass)", lib.Secondary)
	}
	if lib.StepID != "name" {
		t.Errorf("libA produced by %q, want the library pass name step", lib.StepID)
	}
}

func TestDiffStubsExcludedFromNameStep(t *testing.T) {
	cache := program.NewCache()
	stub := func(addr uint64) funcSpec {
		return funcSpec{
			addr: addr, name: "j_target", stub: true, hash: uint64(addr),
			blocks: []blockSpec{{addr, [][2]string{{"jmp", "qword [target]"}}}},
		}
	}
	primary := buildProgram(t, cache, []funcSpec{stub(0x400)}, nil)
	secondary := buildProgram(t, cache, []funcSpec{stub(0x500)}, nil)

	ctx := newTestContext(t, primary, secondary)
	cfg := config.Default()
	cfg.CallGraphSteps = []string{"name"}
	fnSteps, err := BuildFunctionSteps(cfg)
	if err != nil {
		t.Fatal(err)
	}
	bbSteps, err := BuildBlockSteps(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := Diff(ctx, fnSteps, bbSteps); err != nil {
		t.Fatal(err)
	}
	if len(ctx.FixedPoints) != 0 {
		t.Errorf("stub matched by name step: %d fixed points", len(ctx.FixedPoints))
	}
}

func TestDiffDeterminism(t *testing.T) {
	run := func() []*FixedPoint {
		cache := program.NewCache()
		funcs, calls := threeFuncs()
		primary := buildProgram(t, cache, funcs, calls)
		secondary := buildProgram(t, cache, funcs, calls)
		ctx := newTestContext(t, primary, secondary)
		runDiff(t, ctx)
		return ctx.FixedPoints
	}
	a := run()
	b := run()
	if diff := cmp.Diff(a, b, cmpopts.IgnoreFields(BlockMatch{}, "Alignment")); diff != "" {
		t.Errorf("two identical runs disagree (-first +second):\n%s", diff)
	}
}

func TestDiffCancelled(t *testing.T) {
	cache := program.NewCache()
	funcs, calls := threeFuncs()
	primary := buildProgram(t, cache, funcs, calls)
	secondary := buildProgram(t, cache, funcs, calls)

	var cancel atomic.Bool
	cancel.Store(true)
	sink := diag.NewSink(zerolog.Nop())
	ctx := NewContext(primary, secondary, config.Default(), sink, &cancel)

	cfg := config.Default()
	fnSteps, _ := BuildFunctionSteps(cfg)
	bbSteps, _ := BuildBlockSteps(cfg)
	if err := Diff(ctx, fnSteps, bbSteps); err != nil {
		t.Fatal(err)
	}
	if len(ctx.FixedPoints) != 0 {
		t.Errorf("cancelled run produced %d fixed points before the first step", len(ctx.FixedPoints))
	}
	if sink.Count(diag.KindCancelled) == 0 {
		t.Error("cancellation not surfaced as a diagnostic")
	}
}

func TestDiffEmptyStepList(t *testing.T) {
	cache := program.NewCache()
	funcs, calls := threeFuncs()
	primary := buildProgram(t, cache, funcs, calls)
	secondary := buildProgram(t, cache, funcs, calls)
	ctx := newTestContext(t, primary, secondary)
	if err := Diff(ctx, nil, nil); err != ErrNoSteps {
		t.Errorf("err = %v, want ErrNoSteps", err)
	}
}

func TestBuildStepsUnknownID(t *testing.T) {
	cfg := config.Default()
	cfg.CallGraphSteps = []string{"name", "telepathy"}
	if _, err := BuildFunctionSteps(cfg); err == nil {
		t.Error("unknown call graph step accepted")
	}
	cfg = config.Default()
	cfg.BasicBlockSteps = []string{"bb_guesswork"}
	if _, err := BuildBlockSteps(cfg); err == nil {
		t.Error("unknown basic block step accepted")
	}
}

func TestResolveCandidatesAmbiguity(t *testing.T) {
	never := func(uint64) bool { return false }
	reject := func(Candidate, string) { t.Error("unexpected rejection") }

	// 2x2 same-confidence clique: nothing may be admitted.
	cands := []Candidate{
		{1, 10, 0.9}, {1, 20, 0.9}, {2, 10, 0.9}, {2, 20, 0.9},
	}
	if got := resolveCandidates(cands, never, never, reject); len(got) != 0 {
		t.Errorf("ambiguous clique admitted %v", got)
	}

	// Unique pair plus an ambiguous clique: only the unique pair survives.
	cands = append(cands, Candidate{3, 30, 0.9})
	got := resolveCandidates(cands, never, never, reject)
	if len(got) != 1 || got[0].Primary != 3 {
		t.Errorf("resolution = %v, want only 3↔30", got)
	}
}

func TestResolveCandidatesConfidenceReduction(t *testing.T) {
	never := func(uint64) bool { return false }
	reject := func(Candidate, string) { t.Error("unexpected rejection") }

	// Primary 1 has two candidates at different confidence: the stronger one
	// wins and the pair becomes unique both ways.
	cands := []Candidate{
		{1, 10, 0.9}, {1, 20, 0.5}, {2, 20, 0.5},
	}
	got := resolveCandidates(cands, never, never, reject)
	if len(got) != 2 {
		t.Fatalf("admitted %v, want two pairs", got)
	}
	if got[0].Primary != 1 || got[0].Secondary != 10 {
		t.Errorf("first admission = %v, want 1↔10", got[0])
	}
	if got[1].Primary != 2 || got[1].Secondary != 20 {
		t.Errorf("second admission = %v, want 2↔20", got[1])
	}
}

func TestResolveCandidatesRejectsMatched(t *testing.T) {
	matched := func(a uint64) bool { return a == 1 }
	never := func(uint64) bool { return false }
	var rejected []Candidate
	got := resolveCandidates(
		[]Candidate{{1, 10, 0.9}, {2, 20, 0.9}},
		matched, never,
		func(c Candidate, _ string) { rejected = append(rejected, c) })
	if len(rejected) != 1 || rejected[0].Primary != 1 {
		t.Errorf("rejections = %v, want the matched-primary candidate", rejected)
	}
	if len(got) != 1 || got[0].Primary != 2 {
		t.Errorf("admissions = %v, want 2↔20", got)
	}
}
