package binexport

import (
	"errors"
	"fmt"
	"os"

	"github.com/cespare/xxhash/v2"
	"google.golang.org/protobuf/encoding/protowire"

	"bindiff/internal/program"
)

// ErrLoad reports a malformed or missing export. Load failures are fatal for
// the current pair only; the batch runner reports and skips them.
var ErrLoad = errors.New("binexport: load error")

// Load reads an export file and builds the program, interning instruction
// text through cache. All signatures are computed before Load returns.
func Load(path string, cache *program.Cache) (*program.Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoad, err)
	}
	return Parse(data, cache)
}

// Parse decodes an export from memory. See Load.
func Parse(data []byte, cache *program.Cache) (*program.Program, error) {
	p := &program.Program{
		CallGraph: &program.CallGraph{},
		Flows:     make(map[uint64]*program.FlowGraph),
	}
	err := eachField(data, func(num protowire.Number, payload []byte) error {
		switch num {
		case fieldMeta:
			return parseMeta(payload, p.CallGraph)
		case fieldFunction:
			return parseFunction(payload, cache, p)
		case fieldCallEdge:
			caller, ok1 := varintField(payload, fieldCallCaller)
			callee, ok2 := varintField(payload, fieldCallCallee)
			site, _ := varintField(payload, fieldCallSite)
			if !ok1 || !ok2 {
				return fmt.Errorf("call edge missing endpoint")
			}
			p.CallGraph.Edges = append(p.CallGraph.Edges,
				program.CallEdge{Caller: caller, Callee: callee, Site: site})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoad, err)
	}
	if len(p.CallGraph.Functions) == 0 {
		return nil, fmt.Errorf("%w: export contains no functions", ErrLoad)
	}
	if err := p.Finalize(cache); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoad, err)
	}
	return p, nil
}

func parseMeta(data []byte, cg *program.CallGraph) error {
	return eachField(data, func(num protowire.Number, payload []byte) error {
		switch num {
		case fieldMetaExecutableID:
			cg.ExecutableID = string(payload)
		case fieldMetaExecutableName:
			cg.ExecutableName = string(payload)
		case fieldMetaArchitecture:
			cg.Architecture = string(payload)
		}
		return nil
	})
}

func parseFunction(data []byte, cache *program.Cache, p *program.Program) error {
	f := &program.Function{}
	fg := &program.FlowGraph{}
	digest := xxhash.New()
	hasBody := false

	err := eachField(data, func(num protowire.Number, payload []byte) error {
		switch num {
		case fieldFuncAddress:
			v, n := protowire.ConsumeVarint(payload)
			if n < 0 {
				return errShortField
			}
			f.Addr = v
		case fieldFuncName:
			f.Name = string(payload)
		case fieldFuncDemangled:
			f.Demangled = string(payload)
		case fieldFuncFlags:
			v, n := protowire.ConsumeVarint(payload)
			if n < 0 {
				return errShortField
			}
			f.Library = v&FlagLibrary != 0
			f.Stub = v&FlagStub != 0
		case fieldFuncStringRef:
			f.StringRefs = append(f.StringRefs, string(payload))
		case fieldFuncBlock:
			hasBody = true
			b, err := parseBlock(payload, cache, digest)
			if err != nil {
				return err
			}
			fg.Blocks = append(fg.Blocks, b)
		case fieldFuncFlowEdge:
			from, ok1 := varintField(payload, fieldEdgeFrom)
			to, ok2 := varintField(payload, fieldEdgeTo)
			if !ok1 || !ok2 {
				return fmt.Errorf("flow edge missing endpoint")
			}
			fg.Edges = append(fg.Edges, program.FlowEdge{From: from, To: to})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("function %#x: %v", f.Addr, err)
	}

	p.CallGraph.Functions = append(p.CallGraph.Functions, f)
	if hasBody {
		fg.Entry = f.Addr
		fg.Library = f.Library
		fg.ByteHash = digest.Sum64()
		if _, dup := p.Flows[f.Addr]; dup {
			return fmt.Errorf("function %#x: duplicate body", f.Addr)
		}
		p.Flows[f.Addr] = fg
	}
	return nil
}

func parseBlock(data []byte, cache *program.Cache, digest *xxhash.Digest) (*program.BasicBlock, error) {
	b := &program.BasicBlock{}
	err := eachField(data, func(num protowire.Number, payload []byte) error {
		switch num {
		case fieldBlockAddress:
			v, n := protowire.ConsumeVarint(payload)
			if n < 0 {
				return errShortField
			}
			b.Addr = v
		case fieldBlockInstruction:
			return parseInstruction(payload, cache, digest, b)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("block %#x: %v", b.Addr, err)
	}
	return b, nil
}

func parseInstruction(data []byte, cache *program.Cache, digest *xxhash.Digest, b *program.BasicBlock) error {
	var addr uint64
	var mnemonic, operands string
	var raw []byte
	err := eachField(data, func(num protowire.Number, payload []byte) error {
		switch num {
		case fieldInstrAddress:
			v, n := protowire.ConsumeVarint(payload)
			if n < 0 {
				return errShortField
			}
			addr = v
		case fieldInstrMnemonic:
			mnemonic = string(payload)
		case fieldInstrOperands:
			operands = string(payload)
		case fieldInstrRaw:
			raw = payload
		}
		return nil
	})
	if err != nil {
		return err
	}
	if mnemonic == "" {
		return fmt.Errorf("instruction %#x: empty mnemonic", addr)
	}

	// The function byte hash covers raw instruction bytes when the exporter
	// supplied them, the instruction text otherwise.
	if len(raw) > 0 {
		digest.Write(raw)
	} else {
		digest.WriteString(mnemonic)
		digest.WriteString("\x00")
		digest.WriteString(operands)
		digest.WriteString("\x00")
	}

	id, prime := cache.Intern(mnemonic, operands)
	b.Instructions = append(b.Instructions, program.Instruction{Addr: addr, ID: id, Prime: prime})
	return nil
}

var errShortField = errors.New("truncated field")

// eachField walks the fields of one message. Length-delimited payloads are
// passed through as-is; varint fields are re-encoded so the callback can
// consume them uniformly. Unknown fields are skipped.
func eachField(data []byte, fn func(num protowire.Number, payload []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return errShortField
		}
		data = data[n:]
		switch typ {
		case protowire.BytesType:
			payload, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return errShortField
			}
			data = data[n:]
			if err := fn(num, payload); err != nil {
				return err
			}
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return errShortField
			}
			data = data[n:]
			if err := fn(num, protowire.AppendVarint(nil, v)); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return errShortField
			}
			data = data[n:]
		}
	}
	return nil
}

// varintField extracts one varint subfield from an embedded message.
func varintField(data []byte, want protowire.Number) (uint64, bool) {
	var out uint64
	found := false
	_ = eachField(data, func(num protowire.Number, payload []byte) error {
		if num == want {
			if v, n := protowire.ConsumeVarint(payload); n >= 0 {
				out = v
				found = true
			}
		}
		return nil
	})
	return out, found
}
