package binexport

import (
	"os"

	"google.golang.org/protobuf/encoding/protowire"

	"bindiff/internal/program"
)

// Encode serializes a finalized program back into the export format. The
// cache must be the one the program's instructions were interned through.
// Raw instruction bytes are not retained by the program model, so encoded
// exports carry instruction text only.
func Encode(p *program.Program, cache *program.Cache) []byte {
	var buf []byte

	var meta []byte
	meta = appendString(meta, fieldMetaExecutableID, p.CallGraph.ExecutableID)
	meta = appendString(meta, fieldMetaExecutableName, p.CallGraph.ExecutableName)
	meta = appendString(meta, fieldMetaArchitecture, p.CallGraph.Architecture)
	buf = appendMessage(buf, fieldMeta, meta)

	for _, f := range p.CallGraph.Functions {
		var fb []byte
		fb = appendVarint(fb, fieldFuncAddress, f.Addr)
		fb = appendString(fb, fieldFuncName, f.Name)
		fb = appendString(fb, fieldFuncDemangled, f.Demangled)
		var flags uint64
		if f.Library {
			flags |= FlagLibrary
		}
		if f.Stub {
			flags |= FlagStub
		}
		if flags != 0 {
			fb = appendVarint(fb, fieldFuncFlags, flags)
		}
		for _, s := range f.StringRefs {
			fb = protowire.AppendTag(fb, fieldFuncStringRef, protowire.BytesType)
			fb = protowire.AppendString(fb, s)
		}
		if fg := p.Flow(f.Addr); fg != nil {
			for _, b := range fg.Blocks {
				var bb []byte
				bb = appendVarint(bb, fieldBlockAddress, b.Addr)
				for _, ins := range b.Instructions {
					var ib []byte
					ib = appendVarint(ib, fieldInstrAddress, ins.Addr)
					ib = appendString(ib, fieldInstrMnemonic, cache.Mnemonic(ins.ID))
					ib = appendString(ib, fieldInstrOperands, cache.Operands(ins.ID))
					bb = appendMessage(bb, fieldBlockInstruction, ib)
				}
				fb = appendMessage(fb, fieldFuncBlock, bb)
			}
			for _, e := range fg.Edges {
				var eb []byte
				eb = appendVarint(eb, fieldEdgeFrom, e.From)
				eb = appendVarint(eb, fieldEdgeTo, e.To)
				fb = appendMessage(fb, fieldFuncFlowEdge, eb)
			}
		}
		buf = appendMessage(buf, fieldFunction, fb)
	}

	for _, e := range p.CallGraph.Edges {
		var eb []byte
		eb = appendVarint(eb, fieldCallCaller, e.Caller)
		eb = appendVarint(eb, fieldCallCallee, e.Callee)
		if e.Site != 0 {
			eb = appendVarint(eb, fieldCallSite, e.Site)
		}
		buf = appendMessage(buf, fieldCallEdge, eb)
	}
	return buf
}

// WriteFile encodes the program and writes it to path.
func WriteFile(path string, p *program.Program, cache *program.Cache) error {
	return os.WriteFile(path, Encode(p, cache), 0644)
}

func appendMessage(buf []byte, num protowire.Number, msg []byte) []byte {
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendBytes(buf, msg)
}

func appendString(buf []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return buf
	}
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendString(buf, s)
}

func appendVarint(buf []byte, num protowire.Number, v uint64) []byte {
	buf = protowire.AppendTag(buf, num, protowire.VarintType)
	return protowire.AppendVarint(buf, v)
}
