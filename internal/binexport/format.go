// Package binexport reads and writes the serialized program representation
// the differ consumes. The format is a single protobuf-wire message encoded
// and decoded with protowire directly; no generated code is involved.
//
// Export message layout:
//
//	1 meta        message  {1 executable_id, 2 executable_name, 3 architecture}
//	2 function    repeated {1 address, 2 name, 3 demangled, 4 flags,
//	                        5 string_ref repeated,
//	                        6 block repeated {1 address,
//	                            2 instruction repeated {1 address, 2 mnemonic,
//	                                                    3 operands, 4 raw}},
//	                        7 flow_edge repeated {1 from, 2 to}}
//	3 call_edge   repeated {1 caller, 2 callee, 3 site}
//
// Unknown fields are skipped, so the format can grow without breaking old
// readers.
package binexport

import "google.golang.org/protobuf/encoding/protowire"

// FileExtension is the canonical extension of export files.
const FileExtension = ".BinExport"

// Flag bits of the function flags field.
const (
	FlagLibrary = 1 << 0
	FlagStub    = 1 << 1
)

// Field numbers of the Export message.
const (
	fieldMeta     protowire.Number = 1
	fieldFunction protowire.Number = 2
	fieldCallEdge protowire.Number = 3
)

// Field numbers of the meta message.
const (
	fieldMetaExecutableID   protowire.Number = 1
	fieldMetaExecutableName protowire.Number = 2
	fieldMetaArchitecture   protowire.Number = 3
)

// Field numbers of the function message.
const (
	fieldFuncAddress   protowire.Number = 1
	fieldFuncName      protowire.Number = 2
	fieldFuncDemangled protowire.Number = 3
	fieldFuncFlags     protowire.Number = 4
	fieldFuncStringRef protowire.Number = 5
	fieldFuncBlock     protowire.Number = 6
	fieldFuncFlowEdge  protowire.Number = 7
)

// Field numbers of the block message.
const (
	fieldBlockAddress     protowire.Number = 1
	fieldBlockInstruction protowire.Number = 2
)

// Field numbers of the instruction message.
const (
	fieldInstrAddress  protowire.Number = 1
	fieldInstrMnemonic protowire.Number = 2
	fieldInstrOperands protowire.Number = 3
	fieldInstrRaw      protowire.Number = 4
)

// Field numbers of the flow edge message.
const (
	fieldEdgeFrom protowire.Number = 1
	fieldEdgeTo   protowire.Number = 2
)

// Field numbers of the call edge message.
const (
	fieldCallCaller protowire.Number = 1
	fieldCallCallee protowire.Number = 2
	fieldCallSite   protowire.Number = 3
)
