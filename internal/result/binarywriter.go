package result

import (
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

// BinaryWriter renders the relational on-disk format: a meta record
// followed by one record per function match, each holding its basic-block
// records with the instruction-alignment bitmap.
//
// DiffResult message layout:
//
//	1 meta           message  {1 primary_exe, 2 secondary_exe,
//	                           3 similarity fixed64, 4 confidence fixed64}
//	2 function_match repeated {1 primary, 2 secondary, 3 step,
//	                           4 confidence fixed64,
//	                           5 block_match repeated {1 primary, 2 secondary,
//	                               3 step, 4 alignment bytes, 5 matched}}
type BinaryWriter struct {
	path string
}

// NewBinaryWriter returns a writer that creates path on Write.
func NewBinaryWriter(path string) *BinaryWriter {
	return &BinaryWriter{path: path}
}

func (w *BinaryWriter) Write(r *Result) error {
	data, err := EncodeResult(r)
	if err != nil {
		return err
	}
	if err := os.WriteFile(w.path, data, 0644); err != nil {
		return fmt.Errorf("binary results: %w", err)
	}
	return nil
}

// EncodeResult serializes a result into the DiffResult wire format.
func EncodeResult(r *Result) ([]byte, error) {
	var buf []byte

	var meta []byte
	meta = appendString(meta, 1, r.Primary.CallGraph.ExecutableName)
	meta = appendString(meta, 2, r.Secondary.CallGraph.ExecutableName)
	meta = appendDouble(meta, 3, r.Similarity)
	meta = appendDouble(meta, 4, r.Confidence)
	buf = appendMessage(buf, 1, meta)

	for _, fp := range r.FixedPoints {
		var fm []byte
		fm = appendVarint(fm, 1, fp.Primary)
		fm = appendVarint(fm, 2, fp.Secondary)
		fm = appendString(fm, 3, fp.StepID)
		fm = appendDouble(fm, 4, fp.Confidence)
		for i := range fp.BasicBlocks {
			m := &fp.BasicBlocks[i]
			var bm []byte
			bm = appendVarint(bm, 1, m.Primary)
			bm = appendVarint(bm, 2, m.Secondary)
			bm = appendString(bm, 3, m.StepID)
			if m.Alignment != nil {
				bits, err := m.Alignment.MarshalBinary()
				if err != nil {
					return nil, fmt.Errorf("binary results: alignment bitmap: %w", err)
				}
				bm = protowire.AppendTag(bm, 4, protowire.BytesType)
				bm = protowire.AppendBytes(bm, bits)
			}
			bm = appendVarint(bm, 5, uint64(m.MatchedInstructions))
			fm = appendMessage(fm, 5, bm)
		}
		buf = appendMessage(buf, 2, fm)
	}
	return buf, nil
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

func appendDouble(buf []byte, num protowire.Number, v float64) []byte {
	buf = protowire.AppendTag(buf, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(buf, math.Float64bits(v))
}
