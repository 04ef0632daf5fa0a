package dequant

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/snapllm/snapllm/internal/engine"
	"github.com/snapllm/snapllm/internal/snaperr"
)

// sourceMagic identifies a quantized model container this cache knows how
// to parse. The format is intentionally small: a fixed header, a tensor
// table, then raw tensor bytes back to back — enough to exercise the
// dequantization and content-addressed reuse protocol in spec §4.C
// without depending on a specific upstream model-file format.
var sourceMagic = [4]byte{'S', 'Q', 'N', 'T'}

const sourceHeaderSize = 4 + 4 + 64 + 4*6 + 4 // magic,version,arch,6 shape fields,tensor_count

// TensorEntry describes one tensor as recorded in the source file's
// tensor table.
type TensorEntry struct {
	Name       string
	DType      DType
	Shape      []int64
	NumElems   int64
	DataOffset int64
	DataSize   int64
}

// SourceModel is a parsed quantized model file, not yet dequantized.
type SourceModel struct {
	Shape       engine.ShapeDescriptor
	Tensors     []TensorEntry
	ContentHash string // sha256 of the whole file, hex
	raw         []byte
}

// ParseSourceFile reads and parses a quantized model file in full. Models
// in the sizes this cache targets fit comfortably in host RAM at parse
// time; only the dequantized output is meant to live in the Workspace
// Store long-term.
func ParseSourceFile(path string) (*SourceModel, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, snaperr.Wrap(snaperr.IOError, "parse_source_file", "could not read model file", err)
	}
	if len(raw) < sourceHeaderSize {
		return nil, snaperr.New(snaperr.CorruptArtifact, "parse_source_file", "file shorter than header")
	}
	if !bytes.Equal(raw[0:4], sourceMagic[:]) {
		return nil, snaperr.New(snaperr.CorruptArtifact, "parse_source_file", "bad magic")
	}

	r := bytes.NewReader(raw)
	var hdr struct {
		Magic       [4]byte
		Version     uint32
		Arch        [64]byte
		NLayers     uint32
		NHeads      uint32
		NKVHeads    uint32
		HeadDim     uint32
		VocabSize   uint32
		ContextLen  uint32
		TensorCount uint32
	}
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, snaperr.Wrap(snaperr.CorruptArtifact, "parse_source_file", "malformed header", err)
	}

	shape := engine.ShapeDescriptor{
		Architecture: cstring(hdr.Arch[:]),
		NLayers:      int(hdr.NLayers),
		NHeads:       int(hdr.NHeads),
		NKVHeads:     int(hdr.NKVHeads),
		HeadDim:      int(hdr.HeadDim),
		VocabSize:    int(hdr.VocabSize),
		ContextLen:   int(hdr.ContextLen),
	}

	tensors := make([]TensorEntry, 0, hdr.TensorCount)
	for i := uint32(0); i < hdr.TensorCount; i++ {
		var nameLen, dtype, ndim uint32
		if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
			return nil, snaperr.Wrap(snaperr.CorruptArtifact, "parse_source_file", "truncated tensor table", err)
		}
		nameBuf := make([]byte, nameLen)
		if _, err := io.ReadFull(r, nameBuf); err != nil {
			return nil, snaperr.Wrap(snaperr.CorruptArtifact, "parse_source_file", "truncated tensor name", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &dtype); err != nil {
			return nil, snaperr.Wrap(snaperr.CorruptArtifact, "parse_source_file", "truncated tensor dtype", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &ndim); err != nil {
			return nil, snaperr.Wrap(snaperr.CorruptArtifact, "parse_source_file", "truncated tensor ndim", err)
		}
		shapeDims := make([]int64, ndim)
		var numElems int64 = 1
		for d := uint32(0); d < ndim; d++ {
			var dim uint32
			if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
				return nil, snaperr.Wrap(snaperr.CorruptArtifact, "parse_source_file", "truncated tensor shape", err)
			}
			shapeDims[d] = int64(dim)
			numElems *= int64(dim)
		}
		var dataOffset, dataSize uint64
		if err := binary.Read(r, binary.LittleEndian, &dataOffset); err != nil {
			return nil, snaperr.Wrap(snaperr.CorruptArtifact, "parse_source_file", "truncated tensor offset", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &dataSize); err != nil {
			return nil, snaperr.Wrap(snaperr.CorruptArtifact, "parse_source_file", "truncated tensor size", err)
		}

		tensors = append(tensors, TensorEntry{
			Name:       string(nameBuf),
			DType:      DType(dtype),
			Shape:      shapeDims,
			NumElems:   numElems,
			DataOffset: int64(dataOffset),
			DataSize:   int64(dataSize),
		})
	}

	for _, te := range tensors {
		if te.DataOffset+te.DataSize > int64(len(raw)) {
			return nil, snaperr.New(snaperr.CorruptArtifact, "parse_source_file",
				fmt.Sprintf("tensor %q data range exceeds file size", te.Name))
		}
	}

	sum := sha256.Sum256(raw)
	return &SourceModel{
		Shape:       shape,
		Tensors:     tensors,
		ContentHash: hex.EncodeToString(sum[:]),
		raw:         raw,
	}, nil
}

// TensorData returns the tensor's raw (still quantized) bytes.
func (m *SourceModel) TensorData(te TensorEntry) []byte {
	return m.raw[te.DataOffset : te.DataOffset+te.DataSize]
}

// Fingerprint combines the architecture shape and content hash into the
// model_fingerprint spec §4.C calls for: two files with identical bytes
// always fingerprint identically, and the architecture fields are folded
// in so a hash collision alone can't smuggle an incompatible shape past
// the Context Manager's compatibility check.
func (m *SourceModel) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%d|%d|%d|%d|%d|%s",
		m.Shape.Architecture, m.Shape.NLayers, m.Shape.NHeads, m.Shape.NKVHeads,
		m.Shape.HeadDim, m.Shape.VocabSize, m.Shape.ContextLen, m.ContentHash)
	return hex.EncodeToString(h.Sum(nil))
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
