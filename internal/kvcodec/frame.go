// Package kvcodec implements the KV Codec (spec §4.D): a self-describing
// binary frame that wraps a captured KV-cache payload with a fixed header,
// optional compression, and CRC32 integrity checks.
package kvcodec

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/snapllm/snapllm/internal/snaperr"
)

var frameMagic = [4]byte{'S', 'K', 'V', 'C'}

const (
	headerSize = 256

	flagCompressed uint32 = 1 << 0
	flagQuantized  uint32 = 1 << 1
)

// DType is the dtype_code a frame's payload is encoded in.
type DType uint32

const (
	DTypeFP32 DType = iota
	DTypeFP16
	DTypeBF16
	DTypeInt8
	DTypeInt4
)

func (d DType) String() string {
	switch d {
	case DTypeFP32:
		return "fp32"
	case DTypeFP16:
		return "fp16"
	case DTypeBF16:
		return "bf16"
	case DTypeInt8:
		return "int8"
	case DTypeInt4:
		return "int4"
	default:
		return "unknown"
	}
}

// Compression identifies which compressor, if any, produced the frame's
// payload bytes.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
	CompressionLZ4
)

// Metadata is the header's field set, exclusive of the bookkeeping fields
// (CRCs, data_size) the codec computes itself.
type Metadata struct {
	ContextID        string
	ModelFingerprint string
	CreatedAt        int64
	NumLayers        int
	NumKVHeads       int
	HeadDim          int
	SequenceLength   int
	DType            DType
	Quantized        bool
}

// Frame is a decoded KV Codec frame: header fields plus the uncompressed
// payload.
type Frame struct {
	Metadata
	Compression Compression
	Payload     []byte
}

type header struct {
	Magic            [4]byte
	Version          uint32
	Flags            uint32
	ContextID        [64]byte
	ModelFingerprint [64]byte
	CreatedAt        uint64
	NumLayers        uint32
	NumKVHeads       uint32
	HeadDim          uint32
	SequenceLength   uint32
	DTypeCode        uint32
	DataSize         uint64
	HeaderCRC32      uint32
	DataCRC32        uint32
	Reserved         [256 - (4 + 4 + 4 + 64 + 64 + 8 + 4*5 + 8 + 4 + 4)]byte
}

// Encode builds a complete frame: header + payload, compressing the
// payload first when comp is not CompressionNone (spec §4.D "Payload").
func Encode(meta Metadata, payload []byte, comp Compression) ([]byte, error) {
	if len(meta.ContextID) > 64 {
		return nil, snaperr.New(snaperr.InvalidArgument, "kvcodec_encode", "context_id exceeds 64 bytes")
	}
	if len(meta.ModelFingerprint) > 64 {
		return nil, snaperr.New(snaperr.InvalidArgument, "kvcodec_encode", "model_fingerprint exceeds 64 bytes")
	}

	dataCRC := crc32.ChecksumIEEE(payload)

	body := payload
	flags := uint32(0)
	if meta.Quantized {
		flags |= flagQuantized
	}
	if comp != CompressionNone {
		compressed, err := compress(comp, payload)
		if err != nil {
			return nil, err
		}
		body = wrapSCMP(comp, uint64(len(payload)), compressed)
		flags |= flagCompressed
	}

	var hdr header
	hdr.Magic = frameMagic
	hdr.Version = 1
	hdr.Flags = flags
	copy(hdr.ContextID[:], meta.ContextID)
	copy(hdr.ModelFingerprint[:], meta.ModelFingerprint)
	hdr.CreatedAt = uint64(meta.CreatedAt)
	hdr.NumLayers = uint32(meta.NumLayers)
	hdr.NumKVHeads = uint32(meta.NumKVHeads)
	hdr.HeadDim = uint32(meta.HeadDim)
	hdr.SequenceLength = uint32(meta.SequenceLength)
	hdr.DTypeCode = uint32(meta.DType)
	hdr.DataSize = uint64(len(body))
	hdr.DataCRC32 = dataCRC

	headerBytes, err := marshalHeader(hdr)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, headerSize+len(body))
	out = append(out, headerBytes...)
	out = append(out, body...)
	return out, nil
}

// marshalHeader serializes hdr, computing header_crc32 over the header with
// that field itself zeroed (spec §4.D "Correctness rules").
func marshalHeader(hdr header) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		return nil, snaperr.Wrap(snaperr.EngineFailure, "kvcodec_encode", "marshal header", err)
	}
	b := buf.Bytes()
	if len(b) != headerSize {
		return nil, snaperr.New(snaperr.EngineFailure, "kvcodec_encode", "header size drifted from 256 bytes")
	}

	crcField := b[headerCRCOffset() : headerCRCOffset()+4]
	for i := range crcField {
		crcField[i] = 0
	}
	hdrCRC := crc32.ChecksumIEEE(b)
	binary.LittleEndian.PutUint32(crcField, hdrCRC)
	return b, nil
}

func headerCRCOffset() int {
	// Offset of HeaderCRC32 within the struct: everything before it.
	return 4 + 4 + 4 + 64 + 64 + 8 + 4*5 + 8
}

// Decode parses a frame previously produced by Encode, verifying magic and
// both CRCs, and decompressing the payload if the compressed flag is set.
func Decode(raw []byte) (*Frame, error) {
	if len(raw) < headerSize {
		return nil, snaperr.New(snaperr.CorruptArtifact, "kvcodec_decode", "frame shorter than header")
	}
	headerBytes := make([]byte, headerSize)
	copy(headerBytes, raw[:headerSize])

	var hdr header
	if err := binary.Read(bytes.NewReader(raw[:headerSize]), binary.LittleEndian, &hdr); err != nil {
		return nil, snaperr.Wrap(snaperr.CorruptArtifact, "kvcodec_decode", "malformed header", err)
	}
	if hdr.Magic != frameMagic {
		return nil, snaperr.New(snaperr.CorruptArtifact, "kvcodec_decode", "bad magic")
	}

	wantCRC := hdr.HeaderCRC32
	crcField := headerBytes[headerCRCOffset() : headerCRCOffset()+4]
	for i := range crcField {
		crcField[i] = 0
	}
	if gotCRC := crc32.ChecksumIEEE(headerBytes); gotCRC != wantCRC {
		return nil, snaperr.New(snaperr.CorruptArtifact, "kvcodec_decode", "header CRC mismatch")
	}

	body := raw[headerSize:]
	if uint64(len(body)) != hdr.DataSize {
		return nil, snaperr.New(snaperr.CorruptArtifact, "kvcodec_decode", "frame shorter than declared data_size")
	}

	payload := body
	comp := CompressionNone
	if hdr.Flags&flagCompressed != 0 {
		c, originalSize, compressed, err := unwrapSCMP(body)
		if err != nil {
			return nil, err
		}
		comp = c
		payload, err = decompress(comp, compressed, originalSize)
		if err != nil {
			return nil, err
		}
	}

	if gotCRC := crc32.ChecksumIEEE(payload); gotCRC != hdr.DataCRC32 {
		return nil, snaperr.New(snaperr.CorruptArtifact, "kvcodec_decode", "payload CRC mismatch")
	}

	return &Frame{
		Metadata: Metadata{
			ContextID:        cstring(hdr.ContextID[:]),
			ModelFingerprint: cstring(hdr.ModelFingerprint[:]),
			CreatedAt:        int64(hdr.CreatedAt),
			NumLayers:        int(hdr.NumLayers),
			NumKVHeads:       int(hdr.NumKVHeads),
			HeadDim:          int(hdr.HeadDim),
			SequenceLength:   int(hdr.SequenceLength),
			DType:            DType(hdr.DTypeCode),
			Quantized:        hdr.Flags&flagQuantized != 0,
		},
		Compression: comp,
		Payload:     payload,
	}, nil
}

// DecodeHeader reads and validates just a frame's 256-byte header from r,
// without reading or CRC-checking the payload that follows. rebuild_index
// uses this to reconstruct registry entries from the contexts directory
// without loading each frame's full KV payload into memory (spec §4.H
// "reads each frame's header, reconstructs entries"). The returned
// data_size is the on-disk payload length following the header.
func DecodeHeader(r io.Reader) (Metadata, uint64, error) {
	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return Metadata{}, 0, snaperr.Wrap(snaperr.CorruptArtifact, "kvcodec_decode_header", "read header", err)
	}

	var hdr header
	if err := binary.Read(bytes.NewReader(headerBytes), binary.LittleEndian, &hdr); err != nil {
		return Metadata{}, 0, snaperr.Wrap(snaperr.CorruptArtifact, "kvcodec_decode_header", "malformed header", err)
	}
	if hdr.Magic != frameMagic {
		return Metadata{}, 0, snaperr.New(snaperr.CorruptArtifact, "kvcodec_decode_header", "bad magic")
	}

	wantCRC := hdr.HeaderCRC32
	crcField := headerBytes[headerCRCOffset() : headerCRCOffset()+4]
	for i := range crcField {
		crcField[i] = 0
	}
	if gotCRC := crc32.ChecksumIEEE(headerBytes); gotCRC != wantCRC {
		return Metadata{}, 0, snaperr.New(snaperr.CorruptArtifact, "kvcodec_decode_header", "header CRC mismatch")
	}

	return Metadata{
		ContextID:        cstring(hdr.ContextID[:]),
		ModelFingerprint: cstring(hdr.ModelFingerprint[:]),
		CreatedAt:        int64(hdr.CreatedAt),
		NumLayers:        int(hdr.NumLayers),
		NumKVHeads:       int(hdr.NumKVHeads),
		HeadDim:          int(hdr.HeadDim),
		SequenceLength:   int(hdr.SequenceLength),
		DType:            DType(hdr.DTypeCode),
		Quantized:        hdr.Flags&flagQuantized != 0,
	}, hdr.DataSize, nil
}

// CompatibleWith reports whether f can be injected into a model with the
// given fingerprint and shape-derived layer/head parameters (spec §4.D
// "A reader must refuse to use a frame whose ... shape disagrees").
func (f *Frame) CompatibleWith(modelFingerprint string, numLayers, numKVHeads, headDim int) bool {
	return f.ModelFingerprint == modelFingerprint &&
		f.NumLayers == numLayers &&
		f.NumKVHeads == numKVHeads &&
		f.HeadDim == headDim
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
