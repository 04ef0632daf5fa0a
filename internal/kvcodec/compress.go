package kvcodec

import (
	"encoding/binary"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/snapllm/snapllm/internal/snaperr"
)

const scmpHeaderSize = 16

var scmpMagic = [4]byte{'S', 'C', 'M', 'P'}

// compress runs the selected compressor over the uncompressed payload.
// zstd builds a fresh encoder per call and compresses with EncodeAll; lz4
// uses pierrec/lz4's block API (CompressBlock), since klauspost/compress
// has no lz4 package.
func compress(c Compression, payload []byte) ([]byte, error) {
	switch c {
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, snaperr.Wrap(snaperr.EngineFailure, "kvcodec_compress", "create zstd encoder", err)
		}
		defer enc.Close()
		return enc.EncodeAll(payload, make([]byte, 0, len(payload))), nil
	case CompressionLZ4:
		out := make([]byte, lz4.CompressBlockBound(len(payload)))
		hashTable := make([]int, 1<<16)
		n, err := lz4.CompressBlock(payload, out, hashTable)
		if err != nil {
			return nil, snaperr.Wrap(snaperr.EngineFailure, "kvcodec_compress", "lz4 compress", err)
		}
		if n == 0 {
			// Incompressible input: lz4 leaves the block empty; store raw.
			return append([]byte{}, payload...), nil
		}
		return out[:n], nil
	default:
		return nil, snaperr.New(snaperr.InvalidArgument, "kvcodec_compress", "unknown compression type")
	}
}

func decompress(c Compression, compressed []byte, originalSize uint64) ([]byte, error) {
	switch c {
	case CompressionZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, snaperr.Wrap(snaperr.EngineFailure, "kvcodec_decompress", "create zstd decoder", err)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(compressed, make([]byte, 0, originalSize))
		if err != nil {
			return nil, snaperr.Wrap(snaperr.CorruptArtifact, "kvcodec_decompress", "zstd decode", err)
		}
		return out, nil
	case CompressionLZ4:
		out := make([]byte, originalSize)
		n, err := lz4.UncompressBlock(compressed, out)
		if err != nil {
			// Incompressible blocks are stored raw by compress(); fall
			// back to treating the bytes as already-uncompressed data.
			if uint64(len(compressed)) == originalSize {
				return compressed, nil
			}
			return nil, snaperr.Wrap(snaperr.CorruptArtifact, "kvcodec_decompress", "lz4 decode", err)
		}
		return out[:n], nil
	default:
		return nil, snaperr.New(snaperr.InvalidArgument, "kvcodec_decompress", "unknown compression type")
	}
}

// wrapSCMP prefixes compressed bytes with the 16-byte sub-header spec §4.D
// requires: compression type, version, flags, original (uncompressed)
// size.
func wrapSCMP(c Compression, originalSize uint64, compressed []byte) []byte {
	out := make([]byte, scmpHeaderSize+len(compressed))
	copy(out[0:4], scmpMagic[:])
	out[4] = byte(c)
	out[5] = 1 // sub-header version
	out[6] = 0 // flags, reserved
	out[7] = 0
	binary.LittleEndian.PutUint64(out[8:16], originalSize)
	copy(out[scmpHeaderSize:], compressed)
	return out
}

func unwrapSCMP(body []byte) (Compression, uint64, []byte, error) {
	if len(body) < scmpHeaderSize {
		return 0, 0, nil, snaperr.New(snaperr.CorruptArtifact, "kvcodec_decode", "truncated SCMP sub-header")
	}
	var magic [4]byte
	copy(magic[:], body[0:4])
	if magic != scmpMagic {
		return 0, 0, nil, snaperr.New(snaperr.CorruptArtifact, "kvcodec_decode", "bad SCMP magic")
	}
	c := Compression(body[4])
	originalSize := binary.LittleEndian.Uint64(body[8:16])
	return c, originalSize, body[scmpHeaderSize:], nil
}
