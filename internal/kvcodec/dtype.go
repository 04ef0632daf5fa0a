package kvcodec

// EncodeTensor and DecodeTensor below implement the full dtype_code
// facility (fp32, fp16, bf16, int8, int4) for a backend that hands the KV
// Codec raw per-tensor float32 values. The engine.Engine implementations
// in this repo instead treat KV state as an opaque, already-serialized
// byte blob (engine.Context.SerializeSequence), so kvio.FrameDType always
// tags frames DTypeFP32 and the kvio payload path never calls these
// directly. They exist for a future engine backend that exposes raw
// tensor floats instead of a serialized blob, and are exercised directly
// by dtype_test.go's round-trip tests in the meantime.

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"

	"github.com/snapllm/snapllm/internal/snaperr"
)

// EncodeTensor converts one K or V tensor's float32 values into the bytes
// a frame payload carries for dtype d (spec §4.D "dtype_code"). For the
// quantized dtypes (int8, int4) a 4-byte little-endian float32 scale is
// written ahead of the packed values, since the frame header carries only
// one dtype_code per frame, not a per-tensor scale field.
func EncodeTensor(vals []float32, d DType) ([]byte, error) {
	switch d {
	case DTypeFP32:
		out := make([]byte, 4*len(vals))
		for i, v := range vals {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
		return out, nil
	case DTypeFP16:
		out := make([]byte, 2*len(vals))
		for i, v := range vals {
			binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(v).Bits())
		}
		return out, nil
	case DTypeBF16:
		out := make([]byte, 2*len(vals))
		for i, v := range vals {
			binary.LittleEndian.PutUint16(out[i*2:], bf16FromFloat32(v))
		}
		return out, nil
	case DTypeInt8:
		scale := absMaxScale(vals)
		out := make([]byte, 4+len(vals))
		binary.LittleEndian.PutUint32(out[0:], math.Float32bits(scale))
		for i, v := range vals {
			out[4+i] = byte(quantizeSigned(v, scale, 127))
		}
		return out, nil
	case DTypeInt4:
		scale := absMaxScale(vals)
		packed := (len(vals) + 1) / 2
		out := make([]byte, 4+packed)
		binary.LittleEndian.PutUint32(out[0:], math.Float32bits(scale))
		for i, v := range vals {
			q := byte(quantizeSigned(v, scale, 7)+8) & 0x0F // shift into 0..15
			if i%2 == 0 {
				out[4+i/2] |= q
			} else {
				out[4+i/2] |= q << 4
			}
		}
		return out, nil
	default:
		return nil, snaperr.New(snaperr.InvalidArgument, "kvcodec_encode_tensor", "unknown dtype_code")
	}
}

// DecodeTensor is the inverse of EncodeTensor: raw bytes plus the element
// count n back into float32 values.
func DecodeTensor(raw []byte, d DType, n int) ([]float32, error) {
	switch d {
	case DTypeFP32:
		if len(raw) < 4*n {
			return nil, snaperr.New(snaperr.CorruptArtifact, "kvcodec_decode_tensor", "truncated fp32 payload")
		}
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, nil
	case DTypeFP16:
		if len(raw) < 2*n {
			return nil, snaperr.New(snaperr.CorruptArtifact, "kvcodec_decode_tensor", "truncated fp16 payload")
		}
		out := make([]float32, n)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
		return out, nil
	case DTypeBF16:
		if len(raw) < 2*n {
			return nil, snaperr.New(snaperr.CorruptArtifact, "kvcodec_decode_tensor", "truncated bf16 payload")
		}
		out := make([]float32, n)
		for i := range out {
			out[i] = bf16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
		return out, nil
	case DTypeInt8:
		if len(raw) < 4+n {
			return nil, snaperr.New(snaperr.CorruptArtifact, "kvcodec_decode_tensor", "truncated int8 payload")
		}
		scale := math.Float32frombits(binary.LittleEndian.Uint32(raw[0:]))
		out := make([]float32, n)
		for i := range out {
			out[i] = float32(int8(raw[4+i])) * scale / 127
		}
		return out, nil
	case DTypeInt4:
		packed := (n + 1) / 2
		if len(raw) < 4+packed {
			return nil, snaperr.New(snaperr.CorruptArtifact, "kvcodec_decode_tensor", "truncated int4 payload")
		}
		scale := math.Float32frombits(binary.LittleEndian.Uint32(raw[0:]))
		out := make([]float32, n)
		for i := range out {
			var nibble byte
			if i%2 == 0 {
				nibble = raw[4+i/2] & 0x0F
			} else {
				nibble = (raw[4+i/2] >> 4) & 0x0F
			}
			out[i] = float32(int(nibble)-8) * scale / 7
		}
		return out, nil
	default:
		return nil, snaperr.New(snaperr.InvalidArgument, "kvcodec_decode_tensor", "unknown dtype_code")
	}
}

// bf16FromFloat32 truncates a float32 to its high 16 bits, the standard
// bf16 encoding (same exponent range as float32, a shorter mantissa).
func bf16FromFloat32(v float32) uint16 {
	return uint16(math.Float32bits(v) >> 16)
}

func bf16ToFloat32(bits uint16) float32 {
	return math.Float32frombits(uint32(bits) << 16)
}

func absMaxScale(vals []float32) float32 {
	var maxAbs float32
	for _, v := range vals {
		if v < 0 {
			v = -v
		}
		if v > maxAbs {
			maxAbs = v
		}
	}
	if maxAbs == 0 {
		return 1
	}
	return maxAbs
}

func quantizeSigned(v, scale float32, levels int) int {
	if scale == 0 {
		return 0
	}
	q := int(math.Round(float64(v / scale * float32(levels))))
	if q > levels {
		q = levels
	}
	if q < -levels {
		q = -levels
	}
	return q
}
