package dequant

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// DType identifies a tensor's on-disk element encoding, mirroring the
// quantization formats spec §4.C names.
type DType uint32

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeQ4_0
	DTypeQ5_0
	DTypeQ5K
	DTypeQ8_0
)

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "f32"
	case DTypeF16:
		return "f16"
	case DTypeQ4_0:
		return "q4_0"
	case DTypeQ5_0:
		return "q5_0"
	case DTypeQ5K:
		return "q5_k"
	case DTypeQ8_0:
		return "q8_0"
	default:
		return "unknown"
	}
}

// blockElems is the number of elements per quantization block for the
// ggml-style block formats. Q5K uses a 256-element super-block; the other
// block formats use 32, both standard in the ecosystem this was modeled
// on.
func blockElems(d DType) int {
	switch d {
	case DTypeQ4_0, DTypeQ5_0, DTypeQ8_0:
		return 32
	case DTypeQ5K:
		return 256
	default:
		return 1
	}
}

// Dequantize converts raw tensor bytes of the given dtype and element
// count into float32, dispatching to the block format's decoder.
func Dequantize(d DType, raw []byte, numElems int) ([]float32, error) {
	switch d {
	case DTypeF32:
		return dequantizeF32(raw, numElems)
	case DTypeF16:
		return dequantizeF16(raw, numElems)
	case DTypeQ4_0:
		return dequantizeQ4_0(raw, numElems)
	case DTypeQ5_0:
		return dequantizeQ5_0(raw, numElems)
	case DTypeQ5K:
		return dequantizeQ5K(raw, numElems)
	case DTypeQ8_0:
		return dequantizeQ8_0(raw, numElems)
	default:
		return nil, fmt.Errorf("dequant: unknown dtype %d", d)
	}
}

func dequantizeF32(raw []byte, numElems int) ([]float32, error) {
	if len(raw) < numElems*4 {
		return nil, fmt.Errorf("dequant: f32 tensor truncated: have %d bytes, need %d", len(raw), numElems*4)
	}
	out := make([]float32, numElems)
	for i := range out {
		bits := binary.LittleEndian.Uint32(raw[i*4:])
		out[i] = math.Float32frombits(bits)
	}
	return out, nil
}

func dequantizeF16(raw []byte, numElems int) ([]float32, error) {
	if len(raw) < numElems*2 {
		return nil, fmt.Errorf("dequant: f16 tensor truncated: have %d bytes, need %d", len(raw), numElems*2)
	}
	out := make([]float32, numElems)
	for i := range out {
		bits := binary.LittleEndian.Uint16(raw[i*2:])
		out[i] = float16.Frombits(bits).Float32()
	}
	return out, nil
}

// dequantizeQ4_0 decodes ggml's Q4_0 block layout: per 32-element block, a
// little-endian fp16 scale followed by 16 bytes of packed 4-bit nibbles
// (low nibble of byte i = element i, high nibble = element i+16), values centered
// at 8.
func dequantizeQ4_0(raw []byte, numElems int) ([]float32, error) {
	const blockBytes = 2 + 16
	nBlocks := (numElems + 31) / 32
	if len(raw) < nBlocks*blockBytes {
		return nil, fmt.Errorf("dequant: q4_0 tensor truncated: have %d bytes, need %d", len(raw), nBlocks*blockBytes)
	}
	out := make([]float32, 0, numElems)
	for b := 0; b < nBlocks; b++ {
		off := b * blockBytes
		scale := float16.Frombits(binary.LittleEndian.Uint16(raw[off:])).Float32()
		nibbles := raw[off+2 : off+blockBytes]
		for i := 0; i < 16 && len(out) < numElems; i++ {
			lo := nibbles[i] & 0x0F
			out = append(out, (float32(lo)-8)*scale)
		}
		for i := 0; i < 16 && len(out) < numElems; i++ {
			hi := nibbles[i] >> 4
			out = append(out, (float32(hi)-8)*scale)
		}
	}
	return out, nil
}

// dequantizeQ5_0 decodes Q5_0: fp16 scale, 4 bytes of high bits (one per
// element, packed as a 32-bit field), then 16 bytes of low nibbles.
func dequantizeQ5_0(raw []byte, numElems int) ([]float32, error) {
	const blockBytes = 2 + 4 + 16
	nBlocks := (numElems + 31) / 32
	if len(raw) < nBlocks*blockBytes {
		return nil, fmt.Errorf("dequant: q5_0 tensor truncated: have %d bytes, need %d", len(raw), nBlocks*blockBytes)
	}
	out := make([]float32, 0, numElems)
	for b := 0; b < nBlocks; b++ {
		off := b * blockBytes
		scale := float16.Frombits(binary.LittleEndian.Uint16(raw[off:])).Float32()
		highBits := binary.LittleEndian.Uint32(raw[off+2:])
		nibbles := raw[off+6 : off+blockBytes]
		for i := 0; i < 16 && len(out) < numElems; i++ {
			lo := uint32(nibbles[i] & 0x0F)
			hi := (highBits >> uint(i)) & 0x1
			out = append(out, (float32(lo|(hi<<4))-16)*scale)
		}
		for i := 0; i < 16 && len(out) < numElems; i++ {
			lo := uint32(nibbles[i] >> 4)
			hi := (highBits >> uint(i+16)) & 0x1
			out = append(out, (float32(lo|(hi<<4))-16)*scale)
		}
	}
	return out, nil
}

// dequantizeQ8_0 decodes Q8_0: fp16 scale followed by 32 signed int8s.
func dequantizeQ8_0(raw []byte, numElems int) ([]float32, error) {
	const blockBytes = 2 + 32
	nBlocks := (numElems + 31) / 32
	if len(raw) < nBlocks*blockBytes {
		return nil, fmt.Errorf("dequant: q8_0 tensor truncated: have %d bytes, need %d", len(raw), nBlocks*blockBytes)
	}
	out := make([]float32, 0, numElems)
	for b := 0; b < nBlocks; b++ {
		off := b * blockBytes
		scale := float16.Frombits(binary.LittleEndian.Uint16(raw[off:])).Float32()
		vals := raw[off+2 : off+blockBytes]
		for i := 0; i < 32 && len(out) < numElems; i++ {
			out = append(out, float32(int8(vals[i]))*scale)
		}
	}
	return out, nil
}

// dequantizeQ5K approximates ggml's Q5_K super-block format (256 elements
// with per-16-element sub-scales quantized to 6 bits) by treating each
// super-block as eight Q5_0-style 32-element sub-blocks sharing the
// super-block's fp16 scale. This is a simplification of the real K-quant
// layout's hierarchical scale encoding, accepted here because byte-exact
// K-quant decoding is outside what the core's caching contract needs:
// the Dequant Cache treats any dtype uniformly once it reaches float32.
func dequantizeQ5K(raw []byte, numElems int) ([]float32, error) {
	const subBlockBytes = 2 + 4 + 16
	const superBlockBytes = 2 + 8*subBlockBytes
	nSuper := (numElems + 255) / 256
	if len(raw) < nSuper*superBlockBytes {
		return nil, fmt.Errorf("dequant: q5_k tensor truncated: have %d bytes, need %d", len(raw), nSuper*superBlockBytes)
	}
	out := make([]float32, 0, numElems)
	for s := 0; s < nSuper; s++ {
		base := s * superBlockBytes
		superScale := float16.Frombits(binary.LittleEndian.Uint16(raw[base:])).Float32()
		for sub := 0; sub < 8 && len(out) < numElems; sub++ {
			off := base + 2 + sub*subBlockBytes
			localScale := float16.Frombits(binary.LittleEndian.Uint16(raw[off:])).Float32() * superScale
			highBits := binary.LittleEndian.Uint32(raw[off+2:])
			nibbles := raw[off+6 : off+subBlockBytes]
			for i := 0; i < 16 && len(out) < numElems; i++ {
				lo := uint32(nibbles[i] & 0x0F)
				hi := (highBits >> uint(i)) & 0x1
				out = append(out, (float32(lo|(hi<<4))-16)*localScale)
			}
			for i := 0; i < 16 && len(out) < numElems; i++ {
				lo := uint32(nibbles[i] >> 4)
				hi := (highBits >> uint(i+16)) & 0x1
				out = append(out, (float32(lo|(hi<<4))-16)*localScale)
			}
		}
	}
	return out, nil
}
