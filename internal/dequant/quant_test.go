package dequant

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestDequantizeQ4_0SingleBlock(t *testing.T) {
	scale := float16.Fromfloat32(1.0).Bits()
	raw := make([]byte, 2+16)
	binary.LittleEndian.PutUint16(raw[0:], scale)
	// nibble 0 low = 8 (value 0), nibble 0 high (elem 16) = 12 (value 4)
	raw[2] = 0x8 | (0xC << 4)

	floats, err := Dequantize(DTypeQ4_0, raw, 32)
	require.NoError(t, err)
	require.Len(t, floats, 32)
	require.InDelta(t, 0.0, floats[0], 1e-6)
	require.InDelta(t, 4.0, floats[16], 1e-6)
}

func TestDequantizeQ5_0HighBitExtendsRange(t *testing.T) {
	scale := float16.Fromfloat32(1.0).Bits()
	raw := make([]byte, 2+4+16)
	binary.LittleEndian.PutUint16(raw[0:], scale)
	// Set element 0's low nibble to 0xF and its high bit, giving 0b11111=31, minus 16 = 15.
	binary.LittleEndian.PutUint32(raw[2:], 1) // bit 0 set
	raw[6] = 0x0F

	floats, err := Dequantize(DTypeQ5_0, raw, 32)
	require.NoError(t, err)
	require.InDelta(t, 15.0, floats[0], 1e-6)
}

func TestDequantizeQ8_0NegativeAndPositive(t *testing.T) {
	scale := float16.Fromfloat32(0.5).Bits()
	raw := make([]byte, 2+32)
	binary.LittleEndian.PutUint16(raw[0:], scale)
	raw[2] = byte(int8(-10))
	raw[3] = byte(int8(10))

	floats, err := Dequantize(DTypeQ8_0, raw, 32)
	require.NoError(t, err)
	require.InDelta(t, -5.0, floats[0], 1e-6)
	require.InDelta(t, 5.0, floats[1], 1e-6)
}

func TestDequantizeF16RoundTrips(t *testing.T) {
	raw := make([]byte, 4)
	binary.LittleEndian.PutUint16(raw[0:], float16.Fromfloat32(3.5).Bits())
	binary.LittleEndian.PutUint16(raw[2:], float16.Fromfloat32(-1.25).Bits())

	floats, err := Dequantize(DTypeF16, raw, 2)
	require.NoError(t, err)
	require.InDelta(t, 3.5, floats[0], 1e-3)
	require.InDelta(t, -1.25, floats[1], 1e-3)
}

func TestDequantizeQ5KUsesSuperBlockScale(t *testing.T) {
	const subBlockBytes = 2 + 4 + 16
	const superBlockBytes = 2 + 8*subBlockBytes
	raw := make([]byte, superBlockBytes)
	binary.LittleEndian.PutUint16(raw[0:], float16.Fromfloat32(2.0).Bits()) // super scale
	// First sub-block local scale 1.0, element 0 nibble = 5 -> (5-16)*2.0*1.0 = -22
	binary.LittleEndian.PutUint16(raw[2:], float16.Fromfloat32(1.0).Bits())
	raw[2+6] = 0x05

	floats, err := Dequantize(DTypeQ5K, raw, 256)
	require.NoError(t, err)
	require.Len(t, floats, 256)
	require.InDelta(t, -22.0, floats[0], 1e-6)
}

func TestDequantizeTruncatedInputErrors(t *testing.T) {
	_, err := Dequantize(DTypeQ8_0, make([]byte, 4), 32)
	require.Error(t, err)
}
