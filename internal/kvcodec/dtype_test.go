package kvcodec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeTensorFP32RoundTrips(t *testing.T) {
	vals := []float32{1.5, -2.25, 0, 100}
	raw, err := EncodeTensor(vals, DTypeFP32)
	require.NoError(t, err)
	got, err := DecodeTensor(raw, DTypeFP32, len(vals))
	require.NoError(t, err)
	require.Equal(t, vals, got)
}

func TestEncodeDecodeTensorFP16RoundTripsApproximately(t *testing.T) {
	vals := []float32{1.5, -2.25, 3.75}
	raw, err := EncodeTensor(vals, DTypeFP16)
	require.NoError(t, err)
	got, err := DecodeTensor(raw, DTypeFP16, len(vals))
	require.NoError(t, err)
	for i := range vals {
		require.InDelta(t, vals[i], got[i], 1e-3)
	}
}

func TestEncodeDecodeTensorBF16RoundTripsApproximately(t *testing.T) {
	vals := []float32{123.5, -0.25, 1000}
	raw, err := EncodeTensor(vals, DTypeBF16)
	require.NoError(t, err)
	got, err := DecodeTensor(raw, DTypeBF16, len(vals))
	require.NoError(t, err)
	for i := range vals {
		require.InDelta(t, vals[i], got[i], 8) // bf16 has ~8 bits of mantissa
	}
}

func TestEncodeDecodeTensorInt8PreservesExtremes(t *testing.T) {
	vals := []float32{-4, 0, 4}
	raw, err := EncodeTensor(vals, DTypeInt8)
	require.NoError(t, err)
	got, err := DecodeTensor(raw, DTypeInt8, len(vals))
	require.NoError(t, err)
	require.InDelta(t, -4.0, got[0], 0.05)
	require.InDelta(t, 0.0, got[1], 0.05)
	require.InDelta(t, 4.0, got[2], 0.05)
}

func TestEncodeDecodeTensorInt4PacksTwoPerByte(t *testing.T) {
	vals := []float32{-2, 0, 2, -1}
	raw, err := EncodeTensor(vals, DTypeInt4)
	require.NoError(t, err)
	require.Equal(t, 4+2, len(raw)) // 4-byte scale + 2 packed bytes for 4 values

	got, err := DecodeTensor(raw, DTypeInt4, len(vals))
	require.NoError(t, err)
	for i := range vals {
		require.InDelta(t, vals[i], got[i], 0.6)
	}
}

func TestEncodeTensorRejectsUnknownDType(t *testing.T) {
	_, err := EncodeTensor([]float32{1}, DType(99))
	require.Error(t, err)
}

func TestDecodeTensorRejectsTruncatedInput(t *testing.T) {
	_, err := DecodeTensor(make([]byte, 2), DTypeFP32, 4)
	require.Error(t, err)
}

func TestBF16FromFloat32IsHighHalfOfFloat32Bits(t *testing.T) {
	v := float32(1.0)
	bits := bf16FromFloat32(v)
	require.Equal(t, float32(1.0), bf16ToFloat32(bits))
}
