package kvio

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/snapllm/snapllm/internal/engine"
)

func testShape() engine.ShapeDescriptor {
	return engine.ShapeDescriptor{
		Architecture: "mock-arch",
		NLayers:      4,
		NHeads:       8,
		NKVHeads:     8,
		HeadDim:      64,
		VocabSize:    512,
		ContextLen:   2048,
	}
}

func TestExtractProducesNonEmptyPayload(t *testing.T) {
	eng := engine.NewMock(testShape(), nil)
	io := New(eng, 2048, 32)
	defer io.Close()

	res, err := io.Extract(context.Background(), "model-a", "the quick brown fox", ExtractConfig{SequenceID: 0, BatchSize: 2})
	require.NoError(t, err)
	require.NotEmpty(t, res.Payload)
	require.Equal(t, 5, res.TokenCount) // BOS + 4 words
}

func TestExtractThenInjectReproducesIdenticalState(t *testing.T) {
	eng := engine.NewMock(testShape(), nil)
	io := New(eng, 2048, 32)
	defer io.Close()

	ctx := context.Background()
	extracted, err := io.Extract(ctx, "model-a", "hello world this is a test", ExtractConfig{SequenceID: 1, BatchSize: 3})
	require.NoError(t, err)

	require.NoError(t, io.Inject(ctx, "model-a", 2, extracted.Payload))

	// Re-extracting sequence 2 (now restored) and comparing against a live
	// re-run of the same content on a third sequence must produce the same
	// serialized state, proving the restore reached an equivalent point.
	liveAgain, err := io.Extract(ctx, "model-a", "hello world this is a test", ExtractConfig{SequenceID: 3, BatchSize: 3})
	require.NoError(t, err)

	restoredPayload, err := serializeVia(io, "model-a", 2)
	require.NoError(t, err)
	require.Equal(t, liveAgain.Payload, restoredPayload)
}

func serializeVia(io *IO, modelID string, seq engine.SequenceID) ([]byte, error) {
	h, err := io.contextFor(context.Background(), modelID)
	if err != nil {
		return nil, err
	}
	return h.ctx.SerializeSequence(seq)
}

func TestExtractReusesOneContextPerModel(t *testing.T) {
	eng := engine.NewMock(testShape(), nil)
	io := New(eng, 2048, 32)
	defer io.Close()

	ctx := context.Background()
	_, err := io.Extract(ctx, "model-a", "first call", ExtractConfig{SequenceID: 0})
	require.NoError(t, err)
	_, err = io.Extract(ctx, "model-a", "second call", ExtractConfig{SequenceID: 1})
	require.NoError(t, err)

	io.mu.Lock()
	count := len(io.contexts)
	io.mu.Unlock()
	require.Equal(t, 1, count)
}

func TestInjectLeavesSequenceClearedOnFailure(t *testing.T) {
	eng := engine.NewMock(testShape(), nil)
	io := New(eng, 2048, 32)
	defer io.Close()

	ctx := context.Background()
	err := io.Inject(ctx, "model-a", 0, nil) // Mock rejects a nil/invalid payload
	_ = err                                  // Mock's DeserializeSequence may accept empty payloads as a no-op; either outcome is fine here.

	h, getErr := io.contextFor(ctx, "model-a")
	require.NoError(t, getErr)
	payload, serr := h.ctx.SerializeSequence(0)
	require.NoError(t, serr)
	require.Empty(t, payload)
}

func TestModelShapeForReturnsEngineShape(t *testing.T) {
	eng := engine.NewMock(testShape(), nil)
	io := New(eng, 2048, 32)
	defer io.Close()

	shape, err := io.ModelShapeFor(context.Background(), "model-a")
	require.NoError(t, err)
	require.Equal(t, "mock-arch", shape.Architecture)
}
