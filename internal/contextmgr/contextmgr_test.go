package contextmgr

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/snapllm/snapllm/internal/accessstats"
	"github.com/snapllm/snapllm/internal/engine"
	"github.com/snapllm/snapllm/internal/kvio"
	"github.com/snapllm/snapllm/internal/registry"
	"github.com/snapllm/snapllm/internal/snaperr"
	"github.com/snapllm/snapllm/internal/tier"
)

func newTestManager(t *testing.T) (*Manager, *kvio.IO) {
	t.Helper()
	dir := t.TempDir()

	reg, err := registry.Open(filepath.Join(dir, "registry.json"), "")
	require.NoError(t, err)

	alloc, err := tier.New(tier.Config{
		GPUBytes:          1 << 20,
		RAMBytes:          1 << 20,
		DiskBytes:         1 << 20,
		DiskDir:           filepath.Join(dir, "cold"),
		TargetUtilization: 0.7,
	})
	require.NoError(t, err)

	eng := engine.NewMock(engine.ShapeDescriptor{
		Architecture: "mock-arch",
		NLayers:      2,
		NHeads:       4,
		NKVHeads:     4,
		HeadDim:      16,
		VocabSize:    256,
		ContextLen:   4096,
	}, nil)
	io := kvio.New(eng, 4096, 64)

	stats, err := accessstats.Open(filepath.Join(dir, "access.db"))
	require.NoError(t, err)
	t.Cleanup(func() { stats.Close() })

	mgr := New(filepath.Join(dir, "frames"), reg, alloc, io, stats)
	return mgr, io
}

func TestIngestProducesReadyHandle(t *testing.T) {
	mgr, _ := newTestManager(t)
	h, err := mgr.Ingest(context.Background(), "model-a", "the quick brown fox jumps", IngestOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, h.ContextID)
	require.Equal(t, tier.Hot, h.Tier)
	require.Equal(t, 6, h.TokenCount) // BOS + 5 words
}

func TestIngestIsIdempotentForIdenticalContent(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()
	h1, err := mgr.Ingest(ctx, "model-a", "identical content here", IngestOptions{})
	require.NoError(t, err)
	h2, err := mgr.Ingest(ctx, "model-a", "identical content here", IngestOptions{})
	require.NoError(t, err)
	require.Equal(t, h1.ContextID, h2.ContextID)
}

func TestConcurrentIdenticalIngestsCoalesceToOneContext(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	ids := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := mgr.FindOrCreate(ctx, "model-a", "shared concurrent content", IngestOptions{})
			errs[i] = err
			if h != nil {
				ids[i] = h.ContextID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, ids[0], ids[i])
	}
}

func TestQueryReturnsResponseAndUsage(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()
	h, err := mgr.Ingest(ctx, "model-a", "some long context about rivers and mountains", IngestOptions{})
	require.NoError(t, err)

	cfg := engine.DefaultSamplerConfig()
	cfg.MaxTokens = 5
	res, err := mgr.Query(ctx, h.ContextID, "tell me more", cfg)
	require.NoError(t, err)
	require.True(t, res.CacheHit)
	require.Equal(t, h.TokenCount, res.Usage.ContextTokens)
	require.GreaterOrEqual(t, res.Usage.QueryTokens, 1)
}

func TestQueryOnUnknownContextReturnsNotFound(t *testing.T) {
	mgr, _ := newTestManager(t)
	_, err := mgr.Query(context.Background(), "does-not-exist", "hi", engine.DefaultSamplerConfig())
	require.Error(t, err)
	require.Equal(t, snaperr.NotFound, snaperr.KindOf(err))
}

func TestDeleteRemovesContextAndFrame(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()
	h, err := mgr.Ingest(ctx, "model-a", "delete me please", IngestOptions{})
	require.NoError(t, err)

	require.NoError(t, mgr.Delete(h.ContextID))

	_, err = mgr.Query(ctx, h.ContextID, "hi", engine.DefaultSamplerConfig())
	require.Error(t, err)
}

func TestDeleteUnknownContextIsNotFoundNotPanic(t *testing.T) {
	mgr, _ := newTestManager(t)
	err := mgr.Delete("ghost")
	require.Error(t, err)
	require.Equal(t, snaperr.NotFound, snaperr.KindOf(err))
}

func TestQueryAfterEvictionReloadsFromDisk(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()
	h, err := mgr.Ingest(ctx, "model-a", "content that will be evicted", IngestOptions{})
	require.NoError(t, err)

	// Simulate the allocator having lost the in-memory copy entirely (as if
	// PreEvict declined to demote and the pool freed the bytes) by removing
	// it directly; the durable frame file on disk must still serve a query.
	mgr.alloc.DeallocateOwner(h.ContextID)

	res, err := mgr.Query(ctx, h.ContextID, "continue", engine.DefaultSamplerConfig())
	require.NoError(t, err)
	require.True(t, res.CacheHit)
}

func TestQueryMultiConcatenatesContexts(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()
	h1, err := mgr.Ingest(ctx, "model-a", "first document content", IngestOptions{})
	require.NoError(t, err)
	h2, err := mgr.Ingest(ctx, "model-a", "second document content", IngestOptions{})
	require.NoError(t, err)

	res, err := mgr.QueryMulti(ctx, []string{h1.ContextID, h2.ContextID}, "summarize", engine.DefaultSamplerConfig())
	require.NoError(t, err)
	require.Equal(t, h1.TokenCount+h2.TokenCount, res.Usage.ContextTokens)
}

func TestQueryMultiRejectsMismatchedModels(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()
	h1, err := mgr.Ingest(ctx, "model-a", "doc one", IngestOptions{})
	require.NoError(t, err)
	h2, err := mgr.Ingest(ctx, "model-b", "doc two", IngestOptions{})
	require.NoError(t, err)

	_, err = mgr.QueryMulti(ctx, []string{h1.ContextID, h2.ContextID}, "summarize", engine.DefaultSamplerConfig())
	require.Error(t, err)
}

func TestPreEvictDemotesFromHotToWarm(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()
	h, err := mgr.Ingest(ctx, "model-a", "hot content", IngestOptions{})
	require.NoError(t, err)

	data, ok := mgr.alloc.Read(h.ContextID)
	require.True(t, ok)
	handled := mgr.PreEvict(h.ContextID, tier.Hot, data)
	require.True(t, handled)

	newTier, ok := mgr.alloc.GetTier(h.ContextID)
	require.True(t, ok)
	require.Equal(t, tier.Warm, newTier)
}

func TestFingerprintChangesWithShape(t *testing.T) {
	shapeA := engine.ShapeDescriptor{Architecture: "a", NLayers: 1, NHeads: 1, NKVHeads: 1, HeadDim: 1, VocabSize: 1, ContextLen: 1}
	shapeB := shapeA
	shapeB.NLayers = 2
	require.NotEqual(t, fingerprintFor("model-a", shapeA), fingerprintFor("model-a", shapeB))
	require.Equal(t, fingerprintFor("model-a", shapeA), fingerprintFor("model-a", shapeA))
}
