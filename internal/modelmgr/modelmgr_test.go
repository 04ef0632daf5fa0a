package modelmgr

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/snapllm/snapllm/internal/dequant"
)

// writeMinimalSourceFile writes a valid zero-tensor SQNT container so the
// Dequant Cache's full Load path (parse, fingerprint, build, persist
// catalog) runs without needing a real quantized model on disk.
func writeMinimalSourceFile(t *testing.T, name, arch string, nLayers int) string {
	t.Helper()

	var buf []byte
	put32 := func(v uint32) {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		buf = append(buf, b[:]...)
	}

	buf = append(buf, 'S', 'Q', 'N', 'T')
	put32(1) // version
	var archBuf [64]byte
	copy(archBuf[:], arch)
	buf = append(buf, archBuf[:]...)
	put32(uint32(nLayers)) // n_layers
	put32(4)               // n_heads
	put32(4)               // n_kv_heads
	put32(8)                // head_dim
	put32(100)              // vocab_size
	put32(2048)             // context_len
	put32(0)                // tensor_count

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

func newTestManager(t *testing.T, budget int64) *Manager {
	t.Helper()
	dir := t.TempDir()
	cache := dequant.New(dequant.Config{CacheDir: filepath.Join(dir, "dequant")})
	return New(cache, DefaultRegistry(), Config{VRAMBudgetBytes: budget})
}

func TestLoadRegistersModelAsActive(t *testing.T) {
	mgr := newTestManager(t, 0)
	path := writeMinimalSourceFile(t, "a.sqnt", "arch-a", 2)

	info, err := mgr.Load("model-a", path, LoadOptions{})
	require.NoError(t, err)
	require.Equal(t, "model-a", info.Name)
	require.Equal(t, BindingGPU, info.Binding)

	active, ok := mgr.GetActive()
	require.True(t, ok)
	require.Equal(t, "model-a", active.Name)
}

func TestLoadIsNoOpForAlreadyLoadedModel(t *testing.T) {
	mgr := newTestManager(t, 0)
	path := writeMinimalSourceFile(t, "a.sqnt", "arch-a", 2)

	info1, err := mgr.Load("model-a", path, LoadOptions{})
	require.NoError(t, err)
	info2, err := mgr.Load("model-a", path, LoadOptions{})
	require.NoError(t, err)

	require.Equal(t, info1.Fingerprint, info2.Fingerprint)
	require.Equal(t, int64(2), info2.AccessCount)
}

func TestLoadUnknownBackendFails(t *testing.T) {
	mgr := newTestManager(t, 0)
	path := writeMinimalSourceFile(t, "a.sqnt", "arch-a", 2)
	_, err := mgr.Load("model-a", path, LoadOptions{Backend: "no-such-backend"})
	require.Error(t, err)
}

func TestSwitchFlipsActivePointer(t *testing.T) {
	mgr := newTestManager(t, 0)
	pathA := writeMinimalSourceFile(t, "a.sqnt", "arch-a", 2)
	pathB := writeMinimalSourceFile(t, "b.sqnt", "arch-b", 3)

	_, err := mgr.Load("model-a", pathA, LoadOptions{})
	require.NoError(t, err)
	_, err = mgr.Load("model-b", pathB, LoadOptions{})
	require.NoError(t, err)

	require.NoError(t, mgr.Switch("model-a"))
	active, ok := mgr.GetActive()
	require.True(t, ok)
	require.Equal(t, "model-a", active.Name)
}

func TestSwitchToUnloadedModelFails(t *testing.T) {
	mgr := newTestManager(t, 0)
	err := mgr.Switch("ghost")
	require.Error(t, err)
}

func TestUnloadClearsActiveAndKeepsRamCacheEntry(t *testing.T) {
	mgr := newTestManager(t, 0)
	path := writeMinimalSourceFile(t, "a.sqnt", "arch-a", 2)
	_, err := mgr.Load("model-a", path, LoadOptions{})
	require.NoError(t, err)

	require.NoError(t, mgr.Unload("model-a"))

	_, ok := mgr.GetActive()
	require.False(t, ok)

	info, ok := mgr.GetInfo("model-a")
	require.True(t, ok)
	require.False(t, info.Resident)
}

func TestUnloadUnknownModelFails(t *testing.T) {
	mgr := newTestManager(t, 0)
	require.Error(t, mgr.Unload("ghost"))
}

func TestListReturnsAllLoadedModels(t *testing.T) {
	mgr := newTestManager(t, 0)
	pathA := writeMinimalSourceFile(t, "a.sqnt", "arch-a", 2)
	pathB := writeMinimalSourceFile(t, "b.sqnt", "arch-b", 3)
	_, err := mgr.Load("model-a", pathA, LoadOptions{})
	require.NoError(t, err)
	_, err = mgr.Load("model-b", pathB, LoadOptions{})
	require.NoError(t, err)

	list := mgr.List()
	require.Len(t, list, 2)
}

func TestLoadEvictsLRUModelUnderVRAMPressure(t *testing.T) {
	// estimateResidentBytes projects 2x each ~100-byte source file, so a
	// 450-byte budget has room for two resident models but not three.
	mgr := newTestManager(t, 450)

	pathA := writeMinimalSourceFile(t, "a.sqnt", "arch-a", 2)
	pathB := writeMinimalSourceFile(t, "b.sqnt", "arch-b", 3)
	pathC := writeMinimalSourceFile(t, "c.sqnt", "arch-c", 1)

	_, err := mgr.Load("model-a", pathA, LoadOptions{})
	require.NoError(t, err) // becomes active automatically, as the first model loaded

	_, err = mgr.Load("model-b", pathB, LoadOptions{})
	require.NoError(t, err)

	// model-a is active and ineligible for eviction; model-b is the
	// only eviction-eligible occupant and should be reclaimed to fit
	// model-c under the budget.
	_, err = mgr.Load("model-c", pathC, LoadOptions{})
	require.NoError(t, err)

	_, bStillLoaded := mgr.EngineFor("model-b")
	require.False(t, bStillLoaded)

	list := mgr.List()
	names := map[string]bool{}
	for _, m := range list {
		names[m.Name] = true
	}
	require.True(t, names["model-a"])
	require.True(t, names["model-c"])
}

func TestLoadFallsBackToCPUWhenActiveModelCannotBeEvicted(t *testing.T) {
	// 250 bytes fits one projected ~200-byte model but not two.
	mgr := newTestManager(t, 250)

	pathA := writeMinimalSourceFile(t, "a.sqnt", "arch-a", 2)
	pathB := writeMinimalSourceFile(t, "b.sqnt", "arch-b", 3)

	infoA, err := mgr.Load("model-a", pathA, LoadOptions{})
	require.NoError(t, err)
	require.Equal(t, BindingGPU, infoA.Binding)
	require.NoError(t, mgr.Switch("model-a"))

	// model-a is now active and cannot be evicted to make room for
	// model-b, so model-b's load falls back to a CPU-only binding
	// rather than failing, and model-a stays resident.
	infoB, err := mgr.Load("model-b", pathB, LoadOptions{})
	require.NoError(t, err)
	require.Equal(t, BindingCPU, infoB.Binding)

	_, ok := mgr.EngineFor("model-a")
	require.True(t, ok)
}

func TestGetInfoUnknownModelReturnsFalse(t *testing.T) {
	mgr := newTestManager(t, 0)
	_, ok := mgr.GetInfo("ghost")
	require.False(t, ok)
}

func TestEngineForReturnsBoundEngine(t *testing.T) {
	mgr := newTestManager(t, 0)
	path := writeMinimalSourceFile(t, "a.sqnt", "arch-a", 2)
	_, err := mgr.Load("model-a", path, LoadOptions{})
	require.NoError(t, err)

	eng, ok := mgr.EngineFor("model-a")
	require.True(t, ok)
	require.Equal(t, "arch-a", eng.ModelShape().Architecture)
}
