package workspace

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/snapllm/snapllm/internal/snaperr"
)

func TestAllocateWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "arena.bin"), 4096, 64, MMap, 0)
	require.NoError(t, err)
	defer s.Close()

	region, err := s.Allocate(100, "tensor.0")
	require.NoError(t, err)
	require.Equal(t, int64(0), region.Offset)

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, s.Write(region, payload))

	got, err := s.Read(region)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestAllocateAlignsOffsets(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "arena.bin"), 4096, 64, MMap, 0)
	require.NoError(t, err)
	defer s.Close()

	r1, err := s.Allocate(10, "a")
	require.NoError(t, err)
	require.Equal(t, int64(0), r1.Offset)

	r2, err := s.Allocate(10, "b")
	require.NoError(t, err)
	require.Equal(t, int64(64), r2.Offset, "second region must start at the next alignment boundary")
}

func TestAllocateFailsWhenArenaFull(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "arena.bin"), 128, 64, MMap, 0)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Allocate(64, "a")
	require.NoError(t, err)
	_, err = s.Allocate(64, "b")
	require.NoError(t, err)

	_, err = s.Allocate(1, "c")
	require.Error(t, err)
	require.Equal(t, snaperr.OutOfSpace, snaperr.KindOf(err))
}

func TestLookupFindsAllocatedTag(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "arena.bin"), 4096, 64, MMap, 0)
	require.NoError(t, err)
	defer s.Close()

	want, err := s.Allocate(32, "weights.layer0")
	require.NoError(t, err)

	got, ok := s.Lookup("weights.layer0")
	require.True(t, ok)
	require.Equal(t, want, got)

	_, ok = s.Lookup("missing")
	require.False(t, ok)
}

func TestSyncPersistsIndexAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "arena.bin")

	s, err := Open(path, 4096, 64, MMap, 0)
	require.NoError(t, err)
	region, err := s.Allocate(40, "persisted")
	require.NoError(t, err)
	require.NoError(t, s.Write(region, []byte("hello-workspace-state-persisted-go-here!")[:40]))
	require.NoError(t, s.Sync())
	require.NoError(t, s.Close())

	reopened, err := Open(path, 4096, 64, MMap, 0)
	require.NoError(t, err)
	defer reopened.Close()

	got, ok := reopened.Lookup("persisted")
	require.True(t, ok)
	require.Equal(t, region, got)
	require.Equal(t, int64(64), reopened.Used(), "bump pointer must survive the flash reload")
}

func TestReadAsReinterpretsFloat32(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "arena.bin"), 4096, 64, MMap, 0)
	require.NoError(t, err)
	defer s.Close()

	region, err := s.Allocate(16, "floats")
	require.NoError(t, err)

	raw := make([]byte, 16)
	// 1.0f little-endian repeated four times.
	for i := 0; i < 4; i++ {
		raw[i*4] = 0x00
		raw[i*4+1] = 0x00
		raw[i*4+2] = 0x80
		raw[i*4+3] = 0x3f
	}
	require.NoError(t, s.Write(region, raw))

	floats, err := ReadAs[float32](s, region)
	require.NoError(t, err)
	require.Len(t, floats, 4)
	for _, f := range floats {
		require.InDelta(t, 1.0, f, 1e-9)
	}
}

func TestWriteRejectsOversizedPayload(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "arena.bin"), 4096, 64, MMap, 0)
	require.NoError(t, err)
	defer s.Close()

	region, err := s.Allocate(8, "small")
	require.NoError(t, err)

	err = s.Write(region, make([]byte, 9))
	require.Error(t, err)
	require.Equal(t, snaperr.InvalidArgument, snaperr.KindOf(err))
}

func TestRAMCacheServesUntilEvicted(t *testing.T) {
	// Exercises the ramCache directly rather than through a real O_DIRECT
	// file, since O_DIRECT's alignment requirements depend on the host
	// filesystem's logical block size and aren't reliable under a unit
	// test temp directory.
	c := newRAMCache(1 << 20)
	c.put("block", []byte{1, 2, 3})

	got, ok := c.get("block")
	require.True(t, ok)
	require.Equal(t, []byte{1, 2, 3}, got)

	c.evict("block")
	_, ok = c.get("block")
	require.False(t, ok)
}

func TestLayerEvictInMMapModeLeavesDataReadableAfterMadvise(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "arena.bin"), 4096, 64, MMap, 0)
	require.NoError(t, err)
	defer s.Close()

	region, err := s.Allocate(128, "layer.0")
	require.NoError(t, err)
	payload := make([]byte, 128)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, s.Write(region, payload))

	s.LayerEvict("layer.0") // MADV_DONTNEED; the mapping and its backing file are untouched

	got, err := s.Read(region)
	require.NoError(t, err)
	require.Equal(t, payload, got, "page cache eviction must not lose durable data")
}

func TestLayerEvictOnUnknownTagIsNoop(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "arena.bin"), 4096, 64, MMap, 0)
	require.NoError(t, err)
	defer s.Close()

	require.NotPanics(t, func() { s.LayerEvict("never-allocated") })
}

func TestPageAlignRangeClampsToLimitAndAligns(t *testing.T) {
	start, end := pageAlignRange(10, 50, 4096, 4096)
	require.Equal(t, int64(0), start)
	require.Equal(t, int64(4096), end)

	start, end = pageAlignRange(10, 50, 4096, 30)
	require.Equal(t, int64(0), start)
	require.Equal(t, int64(30), end)
}

func TestRAMCacheEvictsOldestWhenOverBudget(t *testing.T) {
	c := newRAMCache(10)
	c.put("a", make([]byte, 6))
	c.put("b", make([]byte, 6))

	_, ok := c.get("a")
	require.False(t, ok, "oldest entry should have been evicted to stay under the byte budget")
	_, ok = c.get("b")
	require.True(t, ok)
}
