package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/snapllm/snapllm/internal/kvcodec"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.json")
	r, err := Open(path, "")
	require.NoError(t, err)
	return r
}

func sampleEntry(contextID, modelID, hash string) Entry {
	return Entry{
		ContextID:    contextID,
		ModelID:      modelID,
		Name:         "ctx",
		FilePath:     "/tmp/" + contextID + ".kvc",
		TokenCount:   10,
		StorageSize:  1024,
		CreatedAt:    time.Now(),
		LastAccessed: time.Now(),
		ContentHash:  hash,
	}
}

func TestRecordThenLookupFindsContext(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Record(sampleEntry("ctx-1", "model-a", "hash-1")))

	id, ok := r.Lookup("model-a", "hash-1")
	require.True(t, ok)
	require.Equal(t, "ctx-1", id)

	_, ok = r.Lookup("model-a", "hash-missing")
	require.False(t, ok)
}

func TestRecordPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	r1, err := Open(path, "")
	require.NoError(t, err)
	require.NoError(t, r1.Record(sampleEntry("ctx-1", "model-a", "hash-1")))

	r2, err := Open(path, "")
	require.NoError(t, err)
	id, ok := r2.Lookup("model-a", "hash-1")
	require.True(t, ok)
	require.Equal(t, "ctx-1", id)
	require.Len(t, r2.DiscoverContexts("model-a", false), 1)
}

func TestDeleteRemovesFromAllIndices(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Record(sampleEntry("ctx-1", "model-a", "hash-1")))
	require.NoError(t, r.Delete("ctx-1"))

	_, ok := r.Lookup("model-a", "hash-1")
	require.False(t, ok)
	_, ok = r.Get("ctx-1")
	require.False(t, ok)
	require.Empty(t, r.DiscoverContexts("model-a", false))
}

func TestDeleteUnknownContextErrors(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Delete("does-not-exist")
	require.Error(t, err)
}

func TestRecordReplacesExistingContextID(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Record(sampleEntry("ctx-1", "model-a", "hash-1")))
	require.NoError(t, r.Record(sampleEntry("ctx-1", "model-a", "hash-2")))

	require.Len(t, r.DiscoverContexts("model-a", false), 1)
	_, ok := r.Lookup("model-a", "hash-1")
	require.False(t, ok)
	id, ok := r.Lookup("model-a", "hash-2")
	require.True(t, ok)
	require.Equal(t, "ctx-1", id)
}

func TestValidateDropsEntriesWithMissingFile(t *testing.T) {
	r := newTestRegistry(t)
	frame := filepath.Join(t.TempDir(), "present.kvc")
	require.NoError(t, os.WriteFile(frame, []byte("data"), 0o644))
	info, err := os.Stat(frame)
	require.NoError(t, err)

	present := sampleEntry("ctx-present", "model-a", "hash-present")
	present.FilePath = frame
	present.FileSize = info.Size()
	present.FileModTime = info.ModTime()
	require.NoError(t, r.Record(present))

	missing := sampleEntry("ctx-missing", "model-a", "hash-missing")
	missing.FilePath = filepath.Join(t.TempDir(), "nonexistent.kvc")
	require.NoError(t, r.Record(missing))

	removed, err := r.Validate()
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, ok := r.Get("ctx-present")
	require.True(t, ok)
	_, ok = r.Get("ctx-missing")
	require.False(t, ok)
}

func TestValidateDropsEntriesWithSizeMismatch(t *testing.T) {
	r := newTestRegistry(t)
	frame := filepath.Join(t.TempDir(), "f.kvc")
	require.NoError(t, os.WriteFile(frame, []byte("12345"), 0o644))

	e := sampleEntry("ctx-1", "model-a", "hash-1")
	e.FilePath = frame
	e.FileSize = 999 // wrong on purpose
	require.NoError(t, r.Record(e))

	removed, err := r.Validate()
	require.NoError(t, err)
	require.Equal(t, 1, removed)
}

func TestRebuildReplacesWholeIndex(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Record(sampleEntry("ctx-old", "model-a", "hash-old")))

	err := r.Rebuild([]Entry{
		sampleEntry("ctx-new-1", "model-b", "hash-new-1"),
		sampleEntry("ctx-new-2", "model-b", "hash-new-2"),
	})
	require.NoError(t, err)

	require.Empty(t, r.DiscoverContexts("model-a", false))
	require.Len(t, r.DiscoverContexts("model-b", false), 2)
}

func TestOpenWithNoExistingFileStartsEmpty(t *testing.T) {
	r := newTestRegistry(t)
	require.Empty(t, r.DiscoverContexts("model-a", false))
}

func TestOpenRejectsCorruptIndexFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	_, err := Open(path, "")
	require.Error(t, err)
}

func writeFrame(t *testing.T, framesRoot, modelID, contextID string, seqLen int) {
	t.Helper()
	dir := filepath.Join(framesRoot, modelID)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	raw, err := kvcodec.Encode(kvcodec.Metadata{
		ContextID:        contextID,
		ModelFingerprint: "fp-1",
		CreatedAt:        time.Now().Unix(),
		NumLayers:        2,
		NumKVHeads:       4,
		HeadDim:          16,
		SequenceLength:   seqLen,
		DType:            kvcodec.DTypeFP32,
	}, []byte("payload-bytes"), kvcodec.CompressionNone)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, contextID+".kvc"), raw, 0o644))
}

func TestScanFramesReconstructsEntriesFromDisk(t *testing.T) {
	dir := t.TempDir()
	framesRoot := filepath.Join(dir, "frames")
	writeFrame(t, framesRoot, "model-a", "ctx-1", 42)
	writeFrame(t, framesRoot, "model-a", "ctx-2", 7)

	r, err := Open(filepath.Join(dir, "registry.json"), framesRoot)
	require.NoError(t, err)

	entries := r.DiscoverContexts("model-a", false)
	require.Len(t, entries, 2)
}

func TestOpenRebuildsFromDiskWhenIndexMissing(t *testing.T) {
	dir := t.TempDir()
	framesRoot := filepath.Join(dir, "frames")
	writeFrame(t, framesRoot, "model-a", "ctx-1", 10)

	r, err := Open(filepath.Join(dir, "registry.json"), framesRoot)
	require.NoError(t, err)

	e, ok := r.Get("ctx-1")
	require.True(t, ok)
	require.Equal(t, "model-a", e.ModelID)
	require.Equal(t, 10, e.TokenCount)
}

func TestOpenRebuildPreservesNameAndHashFromExistingIndex(t *testing.T) {
	dir := t.TempDir()
	framesRoot := filepath.Join(dir, "frames")
	indexPath := filepath.Join(dir, "registry.json")

	r, err := Open(indexPath, framesRoot)
	require.NoError(t, err)
	require.NoError(t, r.Record(Entry{
		ContextID:   "ctx-1",
		ModelID:     "model-a",
		Name:        "my-context",
		ContentHash: "hash-1",
		FilePath:    filepath.Join(framesRoot, "model-a", "ctx-1.kvc"),
	}))
	writeFrame(t, framesRoot, "model-a", "ctx-1", 99)

	n, err := r.RebuildFromDisk()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	e, ok := r.Get("ctx-1")
	require.True(t, ok)
	require.Equal(t, "my-context", e.Name)
	require.Equal(t, "hash-1", e.ContentHash)
	require.Equal(t, 99, e.TokenCount)
}

func TestDiscoverContextsForceScanPicksUpNewFrame(t *testing.T) {
	dir := t.TempDir()
	framesRoot := filepath.Join(dir, "frames")
	r, err := Open(filepath.Join(dir, "registry.json"), framesRoot)
	require.NoError(t, err)
	require.Empty(t, r.DiscoverContexts("model-a", false))

	writeFrame(t, framesRoot, "model-a", "ctx-1", 5)
	require.Empty(t, r.DiscoverContexts("model-a", false), "without force_scan the new frame stays invisible")
	require.Len(t, r.DiscoverContexts("model-a", true), 1)
}

func TestEntryExpired(t *testing.T) {
	e := Entry{CreatedAt: time.Now().Add(-time.Hour)}
	require.False(t, e.Expired(time.Now()), "zero TTL never expires")

	e.TTL = time.Minute
	require.True(t, e.Expired(time.Now()))

	e.CreatedAt = time.Now()
	require.False(t, e.Expired(time.Now()))
}
