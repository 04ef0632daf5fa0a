// Package registry implements the Registry & Auto-Discovery component
// (spec §4.H): the on-disk primary/secondary/tertiary indices mapping
// models to contexts and content hashes to contexts, rebuilt on startup
// and kept consistent on every ingest/delete.
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/snapllm/snapllm/internal/diskio"
	"github.com/snapllm/snapllm/internal/kvcodec"
	"github.com/snapllm/snapllm/internal/logging"
	"github.com/snapllm/snapllm/internal/snaperr"
)

// Entry is a primary-index record: everything discover_contexts needs
// about one cached artifact without touching its frame file.
type Entry struct {
	ContextID    string    `json:"context_id"`
	ModelID      string    `json:"model_id"`
	Name         string    `json:"name"`
	FilePath     string    `json:"file_path"`
	TokenCount   int       `json:"token_count"`
	StorageSize  int64     `json:"storage_size"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	ContentHash  string    `json:"content_hash"`
	FileSize     int64     `json:"file_size"`
	FileModTime  time.Time `json:"file_mtime"`
	// TTL is how long after CreatedAt this context may live before the
	// Auto-Tiering Controller's sweep deletes it (spec §3's Context.ttl).
	// Zero means no expiry.
	TTL time.Duration `json:"ttl"`
}

// Expired reports whether e's TTL has elapsed as of now. A zero TTL never
// expires.
func (e Entry) Expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.CreatedAt) >= e.TTL
}

type hashKey struct {
	ModelID     string
	ContentHash string
}

// onDisk is the JSON-serializable snapshot persisted to registry.json.
type onDisk struct {
	Primary   map[string][]Entry           `json:"primary"`    // model_id -> entries
	HashIndex map[string]map[string]string `json:"hash_index"` // model_id -> content_hash -> context_id
}

// Registry holds the three indices in memory, guarded by one RWMutex, and
// persists them as a single JSON document via write-then-rename.
type Registry struct {
	path       string
	framesRoot string // <contexts_dir>/frames; "" disables disk scanning

	mu        sync.RWMutex
	primary   map[string][]Entry // model_id -> entries
	secondary map[string]string  // context_id -> model_id
	hashIndex map[hashKey]string // (model_id, content_hash) -> context_id

	log *logrus.Entry
}

// Open loads path if present, or starts with empty indices if not. When
// framesRoot is non-empty, Open also runs rebuild_index (spec §4.H
// "load_index(); if absent ... rebuild_index()") whenever the persisted
// index is missing, or a frame on disk isn't reflected in it — the crash
// recovery case spec §8 scenario 5 exercises. Pass "" for framesRoot to
// skip disk scanning entirely (used by tests that only exercise the
// in-memory indices).
func Open(path, framesRoot string) (*Registry, error) {
	r := &Registry{
		path:       path,
		framesRoot: framesRoot,
		primary:    make(map[string][]Entry),
		secondary:  make(map[string]string),
		hashIndex:  make(map[hashKey]string),
		log:        logging.For("registry"),
	}

	indexExisted := diskio.Exists(path)
	if indexExisted {
		if err := r.load(); err != nil {
			return nil, err
		}
	}
	if framesRoot == "" {
		return r, nil
	}

	scanned, err := r.ScanFrames()
	if err != nil {
		r.log.WithError(err).Warn("frame directory scan failed on open, serving persisted index only")
		return r, nil
	}
	if !indexExisted || r.staleAgainst(scanned) {
		if _, err := r.rebuildFromScan(scanned); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) load() error {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return snaperr.Wrap(snaperr.IOError, "registry_load", "read index file", err)
	}
	var d onDisk
	if err := json.Unmarshal(raw, &d); err != nil {
		_ = diskio.Quarantine(r.path)
		return snaperr.Wrap(snaperr.CorruptArtifact, "registry_load", "index is not valid JSON", err)
	}

	primary := make(map[string][]Entry, len(d.Primary))
	secondary := make(map[string]string)
	hashIndex := make(map[hashKey]string)
	for modelID, entries := range d.Primary {
		primary[modelID] = entries
		for _, e := range entries {
			secondary[e.ContextID] = modelID
			hashIndex[hashKey{modelID, e.ContentHash}] = e.ContextID
		}
	}

	r.mu.Lock()
	r.primary = primary
	r.secondary = secondary
	r.hashIndex = hashIndex
	r.mu.Unlock()
	return nil
}

// persist writes the current in-memory state to disk via write-then-rename
// (spec §4.H "write-then-rename for both" indices, unified here into one
// document since both are always updated together).
func (r *Registry) persist() error {
	r.mu.RLock()
	d := onDisk{
		Primary:   make(map[string][]Entry, len(r.primary)),
		HashIndex: make(map[string]map[string]string),
	}
	for modelID, entries := range r.primary {
		cp := make([]Entry, len(entries))
		copy(cp, entries)
		d.Primary[modelID] = cp
	}
	for k, ctxID := range r.hashIndex {
		if d.HashIndex[k.ModelID] == nil {
			d.HashIndex[k.ModelID] = make(map[string]string)
		}
		d.HashIndex[k.ModelID][k.ContentHash] = ctxID
	}
	r.mu.RUnlock()

	raw, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return snaperr.Wrap(snaperr.EngineFailure, "registry_persist", "marshal index", err)
	}
	return diskio.WriteFileAtomic(r.path, raw, 0o644)
}

// Record adds or replaces an entry and atomically updates all three
// indices, then persists (spec §4.H, §4.F ingest step 4).
func (r *Registry) Record(e Entry) error {
	r.mu.Lock()
	r.removeLocked(e.ContextID)
	r.primary[e.ModelID] = append(r.primary[e.ModelID], e)
	r.secondary[e.ContextID] = e.ModelID
	r.hashIndex[hashKey{e.ModelID, e.ContentHash}] = e.ContextID
	r.mu.Unlock()
	return r.persist()
}

// Lookup resolves (model_id, content_hash) to a context_id for O(1) dedup
// (spec §4.F ingest step 2, §4.H tertiary index).
func (r *Registry) Lookup(modelID, contentHash string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.hashIndex[hashKey{modelID, contentHash}]
	return id, ok
}

// Get returns the full entry for a context_id.
func (r *Registry) Get(contextID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	modelID, ok := r.secondary[contextID]
	if !ok {
		return Entry{}, false
	}
	for _, e := range r.primary[modelID] {
		if e.ContextID == contextID {
			return e, true
		}
	}
	return Entry{}, false
}

// DiscoverContexts returns every entry registered for modelID (spec §4.H
// discover_contexts, served from the primary index). When forceScan is
// true, the frames directory is rescanned and reconciled into the index
// before answering, instead of trusting the in-memory/persisted state —
// spec §4.H's force_scan parameter.
func (r *Registry) DiscoverContexts(modelID string, forceScan bool) []Entry {
	if forceScan && r.framesRoot != "" {
		if _, err := r.RebuildFromDisk(); err != nil {
			r.log.WithError(err).Warn("force_scan rebuild failed, serving from persisted index")
		}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	src := r.primary[modelID]
	out := make([]Entry, len(src))
	copy(out, src)
	return out
}

// Delete removes contextID from all three indices and persists.
func (r *Registry) Delete(contextID string) error {
	r.mu.Lock()
	removed := r.removeLocked(contextID)
	r.mu.Unlock()
	if !removed {
		return snaperr.New(snaperr.NotFound, "registry_delete", "no such context: "+contextID)
	}
	return r.persist()
}

// removeLocked deletes contextID from all indices. Caller must hold mu.
func (r *Registry) removeLocked(contextID string) bool {
	modelID, ok := r.secondary[contextID]
	if !ok {
		return false
	}
	delete(r.secondary, contextID)

	entries := r.primary[modelID]
	for i, e := range entries {
		if e.ContextID == contextID {
			delete(r.hashIndex, hashKey{modelID, e.ContentHash})
			r.primary[modelID] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	return true
}

// Validate walks every entry, drops those whose frame file is missing or
// whose size/mtime disagree with the recorded values, and persists if
// anything changed (spec §4.H validate_index). Returns the removed count.
func (r *Registry) Validate() (int, error) {
	r.mu.Lock()
	removed := 0
	for modelID, entries := range r.primary {
		kept := entries[:0]
		for _, e := range entries {
			info, err := os.Stat(e.FilePath)
			if err != nil || info.Size() != e.FileSize || !info.ModTime().Equal(e.FileModTime) {
				delete(r.secondary, e.ContextID)
				delete(r.hashIndex, hashKey{modelID, e.ContentHash})
				removed++
				continue
			}
			kept = append(kept, e)
		}
		r.primary[modelID] = kept
	}
	r.mu.Unlock()

	if removed > 0 {
		r.log.WithField("removed", removed).Warn("validate_index dropped broken entries")
		if err := r.persist(); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// Snapshot returns every entry across every model, for Rebuild's caller or
// CLI listing use.
func (r *Registry) Snapshot() map[string][]Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]Entry, len(r.primary))
	for k, v := range r.primary {
		cp := make([]Entry, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// Rebuild replaces the entire index with entries, as produced by a fresh
// directory scan (spec §4.H rebuild_index: "scans the workspace directory,
// reads each frame's header, reconstructs entries, and persists").
func (r *Registry) Rebuild(entries []Entry) error {
	primary := make(map[string][]Entry)
	secondary := make(map[string]string)
	hashIndex := make(map[hashKey]string)
	for _, e := range entries {
		primary[e.ModelID] = append(primary[e.ModelID], e)
		secondary[e.ContextID] = e.ModelID
		hashIndex[hashKey{e.ModelID, e.ContentHash}] = e.ContextID
	}

	r.mu.Lock()
	r.primary = primary
	r.secondary = secondary
	r.hashIndex = hashIndex
	r.mu.Unlock()

	r.log.WithField("entries", len(entries)).Info("rebuilt registry index from disk scan")
	return r.persist()
}

// ScanFrames walks framesRoot (layout `<frames_root>/<model_id>/<context_id>.kvc`,
// the directory structure the Context Manager writes under) and
// reconstructs one Entry per frame file straight from its kvcodec header,
// without touching the persisted index (spec §4.H rebuild_index: "scans
// the workspace directory, reads each frame's header, reconstructs
// entries"). Fields the frame header does not carry — Name, ContentHash —
// come back zero-valued; RebuildFromDisk backfills them from the existing
// index for any context_id it already knows about. Returns (nil, nil) if
// framesRoot is unset or does not exist yet.
func (r *Registry) ScanFrames() ([]Entry, error) {
	if r.framesRoot == "" {
		return nil, nil
	}
	modelDirs, err := os.ReadDir(r.framesRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, snaperr.Wrap(snaperr.IOError, "registry_scan", "read frames root", err)
	}

	var entries []Entry
	for _, md := range modelDirs {
		if !md.IsDir() {
			continue
		}
		modelID := md.Name()
		modelDir := filepath.Join(r.framesRoot, modelID)
		files, err := os.ReadDir(modelDir)
		if err != nil {
			r.log.WithError(err).WithField("model_id", modelID).Warn("failed to list model frame dir during scan")
			continue
		}
		for _, f := range files {
			if f.IsDir() || filepath.Ext(f.Name()) != ".kvc" {
				continue
			}
			framePath := filepath.Join(modelDir, f.Name())
			e, err := entryFromFrame(modelID, framePath)
			if err != nil {
				r.log.WithError(err).WithField("path", framePath).Warn("skipping unreadable frame during scan")
				continue
			}
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// entryFromFrame builds an Entry for one frame file from its header plus
// filesystem stat, the same "file_size, file_mtime" pair Validate checks.
func entryFromFrame(modelID, framePath string) (Entry, error) {
	f, err := os.Open(framePath)
	if err != nil {
		return Entry{}, err
	}
	defer f.Close()

	meta, _, err := kvcodec.DecodeHeader(f)
	if err != nil {
		return Entry{}, err
	}
	info, err := f.Stat()
	if err != nil {
		return Entry{}, err
	}

	contextID := meta.ContextID
	if contextID == "" {
		contextID = strings.TrimSuffix(filepath.Base(framePath), ".kvc")
	}
	created := time.Unix(meta.CreatedAt, 0)

	return Entry{
		ContextID:    contextID,
		ModelID:      modelID,
		FilePath:     framePath,
		TokenCount:   meta.SequenceLength,
		StorageSize:  info.Size(),
		CreatedAt:    created,
		LastAccessed: created,
		FileSize:     info.Size(),
		FileModTime:  info.ModTime(),
	}, nil
}

// staleAgainst reports whether scanned disagrees with the currently loaded
// index: a different total entry count, or any scanned context_id missing
// from (or recorded under a different model than) the index — "newer
// files on disk than recorded" per spec §4.H's rebuild trigger.
func (r *Registry) staleAgainst(scanned []Entry) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, es := range r.primary {
		total += len(es)
	}
	if len(scanned) != total {
		return true
	}
	for _, e := range scanned {
		if modelID, ok := r.secondary[e.ContextID]; !ok || modelID != e.ModelID {
			return true
		}
	}
	return false
}

// rebuildFromScan merges scanned disk-derived entries with whatever the
// index already knows about each context_id (preserving Name/ContentHash,
// which the frame header can't carry) and replaces the index with the
// result.
func (r *Registry) rebuildFromScan(scanned []Entry) (int, error) {
	r.mu.RLock()
	merged := make([]Entry, 0, len(scanned))
	for _, e := range scanned {
		if modelID, ok := r.secondary[e.ContextID]; ok && modelID == e.ModelID {
			for _, existing := range r.primary[modelID] {
				if existing.ContextID == e.ContextID {
					existing.FilePath = e.FilePath
					existing.FileSize = e.FileSize
					existing.FileModTime = e.FileModTime
					existing.TokenCount = e.TokenCount
					existing.StorageSize = e.StorageSize
					e = existing
					break
				}
			}
		}
		merged = append(merged, e)
	}
	r.mu.RUnlock()

	if err := r.Rebuild(merged); err != nil {
		return 0, err
	}
	return len(merged), nil
}

// RebuildFromDisk re-scans framesRoot and replaces the index with the
// reconciled result (spec §4.H rebuild_index). It is a no-op returning
// (0, nil) if framesRoot was not set at Open.
func (r *Registry) RebuildFromDisk() (int, error) {
	scanned, err := r.ScanFrames()
	if err != nil {
		return 0, err
	}
	if r.framesRoot == "" {
		return 0, nil
	}
	return r.rebuildFromScan(scanned)
}
