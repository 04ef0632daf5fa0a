// Package contextmgr implements the Context Manager (spec §4.F): the L2
// resource manager that owns cached KV-cache artifacts end to end — ingest
// (hash, dedup, extract, encode, place, index), query (ensure loaded,
// inject, generate), and delete — and coordinates the Tiered Allocator,
// the Registry, and the KV Extractor/Injector to do it.
package contextmgr

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/snapllm/snapllm/internal/accessstats"
	"github.com/snapllm/snapllm/internal/diskio"
	"github.com/snapllm/snapllm/internal/engine"
	"github.com/snapllm/snapllm/internal/kvcodec"
	"github.com/snapllm/snapllm/internal/kvio"
	"github.com/snapllm/snapllm/internal/logging"
	"github.com/snapllm/snapllm/internal/registry"
	"github.com/snapllm/snapllm/internal/snaperr"
	"github.com/snapllm/snapllm/internal/tier"
)

// IngestOptions mirrors spec §4.F's ingest opts.
type IngestOptions struct {
	Name        string
	Compression kvcodec.Compression
	BatchSize   int
	// TTL is how long the context may live before the Auto-Tiering
	// Controller's sweep deletes it (spec §3's Context.ttl). Zero means
	// no expiry.
	TTL time.Duration
}

// Handle is the opaque reference to a cached artifact returned by ingest,
// find-or-create, and discovery (spec §3's "ContextHandle").
type Handle struct {
	ContextID   string
	ModelID     string
	Tier        tier.Tier
	TokenCount  int
	ContentHash string
}

// Usage reports token accounting for a completed query (spec §4.F step 7).
type Usage struct {
	ContextTokens   int
	QueryTokens     int
	GeneratedTokens int
}

// QueryResult is the Query success output.
type QueryResult struct {
	ResponseText string
	Usage        Usage
	CacheHit     bool
	LatencyMs    int64
}

type ingestOutcome struct {
	handle *Handle
	err    error
}

type inFlightIngest struct {
	done    chan struct{}
	outcome ingestOutcome
}

// Manager is the Context Manager.
type Manager struct {
	framesDir string

	reg   *registry.Registry
	alloc *tier.Allocator
	io    *kvio.IO
	stats *accessstats.Store

	mu       sync.Mutex
	inFlight map[string]*inFlightIngest
	seqSeq   int32 // monotonically increasing sequence id source

	log *logrus.Entry
}

// New builds a Manager. framesDir is where durable frame files live,
// independent of whichever tier the Tiered Allocator currently caches
// their bytes in.
func New(framesDir string, reg *registry.Registry, alloc *tier.Allocator, io *kvio.IO, stats *accessstats.Store) *Manager {
	m := &Manager{
		framesDir: framesDir,
		reg:       reg,
		alloc:     alloc,
		io:        io,
		stats:     stats,
		inFlight:  make(map[string]*inFlightIngest),
		log:       logging.For("context_manager"),
	}
	alloc.Subscribe(m)
	return m
}

func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// fingerprintFor derives a stable per-model-shape fingerprint. Real model
// binaries would fingerprint their weight file; this core has no file-hash
// source for the engine binding itself, so the fingerprint instead commits
// to the model_id plus every shape field the KV Codec's compatibility check
// cares about, which is exactly what a shape mismatch needs to catch.
func fingerprintFor(modelID string, shape engine.ShapeDescriptor) string {
	raw := fmt.Sprintf("%s|%s|%d|%d|%d|%d|%d|%d",
		modelID, shape.Architecture, shape.NLayers, shape.NHeads, shape.NKVHeads,
		shape.HeadDim, shape.VocabSize, shape.ContextLen)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (m *Manager) nextSeq() engine.SequenceID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seqSeq++
	return engine.SequenceID(m.seqSeq)
}

// Ingest implements spec §4.F's ingest algorithm, with in-flight
// coalescing so concurrent duplicate requests for the same
// (model_id, content_hash) share one extraction.
func (m *Manager) Ingest(ctx context.Context, modelID, content string, opts IngestOptions) (*Handle, error) {
	hash := hashContent(content)
	if h, ok := m.handleFromIndex(modelID, hash); ok {
		return h, nil
	}

	key := modelID + "\x00" + hash
	m.mu.Lock()
	if fut, ok := m.inFlight[key]; ok {
		m.mu.Unlock()
		select {
		case <-fut.done:
			return fut.outcome.handle, fut.outcome.err
		case <-ctx.Done():
			return nil, snaperr.Wrap(snaperr.Cancelled, "ingest", "waiting for in-flight ingest", ctx.Err())
		}
	}
	fut := &inFlightIngest{done: make(chan struct{})}
	m.inFlight[key] = fut
	m.mu.Unlock()

	handle, err := m.doIngest(ctx, modelID, content, hash, opts)

	fut.outcome = ingestOutcome{handle: handle, err: err}
	close(fut.done)
	m.mu.Lock()
	delete(m.inFlight, key)
	m.mu.Unlock()

	return handle, err
}

func (m *Manager) handleFromIndex(modelID, hash string) (*Handle, bool) {
	id, ok := m.reg.Lookup(modelID, hash)
	if !ok {
		return nil, false
	}
	entry, ok := m.reg.Get(id)
	if !ok || !diskio.Exists(entry.FilePath) {
		return nil, false
	}
	t, ok := m.alloc.GetTier(id)
	if !ok {
		t = tier.Cold
	}
	return &Handle{ContextID: id, ModelID: modelID, Tier: t, TokenCount: entry.TokenCount, ContentHash: entry.ContentHash}, nil
}

func (m *Manager) doIngest(ctx context.Context, modelID, content, hash string, opts IngestOptions) (*Handle, error) {
	if h, ok := m.handleFromIndex(modelID, hash); ok {
		return h, nil
	}

	contextID := uuid.New().String()
	shape, err := m.io.ModelShapeFor(ctx, modelID)
	if err != nil {
		return nil, err
	}
	fingerprint := fingerprintFor(modelID, shape)

	extracted, err := m.io.Extract(ctx, modelID, content, kvio.ExtractConfig{SequenceID: m.nextSeq(), BatchSize: opts.BatchSize})
	if err != nil {
		return nil, err
	}

	meta := kvcodec.Metadata{
		ContextID:        contextID,
		ModelFingerprint: fingerprint,
		CreatedAt:        time.Now().Unix(),
		NumLayers:        shape.NLayers,
		NumKVHeads:       shape.NKVHeads,
		HeadDim:          shape.HeadDim,
		SequenceLength:   extracted.TokenCount,
		DType:            kvio.FrameDType(),
	}
	frame, err := kvcodec.Encode(meta, extracted.Payload, opts.Compression)
	if err != nil {
		return nil, snaperr.Wrap(snaperr.EngineFailure, "ingest", "encode kv frame", err)
	}

	blk, err := m.alloc.Allocate(int64(len(frame)), tier.Hot, contextID, frame)
	if err != nil {
		return nil, err
	}

	name := opts.Name
	if name == "" {
		name = truncateForName(content)
	}
	framePath := filepath.Join(m.framesDir, contextID+".kvc")
	if err := diskio.WriteFileAtomic(framePath, frame, 0o644); err != nil {
		m.alloc.Deallocate(blk)
		return nil, snaperr.Wrap(snaperr.IOError, "ingest", "persist frame", err)
	}
	info, err := os.Stat(framePath)
	if err != nil {
		m.alloc.Deallocate(blk)
		os.Remove(framePath)
		return nil, snaperr.Wrap(snaperr.IOError, "ingest", "stat frame", err)
	}

	now := time.Now()
	entry := registry.Entry{
		ContextID:    contextID,
		ModelID:      modelID,
		Name:         name,
		FilePath:     framePath,
		TokenCount:   extracted.TokenCount,
		StorageSize:  int64(len(frame)),
		CreatedAt:    now,
		LastAccessed: now,
		ContentHash:  hash,
		FileSize:     info.Size(),
		FileModTime:  info.ModTime(),
		TTL:          opts.TTL,
	}
	if err := m.reg.Record(entry); err != nil {
		m.alloc.Deallocate(blk)
		os.Remove(framePath)
		return nil, err
	}

	if err := m.stats.RecordAccess(contextID, now); err != nil {
		m.log.WithError(err).Warn("failed to record initial access stats")
	}

	m.log.WithField("context_id", contextID).WithField("model_id", modelID).
		WithField("tokens", extracted.TokenCount).Info("ingested context")

	return &Handle{ContextID: contextID, ModelID: modelID, Tier: blk.Tier, TokenCount: extracted.TokenCount, ContentHash: hash}, nil
}

// FindOrCreate is the convenience ingest form spec §4.F names for
// conversational reuse: it is exactly Ingest, which already dedups on
// content hash.
func (m *Manager) FindOrCreate(ctx context.Context, modelID, content string, opts IngestOptions) (*Handle, error) {
	return m.Ingest(ctx, modelID, content, opts)
}

func truncateForName(content string) string {
	const max = 48
	c := strings.TrimSpace(content)
	if len(c) <= max {
		return c
	}
	return c[:max] + "..."
}

// ensureLoaded promotes contextID out of cold storage (or reloads it from
// its durable frame file if the allocator has no bytes for it at all) and
// returns its current frame bytes.
func (m *Manager) ensureLoaded(contextID string, entry registry.Entry) ([]byte, error) {
	if data, ok := m.alloc.Read(contextID); ok {
		if t, _ := m.alloc.GetTier(contextID); t == tier.Cold {
			if _, err := m.alloc.Promote(contextID, tier.Warm); err != nil {
				m.log.WithError(err).Warn("promote from cold failed, continuing on cold copy")
				return data, nil
			}
			data, _ = m.alloc.Read(contextID)
		}
		return data, nil
	}

	raw, err := os.ReadFile(entry.FilePath)
	if err != nil {
		return nil, snaperr.Wrap(snaperr.NotFound, "ensure_loaded", "frame file missing from disk", err)
	}
	if _, err := m.alloc.Allocate(int64(len(raw)), tier.Warm, contextID, raw); err != nil {
		m.log.WithError(err).Warn("could not re-cache reloaded frame, serving directly from disk")
	}
	return raw, nil
}

// Query implements spec §4.F's query algorithm.
func (m *Manager) Query(ctx context.Context, contextID, text string, cfg engine.SamplerConfig) (*QueryResult, error) {
	start := time.Now()
	entry, ok := m.reg.Get(contextID)
	if !ok {
		return nil, snaperr.New(snaperr.NotFound, "query", "no such context: "+contextID)
	}

	raw, err := m.ensureLoaded(contextID, entry)
	if err != nil {
		return nil, err
	}

	frame, err := kvcodec.Decode(raw)
	if err != nil {
		return nil, err
	}

	shape, err := m.io.ModelShapeFor(ctx, entry.ModelID)
	if err != nil {
		return nil, err
	}
	fingerprint := fingerprintFor(entry.ModelID, shape)
	if !frame.CompatibleWith(fingerprint, shape.NLayers, shape.NKVHeads, shape.HeadDim) {
		return nil, snaperr.New(snaperr.IncompatibleShape, "query", "frame is incompatible with the currently loaded model")
	}

	seq := m.nextSeq()
	if err := m.io.Inject(ctx, entry.ModelID, seq, frame.Payload); err != nil {
		return nil, err
	}

	responseText, generatedCount, queryTokenCount, err := m.generate(ctx, entry.ModelID, seq, text, cfg)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	entry.LastAccessed = now
	if err := m.reg.Record(entry); err != nil {
		m.log.WithError(err).Warn("failed to persist updated last_accessed")
	}
	if err := m.stats.RecordAccess(contextID, now); err != nil {
		m.log.WithError(err).Warn("failed to record access stats")
	}
	m.alloc.RecordAccess(contextID)

	return &QueryResult{
		ResponseText: responseText,
		Usage: Usage{
			ContextTokens:   frame.SequenceLength,
			QueryTokens:     queryTokenCount,
			GeneratedTokens: generatedCount,
		},
		CacheHit:  true,
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

// generate runs the tokenize-then-decode-loop spec §4.F step 5 describes.
func (m *Manager) generate(ctx context.Context, modelID string, seq engine.SequenceID, text string, cfg engine.SamplerConfig) (string, int, int, error) {
	tokens, err := m.io.Tokenize(ctx, text, false)
	if err != nil {
		return "", 0, 0, err
	}
	if len(tokens) == 0 {
		return "", 0, 0, nil
	}

	engCtx, err := m.io.EngineContext(ctx, modelID)
	if err != nil {
		return "", 0, 0, err
	}

	if len(tokens) > 1 {
		if err := engCtx.Prefill(ctx, seq, tokens[:len(tokens)-1]); err != nil {
			return "", 0, 0, snaperr.Wrap(snaperr.EngineFailure, "query_generate", "prefill query tokens", err)
		}
	}
	logits, err := engCtx.DecodeStep(ctx, seq, tokens[len(tokens)-1])
	if err != nil {
		return "", 0, 0, snaperr.Wrap(snaperr.EngineFailure, "query_generate", "seed decode step", err)
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = engine.DefaultSamplerConfig().MaxTokens
	}

	var out strings.Builder
	recent := append([]int32(nil), tokens...)
	generated := 0
	for generated < maxTokens {
		select {
		case <-ctx.Done():
			return out.String(), generated, len(tokens), snaperr.Wrap(snaperr.Cancelled, "query_generate", "generation interrupted", ctx.Err())
		default:
		}

		tok, err := engCtx.Sample(logits, cfg, recent)
		if err != nil {
			return out.String(), generated, len(tokens), snaperr.Wrap(snaperr.EngineFailure, "query_generate", "sample", err)
		}
		if engCtx.IsEndOfGeneration(tok) {
			break
		}
		piece := engCtx.TokenToText(tok)
		out.WriteString(piece)
		recent = append(recent, tok)
		generated++

		if stopMatched(out.String(), cfg.Stop) {
			break
		}
		if generated >= maxTokens {
			break
		}
		logits, err = engCtx.DecodeStep(ctx, seq, tok)
		if err != nil {
			return out.String(), generated, len(tokens), snaperr.Wrap(snaperr.EngineFailure, "query_generate", "decode step", err)
		}
	}
	return out.String(), generated, len(tokens), nil
}

func stopMatched(text string, stops []string) bool {
	for _, s := range stops {
		if s != "" && strings.Contains(text, s) {
			return true
		}
	}
	return false
}

// QueryMulti implements spec §4.F's multi-context query: the handles'
// payloads are concatenated in the order given (the only merge strategy
// spec.md resolves) and injected together into one sequence slot, then
// generation runs over that merged context.
func (m *Manager) QueryMulti(ctx context.Context, contextIDs []string, text string, cfg engine.SamplerConfig) (*QueryResult, error) {
	if len(contextIDs) == 0 {
		return nil, snaperr.New(snaperr.InvalidArgument, "query_multi", "no context ids given")
	}
	start := time.Now()

	var modelID string
	var merged []byte
	contextTokens := 0
	for i, id := range contextIDs {
		entry, ok := m.reg.Get(id)
		if !ok {
			return nil, snaperr.New(snaperr.NotFound, "query_multi", "no such context: "+id)
		}
		if i == 0 {
			modelID = entry.ModelID
		} else if entry.ModelID != modelID {
			return nil, snaperr.New(snaperr.InvalidArgument, "query_multi", "all contexts must belong to the same model")
		}

		raw, err := m.ensureLoaded(id, entry)
		if err != nil {
			return nil, err
		}
		frame, err := kvcodec.Decode(raw)
		if err != nil {
			return nil, err
		}
		merged = append(merged, frame.Payload...)
		contextTokens += frame.SequenceLength
	}

	seq := m.nextSeq()
	if err := m.io.Inject(ctx, modelID, seq, merged); err != nil {
		return nil, err
	}

	responseText, generatedCount, queryTokenCount, err := m.generate(ctx, modelID, seq, text, cfg)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	for _, id := range contextIDs {
		if err := m.stats.RecordAccess(id, now); err != nil {
			m.log.WithError(err).Warn("failed to record access stats for multi-query member")
		}
		m.alloc.RecordAccess(id)
	}

	return &QueryResult{
		ResponseText: responseText,
		Usage: Usage{
			ContextTokens:   contextTokens,
			QueryTokens:     queryTokenCount,
			GeneratedTokens: generatedCount,
		},
		CacheHit:  true,
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

// Delete implements spec §4.F's delete: removes the frame, index entries,
// allocator bytes, and access stats. Deleting an unknown id is a no-op
// that returns not_found rather than erroring destructively.
func (m *Manager) Delete(contextID string) error {
	entry, ok := m.reg.Get(contextID)
	if !ok {
		return snaperr.New(snaperr.NotFound, "delete", "no such context: "+contextID)
	}

	m.alloc.DeallocateOwner(contextID)
	if err := os.Remove(entry.FilePath); err != nil && !os.IsNotExist(err) {
		m.log.WithError(err).Warn("failed to remove frame file during delete")
	}
	if err := m.stats.Forget(contextID); err != nil {
		m.log.WithError(err).Warn("failed to forget access stats during delete")
	}
	return m.reg.Delete(contextID)
}

// PreEvict implements tier.Subscriber (spec §4.F "eviction pressure
// response"): try to demote the victim one tier down; if that also fails,
// let the allocator free the in-memory bytes — the durable frame file on
// disk still satisfies any later query via ensureLoaded's reload path.
func (m *Manager) PreEvict(ownerID string, t tier.Tier, data []byte) bool {
	if t == tier.Cold {
		return false
	}
	target := t + 1
	if _, err := m.alloc.Demote(ownerID, target); err != nil {
		m.log.WithField("context_id", ownerID).WithField("from", t.String()).
			Debug("demote on eviction pressure failed; evicting from memory, frame remains on disk")
		return false
	}
	return true
}

var _ tier.Subscriber = (*Manager)(nil)
