// Package kvio implements the KV Extractor/Injector (spec §4.E): it drives
// an engine.Engine to prefill a token sequence, captures the resulting
// KV-cache state through the KV Codec, and on the reverse path restores a
// previously captured frame into a fresh sequence slot.
package kvio

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/snapllm/snapllm/internal/engine"
	"github.com/snapllm/snapllm/internal/kvcodec"
	"github.com/snapllm/snapllm/internal/logging"
	"github.com/snapllm/snapllm/internal/snaperr"
)

// ExtractConfig mirrors spec §4.E's extract_config.
type ExtractConfig struct {
	SequenceID engine.SequenceID
	BatchSize  int
	Verbose    bool
}

// ExtractResult is the Extractor's success output.
type ExtractResult struct {
	Payload    []byte
	TokenCount int
	TokenizeMs int64
	PrefillMs  int64
	ExtractMs  int64
}

// contextHandle pairs an engine.Context with the shape it was created for,
// so a later compatibility check doesn't need to re-query the engine.
type contextHandle struct {
	ctx   engine.Context
	shape engine.ShapeDescriptor
}

// IO is the Extractor/Injector: it owns exactly one engine.Context per
// bound model, matching spec §4.E step 1 ("one context per model to avoid
// leaks").
type IO struct {
	eng engine.Engine

	mu       sync.Mutex
	contexts map[string]*contextHandle // keyed by model_id

	nCtx   int
	nBatch int

	log *logrus.Entry
}

// New builds an Extractor/Injector bound to eng. nCtx/nBatch size any
// engine context this IO creates on demand.
func New(eng engine.Engine, nCtx, nBatch int) *IO {
	return &IO{
		eng:      eng,
		contexts: make(map[string]*contextHandle),
		nCtx:     nCtx,
		nBatch:   nBatch,
		log:      logging.For("kv_io"),
	}
}

func (io *IO) contextFor(ctx context.Context, modelID string) (*contextHandle, error) {
	io.mu.Lock()
	defer io.mu.Unlock()

	if h, ok := io.contexts[modelID]; ok {
		return h, nil
	}
	engCtx, err := io.eng.NewContext(ctx, io.nCtx, io.nBatch)
	if err != nil {
		return nil, snaperr.Wrap(snaperr.EngineFailure, "kvio_context_for", "create engine context", err)
	}
	h := &contextHandle{ctx: engCtx, shape: io.eng.ModelShape()}
	io.contexts[modelID] = h
	return h, nil
}

// Extract runs spec §4.E's extract algorithm: tokenize, clear the target
// sequence, prefill in batches, then serialize the resulting KV state.
func (io *IO) Extract(ctx context.Context, modelID, content string, cfg ExtractConfig) (*ExtractResult, error) {
	h, err := io.contextFor(ctx, modelID)
	if err != nil {
		return nil, err
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 256
	}

	t0 := time.Now()
	tokens, err := io.eng.Tokenize(ctx, content, true)
	if err != nil {
		return nil, snaperr.Wrap(snaperr.EngineFailure, "kvio_extract", "tokenize", err)
	}
	tokenizeMs := time.Since(t0).Milliseconds()

	if err := h.ctx.ClearSequence(cfg.SequenceID); err != nil {
		return nil, snaperr.Wrap(snaperr.EngineFailure, "kvio_extract", "clear sequence", err)
	}

	t1 := time.Now()
	for start := 0; start < len(tokens); start += batchSize {
		end := start + batchSize
		if end > len(tokens) {
			end = len(tokens)
		}
		if err := h.ctx.Prefill(ctx, cfg.SequenceID, tokens[start:end]); err != nil {
			return nil, snaperr.Wrap(snaperr.EngineFailure, "kvio_extract", "prefill batch", err)
		}
		select {
		case <-ctx.Done():
			return nil, snaperr.Wrap(snaperr.Cancelled, "kvio_extract", "prefill interrupted", ctx.Err())
		default:
		}
	}
	prefillMs := time.Since(t1).Milliseconds()

	t2 := time.Now()
	payload, err := h.ctx.SerializeSequence(cfg.SequenceID)
	if err != nil {
		return nil, snaperr.Wrap(snaperr.EngineFailure, "kvio_extract", "serialize sequence", err)
	}
	extractMs := time.Since(t2).Milliseconds()

	if cfg.Verbose {
		io.log.WithField("model_id", modelID).
			WithField("tokens", len(tokens)).
			WithField("bytes", len(payload)).
			Debug("extracted sequence state")
	}

	return &ExtractResult{
		Payload:    payload,
		TokenCount: len(tokens),
		TokenizeMs: tokenizeMs,
		PrefillMs:  prefillMs,
		ExtractMs:  extractMs,
	}, nil
}

// Inject restores payload into sequenceID on modelID's engine context
// (spec §4.E's inject contract). The sequence is cleared first regardless
// of outcome, and left cleared if deserialization fails.
func (io *IO) Inject(ctx context.Context, modelID string, sequenceID engine.SequenceID, payload []byte) error {
	h, err := io.contextFor(ctx, modelID)
	if err != nil {
		return err
	}
	if err := h.ctx.ClearSequence(sequenceID); err != nil {
		return snaperr.Wrap(snaperr.EngineFailure, "kvio_inject", "clear sequence", err)
	}
	if err := h.ctx.DeserializeSequence(sequenceID, payload); err != nil {
		return snaperr.Wrap(snaperr.EngineFailure, "kvio_inject", "deserialize sequence", err)
	}
	return nil
}

// Tokenize exposes the bound engine's tokenizer directly, for callers (the
// Context Manager's query path) that need token ids without going through
// Extract's prefill side effects.
func (io *IO) Tokenize(ctx context.Context, text string, addBOS bool) ([]int32, error) {
	tokens, err := io.eng.Tokenize(ctx, text, addBOS)
	if err != nil {
		return nil, snaperr.Wrap(snaperr.EngineFailure, "kvio_tokenize", "tokenize", err)
	}
	return tokens, nil
}

// EngineContext returns the shared engine.Context for modelID, creating it
// if needed. Callers that injected a sequence via Inject use this to run a
// decode/sample loop afterward, sharing the one context per model that
// Extract and Inject already serialize through.
func (io *IO) EngineContext(ctx context.Context, modelID string) (engine.Context, error) {
	h, err := io.contextFor(ctx, modelID)
	if err != nil {
		return nil, err
	}
	return h.ctx, nil
}

// ModelShapeFor returns the bound engine's shape for modelID, creating the
// context if it does not exist yet. Used by callers that need the shape
// before they have any sequence to extract or inject.
func (io *IO) ModelShapeFor(ctx context.Context, modelID string) (engine.ShapeDescriptor, error) {
	h, err := io.contextFor(ctx, modelID)
	if err != nil {
		return engine.ShapeDescriptor{}, err
	}
	return h.shape, nil
}

// Close releases every engine context this IO created.
func (io *IO) Close() error {
	io.mu.Lock()
	defer io.mu.Unlock()
	var firstErr error
	for id, h := range io.contexts {
		if err := h.ctx.Close(); err != nil && firstErr == nil {
			firstErr = snaperr.Wrap(snaperr.EngineFailure, "kvio_close", "closing context for "+id, err)
		}
	}
	io.contexts = make(map[string]*contextHandle)
	return firstErr
}

// FrameDType maps the engine's default serialization dtype to a
// kvcodec.DType for header metadata. Engines in this codebase serialize
// sequences as opaque fp32-equivalent byte buffers; a real backend that
// natively stores fp16/bf16 KV tensors would report that dtype through the
// Engine interface instead. Kept as a small seam so kvio, not kvcodec, owns
// the "what dtype did the engine actually give us" decision.
func FrameDType() kvcodec.DType { return kvcodec.DTypeFP32 }
