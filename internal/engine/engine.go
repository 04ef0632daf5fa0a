// Package engine defines the capability interface the core consumes from
// the underlying inference engine (spec §1, §6, §9). The engine itself —
// tokenization, attention kernels, sampling — is explicitly out of scope;
// this package only fixes the contract and ships a deterministic reference
// implementation used by tests, mirroring the state machine the teacher's
// llama.cpp binding (internal/native/context.go: Eval, ClearKV, TruncateKV)
// exposes without depending on cgo.
package engine

import (
	"context"
	"fmt"
)

// ShapeDescriptor captures the model-shape fields the KV Codec and the
// Context Manager's shape-compatibility check (spec §3 invariant 5) need.
type ShapeDescriptor struct {
	Architecture string
	NLayers      int
	NHeads       int
	NKVHeads     int
	HeadDim      int
	VocabSize    int
	ContextLen   int
}

// SamplerConfig mirrors the teacher's SamplerOptions: the knobs a query's
// decode loop needs, independent of which engine executes it.
type SamplerConfig struct {
	Temperature   float64
	TopK          int
	TopP          float64
	MinP          float64
	RepeatPenalty float64
	RepeatLastN   int
	MaxTokens     int
	Stop          []string
	Seed          uint64
}

// DefaultSamplerConfig mirrors the teacher's balanced chat defaults.
func DefaultSamplerConfig() SamplerConfig {
	return SamplerConfig{
		Temperature:   0.7,
		TopK:          40,
		TopP:          0.95,
		MinP:          0.05,
		RepeatPenalty: 1.1,
		RepeatLastN:   64,
		MaxTokens:     512,
	}
}

// SequenceID selects a per-request KV slot inside an engine context.
type SequenceID int32

// Engine is the exact capability set spec §6 lists:
//
//	tokenize, new_engine_context, prefill, decode_step, sample,
//	clear_sequence, serialize_sequence, deserialize_sequence, model_shape.
//
// An Engine is bound to exactly one loaded model.
type Engine interface {
	// ModelShape returns the model's architecture descriptor.
	ModelShape() ShapeDescriptor

	// Tokenize converts text into token ids. addBOS follows the model's
	// tokenizer policy.
	Tokenize(ctx context.Context, text string, addBOS bool) ([]int32, error)

	// NewContext creates a fresh engine context sized for nCtx tokens with
	// batches of nBatch tokens.
	NewContext(ctx context.Context, nCtx, nBatch int) (Context, error)

	// Close releases engine-wide resources (not any Context's).
	Close() error
}

// Context is a single engine context: one KV-cache arena shared by however
// many sequence slots the caller addresses within it.
type Context interface {
	// Prefill appends tokens to seq's KV state. Called in batches of at
	// most the context's configured batch size (spec §4.E step 4).
	Prefill(ctx context.Context, seq SequenceID, tokens []int32) error

	// DecodeStep advances seq by one token and returns next-token logits.
	DecodeStep(ctx context.Context, seq SequenceID, token int32) ([]float32, error)

	// Sample draws the next token from logits under cfg.
	Sample(logits []float32, cfg SamplerConfig, recentTokens []int32) (int32, error)

	// ClearSequence resets seq's KV state to empty.
	ClearSequence(seq SequenceID) error

	// SerializeSequence captures seq's raw KV state as engine-opaque bytes.
	SerializeSequence(seq SequenceID) ([]byte, error)

	// DeserializeSequence restores seq's KV state from bytes previously
	// produced by SerializeSequence (on any context bound to a
	// shape-compatible model).
	DeserializeSequence(seq SequenceID, data []byte) error

	// TokenToText renders a single token back to its string piece.
	TokenToText(token int32) string

	// IsEndOfGeneration reports whether token signals stop.
	IsEndOfGeneration(token int32) bool

	// Close releases the context's KV-cache memory.
	Close() error
}

// ErrClosed is returned by operations on a closed Engine or Context.
var ErrClosed = fmt.Errorf("engine: closed")
