package engine

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"
)

// Mock is a deterministic in-memory Engine used by tests and by any caller
// that wants to exercise the extraction/injection protocol without a real
// inference backend. Its "KV state" for a sequence is simply the ordered
// list of tokens prefilled into it; next-token logits are a deterministic
// hash of that history, so re-injecting an identical history reproduces
// identical logits byte-for-byte (spec §8 round-trip property).
type Mock struct {
	shape ShapeDescriptor
	vocab []string
}

// NewMock builds a Mock engine bound to the given shape. vocab is stored on
// the Mock but not used for rendering: TokenToText always renders tokens
// as "<N>".
func NewMock(shape ShapeDescriptor, vocab []string) *Mock {
	return &Mock{shape: shape, vocab: vocab}
}

func (m *Mock) ModelShape() ShapeDescriptor { return m.shape }

func (m *Mock) Tokenize(_ context.Context, text string, addBOS bool) ([]int32, error) {
	words := strings.Fields(text)
	tokens := make([]int32, 0, len(words)+1)
	if addBOS {
		tokens = append(tokens, 1) // token 1 reserved as BOS
	}
	for _, w := range words {
		tokens = append(tokens, tokenHash(w))
	}
	return tokens, nil
}

func (m *Mock) NewContext(_ context.Context, nCtx, nBatch int) (Context, error) {
	if nCtx <= 0 {
		nCtx = m.shape.ContextLen
	}
	return &mockContext{
		shape:  m.shape,
		nCtx:   nCtx,
		nBatch: nBatch,
		seqs:   make(map[SequenceID][]int32),
	}, nil
}

func (m *Mock) Close() error { return nil }

func tokenHash(s string) int32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	// Reserve 0 and 1 for pad/BOS so real content never collides with them.
	return int32(h.Sum32()%1_000_000) + 2
}

type mockContext struct {
	mu     sync.Mutex
	shape  ShapeDescriptor
	nCtx   int
	nBatch int
	seqs   map[SequenceID][]int32
	closed bool
}

func (c *mockContext) Prefill(_ context.Context, seq SequenceID, tokens []int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.seqs[seq] = append(c.seqs[seq], tokens...)
	if len(c.seqs[seq]) > c.nCtx && c.nCtx > 0 {
		return fmt.Errorf("engine: sequence %d exceeds context length %d", seq, c.nCtx)
	}
	return nil
}

func (c *mockContext) DecodeStep(_ context.Context, seq SequenceID, token int32) ([]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	c.seqs[seq] = append(c.seqs[seq], token)
	return logitsFor(c.seqs[seq], c.shape.VocabSize), nil
}

// logitsFor deterministically derives a logits vector from the full token
// history so that identical histories (whether built by live prefill or by
// deserializing a previously captured sequence) produce bit-identical
// logits, which is the property the KV-cache round trip exists to preserve.
func logitsFor(history []int32, vocab int) []float32 {
	if vocab <= 0 {
		vocab = 256
	}
	h := fnv.New64a()
	buf := make([]byte, 4)
	for _, t := range history {
		binary.LittleEndian.PutUint32(buf, uint32(t))
		h.Write(buf)
	}
	seed := h.Sum64()
	logits := make([]float32, vocab)
	state := seed
	for i := range logits {
		state = state*6364136223846793005 + 1442695040888963407
		// Map the high bits to a small float range so sampling is stable.
		v := float64(int32(state>>32)) / math.MaxInt32
		logits[i] = float32(v)
	}
	return logits
}

func (c *mockContext) Sample(logits []float32, cfg SamplerConfig, _ []int32) (int32, error) {
	if len(logits) == 0 {
		return 0, fmt.Errorf("engine: empty logits")
	}
	if cfg.Temperature <= 0 {
		best, bestIdx := logits[0], 0
		for i, v := range logits {
			if v > best {
				best, bestIdx = v, i
			}
		}
		return int32(bestIdx), nil
	}
	// Deterministic pseudo-sampling: pick argmax of temperature-scaled
	// logits plus a seed-derived jitter, so distinct seeds can diverge
	// without requiring a full nucleus-sampling implementation in a mock.
	best, bestIdx := float32(math.Inf(-1)), 0
	for i, v := range logits {
		jitter := float32(0)
		if cfg.Seed != 0 {
			jitter = float32((cfg.Seed+uint64(i)*2654435761)%997) / 997.0
		}
		scored := v/float32(cfg.Temperature) + jitter*0.001
		if scored > best {
			best, bestIdx = scored, i
		}
	}
	return int32(bestIdx), nil
}

func (c *mockContext) ClearSequence(seq SequenceID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.seqs, seq)
	return nil
}

// SerializeSequence encodes the token history as little-endian int32s.
// This is exactly the "raw per-sequence state" spec §4.E describes the
// KV Codec as wrapping with a header — the Mock's raw payload is the token
// history rather than real K/V tensors, but it obeys the same contract:
// deserializing it reproduces identical subsequent decode behavior.
func (c *mockContext) SerializeSequence(seq SequenceID) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	history := c.seqs[seq]
	buf := make([]byte, 4*len(history))
	for i, t := range history {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(t))
	}
	return buf, nil
}

func (c *mockContext) DeserializeSequence(seq SequenceID, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if len(data)%4 != 0 {
		return fmt.Errorf("engine: malformed sequence payload (%d bytes)", len(data))
	}
	history := make([]int32, len(data)/4)
	for i := range history {
		history[i] = int32(binary.LittleEndian.Uint32(data[i*4:]))
	}
	c.seqs[seq] = history
	return nil
}

func (c *mockContext) TokenToText(token int32) string {
	return fmt.Sprintf("<%d>", token)
}

func (c *mockContext) IsEndOfGeneration(token int32) bool {
	return token == 0
}

func (c *mockContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.seqs = nil
	return nil
}
