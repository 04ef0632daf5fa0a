// Package dequant implements the Dequant Cache (spec §4.C): given a
// quantized model file, produce a Model whose tensors are dequantized to
// float32 and backed by a workspace.Store, reusing a previous build when
// one already exists for the same content fingerprint.
package dequant

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/snapllm/snapllm/internal/diskio"
	"github.com/snapllm/snapllm/internal/engine"
	"github.com/snapllm/snapllm/internal/logging"
	"github.com/snapllm/snapllm/internal/snaperr"
	"github.com/snapllm/snapllm/internal/workspace"
)

// TensorInfo is a catalog entry: where a dequantized tensor lives inside
// the workspace and what it originally was.
type TensorInfo struct {
	Name        string  `json:"name"`
	Shape       []int64 `json:"shape"`
	SourceDType DType   `json:"source_dtype"`
	Offset      int64   `json:"offset"`
	Size        int64   `json:"size"`
}

// Model is a dequantized model resident in a Workspace Store.
type Model struct {
	Fingerprint string
	Shape       engine.ShapeDescriptor
	Tensors     map[string]TensorInfo

	store *workspace.Store
}

// TensorFloats returns a copy of tensor's dequantized float32 values.
func (m *Model) TensorFloats(name string) ([]float32, error) {
	info, ok := m.Tensors[name]
	if !ok {
		return nil, snaperr.New(snaperr.NotFound, "tensor_floats", "no such tensor: "+name)
	}
	region := workspace.Region{Tag: info.Name, Offset: info.Offset, Size: info.Size}
	return workspace.ReadAs[float32](m.store, region)
}

// Close releases the underlying workspace resources. It does not delete
// anything on disk.
func (m *Model) Close() error { return m.store.Close() }

type catalogFile struct {
	ModelFingerprint string                 `json:"model_fingerprint"`
	Shape            engine.ShapeDescriptor `json:"shape"`
	WorkspaceBytes   int64                  `json:"workspace_bytes"`
	CreatedAt        int64                  `json:"created_at"`
	Tensors          []TensorInfo           `json:"tensors"`
}

// Config sizes the cache's workspace builds.
type Config struct {
	// CacheDir is the root under which each model_fingerprint gets its
	// own subdirectory holding workspace.bin and tensors.json.
	CacheDir string
	// OverheadFactor sizes a freshly built workspace relative to the
	// source file's byte size (spec §4.C step 3, default 2.0 for the
	// quantized→float32 expansion).
	OverheadFactor float64
	Alignment      int64
}

// Cache is the Dequant Cache: it turns quantized model files into
// Models, reusing a prior build keyed by model_fingerprint.
type Cache struct {
	cfg Config
	log *logrus.Entry
}

// New builds a Dequant Cache rooted at cfg.CacheDir.
func New(cfg Config) *Cache {
	if cfg.OverheadFactor <= 0 {
		cfg.OverheadFactor = 2.0
	}
	if cfg.Alignment <= 0 {
		cfg.Alignment = workspace.DefaultAlignment
	}
	return &Cache{cfg: cfg, log: logging.For("dequant_cache")}
}

func (c *Cache) modelDir(fingerprint string) string {
	return filepath.Join(c.cfg.CacheDir, fingerprint)
}

func (c *Cache) workspacePath(fingerprint string) string {
	return filepath.Join(c.modelDir(fingerprint), "workspace.bin")
}

func (c *Cache) catalogPath(fingerprint string) string {
	return filepath.Join(c.modelDir(fingerprint), "tensors.json")
}

// Load produces a Model for the quantized file at path. If a workspace
// already exists for this file's fingerprint, it is reopened and the
// catalog is reloaded with no dequantization work performed. Otherwise a
// full build runs.
func (c *Cache) Load(path string) (*Model, error) {
	src, err := ParseSourceFile(path)
	if err != nil {
		return nil, err
	}
	fp := src.Fingerprint()
	logger := c.log.WithField("fingerprint", fp)

	if model, err := c.tryReuse(fp, src.Shape); err == nil {
		logger.Info("dequant cache hit, skipping dequantization")
		return model, nil
	} else if snaperr.KindOf(err) != snaperr.NotFound {
		logger.WithError(err).Warn("existing workspace rejected, rebuilding")
	}

	return c.build(fp, src)
}

// tryReuse attempts to open a previously built workspace for fingerprint.
// It returns a NotFound error for a clean miss, and any other kind for a
// workspace that exists but failed validation (caller should rebuild).
func (c *Cache) tryReuse(fp string, shape engine.ShapeDescriptor) (*Model, error) {
	catalogPath := c.catalogPath(fp)
	if !diskio.Exists(catalogPath) {
		return nil, snaperr.New(snaperr.NotFound, "try_reuse", "no catalog for fingerprint")
	}

	raw, err := readFile(catalogPath)
	if err != nil {
		return nil, snaperr.Wrap(snaperr.IOError, "try_reuse", "could not read catalog", err)
	}
	var cat catalogFile
	if err := json.Unmarshal(raw, &cat); err != nil {
		quarantine(catalogPath)
		return nil, snaperr.Wrap(snaperr.CorruptArtifact, "try_reuse", "catalog is not valid JSON", err)
	}
	if cat.ModelFingerprint != fp {
		quarantine(catalogPath)
		return nil, snaperr.New(snaperr.CorruptArtifact, "try_reuse", "catalog fingerprint mismatch")
	}

	maxEnd := int64(0)
	for _, t := range cat.Tensors {
		if end := t.Offset + t.Size; end > maxEnd {
			maxEnd = end
		}
	}
	if cat.WorkspaceBytes < maxEnd {
		quarantine(catalogPath)
		return nil, snaperr.New(snaperr.CorruptArtifact, "try_reuse", "workspace smaller than catalog claims")
	}

	store, err := workspace.Open(c.workspacePath(fp), cat.WorkspaceBytes, c.cfg.Alignment, workspace.MMap, 0)
	if err != nil {
		return nil, snaperr.Wrap(snaperr.IOError, "try_reuse", "could not reopen workspace", err)
	}
	if store.Used() < maxEnd {
		store.Close()
		quarantine(catalogPath)
		return nil, snaperr.New(snaperr.CorruptArtifact, "try_reuse", "workspace file truncated relative to catalog")
	}

	tensors := make(map[string]TensorInfo, len(cat.Tensors))
	for _, t := range cat.Tensors {
		tensors[t.Name] = t
	}
	return &Model{Fingerprint: fp, Shape: cat.Shape, Tensors: tensors, store: store}, nil
}

// build dequantizes every tensor in src into a freshly allocated
// workspace and persists the catalog (spec §4.C "Protocol (first-time
// load)").
func (c *Cache) build(fp string, src *SourceModel) (*Model, error) {
	sourceBytes := int64(0)
	for _, t := range src.Tensors {
		sourceBytes += t.DataSize
	}
	capacity := int64(float64(sourceBytes) * c.cfg.OverheadFactor)
	if capacity < 4096 {
		capacity = 4096
	}

	store, err := workspace.Open(c.workspacePath(fp), capacity, c.cfg.Alignment, workspace.MMap, 0)
	if err != nil {
		return nil, snaperr.Wrap(snaperr.IOError, "build", "could not create workspace", err)
	}

	tensors := make(map[string]TensorInfo, len(src.Tensors))
	catalogTensors := make([]TensorInfo, 0, len(src.Tensors))
	for _, te := range src.Tensors {
		floats, err := Dequantize(te.DType, src.TensorData(te), int(te.NumElems))
		if err != nil {
			store.Close()
			return nil, snaperr.Wrap(snaperr.CorruptArtifact, "build", fmt.Sprintf("dequantizing %q", te.Name), err)
		}
		raw := floatsToBytes(floats)

		region, err := store.Allocate(int64(len(raw)), te.Name)
		if err != nil {
			store.Close()
			return nil, err
		}
		if err := store.Write(region, raw); err != nil {
			store.Close()
			return nil, err
		}

		info := TensorInfo{Name: te.Name, Shape: te.Shape, SourceDType: te.DType, Offset: region.Offset, Size: region.Size}
		tensors[te.Name] = info
		catalogTensors = append(catalogTensors, info)
	}

	if err := store.Sync(); err != nil {
		store.Close()
		return nil, err
	}

	cat := catalogFile{
		ModelFingerprint: fp,
		Shape:            src.Shape,
		WorkspaceBytes:   capacity,
		CreatedAt:        time.Now().Unix(),
		Tensors:          catalogTensors,
	}
	raw, err := json.MarshalIndent(cat, "", "  ")
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("dequant: marshal catalog: %w", err)
	}
	if err := diskio.WriteFileAtomic(c.catalogPath(fp), raw, 0o644); err != nil {
		store.Close()
		return nil, err
	}

	c.log.WithField("fingerprint", fp).WithField("tensors", len(tensors)).Info("dequantized and cached model")
	return &Model{Fingerprint: fp, Shape: src.Shape, Tensors: tensors, store: store}, nil
}
