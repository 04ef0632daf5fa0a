// Package modelmgr implements the Model Manager (spec §4.G): the L1
// resource manager that keeps a bounded set of models resident, flips the
// single active-model pointer in sub-millisecond time, and evicts under a
// VRAM budget — falling back to a CPU-only binding rather than failing the
// load outright when no tier has room.
package modelmgr

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/snapllm/snapllm/internal/dequant"
	"github.com/snapllm/snapllm/internal/engine"
	"github.com/snapllm/snapllm/internal/logging"
	"github.com/snapllm/snapllm/internal/snaperr"
	"github.com/snapllm/snapllm/internal/tier"
)

// AdapterFactory builds an engine.Engine bound to a dequantized model's
// workspace. Mirrors the teacher's runtime.AdapterFactory, generalized
// from "which HTTP/native backend" to "which engine.Engine implementation
// binds this model's tensors."
type AdapterFactory func(model *dequant.Model) (engine.Engine, error)

// Registry maps backend keys to adapter factories (teacher's
// runtime.Registry, same shape).
type Registry map[string]AdapterFactory

// Binding reports how a loaded model's engine is actually bound.
type Binding string

const (
	BindingGPU Binding = "gpu"
	BindingCPU Binding = "cpu"
)

// LoadOptions mirrors spec §4.G's load opts.
type LoadOptions struct {
	Backend string // Registry key; defaults to the Manager's DefaultBackend.
}

// ModelInfo is the get_info/list() snapshot spec §4.G returns.
type ModelInfo struct {
	Name          string
	Path          string
	Fingerprint   string
	Shape         engine.ShapeDescriptor
	Backend       string
	Binding       Binding
	ResidentBytes int64
	Resident      bool // false for a ram-cache-only (unloaded but flash-reloadable) entry
	LoadedAt      time.Time
	LastAccessed  time.Time
	AccessCount   int64
}

type loadedModel struct {
	info   ModelInfo
	model  *dequant.Model
	engine engine.Engine
}

// Config sizes the Manager.
type Config struct {
	VRAMBudgetBytes int64
	DefaultBackend  string
	Policy          tier.Policy // victim selection for VRAM-pressure eviction; defaults to LRU
}

// Manager is the Model Manager.
type Manager struct {
	cache          *dequant.Cache
	registry       Registry
	defaultBackend string
	budget         int64
	policy         tier.Policy

	mu       sync.Mutex
	loaded   map[string]*loadedModel
	ramCache map[string]ModelInfo // unloaded-but-cached metadata, for flash reload + get_info
	active   string

	log *logrus.Entry
}

// DefaultRegistry returns a Registry whose "mock" backend binds the
// deterministic reference engine.Mock directly to a dequantized model's
// shape. Real deployments register additional backends (native cgo
// bindings, remote inference) under their own keys.
func DefaultRegistry() Registry {
	return Registry{
		"mock": func(model *dequant.Model) (engine.Engine, error) {
			return engine.NewMock(model.Shape, nil), nil
		},
	}
}

// New builds a Manager backed by cache and able to bind models through
// any factory in registry.
func New(cache *dequant.Cache, registry Registry, cfg Config) *Manager {
	if cfg.Policy == nil {
		cfg.Policy = tier.LRU()
	}
	if cfg.DefaultBackend == "" {
		cfg.DefaultBackend = "mock"
	}
	return &Manager{
		cache:          cache,
		registry:       registry,
		defaultBackend: cfg.DefaultBackend,
		budget:         cfg.VRAMBudgetBytes,
		policy:         cfg.Policy,
		loaded:         make(map[string]*loadedModel),
		ramCache:       make(map[string]ModelInfo),
		log:            logging.For("model_manager"),
	}
}

// estimateResidentBytes approximates the dequantized workspace size before
// the cache actually builds or reopens it (spec §4.G step 2 "query VRAM
// budget"), using the same overhead factor the Dequant Cache sizes fresh
// workspaces with.
func estimateResidentBytes(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	const overheadFactor = 2.0
	return int64(float64(info.Size()) * overheadFactor)
}

// Load implements spec §4.G's load algorithm.
func (m *Manager) Load(name, path string, opts LoadOptions) (ModelInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lm, ok := m.loaded[name]; ok {
		lm.info.LastAccessed = time.Now()
		lm.info.AccessCount++
		if m.active == "" {
			m.active = name
		}
		return lm.info, nil
	}

	backend := opts.Backend
	if backend == "" {
		backend = m.defaultBackend
	}
	factory, ok := m.registry[backend]
	if !ok {
		return ModelInfo{}, snaperr.New(snaperr.InvalidArgument, "load", fmt.Sprintf("no adapter registered for backend %q", backend))
	}

	projected := estimateResidentBytes(path)
	binding := BindingGPU
	if m.budget > 0 {
		used := m.usedBytesLocked()
		if used+projected > m.budget {
			freed := m.evictLRULocked(name, used+projected-m.budget)
			if used-freed+projected > m.budget {
				binding = BindingCPU
				m.log.WithField("model", name).Warn("VRAM budget exceeded after eviction, falling back to CPU-only binding")
			}
		}
	}

	model, err := m.cache.Load(path)
	if err != nil {
		return ModelInfo{}, err
	}

	eng, err := factory(model)
	if err != nil {
		model.Close()
		return ModelInfo{}, snaperr.Wrap(snaperr.EngineFailure, "load", "bind engine to dequantized workspace", err)
	}

	now := time.Now()
	info := ModelInfo{
		Name:          name,
		Path:          path,
		Fingerprint:   model.Fingerprint,
		Shape:         model.Shape,
		Backend:       backend,
		Binding:       binding,
		ResidentBytes: projected,
		Resident:      true,
		LoadedAt:      now,
		LastAccessed:  now,
		AccessCount:   1,
	}
	m.loaded[name] = &loadedModel{info: info, model: model, engine: eng}
	delete(m.ramCache, name)
	if m.active == "" {
		m.active = name
	}

	m.log.WithField("model", name).WithField("binding", string(binding)).Info("loaded model")
	return info, nil
}

func (m *Manager) usedBytesLocked() int64 {
	var total int64
	for _, lm := range m.loaded {
		total += lm.info.ResidentBytes
	}
	return total
}

// evictLRULocked frees at least bytesNeeded bytes from loaded models other
// than name and the active model, by the Manager's configured policy.
// Caller must hold mu.
func (m *Manager) evictLRULocked(skip string, bytesNeeded int64) int64 {
	if bytesNeeded <= 0 {
		return 0
	}
	occupants := make([]tier.Occupant, 0, len(m.loaded))
	for n, lm := range m.loaded {
		if n == skip || n == m.active {
			continue
		}
		occupants = append(occupants, tier.Occupant{
			OwnerID:      n,
			Size:         lm.info.ResidentBytes,
			AccessCount:  lm.info.AccessCount,
			LastAccessed: lm.info.LastAccessed,
			CreatedAt:    lm.info.LoadedAt,
		})
	}
	victims := m.policy.SelectVictims(occupants, bytesNeeded)

	var freed int64
	for _, v := range victims {
		if freed >= bytesNeeded {
			break
		}
		lm, ok := m.loaded[v]
		if !ok {
			continue
		}
		m.unloadLocked(v)
		freed += lm.info.ResidentBytes
		m.log.WithField("model", v).Debug("evicted under VRAM pressure")
	}
	return freed
}

// Switch flips the active-model designator. Spec §4.G: "sub-millisecond
// regardless of model size" — it touches only the pointer, never the GPU.
func (m *Manager) Switch(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lm, ok := m.loaded[name]
	if !ok {
		return snaperr.New(snaperr.NotFound, "switch", "model not loaded: "+name)
	}
	m.active = name
	lm.info.LastAccessed = time.Now()
	return nil
}

// Unload releases name's engine and workspace handle, keeping a
// lightweight ram-cache entry (source path + metadata) so a later Load is
// a flash reload from the dequant cache's persisted workspace (spec §4.G
// eviction: "keeps its workspace on disk ... flash reload").
func (m *Manager) Unload(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.loaded[name]; !ok {
		return snaperr.New(snaperr.NotFound, "unload", "model not loaded: "+name)
	}
	m.unloadLocked(name)
	return nil
}

func (m *Manager) unloadLocked(name string) {
	lm, ok := m.loaded[name]
	if !ok {
		return
	}
	if err := lm.engine.Close(); err != nil {
		m.log.WithError(err).WithField("model", name).Warn("engine close failed during unload")
	}
	if err := lm.model.Close(); err != nil {
		m.log.WithError(err).WithField("model", name).Warn("workspace close failed during unload")
	}
	info := lm.info
	info.Resident = false
	m.ramCache[name] = info
	delete(m.loaded, name)
	if m.active == name {
		m.active = ""
	}
}

// List returns a snapshot of every currently loaded model.
func (m *Manager) List() []ModelInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ModelInfo, 0, len(m.loaded))
	for _, lm := range m.loaded {
		out = append(out, lm.info)
	}
	return out
}

// GetActive returns the active model's info, or ok=false if none is loaded.
func (m *Manager) GetActive() (ModelInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == "" {
		return ModelInfo{}, false
	}
	lm, ok := m.loaded[m.active]
	if !ok {
		return ModelInfo{}, false
	}
	return lm.info, true
}

// GetInfo returns name's info whether it is currently loaded or only
// ram-cached (unloaded but flash-reload-eligible).
func (m *Manager) GetInfo(name string) (ModelInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lm, ok := m.loaded[name]; ok {
		return lm.info, true
	}
	info, ok := m.ramCache[name]
	return info, ok
}

// EngineFor returns the bound engine.Engine for a loaded model, for
// callers (kvio.IO) that need it directly. Returns ok=false if name is
// not currently resident.
func (m *Manager) EngineFor(name string) (engine.Engine, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lm, ok := m.loaded[name]
	if !ok {
		return nil, false
	}
	return lm.engine, true
}
