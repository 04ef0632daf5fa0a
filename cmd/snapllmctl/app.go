package main

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/snapllm/snapllm/internal/accessstats"
	"github.com/snapllm/snapllm/internal/config"
	"github.com/snapllm/snapllm/internal/contextmgr"
	"github.com/snapllm/snapllm/internal/dequant"
	"github.com/snapllm/snapllm/internal/kvio"
	"github.com/snapllm/snapllm/internal/logging"
	"github.com/snapllm/snapllm/internal/modelmgr"
	"github.com/snapllm/snapllm/internal/registry"
	"github.com/snapllm/snapllm/internal/tier"
	"github.com/snapllm/snapllm/internal/tiering"
)

const (
	defaultNCtx   = 4096
	defaultNBatch = 256
)

// binding pairs the per-model KV Extractor/Injector with the Context
// Manager built on top of it. kvio.IO owns exactly one engine.Engine, so
// the app keeps one of these per currently-loaded model rather than
// sharing a single Context Manager across models with different engines.
type binding struct {
	io     *kvio.IO
	ctxmgr *contextmgr.Manager
}

// app wires every core component together the way a long-lived server
// process would, following the teacher's direct-construction style in its
// own cmd/*/main.go entrypoints rather than a dependency-injection
// framework.
type app struct {
	cfg     config.Config
	alloc   *tier.Allocator
	reg     *registry.Registry
	stats   *accessstats.Store
	cache   *dequant.Cache
	models  *modelmgr.Manager
	tiering *tiering.Controller

	mu    sync.Mutex
	bound map[string]*binding // model_id -> its Context Manager
}

func newApp() (*app, error) {
	cfg, err := config.Resolve()
	if err != nil {
		return nil, fmt.Errorf("resolve config: %w", err)
	}
	if err := logging.Init(cfg.Logging.ToFile, cfg.Home); err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	if err := logging.SetLevel(cfg.Logging.Level); err != nil {
		return nil, fmt.Errorf("set log level: %w", err)
	}

	alloc, err := tier.New(tier.Config{
		GPUBytes:          cfg.Tiers.GPUBytes,
		RAMBytes:          cfg.Tiers.RAMBytes,
		DiskBytes:         cfg.Tiers.DiskBytes,
		DiskDir:           filepath.Join(cfg.ContextsDir(), "cold"),
		TargetUtilization: cfg.Tiers.TargetUtilization,
		Policy:            tier.PolicyByName(cfg.Tiers.EvictionPolicy),
	})
	if err != nil {
		return nil, fmt.Errorf("init tiered allocator: %w", err)
	}

	reg, err := registry.Open(filepath.Join(cfg.ContextsDir(), "registry.json"), filepath.Join(cfg.ContextsDir(), "frames"))
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}

	stats, err := accessstats.Open(filepath.Join(cfg.RuntimeDir(), "access_stats.db"))
	if err != nil {
		return nil, fmt.Errorf("open access stats: %w", err)
	}

	cache := dequant.New(dequant.Config{
		CacheDir:       cfg.ModelsDir(),
		OverheadFactor: cfg.Dequant.WorkspaceOverheadFactor,
		Alignment:      cfg.Dequant.Alignment,
	})

	models := modelmgr.New(cache, modelmgr.DefaultRegistry(), modelmgr.Config{
		VRAMBudgetBytes: cfg.Tiers.GPUBytes,
		Policy:          tier.PolicyByName(cfg.Tiers.EvictionPolicy),
	})

	tc := tiering.New(alloc, stats, reg, tiering.Config{
		Policy:               tiering.Policy(cfg.Tiering.Policy),
		CheckInterval:        time.Duration(cfg.Tiering.CheckIntervalSeconds) * time.Second,
		HotAccessCount:       cfg.Tiering.HotAccessCount,
		HotThreshold:         time.Duration(cfg.Tiering.HotThresholdSeconds) * time.Second,
		WarmThreshold:        time.Duration(cfg.Tiering.WarmThresholdSeconds) * time.Second,
		ColdThreshold:        time.Duration(cfg.Tiering.ColdThresholdSeconds) * time.Second,
		GPUPressureThreshold: cfg.Tiering.GPUPressureThreshold,
		CPUPressureThreshold: cfg.Tiering.CPUPressureThreshold,
		TargetUtilization:    cfg.Tiers.TargetUtilization,
		MaxHotPopulation:     cfg.Tiering.MaxHotPopulation,
		MaxWarmPopulation:    cfg.Tiering.MaxWarmPopulation,
	})

	a := &app{
		cfg:     cfg,
		alloc:   alloc,
		reg:     reg,
		stats:   stats,
		cache:   cache,
		models:  models,
		tiering: tc,
		bound:   make(map[string]*binding),
	}

	// The TTL sweep's deletion logic needs a Context Manager, which is
	// model-scoped and built lazily — so it's wired through the app
	// itself rather than supplied to tiering.New directly.
	tc.SetExpireFunc(func(contextID string) error {
		cm, err := a.contextManagerForContext(contextID)
		if err != nil {
			return err
		}
		return cm.Delete(contextID)
	})
	tc.Start()

	return a, nil
}

func (a *app) close() {
	a.tiering.Stop()
	a.stats.Close()
}

// contextManagerFor returns the Context Manager bound to modelID's
// engine, building it on first use. modelID must already be loaded in
// the Model Manager.
func (a *app) contextManagerFor(modelID string) (*contextmgr.Manager, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if b, ok := a.bound[modelID]; ok {
		return b.ctxmgr, nil
	}

	eng, ok := a.models.EngineFor(modelID)
	if !ok {
		return nil, fmt.Errorf("model %q is not loaded; run `snapllmctl models load` first", modelID)
	}

	io := kvio.New(eng, defaultNCtx, defaultNBatch)
	cm := contextmgr.New(filepath.Join(a.cfg.ContextsDir(), "frames", modelID), a.reg, a.alloc, io, a.stats)
	a.bound[modelID] = &binding{io: io, ctxmgr: cm}
	return cm, nil
}

// contextManagerForContext resolves contextID's owning model via the
// registry, then returns that model's Context Manager.
func (a *app) contextManagerForContext(contextID string) (*contextmgr.Manager, error) {
	entry, ok := a.reg.Get(contextID)
	if !ok {
		return nil, fmt.Errorf("no such context: %s", contextID)
	}
	return a.contextManagerFor(entry.ModelID)
}

func parseTier(s string) (tier.Tier, error) {
	switch s {
	case "hot":
		return tier.Hot, nil
	case "warm":
		return tier.Warm, nil
	case "cold":
		return tier.Cold, nil
	default:
		return 0, fmt.Errorf("unknown tier %q (want hot, warm, or cold)", s)
	}
}
