// Package tier implements the Tiered Allocator (spec §4.A): three
// capacity-bounded pools (GPU/hot, host RAM/warm, disk/cold) addressed
// through an opaque owner_id, with promotion, demotion, eviction and a
// pre-eviction subscriber hook the Context Manager uses to persist a
// demoted artifact instead of losing it.
//
// The allocator never panics on exhaustion: failure is always a returned
// *snaperr.Error, per spec §4.A "the allocator never throws".
package tier

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/snapllm/snapllm/internal/logging"
	"github.com/snapllm/snapllm/internal/snaperr"
)

// Tier identifies one of the three storage pools, fastest first.
type Tier int

const (
	Hot Tier = iota
	Warm
	Cold
)

func (t Tier) String() string {
	switch t {
	case Hot:
		return "hot"
	case Warm:
		return "warm"
	case Cold:
		return "cold"
	default:
		return "unknown"
	}
}

// Block is the uniform handle callers use to refer to a byte range
// regardless of which tier currently backs it (spec §4.A).
type Block struct {
	Tier    Tier
	OwnerID string
	Size    int64
}

// Subscriber is notified before a victim is freed during eviction. If
// Handled reports true, the subscriber has taken responsibility for the
// bytes (e.g. persisted them itself) and the allocator simply frees the
// range without doing anything else with the data.
type Subscriber interface {
	PreEvict(ownerID string, t Tier, data []byte) (handled bool)
}

// Policy selects eviction victims from a snapshot of tier occupants.
type Policy interface {
	Name() string
	SelectVictims(occupants []Occupant, bytesNeeded int64) []string
}

// Occupant is a read-only snapshot of one block's access bookkeeping, fed
// to a Policy to rank eviction candidates.
type Occupant struct {
	OwnerID      string
	Size         int64
	AccessCount  int64
	LastAccessed time.Time
	CreatedAt    time.Time
}

// Config sizes the three pools and selects the default eviction policy.
type Config struct {
	GPUBytes          int64
	RAMBytes          int64
	DiskBytes         int64
	DiskDir           string
	TargetUtilization float64
	Policy            Policy
}

// Allocator owns the three tiers and their bookkeeping.
type Allocator struct {
	pools             [3]*pool
	targetUtilization float64
	policy            Policy

	subMu       sync.RWMutex
	subscribers []Subscriber

	log *logrus.Entry
}

// New builds an Allocator with the given pool sizes and eviction policy.
func New(cfg Config) (*Allocator, error) {
	if cfg.TargetUtilization <= 0 || cfg.TargetUtilization > 1 {
		cfg.TargetUtilization = 0.7
	}
	if cfg.Policy == nil {
		cfg.Policy = LRU()
	}
	if cfg.DiskDir != "" {
		if err := os.MkdirAll(cfg.DiskDir, 0o755); err != nil {
			return nil, fmt.Errorf("tier: create disk dir: %w", err)
		}
	}

	a := &Allocator{
		targetUtilization: cfg.TargetUtilization,
		policy:            cfg.Policy,
		log:               logging.For("tiered_allocator"),
	}
	a.pools[Hot] = newPool(Hot, cfg.GPUBytes, "")
	a.pools[Warm] = newPool(Warm, cfg.RAMBytes, "")
	a.pools[Cold] = newPool(Cold, cfg.DiskBytes, cfg.DiskDir)
	return a, nil
}

// Subscribe registers s to be notified before any eviction in any tier.
func (a *Allocator) Subscribe(s Subscriber) {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	a.subscribers = append(a.subscribers, s)
}

// Allocate places data in preferred, falling through to slower tiers on
// pressure, evicting within a tier up to TargetUtilization before falling
// through. It fails only when no tier, including the slowest, can fit size.
func (a *Allocator) Allocate(size int64, preferred Tier, owner string, data []byte) (Block, error) {
	if size < 0 || int64(len(data)) != size {
		return Block{}, snaperr.New(snaperr.InvalidArgument, "allocate", "size must match len(data)")
	}
	for _, t := range fallThroughOrder(preferred) {
		if blk, ok := a.tryAllocate(t, size, owner, data); ok {
			return blk, nil
		}
	}
	return Block{}, snaperr.New(snaperr.OutOfSpace, "allocate",
		fmt.Sprintf("no tier could fit %d bytes for owner %q", size, owner))
}

func fallThroughOrder(preferred Tier) []Tier {
	switch preferred {
	case Hot:
		return []Tier{Hot, Warm, Cold}
	case Warm:
		return []Tier{Warm, Cold}
	default:
		return []Tier{Cold}
	}
}

func (a *Allocator) tryAllocate(t Tier, size int64, owner string, data []byte) (Block, bool) {
	p := a.pools[t]
	if p.reserve(size) {
		if err := p.place(owner, data); err != nil {
			p.release(size)
			return Block{}, false
		}
		return Block{Tier: t, OwnerID: owner, Size: size}, true
	}

	target := int64(float64(p.capacity) * a.targetUtilization)
	projected := p.used.Load() + size
	if projected > target {
		a.evictInternal(t, projected-target)
	}
	if p.reserve(size) {
		if err := p.place(owner, data); err != nil {
			p.release(size)
			return Block{}, false
		}
		return Block{Tier: t, OwnerID: owner, Size: size}, true
	}
	return Block{}, false
}

// Deallocate releases a single block. Deallocating an already-freed block
// is undefined behavior per spec §4.A; callers are responsible for not
// doing it.
func (a *Allocator) Deallocate(b Block) error {
	p := a.pools[b.Tier]
	return p.remove(b.OwnerID)
}

// DeallocateOwner releases every block owned by owner across all tiers.
func (a *Allocator) DeallocateOwner(owner string) {
	for _, p := range a.pools {
		p.remove(owner)
	}
}

// Promote copies owner's bytes into target (a faster tier), or, when target
// has no room, into the next slower tier that is still faster than owner's
// current one, and on success frees the old range and returns the new
// Block. On failure the original block is left untouched.
func (a *Allocator) Promote(owner string, target Tier) (Block, error) {
	return a.move(owner, target, true)
}

// Demote copies owner's bytes into target (a slower tier).
func (a *Allocator) Demote(owner string, target Tier) (Block, error) {
	return a.move(owner, target, false)
}

func (a *Allocator) move(owner string, target Tier, faster bool) (Block, error) {
	from, data, size, ok := a.locate(owner)
	if !ok {
		return Block{}, snaperr.New(snaperr.NotFound, "move", "unknown owner "+owner)
	}
	if from == target {
		return Block{Tier: from, OwnerID: owner, Size: size}, nil
	}
	if faster && target >= from {
		return Block{}, snaperr.New(snaperr.InvalidArgument, "promote", "target is not faster than current tier")
	}
	if !faster && target <= from {
		return Block{}, snaperr.New(snaperr.InvalidArgument, "demote", "target is not slower than current tier")
	}

	// Fall through only to tiers other than the source: placing into the
	// source tier would overwrite owner's entry there, and the remove below
	// would then delete the only copy.
	var blk Block
	placed := false
	for _, t := range fallThroughOrder(target) {
		if t == from {
			break
		}
		if blk, placed = a.tryAllocate(t, size, owner, data); placed {
			break
		}
	}
	if !placed {
		return Block{}, snaperr.New(snaperr.CopyFailed, "move", "could not place bytes in target tier")
	}
	if err := a.pools[from].remove(owner); err != nil {
		// Bytes are duplicated in both tiers momentarily; prefer leaving
		// them duplicated (safe) over losing them, surface the error.
		a.log.WithError(err).Warn("move: failed to free source tier after successful copy")
	}
	return blk, nil
}

func (a *Allocator) locate(owner string) (Tier, []byte, int64, bool) {
	for t, p := range a.pools {
		if data, size, ok := p.get(owner); ok {
			return Tier(t), data, size, true
		}
	}
	return 0, nil, 0, false
}

// Evict frees at least bytesNeeded bytes from tier by the configured
// policy, notifying subscribers before each victim is freed.
func (a *Allocator) Evict(bytesNeeded int64, t Tier) int64 {
	return a.evictInternal(t, bytesNeeded)
}

func (a *Allocator) evictInternal(t Tier, bytesNeeded int64) int64 {
	if bytesNeeded <= 0 {
		return 0
	}
	p := a.pools[t]
	occupants := p.snapshot()
	victims := a.policy.SelectVictims(occupants, bytesNeeded)

	var freed int64
	for _, owner := range victims {
		if freed >= bytesNeeded {
			break
		}
		data, size, ok := p.get(owner)
		if !ok {
			continue
		}

		a.subMu.RLock()
		subs := append([]Subscriber(nil), a.subscribers...)
		a.subMu.RUnlock()
		handled := false
		for _, sub := range subs {
			if sub.PreEvict(owner, t, data) {
				handled = true
				break
			}
		}

		if handled {
			// The subscriber took responsibility for owner's bytes (e.g. it
			// moved them to another tier itself), so the pool's copy may
			// already be gone. Either way the tier's capacity for owner is
			// now free; count it even if remove finds nothing left to do.
			if err := p.remove(owner); err != nil && snaperr.KindOf(err) != snaperr.NotFound {
				a.log.WithError(err).WithField("tier", t.String()).WithField("owner", owner).Warn("remove after handled eviction failed")
			}
			freed += size
			a.log.WithField("tier", t.String()).WithField("owner", owner).Debug("evicted (handled by subscriber)")
			continue
		}

		if err := p.remove(owner); err == nil {
			freed += size
			a.log.WithField("tier", t.String()).WithField("owner", owner).Debug("evicted")
		}
	}
	return freed
}

// RecordAccess bumps the access counters used by LRU/LFU/ADAPTIVE policies.
func (a *Allocator) RecordAccess(owner string) {
	for _, p := range a.pools {
		if p.touch(owner) {
			return
		}
	}
}

func (a *Allocator) GetTier(owner string) (Tier, bool) {
	t, _, _, ok := a.locate(owner)
	return t, ok
}

func (a *Allocator) Available(t Tier) int64 { return a.pools[t].capacity - a.pools[t].used.Load() }
func (a *Allocator) Used(t Tier) int64      { return a.pools[t].used.Load() }
func (a *Allocator) Capacity(t Tier) int64  { return a.pools[t].capacity }

// Snapshot returns every occupant currently placed in tier t, for
// callers (the Auto-Tiering Controller) that need to score a whole
// population against a policy rather than a single owner.
func (a *Allocator) Snapshot(t Tier) []Occupant {
	return a.pools[t].snapshot()
}

// Utilization returns t's fraction of capacity currently used, in [0, 1].
func (a *Allocator) Utilization(t Tier) float64 {
	capacity := a.pools[t].capacity
	if capacity <= 0 {
		return 0
	}
	return float64(a.pools[t].used.Load()) / float64(capacity)
}

// Read returns a copy of owner's current bytes, wherever they live.
func (a *Allocator) Read(owner string) ([]byte, bool) {
	_, data, _, ok := a.locate(owner)
	if !ok {
		return nil, false
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true
}

// ---- pool: per-tier bookkeeping under its own lock ----

type pool struct {
	tier     Tier
	capacity int64
	used     atomic.Int64
	diskDir  string

	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	data         []byte // nil for cold (bytes live on disk)
	size         int64
	createdAt    time.Time
	accessCount  atomic.Int64
	lastAccessed atomic.Int64 // unix nanos
}

func newPool(t Tier, capacity int64, diskDir string) *pool {
	return &pool{tier: t, capacity: capacity, diskDir: diskDir, entries: make(map[string]*entry)}
}

func (p *pool) reserve(size int64) bool {
	for {
		cur := p.used.Load()
		if cur+size > p.capacity {
			return false
		}
		if p.used.CompareAndSwap(cur, cur+size) {
			return true
		}
	}
}

func (p *pool) release(size int64) { p.used.Add(-size) }

func (p *pool) place(owner string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := &entry{size: int64(len(data)), createdAt: time.Now()}
	e.lastAccessed.Store(time.Now().UnixNano())

	if p.tier == Cold {
		if err := p.writeDisk(owner, data); err != nil {
			return err
		}
	} else {
		e.data = append([]byte(nil), data...)
	}
	p.entries[owner] = e
	return nil
}

func (p *pool) get(owner string) ([]byte, int64, bool) {
	p.mu.RLock()
	e, ok := p.entries[owner]
	p.mu.RUnlock()
	if !ok {
		return nil, 0, false
	}
	if p.tier == Cold {
		data, err := p.readDisk(owner)
		if err != nil {
			return nil, e.size, false
		}
		return data, e.size, true
	}
	out := make([]byte, len(e.data))
	copy(out, e.data)
	return out, e.size, true
}

func (p *pool) remove(owner string) error {
	p.mu.Lock()
	e, ok := p.entries[owner]
	if !ok {
		p.mu.Unlock()
		return snaperr.New(snaperr.NotFound, "remove", "unknown owner "+owner)
	}
	delete(p.entries, owner)
	p.mu.Unlock()

	p.release(e.size)
	if p.tier == Cold {
		os.Remove(p.diskPath(owner))
	}
	return nil
}

func (p *pool) touch(owner string) bool {
	p.mu.RLock()
	e, ok := p.entries[owner]
	p.mu.RUnlock()
	if !ok {
		return false
	}
	e.accessCount.Add(1)
	e.lastAccessed.Store(time.Now().UnixNano())
	return true
}

func (p *pool) snapshot() []Occupant {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Occupant, 0, len(p.entries))
	for owner, e := range p.entries {
		out = append(out, Occupant{
			OwnerID:      owner,
			Size:         e.size,
			AccessCount:  e.accessCount.Load(),
			LastAccessed: time.Unix(0, e.lastAccessed.Load()),
			CreatedAt:    e.createdAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OwnerID < out[j].OwnerID })
	return out
}

func (p *pool) diskPath(owner string) string {
	return filepath.Join(p.diskDir, owner+".blk")
}

func (p *pool) writeDisk(owner string, data []byte) error {
	if err := os.MkdirAll(p.diskDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(p.diskPath(owner), data, 0o644)
}

func (p *pool) readDisk(owner string) ([]byte, error) {
	return os.ReadFile(p.diskPath(owner))
}
