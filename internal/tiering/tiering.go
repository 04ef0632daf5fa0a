// Package tiering implements the Auto-Tiering Controller (spec §4.I): a
// background loop that periodically scores every context currently
// resident in the Tiered Allocator, promotes contexts that have gotten
// hot, demotes ones that have gone idle, and — if a tier's utilization
// crosses its pressure threshold — emergency-demotes its coldest
// occupants until the tier is back under its target utilization.
package tiering

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/snapllm/snapllm/internal/accessstats"
	"github.com/snapllm/snapllm/internal/logging"
	"github.com/snapllm/snapllm/internal/registry"
	"github.com/snapllm/snapllm/internal/tier"
)

// Policy selects which signal the controller scores contexts by.
type Policy string

const (
	PolicyAccessFrequency Policy = "access_frequency"
	PolicyRecency         Policy = "recency"
	PolicyAdaptive        Policy = "adaptive"
)

// Config carries every knob spec §4.I names.
type Config struct {
	Policy Policy

	CheckInterval time.Duration // default 60s

	HotAccessCount int64         // accesses within HotThreshold to count as hot
	HotThreshold   time.Duration // window length for "hot" freshness
	WarmThreshold  time.Duration // idle time beyond which Hot demotes to Warm
	ColdThreshold  time.Duration // idle time beyond which Warm demotes to Cold

	GPUPressureThreshold float64 // Hot tier utilization that triggers emergency demotion
	CPUPressureThreshold float64 // Warm tier utilization that triggers emergency demotion
	TargetUtilization    float64 // utilization emergency demotion settles at

	MaxHotPopulation  int
	MaxWarmPopulation int
}

func (c *Config) applyDefaults() {
	if c.Policy == "" {
		c.Policy = PolicyAccessFrequency
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 60 * time.Second
	}
	if c.HotAccessCount <= 0 {
		c.HotAccessCount = 3
	}
	if c.HotThreshold <= 0 {
		c.HotThreshold = 5 * time.Minute
	}
	if c.WarmThreshold <= 0 {
		c.WarmThreshold = 10 * time.Minute
	}
	if c.ColdThreshold <= 0 {
		c.ColdThreshold = time.Hour
	}
	if c.GPUPressureThreshold <= 0 {
		c.GPUPressureThreshold = 0.9
	}
	if c.CPUPressureThreshold <= 0 {
		c.CPUPressureThreshold = 0.9
	}
	if c.TargetUtilization <= 0 {
		c.TargetUtilization = 0.7
	}
}

// Reason identifies why a decision was made.
type Reason string

const (
	ReasonPromoted          Reason = "promoted"
	ReasonDemotedIdle       Reason = "demoted_idle"
	ReasonEmergencyDemotion Reason = "emergency_demotion"
	ReasonExpired           Reason = "expired"
)

// TieringDecision is emitted whenever the controller changes (or tries to
// change) a context's tier. For ReasonExpired, FromTier/ToTier are the
// zero value (tier.Hot) and carry no meaning — the context was deleted
// outright, not moved.
type TieringDecision struct {
	ContextID string
	FromTier  tier.Tier
	ToTier    tier.Tier
	Reason    Reason
	At        time.Time
	Err       error // non-nil if applying the decision failed
}

// Callback receives every applied decision, success or failure.
type Callback func(TieringDecision)

// ExpireFunc deletes contextID's context entirely — frame file, registry
// entry, and allocator state — and reports any failure. The controller
// has no notion of a Context Manager itself (spec §4.I's controller only
// knows the Tiered Allocator and the registry's TTLs), so the deletion
// logic is supplied by whoever owns the Context Manager.
type ExpireFunc func(contextID string) error

// Controller is the Auto-Tiering Controller.
type Controller struct {
	alloc *tier.Allocator
	stats *accessstats.Store // only consulted for PolicyAdaptive
	reg   *registry.Registry // nil disables the TTL sweep (spec §4.F context lifetime end)
	cfg   Config

	mu             sync.Mutex
	callbacks      []Callback
	expireFn       ExpireFunc
	windowStart    time.Time
	windowBaseline map[string]int64
	running        bool
	stopCh         chan struct{}
	wg             sync.WaitGroup

	log *logrus.Entry
}

// New builds a Controller over alloc. stats may be nil unless cfg.Policy
// is PolicyAdaptive. reg may be nil, which disables the per-cycle TTL
// sweep (spec §4.F: TTL expiry ends a context's life the same as explicit
// delete or invalidation); when reg is non-nil, SetExpireFunc must be
// called before Start for the sweep to actually delete anything.
func New(alloc *tier.Allocator, stats *accessstats.Store, reg *registry.Registry, cfg Config) *Controller {
	cfg.applyDefaults()
	return &Controller{
		alloc:          alloc,
		stats:          stats,
		reg:            reg,
		cfg:            cfg,
		windowStart:    time.Now(),
		windowBaseline: make(map[string]int64),
		log:            logging.For("auto_tiering"),
	}
}

// OnDecision registers a callback invoked after each applied decision
// (spec §4.I: "Callbacks fire after each applied decision").
func (c *Controller) OnDecision(cb Callback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, cb)
}

// SetExpireFunc wires the deletion logic the TTL sweep calls for every
// context whose TTL has elapsed. Must be called before Start; a nil reg
// passed to New makes this a no-op.
func (c *Controller) SetExpireFunc(fn ExpireFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireFn = fn
}

// Start begins the background ticking loop.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	c.wg.Add(1)
	go c.loop()
}

// Stop ends the background loop and waits for the in-flight cycle, if
// any, to finish.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	c.mu.Unlock()

	c.wg.Wait()
}

func (c *Controller) loop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.RunOnce(time.Now())
		}
	}
}

// RunOnce executes a single tiering cycle (spec §4.I's five numbered
// steps) and returns every decision applied. Exported so callers (and
// tests) can drive a cycle deterministically instead of waiting on the
// ticker.
func (c *Controller) RunOnce(now time.Time) []TieringDecision {
	c.mu.Lock()
	if now.Sub(c.windowStart) >= c.cfg.HotThreshold {
		c.resetWindowLocked(now)
	}
	callbacks := append([]Callback(nil), c.callbacks...)
	c.mu.Unlock()

	var decisions []TieringDecision

	for _, t := range []tier.Tier{tier.Hot, tier.Warm, tier.Cold} {
		for _, occ := range c.alloc.Snapshot(t) {
			recommended := c.recommendTier(now, occ, t)
			if recommended == t {
				continue
			}
			d := c.apply(occ.OwnerID, t, recommended, pickReason(t, recommended))
			decisions = append(decisions, d)
			notify(callbacks, d)
		}
	}

	decisions = append(decisions, c.enforcePressure(now, tier.Hot, c.cfg.GPUPressureThreshold, callbacks)...)
	decisions = append(decisions, c.enforcePressure(now, tier.Warm, c.cfg.CPUPressureThreshold, callbacks)...)

	decisions = append(decisions, c.sweepExpired(now, callbacks)...)

	return decisions
}

// sweepExpired implements the TTL portion of spec §4.F's context lifetime:
// every registry entry whose TTL has elapsed as of now is deleted via the
// caller-supplied ExpireFunc, once per cycle alongside the rest of the
// controller's tiering decisions (SPEC_FULL.md's "no separate timer"
// decision — the sweep rides the existing check_interval tick).
func (c *Controller) sweepExpired(now time.Time, callbacks []Callback) []TieringDecision {
	if c.reg == nil {
		return nil
	}
	c.mu.Lock()
	expireFn := c.expireFn
	c.mu.Unlock()
	if expireFn == nil {
		return nil
	}

	var decisions []TieringDecision
	for _, entries := range c.reg.Snapshot() {
		for _, e := range entries {
			if !e.Expired(now) {
				continue
			}
			err := expireFn(e.ContextID)
			d := TieringDecision{ContextID: e.ContextID, Reason: ReasonExpired, At: now, Err: err}
			if err != nil {
				c.log.WithError(err).WithField("context_id", e.ContextID).Warn("ttl sweep failed to delete expired context")
			} else {
				c.log.WithField("context_id", e.ContextID).Info("ttl sweep deleted expired context")
			}
			decisions = append(decisions, d)
			notify(callbacks, d)
		}
	}
	return decisions
}

func pickReason(from, to tier.Tier) Reason {
	if to < from {
		return ReasonPromoted
	}
	return ReasonDemotedIdle
}

func (c *Controller) resetWindowLocked(now time.Time) {
	baseline := make(map[string]int64, len(c.windowBaseline))
	for _, t := range []tier.Tier{tier.Hot, tier.Warm, tier.Cold} {
		for _, occ := range c.alloc.Snapshot(t) {
			baseline[occ.OwnerID] = occ.AccessCount
		}
	}
	c.windowBaseline = baseline
	c.windowStart = now
}

// recommendTier implements spec §4.I step 2 under the controller's
// configured policy.
func (c *Controller) recommendTier(now time.Time, occ tier.Occupant, current tier.Tier) tier.Tier {
	idle := now.Sub(occ.LastAccessed)

	switch c.cfg.Policy {
	case PolicyAccessFrequency:
		c.mu.Lock()
		windowCount := occ.AccessCount - c.windowBaseline[occ.OwnerID]
		c.mu.Unlock()
		if windowCount >= c.cfg.HotAccessCount {
			return tier.Hot
		}
		if idle <= c.cfg.WarmThreshold {
			return tier.Warm
		}
		return tier.Cold

	case PolicyAdaptive:
		if c.stats != nil {
			if recent, err := c.stats.RecentAccessCount(occ.OwnerID, c.cfg.HotThreshold); err == nil && recent >= c.cfg.HotAccessCount {
				return tier.Hot
			}
		}
		fallthrough

	case PolicyRecency:
		fallthrough

	default:
		if idle <= c.cfg.HotThreshold {
			return tier.Hot
		}
		if idle <= c.cfg.WarmThreshold {
			return tier.Warm
		}
		return tier.Cold
	}
}

// apply moves owner from `from` to `to` via the allocator and builds the
// resulting decision record, applying the tier population caps as a
// refusal rather than a silent skip when promoting into a full tier.
func (c *Controller) apply(owner string, from, to tier.Tier, reason Reason) TieringDecision {
	d := TieringDecision{ContextID: owner, FromTier: from, ToTier: to, Reason: reason, At: time.Now()}

	if to < from && c.tierAtCapacity(to) {
		d.Err = errTierFull(to)
		c.log.WithField("context_id", owner).WithField("tier", to.String()).Warn("promotion skipped, target tier at population cap")
		return d
	}

	var err error
	if to < from {
		_, err = c.alloc.Promote(owner, to)
	} else {
		_, err = c.alloc.Demote(owner, to)
	}
	d.Err = err
	if err != nil {
		c.log.WithError(err).WithField("context_id", owner).Warn("tiering decision failed to apply")
	}
	return d
}

func (c *Controller) tierAtCapacity(t tier.Tier) bool {
	cap := 0
	switch t {
	case tier.Hot:
		cap = c.cfg.MaxHotPopulation
	case tier.Warm:
		cap = c.cfg.MaxWarmPopulation
	}
	if cap <= 0 {
		return false
	}
	return len(c.alloc.Snapshot(t)) >= cap
}

// enforcePressure implements spec §4.I step 5: if t's utilization
// exceeds threshold, emergency-demote its coldest occupants (by the
// controller's policy-equivalent victim ranking) until TargetUtilization
// is reached.
func (c *Controller) enforcePressure(now time.Time, t tier.Tier, threshold float64, callbacks []Callback) []TieringDecision {
	if threshold <= 0 || c.alloc.Utilization(t) <= threshold {
		return nil
	}
	target := t + 1
	if target > tier.Cold {
		return nil
	}

	occupants := c.alloc.Snapshot(t)
	capacity := c.alloc.Capacity(t)
	over := c.alloc.Utilization(t) - c.cfg.TargetUtilization
	if over <= 0 {
		return nil
	}
	bytesNeeded := int64(over * float64(capacity))

	victims := victimPolicy(c.cfg.Policy).SelectVictims(occupants, bytesNeeded)

	var decisions []TieringDecision
	for _, owner := range victims {
		d := c.apply(owner, t, target, ReasonEmergencyDemotion)
		decisions = append(decisions, d)
		notify(callbacks, d)
		if c.alloc.Utilization(t) <= c.cfg.TargetUtilization {
			break
		}
	}
	return decisions
}

// victimPolicy maps the controller's scoring policy to the equivalent
// tier.Policy for emergency-demotion victim selection (spec §4.I: "by the
// same policy").
func victimPolicy(p Policy) tier.Policy {
	switch p {
	case PolicyAccessFrequency:
		return tier.LFU()
	default:
		return tier.LRU()
	}
}

func notify(callbacks []Callback, d TieringDecision) {
	for _, cb := range callbacks {
		cb(d)
	}
}

type tierFullError struct{ t tier.Tier }

func (e tierFullError) Error() string {
	return "tiering: target tier at population cap: " + e.t.String()
}

func errTierFull(t tier.Tier) error { return tierFullError{t: t} }
