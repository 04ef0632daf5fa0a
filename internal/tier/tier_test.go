package tier

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/snapllm/snapllm/internal/snaperr"
)

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	a, err := New(Config{
		GPUBytes:          256,
		RAMBytes:          1024,
		DiskBytes:         4096,
		DiskDir:           t.TempDir(),
		TargetUtilization: 0.7,
		Policy:            LRU(),
	})
	require.NoError(t, err)
	return a
}

func bytesOf(n int, fill byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = fill
	}
	return b
}

func TestAllocateWithinCapacity(t *testing.T) {
	a := newTestAllocator(t)
	data := bytesOf(64, 0xAB)

	blk, err := a.Allocate(64, Hot, "ctx-1", data)
	require.NoError(t, err)
	require.Equal(t, Hot, blk.Tier)
	require.Equal(t, int64(64), a.Used(Hot))

	got, ok := a.Read("ctx-1")
	require.True(t, ok)
	require.Equal(t, data, got)
}

func TestAllocateFallsThroughOnPressure(t *testing.T) {
	a := newTestAllocator(t)

	// Fill hot tier with an owner that will never be touched again.
	_, err := a.Allocate(200, Hot, "filler", bytesOf(200, 0x01))
	require.NoError(t, err)

	// 300 bytes exceeds hot's 256-byte capacity outright, so even after
	// evicting everything it cannot fit; it must fall through to warm.
	blk, err := a.Allocate(300, Hot, "overflow", bytesOf(300, 0x02))
	require.NoError(t, err)
	require.Equal(t, Warm, blk.Tier)
}

func TestAllocateFailsWhenEvenSlowestTierIsFull(t *testing.T) {
	a := newTestAllocator(t)

	// A request bigger than cold's entire capacity cannot fit even once
	// cold is evicted down to empty, so it must fail outright.
	_, err := a.Allocate(5000, Cold, "too-big", bytesOf(5000, 0x04))
	require.Error(t, err)
	require.Equal(t, snaperr.OutOfSpace, snaperr.KindOf(err))
}

func TestEvictionPicksLRUVictim(t *testing.T) {
	a := newTestAllocator(t)

	_, err := a.Allocate(100, Hot, "old", bytesOf(100, 0x10))
	require.NoError(t, err)
	_, err = a.Allocate(60, Hot, "new", bytesOf(60, 0x20))
	require.NoError(t, err)

	a.RecordAccess("new") // keep "new" warm so only "old" is a candidate

	freed := a.Evict(90, Hot)
	require.GreaterOrEqual(t, freed, int64(90))

	_, ok := a.Read("old")
	require.False(t, ok, "LRU victim should have been evicted")
	_, ok = a.Read("new")
	require.True(t, ok, "recently accessed owner should survive eviction")
}

func TestPromoteDemoteRoundTrip(t *testing.T) {
	a := newTestAllocator(t)
	data := bytesOf(128, 0x42)

	_, err := a.Allocate(128, Cold, "ctx-2", data)
	require.NoError(t, err)

	promoted, err := a.Promote("ctx-2", Hot)
	require.NoError(t, err)
	require.Equal(t, Hot, promoted.Tier)

	got, ok := a.Read("ctx-2")
	require.True(t, ok)
	require.Equal(t, data, got, "promote must preserve bytes exactly")

	tr, ok := a.GetTier("ctx-2")
	require.True(t, ok)
	require.Equal(t, Hot, tr)

	demoted, err := a.Demote("ctx-2", Cold)
	require.NoError(t, err)
	require.Equal(t, Cold, demoted.Tier)

	got, ok = a.Read("ctx-2")
	require.True(t, ok)
	require.Equal(t, data, got, "demote must preserve bytes exactly")
}

func TestPromoteRejectsWrongDirection(t *testing.T) {
	a := newTestAllocator(t)
	_, err := a.Allocate(32, Hot, "ctx-3", bytesOf(32, 0x01))
	require.NoError(t, err)

	_, err = a.Promote("ctx-3", Cold)
	require.Error(t, err)
	require.Equal(t, snaperr.InvalidArgument, snaperr.KindOf(err))
}

func TestDeallocateOwnerFreesAllTiers(t *testing.T) {
	a := newTestAllocator(t)
	_, err := a.Allocate(32, Hot, "multi", bytesOf(32, 0x01))
	require.NoError(t, err)

	a.DeallocateOwner("multi")
	_, ok := a.GetTier("multi")
	require.False(t, ok)
	require.Equal(t, int64(0), a.Used(Hot))
}

// preEvictCapture records every eviction it is offered and always takes
// ownership, simulating the Context Manager's "persist before eviction"
// subscriber (spec §4.A pre-eviction hook).
type preEvictCapture struct {
	evicted map[string][]byte
}

func (p *preEvictCapture) PreEvict(owner string, _ Tier, data []byte) bool {
	if p.evicted == nil {
		p.evicted = make(map[string][]byte)
	}
	cp := append([]byte(nil), data...)
	p.evicted[owner] = cp
	return true
}

func TestSubscriberIsNotifiedBeforeEviction(t *testing.T) {
	a := newTestAllocator(t)
	sub := &preEvictCapture{}
	a.Subscribe(sub)

	data := bytesOf(200, 0x77)
	_, err := a.Allocate(200, Hot, "victim", data)
	require.NoError(t, err)

	a.Evict(200, Hot)

	got, ok := sub.evicted["victim"]
	require.True(t, ok, "subscriber should have observed the eviction")
	require.Equal(t, data, got)
}

func TestPolicyByNameDefaultsToLRU(t *testing.T) {
	require.Equal(t, "lru", PolicyByName("bogus").Name())
	require.Equal(t, "lfu", PolicyByName("lfu").Name())
	require.Equal(t, "fifo", PolicyByName("fifo").Name())
	require.Equal(t, "size_weighted_lru", PolicyByName("size_weighted_lru").Name())
}

func TestDeallocateUnknownOwnerErrors(t *testing.T) {
	a := newTestAllocator(t)
	err := a.Deallocate(Block{Tier: Hot, OwnerID: "ghost", Size: 1})
	require.Error(t, err)
	require.True(t, errors.Is(err, snaperr.Sentinel(snaperr.NotFound)))
}
