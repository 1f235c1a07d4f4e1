package fusion

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/batfuse/internal/identity"
	"github.com/srg/batfuse/internal/probe"
)

// stubProbe serves a fixed snapshot and counts collections.
type stubProbe struct {
	name  string
	snap  *probe.Snapshot
	calls atomic.Int32
	block chan struct{} // when set, Collect waits until closed
}

func (s *stubProbe) Name() string { return s.name }

func (s *stubProbe) Collect(context.Context) (*probe.Snapshot, error) {
	s.calls.Add(1)
	if s.block != nil {
		<-s.block
	}
	if s.snap == nil {
		return probe.NewSnapshot(), nil
	}
	return s.snap, nil
}

func snapWith(nameKey identity.Key, pct int) *probe.Snapshot {
	snap := probe.NewSnapshot()
	snap.Add(probe.Reading{NameKey: nameKey, Percent: pct})
	return snap
}

func TestMergeLevels_MonotonicWithinCycle(t *testing.T) {
	dst := map[identity.Key]int{}

	mergeLevels(dst, map[identity.Key]int{"k": 40})
	mergeLevels(dst, map[identity.Key]int{"k": 85})
	assert.Equal(t, 85, dst["k"])

	dst = map[identity.Key]int{}
	mergeLevels(dst, map[identity.Key]int{"k": 85})
	mergeLevels(dst, map[identity.Key]int{"k": 40})
	assert.Equal(t, 85, dst["k"])
}

func TestCacheRefresh_FusesAllProbes(t *testing.T) {
	cache := NewCache([]probe.BatteryProbe{
		&stubProbe{name: "a", snap: snapWith("buds", 40)},
		&stubProbe{name: "b", snap: snapWith("buds", 85)},
		&stubProbe{name: "c", snap: snapWith("speaker", 30)},
	}, 0, nil)

	require.True(t, cache.Refresh(context.Background(), false))

	lvl, ok := cache.Lookup("", "buds")
	require.True(t, ok)
	assert.Equal(t, 85, lvl)

	lvl, ok = cache.Lookup("", "speaker")
	require.True(t, ok)
	assert.Equal(t, 30, lvl)
}

func TestCacheRefresh_MinIntervalSkipsUnlessForced(t *testing.T) {
	p := &stubProbe{name: "a", snap: snapWith("buds", 50)}
	cache := NewCache([]probe.BatteryProbe{p}, time.Hour, nil)

	require.True(t, cache.Refresh(context.Background(), false))
	assert.False(t, cache.Refresh(context.Background(), false), "second cycle inside the interval must be skipped")
	assert.Equal(t, int32(1), p.calls.Load())

	assert.True(t, cache.Refresh(context.Background(), true), "forced cycle always runs")
	assert.Equal(t, int32(2), p.calls.Load())
}

func TestCacheRefresh_SingleFlight(t *testing.T) {
	block := make(chan struct{})
	p := &stubProbe{name: "slow", snap: snapWith("buds", 70), block: block}
	cache := NewCache([]probe.BatteryProbe{p}, 0, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		cache.Refresh(context.Background(), true)
	}()

	// Wait for the first cycle to be inside Collect, then issue a second
	// request: it must be a no-op, not a queued second cycle.
	require.Eventually(t, func() bool { return p.calls.Load() == 1 }, time.Second, time.Millisecond)
	assert.False(t, cache.Refresh(context.Background(), true))

	close(block)
	wg.Wait()
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestCacheRefresh_ValuesDropAcrossCycles(t *testing.T) {
	p := &stubProbe{name: "a", snap: snapWith("buds", 90)}
	cache := NewCache([]probe.BatteryProbe{p}, 0, nil)

	require.True(t, cache.Refresh(context.Background(), true))

	// Battery drained between cycles: the fresh lower value replaces the
	// old one because max-merge applies within a cycle, not across time.
	p.snap = snapWith("buds", 60)
	require.True(t, cache.Refresh(context.Background(), true))

	lvl, ok := cache.Lookup("", "buds")
	require.True(t, ok)
	assert.Equal(t, 60, lvl)
}

func TestCacheRefresh_CarriesForwardSilentIdentities(t *testing.T) {
	p := &stubProbe{name: "a", snap: snapWith("buds", 90)}
	cache := NewCache([]probe.BatteryProbe{p}, 0, nil)
	require.True(t, cache.Refresh(context.Background(), true))

	// Source goes silent about the device; the entry survives.
	p.snap = probe.NewSnapshot()
	require.True(t, cache.Refresh(context.Background(), true))

	lvl, ok := cache.Lookup("", "buds")
	require.True(t, ok)
	assert.Equal(t, 90, lvl)
}

func TestCacheStore_AndLookupPrefersAddress(t *testing.T) {
	cache := NewCache(nil, 0, nil)
	cache.Store("aabbcc", "buds", 55)
	cache.Store("", "buds", 99)

	lvl, ok := cache.Lookup("aabbcc", "buds")
	require.True(t, ok)
	assert.Equal(t, 55, lvl, "address entry wins over name entry")

	lvl, ok = cache.Lookup("", "buds")
	require.True(t, ok)
	assert.Equal(t, 99, lvl)

	_, ok = cache.Lookup("", "")
	assert.False(t, ok, "empty keys never match")
}

func TestCacheNoteMissing_DedupedUntilSourceSucceeds(t *testing.T) {
	cache := NewCache(nil, 0, nil)

	assert.True(t, cache.NoteMissing("aabbcc", "buds"))
	assert.False(t, cache.NoteMissing("aabbcc", "buds"), "second note for the same identity is suppressed")

	// Any successful source clears the suppression.
	cache.Store("aabbcc", "buds", 42)
	assert.True(t, cache.NoteMissing("aabbcc", "buds"))
}
