// Package fusion merges battery readings from all probes into one
// authoritative value per accessory identity. Sources disagree routinely
// (a stale preferences entry against a fresh live read) and the cache
// resolves this with a monotonic-max rule within each refresh cycle: the
// higher number wins, which in practice tracks "most recently observed
// while charging was not yet reflected everywhere". That is an acknowledged
// heuristic, not a correctness guarantee.
package fusion

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/batfuse/internal/identity"
	"github.com/srg/batfuse/internal/probe"
)

// Cache is the process-wide fusion cache: battery level by normalized
// address and by normalized name. Entries are never deleted; staleness is
// handled by periodic re-fetch, since a stale reading beats no answer when
// sources disagree transiently.
type Cache struct {
	probes      []probe.BatteryProbe
	minInterval time.Duration
	logger      *logrus.Logger

	mu          sync.RWMutex
	byAddress   map[identity.Key]int
	byName      map[identity.Key]int
	lastRefresh time.Time

	refreshing atomic.Bool

	// missing dedupes "no battery source" logging per identity; an entry is
	// cleared the moment any source yields a value for that identity.
	missing *hashmap.Map[identity.Key, struct{}]
}

// NewCache builds a cache over the given probes. minInterval bounds how
// often a non-forced refresh cycle may run.
func NewCache(probes []probe.BatteryProbe, minInterval time.Duration, logger *logrus.Logger) *Cache {
	if logger == nil {
		logger = logrus.New()
	}
	return &Cache{
		probes:      probes,
		minInterval: minInterval,
		logger:      logger,
		byAddress:   make(map[identity.Key]int),
		byName:      make(map[identity.Key]int),
		missing:     hashmap.New[identity.Key, struct{}](),
	}
}

// Lookup returns the fused battery level for an identity, preferring the
// address key. Empty keys never match.
func (c *Cache) Lookup(addrKey, nameKey identity.Key) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !addrKey.IsZero() {
		if lvl, ok := c.byAddress[addrKey]; ok {
			return lvl, true
		}
	}
	if !nameKey.IsZero() {
		if lvl, ok := c.byName[nameKey]; ok {
			return lvl, true
		}
	}
	return 0, false
}

// Store merges a single reading into the cache, used for live protocol
// results that arrive between refresh cycles. The within-cycle merge rule
// applies: an existing higher value is kept.
func (c *Cache) Store(addrKey, nameKey identity.Key, level int) {
	c.mu.Lock()
	if !addrKey.IsZero() {
		if cur, ok := c.byAddress[addrKey]; !ok || level > cur {
			c.byAddress[addrKey] = level
		}
	}
	if !nameKey.IsZero() {
		if cur, ok := c.byName[nameKey]; !ok || level > cur {
			c.byName[nameKey] = level
		}
	}
	c.mu.Unlock()

	c.clearMissing(addrKey, nameKey)
}

// Refresh runs one fusion cycle: every probe is collected into scratch maps
// which are then swapped in atomically, so readers never observe a
// half-merged cycle. A cycle is skipped when the previous one completed
// less than the minimum interval ago, unless forced. Single-flight: a
// concurrent call while a cycle is running is a no-op. Returns whether a
// cycle actually ran.
func (c *Cache) Refresh(ctx context.Context, force bool) bool {
	if !c.refreshing.CompareAndSwap(false, true) {
		c.logger.Debug("Refresh cycle already in flight, skipping")
		return false
	}
	defer c.refreshing.Store(false)

	c.mu.RLock()
	last := c.lastRefresh
	c.mu.RUnlock()

	if !force && !last.IsZero() && time.Since(last) < c.minInterval {
		c.logger.WithField("since_last", time.Since(last)).Debug("Refresh interval not elapsed, skipping cycle")
		return false
	}

	scratchAddr := make(map[identity.Key]int)
	scratchName := make(map[identity.Key]int)

	for _, p := range c.probes {
		snap, err := p.Collect(ctx)
		if err != nil {
			// One fewer source this cycle; the next cycle retries.
			c.logger.WithError(err).WithField("probe", p.Name()).Debug("Battery probe yielded nothing")
			continue
		}
		mergeLevels(scratchAddr, snap.ByAddress)
		mergeLevels(scratchName, snap.ByName)
	}

	c.mu.Lock()
	// Carry forward identities no source mentioned this cycle: entries are
	// never deleted, while identities that were re-reported take the fresh
	// value even when it is lower than before.
	for k, v := range c.byAddress {
		if _, ok := scratchAddr[k]; !ok {
			scratchAddr[k] = v
		}
	}
	for k, v := range c.byName {
		if _, ok := scratchName[k]; !ok {
			scratchName[k] = v
		}
	}
	c.byAddress = scratchAddr
	c.byName = scratchName
	c.lastRefresh = time.Now()
	c.mu.Unlock()

	for k := range scratchAddr {
		c.missing.Del(k)
	}
	for k := range scratchName {
		c.missing.Del(k)
	}

	c.logger.WithFields(logrus.Fields{
		"by_address": len(scratchAddr),
		"by_name":    len(scratchName),
	}).Debug("Battery fusion cycle completed")
	return true
}

// NoteMissing records that no source answered for an identity. Returns true
// the first time the identity is recorded so the caller can log exactly
// once; subsequent calls for the same identity return false until a source
// succeeds and clears it.
func (c *Cache) NoteMissing(addrKey, nameKey identity.Key) bool {
	noted := false
	if !addrKey.IsZero() && c.missing.Insert(addrKey, struct{}{}) {
		noted = true
	}
	if !nameKey.IsZero() && c.missing.Insert(nameKey, struct{}{}) {
		noted = true
	}
	return noted
}

func (c *Cache) clearMissing(keys ...identity.Key) {
	for _, k := range keys {
		if !k.IsZero() {
			c.missing.Del(k)
		}
	}
}

// mergeLevels applies the cross-source merge rule: insert when absent,
// replace only when the new value is greater.
func mergeLevels(dst, src map[identity.Key]int) {
	for k, v := range src {
		if cur, ok := dst[k]; !ok || v > cur {
			dst[k] = v
		}
	}
}
