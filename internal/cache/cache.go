// Package cache keeps hot terminal entities in memory with per-band TTLs,
// access-count driven hot promotion and class-prioritised eviction. Keyed
// by terminal MAC; capacity-bounded.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/dtufleet/uartcenter/internal/entity"
	"github.com/dtufleet/uartcenter/internal/model"
)

const (
	// MaxEntries bounds the cache; inserts beyond it evict.
	MaxEntries = 1000

	ttlOnlinePesiv = 10 * time.Minute
	ttlOfflineCold = 5 * time.Minute
	ttlOfflineHot  = 30 * time.Minute

	sweepInterval = time.Minute

	// decayAfter halves accessCount per elapsed unit of idle time.
	decayAfter = time.Hour

	// hotWindow and hotThreshold define the promotion predicate: at least
	// hotThreshold accesses inside hotWindow, or the equivalent per-second
	// rate once the entry is older than the window.
	hotWindow    = time.Minute
	hotThreshold = 5
)

// Band names for stats.
const (
	BandOnlineStandard = "online-standard"
	BandOnlinePesiv    = "online-pesiv"
	BandOfflineCold    = "offline-cold"
	BandOfflineHot     = "offline-hot"
)

type item struct {
	ent         *entity.Entity
	expiresAt   time.Time // zero means never (online-standard)
	accessCount int
	lastAccess  time.Time
	addedAt     time.Time
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Size           int
	Hits           uint64
	Misses         uint64
	Evictions      uint64
	HitRate        float64
	AvgAccessCount float64
	Bands          map[string]int
}

// Cache is the multi-tier terminal cache.
type Cache struct {
	log hclog.Logger
	now func() time.Time

	mu        sync.Mutex
	items     map[string]*item
	hits      uint64
	misses    uint64
	evictions uint64
}

// New creates an empty cache.
func New(log hclog.Logger) *Cache {
	return &Cache{
		log:   log.Named("cache"),
		now:   time.Now,
		items: make(map[string]*item),
	}
}

// band classifies a terminal snapshot for TTL purposes. hot only matters
// for offline terminals.
func band(t *model.Terminal, hot bool) string {
	switch {
	case t.Online && !t.IsPesiv():
		return BandOnlineStandard
	case t.Online:
		return BandOnlinePesiv
	case hot:
		return BandOfflineHot
	default:
		return BandOfflineCold
	}
}

func (c *Cache) ttlFor(bandName string, now time.Time) time.Time {
	switch bandName {
	case BandOnlineStandard:
		return time.Time{}
	case BandOnlinePesiv:
		return now.Add(ttlOnlinePesiv)
	case BandOfflineHot:
		return now.Add(ttlOfflineHot)
	default:
		return now.Add(ttlOfflineCold)
	}
}

// isHot evaluates the promotion predicate. Caller holds c.mu.
func isHot(it *item, now time.Time) bool {
	age := now.Sub(it.addedAt)
	if age < hotWindow {
		return it.accessCount >= hotThreshold
	}
	rate := float64(it.accessCount) / age.Seconds()
	return rate > float64(hotThreshold)/hotWindow.Seconds()
}

// Get returns the cached entity for mac, or nil on miss. A hit refreshes
// access bookkeeping, applies idle decay, and may promote an offline entry
// to the hot band.
func (c *Cache) Get(mac string) *entity.Entity {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.items[mac]
	if !ok {
		c.misses++
		return nil
	}
	if !it.expiresAt.IsZero() && now.After(it.expiresAt) {
		delete(c.items, mac)
		c.misses++
		return nil
	}

	// Idle decay: halve the access count per full hour idle, floor 1.
	if idle := now.Sub(it.lastAccess); idle > decayAfter {
		k := int(idle / decayAfter)
		n := it.accessCount >> k
		if n < 1 {
			n = 1
		}
		it.accessCount = n
	}

	it.accessCount++
	it.lastAccess = now
	c.hits++

	snap := it.ent.Snapshot()
	if !snap.Online && !it.expiresAt.IsZero() && isHot(it, now) {
		it.expiresAt = now.Add(ttlOfflineHot)
	}
	return it.ent
}

// Set inserts or replaces the entry for mac, evicting if at capacity.
func (c *Cache) Set(mac string, ent *entity.Entity) {
	now := c.now()
	snap := ent.Snapshot()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[mac]; !exists && len(c.items) >= MaxEntries {
		c.evictLocked()
	}
	c.items[mac] = &item{
		ent:         ent,
		expiresAt:   c.ttlFor(band(&snap, false), now),
		accessCount: 1,
		lastAccess:  now,
		addedAt:     now,
	}
}

// evictLocked removes one victim. Class priority: any offline entry, then
// online pesiv-variant entries, then anything; within a class the stalest
// lastAccess loses.
func (c *Cache) evictLocked() {
	var victim string
	best := 4
	var bestAccess time.Time

	for mac, it := range c.items {
		snap := it.ent.Snapshot()
		class := 3
		switch {
		case !snap.Online:
			class = 1
		case snap.IsPesiv():
			class = 2
		}
		if class < best || (class == best && it.lastAccess.Before(bestAccess)) {
			best = class
			bestAccess = it.lastAccess
			victim = mac
		}
	}
	if victim != "" {
		delete(c.items, victim)
		c.evictions++
		c.log.Debug("evicted terminal", "mac", victim, "class", best)
	}
}

// OnTerminalOnline re-derives the entry's band after an online transition.
func (c *Cache) OnTerminalOnline(mac string) {
	c.rederive(mac)
}

// OnTerminalOffline re-derives the entry's band after an offline
// transition; entries that satisfy the hot predicate keep the long TTL.
func (c *Cache) OnTerminalOffline(mac string) {
	c.rederive(mac)
}

func (c *Cache) rederive(mac string) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[mac]
	if !ok {
		return
	}
	snap := it.ent.Snapshot()
	it.expiresAt = c.ttlFor(band(&snap, isHot(it, now)), now)
}

// Invalidate removes a single entry.
func (c *Cache) Invalidate(mac string) {
	c.mu.Lock()
	delete(c.items, mac)
	c.mu.Unlock()
}

// InvalidateByNode removes every entry whose terminal mounts on node.
func (c *Cache) InvalidateByNode(node string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for mac, it := range c.items {
		if it.ent.Snapshot().MountNode == node {
			delete(c.items, mac)
		}
	}
}

// Sweep deletes every TTL-expired entry. Entries without a TTL are never
// touched here.
func (c *Cache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for mac, it := range c.items {
		if !it.expiresAt.IsZero() && now.After(it.expiresAt) {
			delete(c.items, mac)
			removed++
		}
	}
	return removed
}

// Run drives the periodic expiry sweep until ctx is cancelled.
func (c *Cache) Run(ctx context.Context) {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := c.Sweep(); n > 0 {
				c.log.Debug("swept expired terminals", "count", n)
			}
		}
	}
}

// Warmup loads all online terminals through loader and installs them.
// Intended to run once at startup.
func (c *Cache) Warmup(ctx context.Context, loader func(context.Context) ([]*entity.Entity, error)) error {
	ents, err := loader(ctx)
	if err != nil {
		return err
	}
	for _, e := range ents {
		c.Set(e.Mac(), e)
	}
	c.log.Info("cache warmed", "terminals", len(ents))
	return nil
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns counters and a per-band census of current entries.
func (c *Cache) Stats() Stats {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Size:      len(c.items),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Bands:     map[string]int{},
	}
	total := 0
	for _, it := range c.items {
		total += it.accessCount
		snap := it.ent.Snapshot()
		s.Bands[band(&snap, isHot(it, now))]++
	}
	if len(c.items) > 0 {
		s.AvgAccessCount = float64(total) / float64(len(c.items))
	}
	if c.hits+c.misses > 0 {
		s.HitRate = float64(c.hits) / float64(c.hits+c.misses)
	}
	return s
}
