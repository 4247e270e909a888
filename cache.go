package veil

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ttlMap is a size-bounded cache with per-entry expiry and hit/miss counters.
// Entries are immutable values replaced wholesale on update, so readers never
// observe a torn record. TTL and size limits are read through functions so a
// configuration reload applies without rebuilding the map.
type ttlMap[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]ttlEntry[V]

	// ttl returns the expiry window for new entries. A zero duration means
	// entries never expire and are removed only by explicit invalidation.
	ttl func() time.Duration
	// max returns the size bound. Zero means unbounded.
	max func() int
	// idle makes reads push the expiry forward (expire on idle access).
	idle bool

	hits   atomic.Uint64
	misses atomic.Uint64
}

type ttlEntry[V any] struct {
	value     V
	expiresAt int64 // unix millis, 0 = no expiry
}

func newTTLMap[K comparable, V any](ttl func() time.Duration, max func() int, idle bool) *ttlMap[K, V] {
	return &ttlMap[K, V]{
		entries: make(map[K]ttlEntry[V]),
		ttl:     ttl,
		max:     max,
		idle:    idle,
	}
}

func fixedTTL(d time.Duration) func() time.Duration {
	return func() time.Duration { return d }
}

func noLimit() int { return 0 }

func (m *ttlMap[K, V]) expiry() int64 {
	d := m.ttl()
	if d <= 0 {
		return 0
	}
	return time.Now().Add(d).UnixMilli()
}

// get returns the cached value for k if present and not expired.
func (m *ttlMap[K, V]) get(k K) (V, bool) {
	m.mu.RLock()
	e, ok := m.entries[k]
	m.mu.RUnlock()

	now := time.Now().UnixMilli()
	if !ok || (e.expiresAt != 0 && now >= e.expiresAt) {
		if ok {
			m.mu.Lock()
			// Re-check under the write lock: the entry may have been replaced.
			if cur, still := m.entries[k]; still && cur.expiresAt != 0 && now >= cur.expiresAt {
				delete(m.entries, k)
			}
			m.mu.Unlock()
		}
		m.misses.Add(1)
		var zero V
		return zero, false
	}

	if m.idle {
		if exp := m.expiry(); exp != 0 {
			m.mu.Lock()
			if cur, still := m.entries[k]; still {
				cur.expiresAt = exp
				m.entries[k] = cur
			}
			m.mu.Unlock()
		}
	}
	m.hits.Add(1)
	return e.value, true
}

// peek is get without touching the hit/miss counters or the idle timer.
func (m *ttlMap[K, V]) peek(k K) (V, bool) {
	m.mu.RLock()
	e, ok := m.entries[k]
	m.mu.RUnlock()
	if !ok || (e.expiresAt != 0 && time.Now().UnixMilli() >= e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// set stores v under k, evicting entries if the size bound is exceeded.
func (m *ttlMap[K, V]) set(k K, v V) {
	exp := m.expiry()
	m.mu.Lock()
	defer m.mu.Unlock()

	if max := m.max(); max > 0 && len(m.entries) >= max {
		if _, exists := m.entries[k]; !exists {
			m.evictLocked(max)
		}
	}
	m.entries[k] = ttlEntry[V]{value: v, expiresAt: exp}
}

// evictLocked removes expired entries and, if the map is still at the bound,
// arbitrary ones. The cache is a memoization layer, so dropping any entry is
// always safe. Caller must hold the write lock.
func (m *ttlMap[K, V]) evictLocked(max int) {
	now := time.Now().UnixMilli()
	for k, e := range m.entries {
		if e.expiresAt != 0 && now >= e.expiresAt {
			delete(m.entries, k)
		}
	}
	for k := range m.entries {
		if len(m.entries) < max {
			break
		}
		delete(m.entries, k)
	}
}

func (m *ttlMap[K, V]) delete(k K) {
	m.mu.Lock()
	delete(m.entries, k)
	m.mu.Unlock()
}

// deleteFunc removes all entries for which pred returns true.
func (m *ttlMap[K, V]) deleteFunc(pred func(K, V) bool) {
	m.mu.Lock()
	for k, e := range m.entries {
		if pred(k, e.value) {
			delete(m.entries, k)
		}
	}
	m.mu.Unlock()
}

func (m *ttlMap[K, V]) purge() {
	m.mu.Lock()
	clear(m.entries)
	m.mu.Unlock()
}

func (m *ttlMap[K, V]) len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// sweep removes expired entries. Called periodically by the cache janitor.
func (m *ttlMap[K, V]) sweep(now int64) {
	m.mu.Lock()
	for k, e := range m.entries {
		if e.expiresAt != 0 && now >= e.expiresAt {
			delete(m.entries, k)
		}
	}
	m.mu.Unlock()
}

// stats returns the hit/miss counters and current entry count.
func (m *ttlMap[K, V]) stats() CacheStats {
	return CacheStats{
		Hits:    m.hits.Load(),
		Misses:  m.misses.Load(),
		Entries: m.len(),
	}
}

// decisionKey keys the visibility decision cache by player and block level.
type decisionKey struct {
	player uuid.UUID
	y      int
}

// chunkKey identifies a chunk column in a named world.
type chunkKey struct {
	world string
	x, z  int32
}

// refreshKey keys the refresh dedupe tier by player and chunk column.
type refreshKey struct {
	player uuid.UUID
	chunk  chunkKey
}

// PlayerMeta is a short-lived snapshot of fast-changing player facts, written
// on every movement and read by the refresh paths right after.
type PlayerMeta struct {
	World  string
	Y      float64
	ChunkX int32
	ChunkZ int32
}

// ChunkMeta is a read-through snapshot of world chunk facts.
type ChunkMeta struct {
	Loaded bool
	MinY   int
	MaxY   int
}

// EntityRecord is the last observed type and vertical position of an entity,
// keyed by its runtime id. Updates are idempotent last-writer-wins.
type EntityRecord struct {
	Type string
	Y    float64
}

// VisibilityCache is the multi-tier decision cache. It memoizes per-player
// visibility decisions and carries the supporting caches the packet listeners
// and state machine consult on every outgoing packet.
//
// The cache is never authoritative: every decision is recomputable from the
// protection state and the configuration snapshot, and any lookup failure
// degrades to "do not hide".
type VisibilityCache struct {
	conf *atomic.Pointer[Config]
	log  *slog.Logger

	// protectedFn resolves the authoritative protection state for a player.
	// Installed once during wiring, before any packet is processed.
	protectedFn func(uuid.UUID) bool

	decisions  *ttlMap[decisionKey, bool]
	playerMeta *ttlMap[uuid.UUID, PlayerMeta]
	chunkMeta  *ttlMap[chunkKey, ChunkMeta]
	entityPos  *ttlMap[uint64, EntityRecord]
	hidden     *ttlMap[uuid.UUID, set[uint64]]
	cooldowns  *ttlMap[uuid.UUID, time.Time]
	dedupe     *ttlMap[refreshKey, struct{}]

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewVisibilityCache creates the cache tiers and starts the janitor that
// sweeps expired entries.
func NewVisibilityCache(conf *atomic.Pointer[Config], log *slog.Logger) *VisibilityCache {
	ttlOf := func(pick func(*Config) time.Duration, fallback time.Duration) func() time.Duration {
		return func() time.Duration {
			if c := conf.Load(); c != nil && pick(c) > 0 {
				return pick(c)
			}
			return fallback
		}
	}
	c := &VisibilityCache{
		conf: conf,
		log:  log,
		decisions: newTTLMap[decisionKey, bool](
			ttlOf(func(c *Config) time.Duration { return c.DecisionTTL }, 200*time.Millisecond),
			func() int {
				if c := conf.Load(); c != nil && c.MaxDecisions > 0 {
					return c.MaxDecisions
				}
				return 50000
			}, false),
		playerMeta: newTTLMap[uuid.UUID, PlayerMeta](
			ttlOf(func(c *Config) time.Duration { return c.PlayerMetaTTL }, 100*time.Millisecond), noLimit, false),
		chunkMeta: newTTLMap[chunkKey, ChunkMeta](
			ttlOf(func(c *Config) time.Duration { return c.ChunkMetaTTL }, 5*time.Minute), noLimit, true),
		entityPos: newTTLMap[uint64, EntityRecord](
			ttlOf(func(c *Config) time.Duration { return c.EntityPositionTTL }, 30*time.Second), noLimit, false),
		hidden:      newTTLMap[uuid.UUID, set[uint64]](fixedTTL(5*time.Minute), noLimit, true),
		cooldowns:   newTTLMap[uuid.UUID, time.Time](fixedTTL(time.Minute), noLimit, false),
		dedupe:      newTTLMap[refreshKey, struct{}](fixedTTL(500*time.Millisecond), noLimit, false),
		stopCleanup: make(chan struct{}),
	}
	go c.cleanupLoop(10 * time.Second)
	return c
}

// BindProtection installs the authoritative protection state lookup. Must be
// called during wiring, before packets flow.
func (c *VisibilityCache) BindProtection(fn func(uuid.UUID) bool) {
	c.protectedFn = fn
}

// ShouldHide reports whether content at the given block level must be hidden
// from the player. The answer always matches a fresh recomputation within one
// decision TTL window. With RAM caching disabled the recomputation runs on
// every call; correctness never depends on the cache.
func (c *VisibilityCache) ShouldHide(player uuid.UUID, blockY int) bool {
	conf := c.conf.Load()
	if conf == nil || !conf.Enabled {
		return false
	}
	if !conf.CacheEnabled {
		return c.compute(conf, player, blockY)
	}
	key := decisionKey{player: player, y: blockY}
	if v, ok := c.decisions.get(key); ok {
		return v
	}
	v := c.compute(conf, player, blockY)
	c.decisions.set(key, v)
	return v
}

// compute is the authoritative decision rule.
func (c *VisibilityCache) compute(conf *Config, player uuid.UUID, blockY int) bool {
	if c.protectedFn == nil || !c.protectedFn(player) {
		return false
	}
	return blockY <= conf.HideBelowY
}

// RecordEntity stores the type and position of an entity observed in a spawn
// packet.
func (c *VisibilityCache) RecordEntity(rid uint64, typ string, y float64) {
	c.entityPos.set(rid, EntityRecord{Type: typ, Y: y})
}

// MoveEntity updates the recorded position of a previously seen entity. It is
// a no-op for unknown ids: only spawn packets establish knowledge.
func (c *VisibilityCache) MoveEntity(rid uint64, y float64) (EntityRecord, bool) {
	rec, ok := c.entityPos.peek(rid)
	if !ok {
		return EntityRecord{}, false
	}
	rec = EntityRecord{Type: rec.Type, Y: y}
	c.entityPos.set(rid, rec)
	return rec, true
}

// Entity returns the last recorded state of an entity.
func (c *VisibilityCache) Entity(rid uint64) (EntityRecord, bool) {
	return c.entityPos.get(rid)
}

// ForgetEntity drops the record of an entity that was removed from the world.
func (c *VisibilityCache) ForgetEntity(rid uint64) {
	c.entityPos.delete(rid)
}

// MarkHidden records that an entity is suppressed for a player. It returns
// false if the entity was already marked, letting callers avoid duplicate
// hide calls.
func (c *VisibilityCache) MarkHidden(player uuid.UUID, rid uint64) bool {
	s, _ := c.hidden.peek(player)
	if s.contains(rid) {
		return false
	}
	c.hidden.set(player, s.with(rid))
	return true
}

// UnmarkHidden removes the suppression marker. It returns false if the entity
// was not marked.
func (c *VisibilityCache) UnmarkHidden(player uuid.UUID, rid uint64) bool {
	s, _ := c.hidden.peek(player)
	if !s.contains(rid) {
		return false
	}
	c.hidden.set(player, s.without(rid))
	return true
}

// IsHidden reports whether an entity is currently suppressed for a player.
func (c *VisibilityCache) IsHidden(player uuid.UUID, rid uint64) bool {
	s, _ := c.hidden.peek(player)
	return s.contains(rid)
}

// HiddenEntities returns the entities currently suppressed for a player.
func (c *VisibilityCache) HiddenEntities(player uuid.UUID) []uint64 {
	s, _ := c.hidden.peek(player)
	return s.values()
}

// SetPlayerMeta stores a short-lived player snapshot.
func (c *VisibilityCache) SetPlayerMeta(player uuid.UUID, meta PlayerMeta) {
	c.playerMeta.set(player, meta)
}

// PlayerMeta returns the cached player snapshot, if fresh.
func (c *VisibilityCache) PlayerMeta(player uuid.UUID) (PlayerMeta, bool) {
	return c.playerMeta.get(player)
}

// ChunkMeta returns chunk facts for the given chunk, loading them through
// fetch on a miss.
func (c *VisibilityCache) ChunkMeta(world string, x, z int32, fetch func() ChunkMeta) ChunkMeta {
	key := chunkKey{world: world, x: x, z: z}
	if meta, ok := c.chunkMeta.get(key); ok {
		return meta
	}
	meta := fetch()
	c.chunkMeta.set(key, meta)
	return meta
}

// RefreshAllowed reports whether a full view refresh may run for the player
// given the configured cooldown, and records the refresh time if so.
func (c *VisibilityCache) RefreshAllowed(player uuid.UUID, cooldown time.Duration) bool {
	if last, ok := c.cooldowns.peek(player); ok && time.Since(last) < cooldown {
		return false
	}
	c.cooldowns.set(player, time.Now())
	return true
}

// ChunkSeen coalesces redundant refresh work: the first call for a player and
// chunk within the dedupe window returns false, later ones true.
func (c *VisibilityCache) ChunkSeen(player uuid.UUID, world string, x, z int32) bool {
	key := refreshKey{player: player, chunk: chunkKey{world: world, x: x, z: z}}
	if _, ok := c.dedupe.peek(key); ok {
		return true
	}
	c.dedupe.set(key, struct{}{})
	return false
}

// InvalidateDecisions drops the cached decisions of one player, forcing the
// next lookups to recompute. Called on every protection state transition.
func (c *VisibilityCache) InvalidateDecisions(player uuid.UUID) {
	c.decisions.deleteFunc(func(k decisionKey, _ bool) bool { return k.player == player })
	// A transition changes what a refresh would send, so a pending refresh
	// marker from the previous state must not coalesce the next one away.
	c.dedupe.deleteFunc(func(k refreshKey, _ struct{}) bool { return k.player == player })
}

// InvalidatePlayer removes every per-player entry. Called on disconnect; a
// later lookup for the id behaves as first ever seen.
func (c *VisibilityCache) InvalidatePlayer(player uuid.UUID) {
	c.InvalidateDecisions(player)
	c.playerMeta.delete(player)
	c.hidden.delete(player)
	c.cooldowns.delete(player)
}

// InvalidateAll empties every tier. Called on reload and on shutdown.
func (c *VisibilityCache) InvalidateAll() {
	c.decisions.purge()
	c.playerMeta.purge()
	c.chunkMeta.purge()
	c.entityPos.purge()
	c.hidden.purge()
	c.cooldowns.purge()
	c.dedupe.purge()
}

// cleanupLoop periodically sweeps expired entries from all tiers.
func (c *VisibilityCache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCleanup:
			return
		case now := <-ticker.C:
			ms := now.UnixMilli()
			c.decisions.sweep(ms)
			c.playerMeta.sweep(ms)
			c.chunkMeta.sweep(ms)
			c.entityPos.sweep(ms)
			c.hidden.sweep(ms)
			c.cooldowns.sweep(ms)
			c.dedupe.sweep(ms)
		}
	}
}

// Close stops the janitor and empties the cache.
func (c *VisibilityCache) Close() {
	c.stopOnce.Do(func() {
		close(c.stopCleanup)
	})
	c.InvalidateAll()
}
