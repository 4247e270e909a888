package veil

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// playerState is the tracked protection state of one online player. Fields are
// guarded by mu; the state machine may be driven from movement callbacks and
// scheduled refreshes at once.
type playerState struct {
	mu sync.Mutex

	world      string
	protected  bool
	lastBlockY int
}

// Tracker drives the per-player protection state machine. A player is
// protected while at or above the configured protection level in a tracked
// world; crossing the level in either direction transitions the state and
// triggers the matching view refresh. All decisions are made on whole block
// levels, so sub-block movement never causes churn.
type Tracker struct {
	conf     *atomic.Pointer[Config]
	cache    *VisibilityCache
	detector *BedrockDetector
	exec     Executor
	host     Host
	log      *slog.Logger

	// players maps player id -> *playerState for everyone in a tracked world.
	players sync.Map

	// limiter caps chunk refresh work across all players.
	limiter *rate.Limiter
}

// NewTracker creates the state machine and installs it as the authoritative
// protection source of the visibility cache.
func NewTracker(conf *atomic.Pointer[Config], cache *VisibilityCache, detector *BedrockDetector, exec Executor, host Host, log *slog.Logger) *Tracker {
	c := conf.Load()
	t := &Tracker{
		conf:     conf,
		cache:    cache,
		detector: detector,
		exec:     exec,
		host:     host,
		log:      log,
		limiter:  rate.NewLimiter(c.RefreshLimit, c.RefreshBurst),
	}
	cache.BindProtection(t.Protected)
	return t
}

// ApplyConfig adjusts limits after a configuration change and untracks every
// player whose world is no longer covered, restoring their real view.
func (t *Tracker) ApplyConfig(c *Config) {
	t.limiter.SetLimit(c.RefreshLimit)
	t.limiter.SetBurst(c.RefreshBurst)
	t.players.Range(func(k, v any) bool {
		s := v.(*playerState)
		s.mu.Lock()
		w := s.world
		s.mu.Unlock()
		if !tracked(c, w) {
			t.untrack(k.(uuid.UUID), c)
		}
		return true
	})
}

// Protected reports whether the player is currently in the protected state.
// Unknown players are unprotected.
func (t *Tracker) Protected(id uuid.UUID) bool {
	v, ok := t.players.Load(id)
	if !ok {
		return false
	}
	s := v.(*playerState)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protected
}

// tracked reports whether the named world is covered by the configuration.
func tracked(conf *Config, world string) bool {
	return conf != nil && conf.Enabled && conf.Worlds.contains(world)
}

// HandleJoin starts tracking a player that joined a tracked world.
func (t *Tracker) HandleJoin(v Viewer) {
	conf := t.conf.Load()
	if !tracked(conf, v.World()) {
		return
	}
	y := blockY(v.Position().Y())
	s := &playerState{
		world:      v.World(),
		protected:  y >= conf.ProtectionY,
		lastBlockY: y,
	}
	t.players.Store(v.UUID(), s)
	cx, cz := chunkPos(v.Position())
	t.cache.SetPlayerMeta(v.UUID(), PlayerMeta{World: v.World(), Y: v.Position().Y(), ChunkX: cx, ChunkZ: cz})
	if conf.Debug {
		t.log.Debug("tracking player", "player", v.Name(), "world", v.World(), "protected", s.protected)
	}
	if conf.ImmediateRefresh || s.protected {
		t.scheduleProtectRefresh(v, conf)
	}
}

// HandleMove advances the state machine with a new position. Only whole block
// level crossings are considered; movement within a block level returns
// immediately.
func (t *Tracker) HandleMove(v Viewer, newPos mgl64.Vec3) {
	conf := t.conf.Load()
	if !tracked(conf, v.World()) {
		// The world may have left the tracked set since the player was
		// tracked; a stale entry would keep veiling where the plugin no
		// longer applies.
		t.untrack(v.UUID(), conf)
		return
	}
	id := v.UUID()
	val, ok := t.players.Load(id)
	if !ok {
		t.HandleJoin(v)
		return
	}
	s := val.(*playerState)

	y := blockY(newPos.Y())
	s.mu.Lock()
	if y == s.lastBlockY {
		s.mu.Unlock()
		return
	}
	s.lastBlockY = y
	wasProtected := s.protected
	nowProtected := y >= conf.ProtectionY
	s.protected = nowProtected
	s.mu.Unlock()

	cx, cz := chunkPos(newPos)
	t.cache.SetPlayerMeta(id, PlayerMeta{World: v.World(), Y: newPos.Y(), ChunkX: cx, ChunkZ: cz})
	if wasProtected == nowProtected {
		return
	}

	t.cache.InvalidateDecisions(id)
	if nowProtected {
		if conf.Debug {
			t.log.Debug("player entered protection", "player", v.Name(), "y", y)
		}
		t.scheduleProtectRefresh(v, conf)
	} else {
		if conf.Debug {
			t.log.Debug("player left protection", "player", v.Name(), "y", y)
		}
		t.scheduleUnprotectRefresh(id, conf)
	}
}

// HandleWorldChange retracks a player that moved between worlds. Leaving the
// tracked set clears all per-player markers and restores the real view so
// nothing stays suppressed in the new world.
func (t *Tracker) HandleWorldChange(v Viewer, after string) {
	conf := t.conf.Load()
	id := v.UUID()
	if !tracked(conf, after) {
		t.untrack(id, conf)
		return
	}
	y := blockY(v.Position().Y())
	s := &playerState{world: after, protected: y >= conf.ProtectionY, lastBlockY: y}
	t.players.Store(id, s)
	t.cache.InvalidateDecisions(id)
	if conf.ImmediateRefresh || s.protected {
		t.scheduleProtectRefresh(v, conf)
	}
}

// HandleTeleport decides whether a teleport must be intercepted. Only upward
// teleports of an unprotected player into the protected zone are held back:
// the client would otherwise briefly render the underground from above before
// the state transition applies. An intercepted teleport is re-issued through
// the safe teleport path after the configured delay; the caller must cancel
// the original.
func (t *Tracker) HandleTeleport(v Viewer, e EntityHandle, dst mgl64.Vec3) (intercept bool) {
	conf := t.conf.Load()
	if !tracked(conf, v.World()) {
		return false
	}
	if t.Protected(v.UUID()) {
		return false
	}
	if blockY(dst.Y()) < conf.ProtectionY {
		return false
	}

	id, name, world := v.UUID(), v.Name(), v.World()
	loc := Location{World: world, Pos: dst}
	t.exec.RunLater(conf.TeleportDelay, func(Region) {
		// Mark protected before the move lands so the first packets after the
		// teleport are already veiled.
		if val, ok := t.players.Load(id); ok {
			s := val.(*playerState)
			s.mu.Lock()
			s.protected = true
			s.lastBlockY = loc.BlockY()
			s.mu.Unlock()
			t.cache.InvalidateDecisions(id)
		}
		// The teleport executes on the context owning the destination, which
		// may be the very context running this task; waiting for the result
		// here would wedge it. Collect the outcome off-context instead.
		result := t.exec.TeleportSafely(e, loc)
		t.exec.RunAsync(func() {
			if err := <-result; err != nil {
				t.log.Error("delayed teleport failed", "player", name, "err", err)
			}
		})
	})
	if conf.Debug {
		t.log.Debug("teleport intercepted", "player", name, "y", blockY(dst.Y()))
	}
	return true
}

// HandleQuit stops tracking a disconnecting player and drops every per-player
// cache entry, so a future session with the same id starts clean.
func (t *Tracker) HandleQuit(id uuid.UUID) {
	t.players.Delete(id)
	t.cache.InvalidatePlayer(id)
	t.detector.Forget(id)
}

// scheduleProtectRefresh resends the player's view so already-delivered
// underground content disappears. Guarded by the per-player cooldown: entering
// and leaving protection in quick succession must not amplify into repeated
// full refreshes.
func (t *Tracker) scheduleProtectRefresh(v Viewer, conf *Config) {
	id := v.UUID()
	if !t.cache.RefreshAllowed(id, conf.RefreshCooldown) {
		return
	}
	radius := t.detector.OptimizedChunkRadius(id, v.Name(), v.ChunkRadius())
	t.exec.Run(func(Region) {
		cur, online := t.host.Viewer(id)
		if !online {
			return
		}
		if t.refreshSeen(id, cur) {
			return
		}
		if !t.limiter.Allow() {
			return
		}
		t.host.RefreshChunks(id, radius)
	})
}

// scheduleUnprotectRefresh restores the true view after a player leaves
// protection: suppressed entities are shown first, then the staged view
// restore resends chunks and entities.
func (t *Tracker) scheduleUnprotectRefresh(id uuid.UUID, conf *Config) {
	t.exec.Run(func(Region) {
		if _, online := t.host.Viewer(id); !online {
			return
		}
		t.revealAll(id)
	})
	t.scheduleViewRestore(id, conf)
}

// scheduleViewRestore resends the true view in stages: chunks after a short
// delay, entities after a further one. The stages are spaced out because the
// client processes the reveal packets interleaved with its own chunk
// re-requests; collapsing them produces ghost entities.
func (t *Tracker) scheduleViewRestore(id uuid.UUID, conf *Config) {
	chunkDelay := conf.ChunkRefreshDelay
	entityDelay := conf.EntityRefreshDelay

	t.exec.RunLater(chunkDelay, func(Region) {
		v, online := t.host.Viewer(id)
		if !online {
			return
		}
		if t.refreshSeen(id, v) {
			return
		}
		if !t.limiter.Allow() {
			return
		}
		t.host.RefreshChunks(id, t.detector.OptimizedChunkRadius(id, v.Name(), v.ChunkRadius()))
	})
	t.exec.RunLater(chunkDelay+entityDelay, func(Region) {
		v, online := t.host.Viewer(id)
		if !online {
			return
		}
		t.host.RefreshEntities(id, t.detector.OptimizedChunkRadius(id, v.Name(), v.ChunkRadius()))
	})
}

// refreshSeen coalesces redundant chunk refreshes: a second refresh centred on
// the same chunk within the dedupe window is dropped. The player meta tier
// serves the coordinates when fresh; otherwise they come from the live viewer.
func (t *Tracker) refreshSeen(id uuid.UUID, v Viewer) bool {
	meta, ok := t.cache.PlayerMeta(id)
	if !ok {
		cx, cz := chunkPos(v.Position())
		meta = PlayerMeta{World: v.World(), ChunkX: cx, ChunkZ: cz}
	}
	return t.cache.ChunkSeen(id, meta.World, meta.ChunkX, meta.ChunkZ)
}

// untrack stops following a player whose world left the tracked set and
// restores the real view: suppressed entities reappear and the staged restore
// resends chunks and entities. Without it the player would keep the veiled
// terrain forever.
func (t *Tracker) untrack(id uuid.UUID, conf *Config) {
	if _, was := t.players.LoadAndDelete(id); !was {
		return
	}
	t.cache.InvalidateDecisions(id)
	t.exec.Run(func(Region) {
		if _, online := t.host.Viewer(id); online {
			t.revealAll(id)
		}
		t.cache.InvalidatePlayer(id)
	})
	t.scheduleViewRestore(id, conf)
}

// revealAll shows every entity currently suppressed for the player and clears
// the markers.
func (t *Tracker) revealAll(id uuid.UUID) {
	for _, rid := range t.cache.HiddenEntities(id) {
		if t.cache.UnmarkHidden(id, rid) {
			t.host.ShowEntity(id, rid)
		}
	}
}

// TrackedPlayers returns the number of players the state machine follows.
func (t *Tracker) TrackedPlayers() int {
	n := 0
	t.players.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Close drops all tracked players.
func (t *Tracker) Close() {
	t.players.Range(func(k, _ any) bool {
		t.players.Delete(k)
		return true
	})
}
