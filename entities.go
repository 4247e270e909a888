package veil

import (
	"log/slog"
	"sync/atomic"

	"github.com/sandertv/gophertunnel/minecraft/protocol/packet"
)

// EntityListener suppresses spawn and update packets of underground entities
// for protected players. Spawns in the hidden zone are dropped and the entity
// is marked suppressed for that viewer; movement across the hide level flips
// the marker and shows or hides the entity through the host. Update packets
// for suppressed entities are dropped so the client never learns of an entity
// it was never shown.
type EntityListener struct {
	conf  *atomic.Pointer[Config]
	cache *VisibilityCache
	host  Host
	log   *slog.Logger

	entitiesHidden atomic.Uint64
}

// NewEntityListener creates the entity concealment listener.
func NewEntityListener(conf *atomic.Pointer[Config], cache *VisibilityCache, host Host, log *slog.Logger) *EntityListener {
	return &EntityListener{conf: conf, cache: cache, host: host, log: log}
}

// PacketIDs implements PacketListener.
func (l *EntityListener) PacketIDs() []uint32 {
	return []uint32{
		packet.IDAddActor, packet.IDAddPlayer, packet.IDSetActorData,
		packet.IDMoveActorAbsolute, packet.IDMoveActorDelta, packet.IDRemoveActor,
	}
}

// HandlePacket implements PacketListener.
func (l *EntityListener) HandlePacket(ctx *PacketContext, pk packet.Packet) {
	conf := l.conf.Load()
	switch p := pk.(type) {
	case *packet.AddActor:
		l.handleSpawn(ctx, conf, p.EntityRuntimeID, p.EntityType, float64(p.Position.Y()))
	case *packet.AddPlayer:
		l.handleSpawn(ctx, conf, p.EntityRuntimeID, playerEntityType, float64(p.Position.Y()))
	case *packet.SetActorData:
		l.handleUpdate(ctx, p.EntityRuntimeID)
	case *packet.MoveActorAbsolute:
		l.handleMove(ctx, conf, p.EntityRuntimeID, float64(p.Position.Y()))
	case *packet.MoveActorDelta:
		l.handleMove(ctx, conf, p.EntityRuntimeID, float64(p.Position.Y()))
	case *packet.RemoveActor:
		l.handleRemove(ctx, p.EntityUniqueID)
	}
}

// handleSpawn records the entity and decides whether the spawn reaches the
// viewer. Every spawn is recorded, even ones that pass: the position is what
// later movement decisions key off.
func (l *EntityListener) handleSpawn(ctx *PacketContext, conf *Config, rid uint64, typ string, y float64) {
	l.cache.RecordEntity(rid, typ, y)
	if !conf.HideEntities || !conf.HiddenEntityTypes.contains(typ) {
		return
	}
	v := ctx.Viewer()
	if !l.cache.ShouldHide(v.UUID(), blockY(y)) {
		return
	}
	if l.cache.MarkHidden(v.UUID(), rid) {
		l.entitiesHidden.Add(1)
		if conf.Debug {
			l.log.Debug("entity spawn suppressed", "player", v.Name(), "entity", rid, "type", typ)
		}
	}
	ctx.Cancel()
}

// handleUpdate drops metadata updates of entities suppressed for this viewer.
// Updates for unknown or visible entities pass.
func (l *EntityListener) handleUpdate(ctx *PacketContext, rid uint64) {
	if l.cache.IsHidden(ctx.Viewer().UUID(), rid) {
		ctx.Cancel()
	}
}

// handleMove advances the recorded position and flips the suppression marker
// when the entity crosses the hide level. Moves of unknown entities pass
// untouched: only a spawn establishes tracking.
func (l *EntityListener) handleMove(ctx *PacketContext, conf *Config, rid uint64, y float64) {
	rec, known := l.cache.MoveEntity(rid, y)
	if !known {
		return
	}
	v := ctx.Viewer()
	id := v.UUID()
	hidden := l.cache.IsHidden(id, rid)

	if hidden {
		// A suppressed entity surfacing must be re-announced by the host; the
		// client has no entity to apply this move to.
		if !l.cache.ShouldHide(id, blockY(y)) {
			if l.cache.UnmarkHidden(id, rid) {
				l.host.ShowEntity(id, rid)
			}
			return
		}
		ctx.Cancel()
		return
	}

	if !conf.HideEntities || !conf.HiddenEntityTypes.contains(rec.Type) {
		return
	}
	if l.cache.ShouldHide(id, blockY(y)) {
		if l.cache.MarkHidden(id, rid) {
			l.entitiesHidden.Add(1)
			l.host.HideEntity(id, rid)
		}
		ctx.Cancel()
	}
}

// handleRemove clears all bookkeeping for a despawning entity. The packet
// always passes: removing a never-shown entity is a client-side no-op.
func (l *EntityListener) handleRemove(ctx *PacketContext, uniqueID int64) {
	// The host hands out matching unique and runtime ids.
	rid := uint64(uniqueID)
	l.cache.ForgetEntity(rid)
	l.cache.UnmarkHidden(ctx.Viewer().UUID(), rid)
}

// Stats returns the listener's lifetime suppression count.
func (l *EntityListener) Stats() uint64 {
	return l.entitiesHidden.Load()
}
