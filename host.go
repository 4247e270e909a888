package veil

import (
	"github.com/df-mc/dragonfly/server/block/cube"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
)

// Location identifies a point inside a named world.
type Location struct {
	World string
	Pos   mgl64.Vec3
}

// BlockY returns the block column the location's Y coordinate falls into.
func (l Location) BlockY() int {
	return blockY(l.Pos.Y())
}

// Viewer is the plugin's view of a single connected player. Implementations are
// provided by the host integration and must be safe for concurrent use: packet
// callbacks read viewers from the packet library's worker goroutines.
type Viewer interface {
	// UUID returns the stable session identifier of the player.
	UUID() uuid.UUID
	// Name returns the player's display name.
	Name() string
	// Position returns the player's last known position.
	Position() mgl64.Vec3
	// World returns the name of the world the player is currently in.
	World() string
	// ChunkRadius returns the view radius, in chunks, requested by the client.
	ChunkRadius() int32
}

// EntityHandle identifies a server-side entity across execution contexts. A
// handle may outlive the entity it points to; Retired reports whether the
// entity has been removed from its world, in which case work scheduled against
// it is dropped.
type EntityHandle interface {
	// RuntimeID returns the id under which the entity is announced to clients.
	RuntimeID() uint64
	// Location returns the entity's current location. The second return value
	// is false if the entity is no longer part of a world.
	Location() (Location, bool)
	// Retired reports whether the entity has been removed.
	Retired() bool
}

// Host is the narrow surface of the game server that the plugin calls back
// into. Everything behind it is owned by the host runtime; the plugin never
// mutates world or entity state except through these operations, and always
// from the execution context the Executor dispatched it to.
type Host interface {
	// Viewer returns the connected player with the given id, if online.
	Viewer(id uuid.UUID) (Viewer, bool)
	// Entity returns the entity handle of the connected player with the given
	// id, if online.
	Entity(id uuid.UUID) (EntityHandle, bool)
	// WorldRange returns the vertical block range of the named world.
	WorldRange(world string) (cube.Range, bool)
	// ChunkLoaded reports whether the chunk at the given chunk coordinates is
	// currently loaded in the named world.
	ChunkLoaded(world string, x, z int32) bool
	// HideEntity suppresses one entity client-side for one viewer.
	HideEntity(viewer uuid.UUID, entity uint64)
	// ShowEntity reverses a previous HideEntity call.
	ShowEntity(viewer uuid.UUID, entity uint64)
	// RefreshChunks resends the chunks within radius chunks around the viewer.
	RefreshChunks(viewer uuid.UUID, radius int32)
	// RefreshEntities re-announces entities around the viewer. Required after a
	// player leaves protection: entities removed client-side do not reappear on
	// their own.
	RefreshEntities(viewer uuid.UUID, radius int32)
	// Teleport moves an entity to dst. Callers must not invoke this directly
	// and instead route through Executor.TeleportSafely, which dispatches to
	// the execution context owning the destination.
	Teleport(e EntityHandle, dst Location) error
}
