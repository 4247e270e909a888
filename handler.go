package veil

import (
	"github.com/df-mc/dragonfly/server/block/cube"
	"github.com/df-mc/dragonfly/server/player"
	"github.com/df-mc/dragonfly/server/world"
	"github.com/go-gl/mathgl/mgl64"
)

// PlayerHandler bridges player events into the protection state machine.
// Install one per player on join; all other events fall through to the
// embedded no-op handler.
type PlayerHandler struct {
	player.NopHandler
	plugin *Plugin
}

// NewPlayerHandler creates the per-player event bridge.
func NewPlayerHandler(pl *Plugin) *PlayerHandler {
	return &PlayerHandler{plugin: pl}
}

var _ player.Handler = (*PlayerHandler)(nil)

// HandleMove feeds movement into the state machine.
func (h *PlayerHandler) HandleMove(ctx *player.Context, newPos mgl64.Vec3, _ cube.Rotation) {
	if v, ok := h.plugin.host.Viewer(ctx.Val().UUID()); ok {
		h.plugin.tracker.HandleMove(v, newPos)
	}
}

// HandleTeleport intercepts upward teleports into the protected zone. An
// intercepted teleport is cancelled here and re-issued by the state machine
// after the configured delay.
func (h *PlayerHandler) HandleTeleport(ctx *player.Context, pos mgl64.Vec3) {
	p := ctx.Val()
	v, ok := h.plugin.host.Viewer(p.UUID())
	if !ok {
		return
	}
	e, ok := h.plugin.host.Entity(p.UUID())
	if !ok {
		return
	}
	if h.plugin.tracker.HandleTeleport(v, e, pos) {
		ctx.Cancel()
	}
}

// HandleChangeWorld retracks the player in the destination world.
func (h *PlayerHandler) HandleChangeWorld(p *player.Player, _, after *world.World) {
	if v, ok := h.plugin.host.Viewer(p.UUID()); ok {
		h.plugin.tracker.HandleWorldChange(v, after.Name())
	}
}

// HandleQuit releases all per-player state.
func (h *PlayerHandler) HandleQuit(p *player.Player) {
	h.plugin.tracker.HandleQuit(p.UUID())
}
