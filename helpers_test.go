package veil

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/df-mc/dragonfly/server/block/cube"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig returns a snapshot matching the defaults, without touching the
// block registry. Tests that exercise the chunk codec resolve runtime ids
// themselves.
func testConfig() Config {
	return Config{
		Enabled:              true,
		ProtectionY:          31,
		HideBelowY:           30,
		Worlds:               makeSet([]string{"world"}),
		HiddenEntityTypes:    makeSet([]string{"minecraft:zombie", playerEntityType}),
		HideChunks:           true,
		HideEntities:         true,
		ImmediateRefresh:     false,
		RefreshCooldown:      10 * time.Second,
		CacheEnabled:         true,
		DecisionTTL:          200 * time.Millisecond,
		MaxDecisions:         1000,
		PlayerMetaTTL:        100 * time.Millisecond,
		ChunkMetaTTL:         5 * time.Minute,
		EntityPositionTTL:    30 * time.Second,
		BedrockOptimizations: true,
		RadiusReduction:      2,
		MinRadius:            4,
		NamePrefix:           ".",
		RefreshLimit:         rate.Inf,
		RefreshBurst:         1,
	}
}

func confPtr(c Config) *atomic.Pointer[Config] {
	p := &atomic.Pointer[Config]{}
	p.Store(&c)
	return p
}

type fakeViewer struct {
	id     uuid.UUID
	name   string
	pos    mgl64.Vec3
	world  string
	radius int32
}

func (v *fakeViewer) UUID() uuid.UUID      { return v.id }
func (v *fakeViewer) Name() string         { return v.name }
func (v *fakeViewer) Position() mgl64.Vec3 { return v.pos }
func (v *fakeViewer) World() string        { return v.world }
func (v *fakeViewer) ChunkRadius() int32   { return v.radius }

func newFakeViewer(name, world string, y float64) *fakeViewer {
	return &fakeViewer{id: uuid.New(), name: name, world: world, pos: mgl64.Vec3{0, y, 0}, radius: 8}
}

type fakeEntity struct {
	rid     uint64
	loc     Location
	hasLoc  bool
	retired atomic.Bool
}

func (e *fakeEntity) RuntimeID() uint64 { return e.rid }
func (e *fakeEntity) Location() (Location, bool) {
	if e.retired.Load() || !e.hasLoc {
		return Location{}, false
	}
	return e.loc, true
}
func (e *fakeEntity) Retired() bool { return e.retired.Load() }

// fakeHost records every callback the plugin makes.
type fakeHost struct {
	mu       sync.Mutex
	viewers  map[uuid.UUID]Viewer
	entities map[uuid.UUID]EntityHandle
	r        cube.Range

	hidden          []uint64
	shown           []uint64
	chunkRefreshes  int
	entityRefreshes int
	teleports       []Location
	teleportErr     error
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		viewers:  make(map[uuid.UUID]Viewer),
		entities: make(map[uuid.UUID]EntityHandle),
		r:        cube.Range{-64, 319},
	}
}

func (h *fakeHost) addViewer(v Viewer) {
	h.mu.Lock()
	h.viewers[v.UUID()] = v
	h.mu.Unlock()
}

func (h *fakeHost) Viewer(id uuid.UUID) (Viewer, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.viewers[id]
	return v, ok
}

func (h *fakeHost) Entity(id uuid.UUID) (EntityHandle, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entities[id]
	return e, ok
}

func (h *fakeHost) WorldRange(string) (cube.Range, bool) { return h.r, true }

func (h *fakeHost) ChunkLoaded(string, int32, int32) bool { return true }

func (h *fakeHost) HideEntity(_ uuid.UUID, entity uint64) {
	h.mu.Lock()
	h.hidden = append(h.hidden, entity)
	h.mu.Unlock()
}

func (h *fakeHost) ShowEntity(_ uuid.UUID, entity uint64) {
	h.mu.Lock()
	h.shown = append(h.shown, entity)
	h.mu.Unlock()
}

func (h *fakeHost) RefreshChunks(uuid.UUID, int32) {
	h.mu.Lock()
	h.chunkRefreshes++
	h.mu.Unlock()
}

func (h *fakeHost) RefreshEntities(uuid.UUID, int32) {
	h.mu.Lock()
	h.entityRefreshes++
	h.mu.Unlock()
}

func (h *fakeHost) Teleport(_ EntityHandle, dst Location) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.teleportErr != nil {
		return h.teleportErr
	}
	h.teleports = append(h.teleports, dst)
	return nil
}

func (h *fakeHost) counts() (chunks, entities int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.chunkRefreshes, h.entityRefreshes
}

// inlineExecutor runs all work synchronously and ignores delays, making state
// machine tests deterministic.
type inlineExecutor struct {
	host Host
}

type inlineRegion struct{}

func (inlineRegion) Owns(Location) bool           { return true }
func (inlineRegion) OwnsEntity(EntityHandle) bool { return true }

func (e inlineExecutor) Run(fn func(Region)) Task {
	fn(inlineRegion{})
	return nopTask{}
}

func (e inlineExecutor) RunAt(_ Location, fn func(Region)) Task { return e.Run(fn) }

func (e inlineExecutor) RunLater(_ time.Duration, fn func(Region)) Task { return e.Run(fn) }

func (e inlineExecutor) RunLaterAt(_ Location, _ time.Duration, fn func(Region)) Task {
	return e.Run(fn)
}

func (e inlineExecutor) RunRepeating(time.Duration, func(Region)) Task { return nopTask{} }

func (e inlineExecutor) RunOnEntity(h EntityHandle, fn func(Region), retired func()) Task {
	if h.Retired() {
		if retired != nil {
			retired()
		}
		return nopTask{}
	}
	return e.Run(fn)
}

func (e inlineExecutor) RunOnEntityLater(h EntityHandle, _ time.Duration, fn func(Region), retired func()) Task {
	return e.RunOnEntity(h, fn, retired)
}

func (e inlineExecutor) RunAsync(fn func()) Task {
	fn()
	return nopTask{}
}

func (e inlineExecutor) TeleportSafely(h EntityHandle, dst Location) <-chan error {
	result := make(chan error, 1)
	if h.Retired() {
		result <- ErrEntityRetired
		return result
	}
	result <- e.host.Teleport(h, dst)
	return result
}

func (e inlineExecutor) Close() {}
