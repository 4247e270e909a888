package veil

import (
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
)

func newTestTracker(t *testing.T) (*Tracker, *fakeHost, *VisibilityCache) {
	t.Helper()
	conf := confPtr(testConfig())
	cache := NewVisibilityCache(conf, testLogger())
	t.Cleanup(cache.Close)
	host := newFakeHost()
	det := NewBedrockDetector(conf, Capabilities{}, testLogger())
	tr := NewTracker(conf, cache, det, inlineExecutor{host: host}, host, testLogger())
	return tr, host, cache
}

func TestJoinStates(t *testing.T) {
	tr, host, _ := newTestTracker(t)

	surface := newFakeViewer("alice", "world", 40)
	host.addViewer(surface)
	tr.HandleJoin(surface)
	if !tr.Protected(surface.UUID()) {
		t.Errorf("player at y=40 not protected")
	}

	miner := newFakeViewer("bob", "world", 20)
	host.addViewer(miner)
	tr.HandleJoin(miner)
	if tr.Protected(miner.UUID()) {
		t.Errorf("player at y=20 protected")
	}

	elsewhere := newFakeViewer("carol", "nether", 40)
	host.addViewer(elsewhere)
	tr.HandleJoin(elsewhere)
	if tr.Protected(elsewhere.UUID()) {
		t.Errorf("player in untracked world protected")
	}
}

func TestMoveCrossings(t *testing.T) {
	tr, host, _ := newTestTracker(t)
	v := newFakeViewer("alice", "world", 20)
	host.addViewer(v)
	tr.HandleJoin(v)

	tr.HandleMove(v, mgl64.Vec3{0, 32, 0})
	if !tr.Protected(v.UUID()) {
		t.Fatalf("crossing up did not protect")
	}
	chunks, entities := host.counts()
	if chunks != 1 || entities != 0 {
		t.Fatalf("after protecting: %v chunk, %v entity refreshes", chunks, entities)
	}

	tr.HandleMove(v, mgl64.Vec3{0, 30, 0})
	if tr.Protected(v.UUID()) {
		t.Fatalf("crossing down did not unprotect")
	}
	chunks, entities = host.counts()
	if chunks != 2 || entities != 1 {
		t.Fatalf("after unprotecting: %v chunk, %v entity refreshes", chunks, entities)
	}

	// Staying below the level causes no further work.
	tr.HandleMove(v, mgl64.Vec3{0, 10, 0})
	chunks, entities = host.counts()
	if chunks != 2 || entities != 1 {
		t.Fatalf("movement below the level triggered refreshes")
	}
}

func TestMoveWithinBlockLevel(t *testing.T) {
	tr, host, _ := newTestTracker(t)
	v := newFakeViewer("alice", "world", 20.2)
	host.addViewer(v)
	tr.HandleJoin(v)

	tr.HandleMove(v, mgl64.Vec3{0, 20.8, 0})
	if chunks, entities := host.counts(); chunks != 0 || entities != 0 {
		t.Fatalf("sub-block movement triggered refreshes")
	}
	if tr.Protected(v.UUID()) {
		t.Fatalf("sub-block movement changed state")
	}
}

func TestProtectRefreshCooldown(t *testing.T) {
	tr, host, _ := newTestTracker(t)
	v := newFakeViewer("alice", "world", 20)
	host.addViewer(v)
	tr.HandleJoin(v)

	tr.HandleMove(v, mgl64.Vec3{0, 32, 0})
	tr.HandleMove(v, mgl64.Vec3{0, 30, 0})
	tr.HandleMove(v, mgl64.Vec3{0, 32, 0})

	// The second protect transition falls inside the refresh cooldown: only
	// the first protect and the unprotect resend chunks.
	if chunks, _ := host.counts(); chunks != 2 {
		t.Fatalf("chunk refreshes = %v, want 2", chunks)
	}
}

func TestTeleportInterception(t *testing.T) {
	tr, host, _ := newTestTracker(t)
	v := newFakeViewer("alice", "world", 20)
	host.addViewer(v)
	tr.HandleJoin(v)
	e := &fakeEntity{rid: 1, loc: Location{World: "world", Pos: v.Position()}, hasLoc: true}

	dst := mgl64.Vec3{0, 100, 0}
	if !tr.HandleTeleport(v, e, dst) {
		t.Fatalf("upward teleport into protection not intercepted")
	}
	host.mu.Lock()
	teleported := len(host.teleports) == 1 && host.teleports[0].Pos == dst
	host.mu.Unlock()
	if !teleported {
		t.Fatalf("intercepted teleport not re-issued")
	}
	if !tr.Protected(v.UUID()) {
		t.Fatalf("player not protected after re-issued teleport")
	}

	// Downward teleports of a protected player pass.
	if tr.HandleTeleport(v, e, mgl64.Vec3{0, 10, 0}) {
		t.Fatalf("downward teleport intercepted")
	}
}

func TestTeleportInterceptionSingleContext(t *testing.T) {
	// The re-issued teleport runs on the same serialized context that executes
	// the delayed task; the task must not wait for it in place, or the context
	// wedges and no scheduled work ever runs again.
	conf := confPtr(testConfig())
	cache := NewVisibilityCache(conf, testLogger())
	t.Cleanup(cache.Close)
	host := newFakeHost()
	det := NewBedrockDetector(conf, Capabilities{}, testLogger())
	exec := NewExecutor(Capabilities{}, host, testLogger())
	t.Cleanup(exec.Close)
	tr := NewTracker(conf, cache, det, exec, host, testLogger())

	v := newFakeViewer("alice", "world", 20)
	host.addViewer(v)
	tr.HandleJoin(v)
	e := &fakeEntity{rid: 1, loc: Location{World: "world", Pos: v.Position()}, hasLoc: true}

	if !tr.HandleTeleport(v, e, mgl64.Vec3{0, 100, 0}) {
		t.Fatalf("upward teleport into protection not intercepted")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		host.mu.Lock()
		landed := len(host.teleports) == 1
		host.mu.Unlock()
		if landed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("re-issued teleport never reached the host")
		}
		time.Sleep(time.Millisecond)
	}

	// The context must stay serviceable after the teleport resolves.
	done := make(chan struct{})
	exec.Run(func(Region) { close(done) })
	waitFor(t, done, "work scheduled after the teleport")
}

func TestTeleportUntrackedWorld(t *testing.T) {
	tr, host, _ := newTestTracker(t)
	v := newFakeViewer("alice", "nether", 20)
	host.addViewer(v)
	e := &fakeEntity{rid: 1, hasLoc: true}
	if tr.HandleTeleport(v, e, mgl64.Vec3{0, 100, 0}) {
		t.Fatalf("teleport in untracked world intercepted")
	}
}

func TestQuitCleansUp(t *testing.T) {
	tr, host, cache := newTestTracker(t)
	v := newFakeViewer("alice", "world", 40)
	host.addViewer(v)
	tr.HandleJoin(v)
	cache.MarkHidden(v.UUID(), 9)

	tr.HandleQuit(v.UUID())
	if tr.Protected(v.UUID()) {
		t.Errorf("player still protected after quit")
	}
	if cache.IsHidden(v.UUID(), 9) {
		t.Errorf("hidden marker survived quit")
	}
}

func TestWorldChange(t *testing.T) {
	tr, host, cache := newTestTracker(t)
	v := newFakeViewer("alice", "world", 40)
	host.addViewer(v)
	tr.HandleJoin(v)
	cache.MarkHidden(v.UUID(), 9)

	v.world = "nether"
	tr.HandleWorldChange(v, "nether")
	if tr.Protected(v.UUID()) {
		t.Errorf("player tracked in untracked world")
	}
	host.mu.Lock()
	shown := len(host.shown) == 1 && host.shown[0] == 9
	host.mu.Unlock()
	if !shown {
		t.Errorf("suppressed entity not revealed on world change")
	}

	v.world = "world"
	tr.HandleWorldChange(v, "world")
	if !tr.Protected(v.UUID()) {
		t.Errorf("player at y=40 not protected after returning")
	}
}

func TestWorldRemovalUntracksPlayers(t *testing.T) {
	conf := confPtr(testConfig())
	cache := NewVisibilityCache(conf, testLogger())
	t.Cleanup(cache.Close)
	host := newFakeHost()
	det := NewBedrockDetector(conf, Capabilities{}, testLogger())
	tr := NewTracker(conf, cache, det, inlineExecutor{host: host}, host, testLogger())

	v := newFakeViewer("alice", "world", 40)
	host.addViewer(v)
	tr.HandleJoin(v)
	cache.MarkHidden(v.UUID(), 9)
	if !cache.ShouldHide(v.UUID(), 10) {
		t.Fatalf("content not hidden for a protected player")
	}

	c := testConfig()
	c.Worlds = makeSet([]string{"lobby"})
	conf.Store(&c)
	tr.ApplyConfig(&c)

	if tr.Protected(v.UUID()) {
		t.Fatalf("player still protected after the world left the tracked set")
	}
	if cache.ShouldHide(v.UUID(), 10) {
		t.Fatalf("content still hidden after the world left the tracked set")
	}
	host.mu.Lock()
	shown := len(host.shown) == 1 && host.shown[0] == 9
	host.mu.Unlock()
	if !shown {
		t.Fatalf("suppressed entity not revealed on untracking")
	}
	if chunks, entities := host.counts(); chunks < 2 || entities == 0 {
		t.Fatalf("view not restored after untracking: %v chunk, %v entity refreshes", chunks, entities)
	}
}

func TestMoveInUntrackedWorldUntracks(t *testing.T) {
	conf := confPtr(testConfig())
	cache := NewVisibilityCache(conf, testLogger())
	t.Cleanup(cache.Close)
	host := newFakeHost()
	det := NewBedrockDetector(conf, Capabilities{}, testLogger())
	tr := NewTracker(conf, cache, det, inlineExecutor{host: host}, host, testLogger())

	v := newFakeViewer("alice", "world", 40)
	host.addViewer(v)
	tr.HandleJoin(v)
	cache.MarkHidden(v.UUID(), 9)

	// The tracked set changes under the player; the next movement must drop
	// the stale entry and restore the view.
	c := testConfig()
	c.Worlds = makeSet([]string{"lobby"})
	conf.Store(&c)
	tr.HandleMove(v, mgl64.Vec3{0, 41, 0})

	if tr.Protected(v.UUID()) {
		t.Fatalf("player still protected after moving in an untracked world")
	}
	if cache.ShouldHide(v.UUID(), 10) {
		t.Fatalf("content still hidden after moving in an untracked world")
	}
	host.mu.Lock()
	shown := len(host.shown) == 1 && host.shown[0] == 9
	host.mu.Unlock()
	if !shown {
		t.Fatalf("suppressed entity not revealed on untracking")
	}
}

func TestChunkRefreshDeduped(t *testing.T) {
	c := testConfig()
	c.RefreshCooldown = 0
	conf := confPtr(c)
	cache := NewVisibilityCache(conf, testLogger())
	t.Cleanup(cache.Close)
	host := newFakeHost()
	det := NewBedrockDetector(conf, Capabilities{}, testLogger())
	tr := NewTracker(conf, cache, det, inlineExecutor{host: host}, host, testLogger())

	v := newFakeViewer("alice", "world", 40)
	host.addViewer(v)
	tr.HandleJoin(v)
	if chunks, _ := host.counts(); chunks != 1 {
		t.Fatalf("chunk refreshes after join = %v, want 1", chunks)
	}

	// A second refresh for the same chunk without a state transition is
	// coalesced even with no cooldown configured.
	tr.HandleJoin(v)
	if chunks, _ := host.counts(); chunks != 1 {
		t.Fatalf("redundant refresh not coalesced: %v chunk refreshes", chunks)
	}

	// A transition drops the marker; the restoring refresh must run.
	tr.HandleMove(v, mgl64.Vec3{0, 20, 0})
	if chunks, _ := host.counts(); chunks != 2 {
		t.Fatalf("restore refresh coalesced away: %v chunk refreshes", chunks)
	}
}
