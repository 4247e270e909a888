package veil

import (
	"errors"
	"hash/fnv"
	"log/slog"
	"math"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Task is a cancellable handle to scheduled work.
type Task interface {
	// Cancel prevents the work from running if it has not started yet.
	Cancel()
	// Cancelled reports whether the task was cancelled.
	Cancelled() bool
}

// Region is the execution-context token handed to dispatched work. Work may
// only mutate entity or world state the token owns; state reached indirectly
// must be checked with Owns and re-dispatched through the Executor if the
// check fails, never mutated directly.
type Region interface {
	// Owns reports whether this execution context owns the given location.
	Owns(loc Location) bool
	// OwnsEntity reports whether this execution context owns the entity.
	OwnsEntity(e EntityHandle) bool
}

// Executor runs units of work in the execution context that owns them. It
// abstracts two scheduling models behind one contract: a single global context
// serializing all work, and a spatially partitioned model where each world
// region has its own owning shard. Which model is active is decided once at
// startup from the negotiated Capabilities.
type Executor interface {
	// Run runs fn on the global execution context.
	Run(fn func(r Region)) Task
	// RunAt runs fn on the context owning loc.
	RunAt(loc Location, fn func(r Region)) Task
	// RunLater runs fn on the global context after delay.
	RunLater(delay time.Duration, fn func(r Region)) Task
	// RunLaterAt runs fn on the context owning loc after delay.
	RunLaterAt(loc Location, delay time.Duration, fn func(r Region)) Task
	// RunRepeating runs fn on the global context at a fixed interval until the
	// returned task is cancelled.
	RunRepeating(interval time.Duration, fn func(r Region)) Task
	// RunOnEntity runs fn on the context owning the entity. If the entity has
	// been retired before the work runs, fn is dropped and retired (if not
	// nil) is called instead.
	RunOnEntity(e EntityHandle, fn func(r Region), retired func()) Task
	// RunOnEntityLater is RunOnEntity after a delay.
	RunOnEntityLater(e EntityHandle, delay time.Duration, fn func(r Region), retired func()) Task
	// RunAsync runs fn off every owning context, for fire-and-forget work that
	// touches no world state.
	RunAsync(fn func()) Task
	// TeleportSafely moves the entity to dst through the context owning the
	// destination. The result channel resolves exactly once. Under the
	// partitioned model the move is inherently asynchronous; the global model
	// exposes the same contract so call sites are model-agnostic.
	TeleportSafely(e EntityHandle, dst Location) <-chan error
	// Close stops all execution contexts. Pending work is dropped.
	Close()
}

// ErrEntityRetired resolves a safe teleport whose entity was removed before
// the move could run.
var ErrEntityRetired = errors.New("veil: entity retired before task ran")

// NewExecutor picks the executor matching the negotiated capabilities.
func NewExecutor(caps Capabilities, host Host, log *slog.Logger) Executor {
	caps = caps.normalized()
	if caps.Partitioned {
		return newExecutor(caps.Regions, true, host, log)
	}
	return newExecutor(1, false, host, log)
}

// executor implements both scheduling models. With a single shard every
// context resolves to the same serialized loop; with several, locations hash
// to owning shards and a dedicated global shard carries world-agnostic work.
type executor struct {
	host Host
	log  *slog.Logger

	// partitioned selects the ownership rules. With it unset the one shard
	// owns everything.
	partitioned bool

	// shards are the region loops. global is the global-context loop; under
	// the single-threaded model it is shards[0].
	shards []*shard
	global *shard

	closed atomic.Bool
}

func newExecutor(regions int, partitioned bool, host Host, log *slog.Logger) *executor {
	e := &executor{host: host, log: log, partitioned: partitioned}
	if !partitioned {
		s := newShard(e, 0)
		e.shards = []*shard{s}
		e.global = s
		return e
	}
	e.shards = make([]*shard, regions)
	for i := range e.shards {
		e.shards[i] = newShard(e, i)
	}
	e.global = newShard(e, -1)
	return e
}

// shardFor returns the shard owning the given location.
func (e *executor) shardFor(loc Location) *shard {
	if len(e.shards) == 1 {
		return e.shards[0]
	}
	return e.shards[regionHash(loc)%uint32(len(e.shards))]
}

// regionHash buckets a location into a stable region id. Regions are 8x8
// chunk areas of a named world.
func regionHash(loc Location) uint32 {
	h := fnv.New32a()
	h.Write([]byte(loc.World))
	rx := chunkCoord(int(math.Floor(loc.Pos.X()))) >> 3
	rz := chunkCoord(int(math.Floor(loc.Pos.Z()))) >> 3
	var buf [8]byte
	buf[0], buf[1], buf[2], buf[3] = byte(rx), byte(rx>>8), byte(rx>>16), byte(rx>>24)
	buf[4], buf[5], buf[6], buf[7] = byte(rz), byte(rz>>8), byte(rz>>16), byte(rz>>24)
	h.Write(buf[:])
	return h.Sum32()
}

func (e *executor) Run(fn func(r Region)) Task {
	return e.global.schedule(time.Time{}, fn, nil, nil)
}

func (e *executor) RunAt(loc Location, fn func(r Region)) Task {
	return e.shardFor(loc).schedule(time.Time{}, fn, nil, nil)
}

func (e *executor) RunLater(delay time.Duration, fn func(r Region)) Task {
	return e.global.schedule(time.Now().Add(delay), fn, nil, nil)
}

func (e *executor) RunLaterAt(loc Location, delay time.Duration, fn func(r Region)) Task {
	return e.shardFor(loc).schedule(time.Now().Add(delay), fn, nil, nil)
}

func (e *executor) RunRepeating(interval time.Duration, fn func(r Region)) Task {
	w := &repeatingWork{interval: interval, fn: fn}
	w.shard.Store(e.global)
	e.global.schedule(time.Now().Add(interval), w.run, nil, nil)
	return w
}

// entityShard resolves the shard owning an entity through its current
// location. A retired entity resolves to the global shard, where the
// retirement callback fires.
func (e *executor) entityShard(h EntityHandle) *shard {
	if loc, ok := h.Location(); ok {
		return e.shardFor(loc)
	}
	return e.global
}

func (e *executor) RunOnEntity(h EntityHandle, fn func(r Region), retired func()) Task {
	return e.entityShard(h).schedule(time.Time{}, fn, h, retired)
}

func (e *executor) RunOnEntityLater(h EntityHandle, delay time.Duration, fn func(r Region), retired func()) Task {
	return e.entityShard(h).schedule(time.Now().Add(delay), fn, h, retired)
}

func (e *executor) RunAsync(fn func()) Task {
	t := &workItem{}
	go func() {
		defer e.recovered("async")
		if t.cancelled.Load() {
			return
		}
		fn()
	}()
	return t
}

func (e *executor) TeleportSafely(h EntityHandle, dst Location) <-chan error {
	result := make(chan error, 1)
	e.RunAt(dst, func(Region) {
		if h.Retired() {
			result <- ErrEntityRetired
			return
		}
		result <- e.host.Teleport(h, dst)
	})
	return result
}

func (e *executor) Close() {
	if e.closed.Swap(true) {
		return
	}
	for _, s := range e.shards {
		s.stop()
	}
	if e.global != e.shards[0] {
		e.global.stop()
	}
}

func (e *executor) recovered(kind string) {
	if r := recover(); r != nil {
		e.log.Error("panic in scheduled work", "kind", kind, "panic", r, "stack", string(debug.Stack()))
	}
}

// workItem is scheduled work in a shard's queue. It doubles as the task
// handle returned to callers.
type workItem struct {
	executeAt time.Time
	fn        func(Region)

	// entity, when set, gates execution: a retired entity drops the work and
	// fires the retirement callback instead.
	entity  EntityHandle
	retired func()

	cancelled atomic.Bool
	index     int
}

func (w *workItem) Cancel()         { w.cancelled.Store(true) }
func (w *workItem) Cancelled() bool { return w.cancelled.Load() }

// nopTask is the no-op handle variant, returned when there is nothing to
// cancel.
type nopTask struct{}

func (nopTask) Cancel()         {}
func (nopTask) Cancelled() bool { return false }

// repeatingWork reschedules itself on its shard after each run until
// cancelled.
type repeatingWork struct {
	interval  time.Duration
	fn        func(Region)
	shard     atomic.Pointer[shard]
	cancelled atomic.Bool
}

func (w *repeatingWork) Cancel()         { w.cancelled.Store(true) }
func (w *repeatingWork) Cancelled() bool { return w.cancelled.Load() }

func (w *repeatingWork) run(r Region) {
	if w.cancelled.Load() {
		return
	}
	w.fn(r)
	if w.cancelled.Load() {
		return
	}
	if s := w.shard.Load(); s != nil {
		s.schedule(time.Now().Add(w.interval), w.run, nil, nil)
	}
}

// shard is one execution context: a single goroutine draining a time-ordered
// work queue. Work submitted to a shard runs serialized, in execution-time
// order, which is what gives the ownership contract its meaning.
type shard struct {
	exec  *executor
	index int // -1 for the dedicated global shard under the partitioned model

	mu   sync.Mutex
	heap []*workItem

	notif    chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

func newShard(e *executor, index int) *shard {
	s := &shard{
		exec:   e,
		index:  index,
		heap:   make([]*workItem, 0, 16),
		notif:  make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go s.loop()
	return s
}

// Owns implements the Region token for work running on this shard.
func (s *shard) Owns(loc Location) bool {
	if !s.exec.partitioned {
		return true
	}
	if s.index < 0 {
		return false
	}
	return s.exec.shardFor(loc) == s
}

func (s *shard) OwnsEntity(e EntityHandle) bool {
	if !s.exec.partitioned {
		return true
	}
	loc, ok := e.Location()
	if !ok {
		return false
	}
	return s.Owns(loc)
}

// schedule enqueues work. A zero executeAt runs as soon as the shard drains
// to it.
func (s *shard) schedule(at time.Time, fn func(Region), entity EntityHandle, retired func()) Task {
	w := &workItem{executeAt: at, fn: fn, entity: entity, retired: retired}
	s.mu.Lock()
	s.push(w)
	s.mu.Unlock()

	select {
	case s.notif <- struct{}{}:
	default:
	}
	return w
}

func (s *shard) stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	<-s.doneCh
}

// loop drains the queue, sleeping until the next item is due.
func (s *shard) loop() {
	defer close(s.doneCh)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		now := time.Now()
		for _, w := range s.popDue(now) {
			s.execute(w)
		}

		next, ok := s.peek()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if ok {
			d := time.Until(next)
			if d < 0 {
				d = 0
			}
			timer.Reset(d)
		} else {
			timer.Reset(time.Hour)
		}

		select {
		case <-s.stopCh:
			return
		case <-s.notif:
		case <-timer.C:
		}
	}
}

// execute runs one item with panic recovery and the retirement gate.
func (s *shard) execute(w *workItem) {
	if w.cancelled.Load() {
		return
	}
	if w.entity != nil && w.entity.Retired() {
		if w.retired != nil {
			defer s.exec.recovered("retirement")
			w.retired()
		}
		return
	}
	defer s.exec.recovered("task")
	w.fn(s)
}

// popDue removes and returns all items due at now, in order.
func (s *shard) popDue(now time.Time) []*workItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*workItem
	for len(s.heap) > 0 && !s.heap[0].executeAt.After(now) {
		w := s.pop()
		if !w.cancelled.Load() {
			due = append(due, w)
		}
	}
	return due
}

// peek returns the next due time without removing. Caller need not hold the
// lock.
func (s *shard) peek() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.heap) == 0 {
		return time.Time{}, false
	}
	return s.heap[0].executeAt, true
}

// push adds an item. Caller must hold the lock.
func (s *shard) push(w *workItem) {
	w.index = len(s.heap)
	s.heap = append(s.heap, w)
	s.up(w.index)
}

// pop removes and returns the minimum item. Caller must hold the lock.
func (s *shard) pop() *workItem {
	n := len(s.heap) - 1
	s.swap(0, n)
	s.down(0, n)
	w := s.heap[n]
	s.heap[n] = nil // allow GC
	s.heap = s.heap[:n]
	w.index = -1
	return w
}

func (s *shard) up(i int) {
	for {
		parent := (i - 1) / 2
		if parent == i || !s.heap[i].executeAt.Before(s.heap[parent].executeAt) {
			break
		}
		s.swap(i, parent)
		i = parent
	}
}

func (s *shard) down(i, n int) {
	for {
		left := 2*i + 1
		if left >= n || left < 0 {
			break
		}
		j := left
		if right := left + 1; right < n && s.heap[right].executeAt.Before(s.heap[left].executeAt) {
			j = right
		}
		if !s.heap[j].executeAt.Before(s.heap[i].executeAt) {
			break
		}
		s.swap(i, j)
		i = j
	}
}

func (s *shard) swap(i, j int) {
	s.heap[i], s.heap[j] = s.heap[j], s.heap[i]
	s.heap[i].index = i
	s.heap[j].index = j
}
