// Package eventbus is the thread-safe publish/subscribe bridge between
// synchronous worker threads and asynchronous WebSocket subscribers.
//
// Emitters are location-agnostic, subscribers register pull-style streams,
// and fan-out is explicit rather than implicit callback chains. A
// registered "cooperative scheduler" wake primitive plus a copy-on-write
// subscriber snapshot read lock-free by emit lets many independent
// subscribers each get bounded, ordered delivery without blocking the
// emitting thread; a full subscriber queue drops events rather than block.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ShutdownEventType is the sentinel that tells subscribers to terminate.
const ShutdownEventType = "__shutdown__"

// Q is the bounded per-subscriber queue capacity.
const Q = 1000

// Event is an immutable, emitted notification.
type Event struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp float64        `json:"timestamp"`
}

// Scheduler is the thread-safe wake primitive the bus uses to hand an event
// to the cooperative side when emit is called from a worker thread. A real
// HTTP/WS server supplies one backed by its own run loop; tests may use the
// InlineScheduler below.
type Scheduler interface {
	// Schedule runs fn on the cooperative scheduler. Must never block the
	// calling (worker) thread for long; typically a buffered channel send
	// consumed by the scheduler's own goroutine.
	Schedule(fn func())
}

// InlineScheduler runs fn synchronously — useful for tests and for the
// (rare) case where emit is already called from the scheduler thread.
type InlineScheduler struct{}

func (InlineScheduler) Schedule(fn func()) { fn() }

// subscriber holds one consumer's bounded queue.
type subscriber struct {
	id    int64
	queue chan Event
}

// Bus is the process-wide thread-safe pub/sub bridge.
type Bus struct {
	log *zap.SugaredLogger

	mu          sync.Mutex // guards subs map + snapshot + idSeq
	subs        map[int64]*subscriber
	snapshot    atomic.Pointer[[]*subscriber]
	idSeq       int64
	shuttingDown atomic.Bool

	scheduler atomic.Pointer[Scheduler]
}

// New creates an empty Bus. Call SetScheduler before any emit from a worker
// thread — emits before a scheduler is set are dropped with only a logged
// warning, which is surprising enough to assert against in tests.
func New(log *zap.SugaredLogger) *Bus {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	b := &Bus{log: log, subs: make(map[int64]*subscriber)}
	empty := []*subscriber{}
	b.snapshot.Store(&empty)
	return b
}

// SetScheduler records the cooperative scheduler used to deliver events.
func (b *Bus) SetScheduler(s Scheduler) {
	b.scheduler.Store(&s)
}

// HasScheduler reports whether SetScheduler has been called — used at
// startup to assert the bus is wired before workers can emit into it.
func (b *Bus) HasScheduler() bool {
	return b.scheduler.Load() != nil
}

// Subscribe registers a new subscriber and returns its event channel plus an
// unsubscribe function. The channel is never closed, not even by
// unsubscribe: the caller's consumer loop should read until a
// ShutdownEventType event arrives or it stops consuming, then call
// unsubscribe (idempotent).
func (b *Bus) Subscribe() (<-chan Event, func(), int64) {
	b.mu.Lock()
	b.idSeq++
	id := b.idSeq
	sub := &subscriber{id: id, queue: make(chan Event, Q)}
	b.subs[id] = sub
	b.rebuildSnapshotLocked()
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.rebuildSnapshotLocked()
			b.mu.Unlock()
		})
	}
	return sub.queue, unsub, id
}

// rebuildSnapshotLocked must be called with mu held.
func (b *Bus) rebuildSnapshotLocked() {
	list := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		list = append(list, s)
	}
	b.snapshot.Store(&list)
}

// SubscriberCount returns the current number of live subscribers.
func (b *Bus) SubscriberCount() int {
	return len(*b.snapshot.Load())
}

// Emit publishes an event to every current subscriber. Never blocks the
// caller: a full queue drops its oldest entry and retries once, then drops
// the new event and logs a warning.
//
// Emit is safe to call from any goroutine, including a worker thread — the
// actual enqueue is dispatched through the registered Scheduler so delivery
// always happens on the cooperative side, except when Emit itself is already
// running on that side (Scheduler implementations may choose to run inline).
func (b *Bus) Emit(eventType string, data map[string]any) {
	if b.shuttingDown.Load() {
		return
	}
	b.emit(Event{Type: eventType, Data: data, Timestamp: nowSeconds()})
}

func (b *Bus) emit(ev Event) {
	schedPtr := b.scheduler.Load()
	if schedPtr == nil {
		b.log.Warnw("emit before scheduler set, event dropped", "type", ev.Type)
		return
	}
	sched := *schedPtr

	subs := *b.snapshot.Load()
	for _, s := range subs {
		s := s
		sched.Schedule(func() { b.deliver(s, ev) })
	}
}

// deliver performs the bounded-queue enqueue-with-eviction for one
// subscriber. Runs on the cooperative scheduler.
func (b *Bus) deliver(s *subscriber, ev Event) {
	select {
	case s.queue <- ev:
		return
	default:
	}
	// Queue full: drop oldest, retry once.
	select {
	case <-s.queue:
	default:
	}
	select {
	case s.queue <- ev:
	default:
		b.log.Warnw("subscriber queue full, event dropped", "subscriber_id", s.id, "type", ev.Type)
	}
}

// Shutdown sets the shutting-down flag and enqueues the sentinel to every
// subscriber. Subsequent Emit calls are no-ops.
func (b *Bus) Shutdown() {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	b.emit(Event{Type: ShutdownEventType, Data: map[string]any{}, Timestamp: nowSeconds()})
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// RunScheduler is a minimal cooperative scheduler driven by a single
// goroutine reading from a channel. Production wiring should instead
// integrate emit scheduling with the HTTP server's own run loop goroutine;
// this is the standalone form used when the bus runs detached from an HTTP
// server (e.g. tests, or a future non-HTTP frontend).
type RunScheduler struct {
	work chan func()
	done chan struct{}
}

// NewRunScheduler creates a scheduler and starts its run loop. Cancel ctx to
// terminate; pending scheduled work that has not yet run is discarded.
func NewRunScheduler(ctx context.Context) *RunScheduler {
	rs := &RunScheduler{work: make(chan func(), 4096), done: make(chan struct{})}
	go rs.loop(ctx)
	return rs
}

func (rs *RunScheduler) Schedule(fn func()) {
	select {
	case rs.work <- fn:
	default:
		// Backpressure on the scheduler channel itself is a last-resort
		// drop — the per-subscriber Q bound is the primary guard, this
		// only protects against an unbounded number of *subscribers*.
	}
}

func (rs *RunScheduler) loop(ctx context.Context) {
	defer close(rs.done)
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-rs.work:
			fn()
		}
	}
}

// Stopped blocks until the run loop has exited.
func (rs *RunScheduler) Stopped() <-chan struct{} { return rs.done }
