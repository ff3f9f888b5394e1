package queue

import (
	"context"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"

	"converge/internal/store"
	"converge/pkg/logging"
)

// Interface is a deduplicating, rate-limited queue of reconcile keys. Keys
// are the only payload; a dequeued key always resolves against the latest
// cache state rather than a snapshot taken at enqueue time.
type Interface interface {
	// Add enqueues the key. A key already queued-but-unprocessed is a
	// no-op; a key currently in flight is marked dirty and re-delivered
	// once after Done.
	Add(key store.Key)

	// AddAfter enqueues the key after the given delay.
	AddAfter(key store.Key, delay time.Duration)

	// AddRateLimited enqueues the key after a delay derived from its
	// failure count (exponential, capped).
	AddRateLimited(key store.Key)

	// Forget resets the key's failure count. Call on success.
	Forget(key store.Key)

	// NumRequeues returns the key's current failure count.
	NumRequeues(key store.Key) int

	// Get blocks until a key is available, returning false on shutdown or
	// context cancellation.
	Get(ctx context.Context) (store.Key, bool)

	// Done marks the key's processing finished, allowing re-delivery.
	Done(key store.Key)

	// Len returns the number of queued (not in-flight) keys.
	Len() int

	// ShutDown stops the queue and unblocks all waiters.
	ShutDown()

	// ShuttingDown reports whether ShutDown has been called.
	ShuttingDown() bool
}

// Options configures a work queue.
type Options struct {
	// RateLimiter drives AddRateLimited delays. Defaults to the
	// exponential limiter with DefaultBaseDelay/DefaultMaxDelay.
	RateLimiter RateLimiter

	// Clock drives delayed re-adds. Defaults to the wall clock.
	Clock clock.Clock

	// OnDepthChange, when set, is invoked with the new queue length after
	// every add and get. Used to feed the queue depth gauge.
	OnDepthChange func(depth int)
}

// workQueue implements Interface with dedup and dirty tracking.
type workQueue struct {
	name string

	mu sync.Mutex

	// queue holds keys in FIFO order.
	queue []store.Key

	// queued tracks membership of the FIFO for O(1) dedup.
	queued map[store.Key]bool

	// processing tracks keys currently between Get and Done.
	processing map[store.Key]bool

	// dirty tracks in-flight keys that were re-added during processing.
	dirty map[store.Key]bool

	// cond wakes blocked Get calls.
	cond *sync.Cond

	limiter       RateLimiter
	clock         clock.Clock
	onDepthChange func(int)

	// pending tracks delayed re-adds so a newer AddAfter replaces an
	// older one for the same key.
	pending map[store.Key]*delayedAdd

	shuttingDown bool
	stopCh       chan struct{}
}

type delayedAdd struct {
	timer    clock.Timer
	cancelCh chan struct{}
}

// New creates a work queue. The name is used for logging only.
func New(name string, opts Options) Interface {
	if opts.RateLimiter == nil {
		opts.RateLimiter = NewExponentialRateLimiter(DefaultBaseDelay, DefaultMaxDelay)
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewClock()
	}
	q := &workQueue{
		name:          name,
		queued:        make(map[store.Key]bool),
		processing:    make(map[store.Key]bool),
		dirty:         make(map[store.Key]bool),
		limiter:       opts.RateLimiter,
		clock:         opts.Clock,
		onDepthChange: opts.OnDepthChange,
		pending:       make(map[store.Key]*delayedAdd),
		stopCh:        make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Add enqueues the key, deduplicating against queued and in-flight work.
func (q *workQueue) Add(key store.Key) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.addLocked(key)
}

func (q *workQueue) addLocked(key store.Key) {
	if q.shuttingDown {
		return
	}

	// In-flight: mark dirty so the key is re-delivered exactly once after
	// Done, bounding outstanding work per key to one in-flight plus one
	// pending.
	if q.processing[key] {
		q.dirty[key] = true
		return
	}

	if q.queued[key] {
		return
	}

	q.queue = append(q.queue, key)
	q.queued[key] = true
	q.notifyDepthLocked()
	q.cond.Signal()
}

// AddAfter enqueues the key after the delay. A later AddAfter for the same
// key replaces the earlier one.
func (q *workQueue) AddAfter(key store.Key, delay time.Duration) {
	if delay <= 0 {
		q.Add(key)
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.shuttingDown {
		return
	}

	if prev, ok := q.pending[key]; ok {
		prev.timer.Stop()
		close(prev.cancelCh)
	}

	d := &delayedAdd{
		timer:    q.clock.NewTimer(delay),
		cancelCh: make(chan struct{}),
	}
	q.pending[key] = d

	go func() {
		select {
		case <-d.timer.C():
		case <-d.cancelCh:
			return
		case <-q.stopCh:
			return
		}

		q.mu.Lock()
		if q.pending[key] == d {
			delete(q.pending, key)
		}
		q.addLocked(key)
		q.mu.Unlock()
	}()
}

// AddRateLimited enqueues the key after its backoff delay.
func (q *workQueue) AddRateLimited(key store.Key) {
	delay := q.limiter.When(key)
	logging.Debug("Queue", "%s: requeuing %s after %v (retry %d)",
		q.name, key, delay, q.limiter.Retries(key))
	q.AddAfter(key, delay)
}

// Forget resets the key's backoff state.
func (q *workQueue) Forget(key store.Key) {
	q.limiter.Forget(key)
}

// NumRequeues returns the key's failure count.
func (q *workQueue) NumRequeues(key store.Key) int {
	return q.limiter.Retries(key)
}

// Get blocks until a key is available. It returns false when the queue shuts
// down or the context is cancelled.
func (q *workQueue) Get(ctx context.Context) (store.Key, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.queue) == 0 && !q.shuttingDown {
		select {
		case <-ctx.Done():
			return store.Key{}, false
		default:
		}

		// A helper goroutine races context cancellation against normal
		// wakeup; closing done releases it either way.
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				q.mu.Lock()
				q.cond.Broadcast()
				q.mu.Unlock()
			case <-done:
			}
		}()

		q.cond.Wait()
		close(done)

		select {
		case <-ctx.Done():
			return store.Key{}, false
		default:
		}
	}

	if len(q.queue) == 0 {
		return store.Key{}, false
	}

	key := q.queue[0]
	q.queue = q.queue[1:]
	delete(q.queued, key)
	q.processing[key] = true
	q.notifyDepthLocked()

	return key, true
}

// Done marks the key processed, re-adding it when it was dirtied mid-flight.
func (q *workQueue) Done(key store.Key) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.processing, key)

	if q.dirty[key] {
		delete(q.dirty, key)
		q.addLocked(key)
	}
}

// Len returns the number of queued keys.
func (q *workQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// ShutDown stops the queue, cancels pending delayed adds and unblocks all
// waiters.
func (q *workQueue) ShutDown() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.shuttingDown {
		return
	}
	q.shuttingDown = true
	close(q.stopCh)

	for key, d := range q.pending {
		d.timer.Stop()
		close(d.cancelCh)
		delete(q.pending, key)
	}

	q.cond.Broadcast()
}

// ShuttingDown reports whether the queue is stopping.
func (q *workQueue) ShuttingDown() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.shuttingDown
}

func (q *workQueue) notifyDepthLocked() {
	if q.onDepthChange != nil {
		q.onDepthChange(len(q.queue))
	}
}
