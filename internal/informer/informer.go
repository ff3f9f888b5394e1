package informer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"k8s.io/apimachinery/pkg/util/wait"

	"converge/internal/store"
	"converge/pkg/logging"
)

// EventType classifies a normalized informer event.
type EventType string

const (
	// EventAdded indicates a record appeared.
	EventAdded EventType = "Added"

	// EventUpdated indicates a record changed.
	EventUpdated EventType = "Updated"

	// EventDeleted indicates a record was removed.
	EventDeleted EventType = "Deleted"

	// EventResynced indicates a periodic resync re-emitted an unchanged
	// record so downstream queues can self-heal lost notifications.
	EventResynced EventType = "Resynced"
)

// Event is a normalized change notification carrying the record's key and
// its current snapshot (the final state for deletions).
type Event struct {
	Type   EventType
	Key    store.Key
	Record *store.Record
}

// Handler receives informer events on the informer's event loop. Handlers
// must be fast and must not block; heavy work belongs behind a queue.
type Handler func(Event)

// Options configures an Informer.
type Options struct {
	// Resync is the interval for periodic full resynchronization against
	// the store. Zero disables periodic resync.
	Resync time.Duration

	// Backoff governs watch reconnection delays. Zero value selects the
	// default (1s doubling, 10% jitter, capped at 30s).
	Backoff wait.Backoff

	// Clock drives resync ticks and reconnect sleeps. Defaults to the
	// wall clock.
	Clock clock.Clock
}

func defaultBackoff() wait.Backoff {
	return wait.Backoff{
		Duration: time.Second,
		Factor:   2.0,
		Jitter:   0.1,
		Steps:    100,
		Cap:      30 * time.Second,
	}
}

// Informer mirrors one kind of the store into a local cache and emits
// normalized change events. It resumes interrupted watches from a last-seen
// resource version bookmark and falls back to a full list when the store
// reports the bookmark has expired.
type Informer struct {
	client  store.Client
	kind    string
	resync  time.Duration
	backoff wait.Backoff
	clock   clock.Clock

	cache *Cache

	mu       sync.Mutex
	handlers []Handler
	bookmark int64

	syncedCh   chan struct{}
	syncedOnce sync.Once
}

// New creates an informer for the given kind.
func New(client store.Client, kind string, opts Options) *Informer {
	if opts.Clock == nil {
		opts.Clock = clock.NewClock()
	}
	if opts.Backoff.Duration == 0 {
		opts.Backoff = defaultBackoff()
	}
	return &Informer{
		client:   client,
		kind:     kind,
		resync:   opts.Resync,
		backoff:  opts.Backoff,
		clock:    opts.Clock,
		cache:    newCache(),
		syncedCh: make(chan struct{}),
	}
}

// Kind returns the kind this informer watches.
func (i *Informer) Kind() string {
	return i.kind
}

// Cache returns the informer's local cache. The cache is read-only for
// callers; only the informer's event loop writes to it.
func (i *Informer) Cache() *Cache {
	return i.cache
}

// AddHandler registers an event handler. Handlers added after Run has begun
// receive only subsequent events.
func (i *Informer) AddHandler(h Handler) {
	i.mu.Lock()
	i.handlers = append(i.handlers, h)
	i.mu.Unlock()
}

// HasSynced reports whether the initial list has populated the cache.
func (i *Informer) HasSynced() bool {
	select {
	case <-i.syncedCh:
		return true
	default:
		return false
	}
}

// WaitForSync blocks until the cache has synced or the context is done.
func (i *Informer) WaitForSync(ctx context.Context) error {
	select {
	case <-i.syncedCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s cache sync: %w", i.kind, ctx.Err())
	}
}

// Run executes the informer loop until the context is cancelled. A failed
// initial sync is returned as an error; later disconnects are retried with
// backoff indefinitely.
func (i *Informer) Run(ctx context.Context) error {
	if err := i.relist(ctx); err != nil {
		return fmt.Errorf("initial cache sync for %s: %w", i.kind, err)
	}
	i.syncedOnce.Do(func() { close(i.syncedCh) })
	logging.Debug("Informer", "%s: cache synced with %d records", i.kind, i.cache.Len())

	var resyncC <-chan time.Time
	if i.resync > 0 {
		ticker := i.clock.NewTicker(i.resync)
		defer ticker.Stop()
		resyncC = ticker.C()
	}

	bo := i.backoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		w, err := i.client.Watch(ctx, i.kind, i.currentBookmark())
		if err != nil {
			if errors.Is(err, store.ErrVersionGone) {
				logging.Info("Informer", "%s: bookmark expired, falling back to full list", i.kind)
				if rerr := i.relist(ctx); rerr != nil {
					logging.Warn("Informer", "%s: relist after expired bookmark failed: %v", i.kind, rerr)
				} else {
					bo = i.backoff
					continue
				}
			} else {
				logging.Warn("Informer", "%s: watch failed: %v", i.kind, err)
			}
			if !i.pause(ctx, bo.Step()) {
				return ctx.Err()
			}
			continue
		}
		bo = i.backoff

		if !i.consume(ctx, w, resyncC) {
			w.Stop()
			return ctx.Err()
		}
		w.Stop()
		logging.Debug("Informer", "%s: watch disconnected, resuming from version %d", i.kind, i.currentBookmark())
	}
}

// consume processes one watch stream. It returns false when the context
// ended and true when the stream disconnected and should be re-established.
func (i *Informer) consume(ctx context.Context, w store.Watcher, resyncC <-chan time.Time) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-w.Events():
			if !ok {
				return true
			}
			i.apply(ev)
		case <-resyncC:
			if err := i.relist(ctx); err != nil {
				logging.Warn("Informer", "%s: periodic resync failed: %v", i.kind, err)
			}
		}
	}
}

// apply folds a single store event into the cache and dispatches it.
func (i *Informer) apply(ev store.Event) {
	key := ev.Record.Key()

	switch ev.Type {
	case store.Added, store.Modified:
		_, existed := i.cache.version(key)
		i.cache.set(ev.Record.DeepCopy())
		typ := EventAdded
		if existed {
			typ = EventUpdated
		}
		i.dispatch(Event{Type: typ, Key: key, Record: ev.Record})
	case store.Deleted:
		i.cache.remove(key)
		i.dispatch(Event{Type: EventDeleted, Key: key, Record: ev.Record})
	}

	i.advanceBookmark(ev.Version)
}

// relist replaces the cache from a full store list and emits an event for
// every known key: Added/Updated/Deleted for differences against the cache,
// Resynced for unchanged records. Re-emitting unchanged keys is what heals a
// lost watch notification.
func (i *Informer) relist(ctx context.Context) error {
	records, err := i.client.List(ctx, i.kind)
	if err != nil {
		return err
	}

	known := make(map[store.Key]bool, len(records))
	maxVersion := i.currentBookmark()

	for _, rec := range records {
		key := rec.Key()
		known[key] = true
		if rec.ResourceVersion > maxVersion {
			maxVersion = rec.ResourceVersion
		}

		cachedVersion, existed := i.cache.version(key)
		switch {
		case !existed:
			i.cache.set(rec.DeepCopy())
			i.dispatch(Event{Type: EventAdded, Key: key, Record: rec})
		case cachedVersion != rec.ResourceVersion:
			i.cache.set(rec.DeepCopy())
			i.dispatch(Event{Type: EventUpdated, Key: key, Record: rec})
		default:
			i.dispatch(Event{Type: EventResynced, Key: key, Record: rec})
		}
	}

	for _, cached := range i.cache.List() {
		key := cached.Key()
		if !known[key] {
			i.cache.remove(key)
			i.dispatch(Event{Type: EventDeleted, Key: key, Record: cached})
		}
	}

	i.advanceBookmark(maxVersion)
	return nil
}

func (i *Informer) dispatch(ev Event) {
	i.mu.Lock()
	handlers := append([]Handler(nil), i.handlers...)
	i.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

func (i *Informer) currentBookmark() int64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.bookmark
}

func (i *Informer) advanceBookmark(v int64) {
	i.mu.Lock()
	if v > i.bookmark {
		i.bookmark = v
	}
	i.mu.Unlock()
}

// pause sleeps for d, returning false when the context ends first.
func (i *Informer) pause(ctx context.Context, d time.Duration) bool {
	t := i.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C():
		return true
	}
}
