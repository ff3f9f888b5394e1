package store

import (
	"context"
	"fmt"
	"sync"

	"code.cloudfoundry.org/clock"
	"github.com/google/uuid"

	"converge/pkg/logging"
)

const (
	// defaultBacklogSize bounds the per-kind event backlog retained for
	// watch resumption. Bookmarks older than the backlog fail with
	// ErrVersionGone and force a full relist.
	defaultBacklogSize = 1024

	// watcherBufferSize is the per-watcher channel buffer. A watcher that
	// falls this far behind is disconnected rather than blocking writers.
	watcherBufferSize = 256
)

// MemoryOptions configures a Memory store.
type MemoryOptions struct {
	// Clock supplies timestamps for soft deletes. Defaults to the wall
	// clock.
	Clock clock.Clock

	// BacklogSize bounds the retained per-kind event backlog. Defaults to
	// defaultBacklogSize.
	BacklogSize int
}

// Memory is an in-process Client implementation with watch support. It
// stands in for the external consensus-backed store behind the same
// interface and is what the binary and the test suites run against.
type Memory struct {
	mu sync.Mutex

	clock       clock.Clock
	backlogSize int

	// revision is the store-wide monotonic counter; every accepted write
	// or delete takes the next value, so versions strictly increase per
	// key as a consequence.
	revision int64

	objects map[Key]*Record

	// backlog holds recent events per kind for watch resumption.
	backlog map[string][]Event

	// evictedThrough tracks, per kind, the highest version trimmed out of
	// the backlog. A bookmark at or below it can no longer be served.
	evictedThrough map[string]int64

	watchers      map[string]map[int64]*memoryWatcher
	nextWatcherID int64
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts MemoryOptions) *Memory {
	if opts.Clock == nil {
		opts.Clock = clock.NewClock()
	}
	if opts.BacklogSize <= 0 {
		opts.BacklogSize = defaultBacklogSize
	}
	return &Memory{
		clock:          opts.Clock,
		backlogSize:    opts.BacklogSize,
		objects:        make(map[Key]*Record),
		backlog:        make(map[string][]Event),
		evictedThrough: make(map[string]int64),
		watchers:       make(map[string]map[int64]*memoryWatcher),
	}
}

// Get returns the current record for the key.
func (m *Memory) Get(ctx context.Context, key Key) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return rec.DeepCopy(), nil
}

// List returns all records of a kind.
func (m *Memory) List(ctx context.Context, kind string) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Record
	for key, rec := range m.objects {
		if key.Kind == kind {
			out = append(out, rec.DeepCopy())
		}
	}
	return out, nil
}

// Write creates or conditionally updates a record.
func (m *Memory) Write(ctx context.Context, rec *Record) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if rec.Kind == "" || rec.Name == "" {
		return nil, fmt.Errorf("record must carry kind and name")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := rec.Key()
	cur, exists := m.objects[key]

	if rec.ResourceVersion == 0 {
		if exists {
			return nil, fmt.Errorf("%s: %w", key, ErrAlreadyExists)
		}
		stored := rec.DeepCopy()
		if stored.UID == "" {
			stored.UID = uuid.NewString()
		}
		m.revision++
		stored.ResourceVersion = m.revision
		m.objects[key] = stored
		m.appendEvent(Event{Type: Added, Record: stored.DeepCopy(), Version: stored.ResourceVersion})
		return stored.DeepCopy(), nil
	}

	if !exists {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if cur.ResourceVersion != rec.ResourceVersion {
		return nil, &ConflictError{Key: key, Expected: rec.ResourceVersion, Actual: cur.ResourceVersion}
	}

	stored := rec.DeepCopy()
	// Identity and deletion state are store-owned; writers cannot change
	// them through an update.
	stored.UID = cur.UID
	stored.DeletionTimestamp = cur.DeletionTimestamp

	// Clearing the last finalizer of a soft-deleted record completes the
	// two-phase delete.
	if cur.DeletionTimestamp != nil && len(stored.Finalizers) == 0 {
		delete(m.objects, key)
		m.revision++
		stored.ResourceVersion = m.revision
		m.appendEvent(Event{Type: Deleted, Record: stored.DeepCopy(), Version: stored.ResourceVersion})
		return stored.DeepCopy(), nil
	}

	m.revision++
	stored.ResourceVersion = m.revision
	m.objects[key] = stored
	m.appendEvent(Event{Type: Modified, Record: stored.DeepCopy(), Version: stored.ResourceVersion})
	return stored.DeepCopy(), nil
}

// Delete removes a record, honoring two-phase deletion for records with
// finalizers.
func (m *Memory) Delete(ctx context.Context, key Key, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.objects[key]
	if !ok {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if expectedVersion != 0 && cur.ResourceVersion != expectedVersion {
		return &ConflictError{Key: key, Expected: expectedVersion, Actual: cur.ResourceVersion}
	}

	if len(cur.Finalizers) == 0 {
		final := cur.DeepCopy()
		delete(m.objects, key)
		m.revision++
		final.ResourceVersion = m.revision
		m.appendEvent(Event{Type: Deleted, Record: final, Version: final.ResourceVersion})
		return nil
	}

	if cur.DeletionTimestamp != nil {
		// Already soft-deleted; finalizer cleanup is in flight.
		return nil
	}

	now := m.clock.Now()
	soft := cur.DeepCopy()
	soft.DeletionTimestamp = &now
	m.revision++
	soft.ResourceVersion = m.revision
	m.objects[key] = soft
	m.appendEvent(Event{Type: Modified, Record: soft.DeepCopy(), Version: soft.ResourceVersion})
	return nil
}

// Watch streams change events for a kind starting after sinceVersion.
func (m *Memory) Watch(ctx context.Context, kind string, sinceVersion int64) (Watcher, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()

	var replay []Event
	if sinceVersion > 0 {
		if sinceVersion < m.evictedThrough[kind] {
			m.mu.Unlock()
			return nil, fmt.Errorf("%s since %d: %w", kind, sinceVersion, ErrVersionGone)
		}
		for _, ev := range m.backlog[kind] {
			if ev.Version > sinceVersion {
				replay = append(replay, ev)
			}
		}
	}

	m.nextWatcherID++
	w := &memoryWatcher{
		store: m,
		kind:  kind,
		id:    m.nextWatcherID,
		ch:    make(chan Event, len(replay)+watcherBufferSize),
		done:  make(chan struct{}),
	}
	for _, ev := range replay {
		w.ch <- ev
	}
	if m.watchers[kind] == nil {
		m.watchers[kind] = make(map[int64]*memoryWatcher)
	}
	m.watchers[kind][w.id] = w
	m.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			w.Stop()
		case <-w.done:
		}
	}()

	return w, nil
}

// appendEvent records the event in the backlog and fans it out to watchers.
// Callers must hold m.mu.
func (m *Memory) appendEvent(ev Event) {
	kind := ev.Record.Kind

	m.backlog[kind] = append(m.backlog[kind], ev)
	if over := len(m.backlog[kind]) - m.backlogSize; over > 0 {
		m.evictedThrough[kind] = m.backlog[kind][over-1].Version
		m.backlog[kind] = append([]Event(nil), m.backlog[kind][over:]...)
	}

	for id, w := range m.watchers[kind] {
		select {
		case w.ch <- Event{Type: ev.Type, Record: ev.Record.DeepCopy(), Version: ev.Version}:
		default:
			// Slow consumer: disconnect it rather than block or drop
			// silently. The watcher re-syncs from its bookmark.
			logging.Warn("Store", "Disconnecting slow watcher %d for kind %s", id, kind)
			delete(m.watchers[kind], id)
			w.closeLocked()
		}
	}
}

// memoryWatcher is a single subscriber to one kind's event stream.
type memoryWatcher struct {
	store *Memory
	kind  string
	id    int64
	ch    chan Event

	closeOnce sync.Once
	done      chan struct{}
}

func (w *memoryWatcher) Events() <-chan Event {
	return w.ch
}

func (w *memoryWatcher) Stop() {
	w.store.mu.Lock()
	delete(w.store.watchers[w.kind], w.id)
	w.closeLocked()
	w.store.mu.Unlock()
}

// closeLocked closes the watcher's channel. Callers must hold the store
// lock so no send can race the close.
func (w *memoryWatcher) closeLocked() {
	w.closeOnce.Do(func() {
		close(w.ch)
		close(w.done)
	})
}
