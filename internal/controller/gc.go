package controller

import (
	"context"
	"sync"

	"code.cloudfoundry.org/clock"

	"converge/internal/informer"
	"converge/internal/queue"
	"converge/internal/store"
	"converge/pkg/logging"
)

// ownerIdentity names an owning record without pointing at it. Dependents
// are found by index lookup, never through in-memory object references, so
// cyclic dependent graphs cannot form reference cycles here. Owner
// references are namespace-local, so the identity carries the namespace the
// reference resolves in.
type ownerIdentity struct {
	Kind      string
	Namespace string
	Name      string
	UID       string
}

// GarbageCollector cascades deletion along owner references: when an owning
// record disappears, its dependents are deleted through the store (two-phase
// when they carry finalizers). A dependent is collected only once all of its
// referenced owners are gone.
type GarbageCollector struct {
	client store.Client
	queue  queue.Interface

	mu     sync.Mutex
	caches map[string]*informer.Cache

	// index maps an owner identity to the dependents referencing it.
	index map[ownerIdentity]map[store.Key]struct{}

	// refs remembers each dependent's current owner set so reindexing on
	// update can drop stale entries.
	refs map[store.Key][]ownerIdentity
}

func newGarbageCollector(client store.Client, clk clock.Clock) *GarbageCollector {
	return &GarbageCollector{
		client: client,
		queue:  queue.New("gc", queue.Options{Clock: clk}),
		caches: make(map[string]*informer.Cache),
		index:  make(map[ownerIdentity]map[store.Key]struct{}),
		refs:   make(map[store.Key][]ownerIdentity),
	}
}

// watchKind subscribes the collector to one kind's informer.
func (g *GarbageCollector) watchKind(inf *informer.Informer) {
	g.mu.Lock()
	g.caches[inf.Kind()] = inf.Cache()
	g.mu.Unlock()

	inf.AddHandler(g.observe)
}

// observe maintains the owner index from informer events and enqueues
// candidates for collection.
func (g *GarbageCollector) observe(ev informer.Event) {
	switch ev.Type {
	case informer.EventDeleted:
		g.dropDependent(ev.Key)
		// The deleted record may have owned others.
		for _, dep := range g.dependentsOf(ev.Record) {
			g.queue.Add(dep)
		}
	default:
		g.reindex(ev.Key, ev.Record.OwnerReferences)
		if len(ev.Record.OwnerReferences) > 0 {
			// Re-check orphanhood lazily; resync events make this
			// self-healing for missed deletions.
			g.queue.Add(ev.Key)
		}
	}
}

func (g *GarbageCollector) dependentsOf(owner *store.Record) []store.Key {
	id := ownerIdentity{Kind: owner.Kind, Namespace: owner.Namespace, Name: owner.Name, UID: owner.UID}

	g.mu.Lock()
	defer g.mu.Unlock()

	deps := make([]store.Key, 0, len(g.index[id]))
	for dep := range g.index[id] {
		deps = append(deps, dep)
	}
	return deps
}

func (g *GarbageCollector) reindex(dep store.Key, owners []store.OwnerReference) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, old := range g.refs[dep] {
		if set := g.index[old]; set != nil {
			delete(set, dep)
			if len(set) == 0 {
				delete(g.index, old)
			}
		}
	}

	if len(owners) == 0 {
		delete(g.refs, dep)
		return
	}

	ids := make([]ownerIdentity, 0, len(owners))
	for _, ref := range owners {
		id := ownerIdentity{Kind: ref.Kind, Namespace: dep.Namespace, Name: ref.Name, UID: ref.UID}
		ids = append(ids, id)
		if g.index[id] == nil {
			g.index[id] = make(map[store.Key]struct{})
		}
		g.index[id][dep] = struct{}{}
	}
	g.refs[dep] = ids
}

func (g *GarbageCollector) dropDependent(dep store.Key) {
	g.reindex(dep, nil)
}

// Run processes collection candidates until the context ends.
func (g *GarbageCollector) Run(ctx context.Context) error {
	defer g.queue.ShutDown()

	for {
		key, ok := g.queue.Get(ctx)
		if !ok {
			return ctx.Err()
		}
		g.collect(ctx, key)
		g.queue.Done(key)
	}
}

// collect deletes the dependent when every owner it references is gone.
func (g *GarbageCollector) collect(ctx context.Context, key store.Key) {
	g.mu.Lock()
	cache := g.caches[key.Kind]
	g.mu.Unlock()
	if cache == nil {
		g.queue.Forget(key)
		return
	}

	rec, ok := cache.Get(key)
	if !ok || len(rec.OwnerReferences) == 0 {
		g.queue.Forget(key)
		return
	}

	for _, ref := range rec.OwnerReferences {
		if g.ownerAlive(ctx, key.Namespace, ref) {
			g.queue.Forget(key)
			return
		}
	}

	logging.Info("GC", "collecting %s: all owners gone", key)
	err := g.client.Delete(ctx, key, 0)
	if err != nil && !store.IsNotFound(err) {
		logging.Warn("GC", "failed to collect %s: %v", key, err)
		g.queue.AddRateLimited(key)
		return
	}
	g.queue.Forget(key)
}

// ownerAlive checks whether the referenced owner incarnation still exists in
// the dependent's namespace. A cache hit is trusted; a miss is re-checked
// against the store, since the owner's informer syncs independently of the
// dependent's and may lag behind a freshly created owner. A record with the
// same name but a different UID does not count.
func (g *GarbageCollector) ownerAlive(ctx context.Context, namespace string, ref store.OwnerReference) bool {
	key := store.Key{Kind: ref.Kind, Namespace: namespace, Name: ref.Name}

	g.mu.Lock()
	cache := g.caches[ref.Kind]
	g.mu.Unlock()

	if cache != nil {
		if owner, ok := cache.Get(key); ok {
			return owner.UID == ref.UID
		}
	}

	owner, err := g.client.Get(ctx, key)
	if err != nil {
		return false
	}
	return owner.UID == ref.UID
}
