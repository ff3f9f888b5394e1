package controller

import (
	"context"
	"time"

	"code.cloudfoundry.org/clock"

	"converge/internal/store"
)

const (
	// DefaultWorkers is the reconcile worker pool size per controller.
	DefaultWorkers = 2

	// DefaultResync is the interval for periodic full resynchronization.
	DefaultResync = 30 * time.Second
)

// Request identifies one unit of reconciliation work. It carries only the
// key; the reconciler loads current state from the informer cache, never
// from a snapshot taken at enqueue time.
type Request struct {
	Key store.Key
}

// Result is the outcome of a reconcile attempt.
type Result struct {
	// Requeue re-enqueues the key with its backoff delay even though the
	// attempt succeeded.
	Requeue bool

	// RequeueAfter re-enqueues the key after the given delay. Takes
	// precedence over Requeue.
	RequeueAfter time.Duration
}

// Reconciler is one idempotent pass that drives observed state toward
// desired state for a single key. Re-running it with no intervening state
// change must be a no-op; that property is what makes at-least-once
// delivery safe.
type Reconciler interface {
	Reconcile(ctx context.Context, req Request) (Result, error)
}

// Reader is read-only access to the informers' local mirrors, keyed by kind.
// Reconcilers read observed state through it and write through the store
// client; a read never touches the store.
type Reader interface {
	// Get returns a copy of the cached record for the key.
	Get(key store.Key) (*store.Record, bool)

	// List returns copies of all cached records of the kind.
	List(kind string) []*store.Record
}

// Func adapts a plain function to the Reconciler interface.
type Func func(ctx context.Context, req Request) (Result, error)

// Reconcile implements Reconciler.
func (f Func) Reconcile(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Options configures one registered controller.
type Options struct {
	// Workers bounds concurrent Reconcile invocations. Defaults to
	// DefaultWorkers.
	Workers int

	// Resync is the informer's periodic full-resync interval. Defaults to
	// DefaultResync.
	Resync time.Duration

	// LeaseName enables HA mode: the controller reconciles only while
	// holding the named lease. Empty runs standalone.
	LeaseName string

	// Identity overrides the elector's process identity (HA mode).
	Identity string

	// BaseDelay and MaxDelay tune the per-key retry backoff. Zero values
	// select the queue defaults (5ms base, 16m cap).
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// LeaseDuration, RenewInterval and PollInterval tune election timing
	// (HA mode). Zero values select the elector defaults.
	LeaseDuration time.Duration
	RenewInterval time.Duration
	PollInterval  time.Duration

	// Clock drives queue delays and election timing. Defaults to the
	// wall clock.
	Clock clock.Clock
}

func (o *Options) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.Resync == 0 {
		o.Resync = DefaultResync
	}
	if o.Clock == nil {
		o.Clock = clock.NewClock()
	}
}
