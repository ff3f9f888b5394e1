package controller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"code.cloudfoundry.org/clock"

	"converge/internal/informer"
	"converge/internal/leader"
	"converge/internal/metrics"
	"converge/internal/queue"
	"converge/internal/store"
	"converge/pkg/logging"
)

// Controller supervises reconciliation for one kind: it wires the informer,
// the work queue and a fixed pool of reconcile workers, gated by a lease
// elector in HA mode.
type Controller struct {
	kind       string
	opts       Options
	client     store.Client
	reconciler Reconciler
	informer   *informer.Informer
	metrics    *metrics.Metrics
	clock      clock.Clock
	elector    *leader.Elector

	// termMu serializes leadership terms so a new term never starts
	// before the previous term's workers have drained.
	termMu sync.Mutex

	mu      sync.Mutex
	queue   queue.Interface
	leading bool

	healthy atomic.Bool
}

func newController(client store.Client, kind string, r Reconciler, opts Options, inf *informer.Informer, m *metrics.Metrics) (*Controller, error) {
	c := &Controller{
		kind:       kind,
		opts:       opts,
		client:     client,
		reconciler: r,
		informer:   inf,
		metrics:    m,
		clock:      opts.Clock,
	}
	c.healthy.Store(true)

	if opts.LeaseName != "" {
		elector, err := leader.New(client, leader.Config{
			LeaseName:     opts.LeaseName,
			Identity:      opts.Identity,
			LeaseDuration: opts.LeaseDuration,
			RenewInterval: opts.RenewInterval,
			PollInterval:  opts.PollInterval,
			Clock:         opts.Clock,
			OnStartedLeading: func(ctx context.Context) {
				if err := c.runTerm(ctx); err != nil && ctx.Err() == nil {
					logging.Error("Controller", err, "%s: leadership term failed", kind)
					c.healthy.Store(false)
				}
			},
			OnStoppedLeading: func(reason string) {
				logging.Info("Controller", "%s: stopped reconciling (%s)", kind, reason)
			},
			OnNewHolder: func(identity string) {
				m.LeaderTransitions.WithLabelValues(opts.LeaseName).Inc()
			},
		})
		if err != nil {
			return nil, err
		}
		c.elector = elector
	}

	// Change events feed the queue only while this process leads.
	inf.AddHandler(func(ev informer.Event) {
		c.enqueue(ev.Key)
	})

	return c, nil
}

// Kind returns the controller's kind.
func (c *Controller) Kind() string {
	return c.kind
}

// Healthy reports whether the controller is fully initialized and running.
// A controller whose informer cannot sync or whose term fails fatally
// reports unhealthy rather than limping along half-initialized.
func (c *Controller) Healthy() bool {
	return c.healthy.Load()
}

// IsLeader reports whether this controller may currently reconcile.
// Standalone controllers always lead.
func (c *Controller) IsLeader() bool {
	if c.elector == nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.leading
	}
	return c.elector.IsLeader()
}

// Run executes the controller until the context ends.
func (c *Controller) Run(ctx context.Context) error {
	if c.elector == nil {
		if err := c.runTerm(ctx); err != nil && ctx.Err() == nil {
			c.healthy.Store(false)
			return err
		}
		return ctx.Err()
	}
	return c.elector.Run(ctx)
}

// enqueue admits a key into the current term's queue. Events arriving while
// not leading are dropped; the term-start seed re-derives them from the
// cache.
func (c *Controller) enqueue(key store.Key) {
	c.mu.Lock()
	q := c.queue
	leading := c.leading
	c.mu.Unlock()

	if !leading || q == nil {
		return
	}
	q.Add(key)
}

// runTerm runs one reconciling term: sync the cache, build a fresh queue,
// seed it with every known key, run the worker pool, and on loss drain
// in-flight work before returning. The queue is rebuilt each term so a new
// acquisition never acts on stale intentions.
func (c *Controller) runTerm(ctx context.Context) error {
	c.termMu.Lock()
	defer c.termMu.Unlock()

	// Cold-start ordering: no reconcile runs against a partially
	// populated cache.
	if err := c.informer.WaitForSync(ctx); err != nil {
		return err
	}

	q := queue.New(c.kind, queue.Options{
		RateLimiter: queue.NewExponentialRateLimiter(c.opts.BaseDelay, c.opts.MaxDelay),
		Clock:       c.clock,
		OnDepthChange: func(depth int) {
			c.metrics.QueueDepth.WithLabelValues(c.kind).Set(float64(depth))
		},
	})

	c.mu.Lock()
	c.queue = q
	c.leading = true
	c.mu.Unlock()

	for _, rec := range c.informer.Cache().List() {
		q.Add(rec.Key())
	}

	logging.Info("Controller", "%s: reconciling with %d workers (%d known keys)",
		c.kind, c.opts.Workers, q.Len())

	var wg sync.WaitGroup
	for i := 0; i < c.opts.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c.worker(ctx, q, id)
		}(i)
	}

	<-ctx.Done()

	// Stop intake first, then let in-flight reconciles drain.
	c.mu.Lock()
	c.leading = false
	c.queue = nil
	c.mu.Unlock()

	q.ShutDown()
	wg.Wait()
	c.metrics.QueueDepth.WithLabelValues(c.kind).Set(0)

	logging.Debug("Controller", "%s: term ended, workers drained", c.kind)
	return nil
}

// worker pulls keys until the queue shuts down or the term ends.
func (c *Controller) worker(ctx context.Context, q queue.Interface, id int) {
	for {
		key, ok := q.Get(ctx)
		if !ok {
			return
		}
		c.process(ctx, q, key)
		q.Done(key)
	}
}

// process runs one reconcile attempt and translates its outcome into a
// requeue decision. Errors never propagate past this boundary; failures
// surface only as requeues, record status conditions and metrics.
func (c *Controller) process(ctx context.Context, q queue.Interface, key store.Key) {
	start := c.clock.Now()
	res, err := c.reconciler.Reconcile(ctx, Request{Key: key})
	elapsed := c.clock.Since(start).Seconds()

	switch {
	case err == nil:
		q.Forget(key)
		c.metrics.ReconcileTotal.WithLabelValues(c.kind, metrics.ResultSuccess).Inc()
		c.metrics.ReconcileDuration.WithLabelValues(c.kind, metrics.ResultSuccess).Observe(elapsed)

		switch {
		case res.RequeueAfter > 0:
			q.AddAfter(key, res.RequeueAfter)
		case res.Requeue:
			q.AddRateLimited(key)
		}

	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		// The term ended mid-reconcile; the next term's seed picks the
		// key back up.

	case store.IsConflict(err):
		// The cache is stale, not broken: retry immediately against
		// fresh state without growing the backoff.
		logging.Debug("Controller", "%s: conflict on %s, requeuing immediately", c.kind, key)
		c.metrics.ReconcileTotal.WithLabelValues(c.kind, metrics.ResultConflict).Inc()
		c.metrics.ReconcileDuration.WithLabelValues(c.kind, metrics.ResultConflict).Observe(elapsed)
		q.Add(key)

	case IsTerminal(err):
		logging.Warn("Controller", "%s: desired state for %s rejected: %v (retry %d)",
			c.kind, key, err, q.NumRequeues(key)+1)
		c.metrics.ReconcileTotal.WithLabelValues(c.kind, metrics.ResultTerminal).Inc()
		c.metrics.ReconcileDuration.WithLabelValues(c.kind, metrics.ResultTerminal).Observe(elapsed)
		c.metrics.Retries.WithLabelValues(c.kind).Inc()
		q.AddRateLimited(key)

	default:
		logging.Warn("Controller", "%s: reconcile failed for %s: %v (retry %d)",
			c.kind, key, err, q.NumRequeues(key)+1)
		c.metrics.ReconcileTotal.WithLabelValues(c.kind, metrics.ResultError).Inc()
		c.metrics.ReconcileDuration.WithLabelValues(c.kind, metrics.ResultError).Observe(elapsed)
		c.metrics.Retries.WithLabelValues(c.kind).Inc()
		q.AddRateLimited(key)
	}
}
