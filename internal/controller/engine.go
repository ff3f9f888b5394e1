package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"golang.org/x/sync/errgroup"

	"converge/internal/informer"
	"converge/internal/metrics"
	"converge/internal/store"
	"converge/pkg/logging"
)

// EngineOptions configures an Engine.
type EngineOptions struct {
	// Metrics receives engine-wide instrumentation. Defaults to a fresh
	// instance.
	Metrics *metrics.Metrics

	// Clock drives all timing inside the engine. Defaults to the wall
	// clock.
	Clock clock.Clock
}

// Engine hosts a set of controllers over one store client. It owns the
// informers, fans them out to controllers and the garbage collector, and
// coordinates startup and graceful shutdown.
type Engine struct {
	client  store.Client
	metrics *metrics.Metrics
	clock   clock.Clock

	mu          sync.Mutex
	controllers map[string]*Controller
	informers   map[string]*informer.Informer
	gc          *GarbageCollector
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewEngine creates an engine over the given store client.
func NewEngine(client store.Client, opts EngineOptions) *Engine {
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewClock()
	}
	return &Engine{
		client:      client,
		metrics:     opts.Metrics,
		clock:       opts.Clock,
		controllers: make(map[string]*Controller),
		informers:   make(map[string]*informer.Informer),
		gc:          newGarbageCollector(client, opts.Clock),
		done:        make(chan struct{}),
	}
}

// Metrics returns the engine's metrics instance, for exposing its handler.
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// RegisterController adds a controller for one kind. Registration must
// happen before Run; each kind can have at most one controller.
func (e *Engine) RegisterController(kind string, r Reconciler, opts Options) error {
	if kind == "" {
		return fmt.Errorf("controller kind must not be empty")
	}
	if r == nil {
		return fmt.Errorf("controller for %q: reconciler must not be nil", kind)
	}
	if opts.Clock == nil {
		opts.Clock = e.clock
	}
	opts.applyDefaults()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return fmt.Errorf("controller for %q: engine already running", kind)
	}
	if _, exists := e.controllers[kind]; exists {
		return fmt.Errorf("controller for %q already registered", kind)
	}

	inf := informer.New(e.client, kind, informer.Options{
		Resync: opts.Resync,
		Clock:  opts.Clock,
	})

	c, err := newController(e.client, kind, r, opts, inf, e.metrics)
	if err != nil {
		return fmt.Errorf("controller for %q: %w", kind, err)
	}

	e.gc.watchKind(inf)
	e.informers[kind] = inf
	e.controllers[kind] = c
	return nil
}

// Controller returns the registered controller for kind, or nil.
func (e *Engine) Controller(kind string) *Controller {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.controllers[kind]
}

// Caches returns a Reader over the engine's informer caches, for reconcilers
// to load observed state from. Kinds without a registered controller read as
// absent.
func (e *Engine) Caches() Reader {
	return engineCaches{e}
}

type engineCaches struct {
	e *Engine
}

func (c engineCaches) Get(key store.Key) (*store.Record, bool) {
	c.e.mu.Lock()
	inf := c.e.informers[key.Kind]
	c.e.mu.Unlock()
	if inf == nil {
		return nil, false
	}
	return inf.Cache().Get(key)
}

func (c engineCaches) List(kind string) []*store.Record {
	c.e.mu.Lock()
	inf := c.e.informers[kind]
	c.e.mu.Unlock()
	if inf == nil {
		return nil
	}
	return inf.Cache().List()
}

// Healthy reports whether every controller is healthy. An engine with no
// controllers is healthy once running.
func (e *Engine) Healthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.controllers {
		if !c.Healthy() {
			return false
		}
	}
	return true
}

// Run starts all informers, controllers and the garbage collector and blocks
// until the context ends or a controller fails fatally.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	e.running = true
	ctx, e.cancel = context.WithCancel(ctx)
	controllers := make([]*Controller, 0, len(e.controllers))
	for _, c := range e.controllers {
		controllers = append(controllers, c)
	}
	informers := make([]*informer.Informer, 0, len(e.informers))
	for _, inf := range e.informers {
		informers = append(informers, inf)
	}
	e.mu.Unlock()

	defer close(e.done)

	logging.Info("Engine", "starting %d controllers", len(controllers))

	g, ctx := errgroup.WithContext(ctx)

	for _, inf := range informers {
		g.Go(func() error {
			if err := inf.Run(ctx); err != nil && ctx.Err() == nil {
				// A dead informer starves its controller but must not
				// take down sibling controllers.
				logging.Error("Engine", err, "informer for %s stopped", inf.Kind())
				if c := e.Controller(inf.Kind()); c != nil {
					c.healthy.Store(false)
				}
			}
			return nil
		})
	}

	for _, c := range controllers {
		g.Go(func() error {
			if err := c.Run(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("controller %s: %w", c.Kind(), err)
			}
			return nil
		})
	}

	g.Go(func() error {
		_ = e.gc.Run(ctx)
		return nil
	})

	err := g.Wait()
	logging.Info("Engine", "stopped")
	return err
}

// Shutdown stops the engine and waits up to grace for in-flight reconciles
// to drain. It returns an error when the grace period elapses first.
func (e *Engine) Shutdown(grace time.Duration) error {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel == nil {
		return fmt.Errorf("engine not running")
	}
	cancel()

	t := e.clock.NewTimer(grace)
	defer t.Stop()
	select {
	case <-e.done:
		return nil
	case <-t.C():
		return fmt.Errorf("shutdown grace period (%s) elapsed before workers drained", grace)
	}
}
