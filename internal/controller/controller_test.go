package controller

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"converge/internal/metrics"
	"converge/internal/store"
)

// recordingReconciler counts reconcile invocations per key and delegates to
// an optional inner function.
type recordingReconciler struct {
	mu    sync.Mutex
	calls map[store.Key]int
	fn    func(ctx context.Context, req Request) (Result, error)
}

func (r *recordingReconciler) Reconcile(ctx context.Context, req Request) (Result, error) {
	r.mu.Lock()
	if r.calls == nil {
		r.calls = make(map[store.Key]int)
	}
	r.calls[req.Key]++
	r.mu.Unlock()

	if r.fn != nil {
		return r.fn(ctx, req)
	}
	return Result{}, nil
}

func (r *recordingReconciler) count(key store.Key) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[key]
}

func (r *recordingReconciler) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		n += c
	}
	return n
}

func mustCreate(t *testing.T, m *store.Memory, kind, name string) *store.Record {
	t.Helper()
	rec, err := m.Write(context.Background(), &store.Record{
		Kind: kind,
		Name: name,
		Spec: json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	return rec
}

func startEngine(t *testing.T, e *Engine) {
	t.Helper()
	runDone := make(chan error, 1)
	go func() { runDone <- e.Run(context.Background()) }()
	t.Cleanup(func() {
		if err := e.Shutdown(5 * time.Second); err == nil {
			<-runDone
		}
	})
}

func TestEngine_RegisterValidation(t *testing.T) {
	m := store.NewMemory(store.MemoryOptions{})
	e := NewEngine(m, EngineOptions{})
	r := &recordingReconciler{}

	assert.Error(t, e.RegisterController("", r, Options{}), "empty kind must be rejected")
	assert.Error(t, e.RegisterController("thing", nil, Options{}), "nil reconciler must be rejected")

	require.NoError(t, e.RegisterController("thing", r, Options{}))
	assert.Error(t, e.RegisterController("thing", r, Options{}), "duplicate kind must be rejected")

	startEngine(t, e)
	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.running
	}, time.Second, 5*time.Millisecond)
	assert.Error(t, e.RegisterController("other", r, Options{}), "registration after Run must be rejected")
}

func TestEngine_ReconcilesPreexistingRecords(t *testing.T) {
	m := store.NewMemory(store.MemoryOptions{})
	for _, name := range []string{"a", "b", "c"} {
		mustCreate(t, m, "thing", name)
	}

	e := NewEngine(m, EngineOptions{})
	r := &recordingReconciler{}
	require.NoError(t, e.RegisterController("thing", r, Options{}))
	startEngine(t, e)

	// Records created before startup are reconciled from the initial cache
	// seed, not from change events.
	require.Eventually(t, func() bool {
		for _, name := range []string{"a", "b", "c"} {
			if r.count(store.Key{Kind: "thing", Name: name}) == 0 {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, e.Healthy())
}

func TestEngine_ReconcilesOnChange(t *testing.T) {
	m := store.NewMemory(store.MemoryOptions{})
	e := NewEngine(m, EngineOptions{})
	r := &recordingReconciler{}
	require.NoError(t, e.RegisterController("thing", r, Options{}))
	startEngine(t, e)

	rec := mustCreate(t, m, "thing", "a")
	key := rec.Key()
	require.Eventually(t, func() bool { return r.count(key) >= 1 }, 5*time.Second, 10*time.Millisecond)

	before := r.count(key)
	rec.Spec = json.RawMessage(`{"v":2}`)
	_, err := m.Write(context.Background(), rec)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return r.count(key) > before }, 5*time.Second, 10*time.Millisecond)
}

func TestEngine_IdempotentReconcileSettles(t *testing.T) {
	m := store.NewMemory(store.MemoryOptions{})
	e := NewEngine(m, EngineOptions{})

	ready := json.RawMessage(`{"phase":"Ready"}`)
	r := &recordingReconciler{}
	r.fn = func(ctx context.Context, req Request) (Result, error) {
		cur, err := m.Get(ctx, req.Key)
		if err != nil {
			if store.IsNotFound(err) {
				return Result{}, nil
			}
			return Result{}, err
		}
		// Write status only when it differs from the desired outcome, so
		// repeated passes over unchanged state touch nothing.
		if string(cur.Status) == string(ready) {
			return Result{}, nil
		}
		cur.Status = ready
		_, err = m.Write(ctx, cur)
		return Result{}, err
	}

	require.NoError(t, e.RegisterController("thing", r, Options{Resync: 50 * time.Millisecond}))
	startEngine(t, e)

	rec := mustCreate(t, m, "thing", "a")
	key := rec.Key()

	require.Eventually(t, func() bool {
		cur, err := m.Get(context.Background(), key)
		return err == nil && string(cur.Status) == string(ready)
	}, 5*time.Second, 10*time.Millisecond)

	settled, err := m.Get(context.Background(), key)
	require.NoError(t, err)
	callsAtSettle := r.count(key)

	// Resyncs keep driving reconciles, but an idempotent pass over settled
	// state must not produce further writes.
	require.Eventually(t, func() bool { return r.count(key) >= callsAtSettle+2 }, 5*time.Second, 10*time.Millisecond)
	cur, err := m.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, settled.ResourceVersion, cur.ResourceVersion, "settled record must not be rewritten")
}

func TestEngine_ConflictRetriesImmediately(t *testing.T) {
	m := store.NewMemory(store.MemoryOptions{})
	mx := metrics.New()
	e := NewEngine(m, EngineOptions{Metrics: mx})

	var sabotaged atomic.Bool
	r := &recordingReconciler{}
	r.fn = func(ctx context.Context, req Request) (Result, error) {
		cur, err := m.Get(ctx, req.Key)
		if err != nil {
			return Result{}, err
		}
		if len(cur.Status) != 0 {
			return Result{}, nil
		}
		if sabotaged.CompareAndSwap(false, true) {
			// A competing writer slips in between read and write.
			fresh, gerr := m.Get(ctx, req.Key)
			if gerr != nil {
				return Result{}, gerr
			}
			fresh.Spec = json.RawMessage(`{"v":2}`)
			if _, werr := m.Write(ctx, fresh); werr != nil {
				return Result{}, werr
			}
		}
		cur.Status = json.RawMessage(`{"phase":"Ready"}`)
		_, err = m.Write(ctx, cur)
		return Result{}, err
	}

	require.NoError(t, e.RegisterController("thing", r, Options{}))
	startEngine(t, e)

	key := mustCreate(t, m, "thing", "a").Key()

	require.Eventually(t, func() bool {
		cur, err := m.Get(context.Background(), key)
		return err == nil && len(cur.Status) != 0
	}, 5*time.Second, 10*time.Millisecond)

	assert.GreaterOrEqual(t, testutil.ToFloat64(mx.ReconcileTotal.WithLabelValues("thing", metrics.ResultConflict)), 1.0)
	// Losing the version race must converge within a handful of attempts,
	// not spiral.
	assert.LessOrEqual(t, r.count(key), 5)
}

func TestEngine_TerminalErrorKeepsRetrying(t *testing.T) {
	m := store.NewMemory(store.MemoryOptions{})
	mx := metrics.New()
	e := NewEngine(m, EngineOptions{Metrics: mx})

	var fixed atomic.Bool
	r := &recordingReconciler{}
	r.fn = func(ctx context.Context, req Request) (Result, error) {
		if !fixed.Load() {
			return Result{}, Terminal(errors.New("negative replica count"))
		}
		return Result{}, nil
	}

	require.NoError(t, e.RegisterController("thing", r, Options{
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
	}))
	startEngine(t, e)

	key := mustCreate(t, m, "thing", "a").Key()

	// The key is never dropped: backoff keeps the retries coming.
	require.Eventually(t, func() bool { return r.count(key) >= 3 }, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, testutil.ToFloat64(mx.ReconcileTotal.WithLabelValues("thing", metrics.ResultTerminal)), 3.0)

	// Fixing the desired state recovers without outside help.
	fixed.Store(true)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(mx.ReconcileTotal.WithLabelValues("thing", metrics.ResultSuccess)) >= 1.0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEngine_RequeueAfterFires(t *testing.T) {
	m := store.NewMemory(store.MemoryOptions{})
	e := NewEngine(m, EngineOptions{})

	r := &recordingReconciler{}
	r.fn = func(ctx context.Context, req Request) (Result, error) {
		return Result{RequeueAfter: 10 * time.Millisecond}, nil
	}
	require.NoError(t, e.RegisterController("thing", r, Options{}))
	startEngine(t, e)

	key := mustCreate(t, m, "thing", "a").Key()
	require.Eventually(t, func() bool { return r.count(key) >= 3 }, 5*time.Second, 10*time.Millisecond)
}

func TestEngine_ShutdownDrainsWorkers(t *testing.T) {
	m := store.NewMemory(store.MemoryOptions{})
	e := NewEngine(m, EngineOptions{})

	var inFlight, maxObserved atomic.Int32
	r := &recordingReconciler{}
	r.fn = func(ctx context.Context, req Request) (Result, error) {
		n := inFlight.Add(1)
		if n > maxObserved.Load() {
			maxObserved.Store(n)
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return Result{}, nil
	}
	require.NoError(t, e.RegisterController("thing", r, Options{}))

	runDone := make(chan error, 1)
	go func() { runDone <- e.Run(context.Background()) }()

	for _, name := range []string{"a", "b", "c", "d"} {
		mustCreate(t, m, "thing", name)
	}
	require.Eventually(t, func() bool { return r.total() >= 1 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, e.Shutdown(5*time.Second))
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
	assert.Zero(t, inFlight.Load(), "no reconcile may outlive Shutdown")
}

func TestEngine_ShutdownGraceExceeded(t *testing.T) {
	m := store.NewMemory(store.MemoryOptions{})
	e := NewEngine(m, EngineOptions{})

	r := &recordingReconciler{}
	r.fn = func(ctx context.Context, req Request) (Result, error) {
		time.Sleep(500 * time.Millisecond)
		return Result{}, nil
	}
	require.NoError(t, e.RegisterController("thing", r, Options{}))

	runDone := make(chan error, 1)
	go func() { runDone <- e.Run(context.Background()) }()

	key := mustCreate(t, m, "thing", "slow").Key()
	require.Eventually(t, func() bool { return r.count(key) >= 1 }, 5*time.Second, 5*time.Millisecond)

	assert.Error(t, e.Shutdown(10*time.Millisecond), "grace shorter than the slowest reconcile must report failure")
	<-runDone
}

func TestEngine_LeaseGatesReconciling(t *testing.T) {
	m := store.NewMemory(store.MemoryOptions{})

	leaseOpts := func(identity string) Options {
		return Options{
			LeaseName:     "thing-lease",
			Identity:      identity,
			LeaseDuration: time.Second,
			RenewInterval: 250 * time.Millisecond,
			PollInterval:  50 * time.Millisecond,
		}
	}

	e1 := NewEngine(m, EngineOptions{})
	r1 := &recordingReconciler{}
	require.NoError(t, e1.RegisterController("thing", r1, leaseOpts("node-1")))

	e2 := NewEngine(m, EngineOptions{})
	r2 := &recordingReconciler{}
	require.NoError(t, e2.RegisterController("thing", r2, leaseOpts("node-2")))

	run1 := make(chan error, 1)
	go func() { run1 <- e1.Run(context.Background()) }()
	run2 := make(chan error, 1)
	go func() { run2 <- e2.Run(context.Background()) }()
	t.Cleanup(func() {
		_ = e1.Shutdown(5 * time.Second)
		_ = e2.Shutdown(5 * time.Second)
	})

	key := mustCreate(t, m, "thing", "a").Key()

	require.Eventually(t, func() bool {
		return r1.count(key) > 0 || r2.count(key) > 0
	}, 10*time.Second, 10*time.Millisecond)

	// Only the lease holder reconciles.
	time.Sleep(500 * time.Millisecond)
	leader, standby := r1, r2
	leaderEngine := e1
	if r2.count(key) > 0 {
		leader, standby = r2, r1
		leaderEngine = e2
	}
	assert.Positive(t, leader.count(key))
	assert.Zero(t, standby.count(key), "standby replica must stay idle while the lease is held")

	// Graceful shutdown releases the lease and the standby takes over.
	require.NoError(t, leaderEngine.Shutdown(5*time.Second))
	require.Eventually(t, func() bool { return standby.count(key) > 0 }, 10*time.Second, 10*time.Millisecond)
}
