package leader

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/wait"

	"converge/internal/store"
	"converge/pkg/logging"
)

// State is the elector's position in the election state machine.
type State string

const (
	// StateFollower means another process holds (or may hold) the lease.
	StateFollower State = "Follower"

	// StateCandidate means the elector is attempting to acquire the lease.
	StateCandidate State = "Candidate"

	// StateLeader means this process holds the lease and may reconcile.
	StateLeader State = "Leader"
)

// Election timing defaults: the classic duration/renew/poll split where a
// leader renews well inside its lease and a failed renewal demotes it long
// before followers consider the lease lapsed.
const (
	DefaultLeaseDuration = 15 * time.Second
	DefaultRenewInterval = 10 * time.Second
	DefaultPollInterval  = 2 * time.Second
	defaultPollJitter    = 0.2
)

// Config configures an Elector.
type Config struct {
	// LeaseName names the lease record gating one controller.
	LeaseName string

	// Identity uniquely identifies this process. Defaults to
	// hostname_<random suffix>.
	Identity string

	// LeaseDuration is how long an unrenewed lease stays valid.
	LeaseDuration time.Duration

	// RenewInterval is how often a leader renews. Must be strictly less
	// than LeaseDuration.
	RenewInterval time.Duration

	// PollInterval is how often a follower retries acquisition, jittered
	// to avoid herds.
	PollInterval time.Duration

	// Clock drives all election timing. Defaults to the wall clock.
	Clock clock.Clock

	// OnStartedLeading runs in its own goroutine when leadership is won;
	// its context is cancelled the moment leadership is lost.
	OnStartedLeading func(ctx context.Context)

	// OnStoppedLeading runs after leadership is lost or released.
	OnStoppedLeading func(reason string)

	// OnNewHolder fires whenever the observed lease holder changes,
	// including to this process. Used for the transition metrics.
	OnNewHolder func(identity string)
}

func (c *Config) applyDefaults() error {
	if c.LeaseName == "" {
		return fmt.Errorf("lease name is required")
	}
	if c.Identity == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "converge"
		}
		c.Identity = host + "_" + uuid.NewString()[:8]
	}
	if c.LeaseDuration == 0 {
		c.LeaseDuration = DefaultLeaseDuration
	}
	if c.RenewInterval == 0 {
		c.RenewInterval = DefaultRenewInterval
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.LeaseDuration < time.Second {
		return fmt.Errorf("lease duration %v must be at least one second", c.LeaseDuration)
	}
	if c.RenewInterval >= c.LeaseDuration {
		return fmt.Errorf("renew interval %v must be shorter than lease duration %v", c.RenewInterval, c.LeaseDuration)
	}
	if c.Clock == nil {
		c.Clock = clock.NewClock()
	}
	return nil
}

// Elector runs lease-based leader election for one controller. All
// cross-process coordination goes through the store's conditional-write
// primitive; the elector holds no lock shared with other processes.
type Elector struct {
	client store.Client
	cfg    Config
	clock  clock.Clock

	mu             sync.Mutex
	state          State
	observedHolder string
}

// New creates an elector. The config is validated and defaulted.
func New(client store.Client, cfg Config) (*Elector, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &Elector{
		client: client,
		cfg:    cfg,
		clock:  cfg.Clock,
		state:  StateFollower,
	}, nil
}

// Identity returns the elector's process identity.
func (e *Elector) Identity() string {
	return e.cfg.Identity
}

// State returns the current election state.
func (e *Elector) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// IsLeader reports whether this process currently holds the lease.
func (e *Elector) IsLeader() bool {
	return e.State() == StateLeader
}

func (e *Elector) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Run executes the election loop until the context ends: campaign until the
// lease is won, lead until it is lost, repeat.
func (e *Elector) Run(ctx context.Context) error {
	logging.Info("Elector", "%s: joining election as %s", e.cfg.LeaseName, e.cfg.Identity)
	for {
		if !e.campaign(ctx) {
			return ctx.Err()
		}
		e.lead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// campaign polls for the lease at a jittered interval until acquired. It
// returns false when the context ended first.
func (e *Elector) campaign(ctx context.Context) bool {
	for {
		if ctx.Err() != nil {
			return false
		}

		e.setState(StateCandidate)
		if e.tryAcquireOrRenew(ctx) {
			return true
		}
		e.setState(StateFollower)

		t := e.clock.NewTimer(wait.Jitter(e.cfg.PollInterval, defaultPollJitter))
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C():
		}
	}
}

// lead renews the lease until renewal fails or the context ends. A renewal
// that cannot be confirmed demotes immediately: others assume this process
// dead after LeaseDuration, so it must stop acting on uncertainty strictly
// faster than that.
func (e *Elector) lead(ctx context.Context) {
	leaderCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.setState(StateLeader)
	logging.Info("Elector", "%s: became leader as %s", e.cfg.LeaseName, e.cfg.Identity)

	if cb := e.cfg.OnStartedLeading; cb != nil {
		go cb(leaderCtx)
	}

	renewTimer := e.clock.NewTimer(e.cfg.RenewInterval)
	defer renewTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			e.release()
			e.demote(cancel, "shutdown")
			return

		case <-renewTimer.C():
			renewCtx, renewCancel := context.WithTimeout(ctx, e.renewTimeout())
			ok := e.tryAcquireOrRenew(renewCtx)
			renewCancel()

			if !ok {
				logging.Warn("Elector", "%s: lost leadership, could not renew lease", e.cfg.LeaseName)
				e.demote(cancel, "lease renewal failed")
				return
			}
			renewTimer.Reset(e.cfg.RenewInterval)
		}
	}
}

func (e *Elector) demote(cancel context.CancelFunc, reason string) {
	cancel()
	e.setState(StateFollower)
	if cb := e.cfg.OnStoppedLeading; cb != nil {
		cb(reason)
	}
}

// renewTimeout bounds a single renewal attempt so an unreachable store
// cannot stall demotion past the lease window.
func (e *Elector) renewTimeout() time.Duration {
	d := e.cfg.LeaseDuration - e.cfg.RenewInterval
	if d < time.Second {
		d = time.Second
	}
	return d
}

// tryAcquireOrRenew performs one atomic create-or-update attempt on the
// lease record. It succeeds only when the lease is unheld, expired, or
// already ours; losing a write race is an ordinary false.
func (e *Elector) tryAcquireOrRenew(ctx context.Context) bool {
	now := e.clock.Now()
	key := leaseKey(e.cfg.LeaseName)

	rec, err := e.client.Get(ctx, key)
	if store.IsNotFound(err) {
		lease := &Lease{
			HolderIdentity:       e.cfg.Identity,
			LeaseDurationSeconds: int(e.cfg.LeaseDuration / time.Second),
			RenewTime:            now,
		}
		fresh := &store.Record{Kind: LeaseKind, Name: e.cfg.LeaseName}
		if err := encodeLease(fresh, lease); err != nil {
			logging.Error("Elector", err, "%s: failed to encode lease", e.cfg.LeaseName)
			return false
		}
		if _, err := e.client.Write(ctx, fresh); err != nil {
			logging.Debug("Elector", "%s: lost creation race: %v", e.cfg.LeaseName, err)
			return false
		}
		e.observeHolder(e.cfg.Identity)
		return true
	}
	if err != nil {
		logging.Warn("Elector", "%s: failed to read lease: %v", e.cfg.LeaseName, err)
		return false
	}

	lease, err := decodeLease(rec)
	if err != nil {
		logging.Error("Elector", err, "%s: lease record is corrupt", e.cfg.LeaseName)
		return false
	}

	if lease.HolderIdentity != e.cfg.Identity && !lease.Expired(now) {
		e.observeHolder(lease.HolderIdentity)
		return false
	}

	renewed := &Lease{
		HolderIdentity:       e.cfg.Identity,
		LeaseDurationSeconds: int(e.cfg.LeaseDuration / time.Second),
		RenewTime:            now,
		LeaderTransitions:    lease.LeaderTransitions,
	}
	if lease.HolderIdentity != e.cfg.Identity {
		renewed.LeaderTransitions++
	}
	if err := encodeLease(rec, renewed); err != nil {
		logging.Error("Elector", err, "%s: failed to encode lease", e.cfg.LeaseName)
		return false
	}

	if _, err := e.client.Write(ctx, rec); err != nil {
		// A conflict means a rival won the race; anything else means the
		// store could not confirm our hold. Either way we are not leader.
		logging.Debug("Elector", "%s: lease write failed: %v", e.cfg.LeaseName, err)
		return false
	}

	e.observeHolder(e.cfg.Identity)
	return true
}

// release hands the lease back on graceful shutdown by zeroing the renew
// time into the past, letting a successor acquire immediately instead of
// waiting out the full duration. Best effort: the parent context is already
// done, so a short independent deadline bounds the write.
func (e *Elector) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := leaseKey(e.cfg.LeaseName)
	rec, err := e.client.Get(ctx, key)
	if err != nil {
		return
	}
	lease, err := decodeLease(rec)
	if err != nil || lease.HolderIdentity != e.cfg.Identity {
		return
	}

	lease.RenewTime = e.clock.Now().Add(-lease.Duration())
	if err := encodeLease(rec, lease); err != nil {
		return
	}
	if _, err := e.client.Write(ctx, rec); err != nil {
		logging.Debug("Elector", "%s: lease release failed: %v", e.cfg.LeaseName, err)
		return
	}
	logging.Info("Elector", "%s: released lease", e.cfg.LeaseName)
}

func (e *Elector) observeHolder(identity string) {
	e.mu.Lock()
	changed := identity != e.observedHolder
	if changed {
		e.observedHolder = identity
	}
	e.mu.Unlock()

	if changed && e.cfg.OnNewHolder != nil {
		e.cfg.OnNewHolder(identity)
	}
}
