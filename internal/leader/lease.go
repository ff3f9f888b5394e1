package leader

import (
	"encoding/json"
	"time"

	"converge/internal/store"
)

// LeaseKind is the store kind under which election leases live.
const LeaseKind = "Lease"

// Lease is the payload of a lease record. A single named lease gates one
// controller's execution across a fleet of redundant processes; ownership
// changes only through explicit acquire, renew and release writes.
type Lease struct {
	// HolderIdentity names the process currently holding the lease.
	HolderIdentity string `json:"holderIdentity"`

	// LeaseDurationSeconds is how long the lease is valid after RenewTime.
	// A candidate may take over once now > RenewTime + duration.
	LeaseDurationSeconds int `json:"leaseDurationSeconds"`

	// RenewTime is the holder's last successful renewal.
	RenewTime time.Time `json:"renewTime"`

	// LeaderTransitions counts changes of holder across the lease's life.
	LeaderTransitions int `json:"leaderTransitions"`
}

// Duration returns the lease validity window.
func (l *Lease) Duration() time.Duration {
	return time.Duration(l.LeaseDurationSeconds) * time.Second
}

// Expired reports whether the lease has lapsed at the given instant.
func (l *Lease) Expired(now time.Time) bool {
	if l.HolderIdentity == "" {
		return true
	}
	return now.After(l.RenewTime.Add(l.Duration()))
}

// leaseKey returns the store key for a named lease.
func leaseKey(name string) store.Key {
	return store.Key{Kind: LeaseKind, Name: name}
}

func decodeLease(rec *store.Record) (*Lease, error) {
	var l Lease
	if len(rec.Spec) == 0 {
		return &l, nil
	}
	if err := json.Unmarshal(rec.Spec, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func encodeLease(rec *store.Record, l *Lease) error {
	raw, err := json.Marshal(l)
	if err != nil {
		return err
	}
	rec.Spec = raw
	return nil
}
