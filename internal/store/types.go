package store

import (
	"encoding/json"
	"time"
)

// Key uniquely identifies a record and is the only unit of work passed
// between the informer, the work queue and the reconcilers. Queues never
// carry full records, so a dequeued key always resolves against the latest
// cache state.
type Key struct {
	Kind      string
	Namespace string
	Name      string
}

// String renders the key as kind/namespace/name (namespace omitted when empty).
func (k Key) String() string {
	if k.Namespace != "" {
		return k.Kind + "/" + k.Namespace + "/" + k.Name
	}
	return k.Kind + "/" + k.Name
}

// OwnerReference is a named back-reference from a dependent record to the
// record that created it. It never holds a direct pointer; the garbage
// collector resolves it by index lookup.
type OwnerReference struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
	UID  string `json:"uid"`
}

// Record is a versioned, typed object held in the store. Spec carries the
// declared desired state and Status the observed state; both are opaque JSON
// documents that typed reconcilers unmarshal for themselves.
type Record struct {
	Kind      string `json:"kind"`
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name"`

	// UID is assigned by the store on creation and never reused, so owner
	// references survive delete/recreate cycles without aliasing.
	UID string `json:"uid,omitempty"`

	// ResourceVersion is an opaque optimistic-concurrency token. It strictly
	// increases on every accepted write to this key. Writers must echo back
	// the version they last read; a stale version is rejected with a
	// ConflictError.
	ResourceVersion int64 `json:"resourceVersion"`

	Labels          map[string]string `json:"labels,omitempty"`
	Finalizers      []string          `json:"finalizers,omitempty"`
	OwnerReferences []OwnerReference  `json:"ownerReferences,omitempty"`

	// DeletionTimestamp marks the record soft-deleted. The record stays
	// visible to reconcilers for finalizer cleanup and is purged by the
	// store once the finalizer list empties.
	DeletionTimestamp *time.Time `json:"deletionTimestamp,omitempty"`

	Spec   json.RawMessage `json:"spec,omitempty"`
	Status json.RawMessage `json:"status,omitempty"`
}

// Key returns the reconcile key for the record.
func (r *Record) Key() Key {
	return Key{Kind: r.Kind, Namespace: r.Namespace, Name: r.Name}
}

// Deleting reports whether the record is soft-deleted and awaiting finalizer
// cleanup.
func (r *Record) Deleting() bool {
	return r.DeletionTimestamp != nil
}

// HasFinalizer reports whether the named finalizer is present.
func (r *Record) HasFinalizer(name string) bool {
	for _, f := range r.Finalizers {
		if f == name {
			return true
		}
	}
	return false
}

// AddFinalizer appends the named finalizer if not already present and
// reports whether the list changed.
func (r *Record) AddFinalizer(name string) bool {
	if r.HasFinalizer(name) {
		return false
	}
	r.Finalizers = append(r.Finalizers, name)
	return true
}

// RemoveFinalizer removes the named finalizer and reports whether the list
// changed.
func (r *Record) RemoveFinalizer(name string) bool {
	for i, f := range r.Finalizers {
		if f == name {
			r.Finalizers = append(r.Finalizers[:i], r.Finalizers[i+1:]...)
			return true
		}
	}
	return false
}

// OwnedBy reports whether the record carries an owner reference matching the
// given owner identity.
func (r *Record) OwnedBy(kind, name, uid string) bool {
	for _, ref := range r.OwnerReferences {
		if ref.Kind == kind && ref.Name == name && ref.UID == uid {
			return true
		}
	}
	return false
}

// DeepCopy returns a structurally independent copy of the record.
func (r *Record) DeepCopy() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.Labels != nil {
		out.Labels = make(map[string]string, len(r.Labels))
		for k, v := range r.Labels {
			out.Labels[k] = v
		}
	}
	if r.Finalizers != nil {
		out.Finalizers = append([]string(nil), r.Finalizers...)
	}
	if r.OwnerReferences != nil {
		out.OwnerReferences = append([]OwnerReference(nil), r.OwnerReferences...)
	}
	if r.DeletionTimestamp != nil {
		t := *r.DeletionTimestamp
		out.DeletionTimestamp = &t
	}
	if r.Spec != nil {
		out.Spec = append(json.RawMessage(nil), r.Spec...)
	}
	if r.Status != nil {
		out.Status = append(json.RawMessage(nil), r.Status...)
	}
	return &out
}

// EventType classifies a store change notification.
type EventType string

const (
	// Added indicates a record was created.
	Added EventType = "Added"

	// Modified indicates an existing record was updated (including the
	// soft-delete that sets DeletionTimestamp).
	Modified EventType = "Modified"

	// Deleted indicates a record was removed from the store. The event
	// carries the record's final state.
	Deleted EventType = "Deleted"
)

// Event is a single change notification from a watch stream.
type Event struct {
	Type   EventType
	Record *Record

	// Version is the store revision at which the event occurred; watchers
	// use it as a resume bookmark.
	Version int64
}
