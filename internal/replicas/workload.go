package replicas

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"converge/internal/controller"
	"converge/internal/store"
	"converge/pkg/logging"
)

// DefaultReadinessPoll is how soon a partially ready workload is looked at
// again. Instance readiness changes do not feed the workload's queue, so the
// controller polls its way to full readiness.
const DefaultReadinessPoll = time.Second

// WorkloadReconciler drives Instance records toward a workload's declared
// replica count. Every pass is a full diff of desired against observed, so
// re-running it over unchanged state writes nothing. Observed state comes
// from the informer caches; only writes go to the store, and a stale cached
// version surfaces as a write conflict that requeues the key.
type WorkloadReconciler struct {
	client        store.Client
	caches        controller.Reader
	readinessPoll time.Duration
}

// NewWorkloadReconciler creates the workload reconciler.
func NewWorkloadReconciler(client store.Client, caches controller.Reader) *WorkloadReconciler {
	return &WorkloadReconciler{client: client, caches: caches, readinessPoll: DefaultReadinessPoll}
}

// Reconcile implements controller.Reconciler for kind Workload.
func (r *WorkloadReconciler) Reconcile(ctx context.Context, req controller.Request) (controller.Result, error) {
	workload, ok := r.caches.Get(req.Key)
	if !ok {
		return controller.Result{}, nil
	}

	if workload.Deleting() {
		return controller.Result{}, r.finalize(ctx, workload)
	}

	// The finalizer must be in place before any instance exists, otherwise
	// a delete racing the first scale-up leaks instances.
	if workload.AddFinalizer(cleanupFinalizer) {
		_, err := r.client.Write(ctx, workload)
		return controller.Result{}, err
	}

	spec, err := decodeWorkloadSpec(workload)
	if err != nil {
		return controller.Result{}, controller.Terminal(err)
	}
	if spec.Replicas < 0 {
		cond := Condition{
			Type:    ConditionDegraded,
			Status:  ConditionTrue,
			Reason:  "InvalidSpec",
			Message: fmt.Sprintf("replicas must not be negative, got %d", spec.Replicas),
		}
		if err := r.writeStatus(ctx, workload, WorkloadStatus{Conditions: []Condition{cond}}); err != nil {
			return controller.Result{}, err
		}
		return controller.Result{}, controller.Terminal(fmt.Errorf("workload %s declares %d replicas", req.Key, spec.Replicas))
	}

	owned := r.ownedInstances(workload)

	desired := make(map[string]bool, spec.Replicas)
	for i := 0; i < spec.Replicas; i++ {
		desired[instanceName(workload.Name, i)] = true
	}

	observed := make(map[string]*store.Record, len(owned))
	for _, inst := range owned {
		observed[inst.Name] = inst
	}

	created := 0
	for name := range desired {
		if _, ok := observed[name]; ok {
			continue
		}
		if err := r.createInstance(ctx, workload, name); err != nil {
			return controller.Result{}, err
		}
		created++
	}

	removed := 0
	for name, inst := range observed {
		if desired[name] {
			continue
		}
		if err := r.client.Delete(ctx, inst.Key(), inst.ResourceVersion); err != nil && !store.IsNotFound(err) {
			return controller.Result{}, err
		}
		delete(observed, name)
		removed++
	}

	if created > 0 || removed > 0 {
		logging.Info("Controller", "workload %s scaled: %d created, %d removed (desired %d)",
			req.Key, created, removed, spec.Replicas)
	}

	ready := 0
	for name, inst := range observed {
		if desired[name] && decodeInstanceStatus(inst).Ready {
			ready++
		}
	}

	status := WorkloadStatus{
		Replicas:      len(observed) + created,
		ReadyReplicas: ready,
		Conditions:    []Condition{availability(ready, spec.Replicas)},
	}
	if err := r.writeStatus(ctx, workload, status); err != nil {
		return controller.Result{}, err
	}

	if ready < spec.Replicas {
		return controller.Result{RequeueAfter: r.readinessPoll}, nil
	}
	return controller.Result{}, nil
}

func availability(ready, desired int) Condition {
	if ready >= desired {
		return Condition{
			Type:   ConditionAvailable,
			Status: ConditionTrue,
			Reason: "AllReplicasReady",
		}
	}
	return Condition{
		Type:    ConditionAvailable,
		Status:  ConditionFalse,
		Reason:  "ReplicasPending",
		Message: fmt.Sprintf("%d of %d replicas ready", ready, desired),
	}
}

// finalize deletes the workload's instances and then clears the finalizer,
// letting the store purge the soft-deleted record.
func (r *WorkloadReconciler) finalize(ctx context.Context, workload *store.Record) error {
	owned := r.ownedInstances(workload)
	for _, inst := range owned {
		if err := r.client.Delete(ctx, inst.Key(), inst.ResourceVersion); err != nil && !store.IsNotFound(err) {
			return err
		}
	}

	if workload.RemoveFinalizer(cleanupFinalizer) {
		logging.Info("Controller", "workload %s finalized, %d instances removed", workload.Key(), len(owned))
		_, err := r.client.Write(ctx, workload)
		return err
	}
	return nil
}

func (r *WorkloadReconciler) ownedInstances(workload *store.Record) []*store.Record {
	all := r.caches.List(KindInstance)
	owned := make([]*store.Record, 0, len(all))
	for _, inst := range all {
		if inst.Namespace == workload.Namespace && inst.OwnedBy(KindWorkload, workload.Name, workload.UID) {
			owned = append(owned, inst)
		}
	}
	return owned
}

func (r *WorkloadReconciler) createInstance(ctx context.Context, workload *store.Record, name string) error {
	_, err := r.client.Write(ctx, &store.Record{
		Kind:      KindInstance,
		Namespace: workload.Namespace,
		Name:      name,
		OwnerReferences: []store.OwnerReference{{
			Kind: KindWorkload,
			Name: workload.Name,
			UID:  workload.UID,
		}},
		Spec: json.RawMessage(`{}`),
	})
	return err
}

// writeStatus persists the computed status only when it differs from the
// stored one.
func (r *WorkloadReconciler) writeStatus(ctx context.Context, workload *store.Record, status WorkloadStatus) error {
	encoded, err := json.Marshal(status)
	if err != nil {
		return err
	}
	if bytes.Equal(workload.Status, encoded) {
		return nil
	}
	workload.Status = encoded
	_, err = r.client.Write(ctx, workload)
	return err
}
