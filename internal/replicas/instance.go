package replicas

import (
	"bytes"
	"context"
	"encoding/json"

	"converge/internal/controller"
	"converge/internal/store"
)

// InstanceReconciler drives instances to Ready. The bare record is the whole
// runtime here; a real deployment would start a process or container before
// reporting readiness. State is read from the informer cache and written
// through the store.
type InstanceReconciler struct {
	client store.Client
	caches controller.Reader
}

// NewInstanceReconciler creates the instance reconciler.
func NewInstanceReconciler(client store.Client, caches controller.Reader) *InstanceReconciler {
	return &InstanceReconciler{client: client, caches: caches}
}

// Reconcile implements controller.Reconciler for kind Instance.
func (r *InstanceReconciler) Reconcile(ctx context.Context, req controller.Request) (controller.Result, error) {
	inst, ok := r.caches.Get(req.Key)
	if !ok {
		return controller.Result{}, nil
	}
	if inst.Deleting() {
		return controller.Result{}, nil
	}

	encoded, err := json.Marshal(InstanceStatus{Ready: true})
	if err != nil {
		return controller.Result{}, err
	}
	if bytes.Equal(inst.Status, encoded) {
		return controller.Result{}, nil
	}
	inst.Status = encoded
	_, err = r.client.Write(ctx, inst)
	return controller.Result{}, err
}
