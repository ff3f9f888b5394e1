// Package replicas ships the concrete controllers the binary runs: a
// Workload reconciler that scales owned Instance records to a declared
// replica count, and an Instance reconciler that drives instances to Ready.
package replicas

import (
	"encoding/json"
	"fmt"

	"converge/internal/store"
)

const (
	// KindWorkload is the declarative parent kind.
	KindWorkload = "Workload"

	// KindInstance is the dependent kind scaled by the workload controller.
	KindInstance = "Instance"

	// cleanupFinalizer defers workload deletion until its instances are
	// removed.
	cleanupFinalizer = "replicas/instance-cleanup"
)

// Condition types and statuses surfaced on workload status.
const (
	ConditionAvailable = "Available"
	ConditionDegraded  = "Degraded"

	ConditionTrue  = "True"
	ConditionFalse = "False"
)

// Condition is one observed facet of a workload's state.
type Condition struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// WorkloadSpec is the declared state of a workload.
type WorkloadSpec struct {
	Replicas int `json:"replicas"`
}

// WorkloadStatus is the observed state the workload controller reports.
type WorkloadStatus struct {
	Replicas      int         `json:"replicas"`
	ReadyReplicas int         `json:"readyReplicas"`
	Conditions    []Condition `json:"conditions,omitempty"`
}

// InstanceStatus is the observed state of a single instance.
type InstanceStatus struct {
	Ready bool `json:"ready"`
}

func decodeWorkloadSpec(rec *store.Record) (WorkloadSpec, error) {
	var spec WorkloadSpec
	if len(rec.Spec) == 0 {
		return spec, nil
	}
	if err := json.Unmarshal(rec.Spec, &spec); err != nil {
		return spec, fmt.Errorf("decoding workload spec for %s: %w", rec.Key(), err)
	}
	return spec, nil
}

func decodeInstanceStatus(rec *store.Record) InstanceStatus {
	var status InstanceStatus
	if len(rec.Status) != 0 {
		// A malformed status reads as not ready.
		_ = json.Unmarshal(rec.Status, &status)
	}
	return status
}

// instanceName derives the deterministic name of the i-th instance, so
// repeated reconciles converge on the same dependent set.
func instanceName(workload string, i int) string {
	return fmt.Sprintf("%s-%d", workload, i)
}
