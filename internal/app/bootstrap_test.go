package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"converge/internal/leader"
	"converge/internal/replicas"
	"converge/internal/store"
)

func writeAppConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNewApplication_DefaultsWhenConfigMissing(t *testing.T) {
	app, err := NewApplication(NewConfig(filepath.Join(t.TempDir(), "config.yaml"), false))
	require.NoError(t, err)
	assert.NotNil(t, app.Store())
}

func TestNewApplication_RejectsInvalidConfig(t *testing.T) {
	path := writeAppConfig(t, "controller:\n  workers: -1\n")
	_, err := NewApplication(NewConfig(path, false))
	assert.Error(t, err)
}

func TestApplication_HAModeReconcilesAllKinds(t *testing.T) {
	path := writeAppConfig(t, `
metrics:
  enabled: false
election:
  enabled: true
  leaseName: converge
  leaseDuration: 1s
  renewInterval: 250ms
  pollInterval: 100ms
shutdownGrace: 5s
`)
	app, err := NewApplication(NewConfig(path, false))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- app.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-runDone
	})

	_, err = app.Store().Write(context.Background(), &store.Record{
		Kind: replicas.KindWorkload,
		Name: "web",
		Spec: json.RawMessage(`{"replicas":2}`),
	})
	require.NoError(t, err)

	// Full readiness needs both the workload and the instance controllers
	// to reconcile, so both must be able to win their leases.
	key := store.Key{Kind: replicas.KindWorkload, Name: "web"}
	require.Eventually(t, func() bool {
		rec, err := app.Store().Get(context.Background(), key)
		if err != nil {
			return false
		}
		var status replicas.WorkloadStatus
		return json.Unmarshal(rec.Status, &status) == nil && status.ReadyReplicas == 2
	}, 15*time.Second, 10*time.Millisecond, "both controllers must reconcile under election")

	// One lease per controller.
	for _, kind := range []string{replicas.KindWorkload, replicas.KindInstance} {
		_, err := app.Store().Get(context.Background(), store.Key{
			Kind: leader.LeaseKind,
			Name: leaseNameFor("converge", kind),
		})
		assert.NoError(t, err, "missing lease for %s controller", kind)
	}
}

func TestApplication_RunsAndDrainsOnCancel(t *testing.T) {
	path := writeAppConfig(t, `
metrics:
  enabled: false
controller:
  resync: 100ms
shutdownGrace: 5s
`)
	app, err := NewApplication(NewConfig(path, false))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- app.Run(ctx) }()

	// The shipped controllers converge a seeded workload.
	_, err = app.Store().Write(context.Background(), &store.Record{
		Kind: replicas.KindWorkload,
		Name: "web",
		Spec: json.RawMessage(`{"replicas":1}`),
	})
	require.NoError(t, err)

	key := store.Key{Kind: replicas.KindWorkload, Name: "web"}
	require.Eventually(t, func() bool {
		rec, err := app.Store().Get(context.Background(), key)
		if err != nil {
			return false
		}
		var status replicas.WorkloadStatus
		return json.Unmarshal(rec.Status, &status) == nil && status.ReadyReplicas == 1
	}, 10*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("application did not stop after cancel")
	}
}
