package bootstrap_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trestle/engine/internal/bootstrap"
	"github.com/trestle/engine/internal/scheduler"
	"github.com/trestle/engine/internal/store/sqlite"
	"github.com/trestle/engine/pkg/jsonopts"
)

func newTestService(t *testing.T) *scheduler.Service {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	return scheduler.NewService(&sqlite.Factory{DB: db}, jsonopts.Compact())
}

const sampleManifestsYAML = `
manifests:
  - externalId: nightly-report
    workflowName: ReportWorkflow
    propertyType: greetInput
    cron: "0 2 * * *"
    maxRetries: 3
    group: reports
  - workflowName: OnDemandGreet
    propertyType: greetInput
    onDemand: true
`

func TestLoad_SchedulesEveryEntry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifests.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleManifestsYAML), 0o644))

	svc := newTestService(t)
	specs, err := bootstrap.Load(context.Background(), svc, path)
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, "nightly-report", specs[0].ExternalID)
	assert.Equal(t, "reports", specs[0].Group)
	assert.True(t, specs[1].OnDemand)
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	svc := newTestService(t)
	specs, err := bootstrap.Load(context.Background(), svc, filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Nil(t, specs)
}

func TestLoad_EmptyManifestListIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifests.yaml")
	require.NoError(t, os.WriteFile(path, []byte("manifests: []\n"), 0o644))

	svc := newTestService(t)
	specs, err := bootstrap.Load(context.Background(), svc, path)
	require.NoError(t, err)
	assert.Nil(t, specs)
}

func TestLoad_MalformedYAMLReturnsError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifests.yaml")
	require.NoError(t, os.WriteFile(path, []byte("manifests: [this is not valid"), 0o644))

	svc := newTestService(t)
	_, err := bootstrap.Load(context.Background(), svc, path)
	assert.Error(t, err)
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifests.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`manifests:
  - workflowName: First
    propertyType: greetInput
    onDemand: true
`), 0o644))

	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	factory := &sqlite.Factory{DB: db}
	svc := scheduler.NewService(factory, jsonopts.Compact())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bootstrap.Watch(ctx, svc, path, nil))

	require.Eventually(t, func() bool {
		return countManifests(t, ctx, factory) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(`manifests:
  - workflowName: First
    propertyType: greetInput
    onDemand: true
  - workflowName: Second
    propertyType: greetInput
    onDemand: true
`), 0o644))

	require.Eventually(t, func() bool {
		return countManifests(t, ctx, factory) == 3
	}, 2*time.Second, 20*time.Millisecond)
}

func countManifests(t *testing.T, ctx context.Context, factory *sqlite.Factory) int {
	t.Helper()
	dc, err := factory.New(ctx)
	require.NoError(t, err)
	defer dc.Close(ctx)
	ms, err := dc.ListManifests(ctx)
	require.NoError(t, err)
	return len(ms)
}
