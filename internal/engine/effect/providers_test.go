package effect_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trestle/engine/internal/engine/effect"
	"github.com/trestle/engine/internal/store"
	"github.com/trestle/engine/pkg/jsonopts"
)

func TestJSONProviderRecordsSnapshots(t *testing.T) {
	p := effect.NewJSONProvider(jsonopts.Pretty())
	p.Track(&store.Metadata{Name: "wf"})
	require.NoError(t, p.SaveChanges(context.Background()))
	snaps := p.Snapshots()
	require.Len(t, snaps, 1)
	assert.Contains(t, snaps[0], "store.Metadata")
}

func TestParameterProviderReencodesInputOutput(t *testing.T) {
	p := effect.NewParameterProvider(jsonopts.Pretty())
	m := &store.Metadata{Input: []byte(`{"a":1}`)}
	p.Track(m)
	assert.Contains(t, string(m.Input), "\n")
}

func TestParameterProviderIgnoresOtherModels(t *testing.T) {
	p := effect.NewParameterProvider(jsonopts.Compact())
	p.Track(&store.Log{Message: "hi"})
	require.NoError(t, p.SaveChanges(context.Background()))
}

type fakeProvider struct {
	tracked   int
	saveErr   error
	disposeErr error
	disposed  bool
}

func (f *fakeProvider) Track(any)                    { f.tracked++ }
func (f *fakeProvider) SaveChanges(context.Context) error { return f.saveErr }
func (f *fakeProvider) Dispose(context.Context) error {
	f.disposed = true
	return f.disposeErr
}

func TestRunnerTracksFansOutToAllProviders(t *testing.T) {
	a, b := &fakeProvider{}, &fakeProvider{}
	fa := staticFactory{p: a}
	fb := staticFactory{p: b}
	runner, err := effect.NewRunner(context.Background(), nil, []effect.ProviderFactory{fa, fb})
	require.NoError(t, err)
	runner.Track("x")
	assert.Equal(t, 1, a.tracked)
	assert.Equal(t, 1, b.tracked)
}

func TestRunnerDisposeCollectsAllFailures(t *testing.T) {
	a := &fakeProvider{disposeErr: assertErr("boom-a")}
	b := &fakeProvider{}
	runner, err := effect.NewRunner(context.Background(), nil, []effect.ProviderFactory{staticFactory{p: a}, staticFactory{p: b}})
	require.NoError(t, err)
	err = runner.Dispose(context.Background())
	require.Error(t, err)
	assert.True(t, a.disposed)
	assert.True(t, b.disposed)
}

type staticFactory struct{ p effect.Provider }

func (f staticFactory) New(context.Context) (effect.Provider, error) { return f.p, nil }

type assertErr string

func (e assertErr) Error() string { return string(e) }
