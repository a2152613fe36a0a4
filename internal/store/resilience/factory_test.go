package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trestle/engine/internal/store"
	"github.com/trestle/engine/internal/store/resilience"
)

type flakyFactory struct {
	failures int
	calls    int
}

func (f *flakyFactory) New(ctx context.Context) (store.DataContext, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("connection refused")
	}
	return fakeDataContext{}, nil
}

type fakeDataContext struct{ store.DataContext }

func TestFactory_RetriesTransientFailureThenSucceeds(t *testing.T) {
	inner := &flakyFactory{failures: 2}
	f := resilience.New(inner, resilience.Config{
		MaxElapsedTime:          5 * time.Second,
		BreakerMaxRequests:      1,
		BreakerTimeout:          time.Second,
		BreakerFailureThreshold: 5,
	})

	dc, err := f.New(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, dc)
	assert.Equal(t, 3, inner.calls)
}

func TestFactory_TripsBreakerAfterConsecutiveFailures(t *testing.T) {
	inner := &flakyFactory{failures: 1000}
	f := resilience.New(inner, resilience.Config{
		MaxElapsedTime:          10 * time.Millisecond,
		BreakerMaxRequests:      1,
		BreakerTimeout:          time.Minute,
		BreakerFailureThreshold: 2,
	})

	for i := 0; i < 2; i++ {
		_, err := f.New(context.Background())
		assert.Error(t, err)
	}

	_, err := f.New(context.Background())
	require.Error(t, err)
	var transient store.TransientError
	assert.ErrorAs(t, err, &transient)
}
