package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/trestle/engine/internal/store"
)

// DeadLetters wraps the store's DeadLetter rows with the higher-level
// Acknowledge/Retry API, rather than leaving callers to poke
// at AcknowledgeDeadLetter/RetryDeadLetter directly.
type DeadLetters struct {
	factory store.Factory
}

// NewDeadLetters builds a DeadLetters service.
func NewDeadLetters(factory store.Factory) *DeadLetters {
	return &DeadLetters{factory: factory}
}

// List returns dead letters, optionally filtered by status.
func (d *DeadLetters) List(ctx context.Context, status *store.DeadLetterStatus) ([]*store.DeadLetter, error) {
	dc, err := d.factory.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("deadletter: acquire data context: %w", err)
	}
	defer dc.Close(ctx)
	return dc.ListDeadLetters(ctx, status)
}

// Acknowledge marks a dead letter resolved without re-running it: the
// operator looked at it and decided it's fine.
func (d *DeadLetters) Acknowledge(ctx context.Context, id int64, note string) error {
	dc, err := d.factory.New(ctx)
	if err != nil {
		return fmt.Errorf("deadletter: acquire data context: %w", err)
	}
	defer dc.Close(ctx)
	return dc.AcknowledgeDeadLetter(ctx, id, note, time.Now().UTC())
}

// Retry re-enqueues the dead letter's manifest, optionally overriding its
// input, and marks the dead letter Retried. The returned WorkQueue row is
// the same shape the Manifest Manager itself would have produced.
func (d *DeadLetters) Retry(ctx context.Context, id int64, overrideInput []byte) (*store.WorkQueue, error) {
	dc, err := d.factory.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("deadletter: acquire data context: %w", err)
	}
	defer dc.Close(ctx)

	dl, err := dc.GetDeadLetter(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("deadletter: load %d: %w", id, err)
	}
	manifest, err := dc.GetManifest(ctx, dl.ManifestID)
	if err != nil {
		return nil, fmt.Errorf("deadletter: load manifest %d: %w", dl.ManifestID, err)
	}

	input := manifest.Properties
	if overrideInput != nil {
		input = overrideInput
	}

	wq, err := dc.RetryDeadLetter(ctx, id, manifest, input, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("deadletter: retry %d: %w", id, err)
	}
	return wq, nil
}
