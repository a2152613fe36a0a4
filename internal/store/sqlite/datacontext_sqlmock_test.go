package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trestle/engine/internal/store"
	"github.com/trestle/engine/internal/store/sqlite"
)

func TestInsertMetadataExecutesExpectedSQL(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO metadata").
		WithArgs("ext-1", "DemoWorkflow", sqlmock.AnyArg(), "Pending", sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(42, 1))

	dc := sqlite.New(db)
	m := &store.Metadata{
		ExternalID:    "ext-1",
		Name:          "DemoWorkflow",
		WorkflowState: store.WorkflowPending,
		StartTime:     time.Now(),
	}
	err = dc.InsertMetadata(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, int64(42), m.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAcknowledgeDeadLetterOnlyAffectsAwaitingIntervention(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE dead_letter SET status = 'Acknowledged'").
		WithArgs(sqlmock.AnyArg(), "resolved by operator", int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	dc := sqlite.New(db)
	err = dc.AcknowledgeDeadLetter(context.Background(), 7, "resolved by operator", time.Now())
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
