package remote

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fieldtrack/internal/tracking"
)

var _ Store = (*MockStore)(nil)
var _ Store = (*HTTPStore)(nil)
var _ Store = (*PostgresStore)(nil)

func TestMockStore_OneActivePerEmployee(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()

	require.NoError(t, m.CreateSession(ctx, tracking.Session{ID: "a", EmployeeID: "e1", Status: tracking.SessionActive}))
	err := m.CreateSession(ctx, tracking.Session{ID: "b", EmployeeID: "e1", Status: tracking.SessionActive})
	assert.ErrorIs(t, err, ErrConflict)

	require.NoError(t, m.EndSession(ctx, tracking.SessionEnd{SessionID: "a", DistanceKm: 1}))
	require.NoError(t, m.CreateSession(ctx, tracking.Session{ID: "b", EmployeeID: "e1", Status: tracking.SessionActive}))

	active, err := m.GetActiveSession(ctx, "e1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "b", active.ID)
}

func TestMockStore_FaultInjection(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()
	boom := errors.New("boom")

	m.FailNext(OpUpload, boom)
	assert.ErrorIs(t, m.UploadLocationBatch(ctx, []tracking.LocationPoint{{ID: "p1"}}), boom)
	assert.NoError(t, m.UploadLocationBatch(ctx, []tracking.LocationPoint{{ID: "p1"}}))
	assert.NoError(t, m.UploadLocationBatch(ctx, []tracking.LocationPoint{{ID: "p1"}}))
	assert.Equal(t, 1, m.Points(), "duplicate ids are absorbed")
	assert.Equal(t, 3, m.Calls(OpUpload))

	m.FailAlways(OpGetSession, ErrTransient)
	_, err := m.GetSession(ctx, "x")
	assert.True(t, IsTransient(err))
	m.FailAlways(OpGetSession, nil)
	_, err = m.GetSession(ctx, "x")
	assert.ErrorIs(t, err, ErrNotFound)
}
