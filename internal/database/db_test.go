package database

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adas-system/driver-monitor/internal/models"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	db, err := Open(context.Background(), DriverSQLite, path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(context.Background(), DriverSQLite, path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Open(context.Background(), "mysql", "x")
	assert.Error(t, err)
}

func TestTripRepo(t *testing.T) {
	repo := NewTripRepo(openTestDB(t))
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	id, err := repo.AddTrip(ctx, models.TripAsset{
		OwnerID: "u1", Name: "a.mp4", Key: "videos/u1/a.mp4",
		DownloadURL: "https://x/a", SizeBytes: 42, RecordedAt: at,
	})
	require.NoError(t, err)
	assert.Positive(t, id)

	_, err = repo.AddTrip(ctx, models.TripAsset{OwnerID: "u2", Name: "b.mp4", Key: "videos/u2/b.mp4", RecordedAt: at})
	require.NoError(t, err)

	trips, err := repo.ListTrips(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, trips, 1)
	assert.Equal(t, "videos/u1/a.mp4", trips[0].Key)
	assert.Equal(t, at, trips[0].RecordedAt)
	assert.EqualValues(t, 42, trips[0].SizeBytes)

	require.NoError(t, repo.DeleteTrip(ctx, "u1", "videos/u1/a.mp4"))
	trips, err = repo.ListTrips(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, trips)
}

func TestConsentRepo(t *testing.T) {
	repo := NewConsentRepo(openTestDB(t))
	ctx := context.Background()

	st, err := repo.Consent(ctx, models.ScopeCamera)
	require.NoError(t, err)
	assert.Equal(t, models.PermissionUnknown, st)

	require.NoError(t, repo.SetConsent(ctx, models.ScopeCamera, models.PermissionGranted))
	require.NoError(t, repo.SetConsent(ctx, models.ScopeCamera, models.PermissionBlocked))

	st, err = repo.Consent(ctx, models.ScopeCamera)
	require.NoError(t, err)
	assert.Equal(t, models.PermissionBlocked, st)
}

func TestEventRepo(t *testing.T) {
	repo := NewEventRepo(openTestDB(t))
	ctx := context.Background()
	now := time.Now()

	_, err := repo.Record(ctx, models.DetectionEvent{OwnerID: "u1", Status: "ok", CreatedAt: now.Add(-time.Second)})
	require.NoError(t, err)
	_, err = repo.Record(ctx, models.DetectionEvent{
		OwnerID: "u1", Commands: []string{"Eyes closed"}, Status: "ok", LatencyMs: 120, CreatedAt: now,
	})
	require.NoError(t, err)

	events, err := repo.Recent(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, []string{"Eyes closed"}, events[0].Commands)
	assert.EqualValues(t, 120, events[0].LatencyMs)
	assert.Equal(t, []string{}, events[1].Commands)
}

func TestTokenRepo(t *testing.T) {
	repo := NewTokenRepo(openTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, models.DeviceToken{
		ID: "tok1", OwnerID: "u1", SecretHash: "hash", CreatedAt: time.Now(),
	}))

	tok, err := repo.Get(ctx, "tok1")
	require.NoError(t, err)
	assert.Equal(t, "u1", tok.OwnerID)
	assert.Equal(t, "hash", tok.SecretHash)
	assert.Nil(t, tok.RevokedAt)

	require.NoError(t, repo.Revoke(ctx, "tok1"))
	assert.ErrorIs(t, repo.Revoke(ctx, "tok1"), ErrNotFound)

	tok, err = repo.Get(ctx, "tok1")
	require.NoError(t, err)
	assert.NotNil(t, tok.RevokedAt)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	tokens, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, tokens, 1)
}
