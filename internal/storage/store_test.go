package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adas-system/driver-monitor/internal/models"
)

type failingBackend struct{ puts int }

func (f *failingBackend) Put(_ context.Context, _ string, r io.Reader, _ string) (string, error) {
	f.puts++
	_, _ = io.CopyN(io.Discard, r, 4)
	return "", errors.New("connection reset")
}

func (f *failingBackend) Delete(context.Context, string) error { return nil }

type memLedger struct {
	trips  []models.TripAsset
	nextID int64
}

func (m *memLedger) AddTrip(_ context.Context, t models.TripAsset) (int64, error) {
	m.nextID++
	t.ID = m.nextID
	m.trips = append(m.trips, t)
	return t.ID, nil
}

func (m *memLedger) ListTrips(_ context.Context, owner string) ([]models.TripAsset, error) {
	var out []models.TripAsset
	for _, t := range m.trips {
		if t.OwnerID == owner {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memLedger) DeleteTrip(_ context.Context, owner, key string) error {
	for i, t := range m.trips {
		if t.OwnerID == owner && t.Key == key {
			m.trips = append(m.trips[:i], m.trips[i+1:]...)
			return nil
		}
	}
	return nil
}

func writeRecording(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "trip.mp4")
	require.NoError(t, os.WriteFile(p, []byte("not really an mp4"), 0o644))
	return p
}

func TestObjectKey(t *testing.T) {
	ts := time.Date(2024, 3, 9, 14, 5, 7, 123_000_000, time.FixedZone("CET", 3600))
	key, err := ObjectKey("uid-42", ts)
	require.NoError(t, err)
	assert.Equal(t, "videos/uid-42/2024-03-09T13-05-07-123Z.mp4", key)

	for _, owner := range []string{"", "a/b", "..", `a\b`} {
		_, err := ObjectKey(owner, ts)
		assert.ErrorIs(t, err, ErrInvalidKey, owner)
	}
}

func TestUploadSuccess(t *testing.T) {
	root := t.TempDir()
	backend, err := NewDirBackend(root, "https://cdn.example.test")
	require.NoError(t, err)
	ledger := &memLedger{}
	store := NewStore(backend, ledger)

	local := writeRecording(t)
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	asset, err := store.Upload(context.Background(), local, "uid-1", ts)
	require.NoError(t, err)

	assert.Equal(t, "videos/uid-1/2024-01-02T03-04-05-000Z.mp4", asset.Key)
	assert.Equal(t, "2024-01-02T03-04-05-000Z.mp4", asset.Name)
	assert.Equal(t, "https://cdn.example.test/"+asset.Key, asset.DownloadURL)
	assert.EqualValues(t, len("not really an mp4"), asset.SizeBytes)
	assert.EqualValues(t, 1, asset.ID)

	stored, err := os.ReadFile(filepath.Join(root, "videos", "uid-1", asset.Name))
	require.NoError(t, err)
	assert.Equal(t, "not really an mp4", string(stored))

	assert.FileExists(t, local, "upload never deletes the local recording")
	assert.Equal(t, []models.TripAsset{asset}, store.Trips())
	assert.Len(t, ledger.trips, 1)
}

func TestUploadFailureLeavesTripsUnchanged(t *testing.T) {
	backend := &failingBackend{}
	store := NewStore(backend, nil)
	local := writeRecording(t)

	_, err := store.Upload(context.Background(), local, "uid-1", time.Now())
	require.ErrorIs(t, err, ErrUpload)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, 1, backend.puts, "no retry")
	assert.Empty(t, store.Trips())
	assert.FileExists(t, local)
}

func TestUploadMissingFile(t *testing.T) {
	store := NewStore(&failingBackend{}, nil)
	_, err := store.Upload(context.Background(), filepath.Join(t.TempDir(), "gone.mp4"), "uid-1", time.Now())
	assert.ErrorIs(t, err, ErrUpload)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDirBackendCancelledLeavesNoObject(t *testing.T) {
	root := t.TempDir()
	backend, err := NewDirBackend(root, "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = backend.Put(ctx, "videos/u/x.mp4", strings.NewReader("data"), videoContentType)
	require.Error(t, err)

	entries, err := os.ReadDir(filepath.Join(root, "videos", "u"))
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = backend.Put(context.Background(), "../escape.mp4", strings.NewReader("data"), videoContentType)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestLoadAndDelete(t *testing.T) {
	backend, err := NewDirBackend(t.TempDir(), "")
	require.NoError(t, err)
	ledger := &memLedger{}

	first := NewStore(backend, ledger)
	asset, err := first.Upload(context.Background(), writeRecording(t), "uid-1", time.Now())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(asset.DownloadURL, "file://"))

	second := NewStore(backend, ledger)
	require.NoError(t, second.Load(context.Background(), "uid-1"))
	require.Len(t, second.Trips(), 1)

	require.NoError(t, second.Delete(context.Background(), "uid-1", asset.Name))
	assert.Empty(t, second.Trips())
	assert.Empty(t, ledger.trips)

	err = second.Delete(context.Background(), "uid-1", asset.Name)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFirebaseDownloadURL(t *testing.T) {
	u := firebaseDownloadURL("app.appspot.com", "videos/uid/a.mp4", "tok")
	assert.Equal(t, "https://firebasestorage.googleapis.com/v0/b/app.appspot.com/o/videos%2Fuid%2Fa.mp4?alt=media&token=tok", u)
}
