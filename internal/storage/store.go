// Package storage uploads finished recordings to durable object storage and
// keeps the driver's trip list.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"adas-system/driver-monitor/internal/models"
	"adas-system/driver-monitor/internal/services"
)

var (
	ErrUpload     = errors.New("upload failed")
	ErrInvalidKey = errors.New("invalid object key")
	ErrNotFound   = errors.New("trip not found")
)

const videoContentType = "video/mp4"

// Backend is a durable object store.
type Backend interface {
	// Put stores r under key and returns a download reference. A failed Put
	// must leave no object behind.
	Put(ctx context.Context, key string, r io.Reader, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
}

// Ledger persists the trip list across restarts.
type Ledger interface {
	AddTrip(ctx context.Context, trip models.TripAsset) (int64, error)
	ListTrips(ctx context.Context, ownerID string) ([]models.TripAsset, error)
	DeleteTrip(ctx context.Context, ownerID, key string) error
}

type Store struct {
	backend Backend
	ledger  Ledger

	mu    sync.Mutex
	trips []models.TripAsset
}

// NewStore creates a store. ledger may be nil for an in-memory trip list.
func NewStore(backend Backend, ledger Ledger) *Store {
	return &Store{backend: backend, ledger: ledger}
}

// ObjectKey names the object for a recording: videos/{owner}/{timestamp}.mp4.
func ObjectKey(ownerID string, ts time.Time) (string, error) {
	if ownerID == "" || strings.ContainsAny(ownerID, "/\\") || ownerID == "." || ownerID == ".." {
		return "", fmt.Errorf("%w: owner id %q", ErrInvalidKey, ownerID)
	}
	return "videos/" + ownerID + "/" + timestampName(ts), nil
}

// timestampName renders ts as ISO-8601 UTC with millis and ':' '.' replaced by '-'.
func timestampName(ts time.Time) string {
	s := ts.UTC().Format("2006-01-02T15:04:05.000Z")
	return strings.NewReplacer(":", "-", ".", "-").Replace(s) + ".mp4"
}

// Load replaces the in-memory trip list with the owner's persisted trips.
func (s *Store) Load(ctx context.Context, ownerID string) error {
	if s.ledger == nil {
		return nil
	}
	trips, err := s.ledger.ListTrips(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("could not load trips: %w", err)
	}
	s.mu.Lock()
	s.trips = trips
	s.mu.Unlock()
	return nil
}

// Upload copies the local recording to durable storage and appends it to the
// trip list. It never removes localPath; the caller owns the file.
func (s *Store) Upload(ctx context.Context, localPath, ownerID string, ts time.Time) (models.TripAsset, error) {
	start := time.Now()
	asset, err := s.upload(ctx, localPath, ownerID, ts)
	services.UploadDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		services.Uploads.WithLabelValues("failed").Inc()
		return models.TripAsset{}, err
	}
	services.Uploads.WithLabelValues("ok").Inc()

	if s.ledger != nil {
		id, err := s.ledger.AddTrip(ctx, asset)
		if err != nil {
			slog.Warn("trip uploaded but not recorded in ledger", "key", asset.Key, "error", err)
		} else {
			asset.ID = id
		}
	}

	s.mu.Lock()
	s.trips = append(s.trips, asset)
	s.mu.Unlock()

	slog.Info("trip uploaded", "key", asset.Key, "bytes", asset.SizeBytes, "took", time.Since(start))
	return asset, nil
}

func (s *Store) upload(ctx context.Context, localPath, ownerID string, ts time.Time) (models.TripAsset, error) {
	key, err := ObjectKey(ownerID, ts)
	if err != nil {
		return models.TripAsset{}, fmt.Errorf("%w: %w", ErrUpload, err)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return models.TripAsset{}, fmt.Errorf("%w: could not open recording: %w", ErrUpload, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return models.TripAsset{}, fmt.Errorf("%w: could not stat recording: %w", ErrUpload, err)
	}

	ref, err := s.backend.Put(ctx, key, f, videoContentType)
	if err != nil {
		return models.TripAsset{}, fmt.Errorf("%w: %w", ErrUpload, err)
	}

	return models.TripAsset{
		OwnerID:     ownerID,
		Name:        path.Base(key),
		Key:         key,
		DownloadURL: ref,
		SizeBytes:   info.Size(),
		RecordedAt:  ts.UTC(),
	}, nil
}

// Trips returns a snapshot of the trip list, oldest first.
func (s *Store) Trips() []models.TripAsset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.trips)
}

// Delete removes the named trip of ownerID from storage and from the list.
func (s *Store) Delete(ctx context.Context, ownerID, name string) error {
	s.mu.Lock()
	idx := slices.IndexFunc(s.trips, func(t models.TripAsset) bool {
		return t.OwnerID == ownerID && t.Name == name
	})
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	trip := s.trips[idx]
	s.mu.Unlock()

	if err := s.backend.Delete(ctx, trip.Key); err != nil {
		return fmt.Errorf("could not delete object %s: %w", trip.Key, err)
	}
	if s.ledger != nil {
		if err := s.ledger.DeleteTrip(ctx, ownerID, trip.Key); err != nil {
			return fmt.Errorf("could not delete trip record: %w", err)
		}
	}

	s.mu.Lock()
	s.trips = slices.DeleteFunc(s.trips, func(t models.TripAsset) bool { return t.Key == trip.Key })
	s.mu.Unlock()
	return nil
}
