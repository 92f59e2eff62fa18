package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"adas-system/driver-monitor/internal/models"
)

var ErrNotFound = errors.New("record not found")

// TripRepo is the device's ledger of uploaded recordings.
type TripRepo struct {
	db *sql.DB
}

func NewTripRepo(db *sql.DB) *TripRepo {
	return &TripRepo{db: db}
}

func (r *TripRepo) AddTrip(ctx context.Context, t models.TripAsset) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var id int64
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO trips (owner_id, name, object_key, download_url, size_bytes, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		t.OwnerID, t.Name, t.Key, t.DownloadURL, t.SizeBytes, toMillis(t.RecordedAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("could not insert trip: %w", err)
	}
	return id, nil
}

func (r *TripRepo) ListTrips(ctx context.Context, ownerID string) ([]models.TripAsset, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, owner_id, name, object_key, download_url, size_bytes, recorded_at
		 FROM trips WHERE owner_id = $1 ORDER BY recorded_at, id`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("could not query trips: %w", err)
	}
	defer rows.Close()

	var trips []models.TripAsset
	for rows.Next() {
		var t models.TripAsset
		var recorded int64
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.Name, &t.Key, &t.DownloadURL, &t.SizeBytes, &recorded); err != nil {
			return nil, fmt.Errorf("could not scan trip: %w", err)
		}
		t.RecordedAt = fromMillis(recorded)
		trips = append(trips, t)
	}
	return trips, rows.Err()
}

func (r *TripRepo) DeleteTrip(ctx context.Context, ownerID, key string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := r.db.ExecContext(ctx,
		"DELETE FROM trips WHERE owner_id = $1 AND object_key = $2",
		ownerID, key,
	)
	if err != nil {
		return fmt.Errorf("could not delete trip: %w", err)
	}
	return nil
}

// ConsentRepo persists the driver's permission answers.
type ConsentRepo struct {
	db *sql.DB
}

func NewConsentRepo(db *sql.DB) *ConsentRepo {
	return &ConsentRepo{db: db}
}

func (r *ConsentRepo) Consent(ctx context.Context, scope models.PermissionScope) (models.PermissionState, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var state string
	err := r.db.QueryRowContext(ctx, "SELECT state FROM consents WHERE scope = $1", string(scope)).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return models.PermissionUnknown, nil
	}
	if err != nil {
		return models.PermissionUnknown, fmt.Errorf("could not read consent: %w", err)
	}
	return models.PermissionState(state), nil
}

func (r *ConsentRepo) SetConsent(ctx context.Context, scope models.PermissionScope, state models.PermissionState) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO consents (scope, state, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (scope) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		string(scope), string(state), toMillis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("could not save consent: %w", err)
	}
	return nil
}

// EventRepo records frames processed by the proxy.
type EventRepo struct {
	db *sql.DB
}

func NewEventRepo(db *sql.DB) *EventRepo {
	return &EventRepo{db: db}
}

func (r *EventRepo) Record(ctx context.Context, e models.DetectionEvent) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	commands := e.Commands
	if commands == nil {
		commands = []string{}
	}
	encoded, err := json.Marshal(commands)
	if err != nil {
		return 0, fmt.Errorf("could not encode commands: %w", err)
	}

	var id int64
	err = r.db.QueryRowContext(ctx,
		`INSERT INTO detection_events (owner_id, commands, status, latency_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		e.OwnerID, string(encoded), e.Status, e.LatencyMs, toMillis(e.CreatedAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("could not insert detection event: %w", err)
	}
	return id, nil
}

// Recent returns the owner's latest events, newest first.
func (r *EventRepo) Recent(ctx context.Context, ownerID string, limit int) ([]models.DetectionEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, owner_id, commands, status, latency_ms, created_at
		 FROM detection_events WHERE owner_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		ownerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("could not query detection events: %w", err)
	}
	defer rows.Close()

	var events []models.DetectionEvent
	for rows.Next() {
		var e models.DetectionEvent
		var commands []byte
		var created int64
		if err := rows.Scan(&e.ID, &e.OwnerID, &commands, &e.Status, &e.LatencyMs, &created); err != nil {
			return nil, fmt.Errorf("could not scan detection event: %w", err)
		}
		if err := json.Unmarshal(commands, &e.Commands); err != nil {
			return nil, fmt.Errorf("could not decode commands: %w", err)
		}
		e.CreatedAt = fromMillis(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// TokenRepo stores hashed device tokens for the proxy.
type TokenRepo struct {
	db *sql.DB
}

func NewTokenRepo(db *sql.DB) *TokenRepo {
	return &TokenRepo{db: db}
}

func (r *TokenRepo) Create(ctx context.Context, t models.DeviceToken) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := r.db.ExecContext(ctx,
		"INSERT INTO device_tokens (id, owner_id, secret_hash, created_at) VALUES ($1, $2, $3, $4)",
		t.ID, t.OwnerID, t.SecretHash, toMillis(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("could not insert token: %w", err)
	}
	return nil
}

func (r *TokenRepo) Get(ctx context.Context, id string) (models.DeviceToken, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var t models.DeviceToken
	var created int64
	var revoked sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		"SELECT id, owner_id, secret_hash, created_at, revoked_at FROM device_tokens WHERE id = $1",
		id,
	).Scan(&t.ID, &t.OwnerID, &t.SecretHash, &created, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DeviceToken{}, ErrNotFound
	}
	if err != nil {
		return models.DeviceToken{}, fmt.Errorf("could not read token: %w", err)
	}
	t.CreatedAt = fromMillis(created)
	if revoked.Valid {
		at := fromMillis(revoked.Int64)
		t.RevokedAt = &at
	}
	return t, nil
}

func (r *TokenRepo) Revoke(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		"UPDATE device_tokens SET revoked_at = $1 WHERE id = $2 AND revoked_at IS NULL",
		toMillis(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("could not revoke token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *TokenRepo) List(ctx context.Context) ([]models.DeviceToken, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := r.db.QueryContext(ctx,
		"SELECT id, owner_id, created_at, revoked_at FROM device_tokens ORDER BY created_at",
	)
	if err != nil {
		return nil, fmt.Errorf("could not query tokens: %w", err)
	}
	defer rows.Close()

	var tokens []models.DeviceToken
	for rows.Next() {
		var t models.DeviceToken
		var created int64
		var revoked sql.NullInt64
		if err := rows.Scan(&t.ID, &t.OwnerID, &created, &revoked); err != nil {
			return nil, fmt.Errorf("could not scan token: %w", err)
		}
		t.CreatedAt = fromMillis(created)
		if revoked.Valid {
			at := fromMillis(revoked.Int64)
			t.RevokedAt = &at
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}
