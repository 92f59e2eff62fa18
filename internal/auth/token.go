// Package auth issues and verifies the bearer tokens devices present to the proxy.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"adas-system/driver-monitor/internal/database"
	"adas-system/driver-monitor/internal/models"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid bearer token")
)

const secretBytes = 32

// Generate creates a token for ownerID. The plaintext "<id>.<secret>" is
// returned once; only the bcrypt hash of the secret is kept.
func Generate(ownerID string, cost int) (string, models.DeviceToken, error) {
	if ownerID == "" || strings.ContainsAny(ownerID, "/\\") {
		return "", models.DeviceToken{}, fmt.Errorf("invalid owner id %q", ownerID)
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}

	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", models.DeviceToken{}, fmt.Errorf("could not generate secret: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", models.DeviceToken{}, fmt.Errorf("could not hash secret: %w", err)
	}

	tok := models.DeviceToken{
		ID:         uuid.NewString(),
		OwnerID:    ownerID,
		SecretHash: string(hash),
		CreatedAt:  time.Now().UTC(),
	}
	return tok.ID + "." + secret, tok, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrMissingToken
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

type TokenStore interface {
	Get(ctx context.Context, id string) (models.DeviceToken, error)
}

// Verifier checks device tokens against their stored hashes.
type Verifier struct {
	store TokenStore
}

func NewVerifier(store TokenStore) *Verifier {
	return &Verifier{store: store}
}

// Verify returns the owner of a valid token.
func (v *Verifier) Verify(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrMissingToken
	}
	id, secret, ok := strings.Cut(token, ".")
	if !ok || id == "" || secret == "" {
		return "", ErrInvalidToken
	}

	stored, err := v.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return "", ErrInvalidToken
		}
		return "", fmt.Errorf("could not look up token: %w", err)
	}
	if stored.RevokedAt != nil {
		return "", ErrInvalidToken
	}
	if err := bcrypt.CompareHashAndPassword([]byte(stored.SecretHash), []byte(secret)); err != nil {
		return "", ErrInvalidToken
	}
	return stored.OwnerID, nil
}
