// Package permission decides whether the camera and microphone may be used.
package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"adas-system/driver-monitor/internal/models"
)

var ErrNoAnswer = errors.New("permission prompt was not answered")

// Scopes are the authorizations recording needs, checked as one precondition.
var Scopes = []models.PermissionScope{models.ScopeCamera, models.ScopeMicrophone}

// Probe reports what the operating system allows for a scope.
type Probe interface {
	Probe(ctx context.Context, scope models.PermissionScope) models.PermissionState
}

// ConsentStore persists the driver's answer per scope.
type ConsentStore interface {
	Consent(ctx context.Context, scope models.PermissionScope) (models.PermissionState, error)
	SetConsent(ctx context.Context, scope models.PermissionScope, state models.PermissionState) error
}

type Gate struct {
	probe    Probe
	consent  ConsentStore
	prompter Prompter

	// serializes prompts
	mu sync.Mutex
}

func NewGate(probe Probe, consent ConsentStore, prompter Prompter) *Gate {
	return &Gate{probe: probe, consent: consent, prompter: prompter}
}

// Check returns the combined state of all scopes without prompting.
func (g *Gate) Check(ctx context.Context) (models.PermissionState, error) {
	states := make([]models.PermissionState, 0, len(Scopes))
	for _, scope := range Scopes {
		s, err := g.scopeState(ctx, scope)
		if err != nil {
			return models.PermissionUnknown, err
		}
		states = append(states, s)
	}
	return Combine(states...), nil
}

// Request prompts the driver for every scope not yet granted, then returns the
// combined state. A Blocked scope is never prompted; callers route the driver
// to system settings instead.
func (g *Gate) Request(ctx context.Context, scopes ...models.PermissionScope) (models.PermissionState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(scopes) == 0 {
		scopes = Scopes
	}

	current, err := g.Check(ctx)
	if err != nil {
		return current, err
	}
	if current == models.PermissionBlocked || current == models.PermissionGranted {
		return current, nil
	}

	for _, scope := range scopes {
		s, err := g.scopeState(ctx, scope)
		if err != nil {
			return models.PermissionUnknown, err
		}
		if s == models.PermissionGranted || s == models.PermissionBlocked {
			continue
		}

		answer, err := g.prompter.Prompt(ctx, scope)
		if err != nil {
			return models.PermissionUnknown, fmt.Errorf("could not prompt for %s: %w", scope, err)
		}
		next := answer.State()
		if err := g.consent.SetConsent(ctx, scope, next); err != nil {
			return models.PermissionUnknown, fmt.Errorf("could not store consent for %s: %w", scope, err)
		}
		slog.Info("permission answered", "scope", scope, "state", next)

		if next == models.PermissionBlocked {
			break
		}
	}

	return g.Check(ctx)
}

// scopeState merges the OS verdict with the stored consent. An OS probe that
// cannot decide (Unknown) defers to consent.
func (g *Gate) scopeState(ctx context.Context, scope models.PermissionScope) (models.PermissionState, error) {
	osState := g.probe.Probe(ctx, scope)
	consent, err := g.consent.Consent(ctx, scope)
	if err != nil {
		return models.PermissionUnknown, fmt.Errorf("could not read consent for %s: %w", scope, err)
	}

	switch {
	case osState == models.PermissionBlocked || consent == models.PermissionBlocked:
		return models.PermissionBlocked, nil
	case osState == models.PermissionDenied || consent == models.PermissionDenied:
		return models.PermissionDenied, nil
	case consent == models.PermissionGranted:
		return models.PermissionGranted, nil
	default:
		return models.PermissionUnknown, nil
	}
}

// Combine folds per-scope states into one: any Blocked wins, all Granted is
// Granted, all Unknown is Unknown, and anything else (a partial grant) is Denied.
func Combine(states ...models.PermissionState) models.PermissionState {
	if len(states) == 0 {
		return models.PermissionUnknown
	}
	granted, unknown := 0, 0
	for _, s := range states {
		switch s {
		case models.PermissionBlocked:
			return models.PermissionBlocked
		case models.PermissionGranted:
			granted++
		case models.PermissionUnknown, "":
			unknown++
		}
	}
	switch {
	case granted == len(states):
		return models.PermissionGranted
	case unknown == len(states):
		return models.PermissionUnknown
	default:
		return models.PermissionDenied
	}
}
