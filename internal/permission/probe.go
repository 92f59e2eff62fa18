package permission

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"sync"

	"adas-system/driver-monitor/internal/models"
)

// DeviceProbe checks that the device nodes backing a scope can be opened.
// A scope with no configured paths is always Granted.
type DeviceProbe struct {
	Paths map[models.PermissionScope][]string
}

func (p DeviceProbe) Probe(_ context.Context, scope models.PermissionScope) models.PermissionState {
	paths := p.Paths[scope]
	if len(paths) == 0 {
		return models.PermissionGranted
	}
	for _, path := range paths {
		f, err := os.OpenFile(path, os.O_RDONLY, 0)
		switch {
		case err == nil:
			f.Close()
			return models.PermissionGranted
		case errors.Is(err, fs.ErrPermission):
			return models.PermissionBlocked
		}
	}
	return models.PermissionUnknown
}

// MemoryConsent keeps consent in memory.
type MemoryConsent struct {
	mu     sync.Mutex
	states map[models.PermissionScope]models.PermissionState
}

func NewMemoryConsent() *MemoryConsent {
	return &MemoryConsent{states: make(map[models.PermissionScope]models.PermissionState)}
}

func (m *MemoryConsent) Consent(_ context.Context, scope models.PermissionScope) (models.PermissionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[scope]; ok {
		return s, nil
	}
	return models.PermissionUnknown, nil
}

func (m *MemoryConsent) SetConsent(_ context.Context, scope models.PermissionScope, state models.PermissionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[scope] = state
	return nil
}
