package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"adas-system/driver-monitor/internal/models"
	"adas-system/driver-monitor/internal/permission"
	"adas-system/driver-monitor/internal/session"
	"adas-system/driver-monitor/internal/storage"
)

const (
	CodePermissionRequired = "PERMISSION_REQUIRED"
	CodeHardwareError      = "HARDWARE_ERROR"
	CodeInvalidState       = "INVALID_STATE"
	CodeNotFound           = "NOT_FOUND"
	CodeBadRequest         = "BAD_REQUEST"
	CodeNoPrompt           = "NO_PENDING_PROMPT"
)

type SessionControl interface {
	State() models.SessionState
	Arm(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type PermissionControl interface {
	Check(ctx context.Context) (models.PermissionState, error)
	Request(ctx context.Context, scopes ...models.PermissionScope) (models.PermissionState, error)
}

type PromptAnswerer interface {
	Answer(scope models.PermissionScope, a permission.Answer) bool
	Pending() []models.PermissionScope
}

type TripStore interface {
	Trips() []models.TripAsset
	Delete(ctx context.Context, ownerID, name string) error
}

type AlertSource interface {
	Latest() models.Alert
}

type MonitorDeps struct {
	Session     SessionControl
	Permissions PermissionControl
	Prompts     PromptAnswerer
	Trips       TripStore
	Alerts      AlertSource
	OwnerID     string
	Live        http.Handler
	// Notify reaches the presentation layer. It must not block.
	Notify func(models.Notification)
	// PromptTimeout bounds how long a permission request waits for answers.
	PromptTimeout time.Duration
}

// MonitorAPI is the device daemon's local control surface.
type MonitorAPI struct {
	d MonitorDeps

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	requesting bool
}

func NewMonitorAPI(d MonitorDeps) *MonitorAPI {
	if d.PromptTimeout <= 0 {
		d.PromptTimeout = 2 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MonitorAPI{d: d, ctx: ctx, cancel: cancel}
}

func (a *MonitorAPI) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/state", a.getState)
	mux.HandleFunc("POST /api/arm", a.sessionAction(a.d.Session.Arm))
	mux.HandleFunc("POST /api/recording/start", a.sessionAction(a.d.Session.Start))
	mux.HandleFunc("POST /api/recording/stop", a.sessionAction(a.d.Session.Stop))
	mux.HandleFunc("GET /api/permissions", a.getPermissions)
	mux.HandleFunc("POST /api/permissions/request", a.requestPermissions)
	mux.HandleFunc("POST /api/permissions/answer", a.answerPermission)
	mux.HandleFunc("GET /api/trips", a.listTrips)
	mux.HandleFunc("DELETE /api/trips/{name}", a.deleteTrip)
	mux.HandleFunc("GET /api/alert", a.getAlert)
	mux.Handle("GET /metrics", promhttp.Handler())
	if a.d.Live != nil {
		mux.Handle("/ws", a.d.Live)
	}
	return RequestLogger(mux)
}

// Close cancels pending permission prompts and waits for them to return.
func (a *MonitorAPI) Close() {
	a.cancel()
	a.wg.Wait()
}

func apiError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]models.APIError{"error": {Code: code, Message: message}})
}

func sessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrPermission):
		apiError(w, http.StatusForbidden, CodePermissionRequired, err.Error())
	case errors.Is(err, session.ErrHardware):
		apiError(w, http.StatusServiceUnavailable, CodeHardwareError, err.Error())
	case errors.Is(err, session.ErrState):
		apiError(w, http.StatusConflict, CodeInvalidState, err.Error())
	default:
		slog.Error("session action failed", "error", err)
		apiError(w, http.StatusInternalServerError, models.CodeServerError, "Internal server error")
	}
}

func (a *MonitorAPI) getState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]models.SessionState{"state": a.d.Session.State()})
}

func (a *MonitorAPI) sessionAction(fn func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			sessionError(w, err)
			return
		}
		a.getState(w, r)
	}
}

type permissionView struct {
	State   models.PermissionState   `json:"state"`
	Pending []models.PermissionScope `json:"pending"`
}

func (a *MonitorAPI) permissionView(ctx context.Context) (permissionView, error) {
	st, err := a.d.Permissions.Check(ctx)
	if err != nil {
		return permissionView{}, err
	}
	pending := []models.PermissionScope{}
	if a.d.Prompts != nil {
		pending = append(pending, a.d.Prompts.Pending()...)
	}
	return permissionView{State: st, Pending: pending}, nil
}

func (a *MonitorAPI) getPermissions(w http.ResponseWriter, r *http.Request) {
	v, err := a.permissionView(r.Context())
	if err != nil {
		slog.Error("permission check failed", "error", err)
		apiError(w, http.StatusInternalServerError, models.CodeServerError, "Permission check failed")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// requestPermissions starts prompting in the background; answers arrive
// through answerPermission or the live connection.
func (a *MonitorAPI) requestPermissions(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	if !a.requesting {
		a.requesting = true
		a.wg.Add(1)
		go a.runRequest()
	}
	a.mu.Unlock()

	v, err := a.permissionView(r.Context())
	if err != nil {
		apiError(w, http.StatusInternalServerError, models.CodeServerError, "Permission check failed")
		return
	}
	writeJSON(w, http.StatusAccepted, v)
}

func (a *MonitorAPI) runRequest() {
	defer a.wg.Done()
	defer func() {
		a.mu.Lock()
		a.requesting = false
		a.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(a.ctx, a.d.PromptTimeout)
	defer cancel()
	st, err := a.d.Permissions.Request(ctx, permission.Scopes...)
	if err != nil {
		slog.Warn("permission request ended without an answer", "error", err)
		return
	}
	slog.Info("permission request finished", "state", st)

	// Blocked is never re-prompted; the driver has to change it in system settings.
	if st == models.PermissionBlocked && a.d.Notify != nil {
		a.d.Notify(models.Notification{
			Kind:    models.NotifyPermissionBlocked,
			Title:   "Permission blocked",
			Message: "Enable camera and microphone access in system settings",
			Action:  "open_settings",
			At:      time.Now(),
		})
	}
}

type answerBody struct {
	Scope  string `json:"scope"`
	Answer string `json:"answer"`
}

// AnswerPermission delivers a prompt answer from any presentation channel.
func (a *MonitorAPI) AnswerPermission(scope, answer string) error {
	ans, err := permission.ParseAnswer(answer)
	if err != nil {
		return err
	}
	if a.d.Prompts == nil || !a.d.Prompts.Answer(models.PermissionScope(scope), ans) {
		return fmt.Errorf("no pending prompt for %q", scope)
	}
	return nil
}

func (a *MonitorAPI) answerPermission(w http.ResponseWriter, r *http.Request) {
	var body answerBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apiError(w, http.StatusBadRequest, CodeBadRequest, "Invalid request")
		return
	}
	if _, err := permission.ParseAnswer(body.Answer); err != nil {
		apiError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	if err := a.AnswerPermission(body.Scope, body.Answer); err != nil {
		apiError(w, http.StatusConflict, CodeNoPrompt, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleLiveAnswer adapts AnswerPermission to a websocket message payload.
func (a *MonitorAPI) HandleLiveAnswer(_ string, payload json.RawMessage) error {
	var body answerBody
	if err := json.Unmarshal(payload, &body); err != nil {
		return fmt.Errorf("invalid answer: %w", err)
	}
	return a.AnswerPermission(body.Scope, body.Answer)
}

func (a *MonitorAPI) listTrips(w http.ResponseWriter, r *http.Request) {
	trips := []models.TripAsset{}
	for _, t := range a.d.Trips.Trips() {
		if t.OwnerID == a.d.OwnerID {
			trips = append(trips, t)
		}
	}
	writeJSON(w, http.StatusOK, map[string][]models.TripAsset{"trips": trips})
}

func (a *MonitorAPI) deleteTrip(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if err := a.d.Trips.Delete(ctx, a.d.OwnerID, name); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			apiError(w, http.StatusNotFound, CodeNotFound, "Trip not found")
			return
		}
		slog.Error("trip delete failed", "name", name, "error", err)
		apiError(w, http.StatusInternalServerError, models.CodeServerError, "Could not delete trip")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *MonitorAPI) getAlert(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.d.Alerts.Latest())
}
