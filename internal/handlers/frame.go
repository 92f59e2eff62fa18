package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"adas-system/driver-monitor/internal/auth"
	"adas-system/driver-monitor/internal/detection"
	"adas-system/driver-monitor/internal/models"
	"adas-system/driver-monitor/internal/services"
	"adas-system/driver-monitor/internal/speech"
)

type FrameDetector interface {
	DetectBytes(ctx context.Context, jpeg []byte, token string) (models.DetectionResult, error)
}

type TokenVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

type EventRecorder interface {
	Record(ctx context.Context, e models.DetectionEvent) (int64, error)
}

type FrameConfig struct {
	UploadDir    string
	MaxBytes     int64
	VisionToken  string
	AudioEnabled bool
}

type ctxKey int

const (
	ownerKey ctxKey = iota
	tokenKey
)

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9.]`)

// FrameHandler serves POST /process_frame.
type FrameHandler struct {
	detector FrameDetector
	verifier TokenVerifier
	events   EventRecorder
	limiter  *services.WindowLimiter
	metrics  *services.Metrics
	cfg      FrameConfig
	audioURL func([]string) (string, error)
}

// NewFrameHandler builds the handler; events may be nil.
func NewFrameHandler(detector FrameDetector, verifier TokenVerifier, events EventRecorder, limiter *services.WindowLimiter, cfg FrameConfig) *FrameHandler {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 5 << 20
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = os.TempDir()
	}
	return &FrameHandler{
		detector: detector,
		verifier: verifier,
		events:   events,
		limiter:  limiter,
		metrics:  services.GetMetrics(),
		cfg:      cfg,
		audioURL: speech.AudioURL,
	}
}

// Handler returns the full middleware chain for the route.
func (h *FrameHandler) Handler() http.Handler {
	var next http.Handler = http.HandlerFunc(h.processFrame)
	next = h.authenticate(next)
	if h.limiter != nil {
		next = h.rateLimit(next)
	}
	return recoverer(next)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	services.ProxyRequests.WithLabelValues(strconv.Itoa(status), code).Inc()
	writeJSON(w, status, models.FrameResponse{Error: &models.APIError{Code: code, Message: message}})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("unhandled panic", "path", r.URL.Path, "panic", rec)
				writeError(w, http.StatusInternalServerError, models.CodeServerError, "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (h *FrameHandler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, resetAt := h.limiter.Allow(clientIP(r))
		if !ok {
			retry := int(time.Until(resetAt).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeError(w, http.StatusTooManyRequests, models.CodeRateLimited, "Too many requests, please try again later.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *FrameHandler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.BearerToken(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, models.CodeUnauthorized, "No token provided")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		owner, err := h.verifier.Verify(ctx, token)
		cancel()
		if err != nil {
			if !errors.Is(err, auth.ErrInvalidToken) && !errors.Is(err, auth.ErrMissingToken) {
				slog.Error("token verification failed", "error", err)
			}
			writeError(w, http.StatusUnauthorized, models.CodeInvalidToken, "Invalid token")
			return
		}

		ctx = context.WithValue(r.Context(), ownerKey, owner)
		ctx = context.WithValue(ctx, tokenKey, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *FrameHandler) processFrame(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	owner, _ := r.Context().Value(ownerKey).(string)

	path, rejected := h.spool(w, r)
	if path != "" {
		defer h.cleanup(path)
	}
	if rejected != nil {
		slog.Warn("frame upload rejected", "owner", owner, "code", rejected.code, "error", rejected)
		writeError(w, rejected.status, rejected.code, rejected.message)
		return
	}

	jpeg, err := os.ReadFile(path)
	if err != nil {
		slog.Error("could not read spooled frame", "path", path, "error", err)
		writeError(w, http.StatusInternalServerError, models.CodeServerError, "Internal server error")
		return
	}

	token := h.cfg.VisionToken
	if token == "" {
		token, _ = r.Context().Value(tokenKey).(string)
	}

	res, err := h.detector.DetectBytes(r.Context(), jpeg, token)
	if err != nil {
		h.metrics.IncrementErrors()
		slog.Error("vision service failed", "owner", owner, "category", detection.Category(err), "error", err)
		h.record(owner, nil, "vps_failed", time.Since(start))
		writeError(w, http.StatusInternalServerError, models.CodeVPSFailed, "Failed to process frame on VPS")
		return
	}
	h.metrics.IncrementFrames()
	h.metrics.RecordLatency(res.Latency)
	if res.Commands == nil {
		res.Commands = []string{}
	}

	var audio *string
	if len(res.Commands) > 0 && h.cfg.AudioEnabled {
		u, err := h.audioURL(res.Commands)
		if err != nil || !strings.HasPrefix(u, "https://") {
			slog.Error("audio generation failed", "owner", owner, "error", err)
			h.record(owner, res.Commands, "audio_failed", time.Since(start))
			writeError(w, http.StatusInternalServerError, models.CodeAudioFailed, "Failed to generate audio")
			return
		}
		audio = &u
	}

	h.record(owner, res.Commands, "ok", time.Since(start))
	services.ProxyRequests.WithLabelValues("200", "").Inc()
	slog.Info("frame processed", "owner", owner, "commands", res.Commands, "latency_ms", res.Latency.Milliseconds())
	writeJSON(w, http.StatusOK, models.FrameResponse{Data: &models.FrameData{Commands: res.Commands, AudioURL: audio}})
}

// uploadError is a rejected upload with the status and code to answer with.
type uploadError struct {
	status  int
	code    string
	message string
	cause   error
}

func (e *uploadError) Error() string {
	if e.cause != nil {
		return e.message + ": " + e.cause.Error()
	}
	return e.message
}

func (e *uploadError) Unwrap() error { return e.cause }

func rejectUpload(status int, code, message string, cause error) *uploadError {
	return &uploadError{status: status, code: code, message: message, cause: cause}
}

// spool streams the "frame" part to the upload dir. The returned path, when
// set, must be removed by the caller even if err is non-nil.
func (h *FrameHandler) spool(w http.ResponseWriter, r *http.Request) (string, *uploadError) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBytes+1<<20)
	mr, err := r.MultipartReader()
	if err != nil {
		return "", rejectUpload(http.StatusBadRequest, models.CodeNoFile, "No frame file provided", err)
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return "", rejectUpload(http.StatusBadRequest, models.CodeNoFile, "No frame file provided", nil)
		}
		if err != nil {
			return "", rejectUpload(http.StatusBadRequest, models.CodeUploadFailed, "Upload failed", err)
		}
		if part.FormName() != "frame" || part.FileName() == "" {
			part.Close()
			continue
		}
		defer part.Close()

		mediaType, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if mediaType != "image/jpeg" {
			return "", rejectUpload(http.StatusBadRequest, models.CodeInvalidFile, "Only JPEG images are allowed", nil)
		}

		if err := os.MkdirAll(h.cfg.UploadDir, 0o755); err != nil {
			return "", rejectUpload(http.StatusInternalServerError, models.CodeServerError, "Internal server error", err)
		}
		name := fmt.Sprintf("%d-%s", time.Now().UnixMilli(), unsafeName.ReplaceAllString(filepath.Base(part.FileName()), "-"))
		path := filepath.Join(h.cfg.UploadDir, name)

		f, err := os.Create(path)
		if err != nil {
			return "", rejectUpload(http.StatusInternalServerError, models.CodeServerError, "Internal server error", err)
		}
		n, err := io.Copy(f, io.LimitReader(part, h.cfg.MaxBytes+1))
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return path, rejectUpload(http.StatusBadRequest, models.CodeUploadFailed, "Upload failed", err)
		}
		if n > h.cfg.MaxBytes {
			return path, rejectUpload(http.StatusBadRequest, models.CodeUploadFailed, "File too large", nil)
		}
		return path, nil
	}
}

func (h *FrameHandler) cleanup(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Error("frame file cleanup failed", "path", path, "error", err)
	}
}

func (h *FrameHandler) record(owner string, commands []string, status string, latency time.Duration) {
	if h.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if commands == nil {
		commands = []string{}
	}
	_, err := h.events.Record(ctx, models.DetectionEvent{
		OwnerID:   owner,
		Commands:  commands,
		Status:    status,
		LatencyMs: latency.Milliseconds(),
		CreatedAt: time.Now(),
	})
	if err != nil {
		slog.Warn("could not record detection event", "owner", owner, "error", err)
	}
}

// RequestLogger logs method, path, origin and client IP for every request.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "no-origin"
		}
		slog.Info("incoming request", "method", r.Method, "path", r.URL.Path, "origin", origin, "ip", clientIP(r))
		next.ServeHTTP(w, r)
	})
}

// CORS answers preflights and sets the allowed origin on every response.
func CORS(origins string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origins)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
