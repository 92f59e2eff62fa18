package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adas-system/driver-monitor/internal/auth"
	"adas-system/driver-monitor/internal/detection"
	"adas-system/driver-monitor/internal/models"
	"adas-system/driver-monitor/internal/services"
)

type fakeDetector struct {
	commands []string
	err      error
	panics   bool

	mu     sync.Mutex
	tokens []string
	sizes  []int
}

func (d *fakeDetector) DetectBytes(_ context.Context, jpeg []byte, token string) (models.DetectionResult, error) {
	d.mu.Lock()
	d.tokens = append(d.tokens, token)
	d.sizes = append(d.sizes, len(jpeg))
	d.mu.Unlock()
	if d.panics {
		panic("detector exploded")
	}
	if d.err != nil {
		return models.DetectionResult{}, d.err
	}
	return models.DetectionResult{Commands: d.commands, Latency: 20 * time.Millisecond}, nil
}

type fakeVerifier map[string]string

func (v fakeVerifier) Verify(_ context.Context, token string) (string, error) {
	owner, ok := v[token]
	if !ok {
		return "", auth.ErrInvalidToken
	}
	return owner, nil
}

type eventLog struct {
	mu     sync.Mutex
	events []models.DetectionEvent
}

func (l *eventLog) Record(_ context.Context, e models.DetectionEvent) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return int64(len(l.events)), nil
}

type frameFixture struct {
	handler  *FrameHandler
	detector *fakeDetector
	events   *eventLog
	dir      string
}

func newFrameFixture(t *testing.T, cfg FrameConfig, limiter *services.WindowLimiter) *frameFixture {
	t.Helper()
	f := &frameFixture{
		detector: &fakeDetector{commands: []string{"Eyes closed", "Yawning detected"}},
		events:   &eventLog{},
		dir:      t.TempDir(),
	}
	cfg.UploadDir = f.dir
	if cfg.MaxBytes == 0 {
		cfg.MaxBytes = 5 << 20
	}
	f.handler = NewFrameHandler(f.detector, fakeVerifier{"good": "driver-1"}, f.events, limiter, cfg)
	return f
}

func (f *frameFixture) spooled(t *testing.T) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	return entries
}

func multipartFrame(t *testing.T, field, filename, contentType string, body []byte) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	if field != "" {
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
		h.Set("Content-Type", contentType)
		part, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(body)
		require.NoError(t, err)
	} else {
		require.NoError(t, mw.WriteField("note", "no file here"))
	}
	require.NoError(t, mw.Close())
	return buf, mw.FormDataContentType()
}

func postFrame(t *testing.T, h http.Handler, token string, body *bytes.Buffer, contentType string) (*httptest.ResponseRecorder, models.FrameResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/process_frame", body)
	req.Header.Set("Content-Type", contentType)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp models.FrameResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec, resp
}

var jpegBytes = []byte("\xff\xd8\xff\xe0 fake jpeg payload")

func TestProcessFrameSuccess(t *testing.T) {
	f := newFrameFixture(t, FrameConfig{AudioEnabled: true}, nil)
	body, ct := multipartFrame(t, "frame", "cam shot (1).jpg", "image/jpeg", jpegBytes)

	rec, resp := postFrame(t, f.handler.Handler(), "good", body, ct)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, resp.Data)
	assert.Nil(t, resp.Error)
	assert.Equal(t, []string{"Eyes closed", "Yawning detected"}, resp.Data.Commands)
	require.NotNil(t, resp.Data.AudioURL)
	assert.Contains(t, *resp.Data.AudioURL, "https://translate.google.com/translate_tts?")

	// caller's token is passed through when no vision token is configured
	assert.Equal(t, []string{"good"}, f.detector.tokens)
	assert.Equal(t, []int{len(jpegBytes)}, f.detector.sizes)
	assert.Empty(t, f.spooled(t), "spooled frame must be removed")

	require.Len(t, f.events.events, 1)
	assert.Equal(t, "driver-1", f.events.events[0].OwnerID)
	assert.Equal(t, "ok", f.events.events[0].Status)
}

func TestProcessFrameEmptyCommandsHasNullAudio(t *testing.T) {
	f := newFrameFixture(t, FrameConfig{AudioEnabled: true, VisionToken: "vps-secret"}, nil)
	f.detector.commands = nil
	body, ct := multipartFrame(t, "frame", "a.jpg", "image/jpeg", jpegBytes)

	rec, _ := postFrame(t, f.handler.Handler(), "good", body, ct)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":{"commands":[],"audioUrl":null}}`, rec.Body.String())
	assert.Equal(t, []string{"vps-secret"}, f.detector.tokens)
}

func TestProcessFrameAudioDisabled(t *testing.T) {
	f := newFrameFixture(t, FrameConfig{AudioEnabled: false}, nil)
	body, ct := multipartFrame(t, "frame", "a.jpg", "image/jpeg", jpegBytes)

	rec, resp := postFrame(t, f.handler.Handler(), "good", body, ct)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, resp.Data.Commands, 2)
	assert.Nil(t, resp.Data.AudioURL)
}

func TestProcessFrameErrors(t *testing.T) {
	tests := []struct {
		name     string
		token    string
		field    string
		ctype    string
		body     []byte
		maxBytes int64
		setup    func(*frameFixture)
		status   int
		code     string
	}{
		{name: "no token", token: "", field: "frame", ctype: "image/jpeg", body: jpegBytes,
			status: http.StatusUnauthorized, code: models.CodeUnauthorized},
		{name: "bad token", token: "forged", field: "frame", ctype: "image/jpeg", body: jpegBytes,
			status: http.StatusUnauthorized, code: models.CodeInvalidToken},
		{name: "no file", token: "good", field: "",
			status: http.StatusBadRequest, code: models.CodeNoFile},
		{name: "png rejected", token: "good", field: "frame", ctype: "image/png", body: []byte("\x89PNG"),
			status: http.StatusBadRequest, code: models.CodeInvalidFile},
		{name: "too large", token: "good", field: "frame", ctype: "image/jpeg", body: bytes.Repeat([]byte("x"), 64), maxBytes: 16,
			status: http.StatusBadRequest, code: models.CodeUploadFailed},
		{name: "vision failure", token: "good", field: "frame", ctype: "image/jpeg", body: jpegBytes,
			setup:  func(f *frameFixture) { f.detector.err = fmt.Errorf("%w: boom", detection.ErrNetwork) },
			status: http.StatusInternalServerError, code: models.CodeVPSFailed},
		{name: "audio failure", token: "good", field: "frame", ctype: "image/jpeg", body: jpegBytes,
			setup: func(f *frameFixture) {
				f.handler.audioURL = func([]string) (string, error) { return "", errors.New("tts down") }
			},
			status: http.StatusInternalServerError, code: models.CodeAudioFailed},
		{name: "panic", token: "good", field: "frame", ctype: "image/jpeg", body: jpegBytes,
			setup:  func(f *frameFixture) { f.detector.panics = true },
			status: http.StatusInternalServerError, code: models.CodeServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFrameFixture(t, FrameConfig{AudioEnabled: true, MaxBytes: tt.maxBytes}, nil)
			if tt.setup != nil {
				tt.setup(f)
			}
			body, ct := multipartFrame(t, tt.field, "frame.jpg", tt.ctype, tt.body)

			rec, resp := postFrame(t, f.handler.Handler(), tt.token, body, ct)
			assert.Equal(t, tt.status, rec.Code)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
			assert.Nil(t, resp.Data)
			assert.Empty(t, f.spooled(t), "spooled frame must be removed on every path")
		})
	}
}

func TestProcessFrameRateLimit(t *testing.T) {
	f := newFrameFixture(t, FrameConfig{}, services.NewWindowLimiter(2, time.Minute))
	h := f.handler.Handler()

	for i := 0; i < 2; i++ {
		body, ct := multipartFrame(t, "frame", "a.jpg", "image/jpeg", jpegBytes)
		rec, _ := postFrame(t, h, "good", body, ct)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	// limited before auth, so even an unauthenticated caller sees 429
	body, ct := multipartFrame(t, "frame", "a.jpg", "image/jpeg", jpegBytes)
	rec, resp := postFrame(t, h, "", body, ct)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, models.CodeRateLimited, resp.Error.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestProxyRouter(t *testing.T) {
	f := newFrameFixture(t, FrameConfig{}, nil)
	router := NewProxyRouter(f.handler, Health("test", func(context.Context) bool { return true }), "*")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var hs models.HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hs))
	assert.Equal(t, "healthy", hs.Status)
	assert.True(t, hs.VisionService)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/process_frame", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/process_frame", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthReporter(t *testing.T) {
	var up bool
	var mu sync.Mutex
	probe := func(context.Context) bool {
		mu.Lock()
		defer mu.Unlock()
		return up
	}
	r := NewHealthReporter(probe, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return !r.Up() }, time.Second, 5*time.Millisecond)
	mu.Lock()
	up = true
	mu.Unlock()
	assert.Eventually(t, r.Up, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestHTTPProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	probe := HTTPProbe(srv.Client(), srv.URL)
	assert.True(t, probe(context.Background()))

	srv.Close()
	assert.False(t, probe(context.Background()))
}
