package detection

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adas-system/driver-monitor/internal/models"
)

func writeFrame(t *testing.T) models.Frame {
	t.Helper()
	path := filepath.Join(t.TempDir(), "frame.jpg")
	require.NoError(t, os.WriteFile(path, []byte{0xff, 0xd8, 0xff, 0xd9}, 0o644))
	return models.Frame{Path: path, CapturedAt: time.Now()}
}

func visionServer(t *testing.T, status int, body string) (*httptest.Server, *http.Request) {
	t.Helper()
	var captured http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = *r
		raw, _ := io.ReadAll(r.Body)
		var req models.VisionRequest
		if err := json.Unmarshal(raw, &req); err != nil || !strings.HasPrefix(req.Image, "data:image/jpeg;base64,") {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &captured
}

func TestCommandsScenarios(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{"empty", `{}`, []string{}},
		{"eyes closed and yawn", `{"eye_closed": true, "yawn": true}`, []string{"Eyes closed", "stay alert"}},
		{"eyes open always emitted", `{"eye_closed": false}`, []string{"Eyes open"}},
		{"false booleans emit nothing", `{"microsleep": false, "yawn": false, "phone_detected": false}`, []string{}},
		{"nulls are absent", `{"eye_closed": null, "yawn": null, "danger_level": null}`, []string{}},
		{
			"key order does not matter",
			`{"phone_detected": true, "fatigue_score": 0.75, "danger_level": "HIGH", "yawn": true, "microsleep": true, "head_direction": "LEFT", "eye_closed": true}`,
			[]string{"Eyes closed", "Head direction: left", "Microsleep detected", "stay alert", "Danger level: HIGH", "Fatigue score: 0.75", "Phone detected"},
		},
		{"numeric danger level", `{"danger_level": 3}`, []string{"Danger level: 3"}},
		{"whole fatigue score", `{"fatigue_score": 2.0}`, []string{"Fatigue score: 2"}},
		{"unknown fields ignored", `{"confidence": 0.9, "eye_closed": true}`, []string{"Eyes closed"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := parseVisionResponse([]byte(tt.body))
			require.NoError(t, err)
			got := Commands(resp)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDetectSendsDataURIWithBearer(t *testing.T) {
	srv, captured := visionServer(t, http.StatusOK, `{"eye_closed": true, "yawn": true}`)
	c := NewClient(srv.URL)

	res, err := c.Detect(context.Background(), writeFrame(t), "tok-123")
	require.NoError(t, err)
	assert.Equal(t, []string{"Eyes closed", "stay alert"}, res.Commands)
	assert.Equal(t, "Bearer tok-123", captured.Header.Get("Authorization"))
	assert.Equal(t, http.MethodPost, captured.Method)
}

func TestDetectEmptyResponseIsNotAnError(t *testing.T) {
	srv, _ := visionServer(t, http.StatusOK, `{}`)
	c := NewClient(srv.URL)

	res, err := c.Detect(context.Background(), writeFrame(t), "tok")
	require.NoError(t, err)
	assert.Empty(t, res.Commands)
	assert.NotNil(t, res.Commands)
}

func TestDetectFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"server error", http.StatusInternalServerError, `{}`, ErrService},
		{"empty body", http.StatusOK, ``, ErrService},
		{"null body", http.StatusOK, `null`, ErrService},
		{"array body", http.StatusOK, `["Eyes closed"]`, ErrService},
		{"malformed", http.StatusOK, `{"eye_closed": "maybe"}`, ErrService},
		{"rejected token", http.StatusUnauthorized, ``, ErrUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := visionServer(t, tt.status, tt.body)
			c := NewClient(srv.URL)

			_, err := c.Detect(context.Background(), writeFrame(t), "tok")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDetectMissingFrame(t *testing.T) {
	c := NewClient("http://127.0.0.1:1")
	_, err := c.Detect(context.Background(), models.Frame{Path: filepath.Join(t.TempDir(), "gone.jpg")}, "tok")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "not_found", Category(err))
}

func TestDetectWithoutToken(t *testing.T) {
	c := NewClient("http://127.0.0.1:1")
	_, err := c.Detect(context.Background(), writeFrame(t), "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestDetectNetworkTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	t.Cleanup(func() {
		close(block)
		srv.Close()
	})

	c := NewClient(srv.URL, WithTimeout(50*time.Millisecond))
	_, err := c.Detect(context.Background(), writeFrame(t), "tok")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNetwork), "got %v", err)
	assert.Equal(t, "network", Category(err))
}
