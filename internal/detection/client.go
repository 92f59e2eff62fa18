package detection

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"time"

	"adas-system/driver-monitor/internal/models"
	"adas-system/driver-monitor/internal/services"
)

const (
	defaultTimeout = 5 * time.Second
	maxBodyBytes   = 1 << 20
)

var (
	// ErrNetwork covers connectivity failures and timeouts.
	ErrNetwork = errors.New("vision service unreachable")
	// ErrService means the vision service answered with a missing or malformed payload.
	ErrService = errors.New("vision service returned an invalid response")
	// ErrNotFound means the frame file vanished before it could be sent.
	ErrNotFound = errors.New("frame file not found")
	// ErrUnauthorized means the bearer identity was absent or rejected.
	ErrUnauthorized = errors.New("missing or rejected auth token")
)

// Category names the failure class of a Detect error for logs and metrics.
func Category(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.Is(err, ErrService):
		return "service"
	default:
		return "unknown"
	}
}

// Client sends still frames to the vision service.
type Client struct {
	http    *http.Client
	url     string
	timeout time.Duration
}

type Option func(*Client)

// WithHTTPClient replaces the pooled default transport.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithTimeout bounds each detection round-trip.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.timeout = d
		}
	}
}

func NewClient(url string, opts ...Option) *Client {
	c := &Client{
		http:    services.NewPooledHTTPClient(4, 0),
		url:     url,
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	slog.Info("vision client configured", "url", url, "timeout", c.timeout)
	return c
}

// URL returns the vision endpoint.
func (c *Client) URL() string {
	return c.url
}

// Detect reads the frame from disk and runs one detection round-trip.
// The frame file is left in place; deleting it is the caller's job.
func (c *Client) Detect(ctx context.Context, frame models.Frame, token string) (models.DetectionResult, error) {
	data, err := os.ReadFile(frame.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return models.DetectionResult{}, fmt.Errorf("%w: %s", ErrNotFound, frame.Path)
		}
		return models.DetectionResult{}, fmt.Errorf("could not read frame %s: %w", frame.Path, err)
	}
	return c.DetectBytes(ctx, data, token)
}

// DetectBytes runs one detection round-trip for an in-memory JPEG.
func (c *Client) DetectBytes(ctx context.Context, jpeg []byte, token string) (models.DetectionResult, error) {
	if token == "" {
		return models.DetectionResult{}, ErrUnauthorized
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(models.VisionRequest{
		Image: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpeg),
	})
	if err != nil {
		return models.DetectionResult{}, fmt.Errorf("marshal vision request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return models.DetectionResult{}, fmt.Errorf("create vision request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return models.DetectionResult{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return models.DetectionResult{}, fmt.Errorf("%w: vision status %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return models.DetectionResult{}, fmt.Errorf("%w: status %d", ErrService, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return models.DetectionResult{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	parsed, err := parseVisionResponse(raw)
	if err != nil {
		return models.DetectionResult{}, err
	}

	return models.DetectionResult{
		Commands:  Commands(parsed),
		Latency:   time.Since(start),
		Timestamp: time.Now(),
	}, nil
}

func parseVisionResponse(raw []byte) (VisionResponse, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return VisionResponse{}, fmt.Errorf("%w: no data received", ErrService)
	}
	if raw[0] != '{' {
		return VisionResponse{}, fmt.Errorf("%w: payload is not an object", ErrService)
	}

	var parsed VisionResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return VisionResponse{}, fmt.Errorf("%w: %v", ErrService, err)
	}
	return parsed, nil
}
