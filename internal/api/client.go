// Package api implements the HTTP client for the story-to-video backend:
// story and shot CRUD, the long-running submission endpoints that return
// operation handles, and the single-operation status fetch the poll
// tracker drives.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mickaelli/storyctl/internal/models"
)

// DefaultTimeout bounds every request; the backend boundary must never
// hang a tracker loop indefinitely.
const DefaultTimeout = 15 * time.Second

// Client talks to the backend REST surface.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client (tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout overrides the request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// NewClient creates a Client for the given base URL and bearer token.
func NewClient(baseURL, token string, log zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: DefaultTimeout},
		log:     log.With().Str("component", "api").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetOperation fetches a single operation snapshot. A 404 comes back as
// ErrOperationNotFound so callers can distinguish server-side expiry
// from transient failures.
func (c *Client) GetOperation(ctx context.Context, id string) (*models.Operation, error) {
	var op models.Operation
	if err := c.do(ctx, http.MethodGet, "/v1/operations/"+id, nil, &op); err != nil {
		if IsNotFound(err) {
			return nil, fmt.Errorf("operation %q: %w", id, ErrOperationNotFound)
		}
		return nil, err
	}
	return &op, nil
}

// CreateStory submits a story for generation and returns the operation
// handle to track.
func (c *Client) CreateStory(ctx context.Context, req *models.CreateStoryRequest) (*models.OperationCreatedResponse, error) {
	var resp models.OperationCreatedResponse
	if err := c.do(ctx, http.MethodPost, "/v1/stories", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CompileStory asks the backend to render the story's final video.
func (c *Client) CompileStory(ctx context.Context, storyID string) (*models.OperationCreatedResponse, error) {
	var resp models.OperationCreatedResponse
	if err := c.do(ctx, http.MethodPost, "/v1/stories/"+storyID+"/compile", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RegenerateShot re-generates a single shot's assets.
func (c *Client) RegenerateShot(ctx context.Context, storyID, shotID string, req *models.RegenerateShotRequest) (*models.OperationCreatedResponse, error) {
	var resp models.OperationCreatedResponse
	path := "/v1/stories/" + storyID + "/shots/" + shotID + "/regenerate"
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListStories fetches the story list.
func (c *Client) ListStories(ctx context.Context) (*models.ListStoriesResponse, error) {
	var resp models.ListStoriesResponse
	if err := c.do(ctx, http.MethodGet, "/v1/stories", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetStory fetches a single story's detail.
func (c *Client) GetStory(ctx context.Context, storyID string) (*models.Story, error) {
	var resp struct {
		Story models.Story `json:"story"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/stories/"+storyID, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Story, nil
}

// ListShots fetches the shots of a story.
func (c *Client) ListShots(ctx context.Context, storyID string) (*models.ListShotsResponse, error) {
	var resp models.ListShotsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/stories/"+storyID+"/shots", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetShot fetches a single shot's detail.
func (c *Client) GetShot(ctx context.Context, storyID, shotID string) (*models.Shot, error) {
	var resp struct {
		Shot models.Shot `json:"shot"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/stories/"+storyID+"/shots/"+shotID, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Shot, nil
}

// UpdateShot patches shot fields.
func (c *Client) UpdateShot(ctx context.Context, storyID, shotID string, req *models.UpdateShotRequest) (*models.Shot, error) {
	var resp struct {
		Shot models.Shot `json:"shot"`
	}
	path := "/v1/stories/" + storyID + "/shots/" + shotID
	if err := c.do(ctx, http.MethodPatch, path, req, &resp); err != nil {
		return nil, err
	}
	return &resp.Shot, nil
}

// apiError is the backend's error envelope.
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// do issues one request and decodes the response into out (when non-nil).
// Non-2xx statuses map onto the package's sentinel errors.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %w", method, path, ErrTransient, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: %w: read body: %w", method, path, ErrTransient, err)
	}

	if resp.StatusCode >= 400 {
		msg := strings.TrimSpace(string(data))
		var envelope apiError
		if json.Unmarshal(data, &envelope) == nil && envelope.Message != "" {
			msg = envelope.Message
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%s %s (%d): %s: %w", method, path, resp.StatusCode, msg, ErrNotFound)
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%s %s (%d): %s: %w", method, path, resp.StatusCode, msg, ErrUnauthorized)
		default:
			return fmt.Errorf("%s %s (%d): %s: %w", method, path, resp.StatusCode, msg, ErrTransient)
		}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}
