// Package models defines the core domain types shared by the storyctl
// client: operations, stories, shots and the wire envelopes the backend
// returns for long-running submissions.
//
// An Operation moves through a linear lifecycle:
//
//	queued → running → succeeded | failed
//
// with queued → succeeded|failed permitted as a fast path. succeeded and
// failed are terminal; the server never transitions out of them, and a
// client observation that claims otherwise is a protocol violation.
package models

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// OperationStatus represents the lifecycle state of an operation.
type OperationStatus string

const (
	StatusQueued    OperationStatus = "queued"
	StatusRunning   OperationStatus = "running"
	StatusSucceeded OperationStatus = "succeeded"
	StatusFailed    OperationStatus = "failed"
)

// IsTerminal reports whether the status admits no further transitions.
func (s OperationStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// ValidTransition reports whether moving from s to next is allowed by the
// operation state machine. Repeating the current state is allowed (polling
// re-observes the same status between changes).
func (s OperationStatus) ValidTransition(next OperationStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusQueued:
		return next == StatusRunning || next.IsTerminal()
	case StatusRunning:
		return next.IsTerminal()
	default:
		// succeeded / failed: nothing leaves a terminal state.
		return false
	}
}

// OperationKind identifies what a long-running operation is doing.
type OperationKind string

const (
	KindStoryCreate OperationKind = "story_create"
	KindShotRegen   OperationKind = "shot_regen"
	KindVideoRender OperationKind = "video_render"
)

// ZeroUUID is the sentinel the backend uses for "no shot associated".
const ZeroUUID = "00000000-0000-0000-0000-000000000000"

// Operation is the server-authoritative record for a long-running job,
// as returned by GET /v1/operations/{id}.
type Operation struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	StoryID    string          `json:"story_id"`
	ShotID     string          `json:"shot_id"`
	Kind       OperationKind   `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Status     OperationStatus `json:"status"`
	Retries    int             `json:"retries"`
	ErrorMsg   string          `json:"error_msg,omitempty"`
	Worker     string          `json:"worker,omitempty"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`

	// ProgressPercent is only populated by the push channel; the REST
	// surface does not report it.
	ProgressPercent int `json:"progress_percent,omitempty"`
}

// HasShot reports whether the operation targets a specific shot.
func (o *Operation) HasShot() bool {
	return o.ShotID != "" && o.ShotID != ZeroUUID
}

// StoredOperationRef is the client-local record the registry persists for
// each operation it tracks. Live status and progress are never persisted;
// they are re-derived from the server on every session.
type StoredOperationRef struct {
	ID        string        `json:"id"`
	CreatedAt time.Time     `json:"created_at"`
	StoryID   string        `json:"story_id,omitempty"`
	ShotID    string        `json:"shot_id,omitempty"`
	Kind      OperationKind `json:"type,omitempty"`
}

// ErrEmptyOperationName is returned by ParseOperationName for handles
// that carry no id at all.
var ErrEmptyOperationName = errors.New("empty operation name")

// ParseOperationName extracts the canonical operation id from a handle of
// the form "operations/{id}". Bare ids pass through unchanged.
func ParseOperationName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrEmptyOperationName
	}
	id := strings.TrimPrefix(name, "operations/")
	if id == "" {
		return "", ErrEmptyOperationName
	}
	return id, nil
}

// StoryStatus represents the compile state of a story.
type StoryStatus string

const (
	StoryGenerating StoryStatus = "generating"
	StoryReady      StoryStatus = "ready"
	StoryFailed     StoryStatus = "failed"
)

// StoryStyle selects the rendering style for a story.
type StoryStyle string

const (
	StyleMovie     StoryStyle = "movie"
	StyleAnimation StoryStyle = "animation"
	StyleRealistic StoryStyle = "realistic"
)

// Valid reports whether s is a style the backend accepts.
func (s StoryStyle) Valid() bool {
	switch s {
	case StyleMovie, StyleAnimation, StyleRealistic:
		return true
	}
	return false
}

// Story is a script plus its rendered video assets.
type Story struct {
	ID        string      `json:"id"`
	UserID    string      `json:"user_id"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
	Content   string      `json:"content"`
	Title     string      `json:"title"`
	Style     StoryStyle  `json:"style"`
	Duration  int         `json:"duration"`
	Status    StoryStatus `json:"status"`
	CoverURL  string      `json:"cover_url"`
	VideoURL  string      `json:"video_url"`
}

// ShotStatus represents the asset state of a single shot.
type ShotStatus string

const (
	ShotGenerating ShotStatus = "generating"
	ShotDone       ShotStatus = "done"
	ShotFailed     ShotStatus = "failed"
)

// Shot is one storyboard frame of a story.
type Shot struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StoryID     string     `json:"story_id"`
	Sequence    string     `json:"sequence"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Details     string     `json:"details"`
	Narration   string     `json:"narration"`
	Type        string     `json:"type"`
	Transition  string     `json:"transition"`
	Voice       string     `json:"voice"`
	Status      ShotStatus `json:"status"`
	ImageURL    string     `json:"image_url"`
	BGM         string     `json:"bgm"`
}

// CreateStoryRequest is the body for POST /v1/stories.
type CreateStoryRequest struct {
	DisplayName   string     `json:"display_name"`
	ScriptContent string     `json:"script_content"`
	Style         StoryStyle `json:"style"`
}

// UpdateShotRequest is the body for PATCH /v1/stories/{id}/shots/{shotId}.
// Only the provided fields are changed.
type UpdateShotRequest struct {
	Shot map[string]string `json:"shot"`
}

// RegenerateShotRequest is the body for the shot regenerate endpoint.
type RegenerateShotRequest struct {
	Details   string `json:"details,omitempty"`
	AssetType string `json:"asset_type,omitempty"`
}

// OperationCreatedResponse is the envelope every submission endpoint
// returns: an operation handle to poll or subscribe on.
type OperationCreatedResponse struct {
	OperationName string          `json:"operation_name"`
	State         OperationStatus `json:"state"`
	CreateTime    string          `json:"create_time,omitempty"`
}

// ListStoriesResponse wraps GET /v1/stories.
type ListStoriesResponse struct {
	Items         []Story `json:"items"`
	NextPageToken string  `json:"next_page_token,omitempty"`
}

// ListShotsResponse wraps GET /v1/stories/{id}/shots.
type ListShotsResponse struct {
	Shots []Shot `json:"shots"`
}
