package socket

import (
	"encoding/json"
	"fmt"

	"github.com/mickaelli/storyctl/internal/models"
)

// Frame actions sent by the client.
const (
	actionSubscribe   = "SUBSCRIBE"
	actionUnsubscribe = "UNSUBSCRIBE"
	actionPing        = "PING"
)

// Frame types received from the server.
const (
	framePong              = "PONG"
	frameOperationProgress = "OPERATION_PROGRESS"
	frameOperationDone     = "OPERATION_DONE"
)

// outboundFrame is the shape of every client-to-server message.
type outboundFrame struct {
	Action string `json:"action"`
	Topic  string `json:"topic,omitempty"`
}

// PushState is the generation state carried by push payloads. The push
// channel uses the STATE_* vocabulary rather than the REST status names.
type PushState string

const (
	StatePending   PushState = "STATE_PENDING"
	StateRunning   PushState = "STATE_RUNNING"
	StateSucceeded PushState = "STATE_SUCCEEDED"
	StateFailed    PushState = "STATE_FAILED"
)

// Status maps a push state onto the REST operation status vocabulary.
// Unknown states map to queued, the weakest claim.
func (s PushState) Status() models.OperationStatus {
	switch s {
	case StateRunning:
		return models.StatusRunning
	case StateSucceeded:
		return models.StatusSucceeded
	case StateFailed:
		return models.StatusFailed
	default:
		return models.StatusQueued
	}
}

// IsTerminal reports whether the push state is final.
func (s PushState) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// ProgressPayload is the body of an OPERATION_PROGRESS frame.
type ProgressPayload struct {
	OperationName   string    `json:"operation_name"`
	State           PushState `json:"state"`
	ProgressPercent int       `json:"progress_percent"`
	Message         string    `json:"message,omitempty"`
}

// DonePayload is the body of an OPERATION_DONE frame.
type DonePayload struct {
	OperationName      string    `json:"operation_name"`
	State              PushState `json:"state"`
	ProgressPercent    int       `json:"progress_percent"`
	ResultResourceName string    `json:"result_resource_name,omitempty"`
	Error              string    `json:"error,omitempty"`
}

// Event is the dispatched form of a progress or done frame, flattened so
// subscribers handle one type.
type Event struct {
	// OperationID is the canonical id extracted from the payload's
	// operation_name.
	OperationID     string
	State           PushState
	ProgressPercent int
	Message         string

	// Done is true for OPERATION_DONE frames; ResultResourceName and
	// Error are only meaningful when it is.
	Done               bool
	ResultResourceName string
	Error              string
}

func marshalFrame(f outboundFrame) ([]byte, error) {
	return json.Marshal(f)
}

func unmarshalFrame(data []byte) (inboundFrame, error) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return inboundFrame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

// inboundFrame is the tagged envelope every server message decodes into
// before being matched on its type.
type inboundFrame struct {
	Type      string          `json:"type"`
	Action    string          `json:"action"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// decodeEvent turns a progress/done frame into an Event. It returns an
// error for payloads that do not carry a usable operation name.
func decodeEvent(f inboundFrame) (Event, error) {
	switch f.Type {
	case frameOperationProgress:
		var p ProgressPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return Event{}, fmt.Errorf("decode progress payload: %w", err)
		}
		id, err := models.ParseOperationName(p.OperationName)
		if err != nil {
			return Event{}, fmt.Errorf("progress frame: %w", err)
		}
		return Event{
			OperationID:     id,
			State:           p.State,
			ProgressPercent: p.ProgressPercent,
			Message:         p.Message,
		}, nil

	case frameOperationDone:
		var p DonePayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return Event{}, fmt.Errorf("decode done payload: %w", err)
		}
		id, err := models.ParseOperationName(p.OperationName)
		if err != nil {
			return Event{}, fmt.Errorf("done frame: %w", err)
		}
		return Event{
			OperationID:        id,
			State:              p.State,
			ProgressPercent:    p.ProgressPercent,
			Done:               true,
			ResultResourceName: p.ResultResourceName,
			Error:              p.Error,
		}, nil

	default:
		return Event{}, fmt.Errorf("not an operation frame: %q", f.Type)
	}
}
