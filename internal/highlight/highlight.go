package highlight

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrDisabled is returned when no highlight service is configured.
var ErrDisabled = errors.New("highlight service is not configured")

type Job struct {
	RoomCode  string   `json:"roomCode"`
	SessionID string   `json:"sessionId"`
	MediaRefs []string `json:"mediaRefs"`
}

// Submitter hands a finished recording to the highlight extractor. The
// extractor answers later through the callback endpoint.
type Submitter interface {
	Submit(ctx context.Context, job Job) (jobID string, err error)
}

// Result is the opaque callback body, forwarded to clients unchanged.
type Result = json.RawMessage
