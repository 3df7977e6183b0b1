package recording

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/foxseedlab/partyroom/internal/apperr"
	"github.com/foxseedlab/partyroom/internal/broadcast"
	"github.com/foxseedlab/partyroom/internal/highlight"
	"github.com/foxseedlab/partyroom/internal/repository"
	"github.com/foxseedlab/partyroom/internal/room"
)

type HighlightResult struct {
	RoomCode  string          `json:"roomCode"`
	SessionID string          `json:"sessionId,omitempty"`
	Result    json.RawMessage `json:"result"`
}

// SubmitHighlightJob hands the room's processing session to the highlight
// extractor and returns the extractor's job id.
func (c *Coordinator) SubmitHighlightJob(ctx context.Context, code string, mediaRefs []string) (string, error) {
	code, err := room.NormalizeCode(code)
	if err != nil {
		return "", err
	}
	if len(mediaRefs) == 0 {
		return "", apperr.Validation("at least one media reference is required")
	}

	var session *repository.RecordingSession
	err = c.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		r, err := tx.GetRoomByCode(ctx, code)
		if err != nil {
			return apperr.Internal("load room", err)
		}
		if r == nil || r.State == repository.RoomStateExpired {
			return apperr.NotFound("room not found")
		}
		if r.State != repository.RoomStateProcessing {
			return apperr.Conflict("room is not processing a recording")
		}
		session, err = tx.GetLatestRecordingSessionByStatus(ctx, r.ID, repository.RecordingStatusProcessing)
		if err != nil {
			return apperr.Internal("load recording session", err)
		}
		if session == nil {
			return apperr.Conflict("no recording awaiting processing")
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	jobID, err := c.submitter.Submit(ctx, highlight.Job{
		RoomCode:  code,
		SessionID: session.ID,
		MediaRefs: mediaRefs,
	})
	if errors.Is(err, highlight.ErrDisabled) {
		return "", apperr.Conflict("highlight service is not configured")
	}
	if err != nil {
		return "", apperr.Retryable("submit highlight job", err)
	}
	slog.Info("highlight job submitted", "room_code", code, "session_id", session.ID, "job_id", jobID)
	return jobID, nil
}

// HandleHighlightCallback validates the room code of an extractor callback,
// completes the processing session and forwards the result to the room.
func (c *Coordinator) HandleHighlightCallback(ctx context.Context, code string, result json.RawMessage) error {
	code, err := room.NormalizeCode(code)
	if err != nil {
		return err
	}
	trimmed := bytes.TrimSpace(result)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return apperr.Validation("result must be valid JSON")
	}
	unlock := c.seq.Lock(code)
	defer unlock()

	var sessionID string
	err = c.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		r, err := tx.GetRoomByCode(ctx, code)
		if err != nil {
			return apperr.Internal("load room", err)
		}
		if r == nil {
			return apperr.NotFound("room not found")
		}
		now := c.now()
		session, err := tx.GetLatestRecordingSessionByStatus(ctx, r.ID, repository.RecordingStatusProcessing)
		if err != nil {
			return apperr.Internal("load recording session", err)
		}
		if session != nil {
			sessionID = session.ID
			if err := tx.CloseRecordingSession(ctx, repository.CloseRecordingInput{
				SessionID: session.ID,
				Status:    repository.RecordingStatusCompleted,
				EndedAt:   now,
			}); err != nil {
				return apperr.Internal("complete recording session", err)
			}
		}
		if r.State == repository.RoomStateProcessing {
			_, err = room.Transition(ctx, tx, code, repository.RoomStateCompleted, now)
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	slog.Info("highlight result received", "room_code", code, "session_id", sessionID)
	c.out.ToRoom(code, broadcast.EventHighlightResult, HighlightResult{
		RoomCode:  code,
		SessionID: sessionID,
		Result:    trimmed,
	})
	return nil
}
