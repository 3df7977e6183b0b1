package room

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/foxseedlab/partyroom/internal/apperr"
	"github.com/foxseedlab/partyroom/internal/repository"
)

var transitions = map[repository.RoomState][]repository.RoomState{
	repository.RoomStateWaiting:    {repository.RoomStateActive, repository.RoomStateCountdown, repository.RoomStateRecording},
	repository.RoomStateActive:     {repository.RoomStateWaiting, repository.RoomStateCountdown, repository.RoomStateRecording},
	repository.RoomStateCountdown:  {repository.RoomStateRecording},
	repository.RoomStateRecording:  {repository.RoomStateProcessing},
	repository.RoomStateProcessing: {repository.RoomStateCompleted},
}

func KnownState(s repository.RoomState) bool {
	switch s {
	case repository.RoomStateWaiting, repository.RoomStateActive, repository.RoomStateCountdown,
		repository.RoomStateRecording, repository.RoomStateProcessing, repository.RoomStateCompleted,
		repository.RoomStateExpired:
		return true
	}
	return false
}

// Requestable reports whether a host may ask for state directly.
func Requestable(s repository.RoomState) bool {
	return s != repository.RoomStateCountdown && s != repository.RoomStateCompleted
}

// CanTransition reports whether from -> to is an edge of the room state
// machine. Every non-expired state may move to expired.
func CanTransition(from, to repository.RoomState) bool {
	if from == repository.RoomStateExpired {
		return false
	}
	if to == repository.RoomStateExpired {
		return true
	}
	return slices.Contains(transitions[from], to)
}

// Transition re-reads the room inside tx, checks the edge and writes the new
// state. The returned room reflects the committed-to-be state.
func Transition(ctx context.Context, tx repository.Tx, code string, to repository.RoomState, now time.Time) (*repository.Room, error) {
	r, err := tx.GetRoomByCode(ctx, code)
	if err != nil {
		return nil, apperr.Internal("load room", err)
	}
	if r == nil {
		return nil, apperr.NotFound("room not found")
	}
	if !CanTransition(r.State, to) {
		return nil, apperr.Conflict(fmt.Sprintf("cannot move room from %s to %s", r.State, to))
	}
	if err := tx.UpdateRoomState(ctx, r.ID, to, now); err != nil {
		return nil, apperr.Internal("update room state", err)
	}
	r.State = to
	r.UpdatedAt = now
	return r, nil
}

// Restore puts the room back to prior if it is still in expected. It is the
// compensation step for sequences that span more than one transaction.
func Restore(ctx context.Context, tx repository.Tx, code string, expected, prior repository.RoomState, now time.Time) (bool, error) {
	r, err := tx.GetRoomByCode(ctx, code)
	if err != nil {
		return false, err
	}
	if r == nil || r.State != expected {
		return false, nil
	}
	if err := tx.UpdateRoomState(ctx, r.ID, prior, now); err != nil {
		return false, err
	}
	return true, nil
}
