// Package readiness recomputes room-wide readiness after a participant change
// and tells the room about it.
package readiness

import (
	"context"
	"log/slog"
	"sync"

	"github.com/foxseedlab/partyroom/internal/broadcast"
	"github.com/foxseedlab/partyroom/internal/repository"
	"github.com/foxseedlab/partyroom/internal/room"
)

type Syncer interface {
	SyncReadinessState(ctx context.Context, code string) (*repository.Room, room.Readiness, error)
}

type Broadcaster interface {
	ToRoom(roomCode, event string, data any)
}

type Payload struct {
	ReadyCount int                  `json:"readyCount"`
	TotalCount int                  `json:"totalCount"`
	CanStart   bool                 `json:"canStart"`
	RoomState  repository.RoomState `json:"roomState"`
}

type Aggregator struct {
	rooms Syncer
	out   Broadcaster

	mu   sync.Mutex
	last map[string]Payload
}

func NewAggregator(rooms Syncer, out Broadcaster) *Aggregator {
	return &Aggregator{
		rooms: rooms,
		out:   out,
		last:  make(map[string]Payload),
	}
}

// Publish syncs the waiting/active state from the room's participants and
// broadcasts exactly one readiness event. Call it after every committed
// participant change.
func (a *Aggregator) Publish(ctx context.Context, code string) (room.Readiness, error) {
	return a.sync(ctx, code, true)
}

// Recompute is Publish for callers that changed nothing themselves, such as a
// rebound connection. It stays silent when the payload equals the last one
// sent to the room.
func (a *Aggregator) Recompute(ctx context.Context, code string) (room.Readiness, error) {
	return a.sync(ctx, code, false)
}

func (a *Aggregator) sync(ctx context.Context, code string, force bool) (room.Readiness, error) {
	r, summary, err := a.rooms.SyncReadinessState(ctx, code)
	if err != nil {
		return room.Readiness{}, err
	}
	payload := Payload{
		ReadyCount: summary.ReadyCount,
		TotalCount: summary.TotalCount,
		CanStart:   summary.AllReady,
		RoomState:  r.State,
	}

	a.mu.Lock()
	prev, seen := a.last[code]
	a.last[code] = payload
	a.mu.Unlock()
	if !force && seen && prev == payload {
		return summary, nil
	}

	if summary.AllReady {
		slog.Info("all participants ready", "room_code", code, "ready_count", summary.ReadyCount)
		a.out.ToRoom(code, broadcast.EventAllUsersReady, payload)
	} else {
		a.out.ToRoom(code, broadcast.EventReadyStatusUpdate, payload)
	}
	return summary, nil
}

// Forget drops the memo for a room that no longer exists.
func (a *Aggregator) Forget(code string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.last, code)
}
