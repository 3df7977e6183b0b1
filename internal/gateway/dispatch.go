package gateway

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/foxseedlab/partyroom/internal/apperr"
	"github.com/foxseedlab/partyroom/internal/broadcast"
	"github.com/foxseedlab/partyroom/internal/registry"
	"github.com/foxseedlab/partyroom/internal/room"
	"github.com/foxseedlab/partyroom/internal/signaling"
)

// Client commands.
const (
	CmdJoinRoom          = "join-room"
	CmdLeaveRoom         = "leave-room"
	CmdUpdatePreparation = "update-preparation-status"
	CmdStartRecording    = "start-recording"
	CmdStopRecording     = "stop-recording"
	CmdHostLeave         = "host-leave"
	CmdOffer             = "offer"
	CmdAnswer            = "answer"
	CmdICECandidate      = "ice-candidate"
	CmdChatMessage       = "chat-message"

	cmdMalformed = "message"
)

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type joinRequest struct {
	RoomCode     string `json:"roomCode"`
	SessionToken string `json:"sessionToken"`
	Nickname     string `json:"nickname"`
}

type startRequest struct {
	Countdown bool `json:"countdown"`
}

type signalRequest struct {
	Target  string          `json:"target"`
	Payload json.RawMessage `json:"payload"`
}

type chatRequest struct {
	Text string `json:"text"`
}

type roomAck struct {
	RoomCode string `json:"roomCode"`
}

// Dispatch runs one inbound command for connID to completion. Every failure
// is answered to connID alone with <command>-error.
func (h *Hub) Dispatch(ctx context.Context, connID string, raw []byte) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Event == "" {
		h.replyError(connID, cmdMalformed, apperr.Validation("malformed message"))
		return
	}
	if err := h.dispatch(ctx, connID, msg); err != nil {
		h.replyError(connID, msg.Event, err)
	}
}

func (h *Hub) dispatch(ctx context.Context, connID string, msg inbound) error {
	switch msg.Event {
	case CmdJoinRoom:
		var req joinRequest
		if err := decode(msg.Data, &req); err != nil {
			return err
		}
		_, err := h.Join(ctx, connID, req.RoomCode, req.SessionToken, req.Nickname)
		return err

	case CmdLeaveRoom:
		b, err := h.binding(connID)
		if err != nil {
			return err
		}
		if err := h.leave(ctx, b.RoomCode, b.GuestID); err != nil {
			return err
		}
		h.out.ToPeer(connID, broadcast.SuccessEvent(CmdLeaveRoom), roomAck{RoomCode: b.RoomCode})
		return nil

	case CmdUpdatePreparation:
		b, err := h.binding(connID)
		if err != nil {
			return err
		}
		var update room.PreparationUpdate
		if err := decode(msg.Data, &update); err != nil {
			return err
		}
		_, err = h.UpdatePreparation(ctx, connID, b.RoomCode, b.GuestID, update)
		return err

	case CmdStartRecording:
		b, err := h.binding(connID)
		if err != nil {
			return err
		}
		var req startRequest
		if len(msg.Data) > 0 {
			if err := decode(msg.Data, &req); err != nil {
				return err
			}
		}
		if req.Countdown {
			return h.recorder.StartWithCountdown(ctx, b.RoomCode, b.GuestID)
		}
		_, err = h.recorder.Start(ctx, b.RoomCode, b.GuestID)
		return err

	case CmdStopRecording:
		b, err := h.binding(connID)
		if err != nil {
			return err
		}
		_, err = h.recorder.Stop(ctx, b.RoomCode, b.GuestID)
		return err

	case CmdHostLeave:
		b, err := h.binding(connID)
		if err != nil {
			return err
		}
		_, err = h.recorder.HostLeave(ctx, b.RoomCode, b.GuestID)
		return err

	case CmdOffer, CmdAnswer, CmdICECandidate:
		var req signalRequest
		if err := decode(msg.Data, &req); err != nil {
			return err
		}
		if err := h.Signal(signaling.Kind(msg.Event), connID, req.Target, req.Payload); err != nil {
			return err
		}
		h.out.ToPeer(connID, broadcast.SuccessEvent(msg.Event), map[string]string{"target": req.Target})
		return nil

	case CmdChatMessage:
		var req chatRequest
		if err := decode(msg.Data, &req); err != nil {
			return err
		}
		return h.Chat(connID, req.Text)
	}
	return apperr.Validation("unknown command " + msg.Event)
}

func (h *Hub) binding(connID string) (registry.Binding, error) {
	b, ok := h.conns.Lookup(connID)
	if !ok {
		return registry.Binding{}, apperr.NotFound("not in a room")
	}
	return b, nil
}

func (h *Hub) replyError(connID, command string, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal {
		slog.Error("command failed", "connection_id", connID, "event", command, "error", err)
	} else {
		slog.Warn("command rejected", "connection_id", connID, "event", command, "kind", kind, "reason", apperr.ReasonOf(err))
	}
	h.out.ToPeer(connID, broadcast.ErrorEvent(command), broadcast.ErrorPayload{
		Reason:    apperr.ReasonOf(err),
		Kind:      string(kind),
		Retryable: apperr.IsRetryable(err),
	})
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return apperr.Validation("data is required")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperr.Validation("malformed data")
	}
	return nil
}
