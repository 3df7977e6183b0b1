// Package gateway is the real-time client surface. Hub commits each change
// through the room manager and announces it to the room while holding the
// room's sequencer lock, so events go out in commit order.
package gateway

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/foxseedlab/partyroom/internal/apperr"
	"github.com/foxseedlab/partyroom/internal/broadcast"
	"github.com/foxseedlab/partyroom/internal/readiness"
	"github.com/foxseedlab/partyroom/internal/recording"
	"github.com/foxseedlab/partyroom/internal/registry"
	"github.com/foxseedlab/partyroom/internal/repository"
	"github.com/foxseedlab/partyroom/internal/room"
	"github.com/foxseedlab/partyroom/internal/signaling"
	"github.com/google/uuid"
)

const maxChatLength = 500

type Hub struct {
	rooms     *room.Manager
	conns     *registry.Registry
	out       *broadcast.Fanout
	seq       *broadcast.Sequencer
	readiness *readiness.Aggregator
	relay     *signaling.Relay
	recorder  *recording.Coordinator
	now       func() time.Time
}

func NewHub(
	rooms *room.Manager,
	conns *registry.Registry,
	out *broadcast.Fanout,
	seq *broadcast.Sequencer,
	agg *readiness.Aggregator,
	relay *signaling.Relay,
	recorder *recording.Coordinator,
) *Hub {
	return &Hub{
		rooms:     rooms,
		conns:     conns,
		out:       out,
		seq:       seq,
		readiness: agg,
		relay:     relay,
		recorder:  recorder,
		now:       time.Now,
	}
}

func (h *Hub) Rooms() *room.Manager { return h.rooms }

func (h *Hub) Recorder() *recording.Coordinator { return h.recorder }

func (h *Hub) CreateRoom(ctx context.Context, in room.CreateRoomInput) (*room.Membership, error) {
	if in.SessionToken == "" {
		in.SessionToken = uuid.NewString()
	}
	return h.rooms.CreateRoom(ctx, in)
}

// Join admits a guest to a room, or rebinds a returning guest whose session
// token still owns an active participant. When connID is set the connection
// is bound to the membership and receives joined-room-success.
func (h *Hub) Join(ctx context.Context, connID, code, sessionToken, nickname string) (*JoinedRoom, error) {
	code, err := room.NormalizeCode(code)
	if err != nil {
		return nil, err
	}
	if sessionToken == "" {
		if strings.TrimSpace(nickname) == "" {
			return nil, apperr.Validation("nickname is required")
		}
		sessionToken = uuid.NewString()
	}

	bound, isBound := registry.Binding{}, false
	if connID != "" {
		bound, isBound = h.conns.Lookup(connID)
	}
	if isBound && bound.RoomCode != code {
		return nil, apperr.Conflict("connection is already in room " + bound.RoomCode)
	}

	unlock := h.seq.Lock(code)
	defer unlock()

	m, err := h.rooms.ResolveMembership(ctx, code, sessionToken)
	rejoined := err == nil
	if isBound && ((rejoined && m.Guest.ID != bound.GuestID) || apperr.Is(err, apperr.KindNotFound)) {
		return nil, apperr.Conflict("connection already joined as another participant")
	}
	if err != nil {
		if !apperr.Is(err, apperr.KindNotFound) || strings.TrimSpace(nickname) == "" {
			return nil, err
		}
		m, err = h.rooms.JoinRoom(ctx, code, sessionToken, nickname)
		if err != nil {
			return nil, err
		}
	}

	if connID != "" {
		h.conns.Bind(registry.Binding{
			ConnID:        connID,
			RoomCode:      code,
			GuestID:       m.Guest.ID,
			ParticipantID: m.Participant.ID,
			Nickname:      m.Participant.Nickname,
			Role:          m.Participant.Role,
		})
	}
	snap, err := h.rooms.GetRoomByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	view := NewSnapshotView(*snap)
	joined := &JoinedRoom{
		RoomCode:     code,
		SessionToken: sessionToken,
		Self:         NewParticipantView(m.Participant),
		Snapshot:     view,
		Rejoined:     rejoined,
	}
	if connID != "" {
		h.out.ToPeer(connID, broadcast.EventJoinedRoomSuccess, joined)
	}
	if rejoined {
		slog.Info("connection rebound to membership", "room_code", code, "guest_id", m.Guest.ID, "connection_id", connID)
		if _, err := h.readiness.Recompute(ctx, code); err != nil {
			slog.Error("failed to recompute readiness", "room_code", code, "error", err)
		}
		return joined, nil
	}

	h.out.ToRoomExcept(code, connID, broadcast.EventUserJoined, NewParticipantView(m.Participant))
	h.out.ToRoom(code, broadcast.EventParticipantUpdate, ParticipantUpdate{
		EventType: UpdateJoined,
		Snapshot:  view,
		Occupancy: snap.Room.CurrentParticipants,
	})
	h.recompute(ctx, code)
	return joined, nil
}

// LeaveRoom removes the guest owning sessionToken from the room. A host
// leaving dissolves the room.
func (h *Hub) LeaveRoom(ctx context.Context, code, sessionToken string) error {
	m, err := h.rooms.ResolveMembership(ctx, code, sessionToken)
	if err != nil {
		return err
	}
	return h.leave(ctx, m.Room.Code, m.Guest.ID)
}

func (h *Hub) leave(ctx context.Context, code, guestID string) error {
	snap, err := h.rooms.GetRoomByCode(ctx, code)
	if err != nil {
		return err
	}
	if snap.Room.HostGuestID == guestID {
		_, err = h.recorder.HostLeave(ctx, code, guestID)
		return err
	}

	unlock := h.seq.Lock(code)
	defer unlock()

	left, err := h.rooms.LeaveRoom(ctx, code, guestID)
	if err != nil {
		return err
	}
	if connID, ok := h.conns.ConnectionOf(code, guestID); ok {
		h.conns.Unbind(connID)
	}
	h.announceLeft(ctx, *left)
	return nil
}

func (h *Hub) announceLeft(ctx context.Context, l room.Membership) {
	code := l.Room.Code
	h.out.ToRoom(code, broadcast.EventUserLeft, NewParticipantView(l.Participant))
	snap, err := h.rooms.GetRoomByCode(ctx, code)
	if err != nil {
		slog.Error("failed to load room after leave", "room_code", code, "error", err)
		return
	}
	h.out.ToRoom(code, broadcast.EventParticipantUpdate, ParticipantUpdate{
		EventType: UpdateLeft,
		Snapshot:  NewSnapshotView(*snap),
		Occupancy: snap.Room.CurrentParticipants,
	})
	h.recompute(ctx, code)
}

// UpdatePreparation applies one readiness sub-flag change and announces it.
// An update that changes nothing is echoed to connID only.
func (h *Hub) UpdatePreparation(ctx context.Context, connID, code, guestID string, update room.PreparationUpdate) (*repository.Participant, error) {
	code, err := room.NormalizeCode(code)
	if err != nil {
		return nil, err
	}
	unlock := h.seq.Lock(code)
	defer unlock()

	p, changed, err := h.rooms.UpdatePreparationStatus(ctx, code, guestID, update)
	if err != nil {
		return nil, err
	}
	event := broadcast.EventPreparationStatusUpdated
	if update.Kind == room.PreparationCharacter {
		event = broadcast.EventCharacterStatusUpdated
	}
	payload := preparationChanged(code, *p, update.Kind)
	if !changed {
		if connID != "" {
			h.out.ToPeer(connID, event, payload)
		}
		return p, nil
	}
	h.out.ToRoom(code, event, payload)
	h.recompute(ctx, code)
	return p, nil
}

func preparationChanged(code string, p repository.Participant, kind room.PreparationKind) PreparationChanged {
	out := PreparationChanged{
		RoomCode:      code,
		ParticipantID: p.ID,
		GuestID:       p.GuestID,
		Kind:          kind,
	}
	switch kind {
	case room.PreparationCharacter:
		out.Ready = p.CharacterReady
		out.Customization = p.Customization
	case room.PreparationScreen:
		out.Ready = p.ScreenReady
	case room.PreparationFinal:
		out.Ready = p.FinalReady
	}
	return out
}

func (h *Hub) EndRoom(ctx context.Context, code, hostGuestID string) (*repository.Room, error) {
	r, err := h.rooms.EndRoom(ctx, code, hostGuestID)
	if err != nil {
		return nil, err
	}
	h.recorder.AnnounceDissolved(r.Code, recording.ReasonEnded, hostGuestID)
	return r, nil
}

// UpdateRoomState applies a transition requested by the host of the room.
// Recording and processing go through the recording coordinator so sessions
// stay in step.
func (h *Hub) UpdateRoomState(ctx context.Context, code, hostGuestID string, to repository.RoomState) (*repository.Room, error) {
	code, err := room.NormalizeCode(code)
	if err != nil {
		return nil, err
	}
	if _, err := h.rooms.HostedRoom(ctx, code, hostGuestID); err != nil {
		return nil, err
	}

	switch to {
	case repository.RoomStateRecording, repository.RoomStateProcessing:
		if to == repository.RoomStateRecording {
			_, err = h.recorder.Start(ctx, code, hostGuestID)
		} else {
			_, err = h.recorder.Stop(ctx, code, hostGuestID)
		}
		if err != nil {
			return nil, err
		}
		snap, err := h.rooms.GetRoomByCode(ctx, code)
		if err != nil {
			return nil, err
		}
		return &snap.Room, nil
	case repository.RoomStateExpired:
		return h.EndRoom(ctx, code, hostGuestID)
	}

	unlock := h.seq.Lock(code)
	defer unlock()

	r, err := h.rooms.UpdateRoomState(ctx, code, hostGuestID, to)
	if err != nil {
		return nil, err
	}
	snap, err := h.rooms.GetRoomByCode(ctx, r.Code)
	if err != nil {
		return nil, err
	}
	h.out.ToRoom(r.Code, broadcast.EventParticipantUpdate, ParticipantUpdate{
		EventType: UpdateStateChanged,
		Snapshot:  NewSnapshotView(*snap),
		Occupancy: snap.Room.CurrentParticipants,
	})
	return r, nil
}

// Chat relays a text message from connID to its room.
func (h *Hub) Chat(connID, text string) error {
	b, ok := h.conns.Lookup(connID)
	if !ok {
		return apperr.NotFound("not in a room")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return apperr.Validation("message is empty")
	}
	if utf8.RuneCountInString(text) > maxChatLength {
		return apperr.Validation("message must be at most 500 characters")
	}
	unlock := h.seq.Lock(b.RoomCode)
	defer unlock()
	h.out.ToRoom(b.RoomCode, broadcast.EventChatMessage, ChatMessage{
		RoomCode: b.RoomCode,
		From:     b.GuestID,
		Nickname: b.Nickname,
		Text:     text,
		SentAt:   h.now(),
	})
	return nil
}

func (h *Hub) Signal(kind signaling.Kind, connID, target string, payload []byte) error {
	return h.relay.Forward(kind, connID, target, payload)
}

// Attach registers the outbound side of a new connection.
func (h *Hub) Attach(connID string, sink broadcast.Sink) {
	h.out.Attach(connID, sink)
}

// Disconnect forgets a closed connection. If it still owned its guest's
// membership the guest leaves the room; a superseded connection leaves the
// membership to its successor.
func (h *Hub) Disconnect(ctx context.Context, connID string) {
	h.out.Detach(connID)
	b, owned := h.conns.Unbind(connID)
	if !owned {
		return
	}
	slog.Info("connection closed", "room_code", b.RoomCode, "guest_id", b.GuestID, "connection_id", connID)
	if err := h.leave(ctx, b.RoomCode, b.GuestID); err != nil && !apperr.Is(err, apperr.KindNotFound) {
		slog.Error("failed to leave room on disconnect", "room_code", b.RoomCode, "guest_id", b.GuestID, "error", err)
	}
}

func (h *Hub) recompute(ctx context.Context, code string) {
	if _, err := h.readiness.Publish(ctx, code); err != nil {
		slog.Error("failed to recompute readiness", "room_code", code, "error", err)
	}
}
