// Package signaling forwards opaque peer negotiation payloads between two
// connections of the same room.
package signaling

import (
	"bytes"
	"encoding/json"
	"log/slog"

	"github.com/foxseedlab/partyroom/internal/apperr"
	"github.com/foxseedlab/partyroom/internal/broadcast"
	"github.com/foxseedlab/partyroom/internal/registry"
)

type Kind string

const (
	KindOffer        Kind = broadcast.EventOffer
	KindAnswer       Kind = broadcast.EventAnswer
	KindICECandidate Kind = broadcast.EventICECandidate
)

func (k Kind) Valid() bool {
	switch k {
	case KindOffer, KindAnswer, KindICECandidate:
		return true
	}
	return false
}

type Resolver interface {
	Lookup(connID string) (registry.Binding, bool)
	ConnectionOf(roomCode, guestID string) (string, bool)
}

type PeerSender interface {
	ToPeer(connID, event string, data any)
}

// Message is what the target receives.
type Message struct {
	From         string          `json:"from"`
	FromNickname string          `json:"fromNickname"`
	Payload      json.RawMessage `json:"payload"`
}

type Relay struct {
	conns Resolver
	out   PeerSender
}

func NewRelay(conns Resolver, out PeerSender) *Relay {
	return &Relay{conns: conns, out: out}
}

// Forward delivers payload from senderConnID to the connection of
// targetGuestID. It refuses to forward unless both resolve to the same room.
func (r *Relay) Forward(kind Kind, senderConnID, targetGuestID string, payload json.RawMessage) error {
	if !kind.Valid() {
		return apperr.Validation("unknown signaling kind " + string(kind))
	}
	if targetGuestID == "" {
		return apperr.Validation("target is required")
	}
	if isEmptyPayload(payload) {
		return apperr.Validation("payload is required")
	}

	sender, ok := r.conns.Lookup(senderConnID)
	if !ok {
		return apperr.NotFound("sender is not in a room")
	}
	targetConnID, ok := r.conns.ConnectionOf(sender.RoomCode, targetGuestID)
	if !ok {
		return apperr.NotFound("target is not connected")
	}
	target, ok := r.conns.Lookup(targetConnID)
	if !ok || target.RoomCode != sender.RoomCode {
		slog.Warn("refusing cross-room signaling", "kind", kind, "room_code", sender.RoomCode, "guest_id", sender.GuestID, "target_guest_id", targetGuestID)
		return apperr.NotFound("target is not connected")
	}

	r.out.ToPeer(targetConnID, string(kind), Message{
		From:         sender.GuestID,
		FromNickname: sender.Nickname,
		Payload:      payload,
	})
	return nil
}

func isEmptyPayload(p json.RawMessage) bool {
	switch string(bytes.TrimSpace(p)) {
	case "", "null":
		return true
	}
	return false
}
