package gateway

import (
	"encoding/json"
	"time"

	"github.com/foxseedlab/partyroom/internal/repository"
	"github.com/foxseedlab/partyroom/internal/room"
)

type RoomView struct {
	Code                string               `json:"code"`
	Name                string               `json:"name"`
	State               repository.RoomState `json:"state"`
	MinParticipants     int                  `json:"minParticipants"`
	MaxParticipants     int                  `json:"maxParticipants"`
	CurrentParticipants int                  `json:"currentParticipants"`
	HostGuestID         string               `json:"hostGuestId"`
	Settings            json.RawMessage      `json:"settings,omitempty"`
	CreatedAt           time.Time            `json:"createdAt"`
	ExpiresAt           time.Time            `json:"expiresAt"`
}

type ParticipantView struct {
	ID             string                     `json:"id"`
	GuestID        string                     `json:"guestId"`
	Nickname       string                     `json:"nickname"`
	Role           repository.ParticipantRole `json:"role"`
	CharacterReady bool                       `json:"characterReady"`
	ScreenReady    bool                       `json:"screenReady"`
	FinalReady     bool                       `json:"finalReady"`
	Customization  json.RawMessage            `json:"customization,omitempty"`
	JoinedAt       time.Time                  `json:"joinedAt"`
}

type SnapshotView struct {
	Room         RoomView          `json:"room"`
	Participants []ParticipantView `json:"participants"`
}

func NewRoomView(r repository.Room) RoomView {
	return RoomView{
		Code:                r.Code,
		Name:                r.Name,
		State:               r.State,
		MinParticipants:     r.MinParticipants,
		MaxParticipants:     r.MaxParticipants,
		CurrentParticipants: r.CurrentParticipants,
		HostGuestID:         r.HostGuestID,
		Settings:            r.Settings,
		CreatedAt:           r.CreatedAt,
		ExpiresAt:           r.ExpiresAt,
	}
}

func NewParticipantView(p repository.Participant) ParticipantView {
	return ParticipantView{
		ID:             p.ID,
		GuestID:        p.GuestID,
		Nickname:       p.Nickname,
		Role:           p.Role,
		CharacterReady: p.CharacterReady,
		ScreenReady:    p.ScreenReady,
		FinalReady:     p.FinalReady,
		Customization:  p.Customization,
		JoinedAt:       p.JoinedAt,
	}
}

func NewSnapshotView(s room.Snapshot) SnapshotView {
	out := SnapshotView{
		Room:         NewRoomView(s.Room),
		Participants: make([]ParticipantView, 0, len(s.Participants)),
	}
	for _, p := range s.Participants {
		out.Participants = append(out.Participants, NewParticipantView(p))
	}
	return out
}

type JoinedRoom struct {
	RoomCode     string          `json:"roomCode"`
	SessionToken string          `json:"sessionToken"`
	Self         ParticipantView `json:"self"`
	Snapshot     SnapshotView    `json:"snapshot"`
	Rejoined     bool            `json:"rejoined"`
}

type ParticipantUpdate struct {
	EventType string       `json:"eventType"`
	Snapshot  SnapshotView `json:"snapshot"`
	Occupancy int          `json:"occupancy"`
}

const (
	UpdateJoined       = "joined"
	UpdateLeft         = "left"
	UpdatePreparation  = "preparation"
	UpdateStateChanged = "state-changed"
)

type PreparationChanged struct {
	RoomCode      string               `json:"roomCode"`
	ParticipantID string               `json:"participantId"`
	GuestID       string               `json:"guestId"`
	Kind          room.PreparationKind `json:"kind"`
	Ready         bool                 `json:"ready"`
	Customization json.RawMessage      `json:"customization,omitempty"`
}

type ChatMessage struct {
	RoomCode string    `json:"roomCode"`
	From     string    `json:"from"`
	Nickname string    `json:"nickname"`
	Text     string    `json:"text"`
	SentAt   time.Time `json:"sentAt"`
}
