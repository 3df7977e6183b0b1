package repository

import (
	"encoding/json"
	"time"
)

type RoomState string

const (
	RoomStateWaiting    RoomState = "waiting"
	RoomStateActive     RoomState = "active"
	RoomStateCountdown  RoomState = "countdown"
	RoomStateRecording  RoomState = "recording"
	RoomStateProcessing RoomState = "processing"
	RoomStateCompleted  RoomState = "completed"
	RoomStateExpired    RoomState = "expired"
)

// JoinableStates are the states in which a room accepts new participants.
var JoinableStates = []RoomState{RoomStateWaiting, RoomStateActive}

func (s RoomState) Joinable() bool {
	return s == RoomStateWaiting || s == RoomStateActive
}

type ParticipantRole string

const (
	RoleHost        ParticipantRole = "host"
	RoleParticipant ParticipantRole = "participant"
)

type RecordingStatus string

const (
	RecordingStatusRecording  RecordingStatus = "recording"
	RecordingStatusProcessing RecordingStatus = "processing"
	RecordingStatusCompleted  RecordingStatus = "completed"
	RecordingStatusFailed     RecordingStatus = "failed"
	RecordingStatusExpired    RecordingStatus = "expired"
)

type Room struct {
	ID                  string
	Code                string
	Name                string
	MinParticipants     int
	MaxParticipants     int
	CurrentParticipants int
	State               RoomState
	HostGuestID         string
	Settings            json.RawMessage
	CreatedAt           time.Time
	UpdatedAt           time.Time
	ExpiresAt           time.Time
}

type GuestIdentity struct {
	ID           string
	SessionToken string
	Nickname     string
	CreatedAt    time.Time
	LastSeenAt   time.Time
}

type Participant struct {
	ID             string
	RoomID         string
	GuestID        string
	Nickname       string
	Role           ParticipantRole
	Active         bool
	CharacterReady bool
	ScreenReady    bool
	FinalReady     bool
	Customization  json.RawMessage
	JoinedAt       time.Time
	LeftAt         *time.Time
}

// FullyReady reports whether every readiness sub-flag is set.
func (p Participant) FullyReady() bool {
	return p.CharacterReady && p.ScreenReady && p.FinalReady
}

type RecordingSession struct {
	ID               string
	RoomID           string
	InitiatorGuestID string
	StartedAt        time.Time
	EndedAt          *time.Time
	Status           RecordingStatus
	StoragePath      string
	Settings         json.RawMessage
}
