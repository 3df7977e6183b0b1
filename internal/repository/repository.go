package repository

import (
	"context"
	"encoding/json"
	"time"
)

type CreateRoomInput struct {
	Code            string
	Name            string
	MinParticipants int
	MaxParticipants int
	HostGuestID     string
	Settings        json.RawMessage
	CreatedAt       time.Time
	ExpiresAt       time.Time
}

type UpsertGuestInput struct {
	SessionToken string
	Nickname     string
	SeenAt       time.Time
}

type CreateParticipantInput struct {
	RoomID   string
	GuestID  string
	Nickname string
	Role     ParticipantRole
	JoinedAt time.Time
}

type UpdateReadinessInput struct {
	ParticipantID  string
	CharacterReady bool
	ScreenReady    bool
	FinalReady     bool
	Customization  json.RawMessage
}

type CreateRecordingInput struct {
	RoomID           string
	InitiatorGuestID string
	StartedAt        time.Time
	StoragePath      string
	Settings         json.RawMessage
}

type CloseRecordingInput struct {
	SessionID string
	Status    RecordingStatus
	EndedAt   time.Time
}

// Lookups return (nil, nil) when the record does not exist.
type RoomRepository interface {
	CreateRoom(ctx context.Context, input CreateRoomInput) (*Room, error)
	RoomCodeExists(ctx context.Context, code string) (bool, error)
	GetRoomByCode(ctx context.Context, code string) (*Room, error)
	GetRoomByCodeInStates(ctx context.Context, code string, states []RoomState) (*Room, error)
	UpdateRoomState(ctx context.Context, roomID string, state RoomState, updatedAt time.Time) error
	UpdateRoomOccupancy(ctx context.Context, roomID string, occupancy int) error
	ListExpiredRoomCodes(ctx context.Context, now time.Time) ([]string, error)
	DeleteExpiredRooms(ctx context.Context, now time.Time) (int64, error)
}

type GuestRepository interface {
	UpsertGuestIdentity(ctx context.Context, input UpsertGuestInput) (*GuestIdentity, error)
	GetGuestIdentityBySession(ctx context.Context, sessionToken string) (*GuestIdentity, error)
	DeleteStaleGuestIdentities(ctx context.Context, lastSeenBefore time.Time) (int64, error)
}

type ParticipantRepository interface {
	CreateParticipant(ctx context.Context, input CreateParticipantInput) (*Participant, error)
	GetActiveParticipant(ctx context.Context, roomID, guestID string) (*Participant, error)
	ListActiveParticipants(ctx context.Context, roomID string) ([]Participant, error)
	CountActiveParticipants(ctx context.Context, roomID string) (int, error)
	UpdateParticipantReadiness(ctx context.Context, input UpdateReadinessInput) (*Participant, error)
	DeactivateParticipant(ctx context.Context, participantID string, leftAt time.Time) error
	DeactivateAllParticipants(ctx context.Context, roomID string, leftAt time.Time) error
}

type RecordingRepository interface {
	CreateRecordingSession(ctx context.Context, input CreateRecordingInput) (*RecordingSession, error)
	GetOpenRecordingSession(ctx context.Context, roomID string) (*RecordingSession, error)
	GetLatestRecordingSessionByStatus(ctx context.Context, roomID string, status RecordingStatus) (*RecordingSession, error)
	CloseRecordingSession(ctx context.Context, input CloseRecordingInput) error
	CloseOpenRecordingSessions(ctx context.Context, roomID string, status RecordingStatus, endedAt time.Time) error
}

// Tx is the set of record operations available inside one transaction.
type Tx interface {
	RoomRepository
	GuestRepository
	ParticipantRepository
	RecordingRepository
}

// Store runs fn inside a serializable transaction. The transaction commits
// when fn returns nil and rolls back otherwise.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Close()
}
