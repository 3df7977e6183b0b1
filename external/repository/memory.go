package repository

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/foxseedlab/partyroom/internal/repository"
	"github.com/google/uuid"
)

var (
	errUniqueViolation = errors.New("unique constraint violated")
	errCheckViolation  = errors.New("check constraint violated")
)

// MemoryStore keeps every record in process memory. Transactions hold a
// single lock for their whole duration and work on a copy of the state that
// replaces the committed state only when fn succeeds.
type MemoryStore struct {
	mu    sync.Mutex
	state *memoryState
	seq   int64
}

type memoryState struct {
	rooms        map[string]memRoom
	guests       map[string]repository.GuestIdentity
	participants map[string]memParticipant
	recordings   map[string]memRecording
}

type memRoom struct {
	repository.Room
	seq int64
}

type memParticipant struct {
	repository.Participant
	seq int64
}

type memRecording struct {
	repository.RecordingSession
	seq int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memoryState{
		rooms:        make(map[string]memRoom),
		guests:       make(map[string]repository.GuestIdentity),
		participants: make(map[string]memParticipant),
		recordings:   make(map[string]memRecording),
	}}
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{store: s, state: s.state.clone()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

func (s *MemoryStore) Close() {}

func (st *memoryState) clone() *memoryState {
	return &memoryState{
		rooms:        maps.Clone(st.rooms),
		guests:       maps.Clone(st.guests),
		participants: maps.Clone(st.participants),
		recordings:   maps.Clone(st.recordings),
	}
}

type memoryTx struct {
	store *MemoryStore
	state *memoryState
}

func (t *memoryTx) nextSeq() int64 {
	t.store.seq++
	return t.store.seq
}

func roomCopy(r memRoom) *repository.Room {
	out := r.Room
	return &out
}

func (t *memoryTx) CreateRoom(_ context.Context, input repository.CreateRoomInput) (*repository.Room, error) {
	for _, r := range t.state.rooms {
		if r.Code == input.Code {
			return nil, fmt.Errorf("rooms.code %q: %w", input.Code, errUniqueViolation)
		}
	}
	r := memRoom{
		Room: repository.Room{
			ID:              uuid.NewString(),
			Code:            input.Code,
			Name:            input.Name,
			MinParticipants: input.MinParticipants,
			MaxParticipants: input.MaxParticipants,
			State:           repository.RoomStateWaiting,
			HostGuestID:     input.HostGuestID,
			Settings:        input.Settings,
			CreatedAt:       input.CreatedAt,
			UpdatedAt:       input.CreatedAt,
			ExpiresAt:       input.ExpiresAt,
		},
		seq: t.nextSeq(),
	}
	t.state.rooms[r.ID] = r
	return roomCopy(r), nil
}

func (t *memoryTx) RoomCodeExists(_ context.Context, code string) (bool, error) {
	for _, r := range t.state.rooms {
		if r.Code == code {
			return true, nil
		}
	}
	return false, nil
}

func (t *memoryTx) GetRoomByCode(_ context.Context, code string) (*repository.Room, error) {
	for _, r := range t.state.rooms {
		if r.Code == code {
			return roomCopy(r), nil
		}
	}
	return nil, nil
}

func (t *memoryTx) GetRoomByCodeInStates(ctx context.Context, code string, states []repository.RoomState) (*repository.Room, error) {
	r, err := t.GetRoomByCode(ctx, code)
	if err != nil || r == nil {
		return nil, err
	}
	if !slices.Contains(states, r.State) {
		return nil, nil
	}
	return r, nil
}

func (t *memoryTx) UpdateRoomState(_ context.Context, roomID string, state repository.RoomState, updatedAt time.Time) error {
	r, ok := t.state.rooms[roomID]
	if !ok {
		return nil
	}
	r.State = state
	r.UpdatedAt = updatedAt
	t.state.rooms[roomID] = r
	return nil
}

func (t *memoryTx) UpdateRoomOccupancy(_ context.Context, roomID string, occupancy int) error {
	r, ok := t.state.rooms[roomID]
	if !ok {
		return nil
	}
	if occupancy < 0 || occupancy > r.MaxParticipants {
		return fmt.Errorf("rooms.current_participants %d of %d: %w", occupancy, r.MaxParticipants, errCheckViolation)
	}
	r.CurrentParticipants = occupancy
	t.state.rooms[roomID] = r
	return nil
}

func (t *memoryTx) ListExpiredRoomCodes(_ context.Context, now time.Time) ([]string, error) {
	var codes []string
	for _, r := range t.state.rooms {
		if r.ExpiresAt.Before(now) {
			codes = append(codes, r.Code)
		}
	}
	slices.Sort(codes)
	return codes, nil
}

func (t *memoryTx) DeleteExpiredRooms(_ context.Context, now time.Time) (int64, error) {
	var n int64
	for id, r := range t.state.rooms {
		if !r.ExpiresAt.Before(now) {
			continue
		}
		delete(t.state.rooms, id)
		n++
		for pid, p := range t.state.participants {
			if p.RoomID == id {
				delete(t.state.participants, pid)
			}
		}
		for rid, rec := range t.state.recordings {
			if rec.RoomID == id {
				delete(t.state.recordings, rid)
			}
		}
	}
	return n, nil
}

func (t *memoryTx) UpsertGuestIdentity(_ context.Context, input repository.UpsertGuestInput) (*repository.GuestIdentity, error) {
	for id, g := range t.state.guests {
		if g.SessionToken == input.SessionToken {
			g.Nickname = input.Nickname
			g.LastSeenAt = input.SeenAt
			t.state.guests[id] = g
			out := g
			return &out, nil
		}
	}
	g := repository.GuestIdentity{
		ID:           uuid.NewString(),
		SessionToken: input.SessionToken,
		Nickname:     input.Nickname,
		CreatedAt:    input.SeenAt,
		LastSeenAt:   input.SeenAt,
	}
	t.state.guests[g.ID] = g
	return &g, nil
}

func (t *memoryTx) GetGuestIdentityBySession(_ context.Context, sessionToken string) (*repository.GuestIdentity, error) {
	for _, g := range t.state.guests {
		if g.SessionToken == sessionToken {
			out := g
			return &out, nil
		}
	}
	return nil, nil
}

func (t *memoryTx) DeleteStaleGuestIdentities(_ context.Context, lastSeenBefore time.Time) (int64, error) {
	var n int64
	for id, g := range t.state.guests {
		if !g.LastSeenAt.Before(lastSeenBefore) || t.guestHasActiveMembership(id) {
			continue
		}
		delete(t.state.guests, id)
		n++
		for pid, p := range t.state.participants {
			if p.GuestID == id {
				delete(t.state.participants, pid)
			}
		}
	}
	return n, nil
}

func (t *memoryTx) guestHasActiveMembership(guestID string) bool {
	for _, p := range t.state.participants {
		if p.GuestID == guestID && p.Active {
			return true
		}
	}
	return false
}

func (t *memoryTx) CreateParticipant(_ context.Context, input repository.CreateParticipantInput) (*repository.Participant, error) {
	if _, ok := t.state.rooms[input.RoomID]; !ok {
		return nil, fmt.Errorf("participants.room_id %q: %w", input.RoomID, errCheckViolation)
	}
	if _, ok := t.state.guests[input.GuestID]; !ok {
		return nil, fmt.Errorf("participants.guest_id %q: %w", input.GuestID, errCheckViolation)
	}
	for _, p := range t.state.participants {
		if p.RoomID != input.RoomID || !p.Active {
			continue
		}
		if p.GuestID == input.GuestID || p.Nickname == input.Nickname {
			return nil, fmt.Errorf("participants (room_id, guest_id|nickname): %w", errUniqueViolation)
		}
	}
	p := memParticipant{
		Participant: repository.Participant{
			ID:       uuid.NewString(),
			RoomID:   input.RoomID,
			GuestID:  input.GuestID,
			Nickname: input.Nickname,
			Role:     input.Role,
			Active:   true,
			JoinedAt: input.JoinedAt,
		},
		seq: t.nextSeq(),
	}
	t.state.participants[p.ID] = p
	out := p.Participant
	return &out, nil
}

func (t *memoryTx) activeParticipants(match func(repository.Participant) bool) []repository.Participant {
	var found []memParticipant
	for _, p := range t.state.participants {
		if p.Active && match(p.Participant) {
			found = append(found, p)
		}
	}
	slices.SortFunc(found, func(a, b memParticipant) int { return int(a.seq - b.seq) })
	list := make([]repository.Participant, 0, len(found))
	for _, p := range found {
		list = append(list, p.Participant)
	}
	return list
}

func (t *memoryTx) GetActiveParticipant(_ context.Context, roomID, guestID string) (*repository.Participant, error) {
	list := t.activeParticipants(func(p repository.Participant) bool {
		return p.RoomID == roomID && p.GuestID == guestID
	})
	if len(list) == 0 {
		return nil, nil
	}
	return &list[0], nil
}

func (t *memoryTx) ListActiveParticipants(_ context.Context, roomID string) ([]repository.Participant, error) {
	return t.activeParticipants(func(p repository.Participant) bool { return p.RoomID == roomID }), nil
}

func (t *memoryTx) CountActiveParticipants(ctx context.Context, roomID string) (int, error) {
	list, err := t.ListActiveParticipants(ctx, roomID)
	return len(list), err
}

func (t *memoryTx) UpdateParticipantReadiness(_ context.Context, input repository.UpdateReadinessInput) (*repository.Participant, error) {
	p, ok := t.state.participants[input.ParticipantID]
	if !ok || !p.Active {
		return nil, nil
	}
	p.CharacterReady = input.CharacterReady
	p.ScreenReady = input.ScreenReady
	p.FinalReady = input.FinalReady
	p.Customization = input.Customization
	t.state.participants[p.ID] = p
	out := p.Participant
	return &out, nil
}

func (t *memoryTx) DeactivateParticipant(_ context.Context, participantID string, leftAt time.Time) error {
	p, ok := t.state.participants[participantID]
	if !ok || !p.Active {
		return nil
	}
	p.Active = false
	left := leftAt
	p.LeftAt = &left
	t.state.participants[p.ID] = p
	return nil
}

func (t *memoryTx) DeactivateAllParticipants(ctx context.Context, roomID string, leftAt time.Time) error {
	for id, p := range t.state.participants {
		if p.RoomID == roomID && p.Active {
			if err := t.DeactivateParticipant(ctx, id, leftAt); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *memoryTx) CreateRecordingSession(_ context.Context, input repository.CreateRecordingInput) (*repository.RecordingSession, error) {
	if _, ok := t.state.rooms[input.RoomID]; !ok {
		return nil, fmt.Errorf("recording_sessions.room_id %q: %w", input.RoomID, errCheckViolation)
	}
	r := memRecording{
		RecordingSession: repository.RecordingSession{
			ID:               uuid.NewString(),
			RoomID:           input.RoomID,
			InitiatorGuestID: input.InitiatorGuestID,
			StartedAt:        input.StartedAt,
			Status:           repository.RecordingStatusRecording,
			StoragePath:      input.StoragePath,
			Settings:         input.Settings,
		},
		seq: t.nextSeq(),
	}
	t.state.recordings[r.ID] = r
	out := r.RecordingSession
	return &out, nil
}

func (t *memoryTx) GetOpenRecordingSession(ctx context.Context, roomID string) (*repository.RecordingSession, error) {
	return t.GetLatestRecordingSessionByStatus(ctx, roomID, repository.RecordingStatusRecording)
}

func (t *memoryTx) GetLatestRecordingSessionByStatus(_ context.Context, roomID string, status repository.RecordingStatus) (*repository.RecordingSession, error) {
	var latest *memRecording
	for _, r := range t.state.recordings {
		if r.RoomID != roomID || r.Status != status {
			continue
		}
		if latest == nil || r.StartedAt.After(latest.StartedAt) || (r.StartedAt.Equal(latest.StartedAt) && r.seq > latest.seq) {
			candidate := r
			latest = &candidate
		}
	}
	if latest == nil {
		return nil, nil
	}
	out := latest.RecordingSession
	return &out, nil
}

func (t *memoryTx) CloseRecordingSession(_ context.Context, input repository.CloseRecordingInput) error {
	r, ok := t.state.recordings[input.SessionID]
	if !ok {
		return nil
	}
	r.Status = input.Status
	if r.EndedAt == nil {
		ended := input.EndedAt
		r.EndedAt = &ended
	}
	t.state.recordings[r.ID] = r
	return nil
}

func (t *memoryTx) CloseOpenRecordingSessions(ctx context.Context, roomID string, status repository.RecordingStatus, endedAt time.Time) error {
	for id, r := range t.state.recordings {
		if r.RoomID != roomID {
			continue
		}
		if r.Status != repository.RecordingStatusRecording && r.Status != repository.RecordingStatusProcessing {
			continue
		}
		if err := t.CloseRecordingSession(ctx, repository.CloseRecordingInput{SessionID: id, Status: status, EndedAt: endedAt}); err != nil {
			return err
		}
	}
	return nil
}
