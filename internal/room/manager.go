package room

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/foxseedlab/partyroom/internal/apperr"
	"github.com/foxseedlab/partyroom/internal/config"
	"github.com/foxseedlab/partyroom/internal/repository"
)

const (
	maxNicknameLength = 20
	maxRoomNameLength = 50
)

type Manager struct {
	cfg     *config.Config
	store   repository.Store
	now     func() time.Time
	newCode CodeGenerator
}

func NewManager(cfg *config.Config, store repository.Store) *Manager {
	return &Manager{
		cfg:     cfg,
		store:   store,
		now:     time.Now,
		newCode: randomCode,
	}
}

// Membership is one guest's view of a room right after a committed change.
type Membership struct {
	Room        repository.Room
	Guest       repository.GuestIdentity
	Participant repository.Participant
}

// Snapshot is a room together with its active participants.
type Snapshot struct {
	Room         repository.Room
	Participants []repository.Participant
}

type CreateRoomInput struct {
	Name         string
	Capacity     int
	SessionToken string
	Nickname     string
	Settings     json.RawMessage
}

func (m *Manager) CreateRoom(ctx context.Context, input CreateRoomInput) (*Membership, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" || utf8.RuneCountInString(name) > maxRoomNameLength {
		return nil, apperr.Validation("room name must be 1-50 characters")
	}
	capacity := input.Capacity
	if capacity == 0 {
		capacity = m.cfg.RoomDefaultCapacity
	}
	if capacity < MinReadyParticipants || capacity > m.cfg.RoomMaxCapacity {
		return nil, apperr.Validation("capacity is out of range")
	}
	nickname, err := normalizeNickname(input.Nickname)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(input.SessionToken) == "" {
		return nil, apperr.Validation("session token is required")
	}
	if len(input.Settings) > 0 && !json.Valid(input.Settings) {
		return nil, apperr.Validation("settings must be valid JSON")
	}

	var out Membership
	err = m.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		now := m.now()
		code, err := m.uniqueCode(ctx, tx)
		if err != nil {
			return err
		}
		guest, err := tx.UpsertGuestIdentity(ctx, repository.UpsertGuestInput{
			SessionToken: input.SessionToken,
			Nickname:     nickname,
			SeenAt:       now,
		})
		if err != nil {
			return apperr.Internal("upsert guest identity", err)
		}
		room, err := tx.CreateRoom(ctx, repository.CreateRoomInput{
			Code:            code,
			Name:            name,
			MinParticipants: MinReadyParticipants,
			MaxParticipants: capacity,
			HostGuestID:     guest.ID,
			Settings:        input.Settings,
			CreatedAt:       now,
			ExpiresAt:       now.Add(m.cfg.RoomTTL),
		})
		if err != nil {
			return apperr.Internal("create room", err)
		}
		host, err := tx.CreateParticipant(ctx, repository.CreateParticipantInput{
			RoomID:   room.ID,
			GuestID:  guest.ID,
			Nickname: nickname,
			Role:     repository.RoleHost,
			JoinedAt: now,
		})
		if err != nil {
			return apperr.Internal("create host participant", err)
		}
		if err := m.recountOccupancy(ctx, tx, room); err != nil {
			return err
		}
		out = Membership{Room: *room, Guest: *guest, Participant: *host}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("room created", "room_code", out.Room.Code, "host_guest_id", out.Guest.ID, "capacity", out.Room.MaxParticipants)
	return &out, nil
}

func (m *Manager) JoinRoom(ctx context.Context, code, sessionToken, nickname string) (*Membership, error) {
	code, err := NormalizeCode(code)
	if err != nil {
		return nil, err
	}
	nickname, err = normalizeNickname(nickname)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(sessionToken) == "" {
		return nil, apperr.Validation("session token is required")
	}

	var out Membership
	err = m.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		now := m.now()
		room, err := tx.GetRoomByCodeInStates(ctx, code, repository.JoinableStates)
		if err != nil {
			return apperr.Internal("load room", err)
		}
		if room == nil || !room.ExpiresAt.After(now) {
			return apperr.NotFound("room not found")
		}
		active, err := tx.ListActiveParticipants(ctx, room.ID)
		if err != nil {
			return apperr.Internal("list participants", err)
		}
		if len(active) >= room.MaxParticipants {
			return apperr.Conflict("room full")
		}
		existing, err := tx.GetGuestIdentityBySession(ctx, sessionToken)
		if err != nil {
			return apperr.Internal("load guest identity", err)
		}
		for _, p := range active {
			if existing != nil && p.GuestID == existing.ID {
				return apperr.Conflict("already joined")
			}
			if p.Nickname == nickname {
				return apperr.Conflict("nickname taken")
			}
		}
		guest, err := tx.UpsertGuestIdentity(ctx, repository.UpsertGuestInput{
			SessionToken: sessionToken,
			Nickname:     nickname,
			SeenAt:       now,
		})
		if err != nil {
			return apperr.Internal("upsert guest identity", err)
		}
		p, err := tx.CreateParticipant(ctx, repository.CreateParticipantInput{
			RoomID:   room.ID,
			GuestID:  guest.ID,
			Nickname: nickname,
			Role:     repository.RoleParticipant,
			JoinedAt: now,
		})
		if err != nil {
			return apperr.Internal("create participant", err)
		}
		if err := m.recountOccupancy(ctx, tx, room); err != nil {
			return err
		}
		out = Membership{Room: *room, Guest: *guest, Participant: *p}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("guest joined room", "room_code", code, "guest_id", out.Guest.ID, "occupancy", out.Room.CurrentParticipants)
	return &out, nil
}

// ResolveMembership rebuilds a guest's membership from persisted data, used
// when a connection (re)binds to a room it already belongs to.
func (m *Manager) ResolveMembership(ctx context.Context, code, sessionToken string) (*Membership, error) {
	code, err := NormalizeCode(code)
	if err != nil {
		return nil, err
	}
	var out *Membership
	err = m.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		room, err := tx.GetRoomByCode(ctx, code)
		if err != nil {
			return apperr.Internal("load room", err)
		}
		if room == nil || room.State == repository.RoomStateExpired {
			return apperr.NotFound("room not found")
		}
		guest, err := tx.GetGuestIdentityBySession(ctx, sessionToken)
		if err != nil {
			return apperr.Internal("load guest identity", err)
		}
		if guest == nil {
			return nil
		}
		p, err := tx.GetActiveParticipant(ctx, room.ID, guest.ID)
		if err != nil {
			return apperr.Internal("load participant", err)
		}
		if p == nil {
			return nil
		}
		out = &Membership{Room: *room, Guest: *guest, Participant: *p}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, apperr.NotFound("participant not found")
	}
	return out, nil
}

// LeaveRoom deactivates the guest's membership in the room at code and
// recomputes its occupancy. Memberships in other rooms are untouched.
func (m *Manager) LeaveRoom(ctx context.Context, code, guestID string) (*Membership, error) {
	code, err := NormalizeCode(code)
	if err != nil {
		return nil, err
	}
	if guestID == "" {
		return nil, apperr.Validation("guest id is required")
	}
	var out Membership
	err = m.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		now := m.now()
		room, err := tx.GetRoomByCode(ctx, code)
		if err != nil {
			return apperr.Internal("load room", err)
		}
		if room == nil || room.State == repository.RoomStateExpired {
			return apperr.NotFound("room not found")
		}
		p, err := tx.GetActiveParticipant(ctx, room.ID, guestID)
		if err != nil {
			return apperr.Internal("load participant", err)
		}
		if p == nil {
			return apperr.NotFound("participant not found")
		}
		if err := tx.DeactivateParticipant(ctx, p.ID, now); err != nil {
			return apperr.Internal("deactivate participant", err)
		}
		if err := m.recountOccupancy(ctx, tx, room); err != nil {
			return err
		}
		p.Active = false
		p.LeftAt = &now
		out = Membership{Room: *room, Participant: *p}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("guest left room", "room_code", code, "guest_id", guestID, "occupancy", out.Room.CurrentParticipants)
	return &out, nil
}

func (m *Manager) GetRoomByCode(ctx context.Context, code string) (*Snapshot, error) {
	code, err := NormalizeCode(code)
	if err != nil {
		return nil, err
	}
	var out *Snapshot
	err = m.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		room, err := tx.GetRoomByCode(ctx, code)
		if err != nil {
			return apperr.Internal("load room", err)
		}
		if room == nil {
			return apperr.NotFound("room not found")
		}
		participants, err := tx.ListActiveParticipants(ctx, room.ID)
		if err != nil {
			return apperr.Internal("list participants", err)
		}
		out = &Snapshot{Room: *room, Participants: participants}
		return nil
	})
	return out, err
}

// UpdatePreparationStatus applies one readiness sub-flag change. changed is
// false when the update left the participant as it was.
func (m *Manager) UpdatePreparationStatus(ctx context.Context, code, guestID string, update PreparationUpdate) (p *repository.Participant, changed bool, err error) {
	code, err = NormalizeCode(code)
	if err != nil {
		return nil, false, err
	}
	if err := update.Validate(); err != nil {
		return nil, false, err
	}
	err = m.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		room, err := tx.GetRoomByCode(ctx, code)
		if err != nil {
			return apperr.Internal("load room", err)
		}
		if room == nil || room.State == repository.RoomStateExpired {
			return apperr.NotFound("room not found")
		}
		if !room.State.Joinable() {
			return apperr.Conflict("room is not accepting preparation updates in state " + string(room.State))
		}
		current, err := tx.GetActiveParticipant(ctx, room.ID, guestID)
		if err != nil {
			return apperr.Internal("load participant", err)
		}
		if current == nil {
			return apperr.NotFound("participant not found")
		}
		in := update.apply(*current)
		changed = in.CharacterReady != current.CharacterReady ||
			in.ScreenReady != current.ScreenReady ||
			in.FinalReady != current.FinalReady ||
			string(in.Customization) != string(current.Customization)
		if !changed {
			p = current
			return nil
		}
		p, err = tx.UpdateParticipantReadiness(ctx, in)
		if err != nil {
			return apperr.Internal("update readiness", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return p, changed, nil
}

// SyncReadinessState recomputes readiness from persisted participants and
// moves the room between waiting and active accordingly.
func (m *Manager) SyncReadinessState(ctx context.Context, code string) (*repository.Room, Readiness, error) {
	var room *repository.Room
	var summary Readiness
	err := m.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		room, err = tx.GetRoomByCode(ctx, code)
		if err != nil {
			return apperr.Internal("load room", err)
		}
		if room == nil {
			return apperr.NotFound("room not found")
		}
		participants, err := tx.ListActiveParticipants(ctx, room.ID)
		if err != nil {
			return apperr.Internal("list participants", err)
		}
		summary = Summarize(participants)
		var next repository.RoomState
		switch {
		case room.State == repository.RoomStateWaiting && summary.AllReady:
			next = repository.RoomStateActive
		case room.State == repository.RoomStateActive && !summary.AllReady:
			next = repository.RoomStateWaiting
		default:
			return nil
		}
		room, err = Transition(ctx, tx, code, next, m.now())
		return err
	})
	if err != nil {
		return nil, Readiness{}, err
	}
	return room, summary, nil
}

// EndRoom dissolves the room at code. A caller that is not its host gets
// NOT_FOUND, the same answer as for a missing room.
func (m *Manager) EndRoom(ctx context.Context, code, hostGuestID string) (*repository.Room, error) {
	code, err := NormalizeCode(code)
	if err != nil {
		return nil, err
	}
	var out *repository.Room
	err = m.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		room, err := hostedRoom(ctx, tx, code, hostGuestID)
		if err != nil {
			return err
		}
		out, err = m.dissolve(ctx, tx, room)
		return err
	})
	if err != nil {
		return nil, err
	}
	slog.Info("room ended by host", "room_code", out.Code, "host_guest_id", hostGuestID)
	return out, nil
}

// DissolveByHost is the host-leave variant of EndRoom. Unlike EndRoom, a
// non-host caller gets FORBIDDEN.
func (m *Manager) DissolveByHost(ctx context.Context, code, hostGuestID string) (*repository.Room, error) {
	code, err := NormalizeCode(code)
	if err != nil {
		return nil, err
	}
	var out *repository.Room
	err = m.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		room, err := tx.GetRoomByCode(ctx, code)
		if err != nil {
			return apperr.Internal("load room", err)
		}
		if room == nil || room.State == repository.RoomStateExpired {
			return apperr.NotFound("room not found")
		}
		if room.HostGuestID != hostGuestID {
			return apperr.Forbidden("only the host can dissolve the room")
		}
		out, err = m.dissolve(ctx, tx, room)
		return err
	})
	return out, err
}

func (m *Manager) dissolve(ctx context.Context, tx repository.Tx, room *repository.Room) (*repository.Room, error) {
	now := m.now()
	if err := tx.DeactivateAllParticipants(ctx, room.ID, now); err != nil {
		return nil, apperr.Internal("deactivate participants", err)
	}
	if err := tx.CloseOpenRecordingSessions(ctx, room.ID, repository.RecordingStatusExpired, now); err != nil {
		return nil, apperr.Internal("close recording sessions", err)
	}
	if err := m.recountOccupancy(ctx, tx, room); err != nil {
		return nil, err
	}
	return Transition(ctx, tx, room.Code, repository.RoomStateExpired, now)
}

// HostedRoom returns the room at code if hostGuestID is its host, and
// NOT_FOUND otherwise.
func (m *Manager) HostedRoom(ctx context.Context, code, hostGuestID string) (*repository.Room, error) {
	code, err := NormalizeCode(code)
	if err != nil {
		return nil, err
	}
	var out *repository.Room
	err = m.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		out, err = hostedRoom(ctx, tx, code, hostGuestID)
		return err
	})
	return out, err
}

func hostedRoom(ctx context.Context, tx repository.Tx, code, hostGuestID string) (*repository.Room, error) {
	room, err := tx.GetRoomByCode(ctx, code)
	if err != nil {
		return nil, apperr.Internal("load room", err)
	}
	if room == nil || room.State == repository.RoomStateExpired || room.HostGuestID != hostGuestID {
		return nil, apperr.NotFound("room not found")
	}
	return room, nil
}

// UpdateRoomState lets the host of the room at code drive an explicit
// transition. Recording still requires the all-ready gate. Countdown and
// completed are entered only by the recording coordinator.
func (m *Manager) UpdateRoomState(ctx context.Context, code, hostGuestID string, to repository.RoomState) (*repository.Room, error) {
	if !KnownState(to) {
		return nil, apperr.Validation("unknown room state " + string(to))
	}
	if !Requestable(to) {
		return nil, apperr.Validation("room state " + string(to) + " cannot be requested")
	}
	code, err := NormalizeCode(code)
	if err != nil {
		return nil, err
	}
	var out *repository.Room
	err = m.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		room, err := hostedRoom(ctx, tx, code, hostGuestID)
		if err != nil {
			return err
		}
		if to == repository.RoomStateExpired {
			out, err = m.dissolve(ctx, tx, room)
			return err
		}
		if to == repository.RoomStateRecording {
			participants, err := tx.ListActiveParticipants(ctx, room.ID)
			if err != nil {
				return apperr.Internal("list participants", err)
			}
			if !Summarize(participants).AllReady {
				return apperr.Conflict("not all participants are ready")
			}
		}
		out, err = Transition(ctx, tx, room.Code, to, m.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	slog.Info("room state updated by host", "room_code", out.Code, "state", out.State, "host_guest_id", hostGuestID)
	return out, nil
}

type CleanupResult struct {
	ExpiredRoomCodes []string
	RoomsDeleted     int64
	GuestsDeleted    int64
}

func (m *Manager) CleanupExpiredRooms(ctx context.Context) (*CleanupResult, error) {
	var out CleanupResult
	err := m.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		now := m.now()
		codes, err := tx.ListExpiredRoomCodes(ctx, now)
		if err != nil {
			return apperr.Internal("list expired rooms", err)
		}
		deleted, err := tx.DeleteExpiredRooms(ctx, now)
		if err != nil {
			return apperr.Internal("delete expired rooms", err)
		}
		guests, err := tx.DeleteStaleGuestIdentities(ctx, now.Add(-m.cfg.GuestGracePeriod))
		if err != nil {
			return apperr.Internal("delete stale guests", err)
		}
		out = CleanupResult{ExpiredRoomCodes: codes, RoomsDeleted: deleted, GuestsDeleted: guests}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out.RoomsDeleted > 0 || out.GuestsDeleted > 0 {
		slog.Info("expired records removed", "rooms", out.RoomsDeleted, "guests", out.GuestsDeleted)
	}
	return &out, nil
}

func (m *Manager) recountOccupancy(ctx context.Context, tx repository.Tx, room *repository.Room) error {
	n, err := tx.CountActiveParticipants(ctx, room.ID)
	if err != nil {
		return apperr.Internal("count participants", err)
	}
	if err := tx.UpdateRoomOccupancy(ctx, room.ID, n); err != nil {
		return apperr.Internal("update occupancy", err)
	}
	room.CurrentParticipants = n
	return nil
}

func normalizeNickname(nickname string) (string, error) {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return "", apperr.Validation("nickname is required")
	}
	if utf8.RuneCountInString(nickname) > maxNicknameLength {
		return "", apperr.Validation("nickname must be at most 20 characters")
	}
	return nickname, nil
}
