package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/foxseedlab/partyroom/internal/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const maxTxAttempts = 3

// serialization_failure, deadlock_detected, unique_violation
var retryableSQLStates = map[string]struct{}{
	"40001": {},
	"40P01": {},
	"23505": {},
}

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) repository.Store {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
			return fn(ctx, &postgresTx{tx: tx})
		})
		if err == nil {
			return nil
		}
		if !isRetryableSQLError(err) {
			return err
		}
		lastErr = err
		slog.Warn("serializable transaction aborted; retrying", "attempt", attempt, "error", err)
	}
	return &retryableError{err: lastErr}
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func isRetryableSQLError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	_, ok := retryableSQLStates[pgErr.Code]
	return ok
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string   { return "transaction retries exhausted: " + e.err.Error() }
func (e *retryableError) Unwrap() error   { return e.err }
func (e *retryableError) Retryable() bool { return true }

type postgresTx struct {
	tx pgx.Tx
}

const roomColumns = `id, code, name, min_participants, max_participants, current_participants, state, host_guest_id, settings, created_at, updated_at, expires_at`

func scanRoom(row pgx.Row) (*repository.Room, error) {
	var r repository.Room
	var settings []byte
	err := row.Scan(&r.ID, &r.Code, &r.Name, &r.MinParticipants, &r.MaxParticipants, &r.CurrentParticipants,
		&r.State, &r.HostGuestID, &settings, &r.CreatedAt, &r.UpdatedAt, &r.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	r.Settings = settings
	return &r, nil
}

func (t *postgresTx) CreateRoom(ctx context.Context, input repository.CreateRoomInput) (*repository.Room, error) {
	row := t.tx.QueryRow(ctx,
		`INSERT INTO rooms (id, code, name, min_participants, max_participants, current_participants, state, host_guest_id, settings, created_at, updated_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, 0, 'waiting', $6, $7, $8, $8, $9)
		 RETURNING `+roomColumns,
		uuid.NewString(), input.Code, input.Name, input.MinParticipants, input.MaxParticipants,
		input.HostGuestID, []byte(input.Settings), input.CreatedAt, input.ExpiresAt)
	return scanRoom(row)
}

func (t *postgresTx) RoomCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM rooms WHERE code = $1)`, code).Scan(&exists)
	return exists, err
}

func (t *postgresTx) GetRoomByCode(ctx context.Context, code string) (*repository.Room, error) {
	return scanRoom(t.tx.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE code = $1`, code))
}

func (t *postgresTx) GetRoomByCodeInStates(ctx context.Context, code string, states []repository.RoomState) (*repository.Room, error) {
	names := make([]string, 0, len(states))
	for _, s := range states {
		names = append(names, string(s))
	}
	return scanRoom(t.tx.QueryRow(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE code = $1 AND state = ANY($2)`, code, names))
}

func (t *postgresTx) UpdateRoomState(ctx context.Context, roomID string, state repository.RoomState, updatedAt time.Time) error {
	_, err := t.tx.Exec(ctx, `UPDATE rooms SET state = $2, updated_at = $3 WHERE id = $1`, roomID, state, updatedAt)
	return err
}

func (t *postgresTx) UpdateRoomOccupancy(ctx context.Context, roomID string, occupancy int) error {
	_, err := t.tx.Exec(ctx, `UPDATE rooms SET current_participants = $2 WHERE id = $1`, roomID, occupancy)
	return err
}

func (t *postgresTx) ListExpiredRoomCodes(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := t.tx.Query(ctx, `SELECT code FROM rooms WHERE expires_at < $1`, now)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (t *postgresTx) DeleteExpiredRooms(ctx context.Context, now time.Time) (int64, error) {
	tag, err := t.tx.Exec(ctx, `DELETE FROM rooms WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const guestColumns = `id, session_token, nickname, created_at, last_seen_at`

func scanGuest(row pgx.Row) (*repository.GuestIdentity, error) {
	var g repository.GuestIdentity
	if err := row.Scan(&g.ID, &g.SessionToken, &g.Nickname, &g.CreatedAt, &g.LastSeenAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &g, nil
}

func (t *postgresTx) UpsertGuestIdentity(ctx context.Context, input repository.UpsertGuestInput) (*repository.GuestIdentity, error) {
	return scanGuest(t.tx.QueryRow(ctx,
		`INSERT INTO guest_identities (id, session_token, nickname, created_at, last_seen_at)
		 VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT (session_token) DO UPDATE SET nickname = EXCLUDED.nickname, last_seen_at = EXCLUDED.last_seen_at
		 RETURNING `+guestColumns,
		uuid.NewString(), input.SessionToken, input.Nickname, input.SeenAt))
}

func (t *postgresTx) GetGuestIdentityBySession(ctx context.Context, sessionToken string) (*repository.GuestIdentity, error) {
	return scanGuest(t.tx.QueryRow(ctx, `SELECT `+guestColumns+` FROM guest_identities WHERE session_token = $1`, sessionToken))
}

func (t *postgresTx) DeleteStaleGuestIdentities(ctx context.Context, lastSeenBefore time.Time) (int64, error) {
	tag, err := t.tx.Exec(ctx,
		`DELETE FROM guest_identities g
		 WHERE g.last_seen_at < $1
		   AND NOT EXISTS (SELECT 1 FROM participants p WHERE p.guest_id = g.id AND p.active)`,
		lastSeenBefore)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const participantColumns = `id, room_id, guest_id, nickname, role, active, character_ready, screen_ready, final_ready, customization, joined_at, left_at`

func scanParticipant(row pgx.Row) (*repository.Participant, error) {
	var p repository.Participant
	var customization []byte
	err := row.Scan(&p.ID, &p.RoomID, &p.GuestID, &p.Nickname, &p.Role, &p.Active,
		&p.CharacterReady, &p.ScreenReady, &p.FinalReady, &customization, &p.JoinedAt, &p.LeftAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	p.Customization = customization
	return &p, nil
}

func (t *postgresTx) listParticipants(ctx context.Context, query string, args ...any) ([]repository.Participant, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []repository.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *p)
	}
	return list, rows.Err()
}

func (t *postgresTx) CreateParticipant(ctx context.Context, input repository.CreateParticipantInput) (*repository.Participant, error) {
	return scanParticipant(t.tx.QueryRow(ctx,
		`INSERT INTO participants (id, room_id, guest_id, nickname, role, active, joined_at)
		 VALUES ($1, $2, $3, $4, $5, TRUE, $6)
		 RETURNING `+participantColumns,
		uuid.NewString(), input.RoomID, input.GuestID, input.Nickname, input.Role, input.JoinedAt))
}

func (t *postgresTx) GetActiveParticipant(ctx context.Context, roomID, guestID string) (*repository.Participant, error) {
	return scanParticipant(t.tx.QueryRow(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE room_id = $1 AND guest_id = $2 AND active`,
		roomID, guestID))
}

func (t *postgresTx) ListActiveParticipants(ctx context.Context, roomID string) ([]repository.Participant, error) {
	return t.listParticipants(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE room_id = $1 AND active ORDER BY joined_at ASC`, roomID)
}

func (t *postgresTx) CountActiveParticipants(ctx context.Context, roomID string) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM participants WHERE room_id = $1 AND active`, roomID).Scan(&n)
	return n, err
}

func (t *postgresTx) UpdateParticipantReadiness(ctx context.Context, input repository.UpdateReadinessInput) (*repository.Participant, error) {
	return scanParticipant(t.tx.QueryRow(ctx,
		`UPDATE participants
		 SET character_ready = $2, screen_ready = $3, final_ready = $4, customization = $5
		 WHERE id = $1 AND active
		 RETURNING `+participantColumns,
		input.ParticipantID, input.CharacterReady, input.ScreenReady, input.FinalReady, []byte(input.Customization)))
}

func (t *postgresTx) DeactivateParticipant(ctx context.Context, participantID string, leftAt time.Time) error {
	_, err := t.tx.Exec(ctx, `UPDATE participants SET active = FALSE, left_at = $2 WHERE id = $1 AND active`, participantID, leftAt)
	return err
}

func (t *postgresTx) DeactivateAllParticipants(ctx context.Context, roomID string, leftAt time.Time) error {
	_, err := t.tx.Exec(ctx, `UPDATE participants SET active = FALSE, left_at = $2 WHERE room_id = $1 AND active`, roomID, leftAt)
	return err
}

const recordingColumns = `id, room_id, initiator_guest_id, started_at, ended_at, status, storage_path, settings`

func scanRecording(row pgx.Row) (*repository.RecordingSession, error) {
	var r repository.RecordingSession
	var settings []byte
	err := row.Scan(&r.ID, &r.RoomID, &r.InitiatorGuestID, &r.StartedAt, &r.EndedAt, &r.Status, &r.StoragePath, &settings)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	r.Settings = settings
	return &r, nil
}

func (t *postgresTx) CreateRecordingSession(ctx context.Context, input repository.CreateRecordingInput) (*repository.RecordingSession, error) {
	return scanRecording(t.tx.QueryRow(ctx,
		`INSERT INTO recording_sessions (id, room_id, initiator_guest_id, started_at, status, storage_path, settings)
		 VALUES ($1, $2, $3, $4, 'recording', $5, $6)
		 RETURNING `+recordingColumns,
		uuid.NewString(), input.RoomID, input.InitiatorGuestID, input.StartedAt, input.StoragePath, []byte(input.Settings)))
}

func (t *postgresTx) GetOpenRecordingSession(ctx context.Context, roomID string) (*repository.RecordingSession, error) {
	return t.GetLatestRecordingSessionByStatus(ctx, roomID, repository.RecordingStatusRecording)
}

func (t *postgresTx) GetLatestRecordingSessionByStatus(ctx context.Context, roomID string, status repository.RecordingStatus) (*repository.RecordingSession, error) {
	return scanRecording(t.tx.QueryRow(ctx,
		`SELECT `+recordingColumns+` FROM recording_sessions
		 WHERE room_id = $1 AND status = $2
		 ORDER BY started_at DESC LIMIT 1`, roomID, status))
}

func (t *postgresTx) CloseRecordingSession(ctx context.Context, input repository.CloseRecordingInput) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE recording_sessions SET status = $2, ended_at = COALESCE(ended_at, $3) WHERE id = $1`,
		input.SessionID, input.Status, input.EndedAt)
	return err
}

func (t *postgresTx) CloseOpenRecordingSessions(ctx context.Context, roomID string, status repository.RecordingStatus, endedAt time.Time) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE recording_sessions SET status = $2, ended_at = COALESCE(ended_at, $3)
		 WHERE room_id = $1 AND status IN ('recording', 'processing')`,
		roomID, status, endedAt)
	return err
}
