package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/foxseedlab/partyroom/internal/repository"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

var sqliteMigrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS guest_identities (
		id TEXT PRIMARY KEY,
		session_token TEXT NOT NULL UNIQUE,
		nickname TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		last_seen_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		min_participants INTEGER NOT NULL DEFAULT 2,
		max_participants INTEGER NOT NULL,
		current_participants INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL DEFAULT 'waiting'
			CHECK (state IN ('waiting', 'active', 'countdown', 'recording', 'processing', 'completed', 'expired')),
		host_guest_id TEXT NOT NULL,
		settings TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		CHECK (current_participants >= 0 AND current_participants <= max_participants)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rooms_expires_at ON rooms (expires_at)`,
	`CREATE TABLE IF NOT EXISTS participants (
		id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		guest_id TEXT NOT NULL REFERENCES guest_identities(id) ON DELETE CASCADE,
		nickname TEXT NOT NULL,
		role TEXT NOT NULL CHECK (role IN ('host', 'participant')),
		active BOOLEAN NOT NULL DEFAULT 1,
		character_ready BOOLEAN NOT NULL DEFAULT 0,
		screen_ready BOOLEAN NOT NULL DEFAULT 0,
		final_ready BOOLEAN NOT NULL DEFAULT 0,
		customization TEXT,
		joined_at TIMESTAMP NOT NULL,
		left_at TIMESTAMP
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_participants_active_guest ON participants (room_id, guest_id) WHERE active`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_participants_active_nickname ON participants (room_id, nickname) WHERE active`,
	`CREATE INDEX IF NOT EXISTS idx_participants_guest_active ON participants (guest_id) WHERE active`,
	`CREATE TABLE IF NOT EXISTS recording_sessions (
		id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		initiator_guest_id TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP,
		status TEXT NOT NULL CHECK (status IN ('recording', 'processing', 'completed', 'failed', 'expired')),
		storage_path TEXT NOT NULL DEFAULT '',
		settings TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_recording_sessions_room ON recording_sessions (room_id, status, started_at)`,
}

// SQLiteStore keeps records in a single SQLite file. Transactions take the
// write lock up front and the pool holds one connection, so every InTx call
// runs alone.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, stmt := range sqliteMigrationStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) InTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !isRetryableSQLiteError(err) {
			return err
		}
		lastErr = err
		slog.Warn("sqlite transaction aborted; retrying", "attempt", attempt, "error", err)
	}
	return &retryableError{err: lastErr}
}

func (s *SQLiteStore) runTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(ctx, &sqliteTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() {
	if err := s.db.Close(); err != nil {
		slog.Error("failed to close sqlite database", "error", err)
	}
}

func isRetryableSQLiteError(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	switch {
	case se.Code == sqlite3.ErrBusy, se.Code == sqlite3.ErrLocked:
		return true
	case se.ExtendedCode == sqlite3.ErrConstraintUnique:
		return true
	}
	return false
}

type sqliteTx struct {
	tx *sql.Tx
}

// nullableJSON stores an absent payload as NULL rather than an empty blob.
func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func utc(t time.Time) time.Time {
	return t.UTC()
}

// sqliteTime scans a timestamp whether the driver hands back a parsed
// time.Time or the raw text it was stored as.
type sqliteTime struct {
	dst  *time.Time
	null **time.Time
}

func timeCol(dst *time.Time) *sqliteTime { return &sqliteTime{dst: dst} }
func nullTimeCol(dst **time.Time) *sqliteTime { return &sqliteTime{null: dst} }

func (s *sqliteTime) Scan(src any) error {
	var t time.Time
	switch v := src.(type) {
	case nil:
		if s.null == nil {
			return errors.New("unexpected NULL timestamp")
		}
		*s.null = nil
		return nil
	case time.Time:
		t = v
	case string:
		parsed, err := parseSQLiteTime(v)
		if err != nil {
			return err
		}
		t = parsed
	case []byte:
		parsed, err := parseSQLiteTime(string(v))
		if err != nil {
			return err
		}
		t = parsed
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
	if s.null != nil {
		*s.null = &t
		return nil
	}
	*s.dst = t
	return nil
}

func parseSQLiteTime(v string) (time.Time, error) {
	for _, layout := range sqlite3.SQLiteTimestampFormats {
		if t, err := time.ParseInLocation(layout, v, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", v)
}

func scanSQLiteRoom(row *sql.Row) (*repository.Room, error) {
	var r repository.Room
	var settings sql.NullString
	err := row.Scan(&r.ID, &r.Code, &r.Name, &r.MinParticipants, &r.MaxParticipants, &r.CurrentParticipants,
		&r.State, &r.HostGuestID, &settings, timeCol(&r.CreatedAt), timeCol(&r.UpdatedAt), timeCol(&r.ExpiresAt))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if settings.Valid {
		r.Settings = []byte(settings.String)
	}
	return &r, nil
}

func (t *sqliteTx) CreateRoom(ctx context.Context, input repository.CreateRoomInput) (*repository.Room, error) {
	return scanSQLiteRoom(t.tx.QueryRowContext(ctx,
		`INSERT INTO rooms (id, code, name, min_participants, max_participants, current_participants, state, host_guest_id, settings, created_at, updated_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, 0, 'waiting', ?, ?, ?, ?, ?)
		 RETURNING `+roomColumns,
		uuid.NewString(), input.Code, input.Name, input.MinParticipants, input.MaxParticipants,
		input.HostGuestID, nullableJSON(input.Settings), utc(input.CreatedAt), utc(input.CreatedAt), utc(input.ExpiresAt)))
}

func (t *sqliteTx) RoomCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM rooms WHERE code = ?)`, code).Scan(&exists)
	return exists, err
}

func (t *sqliteTx) GetRoomByCode(ctx context.Context, code string) (*repository.Room, error) {
	return scanSQLiteRoom(t.tx.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE code = ?`, code))
}

func (t *sqliteTx) GetRoomByCodeInStates(ctx context.Context, code string, states []repository.RoomState) (*repository.Room, error) {
	if len(states) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(states)+1)
	args = append(args, code)
	for _, s := range states {
		args = append(args, string(s))
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(states)), ", ")
	return scanSQLiteRoom(t.tx.QueryRowContext(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE code = ? AND state IN (`+placeholders+`)`, args...))
}

func (t *sqliteTx) UpdateRoomState(ctx context.Context, roomID string, state repository.RoomState, updatedAt time.Time) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE rooms SET state = ?, updated_at = ? WHERE id = ?`, string(state), utc(updatedAt), roomID)
	return err
}

func (t *sqliteTx) UpdateRoomOccupancy(ctx context.Context, roomID string, occupancy int) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE rooms SET current_participants = ? WHERE id = ?`, occupancy, roomID)
	return err
}

func (t *sqliteTx) ListExpiredRoomCodes(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT code FROM rooms WHERE expires_at < ?`, utc(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

func (t *sqliteTx) DeleteExpiredRooms(ctx context.Context, now time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM rooms WHERE expires_at < ?`, utc(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanSQLiteGuest(row *sql.Row) (*repository.GuestIdentity, error) {
	var g repository.GuestIdentity
	if err := row.Scan(&g.ID, &g.SessionToken, &g.Nickname, timeCol(&g.CreatedAt), timeCol(&g.LastSeenAt)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &g, nil
}

func (t *sqliteTx) UpsertGuestIdentity(ctx context.Context, input repository.UpsertGuestInput) (*repository.GuestIdentity, error) {
	seen := utc(input.SeenAt)
	return scanSQLiteGuest(t.tx.QueryRowContext(ctx,
		`INSERT INTO guest_identities (id, session_token, nickname, created_at, last_seen_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (session_token) DO UPDATE SET nickname = excluded.nickname, last_seen_at = excluded.last_seen_at
		 RETURNING `+guestColumns,
		uuid.NewString(), input.SessionToken, input.Nickname, seen, seen))
}

func (t *sqliteTx) GetGuestIdentityBySession(ctx context.Context, sessionToken string) (*repository.GuestIdentity, error) {
	return scanSQLiteGuest(t.tx.QueryRowContext(ctx, `SELECT `+guestColumns+` FROM guest_identities WHERE session_token = ?`, sessionToken))
}

func (t *sqliteTx) DeleteStaleGuestIdentities(ctx context.Context, lastSeenBefore time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx,
		`DELETE FROM guest_identities
		 WHERE last_seen_at < ?
		   AND NOT EXISTS (SELECT 1 FROM participants p WHERE p.guest_id = guest_identities.id AND p.active)`,
		utc(lastSeenBefore))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteParticipant(row rowScanner) (*repository.Participant, error) {
	var p repository.Participant
	var customization sql.NullString
	err := row.Scan(&p.ID, &p.RoomID, &p.GuestID, &p.Nickname, &p.Role, &p.Active,
		&p.CharacterReady, &p.ScreenReady, &p.FinalReady, &customization, timeCol(&p.JoinedAt), nullTimeCol(&p.LeftAt))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if customization.Valid {
		p.Customization = []byte(customization.String)
	}
	return &p, nil
}

func (t *sqliteTx) listParticipants(ctx context.Context, query string, args ...any) ([]repository.Participant, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []repository.Participant
	for rows.Next() {
		p, err := scanSQLiteParticipant(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *p)
	}
	return list, rows.Err()
}

func (t *sqliteTx) CreateParticipant(ctx context.Context, input repository.CreateParticipantInput) (*repository.Participant, error) {
	return scanSQLiteParticipant(t.tx.QueryRowContext(ctx,
		`INSERT INTO participants (id, room_id, guest_id, nickname, role, active, joined_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?)
		 RETURNING `+participantColumns,
		uuid.NewString(), input.RoomID, input.GuestID, input.Nickname, string(input.Role), utc(input.JoinedAt)))
}

func (t *sqliteTx) GetActiveParticipant(ctx context.Context, roomID, guestID string) (*repository.Participant, error) {
	return scanSQLiteParticipant(t.tx.QueryRowContext(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE room_id = ? AND guest_id = ? AND active`,
		roomID, guestID))
}

func (t *sqliteTx) ListActiveParticipants(ctx context.Context, roomID string) ([]repository.Participant, error) {
	return t.listParticipants(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE room_id = ? AND active ORDER BY joined_at ASC`, roomID)
}

func (t *sqliteTx) CountActiveParticipants(ctx context.Context, roomID string) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM participants WHERE room_id = ? AND active`, roomID).Scan(&n)
	return n, err
}

func (t *sqliteTx) UpdateParticipantReadiness(ctx context.Context, input repository.UpdateReadinessInput) (*repository.Participant, error) {
	return scanSQLiteParticipant(t.tx.QueryRowContext(ctx,
		`UPDATE participants
		 SET character_ready = ?, screen_ready = ?, final_ready = ?, customization = ?
		 WHERE id = ? AND active
		 RETURNING `+participantColumns,
		input.CharacterReady, input.ScreenReady, input.FinalReady, nullableJSON(input.Customization), input.ParticipantID))
}

func (t *sqliteTx) DeactivateParticipant(ctx context.Context, participantID string, leftAt time.Time) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE participants SET active = 0, left_at = ? WHERE id = ? AND active`, utc(leftAt), participantID)
	return err
}

func (t *sqliteTx) DeactivateAllParticipants(ctx context.Context, roomID string, leftAt time.Time) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE participants SET active = 0, left_at = ? WHERE room_id = ? AND active`, utc(leftAt), roomID)
	return err
}

func scanSQLiteRecording(row *sql.Row) (*repository.RecordingSession, error) {
	var r repository.RecordingSession
	var settings sql.NullString
	err := row.Scan(&r.ID, &r.RoomID, &r.InitiatorGuestID, timeCol(&r.StartedAt), nullTimeCol(&r.EndedAt), &r.Status, &r.StoragePath, &settings)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if settings.Valid {
		r.Settings = []byte(settings.String)
	}
	return &r, nil
}

func (t *sqliteTx) CreateRecordingSession(ctx context.Context, input repository.CreateRecordingInput) (*repository.RecordingSession, error) {
	return scanSQLiteRecording(t.tx.QueryRowContext(ctx,
		`INSERT INTO recording_sessions (id, room_id, initiator_guest_id, started_at, status, storage_path, settings)
		 VALUES (?, ?, ?, ?, 'recording', ?, ?)
		 RETURNING `+recordingColumns,
		uuid.NewString(), input.RoomID, input.InitiatorGuestID, utc(input.StartedAt), input.StoragePath, nullableJSON(input.Settings)))
}

func (t *sqliteTx) GetOpenRecordingSession(ctx context.Context, roomID string) (*repository.RecordingSession, error) {
	return t.GetLatestRecordingSessionByStatus(ctx, roomID, repository.RecordingStatusRecording)
}

func (t *sqliteTx) GetLatestRecordingSessionByStatus(ctx context.Context, roomID string, status repository.RecordingStatus) (*repository.RecordingSession, error) {
	return scanSQLiteRecording(t.tx.QueryRowContext(ctx,
		`SELECT `+recordingColumns+` FROM recording_sessions
		 WHERE room_id = ? AND status = ?
		 ORDER BY started_at DESC LIMIT 1`, roomID, string(status)))
}

func (t *sqliteTx) CloseRecordingSession(ctx context.Context, input repository.CloseRecordingInput) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE recording_sessions SET status = ?, ended_at = COALESCE(ended_at, ?) WHERE id = ?`,
		string(input.Status), utc(input.EndedAt), input.SessionID)
	return err
}

func (t *sqliteTx) CloseOpenRecordingSessions(ctx context.Context, roomID string, status repository.RecordingStatus, endedAt time.Time) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE recording_sessions SET status = ?, ended_at = COALESCE(ended_at, ?)
		 WHERE room_id = ? AND status IN ('recording', 'processing')`,
		string(status), utc(endedAt), roomID)
	return err
}
