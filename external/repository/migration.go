package repository

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS guest_identities (
		id TEXT PRIMARY KEY,
		session_token TEXT NOT NULL UNIQUE,
		nickname TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
		settings JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		expires_at TIMESTAMPTZ NOT NULL,
		CHECK (current_participants >= 0 AND current_participants <= max_participants)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rooms_expires_at ON rooms (expires_at)`,
	`CREATE TABLE IF NOT EXISTS participants (
		id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		guest_id TEXT NOT NULL REFERENCES guest_identities(id) ON DELETE CASCADE,
		nickname TEXT NOT NULL,
		role TEXT NOT NULL CHECK (role IN ('host', 'participant')),
		active BOOLEAN NOT NULL DEFAULT TRUE,
		character_ready BOOLEAN NOT NULL DEFAULT FALSE,
		screen_ready BOOLEAN NOT NULL DEFAULT FALSE,
		final_ready BOOLEAN NOT NULL DEFAULT FALSE,
		customization JSONB,
		joined_at TIMESTAMPTZ NOT NULL,
		left_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_participants_active_guest ON participants (room_id, guest_id) WHERE active`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_participants_active_nickname ON participants (room_id, nickname) WHERE active`,
	`CREATE INDEX IF NOT EXISTS idx_participants_guest_active ON participants (guest_id) WHERE active`,
	`CREATE TABLE IF NOT EXISTS recording_sessions (
		id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		initiator_guest_id TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		status TEXT NOT NULL CHECK (status IN ('recording', 'processing', 'completed', 'failed', 'expired')),
		storage_path TEXT NOT NULL DEFAULT '',
		settings JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_recording_sessions_room ON recording_sessions (room_id, status, started_at DESC)`,
}

func RunMigration(ctx context.Context, pool *pgxpool.Pool) error {
	for _, s := range migrationStatements {
		stmt := strings.TrimSpace(s)
		if stmt == "" {
			continue
		}
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
