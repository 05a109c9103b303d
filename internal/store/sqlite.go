package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite implements Store backed by a local SQLite database.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// Open opens (and if necessary initializes) the database at path.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize store schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS worlds (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	owner TEXT NOT NULL,
	is_public INTEGER NOT NULL DEFAULT 0,
	max_players INTEGER NOT NULL DEFAULT 8 CHECK (max_players <= 8),
	generator_version INTEGER NOT NULL,
	registry_version INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS world_members (
	world TEXT NOT NULL,
	user TEXT NOT NULL,
	role TEXT NOT NULL DEFAULT 'member',
	PRIMARY KEY (world, user)
);
CREATE TABLE IF NOT EXISTS world_bans (
	world TEXT NOT NULL,
	user TEXT NOT NULL,
	expires_at TEXT,
	PRIMARY KEY (world, user)
);
CREATE TABLE IF NOT EXISTS world_sessions (
	world TEXT PRIMARY KEY,
	instance TEXT NOT NULL,
	url TEXT NOT NULL,
	status TEXT NOT NULL,
	participant_count INTEGER NOT NULL DEFAULT 0,
	last_heartbeat TEXT NOT NULL,
	started_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS world_sections (
	world TEXT NOT NULL,
	section TEXT NOT NULL,
	version INTEGER NOT NULL CHECK (version > 0),
	blocks BLOB NOT NULL CHECK (length(blocks) = 8192),
	updated_at TEXT NOT NULL,
	PRIMARY KEY (world, section)
);
CREATE TABLE IF NOT EXISTS world_players (
	world TEXT NOT NULL,
	user TEXT NOT NULL,
	display_name TEXT NOT NULL,
	joined_at TEXT NOT NULL,
	last_seen TEXT NOT NULL,
	PRIMARY KEY (world, user)
);
CREATE TABLE IF NOT EXISTS signing_keys (
	kid TEXT PRIMARY KEY,
	algorithm TEXT NOT NULL,
	secret BLOB NOT NULL
);
`

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func (s *SQLite) GetWorld(ctx context.Context, id string) (World, bool, error) {
	var w World
	var isPublic int
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
SELECT id, name, owner, is_public, max_players, generator_version, registry_version, created_at, updated_at
FROM worlds WHERE id = ?`, id).
		Scan(&w.ID, &w.Name, &w.Owner, &isPublic, &w.MaxPlayers, &w.GeneratorVersion, &w.RegistryVersion, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return World{}, false, nil
		}
		return World{}, false, fmt.Errorf("query world %q: %w", id, err)
	}
	w.IsPublic = isPublic != 0
	w.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	w.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return w, true, nil
}

func (s *SQLite) CheckMember(ctx context.Context, worldID, userID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM world_members WHERE world = ? AND user = ?`, worldID, userID).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check member: %w", err)
	}
	return true, nil
}

func (s *SQLite) CheckBan(ctx context.Context, worldID, userID string) (bool, error) {
	var expiresAt sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT expires_at FROM world_bans WHERE world = ? AND user = ?`, worldID, userID).Scan(&expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check ban: %w", err)
	}
	if !expiresAt.Valid {
		// Permanent ban.
		return true, nil
	}
	exp, err := time.Parse(time.RFC3339Nano, expiresAt.String)
	if err != nil {
		return false, fmt.Errorf("parse ban expiry: %w", err)
	}
	return exp.After(time.Now()), nil
}

func (s *SQLite) LoadSection(ctx context.Context, worldID, sectionID string) (SectionRow, bool, error) {
	row := SectionRow{ID: sectionID}
	err := s.db.QueryRowContext(ctx,
		`SELECT blocks, version FROM world_sections WHERE world = ? AND section = ?`,
		worldID, sectionID).Scan(&row.Blocks, &row.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SectionRow{}, false, nil
		}
		return SectionRow{}, false, fmt.Errorf("load section %s/%s: %w", worldID, sectionID, err)
	}
	return row, true, nil
}

func (s *SQLite) UpsertSections(ctx context.Context, worldID string, batch []SectionRow) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin section batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO world_sections (world, section, version, blocks, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(world, section) DO UPDATE SET
	version = excluded.version,
	blocks = excluded.blocks,
	updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare section upsert: %w", err)
	}
	defer stmt.Close()

	ts := now()
	for _, row := range batch {
		if len(row.Blocks) != 8192 {
			return fmt.Errorf("section %s: blob must be 8192 bytes, got %d", row.ID, len(row.Blocks))
		}
		if row.Version < 1 {
			return fmt.Errorf("section %s: persisted version must be >= 1, got %d", row.ID, row.Version)
		}
		if _, err := stmt.ExecContext(ctx, worldID, row.ID, row.Version, row.Blocks, ts); err != nil {
			return fmt.Errorf("upsert section %s/%s: %w", worldID, row.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit section batch: %w", err)
	}
	return nil
}

func (s *SQLite) ActiveSession(ctx context.Context, worldID string) (Session, bool, error) {
	sess := Session{WorldID: worldID}
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT instance, url, status FROM world_sessions WHERE world = ?`, worldID).
		Scan(&sess.InstanceID, &sess.URL, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, false, nil
		}
		return Session{}, false, fmt.Errorf("query session %q: %w", worldID, err)
	}
	sess.Online = status == "online"
	return sess, true, nil
}

func (s *SQLite) RegisterSession(ctx context.Context, worldID, instanceID, url string) error {
	ts := now()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO world_sessions (world, instance, url, status, participant_count, last_heartbeat, started_at)
VALUES (?, ?, ?, 'online', 0, ?, ?)
ON CONFLICT(world) DO UPDATE SET
	instance = excluded.instance,
	url = excluded.url,
	status = 'online',
	participant_count = 0,
	last_heartbeat = excluded.last_heartbeat,
	started_at = excluded.started_at`,
		worldID, instanceID, url, ts, ts)
	if err != nil {
		return fmt.Errorf("register session %q: %w", worldID, err)
	}
	return nil
}

func (s *SQLite) Heartbeat(ctx context.Context, worldID string, participants int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE world_sessions SET last_heartbeat = ?, participant_count = ? WHERE world = ?`,
		now(), participants, worldID)
	if err != nil {
		return fmt.Errorf("heartbeat %q: %w", worldID, err)
	}
	return nil
}

func (s *SQLite) MarkSessionsOffline(ctx context.Context, instanceID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE world_sessions SET status = 'offline' WHERE instance = ?`, instanceID)
	if err != nil {
		return fmt.Errorf("mark sessions offline: %w", err)
	}
	return nil
}

func (s *SQLite) MarkURLSessionsOffline(ctx context.Context, url string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE world_sessions SET status = 'offline' WHERE url = ?`, url)
	if err != nil {
		return fmt.Errorf("mark url sessions offline: %w", err)
	}
	return nil
}

func (s *SQLite) RecordJoin(ctx context.Context, worldID, userID, displayName string) error {
	ts := now()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO world_players (world, user, display_name, joined_at, last_seen)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(world, user) DO UPDATE SET
	display_name = excluded.display_name,
	last_seen = excluded.last_seen`,
		worldID, userID, displayName, ts, ts)
	if err != nil {
		return fmt.Errorf("record join: %w", err)
	}
	return nil
}

func (s *SQLite) RecordLeave(ctx context.Context, worldID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE world_players SET last_seen = ? WHERE world = ? AND user = ?`,
		now(), worldID, userID)
	if err != nil {
		return fmt.Errorf("record leave: %w", err)
	}
	return nil
}

func (s *SQLite) DisplayName(ctx context.Context, userID string) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT display_name FROM world_players WHERE user = ? ORDER BY last_seen DESC LIMIT 1`,
		userID).Scan(&name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fallbackName(userID), nil
		}
		return "", fmt.Errorf("display name for %q: %w", userID, err)
	}
	if name == "" {
		return fallbackName(userID), nil
	}
	return name, nil
}

func fallbackName(userID string) string {
	short := userID
	if len(short) > 8 {
		short = short[:8]
	}
	return "player-" + short
}

func (s *SQLite) KeySet(ctx context.Context) ([]SigningKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kid, algorithm, secret FROM signing_keys`)
	if err != nil {
		return nil, fmt.Errorf("query signing keys: %w", err)
	}
	defer rows.Close()

	var keys []SigningKey
	for rows.Next() {
		var k SigningKey
		if err := rows.Scan(&k.KID, &k.Algorithm, &k.Secret); err != nil {
			return nil, fmt.Errorf("scan signing key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate signing keys: %w", err)
	}
	return keys, nil
}

// Administrative helpers. Worlds, membership, bans and keys are
// created by external tooling in production; these cover local
// development and tests.

// CreateWorld inserts a world row.
func (s *SQLite) CreateWorld(ctx context.Context, w World) error {
	ts := now()
	isPublic := 0
	if w.IsPublic {
		isPublic = 1
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO worlds (id, name, owner, is_public, max_players, generator_version, registry_version, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Name, w.Owner, isPublic, w.MaxPlayers, w.GeneratorVersion, w.RegistryVersion, ts, ts)
	if err != nil {
		return fmt.Errorf("create world %q: %w", w.ID, err)
	}
	return nil
}

// AddMember inserts a membership row.
func (s *SQLite) AddMember(ctx context.Context, worldID, userID, role string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO world_members (world, user, role) VALUES (?, ?, ?)`,
		worldID, userID, role); err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

// AddBan inserts a ban row. A zero expiry means permanent.
func (s *SQLite) AddBan(ctx context.Context, worldID, userID string, expiresAt time.Time) error {
	var exp any
	if !expiresAt.IsZero() {
		exp = expiresAt.UTC().Format(time.RFC3339Nano)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO world_bans (world, user, expires_at) VALUES (?, ?, ?)`,
		worldID, userID, exp); err != nil {
		return fmt.Errorf("add ban: %w", err)
	}
	return nil
}

// PutSigningKey inserts or replaces a signing key.
func (s *SQLite) PutSigningKey(ctx context.Context, k SigningKey) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO signing_keys (kid, algorithm, secret) VALUES (?, ?, ?)`,
		k.KID, k.Algorithm, k.Secret); err != nil {
		return fmt.Errorf("put signing key: %w", err)
	}
	return nil
}
