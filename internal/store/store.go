// Package store defines the capability set the server requires of its
// durable backend, plus a SQLite implementation. Any backend
// satisfying Store is acceptable; all errors it returns are treated as
// transient by callers (retried or logged per the error policy).
package store

import (
	"context"
	"time"
)

// World is the durable metadata row for a world.
type World struct {
	ID               string
	Name             string
	Owner            string
	IsPublic         bool
	MaxPlayers       int
	GeneratorVersion int
	RegistryVersion  int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SectionRow is the persisted form of one section: exactly 8192 bytes
// of little-endian uint16 block ids and the version last written.
type SectionRow struct {
	ID      string
	Blocks  []byte
	Version int64
}

// Session is the liveness row for a world hosted by some instance.
type Session struct {
	WorldID    string
	InstanceID string
	URL        string
	Online     bool
}

// SigningKey is one member of the credential key set.
type SigningKey struct {
	KID       string
	Algorithm string
	Secret    []byte
}

// Store is the durable backend consumed by the core.
type Store interface {
	// GetWorld returns world metadata, or ok=false if absent.
	GetWorld(ctx context.Context, id string) (World, bool, error)

	// CheckMember reports whether user is a member of world.
	CheckMember(ctx context.Context, worldID, userID string) (bool, error)

	// CheckBan reports whether user is banned from world. Expired bans
	// return false.
	CheckBan(ctx context.Context, worldID, userID string) (bool, error)

	// LoadSection returns the stored blob and version for a section, or
	// ok=false if the section was never persisted.
	LoadSection(ctx context.Context, worldID, sectionID string) (SectionRow, bool, error)

	// UpsertSections writes a batch of sections. Atomic per batch: on
	// error no row is applied and the whole batch is retried later.
	UpsertSections(ctx context.Context, worldID string, batch []SectionRow) error

	// ActiveSession returns the session row for a world, or ok=false if
	// no instance ever hosted it.
	ActiveSession(ctx context.Context, worldID string) (Session, bool, error)

	// RegisterSession upserts the session row for a world with
	// status=online, participant_count=0 and started_at=now.
	RegisterSession(ctx context.Context, worldID, instanceID, url string) error

	// Heartbeat refreshes the session heartbeat and participant count.
	Heartbeat(ctx context.Context, worldID string, participants int) error

	// MarkSessionsOffline sets every session row owned by instanceID to
	// status=offline. Called on shutdown.
	MarkSessionsOffline(ctx context.Context, instanceID string) error

	// MarkURLSessionsOffline sets every session row advertising url to
	// status=offline. Called on startup: the instance id changes across
	// restarts but the public URL does not, so this clears rows left
	// online by a crash.
	MarkURLSessionsOffline(ctx context.Context, url string) error

	// RecordJoin and RecordLeave update presence timestamps. Failures
	// are non-fatal to the session.
	RecordJoin(ctx context.Context, worldID, userID, displayName string) error
	RecordLeave(ctx context.Context, worldID, userID string) error

	// DisplayName returns the best-available name for a user, or a
	// derived fallback.
	DisplayName(ctx context.Context, userID string) (string, error)

	// KeySet returns the current credential signing-key set.
	KeySet(ctx context.Context) ([]SigningKey, error)

	Close() error
}
