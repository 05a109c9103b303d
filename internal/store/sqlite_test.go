package store

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWorldRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.GetWorld(ctx, "w1"); err != nil || ok {
		t.Fatalf("GetWorld on empty store = ok=%v err=%v", ok, err)
	}

	want := World{
		ID: "w1", Name: "First", Owner: "alice", IsPublic: true,
		MaxPlayers: 8, GeneratorVersion: 1, RegistryVersion: 1,
	}
	if err := s.CreateWorld(ctx, want); err != nil {
		t.Fatalf("CreateWorld: %v", err)
	}

	got, ok, err := s.GetWorld(ctx, "w1")
	if err != nil || !ok {
		t.Fatalf("GetWorld = ok=%v err=%v", ok, err)
	}
	if got.Name != want.Name || got.Owner != want.Owner || !got.IsPublic ||
		got.MaxPlayers != 8 || got.GeneratorVersion != 1 || got.RegistryVersion != 1 {
		t.Fatalf("GetWorld = %+v", got)
	}
}

func TestSectionPersistRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	blocks := make([]byte, 8192)
	for i := range blocks {
		blocks[i] = byte(i % 251)
	}
	batch := []SectionRow{{ID: "0:0:0", Blocks: blocks, Version: 3}}
	if err := s.UpsertSections(ctx, "w1", batch); err != nil {
		t.Fatalf("UpsertSections: %v", err)
	}

	row, ok, err := s.LoadSection(ctx, "w1", "0:0:0")
	if err != nil || !ok {
		t.Fatalf("LoadSection = ok=%v err=%v", ok, err)
	}
	if row.Version != 3 || !bytes.Equal(row.Blocks, blocks) {
		t.Fatalf("reloaded section differs: version=%d", row.Version)
	}

	// Version replaces on conflict.
	blocks[0] = 0xFF
	if err := s.UpsertSections(ctx, "w1", []SectionRow{{ID: "0:0:0", Blocks: blocks, Version: 4}}); err != nil {
		t.Fatalf("UpsertSections update: %v", err)
	}
	row, _, err = s.LoadSection(ctx, "w1", "0:0:0")
	if err != nil {
		t.Fatalf("LoadSection after update: %v", err)
	}
	if row.Version != 4 || row.Blocks[0] != 0xFF {
		t.Fatalf("update not applied: version=%d first=%#x", row.Version, row.Blocks[0])
	}
}

func TestUpsertSectionsRejectsBadRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertSections(ctx, "w1", []SectionRow{{ID: "0:0:0", Blocks: make([]byte, 100), Version: 1}}); err == nil {
		t.Fatal("expected error for short blob")
	}
	if err := s.UpsertSections(ctx, "w1", []SectionRow{{ID: "0:0:0", Blocks: make([]byte, 8192), Version: 0}}); err == nil {
		t.Fatal("expected error for version 0")
	}
	// Failed batches must not apply partially.
	good := SectionRow{ID: "1:1:1", Blocks: make([]byte, 8192), Version: 1}
	bad := SectionRow{ID: "2:2:2", Blocks: make([]byte, 10), Version: 1}
	if err := s.UpsertSections(ctx, "w1", []SectionRow{good, bad}); err == nil {
		t.Fatal("expected batch error")
	}
	if _, ok, _ := s.LoadSection(ctx, "w1", "1:1:1"); ok {
		t.Fatal("partial batch was applied")
	}
}

func TestBans(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if banned, err := s.CheckBan(ctx, "w1", "bob"); err != nil || banned {
		t.Fatalf("CheckBan on empty = %v, %v", banned, err)
	}

	if err := s.AddBan(ctx, "w1", "bob", time.Time{}); err != nil {
		t.Fatalf("AddBan permanent: %v", err)
	}
	if banned, _ := s.CheckBan(ctx, "w1", "bob"); !banned {
		t.Fatal("permanent ban not reported")
	}

	if err := s.AddBan(ctx, "w1", "carol", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("AddBan expired: %v", err)
	}
	if banned, _ := s.CheckBan(ctx, "w1", "carol"); banned {
		t.Fatal("expired ban still reported")
	}

	if err := s.AddBan(ctx, "w1", "dave", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("AddBan future: %v", err)
	}
	if banned, _ := s.CheckBan(ctx, "w1", "dave"); !banned {
		t.Fatal("active timed ban not reported")
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.RegisterSession(ctx, "w1", "inst-1", "ws://host/ws"); err != nil {
		t.Fatalf("RegisterSession: %v", err)
	}
	if err := s.Heartbeat(ctx, "w1", 5); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	var status string
	var count int
	if err := s.db.QueryRow(`SELECT status, participant_count FROM world_sessions WHERE world = 'w1'`).
		Scan(&status, &count); err != nil {
		t.Fatalf("query session: %v", err)
	}
	if status != "online" || count != 5 {
		t.Fatalf("session = %s/%d, want online/5", status, count)
	}

	if err := s.MarkSessionsOffline(ctx, "inst-1"); err != nil {
		t.Fatalf("MarkSessionsOffline: %v", err)
	}
	if err := s.db.QueryRow(`SELECT status FROM world_sessions WHERE world = 'w1'`).Scan(&status); err != nil {
		t.Fatalf("query session: %v", err)
	}
	if status != "offline" {
		t.Fatalf("session status = %s, want offline", status)
	}

	// Re-registering after a restart flips the row back online.
	if err := s.RegisterSession(ctx, "w1", "inst-1", "ws://host/ws"); err != nil {
		t.Fatalf("RegisterSession again: %v", err)
	}
	if err := s.db.QueryRow(`SELECT status, participant_count FROM world_sessions WHERE world = 'w1'`).
		Scan(&status, &count); err != nil {
		t.Fatalf("query session: %v", err)
	}
	if status != "online" || count != 0 {
		t.Fatalf("re-registered session = %s/%d, want online/0", status, count)
	}
}

func TestActiveSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.ActiveSession(ctx, "w1"); err != nil || ok {
		t.Fatalf("ActiveSession on empty store = ok=%v err=%v", ok, err)
	}

	if err := s.RegisterSession(ctx, "w1", "inst-1", "ws://host/ws"); err != nil {
		t.Fatalf("RegisterSession: %v", err)
	}
	sess, ok, err := s.ActiveSession(ctx, "w1")
	if err != nil || !ok {
		t.Fatalf("ActiveSession = ok=%v err=%v", ok, err)
	}
	if !sess.Online || sess.InstanceID != "inst-1" || sess.URL != "ws://host/ws" {
		t.Fatalf("session = %+v", sess)
	}

	// Startup cleanup by URL catches rows left online by a crashed
	// instance with a different id.
	if err := s.MarkURLSessionsOffline(ctx, "ws://host/ws"); err != nil {
		t.Fatalf("MarkURLSessionsOffline: %v", err)
	}
	sess, ok, err = s.ActiveSession(ctx, "w1")
	if err != nil || !ok {
		t.Fatalf("ActiveSession after cleanup = ok=%v err=%v", ok, err)
	}
	if sess.Online {
		t.Fatal("session still online after URL cleanup")
	}
}

func TestPresenceAndDisplayName(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Fallback when the user was never seen.
	name, err := s.DisplayName(ctx, "0123456789abcdef")
	if err != nil {
		t.Fatalf("DisplayName: %v", err)
	}
	if name != "player-01234567" {
		t.Fatalf("fallback name = %q", name)
	}

	if err := s.RecordJoin(ctx, "w1", "u1", "Steve"); err != nil {
		t.Fatalf("RecordJoin: %v", err)
	}
	if name, _ = s.DisplayName(ctx, "u1"); name != "Steve" {
		t.Fatalf("DisplayName = %q, want Steve", name)
	}
	if err := s.RecordLeave(ctx, "w1", "u1"); err != nil {
		t.Fatalf("RecordLeave: %v", err)
	}

	var joined, lastSeen string
	if err := s.db.QueryRow(`SELECT joined_at, last_seen FROM world_players WHERE world='w1' AND user='u1'`).
		Scan(&joined, &lastSeen); err != nil {
		t.Fatalf("query presence: %v", err)
	}
	if lastSeen < joined {
		t.Fatalf("last_seen %s precedes joined_at %s", lastSeen, joined)
	}
}

func TestKeySet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	keys, err := s.KeySet(ctx)
	if err != nil {
		t.Fatalf("KeySet: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected empty key set, got %d", len(keys))
	}

	if err := s.PutSigningKey(ctx, SigningKey{KID: "k1", Algorithm: "HS256", Secret: []byte("secret")}); err != nil {
		t.Fatalf("PutSigningKey: %v", err)
	}
	keys, err = s.KeySet(ctx)
	if err != nil || len(keys) != 1 {
		t.Fatalf("KeySet = %v, %v", keys, err)
	}
	if keys[0].KID != "k1" || keys[0].Algorithm != "HS256" || string(keys[0].Secret) != "secret" {
		t.Fatalf("key = %+v", keys[0])
	}
}
