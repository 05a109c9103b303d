package world

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"github.com/Smooth-Operation/minecraft-classic-server/internal/auth"
	"github.com/Smooth-Operation/minecraft-classic-server/internal/protocol"
	"github.com/Smooth-Operation/minecraft-classic-server/internal/store"
	"github.com/Smooth-Operation/minecraft-classic-server/internal/voxel"
)

// memStore is an in-memory Store for admission tests.
type memStore struct {
	worlds     map[string]store.World
	members    map[string]bool // world|user
	bans       map[string]bool
	sessions   map[string]store.Session
	worldGets  int
	joins      int
	registered []string
}

func newMemStore() *memStore {
	return &memStore{
		worlds:   make(map[string]store.World),
		members:  make(map[string]bool),
		bans:     make(map[string]bool),
		sessions: make(map[string]store.Session),
	}
}

func (m *memStore) GetWorld(ctx context.Context, id string) (store.World, bool, error) {
	m.worldGets++
	w, ok := m.worlds[id]
	return w, ok, nil
}

func (m *memStore) CheckMember(ctx context.Context, worldID, userID string) (bool, error) {
	return m.members[worldID+"|"+userID], nil
}

func (m *memStore) CheckBan(ctx context.Context, worldID, userID string) (bool, error) {
	return m.bans[worldID+"|"+userID], nil
}

func (m *memStore) LoadSection(ctx context.Context, worldID, sectionID string) (store.SectionRow, bool, error) {
	return store.SectionRow{}, false, nil
}

func (m *memStore) UpsertSections(ctx context.Context, worldID string, batch []store.SectionRow) error {
	return nil
}

func (m *memStore) ActiveSession(ctx context.Context, worldID string) (store.Session, bool, error) {
	s, ok := m.sessions[worldID]
	return s, ok, nil
}

func (m *memStore) RegisterSession(ctx context.Context, worldID, instanceID, url string) error {
	m.registered = append(m.registered, worldID)
	return nil
}

func (m *memStore) Heartbeat(ctx context.Context, worldID string, participants int) error { return nil }
func (m *memStore) MarkSessionsOffline(ctx context.Context, instanceID string) error      { return nil }
func (m *memStore) MarkURLSessionsOffline(ctx context.Context, url string) error          { return nil }

func (m *memStore) RecordJoin(ctx context.Context, worldID, userID, displayName string) error {
	m.joins++
	return nil
}

func (m *memStore) RecordLeave(ctx context.Context, worldID, userID string) error { return nil }

func (m *memStore) DisplayName(ctx context.Context, userID string) (string, error) {
	return "stored-name", nil
}

func (m *memStore) KeySet(ctx context.Context) ([]store.SigningKey, error) { return nil, nil }
func (m *memStore) Close() error                                           { return nil }

var _ store.Store = (*memStore)(nil)

func testHello(worldID string) protocol.Hello {
	return protocol.Hello{
		Type:             protocol.TypeHello,
		ProtocolVersion:  protocol.Version,
		RegistryVersion:  RegistryVersion,
		GeneratorVersion: voxel.GeneratorVersion,
		WorldID:          worldID,
	}
}

func newTestRegistry(st store.Store) *Registry {
	return NewRegistry(st, "inst-1", "ws://this-host/ws", zerolog.Nop())
}

func TestAdmitVersionChecks(t *testing.T) {
	r := newTestRegistry(newMemStore())
	id := auth.Identity{UserID: "u1", DisplayName: "Steve"}
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*protocol.Hello)
		code   string
	}{
		{"protocol", func(h *protocol.Hello) { h.ProtocolVersion = 99 }, protocol.CodeInvalidRequest},
		{"registry", func(h *protocol.Hello) { h.RegistryVersion = 99 }, protocol.CodeRegistryMismatch},
		{"generator", func(h *protocol.Hello) { h.GeneratorVersion = 99 }, protocol.CodeGeneratorMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := testHello("")
			tc.mutate(&h)
			_, denied := r.Admit(ctx, h, id, &fakeOutbox{})
			if denied == nil || denied.Error == nil {
				t.Fatal("admission unexpectedly succeeded")
			}
			if denied.Error.Code != tc.code || !denied.Error.Fatal {
				t.Fatalf("denied = %+v, want fatal %s", denied.Error, tc.code)
			}
		})
	}
}

// CheckVersions must be usable standalone: the session arbiter runs it
// before any credential work, so a stale client with a bad token still
// sees the version mismatch.
func TestCheckVersionsStandalone(t *testing.T) {
	if d := CheckVersions(testHello("")); d != nil {
		t.Fatalf("matching versions denied: %+v", d)
	}
	h := testHello("")
	h.RegistryVersion = 99
	d := CheckVersions(h)
	if d == nil || d.Error == nil || d.Error.Code != protocol.CodeRegistryMismatch {
		t.Fatalf("denied = %+v, want %s", d, protocol.CodeRegistryMismatch)
	}
}

func TestAdmitDefaultWorldBypassesStore(t *testing.T) {
	st := newMemStore()
	r := newTestRegistry(st)

	res, denied := r.Admit(context.Background(), testHello(""), auth.Identity{UserID: "u1", DisplayName: "Steve"}, &fakeOutbox{})
	if denied != nil {
		t.Fatalf("denied: %+v", denied)
	}
	if res.World.ID != DefaultWorldID || res.World.Persistent {
		t.Fatalf("world = %s persistent=%v", res.World.ID, res.World.Persistent)
	}
	if st.worldGets != 0 || st.joins != 0 || len(st.registered) != 0 {
		t.Fatalf("default world touched the store: gets=%d joins=%d registered=%v",
			st.worldGets, st.joins, st.registered)
	}
}

func TestAdmitUnknownWorld(t *testing.T) {
	r := newTestRegistry(newMemStore())
	_, denied := r.Admit(context.Background(), testHello("nope"), auth.Identity{UserID: "u1"}, &fakeOutbox{})
	if denied == nil || denied.Error == nil || denied.Error.Code != protocol.CodeWorldNotFound {
		t.Fatalf("denied = %+v", denied)
	}
}

func TestAdmitBanned(t *testing.T) {
	st := newMemStore()
	st.worlds["w1"] = store.World{ID: "w1", IsPublic: true, MaxPlayers: 8}
	st.bans["w1|u1"] = true
	r := newTestRegistry(st)

	_, denied := r.Admit(context.Background(), testHello("w1"), auth.Identity{UserID: "u1"}, &fakeOutbox{})
	if denied == nil || denied.Error == nil || denied.Error.Code != protocol.CodePermissionDenied {
		t.Fatalf("denied = %+v", denied)
	}
}

func TestAdmitPrivateWorld(t *testing.T) {
	st := newMemStore()
	st.worlds["w1"] = store.World{ID: "w1", Owner: "owner", IsPublic: false, MaxPlayers: 8}
	st.members["w1|friend"] = true
	r := newTestRegistry(st)
	ctx := context.Background()

	if _, denied := r.Admit(ctx, testHello("w1"), auth.Identity{UserID: "stranger"}, &fakeOutbox{}); denied == nil ||
		denied.Error == nil || denied.Error.Code != protocol.CodePermissionDenied {
		t.Fatalf("stranger admission = %+v", denied)
	}
	if _, denied := r.Admit(ctx, testHello("w1"), auth.Identity{UserID: "friend"}, &fakeOutbox{}); denied != nil {
		t.Fatalf("member denied: %+v", denied)
	}
	if _, denied := r.Admit(ctx, testHello("w1"), auth.Identity{UserID: "owner"}, &fakeOutbox{}); denied != nil {
		t.Fatalf("owner denied: %+v", denied)
	}
}

func TestAdmitCapacity(t *testing.T) {
	st := newMemStore()
	st.worlds["w1"] = store.World{ID: "w1", IsPublic: true, MaxPlayers: 8}
	r := newTestRegistry(st)
	ctx := context.Background()

	for i := 0; i < MaxParticipantsPerWorld; i++ {
		if _, denied := r.Admit(ctx, testHello("w1"), auth.Identity{UserID: fmt.Sprintf("u%d", i)}, &fakeOutbox{}); denied != nil {
			t.Fatalf("admission %d denied: %+v", i, denied)
		}
	}
	_, denied := r.Admit(ctx, testHello("w1"), auth.Identity{UserID: "overflow"}, &fakeOutbox{})
	if denied == nil || denied.Error == nil || denied.Error.Code != protocol.CodeWorldFull {
		t.Fatalf("overflow admission = %+v", denied)
	}
}

func TestAdmitRedirect(t *testing.T) {
	st := newMemStore()
	st.worlds["w1"] = store.World{ID: "w1", IsPublic: true, MaxPlayers: 8}
	st.sessions["w1"] = store.Session{WorldID: "w1", InstanceID: "inst-2", URL: "ws://other-host/ws", Online: true}
	r := newTestRegistry(st)

	_, denied := r.Admit(context.Background(), testHello("w1"), auth.Identity{UserID: "u1"}, &fakeOutbox{})
	if denied == nil || denied.Redirect == nil {
		t.Fatalf("denied = %+v, want redirect", denied)
	}
	if denied.Redirect.URL != "ws://other-host/ws" {
		t.Fatalf("redirect url = %s", denied.Redirect.URL)
	}
}

func TestAdmitOfflineSessionNotRedirected(t *testing.T) {
	st := newMemStore()
	st.worlds["w1"] = store.World{ID: "w1", IsPublic: true, MaxPlayers: 8}
	st.sessions["w1"] = store.Session{WorldID: "w1", InstanceID: "inst-2", URL: "ws://other-host/ws", Online: false}
	r := newTestRegistry(st)

	res, denied := r.Admit(context.Background(), testHello("w1"), auth.Identity{UserID: "u1"}, &fakeOutbox{})
	if denied != nil {
		t.Fatalf("denied: %+v", denied)
	}
	if res.World.ID != "w1" {
		t.Fatalf("world = %s", res.World.ID)
	}
}

func TestAdmitSupersedesExistingSession(t *testing.T) {
	st := newMemStore()
	st.worlds["w1"] = store.World{ID: "w1", IsPublic: true, MaxPlayers: 8}
	r := newTestRegistry(st)
	ctx := context.Background()

	first := &fakeOutbox{}
	res1, denied := r.Admit(ctx, testHello("w1"), auth.Identity{UserID: "u1"}, first)
	if denied != nil {
		t.Fatalf("first admission denied: %+v", denied)
	}
	res2, denied := r.Admit(ctx, testHello("w1"), auth.Identity{UserID: "u1"}, &fakeOutbox{})
	if denied != nil {
		t.Fatalf("second admission denied: %+v", denied)
	}
	if first.aborted == "" {
		t.Fatal("first session not aborted")
	}
	if res1.World != res2.World {
		t.Fatal("sessions landed on different world instances")
	}
	if res2.World.ParticipantCount() != 1 {
		t.Fatalf("participants = %d, want 1", res2.World.ParticipantCount())
	}
}

func TestAdmitWelcomeRoster(t *testing.T) {
	st := newMemStore()
	st.worlds["w1"] = store.World{ID: "w1", IsPublic: true, MaxPlayers: 8}
	r := newTestRegistry(st)
	ctx := context.Background()

	res, _ := r.Admit(ctx, testHello("w1"), auth.Identity{UserID: "u1", DisplayName: "Alpha"}, &fakeOutbox{})
	if len(res.Others) != 0 {
		t.Fatalf("first join sees %d others", len(res.Others))
	}
	res, _ = r.Admit(ctx, testHello("w1"), auth.Identity{UserID: "u2", DisplayName: "Beta"}, &fakeOutbox{})
	if len(res.Others) != 1 || res.Others[0].PlayerID != "u1" {
		t.Fatalf("second join others = %+v", res.Others)
	}
	if res.Participant.DisplayName != "Beta" {
		t.Fatalf("display name = %s", res.Participant.DisplayName)
	}
}

func TestAdmitDisplayNameFallback(t *testing.T) {
	st := newMemStore()
	st.worlds["w1"] = store.World{ID: "w1", IsPublic: true, MaxPlayers: 8}
	r := newTestRegistry(st)

	res, denied := r.Admit(context.Background(), testHello("w1"), auth.Identity{UserID: "u1"}, &fakeOutbox{})
	if denied != nil {
		t.Fatalf("denied: %+v", denied)
	}
	if res.Participant.DisplayName != "stored-name" {
		t.Fatalf("display name = %s", res.Participant.DisplayName)
	}
}

func TestRegistryEvict(t *testing.T) {
	st := newMemStore()
	st.worlds["w1"] = store.World{ID: "w1", IsPublic: true, MaxPlayers: 8}
	r := newTestRegistry(st)
	ctx := context.Background()

	res, _ := r.Admit(ctx, testHello("w1"), auth.Identity{UserID: "u1"}, &fakeOutbox{})
	r.Evict(res.World) // still populated: must be a no-op
	if len(r.Worlds()) != 1 {
		t.Fatal("populated world evicted")
	}
	res.World.Leave(res.Participant)
	r.Evict(res.World)
	if len(r.Worlds()) != 0 {
		t.Fatal("empty world not evicted")
	}

	// Re-admission rematerializes and re-registers the session.
	if _, denied := r.Admit(ctx, testHello("w1"), auth.Identity{UserID: "u1"}, &fakeOutbox{}); denied != nil {
		t.Fatalf("re-admission denied: %+v", denied)
	}
	if len(st.registered) != 2 {
		t.Fatalf("session registered %d times, want 2", len(st.registered))
	}
}
