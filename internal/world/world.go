package world

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Smooth-Operation/minecraft-classic-server/internal/monitoring"
	"github.com/Smooth-Operation/minecraft-classic-server/internal/protocol"
	"github.com/Smooth-Operation/minecraft-classic-server/internal/store"
	"github.com/Smooth-Operation/minecraft-classic-server/internal/voxel"
)

// SectionLoader is the slice of the store the world core needs for
// lazy section loads. Nil for non-persistent worlds.
type SectionLoader interface {
	LoadSection(ctx context.Context, worldID, sectionID string) (store.SectionRow, bool, error)
}

type cachedOutcome struct {
	frame   []byte
	expires time.Time
}

// World is one running world instance.
//
// Two mutexes split the load: mu guards the in-memory state
// (participants, sections, subscriptions, dirty set) and is never held
// across I/O; editMu serializes the edit pipeline end to end, store
// loads included, so edits to a world observe a total order.
type World struct {
	ID   string
	Meta store.World
	// Persistent is false for the shared default world, which never
	// touches the store.
	Persistent bool

	log    zerolog.Logger
	loader SectionLoader

	editMu sync.Mutex
	mu     sync.Mutex

	participants map[string]*Participant
	sections     map[voxel.SectionID]*voxel.Section
	subIndex     map[voxel.SectionID]map[string]*Participant
	dirty        map[voxel.SectionID]struct{}
	// editCache is world-scoped: one entry per request id, whichever
	// session produced it.
	editCache map[string]cachedOutcome
}

// New creates a world. loader may be nil for non-persistent worlds.
func New(meta store.World, persistent bool, loader SectionLoader, log zerolog.Logger) *World {
	return &World{
		ID:           meta.ID,
		Meta:         meta,
		Persistent:   persistent,
		log:          log.With().Str("world", meta.ID).Logger(),
		loader:       loader,
		participants: make(map[string]*Participant),
		sections:     make(map[voxel.SectionID]*voxel.Section),
		subIndex:     make(map[voxel.SectionID]map[string]*Participant),
		dirty:        make(map[voxel.SectionID]struct{}),
		editCache:    make(map[string]cachedOutcome),
	}
}

// capacity returns the effective roster cap.
func (w *World) capacity() int {
	if w.Meta.MaxPlayers > 0 && w.Meta.MaxPlayers < MaxParticipantsPerWorld {
		return w.Meta.MaxPlayers
	}
	return MaxParticipantsPerWorld
}

// ErrWorldFull is returned by Join when the roster is at capacity.
var ErrWorldFull = fmt.Errorf("world full")

// Join adds a participant and returns the roster as it stood before
// the join, for the WELCOME frame. A second session for the same user
// replaces the first: the old connection is aborted.
func (w *World) Join(p *Participant) ([]protocol.PlayerState, error) {
	w.mu.Lock()
	if prev, ok := w.participants[p.ID]; ok {
		w.removeLocked(prev)
		monitoring.ParticipantsActive.Dec()
		w.mu.Unlock()
		prev.Outbox.Abort("superseded by new session")
		w.mu.Lock()
	}
	if len(w.participants) >= w.capacity() {
		w.mu.Unlock()
		return nil, ErrWorldFull
	}
	others := make([]protocol.PlayerState, 0, len(w.participants))
	for _, other := range w.participants {
		others = append(others, other.State())
	}
	w.participants[p.ID] = p
	w.mu.Unlock()

	sort.Slice(others, func(i, j int) bool { return others[i].PlayerID < others[j].PlayerID })
	monitoring.ParticipantsActive.Inc()
	return others, nil
}

// Leave removes a participant and tears down its subscriptions.
// Matching is by pointer, not id: a session superseded by Join leaves
// a replacement under the same id, and the old connection's teardown
// must not touch it. Returns whether this session was still live and
// whether the world is now empty.
func (w *World) Leave(p *Participant) (removed, empty bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cur, ok := w.participants[p.ID]; !ok || cur != p {
		return false, len(w.participants) == 0
	}
	w.removeLocked(p)
	monitoring.ParticipantsActive.Dec()
	return true, len(w.participants) == 0
}

func (w *World) removeLocked(p *Participant) {
	delete(w.participants, p.ID)
	for id := range p.subscribed {
		w.dropSubscriberLocked(id, p.ID)
	}
	p.subscribed = make(map[voxel.SectionID]struct{})
	p.pending = nil
}

func (w *World) dropSubscriberLocked(id voxel.SectionID, playerID string) {
	subs := w.subIndex[id]
	delete(subs, playerID)
	if len(subs) == 0 {
		delete(w.subIndex, id)
	}
}

// ParticipantCount returns the live roster size.
func (w *World) ParticipantCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.participants)
}

// HandleInput applies a client motion update. Position is
// client-authoritative apart from a coarse clamp to world bounds;
// frames with a stale sequence number are dropped.
func (w *World) HandleInput(p *Participant, in protocol.Input) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if in.Seq <= p.LastInputSeq {
		return
	}
	p.LastInputSeq = in.Seq
	p.Position[0] = clamp(in.Position[0], 0, voxel.WorldBlocksXZ)
	p.Position[1] = clamp(in.Position[1], 0, voxel.WorldBlocksY)
	p.Position[2] = clamp(in.Position[2], 0, voxel.WorldBlocksXZ)
	p.Velocity[0], p.Velocity[1], p.Velocity[2] = in.Velocity[0], in.Velocity[1], in.Velocity[2]
	p.Yaw, p.Pitch = in.Yaw, in.Pitch
	p.LastActivity = time.Now()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SnapshotFrame builds the tick motion broadcast, marshalled once and
// shared by every recipient. Returns nil when the world is empty.
func (w *World) SnapshotFrame(now time.Time) []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.participants) == 0 {
		return nil
	}
	players := make([]protocol.PlayerState, 0, len(w.participants))
	for _, p := range w.participants {
		players = append(players, p.State())
	}
	sort.Slice(players, func(i, j int) bool { return players[i].PlayerID < players[j].PlayerID })
	return protocol.Marshal(protocol.Snapshot{
		Type:            protocol.TypeSnapshot,
		ProtocolVersion: protocol.Version,
		ServerTime:      now.UnixMilli(),
		Players:         players,
	})
}

// StateOf returns a participant's wire-form state under the state
// lock.
func (w *World) StateOf(p *Participant) protocol.PlayerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return p.State()
}

// Broadcast enqueues a frame to every participant except the one with
// id exceptID (empty for all). Slow clients are aborted, not waited
// on.
func (w *World) Broadcast(frame []byte, exceptID string) {
	w.mu.Lock()
	targets := make([]*Participant, 0, len(w.participants))
	for _, p := range w.participants {
		if p.ID != exceptID {
			targets = append(targets, p)
		}
	}
	w.mu.Unlock()

	for _, p := range targets {
		if !p.Outbox.Enqueue(frame) {
			monitoring.SlowClientsDisconnected.Inc()
			p.Outbox.Abort("send queue overflow")
		}
	}
}

// broadcastToSection enqueues a frame to every subscriber of a
// section, excluding exceptID.
func (w *World) broadcastToSection(id voxel.SectionID, frame []byte, exceptID string) {
	w.mu.Lock()
	targets := make([]*Participant, 0, len(w.subIndex[id]))
	for _, p := range w.subIndex[id] {
		if p.ID != exceptID {
			targets = append(targets, p)
		}
	}
	w.mu.Unlock()

	for _, p := range targets {
		if !p.Outbox.Enqueue(frame) {
			monitoring.SlowClientsDisconnected.Inc()
			p.Outbox.Abort("send queue overflow")
		}
	}
}

// section returns the in-memory section for id, loading it from the
// store or generating the baseline on first touch. Must be called
// without mu held; store I/O happens outside the lock.
func (w *World) section(ctx context.Context, id voxel.SectionID) (*voxel.Section, error) {
	w.mu.Lock()
	if sec, ok := w.sections[id]; ok {
		sec.LastAccess = time.Now()
		w.mu.Unlock()
		return sec, nil
	}
	w.mu.Unlock()

	sec, err := w.materializeSection(ctx, id)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	// Another goroutine may have won the race; keep the first copy so
	// versions stay monotonic.
	if existing, ok := w.sections[id]; ok {
		existing.LastAccess = time.Now()
		return existing, nil
	}
	sec.LastAccess = time.Now()
	w.sections[id] = sec
	return sec, nil
}

func (w *World) materializeSection(ctx context.Context, id voxel.SectionID) (*voxel.Section, error) {
	if w.Persistent && w.loader != nil {
		row, ok, err := w.loader.LoadSection(ctx, w.ID, id.String())
		if err != nil {
			return nil, fmt.Errorf("load section %s: %w", id, err)
		}
		if ok {
			blocks, err := protocol.BytesToBlocks(row.Blocks)
			if err != nil {
				return nil, fmt.Errorf("decode stored section %s: %w", id, err)
			}
			sec := &voxel.Section{ID: id, Version: row.Version, FromStore: true}
			sec.Blocks = *blocks
			return sec, nil
		}
	}
	return voxel.NewBaselineSection(id), nil
}

// CollectDirty snapshots the dirty set as persistable rows plus the
// versions captured, so ClearFlushed can skip sections that advanced
// during the flush.
func (w *World) CollectDirty() ([]store.SectionRow, map[voxel.SectionID]int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.dirty) == 0 {
		return nil, nil
	}
	rows := make([]store.SectionRow, 0, len(w.dirty))
	versions := make(map[voxel.SectionID]int64, len(w.dirty))
	for id := range w.dirty {
		sec, ok := w.sections[id]
		if !ok {
			delete(w.dirty, id)
			continue
		}
		rows = append(rows, store.SectionRow{
			ID:      id.String(),
			Blocks:  protocol.BlocksToBytes(&sec.Blocks),
			Version: sec.Version,
		})
		versions[id] = sec.Version
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows, versions
}

// ClearFlushed removes flushed sections from the dirty set unless
// their version advanced since CollectDirty captured them.
func (w *World) ClearFlushed(flushed map[voxel.SectionID]int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, version := range flushed {
		sec, ok := w.sections[id]
		if !ok || sec.Version == version {
			delete(w.dirty, id)
			if ok {
				sec.Dirty = false
			}
		}
	}
	monitoring.DirtySections.WithLabelValues(w.ID).Set(float64(len(w.dirty)))
}

// DirtyCount returns the size of the dirty set.
func (w *World) DirtyCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.dirty)
}

// StaleParticipants returns participants idle since before cutoff.
func (w *World) StaleParticipants(cutoff time.Time) []*Participant {
	w.mu.Lock()
	defer w.mu.Unlock()
	var stale []*Participant
	for _, p := range w.participants {
		if p.LastActivity.Before(cutoff) {
			stale = append(stale, p)
		}
	}
	return stale
}

// Participants returns the current roster. For loops that must not
// hold the state lock.
func (w *World) Participants() []*Participant {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*Participant, 0, len(w.participants))
	for _, p := range w.participants {
		out = append(out, p)
	}
	return out
}
