package world

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Smooth-Operation/minecraft-classic-server/internal/auth"
	"github.com/Smooth-Operation/minecraft-classic-server/internal/monitoring"
	"github.com/Smooth-Operation/minecraft-classic-server/internal/protocol"
	"github.com/Smooth-Operation/minecraft-classic-server/internal/store"
	"github.com/Smooth-Operation/minecraft-classic-server/internal/voxel"
)

// DefaultWorldID is the shared sandbox world every client may enter.
// It is never persisted and never consults membership or bans.
const DefaultWorldID = "default-world"

// AdmitResult is the outcome of a successful admission.
type AdmitResult struct {
	World       *World
	Participant *Participant
	// Others is the roster as it stood before the join, for WELCOME.
	Others []protocol.PlayerState
}

// Denied describes a failed admission: either an error frame to send
// before closing, or a redirect to the instance hosting the world.
type Denied struct {
	Error    *protocol.ErrorFrame
	Redirect *protocol.Redirect
}

// CheckVersions enforces the protocol, block-registry and generator
// pins a HELLO frame must carry. The session arbiter runs it before
// credential verification so a stale client learns the real mismatch
// instead of an auth failure.
func CheckVersions(hello protocol.Hello) *Denied {
	if hello.ProtocolVersion != protocol.Version {
		return deniedError(protocol.CodeInvalidRequest, "unsupported protocol version")
	}
	if hello.RegistryVersion != RegistryVersion {
		return deniedError(protocol.CodeRegistryMismatch, "client block registry out of date")
	}
	if hello.GeneratorVersion != voxel.GeneratorVersion {
		return deniedError(protocol.CodeGeneratorMismatch, "client generator out of date")
	}
	return nil
}

// Registry owns the set of materialized worlds on this instance and
// runs admission for HELLO frames.
type Registry struct {
	log        zerolog.Logger
	store      store.Store
	instanceID string
	publicURL  string

	mu     sync.Mutex
	worlds map[string]*World
}

// NewRegistry creates a registry. publicURL is the address admission
// advertises in session rows and redirects.
func NewRegistry(st store.Store, instanceID, publicURL string, log zerolog.Logger) *Registry {
	return &Registry{
		log:        log,
		store:      st,
		instanceID: instanceID,
		publicURL:  publicURL,
		worlds:     make(map[string]*World),
	}
}

// Admit runs the full admission pipeline for a HELLO frame:
// version checks, world lookup, redirect, ban and membership checks,
// then capacity. On success the participant is already joined.
func (r *Registry) Admit(ctx context.Context, hello protocol.Hello, id auth.Identity, outbox Outbox) (AdmitResult, *Denied) {
	if d := CheckVersions(hello); d != nil {
		return AdmitResult{}, d
	}

	worldID := hello.WorldID
	if worldID == "" {
		worldID = DefaultWorldID
	}

	var meta store.World
	persistent := worldID != DefaultWorldID
	if persistent {
		var ok bool
		var err error
		meta, ok, err = r.store.GetWorld(ctx, worldID)
		if err != nil {
			r.log.Error().Err(err).Str("world", worldID).Msg("world lookup failed")
			return AdmitResult{}, deniedError(protocol.CodeWorldNotFound, "world lookup failed")
		}
		if !ok {
			return AdmitResult{}, deniedError(protocol.CodeWorldNotFound, "no such world")
		}

		// A world already online on another instance is served there.
		if sess, ok, err := r.store.ActiveSession(ctx, worldID); err == nil && ok &&
			sess.Online && sess.InstanceID != r.instanceID {
			return AdmitResult{}, &Denied{Redirect: &protocol.Redirect{
				Type:            protocol.TypeRedirect,
				ProtocolVersion: protocol.Version,
				URL:             sess.URL,
			}}
		}

		banned, err := r.store.CheckBan(ctx, worldID, id.UserID)
		if err != nil {
			r.log.Error().Err(err).Str("world", worldID).Msg("ban check failed")
			return AdmitResult{}, deniedError(protocol.CodePermissionDenied, "authorization check failed")
		}
		if banned {
			return AdmitResult{}, deniedError(protocol.CodePermissionDenied, "banned from world")
		}

		if !meta.IsPublic && meta.Owner != id.UserID {
			member, err := r.store.CheckMember(ctx, worldID, id.UserID)
			if err != nil {
				r.log.Error().Err(err).Str("world", worldID).Msg("membership check failed")
				return AdmitResult{}, deniedError(protocol.CodePermissionDenied, "authorization check failed")
			}
			if !member {
				return AdmitResult{}, deniedError(protocol.CodePermissionDenied, "not a member of this world")
			}
		}
	} else {
		meta = store.World{
			ID:               DefaultWorldID,
			Name:             "Default World",
			IsPublic:         true,
			MaxPlayers:       MaxParticipantsPerWorld,
			GeneratorVersion: voxel.GeneratorVersion,
			RegistryVersion:  RegistryVersion,
		}
	}

	w := r.materialize(ctx, meta, persistent)

	displayName := id.DisplayName
	if displayName == "" {
		if name, err := r.store.DisplayName(ctx, id.UserID); err == nil {
			displayName = name
		} else {
			displayName = "player"
		}
	}

	p := NewParticipant(id.UserID, displayName, outbox)
	others, err := w.Join(p)
	if err != nil {
		return AdmitResult{}, deniedError(protocol.CodeWorldFull, "world at capacity")
	}

	if persistent {
		// Presence rows are best effort; a store hiccup never blocks the
		// session.
		if err := r.store.RecordJoin(ctx, worldID, id.UserID, displayName); err != nil {
			r.log.Warn().Err(err).Str("world", worldID).Msg("record join failed")
		}
	}

	return AdmitResult{World: w, Participant: p, Others: others}, nil
}

// materialize returns the running world for meta, creating it on first
// admission. Creation registers the session row.
func (r *Registry) materialize(ctx context.Context, meta store.World, persistent bool) *World {
	r.mu.Lock()
	if w, ok := r.worlds[meta.ID]; ok {
		r.mu.Unlock()
		return w
	}
	var loader SectionLoader
	if persistent {
		loader = r.store
	}
	w := New(meta, persistent, loader, r.log)
	r.worlds[meta.ID] = w
	count := len(r.worlds)
	r.mu.Unlock()

	monitoring.WorldsActive.Set(float64(count))
	if persistent {
		if err := r.store.RegisterSession(ctx, meta.ID, r.instanceID, r.publicURL); err != nil {
			r.log.Warn().Err(err).Str("world", meta.ID).Msg("register session failed")
		}
	}
	r.log.Info().Str("world", meta.ID).Bool("persistent", persistent).Msg("world materialized")
	return w
}

// Worlds returns the materialized worlds.
func (r *Registry) Worlds() []*World {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*World, 0, len(r.worlds))
	for _, w := range r.worlds {
		out = append(out, w)
	}
	return out
}

// Evict drops an empty world from the registry. The caller is
// responsible for flushing its dirty sections first.
func (r *Registry) Evict(w *World) {
	r.mu.Lock()
	evicted := false
	if cur, ok := r.worlds[w.ID]; ok && cur == w && cur.ParticipantCount() == 0 {
		delete(r.worlds, w.ID)
		evicted = true
	}
	count := len(r.worlds)
	r.mu.Unlock()
	if evicted {
		monitoring.WorldsActive.Set(float64(count))
		monitoring.DirtySections.DeleteLabelValues(w.ID)
		r.log.Info().Str("world", w.ID).Msg("world evicted")
	}
}

// RecordLeave updates presence for a departing participant.
// Best effort.
func (r *Registry) RecordLeave(ctx context.Context, w *World, p *Participant) {
	if !w.Persistent {
		return
	}
	if err := r.store.RecordLeave(ctx, w.ID, p.ID); err != nil {
		r.log.Warn().Err(err).Str("world", w.ID).Msg("record leave failed")
	}
}

// Heartbeat refreshes the session row of every persistent world.
func (r *Registry) Heartbeat(ctx context.Context) {
	for _, w := range r.Worlds() {
		if !w.Persistent {
			continue
		}
		if err := r.store.Heartbeat(ctx, w.ID, w.ParticipantCount()); err != nil {
			r.log.Warn().Err(err).Str("world", w.ID).Msg("heartbeat failed")
		}
	}
}

func deniedError(code, message string) *Denied {
	ef := protocol.NewError(code, message, true)
	return &Denied{Error: &ef}
}
