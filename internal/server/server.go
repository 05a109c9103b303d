package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Smooth-Operation/minecraft-classic-server/internal/auth"
	"github.com/Smooth-Operation/minecraft-classic-server/internal/config"
	"github.com/Smooth-Operation/minecraft-classic-server/internal/limits"
	"github.com/Smooth-Operation/minecraft-classic-server/internal/monitoring"
	"github.com/Smooth-Operation/minecraft-classic-server/internal/protocol"
	"github.com/Smooth-Operation/minecraft-classic-server/internal/store"
	"github.com/Smooth-Operation/minecraft-classic-server/internal/world"
)

const (
	// heartbeatInterval refreshes session rows in the store.
	heartbeatInterval = 30 * time.Second
	// staleAfter is the inactivity cutoff enforced by the reaper.
	staleAfter = 60 * time.Second
	// reapInterval is how often the reaper scans.
	reapInterval = 10 * time.Second
	// requestTimeout bounds store I/O issued on behalf of one frame.
	requestTimeout = 10 * time.Second
)

// Server wires the transport to the world core and runs the
// background loops: tick broadcast, persistence flush, session
// heartbeat and the stale reaper.
type Server struct {
	cfg      *config.Config
	log      zerolog.Logger
	store    store.Store
	verifier *auth.Verifier
	registry *world.Registry
	gate     *limits.ConnectionGate

	instanceID string
	httpServer *http.Server

	clients      sync.Map // *Client -> struct{}
	clientSeq    int64
	clientCount  int64
	shuttingDown atomic.Bool

	startedAt time.Time
	stop      chan struct{}
	wg        sync.WaitGroup
}

// New assembles a server from its dependencies.
func New(cfg *config.Config, st store.Store, log zerolog.Logger) *Server {
	instanceID := uuid.NewString()
	verifier := auth.NewVerifier(auth.Config{
		Source:      st,
		Issuer:      cfg.JWTIssuer,
		Audience:    cfg.JWTAudience,
		AllowOpaque: cfg.AllowOpaqueTokens,
	})
	s := &Server{
		cfg:        cfg,
		log:        log.With().Str("instance", instanceID).Str("region", cfg.Region).Logger(),
		store:      st,
		verifier:   verifier,
		registry:   world.NewRegistry(st, instanceID, cfg.PublicURL, log),
		gate:       limits.NewConnectionGate(limits.ConnectionGateConfig{Logger: log}),
		instanceID: instanceID,
		startedAt:  time.Now(),
		stop:       make(chan struct{}),
	}
	return s
}

// InstanceID returns this server's session-registry identity.
func (s *Server) InstanceID() string { return s.instanceID }

// Start marks stale sessions from a previous crash offline, starts the
// background loops and serves HTTP until Shutdown or listen failure.
func (s *Server) Start() error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	if err := s.store.MarkURLSessionsOffline(ctx, s.cfg.PublicURL); err != nil {
		s.log.Warn().Err(err).Msg("Startup session cleanup failed")
	}
	cancel()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", monitoring.MetricsHandler())
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(4)
	go s.tickLoop()
	go s.flushLoop()
	go s.heartbeatLoop()
	go s.reapLoop()

	s.log.Info().Str("addr", s.cfg.Addr).Msg("Server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// requestContext bounds per-frame store I/O.
func (s *Server) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

// tickLoop runs the fixed 20 Hz cycle: motion snapshots to every
// participant, then the section streamer.
func (s *Server) tickLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(world.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			s.runTick(now)
		case <-s.stop:
			return
		}
	}
}

func (s *Server) runTick(now time.Time) {
	// One bad cycle must not kill the broadcaster.
	defer monitoring.RecoverPanic(s.log, "tick", nil)

	ctx, cancel := context.WithTimeout(context.Background(), world.TickInterval)
	defer cancel()

	for _, w := range s.registry.Worlds() {
		if frame := w.SnapshotFrame(now); frame != nil {
			w.Broadcast(frame, "")
		}
		w.StreamPending(ctx)
	}
}

// flushLoop persists dirty sections on the configured interval, plus a
// forced pass whenever a world's dirty set grows past the cap.
func (s *Server) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	// The forced-flush check rides the tick cadence rather than a
	// separate watcher.
	forced := time.NewTicker(world.TickInterval)
	defer forced.Stop()

	for {
		select {
		case <-ticker.C:
			s.flushAll()
		case <-forced.C:
			for _, w := range s.registry.Worlds() {
				if w.Persistent && w.DirtyCount() >= world.MaxDirtySections {
					s.flushWorld(w)
				}
			}
		case <-s.stop:
			s.flushAll()
			return
		}
	}
}

func (s *Server) flushAll() {
	for _, w := range s.registry.Worlds() {
		if w.Persistent {
			s.flushWorld(w)
		}
	}
}

// flushWorld writes one world's dirty sections as a single batch. On
// failure the dirty set is left intact and retried next interval.
func (s *Server) flushWorld(w *world.World) {
	rows, versions := w.CollectDirty()
	if len(rows) == 0 {
		return
	}

	start := time.Now()
	ctx, cancel := s.requestContext()
	err := s.store.UpsertSections(ctx, w.ID, rows)
	cancel()
	monitoring.FlushDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		monitoring.FlushFailures.Inc()
		s.log.Error().Err(err).Str("world", w.ID).Int("sections", len(rows)).Msg("Section flush failed")
		return
	}
	w.ClearFlushed(versions)
	monitoring.SectionsFlushed.Add(float64(len(rows)))
	s.log.Debug().Str("world", w.ID).Int("sections", len(rows)).
		Dur("elapsed", time.Since(start)).Msg("Sections flushed")
}

// heartbeatLoop refreshes session rows so the registry can tell live
// worlds from abandoned ones.
func (s *Server) heartbeatLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := s.requestContext()
			s.registry.Heartbeat(ctx)
			cancel()
		case <-s.stop:
			return
		}
	}
}

// reapLoop disconnects participants idle past the cutoff. INPUT,
// SUBSCRIBE and accepted edits all refresh activity.
func (s *Server) reapLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-staleAfter)
			for _, w := range s.registry.Worlds() {
				for _, p := range w.StaleParticipants(cutoff) {
					s.log.Info().Str("player", p.ID).Str("world", w.ID).Msg("Reaping stale participant")
					monitoring.StaleConnectionsClosed.Inc()
					p.Outbox.Abort("idle timeout")
				}
			}
		case <-s.stop:
			return
		}
	}
}

// disconnectClient runs the post-connection cleanup exactly once per
// client: leave the world, announce the departure, update presence,
// flush and evict the world if it emptied.
func (s *Server) disconnectClient(c *Client) {
	c.close(protocol.CloseNormal, "")

	if _, loaded := s.clients.LoadAndDelete(c); !loaded {
		return
	}
	atomic.AddInt64(&s.clientCount, -1)
	monitoring.ConnectionsActive.Dec()

	w, p := c.world, c.participant
	if w == nil || p == nil {
		return
	}

	removed, empty := w.Leave(p)
	if !removed {
		// This session was superseded by a reconnect; the replacement
		// owns the roster entry now and must not be torn down.
		return
	}
	w.Broadcast(protocol.Marshal(protocol.PlayerLeave{
		Type:            protocol.TypePlayerLeave,
		ProtocolVersion: protocol.Version,
		PlayerID:        p.ID,
	}), p.ID)

	ctx, cancel := s.requestContext()
	s.registry.RecordLeave(ctx, w, p)
	cancel()

	if empty {
		if w.Persistent {
			s.flushWorld(w)
		}
		s.registry.Evict(w)
	}

	s.log.Info().
		Int64("client_id", c.id).
		Str("player", p.ID).
		Str("world", w.ID).
		Dur("session", time.Since(c.connectedAt)).
		Msg("Participant disconnected")
}

// Shutdown drains the server: stop accepting, tell every client the
// server is going away, stop the loops (the flush loop does a final
// pass) and mark sessions offline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shuttingDown.Store(true)
	s.log.Info().Msg("Shutdown started")

	if s.httpServer != nil {
		_ = s.httpServer.Shutdown(ctx)
	}

	s.clients.Range(func(key, _ any) bool {
		key.(*Client).close(protocol.CloseGoingAway, "server shutting down")
		return true
	})

	close(s.stop)
	s.wg.Wait()
	s.gate.Stop()

	offCtx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := s.store.MarkSessionsOffline(offCtx, s.instanceID); err != nil {
		s.log.Warn().Err(err).Msg("Session offline marking failed")
	}

	s.log.Info().Msg("Shutdown complete")
	return nil
}

// handleHealth serves a liveness snapshot.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := monitoring.CollectHealth(s.startedAt)
	snap.Connections = atomic.LoadInt64(&s.clientCount)

	worlds := s.registry.Worlds()
	snap.Worlds = len(worlds)
	for _, wd := range worlds {
		snap.Participants += wd.ParticipantCount()
		snap.DirtySections += wd.DirtyCount()
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}
