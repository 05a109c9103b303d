package world

import (
	"context"
	"math"
	"time"

	"github.com/Smooth-Operation/minecraft-classic-server/internal/monitoring"
	"github.com/Smooth-Operation/minecraft-classic-server/internal/protocol"
	"github.com/Smooth-Operation/minecraft-classic-server/internal/voxel"
)

// Edit runs one block edit through the arbiter. Edits to a world are
// fully serialized: the pipeline holds editMu from the idempotency
// check through the broadcast, so two racing requests for the same
// block observe a total order and the loser is rejected against the
// winner's outcome.
//
// Every outcome, rejection included, is cached per world under its
// request_id for RequestIDTTL and replayed byte-for-byte on retry,
// whichever session carries the retry.
// Accepted outcomes are broadcast to the section's subscribers;
// rejections only ever reach the originator.
func (w *World) Edit(ctx context.Context, p *Participant, req protocol.BlockEditRequest) {
	w.editMu.Lock()
	defer w.editMu.Unlock()

	now := time.Now()
	if cached, ok := w.editCache[req.RequestID]; ok && now.Before(cached.expires) {
		monitoring.EditReplays.Inc()
		w.deliver(p, cached.frame)
		return
	}

	if !p.editWindow.Allow(now) {
		w.reject(p, req, protocol.RejectRateLimited)
		return
	}
	if !voxel.InBounds(req.X, req.Y, req.Z) {
		w.reject(p, req, protocol.RejectOutOfBounds)
		return
	}
	if !w.withinReach(p, req) {
		w.reject(p, req, protocol.RejectTooFar)
		return
	}

	secID := voxel.SectionAt(req.X, req.Y, req.Z)
	sec, err := w.section(ctx, secID)
	if err != nil {
		w.log.Error().Err(err).Str("section", secID.String()).Msg("section load failed during edit")
		w.reject(p, req, protocol.RejectFailedToApply)
		// The rejection alone cannot reconcile the client's predicted
		// state when the authoritative section is unreadable; tell it to
		// drop prediction and re-request its subscriptions.
		w.deliver(p, protocol.Marshal(protocol.Resync{
			Type:            protocol.TypeResync,
			ProtocolVersion: protocol.Version,
			Reason:          "section unavailable",
		}))
		return
	}

	lx, ly, lz := voxel.Local(req.X, req.Y, req.Z)

	w.mu.Lock()
	prev := sec.Block(lx, ly, lz)
	if req.BlockID == voxel.BlockAir && prev == voxel.BlockAir {
		w.mu.Unlock()
		w.reject(p, req, protocol.RejectNothingToBreak)
		return
	}
	if req.BlockID != voxel.BlockAir && prev != voxel.BlockAir {
		w.mu.Unlock()
		w.reject(p, req, protocol.RejectBlockOccupied)
		return
	}
	if req.BlockID != voxel.BlockAir && w.intersectsPlayerLocked(p, req.X, req.Y, req.Z) {
		w.mu.Unlock()
		w.reject(p, req, protocol.RejectInsideSelf)
		return
	}

	sec.SetBlock(lx, ly, lz, req.BlockID)
	sec.Version++
	sec.Dirty = true
	w.dirty[secID] = struct{}{}
	version := sec.Version
	dirtyCount := len(w.dirty)
	p.LastActivity = now
	w.mu.Unlock()

	monitoring.EditsAccepted.Inc()
	monitoring.DirtySections.WithLabelValues(w.ID).Set(float64(dirtyCount))

	frame := protocol.Marshal(protocol.BlockEvent{
		Type:            protocol.TypeBlockEvent,
		ProtocolVersion: protocol.Version,
		RequestID:       req.RequestID,
		PlayerID:        p.ID,
		SectionID:       secID.String(),
		X:               req.X,
		Y:               req.Y,
		Z:               req.Z,
		BlockID:         req.BlockID,
		PreviousBlockID: prev,
		SectionVersion:  version,
		Accepted:        true,
	})
	w.cacheOutcome(req.RequestID, frame, now)
	w.deliver(p, frame)
	w.broadcastToSection(secID, frame, p.ID)
}

// reject records and delivers a rejection. The frame echoes the
// request coordinates so the client can roll back its prediction.
func (w *World) reject(p *Participant, req protocol.BlockEditRequest, reason string) {
	monitoring.EditsRejected.WithLabelValues(reason).Inc()
	frame := protocol.Marshal(protocol.BlockEvent{
		Type:            protocol.TypeBlockEvent,
		ProtocolVersion: protocol.Version,
		RequestID:       req.RequestID,
		PlayerID:        p.ID,
		X:               req.X,
		Y:               req.Y,
		Z:               req.Z,
		BlockID:         req.BlockID,
		Accepted:        false,
		RejectReason:    reason,
	})
	w.cacheOutcome(req.RequestID, frame, time.Now())
	w.deliver(p, frame)
}

// cacheOutcome stores an outcome for idempotent replay and evicts
// expired entries opportunistically. Caller holds editMu.
func (w *World) cacheOutcome(requestID string, frame []byte, now time.Time) {
	if requestID == "" {
		return
	}
	for k, v := range w.editCache {
		if now.After(v.expires) {
			delete(w.editCache, k)
		}
	}
	w.editCache[requestID] = cachedOutcome{frame: frame, expires: now.Add(RequestIDTTL)}
}

func (w *World) deliver(p *Participant, frame []byte) {
	if !p.Outbox.Enqueue(frame) {
		monitoring.SlowClientsDisconnected.Inc()
		p.Outbox.Abort("send queue overflow")
	}
}

// withinReach checks eye-to-block-center distance against MaxReach.
func (w *World) withinReach(p *Participant, req protocol.BlockEditRequest) bool {
	w.mu.Lock()
	pos := p.Position
	w.mu.Unlock()
	dx := pos[0] - (float64(req.X) + 0.5)
	dy := (pos[1] + playerEyeHeight) - (float64(req.Y) + 0.5)
	dz := pos[2] - (float64(req.Z) + 0.5)
	return math.Sqrt(dx*dx+dy*dy+dz*dz) <= MaxReach
}

// intersectsPlayerLocked reports whether the unit block cube at
// (x, y, z) overlaps the originator's collision box. Caller holds mu.
func (w *World) intersectsPlayerLocked(p *Participant, x, y, z int) bool {
	bx0, bx1 := float64(x), float64(x)+1
	by0, by1 := float64(y), float64(y)+1
	bz0, bz1 := float64(z), float64(z)+1

	px0, px1 := p.Position[0]-playerHalfWidth, p.Position[0]+playerHalfWidth
	py0, py1 := p.Position[1], p.Position[1]+playerHeight
	pz0, pz1 := p.Position[2]-playerHalfWidth, p.Position[2]+playerHalfWidth

	return bx0 < px1 && bx1 > px0 &&
		by0 < py1 && by1 > py0 &&
		bz0 < pz1 && bz1 > pz0
}
