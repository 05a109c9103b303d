package world

import (
	"context"
	"fmt"
	"time"

	"github.com/Smooth-Operation/minecraft-classic-server/internal/monitoring"
	"github.com/Smooth-Operation/minecraft-classic-server/internal/protocol"
	"github.com/Smooth-Operation/minecraft-classic-server/internal/voxel"
)

// UpdateSubscriptions applies one SUBSCRIBE frame. Unsubscribes run
// first so a frame can swap sections without hitting the cap. Each new
// subscription counts against the per-participant sliding window;
// processing stops at the first id that is invalid, over the window,
// or past the cap, keeping what was already applied. The returned
// error frame, if any, is delivered to the originator only.
func (w *World) UpdateSubscriptions(p *Participant, frame protocol.Subscribe) *protocol.ErrorFrame {
	now := time.Now()

	w.mu.Lock()
	p.LastActivity = now
	for _, raw := range frame.Unsubscribe {
		id, err := voxel.ParseSectionID(raw)
		if err != nil {
			w.mu.Unlock()
			ef := protocol.NewError(protocol.CodeInvalidRequest, err.Error(), false)
			return &ef
		}
		if _, ok := p.subscribed[id]; ok {
			delete(p.subscribed, id)
			w.dropSubscriberLocked(id, p.ID)
		}
	}

	for _, raw := range frame.Subscribe {
		id, err := voxel.ParseSectionID(raw)
		if err != nil {
			w.mu.Unlock()
			ef := protocol.NewError(protocol.CodeInvalidRequest, err.Error(), false)
			return &ef
		}
		if _, ok := p.subscribed[id]; ok {
			// Re-subscribing an active section re-queues it for streaming
			// (the client is asking for a fresh copy) but costs a window
			// slot like any other subscribe.
			if !p.subWindow.Allow(now) {
				w.mu.Unlock()
				ef := protocol.NewError(protocol.CodeRateLimited, "subscription rate exceeded", false)
				return &ef
			}
			p.pending = append(p.pending, id)
			continue
		}
		if len(p.subscribed) >= MaxSubscriptions {
			w.mu.Unlock()
			ef := protocol.NewError(protocol.CodeInvalidRequest,
				fmt.Sprintf("subscription cap %d reached", MaxSubscriptions), false)
			return &ef
		}
		if !p.subWindow.Allow(now) {
			w.mu.Unlock()
			ef := protocol.NewError(protocol.CodeRateLimited, "subscription rate exceeded", false)
			return &ef
		}
		p.subscribed[id] = struct{}{}
		subs := w.subIndex[id]
		if subs == nil {
			subs = make(map[string]*Participant)
			w.subIndex[id] = subs
		}
		subs[p.ID] = p
		p.pending = append(p.pending, id)
	}
	w.mu.Unlock()
	return nil
}

// StreamPending delivers up to StreamQuotaPerTick queued sections per
// participant. Called once per tick from the world loop; section loads
// happen outside the state lock.
func (w *World) StreamPending(ctx context.Context) {
	for _, p := range w.Participants() {
		w.streamParticipant(ctx, p)
	}
}

func (w *World) streamParticipant(ctx context.Context, p *Participant) {
	for sent := 0; sent < StreamQuotaPerTick; sent++ {
		w.mu.Lock()
		var id voxel.SectionID
		found := false
		for len(p.pending) > 0 {
			id = p.pending[0]
			p.pending = p.pending[1:]
			// Skip sections unsubscribed while queued.
			if _, still := p.subscribed[id]; still {
				found = true
				break
			}
		}
		w.mu.Unlock()
		if !found {
			return
		}

		sec, err := w.section(ctx, id)
		if err != nil {
			w.log.Error().Err(err).Str("section", id.String()).Msg("section load failed during stream")
			// Re-queue at the back; the next tick retries.
			w.mu.Lock()
			p.pending = append(p.pending, id)
			w.mu.Unlock()
			return
		}

		w.mu.Lock()
		frame := protocol.Marshal(protocol.SectionData{
			Type:            protocol.TypeSectionData,
			ProtocolVersion: protocol.Version,
			SectionID:       id.String(),
			Version:         sec.Version,
			Blocks:          protocol.EncodeBlocks(&sec.Blocks),
			FromStore:       sec.FromStore || sec.Version > 0,
		})
		w.mu.Unlock()

		monitoring.SectionsStreamed.Inc()
		w.deliver(p, frame)
	}
}

// PendingCount returns the length of a participant's stream queue.
func (w *World) PendingCount(p *Participant) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(p.pending)
}
