package world

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/Smooth-Operation/minecraft-classic-server/internal/limits"
	"github.com/Smooth-Operation/minecraft-classic-server/internal/protocol"
	"github.com/Smooth-Operation/minecraft-classic-server/internal/voxel"
)

func decodeSectionData(t *testing.T, frame []byte) protocol.SectionData {
	t.Helper()
	var sd protocol.SectionData
	if err := json.Unmarshal(frame, &sd); err != nil {
		t.Fatalf("decode section data: %v", err)
	}
	return sd
}

func TestSubscribeAndStream(t *testing.T) {
	w := newTestWorld()
	p, ob := joinTestPlayer(t, w, "u1")

	ef := w.UpdateSubscriptions(p, protocol.Subscribe{Subscribe: []string{"0:0:0", "0:0:1"}})
	if ef != nil {
		t.Fatalf("subscribe: %+v", ef)
	}
	if w.PendingCount(p) != 2 {
		t.Fatalf("pending = %d, want 2", w.PendingCount(p))
	}

	w.StreamPending(context.Background())
	if len(ob.frames) != 2 {
		t.Fatalf("streamed %d frames, want 2", len(ob.frames))
	}

	sd := decodeSectionData(t, ob.frames[0])
	if sd.SectionID != "0:0:0" || sd.Version != 0 || sd.FromStore {
		t.Fatalf("first section = %+v", sd)
	}
	blocks, err := protocol.DecodeBlocks(sd.Blocks)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if blocks[voxel.LocalIndex(0, 4, 0)] != voxel.BlockGrass {
		t.Fatal("baseline grass layer missing from payload")
	}

	sd = decodeSectionData(t, ob.frames[1])
	if sd.SectionID != "0:0:1" {
		t.Fatalf("second section = %s", sd.SectionID)
	}
}

func TestStreamQuotaPerTick(t *testing.T) {
	w := newTestWorld()
	p, ob := joinTestPlayer(t, w, "u1")

	ids := []string{"0:0:0", "0:0:1", "0:0:2", "0:0:3", "0:0:4", "0:0:5"}
	if ef := w.UpdateSubscriptions(p, protocol.Subscribe{Subscribe: ids}); ef != nil {
		t.Fatalf("subscribe: %+v", ef)
	}

	w.StreamPending(context.Background())
	if len(ob.frames) != StreamQuotaPerTick {
		t.Fatalf("first tick streamed %d, want %d", len(ob.frames), StreamQuotaPerTick)
	}
	w.StreamPending(context.Background())
	if len(ob.frames) != len(ids) {
		t.Fatalf("second tick total %d, want %d", len(ob.frames), len(ids))
	}
	if w.PendingCount(p) != 0 {
		t.Fatalf("pending = %d after draining", w.PendingCount(p))
	}
}

func TestUnsubscribeWhileQueuedSkipsStream(t *testing.T) {
	w := newTestWorld()
	p, ob := joinTestPlayer(t, w, "u1")

	if ef := w.UpdateSubscriptions(p, protocol.Subscribe{Subscribe: []string{"0:0:0", "0:0:1"}}); ef != nil {
		t.Fatalf("subscribe: %+v", ef)
	}
	if ef := w.UpdateSubscriptions(p, protocol.Subscribe{Unsubscribe: []string{"0:0:0"}}); ef != nil {
		t.Fatalf("unsubscribe: %+v", ef)
	}

	w.StreamPending(context.Background())
	if len(ob.frames) != 1 {
		t.Fatalf("streamed %d frames, want 1", len(ob.frames))
	}
	if sd := decodeSectionData(t, ob.frames[0]); sd.SectionID != "0:0:1" {
		t.Fatalf("streamed %s, want 0:0:1", sd.SectionID)
	}
}

func TestSubscribeInvalidID(t *testing.T) {
	w := newTestWorld()
	p, _ := joinTestPlayer(t, w, "u1")

	ef := w.UpdateSubscriptions(p, protocol.Subscribe{Subscribe: []string{"0:0:0", "not-an-id"}})
	if ef == nil || ef.Code != protocol.CodeInvalidRequest || ef.Fatal {
		t.Fatalf("error frame = %+v", ef)
	}
	// The valid prefix stays applied.
	if p.SubscriptionCount() != 1 {
		t.Fatalf("subscriptions = %d, want 1", p.SubscriptionCount())
	}
}

func TestSubscribeOutOfRangeID(t *testing.T) {
	w := newTestWorld()
	p, _ := joinTestPlayer(t, w, "u1")

	for _, raw := range []string{"256:0:0", "0:0:8", "-1:0:0"} {
		ef := w.UpdateSubscriptions(p, protocol.Subscribe{Subscribe: []string{raw}})
		if ef == nil || ef.Code != protocol.CodeInvalidRequest {
			t.Fatalf("%s: error frame = %+v", raw, ef)
		}
	}
}

func TestSubscribeCap(t *testing.T) {
	w := newTestWorld()
	p, _ := joinTestPlayer(t, w, "u1")
	// Widen the window so the cap is what trips, not the rate.
	p.subWindow = limits.NewWindow(1<<30, time.Second)

	var ids []string
	for cx := 0; cx < 17; cx++ {
		for sy := 0; sy < voxel.WorldSectionsY; sy++ {
			ids = append(ids, fmt.Sprintf("%d:0:%d", cx, sy))
		}
	}
	ef := w.UpdateSubscriptions(p, protocol.Subscribe{Subscribe: ids})
	if ef == nil || ef.Code != protocol.CodeInvalidRequest {
		t.Fatalf("error frame = %+v", ef)
	}
	if p.SubscriptionCount() != MaxSubscriptions {
		t.Fatalf("subscriptions = %d, want %d", p.SubscriptionCount(), MaxSubscriptions)
	}

	// Swapping within one frame works: unsubscribes free capacity
	// before subscribes are applied.
	ef = w.UpdateSubscriptions(p, protocol.Subscribe{
		Unsubscribe: []string{"0:0:0"},
		Subscribe:   []string{"100:100:0"},
	})
	if ef != nil {
		t.Fatalf("swap: %+v", ef)
	}
	if p.SubscriptionCount() != MaxSubscriptions {
		t.Fatalf("subscriptions after swap = %d", p.SubscriptionCount())
	}
}

func TestSubscribeRateLimit(t *testing.T) {
	w := newTestWorld()
	p, _ := joinTestPlayer(t, w, "u1")

	var ids []string
	for cz := 0; cz < 13; cz++ {
		for sy := 0; sy < voxel.WorldSectionsY; sy++ {
			ids = append(ids, fmt.Sprintf("0:%d:%d", cz, sy))
		}
	}
	// 104 ids in one burst exceed the 100/s window before the 128 cap.
	ef := w.UpdateSubscriptions(p, protocol.Subscribe{Subscribe: ids})
	if ef == nil || ef.Code != protocol.CodeRateLimited {
		t.Fatalf("error frame = %+v", ef)
	}
	if p.SubscriptionCount() != SubscribesPerSecond {
		t.Fatalf("subscriptions = %d, want %d", p.SubscriptionCount(), SubscribesPerSecond)
	}
}

func TestLeaveClearsSubscriptionIndex(t *testing.T) {
	w := newTestWorld()
	p, _ := joinTestPlayer(t, w, "u1")
	p2, ob2 := joinTestPlayer(t, w, "u2")

	if ef := w.UpdateSubscriptions(p, protocol.Subscribe{Subscribe: []string{"0:0:0"}}); ef != nil {
		t.Fatalf("subscribe: %+v", ef)
	}
	removed, empty := w.Leave(p)
	if !removed {
		t.Fatal("live session not removed")
	}
	if empty {
		t.Fatal("world reported empty with u2 present")
	}

	// Edits must no longer reach the departed subscriber's outbox via
	// the index.
	w.Edit(context.Background(), p2, editReq("x1", 8, 4, 8, voxel.BlockAir))
	w.mu.Lock()
	_, indexed := w.subIndex[voxel.SectionID{}]
	w.mu.Unlock()
	if indexed {
		t.Fatal("subscription index retains departed participant")
	}
	if ev := ob2.lastEvent(t); !ev.Accepted {
		t.Fatalf("edit after leave rejected: %s", ev.RejectReason)
	}
}

func TestSupersededSessionLeaveKeepsReplacement(t *testing.T) {
	w := newTestWorld()
	first, firstOb := joinTestPlayer(t, w, "u1")
	second, secondOb := joinTestPlayer(t, w, "u1")
	if firstOb.aborted == "" {
		t.Fatal("first session not aborted on reconnect")
	}

	// The old connection's teardown runs after the replacement joined;
	// it must not evict the replacement from the roster.
	removed, empty := w.Leave(first)
	if removed {
		t.Fatal("superseded session still owned the roster entry")
	}
	if empty {
		t.Fatal("world reported empty with the replacement present")
	}
	if w.ParticipantCount() != 1 {
		t.Fatalf("participants = %d, want 1", w.ParticipantCount())
	}

	// The replacement keeps working end to end.
	if ef := w.UpdateSubscriptions(second, protocol.Subscribe{Subscribe: []string{"0:0:0"}}); ef != nil {
		t.Fatalf("subscribe on replacement: %+v", ef)
	}
	w.Edit(context.Background(), second, editReq("r1", 8, 4, 8, voxel.BlockAir))
	if ev := secondOb.lastEvent(t); !ev.Accepted {
		t.Fatalf("edit on replacement rejected: %s", ev.RejectReason)
	}

	removed, empty = w.Leave(second)
	if !removed || !empty {
		t.Fatalf("replacement leave = removed=%v empty=%v, want true/true", removed, empty)
	}
}
