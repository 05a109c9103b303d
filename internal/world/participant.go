// Package world holds the authoritative state of running worlds: the
// participant roster, loaded sections, subscription index, the edit
// arbiter and the chunk streamer. All wire I/O goes through the Outbox
// abstraction so the core carries no transport dependency.
package world

import (
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/Smooth-Operation/minecraft-classic-server/internal/limits"
	"github.com/Smooth-Operation/minecraft-classic-server/internal/protocol"
	"github.com/Smooth-Operation/minecraft-classic-server/internal/voxel"
)

// Tuning constants for participants and worlds.
const (
	// MaxParticipantsPerWorld caps the roster regardless of stored
	// max_players.
	MaxParticipantsPerWorld = 8

	// EditsPerSecond is the per-participant sliding-window edit limit.
	EditsPerSecond = 20
	// SubscribesPerSecond is the per-participant sliding-window
	// subscription limit, counted per section id.
	SubscribesPerSecond = 100
	// MaxSubscriptions caps concurrent section subscriptions.
	MaxSubscriptions = 128

	// SectionsPerSecond paces the streamer; at 20 ticks per second this
	// is StreamQuotaPerTick sections each tick.
	SectionsPerSecond  = 80
	StreamQuotaPerTick = SectionsPerSecond / TicksPerSecond

	// RequestIDTTL bounds how long edit outcomes are replayable.
	RequestIDTTL = 60 * time.Second

	// MaxReach is the block-edit reach in blocks, eye to block center.
	MaxReach = 5.0

	// TicksPerSecond is the fixed simulation rate.
	TicksPerSecond = 20
	// TickInterval is the wall-clock spacing of ticks.
	TickInterval = time.Second / TicksPerSecond

	// MaxDirtySections triggers a forced flush when the dirty set grows
	// past it.
	MaxDirtySections = 500

	// RegistryVersion is the block-registry generation this server
	// implements; clients on another generation are rejected.
	RegistryVersion = 1
)

// Player collision extents used by the place-inside-self check. The
// box is centered on the feet position horizontally and extends
// upward.
const (
	playerHalfWidth = 0.3
	playerHeight    = 1.8
	playerEyeHeight = 1.6
)

// Outbox delivers frames to one connection. Enqueue is non-blocking
// and returns false when the client cannot keep up; Abort tears the
// connection down.
type Outbox interface {
	Enqueue(frame []byte) bool
	Abort(reason string)
}

// Participant is one admitted player. Motion fields are guarded by the
// owning World's state mutex; the rate windows are only touched on the
// serialized edit and subscribe paths.
type Participant struct {
	ID          string
	DisplayName string
	Outbox      Outbox

	Position     mgl64.Vec3
	Velocity     mgl64.Vec3
	Yaw, Pitch   float64
	LastInputSeq int64
	LastActivity time.Time

	subscribed map[voxel.SectionID]struct{}
	pending    []voxel.SectionID

	editWindow *limits.Window
	subWindow  *limits.Window
}

// NewParticipant creates a participant at the world spawn.
func NewParticipant(id, displayName string, outbox Outbox) *Participant {
	return &Participant{
		ID:           id,
		DisplayName:  displayName,
		Outbox:       outbox,
		Position:     mgl64.Vec3{voxel.Spawn[0], voxel.Spawn[1], voxel.Spawn[2]},
		LastActivity: time.Now(),
		subscribed:   make(map[voxel.SectionID]struct{}),
		editWindow:   limits.NewWindow(EditsPerSecond, time.Second),
		subWindow:    limits.NewWindow(SubscribesPerSecond, time.Second),
	}
}

// State returns the wire-form motion state. Caller must hold the
// world's state mutex.
func (p *Participant) State() protocol.PlayerState {
	return protocol.PlayerState{
		PlayerID:     p.ID,
		DisplayName:  p.DisplayName,
		Position:     [3]float64{p.Position[0], p.Position[1], p.Position[2]},
		Velocity:     [3]float64{p.Velocity[0], p.Velocity[1], p.Velocity[2]},
		Yaw:          p.Yaw,
		Pitch:        p.Pitch,
		LastInputSeq: p.LastInputSeq,
	}
}

// SubscriptionCount returns the number of active subscriptions. Caller
// must hold the world's state mutex.
func (p *Participant) SubscriptionCount() int {
	return len(p.subscribed)
}
