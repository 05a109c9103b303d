// Package protocol defines the JSON wire protocol spoken between the
// server and the rendering client. Frames are flat JSON objects
// discriminated by the "type" field; every frame carries the protocol
// version so mismatched clients can be rejected before admission.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the wire protocol version implemented by this server.
// Version 1 fixes the transport at JSON text frames with base64 section
// payloads.
const Version = 1

// Inbound frame types.
const (
	TypeHello            = "HELLO"
	TypeInput            = "INPUT"
	TypeSubscribe        = "SUBSCRIBE"
	TypeBlockEditRequest = "BLOCK_EDIT_REQUEST"
)

// Outbound frame types.
const (
	TypeWelcome     = "WELCOME"
	TypeSnapshot    = "SNAPSHOT"
	TypeSectionData = "SECTION_DATA"
	TypeBlockEvent  = "BLOCK_EVENT"
	TypePlayerJoin  = "PLAYER_JOIN"
	TypePlayerLeave = "PLAYER_LEAVE"
	TypeError       = "ERROR"
	TypeResync      = "RESYNC"
	TypeRedirect    = "REDIRECT"
)

// Error codes carried by ERROR frames.
const (
	CodeAuthFailed        = "auth_failed"
	CodeAuthExpired       = "auth_expired"
	CodeWorldNotFound     = "world_not_found"
	CodeWorldFull         = "world_full"
	CodeRegistryMismatch  = "registry_mismatch"
	CodeGeneratorMismatch = "generator_mismatch"
	CodeRateLimited       = "rate_limited"
	CodeInvalidRequest    = "invalid_request"
	CodeOutOfBounds       = "out_of_bounds"
	CodePermissionDenied  = "permission_denied"
)

// Reject reasons carried by BLOCK_EVENT frames with accepted=false.
const (
	RejectRateLimited     = "rate limited"
	RejectOutOfBounds     = "out of bounds"
	RejectTooFar          = "too far"
	RejectNothingToBreak  = "nothing to break"
	RejectBlockOccupied   = "block occupied"
	RejectInsideSelf      = "cannot place inside self"
	RejectFailedToApply   = "failed to apply edit"
)

// WebSocket close codes used by the server.
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	CloseProtocolError = 1002
	CloseInvalidOrigin = 4403
	CloseRateLimited   = 4429
)

// Input bitfield bits (INPUT.inputs).
const (
	InputForward = 1 << 0
	InputBack    = 1 << 1
	InputLeft    = 1 << 2
	InputRight   = 1 << 3
	InputJump    = 1 << 4
	InputSneak   = 1 << 5
)

// MaxFrameBytes is the largest inbound payload accepted on a
// connection. Oversize frames close the connection with 1002.
const MaxFrameBytes = 64 * 1024

// Header is the shared prefix of every frame, used to dispatch on type
// before decoding the full shape.
type Header struct {
	Type            string `json:"type"`
	ProtocolVersion int    `json:"protocol_version"`
}

// PeekHeader decodes only the type and protocol version of a frame.
func PeekHeader(data []byte) (Header, error) {
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return Header{}, fmt.Errorf("decode frame header: %w", err)
	}
	if h.Type == "" {
		return Header{}, fmt.Errorf("frame missing type")
	}
	return h, nil
}

// Hello is the handshake frame, required as the first frame on every
// connection.
type Hello struct {
	Type             string `json:"type"`
	ProtocolVersion  int    `json:"protocol_version"`
	RegistryVersion  int    `json:"registry_version"`
	GeneratorVersion int    `json:"generator_version"`
	// JWT carries the bearer credential: either a signed token or, when
	// the deployment enables display-name-only admission, a short-lived
	// opaque token.
	JWT     string `json:"jwt"`
	WorldID string `json:"world_id"`
}

// Input relays client motion. Position and velocity are
// client-authoritative apart from coarse clamping to world bounds.
type Input struct {
	Type            string     `json:"type"`
	ProtocolVersion int        `json:"protocol_version"`
	Seq             int64      `json:"seq"`
	Inputs          uint8      `json:"inputs"`
	Position        [3]float64 `json:"position"`
	Velocity        [3]float64 `json:"velocity"`
	Yaw             float64    `json:"yaw"`
	Pitch           float64    `json:"pitch"`
}

// Subscribe adds and removes section subscriptions in one frame.
type Subscribe struct {
	Type            string   `json:"type"`
	ProtocolVersion int      `json:"protocol_version"`
	Subscribe       []string `json:"subscribe,omitempty"`
	Unsubscribe     []string `json:"unsubscribe,omitempty"`
}

// BlockEditRequest asks the server to set the block at (x, y, z) to
// BlockID. RequestID is a client-chosen string used for idempotent
// retries.
type BlockEditRequest struct {
	Type            string `json:"type"`
	ProtocolVersion int    `json:"protocol_version"`
	RequestID       string `json:"request_id"`
	X               int    `json:"x"`
	Y               int    `json:"y"`
	Z               int    `json:"z"`
	BlockID         uint16 `json:"block_id"`
}

// PlayerState is the per-participant motion state embedded in WELCOME,
// SNAPSHOT and PLAYER_JOIN frames.
type PlayerState struct {
	PlayerID     string     `json:"player_id"`
	DisplayName  string     `json:"display_name"`
	Position     [3]float64 `json:"position"`
	Velocity     [3]float64 `json:"velocity"`
	Yaw          float64    `json:"yaw"`
	Pitch        float64    `json:"pitch"`
	LastInputSeq int64      `json:"last_input_seq"`
}

// Welcome completes the handshake.
type Welcome struct {
	Type             string        `json:"type"`
	ProtocolVersion  int           `json:"protocol_version"`
	RegistryVersion  int           `json:"registry_version"`
	GeneratorVersion int           `json:"generator_version"`
	PlayerID         string        `json:"player_id"`
	DisplayName      string        `json:"display_name"`
	WorldID          string        `json:"world_id"`
	SpawnPosition    [3]float64    `json:"spawn_position"`
	Players          []PlayerState `json:"players"`
}

// Snapshot is the fixed-tick motion broadcast.
type Snapshot struct {
	Type            string        `json:"type"`
	ProtocolVersion int           `json:"protocol_version"`
	ServerTime      int64         `json:"server_time"`
	Players         []PlayerState `json:"players"`
}

// SectionData streams one 16x16x16 section. Blocks is base64 of
// exactly 8192 bytes (4096 little-endian uint16 block ids). FromStore
// reports whether the payload is a modified persistent version rather
// than the baseline.
type SectionData struct {
	Type            string `json:"type"`
	ProtocolVersion int    `json:"protocol_version"`
	SectionID       string `json:"section_id"`
	Version         int64  `json:"version"`
	Blocks          string `json:"blocks"`
	FromStore       bool   `json:"from_store"`
}

// BlockEvent is the outcome of a BlockEditRequest. Accepted events are
// broadcast to every subscriber of the section; rejections go only to
// the originator.
type BlockEvent struct {
	Type            string `json:"type"`
	ProtocolVersion int    `json:"protocol_version"`
	RequestID       string `json:"request_id"`
	PlayerID        string `json:"player_id,omitempty"`
	SectionID       string `json:"section_id,omitempty"`
	X               int    `json:"x"`
	Y               int    `json:"y"`
	Z               int    `json:"z"`
	BlockID         uint16 `json:"block_id"`
	PreviousBlockID uint16 `json:"previous_block_id"`
	SectionVersion  int64  `json:"section_version"`
	Accepted        bool   `json:"accepted"`
	RejectReason    string `json:"reject_reason,omitempty"`
}

// PlayerJoin announces a new participant to the world.
type PlayerJoin struct {
	Type            string      `json:"type"`
	ProtocolVersion int         `json:"protocol_version"`
	Player          PlayerState `json:"player"`
}

// PlayerLeave announces a departure.
type PlayerLeave struct {
	Type            string `json:"type"`
	ProtocolVersion int    `json:"protocol_version"`
	PlayerID        string `json:"player_id"`
}

// ErrorFrame reports a protocol, authorization or capacity error. If
// Fatal is set the server closes the connection with code 1000 after
// sending it.
type ErrorFrame struct {
	Type            string `json:"type"`
	ProtocolVersion int    `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
	Fatal           bool   `json:"fatal"`
}

// Resync instructs the client to drop local prediction state and
// re-request its subscribed sections.
type Resync struct {
	Type            string `json:"type"`
	ProtocolVersion int    `json:"protocol_version"`
	Reason          string `json:"reason,omitempty"`
}

// Redirect points the client at another server instance.
type Redirect struct {
	Type            string `json:"type"`
	ProtocolVersion int    `json:"protocol_version"`
	URL             string `json:"url"`
}

// Marshal encodes a frame, panicking on marshal failure. All frame
// types in this package marshal without error; a failure here is a
// programming bug, not an I/O condition.
func Marshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("protocol: marshal %T: %v", v, err))
	}
	return data
}

// NewError builds an ERROR frame.
func NewError(code, message string, fatal bool) ErrorFrame {
	return ErrorFrame{
		Type:            TypeError,
		ProtocolVersion: Version,
		Code:            code,
		Message:         message,
		Fatal:           fatal,
	}
}
