// Command probe is a scenario client for manual testing: it connects,
// performs the handshake with an unsigned opaque token, subscribes to
// the spawn column, optionally places a block, and prints every frame
// the server sends until the deadline.
package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Smooth-Operation/minecraft-classic-server/internal/protocol"
	"github.com/Smooth-Operation/minecraft-classic-server/internal/voxel"
	"github.com/Smooth-Operation/minecraft-classic-server/internal/world"
)

func main() {
	var (
		addr     = flag.String("addr", "ws://localhost:8080/ws", "server WebSocket endpoint")
		worldID  = flag.String("world", "", "world id (empty for the default world)")
		name     = flag.String("name", "probe", "display name for the opaque token")
		edit     = flag.Bool("edit", false, "place a stone block near spawn after the handshake")
		duration = flag.Duration("duration", 10*time.Second, "how long to listen before disconnecting")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[probe] ", log.LstdFlags|log.Lmicroseconds)

	conn, _, err := websocket.DefaultDialer.Dial(*addr, nil)
	if err != nil {
		logger.Fatalf("dial %s: %v", *addr, err)
	}
	defer conn.Close()

	token := opaqueToken(*name)
	hello := protocol.Hello{
		Type:             protocol.TypeHello,
		ProtocolVersion:  protocol.Version,
		RegistryVersion:  world.RegistryVersion,
		GeneratorVersion: voxel.GeneratorVersion,
		JWT:              token,
		WorldID:          *worldID,
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}

	// Subscribe to the full spawn column.
	sub := protocol.Subscribe{
		Type:            protocol.TypeSubscribe,
		ProtocolVersion: protocol.Version,
	}
	for sy := 0; sy < 8; sy++ {
		sub.Subscribe = append(sub.Subscribe, fmt.Sprintf("0:0:%d", sy))
	}
	if err := conn.WriteJSON(sub); err != nil {
		logger.Fatalf("send SUBSCRIBE: %v", err)
	}

	if *edit {
		req := protocol.BlockEditRequest{
			Type:            protocol.TypeBlockEditRequest,
			ProtocolVersion: protocol.Version,
			RequestID:       uuid.NewString(),
			X:               10, Y: 5, Z: 10,
			BlockID: 1,
		}
		if err := conn.WriteJSON(req); err != nil {
			logger.Fatalf("send BLOCK_EDIT_REQUEST: %v", err)
		}
	}

	deadline := time.Now().Add(*duration)
	conn.SetReadDeadline(deadline)
	for time.Now().Before(deadline) {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			logger.Printf("read: %v", err)
			return
		}
		header, err := protocol.PeekHeader(msg)
		if err != nil {
			logger.Printf("unparseable frame: %s", msg)
			continue
		}
		switch header.Type {
		case protocol.TypeSectionData:
			var sd protocol.SectionData
			_ = json.Unmarshal(msg, &sd)
			logger.Printf("SECTION_DATA %s v%d (%d bytes base64)", sd.SectionID, sd.Version, len(sd.Blocks))
		case protocol.TypeSnapshot:
			var snap protocol.Snapshot
			_ = json.Unmarshal(msg, &snap)
			logger.Printf("SNAPSHOT t=%d players=%d", snap.ServerTime, len(snap.Players))
		default:
			logger.Printf("%s %s", header.Type, msg)
		}
	}

	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "probe done"))
}

// opaqueToken builds the unsigned development credential accepted when
// MCS_ALLOW_OPAQUE_TOKENS is on.
func opaqueToken(displayName string) string {
	payload, _ := json.Marshal(map[string]any{
		"display_name": displayName,
		"user_id":      "probe-" + uuid.NewString()[:8],
		"issued_at":    time.Now().UnixMilli(),
	})
	return base64.StdEncoding.EncodeToString(payload)
}
