package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/Smooth-Operation/minecraft-classic-server/internal/auth"
	"github.com/Smooth-Operation/minecraft-classic-server/internal/monitoring"
	"github.com/Smooth-Operation/minecraft-classic-server/internal/protocol"
	"github.com/Smooth-Operation/minecraft-classic-server/internal/voxel"
	"github.com/Smooth-Operation/minecraft-classic-server/internal/world"
)

// writePump is the sole socket writer: it batches queued frames
// through a buffered writer, sends heartbeat pings, and on close
// drains the queue before the close frame.
func (s *Server) writePump(c *Client) {
	defer monitoring.RecoverPanic(s.log, "writePump", map[string]any{"client_id": c.id})

	writer := bufio.NewWriter(c.conn)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	writeOne := func(frame []byte) bool {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := wsutil.WriteServerMessage(writer, ws.OpText, frame); err != nil {
			s.log.Debug().Err(err).Int64("client_id", c.id).Msg("Frame write failed")
			return false
		}
		monitoring.FramesSent.Inc()
		return true
	}

	for {
		select {
		case frame := <-c.send:
			if !writeOne(frame) {
				return
			}
			// Batch whatever else is queued before flushing.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if !writeOne(<-c.send) {
					return
				}
			}
			if err := writer.Flush(); err != nil {
				s.log.Debug().Err(err).Int64("client_id", c.id).Msg("Flush failed")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				s.log.Debug().Err(err).Int64("client_id", c.id).Msg("Ping failed")
				return
			}

		case <-c.done:
			// Flush pending frames, then the close frame.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if !writeOne(<-c.send) {
					return
				}
			}
			if err := writer.Flush(); err != nil {
				return
			}
			code, reason := c.closeFrame()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = wsutil.WriteServerMessage(c.conn, ws.OpClose,
				ws.NewCloseFrameBody(ws.StatusCode(code), reason))
			return
		}
	}
}

// readPump drives one connection: handshake first, then the frame
// dispatch loop. Frames from one connection are processed in order on
// this goroutine.
func (s *Server) readPump(c *Client) {
	defer monitoring.RecoverPanic(s.log, "readPump", map[string]any{"client_id": c.id})
	defer s.disconnectClient(c)

	if !s.handshake(c) {
		return
	}

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			var closed wsutil.ClosedError
			if errors.As(err, &closed) {
				s.log.Debug().Int64("client_id", c.id).Int("code", int(closed.Code)).Msg("Client closed connection")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpText:
			monitoring.FramesReceived.Inc()
			if len(msg) > protocol.MaxFrameBytes {
				c.close(protocol.CloseProtocolError, "frame too large")
				return
			}
			if !s.dispatch(c, msg) {
				return
			}
		case ws.OpClose:
			return
		default:
			// Pings and pongs are handled by the library; binary frames
			// are not part of the protocol.
		}
	}
}

// handshake waits for the HELLO frame, verifies the credential and
// runs admission. Returns false when the connection must close; the
// close code has already been latched.
func (s *Server) handshake(c *Client) bool {
	c.conn.SetReadDeadline(time.Now().Add(handshakeWait))
	msg, op, err := wsutil.ReadClientData(c.conn)
	if err != nil {
		// No handshake within the deadline is an auth failure, not a
		// protocol violation.
		s.log.Debug().Err(err).Int64("client_id", c.id).Msg("Handshake read failed")
		monitoring.ConnectionsRejected.WithLabelValues(protocol.CodeAuthFailed).Inc()
		s.fatal(c, protocol.CodeAuthFailed, "no handshake received")
		return false
	}
	if len(msg) > protocol.MaxFrameBytes {
		c.close(protocol.CloseProtocolError, "frame too large")
		return false
	}
	monitoring.FramesReceived.Inc()

	header, err := protocol.PeekHeader(msg)
	if op != ws.OpText || err != nil || header.Type != protocol.TypeHello {
		monitoring.ConnectionsRejected.WithLabelValues(protocol.CodeAuthFailed).Inc()
		s.fatal(c, protocol.CodeAuthFailed, "first frame must be HELLO")
		return false
	}
	var hello protocol.Hello
	if err := json.Unmarshal(msg, &hello); err != nil {
		monitoring.ConnectionsRejected.WithLabelValues(protocol.CodeAuthFailed).Inc()
		s.fatal(c, protocol.CodeAuthFailed, "malformed HELLO frame")
		return false
	}

	// Version pins are checked before the credential: a stale client
	// gets the mismatch code even when its token is also bad.
	if denied := world.CheckVersions(hello); denied != nil {
		monitoring.ConnectionsRejected.WithLabelValues(denied.Error.Code).Inc()
		c.Enqueue(protocol.Marshal(denied.Error))
		c.close(protocol.CloseNormal, denied.Error.Code)
		return false
	}

	ctx, cancel := s.requestContext()
	defer cancel()

	identity, err := s.verifier.Verify(ctx, hello.JWT)
	if err != nil {
		code := protocol.CodeAuthFailed
		if errors.Is(err, auth.ErrAuthExpired) {
			code = protocol.CodeAuthExpired
		}
		s.log.Info().Err(err).Str("ip", c.ip).Msg("Credential rejected")
		monitoring.ConnectionsRejected.WithLabelValues(code).Inc()
		s.fatal(c, code, "credential verification failed")
		return false
	}

	res, denied := s.registry.Admit(ctx, hello, identity, c)
	if denied != nil {
		if denied.Redirect != nil {
			c.Enqueue(protocol.Marshal(denied.Redirect))
			c.close(protocol.CloseNormal, "redirect")
			return false
		}
		monitoring.ConnectionsRejected.WithLabelValues(denied.Error.Code).Inc()
		c.Enqueue(protocol.Marshal(denied.Error))
		c.close(protocol.CloseNormal, denied.Error.Code)
		return false
	}

	c.world = res.World
	c.participant = res.Participant

	c.Enqueue(protocol.Marshal(protocol.Welcome{
		Type:             protocol.TypeWelcome,
		ProtocolVersion:  protocol.Version,
		RegistryVersion:  hello.RegistryVersion,
		GeneratorVersion: hello.GeneratorVersion,
		PlayerID:         res.Participant.ID,
		DisplayName:      res.Participant.DisplayName,
		WorldID:          res.World.ID,
		SpawnPosition:    voxel.Spawn,
		Players:          res.Others,
	}))

	res.World.Broadcast(protocol.Marshal(protocol.PlayerJoin{
		Type:            protocol.TypePlayerJoin,
		ProtocolVersion: protocol.Version,
		Player:          res.World.StateOf(res.Participant),
	}), res.Participant.ID)

	s.log.Info().
		Int64("client_id", c.id).
		Str("player", res.Participant.ID).
		Str("world", res.World.ID).
		Msg("Participant admitted")
	return true
}

// dispatch routes one post-handshake frame. Returns false when the
// connection must close.
func (s *Server) dispatch(c *Client, msg []byte) bool {
	header, err := protocol.PeekHeader(msg)
	if err != nil {
		s.nonFatal(c, protocol.CodeInvalidRequest, "malformed frame")
		return true
	}

	switch header.Type {
	case protocol.TypeInput:
		var in protocol.Input
		if err := json.Unmarshal(msg, &in); err != nil {
			s.nonFatal(c, protocol.CodeInvalidRequest, "malformed INPUT frame")
			return true
		}
		c.world.HandleInput(c.participant, in)

	case protocol.TypeSubscribe:
		var sub protocol.Subscribe
		if err := json.Unmarshal(msg, &sub); err != nil {
			s.nonFatal(c, protocol.CodeInvalidRequest, "malformed SUBSCRIBE frame")
			return true
		}
		if ef := c.world.UpdateSubscriptions(c.participant, sub); ef != nil {
			c.Enqueue(protocol.Marshal(*ef))
		}

	case protocol.TypeBlockEditRequest:
		var req protocol.BlockEditRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			s.nonFatal(c, protocol.CodeInvalidRequest, "malformed BLOCK_EDIT_REQUEST frame")
			return true
		}
		if req.RequestID == "" {
			s.nonFatal(c, protocol.CodeInvalidRequest, "block edit missing request_id")
			return true
		}
		ctx, cancel := s.requestContext()
		c.world.Edit(ctx, c.participant, req)
		cancel()

	case protocol.TypeHello:
		// A second HELLO is a protocol misuse but not worth the
		// connection.
		s.nonFatal(c, protocol.CodeInvalidRequest, "already admitted")

	default:
		s.nonFatal(c, protocol.CodeInvalidRequest, "unknown frame type "+header.Type)
	}
	return true
}

func (s *Server) fatal(c *Client, code, message string) {
	c.Enqueue(protocol.Marshal(protocol.NewError(code, message, true)))
	c.close(protocol.CloseNormal, code)
}

func (s *Server) nonFatal(c *Client, code, message string) {
	c.Enqueue(protocol.Marshal(protocol.NewError(code, message, false)))
}
