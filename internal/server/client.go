// Package server is the transport layer: WebSocket accept path,
// per-connection pumps, the tick broadcaster and the background
// persistence, heartbeat and reaper loops. World semantics live in
// internal/world; this package only moves frames.
package server

import (
	"net"
	"sync"
	"time"

	"github.com/Smooth-Operation/minecraft-classic-server/internal/protocol"
	"github.com/Smooth-Operation/minecraft-classic-server/internal/world"
)

const (
	// sendBufferSize is the per-client outbound queue. A client that
	// stays full long enough for an enqueue to fail is disconnected
	// rather than allowed to stall broadcasts.
	sendBufferSize = 256

	// writeWait bounds one write syscall.
	writeWait = 10 * time.Second
	// pingPeriod is the server heartbeat ping interval.
	pingPeriod = 30 * time.Second
	// pongWait is the read deadline; it exceeds pingPeriod so one lost
	// ping does not kill a healthy connection.
	pongWait = 70 * time.Second
	// handshakeWait bounds the wait for the HELLO frame.
	handshakeWait = 5 * time.Second
)

// Client is one WebSocket connection. It implements world.Outbox so
// the world core can push frames without knowing about sockets.
//
// The write pump is the only goroutine that writes to the socket.
// Closing goes through close(): the first caller latches the close
// code, the write pump drains the queue, sends the close frame and
// closes the socket, and the read pump unblocks and runs the
// disconnect path.
type Client struct {
	id   int64
	conn net.Conn
	srv  *Server
	ip   string

	send      chan []byte
	closeOnce sync.Once
	done      chan struct{}

	mu          sync.Mutex
	closeCode   uint16
	closeReason string

	// Set once the handshake succeeds.
	world       *world.World
	participant *world.Participant

	connectedAt time.Time
}

var _ world.Outbox = (*Client)(nil)

func newClient(id int64, conn net.Conn, ip string, srv *Server) *Client {
	return &Client{
		id:          id,
		conn:        conn,
		srv:         srv,
		ip:          ip,
		send:        make(chan []byte, sendBufferSize),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
	}
}

// Enqueue queues a frame for delivery. Non-blocking: a full buffer
// returns false and the caller decides whether that warrants an abort.
func (c *Client) Enqueue(frame []byte) bool {
	select {
	case <-c.done:
		// Already closing; drop silently.
		return true
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Abort tears the connection down from outside the pumps (slow client,
// superseded session, stale reaper).
func (c *Client) Abort(reason string) {
	c.close(protocol.CloseNormal, reason)
}

// close latches a close code and wakes the write pump, which sends the
// close frame and closes the socket.
func (c *Client) close(code uint16, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.closeReason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Client) closeFrame() (uint16, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason
}
