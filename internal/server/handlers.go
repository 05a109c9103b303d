package server

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/Smooth-Operation/minecraft-classic-server/internal/monitoring"
	"github.com/Smooth-Operation/minecraft-classic-server/internal/protocol"
)

// handleWebSocket is the accept path: shutdown gate, upgrade, then
// origin and rate checks answered with protocol close codes so the
// client can distinguish "go away" from "slow down".
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	clientIP := getClientIP(r)
	origin := r.Header.Get("Origin")

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug().Err(err).Str("ip", clientIP).Msg("WebSocket upgrade failed")
		monitoring.ConnectionsRejected.WithLabelValues("upgrade_failed").Inc()
		return
	}

	if !originAllowed(origin, s.cfg.OriginPatterns()) {
		s.log.Info().Str("ip", clientIP).Str("origin", origin).Msg("Connection rejected: origin not allowed")
		monitoring.ConnectionsRejected.WithLabelValues("origin").Inc()
		rejectRaw(conn, protocol.CloseInvalidOrigin, "origin not allowed")
		return
	}

	if !s.gate.Allow(clientIP) {
		s.log.Info().Str("ip", clientIP).Msg("Connection rejected: rate limited")
		monitoring.ConnectionsRejected.WithLabelValues("rate").Inc()
		rejectRaw(conn, protocol.CloseRateLimited, "too many connections")
		return
	}

	client := newClient(atomic.AddInt64(&s.clientSeq, 1), conn, clientIP, s)
	s.clients.Store(client, struct{}{})
	atomic.AddInt64(&s.clientCount, 1)
	monitoring.ConnectionsTotal.Inc()
	monitoring.ConnectionsActive.Inc()

	s.log.Debug().Int64("client_id", client.id).Str("ip", clientIP).Msg("Connection established")

	go s.writePump(client)
	go s.readPump(client)
}

// rejectRaw closes a just-upgraded connection that never got pumps.
func rejectRaw(conn net.Conn, code uint16, reason string) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = wsutil.WriteServerMessage(conn, ws.OpClose,
		ws.NewCloseFrameBody(ws.StatusCode(code), reason))
	_ = conn.Close()
}

// originAllowed matches the request origin against configured
// patterns: exact origins, "*.domain" subdomain wildcards, or the
// "localhost" shorthand that accepts any local origin on any port.
// Requests without an Origin header (non-browser clients) pass.
func originAllowed(origin string, patterns []string) bool {
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Hostname() == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())

	for _, pattern := range patterns {
		switch {
		case pattern == "localhost":
			if host == "localhost" || host == "127.0.0.1" || host == "::1" {
				return true
			}
		case strings.HasPrefix(pattern, "*."):
			suffix := strings.ToLower(pattern[1:]) // ".example.com"
			if strings.HasSuffix(host, suffix) || host == strings.TrimPrefix(suffix, ".") {
				return true
			}
		default:
			if strings.EqualFold(origin, pattern) {
				return true
			}
		}
	}
	return false
}

// getClientIP prefers X-Forwarded-For (set by the load balancer) and
// falls back to the socket address.
func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
