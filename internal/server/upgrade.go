package server

import (
	"net"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/gobwas/ws"
	"github.com/google/uuid"

	"github.com/driftwire/driftwire/internal/limits"
	"github.com/driftwire/driftwire/internal/metrics"
)

// handleWebSocket runs admission control, upgrades and starts the pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := clientIP(r)

	if s.shuttingDown.Load() {
		metrics.ConnectionsRefused.WithLabelValues("shutting_down").Inc()
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if !s.connLimiter.Allow(clientIP) {
		metrics.ConnectionsRefused.WithLabelValues("rate_limit").Inc()
		s.logger.Warn().Str("client_ip", clientIP).Msg("connection refused by rate limiter")
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if accept, reason := s.guard.ShouldAccept(); !accept {
		metrics.ConnectionsRefused.WithLabelValues("resource_guard").Inc()
		s.logger.Warn().
			Str("client_ip", clientIP).
			Str("reason", reason).
			Int64("connections", atomic.LoadInt64(&s.liveConns)).
			Msg("connection refused by resource guard")
		http.Error(w, "server overloaded", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		metrics.ConnectionsRefused.WithLabelValues("upgrade_failed").Inc()
		s.logger.Warn().Err(err).Str("client_ip", clientIP).Msg("websocket upgrade failed")
		return
	}

	sess := newSession(
		uuid.NewString(),
		conn,
		s.cfg.SendBuffer,
		limits.NewMessageLimiter(s.cfg.MessageRate, s.cfg.MessageBurst),
	)
	s.sessions.Store(sess.id, sess)
	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Set(float64(atomic.AddInt64(&s.liveConns, 1)))

	s.logger.Info().
		Str("session_id", sess.id).
		Str("client_ip", clientIP).
		Msg("client connected")

	s.wg.Add(2)
	go s.writePump(sess)
	go s.readPump(sess)
}

// teardown runs exactly once per session, from the read pump's exit path.
func (s *Server) teardown(sess *session) {
	if _, loaded := s.sessions.LoadAndDelete(sess.id); !loaded {
		return
	}
	sess.close()
	s.engine.DropSession(sess.id)
	metrics.ConnectionsActive.Set(float64(atomic.AddInt64(&s.liveConns, -1)))
	s.logger.Info().Str("session_id", sess.id).Msg("client disconnected")
}

// clientIP prefers X-Forwarded-For so limits see the real peer behind a
// load balancer.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
