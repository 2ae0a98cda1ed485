// Package server is the driftwire transport runtime: it upgrades WebSocket
// connections, pumps frames in and out of sessions, dispatches protocol
// messages to the registry and state store, and serves the reconnect
// catch-up protocol.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/driftwire/driftwire/internal/config"
	"github.com/driftwire/driftwire/internal/fanout"
	"github.com/driftwire/driftwire/internal/limits"
	"github.com/driftwire/driftwire/internal/metrics"
	"github.com/driftwire/driftwire/internal/registry"
	"github.com/driftwire/driftwire/pkg/store"
)

const (
	// writeWait bounds a single frame write to the peer.
	writeWait = 5 * time.Second

	// pongWait is how long a silent peer stays alive. pingPeriod must be
	// shorter so a ping is in flight before the deadline hits.
	pongWait   = 30 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Server owns the listener, the session table and the fan-out engine. It
// is the fanout.Sender: frames addressed to a session are enqueued on that
// session's egress channel.
type Server struct {
	cfg      *config.Config
	logger   zerolog.Logger
	registry *registry.Registry
	store    store.Store
	engine   *fanout.Engine

	guard       *limits.ResourceGuard
	connLimiter *limits.ConnRateLimiter

	listener net.Listener
	httpSrv  *http.Server

	sessions     sync.Map // sessionID -> *session
	liveConns    int64
	shuttingDown atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the server. The caller registers the returned engine as the
// store's notifier so emits broadcast inside the entity critical section.
func New(cfg *config.Config, logger zerolog.Logger, reg *registry.Registry, st store.Store) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		logger:   logger.With().Str("component", "server").Logger(),
		registry: reg,
		store:    st,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.engine = fanout.New(s, logger)
	s.guard = limits.NewResourceGuard(limits.GuardConfig{
		CPUWatermark:    cfg.CPUWatermark,
		MemoryWatermark: cfg.MemoryWatermark,
		MemoryLimit:     cfg.MemoryLimit,
		MaxConnections:  int64(cfg.MaxConnections),
		SampleInterval:  cfg.GuardInterval,
	}, logger, &s.liveConns)
	s.connLimiter = limits.NewConnRateLimiter(limits.ConnRateLimiterConfig{
		IPRate:      cfg.ConnRateIP,
		IPBurst:     cfg.ConnBurstIP,
		GlobalRate:  cfg.ConnRateGlobal,
		GlobalBurst: cfg.ConnBurstGlob,
	}, logger)
	return s
}

// Engine exposes the fan-out engine for store notifier wiring.
func (s *Server) Engine() *fanout.Engine {
	return s.engine
}

// SendFrame implements fanout.Sender.
func (s *Server) SendFrame(sessionID string, frame any) bool {
	v, ok := s.sessions.Load(sessionID)
	if !ok {
		return false
	}
	return v.(*session).enqueue(frame)
}

// Start binds the listener and begins serving. Non-blocking; Shutdown
// tears everything down.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.Addr, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpSrv = &http.Server{
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("http serve stopped")
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.guard.Run(s.ctx)
	}()

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("listening")
	return nil
}

// Addr returns the bound listen address, useful when the configured port
// was 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections, asks live sessions to go away and
// drains them within the configured timeout before force-closing.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("shutdown initiated")
	s.shuttingDown.Store(true)

	if s.listener != nil {
		s.listener.Close()
	}

	s.sessions.Range(func(_, v any) bool {
		v.(*session).closeWith(ws.StatusGoingAway, "server shutting down")
		return true
	})

	deadline := time.NewTimer(s.cfg.ShutdownTimeout)
	tick := time.NewTicker(250 * time.Millisecond)
	defer deadline.Stop()
	defer tick.Stop()

drain:
	for {
		select {
		case <-deadline.C:
			remaining := atomic.LoadInt64(&s.liveConns)
			if remaining > 0 {
				s.logger.Warn().Int64("remaining", remaining).Msg("drain timeout, force closing sessions")
			}
			s.sessions.Range(func(_, v any) bool {
				v.(*session).close()
				return true
			})
			break drain
		case <-tick.C:
			if atomic.LoadInt64(&s.liveConns) == 0 {
				break drain
			}
		}
	}

	s.cancel()
	s.connLimiter.Stop()
	s.wg.Wait()
	s.logger.Info().Msg("shutdown complete")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","connections":%d}`, atomic.LoadInt64(&s.liveConns))
}
