package stratum

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bardlex/gomp/internal/workgen"
	"github.com/bardlex/gomp/pkg/log"
)

// Admitter widens Dispatcher with the connection-lifecycle calls only the
// listener makes. *coordinator.Coordinator satisfies it.
type Admitter interface {
	Dispatcher
	OnConnect(remoteIP string) (sessionID int64, extraNonce1 string, err error)
	OnDisconnect(sessionID int64)
	SweepInactive() int
}

// ServerConfig carries the listener's tunables.
type ServerConfig struct {
	Addr string
	Port int

	// TLSConfig enables TLS-over-TCP when non-nil.
	TLSConfig *tls.Config

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// SweepInterval is how often idle sessions are scanned for. Zero
	// means every 30 seconds.
	SweepInterval time.Duration
}

// Server owns the accept loop and the registry of live sessions, and is
// the coordinator's Notifier: job broadcasts and per-session
// set_difficulty pushes go through it.
type Server struct {
	cfg     ServerConfig
	pool    Admitter
	handler *Handler
	logger  *log.Logger

	mu       sync.RWMutex
	sessions map[int64]*Session

	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer constructs the Stratum listener. The caller is expected to
// hand the returned Server back to the coordinator as its Notifier before
// calling Run.
func NewServer(cfg ServerConfig, pool Admitter, logger *log.Logger) *Server {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	return &Server{
		cfg:      cfg,
		pool:     pool,
		handler:  NewHandler(pool, logger),
		logger:   logger.WithComponent("listener"),
		sessions: make(map[int64]*Session),
	}
}

// Run listens and serves until ctx is cancelled, then closes the listener
// first and every live session after, waiting for their goroutines to
// drain.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Addr, s.cfg.Port)

	var (
		ln  net.Listener
		err error
	)
	if s.cfg.TLSConfig != nil {
		ln, err = tls.Listen("tcp", addr, s.cfg.TLSConfig)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("stratum listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.logger.Info("stratum listener started", "addr", addr, "tls", s.cfg.TLSConfig != nil)

	go s.sweepLoop(ctx)

	go func() {
		<-ctx.Done()
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.WithError(err).Warn("listener close")
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.logger.WithError(err).Warn("accept failed")
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}

	s.closeAll()
	s.wg.Wait()
	s.logger.Info("stratum listener stopped")
	return ctx.Err()
}

// serveConn admits one connection through the coordinator's per-IP cap,
// registers the session and runs it to completion.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	ip := remoteIP(conn)

	sessionID, extraNonce1, err := s.pool.OnConnect(ip)
	if err != nil {
		// Refused at accept time: the connection never enters the state
		// machine (the synthetic "banned" closed state).
		s.logger.Warn("connection refused", "remote_ip", ip, "reason", err.Error())
		_ = conn.Close()
		return
	}

	session := NewSession(sessionID, extraNonce1, conn, s.logger, s.cfg.ReadTimeout, s.cfg.WriteTimeout)

	s.mu.Lock()
	s.sessions[sessionID] = session
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sessionID)
		s.mu.Unlock()
		s.pool.OnDisconnect(sessionID)
		session.Close()
	}()

	if err := session.Start(ctx, s.handler); err != nil && ctx.Err() == nil {
		s.logger.WithError(err).Debug("session ended with error", "session_id", sessionID)
	}
}

// sweepLoop periodically asks the coordinator to expire idle sessions.
// The coordinator calls back into Disconnect for each one it closes.
func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.pool.SweepInactive(); n > 0 {
				s.logger.Info("idle sessions closed", "count", n)
			}
		}
	}
}

// get returns the live session for an ID, if any.
func (s *Server) get(sessionID int64) *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[sessionID]
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// NotifyJob implements coordinator.Notifier: pushes one job to one
// session.
func (s *Server) NotifyJob(sessionID int64, job *workgen.Job, _ string, cleanJobs bool) {
	session := s.get(sessionID)
	if session == nil {
		return
	}
	if err := session.SendMessage(NewNotify(jobNotifyParams(job, cleanJobs))); err != nil {
		s.logger.WithError(err).Debug("notify dropped", "session_id", sessionID)
	}
}

// NotifyDifficulty implements coordinator.Notifier: pushes a
// set_difficulty to one session, ahead of its next notify.
func (s *Server) NotifyDifficulty(sessionID int64, difficulty int64) {
	session := s.get(sessionID)
	if session == nil {
		return
	}
	session.SetDifficulty(difficulty)
	if err := session.SendMessage(NewSetDifficulty(difficulty)); err != nil {
		s.logger.WithError(err).Debug("set_difficulty dropped", "session_id", sessionID)
	}
}

// Disconnect implements coordinator.Notifier: force-closes one session.
func (s *Server) Disconnect(sessionID int64) {
	if session := s.get(sessionID); session != nil {
		session.Close()
	}
}

// Broadcast sends an operator-triggered notification (client.reconnect,
// client.show_message) to every live session.
func (s *Server) Broadcast(msg *Message) int {
	s.mu.RLock()
	targets := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		targets = append(targets, session)
	}
	s.mu.RUnlock()

	sent := 0
	for _, session := range targets {
		if err := session.SendMessage(msg); err == nil {
			sent++
		}
	}
	return sent
}

// closeAll closes every registered session during shutdown.
func (s *Server) closeAll() {
	s.mu.Lock()
	targets := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		targets = append(targets, session)
	}
	s.mu.Unlock()

	for _, session := range targets {
		session.Close()
	}
}

// remoteIP extracts the host half of a connection's remote address.
func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
