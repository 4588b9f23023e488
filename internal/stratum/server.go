package stratum

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nockpool/nockpool/pkg/log"
)

// ServerConfig holds the listener settings.
type ServerConfig struct {
	Host           string
	Port           int
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// Server accepts miner connections and runs one session per connection.
// Protocol semantics live in the handler; the server owns only the listener
// and the session registry.
type Server struct {
	cfg     ServerConfig
	logger  *log.Logger
	handler MessageHandler

	listener net.Listener
	sessions map[string]*Session
	mu       sync.RWMutex
	wg       sync.WaitGroup
}

// NewServer creates a server that dispatches messages to the handler.
func NewServer(cfg ServerConfig, handler MessageHandler, logger *log.Logger) *Server {
	return &Server{
		cfg:      cfg,
		logger:   logger.WithComponent("stratum_server"),
		handler:  handler,
		sessions: make(map[string]*Session),
	}
}

// Start listens and accepts connections until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.logger.Info("server listening", "address", addr)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				s.logger.WithError(err).Error("failed to accept connection")
				continue
			}
		}

		if s.cfg.MaxConnections > 0 && s.SessionCount() >= s.cfg.MaxConnections {
			s.logger.Warn("connection limit reached, rejecting", "remote_addr", conn.RemoteAddr().String())
			_ = conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()

	sessionID := newSessionID()
	session := NewSession(sessionID, conn, s.logger, s.cfg.ReadTimeout, s.cfg.WriteTimeout)

	s.mu.Lock()
	s.sessions[sessionID] = session
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sessionID)
		s.mu.Unlock()
	}()

	if err := session.Start(ctx, s.handler); err != nil && err != context.Canceled {
		s.logger.WithError(err).Error("session failed")
	}
}

// Addr returns the listener address once Start has bound it.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Broadcast sends a notification to every subscribed session. Send failures
// are logged and skipped; the miner resyncs on its next heartbeat.
func (s *Server) Broadcast(method string, params []any) {
	s.mu.RLock()
	targets := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		if session.IsSubscribed() {
			targets = append(targets, session)
		}
	}
	s.mu.RUnlock()

	for _, session := range targets {
		if err := session.SendNotification(method, params); err != nil {
			s.logger.WithError(err).Warn("broadcast send failed", "session_id", session.ID())
		}
	}
}

// Shutdown closes the listener and all sessions, waiting for connection
// goroutines up to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	s.mu.RLock()
	listener := s.listener
	s.mu.RUnlock()
	if listener != nil {
		if err := listener.Close(); err != nil {
			s.logger.Error("failed to close listener", "error", err)
		}
	}

	s.mu.RLock()
	for _, session := range s.sessions {
		session.Close()
	}
	s.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all connections closed")
		return nil
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout exceeded")
		return ctx.Err()
	}
}

func newSessionID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("session_%d", time.Now().UnixNano())
	}
	return "session_" + hex.EncodeToString(buf)
}
