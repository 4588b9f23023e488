package stratum

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nockpool/nockpool/pkg/log"
)

// Session represents a Stratum mining session
type Session struct {
	id     string
	conn   net.Conn
	logger *log.Logger

	// Session state
	subscribed bool
	authorized bool
	minerID    string
	workerName string
	extraNonce string
	difficulty uint64

	// Share tracking
	lastShareTime time.Time
	shareCount    int64

	// Connection management
	readTimeout  time.Duration
	writeTimeout time.Duration

	// Channels for communication
	outbound chan []byte
	done     chan struct{}

	// Synchronization
	mu sync.RWMutex
}

// NewSession creates a new Stratum session
func NewSession(id string, conn net.Conn, logger *log.Logger, readTimeout, writeTimeout time.Duration) *Session {
	return &Session{
		id:           id,
		conn:         conn,
		logger:       logger.WithFields("session_id", id, "remote_addr", conn.RemoteAddr().String()),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		outbound:     make(chan []byte, 100), // Buffered channel for outbound messages
		done:         make(chan struct{}),
	}
}

// Start begins processing the session
func (s *Session) Start(ctx context.Context, handler MessageHandler) error {
	s.logger.LogConnection("connected", s.conn.RemoteAddr().String())

	// Start the write goroutine
	go s.writeLoop(ctx)

	// Start the read loop in the current goroutine
	return s.readLoop(ctx, handler)
}

// readLoop handles incoming messages from the client
func (s *Session) readLoop(ctx context.Context, handler MessageHandler) error {
	defer s.Close()

	buf := GetBuffer()
	defer PutBuffer(buf)

	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(buf, 4096)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		default:
		}

		// Set read deadline
		if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
			s.logger.WithError(err).Error("failed to set read deadline")
			return err
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				s.logger.WithError(err).Error("scanner error")
				return err
			}
			// EOF - client disconnected
			s.logger.Info("client disconnected")
			return nil
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		s.logger.LogStratumMessage("received", string(line))

		// Parse the message
		msg, err := ParseMessage(line)
		if err != nil {
			s.logger.WithError(err).Error("failed to parse message")
			if sendErr := s.SendError(nil, ErrorParseError, "Parse error"); sendErr != nil {
				s.logger.WithError(sendErr).Error("failed to send parse error")
			}
			continue
		}

		// Handlers must not retain the message past return
		if err := handler.HandleMessage(ctx, s, msg); err != nil {
			s.logger.WithError(err).Error("failed to handle message")
		}
		PutMessage(msg)
	}
}

// writeLoop handles outbound messages to the client
func (s *Session) writeLoop(ctx context.Context) {
	defer func() {
		if err := s.conn.Close(); err != nil {
			s.logger.Error("failed to close connection", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case data := <-s.outbound:
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
				s.logger.WithError(err).Error("failed to set write deadline")
				return
			}

			// Add newline delimiter
			data = append(data, '\n')

			if _, err := s.conn.Write(data); err != nil {
				s.logger.WithError(err).Error("failed to write message")
				return
			}

			s.logger.LogStratumMessage("sent", string(data[:len(data)-1])) // Log without newline
		}
	}
}

// SendMessage sends a message to the client
func (s *Session) SendMessage(msg *Message) error {
	data, err := MarshalMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	select {
	case s.outbound <- data:
		return nil
	case <-s.done:
		return fmt.Errorf("session closed")
	default:
		return fmt.Errorf("outbound channel full")
	}
}

// SendResponse sends a response message
func (s *Session) SendResponse(id interface{}, result interface{}) error {
	return s.SendMessage(NewResponse(id, result))
}

// SendError sends an error response
func (s *Session) SendError(id interface{}, code int, message string) error {
	return s.SendMessage(NewErrorResponse(id, code, message))
}

// SendNotification sends a notification message
func (s *Session) SendNotification(method string, params []interface{}) error {
	return s.SendMessage(NewNotification(method, params))
}

// Close closes the session
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return // Already closed
	default:
		close(s.done)
		s.logger.LogConnection("disconnected", s.conn.RemoteAddr().String())
	}
}

// Closed reports whether the session has been shut down.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Getters and setters with proper locking

// ID returns the unique session identifier.
func (s *Session) ID() string {
	return s.id
}

// RemoteAddr returns the remote address of the client connection.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// IsSubscribed returns whether the session has completed subscribe.
func (s *Session) IsSubscribed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscribed
}

// SetSubscribed sets the subscription status of the session.
func (s *Session) SetSubscribed(subscribed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed = subscribed
}

// IsAuthorized returns whether the session has completed authorize.
func (s *Session) IsAuthorized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authorized
}

// SetAuthorized sets the authorization status of the session.
func (s *Session) SetAuthorized(authorized bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authorized = authorized
}

// MinerID returns the authenticated miner identifier.
func (s *Session) MinerID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.minerID
}

// SetMinerID sets the authenticated miner identifier.
func (s *Session) SetMinerID(minerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.minerID = minerID
}

// WorkerName returns the worker name for this session.
func (s *Session) WorkerName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workerName
}

// SetWorkerName sets the worker name for this session.
func (s *Session) SetWorkerName(workerName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workerName = workerName
}

// ExtraNonce returns the extranonce assigned to this session.
func (s *Session) ExtraNonce() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.extraNonce
}

// SetExtraNonce sets the extranonce for this session.
func (s *Session) SetExtraNonce(extraNonce string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extraNonce = extraNonce
}

// Difficulty returns the current difficulty target for this session.
func (s *Session) Difficulty() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.difficulty
}

// SetDifficulty sets the difficulty target for this session.
func (s *Session) SetDifficulty(difficulty uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.difficulty = difficulty
}

// RecordShare records a share submission timestamp.
func (s *Session) RecordShare() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastShareTime = time.Now()
	s.shareCount++
}

// ShareCount returns the number of shares submitted on this session.
func (s *Session) ShareCount() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shareCount
}

// LastShareTime returns when the session last submitted a share.
func (s *Session) LastShareTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastShareTime
}

// MessageHandler interface for handling Stratum messages
type MessageHandler interface {
	HandleMessage(ctx context.Context, session *Session, msg *Message) error
}
