package stratum

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bardlex/gomp/pkg/log"
)

// State is a session's position in the per-connection protocol state
// machine. Transitions only move forward: Connected -> Subscribed ->
// Authorized -> Active, with Closed terminal from anywhere. Banned is a
// synthetic closed state for connections refused before entering the
// machine.
type State int32

const (
	StateConnected State = iota
	StateSubscribed
	StateAuthorized
	StateActive
	StateClosed
	StateBanned
)

// String returns the state name for logs.
func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateAuthorized:
		return "authorized"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	case StateBanned:
		return "banned"
	default:
		return "unknown"
	}
}

// maxParseFailures is the spam filter: a connection feeding this many
// unparseable lines is cut off rather than answered forever.
const maxParseFailures = 10

// Session represents one miner connection working through the Stratum
// state machine. The coordinator knows it only by its int64 session ID;
// the Session itself owns the socket, the outbound queue, and the
// protocol-ordering checks.
type Session struct {
	id     int64
	conn   net.Conn
	logger *log.Logger

	// Protocol state
	state       State
	username    string
	workerName  string
	extraNonce1 string
	minerID     int64
	workerID    int64
	difficulty  int64

	// Bookkeeping
	connectedAt  time.Time
	lastActivity time.Time
	parseErrors  int

	// Connection management
	readTimeout  time.Duration
	writeTimeout time.Duration

	// Channels for communication
	outbound chan []byte
	done     chan struct{}

	// Synchronization
	mu sync.RWMutex
}

// NewSession creates a Session in StateConnected. extraNonce1 was assigned
// by the coordinator at admission time and stays fixed for the life of the
// connection.
func NewSession(id int64, extraNonce1 string, conn net.Conn, logger *log.Logger, readTimeout, writeTimeout time.Duration) *Session {
	now := time.Now()
	return &Session{
		id:           id,
		conn:         conn,
		logger:       logger.WithFields("session_id", id, "remote_addr", conn.RemoteAddr().String()),
		state:        StateConnected,
		extraNonce1:  extraNonce1,
		connectedAt:  now,
		lastActivity: now,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		outbound:     make(chan []byte, 100),
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

	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(GetBuffer(), maxLineSize)

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

		s.touch()
		s.logger.LogStratumMessage("received", string(line))

		msg, err := ParseMessage(line)
		if err != nil {
			// Invalid JSON gets error 20; the session stays in its state
			// until it has burned through the spam allowance.
			s.logger.WithError(err).Warn("unparseable stratum line")
			if sendErr := s.SendMessage(NewErrorResponse(nil, ErrorUnknown)); sendErr != nil {
				s.logger.WithError(sendErr).Error("failed to send parse error")
			}
			s.mu.Lock()
			s.parseErrors++
			tripped := s.parseErrors >= maxParseFailures
			s.mu.Unlock()
			if tripped {
				s.logger.Warn("spam filter tripped, closing session")
				return nil
			}
			continue
		}

		if err := handler.HandleMessage(ctx, s, msg); err != nil {
			s.logger.WithError(err).Error("failed to handle message")
		}
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

// Close closes the session
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return // Already closed
	default:
		s.state = StateClosed
		close(s.done)
		s.logger.LogConnection("disconnected", s.conn.RemoteAddr().String())
	}
}

// touch refreshes the last-activity instant on any inbound traffic.
func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// ID returns the coordinator-assigned session identifier.
func (s *Session) ID() int64 {
	return s.id
}

// RemoteAddr returns the remote address of the client connection.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// RemoteIP returns just the host portion of the remote address, the key
// the per-IP admission cap is tracked under.
func (s *Session) RemoteIP() string {
	host, _, err := net.SplitHostPort(s.conn.RemoteAddr().String())
	if err != nil {
		return s.conn.RemoteAddr().String()
	}
	return host
}

// State returns the session's current protocol state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// advance moves the state machine forward. Backward transitions are
// ignored: once Active, a re-authorize does not demote the session, and
// nothing ever leaves Closed.
func (s *Session) advance(to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || s.state == StateBanned {
		return
	}
	if to > s.state {
		s.state = to
	}
}

// MarkSubscribed records a successful mining.subscribe.
func (s *Session) MarkSubscribed() {
	s.advance(StateSubscribed)
}

// MarkAuthorized records a successful mining.authorize and the identity it
// bound.
func (s *Session) MarkAuthorized(username, workerName string, minerID, workerID, difficulty int64) {
	s.mu.Lock()
	s.username = username
	s.workerName = workerName
	s.minerID = minerID
	s.workerID = workerID
	s.difficulty = difficulty
	s.mu.Unlock()
	s.advance(StateAuthorized)
}

// MarkActive records the first accepted share. Authorized and Active route
// identically; the split only matters for stats.
func (s *Session) MarkActive() {
	s.advance(StateActive)
}

// CanSubmit reports whether mining.submit is permitted in the current
// state.
func (s *Session) CanSubmit() bool {
	st := s.State()
	return st == StateAuthorized || st == StateActive
}

// Username returns the full username presented at authorize time.
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// WorkerName returns the worker half of the username, if any.
func (s *Session) WorkerName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workerName
}

// MinerID returns the store ID of the miner bound at authorize time.
func (s *Session) MinerID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.minerID
}

// WorkerID returns the store ID of the worker bound at authorize time.
func (s *Session) WorkerID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workerID
}

// ExtraNonce1 returns the pool-assigned extranonce1 for this session.
func (s *Session) ExtraNonce1() string {
	return s.extraNonce1
}

// Difficulty returns the difficulty last pushed to this session.
func (s *Session) Difficulty() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.difficulty
}

// SetDifficulty records the difficulty pushed via mining.set_difficulty.
// Miners apply it to subsequent work, so this is bookkeeping only; the
// worker's authoritative difficulty lives in the entity store.
func (s *Session) SetDifficulty(difficulty int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.difficulty = difficulty
}

// ConnectedAt returns when the connection was accepted.
func (s *Session) ConnectedAt() time.Time {
	return s.connectedAt
}

// LastActivity returns the instant of the last inbound traffic.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// MessageHandler interface for handling Stratum messages
type MessageHandler interface {
	HandleMessage(ctx context.Context, session *Session, msg *Message) error
}
