package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/pusher/internal/observability"
	"github.com/cory-johannsen/pusher/internal/protocol"
)

// ErrSessionEnded is returned when sending on a session that has ended.
var ErrSessionEnded = errors.New("session ended")

// ReasonShuttingDown is the close reason of sessions ended by a server shutdown.
const ReasonShuttingDown = "server shutting down"

// errQueueFull is returned when the send queue of a session is full.
var errQueueFull = errors.New("send queue full")

// Conn is the subset of *websocket.Conn a Session writes to.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// ChatConn is the chat sub-connection of a session. Stanzas sent by the
// client are relayed to it.
type ChatConn interface {
	Send(stanza string) error
	Close() error
}

// SessionConfig holds the identity and tuning of a Session.
type SessionConfig struct {
	UserID string
	UUID   string
	Tags   []string
	// FlushInterval is how long sub-messages accumulate before a batch
	// frame is queued. Zero queues every sub-message immediately.
	FlushInterval time.Duration
	// QueueSize is the number of frames buffered for the writer.
	QueueSize int
	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration
	Metrics      *observability.Metrics
}

// Session is the server side of one client connection. Sub-messages
// emitted by rooms accumulate into a pending batch that is flushed as one
// frame; frames are written by a single WritePump goroutine.
type Session struct {
	id      string
	userID  string
	uuid    string
	tags    map[string]struct{}
	conn    Conn
	cfg     SessionConfig
	metrics *observability.Metrics
	logger  *zap.Logger

	disconnecting atomic.Bool
	send          chan []byte
	quit          chan struct{}

	mu          sync.Mutex
	roomID      string
	pending     []*protocol.SubMessage
	timer       *time.Timer
	chat        ChatConn
	ended       bool
	closeCode   int
	closeReason string
}

// NewSession wraps conn. The caller must run WritePump.
//
// Precondition: conn and logger must be non-nil.
// Postcondition: Returns a Session with a fresh connection id.
func NewSession(conn Conn, cfg SessionConfig, logger *zap.Logger) *Session {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	tags := make(map[string]struct{}, len(cfg.Tags))
	for _, t := range cfg.Tags {
		tags[t] = struct{}{}
	}
	id := uuid.NewString()
	return &Session{
		id:      id,
		userID:  cfg.UserID,
		uuid:    cfg.UUID,
		tags:    tags,
		conn:    conn,
		cfg:     cfg,
		metrics: cfg.Metrics,
		logger:  logger.With(zap.String("session", id), zap.String("user", cfg.UserID)),
		send:    make(chan []byte, cfg.QueueSize),
		quit:    make(chan struct{}),
	}
}

// ID returns the connection id.
func (s *Session) ID() string { return s.id }

// UserID returns the authenticated user id.
func (s *Session) UserID() string { return s.userID }

// UUID returns the client instance id.
func (s *Session) UUID() string { return s.uuid }

// HasTag reports whether the session carries tag.
func (s *Session) HasTag(tag string) bool {
	_, ok := s.tags[tag]
	return ok
}

func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

func (s *Session) SetRoomID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomID = id
}

func (s *Session) SetDisconnecting()   { s.disconnecting.Store(true) }
func (s *Session) Disconnecting() bool { return s.disconnecting.Load() }

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} { return s.quit }

// CloseStatus returns the code and reason the session ended with.
func (s *Session) CloseStatus() (code int, reason string, ended bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode, s.closeReason, s.ended
}

// EmitInBatch appends sub to the pending batch and arms the flush timer.
func (s *Session) EmitInBatch(sub *protocol.SubMessage) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, sub)
	overflow := false
	if s.cfg.FlushInterval <= 0 {
		overflow = errors.Is(s.flushLocked(), errQueueFull)
	} else if s.timer == nil {
		s.timer = time.AfterFunc(s.cfg.FlushInterval, s.Flush)
	}
	s.mu.Unlock()
	if overflow {
		s.overflow()
	}
}

// Flush queues the pending batch as one frame.
func (s *Session) Flush() {
	s.mu.Lock()
	err := s.flushLocked()
	s.mu.Unlock()
	if errors.Is(err, errQueueFull) {
		s.overflow()
	}
}

func (s *Session) flushLocked() error {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if len(s.pending) == 0 {
		return nil
	}
	env := &protocol.Envelope{Payload: &protocol.Batch{Payload: s.pending}}
	s.pending = nil
	return s.enqueueLocked(protocol.EncodeEnvelope(env))
}

func (s *Session) enqueueLocked(frame []byte) error {
	if s.ended {
		return ErrSessionEnded
	}
	select {
	case s.send <- frame:
		return nil
	default:
		return errQueueFull
	}
}

func (s *Session) overflow() {
	s.metrics.QueueOverflow()
	s.logger.Warn("send queue overflow, disconnecting client")
	s.End(websocket.CloseTryAgainLater, "send queue overflow")
}

// Send queues env after any pending batch.
func (s *Session) Send(env *protocol.Envelope) error {
	s.mu.Lock()
	err := s.flushLocked()
	if err == nil {
		err = s.enqueueLocked(protocol.EncodeEnvelope(env))
	}
	s.mu.Unlock()
	if errors.Is(err, errQueueFull) {
		s.overflow()
	}
	return err
}

// SendSettings sends the chat identity and room list of the session.
func (s *Session) SendSettings(settings *protocol.XmppSettings) error {
	return s.Send(&protocol.Envelope{Payload: settings})
}

// SendConnectionStatus tells the client whether its chat sub-connection is up.
func (s *Session) SendConnectionStatus(status protocol.ConnectionStatus) error {
	return s.Send(&protocol.Envelope{Payload: &protocol.ConnectionStatusChange{Status: status}})
}

// SetChat attaches the chat sub-connection. A session that has already ended
// closes c immediately.
func (s *Session) SetChat(c ChatConn) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		_ = c.Close()
		return
	}
	prev := s.chat
	s.chat = c
	s.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
	_ = s.SendConnectionStatus(protocol.ConnectionStatusConnected)
}

// CloseChat closes the chat sub-connection, if any, and tells the client.
func (s *Session) CloseChat() {
	s.mu.Lock()
	c := s.chat
	s.chat = nil
	ended := s.ended
	s.mu.Unlock()
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		s.logger.Debug("closing chat connection", zap.Error(err))
	}
	if !ended {
		_ = s.SendConnectionStatus(protocol.ConnectionStatusDisconnected)
	}
}

// RelayStanza forwards a stanza sent by the client to the chat
// sub-connection. Without one the stanza is dropped.
func (s *Session) RelayStanza(stanza string) error {
	s.mu.Lock()
	c := s.chat
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	if err := c.Send(stanza); err != nil {
		return fmt.Errorf("relaying stanza: %w", err)
	}
	return nil
}

// End flushes the pending batch and closes the socket with code and reason
// once the writer has drained. Only the first call has an effect.
func (s *Session) End(code int, reason string) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	_ = s.flushLocked()
	s.ended = true
	s.closeCode, s.closeReason = code, reason
	s.mu.Unlock()

	close(s.quit)
	s.CloseChat()
	s.logger.Debug("session ended", zap.Int("code", code), zap.String("reason", reason))
}

// WritePump writes queued frames until the session ends or ctx is done, then
// sends a close frame and closes the socket.
//
// Postcondition: the socket is closed. The error is nil unless a write failed.
func (s *Session) WritePump(ctx context.Context) error {
	defer s.conn.Close()
	for {
		select {
		case frame := <-s.send:
			if err := s.write(frame); err != nil {
				s.End(websocket.CloseAbnormalClosure, "write failed")
				return fmt.Errorf("writing frame: %w", err)
			}
		case <-s.quit:
			return s.drainAndClose()
		case <-ctx.Done():
			s.End(websocket.CloseGoingAway, ReasonShuttingDown)
			return s.drainAndClose()
		}
	}
}

func (s *Session) drainAndClose() error {
	for drained := false; !drained; {
		select {
		case frame := <-s.send:
			if err := s.write(frame); err != nil {
				return fmt.Errorf("writing frame: %w", err)
			}
		default:
			drained = true
		}
	}
	code, reason, _ := s.CloseStatus()
	if code == websocket.CloseAbnormalClosure || code == websocket.CloseNoStatusReceived {
		return nil
	}
	msg := websocket.FormatCloseMessage(code, reason)
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteTimeout)); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		s.logger.Debug("writing close frame", zap.Error(err))
	}
	return nil
}

func (s *Session) write(frame []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}
