package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/pusher/internal/observability"
	"github.com/cory-johannsen/pusher/internal/protocol"
)

type fakeConn struct {
	mu       sync.Mutex
	frames   [][]byte
	control  []byte
	closed   bool
	writeErr error
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	if messageType != websocket.BinaryMessage {
		return errors.New("unexpected message type")
	}
	c.frames = append(c.frames, data)
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if messageType == websocket.CloseMessage {
		c.control = data
	}
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) envelopes(t *testing.T) []*protocol.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*protocol.Envelope, 0, len(c.frames))
	for _, f := range c.frames {
		env, err := protocol.DecodeEnvelope(f)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

func (c *fakeConn) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeChat struct {
	mu     sync.Mutex
	sent   []string
	closed int
}

func (c *fakeChat) Send(stanza string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, stanza)
	return nil
}

func (c *fakeChat) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

// runPump starts the write pump and returns a channel yielding its result.
func runPump(t *testing.T, s *Session) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- s.WritePump(ctx) }()
	return done
}

func awaitPump(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(waitFor):
		t.Fatal("write pump did not stop")
		return nil
	}
}

func sub(name string) *protocol.SubMessage {
	return &protocol.SubMessage{Payload: &protocol.Variable{Name: name}}
}

func TestSession_BatchesWithinFlushWindow(t *testing.T) {
	conn := &fakeConn{}
	s := NewSession(conn, SessionConfig{UserID: "u", FlushInterval: 20 * time.Millisecond}, zaptest.NewLogger(t))
	done := runPump(t, s)

	s.EmitInBatch(sub("a"))
	s.EmitInBatch(sub("b"))
	s.EmitInBatch(sub("c"))

	require.Eventually(t, func() bool { return conn.frameCount() == 1 }, waitFor, tick)
	env := conn.envelopes(t)[0]
	require.Equal(t, protocol.CaseBatch, env.Case())
	batch := env.Payload.(*protocol.Batch)
	require.Len(t, batch.Payload, 3)
	for i, name := range []string{"a", "b", "c"} {
		assert.Equal(t, name, batch.Payload[i].Payload.(*protocol.Variable).Name)
	}

	s.End(websocket.CloseNormalClosure, "")
	assert.NoError(t, awaitPump(t, done))
}

func TestSession_ZeroFlushIntervalSendsImmediately(t *testing.T) {
	conn := &fakeConn{}
	s := NewSession(conn, SessionConfig{}, zaptest.NewLogger(t))
	done := runPump(t, s)

	s.EmitInBatch(sub("a"))
	s.EmitInBatch(sub("b"))
	require.Eventually(t, func() bool { return conn.frameCount() == 2 }, waitFor, tick)

	s.End(websocket.CloseNormalClosure, "")
	assert.NoError(t, awaitPump(t, done))
}

func TestSession_EndFlushesThenCloses(t *testing.T) {
	conn := &fakeConn{}
	s := NewSession(conn, SessionConfig{FlushInterval: time.Hour}, zaptest.NewLogger(t))
	done := runPump(t, s)

	s.EmitInBatch(sub("last"))
	s.SetDisconnecting()
	s.End(CloseCodeBackend, ReasonBackendError)
	s.End(websocket.CloseNormalClosure, "second call ignored")
	require.NoError(t, awaitPump(t, done))

	envs := conn.envelopes(t)
	require.Len(t, envs, 1)
	assert.Equal(t, "last", envs[0].Payload.(*protocol.Batch).Payload[0].Payload.(*protocol.Variable).Name)
	assert.Equal(t, websocket.FormatCloseMessage(CloseCodeBackend, ReasonBackendError), conn.control)
	assert.True(t, conn.isClosed())
	assert.True(t, s.Disconnecting())

	code, reason, ended := s.CloseStatus()
	assert.True(t, ended)
	assert.Equal(t, CloseCodeBackend, code)
	assert.Equal(t, ReasonBackendError, reason)

	s.EmitInBatch(sub("dropped"))
	assert.ErrorIs(t, s.SendConnectionStatus(protocol.ConnectionStatusConnected), ErrSessionEnded)
}

func TestSession_QueueOverflowEndsSession(t *testing.T) {
	metrics := observability.NewMetrics()
	conn := &fakeConn{}
	s := NewSession(conn, SessionConfig{QueueSize: 1, Metrics: metrics}, zaptest.NewLogger(t))

	s.EmitInBatch(sub("fits"))
	s.EmitInBatch(sub("overflows"))

	code, reason, ended := s.CloseStatus()
	require.True(t, ended)
	assert.Equal(t, websocket.CloseTryAgainLater, code)
	assert.Equal(t, "send queue overflow", reason)
	assert.Equal(t, 1.0, metricValue(t, metrics.Registry(), "pusher_send_queue_overflows_total", nil))

	done := runPump(t, s)
	require.NoError(t, awaitPump(t, done))
	assert.Equal(t, 1, conn.frameCount())
}

func TestSession_SettingsPrecedeLaterBatches(t *testing.T) {
	conn := &fakeConn{}
	s := NewSession(conn, SessionConfig{FlushInterval: time.Hour}, zaptest.NewLogger(t))
	done := runPump(t, s)

	s.EmitInBatch(sub("early"))
	require.NoError(t, s.SendSettings(&protocol.XmppSettings{Jid: "u@chat.local"}))
	s.End(websocket.CloseNormalClosure, "")
	require.NoError(t, awaitPump(t, done))

	envs := conn.envelopes(t)
	require.Len(t, envs, 2)
	assert.Equal(t, protocol.CaseBatch, envs[0].Case())
	assert.Equal(t, protocol.CaseSettings, envs[1].Case())
}

func TestSession_ChatLifecycle(t *testing.T) {
	conn := &fakeConn{}
	s := NewSession(conn, SessionConfig{}, zaptest.NewLogger(t))
	done := runPump(t, s)

	require.NoError(t, s.RelayStanza("<presence/>"), "no chat connection is a no-op")

	chat := &fakeChat{}
	s.SetChat(chat)
	require.NoError(t, s.RelayStanza("<message><body>hi</body></message>"))
	s.CloseChat()
	s.CloseChat()

	require.Eventually(t, func() bool { return conn.frameCount() == 2 }, waitFor, tick)
	envs := conn.envelopes(t)
	assert.Equal(t, protocol.ConnectionStatusConnected, envs[0].Payload.(*protocol.ConnectionStatusChange).Status)
	assert.Equal(t, protocol.ConnectionStatusDisconnected, envs[1].Payload.(*protocol.ConnectionStatusChange).Status)
	assert.Equal(t, []string{"<message><body>hi</body></message>"}, chat.sent)
	assert.Equal(t, 1, chat.closed)

	s.End(websocket.CloseNormalClosure, "")
	require.NoError(t, awaitPump(t, done))

	late := &fakeChat{}
	s.SetChat(late)
	assert.Equal(t, 1, late.closed, "an ended session closes a late chat connection")
}

func TestSession_ContextCancelGoesAway(t *testing.T) {
	conn := &fakeConn{}
	s := NewSession(conn, SessionConfig{}, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.WritePump(ctx) }()

	cancel()
	require.NoError(t, awaitPump(t, done))
	code, _, ended := s.CloseStatus()
	assert.True(t, ended)
	assert.Equal(t, websocket.CloseGoingAway, code)
	assert.True(t, conn.isClosed())
}

func TestSession_WriteFailureEndsSession(t *testing.T) {
	conn := &fakeConn{writeErr: errors.New("broken pipe")}
	s := NewSession(conn, SessionConfig{}, zaptest.NewLogger(t))
	done := runPump(t, s)

	s.EmitInBatch(sub("a"))
	assert.Error(t, awaitPump(t, done))
	_, _, ended := s.CloseStatus()
	assert.True(t, ended)
	assert.Nil(t, conn.control, "no close frame after a failed write")
}

func TestSession_Tags(t *testing.T) {
	s := NewSession(&fakeConn{}, SessionConfig{Tags: []string{"vip", "staff"}}, zaptest.NewLogger(t))
	assert.True(t, s.HasTag("vip"))
	assert.False(t, s.HasTag("admin"))
	assert.NotEmpty(t, s.ID())
	assert.NotEqual(t, s.ID(), NewSession(&fakeConn{}, SessionConfig{}, zaptest.NewLogger(t)).ID())
}
