// Package chatclient is the client side of the gateway's /chat endpoint. A
// Conn keeps the socket alive with periodic pings, demultiplexes inbound
// envelopes onto typed streams and tunnels outbound chat stanzas.
package chatclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/pusher/internal/protocol"
	"github.com/cory-johannsen/pusher/internal/pubsub"
	"github.com/cory-johannsen/pusher/internal/stanza"
)

// DefaultPingInterval keeps a connection alive while the client is idle.
const DefaultPingInterval = 20 * time.Second

const (
	writeTimeout = 10 * time.Second
	closeTimeout = 5 * time.Second
)

// ErrNotOpen is returned when sending on a connection that is not open.
var ErrNotOpen = errors.New("connection not open")

// State is the lifecycle state of a Conn.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Options describes the connection to open.
type Options struct {
	// BaseURL is the gateway's http(s) or ws(s) URL.
	BaseURL string
	Token   string
	// RoomURL is sent as the playUri parameter.
	RoomURL string
	// UUID identifies the client. A random one is used when empty.
	UUID    string
	Version string
	// PingInterval defaults to DefaultPingInterval.
	PingInterval time.Duration
	BatchPolicy  protocol.BatchPolicy
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// CloseEvent describes how a connection that never became ready ended.
type CloseEvent struct {
	Code   int
	Reason string
	Err    error
}

func (e *CloseEvent) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("connection closed (%d): %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("connection closed (%d)", e.Code)
}

func (e *CloseEvent) Unwrap() error { return e.Err }

// Conn is one client connection to the gateway.
type Conn struct {
	opts   Options
	url    string
	logger *zap.Logger

	settings pubsub.Latest[*protocol.XmppSettings]
	messages pubsub.Topic[*stanza.Element]
	status   pubsub.Topic[protocol.ConnectionStatus]
	errs     pubsub.Topic[*CloseEvent]

	state          atomic.Int32
	established    atomic.Bool
	closeRequested atomic.Bool

	mu      sync.Mutex
	dialing bool
	writeMu sync.Mutex
	ws      *websocket.Conn

	stopPing  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	final     *CloseEvent
}

// New prepares a Conn in the connecting state. Subscribe to its streams,
// then call Connect.
//
// Precondition: opts.BaseURL and opts.RoomURL must be set.
func New(opts Options) (*Conn, error) {
	if opts.RoomURL == "" {
		return nil, errors.New("chatclient: room URL must be set")
	}
	if opts.UUID == "" {
		opts.UUID = uuid.NewString()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	endpoint, err := EndpointURL(opts)
	if err != nil {
		return nil, err
	}
	return &Conn{
		opts:     opts,
		url:      endpoint,
		logger:   opts.Logger.With(zap.String("room", opts.RoomURL), zap.String("uuid", opts.UUID)),
		stopPing: make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Dial creates a Conn and connects it.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	c, err := New(opts)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// EndpointURL builds <base>/chat?playUri=&token=&uuid=&version=, switching
// http to ws and https to wss.
func EndpointURL(opts Options) (string, error) {
	u, err := url.Parse(opts.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base URL %q: %w", opts.BaseURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("base URL %q: unsupported scheme %q", opts.BaseURL, u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	u.Path += "chat"
	u.RawQuery = url.Values{
		"playUri": {opts.RoomURL},
		"token":   {opts.Token},
		"uuid":    {opts.UUID},
		"version": {opts.Version},
	}.Encode()
	return u.String(), nil
}

// Connect opens the socket and starts the read and ping loops.
//
// Postcondition: on success the state is StateOpen. On failure the state is
// StateClosed and a CloseEvent is published on ConnectionErrors.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.State() != StateConnecting || c.dialing {
		c.mu.Unlock()
		return fmt.Errorf("chatclient: connect in state %s", c.State())
	}
	c.dialing = true
	c.mu.Unlock()

	ws, resp, err := c.opts.Dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		ev := &CloseEvent{Code: websocket.CloseAbnormalClosure, Err: err}
		if resp != nil {
			ev.Reason = resp.Status
			_ = resp.Body.Close()
		}
		c.finish(ev)
		return fmt.Errorf("dialing gateway: %w", ev)
	}

	c.mu.Lock()
	if c.closeRequested.Load() {
		c.mu.Unlock()
		_ = ws.Close()
		c.finish(&CloseEvent{Code: websocket.CloseNormalClosure})
		return ErrNotOpen
	}
	c.ws = ws
	c.state.Store(int32(StateOpen))
	c.mu.Unlock()

	c.logger.Debug("connection open")
	go c.pingLoop()
	go c.readLoop()
	return nil
}

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// Settings is the replay-latest stream of chat settings.
func (c *Conn) Settings() *pubsub.Latest[*protocol.XmppSettings] { return &c.settings }

// Messages streams every chat stanza received, in order.
func (c *Conn) Messages() *pubsub.Topic[*stanza.Element] { return &c.messages }

// ConnectionStatus streams chat sub-connection status changes.
func (c *Conn) ConnectionStatus() *pubsub.Topic[protocol.ConnectionStatus] { return &c.status }

// ConnectionErrors receives one event when the connection ends before the
// settings arrived without Close being called. Callers should retry.
func (c *Conn) ConnectionErrors() *pubsub.Topic[*CloseEvent] { return &c.errs }

// Done is closed once the connection has fully closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// CloseEvent returns how the connection ended, or nil while it is open.
func (c *Conn) CloseEvent() *CloseEvent {
	select {
	case <-c.done:
		return c.final
	default:
		return nil
	}
}

// Send tunnels el to the chat server. Delivery is not acknowledged.
func (c *Conn) Send(el *stanza.Element) error {
	return c.SendStanza(el.String())
}

// SendStanza tunnels a serialized stanza to the chat server.
func (c *Conn) SendStanza(s string) error {
	return c.write(protocol.EncodeEnvelope(&protocol.Envelope{Payload: &protocol.XmppMessage{Stanza: s}}))
}

func (c *Conn) write(frame []byte) error {
	if c.State() != StateOpen {
		return ErrNotOpen
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

// Close sends a normal close frame and waits for the gateway to close the
// socket. It never publishes on ConnectionErrors.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closeRequested.Store(true)
	switch c.State() {
	case StateConnecting:
		dialing := c.dialing
		c.mu.Unlock()
		if !dialing {
			c.finish(&CloseEvent{Code: websocket.CloseNormalClosure})
		}
		<-c.done
		return nil
	case StateOpen:
		swapped := c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))
		c.mu.Unlock()
		if !swapped {
			<-c.done
			return nil
		}
	default:
		c.mu.Unlock()
		<-c.done
		return nil
	}

	c.writeMu.Lock()
	err := c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
	c.writeMu.Unlock()
	if err != nil {
		_ = c.ws.Close()
	}
	select {
	case <-c.done:
	case <-time.After(closeTimeout):
		_ = c.ws.Close()
		<-c.done
	}
	return nil
}

func (c *Conn) pingLoop() {
	t := time.NewTicker(c.opts.PingInterval)
	defer t.Stop()
	ping := protocol.PingFrame()
	for {
		select {
		case <-t.C:
			if err := c.write(ping); err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
			}
		case <-c.stopPing:
			return
		}
	}
}

func (c *Conn) readLoop() {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			c.finish(closeEventFrom(err))
			return
		}
		if kind != websocket.BinaryMessage {
			c.logger.Debug("ignoring non-binary frame")
			continue
		}
		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			c.logger.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}
		c.route(env)
	}
}

func (c *Conn) route(env *protocol.Envelope) {
	switch msg := env.Payload.(type) {
	case *protocol.XmppSettings:
		c.established.Store(true)
		c.settings.Publish(msg)
	case *protocol.Batch:
		msg.Each(c.opts.BatchPolicy, func(sub *protocol.SubMessage) {
			x, ok := sub.Payload.(*protocol.XmppMessage)
			if !ok {
				return
			}
			el, err := stanza.Parse(x.Stanza)
			if err != nil {
				c.logger.Warn("dropping unparsable stanza", zap.Error(err))
				return
			}
			c.messages.Publish(el)
		})
	case *protocol.ConnectionStatusChange:
		c.status.Publish(msg.Status)
	}
}

func closeEventFrom(err error) *CloseEvent {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return &CloseEvent{Code: ce.Code, Reason: ce.Text, Err: err}
	}
	return &CloseEvent{Code: websocket.CloseAbnormalClosure, Err: err}
}

// finish stops the ping loop, releases the socket and reports a premature
// close. Only the first call has an effect.
func (c *Conn) finish(ev *CloseEvent) {
	c.closeOnce.Do(func() {
		close(c.stopPing)
		if c.ws != nil {
			_ = c.ws.Close()
		}
		c.state.Store(int32(StateClosed))
		c.final = ev
		premature := !c.established.Load() && !c.closeRequested.Load()
		c.logger.Debug("connection closed",
			zap.Int("code", ev.Code),
			zap.String("reason", ev.Reason),
			zap.Bool("premature", premature),
		)
		if premature {
			c.errs.Publish(ev)
		}
		close(c.done)
	})
}
