// Package gateway multiplexes one backend room stream onto the client
// sessions joined to that room.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/cory-johannsen/pusher/internal/backend"
	"github.com/cory-johannsen/pusher/internal/observability"
	"github.com/cory-johannsen/pusher/internal/protocol"
)

var (
	// ErrRoomClosed is returned when joining a room that is shutting down.
	ErrRoomClosed = errors.New("room closed")
	// ErrBackendUnavailable is returned by Init when the room stream cannot
	// be opened.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrProtocolViolation reports a backend event this gateway does not
	// understand. It tears the room down.
	ErrProtocolViolation = errors.New("protocol violation")
)

// Close reasons sent to clients when the backend side of a room goes away.
const (
	ReasonBackendError      = "connection error between gateway and backend"
	ReasonBackendClosed     = "connection closed between gateway and backend"
	ReasonProtocolViolation = "protocol violation between gateway and backend"
)

// CloseCodeBackend is the websocket close code used for every backend failure.
const CloseCodeBackend = websocket.CloseInternalServerErr

// Listener is a client session as seen by a room.
type Listener interface {
	ID() string
	HasTag(tag string) bool
	// EmitInBatch queues sub for the next batch frame.
	EmitInBatch(sub *protocol.SubMessage)
	SetDisconnecting()
	// End closes the client socket with code and reason.
	End(code int, reason string)
	// CloseChat closes the chat sub-connection, if any.
	CloseChat()
}

// State is the lifecycle stage of a Room.
type State int32

const (
	StateCreated State = iota
	StateInitializing
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// RoomOptions holds the optional collaborators of a Room.
type RoomOptions struct {
	Tracker PositionTracker
	Metrics *observability.Metrics
	// OnClosed is called once, after the room reaches StateClosed.
	OnClosed func(*Room)
}

// Room owns the backend stream of one room and fans its events out to the
// generic and chat listeners joined to it.
type Room struct {
	id       string
	resolver backend.ClientResolver
	tracker  PositionTracker
	metrics  *observability.Metrics
	onClosed func(*Room)
	logger   *zap.Logger

	version atomic.Int64

	initOnce sync.Once
	initErr  error

	mu        sync.Mutex
	state     State
	cancel    context.CancelFunc
	listeners map[Listener]struct{}
	chat      map[Listener]struct{}
}

// NewRoom creates a room in StateCreated. No stream is opened until Init.
//
// Precondition: id must be non-empty; resolver and logger must be non-nil.
func NewRoom(id string, resolver backend.ClientResolver, logger *zap.Logger, opts RoomOptions) *Room {
	r := &Room{
		id:        id,
		resolver:  resolver,
		tracker:   opts.Tracker,
		metrics:   opts.Metrics,
		onClosed:  opts.OnClosed,
		logger:    logger.With(zap.String("room", id)),
		listeners: make(map[Listener]struct{}),
		chat:      make(map[Listener]struct{}),
	}
	if r.tracker == nil {
		r.tracker = NewViewportSet()
	}
	r.version.Store(1)
	return r
}

// ID returns the room identity.
func (r *Room) ID() string { return r.id }

// State returns the current lifecycle stage.
func (r *Room) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// IsClosing reports whether the room has started shutting down.
func (r *Room) IsClosing() bool {
	return r.State() >= StateClosing
}

// Init opens the backend stream. Only the first call does any work; later
// calls return its result. The stream outlives ctx, which bounds only the
// resolution and opening of the stream.
//
// Postcondition: on success the room is Active and receiving; on failure the
// room is Closed. The error wraps ErrBackendUnavailable when the backend
// failed, or ErrRoomClosed when the room closed or ctx ended first; callers
// whose own context is still live may retry with a new room.
func (r *Room) Init(ctx context.Context) error {
	r.initOnce.Do(func() {
		r.initErr = r.init(ctx)
	})
	return r.initErr
}

func (r *Room) init(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateCreated {
		r.mu.Unlock()
		return fmt.Errorf("initializing room %q: %w", r.id, ErrRoomClosed)
	}
	r.state = StateInitializing
	streamCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.mu.Unlock()

	client, err := r.resolver.ClientForRoom(ctx, r.id)
	if err != nil {
		return r.failInit(ctx, "resolving backend for room", err)
	}

	stop := context.AfterFunc(ctx, cancel)
	stream, err := client.ListenRoom(streamCtx, &protocol.RoomRequest{RoomID: r.id})
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return r.failInit(ctx, "opening room stream", err)
	}

	r.mu.Lock()
	if r.state != StateInitializing {
		r.mu.Unlock()
		cancel()
		return fmt.Errorf("initializing room %q: %w", r.id, ErrRoomClosed)
	}
	r.state = StateActive
	r.mu.Unlock()

	r.metrics.RoomOpened()
	r.logger.Debug("room stream opened")
	go r.receive(stream)
	return nil
}

func (r *Room) failInit(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		r.Close()
		r.logger.Debug("room initialization abandoned", zap.String("op", op), zap.Error(err))
		return fmt.Errorf("initializing room %q: %w: %w", r.id, ErrRoomClosed, context.Cause(ctx))
	}
	if !r.teardown(ReasonBackendError) {
		return fmt.Errorf("initializing room %q: %w", r.id, ErrRoomClosed)
	}
	r.logger.Warn("room stream unavailable", zap.String("op", op), zap.Error(err))
	r.metrics.BackendFailure(observability.FailureUnavailable)
	return fmt.Errorf("%w: %s %q: %w", ErrBackendUnavailable, op, r.id, err)
}

func (r *Room) receive(stream grpc.ServerStreamingClient[protocol.BackendBatch]) {
	for {
		batch, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			r.fail(ReasonBackendClosed, observability.FailureClosed, nil)
			return
		}
		if err != nil {
			r.fail(ReasonBackendError, observability.FailureError, err)
			return
		}
		if err := r.dispatch(batch); err != nil {
			r.logger.Error("backend protocol violation", zap.Error(err))
			r.metrics.ProtocolViolation()
			r.fail(ReasonProtocolViolation, observability.FailureViolation, err)
			return
		}
	}
}

// fail tears the room down on behalf of the backend unless it is already
// closing, which is the case when Close cancelled the stream.
func (r *Room) fail(reason, label string, cause error) {
	if r.IsClosing() {
		return
	}
	r.logger.Warn("room stream ended", zap.String("cause", label), zap.Error(cause))
	r.metrics.BackendFailure(label)
	r.teardown(reason)
}

// dispatch forwards every event of batch in order. It returns an error
// wrapping ErrProtocolViolation at the first event of an unknown case;
// events before it have already been forwarded.
func (r *Room) dispatch(batch *protocol.BackendBatch) error {
	r.mu.Lock()
	if r.state != StateActive {
		r.mu.Unlock()
		return nil
	}
	generic := members(r.listeners)
	chat := members(r.chat)
	r.mu.Unlock()

	for _, ev := range batch.Payload {
		switch p := ev.Payload.(type) {
		case *protocol.Variable:
			sub := &protocol.SubMessage{Payload: p}
			for _, l := range generic {
				if p.ReadableBy == "" || l.HasTag(p.ReadableBy) {
					r.emit(l, sub)
				}
			}
		case *protocol.EditMapCommand, *protocol.ErrorMessage:
			sub := &protocol.SubMessage{Payload: p}
			for _, l := range generic {
				r.emit(l, sub)
			}
		case *protocol.JoinMucRoom, *protocol.LeaveMucRoom:
			sub := &protocol.SubMessage{Payload: p}
			for _, l := range chat {
				r.emit(l, sub)
			}
		default:
			return fmt.Errorf("%w: room %q: unknown backend event field %d", ErrProtocolViolation, r.id, ev.UnknownField)
		}
	}
	return nil
}

func (r *Room) emit(l Listener, sub *protocol.SubMessage) {
	l.EmitInBatch(sub)
	r.metrics.Dispatched(sub.Case().String())
}

// BroadcastChat queues sub for every chat listener and returns how many
// listeners it reached. Nothing is sent once the room is closing.
func (r *Room) BroadcastChat(sub *protocol.SubMessage) int {
	r.mu.Lock()
	if r.state != StateActive {
		r.mu.Unlock()
		return 0
	}
	chat := members(r.chat)
	r.mu.Unlock()
	for _, l := range chat {
		r.emit(l, sub)
	}
	return len(chat)
}

// teardown closes the room and ends every generic listener with reason. It
// reports whether this call performed the shutdown.
func (r *Room) teardown(reason string) bool {
	return r.shutdown(func(generic []Listener) {
		for _, l := range generic {
			l.SetDisconnecting()
			l.End(CloseCodeBackend, reason)
		}
	})
}

// Close stops the backend stream and closes the chat sub-connection of every
// generic listener. Client sockets are left open. Close is idempotent.
func (r *Room) Close() {
	r.shutdown(nil)
}

func (r *Room) shutdown(cascade func(generic []Listener)) bool {
	r.mu.Lock()
	if r.state >= StateClosing {
		r.mu.Unlock()
		return false
	}
	wasActive := r.state == StateActive
	r.state = StateClosing
	cancel := r.cancel
	generic := members(r.listeners)
	r.mu.Unlock()
	r.logger.Debug("room closing", zap.Int("listeners", len(generic)))

	if cancel != nil {
		cancel()
	}
	for _, l := range generic {
		l.CloseChat()
	}
	if cascade != nil {
		cascade(generic)
	}

	r.mu.Lock()
	r.state = StateClosed
	nGeneric, nChat := len(r.listeners), len(r.chat)
	clear(r.listeners)
	clear(r.chat)
	r.mu.Unlock()

	for i := 0; i < nGeneric; i++ {
		r.metrics.ListenerRemoved(observability.ListenerGeneric)
	}
	for i := 0; i < nChat; i++ {
		r.metrics.ListenerRemoved(observability.ListenerChat)
	}
	if wasActive {
		r.metrics.RoomClosed()
	}
	if r.onClosed != nil {
		r.onClosed(r)
	}
	return true
}

// Join registers l as a generic listener.
//
// Postcondition: returns ErrRoomClosed if the room is closing; otherwise l
// receives every later generic event visible to it.
func (r *Room) Join(l Listener) error {
	return r.add(r.listeners, l, observability.ListenerGeneric)
}

// JoinChat registers l as a chat listener.
func (r *Room) JoinChat(l Listener) error {
	return r.add(r.chat, l, observability.ListenerChat)
}

func (r *Room) add(set map[Listener]struct{}, l Listener, kind string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state >= StateClosing {
		return fmt.Errorf("joining room %q: %w", r.id, ErrRoomClosed)
	}
	if _, ok := set[l]; ok {
		return nil
	}
	set[l] = struct{}{}
	r.metrics.ListenerAdded(kind)
	return nil
}

// Leave removes l from the generic listeners, closes its chat sub-connection
// and forgets its viewport. It reports whether l was registered.
func (r *Room) Leave(l Listener) bool {
	removed := r.remove(r.listeners, l, observability.ListenerGeneric)
	l.CloseChat()
	r.tracker.RemoveViewport(l.ID())
	return removed
}

// LeaveChat removes l from the chat listeners and reports whether it was
// registered.
func (r *Room) LeaveChat(l Listener) bool {
	return r.remove(r.chat, l, observability.ListenerChat)
}

func (r *Room) remove(set map[Listener]struct{}, l Listener, kind string) bool {
	r.mu.Lock()
	_, ok := set[l]
	delete(set, l)
	r.mu.Unlock()
	if ok {
		r.metrics.ListenerRemoved(kind)
	}
	return ok
}

// IsEmpty reports whether no listener of either kind is registered.
func (r *Room) IsEmpty() bool {
	r.mu.Lock()
	empty := len(r.listeners) == 0 && len(r.chat) == 0
	r.mu.Unlock()
	if empty && r.tracker.Len() > 0 {
		r.logger.Warn("room has no listeners but still tracks viewports", zap.Int("viewports", r.tracker.Len()))
	}
	return empty
}

// Len returns the number of generic and chat listeners.
func (r *Room) Len() (generic, chat int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners), len(r.chat)
}

// NeedsUpdate stores v and returns true if v is greater than the stored
// version.
func (r *Room) NeedsUpdate(v int64) bool {
	for {
		cur := r.version.Load()
		if v <= cur {
			return false
		}
		if r.version.CompareAndSwap(cur, v) {
			return true
		}
	}
}

// Version returns the stored version number.
func (r *Room) Version() int64 { return r.version.Load() }

// SetViewport records the viewport of l.
func (r *Room) SetViewport(l Listener, vp Viewport) {
	r.tracker.SetViewport(l.ID(), vp)
}

func members(set map[Listener]struct{}) []Listener {
	out := make([]Listener, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	return out
}
