package backend

import (
	"context"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cory-johannsen/pusher/internal/protocol"
)

// hubItem is one unit delivered to a stream: a batch, a clean end or a
// failure. Items of one subscriber share a channel so an end never
// overtakes the batches published before it.
type hubItem struct {
	batch *protocol.BackendBatch
	end   bool
	err   error
}

type hubSubscriber struct {
	items chan hubItem
	done  chan struct{}
}

// Hub is an in-process RoomServiceServer. Events published to a room reach
// every stream currently listening on it, in publication order.
type Hub struct {
	logger *zap.Logger

	mu      sync.Mutex
	rooms   map[string]map[*hubSubscriber]struct{}
	changed chan struct{}
}

// NewHub creates an empty Hub.
//
// Precondition: logger must be non-nil.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:  logger,
		rooms:   make(map[string]map[*hubSubscriber]struct{}),
		changed: make(chan struct{}),
	}
}

// ListenRoom implements RoomServiceServer.
func (h *Hub) ListenRoom(req *protocol.RoomRequest, stream grpc.ServerStreamingServer[protocol.BackendBatch]) error {
	if req.RoomID == "" {
		return status.Error(codes.InvalidArgument, "room id is required")
	}
	sub := h.subscribe(req.RoomID)
	defer h.unsubscribe(req.RoomID, sub)
	h.logger.Debug("room stream opened", zap.String("room", req.RoomID))

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		case it := <-sub.items:
			switch {
			case it.err != nil:
				return it.err
			case it.end:
				return nil
			}
			if err := stream.Send(it.batch); err != nil {
				return err
			}
		}
	}
}

// Publish sends one batch holding events to every listener of roomID and
// returns how many listeners it reached.
func (h *Hub) Publish(roomID string, events ...*protocol.BackendEvent) int {
	subs := h.snapshot(roomID, false)
	batch := &protocol.BackendBatch{Payload: events}
	for _, s := range subs {
		s.deliver(hubItem{batch: batch})
	}
	return len(subs)
}

// CloseRoom ends every stream of roomID cleanly.
func (h *Hub) CloseRoom(roomID string) int {
	subs := h.snapshot(roomID, true)
	for _, s := range subs {
		s.deliver(hubItem{end: true})
	}
	return len(subs)
}

// FailRoom ends every stream of roomID with an Unavailable status carrying msg.
func (h *Hub) FailRoom(roomID, msg string) int {
	subs := h.snapshot(roomID, true)
	err := status.Error(codes.Unavailable, msg)
	for _, s := range subs {
		s.deliver(hubItem{err: err})
	}
	return len(subs)
}

// Subscribers returns the number of streams listening on roomID.
func (h *Hub) Subscribers(roomID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[roomID])
}

// WaitForSubscribers blocks until roomID has exactly n listeners or ctx ends.
func (h *Hub) WaitForSubscribers(ctx context.Context, roomID string, n int) error {
	for {
		h.mu.Lock()
		got, changed := len(h.rooms[roomID]), h.changed
		h.mu.Unlock()
		if got == n {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

func (h *Hub) subscribe(roomID string) *hubSubscriber {
	sub := &hubSubscriber{items: make(chan hubItem, 16), done: make(chan struct{})}
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.rooms[roomID]
	if !ok {
		subs = make(map[*hubSubscriber]struct{})
		h.rooms[roomID] = subs
	}
	subs[sub] = struct{}{}
	h.notifyLocked()
	return sub
}

func (h *Hub) unsubscribe(roomID string, sub *hubSubscriber) {
	close(sub.done)
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.rooms[roomID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.rooms, roomID)
		}
	}
	h.notifyLocked()
}

// snapshot copies the listeners of roomID, removing them when detach is set.
func (h *Hub) snapshot(roomID string, detach bool) []*hubSubscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.rooms[roomID]
	out := make([]*hubSubscriber, 0, len(subs))
	for s := range subs {
		out = append(out, s)
	}
	if detach && len(subs) > 0 {
		delete(h.rooms, roomID)
		h.notifyLocked()
	}
	return out
}

func (h *Hub) notifyLocked() {
	close(h.changed)
	h.changed = make(chan struct{})
}

func (s *hubSubscriber) deliver(it hubItem) {
	select {
	case s.items <- it:
	case <-s.done:
	}
}

// NewServer returns a gRPC server with the Hub registered and the
// OpenTelemetry server stats handler installed.
func NewServer(hub *Hub, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.StatsHandler(otelgrpc.NewServerHandler())}, opts...)
	srv := grpc.NewServer(opts...)
	RegisterRoomServiceServer(srv, hub)
	return srv
}
