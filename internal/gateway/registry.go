package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/pusher/internal/backend"
	"github.com/cory-johannsen/pusher/internal/observability"
)

// joinAttempts bounds how often a join retries against a room that closed
// while the join was in progress.
const joinAttempts = 3

// Member is a Listener that remembers which room it joined. The registry
// resolves that id back to the room on leave.
type Member interface {
	Listener
	RoomID() string
	SetRoomID(id string)
}

// Registry owns every open Room of the process, keyed by room id. A room is
// created by the first join and removed when its last listener leaves or
// when it tears itself down.
type Registry struct {
	resolver   backend.ClientResolver
	metrics    *observability.Metrics
	logger     *zap.Logger
	newTracker func() PositionTracker

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewRegistry creates an empty Registry.
//
// Precondition: resolver and logger must be non-nil; metrics may be nil.
func NewRegistry(resolver backend.ClientResolver, metrics *observability.Metrics, logger *zap.Logger) *Registry {
	return &Registry{
		resolver:   resolver,
		metrics:    metrics,
		logger:     logger,
		newTracker: func() PositionTracker { return NewViewportSet() },
		rooms:      make(map[string]*Room),
	}
}

// Join registers m as a generic listener of roomID, opening the room's
// backend stream if the room is new.
//
// Postcondition: on success m.RoomID() == roomID. The error wraps
// ErrBackendUnavailable when the backend stream cannot be opened, or the
// cause of ctx when ctx ends first.
func (g *Registry) Join(ctx context.Context, roomID string, m Member) error {
	return g.join(ctx, roomID, m, (*Room).Join)
}

// JoinChat registers m as a chat listener of roomID.
func (g *Registry) JoinChat(ctx context.Context, roomID string, m Member) error {
	return g.join(ctx, roomID, m, (*Room).JoinChat)
}

func (g *Registry) join(ctx context.Context, roomID string, m Member, add func(*Room, Listener) error) error {
	if roomID == "" {
		return errors.New("joining room: empty room id")
	}
	for attempt := 0; attempt < joinAttempts; attempt++ {
		room := g.getOrCreate(roomID)
		if err := room.Init(ctx); err != nil {
			g.forget(room)
			if ctx.Err() != nil {
				return fmt.Errorf("joining room %q: %w", roomID, err)
			}
			// The room may have been opened under another joiner's context.
			if errors.Is(err, ErrRoomClosed) {
				continue
			}
			return err
		}

		g.mu.Lock()
		if g.rooms[roomID] != room {
			g.mu.Unlock()
			continue
		}
		err := add(room, m)
		g.mu.Unlock()
		if errors.Is(err, ErrRoomClosed) {
			continue
		}
		if err != nil {
			return err
		}
		m.SetRoomID(roomID)
		return nil
	}
	return fmt.Errorf("joining room %q: %w", roomID, ErrRoomClosed)
}

func (g *Registry) getOrCreate(roomID string) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	if room, ok := g.rooms[roomID]; ok {
		return room
	}
	room := NewRoom(roomID, g.resolver, g.logger, RoomOptions{
		Tracker:  g.newTracker(),
		Metrics:  g.metrics,
		OnClosed: g.forget,
	})
	g.rooms[roomID] = room
	return room
}

// forget drops room from the map if it is still the registered instance.
func (g *Registry) forget(room *Room) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rooms[room.ID()] == room {
		delete(g.rooms, room.ID())
	}
}

// Leave removes m from the generic listeners of its room and closes the room
// once it is empty. It reports whether m was registered.
func (g *Registry) Leave(m Member) bool {
	return g.leave(m, (*Room).Leave)
}

// LeaveChat removes m from the chat listeners of its room.
func (g *Registry) LeaveChat(m Member) bool {
	return g.leave(m, (*Room).LeaveChat)
}

func (g *Registry) leave(m Member, remove func(*Room, Listener) bool) bool {
	roomID := m.RoomID()
	if roomID == "" {
		return false
	}
	g.mu.Lock()
	room, ok := g.rooms[roomID]
	if !ok {
		g.mu.Unlock()
		return false
	}
	removed := remove(room, m)
	empty := removed && room.IsEmpty()
	if empty {
		delete(g.rooms, roomID)
	}
	g.mu.Unlock()

	if empty {
		g.logger.Debug("closing empty room", zap.String("room", roomID))
		room.Close()
	}
	return removed
}

// Room returns the open room with the given id, or nil.
func (g *Registry) Room(roomID string) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rooms[roomID]
}

// Len returns the number of open rooms.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// Shutdown closes every room. Rooms joined afterwards are created afresh.
func (g *Registry) Shutdown() {
	g.mu.Lock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	clear(g.rooms)
	g.mu.Unlock()

	for _, r := range rooms {
		r.Close()
	}
	g.logger.Info("registry shut down", zap.Int("rooms", len(rooms)))
}
