// Package chat provides the chat sub-connection used when no chat server is
// deployed. Stanzas sent by one member are delivered to every chat member of
// the same room.
package chat

import (
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/cory-johannsen/pusher/internal/gateway"
	"github.com/cory-johannsen/pusher/internal/protocol"
	"github.com/cory-johannsen/pusher/internal/stanza"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("chat connection closed")

// RoomLookup finds the live gateway for a room. gateway.Registry satisfies it.
type RoomLookup interface {
	Room(roomID string) *gateway.Room
}

// Loopback hands out chat connections that broadcast within a room.
type Loopback struct {
	rooms  RoomLookup
	logger *zap.Logger
}

// NewLoopback creates a Loopback over rooms.
//
// Precondition: rooms and logger must be non-nil.
func NewLoopback(rooms RoomLookup, logger *zap.Logger) *Loopback {
	return &Loopback{rooms: rooms, logger: logger}
}

// Dial opens a chat connection for jid in roomID.
func (l *Loopback) Dial(roomID, jid string) gateway.ChatConn {
	return &Conn{
		loopback: l,
		roomID:   roomID,
		jid:      jid,
		logger:   l.logger.With(zap.String("room", roomID), zap.String("jid", jid)),
	}
}

// Conn is one member's chat connection. It implements gateway.ChatConn.
type Conn struct {
	loopback *Loopback
	roomID   string
	jid      string
	logger   *zap.Logger
	closed   atomic.Bool
}

// Send stamps the stanza with the sender's jid and delivers it to every chat
// member of the room, the sender included. Only message and presence
// stanzas are routed; anything else is dropped.
//
// Postcondition: Returns ErrClosed after Close and stanza.ErrMalformed for
// unparsable input.
func (c *Conn) Send(raw string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	el, err := stanza.Parse(raw)
	if err != nil {
		return fmt.Errorf("chat stanza from %s: %w", c.jid, err)
	}
	if !el.Is("message") && !el.Is("presence") {
		c.logger.Debug("dropping unrouted stanza", zap.String("name", el.Name))
		return nil
	}
	el.SetAttr("from", c.jid)

	room := c.loopback.rooms.Room(c.roomID)
	if room == nil {
		c.logger.Debug("room gone, dropping stanza")
		return nil
	}
	n := room.BroadcastChat(&protocol.SubMessage{Payload: &protocol.XmppMessage{Stanza: el.String()}})
	c.logger.Debug("stanza delivered", zap.String("name", el.Name), zap.Int("recipients", n))
	return nil
}

// Close stops the connection. Only the first call has an effect.
func (c *Conn) Close() error {
	c.closed.Store(true)
	return nil
}

var _ gateway.ChatConn = (*Conn)(nil)
