package protocol

import "fmt"

// MucRoom describes a chat room (multi-user chat) a client may join.
type MucRoom struct {
	Name string
	URL  string
	Type string
}

func (m *MucRoom) marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Name)
	b = appendString(b, 2, m.URL)
	b = appendString(b, 3, m.Type)
	return b
}

func (m *MucRoom) unmarshal(b []byte) error {
	return eachField(b, func(f field) error {
		switch f.num {
		case 1, 2, 3:
			if err := f.expectBytes(); err != nil {
				return err
			}
		}
		switch f.num {
		case 1:
			m.Name = string(f.bytes)
		case 2:
			m.URL = string(f.bytes)
		case 3:
			m.Type = string(f.bytes)
		}
		return nil
	})
}

// Ping is the empty liveness message sent periodically by clients.
type Ping struct{}

// XmppSettings carries the chat identity and the rooms a client is allowed
// to join. It is sent once per connection, right after the handshake.
type XmppSettings struct {
	Jid              string
	ConferenceDomain string
	Rooms            []*MucRoom
}

func (m *XmppSettings) marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Jid)
	b = appendString(b, 2, m.ConferenceDomain)
	for _, r := range m.Rooms {
		b = appendMessage(b, 3, r.marshal())
	}
	return b
}

func (m *XmppSettings) unmarshal(b []byte) error {
	return eachField(b, func(f field) error {
		switch f.num {
		case 1:
			if err := f.expectBytes(); err != nil {
				return err
			}
			m.Jid = string(f.bytes)
		case 2:
			if err := f.expectBytes(); err != nil {
				return err
			}
			m.ConferenceDomain = string(f.bytes)
		case 3:
			if err := f.expectBytes(); err != nil {
				return err
			}
			r := &MucRoom{}
			if err := r.unmarshal(f.bytes); err != nil {
				return fmt.Errorf("settings room: %w", err)
			}
			m.Rooms = append(m.Rooms, r)
		}
		return nil
	})
}

// XmppMessage tunnels one serialized XML stanza.
type XmppMessage struct {
	Stanza string
}

func (m *XmppMessage) marshal() []byte {
	return appendString(nil, 1, m.Stanza)
}

func (m *XmppMessage) unmarshal(b []byte) error {
	return eachField(b, func(f field) error {
		if f.num == 1 {
			if err := f.expectBytes(); err != nil {
				return err
			}
			m.Stanza = string(f.bytes)
		}
		return nil
	})
}

// ConnectionStatus is the state of the chat sub-connection as reported by
// the gateway.
type ConnectionStatus int32

const (
	ConnectionStatusUnknown ConnectionStatus = iota
	ConnectionStatusConnected
	ConnectionStatusDisconnected
)

func (s ConnectionStatus) String() string {
	switch s {
	case ConnectionStatusConnected:
		return "connected"
	case ConnectionStatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ConnectionStatusChange notifies a client that its chat sub-connection
// changed state.
type ConnectionStatusChange struct {
	Status ConnectionStatus
}

func (m *ConnectionStatusChange) marshal() []byte {
	return appendVarint(nil, 1, uint64(m.Status))
}

func (m *ConnectionStatusChange) unmarshal(b []byte) error {
	return eachField(b, func(f field) error {
		if f.num == 1 {
			if err := f.expectVarint(); err != nil {
				return err
			}
			m.Status = ConnectionStatus(int32(f.varint))
		}
		return nil
	})
}

// Variable is a room variable update. ReadableBy, when non-empty, is the tag
// a listener must carry to receive it.
type Variable struct {
	Name       string
	Value      string
	ReadableBy string
}

func (m *Variable) marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Name)
	b = appendString(b, 2, m.Value)
	b = appendString(b, 3, m.ReadableBy)
	return b
}

func (m *Variable) unmarshal(b []byte) error {
	return eachField(b, func(f field) error {
		switch f.num {
		case 1, 2, 3:
			if err := f.expectBytes(); err != nil {
				return err
			}
		}
		switch f.num {
		case 1:
			m.Name = string(f.bytes)
		case 2:
			m.Value = string(f.bytes)
		case 3:
			m.ReadableBy = string(f.bytes)
		}
		return nil
	})
}

// EditMapCommand is a map edit forwarded verbatim to every listener. The
// payload schema belongs to the map editor and is opaque here.
type EditMapCommand struct {
	ID      string
	Payload []byte
}

func (m *EditMapCommand) marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.ID)
	b = appendBytes(b, 2, m.Payload)
	return b
}

func (m *EditMapCommand) unmarshal(b []byte) error {
	return eachField(b, func(f field) error {
		switch f.num {
		case 1:
			if err := f.expectBytes(); err != nil {
				return err
			}
			m.ID = string(f.bytes)
		case 2:
			if err := f.expectBytes(); err != nil {
				return err
			}
			m.Payload = append([]byte(nil), f.bytes...)
		}
		return nil
	})
}

// ErrorMessage is a user-visible error raised by the backend for a room.
type ErrorMessage struct {
	Message string
}

func (m *ErrorMessage) marshal() []byte {
	return appendString(nil, 1, m.Message)
}

func (m *ErrorMessage) unmarshal(b []byte) error {
	return eachField(b, func(f field) error {
		if f.num == 1 {
			if err := f.expectBytes(); err != nil {
				return err
			}
			m.Message = string(f.bytes)
		}
		return nil
	})
}

// JoinMucRoom tells chat listeners a chat room became available.
type JoinMucRoom struct {
	Room *MucRoom
}

func (m *JoinMucRoom) marshal() []byte {
	if m.Room == nil {
		return nil
	}
	return appendMessage(nil, 1, m.Room.marshal())
}

func (m *JoinMucRoom) unmarshal(b []byte) error {
	return eachField(b, func(f field) error {
		if f.num == 1 {
			if err := f.expectBytes(); err != nil {
				return err
			}
			m.Room = &MucRoom{}
			return m.Room.unmarshal(f.bytes)
		}
		return nil
	})
}

// LeaveMucRoom tells chat listeners a chat room went away.
type LeaveMucRoom struct {
	URL string
}

func (m *LeaveMucRoom) marshal() []byte {
	return appendString(nil, 1, m.URL)
}

func (m *LeaveMucRoom) unmarshal(b []byte) error {
	return eachField(b, func(f field) error {
		if f.num == 1 {
			if err := f.expectBytes(); err != nil {
				return err
			}
			m.URL = string(f.bytes)
		}
		return nil
	})
}
