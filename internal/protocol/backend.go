package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// RoomRequest opens the room stream on the backend.
type RoomRequest struct {
	RoomID string
}

func (m *RoomRequest) marshal() []byte {
	return appendString(nil, 1, m.RoomID)
}

func (m *RoomRequest) unmarshal(b []byte) error {
	return eachField(b, func(f field) error {
		if f.num == 1 {
			if err := f.expectBytes(); err != nil {
				return err
			}
			m.RoomID = string(f.bytes)
		}
		return nil
	})
}

// BackendPayload is implemented by every event the backend may emit on a
// room stream.
type BackendPayload interface {
	SubPayload
	backendField() protowire.Number
}

func (*Variable) backendField() protowire.Number       { return 1 }
func (*EditMapCommand) backendField() protowire.Number { return 2 }
func (*ErrorMessage) backendField() protowire.Number   { return 3 }
func (*JoinMucRoom) backendField() protowire.Number    { return 4 }
func (*LeaveMucRoom) backendField() protowire.Number   { return 5 }

// BackendEvent is one event of a backend batch. A nil Payload means the
// backend sent a case this gateway does not know; UnknownField records its
// field number.
type BackendEvent struct {
	Payload      BackendPayload
	UnknownField int
}

// BackendBatch is one message of the room stream.
type BackendBatch struct {
	Payload []*BackendEvent
}

func (m *BackendEvent) marshal() []byte {
	if m.Payload == nil {
		if m.UnknownField > 0 {
			return appendMessage(nil, protowire.Number(m.UnknownField), nil)
		}
		return nil
	}
	var body []byte
	switch p := m.Payload.(type) {
	case *Variable:
		body = p.marshal()
	case *EditMapCommand:
		body = p.marshal()
	case *ErrorMessage:
		body = p.marshal()
	case *JoinMucRoom:
		body = p.marshal()
	case *LeaveMucRoom:
		body = p.marshal()
	}
	return appendMessage(nil, m.Payload.backendField(), body)
}

func (m *BackendEvent) unmarshal(b []byte) error {
	return eachField(b, func(f field) error {
		var p interface {
			BackendPayload
			unmarshal([]byte) error
		}
		switch f.num {
		case 1:
			p = &Variable{}
		case 2:
			p = &EditMapCommand{}
		case 3:
			p = &ErrorMessage{}
		case 4:
			p = &JoinMucRoom{}
		case 5:
			p = &LeaveMucRoom{}
		default:
			m.UnknownField = int(f.num)
			return nil
		}
		if err := f.expectBytes(); err != nil {
			return err
		}
		if err := p.unmarshal(f.bytes); err != nil {
			return fmt.Errorf("backend event %s: %w", p.subCase(), err)
		}
		m.Payload = p
		m.UnknownField = 0
		return nil
	})
}

func (m *BackendBatch) marshal() []byte {
	var b []byte
	for _, ev := range m.Payload {
		b = appendMessage(b, 1, ev.marshal())
	}
	return b
}

func (m *BackendBatch) unmarshal(b []byte) error {
	return eachField(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		if err := f.expectBytes(); err != nil {
			return err
		}
		ev := &BackendEvent{}
		if err := ev.unmarshal(f.bytes); err != nil {
			return fmt.Errorf("backend batch entry %d: %w", len(m.Payload), err)
		}
		m.Payload = append(m.Payload, ev)
		return nil
	})
}
