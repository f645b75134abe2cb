package protocol

import (
	"fmt"
	"strings"
)

// Case identifies which member of a tagged union is populated.
type Case int

const (
	CaseNone Case = iota
	CasePing
	CaseSettings
	CaseBatch
	CaseXmppMessage
	CaseConnectionStatus
	CaseJoinMuc
	CaseLeaveMuc
	CaseVariable
	CaseEditMapCommand
	CaseError
)

var caseNames = map[Case]string{
	CaseNone:             "none",
	CasePing:             "ping",
	CaseSettings:         "settings",
	CaseBatch:            "batch",
	CaseXmppMessage:      "xmppMessage",
	CaseConnectionStatus: "connectionStatus",
	CaseJoinMuc:          "joinMuc",
	CaseLeaveMuc:         "leaveMuc",
	CaseVariable:         "variable",
	CaseEditMapCommand:   "editMapCommand",
	CaseError:            "error",
}

func (c Case) String() string {
	if n, ok := caseNames[c]; ok {
		return n
	}
	return fmt.Sprintf("case(%d)", int(c))
}

// EnvelopePayload is implemented by every message that may sit at the top
// level of an Envelope.
type EnvelopePayload interface {
	envelopeCase() Case
}

// SubPayload is implemented by every message that may be carried inside a
// Batch.
type SubPayload interface {
	subCase() Case
}

func (*Ping) envelopeCase() Case                   { return CasePing }
func (*XmppSettings) envelopeCase() Case           { return CaseSettings }
func (*Batch) envelopeCase() Case                  { return CaseBatch }
func (*XmppMessage) envelopeCase() Case            { return CaseXmppMessage }
func (*ConnectionStatusChange) envelopeCase() Case { return CaseConnectionStatus }

func (*XmppMessage) subCase() Case    { return CaseXmppMessage }
func (*JoinMucRoom) subCase() Case    { return CaseJoinMuc }
func (*LeaveMucRoom) subCase() Case   { return CaseLeaveMuc }
func (*Variable) subCase() Case       { return CaseVariable }
func (*EditMapCommand) subCase() Case { return CaseEditMapCommand }
func (*ErrorMessage) subCase() Case   { return CaseError }

// Envelope is the top-level frame exchanged with chat clients. At most one
// payload is set; a nil Payload is the no-op envelope.
type Envelope struct {
	Payload EnvelopePayload
}

// Case reports which payload is populated.
func (e *Envelope) Case() Case {
	if e == nil || e.Payload == nil {
		return CaseNone
	}
	return e.Payload.envelopeCase()
}

// SubMessage is one entry of a Batch.
type SubMessage struct {
	Payload SubPayload
}

// Case reports which payload is populated.
func (s *SubMessage) Case() Case {
	if s == nil || s.Payload == nil {
		return CaseNone
	}
	return s.Payload.subCase()
}

// Batch bundles sub-messages for one recipient into a single frame.
type Batch struct {
	Payload []*SubMessage
}

// BatchPolicy controls how a receiver treats a batch entry whose case is
// unset or unknown.
type BatchPolicy int

const (
	// BatchSkipUnknown drops only the offending entry.
	BatchSkipUnknown BatchPolicy = iota
	// BatchAbortOnUnknown stops at the offending entry and ignores every
	// entry after it.
	BatchAbortOnUnknown
)

// ParseBatchPolicy maps a configuration value to a BatchPolicy.
func ParseBatchPolicy(s string) (BatchPolicy, error) {
	switch strings.ToLower(s) {
	case "", "skip":
		return BatchSkipUnknown, nil
	case "abort":
		return BatchAbortOnUnknown, nil
	}
	return BatchSkipUnknown, fmt.Errorf("unknown batch policy %q", s)
}

// Each calls fn for every entry of the batch in order, applying policy to
// entries without a recognized case.
func (b *Batch) Each(policy BatchPolicy, fn func(*SubMessage)) {
	for _, sub := range b.Payload {
		if sub.Case() == CaseNone {
			if policy == BatchAbortOnUnknown {
				return
			}
			continue
		}
		fn(sub)
	}
}

func (m *SubMessage) marshal() []byte {
	switch p := m.Payload.(type) {
	case *XmppMessage:
		return appendMessage(nil, 1, p.marshal())
	case *JoinMucRoom:
		return appendMessage(nil, 2, p.marshal())
	case *LeaveMucRoom:
		return appendMessage(nil, 3, p.marshal())
	case *Variable:
		return appendMessage(nil, 4, p.marshal())
	case *EditMapCommand:
		return appendMessage(nil, 5, p.marshal())
	case *ErrorMessage:
		return appendMessage(nil, 6, p.marshal())
	}
	return nil
}

func (m *SubMessage) unmarshal(b []byte) error {
	return eachField(b, func(f field) error {
		var p interface {
			SubPayload
			unmarshal([]byte) error
		}
		switch f.num {
		case 1:
			p = &XmppMessage{}
		case 2:
			p = &JoinMucRoom{}
		case 3:
			p = &LeaveMucRoom{}
		case 4:
			p = &Variable{}
		case 5:
			p = &EditMapCommand{}
		case 6:
			p = &ErrorMessage{}
		default:
			return nil
		}
		if err := f.expectBytes(); err != nil {
			return err
		}
		if err := p.unmarshal(f.bytes); err != nil {
			return fmt.Errorf("sub-message %s: %w", p.subCase(), err)
		}
		m.Payload = p
		return nil
	})
}

func (m *Batch) marshal() []byte {
	var b []byte
	for _, sub := range m.Payload {
		b = appendMessage(b, 1, sub.marshal())
	}
	return b
}

func (m *Batch) unmarshal(b []byte) error {
	return eachField(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		if err := f.expectBytes(); err != nil {
			return err
		}
		sub := &SubMessage{}
		if err := sub.unmarshal(f.bytes); err != nil {
			return fmt.Errorf("batch entry %d: %w", len(m.Payload), err)
		}
		m.Payload = append(m.Payload, sub)
		return nil
	})
}

// EncodeEnvelope serializes env. A nil payload yields an empty frame.
func EncodeEnvelope(env *Envelope) []byte {
	if env == nil {
		return nil
	}
	switch p := env.Payload.(type) {
	case *Ping:
		return appendMessage(nil, 1, nil)
	case *XmppSettings:
		return appendMessage(nil, 2, p.marshal())
	case *Batch:
		return appendMessage(nil, 3, p.marshal())
	case *XmppMessage:
		return appendMessage(nil, 4, p.marshal())
	case *ConnectionStatusChange:
		return appendMessage(nil, 5, p.marshal())
	}
	return nil
}

// DecodeEnvelope parses one frame. Unknown fields are skipped; a frame with
// no recognized case decodes to an Envelope whose Case is CaseNone.
//
// Postcondition: a non-nil error wraps ErrDecode.
func DecodeEnvelope(b []byte) (*Envelope, error) {
	env := &Envelope{}
	err := eachField(b, func(f field) error {
		var p interface {
			EnvelopePayload
			unmarshal([]byte) error
		}
		switch f.num {
		case 1:
			if err := f.expectBytes(); err != nil {
				return err
			}
			env.Payload = &Ping{}
			return nil
		case 2:
			p = &XmppSettings{}
		case 3:
			p = &Batch{}
		case 4:
			p = &XmppMessage{}
		case 5:
			p = &ConnectionStatusChange{}
		default:
			return nil
		}
		if err := f.expectBytes(); err != nil {
			return err
		}
		if err := p.unmarshal(f.bytes); err != nil {
			return fmt.Errorf("envelope %s: %w", p.envelopeCase(), err)
		}
		env.Payload = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return env, nil
}

// PingFrame returns the encoded liveness envelope.
func PingFrame() []byte {
	return EncodeEnvelope(&Envelope{Payload: &Ping{}})
}
