package protocol

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype under which Codec is registered.
const CodecName = "pusherwire"

type wireMessage interface {
	marshal() []byte
	unmarshal([]byte) error
}

// Codec lets gRPC carry the room stream messages of this package.
type Codec struct{}

// Marshal encodes v, which must be a *RoomRequest or *BackendBatch.
func (Codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("%s: cannot marshal %T", CodecName, v)
	}
	return m.marshal(), nil
}

// Unmarshal decodes data into v, which must be a *RoomRequest or *BackendBatch.
func (Codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(wireMessage)
	if !ok {
		return fmt.Errorf("%s: cannot unmarshal into %T", CodecName, v)
	}
	return m.unmarshal(data)
}

// Name returns CodecName.
func (Codec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(Codec{})
}
