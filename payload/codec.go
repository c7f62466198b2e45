// Package payload provides event payload serialization.
//
// The bus routes topic-agnostic opaque payload blobs; agents decode typed
// views at the call site. The codec decides how Go values map to those blobs.
//
// Usage:
//
//	// JSON codec (default)
//	bus, _ := agentbus.New()
//
//	// msgpack codec
//	bus, _ := agentbus.New(agentbus.WithCodec(payload.MsgPack{}))
package payload

// Codec encodes/decodes event payload data.
// Implementations must be safe for concurrent use.
type Codec interface {
	// Encode serializes the payload to bytes.
	Encode(v any) ([]byte, error)

	// Decode deserializes bytes to the target type.
	// The target must be a pointer.
	Decode(data []byte, v any) error

	// ContentType returns the MIME type (e.g., "application/json").
	ContentType() string
}

// Default returns the default codec (JSON).
func Default() Codec {
	return JSON{}
}
