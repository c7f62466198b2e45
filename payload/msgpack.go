package payload

import "github.com/vmihailenco/msgpack/v5"

// MsgPack implements Codec using MessagePack serialization.
// MessagePack is a binary format that's more compact than JSON
// while maintaining schema-less flexibility. Note that the journal and the
// file-backed dead-letter log are defined as JSON-per-line formats; with a
// non-JSON codec the payload blob is stored base64-encoded inside them.
type MsgPack struct{}

// Encode serializes the payload to MessagePack bytes.
func (MsgPack) Encode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Decode deserializes MessagePack bytes to the target type.
func (MsgPack) Decode(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

// ContentType returns the MIME type for MessagePack.
func (MsgPack) ContentType() string {
	return "application/msgpack"
}

// Compile-time check.
var _ Codec = MsgPack{}
