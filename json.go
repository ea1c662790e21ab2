package signalr

import jsoniter "github.com/json-iterator/go"

// Codec is the JSON facility external collaborator described in spec §6:
// serialize an object to JSON, deserialize JSON into a declared type.
type Codec interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

// jsoniterCodec adapts json-iterator/go to the Codec interface. Configured
// to be wire-compatible with encoding/json so field tags and zero-value
// behavior match what the rest of the pack expects.
type jsoniterCodec struct {
	api jsoniter.API
}

func newCodec() Codec {
	return &jsoniterCodec{api: jsoniter.ConfigCompatibleWithStandardLibrary}
}

func (c *jsoniterCodec) Marshal(v interface{}) ([]byte, error) {
	return c.api.Marshal(v)
}

func (c *jsoniterCodec) Unmarshal(data []byte, v interface{}) error {
	return c.api.Unmarshal(data, v)
}
