package signalr

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeInvocationShape(t *testing.T) {
	codec := newCodec()
	data, err := encodeInvocation(codec, "", "Echo", []interface{}{"hi"})
	require.NoError(t, err)

	require.Equal(t, byte(recordSeparatorCode), data[len(data)-1])

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data[:len(data)-1], &decoded))
	assert.Equal(t, float64(TypeInvocation), decoded["type"])
	assert.Equal(t, "", decoded["invocationId"])
	assert.Equal(t, "Echo", decoded["target"])
	assert.Equal(t, []interface{}{"hi"}, decoded["arguments"])
	assert.Equal(t, []interface{}{}, decoded["streamIds"])
}

func TestEncodeInvocationRoundTrip(t *testing.T) {
	codec := newCodec()
	data, err := encodeInvocation(codec, "7", "Add", []interface{}{2, 3})
	require.NoError(t, err)

	records, wellFormed := splitRecords(data)
	require.True(t, wellFormed)
	require.Len(t, records, 1)

	var raw rawMessage
	require.NoError(t, codec.Unmarshal(records[0], &raw))
	assert.Equal(t, TypeInvocation, raw.Type)
	assert.Equal(t, "Add", raw.Target)
	assert.Equal(t, "7", raw.InvocationID)
	require.Len(t, raw.Arguments, 2)
	assert.JSONEq(t, "2", string(raw.Arguments[0]))
	assert.JSONEq(t, "3", string(raw.Arguments[1]))
}

func TestEncodePing(t *testing.T) {
	codec := newCodec()
	data, err := encodePing(codec)
	require.NoError(t, err)
	require.Equal(t, byte(recordSeparatorCode), data[len(data)-1])

	var p pingMessage
	require.NoError(t, json.Unmarshal(data[:len(data)-1], &p))
	assert.Equal(t, TypePing, p.Type)
}

func TestEncodeCloseClean(t *testing.T) {
	codec := newCodec()
	data, err := encodeClose(codec, "")
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data[:len(data)-1], &decoded))
	assert.Equal(t, float64(TypeClose), decoded["type"])
	_, hasError := decoded["error"]
	assert.False(t, hasError)
}

func TestEncodeCloseWithError(t *testing.T) {
	codec := newCodec()
	data, err := encodeClose(codec, "boom")
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data[:len(data)-1], &decoded))
	assert.Equal(t, float64(TypeClose), decoded["type"])
	assert.Equal(t, "boom", decoded["error"])
}

func TestEncodeHandshake(t *testing.T) {
	codec := newCodec()
	data, err := encodeHandshake(codec)
	require.NoError(t, err)

	var decoded handshakeRequest
	require.NoError(t, codec.Unmarshal(data[:len(data)-1], &decoded))
	assert.Equal(t, "json", decoded.Protocol)
	assert.Equal(t, 1, decoded.Version)
}
