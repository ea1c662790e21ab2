package signalr

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// encodeArgument renders a single outgoing argument to JSON following the
// rules in spec §4.A: null passes through, booleans render as bare lowercase
// literals, byte slices render as base64 strings, time.Time renders as an
// ISO-8601 / RFC3339 string, and everything else is delegated to the Codec
// (which also handles strings and numbers with correct JSON escaping/
// formatting — the teacher's hand-rolled, buggy EscapeString is not carried
// forward, see SPEC_FULL.md §9).
func encodeArgument(codec Codec, arg interface{}) ([]byte, error) {
	switch v := arg.(type) {
	case nil:
		return []byte("null"), nil
	case []byte:
		encoded := base64.StdEncoding.EncodeToString(v)
		return codec.Marshal(encoded)
	case time.Time:
		return codec.Marshal(v.Format(time.RFC3339Nano))
	default:
		return codec.Marshal(v)
	}
}

// encodeInvocation builds the wire bytes for an Invocation record: a JSON
// object with type, invocationId, target, arguments, streamIds, followed by
// exactly one record separator (spec §4.A, §8 invariant 3). Each argument is
// pre-encoded to json.RawMessage so it passes through the outer Marshal
// verbatim rather than being re-escaped.
func encodeInvocation(codec Codec, invocationID, target string, args []interface{}) ([]byte, error) {
	encodedArgs := make([]json.RawMessage, len(args))
	for i, a := range args {
		raw, err := encodeArgument(codec, a)
		if err != nil {
			return nil, fmt.Errorf("signalr: encoding argument %d for %q: %w", i, target, err)
		}
		encodedArgs[i] = raw
	}

	msg := invocationMessage{
		Type:         TypeInvocation,
		InvocationID: invocationID,
		Target:       target,
		Arguments:    encodedArgs,
		StreamIDs:    []string{},
	}

	body, err := codec.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return terminate(body), nil
}

// encodePing builds the wire bytes for a Ping record: `{"type":6}` (spec §6).
func encodePing(codec Codec) ([]byte, error) {
	body, err := codec.Marshal(pingMessage{Type: TypePing})
	if err != nil {
		return nil, err
	}
	return terminate(body), nil
}

// encodeClose builds the wire bytes for a Close record, with or without an
// error message (spec §4.E "Stop semantics").
func encodeClose(codec Codec, errMsg string) ([]byte, error) {
	var body []byte
	var err error
	if errMsg == "" {
		body, err = codec.Marshal(struct {
			Type int `json:"type"`
		}{Type: TypeClose})
	} else {
		body, err = codec.Marshal(closeMessage{Type: TypeClose, Error: errMsg})
	}
	if err != nil {
		return nil, err
	}
	return terminate(body), nil
}

// encodeHandshake builds the literal handshake record.
func encodeHandshake(codec Codec) ([]byte, error) {
	body, err := codec.Marshal(handshakeRequest{Protocol: "json", Version: 1})
	if err != nil {
		return nil, err
	}
	return terminate(body), nil
}
