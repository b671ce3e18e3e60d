package rpcwire

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC protocol version spoken with the backend.
const Version = "2.0"

// Error codes defined by the backend protocol.
const (
	CodeParseError     = -32700
	CodeMethodNotFound = -32601
	CodeServerError    = -32000
)

// RPCError is a protocol level error carried in a response frame.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// FrameKind enumerates wire frame kinds.
type FrameKind string

const (
	KindRequest      FrameKind = "request"
	KindResponse     FrameKind = "response"
	KindNotification FrameKind = "notification"
	KindInvalid      FrameKind = "invalid"
)

// Frame is one decoded protocol unit. Requests carry an id and a method,
// responses carry an id and a result or error, notifications carry a method
// and no id.
type Frame struct {
	ID     *int64
	Method string
	Params Value
	Result Value
	Err    *RPCError

	hasResult bool
}

// Kind classifies the frame by its populated fields.
func (f Frame) Kind() FrameKind {
	switch {
	case f.ID != nil && f.Method != "":
		return KindRequest
	case f.ID != nil && (f.hasResult || f.Err != nil):
		return KindResponse
	case f.ID == nil && f.Method == "" && f.Err != nil:
		// Error response the backend could not correlate, e.g. a parse error
		// reported with a null id.
		return KindResponse
	case f.ID == nil && f.Method != "":
		return KindNotification
	}
	return KindInvalid
}

// EncodeRequest renders one request frame as a single JSON line without the
// trailing newline.
func EncodeRequest(id int64, method string, params Value) ([]byte, error) {
	if params.Kind() != KindObject {
		params = Object(nil)
	}
	pb, err := params.MarshalJSON()
	if err != nil {
		return nil, err
	}
	mb, err := json.Marshal(method)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, `{"jsonrpc":%q,"id":%d,"method":`, Version, id)
	buf.Write(mb)
	buf.WriteString(`,"params":`)
	buf.Write(pb)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// DecodeFrame parses one wire line. Frames that are not valid JSON, claim a
// different protocol version, or carry a non integer id are rejected.
func DecodeFrame(data []byte) (Frame, error) {
	var env struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
		Result  json.RawMessage `json:"result"`
		Error   *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if env.JSONRPC != Version {
		return Frame{}, fmt.Errorf("decode frame: unsupported version %q", env.JSONRPC)
	}

	f := Frame{Method: env.Method}
	if len(env.ID) > 0 && !bytes.Equal(env.ID, []byte("null")) {
		var id int64
		if err := json.Unmarshal(env.ID, &id); err != nil {
			return Frame{}, fmt.Errorf("decode frame: non integer id %s", env.ID)
		}
		f.ID = &id
	}
	if len(env.Params) > 0 {
		v, err := ParseValue(env.Params)
		if err != nil {
			return Frame{}, fmt.Errorf("decode frame params: %w", err)
		}
		f.Params = v
	}
	if len(env.Result) > 0 {
		v, err := ParseValue(env.Result)
		if err != nil {
			return Frame{}, fmt.Errorf("decode frame result: %w", err)
		}
		f.Result = v
		f.hasResult = true
	}
	f.Err = env.Error
	if f.Kind() == KindInvalid {
		return Frame{}, fmt.Errorf("decode frame: not a request, response, or notification")
	}
	return f, nil
}
