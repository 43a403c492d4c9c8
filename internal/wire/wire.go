// Package wire implements the engine's framing: a request is one JSON object
// terminated by the writer's half-close, a response is one JSON object
// terminated by the peer closing the connection. Neither side sends a length
// header or delimiter, so readers buffer until the bytes parse.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/atat/gateway/internal/protocol"
)

// DefaultMaxMessageSize caps how many bytes a Framer buffers.
const DefaultMaxMessageSize = 16 << 20

type envelope struct {
	Command string      `json:"command"`
	Data    interface{} `json:"data"`
}

// Encode serializes a command for the engine. Nil data is sent as {}.
func Encode(command string, data interface{}) ([]byte, error) {
	if strings.TrimSpace(command) == "" {
		return nil, &CodecError{Err: errors.New("command is required")}
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	out, err := json.Marshal(envelope{Command: command, Data: data})
	if err != nil {
		return nil, &CodecError{Command: command, Err: err}
	}
	return out, nil
}

// EncodeResponse serializes an engine response.
func EncodeResponse(resp protocol.EngineResponse) ([]byte, error) {
	out, err := json.Marshal(resp)
	if err != nil {
		return nil, &CodecError{Err: fmt.Errorf("encode response: %w", err)}
	}
	return out, nil
}

// Framer accumulates stream chunks until they form one JSON value.
type Framer struct {
	buf []byte
	max int
}

// NewFramer returns a Framer that refuses to buffer more than max bytes.
// A max of zero or less selects DefaultMaxMessageSize.
func NewFramer(max int) *Framer {
	if max <= 0 {
		max = DefaultMaxMessageSize
	}
	return &Framer{max: max}
}

// Feed appends p and returns the complete message once the buffer parses.
// Until then it returns ErrIncomplete; any parse failure counts as
// incomplete because the rest of the value may still be in flight.
func (f *Framer) Feed(p []byte) ([]byte, error) {
	if len(f.buf)+len(p) > f.max {
		return nil, &MalformedResponseError{
			Reason: fmt.Sprintf("message exceeds %d bytes", f.max),
			Size:   len(f.buf) + len(p),
		}
	}
	f.buf = append(f.buf, p...)
	if json.Valid(f.buf) {
		return f.message(), nil
	}
	return nil, ErrIncomplete
}

// End is called once the peer has closed its side. The buffer must hold a
// complete value by now.
func (f *Framer) End() ([]byte, error) {
	if len(bytes.TrimSpace(f.buf)) == 0 {
		return nil, &MalformedResponseError{Reason: "empty message", Size: len(f.buf)}
	}
	if json.Valid(f.buf) {
		return f.message(), nil
	}
	var v interface{}
	err := json.Unmarshal(f.buf, &v)
	return nil, &MalformedResponseError{
		Reason: "stream ended before message was complete",
		Size:   len(f.buf),
		Sample: sample(f.buf),
		Err:    err,
	}
}

// Len reports the number of buffered bytes.
func (f *Framer) Len() int { return len(f.buf) }

// Reset drops buffered bytes.
func (f *Framer) Reset() { f.buf = f.buf[:0] }

func (f *Framer) message() []byte {
	out := make([]byte, len(f.buf))
	copy(out, f.buf)
	return out
}

// Decoder turns a chunked response stream into an EngineResponse.
type Decoder struct {
	framer *Framer
}

// NewDecoder returns a response decoder with the given size cap.
func NewDecoder(max int) *Decoder {
	return &Decoder{framer: NewFramer(max)}
}

// Feed buffers p and returns the response once it is complete, ErrIncomplete
// while more bytes are needed.
func (d *Decoder) Feed(p []byte) (*protocol.EngineResponse, error) {
	raw, err := d.framer.Feed(p)
	if err != nil {
		return nil, err
	}
	return DecodeResponse(raw)
}

// End finalizes decoding at end of stream.
func (d *Decoder) End() (*protocol.EngineResponse, error) {
	raw, err := d.framer.End()
	if err != nil {
		return nil, err
	}
	return DecodeResponse(raw)
}

// Buffered reports the number of bytes received so far.
func (d *Decoder) Buffered() int { return d.framer.Len() }

// DecodeResponse parses a complete response and checks its shape: a JSON
// object with an integer "code" and a "data" member.
func DecodeResponse(raw []byte) (*protocol.EngineResponse, error) {
	fields, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	rawCode, ok := fields["code"]
	if !ok {
		return nil, &ProtocolError{Reason: `response is missing "code"`}
	}
	code, err := parseCode(rawCode)
	if err != nil {
		return nil, err
	}
	rawData, ok := fields["data"]
	if !ok {
		return nil, &ProtocolError{Reason: `response is missing "data"`}
	}
	var data interface{}
	if err := json.Unmarshal(rawData, &data); err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("invalid data: %v", err)}
	}
	return &protocol.EngineResponse{Code: code, Data: data}, nil
}

// DecodeCommand parses a complete request. A missing "data" member is
// treated as an empty object, a missing or empty "command" is an error.
func DecodeCommand(raw []byte) (*protocol.Command, error) {
	fields, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	var cmd protocol.Command
	if rawCmd, ok := fields["command"]; ok {
		if err := json.Unmarshal(rawCmd, &cmd.Command); err != nil {
			return nil, &ProtocolError{Reason: `"command" must be a string`}
		}
	}
	if cmd.Command == "" {
		return nil, &ProtocolError{Reason: `request is missing "command"`}
	}
	if rawData, ok := fields["data"]; ok && !bytes.Equal(bytes.TrimSpace(rawData), []byte("null")) {
		if err := json.Unmarshal(rawData, &cmd.Data); err != nil {
			return nil, &ProtocolError{Reason: `"data" must be an object`}
		}
	}
	if cmd.Data == nil {
		cmd.Data = map[string]interface{}{}
	}
	return &cmd, nil
}

func decodeObject(raw []byte) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, &ProtocolError{Reason: "message is not a JSON object"}
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, &MalformedResponseError{Reason: "invalid JSON", Size: len(raw), Sample: sample(raw), Err: err}
	}
	return fields, nil
}

// parseCode accepts a JSON integer or a string holding one.
func parseCode(raw json.RawMessage) (int, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return 0, &ProtocolError{Reason: `invalid "code"`}
		}
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return 0, &ProtocolError{Reason: fmt.Sprintf(`"code" %q is not an integer`, s)}
		}
		return n, nil
	}
	var num json.Number
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&num); err != nil {
		return 0, &ProtocolError{Reason: `"code" must be an integer`}
	}
	n, err := num.Int64()
	if err != nil {
		return 0, &ProtocolError{Reason: fmt.Sprintf(`"code" %s is not an integer`, num)}
	}
	return int(n), nil
}
