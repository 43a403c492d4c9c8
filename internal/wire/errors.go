package wire

import (
	"errors"
	"fmt"
)

// ErrIncomplete means the bytes buffered so far do not form a JSON value yet.
var ErrIncomplete = errors.New("wire: incomplete message")

// CodecError reports a command that cannot be put on the wire.
type CodecError struct {
	Command string
	Err     error
}

func (e *CodecError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("wire: encode command: %v", e.Err)
	}
	return fmt.Sprintf("wire: encode command %q: %v", e.Command, e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }

// MalformedResponseError reports a stream that ended (or overflowed) before
// its bytes formed valid JSON.
type MalformedResponseError struct {
	Reason string
	Size   int
	Sample string
	Err    error
}

func (e *MalformedResponseError) Error() string {
	msg := fmt.Sprintf("wire: malformed response (%d bytes): %s", e.Size, e.Reason)
	if e.Sample != "" {
		msg += fmt.Sprintf(" near %q", e.Sample)
	}
	return msg
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// ProtocolError reports valid JSON that lacks the required message shape.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "wire: protocol violation: " + e.Reason
}

func sample(raw []byte) string {
	const max = 64
	if len(raw) <= max {
		return string(raw)
	}
	return string(raw[:max]) + "..."
}
