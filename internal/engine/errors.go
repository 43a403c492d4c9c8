package engine

import (
	"fmt"
	"time"

	"github.com/atat/gateway/internal/wire"
)

// Decoding failures surface as the wire package's types.
type (
	MalformedResponseError = wire.MalformedResponseError
	ProtocolError          = wire.ProtocolError
	CodecError             = wire.CodecError
)

// ConnectError means the engine could not be reached or the connection
// broke before a response arrived.
type ConnectError struct {
	Addr string
	Op   string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("engine %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// TimeoutError means no complete response arrived within the call's budget.
type TimeoutError struct {
	Command  string
	Budget   time.Duration
	Elapsed  time.Duration
	Received int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("engine command %q timed out after %s (budget %s, %d bytes received)",
		e.Command, e.Elapsed.Round(time.Millisecond), e.Budget, e.Received)
}

// Timeout lets callers treat this like a net.Error.
func (e *TimeoutError) Timeout() bool { return true }
