// Package engine is the gateway's client for the scanning engine. Every call
// opens one TCP connection, writes one command, half-closes, reads until the
// response parses or the engine closes, and closes the connection again.
package engine

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/atat/gateway/internal/protocol"
	"github.com/atat/gateway/internal/wire"
)

const (
	// DefaultTimeout bounds a whole call, connect through last byte.
	DefaultTimeout = 120 * time.Second
	// DefaultAddr is where the engine listens unless configured otherwise.
	DefaultAddr = "127.0.0.1:9011"

	pingTimeout = 2 * time.Second
	readChunk   = 4096
)

// Dialer opens connections to the engine.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Client talks to one engine address.
type Client struct {
	addr        string
	timeout     time.Duration
	dialer      Dialer
	logger      *zap.Logger
	maxResponse int
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the default per-call budget.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithDialer replaces the net.Dialer used to reach the engine.
func WithDialer(d Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMaxResponseSize caps how many response bytes are buffered.
func WithMaxResponseSize(n int) Option {
	return func(c *Client) {
		c.maxResponse = n
	}
}

// New creates a client for the engine at addr (host:port).
func New(addr string, opts ...Option) *Client {
	if addr == "" {
		addr = DefaultAddr
	}
	c := &Client{
		addr:        addr,
		timeout:     DefaultTimeout,
		dialer:      &net.Dialer{},
		logger:      zap.NewNop(),
		maxResponse: wire.DefaultMaxMessageSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Addr returns the engine address.
func (c *Client) Addr() string { return c.addr }

// Timeout returns the default per-call budget.
func (c *Client) Timeout() time.Duration { return c.timeout }

// Call sends one command using the client's default timeout.
func (c *Client) Call(ctx context.Context, command string, data map[string]interface{}) (*protocol.EngineResponse, error) {
	return c.CallTimeout(ctx, command, data, c.timeout)
}

// CallTimeout sends one command and waits at most timeout for the response.
// The returned error is one of *ConnectError, *TimeoutError,
// *MalformedResponseError, *ProtocolError, *CodecError, or the context's
// error when the caller cancels. There are no retries.
func (c *Client) CallTimeout(ctx context.Context, command string, data map[string]interface{}, timeout time.Duration) (*protocol.EngineResponse, error) {
	payload, err := wire.Encode(command, data)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = c.timeout
	}

	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := c.logger.With(zap.String("command", command), zap.String("addr", c.addr))

	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		if parentCanceled(ctx) {
			return nil, context.Canceled
		}
		log.Debug("engine connect failed", zap.Error(err))
		return nil, &ConnectError{Addr: c.addr, Op: "dial", Err: err}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	// Cancellation before the deadline has to interrupt blocked I/O too.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	ex := exchange{
		conn:    conn,
		command: command,
		timeout: timeout,
		started: started,
		addr:    c.addr,
	}

	if err := ex.send(ctx, payload); err != nil {
		log.Debug("engine write failed", zap.Error(err))
		return nil, err
	}
	log.Debug("engine command sent", zap.Int("bytes", len(payload)))

	resp, err := ex.receive(ctx, wire.NewDecoder(c.maxResponse))
	if err != nil {
		log.Debug("engine call failed", zap.Error(err), zap.Duration("elapsed", time.Since(started)))
		return nil, err
	}
	log.Debug("engine response received",
		zap.Int("code", resp.Code),
		zap.Duration("elapsed", time.Since(started)))
	return resp, nil
}

// Ping checks that something accepts connections at the engine address.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return &ConnectError{Addr: c.addr, Op: "dial", Err: err}
	}
	return conn.Close()
}

type exchange struct {
	conn     net.Conn
	command  string
	addr     string
	timeout  time.Duration
	started  time.Time
	received int
}

func (ex *exchange) send(ctx context.Context, payload []byte) error {
	if _, err := ex.conn.Write(payload); err != nil {
		return ex.classify(ctx, "write", err)
	}
	// The engine treats the half-close as end of request.
	if cw, ok := ex.conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil {
			return ex.classify(ctx, "write", err)
		}
	}
	return nil
}

func (ex *exchange) receive(ctx context.Context, dec *wire.Decoder) (*protocol.EngineResponse, error) {
	buf := make([]byte, readChunk)
	for {
		n, readErr := ex.conn.Read(buf)
		if n > 0 {
			ex.received += n
			resp, err := dec.Feed(buf[:n])
			if err == nil {
				return resp, nil
			}
			if !errors.Is(err, wire.ErrIncomplete) {
				return nil, err
			}
		}
		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			return dec.End()
		}
		return nil, ex.classify(ctx, "read", readErr)
	}
}

func (ex *exchange) classify(ctx context.Context, op string, err error) error {
	if parentCanceled(ctx) {
		return context.Canceled
	}
	var netErr net.Error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &TimeoutError{
			Command:  ex.command,
			Budget:   ex.timeout,
			Elapsed:  time.Since(ex.started),
			Received: ex.received,
		}
	}
	return &ConnectError{Addr: ex.addr, Op: op, Err: err}
}

// parentCanceled reports whether ctx ended because a caller canceled it
// rather than because its deadline passed.
func parentCanceled(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.Canceled)
}
