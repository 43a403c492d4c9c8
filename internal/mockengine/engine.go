// Package mockengine is an in-process stand-in for the scanning engine. It
// speaks the engine's wire protocol on a TCP listener and keeps all of its
// data on the Engine value, so tests can run several engines side by side.
package mockengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atat/gateway/internal/protocol"
	"github.com/atat/gateway/internal/wire"
)

// State is the listener lifecycle.
type State int32

const (
	Stopped State = iota
	Starting
	Listening
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Listening:
		return "listening"
	default:
		return "stopped"
	}
}

// HandlerFunc answers one command. It runs with the engine lock held and
// must not keep references to store data in its response.
type HandlerFunc func(st *Store, data map[string]interface{}) protocol.EngineResponse

// Engine is a mock scanning engine.
type Engine struct {
	addr       string
	logger     *zap.Logger
	preload    bool
	maxRequest int

	mu        sync.Mutex
	store     *Store
	handlers  map[string]HandlerFunc
	errorMode bool

	lifecycle sync.Mutex
	state     State
	closing   bool
	ln        net.Listener
	conns     map[net.Conn]struct{}
	wg        sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithFilesDir makes apis.import_file read documents from dir.
func WithFilesDir(dir string) Option {
	return func(e *Engine) { e.store.filesDir = dir }
}

// WithScanDuration lets running scans complete once they are older than d.
func WithScanDuration(d time.Duration) Option {
	return func(e *Engine) { e.store.scanDuration = d }
}

// WithPreloadedAPI starts the engine (and every Reset) with the built-in
// "Mock API" client already imported.
func WithPreloadedAPI() Option {
	return func(e *Engine) { e.preload = true }
}

// WithClock replaces time.Now for scan ids and timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.store.now = now
		}
	}
}

// WithIDGenerator replaces the uuid generator used for client ids.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) {
		if newID != nil {
			e.store.newID = newID
		}
	}
}

// New creates a stopped engine that will listen on addr (host:port, port 0
// picks a free one).
func New(addr string, opts ...Option) *Engine {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	e := &Engine{
		addr:       addr,
		logger:     zap.NewNop(),
		maxRequest: wire.DefaultMaxMessageSize,
		store:      newStore(),
		handlers:   defaultHandlers(),
		conns:      map[net.Conn]struct{}{},
	}
	e.store.now = time.Now
	e.store.newID = uuid.NewString
	for _, opt := range opts {
		opt(e)
	}
	e.seed()
	return e
}

// Start binds the listener and begins accepting connections. Starting a
// running engine is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if e.state != Stopped {
		return nil
	}
	e.state = Starting

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", e.addr)
	if err != nil {
		e.state = Stopped
		return fmt.Errorf("mock engine listen %s: %w", e.addr, err)
	}
	e.ln = ln
	e.state = Listening
	e.logger.Info("mock engine listening", zap.String("addr", ln.Addr().String()))

	e.wg.Add(1)
	go e.serve(ln)
	return nil
}

// Stop closes the listener and any open connections and waits for their
// handlers to return.
func (e *Engine) Stop() error {
	e.lifecycle.Lock()
	if e.state == Stopped {
		e.lifecycle.Unlock()
		return nil
	}
	e.closing = true
	err := e.ln.Close()
	for conn := range e.conns {
		_ = conn.Close()
	}
	e.lifecycle.Unlock()

	e.wg.Wait()

	e.lifecycle.Lock()
	e.state = Stopped
	e.closing = false
	e.ln = nil
	e.lifecycle.Unlock()
	e.logger.Info("mock engine stopped")
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Addr returns the bound address while listening and the configured one
// otherwise.
func (e *Engine) Addr() string {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if e.ln != nil {
		return e.ln.Addr().String()
	}
	return e.addr
}

// State reports the listener lifecycle state.
func (e *Engine) State() State {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	return e.state
}

// Reset drops every client, scan and counter. The listener and error mode
// are left alone.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.store.clear()
	e.seed()
}

// SetErrorMode makes every command fail with 500 while on.
func (e *Engine) SetErrorMode(on bool) {
	e.mu.Lock()
	e.errorMode = on
	e.mu.Unlock()
}

// ErrorMode reports whether error mode is on.
func (e *Engine) ErrorMode() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.errorMode
}

// Handle registers fn for command, replacing any existing handler,
// including the "Not yet implemented" stubs.
func (e *Engine) Handle(command string, fn HandlerFunc) {
	e.mu.Lock()
	e.handlers[command] = fn
	e.mu.Unlock()
}

// Dispatch runs one command against the engine's state, exactly as a
// connection would.
func (e *Engine) Dispatch(command string, data map[string]interface{}) (resp protocol.EngineResponse) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.errorMode {
		return serverError("Engine error mode enabled")
	}
	h, ok := e.handlers[command]
	if !ok {
		return badRequest("Unknown command: " + command)
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("mock engine handler panic", zap.String("command", command), zap.Any("panic", r))
			resp = serverError(fmt.Sprintf("Mock engine error: %v", r))
		}
	}()
	return h(e.store, data)
}

func (e *Engine) seed() {
	if !e.preload {
		return
	}
	client, err := parseDocument(builtinDocument(mockFixture))
	if err != nil {
		panic(fmt.Sprintf("mockengine: built-in document: %v", err))
	}
	client.ID = "global"
	e.store.addClient(client, APIMetadata{Filename: "mock-api.json", ImportedAt: e.store.now().UTC()})
}

func (e *Engine) serve(ln net.Listener) {
	defer e.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			e.logger.Warn("mock engine accept error", zap.Error(err))
			continue
		}
		if !e.track(conn) {
			_ = conn.Close()
			return
		}
		go e.handleConn(conn)
	}
}

// track registers conn so Stop can close it. It fails once Stop has begun.
func (e *Engine) track(conn net.Conn) bool {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if e.state != Listening || e.closing {
		return false
	}
	e.conns[conn] = struct{}{}
	e.wg.Add(1)
	return true
}

func (e *Engine) untrack(conn net.Conn) {
	e.lifecycle.Lock()
	delete(e.conns, conn)
	e.lifecycle.Unlock()
}

func (e *Engine) handleConn(conn net.Conn) {
	defer e.wg.Done()
	defer e.untrack(conn)
	defer conn.Close()

	log := e.logger.With(zap.String("remote", conn.RemoteAddr().String()))

	raw, err := e.readRequest(conn)
	if err != nil {
		var malformed *wire.MalformedResponseError
		if errors.As(err, &malformed) {
			log.Debug("mock engine malformed request", zap.Error(err))
			e.reply(conn, log, badRequest("Malformed JSON received."))
		}
		return
	}
	if raw == nil {
		return
	}

	cmd, err := wire.DecodeCommand(raw)
	if err != nil {
		log.Debug("mock engine invalid request", zap.Error(err))
		var protoErr *wire.ProtocolError
		if errors.As(err, &protoErr) {
			e.reply(conn, log, badRequest("Invalid request: "+protoErr.Reason))
		} else {
			e.reply(conn, log, badRequest("Malformed JSON received."))
		}
		return
	}

	resp := e.Dispatch(cmd.Command, cmd.Data)
	log.Debug("mock engine handled command", zap.String("command", cmd.Command), zap.Int("code", resp.Code))
	e.reply(conn, log, resp)
}

// readRequest buffers chunks until they parse or the client half-closes.
// It returns nil bytes when the client sent nothing at all.
func (e *Engine) readRequest(conn net.Conn) ([]byte, error) {
	framer := wire.NewFramer(e.maxRequest)
	buf := make([]byte, 4096)
	for {
		n, readErr := conn.Read(buf)
		if n > 0 {
			msg, err := framer.Feed(buf[:n])
			if err == nil {
				return msg, nil
			}
			if !errors.Is(err, wire.ErrIncomplete) {
				return nil, err
			}
		}
		if readErr == nil {
			continue
		}
		if !errors.Is(readErr, io.EOF) {
			return nil, readErr
		}
		if framer.Len() == 0 {
			return nil, nil
		}
		return framer.End()
	}
}

func (e *Engine) reply(conn net.Conn, log *zap.Logger, resp protocol.EngineResponse) {
	out, err := wire.EncodeResponse(resp)
	if err != nil {
		log.Error("mock engine encode response", zap.Error(err))
		out, _ = wire.EncodeResponse(serverError("Mock engine error: " + err.Error()))
	}
	if _, err := conn.Write(out); err != nil {
		log.Debug("mock engine write failed", zap.Error(err))
	}
}
