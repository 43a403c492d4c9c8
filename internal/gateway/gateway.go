// Package gateway turns engine exchanges into HTTP-shaped results and keeps
// a record of each one.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/atat/gateway/internal/engine"
	"github.com/atat/gateway/internal/envelope"
	"github.com/atat/gateway/internal/metrics"
	"github.com/atat/gateway/internal/protocol"
)

// Engine is the part of *engine.Client the gateway needs.
type Engine interface {
	CallTimeout(ctx context.Context, command string, data map[string]interface{}, timeout time.Duration) (*protocol.EngineResponse, error)
	Ping(ctx context.Context) error
	Addr() string
}

// History receives one record per call. *store.Store implements it.
type History interface {
	InsertCall(rec protocol.CallRecord) error
}

type Service struct {
	engine  Engine
	history History
	metrics *metrics.Metrics
	logger  *zap.Logger
	timeout time.Duration
	now     func() time.Time
}

type Option func(*Service)

func WithHistory(h History) Option {
	return func(s *Service) { s.history = h }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTimeout overrides the engine client's own per-call budget.
func WithTimeout(timeout time.Duration) Option {
	return func(s *Service) { s.timeout = timeout }
}

func New(eng Engine, opts ...Option) *Service {
	s := &Service{
		engine: eng,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Result is the outcome of one gateway call.
type Result struct {
	Status   int
	Envelope envelope.Envelope
	// Response is nil when the exchange failed before a response arrived.
	Response *protocol.EngineResponse
	Err      error
}

// Call sends command to the engine and maps the outcome. successMessage
// replaces the default message of a successful envelope.
func (s *Service) Call(ctx context.Context, command string, data map[string]interface{}, successMessage string) Result {
	started := s.now()
	resp, err := s.engine.CallTimeout(ctx, command, data, s.timeout)
	elapsed := s.now().Sub(started)

	var res Result
	if err != nil {
		res.Status, res.Envelope = envelope.MapError(err)
		res.Err = err
	} else {
		res.Status, res.Envelope = envelope.MapWith(resp, successMessage)
		res.Response = resp
	}

	kind := ErrorKind(err)
	s.metrics.ObserveCall(command, res.Status, kind, elapsed)
	s.record(command, data, res, started, elapsed)

	log := s.logger.With(
		zap.String("command", command),
		zap.Int("status", res.Status),
		zap.Duration("elapsed", elapsed),
	)
	switch {
	case err != nil:
		log.Warn("engine call failed", zap.String("kind", kind), zap.Error(err))
	case !res.Envelope.Success:
		log.Info("engine rejected command", zap.String("message", res.Envelope.Message))
	default:
		log.Debug("engine call ok")
	}
	return res
}

func (s *Service) record(command string, data map[string]interface{}, res Result, at time.Time, elapsed time.Duration) {
	if s.history == nil {
		return
	}
	rec := protocol.CallRecord{
		At:         at,
		Command:    command,
		Data:       data,
		Success:    res.Envelope.Success,
		DurationMs: elapsed.Milliseconds(),
	}
	if res.Response != nil {
		rec.Code = res.Response.Code
	}
	switch {
	case res.Err != nil:
		rec.Error = res.Err.Error()
	case !res.Envelope.Success:
		rec.Error = res.Envelope.Message
	}
	if err := s.history.InsertCall(rec); err != nil {
		s.logger.Warn("failed to record engine call", zap.String("command", command), zap.Error(err))
	}
}

// Health probes the engine address without sending a command.
func (s *Service) Health(ctx context.Context) (int, envelope.Envelope) {
	info := map[string]interface{}{"addr": s.engine.Addr()}
	if err := s.engine.Ping(ctx); err != nil {
		info["running"] = false
		s.logger.Debug("engine health check failed", zap.Error(err))
		return http.StatusServiceUnavailable, envelope.Error(http.StatusServiceUnavailable, "Engine is not running", info)
	}
	info["running"] = true
	return http.StatusOK, envelope.Success(http.StatusOK, "Engine is running", info)
}

// CommandInfo describes one name in the engine command namespace.
type CommandInfo struct {
	Name        string `json:"name"`
	Namespace   string `json:"namespace"`
	Implemented bool   `json:"implemented"`
}

// Commands lists the engine command namespace, sorted by name.
func Commands() []CommandInfo {
	implemented := make(map[string]bool, len(protocol.Implemented))
	for _, name := range protocol.Implemented {
		implemented[name] = true
	}
	known := protocol.Known()
	out := make([]CommandInfo, 0, len(known))
	for _, name := range known {
		out = append(out, CommandInfo{
			Name:        name,
			Namespace:   protocol.Namespace(name),
			Implemented: implemented[name],
		})
	}
	return out
}

// ErrorKind names the failure class of an engine client error for logs and
// metrics. It returns "" for a nil error.
func ErrorKind(err error) string {
	var (
		connErr    *engine.ConnectError
		timeoutErr *engine.TimeoutError
		malformed  *engine.MalformedResponseError
		protoErr   *engine.ProtocolError
		codecErr   *engine.CodecError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &connErr):
		return "connect"
	case errors.As(err, &timeoutErr):
		return "timeout"
	case errors.As(err, &malformed):
		return "malformed"
	case errors.As(err, &protoErr):
		return "protocol"
	case errors.As(err, &codecErr):
		return "codec"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "internal"
	}
}
