// Package httpapi is the gateway's HTTP surface. Every response body,
// including errors and unknown routes, is an envelope.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/atat/gateway/internal/envelope"
	"github.com/atat/gateway/internal/gateway"
	"github.com/atat/gateway/internal/metrics"
	"github.com/atat/gateway/internal/protocol"
	"github.com/atat/gateway/internal/store"
)

const (
	Version = "1.0.0"

	maxBodyBytes   = 10 << 20
	shutdownGrace  = 5 * time.Second
	readHeaderWait = 10 * time.Second
)

// HistoryReader serves GET /api/history. *store.Store implements it.
type HistoryReader interface {
	ListCalls(f store.Filter) ([]protocol.CallRecord, error)
}

type Server struct {
	svc       *gateway.Service
	history   HistoryReader
	metrics   *metrics.Metrics
	logger    *zap.Logger
	limiter   *ipLimiter
	uploadDir string
	handler   http.Handler
}

type Option func(*Server)

func WithHistory(h HistoryReader) Option {
	return func(s *Server) { s.history = h }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRateLimit allows perSecond requests per client IP with the given
// burst. A non-positive rate disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Server) {
		if perSecond > 0 {
			s.limiter = newIPLimiter(perSecond, burst)
		}
	}
}

// WithUploadDir makes imports also write the uploaded file into dir for
// the duration of the engine call, for engines that read specs from disk.
func WithUploadDir(dir string) Option {
	return func(s *Server) { s.uploadDir = dir }
}

func New(svc *gateway.Service, opts ...Option) *Server {
	s := &Server{
		svc:    svc,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handler = s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// Serve accepts connections on ln until ctx is canceled, then drains
// in-flight requests.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderWait,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("http api listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe is Serve on a new TCP listener at addr.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func writeEnvelope(w http.ResponseWriter, status int, env envelope.Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func writeSuccess(w http.ResponseWriter, message string, data interface{}) {
	writeEnvelope(w, http.StatusOK, envelope.Success(http.StatusOK, message, data))
}

func writeError(w http.ResponseWriter, status int, message string, errs interface{}) {
	writeEnvelope(w, status, envelope.Error(status, message, errs))
}
