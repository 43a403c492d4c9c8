// Package server assembles the gateway daemon: history store, metrics,
// engine client, optional mock engine and the HTTP API.
package server

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atat/gateway/internal/config"
	"github.com/atat/gateway/internal/engine"
	"github.com/atat/gateway/internal/gateway"
	"github.com/atat/gateway/internal/httpapi"
	"github.com/atat/gateway/internal/metrics"
	"github.com/atat/gateway/internal/mockengine"
	"github.com/atat/gateway/internal/store"
)

const pruneInterval = 10 * time.Minute

type Server struct {
	cfg       *config.Config
	logger    *zap.Logger
	startedAt time.Time

	mu    sync.Mutex
	addr  string
	ready chan struct{}
}

func New(cfg *config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:       cfg,
		logger:    logger,
		startedAt: time.Now().UTC(),
		ready:     make(chan struct{}),
	}
}

// Run serves until SIGINT or SIGTERM.
func (s *Server) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	return s.RunContext(ctx)
}

// Ready is closed once the HTTP listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr is the bound HTTP address, or "" before Ready.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// RunContext serves until ctx is canceled or a component fails.
func (s *Server) RunContext(ctx context.Context) error {
	cfg := s.cfg

	history, err := store.Open(cfg.Store.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = history.Close()
	}()

	if cfg.Mock.Enabled {
		mock := mockengine.New(cfg.Engine.Addr(), s.mockOptions()...)
		if err := mock.Start(ctx); err != nil {
			return fmt.Errorf("start mock engine: %w", err)
		}
		defer func() {
			_ = mock.Stop()
		}()
	}

	m := metrics.New()
	client := engine.New(cfg.Engine.Addr(),
		engine.WithTimeout(cfg.Engine.Timeout),
		engine.WithMaxResponseSize(cfg.Engine.MaxResponseBytes),
		engine.WithLogger(s.logger.Named("engine")),
	)
	svc := gateway.New(client,
		gateway.WithHistory(history),
		gateway.WithMetrics(m),
		gateway.WithLogger(s.logger.Named("gateway")),
	)
	api := httpapi.New(svc,
		httpapi.WithHistory(history),
		httpapi.WithMetrics(m),
		httpapi.WithLogger(s.logger.Named("http")),
		httpapi.WithRateLimit(cfg.HTTP.RateLimit, cfg.HTTP.RateBurst),
		httpapi.WithUploadDir(cfg.HTTP.UploadDir),
	)

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.HTTP.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	close(s.ready)

	s.logger.Info("gateway started",
		zap.String("http", s.Addr()),
		zap.String("engine", client.Addr()),
		zap.Bool("mock", cfg.Mock.Enabled),
		zap.String("db", cfg.Store.DBPath),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return api.Serve(gctx, ln)
	})
	if cfg.Store.Retention > 0 {
		g.Go(func() error {
			s.pruneLoop(gctx, history, cfg.Store.Retention)
			return nil
		})
	}
	err = g.Wait()
	s.logger.Info("gateway stopped", zap.Duration("uptime", time.Since(s.startedAt)))
	return err
}

func (s *Server) mockOptions() []mockengine.Option {
	opts := []mockengine.Option{mockengine.WithLogger(s.logger.Named("mock"))}
	if s.cfg.Mock.FilesDir != "" {
		opts = append(opts, mockengine.WithFilesDir(s.cfg.Mock.FilesDir))
	}
	if s.cfg.Mock.ScanDuration > 0 {
		opts = append(opts, mockengine.WithScanDuration(s.cfg.Mock.ScanDuration))
	}
	if s.cfg.Mock.Preload {
		opts = append(opts, mockengine.WithPreloadedAPI())
	}
	return opts
}

func (s *Server) pruneLoop(ctx context.Context, history *store.Store, retention time.Duration) {
	prune := func() {
		n, err := history.Prune(time.Now().Add(-retention))
		if err != nil {
			s.logger.Warn("history prune failed", zap.Error(err))
			return
		}
		if n > 0 {
			s.logger.Info("pruned call history", zap.Int64("deleted", n))
		}
	}
	prune()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
