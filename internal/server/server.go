package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/kubilitics/kubilitics-sentinel/internal/analytics"
	"github.com/kubilitics/kubilitics-sentinel/internal/audit"
	"github.com/kubilitics/kubilitics-sentinel/internal/middleware"
	"github.com/kubilitics/kubilitics-sentinel/pkg/types"
)

// Options configure the listeners.
type Options struct {
	Host string
	Port int
	GRPCPort        int // 0 disables the gRPC health listener
	TLSEnabled      bool
	TLSCertPath     string
	TLSKeyPath      string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
	Version         string
	Storage         string
	IngestRateLimit int // requests per client per minute on /samples routes, 0 disables
}

// AnomalyQuerier exposes the anomaly lookups only a persistent event store
// can answer.
type AnomalyQuerier interface {
	GetAnomaly(ctx context.Context, id string) (types.AnomalyEvent, error)
	AnomalySummary(ctx context.Context, from, to time.Time) (map[types.Severity]int, error)
}

// Dependencies are the collaborators the server fronts.
type Dependencies struct {
	Pipeline *analytics.Pipeline
	Anomalies AnomalyQuerier // optional
	Journal   audit.Logger   // optional
	Logger    *zap.Logger    // optional
}

// Server exposes the pipeline over REST, WebSocket and gRPC health.
type Server struct {
	opts      Options
	pipeline  *analytics.Pipeline
	anomalies AnomalyQuerier
	journal   audit.Logger
	logger    *zap.Logger

	router   *mux.Router
	upgrader websocket.Upgrader
	limiter  *middleware.RateLimiter

	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	running bool
}

// NewServer wires the routes; it does not listen until Start.
func NewServer(opts Options, deps Dependencies) (*Server, error) {
	if deps.Pipeline == nil {
		return nil, fmt.Errorf("pipeline cannot be nil")
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Journal == nil {
		deps.Journal = audit.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:      opts,
		pipeline:  deps.Pipeline,
		anomalies: deps.Anomalies,
		journal:   deps.Journal,
		logger:    deps.Logger,
		router:    mux.NewRouter(),
		upgrader:  newUpgrader(opts.AllowedOrigins),
		health:    health.NewServer(),
		ctx:       ctx,
		cancel:    cancel,
	}
	if opts.IngestRateLimit > 0 {
		s.limiter = middleware.NewRateLimiter(opts.IngestRateLimit)
	}
	s.registerRoutes()
	return s, nil
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start opens the HTTP and gRPC listeners and returns once they accept
// connections.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.setStopped()
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.httpServer = &http.Server{
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
		// WebSocket streams outlive any write timeout
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var err error
		if s.opts.TLSEnabled {
			err = s.httpServer.ServeTLS(ln, s.opts.TLSCertPath, s.opts.TLSKeyPath)
		} else {
			err = s.httpServer.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	if s.opts.GRPCPort > 0 {
		if err := s.startGRPC(); err != nil {
			_ = s.httpServer.Close()
			s.setStopped()
			return err
		}
	}

	s.logger.Info("sentinel server started",
		zap.String("http", ln.Addr().String()),
		zap.Int("grpc_port", s.opts.GRPCPort),
		zap.Bool("tls", s.opts.TLSEnabled),
		zap.String("storage", s.opts.Storage),
		zap.String("version", s.opts.Version))
	_ = s.journal.Log(s.ctx, audit.NewEvent(audit.EventServerStarted).
		WithDescription(fmt.Sprintf("listening on %s", ln.Addr())).
		WithMetadata("version", s.opts.Version))
	return nil
}

func (s *Server) startGRPC() error {
	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.GRPCPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.grpcServer = grpc.NewServer(grpc.ConnectionTimeout(30 * time.Second))
	grpc_health_v1.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.grpcServer.Serve(ln); err != nil {
			s.logger.Error("gRPC server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop drains the listeners and closes open streams.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("stopping sentinel server")
	s.health.Shutdown()
	if s.limiter != nil {
		s.limiter.Stop()
	}

	// Streams hold hijacked connections that Shutdown does not wait for.
	s.cancel()

	var shutdownErr error
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("failed to shut down HTTP server: %w", err)
		}
	}

	if s.grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			s.logger.Warn("gRPC server forced to stop after timeout")
			s.grpcServer.Stop()
		}
	}

	s.wg.Wait()
	_ = s.journal.Log(context.Background(), audit.NewEvent(audit.EventServerShutdown).WithError(shutdownErr))
	s.logger.Info("sentinel server stopped")
	return shutdownErr
}

// IsRunning reports whether Start succeeded and Stop has not been called.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Server) setStopped() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}
