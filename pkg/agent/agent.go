package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/cuemby/slurmsync/pkg/distribution"
	"github.com/cuemby/slurmsync/pkg/log"
	"github.com/cuemby/slurmsync/pkg/metrics"
	"github.com/cuemby/slurmsync/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
)

// Config holds agent configuration
type Config struct {
	// Join describes this node to the manager
	Join types.MembershipEvent
	// ListenAddr is where bundles are received
	ListenAddr string
	// StateDir holds the applied bundle, key and state marker
	StateDir string
	// MetricsAddr serves /metrics, /health and /ready; empty disables it
	MetricsAddr       string
	HeartbeatInterval time.Duration
	Hooks             Hooks
}

// Agent runs on every cluster member: it receives bundles from the manager
// and keeps the node registered
type Agent struct {
	cfg         Config
	receiver    *Receiver
	heartbeater *Heartbeater
	grpcServer  *grpc.Server
	logger      zerolog.Logger
}

// New creates an agent that reports to the manager through notifier
func New(cfg Config, notifier Notifier) (*Agent, error) {
	if cfg.Join.NodeID == "" {
		return nil, fmt.Errorf("node id is required")
	}
	if !cfg.Join.Role.Valid() {
		return nil, fmt.Errorf("invalid role %q", cfg.Join.Role)
	}
	if cfg.HeartbeatInterval <= 0 {
		return nil, fmt.Errorf("heartbeat interval must be positive")
	}

	receiver, err := NewReceiver(cfg.Join.NodeID, cfg.StateDir, cfg.Hooks)
	if err != nil {
		return nil, err
	}

	srv := grpc.NewServer(grpc.UnaryInterceptor(distribution.NodeInterceptor(cfg.Join.NodeID)))
	distribution.RegisterServer(srv, receiver)

	a := &Agent{
		cfg:         cfg,
		receiver:    receiver,
		heartbeater: NewHeartbeater(notifier, cfg.Join, cfg.HeartbeatInterval, receiver.AppliedVersion),
		grpcServer:  srv,
		logger:      log.WithMember(string(cfg.Join.Role), cfg.Join.NodeID),
	}
	return a, nil
}

// Receiver returns the bundle receiver
func (a *Agent) Receiver() *Receiver {
	return a.receiver
}

// Heartbeater returns the heartbeater
func (a *Agent) Heartbeater() *Heartbeater {
	return a.heartbeater
}

// Run listens on the configured address and serves until ctx is done
func (a *Agent) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", a.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return a.Serve(ctx, lis)
}

// Serve receives bundles on lis, registers with the manager and heartbeats
// until ctx is done. On return the node has left the cluster.
func (a *Agent) Serve(ctx context.Context, lis net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		a.logger.Info().Str("addr", lis.Addr().String()).Msg("Receiving bundles")
		if err := a.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("bundle server: %w", err)
		}
	}()

	var msrv *http.Server
	if a.cfg.MetricsAddr != "" {
		msrv = a.metricsServer()
		go func() {
			if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		_ = a.heartbeater.Run(ctx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		cancel()
	}

	// Heartbeater leaves before the bundle server goes away
	<-hbDone
	a.grpcServer.GracefulStop()

	if msrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = msrv.Shutdown(shutdownCtx)
		shutdownCancel()
	}

	a.logger.Info().Msg("Agent stopped")
	return runErr
}

// metricsServer serves readiness gated on the receiver
func (a *Agent) metricsServer() *http.Server {
	metrics.RequireComponents(metrics.ComponentReceiver)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("GET /health", metrics.HealthHandler())
	mux.Handle("GET /ready", metrics.ReadyHandler())
	mux.Handle("GET /livez", metrics.LivenessHandler())

	return &http.Server{
		Addr:         a.cfg.MetricsAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
