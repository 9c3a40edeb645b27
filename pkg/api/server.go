package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/cuemby/slurmsync/pkg/events"
	"github.com/cuemby/slurmsync/pkg/log"
	"github.com/cuemby/slurmsync/pkg/manager"
	"github.com/cuemby/slurmsync/pkg/metrics"
	"github.com/cuemby/slurmsync/pkg/reconciler"
	"github.com/cuemby/slurmsync/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Controller is the reconciliation surface the API serves
type Controller interface {
	Submit(ev types.MembershipEvent) error
	Status() reconciler.Status
	Converged() bool
	Current() (*types.ClusterConfig, error)
	RotateSecret() (uint64, error)
	Promote(ctx context.Context, nodeID string) error
}

// Cluster is the Raft surface the API serves
type Cluster interface {
	IsLeader() bool
	LeaderAddr() string
	GenerateJoinToken() (*manager.JoinToken, error)
	ValidateJoinToken(token string) error
	RevokeJoinToken(token string)
	AddVoter(nodeID, address string) error
}

// Server serves the manager gRPC API. Only the Raft leader runs a
// controller; on followers every leader-only method fails with Unavailable
// and names the leader in the response trailer.
type Server struct {
	cluster Cluster
	events  *events.Broker
	logger  zerolog.Logger

	mu         sync.RWMutex
	controller Controller

	grpcServers []*grpc.Server
	httpServers []*http.Server
}

// NewServer creates the API server. cluster may be nil for a manager
// without replication, in which case it always acts as leader.
func NewServer(cluster Cluster, broker *events.Broker) *Server {
	return &Server{
		cluster: cluster,
		events:  broker,
		logger:  log.WithComponent("api"),
	}
}

// SetController installs the controller served by leader-only methods; nil
// detaches it when this manager loses leadership
func (s *Server) SetController(c Controller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controller = c
}

func (s *Server) currentController() Controller {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.controller
}

// activeController returns the running controller or an Unavailable status
func (s *Server) activeController() (Controller, error) {
	c := s.currentController()
	if c == nil {
		return nil, status.Error(codes.Unavailable, "controller not running")
	}
	return c, nil
}

// newGRPCServer builds a server for one listener. The local socket adds
// ReadOnlyInterceptor in front of the leader check.
func (s *Server) newGRPCServer(readOnly bool) *grpc.Server {
	chain := []grpc.UnaryServerInterceptor{InstrumentInterceptor()}
	if readOnly {
		chain = append(chain, ReadOnlyInterceptor())
	}
	chain = append(chain, LeaderInterceptor(s.cluster))

	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(chain...))
	RegisterManagerServer(srv, s)

	s.mu.Lock()
	s.grpcServers = append(s.grpcServers, srv)
	s.mu.Unlock()
	return srv
}

// Start listens on addr and serves until Shutdown
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve serves the full API on lis until Shutdown
func (s *Server) Serve(lis net.Listener) error {
	srv := s.newGRPCServer(false)
	metrics.SetComponent(metrics.ComponentAPI, true, "")
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("API listening")

	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		metrics.SetComponent(metrics.ComponentAPI, false, err.Error())
		return err
	}
	return nil
}

// ServeLocal serves the read-only methods on a Unix socket for the local CLI
func (s *Server) ServeLocal(socketPath string) error {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}
	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0660); err != nil {
		lis.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	srv := s.newGRPCServer(true)
	s.logger.Info().Str("socket", socketPath).Msg("Read-only API listening")
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// HTTPHandler serves /ready, /health, /livez and /metrics for service
// managers and Prometheus, which do not speak gRPC
func (s *Server) HTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ready", s.readyHandler)
	mux.Handle("GET /health", metrics.HealthHandler())
	mux.Handle("GET /livez", metrics.LivenessHandler())
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// StartHTTP listens on addr for the health and metrics endpoints
func (s *Server) StartHTTP(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	srv := &http.Server{
		Handler:      s.HTTPHandler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.mu.Lock()
	s.httpServers = append(s.httpServers, srv)
	s.mu.Unlock()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("Health endpoints listening")
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops every listener, waiting for in-flight calls until ctx is
// done
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	grpcServers := append([]*grpc.Server(nil), s.grpcServers...)
	httpServers := append([]*http.Server(nil), s.httpServers...)
	s.mu.RUnlock()

	var errs []error
	for _, srv := range httpServers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, srv := range grpcServers {
		stopped := make(chan struct{})
		go func() {
			srv.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			srv.Stop()
			errs = append(errs, ctx.Err())
		}
	}
	return errors.Join(errs...)
}

// toStatus maps the error taxonomy to gRPC codes. Errors that already carry
// a status pass through.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	var (
		unknown   *types.UnknownMemberError
		stale     *types.StaleGenerationError
		invariant *types.NoAuthoritativeControllerError
	)
	switch {
	case errors.As(err, &unknown):
		return status.Error(codes.NotFound, err.Error())
	case errors.As(err, &stale):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.As(err, &invariant):
		return status.Error(codes.Internal, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.InvalidArgument, err.Error())
	}
}

// SubmitMembership applies a join, leave or heartbeat
func (s *Server) SubmitMembership(ctx context.Context, ev *types.MembershipEvent) (*Empty, error) {
	c, err := s.activeController()
	if err != nil {
		return nil, err
	}
	if ev.NodeID == "" {
		return nil, status.Error(codes.InvalidArgument, "node_id is required")
	}

	if err := c.Submit(*ev); err != nil {
		st := toStatus(err)
		if status.Code(st) == codes.InvalidArgument {
			s.logger.Debug().Err(err).Str("node_id", ev.NodeID).Str("action", string(ev.Action)).Msg("Rejected membership event")
		}
		return nil, st
	}
	return &Empty{}, nil
}

// GetStatus returns convergence status and per-member detail
func (s *Server) GetStatus(ctx context.Context, _ *Empty) (*reconciler.Status, error) {
	c, err := s.activeController()
	if err != nil {
		return nil, err
	}
	st := c.Status()
	return &st, nil
}

// GetConfig returns the current published config
func (s *Server) GetConfig(ctx context.Context, _ *Empty) (*types.ClusterConfig, error) {
	c, err := s.activeController()
	if err != nil {
		return nil, err
	}
	cfg, err := c.Current()
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	if cfg == nil {
		return nil, status.Error(codes.NotFound, "no config published yet")
	}
	return cfg, nil
}

// ListEvents returns recent controller events. Followers answer from their
// own history.
func (s *Server) ListEvents(ctx context.Context, req *ListEventsRequest) (*ListEventsResponse, error) {
	if req.Limit < 0 {
		return nil, status.Errorf(codes.InvalidArgument, "invalid limit %d", req.Limit)
	}
	if s.events == nil {
		return &ListEventsResponse{Events: []*events.Event{}}, nil
	}
	limit := events.DefaultHistory
	if req.Limit > 0 {
		limit = req.Limit
	}
	return &ListEventsResponse{Events: s.events.Recent(limit)}, nil
}

// RotateSecret creates a new auth secret generation
func (s *Server) RotateSecret(ctx context.Context, _ *Empty) (*RotateResponse, error) {
	c, err := s.activeController()
	if err != nil {
		return nil, err
	}
	gen, err := c.RotateSecret()
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &RotateResponse{Generation: gen}, nil
}

// PromoteController hands authority to another controller and waits for the
// handoff
func (s *Server) PromoteController(ctx context.Context, req *PromoteRequest) (*Empty, error) {
	c, err := s.activeController()
	if err != nil {
		return nil, err
	}
	if req.NodeID == "" {
		return nil, status.Error(codes.InvalidArgument, "node_id is required")
	}
	if err := c.Promote(ctx, req.NodeID); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

// CreateJoinToken issues a single-use manager join token
func (s *Server) CreateJoinToken(ctx context.Context, _ *Empty) (*manager.JoinToken, error) {
	if s.cluster == nil {
		return nil, status.Error(codes.Unimplemented, "manager is not replicated")
	}
	jt, err := s.cluster.GenerateJoinToken()
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return jt, nil
}

// JoinCluster adds a manager as a Raft voter. The token is revoked once the
// voter is added.
func (s *Server) JoinCluster(ctx context.Context, req *JoinRequest) (*Empty, error) {
	if s.cluster == nil {
		return nil, status.Error(codes.Unimplemented, "manager is not replicated")
	}
	if req.NodeID == "" || req.RaftAddr == "" {
		return nil, status.Error(codes.InvalidArgument, "node_id and raft_addr are required")
	}
	if err := s.cluster.ValidateJoinToken(req.Token); err != nil {
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}
	if err := s.cluster.AddVoter(req.NodeID, req.RaftAddr); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	s.cluster.RevokeJoinToken(req.Token)
	s.logger.Info().Str("node_id", req.NodeID).Str("raft_addr", req.RaftAddr).Msg("Manager joined the cluster")
	return &Empty{}, nil
}

// GetReady reports convergence. A cluster that has not converged is an
// answer, not an error.
func (s *Server) GetReady(ctx context.Context, _ *Empty) (*ReadyResponse, error) {
	resp := s.readiness()
	return &resp, nil
}

var _ ManagerServer = (*Server)(nil)
