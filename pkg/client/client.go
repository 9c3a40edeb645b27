package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/slurmsync/pkg/api"
	"github.com/cuemby/slurmsync/pkg/distribution"
	"github.com/cuemby/slurmsync/pkg/events"
	"github.com/cuemby/slurmsync/pkg/manager"
	"github.com/cuemby/slurmsync/pkg/reconciler"
	"github.com/cuemby/slurmsync/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// DefaultTimeout bounds calls whose context carries no deadline
const DefaultTimeout = 10 * time.Second

// Client wraps the manager gRPC API for the CLI and agents
type Client struct {
	conn *grpc.ClientConn
}

// APIError is a failed call answered by the manager
type APIError struct {
	Code    codes.Code
	Message string
	// Leader is the Raft address of the leader when a follower answered
	Leader string
}

func (e *APIError) Error() string {
	if e.Leader != "" {
		return fmt.Sprintf("manager returned %s: %s (leader: %s)", e.Code, e.Message, e.Leader)
	}
	return fmt.Sprintf("manager returned %s: %s", e.Code, e.Message)
}

// IsNotFound reports whether err is an APIError with code NotFound
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == codes.NotFound
}

// dialTarget turns a manager address into a gRPC target. A bare host:port
// bypasses name resolution; unix:// paths reach the local read-only socket.
func dialTarget(addr string) (string, error) {
	switch {
	case addr == "":
		return "", fmt.Errorf("manager address is required")
	case strings.HasPrefix(addr, "unix://"):
		if strings.TrimPrefix(addr, "unix://") == "" {
			return "", fmt.Errorf("empty socket path")
		}
		return addr, nil
	case strings.Contains(addr, "://"):
		return "", fmt.Errorf("unsupported manager address %q (want host:port or unix:///path)", addr)
	default:
		return "passthrough:///" + addr, nil
	}
}

// NewClient creates a client for the manager at addr, a host:port pair or
// unix:///path/to/socket. The connection is established lazily.
func NewClient(addr string, opts ...grpc.DialOption) (*Client, error) {
	target, err := dialTarget(addr)
	if err != nil {
		return nil, err
	}
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	opts = append(opts, grpc.WithDefaultCallOptions(grpc.CallContentSubtype(distribution.CodecName)))

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

func withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DefaultTimeout)
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	var trailer metadata.MD
	err := c.conn.Invoke(ctx, method, in, out, grpc.Trailer(&trailer))
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("call to manager failed: %w", err)
	}
	apiErr := &APIError{Code: st.Code(), Message: st.Message()}
	if leader := trailer.Get(api.LeaderMetadataKey); len(leader) > 0 {
		apiErr.Leader = leader[0]
	}
	return apiErr
}

// Submit sends a membership event
func (c *Client) Submit(ctx context.Context, ev types.MembershipEvent) error {
	return c.invoke(ctx, api.MethodSubmitMembership, &ev, &api.Empty{})
}

// Join registers a member
func (c *Client) Join(ctx context.Context, ev types.MembershipEvent) error {
	ev.Action = types.ActionJoin
	return c.Submit(ctx, ev)
}

// Leave deregisters a member
func (c *Client) Leave(ctx context.Context, nodeID string) error {
	return c.Submit(ctx, types.MembershipEvent{Action: types.ActionLeave, NodeID: nodeID})
}

// Heartbeat reports liveness and the config version a member has applied
func (c *Client) Heartbeat(ctx context.Context, nodeID string, appliedVersion uint64) error {
	return c.Submit(ctx, types.MembershipEvent{
		Action:         types.ActionHeartbeat,
		NodeID:         nodeID,
		AppliedVersion: appliedVersion,
	})
}

// Status returns the convergence status
func (c *Client) Status(ctx context.Context) (*reconciler.Status, error) {
	var st reconciler.Status
	if err := c.invoke(ctx, api.MethodGetStatus, &api.Empty{}, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Ready reports whether the cluster has converged. A cluster still
// converging is an answer, not an error.
func (c *Client) Ready(ctx context.Context) (*api.ReadyResponse, error) {
	var ready api.ReadyResponse
	if err := c.invoke(ctx, api.MethodGetReady, &api.Empty{}, &ready); err != nil {
		return nil, err
	}
	return &ready, nil
}

// Config returns the current published config
func (c *Client) Config(ctx context.Context) (*types.ClusterConfig, error) {
	var cfg types.ClusterConfig
	if err := c.invoke(ctx, api.MethodGetConfig, &api.Empty{}, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Events returns up to limit recent events; zero uses the server default
func (c *Client) Events(ctx context.Context, limit int) ([]*events.Event, error) {
	var resp api.ListEventsResponse
	if err := c.invoke(ctx, api.MethodListEvents, &api.ListEventsRequest{Limit: limit}, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// RotateSecret creates a new secret generation and returns its number
func (c *Client) RotateSecret(ctx context.Context) (uint64, error) {
	var resp api.RotateResponse
	if err := c.invoke(ctx, api.MethodRotateSecret, &api.Empty{}, &resp); err != nil {
		return 0, err
	}
	return resp.Generation, nil
}

// Promote hands controller authority to nodeID
func (c *Client) Promote(ctx context.Context, nodeID string) error {
	return c.invoke(ctx, api.MethodPromoteController, &api.PromoteRequest{NodeID: nodeID}, &api.Empty{})
}

// JoinToken issues a token another manager presents to join
func (c *Client) JoinToken(ctx context.Context) (*manager.JoinToken, error) {
	var jt manager.JoinToken
	if err := c.invoke(ctx, api.MethodCreateJoinToken, &api.Empty{}, &jt); err != nil {
		return nil, err
	}
	return &jt, nil
}

// JoinCluster asks the leader to add a manager as a Raft voter
func (c *Client) JoinCluster(ctx context.Context, nodeID, raftAddr, token string) error {
	return c.invoke(ctx, api.MethodJoinCluster, &api.JoinRequest{
		NodeID:   nodeID,
		RaftAddr: raftAddr,
		Token:    token,
	}, &api.Empty{})
}
