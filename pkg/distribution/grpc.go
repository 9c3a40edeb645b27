package distribution

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cuemby/slurmsync/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// DefaultAgentPort is used when a member address carries no port
const DefaultAgentPort = 6830

const (
	serviceName = "slurmsync.distribution.v1.Distribution"
	pushMethod  = "/" + serviceName + "/Push"
)

// PushRequest is the wire form of a push
type PushRequest struct {
	NodeID  string  `cbor:"1,keyasint"`
	Payload Payload `cbor:"2,keyasint"`
}

// Receiver is implemented by the agent side of the channel
type Receiver interface {
	Receive(ctx context.Context, nodeID string, p Payload) (Ack, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Receiver)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Push", Handler: pushHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "distribution",
}

func pushHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PushRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req any) (any, error) {
		r := req.(*PushRequest)
		ack, err := srv.(Receiver).Receive(ctx, r.NodeID, r.Payload)
		if err != nil {
			return nil, err
		}
		return &ack, nil
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: pushMethod}
	return interceptor(ctx, in, info, handler)
}

// RegisterServer registers r on s. Requests are decoded with the cbor codec
// registered by this package.
func RegisterServer(s *grpc.Server, r Receiver) {
	s.RegisterService(&serviceDesc, r)
}

// GRPCChannel pushes payloads to agents over gRPC using the cbor codec.
// Connections are cached per address.
type GRPCChannel struct {
	mu       sync.Mutex
	conns    map[string]*grpc.ClientConn
	dialOpts []grpc.DialOption
	timeout  time.Duration
}

// NewGRPCChannel creates a channel. Without dial options connections use
// insecure transport credentials.
func NewGRPCChannel(timeout time.Duration, opts ...grpc.DialOption) *GRPCChannel {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &GRPCChannel{
		conns:    make(map[string]*grpc.ClientConn),
		dialOpts: opts,
		timeout:  timeout,
	}
}

// agentAddress appends the default agent port when addr has none
func agentAddress(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, fmt.Sprint(DefaultAgentPort))
}

func (c *GRPCChannel) conn(addr string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conns[addr]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient("passthrough:///"+addr, c.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", addr, err)
	}
	c.conns[addr] = conn
	return conn, nil
}

// Push sends p to the member's agent and waits for its acknowledgement
func (c *GRPCChannel) Push(ctx context.Context, member types.Member, p Payload) (Ack, error) {
	conn, err := c.conn(agentAddress(member.Address))
	if err != nil {
		return Ack{}, err
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var ack Ack
	req := &PushRequest{NodeID: member.ID, Payload: p}
	if err := conn.Invoke(ctx, pushMethod, req, &ack, grpc.CallContentSubtype(CodecName)); err != nil {
		return Ack{}, err
	}
	return ack, nil
}

// Close closes every cached connection
func (c *GRPCChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for addr, conn := range c.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.conns, addr)
	}
	return firstErr
}
