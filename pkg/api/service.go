package api

import (
	"context"
	"time"

	// registers the cbor codec every method is encoded with
	_ "github.com/cuemby/slurmsync/pkg/distribution"
	"github.com/cuemby/slurmsync/pkg/events"
	"github.com/cuemby/slurmsync/pkg/manager"
	"github.com/cuemby/slurmsync/pkg/reconciler"
	"github.com/cuemby/slurmsync/pkg/types"
	"google.golang.org/grpc"
)

// ServiceName is the gRPC service of the manager API
const ServiceName = "slurmsync.api.v1.Manager"

// Full method names, used by the client and the interceptors
const (
	MethodSubmitMembership  = "/" + ServiceName + "/SubmitMembership"
	MethodGetStatus         = "/" + ServiceName + "/GetStatus"
	MethodGetConfig         = "/" + ServiceName + "/GetConfig"
	MethodListEvents        = "/" + ServiceName + "/ListEvents"
	MethodRotateSecret      = "/" + ServiceName + "/RotateSecret"
	MethodPromoteController = "/" + ServiceName + "/PromoteController"
	MethodCreateJoinToken   = "/" + ServiceName + "/CreateJoinToken"
	MethodJoinCluster       = "/" + ServiceName + "/JoinCluster"
	MethodGetReady          = "/" + ServiceName + "/GetReady"
)

// Empty is the request or response of a method that carries nothing
type Empty struct{}

// ListEventsRequest bounds the number of events returned; zero uses the
// server's history size
type ListEventsRequest struct {
	Limit int `json:"limit,omitempty"`
}

// ListEventsResponse carries events oldest first
type ListEventsResponse struct {
	Events []*events.Event `json:"events"`
}

// RotateResponse reports the generation created by a rotation
type RotateResponse struct {
	Generation uint64 `json:"generation"`
}

// PromoteRequest names the controller to promote
type PromoteRequest struct {
	NodeID string `json:"node_id"`
}

// JoinRequest asks the leader to add a manager as a Raft voter
type JoinRequest struct {
	NodeID   string `json:"node_id"`
	RaftAddr string `json:"raft_addr"`
	Token    string `json:"token"`
}

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Converged bool              `json:"converged"`
	Version   uint64            `json:"version,omitempty"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// ManagerServer is the server side of the manager API. *Server implements
// it.
type ManagerServer interface {
	SubmitMembership(ctx context.Context, ev *types.MembershipEvent) (*Empty, error)
	GetStatus(ctx context.Context, req *Empty) (*reconciler.Status, error)
	GetConfig(ctx context.Context, req *Empty) (*types.ClusterConfig, error)
	ListEvents(ctx context.Context, req *ListEventsRequest) (*ListEventsResponse, error)
	RotateSecret(ctx context.Context, req *Empty) (*RotateResponse, error)
	PromoteController(ctx context.Context, req *PromoteRequest) (*Empty, error)
	CreateJoinToken(ctx context.Context, req *Empty) (*manager.JoinToken, error)
	JoinCluster(ctx context.Context, req *JoinRequest) (*Empty, error)
	GetReady(ctx context.Context, req *Empty) (*ReadyResponse, error)
}

var managerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ManagerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("SubmitMembership", ManagerServer.SubmitMembership),
		unary("GetStatus", ManagerServer.GetStatus),
		unary("GetConfig", ManagerServer.GetConfig),
		unary("ListEvents", ManagerServer.ListEvents),
		unary("RotateSecret", ManagerServer.RotateSecret),
		unary("PromoteController", ManagerServer.PromoteController),
		unary("CreateJoinToken", ManagerServer.CreateJoinToken),
		unary("JoinCluster", ManagerServer.JoinCluster),
		unary("GetReady", ManagerServer.GetReady),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "api",
}

// unary builds the method descriptor of a plain request/response method
func unary[Req, Resp any](name string, call func(ManagerServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ManagerServer), ctx, req.(*Req))
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// RegisterManagerServer registers srv on s
func RegisterManagerServer(s *grpc.Server, srv ManagerServer) {
	s.RegisterService(&managerServiceDesc, srv)
}
