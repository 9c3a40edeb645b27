package distribution

import (
	"context"

	"github.com/cuemby/slurmsync/pkg/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// NodeInterceptor creates a gRPC unary interceptor that refuses pushes
// addressed to another node. An agent reached at a reused address must not
// apply a bundle meant for the previous owner.
func NodeInterceptor(nodeID string) grpc.UnaryServerInterceptor {
	logger := log.WithNodeID(nodeID)
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		push, ok := req.(*PushRequest)
		if !ok {
			return handler(ctx, req)
		}
		if push.NodeID != nodeID {
			logger.Warn().
				Str("addressed_to", push.NodeID).
				Str("method", info.FullMethod).
				Msg("Refusing push addressed to another node")
			return nil, status.Errorf(codes.FailedPrecondition,
				"push addressed to %s, this agent is %s", push.NodeID, nodeID)
		}
		return handler(ctx, req)
	}
}
