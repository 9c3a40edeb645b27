package api

import (
	"context"
	"path"
	"strings"

	"github.com/cuemby/slurmsync/pkg/metrics"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// LeaderMetadataKey is the trailer naming the Raft leader when a follower
// refuses a call
const LeaderMetadataKey = "slurmsync-leader"

// followerMethods are answered by any manager, leader or not
var followerMethods = map[string]bool{
	MethodListEvents: true,
	MethodGetReady:   true,
}

// LeaderInterceptor refuses leader-only methods on followers with
// Unavailable and the leader's Raft address in the trailer. A nil cluster
// is a manager without replication and always leads.
func LeaderInterceptor(cluster Cluster) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if cluster == nil || followerMethods[info.FullMethod] || cluster.IsLeader() {
			return handler(ctx, req)
		}
		if leader := cluster.LeaderAddr(); leader != "" {
			_ = grpc.SetTrailer(ctx, metadata.Pairs(LeaderMetadataKey, leader))
		}
		return nil, status.Error(codes.Unavailable, "not the leader")
	}
}

// InstrumentInterceptor records call count by code and latency per method
func InstrumentInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		timer := metrics.NewTimer()
		resp, err := handler(ctx, req)

		method := path.Base(info.FullMethod)
		timer.ObserveDurationVec(metrics.APIRequestDuration, method)
		metrics.APIRequestsTotal.WithLabelValues(method, status.Code(err).String()).Inc()
		return resp, err
	}
}

// ReadOnlyInterceptor only lets read-only methods through. It guards the
// local Unix socket, which carries no authentication, so a local CLI can
// query status and config but cannot change membership or rotate secrets.
func ReadOnlyInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if !isReadOnlyMethod(info.FullMethod) {
			return nil, status.Errorf(
				codes.PermissionDenied,
				"write operations not allowed on the local socket, use the TCP API address",
			)
		}
		return handler(ctx, req)
	}
}

// isReadOnlyMethod checks if a gRPC method has no side effects
func isReadOnlyMethod(fullMethod string) bool {
	name := path.Base(fullMethod)
	for _, prefix := range []string{"Get", "List"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}
