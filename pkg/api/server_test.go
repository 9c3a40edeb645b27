package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/slurmsync/pkg/events"
	"github.com/cuemby/slurmsync/pkg/manager"
	"github.com/cuemby/slurmsync/pkg/reconciler"
	"github.com/cuemby/slurmsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fakeController struct {
	mu        sync.Mutex
	submitted []types.MembershipEvent
	submitErr error
	status    reconciler.Status
	current   *types.ClusterConfig
	promoted  string
	promoteFn func(id string) error
	rotations uint64
}

func (f *fakeController) Submit(ev types.MembershipEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, ev)
	return nil
}

func (f *fakeController) Status() reconciler.Status { return f.status }

func (f *fakeController) Converged() bool { return f.status.Converged }

func (f *fakeController) Current() (*types.ClusterConfig, error) { return f.current, nil }

func (f *fakeController) RotateSecret() (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rotations++
	return f.rotations + 1, nil
}

func (f *fakeController) Promote(ctx context.Context, id string) error {
	if f.promoteFn != nil {
		if err := f.promoteFn(id); err != nil {
			return err
		}
	}
	f.promoted = id
	return nil
}

type fakeCluster struct {
	leader bool
	addr   string
	tokens *manager.TokenManager
	voters map[string]string
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		leader: true,
		addr:   "10.0.0.1:7946",
		tokens: manager.NewTokenManager(),
		voters: make(map[string]string),
	}
}

func (f *fakeCluster) IsLeader() bool     { return f.leader }
func (f *fakeCluster) LeaderAddr() string { return f.addr }

func (f *fakeCluster) GenerateJoinToken() (*manager.JoinToken, error) {
	return f.tokens.GenerateToken(time.Hour)
}

func (f *fakeCluster) ValidateJoinToken(token string) error {
	return f.tokens.ValidateToken(token)
}

func (f *fakeCluster) RevokeJoinToken(token string) {
	f.tokens.RevokeToken(token)
}

func (f *fakeCluster) AddVoter(id, addr string) error {
	f.voters[id] = addr
	return nil
}

// callThrough runs method through interceptor the way grpc.Server would
func callThrough(interceptor grpc.UnaryServerInterceptor, method string) (bool, error) {
	called := false
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		called = true
		return &Empty{}, nil
	}
	_, err := interceptor(context.Background(), &Empty{}, &grpc.UnaryServerInfo{FullMethod: method}, handler)
	return called, err
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestSubmitMembershipEvent(t *testing.T) {
	ctl := &fakeController{}
	s := NewServer(newFakeCluster(), nil)
	s.SetController(ctl)

	_, err := s.SubmitMembership(context.Background(), &types.MembershipEvent{
		Action: types.ActionJoin, Role: types.RoleCompute, NodeID: "n1", Address: "10.0.0.5", CPUs: 4,
	})
	require.NoError(t, err)
	require.Len(t, ctl.submitted, 1)
	assert.Equal(t, types.ActionJoin, ctl.submitted[0].Action)
	assert.Equal(t, 4, ctl.submitted[0].CPUs)

	_, err = s.SubmitMembership(context.Background(), &types.MembershipEvent{Action: types.ActionJoin})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Len(t, ctl.submitted, 1)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code codes.Code
	}{
		{name: "unknown member", err: &types.UnknownMemberError{NodeID: "n9"}, code: codes.NotFound},
		{name: "stale generation", err: &types.StaleGenerationError{Generation: 2, Oldest: 1}, code: codes.FailedPrecondition},
		{name: "invariant", err: &types.NoAuthoritativeControllerError{}, code: codes.Internal},
		{name: "wrapped unknown member", err: fmt.Errorf("heartbeat: %w", &types.UnknownMemberError{NodeID: "n9"}), code: codes.NotFound},
		{name: "deadline", err: fmt.Errorf("handoff: %w", context.DeadlineExceeded), code: codes.DeadlineExceeded},
		{name: "validation", err: fmt.Errorf("invalid role"), code: codes.InvalidArgument},
		{name: "status passes through", err: status.Error(codes.Aborted, "busy"), code: codes.Aborted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(nil, nil)
			s.SetController(&fakeController{submitErr: tt.err})

			_, err := s.SubmitMembership(context.Background(), &types.MembershipEvent{Action: types.ActionHeartbeat, NodeID: "n9"})
			st, ok := status.FromError(err)
			require.True(t, ok)
			assert.Equal(t, tt.code, st.Code())
			if tt.code != codes.Aborted {
				assert.Equal(t, tt.err.Error(), st.Message())
			}
		})
	}
}

func TestLeaderInterceptor(t *testing.T) {
	cluster := newFakeCluster()
	cluster.leader = false
	cluster.addr = "10.0.0.2:7946"
	interceptor := LeaderInterceptor(cluster)

	for _, method := range []string{
		MethodSubmitMembership,
		MethodGetStatus,
		MethodGetConfig,
		MethodRotateSecret,
		MethodPromoteController,
		MethodCreateJoinToken,
		MethodJoinCluster,
	} {
		called, err := callThrough(interceptor, method)
		assert.False(t, called, method)
		assert.Equal(t, codes.Unavailable, status.Code(err), method)
	}

	for _, method := range []string{MethodListEvents, MethodGetReady} {
		called, err := callThrough(interceptor, method)
		assert.True(t, called, method)
		assert.NoError(t, err, method)
	}

	cluster.leader = true
	called, err := callThrough(interceptor, MethodRotateSecret)
	assert.True(t, called)
	assert.NoError(t, err)

	called, err = callThrough(LeaderInterceptor(nil), MethodRotateSecret)
	assert.True(t, called)
	assert.NoError(t, err)
}

func TestReadOnlyInterceptor(t *testing.T) {
	interceptor := ReadOnlyInterceptor()

	for _, method := range []string{MethodGetStatus, MethodGetConfig, MethodListEvents, MethodGetReady} {
		called, err := callThrough(interceptor, method)
		assert.True(t, called, method)
		assert.NoError(t, err, method)
	}

	for _, method := range []string{
		MethodSubmitMembership,
		MethodRotateSecret,
		MethodPromoteController,
		MethodCreateJoinToken,
		MethodJoinCluster,
	} {
		called, err := callThrough(interceptor, method)
		assert.False(t, called, method)
		assert.Equal(t, codes.PermissionDenied, status.Code(err), method)
	}
}

func TestInstrumentInterceptorPassesResult(t *testing.T) {
	interceptor := InstrumentInterceptor()
	want := status.Error(codes.NotFound, "unknown member")

	resp, err := interceptor(context.Background(), &Empty{}, &grpc.UnaryServerInfo{FullMethod: MethodGetStatus},
		func(ctx context.Context, req interface{}) (interface{}, error) { return nil, want })
	assert.Nil(t, resp)
	assert.Equal(t, want, err)
}

func TestLeaderWithoutController(t *testing.T) {
	s := NewServer(newFakeCluster(), nil)

	_, err := s.GetStatus(context.Background(), &Empty{})
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.Contains(t, err.Error(), "controller not running")

	s.SetController(&fakeController{status: reconciler.Status{Running: true, Version: 3}})
	st, err := s.GetStatus(context.Background(), &Empty{})
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Equal(t, uint64(3), st.Version)

	s.SetController(nil)
	_, err = s.GetStatus(context.Background(), &Empty{})
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestGetConfig(t *testing.T) {
	ctl := &fakeController{}
	s := NewServer(nil, nil)
	s.SetController(ctl)

	_, err := s.GetConfig(context.Background(), &Empty{})
	assert.Equal(t, codes.NotFound, status.Code(err))

	ctl.current = &types.ClusterConfig{
		Version:     2,
		ClusterName: "hpc",
		Controller:  types.ControllerRef{NodeID: "c1", Address: "10.0.0.1"},
		Nodes:       []types.NodeEntry{{Name: "n1", Address: "10.0.0.5", Partition: "batch", CPUs: 8}},
	}
	cfg, err := s.GetConfig(context.Background(), &Empty{})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cfg.Version)
	assert.Equal(t, "c1", cfg.Controller.NodeID)
}

func TestRotateAndPromote(t *testing.T) {
	ctl := &fakeController{
		promoteFn: func(id string) error {
			if id == "n1" {
				return fmt.Errorf("member n1 is not a controller")
			}
			if id == "ghost" {
				return &types.UnknownMemberError{NodeID: id}
			}
			return nil
		},
	}
	s := NewServer(nil, nil)
	s.SetController(ctl)
	ctx := context.Background()

	rot, err := s.RotateSecret(ctx, &Empty{})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rot.Generation)

	_, err = s.PromoteController(ctx, &PromoteRequest{NodeID: "c2"})
	assert.NoError(t, err)
	assert.Equal(t, "c2", ctl.promoted)

	_, err = s.PromoteController(ctx, &PromoteRequest{NodeID: "n1"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = s.PromoteController(ctx, &PromoteRequest{NodeID: "ghost"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = s.PromoteController(ctx, &PromoteRequest{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestListEvents(t *testing.T) {
	broker := events.NewBroker()
	for i := 0; i < 5; i++ {
		broker.Publish(&events.Event{Type: events.EventMemberJoined, Message: fmt.Sprintf("n%d joined", i)})
	}
	s := NewServer(nil, broker)
	ctx := context.Background()

	resp, err := s.ListEvents(ctx, &ListEventsRequest{Limit: 2})
	require.NoError(t, err)
	require.Len(t, resp.Events, 2)
	assert.Equal(t, "n4 joined", resp.Events[1].Message)

	resp, err = s.ListEvents(ctx, &ListEventsRequest{})
	require.NoError(t, err)
	assert.Len(t, resp.Events, 5)

	_, err = s.ListEvents(ctx, &ListEventsRequest{Limit: -1})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	resp, err = NewServer(nil, nil).ListEvents(ctx, &ListEventsRequest{})
	require.NoError(t, err)
	assert.Empty(t, resp.Events)
}

func TestJoinCluster(t *testing.T) {
	cluster := newFakeCluster()
	s := NewServer(cluster, nil)
	ctx := context.Background()

	jt, err := s.CreateJoinToken(ctx, &Empty{})
	require.NoError(t, err)
	require.NotEmpty(t, jt.Token)

	_, err = s.JoinCluster(ctx, &JoinRequest{NodeID: "m2", RaftAddr: "10.0.0.2:7946", Token: "wrong"})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
	assert.Empty(t, cluster.voters)

	_, err = s.JoinCluster(ctx, &JoinRequest{NodeID: "m2", RaftAddr: "10.0.0.2:7946", Token: jt.Token})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:7946", cluster.voters["m2"])

	// The token was consumed by m2
	_, err = s.JoinCluster(ctx, &JoinRequest{NodeID: "m3", RaftAddr: "10.0.0.3:7946", Token: jt.Token})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
	assert.NotContains(t, cluster.voters, "m3")

	_, err = s.JoinCluster(ctx, &JoinRequest{NodeID: "m3", Token: "x"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = NewServer(nil, nil).JoinCluster(ctx, &JoinRequest{NodeID: "m3", RaftAddr: "10.0.0.3:7946"})
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}

func TestReadyReflectsConvergence(t *testing.T) {
	ctl := &fakeController{status: reconciler.Status{Running: true, Version: 1}}
	s := NewServer(newFakeCluster(), nil)
	h := s.HTTPHandler()

	w := get(t, h, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	s.SetController(ctl)
	w = get(t, h, "/ready")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp ReadyResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "not ready", resp.Status)
	assert.Equal(t, "converging", resp.Checks["controller"])
	assert.Equal(t, "leader", resp.Checks["raft"])

	ctl.status.Converged = true
	w = get(t, h, "/ready")
	require.Equal(t, http.StatusOK, w.Code)
	resp = ReadyResponse{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "ready", resp.Status)
	assert.True(t, resp.Converged)
	assert.Equal(t, uint64(1), resp.Version)

	ready, err := s.GetReady(context.Background(), &Empty{})
	require.NoError(t, err)
	assert.Equal(t, "ready", ready.Status)

	ctl.status = reconciler.Status{Running: true, Halted: true, HaltReason: "multiple controllers claim authority: [c1 c2]"}
	w = get(t, h, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	ready, err = s.GetReady(context.Background(), &Empty{})
	require.NoError(t, err)
	assert.Equal(t, "not ready", ready.Status)
	assert.Contains(t, ready.Checks["controller"], "halted")
}

func TestReadyOnFollower(t *testing.T) {
	cluster := newFakeCluster()
	cluster.leader = false
	s := NewServer(cluster, nil)

	ready, err := s.GetReady(context.Background(), &Empty{})
	require.NoError(t, err)
	assert.Equal(t, "not ready", ready.Status)
	assert.Contains(t, ready.Checks["raft"], "follower")

	cluster.addr = ""
	ready, err = s.GetReady(context.Background(), &Empty{})
	require.NoError(t, err)
	assert.Equal(t, "no leader elected", ready.Checks["raft"])
}

func TestHealthAndMetrics(t *testing.T) {
	s := NewServer(nil, nil)
	h := s.HTTPHandler()

	w := get(t, h, "/livez")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	_, _ = InstrumentInterceptor()(context.Background(), &Empty{}, &grpc.UnaryServerInfo{FullMethod: MethodGetReady},
		func(ctx context.Context, req interface{}) (interface{}, error) { return &Empty{}, nil })
	w = get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `slurmsync_api_requests_total{code="OK",method="GetReady"}`)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/ready", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestShutdownWithoutListeners(t *testing.T) {
	s := NewServer(nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Shutdown(ctx))
}
