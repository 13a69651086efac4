package grpcapi_test

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/gymcloud/accessd/internal/access/service"
	"github.com/gymcloud/accessd/internal/access/store/memory"
	"github.com/gymcloud/accessd/internal/access/types"
	"github.com/gymcloud/accessd/internal/grpcapi"
	"github.com/gymcloud/accessd/internal/ratelimit"
	"github.com/gymcloud/accessd/internal/security/pin"
	"github.com/gymcloud/accessd/internal/wire"
)

type fixture struct {
	ctx    context.Context
	svc    *service.AccessService
	client *grpcapi.Client
}

func newFixture(t *testing.T, limiter ratelimit.Limiter) *fixture {
	t.Helper()

	fastPIN := pin.Params{Memory: 1024, Time: 1, Parallelism: 1, KeyLen: 16}
	svc := service.NewAccessService(service.AccessDeps{
		Registry:    service.NewDeviceRegistry(memory.NewDeviceStore(), service.RegistryConfig{}),
		Credentials: service.NewCredentialService(memory.NewCredentialStore(), memory.NewMemberStore(), service.CredentialConfig{PIN: &fastPIN}),
		Queue:       service.NewCommandQueue(memory.NewCommandStore(), service.QueueConfig{}),
		Events:      memory.NewAccessEventStore(),
	})

	lis := bufconn.Listen(1 << 20)
	srv := grpcapi.NewServer(grpcapi.Dependencies{Access: svc, Limiter: limiter})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(func() { srv.Shutdown(context.Background()) })

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &fixture{ctx: context.Background(), svc: svc, client: grpcapi.NewClient(conn)}
}

func toStruct(t *testing.T, v any) *structpb.Struct {
	t.Helper()
	st, err := wire.ToStruct(v)
	require.NoError(t, err)
	return st
}

func fromStruct[T any](t *testing.T, st *structpb.Struct) T {
	t.Helper()
	var out T
	require.NoError(t, wire.FromStruct(st, &out))
	return out
}

// pair creates a device directly and pairs it over gRPC.
func (f *fixture) pair(t *testing.T, cfg types.DeviceConfig) types.PairResponse {
	t.Helper()
	d, ticket, err := f.svc.Registry().CreateDevice(f.ctx, "t1", service.NewDevice{Name: "Turnstile", Config: cfg})
	require.NoError(t, err)

	out, err := f.client.Pair(f.ctx, toStruct(t, types.PairRequest{DevicePublicID: d.PublicID, PairingCode: ticket.Code}))
	require.NoError(t, err)
	resp := fromStruct[types.PairResponse](t, out)
	require.True(t, resp.OK)
	return resp
}

func withToken(ctx context.Context, tok string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+tok)
}

func TestPair_BadCodeIsUnauthenticated(t *testing.T) {
	f := newFixture(t, nil)
	d, _, err := f.svc.Registry().CreateDevice(f.ctx, "t1", service.NewDevice{Name: "Turnstile"})
	require.NoError(t, err)

	_, err = f.client.Pair(f.ctx, toStruct(t, types.PairRequest{DevicePublicID: d.PublicID, PairingCode: "NOPE00"}))
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestSubmitEvent_AllowViaMetadataToken(t *testing.T) {
	f := newFixture(t, nil)
	paired := f.pair(t, types.DeviceConfig{UnlockProfile: types.UnlockProfile{Kind: "relay"}})
	_, err := f.svc.Credentials().Bind(f.ctx, "t1", service.NewCredential{UsuarioID: 5, Type: types.CredentialCard, Value: "C-100"})
	require.NoError(t, err)

	out, err := f.client.SubmitEvent(withToken(f.ctx, paired.DeviceToken),
		toStruct(t, types.EventRequest{EventType: types.EventCredential, RawValue: "c-100"}))
	require.NoError(t, err)

	resp := fromStruct[types.EventResponse](t, out)
	assert.Equal(t, types.OutcomeAllow, resp.Decision)
	assert.True(t, resp.Unlock)
	require.NotNil(t, resp.SubjectUsuarioID)
	assert.EqualValues(t, 5, *resp.SubjectUsuarioID)
}

func TestSubmitEvent_Errors(t *testing.T) {
	f := newFixture(t, nil)
	paired := f.pair(t, types.DeviceConfig{})

	_, err := f.client.SubmitEvent(f.ctx, toStruct(t, types.EventRequest{EventType: types.EventFob, RawValue: "x"}))
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = f.client.SubmitEvent(f.ctx, toStruct(t, types.EventRequest{DeviceToken: paired.DeviceToken, EventType: "retina", RawValue: "x"}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	bogus, err := structpb.NewStruct(map[string]any{"device_token": paired.DeviceToken, "unexpected": true})
	require.NoError(t, err)
	_, err = f.client.SubmitEvent(f.ctx, bogus)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestPollAndAck(t *testing.T) {
	f := newFixture(t, nil)
	paired := f.pair(t, types.DeviceConfig{AllowRemoteUnlock: true})
	ctx := withToken(f.ctx, paired.DeviceToken)

	cmd, err := f.svc.RemoteUnlock(f.ctx, "t1", paired.DeviceID, "staff")
	require.NoError(t, err)

	out, err := f.client.PollCommand(ctx, &structpb.Struct{})
	require.NoError(t, err)
	poll := fromStruct[types.PollResponse](t, out)
	require.NotNil(t, poll.Command)
	assert.Equal(t, cmd.ID, poll.Command.ID)

	_, err = f.client.AckCommand(ctx, toStruct(t, map[string]any{"result": map[string]any{"success": true}}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err), "command_id is required")

	out, err = f.client.AckCommand(ctx, toStruct(t, map[string]any{
		"command_id": cmd.ID,
		"result":     map[string]any{"success": true, "detail": "pulsed"},
	}))
	require.NoError(t, err)
	ack := fromStruct[types.AckResponse](t, out)
	assert.Equal(t, types.CommandAcked, ack.Command.Status)

	_, err = f.client.AckCommand(ctx, toStruct(t, map[string]any{"command_id": cmd.ID}))
	assert.Equal(t, codes.FailedPrecondition, status.Code(err), "re-ack with a different result")
}

func TestHeartbeat_ReturnsConfig(t *testing.T) {
	f := newFixture(t, nil)
	paired := f.pair(t, types.DeviceConfig{AntiPassbackSeconds: 30})

	out, err := f.client.Heartbeat(f.ctx, toStruct(t, types.HeartbeatRequest{DeviceToken: paired.DeviceToken, FirmwareVersion: "2.0.1"}))
	require.NoError(t, err)
	hb := fromStruct[types.HeartbeatResponse](t, out)
	assert.Equal(t, paired.DeviceID, hb.DeviceID)
	assert.True(t, hb.Enabled)
	assert.EqualValues(t, 30, hb.Config.AntiPassbackSeconds)
	assert.Nil(t, hb.Enrollment)
}

func TestThrottle_ResourceExhausted(t *testing.T) {
	f := newFixture(t, ratelimit.NewKeyLimiter(0.001, 1))

	_, err := f.client.Heartbeat(f.ctx, &structpb.Struct{})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = f.client.Heartbeat(f.ctx, &structpb.Struct{})
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}
