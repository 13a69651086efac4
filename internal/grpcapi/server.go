package grpcapi

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/gymcloud/accessd/internal/access/service"
	"github.com/gymcloud/accessd/internal/access/types"
	"github.com/gymcloud/accessd/internal/metrics"
	"github.com/gymcloud/accessd/internal/observability/logger"
	"github.com/gymcloud/accessd/internal/ratelimit"
	"github.com/gymcloud/accessd/internal/wire"
)

type Dependencies struct {
	Access  *service.AccessService
	Metrics *metrics.Metrics
	// Limiter throttles calls per peer address. Nil disables throttling.
	Limiter ratelimit.Limiter
}

// Server implements DeviceAgentServer on top of the access service.
type Server struct {
	access  *service.AccessService
	metrics *metrics.Metrics
	limiter ratelimit.Limiter
	grpc    *grpc.Server
	log     *zap.Logger
}

func NewServer(d Dependencies, opts ...grpc.ServerOption) *Server {
	s := &Server{
		access:  d.Access,
		metrics: d.Metrics,
		limiter: d.Limiter,
		log:     logger.Named("grpc"),
	}
	opts = append(opts, grpc.ChainUnaryInterceptor(s.recoverer, s.observe, s.throttle))
	s.grpc = grpc.NewServer(opts...)
	RegisterDeviceAgentServer(s.grpc, s)
	return s
}

// Serve blocks until lis fails or Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// Shutdown drains in-flight calls, falling back to a hard stop when ctx
// ends first.
func (s *Server) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpc.Stop()
	}
}

type pollRequest struct {
	DeviceToken string `json:"device_token,omitempty"`
}

type ackRequest struct {
	CommandID string `json:"command_id"`
	types.AckRequest
}

func (s *Server) Pair(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req types.PairRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	res, err := s.access.Registry().CompletePairing(ctx, req.DevicePublicID, req.PairingCode)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(types.PairResponse{
		OK:          true,
		DeviceID:    res.Device.ID,
		TenantID:    res.Device.TenantID,
		DeviceToken: res.Token,
		Config:      res.Device.Config,
		ServerTime:  types.ServerTime(time.Now()),
	})
}

func (s *Server) SubmitEvent(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req types.EventRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	d, ctx, err := s.authenticate(ctx, req.DeviceToken)
	if err != nil {
		return nil, err
	}
	resp, err := s.access.HandleEvent(ctx, d, req)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(resp)
}

func (s *Server) PollCommand(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req pollRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	d, ctx, err := s.authenticate(ctx, req.DeviceToken)
	if err != nil {
		return nil, err
	}
	resp, err := s.access.Poll(ctx, d)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(resp)
}

func (s *Server) AckCommand(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ackRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.CommandID) == "" {
		return nil, status.Error(codes.InvalidArgument, "command_id is required")
	}
	d, ctx, err := s.authenticate(ctx, req.DeviceToken)
	if err != nil {
		return nil, err
	}
	resp, err := s.access.Ack(ctx, d, req.CommandID, req.Result)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(resp)
}

func (s *Server) Heartbeat(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req types.HeartbeatRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	d, ctx, err := s.authenticate(ctx, req.DeviceToken)
	if err != nil {
		return nil, err
	}
	resp, err := s.access.Heartbeat(ctx, d, req)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(resp)
}

// authenticate takes the token from the authorization metadata, falling
// back to the one in the message.
func (s *Server) authenticate(ctx context.Context, fallback string) (types.Device, context.Context, error) {
	tok := strings.TrimSpace(fallback)
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		for _, v := range md.Get("authorization") {
			if len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
				tok = strings.TrimSpace(v[7:])
				break
			}
		}
	}
	d, err := s.access.Registry().Authenticate(ctx, tok)
	if err != nil {
		return types.Device{}, ctx, toStatus(err)
	}
	return d, logger.WithFields(ctx, logger.TenantID(d.TenantID), logger.DeviceID(d.ID)), nil
}

func decode(in *structpb.Struct, v any) error {
	if err := wire.FromStruct(in, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "malformed message: %v", err)
	}
	return nil
}

func encode(v any) (*structpb.Struct, error) {
	st, err := wire.ToStruct(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	return st, nil
}

// toStatus maps the domain error taxonomy onto gRPC codes.
func toStatus(err error) error {
	var (
		ve *types.ValidationError
		pd *types.PolicyDeniedError
	)
	switch {
	case errors.As(err, &ve):
		return status.Errorf(codes.InvalidArgument, "%s: %s", ve.Field, ve.Reason)
	case errors.As(err, &pd):
		return status.Error(codes.PermissionDenied, pd.Reason)
	case errors.Is(err, types.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, types.ErrUnauthenticated), errors.Is(err, types.ErrInvalidOrExpiredCode):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, types.ErrNotFound):
		return status.Error(codes.NotFound, "not found")
	case errors.Is(err, types.ErrInvalidState):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, types.ErrConflict):
		return status.Error(codes.AlreadyExists, err.Error())
	default:
		return status.Error(codes.Internal, "unexpected server error")
	}
}

func (s *Server) recoverer(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.From(ctx).Error("panic recovered", zap.Any("panic", p), zap.Stack("stack"))
			err = status.Error(codes.Internal, "unexpected server error")
		}
	}()
	return next(ctx, req)
}

// observe scopes a logger to the call, logs its outcome and counts it.
func (s *Server) observe(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
	start := time.Now()
	callLog := s.log.With(zap.String("method", info.FullMethod), logger.ClientIP(peerAddr(ctx)))
	resp, err := next(logger.ToContext(ctx, callLog), req)

	code := status.Code(err)
	s.metrics.RPC(info.FullMethod, code.String())
	fields := []zap.Field{zap.String("code", code.String()), logger.Duration(time.Since(start))}
	switch code {
	case codes.OK:
		callLog.Debug("call completed", fields...)
	case codes.Internal, codes.Unknown:
		callLog.Error("call completed", append(fields, logger.Err(err))...)
	default:
		callLog.Info("call completed", fields...)
	}
	return resp, err
}

func (s *Server) throttle(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
	if s.limiter == nil {
		return next(ctx, req)
	}
	res, err := s.limiter.Allow(ctx, peerAddr(ctx))
	if err != nil {
		logger.From(ctx).Warn("rate limiter unavailable", logger.Err(err))
		return next(ctx, req)
	}
	if !res.Allowed {
		return nil, status.Errorf(codes.ResourceExhausted, "rate limited, retry after %s", res.RetryAfter.Round(time.Second))
	}
	return next(ctx, req)
}

func peerAddr(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(p.Addr.String())
	if err != nil {
		return p.Addr.String()
	}
	return host
}
