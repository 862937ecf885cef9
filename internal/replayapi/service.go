// Package replayapi exposes a DataSampler over gRPC so that collectors and
// trainers can run as separate processes.
//
// Messages use the protobuf well-known Struct and Empty types; payloads are
// the JSON forms of episode.Episode, sampler batches and episode.Stats.
package replayapi

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cartridge/selfsup/internal/episode"
	"github.com/cartridge/selfsup/internal/sampler"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "selfsup.replay.v1.EpisodeReplay"

const (
	methodPushEpisode = "/" + ServiceName + "/PushEpisode"
	methodSample      = "/" + ServiceName + "/Sample"
	methodGetStats    = "/" + ServiceName + "/GetStats"
)

// EpisodeReplayServer is the server API of the EpisodeReplay service.
type EpisodeReplayServer interface {
	PushEpisode(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Sample(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetStats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// ServiceDesc describes the EpisodeReplay service for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EpisodeReplayServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "PushEpisode", Handler: pushEpisodeHandler},
		{MethodName: "Sample", Handler: sampleHandler},
		{MethodName: "GetStats", Handler: getStatsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "selfsup/replay/v1/replay.proto",
}

// Register adds srv to s.
func Register(s grpc.ServiceRegistrar, srv EpisodeReplayServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func pushEpisodeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EpisodeReplayServer).PushEpisode(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodPushEpisode}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EpisodeReplayServer).PushEpisode(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func sampleHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EpisodeReplayServer).Sample(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSample}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EpisodeReplayServer).Sample(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func getStatsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EpisodeReplayServer).GetStats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetStats}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EpisodeReplayServer).GetStats(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// Service implements EpisodeReplayServer on top of a DataSampler.
type Service struct {
	sampler *sampler.DataSampler
	logger  zerolog.Logger
}

// NewService creates a Service.
func NewService(s *sampler.DataSampler, logger zerolog.Logger) *Service {
	return &Service{sampler: s, logger: logger}
}

// PushEpisode stores one episode.
func (s *Service) PushEpisode(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var ep episode.Episode
	if err := fromStruct(req, &ep); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed episode: %v", err)
	}
	id, err := s.sampler.Push(ep)
	if err != nil {
		return nil, toStatus(err)
	}

	s.logger.Debug().Str("episode_id", id).Str("env_id", ep.EnvID).Int("steps", ep.Len()).Msg("Episode stored")
	return encodeResponse(pushResponse{
		EpisodeID:   id,
		NumEpisodes: s.sampler.NumEpisodes(),
		NumWindows:  s.sampler.NumWindows(),
	})
}

// Sample draws a batch of windows.
func (s *Service) Sample(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var sr sampleRequest
	if err := fromStruct(req, &sr); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed sample request: %v", err)
	}
	if sr.BatchSize < 0 {
		return nil, status.Error(codes.InvalidArgument, "batch_size must not be negative")
	}

	batch, err := s.sampler.Sample(sr.BatchSize, sr.WithReplacement)
	if err != nil {
		return nil, toStatus(err)
	}
	wire, err := encodeBatch(batch)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return encodeResponse(wire)
}

// GetStats returns buffer statistics.
func (s *Service) GetStats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return encodeResponse(s.sampler.Stats())
}

func encodeResponse(v any) (*structpb.Struct, error) {
	out, err := toStruct(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// toStatus maps domain errors onto gRPC codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, episode.ErrInvalidEpisode):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, sampler.ErrNoValidWindows):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, sampler.ErrWindowOverrun), errors.Is(err, sampler.ErrIndexOutOfRange):
		return status.Error(codes.OutOfRange, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// LoggingInterceptor logs every unary call with its duration and status code.
func LoggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		event := logger.Info()
		if err != nil {
			event = logger.Warn().Err(err)
		}
		event.
			Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("duration", time.Since(start)).
			Msg("gRPC request")
		return resp, err
	}
}
