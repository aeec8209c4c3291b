// Package grpcapi exposes session control, job status and live
// subscriptions over gRPC.
package grpcapi

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"clinical-risk-service/internal/api"
	"clinical-risk-service/internal/observability/logging"
	"clinical-risk-service/internal/service/session"
)

// Server implements SessionServiceServer.
type Server struct {
	sessions api.Sessions
	jobs     api.Jobs
	records  api.Records
	log      zerolog.Logger
}

// NewServer creates the gRPC service implementation.
func NewServer(sessions api.Sessions, jobs api.Jobs, records api.Records) *Server {
	return &Server{
		sessions: sessions,
		jobs:     jobs,
		records:  records,
		log:      logging.WithComponent("grpc-api"),
	}
}

// Register registers the service on g.
func Register(g *grpc.Server, s *Server) {
	RegisterSessionServiceServer(g, s)
}

func toStatus(err error) error {
	if err == nil {
		return nil
	}
	_, code := api.Status(err)
	return status.Error(code, err.Error())
}

func stringField(in *structpb.Struct, key string) string {
	if in == nil {
		return ""
	}
	return in.GetFields()[key].GetStringValue()
}

// toStruct converts any JSON-encodable value to a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out := new(structpb.Struct)
	if err := out.UnmarshalJSON(data); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (s *Server) stateOf(sessionID string) (*structpb.Struct, error) {
	state, err := s.sessions.State(sessionID)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{
		"sessionId": sessionID,
		"state":     state.String(),
	})
}

func (s *Server) StartSession(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	sessionID := stringField(in, "sessionId")
	if sessionID == "" {
		return nil, status.Error(codes.InvalidArgument, "sessionId is required")
	}
	if err := s.sessions.StartSession(ctx, sessionID, stringField(in, "teamId")); err != nil {
		return nil, toStatus(err)
	}
	return s.stateOf(sessionID)
}

func (s *Server) PauseSession(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	if err := s.sessions.PauseSession(in.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	return s.stateOf(in.GetValue())
}

func (s *Server) ResumeSession(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	if err := s.sessions.ResumeSession(in.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	return s.stateOf(in.GetValue())
}

// StopSession reports a provider failure in the response rather than as an
// RPC error: the session still reached a terminal state and its partial
// transcript was persisted.
func (s *Server) StopSession(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	res, err := s.sessions.Stop(ctx, in.GetValue())
	var streamErr *session.ProviderStreamError
	if err != nil && !errors.As(err, &streamErr) {
		return nil, toStatus(err)
	}
	out := map[string]any{
		"sessionId": in.GetValue(),
		"state":     res.State.String(),
		"jobId":     res.JobID,
		"fragments": res.Fragments,
		"flags":     res.Flags,
	}
	if err != nil {
		out["error"] = err.Error()
	}
	return structpb.NewStruct(out)
}

func (s *Server) GetSession(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	view, err := api.DescribeSession(ctx, s.sessions, s.records, in.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(view)
}

func (s *Server) EnqueueReprocessing(ctx context.Context, in *structpb.Struct) (*wrapperspb.StringValue, error) {
	sessionID, audioRef := stringField(in, "sessionId"), stringField(in, "audioRef")
	if sessionID == "" || audioRef == "" {
		return nil, status.Error(codes.InvalidArgument, "sessionId and audioRef are required")
	}
	id, err := s.jobs.EnqueueReprocessing(ctx, sessionID, stringField(in, "teamId"), audioRef)
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.String(id), nil
}

func (s *Server) GetJobStatus(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	st, err := s.jobs.Status(ctx, in.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(st)
}

// Subscribe streams live events until the session ends, the subscription
// is dropped or the client goes away.
func (s *Server) Subscribe(in *wrapperspb.StringValue, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	sub, err := s.sessions.Subscribe(in.GetValue())
	if err != nil {
		return toStatus(err)
	}
	defer sub.Close()

	log := s.log.With().Str("sessionId", in.GetValue()).Logger()
	log.Debug().Msg("gRPC subscriber attached")

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				log.Debug().Uint64("dropped", sub.Dropped()).Msg("Session stream ended")
				return nil
			}
			msg, err := toStruct(ev)
			if err != nil {
				return err
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}
