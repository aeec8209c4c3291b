package observability

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"clinical-risk-service/internal/observability/logging"
	"clinical-risk-service/internal/observability/metrics"
)

// SessionMetadataKey tags a call with a session when the request body
// does not carry one.
const SessionMetadataKey = "x-session-id"

// callTarget returns the log field and id a call refers to: the job id
// for job lookups, otherwise the session id from the request or metadata.
func callTarget(ctx context.Context, method string, req any) (string, string) {
	if strings.HasSuffix(method, "/GetJobStatus") {
		if v, ok := req.(*wrapperspb.StringValue); ok {
			return "jobId", v.GetValue()
		}
		return "jobId", ""
	}

	var id string
	switch r := req.(type) {
	case *wrapperspb.StringValue:
		id = r.GetValue()
	case *structpb.Struct:
		id = r.GetFields()["sessionId"].GetStringValue()
	}
	if id == "" {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(SessionMetadataKey); len(vals) > 0 {
				id = vals[0]
			}
		}
	}
	return "sessionId", id
}

// callEvent picks the level for a finished call: server-side failures
// are warnings, everything else is info.
func callEvent(l zerolog.Logger, code codes.Code) *zerolog.Event {
	switch code {
	case codes.Internal, codes.Unknown, codes.Unavailable, codes.DataLoss:
		return l.Warn()
	default:
		return l.Info()
	}
}

// UnaryServerInterceptor records metrics and logs every unary call with
// the session or job it targets.
func UnaryServerInterceptor(m *metrics.Metrics) grpc.UnaryServerInterceptor {
	logger := logging.WithComponent("grpc")
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		elapsed := time.Since(start)

		code := status.Code(err)
		m.RecordRequest("grpc", info.FullMethod, code.String(), elapsed.Seconds())

		field, id := callTarget(ctx, info.FullMethod, req)
		ev := callEvent(logger, code).
			Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("duration", elapsed)
		if id != "" {
			ev = ev.Str(field, id)
		}
		if err != nil {
			ev = ev.Err(err)
		}
		ev.Msg("gRPC call")
		return resp, err
	}
}

// observedStream remembers the target of the first message received.
type observedStream struct {
	grpc.ServerStream
	method string
	field  string
	id     string
}

func (s *observedStream) RecvMsg(msg any) error {
	err := s.ServerStream.RecvMsg(msg)
	if err == nil && s.id == "" {
		s.field, s.id = callTarget(s.Context(), s.method, msg)
	}
	return err
}

// StreamServerInterceptor tracks open subscriptions and logs each one
// when it ends.
func StreamServerInterceptor(m *metrics.Metrics) grpc.StreamServerInterceptor {
	logger := logging.WithComponent("grpc")
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		m.RecordStreamDelta("grpc", 1)
		defer m.RecordStreamDelta("grpc", -1)

		field, id := callTarget(ss.Context(), info.FullMethod, nil)
		obs := &observedStream{ServerStream: ss, method: info.FullMethod, field: field, id: id}
		err := handler(srv, obs)
		elapsed := time.Since(start)

		code := status.Code(err)
		m.RecordRequest("grpc", info.FullMethod, code.String(), elapsed.Seconds())

		ev := callEvent(logger, code).
			Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("duration", elapsed)
		if obs.id != "" {
			ev = ev.Str(obs.field, obs.id)
		}
		ev.Msg("gRPC stream closed")
		return err
	}
}
