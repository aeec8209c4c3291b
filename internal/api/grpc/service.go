package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "clinical.session.v1.SessionService"

// Request and response bodies use protobuf well-known types so the
// service needs no generated code: a session id travels as a
// StringValue, structured bodies as a Struct.

// SessionServiceServer is the server API for SessionService.
type SessionServiceServer interface {
	// StartSession takes {sessionId, teamId}.
	StartSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PauseSession(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	ResumeSession(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	StopSession(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	GetSession(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	// EnqueueReprocessing takes {sessionId, teamId, audioRef} and returns
	// the job id.
	EnqueueReprocessing(context.Context, *structpb.Struct) (*wrapperspb.StringValue, error)
	GetJobStatus(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	// Subscribe streams live events of a session until it ends.
	Subscribe(*wrapperspb.StringValue, grpc.ServerStreamingServer[structpb.Struct]) error
}

// RegisterSessionServiceServer registers srv on s.
func RegisterSessionServiceServer(s grpc.ServiceRegistrar, srv SessionServiceServer) {
	s.RegisterService(&SessionService_ServiceDesc, srv)
}

func unaryHandler[Req any, Resp any](method string, call func(SessionServiceServer, context.Context, *Req) (*Resp, error)) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	fullMethod := "/" + ServiceName + "/" + method
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(SessionServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(SessionServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func subscribeHandler(srv interface{}, stream grpc.ServerStream) error {
	m := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(SessionServiceServer).Subscribe(m, &grpc.GenericServerStream[wrapperspb.StringValue, structpb.Struct]{ServerStream: stream})
}

// SessionService_ServiceDesc is the grpc.ServiceDesc for SessionService.
var SessionService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SessionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "StartSession", Handler: unaryHandler("StartSession", SessionServiceServer.StartSession)},
		{MethodName: "PauseSession", Handler: unaryHandler("PauseSession", SessionServiceServer.PauseSession)},
		{MethodName: "ResumeSession", Handler: unaryHandler("ResumeSession", SessionServiceServer.ResumeSession)},
		{MethodName: "StopSession", Handler: unaryHandler("StopSession", SessionServiceServer.StopSession)},
		{MethodName: "GetSession", Handler: unaryHandler("GetSession", SessionServiceServer.GetSession)},
		{MethodName: "EnqueueReprocessing", Handler: unaryHandler("EnqueueReprocessing", SessionServiceServer.EnqueueReprocessing)},
		{MethodName: "GetJobStatus", Handler: unaryHandler("GetJobStatus", SessionServiceServer.GetJobStatus)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "clinical/session/v1/session.proto",
}

// Client is a thin client for SessionService.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in, out interface{}, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...)
}

func (c *Client) StartSession(ctx context.Context, sessionID, teamID string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]any{"sessionId": sessionID, "teamId": teamID})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	return out, c.invoke(ctx, "StartSession", in, out, opts...)
}

func (c *Client) PauseSession(ctx context.Context, sessionID string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	return out, c.invoke(ctx, "PauseSession", wrapperspb.String(sessionID), out, opts...)
}

func (c *Client) ResumeSession(ctx context.Context, sessionID string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	return out, c.invoke(ctx, "ResumeSession", wrapperspb.String(sessionID), out, opts...)
}

func (c *Client) StopSession(ctx context.Context, sessionID string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	return out, c.invoke(ctx, "StopSession", wrapperspb.String(sessionID), out, opts...)
}

func (c *Client) GetSession(ctx context.Context, sessionID string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	return out, c.invoke(ctx, "GetSession", wrapperspb.String(sessionID), out, opts...)
}

func (c *Client) EnqueueReprocessing(ctx context.Context, sessionID, teamID, audioRef string, opts ...grpc.CallOption) (string, error) {
	in, err := structpb.NewStruct(map[string]any{"sessionId": sessionID, "teamId": teamID, "audioRef": audioRef})
	if err != nil {
		return "", err
	}
	out := new(wrapperspb.StringValue)
	if err := c.invoke(ctx, "EnqueueReprocessing", in, out, opts...); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}

func (c *Client) GetJobStatus(ctx context.Context, jobID string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	return out, c.invoke(ctx, "GetJobStatus", wrapperspb.String(jobID), out, opts...)
}

// Subscribe opens the live event stream of a session.
func (c *Client) Subscribe(ctx context.Context, sessionID string, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &SessionService_ServiceDesc.Streams[0], "/"+ServiceName+"/Subscribe", opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[wrapperspb.StringValue, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(wrapperspb.String(sessionID)); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
