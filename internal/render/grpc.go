package render

import (
	"context"
	"encoding/json"
	"errors"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/banshee-data/lidarview/internal/monitoring"
	"github.com/banshee-data/lidarview/internal/pointcloud"
	"github.com/banshee-data/lidarview/internal/session"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "lidarview.v1.PointCloud"

// maxMsgSize allows a full-resolution frame of several hundred thousand
// points in one message.
const maxMsgSize = 64 << 20

// Sessions is the lookup the service needs. *session.Registry satisfies it.
type Sessions interface {
	Get(id string) (*session.Session, error)
	List() []*session.Session
}

// PointCloudServer serves session buffers and stats.
type PointCloudServer struct {
	sessions Sessions
}

// NewPointCloudServer creates the service over sessions.
func NewPointCloudServer(sessions Sessions) *PointCloudServer {
	return &PointCloudServer{sessions: sessions}
}

func (s *PointCloudServer) lookup(id string) (*session.Session, error) {
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "session id required")
	}
	sess, err := s.sessions.Get(id)
	if errors.Is(err, session.ErrSessionNotFound) {
		return nil, status.Error(codes.NotFound, err.Error())
	}
	return sess, err
}

// GetBuffers returns the session's current frame as EncodeFrame bytes.
func (s *PointCloudServer) GetBuffers(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	sess, err := s.lookup(req.GetValue())
	if err != nil {
		return nil, err
	}
	return wrapperspb.Bytes(EncodeFrame(sess.Buffers())), nil
}

// GetStats returns session.Stats as a JSON-shaped struct.
func (s *PointCloudServer) GetStats(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	sess, err := s.lookup(req.GetValue())
	if err != nil {
		return nil, err
	}
	return toStruct(sess.Stats())
}

// ListSessions returns the IDs of every open session in creation order.
func (s *PointCloudServer) ListSessions(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	ids := []any{}
	for _, sess := range s.sessions.List() {
		ids = append(ids, sess.ID())
	}
	return structpb.NewList(ids)
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// pointCloudService is the subset of PointCloudServer registered with gRPC.
type pointCloudService interface {
	GetBuffers(context.Context, *wrapperspb.StringValue) (*wrapperspb.BytesValue, error)
	GetStats(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	ListSessions(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
}

func unaryHandler[Req any, Resp any](method string, call func(pointCloudService, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			svc := srv.(pointCloudService)
			if interceptor == nil {
				resp, err := call(svc, ctx, in)
				return resp, err
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				resp, err := call(svc, ctx, req.(*Req))
				return resp, err
			})
		},
	}
}

// PointCloudServiceDesc describes the service for grpc.Server.RegisterService.
var PointCloudServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*pointCloudService)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("GetBuffers", pointCloudService.GetBuffers),
		unaryHandler("GetStats", pointCloudService.GetStats),
		unaryHandler("ListSessions", pointCloudService.ListSessions),
	},
	Metadata: "lidarview/v1/pointcloud.proto",
}

// NewGRPCServer builds a server with the point cloud and health services
// registered. collector may be nil.
func NewGRPCServer(sessions Sessions, collector *monitoring.Collector, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
		grpc.ChainUnaryInterceptor(collector.UnaryServerInterceptor()),
	}, opts...)
	srv := grpc.NewServer(opts...)
	srv.RegisterService(&PointCloudServiceDesc, NewPointCloudServer(sessions))

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return srv
}

// Serve runs srv on lis until ctx is cancelled, then stops gracefully.
func Serve(ctx context.Context, srv *grpc.Server, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(lis) }()
	monitoring.Logf("gRPC point cloud service listening on %s", lis.Addr())

	select {
	case <-ctx.Done():
		srv.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// Client calls the point cloud service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, grpc.MaxCallRecvMsgSize(maxMsgSize))
}

// Buffers fetches and decodes a session's frame.
func (c *Client) Buffers(ctx context.Context, id string) (pointcloud.Buffers, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.invoke(ctx, "GetBuffers", wrapperspb.String(id), out); err != nil {
		return pointcloud.Buffers{}, err
	}
	return DecodeFrame(out.GetValue())
}

// Stats fetches a session's stats as a generic map.
func (c *Client) Stats(ctx context.Context, id string) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "GetStats", wrapperspb.String(id), out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Sessions lists open session IDs.
func (c *Client) Sessions(ctx context.Context) ([]string, error) {
	out := new(structpb.ListValue)
	if err := c.invoke(ctx, "ListSessions", &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(out.GetValues()))
	for _, v := range out.GetValues() {
		ids = append(ids, v.GetStringValue())
	}
	return ids, nil
}
