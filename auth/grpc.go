package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

const (
	identityServiceName = "minichat.identity.v1.Identity"
	resolveMethod       = "/" + identityServiceName + "/Resolve"

	codecName = "json"

	defaultResolveTimeout = 3 * time.Second
)

// jsonCodec lets the identity service speak JSON over gRPC.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type ResolveRequest struct {
	Token string `json:"token"`
}

type ResolveResponse struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// GRPCClient resolves tokens against a remote identity service.
type GRPCClient struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// DialGRPCClient connects to the identity service at addr without blocking.
func DialGRPCClient(addr string, opts ...grpc.DialOption) (*GRPCClient, error) {
	dialOpts := append([]grpc.DialOption{grpc.WithInsecure()}, opts...)
	conn, err := grpc.Dial(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial identity service %s: %w", addr, err)
	}
	return NewGRPCClient(conn), nil
}

func NewGRPCClient(conn *grpc.ClientConn) *GRPCClient {
	return &GRPCClient{conn: conn, timeout: defaultResolveTimeout}
}

func (c *GRPCClient) Resolve(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, fmt.Errorf("empty token: %w", ErrUnauthenticated)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var resp ResolveResponse
	err := c.conn.Invoke(ctx, resolveMethod, &ResolveRequest{Token: token}, &resp, grpc.CallContentSubtype(codecName))
	if err != nil {
		switch status.Code(err) {
		case codes.Unauthenticated, codes.PermissionDenied, codes.NotFound, codes.InvalidArgument:
			return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
		default:
			glog.Errorf("identity: resolve error: %v", err)
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	if resp.UserID == "" {
		return nil, fmt.Errorf("identity service returned empty user id: %w", ErrUnauthenticated)
	}
	return &Identity{UserID: resp.UserID, DisplayName: resp.DisplayName}, nil
}

func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

// IdentityServer serves token resolution over gRPC.
type IdentityServer interface {
	Resolve(context.Context, *ResolveRequest) (*ResolveResponse, error)
}

type identityServer struct {
	client Client
}

func (s *identityServer) Resolve(ctx context.Context, req *ResolveRequest) (*ResolveResponse, error) {
	id, err := s.client.Resolve(ctx, req.Token)
	if err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}
		return nil, status.Error(codes.Unavailable, "identity backend unavailable")
	}
	return &ResolveResponse{UserID: id.UserID, DisplayName: id.DisplayName}, nil
}

// RegisterIdentityServer exposes client as the identity service on s.
func RegisterIdentityServer(s *grpc.Server, client Client) {
	s.RegisterService(&identityServiceDesc, &identityServer{client: client})
}

func resolveHandler(srv interface{}, ctx context.Context, dec func(interface{}) error,
	interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ResolveRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IdentityServer).Resolve(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: resolveMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(IdentityServer).Resolve(ctx, req.(*ResolveRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var identityServiceDesc = grpc.ServiceDesc{
	ServiceName: identityServiceName,
	HandlerType: (*IdentityServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Resolve",
			Handler:    resolveHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "identity.proto",
}
