// Package rpc carries the authority operations and server pushes over gRPC
// with a JSON codec.
package rpc

import (
	"context"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"thinauth.org/internal/auth"
	"thinauth.org/internal/obs"
)

// ServiceName is the full gRPC service name.
const ServiceName = "thinauth.v1.Authority"

// Metadata keys identifying the caller.
const (
	HeaderAPIKey    = "x-thinauth-api-key"
	HeaderSessionID = "x-thinauth-session-id"
	HeaderProof     = "x-thinauth-proof"
)

// Authority is the operation surface served over the wire.
type Authority interface {
	RequestAuth(ctx context.Context, req auth.AuthReq) error
	ApproveAuth(ctx context.Context, ref string) error
	RejectAuth(ctx context.Context, ref string) error
	RevokeAuth(ctx context.Context, sessionID string) error
	RefreshAuth(ctx context.Context, sessionID string) (auth.Warrants, error)
	AddAlias(ctx context.Context, req auth.AuthReq) error
	UpdateAlias(ctx context.Context, newReq, oldReq auth.AuthReq) error
	RemoveAlias(ctx context.Context, req auth.AuthReq) error
	GetUserState(ctx context.Context, idWarrant string) (map[string]any, error)
	SetUserState(ctx context.Context, idWarrant string, patch map[string]any) error
	Challenge(ctx context.Context) (string, error)
}

// TenantResolver maps an API key to its tenant.
type TenantResolver interface {
	Resolve(ctx context.Context, apiKey string) (*auth.Tenant, error)
}

// Registry tracks live Subscribe streams by tenant and session.
type Registry interface {
	Register(tenantID, sessionID string, conn auth.Conn) (unregister func())
}

// AuthorityServer is the handler set bound to the service descriptor.
type AuthorityServer interface {
	RequestAuth(context.Context, *AuthRequest) (*Empty, error)
	ApproveAuth(context.Context, *RefRequest) (*Empty, error)
	RejectAuth(context.Context, *RefRequest) (*Empty, error)
	RevokeAuth(context.Context, *SessionRequest) (*Empty, error)
	RefreshAuth(context.Context, *SessionRequest) (*WarrantsResponse, error)
	AddAlias(context.Context, *AuthRequest) (*Empty, error)
	UpdateAlias(context.Context, *UpdateAliasRequest) (*Empty, error)
	RemoveAlias(context.Context, *AuthRequest) (*Empty, error)
	GetUserState(context.Context, *StateRequest) (*StateResponse, error)
	SetUserState(context.Context, *StateRequest) (*Empty, error)
	Challenge(context.Context, *Empty) (*ChallengeResponse, error)
	Subscribe(*SubscribeRequest, grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AuthorityServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("RequestAuth", AuthorityServer.RequestAuth),
		unary("ApproveAuth", AuthorityServer.ApproveAuth),
		unary("RejectAuth", AuthorityServer.RejectAuth),
		unary("RevokeAuth", AuthorityServer.RevokeAuth),
		unary("RefreshAuth", AuthorityServer.RefreshAuth),
		unary("AddAlias", AuthorityServer.AddAlias),
		unary("UpdateAlias", AuthorityServer.UpdateAlias),
		unary("RemoveAlias", AuthorityServer.RemoveAlias),
		unary("GetUserState", AuthorityServer.GetUserState),
		unary("SetUserState", AuthorityServer.SetUserState),
		unary("Challenge", AuthorityServer.Challenge),
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    "Subscribe",
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(SubscribeRequest)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return srv.(AuthorityServer).Subscribe(in, stream)
		},
	}},
	Metadata: "thinauth/v1/authority",
}

func unary[Req, Resp any](method string, call func(AuthorityServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			ctx = callerFromMetadata(ctx)
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(AuthorityServer), ctx, req.(*Req))
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func callerFromMetadata(ctx context.Context) context.Context {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx
	}
	first := func(key string) string {
		if v := md.Get(key); len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
		return ""
	}
	return auth.ContextWithCaller(ctx, auth.Caller{
		APIKey:    first(HeaderAPIKey),
		SessionID: first(HeaderSessionID),
		Proof:     first(HeaderProof),
	})
}

// Server adapts an Authority to the gRPC service.
type Server struct {
	authority Authority
	tenants   TenantResolver
	registry  Registry
}

var _ AuthorityServer = (*Server)(nil)

// NewServer builds the gRPC adapter.
func NewServer(a Authority, tenants TenantResolver, registry Registry) *Server {
	return &Server{authority: a, tenants: tenants, registry: registry}
}

// Register binds the service to gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

func (s *Server) RequestAuth(ctx context.Context, in *AuthRequest) (*Empty, error) {
	return &Empty{}, toStatus(s.authority.RequestAuth(ctx, in.Req))
}

func (s *Server) ApproveAuth(ctx context.Context, in *RefRequest) (*Empty, error) {
	return &Empty{}, toStatus(s.authority.ApproveAuth(ctx, in.Ref))
}

func (s *Server) RejectAuth(ctx context.Context, in *RefRequest) (*Empty, error) {
	return &Empty{}, toStatus(s.authority.RejectAuth(ctx, in.Ref))
}

func (s *Server) RevokeAuth(ctx context.Context, in *SessionRequest) (*Empty, error) {
	return &Empty{}, toStatus(s.authority.RevokeAuth(ctx, in.SessionID))
}

func (s *Server) RefreshAuth(ctx context.Context, in *SessionRequest) (*WarrantsResponse, error) {
	w, err := s.authority.RefreshAuth(ctx, in.SessionID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &WarrantsResponse{Warrants: w}, nil
}

func (s *Server) AddAlias(ctx context.Context, in *AuthRequest) (*Empty, error) {
	return &Empty{}, toStatus(s.authority.AddAlias(ctx, in.Req))
}

func (s *Server) UpdateAlias(ctx context.Context, in *UpdateAliasRequest) (*Empty, error) {
	return &Empty{}, toStatus(s.authority.UpdateAlias(ctx, in.New, in.Old))
}

func (s *Server) RemoveAlias(ctx context.Context, in *AuthRequest) (*Empty, error) {
	return &Empty{}, toStatus(s.authority.RemoveAlias(ctx, in.Req))
}

func (s *Server) GetUserState(ctx context.Context, in *StateRequest) (*StateResponse, error) {
	state, err := s.authority.GetUserState(ctx, in.IDWarrant)
	if err != nil {
		return nil, toStatus(err)
	}
	return &StateResponse{State: state}, nil
}

func (s *Server) SetUserState(ctx context.Context, in *StateRequest) (*Empty, error) {
	return &Empty{}, toStatus(s.authority.SetUserState(ctx, in.IDWarrant, in.Patch))
}

func (s *Server) Challenge(ctx context.Context, _ *Empty) (*ChallengeResponse, error) {
	nonce, err := s.authority.Challenge(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ChallengeResponse{Nonce: nonce}, nil
}

// Subscribe keeps the stream open as the session's push target until the
// client goes away.
func (s *Server) Subscribe(_ *SubscribeRequest, stream grpc.ServerStream) error {
	ctx := callerFromMetadata(stream.Context())
	caller, _ := auth.CallerFromContext(ctx)
	if caller.SessionID == "" {
		return toStatus(auth.ErrInvalidInput)
	}
	t, err := s.tenants.Resolve(ctx, caller.APIKey)
	if err != nil {
		return toStatus(err)
	}

	conn := &streamConn{stream: stream}
	unregister := s.registry.Register(t.ID, caller.SessionID, conn)
	defer unregister()
	if err := conn.send(&Event{Kind: EventReady}); err != nil {
		return err
	}
	obs.Info("subscriber connected", map[string]any{"tenant_id": t.ID, "session_id": caller.SessionID})
	<-ctx.Done()
	obs.Info("subscriber disconnected", map[string]any{"tenant_id": t.ID, "session_id": caller.SessionID})
	return nil
}

// streamConn pushes events on one Subscribe stream. SendMsg is not safe
// for concurrent use.
type streamConn struct {
	mu     sync.Mutex
	stream grpc.ServerStream
}

func (c *streamConn) send(ev *Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream.SendMsg(ev)
}

func (c *streamConn) OnAuth(_ context.Context, w auth.Warrants) error {
	return c.send(&Event{Kind: EventAuth, Warrants: &w})
}

func (c *streamConn) OnDevRequest(_ context.Context, ref string, op auth.OpKind) error {
	return c.send(&Event{Kind: EventDevRequest, Ref: ref, Op: op})
}
