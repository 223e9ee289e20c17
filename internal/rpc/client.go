package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"thinauth.org/internal/auth"
	"thinauth.org/internal/obs"
	"thinauth.org/internal/signing"
)

// Client calls the authority over gRPC on behalf of one tenant.
type Client struct {
	conn   *grpc.ClientConn
	apiKey string

	session func(context.Context) (string, error)
	signer  signing.Provider
	keypair func(context.Context) (signing.Keypair, error)
	timeout time.Duration
	onReady func()

	dialOpts   []grpc.DialOption
	minBackoff time.Duration
	maxBackoff time.Duration
}

// Option configures Client.
type Option func(*Client)

// WithSession supplies the session id sent with every call that does not
// carry one on its context.
func WithSession(fn func(context.Context) (string, error)) Option {
	return func(c *Client) { c.session = fn }
}

// WithSigner answers a challenge before each RequestAuth, binding the
// keypair's public key to the session.
func WithSigner(p signing.Provider, keypair func(context.Context) (signing.Keypair, error)) Option {
	return func(c *Client) {
		c.signer = p
		c.keypair = keypair
	}
}

// WithTimeout bounds each unary call.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithBackoff bounds the delay between Listen reconnect attempts.
func WithBackoff(lo, hi time.Duration) Option {
	return func(c *Client) {
		if lo > 0 {
			c.minBackoff = lo
		}
		if hi >= c.minBackoff {
			c.maxBackoff = hi
		}
	}
}

// WithOnReady is called each time a Listen stream is registered server side.
func WithOnReady(fn func()) Option {
	return func(c *Client) { c.onReady = fn }
}

// WithDialOptions replaces the default insecure transport options.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(c *Client) { c.dialOpts = append(c.dialOpts, opts...) }
}

// Dial creates a new client with sensible defaults (insecure transport).
func Dial(target, apiKey string, opts ...Option) (*Client, error) {
	c := &Client{
		apiKey:     apiKey,
		timeout:    10 * time.Second,
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	dialOpts := c.dialOpts
	if len(dialOpts) == 0 {
		dialOpts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return c, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) outgoing(ctx context.Context) (context.Context, error) {
	pairs := []string{HeaderAPIKey, c.apiKey}
	caller, _ := auth.CallerFromContext(ctx)
	sessionID := caller.SessionID
	if sessionID == "" && c.session != nil {
		var err error
		if sessionID, err = c.session(ctx); err != nil {
			return ctx, fmt.Errorf("rpc: session id: %w", err)
		}
	}
	if sessionID != "" {
		pairs = append(pairs, HeaderSessionID, sessionID)
	}
	if caller.Proof != "" {
		pairs = append(pairs, HeaderProof, caller.Proof)
	}
	return metadata.AppendToOutgoingContext(ctx, pairs...), nil
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	ctx, err := c.outgoing(ctx)
	if err != nil {
		return err
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	err = c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, grpc.CallContentSubtype(codecName))
	return mapError(err)
}

// RequestAuth asks for a login link for req.
func (c *Client) RequestAuth(ctx context.Context, req auth.AuthReq) error {
	if c.signer != nil {
		var err error
		if ctx, err = c.prove(ctx); err != nil {
			return err
		}
	}
	return c.invoke(ctx, "RequestAuth", &AuthRequest{Req: req}, &Empty{})
}

// prove answers a fresh challenge and attaches the proof to ctx.
func (c *Client) prove(ctx context.Context) (context.Context, error) {
	nonce, err := c.Challenge(ctx)
	if err != nil {
		return ctx, err
	}
	kp, err := c.keypair(ctx)
	if err != nil {
		return ctx, fmt.Errorf("rpc: keypair: %w", err)
	}
	sig, err := c.signer.Sign([]byte(nonce), kp)
	if err != nil {
		return ctx, err
	}
	proof, err := signing.EncodeSignature(sig)
	if err != nil {
		return ctx, err
	}
	caller, _ := auth.CallerFromContext(ctx)
	caller.Proof = proof
	return auth.ContextWithCaller(ctx, caller), nil
}

func (c *Client) ApproveAuth(ctx context.Context, ref string) error {
	return c.invoke(ctx, "ApproveAuth", &RefRequest{Ref: ref}, &Empty{})
}

func (c *Client) RejectAuth(ctx context.Context, ref string) error {
	return c.invoke(ctx, "RejectAuth", &RefRequest{Ref: ref}, &Empty{})
}

func (c *Client) RevokeAuth(ctx context.Context, sessionID string) error {
	return c.invoke(ctx, "RevokeAuth", &SessionRequest{SessionID: sessionID}, &Empty{})
}

func (c *Client) RefreshAuth(ctx context.Context, sessionID string) (auth.Warrants, error) {
	var out WarrantsResponse
	if err := c.invoke(ctx, "RefreshAuth", &SessionRequest{SessionID: sessionID}, &out); err != nil {
		return auth.Warrants{}, err
	}
	return out.Warrants, nil
}

func (c *Client) AddAlias(ctx context.Context, req auth.AuthReq) error {
	return c.invoke(ctx, "AddAlias", &AuthRequest{Req: req}, &Empty{})
}

func (c *Client) UpdateAlias(ctx context.Context, newReq, oldReq auth.AuthReq) error {
	return c.invoke(ctx, "UpdateAlias", &UpdateAliasRequest{New: newReq, Old: oldReq}, &Empty{})
}

func (c *Client) RemoveAlias(ctx context.Context, req auth.AuthReq) error {
	return c.invoke(ctx, "RemoveAlias", &AuthRequest{Req: req}, &Empty{})
}

func (c *Client) GetUserState(ctx context.Context, idWarrant string) (map[string]any, error) {
	var out StateResponse
	if err := c.invoke(ctx, "GetUserState", &StateRequest{IDWarrant: idWarrant}, &out); err != nil {
		return nil, err
	}
	if out.State == nil {
		out.State = map[string]any{}
	}
	return out.State, nil
}

func (c *Client) SetUserState(ctx context.Context, idWarrant string, patch map[string]any) error {
	return c.invoke(ctx, "SetUserState", &StateRequest{IDWarrant: idWarrant, Patch: patch}, &Empty{})
}

func (c *Client) Challenge(ctx context.Context) (string, error) {
	var out ChallengeResponse
	if err := c.invoke(ctx, "Challenge", &Empty{}, &out); err != nil {
		return "", err
	}
	return out.Nonce, nil
}

// Listen subscribes to server pushes and feeds them to h, reconnecting with
// exponential backoff until ctx is done or the server refuses the caller.
func (c *Client) Listen(ctx context.Context, h auth.Conn) error {
	backoff := c.minBackoff
	for {
		registered, err := c.subscribe(ctx, h)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if permanent(err) {
			return err
		}
		if registered {
			backoff = c.minBackoff
		}
		obs.Warn("push stream lost, reconnecting", map[string]any{"error": err, "backoff": backoff.String()})
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = min(backoff*2, c.maxBackoff)
	}
}

func (c *Client) subscribe(ctx context.Context, h auth.Conn) (registered bool, err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	// pin the session for the stream's lifetime so pushes carry it
	caller, _ := auth.CallerFromContext(ctx)
	if caller.SessionID == "" && c.session != nil {
		if caller.SessionID, err = c.session(ctx); err != nil {
			return false, fmt.Errorf("rpc: session id: %w", err)
		}
	}
	ctx = auth.ContextWithCaller(ctx, caller)
	ctx, err = c.outgoing(ctx)
	if err != nil {
		return false, err
	}
	desc := &serviceDesc.Streams[0]
	stream, err := c.conn.NewStream(ctx, desc, "/"+ServiceName+"/"+desc.StreamName, grpc.CallContentSubtype(codecName))
	if err != nil {
		return false, mapError(err)
	}
	if err := stream.SendMsg(&SubscribeRequest{}); err != nil {
		return false, mapError(err)
	}
	if err := stream.CloseSend(); err != nil {
		return false, mapError(err)
	}

	for {
		var ev Event
		if err := stream.RecvMsg(&ev); err != nil {
			if errors.Is(err, io.EOF) {
				return registered, errors.New("rpc: push stream closed by server")
			}
			return registered, mapError(err)
		}
		switch ev.Kind {
		case EventReady:
			registered = true
			if c.onReady != nil {
				c.onReady()
			}
		case EventAuth:
			if ev.Warrants != nil {
				if err := h.OnAuth(ctx, *ev.Warrants); err != nil {
					obs.Warn("auth push handler failed", map[string]any{"error": err})
				}
			}
		case EventDevRequest:
			if err := h.OnDevRequest(ctx, ev.Ref, ev.Op); err != nil {
				obs.Warn("dev request handler failed", map[string]any{"error": err})
			}
		}
	}
}
