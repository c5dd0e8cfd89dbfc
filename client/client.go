package client

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openclear/clearway"
	"github.com/openclear/clearway/crypto"
	"github.com/openclear/clearway/errors"
	"github.com/openclear/clearway/rpc"
	"github.com/openclear/clearway/wire"
)

// State of the authentication handshake.
type State string

const (
	StateDisconnected      State = "disconnected"
	StateConnecting        State = "connecting"
	StateAwaitingChallenge State = "awaiting_challenge"
	StateVerifying         State = "verifying"
	StateAuthenticated     State = "authenticated"
	StateFailed            State = "failed"
)

const (
	// DefaultAuthTimeout bounds each step of the login handshake.
	DefaultAuthTimeout = 30 * time.Second
	// DefaultCallTimeout bounds a single operational RPC exchange.
	DefaultCallTimeout = 30 * time.Second
	// DefaultSessionTTL is how long the node is asked to honor the
	// session key.
	DefaultSessionTTL = time.Hour
)

// Options configure a client. The zero value is usable given a URL.
type Options struct {
	// URL of the clearing node websocket endpoint.
	URL string
	// AppName identifies this application during the handshake.
	AppName string
	// Scope requested for the session key.
	Scope string
	// Allowances cap what the session key may spend. Sent with the auth
	// request and embedded in the signed policy.
	Allowances []crypto.Allowance
	// SessionTTL defaults to DefaultSessionTTL.
	SessionTTL time.Duration
	// AuthTimeout defaults to DefaultAuthTimeout.
	AuthTimeout time.Duration
	// CallTimeout defaults to DefaultCallTimeout.
	CallTimeout time.Duration
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// Client is one authenticated session against a clearing node. Construct
// one instance per logical session and pass it explicitly; there is no
// process-wide singleton.
type Client struct {
	opts  Options
	owner crypto.TypedDataSigner
	log   *zap.Logger

	mu      sync.Mutex
	state   State
	conn    *rpc.Conn
	session *crypto.SessionKey
}

// New returns a disconnected client. The owner signer is the opaque
// capability used to authorize the session key during Connect; it is never
// used for operational traffic.
func New(owner crypto.TypedDataSigner, opts Options) *Client {
	if opts.AppName == "" {
		opts.AppName = "clearway"
	}
	if opts.Scope == "" {
		opts.Scope = "clearway.app"
	}
	if opts.SessionTTL == 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	if opts.AuthTimeout == 0 {
		opts.AuthTimeout = DefaultAuthTimeout
	}
	if opts.CallTimeout == 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		opts:  opts,
		owner: owner,
		log:   log,
		state: StateDisconnected,
	}
}

// Address returns the owner account address.
func (c *Client) Address() clearway.Address {
	return c.owner.Address()
}

// SessionAddress returns the current session key address, nil before
// Connect.
func (c *Client) SessionAddress() clearway.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	return c.session.Address()
}

// State returns the current handshake state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Authenticated reports whether operational RPCs may be sent.
func (c *Client) Authenticated() bool {
	return c.State() == StateAuthenticated
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Connect opens the websocket and drives the login handshake: auth request,
// server challenge, owner-signed verification, confirmation. On return the
// client is authenticated or the connection is torn down.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected && c.state != StateFailed {
		c.mu.Unlock()
		return errors.ErrState.Newf("connect in state %q", c.state)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	// Fresh session key per connection, never persisted.
	session, err := crypto.GenSessionKey()
	if err != nil {
		c.setState(StateFailed)
		return err
	}

	conn, err := rpc.Dial(ctx, c.opts.URL, c.log)
	if err != nil {
		c.setState(StateFailed)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.session = session
	c.mu.Unlock()

	if err := c.authenticate(ctx, conn, session); err != nil {
		_ = conn.Close()
		c.setState(StateFailed)
		return err
	}

	c.setState(StateAuthenticated)
	c.log.Info("authenticated",
		zap.String("owner", c.owner.Address().String()),
		zap.String("session_key", session.Address().String()),
	)
	return nil
}

func (c *Client) authenticate(ctx context.Context, conn *rpc.Conn, session *crypto.SessionKey) error {
	expiresAt := time.Now().Add(c.opts.SessionTTL).Unix()
	allowances := c.opts.Allowances
	if allowances == nil {
		allowances = []crypto.Allowance{}
	}

	authReq := wire.NewRequest(conn.NextID(), wire.MethodAuthRequest, map[string]interface{}{
		"address":     c.owner.Address().String(),
		"application": c.opts.AppName,
		"session_key": session.Address().String(),
		"allowances":  allowances,
		"expires_at":  expiresAt,
		"scope":       c.opts.Scope,
	})

	c.setState(StateAwaitingChallenge)
	payload, err := conn.Call(ctx, authReq, wire.MethodAuthChallenge, c.opts.AuthTimeout)
	if err != nil {
		return errors.Wrap(err, "awaiting challenge")
	}

	var challenge struct {
		ChallengeMessage string `json:"challenge_message"`
		Alt              string `json:"challengeMessage"`
	}
	if err := json.Unmarshal(payload, &challenge); err != nil {
		return errors.Wrap(errors.ErrMalformed, err.Error())
	}
	nonce := challenge.ChallengeMessage
	if nonce == "" {
		nonce = challenge.Alt
	}
	if nonce == "" {
		return errors.ErrMalformed.New("challenge without a nonce")
	}

	// The policy is signed with the owner's key, not the session key:
	// the handshake is the owner vouching for the session key.
	c.setState(StateVerifying)
	sig, err := c.owner.SignPolicy(crypto.SessionPolicy{
		Challenge:  nonce,
		Scope:      c.opts.Scope,
		Wallet:     c.owner.Address(),
		SessionKey: session.Address(),
		ExpiresAt:  expiresAt,
		Allowances: allowances,
	})
	if err != nil {
		return errors.Wrapf(errors.ErrUnauthorized, "signing challenge: %s", err)
	}

	verifyReq := wire.NewRequest(conn.NextID(), wire.MethodAuthVerify, map[string]interface{}{
		"challenge": nonce,
		"signature": "0x" + hex.EncodeToString(sig),
	})
	if err := verifyReq.Sign(session); err != nil {
		return err
	}

	payload, err = conn.Call(ctx, verifyReq, wire.MethodAuthVerify, c.opts.AuthTimeout)
	if err != nil {
		return errors.Wrap(err, "awaiting verification")
	}

	var verified struct {
		Success *bool `json:"success"`
	}
	if err := json.Unmarshal(payload, &verified); err == nil && verified.Success != nil && !*verified.Success {
		return errors.ErrUnauthorized.New("verification rejected")
	}
	return nil
}

// Close tears down the connection and invalidates the session.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.session = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Notify subscribes to push events by wire method name. The returned
// function cancels the subscription.
func (c *Client) Notify(method string, fn func(json.RawMessage)) (func(), error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, errors.ErrState.New("not connected")
	}
	return conn.Notify(method, fn), nil
}

// call guards every operational RPC behind the authenticated gate, signs
// the request with the session key and performs the exchange. Nothing is
// written to the wire unless the session is authenticated.
func (c *Client) call(ctx context.Context, method string, params interface{}, expectMethod string) (json.RawMessage, error) {
	c.mu.Lock()
	conn, session, state := c.conn, c.session, c.state
	c.mu.Unlock()

	if state != StateAuthenticated || conn == nil {
		return nil, errors.ErrUnauthorized.Newf("%s requires an authenticated session", method)
	}

	req := wire.NewRequest(conn.NextID(), method, params)
	if err := req.Sign(session); err != nil {
		return nil, err
	}
	return conn.Call(ctx, req, expectMethod, c.opts.CallTimeout)
}
