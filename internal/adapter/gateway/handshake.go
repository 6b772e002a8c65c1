package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"gatelink/internal/domain"
	"gatelink/internal/infra/tracer"
	"gatelink/internal/usecase"
	"gatelink/internal/usecase/identity"
)

// handshake is the single in-flight connect exchange.
type handshake struct {
	reqID    string
	nonce    chan string
	res      chan domain.ResponseFrame
	fail     chan error
	failOnce sync.Once
	timer    Timer
}

func newHandshake() *handshake {
	return &handshake{
		nonce: make(chan string, 1),
		res:   make(chan domain.ResponseFrame, 1),
		fail:  make(chan error, 1),
	}
}

func (h *handshake) abort(err error) {
	h.failOnce.Do(func() { h.fail <- err })
}

func handshakeTimeoutError(d time.Duration) *domain.GatewayError {
	return &domain.GatewayError{
		Code:      domain.CodeWSError,
		Message:   fmt.Sprintf("Gateway handshake did not complete within %s. Check that the URL points at a gateway.", d),
		Retryable: true,
		Cause:     domain.ErrTimeout,
	}
}

func handshakeClosedError(cause error) *domain.GatewayError {
	return &domain.GatewayError{
		Code:      domain.CodeWSError,
		Message:   fmt.Sprintf("Gateway closed the connection during the handshake: %v.", cause),
		Retryable: true,
		Cause:     errors.Join(domain.ErrConnectionClosed, cause),
	}
}

// attempt runs one dial and handshake for session. The caller has already
// moved the state to connecting. On success the state is connected. The
// attempt is abandoned once session is superseded by Connect or Disconnect.
func (c *Client) attempt(ctx context.Context, session uint64) (err error) {
	ctx, span := tracer.StartSpan(ctx, "gateway.handshake")
	defer func() { tracer.End(span, err) }()

	c.mu.Lock()
	if c.session != session {
		c.unlock()
		return connectionClosedError()
	}
	sessionCtx := c.sessionCtx
	c.unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(sessionCtx, cancel)
	defer stop()

	id, err := c.identity.GetOrCreate(ctx)
	if err != nil {
		return usecase.SigningFailed(err)
	}

	conn, err := c.transport.Dial(ctx, c.cfg.URL, c.header())
	if err != nil {
		return usecase.ClassifyTransport("dial", err)
	}

	hs := newHandshake()
	c.mu.Lock()
	if c.intentional || c.session != session || c.state != domain.StateConnecting {
		c.unlock()
		conn.Close(CloseNormal, "client disconnect")
		return connectionClosedError()
	}
	c.gen++
	gen := c.gen
	c.conn = conn
	c.hs = hs
	stale := c.takeDispatcherLocked()
	c.disp = newDispatcher()
	c.lastSeq = nil
	timeout := c.cfg.HandshakeTimeout
	hs.timer = c.clock.AfterFunc(timeout, func() { hs.abort(handshakeTimeoutError(timeout)) })
	c.unlock()
	defer hs.timer.Stop()
	stale.close()

	go c.readLoop(conn, gen)

	fail := func(err error) error {
		c.dropConn(gen, conn, ClosePolicyViolated, "handshake failed")
		return err
	}

	var nonce string
	select {
	case nonce = <-hs.nonce:
	case err := <-hs.fail:
		return fail(err)
	case <-ctx.Done():
		return fail(usecase.ClassifyTransport("handshake", ctx.Err()))
	}

	params, fromStore, err := c.buildConnectParams(ctx, id, nonce)
	if err != nil {
		return fail(usecase.SigningFailed(err))
	}

	c.mu.Lock()
	hs.reqID = c.corr.nextID()
	reqID := hs.reqID
	c.unlock()

	if err := c.writeFrame(conn, domain.RequestFrame{ID: reqID, Method: domain.MethodConnect, Params: params}); err != nil {
		return fail(usecase.ClassifyTransport("write", err))
	}

	var res domain.ResponseFrame
	select {
	case res = <-hs.res:
	case err := <-hs.fail:
		return fail(err)
	case <-ctx.Done():
		return fail(usecase.ClassifyTransport("handshake", ctx.Err()))
	}

	if !res.OK {
		gerr := usecase.Classify(res.Error)
		if gerr.Code == domain.CodeAuthFailed && fromStore {
			if err := c.tokens.Clear(ctx, id.DeviceID, c.cfg.Role); err != nil {
				c.logger.Warn("clear rejected device token", "error", err)
			} else {
				c.logger.Info("cleared rejected device token", "device_id", id.DeviceID, "role", c.cfg.Role)
			}
		}
		c.logger.Warn("gateway rejected handshake", "code", gerr.Code, "error", gerr)
		return fail(gerr)
	}

	var hello domain.HelloOk
	if err := json.Unmarshal(res.Payload, &hello); err != nil {
		return fail(domain.NewGatewayError(domain.CodeUnknown,
			fmt.Sprintf("Gateway sent an unreadable hello-ok: %v.", err), false, err))
	}
	if hello.Type != domain.HelloOkType {
		return fail(usecase.Classify(&domain.ErrorShape{
			Code:    string(domain.CodeProtocolMismatch),
			Message: fmt.Sprintf("connect response has type %q, want %q", hello.Type, domain.HelloOkType),
		}))
	}
	if hello.Protocol < c.cfg.MinProtocol || hello.Protocol > c.cfg.MaxProtocol {
		return fail(usecase.Classify(&domain.ErrorShape{
			Code: string(domain.CodeProtocolMismatch),
			Message: fmt.Sprintf("server chose protocol %d, client supports %d..%d",
				hello.Protocol, c.cfg.MinProtocol, c.cfg.MaxProtocol),
		}))
	}

	span.SetAttributes(
		tracer.IntAttr("protocol", hello.Protocol),
		tracer.StringAttr("conn_id", hello.Server.ConnID),
	)
	return c.onHello(ctx, gen, id, &hello)
}

// buildConnectParams signs the auth payload for nonce. A stored device token
// for the configured role wins over the shared token.
func (c *Client) buildConnectParams(ctx context.Context, id *identity.DeviceIdentity, nonce string) (json.RawMessage, bool, error) {
	token := c.cfg.Token
	fromStore := false
	if stored, err := c.tokens.Load(ctx, id.DeviceID, c.cfg.Role); err == nil {
		token = stored.Token
		fromStore = true
	}

	signedAt := c.clock.Now().UnixMilli()
	payload := identity.BuildAuthPayload(identity.AuthPayloadParams{
		DeviceID:   id.DeviceID,
		ClientID:   c.cfg.Client.ID,
		ClientMode: c.cfg.Client.Mode,
		Role:       c.cfg.Role,
		Scopes:     c.cfg.Scopes,
		SignedAtMs: signedAt,
		Token:      token,
		Nonce:      nonce,
	})
	sig, err := identity.Sign(id.PrivateKey, payload)
	if err != nil {
		return nil, false, err
	}

	params := domain.ConnectParams{
		MinProtocol: c.cfg.MinProtocol,
		MaxProtocol: c.cfg.MaxProtocol,
		Client:      c.cfg.Client,
		Role:        c.cfg.Role,
		Scopes:      c.cfg.Scopes,
		Caps:        c.cfg.Caps,
		Device: &domain.DeviceAuth{
			ID:        id.DeviceID,
			PublicKey: id.PublicKeyBase64URL(),
			Signature: sig,
			SignedAt:  signedAt,
			Nonce:     nonce,
		},
		Locale:    c.cfg.Locale,
		UserAgent: c.cfg.UserAgent,
	}
	if token != "" || c.cfg.Password != "" {
		params.Auth = &domain.ConnectAuth{Token: token, Password: c.cfg.Password}
		if fromStore {
			params.Auth.DeviceToken = token
		}
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, false, err
	}
	return raw, fromStore, nil
}

// onHello commits an accepted handshake.
func (c *Client) onHello(ctx context.Context, gen uint64, id *identity.DeviceIdentity, hello *domain.HelloOk) error {
	interval := time.Duration(hello.Policy.TickIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = c.cfg.TickInterval
	}
	if ra := time.Duration(hello.Policy.RetryAfterMs) * time.Millisecond; ra > interval {
		interval = ra
	}

	c.mu.Lock()
	if c.gen != gen || c.intentional || c.state != domain.StateConnecting {
		c.unlock()
		return connectionClosedError()
	}
	c.hs = nil
	c.hello = hello
	c.protocol = hello.Protocol
	c.rc.attempts = 0
	c.rc.lastErr = nil
	c.setStateLocked(domain.StateConnected)
	c.startHeartbeatLocked(interval)
	c.unlock()

	if hello.Auth != nil && hello.Auth.DeviceToken != "" {
		role := hello.Auth.Role
		if role == "" {
			role = c.cfg.Role
		}
		err := c.tokens.Save(ctx, id.DeviceID, identity.DeviceToken{
			Token:      hello.Auth.DeviceToken,
			Role:       role,
			Scopes:     hello.Auth.Scopes,
			IssuedAtMs: hello.Auth.IssuedAtMs,
		})
		if err != nil {
			c.logger.Warn("persist device token", "error", err)
		}
	}

	c.logger.Info("gateway connected",
		"conn_id", hello.Server.ConnID,
		"protocol", hello.Protocol,
		"tick_interval", interval,
	)
	if c.onHelloFn != nil {
		c.onHelloFn(hello)
	}
	return nil
}

// dropConn closes conn if it is still the current connection.
func (c *Client) dropConn(gen uint64, conn Conn, code int, reason string) {
	c.mu.Lock()
	var disp *dispatcher
	if c.gen == gen {
		c.gen++
		c.conn = nil
		c.hs = nil
		disp = c.takeDispatcherLocked()
	}
	c.unlock()
	disp.close()
	conn.Close(code, reason)
}
