package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"gatelink/internal/domain"
	"gatelink/internal/infra/config"
	"gatelink/internal/infra/tracer"
	"gatelink/internal/usecase"
	"gatelink/internal/usecase/eventbus"
	"gatelink/internal/usecase/identity"
)

const writeTimeout = 10 * time.Second

// Config holds the client's connection settings.
type Config struct {
	URL      string
	Headers  map[string]string
	Token    string
	Password string

	Client    domain.ClientInfo
	Role      string
	Scopes    []string
	Caps      []string
	Locale    string
	UserAgent string

	MinProtocol int
	MaxProtocol int

	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
	// TickInterval is used when hello-ok carries no tick interval.
	TickInterval time.Duration
	Reconnect    ReconnectPolicy
}

// ConfigFrom builds a client Config from the application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		URL:      cfg.Gateway.URL,
		Headers:  cfg.Gateway.Headers,
		Token:    cfg.Gateway.Token,
		Password: cfg.Gateway.Password,
		Client: domain.ClientInfo{
			ID:          cfg.Client.ID,
			DisplayName: cfg.Client.DisplayName,
			Version:     cfg.Client.Version,
			Platform:    cfg.Client.Platform,
			Mode:        cfg.Client.Mode,
			InstanceID:  cfg.Client.InstanceID,
		},
		Role:             cfg.Client.Role,
		Scopes:           cfg.Client.Scopes,
		Caps:             cfg.Client.Caps,
		Locale:           cfg.Client.Locale,
		UserAgent:        cfg.Client.UserAgent,
		MinProtocol:      cfg.Protocol.Min,
		MaxProtocol:      cfg.Protocol.Max,
		RequestTimeout:   cfg.Timeouts.Request,
		HandshakeTimeout: cfg.Timeouts.Handshake,
		TickInterval:     cfg.Heartbeat.Interval,
		Reconnect: ReconnectPolicy{
			Disabled:    !cfg.Reconnect.Enabled,
			BaseDelay:   cfg.Reconnect.BaseDelay,
			MaxDelay:    cfg.Reconnect.MaxDelay,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
		},
	}
}

func (c *Config) applyDefaults() {
	if c.MinProtocol <= 0 {
		c.MinProtocol = domain.MinProtocolVersion
	}
	if c.MaxProtocol <= 0 {
		c.MaxProtocol = domain.ProtocolVersion
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 30 * time.Second
	}
	if c.Reconnect.BaseDelay <= 0 {
		c.Reconnect.BaseDelay = time.Second
	}
	if c.Reconnect.MaxDelay <= 0 {
		c.Reconnect.MaxDelay = 30 * time.Second
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect.MaxAttempts = 10
	}
	if c.Client.Platform == "" {
		c.Client.Platform = "go"
	}
	// One id per process so the gateway can tell restarts apart.
	if c.Client.InstanceID == "" {
		c.Client.InstanceID = uuid.NewString()
	}
}

// NewLimiter returns a request limiter for cfg, or nil when limiting is off.
func NewLimiter(cfg config.RateLimitConfig) *rate.Limiter {
	if cfg.RequestsPerSecond <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
}

// Deps are the collaborators a Client needs.
type Deps struct {
	Transport Transport
	Identity  *identity.Provider
	Tokens    *identity.TokenStore
	// Bus receives server events. A private bus is created when nil.
	Bus    domain.EventBus
	Logger *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithClock replaces the system clock.
func WithClock(clk Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithOnError registers a callback for asynchronous failures: dropped
// connections, failed reconnects and the terminal MAX_RECONNECTS error.
func WithOnError(fn func(error)) Option {
	return func(c *Client) { c.onError = fn }
}

// WithOnStateChange registers a callback for state transitions. It runs
// after the client lock is released.
func WithOnStateChange(fn func(from, to domain.ConnectionState)) Option {
	return func(c *Client) { c.onStateChange = fn }
}

// WithOnGap registers a callback for event sequence gaps.
func WithOnGap(fn func(expected, received int64)) Option {
	return func(c *Client) { c.onGap = fn }
}

// WithOnHello registers a callback for every accepted handshake.
func WithOnHello(fn func(*domain.HelloOk)) Option {
	return func(c *Client) { c.onHelloFn = fn }
}

// WithRateLimiter throttles outgoing requests. Heartbeats are not limited.
func WithRateLimiter(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

type transition struct {
	from, to domain.ConnectionState
}

type clientStats struct {
	requests   atomic.Uint64
	responses  atomic.Uint64
	timeouts   atomic.Uint64
	events     atomic.Uint64
	reconnects atomic.Uint64
	ticks      atomic.Uint64
	gaps       atomic.Uint64
}

// Stats is a snapshot of client counters.
type Stats struct {
	RequestsSent      uint64 `json:"requestsSent"`
	ResponsesReceived uint64 `json:"responsesReceived"`
	RequestTimeouts   uint64 `json:"requestTimeouts"`
	EventsReceived    uint64 `json:"eventsReceived"`
	ReconnectAttempts uint64 `json:"reconnectAttempts"`
	TicksSent         uint64 `json:"ticksSent"`
	SequenceGaps      uint64 `json:"sequenceGaps"`
}

// Client is a persistent authenticated gateway connection. All methods are
// safe for concurrent use.
type Client struct {
	cfg       Config
	transport Transport
	clock     Clock
	identity  *identity.Provider
	tokens    *identity.TokenStore
	bus       domain.EventBus
	limiter   *rate.Limiter
	logger    *slog.Logger

	onError       func(error)
	onStateChange func(from, to domain.ConnectionState)
	onGap         func(expected, received int64)
	onHelloFn     func(*domain.HelloOk)

	mu            sync.Mutex
	state         domain.ConnectionState
	conn          Conn
	gen           uint64 // bumped whenever conn is replaced or dropped
	session       uint64 // bumped by Connect and Disconnect
	hs            *handshake
	disp          *dispatcher
	corr          *correlator
	hello         *domain.HelloOk
	protocol      int
	hb            heartbeat
	rc            reconnector
	lastSeq       *int64
	intentional   bool
	terminal      error
	sessionCtx    context.Context
	sessionCancel context.CancelFunc
	transitions   []transition

	writeMu sync.Mutex
	stats   clientStats
}

// NewClient creates a disconnected Client.
func NewClient(cfg Config, deps Deps, opts ...Option) *Client {
	cfg.applyDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		cfg:       cfg,
		transport: deps.Transport,
		clock:     SystemClock(),
		identity:  deps.Identity,
		tokens:    deps.Tokens,
		bus:       deps.Bus,
		logger:    logger.With("component", "gateway-client"),
		state:     domain.StateDisconnected,
		corr:      newCorrelator(),
	}
	if c.bus == nil {
		c.bus = eventbus.New(logger)
	}
	if c.identity == nil {
		c.identity = identity.NewProvider(nil, logger)
	}
	if c.tokens == nil {
		c.tokens = identity.NewTokenStore(nil)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the gateway and completes the handshake. It returns nil when
// already connected and the terminal error once reconnection has given up.
func (c *Client) Connect(ctx context.Context) (err error) {
	ctx, span := tracer.StartSpan(ctx, "gateway.connect")
	defer func() { tracer.End(span, err) }()
	span.SetAttributes(tracer.StringAttr("url", c.cfg.URL))

	c.mu.Lock()
	if c.terminal != nil {
		err := c.terminal
		c.unlock()
		return err
	}
	switch c.state {
	case domain.StateConnected:
		c.unlock()
		return nil
	case domain.StateConnecting, domain.StateReconnecting:
		state := c.state
		c.unlock()
		return &domain.GatewayError{
			Code:      domain.CodeHandshakeBusy,
			Message:   fmt.Sprintf("gateway connection already in progress (state %s)", state),
			Retryable: true,
			Cause:     domain.ErrHandshakeInFlight,
		}
	}
	c.intentional = false
	if c.sessionCancel != nil {
		c.sessionCancel()
	}
	c.sessionCtx, c.sessionCancel = context.WithCancel(context.WithoutCancel(ctx))
	c.session++
	session := c.session
	c.setStateLocked(domain.StateConnecting)
	c.unlock()

	if err := c.attempt(ctx, session); err != nil {
		c.mu.Lock()
		current := c.session == session && !c.intentional
		if current && c.state == domain.StateConnecting {
			c.setStateLocked(domain.StateDisconnected)
		}
		c.unlock()
		if current {
			c.logger.Warn("gateway connect failed", "url", c.cfg.URL, "error", err)
			c.reportError(err)
		}
		return err
	}
	return nil
}

// Disconnect closes the connection and stops all timers. Pending requests fail
// with CONNECTION_CLOSED before Disconnect returns. No reconnect follows.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.intentional = true
	c.session++
	c.rc.stop()
	c.rc.attempts = 0
	c.hb.stop()
	conn := c.conn
	c.conn = nil
	c.gen++
	hs := c.hs
	c.hs = nil
	disp := c.takeDispatcherLocked()
	pending := c.corr.drain()
	if c.sessionCancel != nil {
		c.sessionCancel()
		c.sessionCancel = nil
	}
	wasActive := c.state != domain.StateDisconnected
	c.setStateLocked(domain.StateDisconnected)
	c.unlock()

	if hs != nil {
		hs.abort(connectionClosedError())
	}
	disp.close()
	for _, p := range pending {
		p.resolve(result{err: connectionClosedError()})
	}
	if conn != nil {
		if err := conn.Close(CloseNormal, "client disconnect"); err != nil {
			c.logger.Debug("close gateway socket", "error", err)
		}
	}
	if wasActive {
		c.logger.Info("gateway disconnected", "rejected_requests", len(pending))
	}
}

// Close disconnects and shuts down the event bus.
func (c *Client) Close() error {
	c.Disconnect()
	c.bus.Close()
	return nil
}

// Request sends method with params and waits for the matching response.
// params may be nil, a json.RawMessage or any JSON-marshalable value.
func (c *Client) Request(ctx context.Context, method string, params any) (payload json.RawMessage, err error) {
	ctx, span := tracer.StartSpan(ctx, "gateway.request")
	defer func() { tracer.End(span, err) }()
	span.SetAttributes(tracer.StringAttr("method", method))

	if method == "" {
		return nil, domain.NewDomainError("gateway.Request", domain.ErrInvalidInput, "method is required")
	}
	raw, err := marshalParams(params)
	if err != nil {
		return nil, domain.NewDomainError("gateway.Request", domain.ErrInvalidInput, err.Error())
	}

	if state := c.State(); state != domain.StateConnected {
		return nil, notConnectedError(state)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, domain.WrapOp("gateway.Request", err)
		}
	}

	c.mu.Lock()
	if c.state != domain.StateConnected {
		state := c.state
		c.unlock()
		return nil, notConnectedError(state)
	}
	id := c.corr.nextID()
	p := newPending(id, method)
	timeout := c.cfg.RequestTimeout
	p.timer = c.clock.AfterFunc(timeout, func() { c.expire(id, timeout) })
	c.corr.add(p)
	conn := c.conn
	c.unlock()
	c.stats.requests.Add(1)

	if err := c.writeFrame(conn, domain.RequestFrame{ID: id, Method: method, Params: raw}); err != nil {
		c.cancelPending(id)
		return nil, usecase.ClassifyTransport("write", err)
	}

	select {
	case r := <-p.done:
		return r.payload, r.err
	case <-ctx.Done():
		c.cancelPending(id)
		return nil, ctx.Err()
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	switch v := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(v)
	}
}

func (c *Client) expire(id string, timeout time.Duration) {
	c.mu.Lock()
	p := c.corr.take(id)
	c.unlock()
	if p == nil {
		return
	}
	c.stats.timeouts.Add(1)
	c.logger.Warn("gateway request timed out", "id", id, "method", p.method, "timeout", timeout)
	p.resolve(result{err: timeoutError(p.method, timeout)})
}

func (c *Client) cancelPending(id string) {
	c.mu.Lock()
	p := c.corr.take(id)
	c.unlock()
	if p != nil {
		p.resolve(result{err: connectionClosedError()})
	}
}

// writeFrame serializes writes on conn. nhooyr closes the socket when a write
// context expires, so writes use their own deadline instead of the caller's.
func (c *Client) writeFrame(conn Conn, frame domain.Frame) error {
	if conn == nil {
		return domain.ErrNotConnected
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.Write(ctx, data)
}

func (c *Client) readLoop(conn Conn, gen uint64) {
	for {
		data, err := conn.Read(context.Background())
		if err != nil {
			c.onClosed(gen, err)
			return
		}
		c.handleMessage(gen, data)
	}
}

func (c *Client) handleMessage(gen uint64, data []byte) {
	frame, err := domain.DecodeFrame(data)
	if err != nil {
		c.logger.Debug("discarding unreadable gateway frame", "bytes", len(data), "error", err)
		return
	}
	switch f := frame.(type) {
	case domain.EventFrame:
		c.handleEvent(gen, f)
	case domain.ResponseFrame:
		c.handleResponse(gen, f)
	default:
		c.logger.Debug("discarding unexpected gateway frame", "type", frame.FrameType())
	}
}

func (c *Client) handleEvent(gen uint64, f domain.EventFrame) {
	c.mu.Lock()
	if c.gen != gen {
		c.unlock()
		return
	}
	if f.Event == domain.EventConnectChallenge {
		hs := c.hs
		c.unlock()
		c.handleChallenge(hs, f)
		return
	}

	var expected, received int64
	gap := false
	if f.Seq != nil {
		received = *f.Seq
		if c.lastSeq != nil && received > *c.lastSeq+1 {
			expected = *c.lastSeq + 1
			gap = true
		}
		c.lastSeq = &received
	}
	ctx := c.sessionCtx
	disp := c.disp
	c.unlock()

	c.stats.events.Add(1)
	if gap {
		c.stats.gaps.Add(1)
		c.logger.Warn("gateway event sequence gap", "expected", expected, "received", received, "event", f.Event)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	event := domain.EventFromFrame(f)
	queued := disp.push(func() {
		if gap && c.onGap != nil {
			c.onGap(expected, received)
		}
		c.bus.Publish(ctx, event)
	})
	if !queued {
		c.logger.Debug("dropping event for closed connection", "event", f.Event)
	}
}

func (c *Client) handleChallenge(hs *handshake, f domain.EventFrame) {
	if hs == nil {
		c.logger.Debug("ignoring challenge outside handshake")
		return
	}
	var ch domain.ConnectChallenge
	if err := json.Unmarshal(f.Payload, &ch); err != nil || ch.Nonce == "" {
		hs.abort(usecase.Classify(&domain.ErrorShape{
			Code:    string(domain.CodeProtocolMismatch),
			Message: "connect.challenge carried no nonce",
		}))
		return
	}
	select {
	case hs.nonce <- ch.Nonce:
	default:
		c.logger.Debug("ignoring repeated challenge")
	}
}

func (c *Client) handleResponse(gen uint64, f domain.ResponseFrame) {
	c.mu.Lock()
	if c.gen != gen {
		c.unlock()
		return
	}
	if hs := c.hs; hs != nil && hs.reqID != "" && hs.reqID == f.ID {
		c.unlock()
		select {
		case hs.res <- f:
		default:
		}
		return
	}
	c.observeRetryHintLocked(f)
	p := c.corr.take(f.ID)
	c.unlock()

	if p == nil {
		c.logger.Debug("discarding response with unknown id", "id", f.ID)
		return
	}
	c.stats.responses.Add(1)
	if f.OK {
		p.resolve(result{payload: f.Payload})
		return
	}
	p.resolve(result{err: usecase.RPCFailed(p.method, f.Error)})
}

// onClosed handles the end of conn's read loop.
func (c *Client) onClosed(gen uint64, cause error) {
	c.mu.Lock()
	if c.gen != gen {
		c.unlock()
		return
	}
	c.gen++
	hs := c.hs
	c.hs = nil
	c.conn = nil
	disp := c.takeDispatcherLocked()
	pending := c.corr.drain()
	c.hb.stop()

	var report error
	if c.state == domain.StateConnected && !c.intentional {
		gerr := usecase.ClassifyTransport("read", cause)
		c.rc.lastErr = gerr
		report = gerr
		c.logger.Warn("gateway connection lost", "close_status", CloseStatus(cause), "error", cause)
		if !c.cfg.Reconnect.Disabled {
			if terminal := c.scheduleReconnectLocked(); terminal != nil {
				report = terminal
			}
		} else {
			c.setStateLocked(domain.StateDisconnected)
		}
	}
	c.unlock()

	if hs != nil {
		hs.abort(handshakeClosedError(cause))
	}
	disp.close()
	for _, p := range pending {
		p.resolve(result{err: connectionClosedError()})
	}
	if report != nil {
		c.reportError(report)
	}
}

// unlock releases mu and then delivers queued state transitions.
func (c *Client) unlock() {
	transitions := c.transitions
	c.transitions = nil
	c.mu.Unlock()
	if c.onStateChange == nil {
		return
	}
	for _, t := range transitions {
		c.onStateChange(t.from, t.to)
	}
}

func (c *Client) setStateLocked(s domain.ConnectionState) {
	if c.state == s {
		return
	}
	c.transitions = append(c.transitions, transition{from: c.state, to: s})
	c.logger.Debug("gateway state change", "from", c.state, "to", s)
	c.state = s
}

func (c *Client) reportError(err error) {
	if err != nil && c.onError != nil {
		c.onError(err)
	}
}

func (c *Client) header() http.Header {
	h := make(http.Header, len(c.cfg.Headers)+1)
	for k, v := range c.cfg.Headers {
		h.Set(k, v)
	}
	if c.cfg.UserAgent != "" {
		h.Set("User-Agent", c.cfg.UserAgent)
	}
	return h
}

// Subscribe registers handler for event name, or domain.WildcardEvent for
// every event. The returned function unsubscribes.
func (c *Client) Subscribe(name string, handler domain.EventHandler) func() {
	return c.bus.Subscribe(name, handler)
}

// State returns the current connection state.
func (c *Client) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Protocol returns the negotiated protocol version, or 0 before the first handshake.
func (c *Client) Protocol() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protocol
}

// Hello returns the last accepted hello-ok.
func (c *Client) Hello() *domain.HelloOk {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hello
}

// ConnID returns the server-assigned id of the current connection.
func (c *Client) ConnID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hello == nil || c.state != domain.StateConnected {
		return ""
	}
	return c.hello.Server.ConnID
}

// DeviceID returns this device's id, creating the identity if needed.
func (c *Client) DeviceID(ctx context.Context) (string, error) {
	id, err := c.identity.GetOrCreate(ctx)
	if err != nil {
		return "", err
	}
	return id.DeviceID, nil
}

// PendingCount returns the number of requests awaiting a response.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.corr.len()
}

// TickInterval returns the active heartbeat interval.
func (c *Client) TickInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hb.interval
}

// Stats returns a snapshot of the client counters.
func (c *Client) Stats() Stats {
	return Stats{
		RequestsSent:      c.stats.requests.Load(),
		ResponsesReceived: c.stats.responses.Load(),
		RequestTimeouts:   c.stats.timeouts.Load(),
		EventsReceived:    c.stats.events.Load(),
		ReconnectAttempts: c.stats.reconnects.Load(),
		TicksSent:         c.stats.ticks.Load(),
		SequenceGaps:      c.stats.gaps.Load(),
	}
}
