package gatewayserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"gatelink/internal/domain"
	"gatelink/internal/infra/config"
	"gatelink/internal/infra/middleware"
)

// Config configures the reference gateway.
type Config struct {
	Addr             string
	Name             string
	Version          string
	Tokens           []config.TokenConfig
	TickInterval     time.Duration
	MaxPayload       int64
	RequestsPerMin   int
	HandshakeTimeout time.Duration
	// RequirePairing rejects devices that hold no device token and were
	// not approved with ApproveDevice.
	RequirePairing bool
}

// ConfigFrom builds a server Config from the application config.
func ConfigFrom(cfg config.ServerConfig) Config {
	return Config{
		Addr:           cfg.Addr,
		Name:           cfg.Name,
		Tokens:         cfg.Tokens,
		TickInterval:   cfg.TickInterval,
		MaxPayload:     cfg.MaxPayload,
		RequestsPerMin: cfg.RequestsPerMin,
	}
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "gatelink-gateway"
	}
	if c.Version == "" {
		c.Version = "dev"
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 30 * time.Second
	}
	if c.MaxPayload <= 0 {
		c.MaxPayload = 1 << 20
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
}

// maxBufferedFrames is the outbound queue length per connection.
const maxBufferedFrames = 64

// RPCHandler handles a single RPC method call.
type RPCHandler func(ctx context.Context, client *ClientInfo, params json.RawMessage) (json.RawMessage, error)

// ClientInfo describes an authenticated connection.
type ClientInfo struct {
	ConnID      string
	Name        string
	DeviceID    string
	Role        string
	Scopes      []string
	Client      domain.ClientInfo
	ConnectedAt time.Time
}

// clientConn tracks a single WebSocket connection.
type clientConn struct {
	info      *ClientInfo
	ws        *websocket.Conn
	sendCh    chan domain.Frame
	done      chan struct{}
	closeOnce sync.Once
}

func (cc *clientConn) close(code websocket.StatusCode, reason string) {
	cc.closeOnce.Do(func() { close(cc.done) })
	cc.ws.Close(code, reason)
}

// Server is a gateway that speaks the challenge handshake and serves RPCs
// and events to authenticated devices.
type Server struct {
	cfg        Config
	bus        domain.EventBus
	auth       Authenticator
	devices    *DeviceTokens
	limiter    *middleware.IPLimiter
	handlersMu sync.RWMutex
	handlers   map[string]RPCHandler
	pairMu     sync.RWMutex
	paired     map[string]bool
	clients    sync.Map // connID -> *clientConn
	logger     *slog.Logger
	httpSrv    *http.Server
	boundMu    sync.Mutex
	boundAddr  string
	seq        atomic.Int64
	retryAfter atomic.Int64 // ms
	metrics    Metrics
	startTime  time.Time
	forward    sync.Once
	unsubAll   func()
	httpRoutes []httpRoute
	now        func() time.Time
}

type httpRoute struct {
	pattern string
	handler http.HandlerFunc
}

// NewServer creates a gateway. Events published on bus are broadcast to every
// connected client; bus may be nil.
func NewServer(cfg Config, bus domain.EventBus, logger *slog.Logger) *Server {
	cfg.applyDefaults()
	s := &Server{
		cfg:       cfg,
		bus:       bus,
		auth:      NewStaticTokenAuth(cfg.Tokens),
		devices:   NewDeviceTokens(),
		limiter:   middleware.NewIPLimiter(middleware.IPLimiterConfig{RequestsPerMin: cfg.RequestsPerMin}),
		handlers:  make(map[string]RPCHandler),
		paired:    make(map[string]bool),
		logger:    logger.With("component", "gateway-server"),
		startTime: time.Now(),
		now:       time.Now,
	}
	s.registerBuiltins()
	return s
}

// RegisterHandler adds an RPC handler for the given method name.
// Safe to call concurrently with active connections.
func (s *Server) RegisterHandler(method string, handler RPCHandler) {
	s.handlersMu.Lock()
	s.handlers[method] = handler
	s.handlersMu.Unlock()
}

// RegisterHTTPRoute adds an HTTP handler to the gateway's mux.
// Must be called before Handler or Start.
func (s *Server) RegisterHTTPRoute(pattern string, handler http.HandlerFunc) {
	s.httpRoutes = append(s.httpRoutes, httpRoute{pattern: pattern, handler: handler})
}

// ApproveDevice pairs a device so it may connect when pairing is required.
func (s *Server) ApproveDevice(deviceID string) {
	s.pairMu.Lock()
	s.paired[deviceID] = true
	s.pairMu.Unlock()
}

func (s *Server) isPaired(deviceID string) bool {
	s.pairMu.RLock()
	defer s.pairMu.RUnlock()
	return s.paired[deviceID]
}

// Devices exposes the issued device tokens.
func (s *Server) Devices() *DeviceTokens { return s.devices }

// SetRetryAfter makes tick responses carry retryAfterMs. Zero clears it.
func (s *Server) SetRetryAfter(d time.Duration) {
	s.retryAfter.Store(d.Milliseconds())
}

// Handler returns the HTTP handler serving WebSocket upgrades on any path
// plus /healthz and /metrics.
func (s *Server) Handler(ctx context.Context) http.Handler {
	s.forward.Do(func() {
		if s.bus != nil {
			s.unsubAll = s.bus.Subscribe(domain.WildcardEvent, func(_ context.Context, ev domain.GatewayEvent) {
				s.Broadcast(ev.Name, ev.Payload)
			})
		}
		go s.limiter.Run(ctx)
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", statusHandler(s))
	mux.HandleFunc("GET /metrics", metricsHandler(s))
	for _, route := range s.httpRoutes {
		mux.HandleFunc(route.pattern, route.handler)
	}
	mux.HandleFunc("/", s.handleUpgrade)
	return middleware.SecurityHeaders(s.limiter.Middleware(mux))
}

// Start begins accepting connections. Blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundMu.Lock()
	s.boundAddr = listener.Addr().String()
	s.boundMu.Unlock()

	s.httpSrv = &http.Server{
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("gateway started", "addr", s.BoundAddr(), "open", s.auth.Open())

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop closes every connection and shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.unsubAll != nil {
		s.unsubAll()
	}
	s.DropAll(websocket.StatusGoingAway, "server shutting down")

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// DropAll closes every established connection with code.
func (s *Server) DropAll(code websocket.StatusCode, reason string) int {
	n := 0
	s.clients.Range(func(key, value any) bool {
		value.(*clientConn).close(code, reason)
		s.clients.Delete(key)
		n++
		return true
	})
	return n
}

// BoundAddr returns the address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string {
	s.boundMu.Lock()
	defer s.boundMu.Unlock()
	return s.boundAddr
}

// Connections returns the number of established connections.
func (s *Server) Connections() int {
	n := 0
	s.clients.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Broadcast sends an event with the next sequence number to every
// established connection. Slow clients miss the event and see a gap.
func (s *Server) Broadcast(event string, payload json.RawMessage) int64 {
	seq := s.seq.Add(1)
	frame := domain.EventFrame{Event: event, Payload: payload, Seq: &seq}
	s.metrics.EventsBroadcast.Add(1)
	s.clients.Range(func(_, value any) bool {
		cc := value.(*clientConn)
		select {
		case cc.sendCh <- frame:
		default:
			s.metrics.EventsDropped.Add(1)
			s.logger.Warn("dropped event for slow client", "conn_id", cc.info.ConnID, "event", event, "seq", seq)
		}
		return true
	})
	return seq
}

var localOrigins = []string{
	"localhost",
	"localhost:*",
	"127.0.0.1",
	"127.0.0.1:*",
	"[::1]",
	"[::1]:*",
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: localOrigins})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(s.cfg.MaxPayload)
	s.metrics.ConnectionsTotal.Add(1)

	connID := ulid.Make().String()
	info, err := s.handshake(r.Context(), ws, connID)
	if err != nil {
		s.metrics.HandshakesFailed.Add(1)
		s.logger.Info("gateway handshake rejected", "conn_id", connID, "error", err)
		ws.Close(websocket.StatusPolicyViolation, "handshake failed")
		return
	}

	cc := &clientConn{
		info:   info,
		ws:     ws,
		sendCh: make(chan domain.Frame, maxBufferedFrames),
		done:   make(chan struct{}),
	}
	s.clients.Store(connID, cc)
	s.logger.Info("gateway client connected",
		"conn_id", connID,
		"device_id", info.DeviceID,
		"client", info.Client.ID,
		"role", info.Role,
	)

	go s.writeLoop(cc)
	s.readLoop(r.Context(), cc)

	cc.close(websocket.StatusNormalClosure, "")
	s.clients.Delete(connID)
	s.logger.Info("gateway client disconnected", "conn_id", connID)
}

func (s *Server) readLoop(ctx context.Context, cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}

		var raw json.RawMessage
		if err := wsjson.Read(ctx, cc.ws, &raw); err != nil {
			return
		}
		frame, err := domain.DecodeFrame(raw)
		if err != nil {
			s.logger.Debug("discarding invalid frame", "conn_id", cc.info.ConnID, "error", err)
			continue
		}
		req, ok := frame.(domain.RequestFrame)
		if !ok {
			continue
		}
		go s.dispatchRPC(ctx, cc, req)
	}
}

func (s *Server) writeLoop(cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, cc.ws, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatchRPC(ctx context.Context, cc *clientConn, req domain.RequestFrame) {
	s.metrics.RPCCallsTotal.Add(1)
	s.handlersMu.RLock()
	handler, ok := s.handlers[req.Method]
	s.handlersMu.RUnlock()

	var result json.RawMessage
	var err error
	if !ok {
		err = domain.NewDomainError("Server.dispatch", domain.ErrRPCMethodNotFound, req.Method)
	} else {
		result, err = handler(ctx, cc.info, req.Params)
	}
	s.sendResponse(cc, req.ID, result, err)
}

func (s *Server) sendResponse(cc *clientConn, id string, result json.RawMessage, err error) {
	resp := domain.ResponseFrame{ID: id, OK: err == nil, Payload: result}
	if err != nil {
		s.metrics.RPCErrorsTotal.Add(1)
		resp.Payload = nil
		resp.Error = errorShape(err)
	}
	select {
	case cc.sendCh <- resp:
	default:
		s.logger.Warn("dropped RPC response for slow client", "conn_id", cc.info.ConnID, "id", id)
	}
}

// errorShape maps a handler error to its wire form.
func errorShape(err error) *domain.ErrorShape {
	var ge *domain.GatewayError
	switch {
	case errors.As(err, &ge):
		return &domain.ErrorShape{
			Code:         string(ge.Code),
			Message:      ge.Message,
			Retryable:    ge.Retryable,
			RetryAfterMs: ge.RetryAfter.Milliseconds(),
		}
	case errors.Is(err, domain.ErrRPCMethodNotFound):
		return &domain.ErrorShape{Code: "METHOD_NOT_FOUND", Message: err.Error()}
	case errors.Is(err, domain.ErrRPCInvalidPayload), errors.Is(err, domain.ErrInvalidInput):
		return &domain.ErrorShape{Code: "INVALID_REQUEST", Message: err.Error()}
	default:
		return &domain.ErrorShape{Code: "INTERNAL", Message: err.Error()}
	}
}

func (s *Server) methods() []string {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func newNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}
