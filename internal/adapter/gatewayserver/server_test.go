package gatewayserver

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"gatelink/internal/adapter/gateway"
	"gatelink/internal/adapter/store"
	"gatelink/internal/domain"
	"gatelink/internal/infra/config"
	"gatelink/internal/infra/logger"
	"gatelink/internal/usecase/eventbus"
	"gatelink/internal/usecase/identity"
)

type testGateway struct {
	srv  *Server
	bus  *eventbus.Bus
	http *httptest.Server
	url  string
}

func startTestServer(t *testing.T, cfg Config) *testGateway {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bus := eventbus.New(logger.Discard())
	srv := NewServer(cfg, bus, logger.Discard())
	hs := httptest.NewServer(srv.Handler(ctx))
	t.Cleanup(func() {
		srv.Stop(context.Background())
		hs.Close()
	})
	return &testGateway{srv: srv, bus: bus, http: hs, url: "ws" + strings.TrimPrefix(hs.URL, "http")}
}

type testClient struct {
	*gateway.Client
	tokens *identity.TokenStore
}

func newTestClient(t *testing.T, url string, mutate func(*gateway.Config)) *testClient {
	t.Helper()
	kv := store.NewMemoryStore()
	cfg := gateway.Config{
		URL:              url,
		Client:           domain.ClientInfo{ID: "gatelink-test", Version: "1.0.0", Platform: "go", Mode: "cli"},
		Role:             "operator",
		Scopes:           []string{"operator.read"},
		RequestTimeout:   5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	tokens := identity.NewTokenStore(kv)
	c := gateway.NewClient(cfg, gateway.Deps{
		Transport: gateway.NewWebSocketTransport(0),
		Identity:  identity.NewProvider(kv, logger.Discard()),
		Tokens:    tokens,
		Logger:    logger.Discard(),
	})
	t.Cleanup(func() { c.Close() })
	return &testClient{Client: c, tokens: tokens}
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestHandshakeAndRPC(t *testing.T) {
	gw := startTestServer(t, Config{Name: "test-gw", Version: "9.9.9"})
	c := newTestClient(t, gw.url, nil)
	ctx := testCtx(t)

	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, domain.StateConnected, c.State())
	assert.Equal(t, 3, c.Protocol())

	hello := c.Hello()
	require.NotNil(t, hello)
	assert.Equal(t, "9.9.9", hello.Server.Version)
	assert.Contains(t, hello.Features.Methods, "echo")
	assert.Equal(t, int64(30000), hello.Policy.TickIntervalMs)
	assert.Len(t, hello.Server.ConnID, 26)

	payload, err := c.Request(ctx, "echo", map[string]int{"a": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(payload))

	payload, err = c.Request(ctx, "health", nil)
	require.NoError(t, err)
	var health healthResponse
	require.NoError(t, json.Unmarshal(payload, &health))
	assert.True(t, health.OK)
	assert.Equal(t, hello.Server.ConnID, health.ConnID)

	_, err = c.Request(ctx, "no.such.method", nil)
	assert.Equal(t, domain.ErrorCode("METHOD_NOT_FOUND"), domain.GatewayErrorCode(err))
}

func TestIssuedDeviceTokenIsReused(t *testing.T) {
	gw := startTestServer(t, Config{Tokens: []config.TokenConfig{
		{Token: "shared", Name: "ops", Roles: []string{"operator"}},
	}})
	c := newTestClient(t, gw.url, func(cfg *gateway.Config) { cfg.Token = "shared" })
	ctx := testCtx(t)

	require.NoError(t, c.Connect(ctx))
	require.NotNil(t, c.Hello().Auth)
	deviceID, err := c.DeviceID(ctx)
	require.NoError(t, err)
	assert.True(t, gw.srv.Devices().Has(deviceID, "operator"))

	stored, err := c.tokens.Load(ctx, deviceID, "operator")
	require.NoError(t, err)
	assert.Equal(t, c.Hello().Auth.DeviceToken, stored.Token)

	c.Disconnect()
	require.NoError(t, c.Connect(ctx))
	assert.Nil(t, c.Hello().Auth, "device token login should not be reissued")
}

func TestWrongTokenRejected(t *testing.T) {
	gw := startTestServer(t, Config{Tokens: []config.TokenConfig{{Token: "shared", Name: "ops"}}})
	c := newTestClient(t, gw.url, func(cfg *gateway.Config) { cfg.Token = "wrong" })

	err := c.Connect(testCtx(t))
	assert.Equal(t, domain.CodeAuthFailed, domain.GatewayErrorCode(err))
	assert.Equal(t, domain.StateDisconnected, c.State())
	assert.Equal(t, int64(1), gw.srv.Metrics().HandshakesFailed.Load())
}

func TestMissingTokenRejectedWhenClosed(t *testing.T) {
	gw := startTestServer(t, Config{Tokens: []config.TokenConfig{{Token: "shared", Name: "ops"}}})
	c := newTestClient(t, gw.url, nil)

	err := c.Connect(testCtx(t))
	assert.Equal(t, domain.CodeAuthFailed, domain.GatewayErrorCode(err))
}

func TestRoleNotPermitted(t *testing.T) {
	gw := startTestServer(t, Config{Tokens: []config.TokenConfig{
		{Token: "node-tok", Name: "nodes", Roles: []string{"node"}},
	}})
	c := newTestClient(t, gw.url, func(cfg *gateway.Config) { cfg.Token = "node-tok" })

	err := c.Connect(testCtx(t))
	assert.Equal(t, domain.CodeAuthFailed, domain.GatewayErrorCode(err))
}

func TestRevokedDeviceTokenIsCleared(t *testing.T) {
	gw := startTestServer(t, Config{Tokens: []config.TokenConfig{{Token: "shared", Name: "ops"}}})
	c := newTestClient(t, gw.url, func(cfg *gateway.Config) { cfg.Token = "shared" })
	ctx := testCtx(t)

	require.NoError(t, c.Connect(ctx))
	deviceID, err := c.DeviceID(ctx)
	require.NoError(t, err)
	c.Disconnect()

	gw.srv.Devices().Revoke(deviceID, "operator")
	err = c.Connect(ctx)
	assert.Equal(t, domain.CodeAuthFailed, domain.GatewayErrorCode(err))
	_, err = c.tokens.Load(ctx, deviceID, "operator")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, c.Connect(ctx))
}

func TestProtocolMismatch(t *testing.T) {
	gw := startTestServer(t, Config{})
	c := newTestClient(t, gw.url, func(cfg *gateway.Config) {
		cfg.MinProtocol = 4
		cfg.MaxProtocol = 5
	})

	err := c.Connect(testCtx(t))
	assert.Equal(t, domain.CodeProtocolMismatch, domain.GatewayErrorCode(err))
}

func TestPairingRequired(t *testing.T) {
	gw := startTestServer(t, Config{RequirePairing: true})
	c := newTestClient(t, gw.url, nil)
	ctx := testCtx(t)

	err := c.Connect(ctx)
	assert.Equal(t, domain.CodeNotPaired, domain.GatewayErrorCode(err))

	deviceID, err := c.DeviceID(ctx)
	require.NoError(t, err)
	gw.srv.ApproveDevice(deviceID)
	require.NoError(t, c.Connect(ctx))
}

func waitConnections(t *testing.T, srv *Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return srv.Connections() == n }, 5*time.Second, 10*time.Millisecond)
}

func TestBroadcastCarriesSequence(t *testing.T) {
	gw := startTestServer(t, Config{})
	c := newTestClient(t, gw.url, nil)
	seqs := make(chan int64, 8)
	c.Subscribe("chat", func(_ context.Context, ev domain.GatewayEvent) {
		seqs <- *ev.Seq
	})

	require.NoError(t, c.Connect(testCtx(t)))
	waitConnections(t, gw.srv, 1)

	for range 3 {
		gw.srv.Broadcast("chat", json.RawMessage(`{"text":"hi"}`))
	}
	for want := int64(1); want <= 3; want++ {
		select {
		case got := <-seqs:
			assert.Equal(t, want, got)
		case <-time.After(5 * time.Second):
			t.Fatal("event not delivered")
		}
	}
	assert.Zero(t, c.Stats().SequenceGaps)
}

func TestBusEventsAreForwarded(t *testing.T) {
	gw := startTestServer(t, Config{})
	c := newTestClient(t, gw.url, nil)
	got := make(chan string, 1)
	c.Subscribe(domain.WildcardEvent, func(_ context.Context, ev domain.GatewayEvent) {
		got <- ev.Name + string(ev.Payload)
	})

	require.NoError(t, c.Connect(testCtx(t)))
	waitConnections(t, gw.srv, 1)
	gw.bus.Publish(context.Background(), domain.GatewayEvent{Name: "presence", Payload: json.RawMessage(`{"n":1}`)})

	select {
	case ev := <-got:
		assert.Equal(t, `presence{"n":1}`, ev)
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBroadcastRPC(t *testing.T) {
	gw := startTestServer(t, Config{})
	sender := newTestClient(t, gw.url, nil)
	listener := newTestClient(t, gw.url, nil)
	got := make(chan string, 1)
	listener.Subscribe("note", func(_ context.Context, ev domain.GatewayEvent) { got <- string(ev.Payload) })

	ctx := testCtx(t)
	require.NoError(t, sender.Connect(ctx))
	require.NoError(t, listener.Connect(ctx))
	waitConnections(t, gw.srv, 2)

	_, err := sender.Request(ctx, "events.broadcast", map[string]any{"event": "note", "payload": "hello"})
	require.NoError(t, err)
	assert.Equal(t, `"hello"`, <-got)

	_, err = sender.Request(ctx, "events.broadcast", map[string]any{"event": domain.EventConnectChallenge})
	assert.Equal(t, domain.ErrorCode("INVALID_REQUEST"), domain.GatewayErrorCode(err))
}

func TestServerDropTriggersReconnect(t *testing.T) {
	gw := startTestServer(t, Config{})
	c := newTestClient(t, gw.url, func(cfg *gateway.Config) {
		cfg.Reconnect = gateway.ReconnectPolicy{BaseDelay: 20 * time.Millisecond, MaxDelay: 100 * time.Millisecond, MaxAttempts: 5}
	})
	require.NoError(t, c.Connect(testCtx(t)))
	waitConnections(t, gw.srv, 1)
	first := c.ConnID()

	assert.Equal(t, 1, gw.srv.DropAll(websocket.StatusGoingAway, "restart"))

	require.Eventually(t, func() bool {
		return c.State() == domain.StateConnected && c.ConnID() != first
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), c.Stats().ReconnectAttempts)
}

func TestTickRetryAfterRaisesInterval(t *testing.T) {
	gw := startTestServer(t, Config{TickInterval: 30 * time.Second})
	c := newTestClient(t, gw.url, nil)
	ctx := testCtx(t)
	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, 30*time.Second, c.TickInterval())

	gw.srv.SetRetryAfter(45 * time.Second)
	payload, err := c.Request(ctx, domain.MethodTick, domain.TickParams{Ts: 1})
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"retryAfterMs":45000`)
	assert.Equal(t, 45*time.Second, c.TickInterval())
}

func TestStatusAndMetricsEndpoints(t *testing.T) {
	gw := startTestServer(t, Config{Name: "status-gw"})
	c := newTestClient(t, gw.url, nil)
	require.NoError(t, c.Connect(testCtx(t)))
	waitConnections(t, gw.srv, 1)

	resp, err := http.Get(gw.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	var status StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "status-gw", status.Gateway.Name)
	assert.Equal(t, 1, status.Connections.Active)
	assert.Contains(t, status.RPC.Methods, "tick")

	mresp, err := http.Get(gw.http.URL + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	body, err := io.ReadAll(mresp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "gatelink_connections_active 1\n")
	assert.Contains(t, string(body), "# TYPE gatelink_rpc_calls_total counter")
}

func TestPlainHTTPIsNotUpgraded(t *testing.T) {
	gw := startTestServer(t, Config{})
	resp, err := http.Get(gw.http.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.GreaterOrEqual(t, resp.StatusCode, 400)
}

// signedParams builds connect params the way a well-behaved client does.
func signedParams(t *testing.T, nonce, token string, signedAt time.Time) domain.ConnectParams {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	params := domain.ConnectParams{
		MinProtocol: 3,
		MaxProtocol: 3,
		Client:      domain.ClientInfo{ID: "c", Version: "1", Platform: "go", Mode: "cli"},
		Role:        "operator",
	}
	if token != "" {
		params.Auth = &domain.ConnectAuth{Token: token}
	}
	deviceID := identity.DeviceIDFromPublicKey(pub)
	payload := identity.BuildAuthPayload(identity.AuthPayloadParams{
		DeviceID:   deviceID,
		ClientID:   "c",
		ClientMode: "cli",
		Role:       "operator",
		SignedAtMs: signedAt.UnixMilli(),
		Token:      token,
		Nonce:      nonce,
	})
	sig, err := identity.Sign(priv, payload)
	require.NoError(t, err)
	params.Device = &domain.DeviceAuth{
		ID:        deviceID,
		PublicKey: identity.PublicKeyBase64URL(pub),
		Signature: sig,
		SignedAt:  signedAt.UnixMilli(),
		Nonce:     nonce,
	}
	return params
}

func TestAcceptValidation(t *testing.T) {
	srv := NewServer(Config{}, nil, logger.Discard())
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	srv.now = func() time.Time { return now }

	tests := []struct {
		name   string
		mutate func(*domain.ConnectParams)
		nonce  string
		want   string
	}{
		{"valid", func(*domain.ConnectParams) {}, "n1", ""},
		{"nonce mismatch", func(*domain.ConnectParams) {}, "other", "AUTH_FAILED"},
		{"no device", func(p *domain.ConnectParams) { p.Device = nil }, "n1", "INVALID_REQUEST"},
		{"device id mismatch", func(p *domain.ConnectParams) { p.Device.ID = strings.Repeat("0", 64) }, "n1", "AUTH_FAILED"},
		{"tampered role", func(p *domain.ConnectParams) { p.Role = "admin" }, "n1", "AUTH_FAILED"},
		{"bad key", func(p *domain.ConnectParams) { p.Device.PublicKey = "AAAA" }, "n1", "AUTH_FAILED"},
		{"stale signature", func(p *domain.ConnectParams) { p.Device.SignedAt = now.Add(-time.Hour).UnixMilli() }, "n1", "AUTH_FAILED"},
		{"protocol too new", func(p *domain.ConnectParams) { p.MinProtocol, p.MaxProtocol = 4, 4 }, "n1", "PROTOCOL_MISMATCH"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := signedParams(t, "n1", "", now)
			tt.mutate(&params)
			info, hello, herr := srv.accept(params, tt.nonce, "conn")
			if tt.want == "" {
				require.Nil(t, herr)
				assert.Equal(t, "anonymous", info.Name)
				assert.Equal(t, 3, hello.Protocol)
				require.NotNil(t, hello.Auth)
				assert.NotEmpty(t, hello.Auth.DeviceToken)
				return
			}
			require.NotNil(t, herr)
			assert.Equal(t, tt.want, herr.shape.Code)
		})
	}
}

func TestAcceptNegotiatesHighestCommonProtocol(t *testing.T) {
	srv := NewServer(Config{}, nil, logger.Discard())
	params := signedParams(t, "n", "", time.Now())
	params.MinProtocol, params.MaxProtocol = 1, 7

	_, hello, herr := srv.accept(params, "n", "conn")
	require.Nil(t, herr)
	assert.Equal(t, domain.ProtocolVersion, hello.Protocol)
}

func TestErrorShapeMapping(t *testing.T) {
	ge := &domain.GatewayError{Code: "BUSY", Message: "later", Retryable: true, RetryAfter: 2 * time.Second}
	assert.Equal(t, &domain.ErrorShape{Code: "BUSY", Message: "later", Retryable: true, RetryAfterMs: 2000}, errorShape(ge))
	assert.Equal(t, "METHOD_NOT_FOUND", errorShape(domain.ErrRPCMethodNotFound).Code)
	assert.Equal(t, "INVALID_REQUEST", errorShape(domain.ErrRPCInvalidPayload).Code)
	assert.Equal(t, "INTERNAL", errorShape(assert.AnError).Code)
}
