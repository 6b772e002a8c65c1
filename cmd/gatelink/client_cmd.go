package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"gatelink/internal/adapter/gateway"
	"gatelink/internal/adapter/store"
	"gatelink/internal/domain"
	"gatelink/internal/usecase/eventbus"
	"gatelink/internal/usecase/identity"
)

// clientReadLimit caps one inbound frame; hello snapshots can be large.
const clientReadLimit = 4 << 20

// session is a configured client plus the resources it holds.
type session struct {
	client *gateway.Client
	store  store.Store
}

func (s *session) close() {
	s.client.Close()
	s.store.Close()
}

func newSession(rt *runtime, opts ...gateway.Option) (*session, error) {
	st, err := store.Open(rt.cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	var transport gateway.Transport = gateway.NewWebSocketTransport(clientReadLimit)
	if rt.cfg.Breaker.Enabled {
		transport = gateway.NewBreakerTransport(transport, gateway.BreakerConfig{
			MaxFailures: uint32(rt.cfg.Breaker.MaxFailures),
			Timeout:     rt.cfg.Breaker.Timeout,
		}, rt.log)
	}

	opts = append(opts,
		gateway.WithRateLimiter(gateway.NewLimiter(rt.cfg.RateLimit)),
		gateway.WithOnStateChange(func(from, to domain.ConnectionState) {
			rt.log.Debug("connection state", "from", from, "to", to)
		}),
	)
	client := gateway.NewClient(gateway.ConfigFrom(rt.cfg), gateway.Deps{
		Transport: transport,
		Identity:  identity.NewProvider(st, rt.log),
		Tokens:    identity.NewTokenStore(st),
		Bus:       eventbus.New(rt.log),
		Logger:    rt.log,
	}, opts...)

	return &session{client: client, store: st}, nil
}

// forwardFatal logs asynchronous client errors and sends the ones that end
// reconnection to fatal. Sends never block; the first fatal error wins.
func forwardFatal(log *slog.Logger, fatal chan<- error) func(error) {
	return func(err error) {
		log.Warn("gateway error", "error", err)
		if !domain.IsFatalHandshakeError(err) {
			return
		}
		select {
		case fatal <- err:
		default:
		}
	}
}

func runConnect(args []string) error {
	f, _, err := parseFlags("connect", args)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := setup(ctx, f)
	if err != nil {
		return err
	}
	defer rt.cleanup()

	fatal := make(chan error, 1)
	s, err := newSession(rt,
		gateway.WithOnError(forwardFatal(rt.log, fatal)),
		gateway.WithOnGap(func(expected, received int64) {
			rt.log.Warn("event gap", "expected", expected, "received", received)
		}),
	)
	if err != nil {
		return err
	}
	defer s.close()

	out := &jsonLines{enc: json.NewEncoder(os.Stdout)}
	unsub := s.client.Subscribe(domain.WildcardEvent, func(_ context.Context, ev domain.GatewayEvent) {
		if err := out.write(ev); err != nil {
			rt.log.Warn("write event", "error", err)
		}
	})
	defer unsub()

	if err := s.client.Connect(ctx); err != nil {
		return err
	}
	rt.log.Info("connected", "url", rt.cfg.Gateway.URL, "conn_id", s.client.ConnID(), "protocol", s.client.Protocol())
	if err := out.write(s.client.Hello()); err != nil {
		return fmt.Errorf("write hello: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-fatal:
		return err
	}
}

// jsonLines serializes writes from the read goroutine and the caller.
type jsonLines struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (j *jsonLines) write(v any) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.enc.Encode(v)
}

func runCall(argv []string) error {
	f, args, err := parseFlags("call", argv)
	if err != nil {
		return err
	}
	if len(args) < 1 {
		return fmt.Errorf("usage: gatelink call METHOD [JSON]")
	}
	method := args[0]
	var params any
	if len(args) > 1 {
		raw := json.RawMessage(args[1])
		if !json.Valid(raw) {
			return fmt.Errorf("params are not valid JSON")
		}
		params = raw
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := setup(ctx, f)
	if err != nil {
		return err
	}
	defer rt.cleanup()
	// One-shot calls fail fast.
	rt.cfg.Reconnect.Enabled = false

	s, err := newSession(rt)
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.client.Connect(ctx); err != nil {
		return err
	}
	payload, err := s.client.Request(ctx, method, params)
	if err != nil {
		return err
	}
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	fmt.Println(string(payload))
	return nil
}

func runIdentity(args []string) error {
	f, _, err := parseFlags("identity", args)
	if err != nil {
		return err
	}

	ctx := context.Background()
	rt, err := setup(ctx, f)
	if err != nil {
		return err
	}
	defer rt.cleanup()

	st, err := store.Open(rt.cfg.Store)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close()

	id, err := identity.NewProvider(st, rt.log).GetOrCreate(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("device id:  %s\npublic key: %s\n", id.DeviceID, id.PublicKeyBase64URL())

	tok, err := identity.NewTokenStore(st).Load(ctx, id.DeviceID, rt.cfg.Client.Role)
	if err == nil && tok != nil {
		fmt.Printf("token:      stored for role %s\n", tok.Role)
	}
	return nil
}
