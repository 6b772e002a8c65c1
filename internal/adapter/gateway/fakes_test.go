package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"gatelink/internal/domain"
)

// fakeClock fires timers only when advanced. Callbacks run on the
// goroutine calling advance, outside the clock's lock.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
}

type fakeTimer struct {
	clock *fakeClock
	when  time.Time
	seq   int
	fn    func()
	done  bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{clock: c, when: c.now.Add(d), seq: c.seq, fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	c.removeLocked(t)
	return true
}

func (c *fakeClock) removeLocked(t *fakeTimer) {
	for i, x := range c.timers {
		if x == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			return
		}
	}
}

// advance moves time forward by d, firing due timers in deadline order.
func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		sort.SliceStable(c.timers, func(i, j int) bool {
			if c.timers[i].when.Equal(c.timers[j].when) {
				return c.timers[i].seq < c.timers[j].seq
			}
			return c.timers[i].when.Before(c.timers[j].when)
		})
		if len(c.timers) == 0 || c.timers[0].when.After(target) {
			c.now = target
			c.mu.Unlock()
			return
		}
		t := c.timers[0]
		c.timers = c.timers[1:]
		t.done = true
		c.now = t.when
		c.mu.Unlock()
		t.fn()
	}
}

func (c *fakeClock) activeTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

var errFakeReset = errors.New("connection reset by peer")

var closeGoingAway = int(websocket.StatusGoingAway)

// fakeConn is both ends of one socket. The client side uses the Conn methods;
// tests act as the server through the helpers below.
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}

	mu          sync.Mutex
	once        sync.Once
	closeCode   int
	closeReason string
	closeErr    error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.closeErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("write on closed connection")
	default:
	}
	select {
	case c.out <- data:
		return nil
	case <-c.closed:
		return errors.New("write on closed connection")
	}
}

func (c *fakeConn) Close(code int, reason string) error {
	c.shut(code, reason, errors.New("connection closed locally"))
	return nil
}

func (c *fakeConn) shut(code int, reason string, err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.closeReason = reason
		c.closeErr = err
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) code() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

// drop simulates the server or network ending the connection.
func (c *fakeConn) drop() {
	c.shut(closeGoingAway, "server gone", errFakeReset)
}

func (c *fakeConn) sendRaw(s string) {
	c.in <- []byte(s)
}

func (c *fakeConn) send(t *testing.T, frame domain.Frame) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	c.in <- data
}

func (c *fakeConn) sendChallenge(t *testing.T, nonce string) {
	t.Helper()
	payload, _ := json.Marshal(domain.ConnectChallenge{Nonce: nonce, Ts: 1})
	c.send(t, domain.EventFrame{Event: domain.EventConnectChallenge, Payload: payload})
}

func (c *fakeConn) sendEvent(t *testing.T, name string, payload any, seq *int64) {
	t.Helper()
	raw, _ := json.Marshal(payload)
	c.send(t, domain.EventFrame{Event: name, Payload: raw, Seq: seq})
}

func (c *fakeConn) reply(t *testing.T, id string, payload any) {
	t.Helper()
	raw, ok := payload.(json.RawMessage)
	if !ok {
		raw, _ = json.Marshal(payload)
	}
	c.send(t, domain.ResponseFrame{ID: id, OK: true, Payload: raw})
}

func (c *fakeConn) replyError(t *testing.T, id string, shape domain.ErrorShape) {
	t.Helper()
	c.send(t, domain.ResponseFrame{ID: id, OK: false, Error: &shape})
}

// expectRequest waits for the next request with method. Heartbeat ticks are
// skipped unless method is "tick".
func (c *fakeConn) expectRequest(t *testing.T, method string) domain.RequestFrame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-c.out:
			frame, err := domain.DecodeFrame(data)
			if err != nil {
				t.Fatalf("client wrote invalid frame %q: %v", data, err)
			}
			req, ok := frame.(domain.RequestFrame)
			if !ok {
				t.Fatalf("client wrote %s frame, want request", frame.FrameType())
			}
			if req.Method == domain.MethodTick && method != domain.MethodTick {
				continue
			}
			if req.Method != method {
				t.Fatalf("request method = %q, want %q", req.Method, method)
			}
			return req
		case <-deadline:
			t.Fatalf("timed out waiting for %q request", method)
		}
	}
}

// assertNoFrame fails if the client has written anything not yet consumed.
func (c *fakeConn) assertNoFrame(t *testing.T) {
	t.Helper()
	select {
	case data := <-c.out:
		t.Fatalf("unexpected frame %s", data)
	default:
	}
}

// fakeTransport hands out fakeConns. Accepted connections are queued for the
// test to pick up with accept.
type fakeTransport struct {
	mu      sync.Mutex
	dials   int
	failAll error
	gate    *dialGate
	headers []http.Header
	conns   chan *fakeConn
}

// dialGate parks the next Dial until release is closed. With honorCtx the
// parked Dial also returns when its context ends.
type dialGate struct {
	entered  chan struct{}
	release  chan struct{}
	honorCtx bool
}

func (g *dialGate) waitEntered(tb testing.TB) {
	tb.Helper()
	select {
	case <-g.entered:
	case <-time.After(waitFor):
		tb.Fatal("timed out waiting for dial to start")
	}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{conns: make(chan *fakeConn, 16)}
}

func (t *fakeTransport) Dial(ctx context.Context, _ string, header http.Header) (Conn, error) {
	t.mu.Lock()
	t.dials++
	t.headers = append(t.headers, header)
	err := t.failAll
	gate := t.gate
	t.gate = nil
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if gate != nil {
		close(gate.entered)
		if gate.honorCtx {
			select {
			case <-gate.release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		} else {
			<-gate.release
		}
	}
	conn := newFakeConn()
	t.conns <- conn
	return conn, nil
}

func (t *fakeTransport) failDials(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failAll = err
}

func (t *fakeTransport) holdNextDial(honorCtx bool) *dialGate {
	g := &dialGate{
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
		honorCtx: honorCtx,
	}
	t.mu.Lock()
	t.gate = g
	t.mu.Unlock()
	return g
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) accept(tb testing.TB) *fakeConn {
	tb.Helper()
	select {
	case conn := <-t.conns:
		return conn
	case <-time.After(2 * time.Second):
		tb.Fatal("timed out waiting for dial")
		return nil
	}
}
