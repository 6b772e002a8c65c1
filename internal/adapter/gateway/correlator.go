package gateway

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"gatelink/internal/domain"
)

type result struct {
	payload json.RawMessage
	err     error
}

// pendingRequest is one outstanding request. It resolves exactly once.
type pendingRequest struct {
	id     string
	method string
	timer  Timer
	done   chan result
	once   sync.Once
}

func newPending(id, method string) *pendingRequest {
	return &pendingRequest{id: id, method: method, done: make(chan result, 1)}
}

// resolve delivers r and stops the timeout. Later calls are no-ops.
func (p *pendingRequest) resolve(r result) bool {
	resolved := false
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.done <- r
		resolved = true
	})
	return resolved
}

// correlator maps request ids to their pending entries. Callers hold the
// client's state lock.
type correlator struct {
	counter atomic.Uint64
	pending map[string]*pendingRequest
}

func newCorrelator() *correlator {
	return &correlator{pending: make(map[string]*pendingRequest)}
}

// nextID returns "<counter>-<ULID>". The ULID carries a millisecond timestamp
// and 80 random bits.
func (c *correlator) nextID() string {
	return fmt.Sprintf("%d-%s", c.counter.Add(1), ulid.Make())
}

func (c *correlator) add(p *pendingRequest) {
	c.pending[p.id] = p
}

// take removes and returns the entry for id, or nil.
func (c *correlator) take(id string) *pendingRequest {
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return p
}

// drain removes every entry.
func (c *correlator) drain() []*pendingRequest {
	if len(c.pending) == 0 {
		return nil
	}
	out := make([]*pendingRequest, 0, len(c.pending))
	for id, p := range c.pending {
		out = append(out, p)
		delete(c.pending, id)
	}
	return out
}

func (c *correlator) len() int { return len(c.pending) }

func timeoutError(method string, d time.Duration) *domain.GatewayError {
	return &domain.GatewayError{
		Code:      domain.CodeTimeout,
		Message:   fmt.Sprintf("request %s timed out after %s", method, d),
		Retryable: true,
		Cause:     domain.ErrRequestTimeout,
	}
}

func connectionClosedError() *domain.GatewayError {
	return &domain.GatewayError{
		Code:      domain.CodeConnectionClosed,
		Message:   "gateway connection closed",
		Retryable: true,
		Cause:     domain.ErrConnectionClosed,
	}
}

func notConnectedError(state domain.ConnectionState) *domain.GatewayError {
	return &domain.GatewayError{
		Code:      domain.CodeNotConnected,
		Message:   fmt.Sprintf("gateway not connected (state %s). Call Connect first.", state),
		Retryable: true,
		Cause:     domain.ErrNotConnected,
	}
}
