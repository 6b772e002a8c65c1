package gateway

import (
	"encoding/json"
	"time"

	"gatelink/internal/domain"
)

// heartbeat is the tick scheduler sub-state. Guarded by the client lock.
// The interval only grows while a connection lives; a new hello-ok resets it.
type heartbeat struct {
	timer    Timer
	interval time.Duration
	epoch    uint64
}

func (h *heartbeat) stop() {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.epoch++
}

func (c *Client) startHeartbeatLocked(interval time.Duration) {
	c.hb.stop()
	c.hb.interval = interval
	c.armHeartbeatLocked()
}

func (c *Client) armHeartbeatLocked() {
	epoch := c.hb.epoch
	c.hb.timer = c.clock.AfterFunc(c.hb.interval, func() { c.tick(epoch) })
}

// tick sends one keepalive and arms the next. Tick requests are not tracked
// as pending; their responses only feed the retry hint.
func (c *Client) tick(epoch uint64) {
	c.mu.Lock()
	if c.state != domain.StateConnected || c.hb.epoch != epoch {
		c.unlock()
		return
	}
	conn := c.conn
	id := c.corr.nextID()
	now := c.clock.Now()
	c.armHeartbeatLocked()
	c.unlock()

	params, _ := json.Marshal(domain.TickParams{Ts: now.UnixMilli()})
	if err := c.writeFrame(conn, domain.RequestFrame{ID: id, Method: domain.MethodTick, Params: params}); err != nil {
		c.logger.Debug("heartbeat write failed", "error", err)
		return
	}
	c.stats.ticks.Add(1)
}

// observeRetryHintLocked raises the tick interval when a response asks the
// client to back off for longer than the current period.
func (c *Client) observeRetryHintLocked(res domain.ResponseFrame) {
	hint := retryHint(res)
	if hint <= c.hb.interval || c.state != domain.StateConnected {
		return
	}
	c.logger.Info("gateway asked for slower heartbeat",
		"from", c.hb.interval,
		"to", hint,
	)
	c.startHeartbeatLocked(hint)
}

// retryHint reads retryAfterMs from the error object or, failing that, from
// an object payload.
func retryHint(res domain.ResponseFrame) time.Duration {
	var ms int64
	if res.Error != nil {
		ms = res.Error.RetryAfterMs
	}
	if ms <= 0 && len(res.Payload) > 0 && res.Payload[0] == '{' {
		var p struct {
			RetryAfterMs int64 `json:"retryAfterMs"`
		}
		if json.Unmarshal(res.Payload, &p) == nil {
			ms = p.RetryAfterMs
		}
	}
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
