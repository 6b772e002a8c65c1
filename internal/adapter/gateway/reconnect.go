package gateway

import (
	"math"
	"time"

	"gatelink/internal/domain"
	"gatelink/internal/usecase"
)

// ReconnectPolicy bounds automatic reconnection after a dropped connection.
// The zero value reconnects with the default backoff and budget.
type ReconnectPolicy struct {
	Disabled    bool
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// BackoffDelay returns min(base * 2^attempt, max). attempt counts from zero.
func BackoffDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(base) * math.Pow(2, float64(attempt))
	if d >= float64(max) || math.IsInf(d, 0) {
		return max
	}
	return time.Duration(d)
}

// reconnector is the reconnect sub-state. Guarded by the client lock.
type reconnector struct {
	timer    Timer
	attempts int
	epoch    uint64
	lastErr  error
}

func (r *reconnector) stop() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.epoch++
}

// scheduleReconnectLocked arms the next attempt, or gives up once the budget
// is spent. It returns the terminal error when giving up.
func (c *Client) scheduleReconnectLocked() error {
	policy := c.cfg.Reconnect
	if c.rc.attempts >= policy.MaxAttempts {
		c.rc.stop()
		c.terminal = usecase.MaxReconnects(c.rc.attempts, c.rc.lastErr)
		c.setStateLocked(domain.StateDisconnected)
		c.logger.Error("gateway reconnect budget exhausted", "attempts", c.rc.attempts)
		return c.terminal
	}

	delay := BackoffDelay(policy.BaseDelay, policy.MaxDelay, c.rc.attempts)
	c.rc.attempts++
	c.rc.stop()
	epoch := c.rc.epoch
	c.setStateLocked(domain.StateReconnecting)
	c.rc.timer = c.clock.AfterFunc(delay, func() {
		go c.runReconnect(epoch)
	})
	c.stats.reconnects.Add(1)
	c.logger.Info("gateway reconnect scheduled", "attempt", c.rc.attempts, "delay", delay)
	return nil
}

func (c *Client) runReconnect(epoch uint64) {
	c.mu.Lock()
	if c.intentional || c.state != domain.StateReconnecting || c.rc.epoch != epoch {
		c.unlock()
		return
	}
	c.rc.timer = nil
	c.setStateLocked(domain.StateConnecting)
	ctx := c.sessionCtx
	session := c.session
	c.unlock()

	err := c.attempt(ctx, session)
	if err == nil {
		return
	}

	c.mu.Lock()
	if c.intentional || c.session != session {
		c.unlock()
		return
	}
	c.rc.lastErr = err
	var report error = err
	if domain.IsFatalHandshakeError(err) {
		c.logger.Error("gateway reconnect stopped", "error", err)
		c.setStateLocked(domain.StateDisconnected)
	} else {
		c.logger.Warn("gateway reconnect attempt failed", "attempt", c.rc.attempts, "error", err)
		if terminal := c.scheduleReconnectLocked(); terminal != nil {
			report = terminal
		}
	}
	c.unlock()
	c.reportError(report)
}
