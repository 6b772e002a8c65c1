package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Default breaker settings.
const (
	defaultBreakerMaxFailures uint32        = 5
	defaultBreakerTimeout     time.Duration = 30 * time.Second
)

// BreakerConfig configures BreakerTransport.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failed dials before the circuit opens.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before a probe dial is allowed.
	Timeout time.Duration
}

// BreakerTransport fails dials fast once the gateway has refused several in a
// row. Only the dial is guarded; a failure after the socket opens does not
// count against the breaker.
type BreakerTransport struct {
	inner   Transport
	breaker *gobreaker.CircuitBreaker[Conn]
}

// NewBreakerTransport wraps inner with a circuit breaker.
func NewBreakerTransport(inner Transport, cfg BreakerConfig, logger *slog.Logger) *BreakerTransport {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}

	cb := gobreaker.NewCircuitBreaker[Conn](gobreaker.Settings{
		Name:        "gateway-dial",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			// A cancelled dial says nothing about the gateway.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return &BreakerTransport{inner: inner, breaker: cb}
}

func (t *BreakerTransport) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, err := t.breaker.Execute(func() (Conn, error) {
		return t.inner.Dial(ctx, url, header)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("gateway %s circuit open: %w", url, err)
		}
		return nil, err
	}
	return conn, nil
}

// State reports the breaker state.
func (t *BreakerTransport) State() string {
	return t.breaker.State().String()
}
