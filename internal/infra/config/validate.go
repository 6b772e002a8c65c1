package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateGateway(cfg, ve)
	validateClient(cfg, ve)
	validateProtocol(cfg, ve)
	validateTimeouts(cfg, ve)
	validateReconnect(cfg, ve)
	validateRateLimit(cfg, ve)
	validateBreaker(cfg, ve)
	validateStore(cfg, ve)
	validateServer(cfg, ve)
	validateLogger(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if cfg.Gateway.URL == "" {
		ve.Add("gateway.url must not be empty")
		return
	}
	u, err := url.Parse(cfg.Gateway.URL)
	if err != nil {
		ve.Add("gateway.url %q is not a valid URL", cfg.Gateway.URL)
		return
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		ve.Add("gateway.url scheme must be ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		ve.Add("gateway.url %q has no host", cfg.Gateway.URL)
	}
}

func validateClient(cfg *Config, ve *ValidationError) {
	if cfg.Client.ID == "" {
		ve.Add("client.id must not be empty")
	}
	if cfg.Client.Mode == "" {
		ve.Add("client.mode must not be empty")
	}
	for _, s := range cfg.Client.Scopes {
		if strings.ContainsAny(s, ",|") {
			ve.Add("client.scopes entry %q must not contain ',' or '|'", s)
		}
	}
}

func validateProtocol(cfg *Config, ve *ValidationError) {
	if cfg.Protocol.Min <= 0 {
		ve.Add("protocol.min must be > 0")
	}
	if cfg.Protocol.Max < cfg.Protocol.Min {
		ve.Add("protocol.max (%d) must be >= protocol.min (%d)", cfg.Protocol.Max, cfg.Protocol.Min)
	}
}

func validateTimeouts(cfg *Config, ve *ValidationError) {
	if cfg.Timeouts.Request <= 0 {
		ve.Add("timeouts.request must be > 0")
	}
	if cfg.Timeouts.Handshake <= 0 {
		ve.Add("timeouts.handshake must be > 0")
	}
	if cfg.Heartbeat.Interval <= 0 {
		ve.Add("heartbeat.interval must be > 0")
	}
}

func validateReconnect(cfg *Config, ve *ValidationError) {
	if !cfg.Reconnect.Enabled {
		return
	}
	if cfg.Reconnect.BaseDelay <= 0 {
		ve.Add("reconnect.base_delay must be > 0")
	}
	if cfg.Reconnect.MaxDelay < cfg.Reconnect.BaseDelay {
		ve.Add("reconnect.max_delay must be >= reconnect.base_delay")
	}
	if cfg.Reconnect.MaxAttempts <= 0 {
		ve.Add("reconnect.max_attempts must be > 0")
	}
}

func validateRateLimit(cfg *Config, ve *ValidationError) {
	if cfg.RateLimit.RequestsPerSecond < 0 {
		ve.Add("rate_limit.requests_per_second must be >= 0")
	}
	if cfg.RateLimit.RequestsPerSecond > 0 && cfg.RateLimit.Burst <= 0 {
		ve.Add("rate_limit.burst must be > 0 when rate limiting is enabled")
	}
}

func validateBreaker(cfg *Config, ve *ValidationError) {
	if !cfg.Breaker.Enabled {
		return
	}
	if cfg.Breaker.MaxFailures <= 0 {
		ve.Add("breaker.max_failures must be > 0")
	}
	if cfg.Breaker.Timeout <= 0 {
		ve.Add("breaker.timeout must be > 0")
	}
}

var validStoreBackends = map[string]bool{
	"memory": true,
	"file":   true,
	"sqlite": true,
}

func validateStore(cfg *Config, ve *ValidationError) {
	if !validStoreBackends[cfg.Store.Backend] {
		ve.Add("store.backend %q is invalid (valid: memory, file, sqlite)", cfg.Store.Backend)
		return
	}
	if cfg.Store.Backend != "memory" && cfg.Store.Dir == "" {
		ve.Add("store.dir is required for the %s backend", cfg.Store.Backend)
	}
}

func validateServer(cfg *Config, ve *ValidationError) {
	if cfg.Server.Addr == "" {
		ve.Add("server.addr must not be empty")
	} else if _, _, err := net.SplitHostPort(cfg.Server.Addr); err != nil {
		ve.Add("server.addr %q is not a valid host:port", cfg.Server.Addr)
	}
	if cfg.Server.TickInterval <= 0 {
		ve.Add("server.tick_interval must be > 0")
	}
	seen := make(map[string]bool)
	for i, tok := range cfg.Server.Tokens {
		if tok.Token == "" {
			ve.Add("server.tokens[%d].token must not be empty", i)
		}
		if tok.Name == "" {
			ve.Add("server.tokens[%d].name must not be empty", i)
			continue
		}
		if seen[tok.Name] {
			ve.Add("server.tokens[%d].name %q is duplicated", i, tok.Name)
		}
		seen[tok.Name] = true
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (valid: debug, info, warn, error)", cfg.Logger.Level)
	}
	if f := cfg.Logger.Format; f != "text" && f != "json" {
		ve.Add("logger.format %q is invalid (valid: text, json)", f)
	}
}
