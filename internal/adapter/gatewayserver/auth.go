package gatewayserver

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"slices"
	"sync"

	"gatelink/internal/domain"
	"gatelink/internal/infra/config"
)

// Grant is what a shared token allows.
type Grant struct {
	Name   string
	Roles  []string // empty allows any role
	Scopes []string
}

// Allows reports whether the grant covers role.
func (g *Grant) Allows(role string) bool {
	return len(g.Roles) == 0 || slices.Contains(g.Roles, role)
}

// Authenticator validates shared gateway tokens.
type Authenticator interface {
	Authenticate(token string) (*Grant, error)
	// Open reports whether connections without any token are accepted.
	Open() bool
}

type authEntry struct {
	token []byte
	grant *Grant
}

// StaticTokenAuth checks tokens from the server config in constant time.
type StaticTokenAuth struct {
	entries []authEntry
}

// NewStaticTokenAuth builds an authenticator from configured tokens. With no
// tokens the gateway is open.
func NewStaticTokenAuth(tokens []config.TokenConfig) *StaticTokenAuth {
	a := &StaticTokenAuth{entries: make([]authEntry, len(tokens))}
	for i, t := range tokens {
		a.entries[i] = authEntry{
			token: []byte(t.Token),
			grant: &Grant{Name: t.Name, Roles: t.Roles, Scopes: t.Scopes},
		}
	}
	return a
}

func (a *StaticTokenAuth) Authenticate(token string) (*Grant, error) {
	candidate := []byte(token)
	var match *Grant
	for _, e := range a.entries {
		if subtle.ConstantTimeCompare(candidate, e.token) == 1 {
			match = e.grant
		}
	}
	if match == nil {
		return nil, domain.NewDomainError("StaticTokenAuth.Authenticate", domain.ErrAuthInvalid, "unknown token")
	}
	return match, nil
}

func (a *StaticTokenAuth) Open() bool { return len(a.entries) == 0 }

// DeviceTokens issues per-device tokens. Only SHA-256 hashes are kept.
type DeviceTokens struct {
	mu     sync.RWMutex
	tokens map[string]string // deviceID/role -> hex(sha256(token))
}

// NewDeviceTokens creates an empty DeviceTokens.
func NewDeviceTokens() *DeviceTokens {
	return &DeviceTokens{tokens: make(map[string]string)}
}

func deviceKey(deviceID, role string) string { return deviceID + "/" + role }

// Issue creates a token for the device and role, replacing any earlier one.
func (d *DeviceTokens) Issue(deviceID, role string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate device token: %w", err)
	}
	token := hex.EncodeToString(raw)

	d.mu.Lock()
	d.tokens[deviceKey(deviceID, role)] = hashToken(token)
	d.mu.Unlock()
	return token, nil
}

// Validate checks token against the stored hash. The candidate is always
// hashed so unknown devices take as long as wrong tokens.
func (d *DeviceTokens) Validate(deviceID, role, token string) error {
	d.mu.RLock()
	stored, ok := d.tokens[deviceKey(deviceID, role)]
	d.mu.RUnlock()

	candidate := hashToken(token)
	if !ok {
		subtle.ConstantTimeCompare([]byte(candidate), []byte(candidate))
		return domain.NewDomainError("DeviceTokens.Validate", domain.ErrAuthInvalid, "device token rejected")
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(candidate)) != 1 {
		return domain.NewDomainError("DeviceTokens.Validate", domain.ErrAuthInvalid, "device token rejected")
	}
	return nil
}

// Revoke removes the token for the device and role.
func (d *DeviceTokens) Revoke(deviceID, role string) {
	d.mu.Lock()
	delete(d.tokens, deviceKey(deviceID, role))
	d.mu.Unlock()
}

// Has reports whether a token exists for the device and role.
func (d *DeviceTokens) Has(deviceID, role string) bool {
	d.mu.RLock()
	_, ok := d.tokens[deviceKey(deviceID, role)]
	d.mu.RUnlock()
	return ok
}

func hashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}
