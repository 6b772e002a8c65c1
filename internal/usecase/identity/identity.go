// Package identity owns the device keypair used to authenticate to a gateway.
package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gatelink/internal/domain"
)

// StorageKey is the KV key the identity record lives under.
const StorageKey = "device-identity"

const recordVersion = 1

// DeviceIdentity is a long-lived Ed25519 keypair and its fingerprint.
type DeviceIdentity struct {
	DeviceID    string
	PublicKey   ed25519.PublicKey
	PrivateKey  ed25519.PrivateKey
	CreatedAtMs int64
}

// PublicKeyBase64URL returns the raw public key as unpadded base64url.
func (d *DeviceIdentity) PublicKeyBase64URL() string {
	return PublicKeyBase64URL(d.PublicKey)
}

// storedIdentity is the persisted form of a DeviceIdentity.
type storedIdentity struct {
	Version     int    `json:"version"`
	DeviceID    string `json:"deviceId"`
	PublicKey   string `json:"publicKey"`
	Seed        string `json:"seed"`
	CreatedAtMs int64  `json:"createdAtMs"`
}

// DeviceIDFromPublicKey derives the lowercase hex SHA-256 fingerprint of pub.
func DeviceIDFromPublicKey(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// PublicKeyBase64URL encodes pub as unpadded base64url.
func PublicKeyBase64URL(pub ed25519.PublicKey) string {
	return base64.RawURLEncoding.EncodeToString(pub)
}

// Provider loads the device identity from a KVStore, creating it on first use.
type Provider struct {
	store  domain.KVStore
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	cached *DeviceIdentity
}

// NewProvider creates a Provider backed by store.
func NewProvider(store domain.KVStore, logger *slog.Logger) *Provider {
	return &Provider{store: store, logger: logger, now: time.Now}
}

// GetOrCreate returns the stored identity, generating and persisting a new one
// if nothing usable is stored. Load failures count as absent. A failed save is
// logged and the fresh identity is still returned.
func (p *Provider) GetOrCreate(ctx context.Context) (*DeviceIdentity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil {
		return p.cached, nil
	}

	if id, err := p.load(ctx); err == nil {
		p.cached = id
		return id, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		p.logger.Warn("stored device identity unusable, generating a new one", "error", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, domain.WrapOp("identity.generate", err)
	}
	id := &DeviceIdentity{
		DeviceID:    DeviceIDFromPublicKey(pub),
		PublicKey:   pub,
		PrivateKey:  priv,
		CreatedAtMs: p.now().UnixMilli(),
	}
	p.save(ctx, id)
	p.logger.Info("device identity created", "device_id", id.DeviceID)

	p.cached = id
	return id, nil
}

func (p *Provider) load(ctx context.Context) (*DeviceIdentity, error) {
	if p.store == nil {
		return nil, domain.ErrNotFound
	}
	data, err := p.store.Get(ctx, StorageKey)
	if err != nil {
		return nil, err
	}

	var rec storedIdentity
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	if rec.Version != recordVersion {
		return nil, fmt.Errorf("unsupported identity version %d", rec.Version)
	}
	seed, err := base64.RawURLEncoding.DecodeString(rec.Seed)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, errors.New("identity seed is malformed")
	}

	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	if rec.PublicKey != PublicKeyBase64URL(pub) {
		return nil, errors.New("identity public key does not match seed")
	}

	id := &DeviceIdentity{
		DeviceID:    DeviceIDFromPublicKey(pub),
		PublicKey:   pub,
		PrivateKey:  priv,
		CreatedAtMs: rec.CreatedAtMs,
	}
	if rec.DeviceID != id.DeviceID {
		p.logger.Warn("repairing stored device id", "stored", rec.DeviceID, "device_id", id.DeviceID)
		p.save(ctx, id)
	}
	return id, nil
}

func (p *Provider) save(ctx context.Context, id *DeviceIdentity) {
	if p.store == nil {
		return
	}
	data, err := json.Marshal(storedIdentity{
		Version:     recordVersion,
		DeviceID:    id.DeviceID,
		PublicKey:   id.PublicKeyBase64URL(),
		Seed:        base64.RawURLEncoding.EncodeToString(id.PrivateKey.Seed()),
		CreatedAtMs: id.CreatedAtMs,
	})
	if err != nil {
		p.logger.Error("encode device identity", "error", err)
		return
	}
	if err := p.store.Set(ctx, StorageKey, data); err != nil {
		p.logger.Error("persist device identity", "error", err)
	}
}
