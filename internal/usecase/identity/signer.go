package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gatelink/internal/domain"
)

// AuthPayloadVersion is the first segment of every signed payload.
const AuthPayloadVersion = "v2"

// AuthPayloadParams are the fields bound into a device signature.
type AuthPayloadParams struct {
	DeviceID   string
	ClientID   string
	ClientMode string
	Role       string
	Scopes     []string
	SignedAtMs int64
	Token      string
	Nonce      string
}

// BuildAuthPayload renders p as
// v2|deviceId|clientId|clientMode|role|scopes|signedAtMs|token|nonce.
// Empty fields stay empty.
func BuildAuthPayload(p AuthPayloadParams) string {
	return strings.Join([]string{
		AuthPayloadVersion,
		p.DeviceID,
		p.ClientID,
		p.ClientMode,
		p.Role,
		strings.Join(p.Scopes, ","),
		strconv.FormatInt(p.SignedAtMs, 10),
		p.Token,
		p.Nonce,
	}, "|")
}

// Sign signs the UTF-8 bytes of payload and returns the unpadded base64url
// signature.
func Sign(priv ed25519.PrivateKey, payload string) (string, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("private key has %d bytes, want %d", len(priv), ed25519.PrivateKeySize)
	}
	sig := ed25519.Sign(priv, []byte(payload))
	return base64.RawURLEncoding.EncodeToString(sig), nil
}

// ParsePublicKey decodes a base64url Ed25519 public key.
func ParsePublicKey(publicKey string) (ed25519.PublicKey, error) {
	pub, err := decodeB64URL(publicKey)
	if err != nil {
		return nil, domain.NewDomainError("identity.ParsePublicKey", domain.ErrSignatureInvalid, "public key is not base64url")
	}
	if len(pub) != ed25519.PublicKeySize {
		return nil, domain.NewDomainError("identity.ParsePublicKey", domain.ErrSignatureInvalid, "public key has wrong length")
	}
	return ed25519.PublicKey(pub), nil
}

// Verify checks a base64url signature against a base64url public key.
func Verify(publicKey, payload, signature string) error {
	pub, err := ParsePublicKey(publicKey)
	if err != nil {
		return err
	}
	sig, err := decodeB64URL(signature)
	if err != nil {
		return domain.NewDomainError("identity.Verify", domain.ErrSignatureInvalid, "signature is not base64url")
	}
	if !ed25519.Verify(pub, []byte(payload), sig) {
		return domain.NewDomainError("identity.Verify", domain.ErrSignatureInvalid, "signature mismatch")
	}
	return nil
}

// decodeB64URL accepts padded and unpadded base64url.
func decodeB64URL(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("empty")
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
