package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatelink/internal/domain"
)

func sampleParams() AuthPayloadParams {
	return AuthPayloadParams{
		DeviceID:   "dev123",
		ClientID:   "gatelink-cli",
		ClientMode: "cli",
		Role:       "operator",
		Scopes:     []string{"operator.read", "operator.write"},
		SignedAtMs: 1700000000000,
		Token:      "tok",
		Nonce:      "abc",
	}
}

func TestBuildAuthPayloadFormat(t *testing.T) {
	got := BuildAuthPayload(sampleParams())
	assert.Equal(t, "v2|dev123|gatelink-cli|cli|operator|operator.read,operator.write|1700000000000|tok|abc", got)
}

func TestBuildAuthPayloadEmptyOptionals(t *testing.T) {
	got := BuildAuthPayload(AuthPayloadParams{DeviceID: "d", ClientID: "c", ClientMode: "m", SignedAtMs: 5, Nonce: "n"})
	assert.Equal(t, "v2|d|c|m|||5||n", got)
	assert.NotContains(t, got, "null")
	assert.NotContains(t, got, "undefined")
	assert.Len(t, strings.Split(got, "|"), 9)
}

func TestBuildAuthPayloadFieldIsolation(t *testing.T) {
	base := strings.Split(BuildAuthPayload(sampleParams()), "|")
	mutations := []struct {
		segment int
		mutate  func(*AuthPayloadParams)
	}{
		{1, func(p *AuthPayloadParams) { p.DeviceID = "other" }},
		{2, func(p *AuthPayloadParams) { p.ClientID = "other" }},
		{3, func(p *AuthPayloadParams) { p.ClientMode = "other" }},
		{4, func(p *AuthPayloadParams) { p.Role = "" }},
		{5, func(p *AuthPayloadParams) { p.Scopes = nil }},
		{6, func(p *AuthPayloadParams) { p.SignedAtMs = 1 }},
		{7, func(p *AuthPayloadParams) { p.Token = "" }},
		{8, func(p *AuthPayloadParams) { p.Nonce = "xyz" }},
	}
	for _, m := range mutations {
		p := sampleParams()
		m.mutate(&p)
		got := strings.Split(BuildAuthPayload(p), "|")
		require.Len(t, got, 9)
		for i := range got {
			if i == m.segment {
				assert.NotEqual(t, base[i], got[i], "segment %d should change", i)
			} else {
				assert.Equal(t, base[i], got[i], "segment %d should not change when mutating %d", i, m.segment)
			}
		}
	}
}

func TestSignAndVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	payload := BuildAuthPayload(sampleParams())

	sig, err := Sign(priv, payload)
	require.NoError(t, err)
	assert.NotContains(t, sig, "=")
	assert.NotContains(t, sig, "+")
	assert.NotContains(t, sig, "/")

	raw, err := base64.RawURLEncoding.DecodeString(sig)
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(pub, []byte(payload), raw))

	again, err := Sign(priv, payload)
	require.NoError(t, err)
	assert.Equal(t, sig, again, "ed25519 signatures are deterministic")

	assert.NoError(t, Verify(PublicKeyBase64URL(pub), payload, sig))
	assert.NoError(t, Verify(PublicKeyBase64URL(pub), payload, sig+"="), "padded input accepted")
}

func TestVerifyFailures(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	payload := "v2|d|c|m|||1||n"
	sig, _ := Sign(priv, payload)

	tests := map[string][3]string{
		"tampered payload": {PublicKeyBase64URL(pub), payload + "x", sig},
		"bad key encoding": {"***", payload, sig},
		"short key":        {base64.RawURLEncoding.EncodeToString([]byte("short")), payload, sig},
		"empty signature":  {PublicKeyBase64URL(pub), payload, ""},
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, Verify(in[0], in[1], in[2]), domain.ErrSignatureInvalid)
		})
	}
}

func TestSignRejectsBadKey(t *testing.T) {
	_, err := Sign(ed25519.PrivateKey([]byte("short")), "payload")
	assert.Error(t, err)
}

func TestParsePublicKey(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	got, err := ParsePublicKey(PublicKeyBase64URL(pub))
	require.NoError(t, err)
	assert.Equal(t, pub, got)
	assert.Equal(t, DeviceIDFromPublicKey(pub), DeviceIDFromPublicKey(got))

	_, err = ParsePublicKey("AAAA")
	assert.ErrorIs(t, err, domain.ErrSignatureInvalid)
	_, err = ParsePublicKey("***")
	assert.ErrorIs(t, err, domain.ErrSignatureInvalid)
}
