package domain

import "encoding/json"

// Protocol versions understood by this build.
const (
	ProtocolVersion    = 3
	MinProtocolVersion = 3
)

// Reserved method and event names.
const (
	MethodConnect         = "connect"
	MethodTick            = "tick"
	EventConnectChallenge = "connect.challenge"
	EventTick             = "tick"
	HelloOkType           = "hello-ok"
)

// ConnectChallenge is the payload of the connect.challenge event.
type ConnectChallenge struct {
	Nonce string `json:"nonce"`
	Ts    int64  `json:"ts,omitempty"`
}

// ConnectParams is sent once per connection attempt as the params of the
// "connect" request.
type ConnectParams struct {
	MinProtocol int          `json:"minProtocol"`
	MaxProtocol int          `json:"maxProtocol"`
	Client      ClientInfo   `json:"client"`
	Role        string       `json:"role,omitempty"`
	Scopes      []string     `json:"scopes,omitempty"`
	Caps        []string     `json:"caps,omitempty"`
	Auth        *ConnectAuth `json:"auth,omitempty"`
	Device      *DeviceAuth  `json:"device,omitempty"`
	Locale      string       `json:"locale,omitempty"`
	UserAgent   string       `json:"userAgent,omitempty"`
}

// ClientInfo describes the connecting client.
type ClientInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Version     string `json:"version"`
	Platform    string `json:"platform"`
	Mode        string `json:"mode"`
	InstanceID  string `json:"instanceId,omitempty"`
}

// ConnectAuth carries bearer credentials.
type ConnectAuth struct {
	Token       string `json:"token,omitempty"`
	Password    string `json:"password,omitempty"`
	DeviceToken string `json:"deviceToken,omitempty"`
}

// DeviceAuth carries the signed device identity block.
type DeviceAuth struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"` // base64url raw 32-byte Ed25519 public key
	Signature string `json:"signature"` // base64url Ed25519 signature
	SignedAt  int64  `json:"signedAt"`  // unix ms
	Nonce     string `json:"nonce"`
}

// HelloOk is the server's accepted-connection record.
type HelloOk struct {
	Type     string          `json:"type"`
	Protocol int             `json:"protocol"`
	Server   ServerInfo      `json:"server"`
	Features Features        `json:"features"`
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
	Auth     *HelloAuth      `json:"auth,omitempty"`
	Policy   Policy          `json:"policy"`
}

// ServerInfo identifies the gateway and this connection.
type ServerInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	Host    string `json:"host,omitempty"`
	ConnID  string `json:"connId"`
}

// Features advertises supported methods and events.
type Features struct {
	Methods []string `json:"methods"`
	Events  []string `json:"events"`
}

// HelloAuth carries a device token issued by the gateway.
type HelloAuth struct {
	DeviceToken string   `json:"deviceToken"`
	Role        string   `json:"role"`
	Scopes      []string `json:"scopes"`
	IssuedAtMs  int64    `json:"issuedAtMs,omitempty"`
}

// Policy holds server-imposed limits.
type Policy struct {
	MaxPayload       int64 `json:"maxPayload"`
	MaxBufferedBytes int64 `json:"maxBufferedBytes"`
	TickIntervalMs   int64 `json:"tickIntervalMs"`
	RetryAfterMs     int64 `json:"retryAfterMs,omitempty"`
}

// TickParams is the params object of a heartbeat "tick" request.
type TickParams struct {
	Ts int64 `json:"ts"`
}
