package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// ConfigKeyEnv holds the passphrase for enc: secrets.
const ConfigKeyEnv = "GATELINK_CONFIG_KEY"

// Config is the top-level gatelink configuration.
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway"`
	Client    ClientConfig    `yaml:"client"`
	Protocol  ProtocolConfig  `yaml:"protocol"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Store     StoreConfig     `yaml:"store"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Server    ServerConfig    `yaml:"server"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
	Includes  []string        `yaml:"includes,omitempty"`
}

// GatewayConfig is the remote endpoint and its shared credentials.
type GatewayConfig struct {
	URL      string            `yaml:"url"`
	Token    string            `yaml:"token,omitempty"`
	Password string            `yaml:"password,omitempty"`
	Headers  map[string]string `yaml:"headers,omitempty"`
}

// ClientConfig describes this client to the gateway.
type ClientConfig struct {
	ID          string   `yaml:"id"`
	DisplayName string   `yaml:"display_name,omitempty"`
	Version     string   `yaml:"version"`
	Platform    string   `yaml:"platform"`
	Mode        string   `yaml:"mode"`
	InstanceID  string   `yaml:"instance_id,omitempty"`
	Role        string   `yaml:"role"`
	Scopes      []string `yaml:"scopes,omitempty"`
	Caps        []string `yaml:"caps,omitempty"`
	Locale      string   `yaml:"locale,omitempty"`
	UserAgent   string   `yaml:"user_agent,omitempty"`
}

// ProtocolConfig is the advertised protocol range.
type ProtocolConfig struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// TimeoutsConfig bounds the blocking client operations.
type TimeoutsConfig struct {
	Request   time.Duration `yaml:"request"`
	Handshake time.Duration `yaml:"handshake"`
}

// HeartbeatConfig sets the tick interval used when the server sends none.
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// ReconnectConfig controls the reconnect scheduler.
type ReconnectConfig struct {
	Enabled     bool          `yaml:"enabled"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// RateLimitConfig throttles outbound requests. Zero disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// BreakerConfig wraps socket dials in a circuit breaker.
type BreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// StoreConfig picks the key-value backend for identity and tokens.
type StoreConfig struct {
	Backend string `yaml:"backend"` // "memory", "file", "sqlite"
	Dir     string `yaml:"dir"`
}

// DiscoveryConfig holds mDNS settings.
type DiscoveryConfig struct {
	Service string        `yaml:"service"`
	Domain  string        `yaml:"domain"`
	Timeout time.Duration `yaml:"timeout"`
}

// ServerConfig configures the reference gateway.
type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	Name           string        `yaml:"name,omitempty"`
	Tokens         []TokenConfig `yaml:"tokens,omitempty"`
	TickInterval   time.Duration `yaml:"tick_interval"`
	MaxPayload     int64         `yaml:"max_payload"`
	RequestsPerMin int           `yaml:"requests_per_min"`
	Advertise      bool          `yaml:"advertise"`
}

// TokenConfig holds a single gateway auth token.
type TokenConfig struct {
	Token  string   `yaml:"token"`
	Name   string   `yaml:"name"`
	Roles  []string `yaml:"roles"`
	Scopes []string `yaml:"scopes,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// defaultDataDir returns $HOME/.gatelink, or "./.gatelink" without a home.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./.gatelink"
	}
	return filepath.Join(home, ".gatelink")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Gateway: GatewayConfig{
			URL: "ws://127.0.0.1:18789",
		},
		Client: ClientConfig{
			ID:       "gatelink-cli",
			Version:  "dev",
			Platform: "go",
			Mode:     "cli",
			Role:     "operator",
		},
		Protocol: ProtocolConfig{Min: 3, Max: 3},
		Timeouts: TimeoutsConfig{
			Request:   30 * time.Second,
			Handshake: 10 * time.Second,
		},
		Heartbeat: HeartbeatConfig{Interval: 30 * time.Second},
		Reconnect: ReconnectConfig{
			Enabled:     true,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
			MaxAttempts: 10,
		},
		Breaker: BreakerConfig{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		},
		Store: StoreConfig{
			Backend: "file",
			Dir:     defaultDataDir(),
		},
		Discovery: DiscoveryConfig{
			Service: "_gatelink-gw._tcp",
			Domain:  "local.",
			Timeout: 3 * time.Second,
		},
		Server: ServerConfig{
			Addr:           "127.0.0.1:18789",
			TickInterval:   30 * time.Second,
			MaxPayload:     1 << 20,
			RequestsPerMin: 120,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := decryptFromEnv(cfg); err != nil {
				return nil, err
			}
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		if err := newIncludeChain(absPath).apply(cfg, filepath.Dir(absPath), 0); err != nil {
			return nil, err
		}

		// The main file wins over anything it included.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	if err := decryptFromEnv(cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func decryptFromEnv(cfg *Config) error {
	passphrase := os.Getenv(ConfigKeyEnv)
	if passphrase == "" {
		return nil
	}
	if err := decryptSecrets(cfg, passphrase); err != nil {
		return fmt.Errorf("decrypt secrets: %w", err)
	}
	return nil
}

// ApplyEnvOverrides maps GATELINK_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GATELINK_GATEWAY_URL"); v != "" {
		cfg.Gateway.URL = v
	}
	if v := os.Getenv("GATELINK_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Token = v
	}
	if v := os.Getenv("GATELINK_GATEWAY_PASSWORD"); v != "" {
		cfg.Gateway.Password = v
	}
	if v := os.Getenv("GATELINK_CLIENT_ROLE"); v != "" {
		cfg.Client.Role = v
	}
	if v := os.Getenv("GATELINK_CLIENT_SCOPES"); v != "" {
		cfg.Client.Scopes = splitAndTrim(v, ",")
	}
	if v := os.Getenv("GATELINK_RECONNECT_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Reconnect.MaxAttempts = n
		}
	}
	if v := os.Getenv("GATELINK_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Timeouts.Request = d
		}
	}
	if v := os.Getenv("GATELINK_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("GATELINK_STORE_DIR"); v != "" {
		cfg.Store.Dir = v
	}
	if v := os.Getenv("GATELINK_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("GATELINK_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("GATELINK_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("GATELINK_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("GATELINK_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// decryptSecrets replaces every "enc:..." secret field with its plaintext.
func decryptSecrets(cfg *Config, passphrase string) error {
	fields := map[string]*string{
		"gateway.token":    &cfg.Gateway.Token,
		"gateway.password": &cfg.Gateway.Password,
	}
	for i := range cfg.Server.Tokens {
		fields[fmt.Sprintf("server.tokens[%s]", cfg.Server.Tokens[i].Name)] = &cfg.Server.Tokens[i].Token
	}

	for name, fp := range fields {
		if !strings.HasPrefix(*fp, "enc:") {
			continue
		}
		decrypted, err := DecryptValue(strings.TrimPrefix(*fp, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*fp = decrypted
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
// The result is hex(salt) + ":" + hex(nonce+ciphertext).
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue reverses EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}

	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions rejects config files writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
