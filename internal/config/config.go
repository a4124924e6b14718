package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	TrustProxyAuto   = "auto"
	TrustProxyAlways = "always"
	TrustProxyNever  = "never"

	DefaultPushBatchInterval = 0.5
	DefaultListenAddr        = ":8099"
	DefaultAdminAddr         = "127.0.0.1:9099"
	DefaultGo2RTCURL         = "http://localhost:1984"
)

// TURN holds optional TURN relay credentials appended to the ICE server set.
type TURN struct {
	URL        string `yaml:"url"`
	Username   string `yaml:"username"`
	Credential string `yaml:"credential"`
}

// Hub is the connection config for the home-automation hub.
type Hub struct {
	URL         string `yaml:"url"`
	AccessToken string `yaml:"access_token"`
}

// Recorder points at the hub's recorder database (read-only).
type Recorder struct {
	DSN           string `yaml:"dsn"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// Audit configures the optional database sink for audit records.
type Audit struct {
	DSN       string `yaml:"dsn"`
	SpoolPath string `yaml:"spool_path"`
}

// Security selects the nonce/rate-limit backends. Default is in-process
// memory; "redis" shares replay and rate state across replicas.
type Security struct {
	Backend   string `yaml:"backend"`
	RedisAddr string `yaml:"redis_addr"`
}

// Push holds delivery tuning plus the optional local NATS mirror.
type Push struct {
	NATSURL     string `yaml:"nats_url"`
	NATSSubject string `yaml:"nats_subject"`
}

// CameraSeed pre-registers a camera at startup. Same fields as the
// runtime register action.
type CameraSeed struct {
	EntityID     string            `yaml:"entity_id"`
	Name         string            `yaml:"name"`
	SnapshotURL  string            `yaml:"snapshot_url"`
	StreamURL    string            `yaml:"stream_url"`
	Username     string            `yaml:"username"`
	Password     string            `yaml:"password"`
	VerifySSL    *bool             `yaml:"verify_ssl"`
	ExtraHeaders map[string]string `yaml:"extra_headers"`
}

type Config struct {
	InstanceID        string       `yaml:"instance_id"`
	ClientID          string       `yaml:"client_id"`
	ClientSecret      string       `yaml:"client_secret"`
	WebhookURL        string       `yaml:"webhook_url"`
	AllowedCIDRs      string       `yaml:"allowed_cidrs"`
	PushBatchInterval float64      `yaml:"push_batch_interval_seconds"`
	TrustProxyMode    string       `yaml:"trust_proxy_mode"`
	TURN              *TURN        `yaml:"turn,omitempty"`
	Listen            string       `yaml:"listen"`
	AdminListen       string       `yaml:"admin_listen"`
	Go2RTCURL         string       `yaml:"go2rtc_url"`
	Hub               Hub          `yaml:"hub"`
	Recorder          Recorder     `yaml:"recorder"`
	Audit             Audit        `yaml:"audit"`
	Security          Security     `yaml:"security"`
	Push              Push         `yaml:"push"`
	Cameras           []CameraSeed `yaml:"cameras"`

	// populated by Validate; snapshots are read-only after that
	allowedNets []*net.IPNet
}

// AllowedNetworks returns the parsed allowed_cidrs list. Empty means no
// IP filtering. Validate must have run, which Load guarantees.
func (c *Config) AllowedNetworks() []*net.IPNet {
	return c.allowedNets
}

// Load reads the YAML config, applies env overrides and defaults,
// generates missing credentials, and validates. When credentials were
// generated the file is rewritten so they survive restarts.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	generated := false
	if cfg.ClientID == "" {
		cfg.ClientID = GenerateClientID()
		generated = true
	}
	if cfg.ClientSecret == "" {
		cfg.ClientSecret = GenerateClientSecret()
		generated = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if generated {
		if err := cfg.writeBack(path); err != nil {
			return nil, fmt.Errorf("persist generated credentials: %w", err)
		}
	}

	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SMARTLY_CLIENT_SECRET"); v != "" {
		c.ClientSecret = v
	}
	if v := os.Getenv("SMARTLY_HUB_TOKEN"); v != "" {
		c.Hub.AccessToken = v
	}
	if v := os.Getenv("SMARTLY_RECORDER_DSN"); v != "" {
		c.Recorder.DSN = v
	}
	if v := os.Getenv("SMARTLY_AUDIT_DSN"); v != "" {
		c.Audit.DSN = v
	}
	if v := os.Getenv("SMARTLY_REDIS_ADDR"); v != "" {
		c.Security.RedisAddr = v
	}
}

func (c *Config) applyDefaults() {
	if c.PushBatchInterval <= 0 {
		c.PushBatchInterval = DefaultPushBatchInterval
	}
	if c.TrustProxyMode == "" {
		c.TrustProxyMode = TrustProxyAuto
	}
	if c.Listen == "" {
		c.Listen = DefaultListenAddr
	}
	if c.AdminListen == "" {
		c.AdminListen = DefaultAdminAddr
	}
	if c.Go2RTCURL == "" {
		c.Go2RTCURL = DefaultGo2RTCURL
	}
	if c.Security.Backend == "" {
		c.Security.Backend = "memory"
	}
	if c.Push.NATSSubject == "" {
		c.Push.NATSSubject = "smartly.events"
	}
	if c.Recorder.MaxConcurrent <= 0 {
		c.Recorder.MaxConcurrent = 4
	}
}

// Validate enforces the constraints the options flow used to enforce:
// CIDRs must parse, webhook URL must be http(s), trust-proxy mode must be
// one of the three known values.
func (c *Config) Validate() error {
	if c.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	nets, err := ParseCIDRs(c.AllowedCIDRs)
	if err != nil {
		return err
	}
	c.allowedNets = nets
	if c.WebhookURL != "" &&
		!strings.HasPrefix(c.WebhookURL, "http://") &&
		!strings.HasPrefix(c.WebhookURL, "https://") {
		return fmt.Errorf("webhook_url must start with http:// or https://")
	}
	switch c.TrustProxyMode {
	case TrustProxyAuto, TrustProxyAlways, TrustProxyNever:
	default:
		return fmt.Errorf("trust_proxy_mode must be auto, always or never, got %q", c.TrustProxyMode)
	}
	switch c.Security.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("security.backend must be memory or redis, got %q", c.Security.Backend)
	}
	if c.Security.Backend == "redis" && c.Security.RedisAddr == "" {
		return fmt.Errorf("security.redis_addr is required with the redis backend")
	}
	return nil
}

// ParseCIDRs parses the comma-separated allowed_cidrs value. An empty
// string yields an empty list, which disables IP filtering.
func ParseCIDRs(s string) ([]*net.IPNet, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var nets []*net.IPNet
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		_, ipnet, err := net.ParseCIDR(part)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", part, err)
		}
		nets = append(nets, ipnet)
	}
	return nets, nil
}

// Save writes the config back to disk, preserving generated credentials.
func (c *Config) Save(path string) error {
	return c.writeBack(path)
}

func (c *Config) writeBack(path string) error {
	out, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o600)
}

// GenerateClientID returns "ha_" plus 16 random bytes, URL-safe encoded.
func GenerateClientID() string {
	return "ha_" + randomToken(16)
}

// GenerateClientSecret returns 32 random bytes, URL-safe encoded.
func GenerateClientSecret() string {
	return randomToken(32)
}

func randomToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(fmt.Sprintf("config: rand.Read: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
