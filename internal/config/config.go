package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Default configuration values
const (
	DefaultDomain     = "localhost:8080"
	DefaultListenAddr = ":8080"
	DefaultSTUN       = "stun:stun.l.google.com:19302"
)

// Config holds relay and client configuration. Relay-only and client-only
// fields live side by side so both subcommands share one loader.
type Config struct {
	// Domain is the relay host (and optional port) the client dials.
	Domain string `env:"DOMAIN,default=localhost:8080" validate:"required"`

	// Insecure forces ws:// and http:// even for non-local domains.
	Insecure bool `env:"INSECURE"`

	// STUNServer is the ICE server handed to pion. TURN is not supported.
	STUNServer string `env:"STUN_SERVER,default=stun:stun.l.google.com:19302"`

	// ClientID is the local client identifier; generated when empty.
	ClientID string `env:"CLIENT_ID" validate:"omitempty,max=128"`

	NegotiationTimeout   time.Duration `env:"NEGOTIATION_TIMEOUT,default=30s" validate:"gte=0"`
	MaxPendingCandidates int           `env:"MAX_PENDING_CANDIDATES,default=256" validate:"gte=1"`
	MaxFileBytes         int           `env:"MAX_FILE_BYTES,default=8388608" validate:"gte=1"`
	ReconnectAttempts    int           `env:"RECONNECT_ATTEMPTS,default=5" validate:"gte=0"`

	// Relay server
	ListenAddr       string        `env:"LISTEN_ADDR,default=:8080" validate:"required"`
	AllowedOrigins   string        `env:"ALLOWED_ORIGINS"`
	MaxEnvelopeBytes int           `env:"MAX_ENVELOPE_BYTES,default=65536" validate:"gte=1024"`
	SendQueueSize    int           `env:"SEND_QUEUE_SIZE,default=256" validate:"gte=1"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s" validate:"gte=0"`
}

// Options for loading config with CLI flag overrides. Zero values mean
// "not set on the command line".
type Options struct {
	Domain             string
	Insecure           bool
	STUNServer         string
	ClientID           string
	NegotiationTimeout time.Duration
	ListenAddr         string
	AllowedOrigins     string
}

var validate = validator.New()

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables, including a .env file in the working directory
// 3. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	// A missing .env file is the normal case.
	_ = godotenv.Load()

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	if opts.Domain != "" {
		cfg.Domain = opts.Domain
	}
	if opts.Insecure {
		cfg.Insecure = true
	}
	if opts.STUNServer != "" {
		cfg.STUNServer = opts.STUNServer
	}
	if opts.ClientID != "" {
		cfg.ClientID = opts.ClientID
	}
	if opts.NegotiationTimeout != 0 {
		cfg.NegotiationTimeout = opts.NegotiationTimeout
	}
	if opts.ListenAddr != "" {
		cfg.ListenAddr = opts.ListenAddr
	}
	if opts.AllowedOrigins != "" {
		cfg.AllowedOrigins = opts.AllowedOrigins
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid config: %s failed %q", verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// secure reports whether the client should use TLS to reach the relay.
func (c *Config) secure() bool {
	if c.Insecure {
		return false
	}
	host := c.Domain
	if h, _, err := net.SplitHostPort(c.Domain); err == nil {
		host = h
	}
	if host == "localhost" {
		return false
	}
	if ip := net.ParseIP(host); ip != nil && (ip.IsLoopback() || ip.IsPrivate()) {
		return false
	}
	return true
}

// WebSocketURL returns the relay signaling endpoint.
func (c *Config) WebSocketURL() string {
	scheme := "wss"
	if !c.secure() {
		scheme = "ws"
	}
	return fmt.Sprintf("%s://%s/ws", scheme, c.Domain)
}

// RoomsURL returns the relay's room listing endpoint.
func (c *Config) RoomsURL() string {
	scheme := "https"
	if !c.secure() {
		scheme = "http"
	}
	u := url.URL{Scheme: scheme, Host: c.Domain, Path: "/rooms"}
	return u.String()
}

// GetSTUNServers returns STUN server URLs, or nil when none is configured
// (host candidates only).
func (c *Config) GetSTUNServers() []string {
	if c.STUNServer == "" || c.STUNServer == "none" {
		return nil
	}
	return []string{c.STUNServer}
}

// Origins returns the websocket origin allow-list. Empty means any origin.
func (c *Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
