// Package config loads the bitbox properties file and keeps it fresh at
// runtime. Values come from a key=value properties file, with environment
// variables taking precedence. A watcher re-reads the file on change and
// broadcasts snapshots to subscribers.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Mode selects the peer transport.
const (
	ModeTCP = "tcp"
	ModeUDP = "udp"
)

const (
	defaultBlockSize    = 8192
	defaultSyncInterval = 10
	defaultMaxIncoming  = 10
	defaultUDPTimeoutMS = 3000
	defaultUDPRetries   = 5

	// maxUDPBlockSize bounds blockSize in UDP mode so a full bytes
	// response still fits in a single datagram after base64 and framing.
	maxUDPBlockSize = 8192
)

// Config is an immutable snapshot of the bitbox configuration.
type Config struct {
	AdvertisedName string
	Path           string
	Port           int
	ClientPort     int
	Peers          []string
	Mode           string

	BlockSize                  int64
	SyncInterval               time.Duration
	MaximumIncomingConnections int
	UDPTimeout                 time.Duration
	UDPRetries                 int

	AuthorizedKeys []string

	Environment string
}

// envOverrides mirrors the properties keys as environment variables.
// Any non-empty value takes precedence over the file.
type envOverrides struct {
	AdvertisedName string `env:"BITBOX_ADVERTISED_NAME"`
	Path           string `env:"BITBOX_PATH"`
	Port           string `env:"BITBOX_PORT"`
	ClientPort     string `env:"BITBOX_CLIENT_PORT"`
	Peers          string `env:"BITBOX_PEERS"`
	Mode           string `env:"BITBOX_MODE"`
	BlockSize      string `env:"BITBOX_BLOCK_SIZE"`
	SyncInterval   string `env:"BITBOX_SYNC_INTERVAL"`
	MaxIncoming    string `env:"BITBOX_MAX_INCOMING_CONNECTIONS"`
	UDPTimeout     string `env:"BITBOX_UDP_TIMEOUT"`
	UDPRetries     string `env:"BITBOX_UDP_RETRIES"`
	AuthorizedKeys string `env:"BITBOX_AUTHORIZED_KEYS"`
	Environment    string `env:"ENVIRONMENT" envDefault:""`
}

// Load reads the properties file at path and applies environment
// overrides. The returned snapshot is validated and never mutated.
func Load(path string) (*Config, error) {
	values, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("reading properties file %s: %w", path, err)
	}

	overrides := envOverrides{}
	if err := env.Parse(&overrides); err != nil {
		return nil, fmt.Errorf("parsing environment overrides: %w", err)
	}

	pick := func(key, override string) string {
		if override != "" {
			return override
		}
		return strings.TrimSpace(values[key])
	}

	cfg := &Config{
		AdvertisedName: pick("advertisedName", overrides.AdvertisedName),
		Path:           pick("path", overrides.Path),
		Mode:           pick("mode", overrides.Mode),
		Environment:    pick("environment", overrides.Environment),
	}

	if cfg.Path == "" {
		cfg.Path = "share"
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeTCP
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	if cfg.Port, err = intValue(pick("port", overrides.Port), 0); err != nil {
		return nil, err
	}
	if cfg.ClientPort, err = intValue(pick("clientPort", overrides.ClientPort), 0); err != nil {
		return nil, err
	}

	blockSize, err := intValue(pick("blockSize", overrides.BlockSize), defaultBlockSize)
	if err != nil {
		return nil, err
	}
	cfg.BlockSize = int64(blockSize)

	syncInterval, err := intValue(pick("syncInterval", overrides.SyncInterval), defaultSyncInterval)
	if err != nil {
		return nil, err
	}
	cfg.SyncInterval = time.Duration(syncInterval) * time.Second

	if cfg.MaximumIncomingConnections, err = intValue(pick("maximumIncomingConnections", overrides.MaxIncoming), defaultMaxIncoming); err != nil {
		return nil, err
	}

	udpTimeout, err := intValue(pick("udpTimeout", overrides.UDPTimeout), defaultUDPTimeoutMS)
	if err != nil {
		return nil, err
	}
	cfg.UDPTimeout = time.Duration(udpTimeout) * time.Millisecond

	if cfg.UDPRetries, err = intValue(pick("udpRetries", overrides.UDPRetries), defaultUDPRetries); err != nil {
		return nil, err
	}

	cfg.Peers = splitList(pick("peers", overrides.Peers))
	cfg.AuthorizedKeys = splitList(pick("authorized_keys", overrides.AuthorizedKeys))

	// Datagrams cannot carry arbitrarily large blocks.
	if cfg.Mode == ModeUDP && cfg.BlockSize > maxUDPBlockSize {
		cfg.BlockSize = maxUDPBlockSize
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func intValue(s string, fallback int) (int, error) {
	if s == "" {
		return fallback, nil
	}

	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value %q", s)
	}

	return n, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}

	var out []string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}

	return out
}

func (c *Config) validate() error {
	if c.AdvertisedName == "" {
		return fmt.Errorf("advertisedName is required")
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be in 1..65535, got %d", c.Port)
	}

	if c.ClientPort <= 0 || c.ClientPort > 65535 {
		return fmt.Errorf("clientPort must be in 1..65535, got %d", c.ClientPort)
	}

	if c.Port == c.ClientPort {
		return fmt.Errorf("port and clientPort must differ")
	}

	if c.Mode != ModeTCP && c.Mode != ModeUDP {
		return fmt.Errorf("mode must be %q or %q, got %q", ModeTCP, ModeUDP, c.Mode)
	}

	if c.BlockSize <= 0 {
		return fmt.Errorf("blockSize must be positive, got %d", c.BlockSize)
	}

	if c.SyncInterval <= 0 {
		return fmt.Errorf("syncInterval must be positive")
	}

	if c.MaximumIncomingConnections < 0 {
		return fmt.Errorf("maximumIncomingConnections must not be negative")
	}

	if c.UDPRetries < 0 {
		return fmt.Errorf("udpRetries must not be negative")
	}

	return nil
}

// HostPort returns the advertised peer endpoint as "name:port".
func (c *Config) HostPort() string {
	return fmt.Sprintf("%s:%d", c.AdvertisedName, c.Port)
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
