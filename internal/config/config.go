package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the frame engine's full runtime configuration, loaded once
// at startup from YAML with environment-variable overrides for the
// values operators most often need to change per deployment.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	API     APIConfig     `yaml:"api"`
	Storage StorageConfig `yaml:"storage"`
	NATS    NATSConfig    `yaml:"nats"`
	JWT     JWTConfig     `yaml:"jwt"`
	Log     LogConfig     `yaml:"log"`
	Network NetworkConfig `yaml:"network"`
	Engine  EngineConfig  `yaml:"engine"`
}

// ServerConfig names the running instance, printed in the header line
// of PrintConfigSummary.
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// APIConfig is the admin HTTP listener.
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig selects and configures the store backend. Driver is
// "postgres" or "memory"; DSN only applies to postgres. The pool fields
// are loaded but NewPostgresStore does not read them.
type StorageConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NATSConfig is the gateway transport's message bus connection.
type NATSConfig struct {
	URL               string        `yaml:"url"`
	ClientID          string        `yaml:"client_id"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// JWTConfig signs and verifies admin API bearer tokens. PasswordHash is
// the bcrypt hash of the single operator's login password.
type JWTConfig struct {
	Secret         string        `yaml:"secret"`
	AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
	PasswordHash   string        `yaml:"password_hash"`
}

// LogConfig sets zerolog's global level. Format is loaded but not read:
// the console writer is always used.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// NetworkConfig names the one local network this instance serves and
// its regional parameter table (§3 `network`).
type NetworkConfig struct {
	Name   string `yaml:"name"`
	NetID  string `yaml:"net_id"` // 3 hex bytes, e.g. "000013"
	SubID  string `yaml:"sub_id"` // optional, e.g. "5:3" = value 5 in 3 bits
	Region string `yaml:"region"`
}

// EngineConfig carries max_lost_after_reset, which the engine reads on
// every data-up transaction, the join-accept RxDelay every node is told
// to honor, and the RX1DROffset the gateway transport puts in each
// join-accept. The file is read once at startup
// (§5 "a single max_lost_after_reset ... read at transaction time").
type EngineConfig struct {
	MaxLostAfterReset uint32 `yaml:"max_lost_after_reset"`
	RxDelay           uint8  `yaml:"rx_delay"`
	RX1DROffset       uint8  `yaml:"rx1_dr_offset"`
}

// Load reads configuration from filename, applies environment
// overrides, then validates the result.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server:  ServerConfig{Name: "frameengine", Version: "dev"},
		API:     APIConfig{Host: "0.0.0.0", Port: 8080},
		Storage: StorageConfig{Driver: "postgres", MaxOpenConns: 25, MaxIdleConns: 5, ConnMaxLifetime: time.Hour},
		NATS:    NATSConfig{URL: "nats://127.0.0.1:4222", MaxReconnects: -1, ReconnectInterval: 2 * time.Second},
		JWT:     JWTConfig{AccessTokenTTL: 24 * time.Hour},
		Log:     LogConfig{Level: "info", Format: "console"},
		Network: NetworkConfig{Region: "EU868"},
		Engine:  EngineConfig{MaxLostAfterReset: 16384, RxDelay: 1},
	}
}

func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Storage.DSN = dsn
	}
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}
	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required for the postgres driver")
	}
	if c.Network.Name == "" {
		return fmt.Errorf("network.name is required")
	}
	if len(c.Network.NetID) != 6 {
		return fmt.Errorf("network.net_id must be 6 hex characters, got %q", c.Network.NetID)
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret is required")
	}
	return nil
}

// PrintConfigSummary writes a short human summary to stdout; main calls
// it for the -show-config and -validate flags.
func (c *Config) PrintConfigSummary() {
	fmt.Printf("=== %s (%s) ===\n", c.Server.Name, c.Server.Version)
	fmt.Printf("network: %s  region: %s  storage: %s\n", c.Network.Name, c.Network.Region, c.Storage.Driver)
	fmt.Printf("api: %s:%d  nats: %s\n", c.API.Host, c.API.Port, c.NATS.URL)
	fmt.Printf("max_lost_after_reset: %d  rx_delay: %ds\n", c.Engine.MaxLostAfterReset, c.Engine.RxDelay)
}
