package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Quoteflow    QuoteflowConfig        `yaml:"quoteflow"`
	Venues       map[string]VenueConfig `yaml:"venues"`
	Symbols      SymbolsConfig          `yaml:"symbols"`
	Backoff      BackoffConfig          `yaml:"backoff"`
	Router       RouterConfig           `yaml:"router"`
	Sink         SinkConfig             `yaml:"sink"`
	Storage      StorageConfig          `yaml:"storage"`
	Metrics      MetricsConfig          `yaml:"metrics"`
	Orchestrator OrchestratorConfig     `yaml:"orchestrator"`
	Logging      LoggingConfig          `yaml:"logging"`
}

type QuoteflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// VenueConfig holds the per-venue connection parameters. Symbols are
// canonical spellings; the venue-specific spelling comes from the symbol map.
type VenueConfig struct {
	Enabled           bool          `yaml:"enabled"`
	WsURL             string        `yaml:"ws_url"`
	RestURL           string        `yaml:"rest_url"`
	Symbols           []string      `yaml:"symbols"`
	Channels          []string      `yaml:"channels"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	SubscribeTimeout  time.Duration `yaml:"subscribe_timeout"`
	DepthLimit        int           `yaml:"depth_limit"`

	// PollInterval applies to venues that serve some channels over REST
	// polling instead of a stream.
	PollInterval time.Duration `yaml:"poll_interval"`
}

type SymbolsConfig struct {
	// Map is venue → canonical symbol → venue symbol.
	Map map[string]map[string]string `yaml:"map"`
}

type BackoffConfig struct {
	Min        time.Duration `yaml:"min"`
	Max        time.Duration `yaml:"max"`
	Factor     float64       `yaml:"factor"`
	ResetAfter time.Duration `yaml:"reset_after"`
}

type RouterConfig struct {
	QueueDepth int `yaml:"queue_depth"`
}

type SinkConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	BatchInterval time.Duration `yaml:"batch_interval"`
	WriteRetries  int           `yaml:"write_retries"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
}

type StorageConfig struct {
	Postgres PostgresConfig `yaml:"postgres"`
	Kafka    KafkaConfig    `yaml:"kafka"`
}

type PostgresConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	Table    string `yaml:"table"`
	MinConns int    `yaml:"min_conns"`
	MaxConns int    `yaml:"max_conns"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type OrchestratorConfig struct {
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
	DialsPerSec   float64       `yaml:"dials_per_sec"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

var envPlaceholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} placeholders with environment variable values.
// Unset variables expand to the empty string.
func expandEnv(data []byte) []byte {
	return envPlaceholder.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envPlaceholder.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Backoff: BackoffConfig{
			Min:        time.Second,
			Max:        2 * time.Minute,
			Factor:     2,
			ResetAfter: time.Minute,
		},
		Router: RouterConfig{QueueDepth: 1024},
		Sink: SinkConfig{
			BatchSize:     500,
			BatchInterval: 2 * time.Second,
			WriteRetries:  3,
			RetryBackoff:  time.Second,
		},
		Orchestrator: OrchestratorConfig{
			ShutdownGrace: 10 * time.Second,
			DialsPerSec:   2,
		},
	}
	if err := yaml.Unmarshal(expandEnv(data), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override postgres credentials from environment variables if available
	if config.Storage.Postgres.Enabled {
		if v := os.Getenv("PG_USER"); v != "" {
			config.Storage.Postgres.User = strings.TrimSpace(v)
		}
		if v := os.Getenv("PG_PASSWORD"); v != "" {
			config.Storage.Postgres.Password = strings.TrimSpace(v)
		}
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Quoteflow.Name == "" {
		return fmt.Errorf("quoteflow.name is required")
	}

	if cfg.Quoteflow.Version == "" {
		return fmt.Errorf("quoteflow.version is required")
	}

	if len(cfg.Venues) == 0 {
		return fmt.Errorf("at least one venue must be configured")
	}

	for name, vc := range cfg.Venues {
		if !vc.Enabled {
			continue
		}
		if vc.WsURL == "" && vc.RestURL == "" {
			return fmt.Errorf("venues.%s needs a ws_url or rest_url", name)
		}
		if len(vc.Symbols) == 0 {
			return fmt.Errorf("venues.%s.symbols must not be empty", name)
		}
		if len(vc.Channels) == 0 {
			return fmt.Errorf("venues.%s.channels must not be empty", name)
		}
		// REST-only venues keep no stream alive, so the heartbeat rules
		// apply only when a websocket endpoint is configured.
		if vc.WsURL != "" {
			if vc.HeartbeatInterval <= 0 {
				return fmt.Errorf("venues.%s.heartbeat_interval must be greater than 0", name)
			}
			if vc.ReadTimeout <= vc.HeartbeatInterval {
				return fmt.Errorf("venues.%s.read_timeout must exceed the heartbeat interval", name)
			}
		}
	}

	if cfg.Backoff.Min <= 0 || cfg.Backoff.Max < cfg.Backoff.Min {
		return fmt.Errorf("backoff bounds are invalid: min=%s max=%s", cfg.Backoff.Min, cfg.Backoff.Max)
	}

	if cfg.Router.QueueDepth <= 0 {
		return fmt.Errorf("router.queue_depth must be greater than 0")
	}

	if cfg.Sink.BatchSize <= 0 {
		return fmt.Errorf("sink.batch_size must be greater than 0")
	}

	if cfg.Sink.BatchInterval <= 0 {
		return fmt.Errorf("sink.batch_interval must be greater than 0")
	}

	if cfg.Storage.Kafka.Enabled && len(cfg.Storage.Kafka.Brokers) == 0 {
		return fmt.Errorf("storage.kafka.brokers must not be empty when kafka is enabled")
	}

	return nil
}

// EnabledVenues returns the names of enabled venues in stable order.
func (c *Config) EnabledVenues() []string {
	names := make([]string, 0, len(c.Venues))
	for name, vc := range c.Venues {
		if vc.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
