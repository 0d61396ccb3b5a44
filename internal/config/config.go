// Package config loads service configuration from defaults, an optional config file,
// environment variables and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"lastmile/internal/service"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// Config holds all configuration for the application.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Store      StoreConfig      `mapstructure:"store"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	NewRelic   NewRelicConfig   `mapstructure:"newrelic"`
	Propagator PropagatorConfig `mapstructure:"propagator"`
	Log        LogConfig        `mapstructure:"log"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// OperatorToken guards the advance endpoint when set.
	OperatorToken string `mapstructure:"operator_token"`
}

// StoreConfig selects where deliveries are persisted.
type StoreConfig struct {
	Backend  string `mapstructure:"backend"`
	FilePath string `mapstructure:"file_path"`
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
	Migrate  bool   `mapstructure:"migrate"`
}

// RedisConfig holds Redis configuration. Redis is optional: an empty Addr disables
// cross-replica locks, idempotency keys and the pub/sub bridge.
type RedisConfig struct {
	Addr          string `mapstructure:"addr"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

// KafkaConfig holds Kafka configuration. An empty Brokers list disables the bridge.
type KafkaConfig struct {
	Brokers  string `mapstructure:"brokers"`
	Topic    string `mapstructure:"topic"`
	ClientID string `mapstructure:"client_id"`
}

// NewRelicConfig holds New Relic configuration.
type NewRelicConfig struct {
	AppName    string `mapstructure:"app_name"`
	LicenseKey string `mapstructure:"license_key"`
	Enabled    bool   `mapstructure:"enabled"`
}

// PropagatorConfig tunes automatic delivery progression.
type PropagatorConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	// Seed fixes the random source. Zero seeds from the current time.
	Seed int64 `mapstructure:"seed"`

	AcceptedAfter  time.Duration `mapstructure:"accepted_after"`
	PickedUpAfter  time.Duration `mapstructure:"picked_up_after"`
	InTransitAfter time.Duration `mapstructure:"in_transit_after"`

	AcceptedProbability    float64 `mapstructure:"accepted_probability"`
	PickedUpProbability    float64 `mapstructure:"picked_up_probability"`
	InTransitProbability   float64 `mapstructure:"in_transit_probability"`
	NewDeliveryProbability float64 `mapstructure:"new_delivery_probability"`
}

// LogConfig holds logger configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var defaults = map[string]any{
	"server.port":             "8080",
	"server.read_timeout":     10 * time.Second,
	"server.shutdown_timeout": 30 * time.Second,
	"server.operator_token":   "",

	"store.backend":   BackendMemory,
	"store.file_path": "deliveries.json",

	"database.host":     "localhost",
	"database.port":     "5432",
	"database.user":     "postgres",
	"database.password": "postgres",
	"database.name":     "lastmile",
	"database.sslmode":  "disable",
	"database.migrate":  true,

	"redis.addr":           "",
	"redis.password":       "",
	"redis.db":             0,
	"redis.channel_prefix": "lastmile",

	"kafka.brokers":   "",
	"kafka.topic":     "delivery-events",
	"kafka.client_id": "lastmile",

	"newrelic.app_name":    "lastmile-delivery-service",
	"newrelic.license_key": "",
	"newrelic.enabled":     false,

	"propagator.enabled":                  true,
	"propagator.interval":                 5 * time.Second,
	"propagator.seed":                     0,
	"propagator.accepted_after":           2 * time.Minute,
	"propagator.picked_up_after":          5 * time.Minute,
	"propagator.in_transit_after":         10 * time.Minute,
	"propagator.accepted_probability":     0.5,
	"propagator.picked_up_probability":    0.7,
	"propagator.in_transit_probability":   0.7,
	"propagator.new_delivery_probability": 0.1,

	"log.level":  "info",
	"log.format": "json",
}

// aliases keeps the short environment names working next to the derived ones
// (DATABASE_HOST and DB_HOST both set database.host).
var aliases = map[string]string{
	"database.host":        "DB_HOST",
	"database.port":        "DB_PORT",
	"database.user":        "DB_USER",
	"database.password":    "DB_PASSWORD",
	"database.name":        "DB_NAME",
	"database.sslmode":     "DB_SSLMODE",
	"newrelic.app_name":    "NEW_RELIC_APP_NAME",
	"newrelic.license_key": "NEW_RELIC_LICENSE_KEY",
	"newrelic.enabled":     "NEW_RELIC_ENABLED",
}

// flagKeys maps command-line flags onto config keys.
var flagKeys = map[string]string{
	"port":                "server.port",
	"store":               "store.backend",
	"store-file":          "store.file_path",
	"log-level":           "log.level",
	"log-format":          "log.format",
	"propagator":          "propagator.enabled",
	"propagator-interval": "propagator.interval",
	"seed":                "propagator.seed",
}

// RegisterFlags adds the supported command-line flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("port", "8080", "HTTP listen port")
	fs.String("store", BackendMemory, "delivery store backend: memory, file or postgres")
	fs.String("store-file", "deliveries.json", "snapshot path for the file backend")
	fs.String("log-level", "info", "log level: debug, info, warn, error")
	fs.String("log-format", "json", "log format: json or console")
	fs.Bool("propagator", true, "run the automatic delivery propagator")
	fs.Duration("propagator-interval", 5*time.Second, "propagator tick interval (1s-30s)")
	fs.Int64("seed", 0, "propagator random seed, 0 for time-based")
}

// Load builds the configuration. configFile may be empty; fs may be nil.
// Only flags explicitly set on the command line override other sources.
func Load(configFile string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range aliases {
		derived := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, derived, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	decodeHook := viper.DecoderConfigOption(func(dc *mapstructure.DecoderConfig) {
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	})
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case BackendMemory:
	case BackendFile:
		if c.Store.FilePath == "" {
			errs = append(errs, errors.New("store.file_path is required for the file backend"))
		}
	case BackendPostgres:
		if c.Database.Host == "" || c.Database.DBName == "" {
			errs = append(errs, errors.New("database.host and database.name are required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}

	p := c.Propagator
	if p.Interval < service.MinTickInterval || p.Interval > service.MaxTickInterval {
		errs = append(errs, fmt.Errorf("propagator.interval %s outside [%s, %s]", p.Interval, service.MinTickInterval, service.MaxTickInterval))
	}
	for name, d := range map[string]time.Duration{
		"accepted_after":   p.AcceptedAfter,
		"picked_up_after":  p.PickedUpAfter,
		"in_transit_after": p.InTransitAfter,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("propagator.%s must not be negative", name))
		}
	}
	for name, prob := range map[string]float64{
		"accepted_probability":     p.AcceptedProbability,
		"picked_up_probability":    p.PickedUpProbability,
		"in_transit_probability":   p.InTransitProbability,
		"new_delivery_probability": p.NewDeliveryProbability,
	} {
		if prob < 0 || prob > 1 {
			errs = append(errs, fmt.Errorf("propagator.%s must be within [0, 1]", name))
		}
	}

	if c.Kafka.Brokers != "" && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka.topic is required when kafka.brokers is set"))
	}
	if c.NewRelic.Enabled && c.NewRelic.LicenseKey == "" {
		errs = append(errs, errors.New("newrelic.license_key is required when New Relic is enabled"))
	}

	return errors.Join(errs...)
}

// DSN returns the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
