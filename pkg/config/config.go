package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "STORELOCATOR"

// Source kinds
const (
	SourceMemory  = "memory"
	SourcePostGIS = "postgis"
	SourceElastic = "elastic"
)

type ServerConfig struct {
	Address         string        `yaml:"address"`
	RateLimit       float64       `yaml:"rate_limit"`
	Burst           int           `yaml:"burst"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LocatorConfig struct {
	Limit       int     `yaml:"limit"`
	MaxRadiusKm float64 `yaml:"max_radius_km"`
}

type SourceConfig struct {
	Kind     string `yaml:"kind"`
	Snapshot string `yaml:"snapshot"`
	Seed     string `yaml:"seed"`
}

type PostGISConfig struct {
	DSN            string `yaml:"dsn"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	Database       string `yaml:"database"`
	SSLMode        string `yaml:"sslmode"`
	MaxConnections int    `yaml:"max_connections"`
}

type ElasticConfig struct {
	URL        string `yaml:"url"`
	Index      string `yaml:"index"`
	Oversample int    `yaml:"oversample"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Locator LocatorConfig `yaml:"locator"`
	Source  SourceConfig  `yaml:"source"`
	PostGIS PostGISConfig `yaml:"postgis"`
	Elastic ElasticConfig `yaml:"elastic"`
	Log     LogConfig     `yaml:"log"`
}

func (c Config) String() string {
	return fmt.Sprintf(
		"Address: %s | RateLimit: %g | Burst: %d | Limit: %d | MaxRadiusKm: %g | Source: %s | Snapshot: %s | PostGIS: %s@%s:%d/%s | Elastic: %s/%s | LogLevel: %s",
		c.Server.Address,
		c.Server.RateLimit,
		c.Server.Burst,
		c.Locator.Limit,
		c.Locator.MaxRadiusKm,
		c.Source.Kind,
		c.Source.Snapshot,
		c.PostGIS.User,
		c.PostGIS.Host,
		c.PostGIS.Port,
		c.PostGIS.Database,
		c.Elastic.URL,
		c.Elastic.Index,
		c.Log.Level,
	)
}

// YAML renders the configuration with secrets masked
func (c Config) YAML() (string, error) {
	if c.PostGIS.Password != "" {
		c.PostGIS.Password = "********"
	}
	if c.PostGIS.DSN != "" {
		c.PostGIS.DSN = "********"
	}
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal config")
	}
	return string(out), nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.rate_limit", 100.0)
	v.SetDefault("server.burst", 200)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("locator.limit", 5)
	v.SetDefault("locator.max_radius_km", 0.0)

	v.SetDefault("source.kind", SourceMemory)
	v.SetDefault("source.snapshot", "")
	v.SetDefault("source.seed", "")

	v.SetDefault("postgis.dsn", "")
	v.SetDefault("postgis.host", "localhost")
	v.SetDefault("postgis.port", 5432)
	v.SetDefault("postgis.user", "postgres")
	v.SetDefault("postgis.password", "")
	v.SetDefault("postgis.database", "geodb")
	v.SetDefault("postgis.sslmode", "disable")
	v.SetDefault("postgis.max_connections", 25)

	v.SetDefault("elastic.url", "http://localhost:9200")
	v.SetDefault("elastic.index", "stores")
	v.SetDefault("elastic.oversample", 2)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads the YAML file at path, if any, then applies STORELOCATOR_*
// environment overrides (STORELOCATOR_SERVER_ADDRESS for server.address).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", path)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Address:         v.GetString("server.address"),
			RateLimit:       v.GetFloat64("server.rate_limit"),
			Burst:           v.GetInt("server.burst"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
		},
		Locator: LocatorConfig{
			Limit:       v.GetInt("locator.limit"),
			MaxRadiusKm: v.GetFloat64("locator.max_radius_km"),
		},
		Source: SourceConfig{
			Kind:     strings.ToLower(v.GetString("source.kind")),
			Snapshot: v.GetString("source.snapshot"),
			Seed:     v.GetString("source.seed"),
		},
		PostGIS: PostGISConfig{
			DSN:            v.GetString("postgis.dsn"),
			Host:           v.GetString("postgis.host"),
			Port:           v.GetInt("postgis.port"),
			User:           v.GetString("postgis.user"),
			Password:       v.GetString("postgis.password"),
			Database:       v.GetString("postgis.database"),
			SSLMode:        v.GetString("postgis.sslmode"),
			MaxConnections: v.GetInt("postgis.max_connections"),
		},
		Elastic: ElasticConfig{
			URL:        v.GetString("elastic.url"),
			Index:      v.GetString("elastic.index"),
			Oversample: v.GetInt("elastic.oversample"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects settings the service cannot run with
func (c *Config) Validate() error {
	switch c.Source.Kind {
	case SourceMemory, SourcePostGIS, SourceElastic:
	default:
		return errors.Errorf("unknown source kind %q", c.Source.Kind)
	}
	if c.Locator.Limit < 1 {
		return errors.Errorf("locator.limit must be at least 1, got %d", c.Locator.Limit)
	}
	if c.Locator.MaxRadiusKm < 0 {
		return errors.Errorf("locator.max_radius_km must not be negative, got %g", c.Locator.MaxRadiusKm)
	}
	if c.Server.RateLimit < 0 || c.Server.Burst < 0 {
		return errors.New("server.rate_limit and server.burst must not be negative")
	}
	return nil
}
