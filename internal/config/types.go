package config

import (
	"strconv"

	"github.com/mattjoyce/placqs/internal/storage"
	"github.com/mattjoyce/placqs/internal/transport"
)

// Config represents the complete dispatcher configuration.
type Config struct {
	Service    ServiceConfig  `yaml:"service"`
	RabbitMQ   RabbitMQConfig `yaml:"rabbitmq"`
	Store      StoreConfig    `yaml:"store"`
	PostgreSQL PostgresConfig `yaml:"postgresql"`
	PluginsDir string         `yaml:"plugins_dir"`
	API        APIConfig      `yaml:"api"`

	// Path is the file the config was loaded from; empty for Defaults().
	Path string `yaml:"-"`
}

// ServiceConfig defines process-level settings.
type ServiceConfig struct {
	LogLevel  string `yaml:"log_level" env:"PLACQS_LOG_LEVEL"`
	LogFormat string `yaml:"log_format"`
	// LockDir holds the per-node instance lock files.
	LockDir string `yaml:"lock_dir"`
}

// RabbitMQConfig locates the broker and names this node.
type RabbitMQConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	VHost    string `yaml:"vhost"`
	Username string `yaml:"username"`
	Password string `yaml:"password" env:"PLACQS_RABBITMQ_PASSWORD"`
	// NodeName is both the routing key this node consumes and the node
	// stamped on every outcome entry.
	NodeName      string `yaml:"node_name" env:"PLACQS_NODE_NAME"`
	QueueCommands string `yaml:"queue_commands"`
}

// StoreConfig selects the outcome log database.
type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite | postgres
	Path   string `yaml:"path"`
}

// PostgresConfig is used when store.driver is postgres.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password" env:"PLACQS_POSTGRES_PASSWORD"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

// APIConfig defines the optional ops HTTP server.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	APIKey  string `yaml:"api_key" env:"PLACQS_API_KEY"`
}

// Defaults returns a configuration with all defaults applied.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			LogLevel:  "info",
			LogFormat: "json",
			LockDir:   "./data",
		},
		RabbitMQ: RabbitMQConfig{
			Host:          "localhost",
			Port:          5672,
			VHost:         "/",
			Username:      "guest",
			Password:      "guest",
			QueueCommands: "queue_commands",
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "./data/placqs.db",
		},
		PostgreSQL: PostgresConfig{
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
		},
		PluginsDir: "./plugins",
		API: APIConfig{
			Listen: "127.0.0.1:8090",
		},
	}
}

// StorageOptions maps the store sections onto storage.Open options.
func (c *Config) StorageOptions() storage.Options {
	return storage.Options{
		Driver: c.Store.Driver,
		Path:   c.Store.Path,
		Postgres: storage.PostgresOptions{
			Host:     c.PostgreSQL.Host,
			Port:     c.PostgreSQL.Port,
			Username: c.PostgreSQL.Username,
			Password: c.PostgreSQL.Password,
			Database: c.PostgreSQL.Database,
			SSLMode:  c.PostgreSQL.SSLMode,
		},
	}
}

// TransportOptions returns the broker URL and exchange.
func (c *Config) TransportOptions() transport.Options {
	r := c.RabbitMQ
	port := ""
	if r.Port > 0 {
		port = strconv.Itoa(r.Port)
	}
	return transport.Options{
		URL:      transport.BuildURL(r.Username, r.Password, r.Host, port, r.VHost),
		Exchange: r.QueueCommands,
	}
}
