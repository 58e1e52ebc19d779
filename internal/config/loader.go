package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/placqs/internal/storage"
)

// EnvConfigPath names the environment variable that points at the config file.
const EnvConfigPath = "PLACQS_CONFIG"

const defaultConfigFile = "config.yaml"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Discover picks the config file: the explicit path if given, else
// $PLACQS_CONFIG, else ./config.yaml.
func Discover(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p, nil
	}
	if _, err := os.Stat(defaultConfigFile); err == nil {
		return defaultConfigFile, nil
	}
	return "", fmt.Errorf("no config found (checked: --config, $%s, ./%s)", EnvConfigPath, defaultConfigFile)
}

// Load reads configPath, applies defaults, ${VAR} interpolation and
// PLACQS_* environment overrides, verifies .checksums when present, and
// validates the result.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, defaultConfigFile)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := verifyConfigHash(absPath); err != nil {
		return nil, err
	}

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	cfg.Path = absPath

	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ParseEnv applies environment overrides declared with env struct tags.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is so validation can report them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return match
	})
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "warning": true, "error": true, "critical": true,
}

func validate(cfg *Config) error {
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level %q is not one of debug, info, warning, error, critical", cfg.Service.LogLevel)
	}
	switch cfg.Service.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("service.log_format must be json or text, got %q", cfg.Service.LogFormat)
	}

	if strings.TrimSpace(cfg.Service.LockDir) == "" {
		return fmt.Errorf("service.lock_dir is required")
	}

	r := cfg.RabbitMQ
	if strings.TrimSpace(r.NodeName) == "" {
		return fmt.Errorf("rabbitmq.node_name is required")
	}
	if strings.ContainsAny(r.NodeName, "*#") {
		return fmt.Errorf("rabbitmq.node_name %q must not contain routing wildcards", r.NodeName)
	}
	if r.QueueCommands == "" {
		return fmt.Errorf("rabbitmq.queue_commands is required")
	}
	if r.Host == "" {
		return fmt.Errorf("rabbitmq.host is required")
	}
	if r.Port < 0 || r.Port > 65535 {
		return fmt.Errorf("rabbitmq.port %d is out of range", r.Port)
	}

	dialect, err := storage.ParseDialect(cfg.Store.Driver)
	if err != nil {
		return fmt.Errorf("store.driver: %w", err)
	}
	switch dialect {
	case storage.DialectSQLite:
		if cfg.Store.Path == "" {
			return fmt.Errorf("store.path is required for sqlite")
		}
	case storage.DialectPostgres:
		if cfg.PostgreSQL.Database == "" {
			return fmt.Errorf("postgresql.database is required for postgres")
		}
	}

	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when api.enabled is true")
	}

	unresolved := map[string]string{
		"rabbitmq.node_name":  r.NodeName,
		"rabbitmq.username":   r.Username,
		"rabbitmq.password":   r.Password,
		"postgresql.password": cfg.PostgreSQL.Password,
		"api.api_key":         cfg.API.APIKey,
	}
	for key, value := range unresolved {
		if m := envVarPattern.FindStringSubmatch(value); m != nil {
			return fmt.Errorf("%s references unset environment variable %s", key, m[1])
		}
	}
	return nil
}
