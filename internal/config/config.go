// Package config loads the dashboard configuration from a YAML file,
// a .env file, and PMI_-prefixed environment variables, in that order
// of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "PMI_"

// DefaultConfigPaths are searched in order when no explicit path is
// given.
var DefaultConfigPaths = []string{
	"/etc/pmi-dashboard/pmi.yml",
	"/etc/pmi-dashboard/pmi.yaml",
	"./pmi.yml",
	"./pmi.yaml",
}

// Duration wraps time.Duration so YAML configs can say "10s" or "1m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config is the complete runtime configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
	Engine   EngineConfig   `yaml:"engine"`
	Netwatch NetwatchConfig `yaml:"netwatch"`

	PVE     []PVEInstance     `yaml:"pve"`
	Acronis []AcronisInstance `yaml:"acronis"`
	Host    HostConfig        `yaml:"host"`

	// MockMode replaces all remote sources with synthetic data.
	MockMode bool `yaml:"mock_mode"`

	// ConfigPath remembers where the file came from, for the watcher.
	ConfigPath string `yaml:"-"`
}

// ServerConfig holds the HTTP/WebSocket listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// AllowedOrigins restricts WebSocket upgrades. Empty allows only
	// same-origin requests.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// MetricsConfig holds the Prometheus listener settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// Addr returns the metrics listen address in host:port form.
func (m MetricsConfig) Addr() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"` // "json", "console", "auto"
	File      string `yaml:"file"`
	MaxSizeMB int    `yaml:"max_size_mb"`
	MaxAge    int    `yaml:"max_age_days"`
	Compress  bool   `yaml:"compress"`
}

// EngineConfig holds the polling engine defaults applied to every task
// unless its registration overrides them.
type EngineConfig struct {
	FailureThreshold     int      `yaml:"failure_threshold"`
	MaxBackoffMultiplier int      `yaml:"max_backoff_multiplier"`
	StopAfterFailures    int      `yaml:"stop_after_failures"`
	FetchTimeout         Duration `yaml:"fetch_timeout"`
	StalenessWindow      Duration `yaml:"staleness_window"`

	// SignificanceThreshold is the relative change a numeric field
	// must exceed before an update is emitted, as a fraction.
	SignificanceThreshold float64 `yaml:"significance_threshold"`

	// PauseWhenUnwatched pauses all polling while no dashboard client
	// is connected.
	PauseWhenUnwatched bool `yaml:"pause_when_unwatched"`
}

// NetwatchConfig controls the connectivity probe that detects network
// loss and pauses polling until it clears.
type NetwatchConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Interval Duration `yaml:"interval"`
	Timeout  Duration `yaml:"timeout"`

	// Targets are host:port endpoints to dial. Empty derives targets
	// from the configured instances.
	Targets []string `yaml:"targets,omitempty"`

	// FailureThreshold is how many consecutive sweeps with every
	// target unreachable flip the state to offline.
	FailureThreshold int `yaml:"failure_threshold"`
}

// PVEInstance describes one Proxmox VE endpoint to poll.
type PVEInstance struct {
	Name        string `yaml:"name"`
	Host        string `yaml:"host"`
	TokenName   string `yaml:"token_name"`
	TokenValue  string `yaml:"token_value"`
	Fingerprint string `yaml:"fingerprint,omitempty"`
	VerifySSL   bool   `yaml:"verify_ssl"`

	NodeInterval  Duration `yaml:"node_interval"`
	GuestInterval Duration `yaml:"guest_interval"`
	MonitorGuests bool     `yaml:"monitor_guests"`

	// IncludeGuests and ExcludeGuests filter guests by name pattern.
	IncludeGuests []string `yaml:"include_guests,omitempty"`
	ExcludeGuests []string `yaml:"exclude_guests,omitempty"`
}

// AcronisInstance describes one Acronis Cyber Protect endpoint.
type AcronisInstance struct {
	Name         string `yaml:"name"`
	Host         string `yaml:"host"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	VerifySSL    bool   `yaml:"verify_ssl"`

	AgentInterval Duration `yaml:"agent_interval"`

	IncludeAgents []string `yaml:"include_agents,omitempty"`
	ExcludeAgents []string `yaml:"exclude_agents,omitempty"`
}

// HostConfig controls polling of the machine the dashboard runs on.
type HostConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Interval Duration `yaml:"interval"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 7656,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    9156,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
		Engine: EngineConfig{
			FailureThreshold:      3,
			MaxBackoffMultiplier:  8,
			StopAfterFailures:     6,
			FetchTimeout:          Duration(30 * time.Second),
			StalenessWindow:       Duration(30 * time.Second),
			SignificanceThreshold: 0.01,
		},
		Netwatch: NetwatchConfig{
			Enabled:          true,
			Interval:         Duration(15 * time.Second),
			Timeout:          Duration(3 * time.Second),
			FailureThreshold: 2,
		},
		Host: HostConfig{
			Enabled:  true,
			Interval: Duration(10 * time.Second),
		},
	}
}

// Load builds the configuration: defaults, then the YAML file, then
// the .env file next to it, then PMI_ environment variables. An empty
// path searches DefaultConfigPaths.
func Load(path string) (*Config, error) {
	cfg := Default()

	resolved := resolvePath(path)
	if resolved != "" {
		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", resolved, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", resolved, err)
		}
		cfg.ConfigPath = resolved
		log.Info().Str("path", resolved).Msg("Loaded configuration file")
	} else if path != "" {
		return nil, fmt.Errorf("config file %s not found", path)
	}

	loadDotEnv(cfg)
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func resolvePath(path string) string {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return filepath.Clean(path)
		}
		return ""
	}
	for _, candidate := range DefaultConfigPaths {
		if _, err := os.Stat(candidate); err == nil {
			return filepath.Clean(candidate)
		}
	}
	return ""
}

// loadDotEnv reads a .env file next to the config file (or the working
// directory) into the process environment without overriding variables
// that are already set.
func loadDotEnv(cfg *Config) {
	dir := "."
	if cfg.ConfigPath != "" {
		dir = filepath.Dir(cfg.ConfigPath)
	}
	envPath := filepath.Join(dir, ".env")
	if _, err := os.Stat(envPath); err != nil {
		return
	}
	if err := godotenv.Load(envPath); err != nil {
		log.Warn().Err(err).Str("path", envPath).Msg("Failed to load .env file")
		return
	}
	log.Debug().Str("path", envPath).Msg("Loaded .env file")
}

func applyEnv(cfg *Config) {
	if val := getenv("SERVER_HOST"); val != "" {
		cfg.Server.Host = val
	}
	if val := getenv("SERVER_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.Server.Port = port
		}
	}
	if val := getenv("ALLOWED_ORIGINS"); val != "" {
		cfg.Server.AllowedOrigins = splitList(val)
	}
	if val := getenv("METRICS_ENABLED"); val != "" {
		cfg.Metrics.Enabled = parseBool(val)
	}
	if val := getenv("METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.Metrics.Port = port
		}
	}
	if val := getenv("LOG_LEVEL"); val != "" {
		cfg.Logging.Level = strings.ToLower(val)
	}
	if val := getenv("LOG_FORMAT"); val != "" {
		cfg.Logging.Format = strings.ToLower(val)
	}
	if val := getenv("LOG_FILE"); val != "" {
		cfg.Logging.File = val
	}
	if val := getenv("FETCH_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Engine.FetchTimeout = Duration(d)
		}
	}
	if val := getenv("FAILURE_THRESHOLD"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Engine.FailureThreshold = n
		}
	}
	if val := getenv("MOCK_MODE"); val != "" {
		cfg.MockMode = parseBool(val)
	}
}

func getenv(key string) string {
	return strings.TrimSpace(os.Getenv(EnvPrefix + key))
}

func parseBool(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func splitList(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Validate checks the configuration and clamps out-of-range values to
// usable defaults rather than failing where a safe fallback exists.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port %d", c.Metrics.Port)
	}

	def := Default().Engine
	if c.Engine.FailureThreshold <= 0 {
		c.Engine.FailureThreshold = def.FailureThreshold
	}
	if c.Engine.MaxBackoffMultiplier < 1 {
		c.Engine.MaxBackoffMultiplier = def.MaxBackoffMultiplier
	}
	if c.Engine.StopAfterFailures < 0 {
		c.Engine.StopAfterFailures = 2 * c.Engine.FailureThreshold
	}
	if c.Engine.FetchTimeout <= 0 {
		c.Engine.FetchTimeout = def.FetchTimeout
	}
	if c.Engine.StalenessWindow <= 0 {
		c.Engine.StalenessWindow = def.StalenessWindow
	}
	if c.Engine.SignificanceThreshold <= 0 || c.Engine.SignificanceThreshold > 1 {
		c.Engine.SignificanceThreshold = def.SignificanceThreshold
	}

	seen := make(map[string]bool)
	for i := range c.PVE {
		inst := &c.PVE[i]
		if inst.Name == "" {
			return fmt.Errorf("pve instance %d: name is required", i)
		}
		if seen[inst.Name] {
			return fmt.Errorf("duplicate pve instance name %q", inst.Name)
		}
		seen[inst.Name] = true
		if inst.Host == "" {
			return fmt.Errorf("pve instance %q: host is required", inst.Name)
		}
		if inst.TokenName == "" || inst.TokenValue == "" {
			return fmt.Errorf("pve instance %q: token_name and token_value are required", inst.Name)
		}
		if inst.NodeInterval <= 0 {
			inst.NodeInterval = Duration(10 * time.Second)
		}
		if inst.GuestInterval <= 0 {
			inst.GuestInterval = Duration(15 * time.Second)
		}
	}

	seen = make(map[string]bool)
	for i := range c.Acronis {
		inst := &c.Acronis[i]
		if inst.Name == "" {
			return fmt.Errorf("acronis instance %d: name is required", i)
		}
		if seen[inst.Name] {
			return fmt.Errorf("duplicate acronis instance name %q", inst.Name)
		}
		seen[inst.Name] = true
		if inst.Host == "" {
			return fmt.Errorf("acronis instance %q: host is required", inst.Name)
		}
		if inst.ClientID == "" || inst.ClientSecret == "" {
			return fmt.Errorf("acronis instance %q: client_id and client_secret are required", inst.Name)
		}
		if inst.AgentInterval <= 0 {
			inst.AgentInterval = Duration(30 * time.Second)
		}
	}

	defNW := Default().Netwatch
	if c.Netwatch.Interval <= 0 {
		c.Netwatch.Interval = defNW.Interval
	}
	if c.Netwatch.Timeout <= 0 {
		c.Netwatch.Timeout = defNW.Timeout
	}
	if c.Netwatch.FailureThreshold <= 0 {
		c.Netwatch.FailureThreshold = defNW.FailureThreshold
	}

	if c.Host.Enabled && c.Host.Interval <= 0 {
		c.Host.Interval = Duration(10 * time.Second)
	}
	return nil
}
