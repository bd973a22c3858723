// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ashureev/webpresence/internal/presence"
	"github.com/ashureev/webpresence/internal/retry"
)

// DefaultClientID is the Discord application registered for WebPresence.
const DefaultClientID = "1370122815273046117"

// Config holds all application configuration.
type Config struct {
	Port           string
	DBPath         string
	GRPCHealthAddr string
	AllowedOrigins []string
	Discord        DiscordConfig
	Relay          RelayConfig
	Agent          AgentConfig
	Logging        LoggingConfig
	Branding       presence.Branding
	BrandingPath   string
}

// DiscordConfig controls the presence service connection.
type DiscordConfig struct {
	ClientID             string
	MaxReconnectAttempts int
	ReconnectCap         time.Duration
	LongDelay            time.Duration
	CallTimeout          time.Duration
}

// RelayConfig controls agent bookkeeping on the relay.
type RelayConfig struct {
	ActivityTimeout       time.Duration
	InactiveCheckInterval time.Duration
}

// AgentConfig controls the agent side of the link.
type AgentConfig struct {
	RelayURL          string
	HeartbeatInterval time.Duration
	StatePath         string
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string
	Format string
}

// Load reads configuration from environment variables and the optional
// branding file named by WEBPRESENCE_CONFIG.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "3000"),
		DBPath:         getEnv("DB_PATH", defaultDataPath("webpresence.db")),
		GRPCHealthAddr: getEnv("GRPC_HEALTH_ADDR", ""),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"chrome-extension://*", "moz-extension://*", "http://localhost:*", "http://127.0.0.1:*"}),
		Discord: DiscordConfig{
			ClientID:             getEnv("DISCORD_CLIENT_ID", DefaultClientID),
			MaxReconnectAttempts: getEnvInt("DISCORD_MAX_RECONNECT_ATTEMPTS", retry.DefaultMaxAttempts),
			ReconnectCap:         getEnvDuration("DISCORD_RECONNECT_CAP", retry.DefaultCap),
			LongDelay:            getEnvDuration("DISCORD_RECONNECT_LONG_DELAY", retry.DefaultLongDelay),
			CallTimeout:          getEnvDuration("DISCORD_CALL_TIMEOUT", 5*time.Second),
		},
		Relay: RelayConfig{
			ActivityTimeout:       getEnvDuration("ACTIVITY_TIMEOUT", 45*time.Second),
			InactiveCheckInterval: getEnvDuration("INACTIVE_CHECK_INTERVAL", 15*time.Second),
		},
		Agent: AgentConfig{
			RelayURL:          getEnv("RELAY_URL", "ws://localhost:3000"),
			HeartbeatInterval: getEnvDuration("AGENT_HEARTBEAT_INTERVAL", 45*time.Second),
			StatePath:         getEnv("AGENT_STATE_PATH", defaultDataPath("agent-state.yaml")),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Branding:     DefaultBranding(),
		BrandingPath: getEnv("WEBPRESENCE_CONFIG", ""),
	}

	if cfg.BrandingPath != "" {
		b, err := LoadBranding(cfg.BrandingPath)
		if err != nil {
			return nil, err
		}
		cfg.Branding = b
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Discord.ClientID == "" {
		return fmt.Errorf("DISCORD_CLIENT_ID cannot be empty")
	}
	if c.Discord.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("DISCORD_MAX_RECONNECT_ATTEMPTS must be > 0")
	}
	if c.Discord.ReconnectCap <= 0 || c.Discord.LongDelay <= 0 || c.Discord.CallTimeout <= 0 {
		return fmt.Errorf("discord timeouts must be > 0")
	}
	if c.Relay.ActivityTimeout <= 0 {
		return fmt.Errorf("ACTIVITY_TIMEOUT must be > 0")
	}
	if c.Relay.InactiveCheckInterval <= 0 {
		return fmt.Errorf("INACTIVE_CHECK_INTERVAL must be > 0")
	}
	if c.Agent.HeartbeatInterval <= 0 {
		return fmt.Errorf("AGENT_HEARTBEAT_INTERVAL must be > 0")
	}
	if !strings.HasPrefix(c.Agent.RelayURL, "ws://") && !strings.HasPrefix(c.Agent.RelayURL, "wss://") {
		return fmt.Errorf("RELAY_URL must be a ws:// or wss:// URL")
	}
	if len(c.Branding.Buttons) > 2 {
		return fmt.Errorf("at most 2 buttons are supported, got %d", len(c.Branding.Buttons))
	}
	return nil
}

// RetryPolicy returns the reconnect policy for the presence service.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		Base:        retry.DefaultBase,
		Cap:         c.Discord.ReconnectCap,
		MaxAttempts: c.Discord.MaxReconnectAttempts,
		LongDelay:   c.Discord.LongDelay,
	}
}

// HTTPAddr returns the relay listen address.
func (c *Config) HTTPAddr() string {
	return ":" + c.Port
}

// DefaultAPIURL is the control API of a relay running on this machine.
func DefaultAPIURL() string {
	return "http://localhost:" + getEnv("PORT", "3000")
}

// DefaultBranding returns the branding used without a config file.
func DefaultBranding() presence.Branding {
	return presence.Branding{
		StateText:     "via WebPresence",
		LargeImageKey: "web",
	}
}

type brandingFile struct {
	Branding presence.Branding `yaml:"branding"`
}

// LoadBranding reads the branding section of a YAML file. ${VAR} references
// are expanded from the environment; unset fields keep their defaults.
func LoadBranding(path string) (presence.Branding, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return presence.Branding{}, fmt.Errorf("reading config file: %w", err)
	}

	f := brandingFile{Branding: DefaultBranding()}
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &f); err != nil {
		return presence.Branding{}, fmt.Errorf("parsing config file: %w", err)
	}
	return f.Branding, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the environment value, or "" when unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func defaultDataPath(name string) string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", "data", name)
	}
	return filepath.Join(dir, "webpresence", name)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("30s") or plain milliseconds ("30000").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
