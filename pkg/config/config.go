package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

const (
	envConfigPath = "RELAYGATE_CONFIG"

	envTelegramBotToken  = "TELEGRAM_BOT_TOKEN"
	envTelegramAllowFrom = "TELEGRAM_ALLOW_FROM"
	envDiscordBotToken   = "DISCORD_BOT_TOKEN"
	envDiscordAllowFrom  = "DISCORD_ALLOW_FROM"
	envWhatsAppBridgeURL = "WHATSAPP_BRIDGE_URL"
	envWhatsAppAllowFrom = "WHATSAPP_ALLOW_FROM"

	homeConfigDir = ".relaygate"
)

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	Agents    AgentsConfig    `json:"agents"`
	Channels  ChannelsConfig  `json:"channels"`
	Providers ProvidersConfig `json:"providers"`
	Bus       BusConfig       `json:"bus"`
	Gateway   GatewayConfig   `json:"gateway"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity. Output
// is "stderr" (default) or "stdout".
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
	Output    string `json:"output,omitempty"`
}

// AgentsConfig contains defaults for the reply producer behind the bus.
type AgentsConfig struct {
	Defaults AgentDefaults `json:"defaults"`
}

// AgentDefaults selects the provider and model used to answer inbound messages.
//
// SystemPrompt, MaxTokens and Temperature apply to the openai and fantasy
// providers; MaxHistoryMessages only to fantasy, which keeps history locally.
type AgentDefaults struct {
	Provider           string  `json:"provider"`
	Model              string  `json:"model"`
	SystemPrompt       string  `json:"system_prompt,omitempty"`
	MaxTokens          int     `json:"max_tokens,omitempty"`
	Temperature        float64 `json:"temperature,omitempty"`
	MaxHistoryMessages int     `json:"max_history_messages,omitempty"`
}

// ProvidersConfig stores per-provider connection settings.
type ProvidersConfig struct {
	OpenAI   OpenAIProviderConfig   `json:"openai"`
	OpenCode OpenCodeProviderConfig `json:"opencode"`
}

// OpenCodeProviderConfig configures the opencode server client. The password
// is read from the environment variable named by PasswordEnv.
type OpenCodeProviderConfig struct {
	BaseURL               string `json:"base_url"`
	Username              string `json:"username"`
	PasswordEnv           string `json:"password_env"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
}

// OpenAIProviderConfig configures the OpenAI provider client.
type OpenAIProviderConfig struct {
	APIKeyEnv             string `json:"api_key_env"`
	BaseURL               string `json:"base_url"`
	Organization          string `json:"organization"`
	Project               string `json:"project"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
}

// BusConfig bounds the message bus queues. Zero capacity means unbounded.
type BusConfig struct {
	Capacity int `json:"capacity"`
}

// ChannelsConfig stores one entry per supported chat network.
type ChannelsConfig struct {
	Telegram ChannelConfig `json:"telegram"`
	Discord  ChannelConfig `json:"discord"`
	WhatsApp ChannelConfig `json:"whatsapp"`
}

// ChannelConfig configures a single channel adapter.
//
// Extra holds adapter-specific settings such as the bridge URL or the
// gateway intents bitmask.
type ChannelConfig struct {
	Enabled   bool           `json:"enabled"`
	Token     string         `json:"token"`
	AllowFrom []string       `json:"allow_from"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// ByName returns the channel entry for name.
func (c ChannelsConfig) ByName(name string) (ChannelConfig, bool) {
	switch name {
	case "telegram":
		return c.Telegram, true
	case "discord":
		return c.Discord, true
	case "whatsapp":
		return c.WhatsApp, true
	default:
		return ChannelConfig{}, false
	}
}

// GatewayConfig configures the status server bind settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// LoadConfig resolves config.json, unmarshals it, and applies environment overrides.
func LoadConfig() (*Config, error) {
	cfg, _, err := LoadConfigWithPath()
	return cfg, err
}

// LoadConfigWithPath is LoadConfig that also reports which file was used.
// The path is empty when no file exists and defaults were applied.
func LoadConfigWithPath() (*Config, string, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, "", err
	}

	var cfg Config
	if configPath != "" {
		content, err := os.ReadFile(configPath)
		if err != nil {
			return nil, "", fmt.Errorf("read config file: %w", err)
		}

		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, "", fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}

	return &cfg, configPath, nil
}

// Validate rejects values that cannot be corrected by defaults.
func (c *Config) Validate() error {
	if c.Agents.Defaults.MaxTokens < 0 {
		return errors.New("agents.defaults.max_tokens must not be negative")
	}
	if c.Bus.Capacity < 0 {
		return errors.New("bus.capacity must not be negative")
	}
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port %d is out of range", c.Gateway.Port)
	}

	return nil
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if token := strings.TrimSpace(os.Getenv(envTelegramBotToken)); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if rawAllowFrom := strings.TrimSpace(os.Getenv(envTelegramAllowFrom)); rawAllowFrom != "" {
		cfg.Channels.Telegram.AllowFrom = parseCSV(rawAllowFrom)
	}

	if token := strings.TrimSpace(os.Getenv(envDiscordBotToken)); token != "" {
		cfg.Channels.Discord.Token = token
	}
	if rawAllowFrom := strings.TrimSpace(os.Getenv(envDiscordAllowFrom)); rawAllowFrom != "" {
		cfg.Channels.Discord.AllowFrom = parseCSV(rawAllowFrom)
	}

	if bridgeURL := strings.TrimSpace(os.Getenv(envWhatsAppBridgeURL)); bridgeURL != "" {
		if cfg.Channels.WhatsApp.Extra == nil {
			cfg.Channels.WhatsApp.Extra = map[string]any{}
		}
		cfg.Channels.WhatsApp.Extra["bridge_url"] = bridgeURL
	}
	if rawAllowFrom := strings.TrimSpace(os.Getenv(envWhatsAppAllowFrom)); rawAllowFrom != "" {
		cfg.Channels.WhatsApp.AllowFrom = parseCSV(rawAllowFrom)
	}
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is RELAYGATE_CONFIG first, then cwd-local paths, then
// ~/.relaygate/config.json. An empty path with a nil error means no file was
// found and defaults apply.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, homeConfigDir, "config.json"))
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", nil
}
