package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Workspace:          "~/.nanobot/workspace",
				Provider:           "openai",
				Model:              "gpt-5-mini",
				MaxTokens:          8192,
				Temperature:        0.7,
				MaxToolIterations:  20,
				Stream:             true,
				StreamMinChars:     80,
				StreamMinIntervalS: 0.5,
				MaxSkills:          3,
				Context: ContextConfig{
					WindowTokens:             200000,
					ReserveTokens:            20000,
					SummarizeThreshold:       0.6,
					HardLimitThreshold:       0.9,
					RecentMessages:           20,
					MinRecentMessages:        4,
					SummaryMaxTokens:         1024,
					EnableNativeSession:      true,
					SkillToolRoundLimit:      0,
					SkillToolStagnationLimit: 0,
				},
			},
		},
		Providers: map[string]ProviderConfig{},
		Channels: ChannelsConfig{
			CLI: CLIChannelConfig{Enabled: true},
			Web: WebChannelConfig{
				Host:         "127.0.0.1",
				Port:         18790,
				RateLimitRPM: 20,
			},
		},
		Tools: ToolsConfig{
			Web: WebToolsConfig{
				Search: WebSearchConfig{
					Provider:          "duckduckgo",
					FallbackProviders: nil,
					MaxResults:        5,
					TimeoutSeconds:    30,
				},
			},
			Exec:                ExecConfig{Timeout: 60},
			RestrictToWorkspace: true,
		},
	}
}

// DefaultPath returns the standard config file location (~/.nanobot/config.json).
func DefaultPath() string {
	return filepath.Join(StateDir(), "config.json")
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields defaults, not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the config to path as indented JSON (valid JSON5).
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// applyEnvOverrides overlays secrets from the environment.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	for name, pc := range c.Providers {
		key := "NANOBOT_" + envKey(name) + "_API_KEY"
		envStr(key, &pc.APIKey)
		c.Providers[name] = pc
	}

	envStr("NANOBOT_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("NANOBOT_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("NANOBOT_BRAVE_API_KEY", &c.Tools.Web.Search.APIKey)

	// Auto-enable channels when credentials arrive via env
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
}

func envKey(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
			out = append(out, r-'a'+'A')
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
