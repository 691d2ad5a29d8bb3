package config

import (
	"os"
	"path/filepath"
	"strings"
)

// Config is the root configuration for the nanobot runtime.
type Config struct {
	Agents    AgentsConfig              `json:"agents"`
	Channels  ChannelsConfig            `json:"channels"`
	Providers map[string]ProviderConfig `json:"providers"`
	Tools     ToolsConfig               `json:"tools"`
	MCP       MCPConfig                 `json:"mcp,omitempty"`
	Telemetry TelemetryConfig           `json:"telemetry,omitempty"`
}

// AgentsConfig contains agent defaults.
type AgentsConfig struct {
	Defaults AgentDefaults `json:"defaults"`
}

// AgentDefaults are the settings for the single resident agent.
type AgentDefaults struct {
	Workspace          string        `json:"workspace"`
	Provider           string        `json:"provider"`
	Model              string        `json:"model"`
	MaxTokens          int           `json:"max_tokens"`
	Temperature        float64       `json:"temperature"`
	MaxToolIterations  int           `json:"max_tool_iterations"`
	Stream             bool          `json:"stream"`
	StreamMinChars     int           `json:"stream_min_chars"`
	StreamMinIntervalS float64       `json:"stream_min_interval_s"`
	Context            ContextConfig `json:"context"`
	MaxSkills          int           `json:"max_skills,omitempty"`
}

// ContextConfig tunes the context manager.
type ContextConfig struct {
	WindowTokens             int     `json:"window_tokens"`
	ReserveTokens            int     `json:"reserve_tokens"`
	SummarizeThreshold       float64 `json:"summarize_threshold"`
	HardLimitThreshold       float64 `json:"hard_limit_threshold"`
	RecentMessages           int     `json:"recent_messages"`
	MinRecentMessages        int     `json:"min_recent_messages"`
	SummaryMaxTokens         int     `json:"summary_max_tokens"`
	SummaryModel             string  `json:"summary_model,omitempty"`
	EnableNativeSession      bool    `json:"enable_native_session"`
	SkillToolRoundLimit      int     `json:"skill_tool_round_limit"`
	SkillToolStagnationLimit int     `json:"skill_tool_stagnation_limit"`
}

// ProviderConfig configures one LLM provider endpoint.
type ProviderConfig struct {
	APIKey       string            `json:"api_key"`
	APIBase      string            `json:"api_base,omitempty"`
	APIType      string            `json:"api_type,omitempty"`     // "openai" (default), "responses"
	SessionMode  string            `json:"session_mode,omitempty"` // "native", "stateless", "auto"
	ExtraHeaders map[string]string `json:"extra_headers,omitempty"`
	Proxy        string            `json:"proxy,omitempty"`
	DropParams   []string          `json:"drop_params,omitempty"`
}

// ChannelsConfig configures channel adapters.
type ChannelsConfig struct {
	CLI      CLIChannelConfig      `json:"cli,omitempty"`
	Web      WebChannelConfig      `json:"web,omitempty"`
	Discord  DiscordChannelConfig  `json:"discord,omitempty"`
	Telegram TelegramChannelConfig `json:"telegram,omitempty"`
}

type CLIChannelConfig struct {
	Enabled bool `json:"enabled,omitempty"`
}

type WebChannelConfig struct {
	Enabled      bool   `json:"enabled,omitempty"`
	Host         string `json:"host,omitempty"`
	Port         int    `json:"port,omitempty"`
	UploadDir    string `json:"upload_dir,omitempty"`
	RateLimitRPM int    `json:"rate_limit_rpm,omitempty"` // per-chat, 429 beyond
}

type DiscordChannelConfig struct {
	Enabled    bool     `json:"enabled,omitempty"`
	Token      string   `json:"-"` // env NANOBOT_DISCORD_TOKEN only
	AllowGuild []string `json:"allow_guilds,omitempty"`
}

type TelegramChannelConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Token   string `json:"-"` // env NANOBOT_TELEGRAM_TOKEN only
}

// ToolsConfig configures built-in tools.
type ToolsConfig struct {
	Web                 WebToolsConfig `json:"web"`
	Exec                ExecConfig     `json:"exec"`
	RestrictToWorkspace bool           `json:"restrict_to_workspace"`
}

type WebToolsConfig struct {
	Search WebSearchConfig `json:"search"`
}

type WebSearchConfig struct {
	Provider          string   `json:"provider,omitempty"` // "brave" or "duckduckgo"
	FallbackProviders []string `json:"fallback_providers,omitempty"`
	APIKey            string   `json:"api_key,omitempty"`
	MaxResults        int      `json:"max_results,omitempty"`
	TimeoutSeconds    int      `json:"timeout_seconds,omitempty"`
}

type ExecConfig struct {
	Timeout int `json:"timeout,omitempty"` // seconds, per-exec overridable
}

// MCPConfig lists external MCP servers contributing tools.
type MCPConfig struct {
	Servers map[string]MCPServerConfig `json:"servers,omitempty"`
}

type MCPServerConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// StateDir returns the nanobot state directory (~/.nanobot).
func StateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".nanobot"
	}
	return filepath.Join(home, ".nanobot")
}

// SessionsDir returns the session storage directory.
func SessionsDir() string { return filepath.Join(StateDir(), "sessions") }

// CronDir returns the cron job storage directory.
func CronDir() string { return filepath.Join(StateDir(), "cron") }

// ExpandHome resolves a leading "~/" against the user home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// WorkspacePath returns the agent workspace with ~ expanded.
func (c *Config) WorkspacePath() string {
	return ExpandHome(c.Agents.Defaults.Workspace)
}

// ActiveProvider returns the configured provider name and its settings.
func (c *Config) ActiveProvider() (string, ProviderConfig) {
	name := c.Agents.Defaults.Provider
	return name, c.Providers[name]
}
