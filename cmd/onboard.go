package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nanobot-ai/nanobot/internal/bootstrap"
	"github.com/nanobot-ai/nanobot/internal/config"
)

// modelHints maps provider names to a sensible default model.
var modelHints = map[string]string{
	"openai":     "gpt-4.1",
	"openrouter": "anthropic/claude-sonnet-4",
	"deepseek":   "deepseek-chat",
	"groq":       "llama-3.3-70b-versatile",
}

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-run setup",
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runOnboard())
		},
	}
}

func runOnboard() int {
	cfgPath := resolveConfigPath()
	cfg := config.Default()

	provider := "openai"
	apiKey := ""
	model := ""
	workspace := cfg.Agents.Defaults.Workspace
	enableWeb := true

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("LLM provider").
				Options(huh.NewOptions("openai", "openrouter", "deepseek", "groq")...).
				Value(&provider),
			huh.NewInput().
				Title("API key").
				EchoMode(huh.EchoModePassword).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("an API key is required")
					}
					return nil
				}).
				Value(&apiKey),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Model").
				Description("Leave empty for the provider default").
				Value(&model),
			huh.NewInput().
				Title("Workspace directory").
				Value(&workspace),
			huh.NewConfirm().
				Title("Enable the web channel (browser PWA)?").
				Value(&enableWeb),
		),
	)

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("Onboarding cancelled.")
			return 2
		}
		slog.Error("onboarding form failed", "error", err)
		return 1
	}

	if strings.TrimSpace(workspace) == "" {
		fmt.Fprintln(os.Stderr, "Workspace directory cannot be empty.")
		return 2
	}
	if model == "" {
		model = modelHints[provider]
	}

	cfg.Agents.Defaults.Provider = provider
	cfg.Agents.Defaults.Model = model
	cfg.Agents.Defaults.Workspace = workspace
	cfg.Providers[provider] = config.ProviderConfig{APIKey: apiKey}
	cfg.Channels.CLI.Enabled = true
	cfg.Channels.Web.Enabled = enableWeb

	if err := config.Save(cfg, cfgPath); err != nil {
		slog.Error("config write failed", "path", cfgPath, "error", err)
		return 1
	}

	seeded, err := bootstrap.EnsureWorkspace(config.ExpandHome(workspace))
	if err != nil {
		slog.Error("workspace setup failed", "error", err)
		return 1
	}

	fmt.Println("Configuration written to", cfgPath)
	if len(seeded) > 0 {
		fmt.Println("Seeded workspace files:", strings.Join(seeded, ", "))
	}
	fmt.Println("Next: `nanobot chat` for a local session, or `nanobot run` to start all channels.")
	return 0
}
