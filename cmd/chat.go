package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nanobot-ai/nanobot/internal/channels"
)

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent in the terminal",
		Run: func(cmd *cobra.Command, args []string) {
			runChat()
		},
	}
}

func runChat() {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("config load failed", "path", resolveConfigPath(), "error", err)
		fmt.Fprintln(os.Stderr, "Run `nanobot onboard` to create a configuration.")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer rt.close()

	printBanner(cfg.Agents.Defaults.Model, rt.workspace)

	cli := channels.NewCLIChannel(rt.bus)
	manager := channels.NewManager(rt.bus)
	manager.Register(cli)

	go rt.loop.Run(ctx)
	go rt.cron.Run(ctx)
	if err := manager.StartAll(ctx); err != nil {
		slog.Error("channel startup failed", "error", err)
		os.Exit(1)
	}

	select {
	case <-ctx.Done():
	case <-cli.Done():
	}
	_ = manager.StopAll(context.Background())
}

// printBanner draws a width-aware box so CJK model names line up.
func printBanner(model, workspace string) {
	lines := []string{
		"nanobot " + Version,
		"model: " + model,
		"workspace: " + workspace,
		"/new starts a fresh session, /quit exits",
	}
	width := 0
	for _, l := range lines {
		if w := runewidth.StringWidth(l); w > width {
			width = w
		}
	}
	fmt.Println("┌" + strings.Repeat("─", width+2) + "┐")
	for _, l := range lines {
		pad := width - runewidth.StringWidth(l)
		fmt.Println("│ " + l + strings.Repeat(" ", pad) + " │")
	}
	fmt.Println("└" + strings.Repeat("─", width+2) + "┘")
}
