package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nanobot-ai/nanobot/internal/agent"
	"github.com/nanobot-ai/nanobot/internal/bootstrap"
	"github.com/nanobot-ai/nanobot/internal/bus"
	"github.com/nanobot-ai/nanobot/internal/channels"
	"github.com/nanobot-ai/nanobot/internal/channels/discord"
	"github.com/nanobot-ai/nanobot/internal/channels/telegram"
	"github.com/nanobot-ai/nanobot/internal/channels/web"
	"github.com/nanobot-ai/nanobot/internal/config"
	"github.com/nanobot-ai/nanobot/internal/cron"
	"github.com/nanobot-ai/nanobot/internal/mcp"
	"github.com/nanobot-ai/nanobot/internal/memory"
	"github.com/nanobot-ai/nanobot/internal/providers"
	"github.com/nanobot-ai/nanobot/internal/sessions"
	"github.com/nanobot-ai/nanobot/internal/skills"
	"github.com/nanobot-ai/nanobot/internal/tools"
	"github.com/nanobot-ai/nanobot/internal/tracing"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the agent gateway with all enabled channels",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("config load failed", "path", resolveConfigPath(), "error", err)
		fmt.Fprintln(os.Stderr, "Run `nanobot onboard` to create a configuration.")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry init failed, continuing without export", "error", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer rt.close()

	manager := channels.NewManager(rt.bus)
	if cfg.Channels.CLI.Enabled {
		manager.Register(channels.NewCLIChannel(rt.bus))
	}
	if cfg.Channels.Web.Enabled {
		manager.Register(web.New(cfg.Channels.Web, rt.bus))
	}
	if cfg.Channels.Discord.Enabled {
		if ch, err := discord.New(cfg.Channels.Discord, rt.bus); err != nil {
			slog.Error("discord channel init failed", "error", err)
		} else {
			manager.Register(ch)
		}
	}
	if cfg.Channels.Telegram.Enabled {
		if ch, err := telegram.New(cfg.Channels.Telegram, rt.bus); err != nil {
			slog.Error("telegram channel init failed", "error", err)
		} else {
			manager.Register(ch)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rt.loop.Run(gctx)
		return nil
	})
	g.Go(func() error {
		rt.cron.Run(gctx)
		return nil
	})

	if err := manager.StartAll(gctx); err != nil {
		slog.Error("channel startup failed", "error", err)
	}

	slog.Info("nanobot running", "workspace", rt.workspace, "version", Version)
	_ = g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = manager.StopAll(stopCtx)
}

// runtime bundles the core collaborators shared by `run` and `chat`.
type runtime struct {
	bus       *bus.MessageBus
	loop      *agent.Loop
	cron      *cron.Service
	mcp       *mcp.Manager
	workspace string
}

func (rt *runtime) close() {
	if rt.mcp != nil {
		rt.mcp.Stop()
	}
}

// buildRuntime wires config → stores → provider → tools → agent loop.
func buildRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	workspace := cfg.WorkspacePath()
	if _, err := bootstrap.EnsureWorkspace(workspace); err != nil {
		return nil, fmt.Errorf("prepare workspace: %w", err)
	}

	store, err := sessions.NewStore(config.SessionsDir())
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	mem := memory.NewStore(workspace)
	if err := mem.EnsureLayout(); err != nil {
		return nil, fmt.Errorf("prepare memory layout: %w", err)
	}

	loader := skills.NewLoader(workspace, filepath.Join(config.StateDir(), "skills"))
	if err := loader.Watch(ctx); err != nil {
		slog.Warn("skill watcher unavailable", "error", err)
	}

	providerName, pc := cfg.ActiveProvider()
	if pc.APIKey == "" {
		return nil, fmt.Errorf("provider %q has no API key configured", providerName)
	}
	provider := providers.NewOpenAIProvider(providerName, pc.APIKey, pc.APIBase, cfg.Agents.Defaults.Model, providers.Options{
		APIType:      pc.APIType,
		SessionMode:  pc.SessionMode,
		ExtraHeaders: pc.ExtraHeaders,
		Proxy:        pc.Proxy,
		DropParams:   pc.DropParams,
	})

	msgBus := bus.NewMessageBus()

	cronSvc, err := cron.NewService(config.CronDir(), msgBus)
	if err != nil {
		return nil, fmt.Errorf("open cron store: %w", err)
	}

	registry := tools.NewRegistry()
	restrict := cfg.Tools.RestrictToWorkspace
	registry.Register(tools.NewReadFileTool(workspace, restrict))
	registry.Register(tools.NewWriteFileTool(workspace, restrict))
	registry.Register(tools.NewListDirTool(workspace, restrict))
	registry.Register(tools.NewExecTool(workspace, restrict, time.Duration(cfg.Tools.Exec.Timeout)*time.Second))
	registry.Register(tools.NewWebSearchTool(tools.WebSearchConfig{
		Provider:          cfg.Tools.Web.Search.Provider,
		FallbackProviders: cfg.Tools.Web.Search.FallbackProviders,
		APIKey:            cfg.Tools.Web.Search.APIKey,
		MaxResults:        cfg.Tools.Web.Search.MaxResults,
		Timeout:           time.Duration(cfg.Tools.Web.Search.TimeoutSeconds) * time.Second,
	}))
	registry.Register(tools.NewWebFetchTool())
	registry.Register(tools.NewMessageTool(msgBus))
	registry.Register(tools.NewCronTool(cronSvc))

	loop := agent.New(agent.Config{
		Bus:       msgBus,
		Sessions:  store,
		Memory:    mem,
		Skills:    loader,
		Registry:  registry,
		Provider:  provider,
		Workspace: workspace,
		Defaults:  cfg.Agents.Defaults,
	})
	registry.Register(tools.NewSpawnTool(msgBus, loop))

	mcpManager := mcp.NewManager(registry, cfg.MCP)
	mcpManager.Start(ctx)

	return &runtime{
		bus:       msgBus,
		loop:      loop,
		cron:      cronSvc,
		mcp:       mcpManager,
		workspace: workspace,
	}, nil
}
