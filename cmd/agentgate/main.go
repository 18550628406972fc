// Command agentgate is the multi-channel AI-agent gateway: it accepts
// prompts from chat channels and the control-plane HTTP API, runs them
// against a configured engine, and delivers answers back out.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nugget/agentgate/internal/abortsignal"
	"github.com/nugget/agentgate/internal/agentevent"
	"github.com/nugget/agentgate/internal/buildinfo"
	"github.com/nugget/agentgate/internal/channels"
	"github.com/nugget/agentgate/internal/channels/sms"
	"github.com/nugget/agentgate/internal/channels/telegram"
	"github.com/nugget/agentgate/internal/config"
	"github.com/nugget/agentgate/internal/controlplane"
	"github.com/nugget/agentgate/internal/engine"
	"github.com/nugget/agentgate/internal/events"
	"github.com/nugget/agentgate/internal/inbound"
	"github.com/nugget/agentgate/internal/llm"
	"github.com/nugget/agentgate/internal/orchestrator"
	"github.com/nugget/agentgate/internal/outbound"
	"github.com/nugget/agentgate/internal/runbus"
	"github.com/nugget/agentgate/internal/runfanout"
	"github.com/nugget/agentgate/internal/sessionkey"
	"github.com/nugget/agentgate/internal/store"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "serve":
			runServe(logger, *configPath)
		case "submit":
			if flag.NArg() < 3 {
				fmt.Fprintln(os.Stderr, "usage: agentgate submit <session_key> <prompt>")
				os.Exit(1)
			}
			runSubmit(logger, *configPath, flag.Arg(1), flag.Arg(2))
		case "version":
			fmt.Println(buildinfo.String())
			for k, v := range buildinfo.Info() {
				fmt.Printf("  %-12s %s\n", k+":", v)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
		return
	}

	fmt.Println("agentgate - multi-channel AI-agent gateway")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Start the gateway (channels + control plane)")
	fmt.Println("  submit   Submit a single prompt to a session (for testing)")
	fmt.Println("  version  Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func loadConfig(logger *slog.Logger, configPath string) *config.Config {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	logger.Info("config loaded", "path", cfgPath, "port", cfg.Listen.Port, "default_engine", cfg.Engines.Default)
	return cfg
}

// gateway bundles every component runServe and runSubmit both need, so
// the two entry points build an identical core and differ only in what
// they drive it with.
type gateway struct {
	store *store.Store
	orch  *orchestrator.Orchestrator
	inb   *inbound.Router
	cp    *controlplane.Server

	telegramChannel *telegram.Channel
}

func buildGateway(logger *slog.Logger, cfg *config.Config) *gateway {
	dataDir := cfg.DataDir
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		logger.Error("failed to create data directory", "path", dataDir, "error", err)
		os.Exit(1)
	}

	st, err := store.Open(filepath.Join(dataDir, "agentgate.db"))
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	llmRouter := buildProviderRouter(logger, cfg)
	contextWindows := make(map[string]int, len(cfg.Engines.Registry))
	for name, e := range cfg.Engines.Registry {
		contextWindows[name] = e.ContextWindow
	}
	chatEngine := engine.NewChatEngine(llmRouter, cfg.Engines.Default, contextWindows)

	bus := runbus.New()
	fanout := runfanout.New()
	eventBus := events.New()
	abort := abortsignal.NewTable()

	var telegramChannel *telegram.Channel
	adapters := make(map[string]outbound.Adapter)
	prompters := make(map[string]channels.ConfirmPrompter)
	chunkLimits := make(map[string]int)

	// orch is assigned below, but the watchdog callback needs to call
	// back into it; declared here so the closure can capture it.
	var orch *orchestrator.Orchestrator

	if cfg.Telegram.Enabled {
		ch, err := telegram.New(telegram.Config{
			BotToken:   cfg.Telegram.BotToken,
			AllowedIDs: cfg.Telegram.AllowedIDs,
			OnWatchdogConfirm: func(runID string, keep bool) {
				orch.ConfirmWatchdog(runID, keep)
			},
			Logger: logger,
		})
		if err != nil {
			logger.Error("failed to start telegram channel", "error", err)
			os.Exit(1)
		}
		telegramChannel = ch
		adapters["telegram"] = ch
		prompters["telegram"] = ch
		chunkLimits["telegram"] = telegram.TextChunkLimit
	}

	if cfg.SMS.Enabled {
		ch := sms.New(sms.Config{
			WebhookURL: cfg.SMS.WebhookURL,
			AuthToken:  cfg.SMS.AuthToken,
			FromNumber: cfg.SMS.FromNumber,
			Logger:     logger,
		})
		adapters["sms"] = ch
		chunkLimits["sms"] = sms.TextChunkLimit
	}

	outboundMgr := outbound.NewManager(adapters, st, outbound.Config{
		ThrottleInterval:     msToDuration(cfg.Outbound.ThrottleMS),
		DeliverTimeout:       0,
		IdempotencyRetention: cfg.Outbound.IdempotencyRetention,
		MaxRateLimitRetries:  cfg.Outbound.MaxRateLimitRetries,
		MaxTransientRetries:  cfg.Outbound.MaxTransientRetries,
		MediaInterSendDelay:  msToDuration(cfg.Outbound.InterSendDelayMS),
		Logger:               logger,
	})
	channelRegistry := channels.NewRegistry(outboundMgr, prompters, chunkLimits)

	orch = orchestrator.New(orchestrator.Config{
		Store:          st,
		Bus:            bus,
		Fanout:         fanout,
		Events:         eventBus,
		Abort:          abort,
		Notifier:       channelRegistry,
		Channels:       channelRegistry,
		Logger:         logger,
		Engines:        map[string]engine.Engine{cfg.Engines.Default: chatEngine},
		DefaultEngine:  cfg.Engines.Default,
		IdleTimeout:    msToDuration(cfg.Watchdog.IdleTimeoutMS),
		ConfirmTimeout: msToDuration(cfg.Watchdog.ConfirmTimeoutMS),
		ReserveTokens:  cfg.Routing.ReserveTokens,
		TriggerRatio:   cfg.Routing.TriggerRatio,
	})

	fallback := inbound.Binding{AgentID: "default", QueueMode: agentevent.QueueCollect, EngineID: cfg.Engines.Default}
	bindings := inbound.NewBindingTable(fallback)
	router := inbound.New(inbound.Config{
		Store:     st,
		Bindings:  bindings,
		Submitter: orch,
		DedupeTTL: cfg.Routing.InboundDedupeTTL,
		Logger:    logger,
	})

	cp := controlplane.New(controlplane.Config{
		Address:  cfg.Listen.Address,
		Port:     cfg.Listen.Port,
		Submitter: orch,
		Runs:     orch,
		Store:    st,
		Bus:      bus,
		Fanout:   fanout,
		Events:   eventBus,
		Channels: channelRegistry,
		Logger:   logger,
	})

	return &gateway{store: st, orch: orch, inb: router, cp: cp, telegramChannel: telegramChannel}
}

// buildProviderRouter constructs one llm.Client per distinct provider
// named in cfg.Engines.Registry (an Anthropic client keyed off
// ANTHROPIC_API_KEY, an Ollama client per distinct base URL) and binds
// each engine's configured model to its provider, so ChatEngine can
// drive any registered engine without knowing which backend serves it.
// Anthropic is the fallback for engines that name no provider.
func buildProviderRouter(logger *slog.Logger, cfg *config.Config) *llm.ProviderRouter {
	anthropicClient := llm.NewAnthropicClient(os.Getenv("ANTHROPIC_API_KEY"), logger)
	router := llm.NewProviderRouter(anthropicClient)
	router.AddProvider("anthropic", anthropicClient)

	ollamaClients := make(map[string]*llm.OllamaClient)
	for _, e := range cfg.Engines.Registry {
		if e.Provider != "ollama" {
			continue
		}
		client, ok := ollamaClients[e.BaseURL]
		if !ok {
			client = llm.NewOllamaClient(e.BaseURL, logger)
			ollamaClients[e.BaseURL] = client
			router.AddProvider("ollama:"+e.BaseURL, client)
		}
		router.BindModel(e.Model, "ollama:"+e.BaseURL)
	}
	for _, e := range cfg.Engines.Registry {
		if e.Provider == "anthropic" {
			router.BindModel(e.Model, "anthropic")
		}
	}
	return router
}

func msToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func runServe(logger *slog.Logger, configPath string) {
	logger.Info("starting agentgate", "version", buildinfo.Version, "commit", buildinfo.GitCommit)

	cfg := loadConfig(logger, configPath)
	gw := buildGateway(logger, cfg)
	defer gw.store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if gw.telegramChannel != nil {
		go gw.telegramChannel.Run(ctx)
		go pumpInbound(ctx, logger, gw.telegramChannel.Inbound(), gw.inb)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
		_ = gw.cp.Shutdown(context.Background())
	}()

	if err := gw.cp.Start(ctx); err != nil {
		if ctx.Err() == nil {
			logger.Error("control plane failed", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("agentgate stopped")
}

// pumpInbound forwards a channel adapter's normalized inbound stream
// into InboundRouter until ctx is canceled.
func pumpInbound(ctx context.Context, logger *slog.Logger, in <-chan agentevent.InboundMessage, router *inbound.Router) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			if _, err := router.HandleInbound(msg); err != nil {
				logger.Error("handle inbound", "channel", msg.ChannelID, "error", err)
			}
		}
	}
}

func runSubmit(logger *slog.Logger, configPath, sessionKey, prompt string) {
	cfg := loadConfig(logger, configPath)
	gw := buildGateway(logger, cfg)
	defer gw.store.Close()

	runID, err := gw.orch.Submit(agentevent.RunRequest{
		Origin:     "cli",
		SessionKey: sessionkey.Key(sessionKey),
		Prompt:     prompt,
		QueueMode:  agentevent.QueueCollect,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "submit failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("submitted run %s\n", runID)
}
