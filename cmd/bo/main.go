// Package main is the entry point for Bo.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/boassistant/bo/internal/buildinfo"
	"github.com/boassistant/bo/internal/config"
	"github.com/boassistant/bo/internal/contacts"
	"github.com/boassistant/bo/internal/llm"
	"github.com/boassistant/bo/internal/memory"
	"github.com/boassistant/bo/internal/moderation"
	"github.com/boassistant/bo/internal/pipeline"
	"github.com/boassistant/bo/internal/ratelimit"
	"github.com/boassistant/bo/internal/scheduler"
	"github.com/boassistant/bo/internal/skills"
	"github.com/boassistant/bo/internal/storage"
	"github.com/boassistant/bo/internal/tenancy"
	"github.com/boassistant/bo/internal/transport"
	"github.com/boassistant/bo/internal/transport/selfchat"
	"github.com/boassistant/bo/internal/transport/telegram"

	"github.com/redis/go-redis/v9"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if flag.NArg() > 0 && flag.Arg(0) == "version" {
		fmt.Println(buildinfo.String())
		return
	}

	cfgPath, err := config.FindConfig(*configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("starting Bo", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "config", cfgPath)

	store, err := storage.Open(storage.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxIdleMins: cfg.Database.ConnMaxIdleMins,
	}, logger)
	if err != nil {
		logger.Error("failed to open database", "url", cfg.Database.URL, "error", err)
		os.Exit(1)
	}

	llmClient, err := createLLMClient(cfg, logger)
	if err != nil {
		logger.Error("failed to create llm client", "error", err)
		os.Exit(1)
	}
	gateway := llm.New(llmClient, llm.Models{
		Simple:   cfg.LLM.SimpleModel,
		Standard: cfg.LLM.StandardModel,
		Complex:  cfg.LLM.ComplexModel,
	}, store, logger, cfg.RequestLog)
	if cfg.LLM.MockPath != "" {
		if err := gateway.LoadMock(cfg.LLM.MockPath); err != nil {
			logger.Error("failed to load llm mock file", "path", cfg.LLM.MockPath, "error", err)
			os.Exit(1)
		}
		logger.Info("llm gateway running against recorded mock responses", "path", cfg.LLM.MockPath)
	}

	kv, err := rateLimitKV(cfg, logger)
	if err != nil {
		logger.Error("failed to configure rate limiter store", "error", err)
		os.Exit(1)
	}
	limiter := ratelimit.New(kv, store)

	moderationGate := moderation.New(store, newAdminNotifier(store, logger), nil, logger)
	tenancyResolver := tenancy.New(store, logger)
	mem := memory.New(store, logger)
	directory := contacts.New(store)
	registry := skills.New(store)
	executor := skills.NewExecutor(logger)

	pl := pipeline.New(tenancyResolver, limiter, moderationGate, mem, directory, registry, executor, gateway, logger, cfg.Agent.ConversationMessages)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The outbox needs a TelegramSender before the adapter exists, and
	// the adapter needs the outbox as its Sender: telegramHandle breaks
	// the cycle by resolving to whichever adapter gets built below.
	handle := &telegramHandle{}
	outbox := transport.New(handle, nil, logger)

	var telegramAdapter *telegram.Adapter
	if cfg.Telegram.Configured() {
		telegramAdapter, err = telegram.New(cfg.Telegram.BotToken, store, pl, outbox, logger)
		if err != nil {
			logger.Error("failed to create telegram adapter", "error", err)
			os.Exit(1)
		}
		handle.set(telegramAdapter)
	} else {
		logger.Warn("telegram not configured - transport disabled")
	}

	sweeper := scheduler.New(store, limiter, pl, outbox, scheduler.DefaultEvents(store), logger, scheduler.DefaultTick)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	if telegramAdapter != nil {
		go func() {
			if err := telegramAdapter.Run(ctx); err != nil {
				logger.Error("telegram adapter stopped", "error", err)
			}
		}()
	}

	if cfg.SelfChat.WebsocketURL != "" {
		watcher := selfchat.NewWSWatcher(cfg.SelfChat.WebsocketURL, logger)
		scAdapter := selfchat.New(watcher, store, pl, outbox, logger).WithSend(watcher.Send)
		outbox.SetSelfChat(scAdapter)
		go scAdapter.Run(ctx)
	} else {
		logger.Warn("self_chat.websocket_url not configured - transport disabled")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")
	cancel()
	logger.Info("Bo stopped")
}

func rateLimitKV(cfg *config.Config, logger *slog.Logger) (ratelimit.KV, error) {
	if cfg.RateLimit.URL == "" {
		logger.Warn("rate_limit.url not configured - using in-process rate limiter store")
		return ratelimit.NewMemoryStore(), nil
	}
	opts, err := redis.ParseURL(cfg.RateLimit.URL)
	if err != nil {
		return nil, fmt.Errorf("parse rate_limit.url: %w", err)
	}
	client := redis.NewClient(opts)
	return ratelimit.NewRedisStore(client), nil
}

func createLLMClient(cfg *config.Config, logger *slog.Logger) (llm.Client, error) {
	if !cfg.LLM.Configured() {
		logger.Warn("llm not configured - gateway_api_key and mock_path are both empty")
	}
	return llm.NewAnthropicClient(cfg.LLM.GatewayAPIKey, logger), nil
}

// telegramHandle breaks the construction cycle between the outbox and
// the telegram adapter: the outbox is built first holding a handle,
// and the handle is pointed at the adapter once it exists.
type telegramHandle struct {
	mu sync.Mutex
	a  *telegram.Adapter
}

func (h *telegramHandle) set(a *telegram.Adapter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.a = a
}

func (h *telegramHandle) SendText(ctx context.Context, chatID, text string) error {
	h.mu.Lock()
	a := h.a
	h.mu.Unlock()
	if a == nil {
		return fmt.Errorf("telegram transport not configured")
	}
	return a.SendText(ctx, chatID, text)
}

// adminNotifier delivers moderation's critical-flag admin alert via
// slog, since no family member is guaranteed reachable at startup
// wiring time and the alert must never block the moderation gate.
type adminNotifier struct {
	store  *storage.Store
	logger *slog.Logger
}

func newAdminNotifier(store *storage.Store, logger *slog.Logger) *adminNotifier {
	return &adminNotifier{store: store, logger: logger.With("component", "admin_notifier")}
}

func (n *adminNotifier) NotifyAdmin(ctx context.Context, text string) error {
	n.logger.Error("ADMIN ALERT", "text", text)
	return nil
}
