package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/nuka-loop/internal/action"
	"github.com/nidhogg/nuka-loop/internal/api"
	"github.com/nidhogg/nuka-loop/internal/bus"
	"github.com/nidhogg/nuka-loop/internal/command"
	"github.com/nidhogg/nuka-loop/internal/composer"
	"github.com/nidhogg/nuka-loop/internal/config"
	"github.com/nidhogg/nuka-loop/internal/embedding"
	"github.com/nidhogg/nuka-loop/internal/loop"
	"github.com/nidhogg/nuka-loop/internal/mcp"
	"github.com/nidhogg/nuka-loop/internal/memory"
	"github.com/nidhogg/nuka-loop/internal/notify"
	"github.com/nidhogg/nuka-loop/internal/provider"
	"github.com/nidhogg/nuka-loop/internal/store"
	"github.com/nidhogg/nuka-loop/internal/tasks"
	"github.com/nidhogg/nuka-loop/internal/tokens"
	"github.com/nidhogg/nuka-loop/internal/vectorstore"
	"go.uber.org/zap"
)

func main() {
	// Load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/nuka.json"
	}
	cfg, cfgErr := config.Load(cfgPath)
	if cfgErr != nil {
		cfg = config.Default()
	}

	logger, err := newLogger(cfg.Server.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if cfgErr != nil {
		logger.Warn("config not loaded, using defaults", zap.String("path", cfgPath), zap.Error(cfgErr))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Semantic memory
	embedder, err := embedding.New(embedding.Config{
		Provider:  cfg.Embedding.Provider,
		Endpoint:  cfg.Embedding.Endpoint,
		Model:     cfg.Embedding.Model,
		APIKey:    cfg.Embedding.APIKey,
		Dimension: cfg.Embedding.Dimension,
	})
	if err != nil {
		logger.Fatal("embedding provider", zap.Error(err))
	}
	backend, err := newBackend(cfg, embedder, logger)
	if err != nil {
		logger.Fatal("vectorstore backend", zap.Error(err))
	}
	defer backend.Close()

	var counter tokens.Counter = tokens.Heuristic{}
	if cfg.Memory.TokenizerModel != "" {
		counter = tokens.NewTiktoken(cfg.Memory.TokenizerModel)
	}
	mem, err := memory.NewStore(ctx, backend, memory.Options{
		SimilarityThreshold: cfg.Memory.SimilarityThreshold,
		TokenCeiling:        cfg.Memory.TokenCeiling,
		Counter:             counter,
		LogFile:             cfg.Memory.LogFile,
	}, logger)
	if err != nil {
		logger.Fatal("memory store", zap.Error(err))
	}

	// Neo4j knowledge graph (optional)
	if n := cfg.Database.Neo4j; n.URI != "" {
		graph, err := memory.NewGraph(n.URI, n.User, n.Password, logger)
		if err == nil {
			err = graph.Ping(ctx)
		}
		if err == nil {
			err = graph.EnsureSchema(ctx)
		}
		if err != nil {
			logger.Warn("Neo4j unavailable, knowledge graph disabled", zap.Error(err))
		} else {
			mem.SetGraph(graph)
			defer graph.Close(context.Background())
			logger.Info("Neo4j knowledge graph enabled")
		}
	}

	// PostgreSQL event archive (optional)
	var archive *store.Store
	if dsn := cfg.Database.Postgres.DSN; dsn != "" {
		archive, err = store.New(ctx, dsn, logger)
		if err == nil {
			if err = archive.Migrate(ctx, cfg.Database.Postgres.Migrations); err != nil {
				archive.Close()
				archive = nil
			}
		}
		if err != nil {
			logger.Warn("PostgreSQL unavailable, event archive disabled", zap.Error(err))
		} else {
			mem.AddSink(archive)
			defer archive.Close()
		}
	}

	// Redis event mirror and control stream (optional)
	var mb *bus.MessageBus
	if url := cfg.Database.Redis.URL; url != "" {
		mb, err = bus.NewMessageBus(ctx, url, logger)
		if err != nil {
			logger.Warn("Redis unavailable, message bus disabled", zap.Error(err))
			mb = nil
		} else {
			mem.AddSink(mb)
			defer mb.Close()
		}
	}

	// LLM providers
	router := provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		p, err := provider.NewFromConfig(provider.ProviderConfig{
			ID:       pc.ID,
			Type:     pc.Type,
			Name:     pc.Name,
			Endpoint: pc.Endpoint,
			APIKey:   pc.APIKey,
			Models:   pc.Models,
			Extra:    pc.Extra,
			Timeout:  pc.Timeout.Std(),
		}, logger)
		if err != nil {
			logger.Warn("skipping provider", zap.String("id", pc.ID), zap.Error(err))
			continue
		}
		router.Register(p)
	}
	if router.DefaultID() == "" {
		logger.Warn("no LLM provider configured, every cycle will abort")
	}
	llm := provider.NewBackend(router, cfg.Loop.AgentID, cfg.Loop.Model, logger)

	list := tasks.NewList()

	comp := composer.New(logger)
	comp.RegisterBuiltins(cfg.Loop.ProfileDir, cfg.Loop.AgentID, list)

	// Actions: builtins plus MCP tools, then manifests on top
	var mcpClients []*mcp.Client
	for _, sc := range cfg.MCP.Servers {
		if sc.Type != "" && sc.Type != "sse" {
			logger.Warn("unsupported MCP transport", zap.String("name", sc.Name), zap.String("type", sc.Type))
			continue
		}
		mcpClients = append(mcpClients, mcp.NewClient(sc.Name, sc.URL, logger))
	}
	mcpClients = mcp.ConnectAll(ctx, mcpClients, logger)
	defer func() {
		for _, c := range mcpClients {
			c.Close()
		}
	}()
	callers := make([]action.ToolCaller, len(mcpClients))
	for i, c := range mcpClients {
		callers[i] = c
	}

	all := append(action.Builtins(mem, list), action.FromMCP(callers...)...)
	manifests, err := action.LoadManifests(cfg.Loop.ManifestDir)
	if err != nil {
		logger.Fatal("action manifests", zap.Error(err))
	}
	actions, unmatched := action.Apply(all, manifests)
	for _, name := range unmatched {
		logger.Warn("manifest names no known action", zap.String("action", name))
	}

	registry, err := action.NewRegistry(ctx, mem, cfg.Loop.AgentID, logger)
	if err != nil {
		logger.Fatal("action registry", zap.Error(err))
	}
	if err := registry.RegisterActions(ctx, actions); err != nil {
		logger.Fatal("register actions", zap.Error(err))
	}
	logger.Info("actions registered", zap.Int("count", len(registry.List())), zap.Int("mcp_servers", len(mcpClients)))

	engine := loop.New(loop.Config{
		AgentID:    cfg.Loop.AgentID,
		StepPoll:   cfg.Loop.StepPoll.Std(),
		AbortDelay: cfg.Loop.AbortDelay.Std(),
	}, mem, registry, comp, llm, logger)
	engine.OnReset(func(context.Context) error {
		list.Reset()
		return nil
	})
	if archive != nil {
		engine.OnReset(archive.Truncate)
	}

	commands := command.NewRegistry(logger)
	command.RegisterBuiltins(commands, engine, list)

	// Chat notifications
	broadcaster := notify.NewBroadcaster(cfg.Notify.Types, logger)
	if s := cfg.Notify.Slack; s.Enabled && s.BotToken != "" {
		broadcaster.Add(notify.NewSlack(s.BotToken, s.AppToken, s.ChannelID, logger))
	}
	if d := cfg.Notify.Discord; d.Enabled && d.BotToken != "" {
		broadcaster.Add(notify.NewDiscord(d.BotToken, d.ChannelID, logger))
	}
	broadcaster.Connect(ctx, func(ctx context.Context, line string) string {
		return commands.Run(ctx, line, &command.CommandContext{Platform: "chat"})
	})
	mem.AddSink(broadcaster)
	defer broadcaster.Close()
	logger.Info("notifiers connected", zap.Strings("platforms", broadcaster.Platforms()))

	if mb != nil {
		go mb.Listen(ctx, engine)
	}

	handler := api.NewHandler(engine, list, archive, broadcaster, router, logger)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: handler.Router(),
	}
	go func() {
		logger.Info("Nuka loop listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	if cfg.Loop.AutoStart {
		if err := engine.Start(cfg.Loop.Stepped); err != nil {
			logger.Error("start loop", zap.Error(err))
		}
	}

	if cfg.Loop.Keyboard {
		go func() {
			if err := command.Listen(ctx, os.Stdin, os.Stdout, commands, engine); err != nil {
				logger.Warn("keyboard listener stopped", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("Shutting down Nuka loop...")

	shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
	defer done()
	if engine.Stop() == nil {
		if err := engine.Wait(shutdownCtx); err != nil {
			logger.Warn("loop did not stop in time", zap.Error(err))
		}
	}
	if err := engine.Err(); err != nil {
		logger.Error("loop ended with error", zap.Error(err))
	}
	srv.Shutdown(shutdownCtx)
}

func newLogger(level string) (*zap.Logger, error) {
	switch level {
	case "", "debug":
		return zap.NewDevelopment()
	default:
		cfg := zap.NewProductionConfig()
		if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
			return nil, err
		}
		return cfg.Build()
	}
}

func newBackend(cfg *config.Config, embedder embedding.Provider, logger *zap.Logger) (vectorstore.Backend, error) {
	switch cfg.Memory.Backend {
	case "memory":
		return vectorstore.NewMemory(embedder), nil
	case "qdrant":
		client, err := vectorstore.NewClient(vectorstore.QdrantConfig{
			Host: cfg.Memory.Qdrant.Host,
			Port: cfg.Memory.Qdrant.Port,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("Qdrant memory backend", zap.String("host", cfg.Memory.Qdrant.Host))
		return vectorstore.NewQdrant(client, embedder, logger), nil
	default:
		return nil, fmt.Errorf("unknown memory backend %q", cfg.Memory.Backend)
	}
}
