package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/poseylabs/posey/internal/ability"
	mcpability "github.com/poseylabs/posey/internal/ability/mcp"
	"github.com/poseylabs/posey/internal/agent"
	"github.com/poseylabs/posey/internal/config"
	"github.com/poseylabs/posey/internal/image"
	imageopenai "github.com/poseylabs/posey/internal/image/openai"
	"github.com/poseylabs/posey/internal/image/stability"
	"github.com/poseylabs/posey/internal/llm"
	"github.com/poseylabs/posey/internal/llm/anthropic"
	"github.com/poseylabs/posey/internal/llm/gemini"
	"github.com/poseylabs/posey/internal/llm/openai"
	"github.com/poseylabs/posey/internal/memory"
	"github.com/poseylabs/posey/internal/minion"
	"github.com/poseylabs/posey/internal/observability"
	"github.com/poseylabs/posey/internal/orchestrator"
	"github.com/poseylabs/posey/internal/storage"
	"github.com/poseylabs/posey/internal/web"
)

// hashEmbeddingDims is the vector width used when no embeddings API is
// configured.
const hashEmbeddingDims = 256

// components holds every initialized subsystem. Built once by
// initComponents, torn down by Cleanup.
type components struct {
	Config *config.Config
	Logger *slog.Logger

	Obs          *observability.Observability
	Store        *storage.Store
	Provider     llm.Provider
	Agent        *agent.BaseAgent
	Abilities    *ability.Registry
	Images       *image.Registry
	Memory       *memory.Service
	Minions      *minion.Registry
	Orchestrator *orchestrator.Orchestrator

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (c *components) Cleanup() {
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		c.cleanups[i]()
	}
}

func (c *components) addCleanup(fn func()) {
	c.cleanups = append(c.cleanups, fn)
}

// initComponents wires storage, providers, abilities, minions and the
// orchestrator. Callers must call Cleanup when done, including on error.
func initComponents(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*components, error) {
	c := &components{Config: cfg, Logger: logger}

	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return c, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return c, fmt.Errorf("initializing observability: %w", err)
	}
	c.Obs = obs
	c.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	logger.Debug("observability initialized",
		slog.Bool("metrics", obs.Metrics != nil),
		slog.Bool("tracing", obs.Tracer != nil),
	)

	// Storage.
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return c, err
	}
	c.Store = store
	c.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	obs.Health.AddCheck("database", store.Ping)

	// LLM providers.
	provider, err := newLLMProvider(cfg, logger)
	if err != nil {
		return c, fmt.Errorf("initializing LLM provider: %w", err)
	}
	if obs.Metrics != nil || obs.Tracer != nil {
		provider = observability.NewInstrumentedProvider(provider, obs.Metrics, obs.Tracer)
	}
	c.Provider = provider
	logger.Debug("llm provider initialized", slog.String("provider", provider.Name()))

	strategy, err := agent.ParseStrategy(cfg.Validation.StrategyName())
	if err != nil {
		return c, err
	}
	c.Abilities = ability.NewRegistry()
	agentOpts := []agent.Option{
		agent.WithStrategy(strategy),
		agent.WithMaxRetries(cfg.Validation.Retries()),
		agent.WithMaxToolRounds(cfg.Orchestrator.ToolRounds()),
		agent.WithAbilities(c.Abilities),
		agent.WithLogger(logger),
		agent.WithMetrics(obs.Metrics),
		agent.WithTracer(obs.Tracer),
	}
	if cfg.Orchestrator.MaxTokens > 0 {
		agentOpts = append(agentOpts, agent.WithMaxTokens(cfg.Orchestrator.MaxTokens))
	}
	agentOpts = append(agentOpts, abilityCacheOptions(&cfg.Web, logger)...)
	if cfg.Providers.Formatter != "" {
		formatter, err := buildFormatter(cfg, logger)
		if err != nil {
			return c, fmt.Errorf("initializing formatter: %w", err)
		}
		agentOpts = append(agentOpts, agent.WithFormatter(formatter))
	}
	c.Agent = agent.New(provider, agentOpts...)

	// Images.
	c.Images, err = newImageRegistry(cfg, logger)
	if err != nil {
		return c, fmt.Errorf("initializing image providers: %w", err)
	}

	// Memory.
	c.Memory, err = newMemoryService(ctx, c, logger)
	if err != nil {
		return c, fmt.Errorf("initializing memory: %w", err)
	}

	// Abilities.
	fetcher := web.NewFetcher(&cfg.Web, logger)
	c.addCleanup(func() { _ = fetcher.Close() })
	searcher := web.NewSearcher("", cfg.Web.UserAgent)

	c.Abilities.Register(web.NewSearchAbility(searcher, cfg.Web.Results()))
	c.Abilities.Register(web.NewFetchAbility(fetcher))
	c.Abilities.Register(web.NewLinksAbility(fetcher))
	c.Abilities.Register(memory.NewSearchAbility(c.Memory))
	c.Abilities.Register(memory.NewStoreAbility(c.Memory))
	if c.Images.Len() > 0 {
		image.RegisterAbility(c.Abilities, c.Images)
	}

	var extra []string
	if len(cfg.MCP) > 0 {
		bridge := mcpability.NewBridge(version, logger)
		mcpCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		extra = bridge.RegisterAll(mcpCtx, c.Abilities, cfg.MCP)
		cancel()
		c.addCleanup(bridge.Close)
	}
	logger.Debug("abilities registered", slog.Any("abilities", c.Abilities.List()))

	// Minions and orchestrator.
	c.Minions = minion.NewRegistry()
	if err := minion.RegisterDefaults(c.Minions, minion.Deps{
		Agent:          c.Agent,
		Memory:         c.Memory,
		Searcher:       searcher,
		Fetcher:        fetcher,
		Images:         c.Images,
		Recorder:       store.Runs(),
		Logger:         logger,
		WebResults:     cfg.Web.Results(),
		WebFetches:     cfg.Web.Fetches(),
		RecallLimit:    cfg.Memory.Limit(),
		ExtraAbilities: extra,
	}); err != nil {
		return c, fmt.Errorf("registering minions: %w", err)
	}

	c.Orchestrator, err = orchestrator.New(c.Agent, c.Minions,
		orchestrator.WithConfig(cfg.Orchestrator),
		orchestrator.WithConversationStore(store.Conversations()),
		orchestrator.WithRunStore(store.Runs()),
		orchestrator.WithHistoryLimit(cfg.Memory.History()),
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(obs.Metrics),
		orchestrator.WithTracer(obs.Tracer),
	)
	if err != nil {
		return c, fmt.Errorf("initializing orchestrator: %w", err)
	}
	logger.Debug("minions registered", slog.Any("minions", c.Minions.Names()))

	return c, nil
}

// openStore opens the relational store and runs migrations.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storage.Store, error) {
	store, err := storage.Open(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.StorageDriverName(), err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))
	return store, nil
}

// newMemoryService builds the vector store and embedder. Embeddings use the
// OpenAI-compatible API when a key is available and a local hash embedder
// otherwise.
func newMemoryService(ctx context.Context, c *components, logger *slog.Logger) (*memory.Service, error) {
	cfg := c.Config
	mc := cfg.Memory

	var embedder memory.Embedder
	if key := cfg.Providers.OpenAI.APIKey; key != "" {
		baseURL := cfg.Providers.OpenAI.BaseURL
		if mc != nil && mc.EmbeddingBaseURL != "" {
			baseURL = mc.EmbeddingBaseURL
		}
		embedder = memory.NewOpenAIEmbedder(key, baseURL, mc.Embedding(), mc.EmbeddingDimensions())
	} else {
		logger.Warn("no embeddings API key, using hash embeddings")
		embedder = memory.NewHashEmbedder(hashEmbeddingDims)
	}

	var store memory.Store
	switch backend := mc.MemoryBackend(); backend {
	case "memory":
		store = memory.NewInMemoryStore()
	case "pgvector":
		pg, err := memory.Connect(ctx, mc.DSN, mc.TableName(), embedder.Dimensions())
		if err != nil {
			return nil, err
		}
		c.addCleanup(pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrating memory table: %w", err)
		}
		c.Obs.Health.AddCheck("vector_store", pg.Ping)
		store = pg
	default:
		return nil, fmt.Errorf("unknown memory backend %q", backend)
	}

	return memory.NewService(store, embedder,
		memory.WithDuplicateThreshold(mc.Duplicate()),
		memory.WithMinScore(mc.Score()),
		memory.WithRecallLimit(mc.Limit()),
		memory.WithLogger(logger),
		memory.WithMetrics(c.Obs.Metrics),
	), nil
}

// newImageRegistry registers the configured image providers. A nil images
// section yields an empty registry.
func newImageRegistry(cfg *config.Config, logger *slog.Logger) (*image.Registry, error) {
	reg := image.NewRegistry()
	ic := cfg.Images
	if ic == nil {
		return reg, nil
	}

	if ic.OpenAI != nil {
		key := ic.OpenAI.APIKey
		if key == "" {
			key = cfg.Providers.OpenAI.APIKey
		}
		var opts []imageopenai.Option
		if ic.OpenAI.BaseURL != "" {
			opts = append(opts, imageopenai.WithBaseURL(ic.OpenAI.BaseURL))
		}
		reg.Register(imageopenai.NewClient(key, ic.OpenAI.Model, logger, opts...))
	}
	if ic.Stability != nil {
		var opts []stability.Option
		if ic.Stability.BaseURL != "" {
			opts = append(opts, stability.WithBaseURL(ic.Stability.BaseURL))
		}
		reg.Register(stability.NewClient(ic.Stability.APIKey, ic.Stability.Engine, logger, opts...))
	}
	if ic.Default != "" {
		if err := reg.SetDefault(ic.Default); err != nil {
			return nil, err
		}
	}
	logger.Debug("image providers registered", slog.Any("providers", reg.Names()))
	return reg, nil
}

// abilityCacheOptions caches the read-only web abilities. User-scoped
// abilities such as memory_search are never cached.
func abilityCacheOptions(cfg *config.WebConfig, logger *slog.Logger) []agent.Option {
	ttl := cfg.CacheTTL()
	if ttl <= 0 {
		return nil
	}
	logger.Debug("ability result caching enabled",
		slog.Any("abilities", web.ReadOnlyAbilities),
		slog.Duration("ttl", ttl),
	)
	return []agent.Option{agent.WithAbilityCache(ttl, web.ReadOnlyAbilities...)}
}

// newLLMProvider builds the default provider, wrapped in a fallback chain
// when fallbacks are configured.
func newLLMProvider(cfg *config.Config, logger *slog.Logger) (llm.Provider, error) {
	primary, err := buildProvider(cfg.Providers.Default, cfg, logger)
	if err != nil {
		return nil, err
	}

	if len(cfg.Providers.Fallback) > 0 {
		providers := []llm.Provider{primary}
		for _, name := range cfg.Providers.Fallback {
			fb, err := buildProvider(name, cfg, logger)
			if err != nil {
				logger.Warn("skipping fallback provider",
					slog.String("provider", name),
					slog.String("error", err.Error()),
				)
				continue
			}
			providers = append(providers, fb)
		}
		if len(providers) > 1 {
			return llm.NewFallbackProvider(providers, logger), nil
		}
	}

	return primary, nil
}

// buildFormatter builds the provider that reformats invalid JSON. The
// OpenAI formatter may use a cheaper model.
func buildFormatter(cfg *config.Config, logger *slog.Logger) (llm.Provider, error) {
	name := cfg.Providers.Formatter
	if name == "openai" && cfg.Providers.OpenAI.FormatterModel != "" {
		oc := cfg.Providers.OpenAI
		var opts []openai.Option
		if oc.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(oc.BaseURL))
		}
		return openai.NewClient(oc.APIKey, oc.FormatterModel, logger, opts...), nil
	}
	return buildProvider(name, cfg, logger)
}

// buildProvider creates a single LLM provider by name.
func buildProvider(name string, cfg *config.Config, logger *slog.Logger) (llm.Provider, error) {
	switch name {
	case "openai", "":
		var opts []openai.Option
		if cfg.Providers.OpenAI.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.Providers.OpenAI.BaseURL))
		}
		return openai.NewClient(
			cfg.Providers.OpenAI.APIKey,
			cfg.Providers.OpenAI.Model,
			logger,
			opts...,
		), nil
	case "anthropic":
		return anthropic.NewClient(
			cfg.Providers.Anthropic.APIKey,
			cfg.Providers.Anthropic.Model,
			logger,
		), nil
	case "gemini":
		var opts []gemini.Option
		if cfg.Providers.Gemini.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(cfg.Providers.Gemini.BaseURL))
		}
		return gemini.NewClient(
			cfg.Providers.Gemini.APIKey,
			cfg.Providers.Gemini.Model,
			logger,
			opts...,
		), nil
	case "ollama":
		baseURL := cfg.Providers.Ollama.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		return openai.NewClient(
			"",
			cfg.Providers.Ollama.Model,
			logger,
			openai.WithBaseURL(baseURL),
			openai.WithName("ollama"),
		), nil
	default:
		return nil, fmt.Errorf("unknown provider: %q", name)
	}
}
