package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/compat_oai/openai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/firebase/genkit/go/plugins/ollama"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"github.com/quern-ai/quern/internal/chat"
	"github.com/quern-ai/quern/internal/chunk"
	"github.com/quern-ai/quern/internal/config"
	"github.com/quern-ai/quern/internal/database"
	"github.com/quern-ai/quern/internal/embed"
	"github.com/quern-ai/quern/internal/index"
	"github.com/quern-ai/quern/internal/knowledge"
	"github.com/quern-ai/quern/internal/log"
	"github.com/quern-ai/quern/internal/observability"
	"github.com/quern-ai/quern/internal/retrieve"
	"github.com/quern-ai/quern/internal/session"
	"github.com/quern-ai/quern/internal/summary"
)

// Setup builds every component the configured deployment needs and wires
// them into an App. The caller owns the result and must Close it.
func Setup(ctx context.Context, cfg *config.Config, logger log.Logger) (_ *App, retErr error) {
	if cfg == nil {
		return nil, config.ErrConfigNil
	}
	if logger == nil {
		logger = log.NewNop()
	}

	a := &App{Config: cfg, Logger: logger}

	// Unwind whatever was already built when a later step fails.
	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	// Tracing before genkit: Init reads the OTEL env vars Setup exports.
	a.otelShutdown = observability.Setup(ctx, observability.Config{
		Endpoint:    cfg.Otel.Endpoint,
		Environment: cfg.Otel.Environment,
		ServiceName: cfg.Otel.ServiceName,
	}, logger)

	// Fail fast on a missing API key rather than on the first model call.
	if err := cfg.ValidateProvider(); err != nil {
		return nil, err
	}

	g, err := provideGenkit(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Genkit = g

	tokens, err := provideTokenizer(cfg)
	if err != nil {
		return nil, err
	}
	a.Tokens = tokens

	action := provideEmbedder(g, cfg)
	if action == nil {
		return nil, fmt.Errorf("embedder %q not found for provider %q", cfg.EmbedderModel, cfg.Provider)
	}
	embedder, err := embed.New(action, tokens, embed.Config{
		ModelID:       cfg.EmbedderModel,
		Dimensions:    cfg.Embedding.Dimensions,
		MaxBatch:      cfg.Embedding.MaxBatch,
		MaxTextTokens: cfg.Embedding.MaxTextTokens,
		Timeout:       cfg.Embedding.Timeout(),
	}, logger)
	if err != nil {
		return nil, err
	}
	a.Embedder = embedder

	// Postgres only when a configured backend needs it; a pure in-memory
	// setup runs without a database.
	if cfg.Index.Backend == config.IndexBackendPostgres || cfg.Memory.Backend == config.MemoryBackendPostgres {
		pool, err := database.Connect(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		a.Pool = pool
	}

	idx, memIdx, err := provideIndex(cfg, a.Pool, logger)
	if err != nil {
		return nil, err
	}
	a.Index = idx
	a.memIndex = memIdx

	backend, redisBackend, err := provideSessionBackend(ctx, cfg, a.Pool, logger)
	if err != nil {
		return nil, err
	}
	a.redis = redisBackend

	store, err := session.NewStore(backend, provideSummarizer(g, cfg, tokens, logger), tokens, session.Config{
		CapTokens:     cfg.Memory.CapTokens,
		SummaryTokens: cfg.Memory.SummaryTokens,
	}, logger)
	if err != nil {
		return nil, err
	}
	a.Sessions = store

	retriever, err := retrieve.New(embedder, idx, retrieve.Config{
		TargetCount:     cfg.Retrieval.TopK,
		OverfetchFactor: cfg.Retrieval.OverfetchFactor,
		MinSimilarity:   cfg.Retrieval.MinSimilarity,
	}, logger)
	if err != nil {
		return nil, err
	}

	orchestrator, err := chat.New(chat.Config{
		Model:     chat.NewGenkitModel(g, cfg.FullModelName()),
		Retriever: retriever,
		Sessions:  store,
		Tokens:    tokens,
		Logger:    logger,
		RetryConfig: chat.RetryConfig{
			MaxRetries:      cfg.Retry.MaxRetries,
			InitialInterval: cfg.Retry.InitialInterval(),
			MaxInterval:     cfg.Retry.MaxInterval(),
		},
		RateLimiter: rate.NewLimiter(rate.Limit(cfg.RateLimit.LLMRPS), cfg.RateLimit.LLMBurst),
		TokenBudget: chat.TokenBudget{
			TotalTokens:      cfg.Budget.TotalTokens,
			MaxContextTokens: cfg.Budget.ContextTokens,
			MaxMemoryTokens:  cfg.Budget.MemoryTokens,
		},
	})
	if err != nil {
		return nil, err
	}
	a.Chat = orchestrator

	pipeline, err := knowledge.NewPipeline(chunk.New(tokens), embedder, idx, knowledge.Config{
		MaxTokens:     cfg.Chunking.MaxTokens,
		OverlapTokens: cfg.Chunking.OverlapTokens,
	}, logger)
	if err != nil {
		return nil, err
	}
	a.Pipeline = pipeline

	return a, nil
}

// provideGenkit initializes genkit with the plugin for the configured
// provider. Setup installs tracing first, since Init reads the OTEL
// environment at this point.
func provideGenkit(ctx context.Context, cfg *config.Config, logger log.Logger) (*genkit.Genkit, error) {
	provider := cfg.Provider
	if provider == "" {
		provider = config.ProviderGemini
	}

	var g *genkit.Genkit
	switch provider {
	case config.ProviderOllama:
		plug := &ollama.Ollama{ServerAddress: cfg.OllamaHost}
		if g = genkit.Init(ctx, genkit.WithPlugins(plug)); g == nil {
			return nil, errors.New("initializing genkit with ollama provider")
		}
		// The ollama plugin discovers nothing on its own; both the chat
		// model and the embedder must be declared up front.
		plug.DefineModel(g, ollama.ModelDefinition{Name: cfg.ModelName, Type: "chat"}, nil)
		plug.DefineEmbedder(g, cfg.OllamaHost, cfg.EmbedderModel, nil)

	case config.ProviderOpenAI:
		if g = genkit.Init(ctx, genkit.WithPlugins(&openai.OpenAI{})); g == nil {
			return nil, errors.New("initializing genkit with openai provider")
		}

	default: // gemini, googleai
		if g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{})); g == nil {
			return nil, errors.New("initializing genkit with gemini provider")
		}
	}

	logger.Info("genkit initialized", "provider", provider, "model", cfg.ModelName)
	return g, nil
}

// provideEmbedder resolves the embedder registered by the provider plugin.
// googleai exposes a typed constructor, ollama keys its embedder by server
// address, and openai auto-registers during Init so it is looked up by name.
func provideEmbedder(g *genkit.Genkit, cfg *config.Config) ai.Embedder {
	switch cfg.Provider {
	case config.ProviderOllama:
		return ollama.Embedder(g, cfg.OllamaHost)
	case config.ProviderOpenAI:
		return genkit.LookupEmbedder(g, api.NewName("openai", cfg.EmbedderModel))
	default: // gemini, googleai
		return googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
	}
}

// provideTokenizer builds the token counter shared by chunking, budgeting,
// and memory eviction. All of them must count the same way or the budget
// math drifts.
func provideTokenizer(cfg *config.Config) (chunk.Tokenizer, error) {
	switch cfg.Chunking.Tokenizer {
	case config.TokenizerWords:
		return chunk.Words{}, nil
	default: // tiktoken
		tk, err := chunk.NewTiktoken()
		if err != nil {
			return nil, fmt.Errorf("loading tiktoken encoding: %w", err)
		}
		return tk, nil
	}
}

// provideIndex builds the vector index on the configured backend. For the
// in-memory backend the second return carries the concrete *index.Memory so
// Close can flush it to its snapshot.
func provideIndex(cfg *config.Config, pool *pgxpool.Pool, logger log.Logger) (index.Index, *index.Memory, error) {
	dims := cfg.Embedding.Dimensions
	model := cfg.EmbedderModel

	if cfg.Index.Backend == config.IndexBackendPostgres {
		idx, err := index.NewPostgres(pool, dims, model, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("creating postgres index: %w", err)
		}
		return idx, nil, nil
	}

	if path := cfg.Index.SnapshotPath; path != "" {
		mem, err := index.LoadSnapshot(path, dims, model)
		switch {
		case err == nil:
			count, _ := mem.Count(context.Background())
			logger.Info("index snapshot loaded", "path", path, "entries", count)
			return mem, mem, nil
		case errors.Is(err, os.ErrNotExist):
			// First run; start empty and write the snapshot on Close.
		default:
			return nil, nil, fmt.Errorf("loading index snapshot: %w", err)
		}
	}

	mem, err := index.NewMemory(dims, model)
	if err != nil {
		return nil, nil, fmt.Errorf("creating in-memory index: %w", err)
	}
	return mem, mem, nil
}

// provideSessionBackend builds conversation memory persistence. The second
// return carries the redis client, if any, so Close can release it.
func provideSessionBackend(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger log.Logger) (session.Backend, *session.Redis, error) {
	switch cfg.Memory.Backend {
	case config.MemoryBackendRedis:
		r, err := session.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting session redis: %w", err)
		}
		return r, r, nil
	case config.MemoryBackendInMem:
		return session.NewInMemory(), nil, nil
	default: // postgres
		p, err := session.NewPostgres(pool, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("creating postgres session backend: %w", err)
		}
		return p, nil, nil
	}
}

// provideSummarizer picks the eviction summarizer. The model summarizer
// reuses the chat model; frequency is deterministic and needs no network.
func provideSummarizer(g *genkit.Genkit, cfg *config.Config, tokens chunk.Tokenizer, logger log.Logger) session.Summarizer {
	if cfg.Memory.Summarizer == config.SummarizerModel {
		return summary.NewModel(g, cfg.FullModelName(), tokens, logger)
	}
	return summary.NewFrequency(tokens)
}
