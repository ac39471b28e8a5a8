package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/kalambet/aigis/internal/api"
	"github.com/kalambet/aigis/internal/breaker"
	"github.com/kalambet/aigis/internal/chat"
	"github.com/kalambet/aigis/internal/composer"
	"github.com/kalambet/aigis/internal/config"
	"github.com/kalambet/aigis/internal/content"
	"github.com/kalambet/aigis/internal/embedding"
	"github.com/kalambet/aigis/internal/gap"
	"github.com/kalambet/aigis/internal/messages"
	"github.com/kalambet/aigis/internal/proxy"
	"github.com/kalambet/aigis/internal/retrieval"
	"github.com/kalambet/aigis/internal/storage"
)

const (
	queryCacheVectors = 1024
	llmCallTimeout    = 60 * time.Second
)

// app is the fully wired service shared by the HTTP and MCP surfaces.
type app struct {
	store    *storage.Store
	messages *messages.Service
	cache    *retrieval.QueryCache
	sweeper  *messages.Sweeper
	deps     api.Deps

	stopSweep context.CancelFunc
	swept     chan struct{}
}

func newLogger(level string) (*slog.Logger, error) {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

func breakerSettings(cfg config.Config, callTimeout time.Duration) breaker.Settings {
	return breaker.Settings{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		CallTimeout:      callTimeout,
	}
}

func newProvider(ctx context.Context, cfg config.Config, logger *slog.Logger) (embedding.Provider, error) {
	switch cfg.Embedding.Backend {
	case "openrouter":
		return embedding.NewOpenAIProvider(embedding.OpenAIConfig{
			APIKey:  cfg.OpenRouter.APIKey,
			BaseURL: cfg.Embedding.BaseURL,
			Model:   cfg.Embedding.Model,
			Timeout: cfg.Embedding.Timeout,
		}), nil
	case "ollama":
		model := cfg.Embedding.Model
		if model == embedding.DefaultOpenAIModel {
			model = ""
		}
		p := embedding.NewOllamaProvider(cfg.Ollama.BaseURL, model, cfg.Embedding.Timeout)
		if !p.IsRunning(ctx) {
			logger.Warn("ollama is not reachable; embeddings fail until it is up", "url", cfg.Ollama.BaseURL)
		}
		return p, nil
	case "hash":
		logger.Warn("using the hash embedding backend; search is not semantic")
		return embedding.NewHashProvider(cfg.Embedding.Dimension), nil
	}
	return nil, fmt.Errorf("unknown embedding backend %q", cfg.Embedding.Backend)
}

func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	label, err := composer.LabelerByName(cfg.Context.Label)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(cfg.Storage.DataDir, storage.WithDimension(cfg.Embedding.Dimension))
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a := &app{store: store}
	defer func() {
		if err != nil {
			if a.cache != nil {
				a.cache.Close()
			}
			store.Close()
		}
	}()

	provider, err := newProvider(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	embedBreaker := breaker.New("embeddings", breakerSettings(cfg, cfg.Embedding.Timeout), breaker.WithLogger(logger))
	embedder := embedding.NewGuarded(provider, embedBreaker, cfg.Embedding.Dimension)

	msgOpts := []messages.Option{messages.WithLogger(logger)}
	var index retrieval.Index
	switch cfg.Retrieval.Index {
	case "chromem":
		ix, err := retrieval.NewChromemIndex(logger)
		if err != nil {
			return nil, err
		}
		if err := ix.Warm(ctx, store); err != nil {
			return nil, fmt.Errorf("warming index: %w", err)
		}
		index = ix
		msgOpts = append(msgOpts, messages.WithIndexer(ix))
	default:
		index = retrieval.NewScanIndex(store)
	}

	searchOpts := []retrieval.SearcherOption{retrieval.WithLogger(logger)}
	if cfg.Retrieval.CacheTTL > 0 {
		a.cache, err = retrieval.NewQueryCache(queryCacheVectors, cfg.Embedding.Dimension, cfg.Retrieval.CacheTTL)
		if err != nil {
			return nil, err
		}
		searchOpts = append(searchOpts, retrieval.WithCache(a.cache))
	}
	searcher := retrieval.NewSearcher(embedder, index, store, searchOpts...)

	a.messages = messages.New(store, embedder, msgOpts...)
	if cfg.Embedding.BackfillInterval > 0 {
		a.sweeper = messages.NewSweeper(a.messages, cfg.Embedding.BackfillInterval,
			messages.WithGate(embedBreaker),
			messages.WithSweeperLogger(logger))
	}

	quoteBreaker := breaker.New("quotes", content.QuoteBreakerSettings, breaker.WithLogger(logger))
	fetchBreaker := breaker.New("fetch", content.FetchBreakerSettings,
		breaker.WithFailurePredicate(content.CountsAgainstFetch),
		breaker.WithLogger(logger))

	a.deps = api.Deps{
		Messages:     a.messages,
		Search:       searcher,
		Gaps:         gap.New(store, logger),
		Quotes:       content.NewQuoteClient(cfg.Quote.URL, quoteBreaker, logger),
		Fetcher:      content.NewFetcher(fetchBreaker, logger),
		Counter:      store,
		Breakers:     []*breaker.Breaker{embedBreaker, quoteBreaker, fetchBreaker},
		ContextLimit: cfg.Context.Limit,
		SearchLimit:  cfg.Retrieval.Limit,
		Threshold:    float32(cfg.Retrieval.Threshold),
		GapCap:       cfg.Gap.Cap,
		Label:        label,
		Logger:       logger,
	}

	if cfg.OpenRouter.APIKey == "" {
		logger.Warn("no OpenRouter API key configured; chat is disabled")
		return a, nil
	}
	llmBreaker := breaker.New("llm", breakerSettings(cfg, llmCallTimeout), breaker.WithLogger(logger))
	svc, err := chat.NewService(chat.Deps{
		Messages:     a.messages,
		Searcher:     searcher,
		Composer:     composer.New(0, label),
		LLM:          proxy.NewClient(cfg.OpenRouter.APIKey, proxy.WithBreaker(llmBreaker)),
		Model:        cfg.Chat.Model,
		SystemPrompt: cfg.Chat.SystemPrompt,
		ContextLimit: cfg.Context.Limit,
		SearchLimit:  cfg.Retrieval.Limit,
		Threshold:    float32(cfg.Retrieval.Threshold),
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	a.deps.Chat = svc
	a.deps.Breakers = append(a.deps.Breakers, llmBreaker)
	return a, nil
}

// startSweeper runs the backfill sweeper until close.
func (a *app) startSweeper(ctx context.Context) {
	if a.sweeper == nil {
		return
	}
	ctx, a.stopSweep = context.WithCancel(ctx)
	a.swept = make(chan struct{})
	go func() {
		defer close(a.swept)
		a.sweeper.Run(ctx)
	}()
}

// close stops the sweeper, drains background embedding for up to grace, then
// closes storage.
func (a *app) close(grace time.Duration) error {
	if a.stopSweep != nil {
		a.stopSweep()
		<-a.swept
	}

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	var errs []error
	if err := a.messages.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.cache != nil {
		a.cache.Close()
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing storage: %w", err))
	}
	return errors.Join(errs...)
}
