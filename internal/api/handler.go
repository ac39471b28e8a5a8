// Package api exposes the message store over HTTP (chi) and MCP (mcp-go).
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/aigis/internal/breaker"
	"github.com/kalambet/aigis/internal/chat"
	"github.com/kalambet/aigis/internal/composer"
	"github.com/kalambet/aigis/internal/content"
	"github.com/kalambet/aigis/internal/gap"
	"github.com/kalambet/aigis/internal/messages"
	"github.com/kalambet/aigis/internal/retrieval"
	"github.com/kalambet/aigis/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// MessageService is the write and context side of the store.
type MessageService interface {
	Ingest(ctx context.Context, req messages.IngestRequest) (storage.Message, error)
	Recent(ctx context.Context, channelID string, limit int) ([]storage.Message, error)
	Backfill(ctx context.Context, limit int) (messages.BackfillResult, error)
	Pending() int
}

// Searcher runs semantic searches.
type Searcher interface {
	Search(ctx context.Context, q retrieval.Query) ([]retrieval.Result, error)
}

// GapFinder answers "what did I miss".
type GapFinder interface {
	Gap(ctx context.Context, req gap.Request) (gap.Result, error)
}

// ChatHandler runs one chat turn.
type ChatHandler interface {
	Handle(ctx context.Context, ev chat.Event) (chat.Reply, error)
}

// QuoteSource returns random quotes.
type QuoteSource interface {
	Random(ctx context.Context, category string) content.Quote
}

// PageFetcher downloads web pages.
type PageFetcher interface {
	Fetch(ctx context.Context, req content.FetchRequest) (content.Page, error)
}

// Counter reports ledger totals for health.
type Counter interface {
	CountMessages(ctx context.Context) (storage.Counts, error)
}

// Deps holds everything the surfaces call. Chat, Quotes, Fetcher and Counter
// are optional; their endpoints answer 501 when unset.
type Deps struct {
	Messages MessageService
	Search   Searcher
	Gaps     GapFinder
	Chat     ChatHandler
	Quotes   QuoteSource
	Fetcher  PageFetcher
	Counter  Counter
	Breakers []*breaker.Breaker

	// Defaults applied when a request leaves them unset.
	ContextLimit int
	SearchLimit  int
	Threshold    float32
	GapCap       int
	Label        composer.Labeler

	Logger *slog.Logger
}

func (d *Deps) fill() {
	if d.Label == nil {
		d.Label = composer.AuthorLabel
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
}

// NewHandler returns the HTTP API.
func NewHandler(deps Deps) http.Handler {
	deps.fill()
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))
	r.Post("/messages", handleIngest(deps))
	r.Post("/backfill", handleBackfill(deps))
	r.Get("/channels/{channelID}/messages", handleRecent(deps))
	r.Get("/channels/{channelID}/context", handleContext(deps))
	r.Get("/search", handleSearch(deps))
	r.Get("/gap", handleGap(deps))
	r.Post("/chat", handleChat(deps))
	r.Get("/quote", handleQuote(deps))
	r.Get("/fetch", handleFetch(deps))

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func parseFloatParam(r *http.Request, key string, defaultVal float32) (float32, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal, nil
	}
	v, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number: %w", key, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%s must be finite", key)
	}
	return float32(v), nil
}
