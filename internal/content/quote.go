// Package content wraps the auxiliary content APIs the assistant can call,
// each behind its own circuit breaker.
package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kalambet/aigis/internal/breaker"
)

const (
	DefaultQuoteURL = "https://api.quotable.io/random"
	quoteTimeout    = 5 * time.Second
)

// QuoteBreakerSettings are the quote API's breaker thresholds.
var QuoteBreakerSettings = breaker.Settings{
	FailureThreshold: 3,
	RecoveryTimeout:  30 * time.Second,
	SuccessThreshold: 2,
	CallTimeout:      quoteTimeout,
}

// Quote is what the quote tool returns. Error is set when Text is a canned
// stand-in rather than an API result.
type Quote struct {
	Text     string `json:"quote"`
	Author   string `json:"author"`
	Category string `json:"category,omitempty"`
	Error    string `json:"error,omitempty"`
}

var (
	unavailableQuote = Quote{
		Error:  "Quote service is temporarily unavailable. Please try again later.",
		Text:   "The circuit breaker is protecting the system from cascading failures.",
		Author: "Circuit Breaker Pattern",
	}
	fallbackQuote = Quote{
		Error:  "Failed to fetch quote from API",
		Text:   "In the face of adversity, resilience is our greatest strength.",
		Author: "Fallback Quote",
	}
)

// QuoteClient fetches random quotes.
type QuoteClient struct {
	url        string
	httpClient *http.Client
	breaker    *breaker.Breaker
	logger     *slog.Logger
}

// NewQuoteClient creates a client for the quote API at url.
func NewQuoteClient(url string, b *breaker.Breaker, logger *slog.Logger) *QuoteClient {
	if url == "" {
		url = DefaultQuoteURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &QuoteClient{
		url:        url,
		httpClient: &http.Client{Timeout: quoteTimeout},
		breaker:    b,
		logger:     logger,
	}
}

// Breaker exposes the breaker for health reporting.
func (c *QuoteClient) Breaker() *breaker.Breaker { return c.breaker }

type quoteResponse struct {
	Content string `json:"content"`
	Author  string `json:"author"`
}

// Random returns a quote. It never fails: an open circuit yields the
// "temporarily unavailable" quote and any other error the fallback quote.
func (c *QuoteClient) Random(ctx context.Context, category string) Quote {
	if category == "" {
		category = "general"
	}
	q, err := breaker.Call(ctx, c.breaker, func(ctx context.Context) (Quote, error) {
		return c.fetch(ctx)
	})
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			c.logger.Warn("quote API circuit open", "error", err)
			return unavailableQuote
		}
		c.logger.Warn("quote API failed", "error", err)
		return fallbackQuote
	}
	q.Category = category
	return q
}

func (c *QuoteClient) fetch(ctx context.Context) (Quote, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return Quote{}, fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("requesting quote: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("API returned status %d", resp.StatusCode)
	}
	var data quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return Quote{}, fmt.Errorf("decoding quote: %w", err)
	}
	return Quote{Text: data.Content, Author: data.Author}, nil
}
