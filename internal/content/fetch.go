package content

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/aigis/internal/breaker"
)

const (
	MaxResponseSize = 5 * 1024 * 1024
	DefaultTimeout  = 30 * time.Second
	MaxTimeout      = 120 * time.Second

	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/143.0.0.0 Safari/537.36"
	// Sent on the retry after a Cloudflare challenge.
	plainUserAgent = "opencode"
)

// Format selects how fetched HTML is rendered.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatText     Format = "text"
	FormatHTML     Format = "html"
)

// ParseFormat validates a format name; "" means markdown.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "":
		return FormatMarkdown, nil
	case FormatMarkdown, FormatText, FormatHTML:
		return Format(s), nil
	}
	return "", fmt.Errorf("unknown format %q (want text, markdown or html)", s)
}

func (f Format) accept() string {
	switch f {
	case FormatText:
		return "text/plain;q=1.0, text/markdown;q=0.9, text/html;q=0.8, */*;q=0.1"
	case FormatHTML:
		return "text/html;q=1.0, application/xhtml+xml;q=0.9, text/plain;q=0.8, text/markdown;q=0.7, */*;q=0.1"
	}
	return "text/markdown;q=1.0, text/x-markdown;q=0.9, text/plain;q=0.8, text/html;q=0.7, */*;q=0.1"
}

// ErrInvalidURL is returned for anything but absolute http(s) URLs.
var ErrInvalidURL = errors.New("URL must start with http:// or https://")

// ErrTooLarge is returned when a response exceeds MaxResponseSize.
var ErrTooLarge = errors.New("response too large (exceeds 5MB limit)")

// StatusError is a non-2xx answer from the fetched site.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed with status code: %d", e.StatusCode)
}

// FetchRequest describes one fetch. Timeout 0 means DefaultTimeout; values
// above MaxTimeout are clamped.
type FetchRequest struct {
	URL     string
	Format  Format
	Timeout time.Duration
}

// Page is a fetched document.
type Page struct {
	Title        string `json:"title"`
	Output       string `json:"output"`
	MIME         string `json:"mime,omitempty"`
	ImageDataURL string `json:"image_data_url,omitempty"`
}

// FetchBreakerSettings guard the outbound fetch path. The per-request
// timeout is applied by the Fetcher itself.
var FetchBreakerSettings = breaker.Settings{
	FailureThreshold: 5,
	RecoveryTimeout:  30 * time.Second,
	SuccessThreshold: 2,
}

// CountsAgainstFetch is the failure predicate for the fetch breaker: a site
// answering 4xx says nothing about our ability to reach the web.
func CountsAgainstFetch(err error) bool {
	if errors.Is(err, ErrTooLarge) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500
	}
	return true
}

// Fetcher downloads web pages.
type Fetcher struct {
	httpClient *http.Client
	breaker    *breaker.Breaker
	logger     *slog.Logger
}

// NewFetcher creates a Fetcher. b should be built with CountsAgainstFetch as
// its failure predicate.
func NewFetcher(b *breaker.Breaker, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{httpClient: &http.Client{}, breaker: b, logger: logger}
}

// Breaker exposes the breaker for health reporting.
func (f *Fetcher) Breaker() *breaker.Breaker { return f.breaker }

// Fetch downloads req.URL and renders it in req.Format.
func (f *Fetcher) Fetch(ctx context.Context, req FetchRequest) (Page, error) {
	if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		return Page{}, ErrInvalidURL
	}
	if req.Format == "" {
		req.Format = FormatMarkdown
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	timeout = min(timeout, MaxTimeout)

	return breaker.Call(ctx, f.breaker, func(ctx context.Context) (Page, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return f.fetch(ctx, req)
	})
}

func (f *Fetcher) do(ctx context.Context, url string, format Format, userAgent string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set("Accept", format.accept())
	httpReq.Header.Set("Accept-Language", "en-US,en;q=0.9")
	return f.httpClient.Do(httpReq)
}

func (f *Fetcher) fetch(ctx context.Context, req FetchRequest) (Page, error) {
	resp, err := f.do(ctx, req.URL, req.Format, browserUserAgent)
	if err != nil {
		return Page{}, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode == http.StatusForbidden && resp.Header.Get("cf-mitigated") == "challenge" {
		resp.Body.Close()
		f.logger.Debug("retrying fetch after challenge", "url", req.URL)
		resp, err = f.do(ctx, req.URL, req.Format, plainUserAgent)
		if err != nil {
			return Page{}, fmt.Errorf("request failed: %w", err)
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Page{}, &StatusError{StatusCode: resp.StatusCode}
	}
	if n, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil && n > MaxResponseSize {
		return Page{}, ErrTooLarge
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return Page{}, fmt.Errorf("reading body: %w", err)
	}
	if len(body) > MaxResponseSize {
		return Page{}, ErrTooLarge
	}

	contentType := resp.Header.Get("Content-Type")
	mediaType, _, _ := mime.ParseMediaType(contentType)
	mediaType = strings.ToLower(mediaType)
	finalURL := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	ct := contentType
	if ct == "" {
		ct = "unknown"
	}
	page := Page{Title: fmt.Sprintf("%s (%s)", finalURL, ct)}

	if strings.HasPrefix(mediaType, "image/") && mediaType != "image/svg+xml" && mediaType != "image/vnd.fastbidsheet" {
		page.Output = "Image fetched successfully"
		page.MIME = mediaType
		page.ImageDataURL = "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(body)
		return page, nil
	}

	text := string(body)
	isHTML := strings.Contains(contentType, "text/html")
	switch {
	case req.Format == FormatMarkdown && isHTML:
		page.Output, err = HTMLToMarkdown(text)
	case req.Format == FormatText && isHTML:
		page.Output, err = ExtractText(text)
	default:
		page.Output = text
	}
	if err != nil {
		return Page{}, fmt.Errorf("converting html: %w", err)
	}
	return page, nil
}
