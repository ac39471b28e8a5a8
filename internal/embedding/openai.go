package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultOpenAIBaseURL = "https://openrouter.ai/api/v1"
	DefaultOpenAIModel   = "openai/text-embedding-3-small"
	defaultTimeout       = 30 * time.Second
)

// OpenAIConfig configures an OpenAI-compatible embeddings endpoint
// (OpenRouter, OpenAI, local proxies).
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// OpenAIProvider calls POST {base}/embeddings.
type OpenAIProvider struct {
	cfg    OpenAIConfig
	client *http.Client
}

// NewOpenAIProvider fills unset fields with OpenRouter defaults.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOpenAIBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &OpenAIProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type openAIRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type openAIResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Embed returns the embedding of text.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	data, err := json.Marshal(openAIRequest{Model: p.cfg.Model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/embeddings", bytes.NewReader(data))
	if err != nil {
		return nil, &ProviderError{Provider: "openai", Permanent: true, Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &ProviderError{Provider: "openai", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Provider: "openai", StatusCode: resp.StatusCode, Err: fmt.Errorf("reading response: %w", err)}
	}

	var out openAIResponse
	decodeErr := json.Unmarshal(body, &out)

	if resp.StatusCode >= 400 {
		msg := fmt.Sprintf("unexpected status %d", resp.StatusCode)
		if decodeErr == nil && out.Error != nil {
			msg = fmt.Sprintf("API error (%s): %s", out.Error.Type, out.Error.Message)
		}
		return nil, &ProviderError{
			Provider:   "openai",
			StatusCode: resp.StatusCode,
			Permanent:  permanentStatus(resp.StatusCode),
			Err:        errors.New(msg),
		}
	}
	if decodeErr != nil {
		return nil, &ProviderError{Provider: "openai", StatusCode: resp.StatusCode, Err: fmt.Errorf("decoding response: %w", decodeErr)}
	}
	if out.Error != nil {
		return nil, &ProviderError{Provider: "openai", StatusCode: resp.StatusCode, Err: fmt.Errorf("API error (%s): %s", out.Error.Type, out.Error.Message)}
	}
	if len(out.Data) == 0 || len(out.Data[0].Embedding) == 0 {
		return nil, &ProviderError{Provider: "openai", StatusCode: resp.StatusCode, Err: errors.New("no embedding data returned")}
	}
	return out.Data[0].Embedding, nil
}

var _ Provider = (*OpenAIProvider)(nil)
