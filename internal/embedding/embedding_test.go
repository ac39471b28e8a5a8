package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/aigis/internal/breaker"
)

func TestOpenAIProvider_Success(t *testing.T) {
	want := []float32{0.1, 0.2, 0.3}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/embeddings" {
			t.Errorf("expected /embeddings, got %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		var req openAIRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != DefaultOpenAIModel {
			t.Errorf("model = %q, want %q", req.Model, DefaultOpenAIModel)
		}
		if req.Input != "hello world" {
			t.Errorf("input = %q", req.Input)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": want, "index": 0}},
		})
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/"})
	vec, err := p.Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != len(want) {
		t.Fatalf("len = %d, want %d", len(vec), len(want))
	}
	for i := range want {
		if vec[i] != want[i] {
			t.Errorf("vec[%d] = %v, want %v", i, vec[i], want[i])
		}
	}
}

func TestOpenAIProvider_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		permanent bool
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":{"message":"bad key","type":"auth"}}`, true},
		{"bad request", http.StatusBadRequest, `{"error":{"message":"unknown model","type":"invalid_request_error"}}`, true},
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"slow down","type":"rate_limit"}}`, false},
		{"server error", http.StatusInternalServerError, `oops`, false},
		{"bad gateway", http.StatusBadGateway, ``, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			p := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL})
			_, err := p.Embed(context.Background(), "x")
			var pe *ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("err = %v (%T), want *ProviderError", err, err)
			}
			if pe.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", pe.StatusCode, tt.status)
			}
			if pe.Permanent != tt.permanent {
				t.Errorf("Permanent = %v, want %v", pe.Permanent, tt.permanent)
			}
			if IsPermanent(err) != tt.permanent {
				t.Errorf("IsPermanent = %v, want %v", IsPermanent(err), tt.permanent)
			}
		})
	}
}

func TestOpenAIProvider_MalformedResponseIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": "not-an-array"`))
	}))
	defer srv.Close()

	_, err := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL}).Embed(context.Background(), "x")
	if err == nil {
		t.Fatal("expected error for malformed response")
	}
	if IsPermanent(err) {
		t.Error("malformed response should be transient")
	}
}

func TestOpenAIProvider_EmptyData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": []}`))
	}))
	defer srv.Close()

	if _, err := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL}).Embed(context.Background(), "x"); err == nil {
		t.Fatal("expected error for empty data")
	}
}

func TestOllamaProvider_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.Write([]byte(`{"models":[]}`))
		case "/api/embed":
			var req ollamaEmbedRequest
			json.NewDecoder(r.Body).Decode(&req)
			if req.Model != "nomic-embed-text" || req.Input != "hi" {
				t.Errorf("unexpected request %+v", req)
			}
			w.Write([]byte(`{"embeddings":[[1,0,0]]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "", 0)
	if !p.IsRunning(context.Background()) {
		t.Error("IsRunning = false")
	}
	vec, err := p.Embed(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 || vec[0] != 1 {
		t.Errorf("vec = %v", vec)
	}
}

func TestOllamaProvider_NotFoundIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := NewOllamaProvider(srv.URL, "missing", 0).Embed(context.Background(), "hi")
	if !IsPermanent(err) {
		t.Errorf("err = %v, want permanent", err)
	}
}

func TestHashProvider_Deterministic(t *testing.T) {
	p := NewHashProvider(16)
	a, _ := p.Embed(context.Background(), "same text")
	b, _ := p.Embed(context.Background(), "same text")
	c, _ := p.Embed(context.Background(), "other text")

	if len(a) != 16 {
		t.Fatalf("len = %d, want 16", len(a))
	}
	same := true
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("vectors for identical text differ at %d", i)
		}
		if a[i] != c[i] {
			same = false
		}
	}
	if same {
		t.Error("different texts produced identical vectors")
	}
}

type stubProvider struct {
	calls atomic.Int32
	vec   []float32
	err   error
}

func (s *stubProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	s.calls.Add(1)
	return s.vec, s.err
}

func newBreaker() *breaker.Breaker {
	return breaker.New("embedding", breaker.Settings{FailureThreshold: 2, RecoveryTimeout: time.Minute, SuccessThreshold: 1})
}

func TestGuarded_EmptyInputSkipsProvider(t *testing.T) {
	stub := &stubProvider{vec: []float32{1, 2}}
	g := NewGuarded(stub, newBreaker(), 2)

	for _, text := range []string{"", "   ", "\n\t"} {
		if _, err := g.Embed(context.Background(), text); !errors.Is(err, ErrEmptyInput) {
			t.Errorf("Embed(%q) err = %v, want ErrEmptyInput", text, err)
		}
	}
	if stub.calls.Load() != 0 {
		t.Errorf("provider called %d times, want 0", stub.calls.Load())
	}
}

func TestGuarded_DimensionMismatchCountsAsFailure(t *testing.T) {
	stub := &stubProvider{vec: []float32{1, 2, 3}}
	b := newBreaker()
	g := NewGuarded(stub, b, 2)

	for range 2 {
		if _, err := g.Embed(context.Background(), "text"); !errors.Is(err, ErrDimensionMismatch) {
			t.Fatalf("err = %v, want ErrDimensionMismatch", err)
		}
	}
	if b.State() != breaker.Open {
		t.Fatalf("breaker state = %v, want open", b.State())
	}

	_, err := g.Embed(context.Background(), "text")
	if !errors.Is(err, breaker.ErrOpen) {
		t.Errorf("err = %v, want breaker.ErrOpen", err)
	}
	if stub.calls.Load() != 2 {
		t.Errorf("provider called %d times, want 2", stub.calls.Load())
	}
}

func TestGuarded_PermanentAndTransientBothCount(t *testing.T) {
	b := newBreaker()
	perm := NewGuarded(&stubProvider{err: &ProviderError{Provider: "p", StatusCode: 401, Permanent: true, Err: errors.New("bad key")}}, b, 0)
	trans := NewGuarded(&stubProvider{err: &ProviderError{Provider: "p", StatusCode: 503, Err: errors.New("unavailable")}}, b, 0)

	perm.Embed(context.Background(), "a")
	trans.Embed(context.Background(), "b")
	if b.State() != breaker.Open {
		t.Errorf("state = %v, want open after one permanent and one transient failure", b.State())
	}
}

func TestEmbedBatch(t *testing.T) {
	p := NewHashProvider(8)
	vecs, errs := EmbedBatch(context.Background(), p, []string{"a", "b", "c", "d", "e"})
	if len(vecs) != 5 || len(errs) != 5 {
		t.Fatalf("got %d vectors, %d errors; want 5 each", len(vecs), len(errs))
	}
	for i, err := range errs {
		if err != nil {
			t.Errorf("text %d: %v", i, err)
		}
	}
	single, _ := p.Embed(context.Background(), "c")
	for i := range single {
		if vecs[2][i] != single[i] {
			t.Fatal("batch results not in input order")
		}
	}

	if vecs, errs := EmbedBatch(context.Background(), p, nil); vecs != nil || errs != nil {
		t.Errorf("EmbedBatch(nil) = %v, %v; want nil, nil", vecs, errs)
	}
}

type flakyProvider struct{ fail string }

func (f flakyProvider) Embed(_ context.Context, text string) ([]float32, error) {
	if text == f.fail {
		return nil, errors.New("boom")
	}
	return []float32{1}, nil
}

func TestEmbedBatch_FailuresArePerText(t *testing.T) {
	vecs, errs := EmbedBatch(context.Background(), flakyProvider{fail: "b"}, []string{"a", "b", "c"})
	if errs[0] != nil || errs[2] != nil || vecs[0] == nil || vecs[2] == nil {
		t.Errorf("healthy texts: vecs = %v, errs = %v", vecs, errs)
	}
	if errs[1] == nil || vecs[1] != nil {
		t.Errorf("failing text: vec = %v, err = %v", vecs[1], errs[1])
	}
}

func TestEmbedBatch_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stub := &stubProvider{vec: []float32{1}}
	_, errs := EmbedBatch(ctx, stub, []string{"a", "b"})
	for i, err := range errs {
		if !errors.Is(err, context.Canceled) {
			t.Errorf("text %d err = %v, want context.Canceled", i, err)
		}
	}
	if stub.calls.Load() != 0 {
		t.Errorf("provider called %d times, want 0", stub.calls.Load())
	}
}
