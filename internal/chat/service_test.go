package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/kalambet/aigis/internal/breaker"
	"github.com/kalambet/aigis/internal/messages"
	"github.com/kalambet/aigis/internal/proxy"
	"github.com/kalambet/aigis/internal/retrieval"
	"github.com/kalambet/aigis/internal/storage"
)

type fakeStore struct {
	mu        sync.Mutex
	ingested  []messages.IngestRequest
	recent    []storage.Message
	ingestErr error
}

func (f *fakeStore) Ingest(_ context.Context, req messages.IngestRequest) (storage.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ingestErr != nil {
		return storage.Message{}, f.ingestErr
	}
	f.ingested = append(f.ingested, req)
	m := storage.Message{
		ID: int64(100 + len(f.ingested)), ExternalID: req.ExternalID, ChannelID: req.ChannelID,
		AuthorID: req.AuthorID, AuthorName: req.AuthorName, Content: req.Content, Role: req.Role,
	}
	f.recent = append(f.recent, m)
	return m, nil
}

func (f *fakeStore) Recent(_ context.Context, _ string, _ int) ([]storage.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storage.Message(nil), f.recent...), nil
}

type fakeSearcher struct {
	results []retrieval.Result
	query   retrieval.Query
}

func (f *fakeSearcher) Search(_ context.Context, q retrieval.Query) ([]retrieval.Result, error) {
	f.query = q
	return f.results, nil
}

type fakeLLM struct {
	answer string
	err    error
	got    proxy.ChatRequest
	calls  int
}

func (f *fakeLLM) Complete(_ context.Context, req proxy.ChatRequest) (string, error) {
	f.calls++
	f.got = req
	return f.answer, f.err
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newService(t *testing.T, store *fakeStore, search *fakeSearcher, llm *fakeLLM) *Service {
	t.Helper()
	s, err := NewService(Deps{
		Messages:  store,
		Searcher:  search,
		LLM:       llm,
		Model:     "test-model",
		Threshold: retrieval.DefaultThreshold,
		Logger:    quietLogger(),
		NewID:     func() string { return "reply-1" },
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return s
}

func event(content string, dest Destination) Event {
	return Event{
		MessageID: "m-1", ChannelID: "c1", AuthorID: "u1", AuthorName: "ann",
		Content: content, Destination: dest,
	}
}

func TestHandle_FullTurn(t *testing.T) {
	store := &fakeStore{recent: []storage.Message{
		{ID: 1, ChannelID: "c1", AuthorName: "bob", Content: "earlier", Role: storage.RoleUser},
	}}
	search := &fakeSearcher{results: []retrieval.Result{
		{Message: storage.Message{ID: 2, AuthorName: "bob", Content: "we chose postgres"}, Score: 0.9},
	}}
	llm := &fakeLLM{answer: "  Sure thing.  "}
	s := newService(t, store, search, llm)

	reply, err := s.Handle(context.Background(), event("which database?", TextDestination{ChannelID: "c1"}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if reply.Text != "Sure thing." || reply.ChannelID != "c1" || reply.ExternalID != "reply-1" || reply.Memories != 1 || reply.Degraded {
		t.Errorf("reply = %+v", reply)
	}

	if len(store.ingested) != 2 {
		t.Fatalf("ingested %d messages, want user message and reply", len(store.ingested))
	}
	if u := store.ingested[0]; u.Role != storage.RoleUser || u.ExternalID != "m-1" {
		t.Errorf("user ingest = %+v", u)
	}
	if r := store.ingested[1]; r.Role != storage.RoleAssistant || r.ExternalID != "reply-1" || r.Content != "Sure thing." {
		t.Errorf("reply ingest = %+v", r)
	}

	if search.query.Text != "which database?" || search.query.ChannelID != "c1" || search.query.Threshold != retrieval.DefaultThreshold {
		t.Errorf("search query = %+v", search.query)
	}
	if llm.got.Model != "test-model" || len(llm.got.Messages) != 2 {
		t.Fatalf("llm request = %+v", llm.got)
	}
	user := llm.got.Messages[1].Content
	for _, want := range []string{"[bob] earlier", "we chose postgres", "## Current Message\nwhich database?"} {
		if !strings.Contains(user, want) {
			t.Errorf("prompt missing %q:\n%s", want, user)
		}
	}
	if strings.Count(user, "which database?") != 1 {
		t.Errorf("current message should appear once:\n%s", user)
	}
}

func TestHandle_BreakerOpen(t *testing.T) {
	store := &fakeStore{}
	llm := &fakeLLM{err: &breaker.OpenError{Name: "llm"}}
	s := newService(t, store, &fakeSearcher{}, llm)

	reply, err := s.Handle(context.Background(), event("hi", TextDestination{ChannelID: "c1"}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if reply.Text != UnavailableReply || !reply.Degraded {
		t.Errorf("reply = %+v", reply)
	}
	if len(store.ingested) != 1 {
		t.Errorf("canned reply should not be stored, ingested %d", len(store.ingested))
	}
}

func TestHandle_ModelError(t *testing.T) {
	llm := &fakeLLM{err: errors.New("upstream 500")}
	s := newService(t, &fakeStore{}, &fakeSearcher{}, llm)

	reply, err := s.Handle(context.Background(), event("hi", TextDestination{ChannelID: "c1"}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if reply.Text != ErrorReply {
		t.Errorf("Text = %q, want %q", reply.Text, ErrorReply)
	}
}

func TestHandle_StorageFailureSurfaces(t *testing.T) {
	boom := errors.New("disk full")
	llm := &fakeLLM{answer: "x"}
	s := newService(t, &fakeStore{ingestErr: boom}, &fakeSearcher{}, llm)

	_, err := s.Handle(context.Background(), event("hi", TextDestination{ChannelID: "c1"}))
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped disk error", err)
	}
	if llm.calls != 0 {
		t.Error("model should not be called when the message was not stored")
	}
}

func TestHandle_Destinations(t *testing.T) {
	tests := []struct {
		name      string
		dest      Destination
		wantReply bool
		wantErr   bool
	}{
		{"text", TextDestination{ChannelID: "c1"}, true, false},
		{"voice", VoiceDestination{ChannelID: "c1"}, false, false},
		{"unsupported", UnsupportedDestination{Kind: "forum"}, false, false},
		{"missing", nil, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{}
			llm := &fakeLLM{answer: "ok"}
			s := newService(t, store, &fakeSearcher{}, llm)

			reply, err := s.Handle(context.Background(), event("hi", tt.dest))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got := reply.Text != ""; got != tt.wantReply {
				t.Errorf("replied = %v, want %v", got, tt.wantReply)
			}
			if got := llm.calls > 0; got != tt.wantReply {
				t.Errorf("model called = %v, want %v", got, tt.wantReply)
			}
			if len(store.ingested) == 0 {
				t.Error("inbound message should always be stored")
			}
		})
	}
}

func TestHandle_EmptyMessage(t *testing.T) {
	s := newService(t, &fakeStore{}, &fakeSearcher{}, &fakeLLM{})
	if _, err := s.Handle(context.Background(), event("   ", TextDestination{ChannelID: "c1"})); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("err = %v, want ErrEmptyMessage", err)
	}
}

func TestHandle_TruncatesLongReply(t *testing.T) {
	llm := &fakeLLM{answer: strings.Repeat("é", MaxReplyRunes+50)}
	s := newService(t, &fakeStore{}, &fakeSearcher{}, llm)

	reply, err := s.Handle(context.Background(), event("hi", TextDestination{ChannelID: "c1"}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if n := utf8.RuneCountInString(reply.Text); n != MaxReplyRunes {
		t.Errorf("reply has %d runes, want %d", n, MaxReplyRunes)
	}
}

func TestNewService_RequiresDeps(t *testing.T) {
	if _, err := NewService(Deps{}); err == nil {
		t.Error("expected error for missing deps")
	}
}

func TestNewService_KeepsZeroThreshold(t *testing.T) {
	search := &fakeSearcher{}
	s, err := NewService(Deps{
		Messages: &fakeStore{},
		Searcher: search,
		LLM:      &fakeLLM{answer: "ok"},
		Logger:   quietLogger(),
		NewID:    func() string { return "reply-1" },
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if _, err := s.Handle(context.Background(), event("anything?", TextDestination{ChannelID: "c1"})); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if search.query.Threshold != 0 {
		t.Errorf("threshold = %v, want 0", search.query.Threshold)
	}
}
