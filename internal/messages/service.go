// Package messages is the write path for chat turns: durable ingest followed
// by best-effort background embedding.
package messages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kalambet/aigis/internal/breaker"
	"github.com/kalambet/aigis/internal/embedding"
	"github.com/kalambet/aigis/internal/storage"
)

// DefaultRecentLimit is used by Recent when the caller passes limit <= 0.
const DefaultRecentLimit = 10

// Ledger abstracts the storage operations the service needs.
type Ledger interface {
	InsertMessage(ctx context.Context, in storage.MessageInput) (storage.Message, bool, error)
	RecentMessages(ctx context.Context, channelID string, limit int) ([]storage.Message, error)
	SetEmbedding(ctx context.Context, id int64, vec []float32) error
	MissingEmbeddings(ctx context.Context, limit int) ([]storage.Message, error)
}

// Indexer is notified after an embedding has been persisted.
type Indexer interface {
	Index(ctx context.Context, m storage.Message) error
}

// IngestRequest is the caller-supplied part of a message.
type IngestRequest = storage.MessageInput

// Option customises a Service.
type Option func(*Service)

// WithIndexer registers an index that receives every newly embedded message.
func WithIndexer(ix Indexer) Option {
	return func(s *Service) { s.indexer = ix }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// Service writes messages and attaches embeddings in tracked background tasks.
// Background tasks run under the service's own lifetime, never the caller's
// request context.
type Service struct {
	ledger   Ledger
	embedder embedding.Provider
	indexer  Indexer
	logger   *slog.Logger

	lifetime context.Context
	cancel   context.CancelFunc

	mu      sync.Mutex
	closed  bool
	tasks   sync.WaitGroup
	pending atomic.Int64
	// ids of messages currently being embedded, by a task or a backfill
	inflight sync.Map
}

// New creates a Service. embedder should already be guarded by a breaker.
func New(ledger Ledger, embedder embedding.Provider, opts ...Option) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		ledger:   ledger,
		embedder: embedder,
		logger:   slog.Default(),
		lifetime: ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest durably writes the message and returns it without waiting for an
// embedding. A repeated external id returns the existing row and starts no
// new embedding task. Only write failures are reported.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (storage.Message, error) {
	m, inserted, err := s.ledger.InsertMessage(ctx, req)
	if err != nil {
		return storage.Message{}, fmt.Errorf("ingesting message %s: %w", req.ExternalID, err)
	}
	if inserted {
		s.spawn(m)
	} else {
		s.logger.Debug("duplicate message ignored", "external_id", m.ExternalID, "id", m.ID)
	}
	return m, nil
}

func (s *Service) spawn(m storage.Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Warn("not embedding message: service shutting down", "external_id", m.ExternalID)
		return
	}
	if _, busy := s.inflight.LoadOrStore(m.ID, struct{}{}); busy {
		s.mu.Unlock()
		return
	}
	s.tasks.Add(1)
	s.pending.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.tasks.Done()
		defer s.pending.Add(-1)
		defer s.inflight.Delete(m.ID)
		s.attach(s.lifetime, m)
	}()
}

// attach derives and stores the embedding for m. Failures are logged and
// leave the row without an embedding.
func (s *Service) attach(ctx context.Context, m storage.Message) error {
	vec, err := s.embedder.Embed(ctx, m.Content)
	if err != nil {
		s.embedFailed(m, err)
		return err
	}
	return s.store(ctx, m, vec)
}

func (s *Service) embedFailed(m storage.Message, err error) {
	switch {
	case errors.Is(err, embedding.ErrEmptyInput):
		s.logger.Debug("skipping embedding for empty content", "external_id", m.ExternalID)
	case errors.Is(err, breaker.ErrOpen):
		s.logger.Warn("embedding skipped: circuit open", "external_id", m.ExternalID, "error", err)
	default:
		s.logger.Warn("embedding failed", "external_id", m.ExternalID, "permanent", embedding.IsPermanent(err), "error", err)
	}
}

// store persists vec for m and hands m to the indexer.
func (s *Service) store(ctx context.Context, m storage.Message, vec []float32) error {
	if err := s.ledger.SetEmbedding(ctx, m.ID, vec); err != nil {
		s.logger.Error("storing embedding failed", "external_id", m.ExternalID, "error", err)
		return err
	}
	m.Embedding = vec

	if s.indexer != nil {
		if err := s.indexer.Index(ctx, m); err != nil {
			s.logger.Warn("indexing message failed", "external_id", m.ExternalID, "error", err)
		}
	}
	s.logger.Debug("embedding attached", "external_id", m.ExternalID, "dims", len(vec))
	return nil
}

// Recent returns up to limit latest messages of a channel, oldest first.
func (s *Service) Recent(ctx context.Context, channelID string, limit int) ([]storage.Message, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	msgs, err := s.ledger.RecentMessages(ctx, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("loading recent messages for %s: %w", channelID, err)
	}
	return msgs, nil
}

// BackfillResult reports what a Backfill pass did.
type BackfillResult struct {
	Attempted int `json:"attempted"`
	Attached  int `json:"attached"`
}

// Backfill re-derives embeddings for up to limit messages that have none.
// Messages already being embedded elsewhere are skipped. Individual failures
// are counted, not returned.
func (s *Service) Backfill(ctx context.Context, limit int) (BackfillResult, error) {
	missing, err := s.ledger.MissingEmbeddings(ctx, limit)
	if err != nil {
		return BackfillResult{}, fmt.Errorf("listing messages without embeddings: %w", err)
	}

	msgs := make([]storage.Message, 0, len(missing))
	texts := make([]string, 0, len(missing))
	for _, m := range missing {
		if _, busy := s.inflight.LoadOrStore(m.ID, struct{}{}); busy {
			continue
		}
		msgs = append(msgs, m)
		texts = append(texts, m.Content)
	}
	defer func() {
		for _, m := range msgs {
			s.inflight.Delete(m.ID)
		}
	}()

	res := BackfillResult{Attempted: len(msgs)}
	vecs, errs := embedding.EmbedBatch(ctx, s.embedder, texts)
	for i, m := range msgs {
		if errs[i] != nil {
			s.embedFailed(m, errs[i])
			continue
		}
		if s.store(ctx, m, vecs[i]) == nil {
			res.Attached++
		}
	}

	if res.Attempted > 0 {
		s.logger.Info("backfill finished", "attempted", res.Attempted, "attached", res.Attached)
	}
	return res, nil
}

// Pending returns the number of in-flight embedding tasks.
func (s *Service) Pending() int { return int(s.pending.Load()) }

// Shutdown stops accepting embedding tasks and waits for in-flight ones until
// ctx is done. Tasks still running at that point are cancelled and reported
// in the returned error. Messages already ingested stay durable either way.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		abandoned := s.pending.Load()
		s.cancel()
		s.logger.Warn("shutdown grace period expired", "abandoned_tasks", abandoned)
		return fmt.Errorf("abandoned %d embedding tasks: %w", abandoned, ctx.Err())
	}
}
