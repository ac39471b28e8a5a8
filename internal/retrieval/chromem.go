package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/kalambet/aigis/internal/storage"
)

const (
	metaChannel   = "channel_id"
	metaCreatedAt = "created_at"
)

var errNoEmbedding = errors.New("chromem index: documents must carry their own embedding")

// EmbeddedLister loads every message that has an embedding.
type EmbeddedLister interface {
	EmbeddedMessages(ctx context.Context, channelID string) ([]storage.Message, error)
}

// ChromemIndex keeps message embeddings in an in-process chromem-go
// collection. It is warmed from the store at startup and fed by the ingest
// path afterwards.
type ChromemIndex struct {
	col    *chromem.Collection
	logger *slog.Logger
}

// NewChromemIndex creates an empty index.
func NewChromemIndex(logger *slog.Logger) (*ChromemIndex, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db := chromem.NewDB()
	col, err := db.CreateCollection("messages", nil, func(context.Context, string) ([]float32, error) {
		return nil, errNoEmbedding
	})
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &ChromemIndex{col: col, logger: logger}, nil
}

func document(m storage.Message) chromem.Document {
	return chromem.Document{
		ID: strconv.FormatInt(m.ID, 10),
		Metadata: map[string]string{
			metaChannel:   m.ChannelID,
			metaCreatedAt: strconv.FormatInt(m.CreatedAt.UnixNano(), 10),
		},
		Embedding: m.Embedding,
	}
}

// Index adds or replaces the document for m. Messages without an embedding
// or with a zero vector are skipped; they can never score above 0.
func (ix *ChromemIndex) Index(ctx context.Context, m storage.Message) error {
	if norm(m.Embedding) == 0 {
		return nil
	}
	if err := ix.col.AddDocument(ctx, document(m)); err != nil {
		return fmt.Errorf("add document %d: %w", m.ID, err)
	}
	return nil
}

// Warm loads every embedded message from the store.
func (ix *ChromemIndex) Warm(ctx context.Context, src EmbeddedLister) error {
	msgs, err := src.EmbeddedMessages(ctx, "")
	if err != nil {
		return fmt.Errorf("loading embedded messages: %w", err)
	}
	docs := make([]chromem.Document, 0, len(msgs))
	for _, m := range msgs {
		if norm(m.Embedding) == 0 {
			continue
		}
		docs = append(docs, document(m))
	}
	if len(docs) == 0 {
		return nil
	}
	if err := ix.col.AddDocuments(ctx, docs, 4); err != nil {
		return fmt.Errorf("add documents: %w", err)
	}
	ix.logger.Info("vector index warmed", "documents", len(docs))
	return nil
}

// Count returns the number of indexed documents.
func (ix *ChromemIndex) Count() int { return ix.col.Count() }

// Candidates queries the collection. chromem orders by similarity alone, so
// the window is widened until no document tied with the last kept one can
// sit outside it.
func (ix *ChromemIndex) Candidates(ctx context.Context, query []float32, channelID string, threshold float32, limit int) ([]Candidate, error) {
	total := ix.col.Count()
	if limit <= 0 || total == 0 || norm(query) == 0 {
		return nil, nil
	}
	var where map[string]string
	if channelID != "" {
		where = map[string]string{metaChannel: channelID}
	}

	n := min(total, 2*limit)
	var results []chromem.Result
	for {
		var err error
		results, err = ix.col.QueryEmbedding(ctx, query, n, where, nil)
		if err != nil {
			return nil, fmt.Errorf("chromem query: %w", err)
		}
		if len(results) < n || n == total || len(results) <= limit {
			break
		}
		last := results[len(results)-1].Similarity
		if last < results[limit-1].Similarity || last < threshold {
			break
		}
		n = min(total, 2*n)
	}

	out := make([]Candidate, 0, len(results))
	for _, r := range results {
		if r.Similarity < threshold {
			continue
		}
		id, err := strconv.ParseInt(r.ID, 10, 64)
		if err != nil {
			ix.logger.Warn("skipping malformed index document", "id", r.ID, "error", err)
			continue
		}
		nanos, _ := strconv.ParseInt(r.Metadata[metaCreatedAt], 10, 64)
		out = append(out, Candidate{ID: id, CreatedAt: time.Unix(0, nanos).UTC(), Score: r.Similarity})
	}
	sort.Slice(out, func(i, j int) bool { return ranksBefore(out[i], out[j]) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
