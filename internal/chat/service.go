// Package chat turns one inbound chat event into a stored exchange: it
// ingests the message, gathers context and memories, asks the language model
// and stores the answer.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kalambet/aigis/internal/breaker"
	"github.com/kalambet/aigis/internal/composer"
	"github.com/kalambet/aigis/internal/messages"
	"github.com/kalambet/aigis/internal/proxy"
	"github.com/kalambet/aigis/internal/retrieval"
	"github.com/kalambet/aigis/internal/storage"
)

// MaxReplyRunes is the longest reply a chat surface accepts.
const MaxReplyRunes = 2000

const (
	UnavailableReply = "I'm temporarily unavailable. Please try again in a moment."
	ErrorReply       = "Sorry, something went wrong."
)

// ErrEmptyMessage is returned for events without text.
var ErrEmptyMessage = errors.New("chat: empty message")

// MessageStore is the part of messages.Service the chat turn needs.
type MessageStore interface {
	Ingest(ctx context.Context, req messages.IngestRequest) (storage.Message, error)
	Recent(ctx context.Context, channelID string, limit int) ([]storage.Message, error)
}

// Searcher ranks stored messages against a query.
type Searcher interface {
	Search(ctx context.Context, q retrieval.Query) ([]retrieval.Result, error)
}

// Completer produces a model answer.
type Completer interface {
	Complete(ctx context.Context, req proxy.ChatRequest) (string, error)
}

// Deps is constructed once at startup and shared by every chat turn.
type Deps struct {
	Messages MessageStore
	Searcher Searcher
	Composer *composer.Composer
	LLM      Completer

	Model        string
	SystemPrompt string
	ContextLimit int
	SearchLimit  int
	// Threshold is passed to search as is; 0 is a valid cutoff.
	Threshold    float32

	BotID   string
	BotName string

	Logger *slog.Logger
	// NewID generates external ids for stored replies. Defaults to uuid.
	NewID func() string
}

// Event is one inbound chat message.
type Event struct {
	MessageID   string
	ChannelID   string
	GuildID     string
	AuthorID    string
	AuthorName  string
	Content     string
	CreatedAt   time.Time
	Destination Destination
}

// Reply is the outcome of a chat turn. Text is empty when the destination
// does not accept replies.
type Reply struct {
	Text       string
	ChannelID  string
	ExternalID string
	Memories   int
	// Degraded is set when Text is a canned stand-in for a model answer.
	Degraded bool
}

// Service handles chat turns.
type Service struct {
	deps Deps
}

// NewService validates deps and fills defaults.
func NewService(d Deps) (*Service, error) {
	if d.Messages == nil || d.LLM == nil {
		return nil, fmt.Errorf("chat: message store and completer are required")
	}
	if d.Composer == nil {
		d.Composer = composer.New(0, nil)
	}
	if d.Model == "" {
		d.Model = proxy.DefaultModel
	}
	if d.BotID == "" {
		d.BotID = "aigis"
	}
	if d.BotName == "" {
		d.BotName = "aigis"
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.NewID == nil {
		d.NewID = uuid.NewString
	}
	return &Service{deps: d}, nil
}

// Handle runs one chat turn. Only storage failures of the inbound message
// and malformed events are returned as errors; model failures become canned
// replies.
func (s *Service) Handle(ctx context.Context, ev Event) (Reply, error) {
	if strings.TrimSpace(ev.Content) == "" {
		return Reply{}, ErrEmptyMessage
	}
	replyTo, canReply, err := ReplyChannel(ev.Destination)
	if err != nil {
		return Reply{}, err
	}

	in, err := s.deps.Messages.Ingest(ctx, messages.IngestRequest{
		ExternalID: ev.MessageID,
		ChannelID:  ev.ChannelID,
		GuildID:    ev.GuildID,
		AuthorID:   ev.AuthorID,
		AuthorName: ev.AuthorName,
		Content:    ev.Content,
		Role:       storage.RoleUser,
		CreatedAt:  ev.CreatedAt,
	})
	if err != nil {
		return Reply{}, fmt.Errorf("storing message: %w", err)
	}
	if !canReply {
		s.deps.Logger.Debug("destination does not accept replies", "channel_id", ev.ChannelID, "destination", fmt.Sprintf("%T", ev.Destination))
		return Reply{ChannelID: replyTo}, nil
	}

	history, err := s.deps.Messages.Recent(ctx, ev.ChannelID, s.deps.ContextLimit)
	if err != nil {
		s.deps.Logger.Warn("loading recent context failed", "channel_id", ev.ChannelID, "error", err)
	}
	history = without(history, in.ID)

	var memories []retrieval.Result
	if s.deps.Searcher != nil {
		memories, err = s.deps.Searcher.Search(ctx, retrieval.Query{
			Text:      ev.Content,
			ChannelID: ev.ChannelID,
			Limit:     s.deps.SearchLimit,
			Threshold: s.deps.Threshold,
		})
		if err != nil {
			s.deps.Logger.Warn("memory search failed", "channel_id", ev.ChannelID, "error", err)
		}
		memories = withoutResult(memories, in.ID)
	}

	prompt := s.deps.Composer.Compose(composer.Input{
		System:   s.deps.SystemPrompt,
		History:  history,
		Memories: memories,
		Message:  ev.Content,
	})

	answer, err := s.deps.LLM.Complete(ctx, proxy.ChatRequest{
		Model: s.deps.Model,
		Messages: []proxy.Message{
			{Role: "system", Content: prompt.System},
			{Role: "user", Content: prompt.User},
		},
	})
	switch {
	case errors.Is(err, breaker.ErrOpen):
		s.deps.Logger.Warn("language model circuit open", "error", err)
		return Reply{Text: UnavailableReply, ChannelID: replyTo, Memories: len(memories), Degraded: true}, nil
	case err != nil:
		s.deps.Logger.Error("language model call failed", "error", err)
		return Reply{Text: ErrorReply, ChannelID: replyTo, Memories: len(memories), Degraded: true}, nil
	}

	answer = Truncate(strings.TrimSpace(answer), MaxReplyRunes)
	reply := Reply{Text: answer, ChannelID: replyTo, ExternalID: s.deps.NewID(), Memories: len(memories)}

	if _, err := s.deps.Messages.Ingest(ctx, messages.IngestRequest{
		ExternalID: reply.ExternalID,
		ChannelID:  ev.ChannelID,
		GuildID:    ev.GuildID,
		AuthorID:   s.deps.BotID,
		AuthorName: s.deps.BotName,
		Content:    answer,
		Role:       storage.RoleAssistant,
	}); err != nil {
		s.deps.Logger.Warn("storing reply failed", "external_id", reply.ExternalID, "error", err)
	}
	return reply, nil
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

func without(msgs []storage.Message, id int64) []storage.Message {
	out := msgs[:0:0]
	for _, m := range msgs {
		if m.ID != id {
			out = append(out, m)
		}
	}
	return out
}

func withoutResult(results []retrieval.Result, id int64) []retrieval.Result {
	out := results[:0:0]
	for _, r := range results {
		if r.Message.ID != id {
			out = append(out, r)
		}
	}
	return out
}
