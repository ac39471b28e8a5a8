package api

import (
	"fmt"
	"time"

	"github.com/kalambet/aigis/internal/gap"
	"github.com/kalambet/aigis/internal/retrieval"
	"github.com/kalambet/aigis/internal/storage"
)

type messageView struct {
	ID           int64     `json:"id"`
	ExternalID   string    `json:"external_id"`
	ChannelID    string    `json:"channel_id"`
	GuildID      string    `json:"guild_id,omitempty"`
	AuthorID     string    `json:"author_id"`
	AuthorName   string    `json:"author_name"`
	Content      string    `json:"content"`
	Role         string    `json:"role"`
	IsBot        bool      `json:"is_bot"`
	CreatedAt    time.Time `json:"created_at"`
	HasEmbedding bool      `json:"has_embedding"`
}

func viewMessage(m storage.Message) messageView {
	return messageView{
		ID:           m.ID,
		ExternalID:   m.ExternalID,
		ChannelID:    m.ChannelID,
		GuildID:      m.GuildID,
		AuthorID:     m.AuthorID,
		AuthorName:   m.AuthorName,
		Content:      m.Content,
		Role:         string(m.Role),
		IsBot:        m.IsBot(),
		CreatedAt:    m.CreatedAt.UTC(),
		HasEmbedding: m.HasEmbedding(),
	}
}

func viewMessages(msgs []storage.Message) []messageView {
	out := make([]messageView, len(msgs))
	for i, m := range msgs {
		out[i] = viewMessage(m)
	}
	return out
}

type resultView struct {
	Message messageView `json:"message"`
	Score   float32     `json:"score"`
}

func viewResults(results []retrieval.Result) []resultView {
	out := make([]resultView, len(results))
	for i, r := range results {
		out[i] = resultView{Message: viewMessage(r.Message), Score: r.Score}
	}
	return out
}

const noGapMessage = "No messages found between your last two messages. Either this is your first message in this channel, or no one has sent any messages since your last message."

type gapMessage struct {
	Author    string `json:"author"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	IsBot     bool   `json:"isBot"`
}

// gapReport is the catch-up answer shared by the HTTP and MCP surfaces.
type gapReport struct {
	Found        bool         `json:"found"`
	Outcome      gap.Outcome  `json:"outcome"`
	MessageCount int          `json:"messageCount,omitempty"`
	Messages     []gapMessage `json:"messages,omitempty"`
	Truncated    bool         `json:"truncated,omitempty"`
	Summary      string       `json:"summary,omitempty"`
	Message      string       `json:"message,omitempty"`
}

func reportGap(res gap.Result) gapReport {
	if res.Empty() {
		return gapReport{Outcome: res.Outcome, Message: noGapMessage}
	}
	msgs := make([]gapMessage, len(res.Messages))
	for i, m := range res.Messages {
		msgs[i] = gapMessage{
			Author:    m.AuthorName,
			Content:   m.Content,
			Timestamp: m.CreatedAt.UTC().Format(time.RFC3339Nano),
			IsBot:     m.IsBot(),
		}
	}
	return gapReport{
		Found:        true,
		Outcome:      res.Outcome,
		MessageCount: len(msgs),
		Messages:     msgs,
		Truncated:    res.Truncated,
		Summary: fmt.Sprintf("Found %d message(s) between your last two messages. Please provide an intelligent summary "+
			"of the key topics, important points, and overall context of what happened while the user was away.", len(msgs)),
	}
}
