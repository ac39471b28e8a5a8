package composer

import (
	"strings"

	"github.com/kalambet/aigis/internal/retrieval"
	"github.com/kalambet/aigis/internal/storage"
)

const (
	defaultMaxContextTokens = 4000
	DefaultSystemPrompt     = "You are a helpful AI assistant."
)

// Composer assembles the prompt for one chat turn from the system prompt,
// recent history, recalled memories and the current message.
type Composer struct {
	MaxContextTokens int
	Label            Labeler
}

// New creates a Composer with the given token budget for injected context.
// If maxContextTokens <= 0, the default (4000) is used.
func New(maxContextTokens int, label Labeler) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	if label == nil {
		label = AuthorLabel
	}
	return &Composer{MaxContextTokens: maxContextTokens, Label: label}
}

// Input is everything Compose needs.
type Input struct {
	System   string
	History  []storage.Message // oldest first
	Memories []retrieval.Result
	Message  string
}

// Prompt is the composed system and user text.
type Prompt struct {
	System string
	User   string
}

// String joins both parts the way a single-prompt completion expects them.
func (p Prompt) String() string {
	return p.System + "\n\n" + p.User
}

// Compose builds the prompt sections "## Context", "## Relevant Memories"
// and "## Current Message". Empty sections are omitted. When history and
// memories exceed the budget, the oldest history lines go first, then the
// weakest memories.
func (c *Composer) Compose(in Input) Prompt {
	system := in.System
	if strings.TrimSpace(system) == "" {
		system = DefaultSystemPrompt
	}

	history := in.History
	memories := in.Memories
	remaining := c.MaxContextTokens
	for len(history)+len(memories) > 0 {
		if EstimateTokens(BuildContext(history, c.Label))+EstimateTokens(FormatMemories(memories)) <= remaining {
			break
		}
		if len(history) > 0 {
			history = history[1:]
		} else {
			memories = memories[:len(memories)-1]
		}
	}

	var sb strings.Builder
	if ctx := BuildContext(history, c.Label); ctx != "" {
		sb.WriteString("## Context\n")
		sb.WriteString(ctx)
		sb.WriteString("\n\n")
	}
	if mem := FormatMemories(memories); mem != "" {
		sb.WriteString("## Relevant Memories\n")
		sb.WriteString(mem)
		sb.WriteString("\n\n")
	}
	sb.WriteString("## Current Message\n")
	sb.WriteString(in.Message)

	return Prompt{System: system, User: sb.String()}
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
