// Package composer formats message windows and search hits into prompt text.
package composer

import (
	"fmt"
	"strings"

	"github.com/kalambet/aigis/internal/retrieval"
	"github.com/kalambet/aigis/internal/storage"
)

// Labeler picks the bracketed label shown before a message's content.
type Labeler func(m storage.Message) string

// RoleLabel labels lines "user" or "assistant".
func RoleLabel(m storage.Message) string {
	if m.Role == "" {
		return string(storage.RoleUser)
	}
	return string(m.Role)
}

// AuthorLabel labels lines with the author's display name, falling back to
// the author id.
func AuthorLabel(m storage.Message) string {
	if m.AuthorName != "" {
		return m.AuthorName
	}
	return m.AuthorID
}

// LabelerByName maps "role" and "author" to their labelers.
func LabelerByName(name string) (Labeler, error) {
	switch name {
	case "", "role":
		return RoleLabel, nil
	case "author":
		return AuthorLabel, nil
	}
	return nil, fmt.Errorf("unknown label style %q (want role or author)", name)
}

// BuildContext renders one "[label] content" line per message, in the order
// given, joined by "\n". No messages yields "".
func BuildContext(msgs []storage.Message, label Labeler) string {
	if label == nil {
		label = RoleLabel
	}
	lines := make([]string, len(msgs))
	for i, m := range msgs {
		lines[i] = contextLine(m, label)
	}
	return strings.Join(lines, "\n")
}

func contextLine(m storage.Message, label Labeler) string {
	return "[" + label(m) + "] " + m.Content
}

// MemoryTimeLayout is the timestamp format used for recalled memories.
const MemoryTimeLayout = "2006-01-02 15:04"

// NoMemories is the placeholder shown when a search produced nothing.
const NoMemories = "No relevant memories found."

// FormatMemory renders one search hit as "[2006-01-02 15:04] author: content".
func FormatMemory(r retrieval.Result) string {
	return fmt.Sprintf("[%s] %s: %s", r.Message.CreatedAt.UTC().Format(MemoryTimeLayout), AuthorLabel(r.Message), r.Message.Content)
}

// FormatMemories joins search hits with blank lines. No hits yields "".
func FormatMemories(results []retrieval.Result) string {
	blocks := make([]string, len(results))
	for i, r := range results {
		blocks[i] = FormatMemory(r)
	}
	return strings.Join(blocks, "\n\n")
}

// MemoriesReport is the tool-facing rendering: a count header followed by
// the memories, or NoMemories.
func MemoriesReport(results []retrieval.Result) string {
	if len(results) == 0 {
		return NoMemories
	}
	return fmt.Sprintf("Found %d relevant memories:\n\n%s", len(results), FormatMemories(results))
}
