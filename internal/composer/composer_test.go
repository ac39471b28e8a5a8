package composer

import (
	"strings"
	"testing"
	"time"

	"github.com/kalambet/aigis/internal/retrieval"
	"github.com/kalambet/aigis/internal/storage"
)

func msg(role storage.Role, author, content string) storage.Message {
	return storage.Message{Role: role, AuthorID: "id-" + author, AuthorName: author, Content: content}
}

func TestBuildContext(t *testing.T) {
	msgs := []storage.Message{
		msg(storage.RoleUser, "Ann", "hi"),
		msg(storage.RoleAssistant, "aigis", "hello Ann"),
		msg(storage.RoleUser, "Bob", "what's up"),
	}

	tests := []struct {
		name  string
		label Labeler
		want  string
	}{
		{"role", RoleLabel, "[user] hi\n[assistant] hello Ann\n[user] what's up"},
		{"author", AuthorLabel, "[Ann] hi\n[aigis] hello Ann\n[Bob] what's up"},
		{"nil defaults to role", nil, "[user] hi\n[assistant] hello Ann\n[user] what's up"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildContext(msgs, tt.label); got != tt.want {
				t.Errorf("BuildContext =\n%q\nwant\n%q", got, tt.want)
			}
		})
	}
}

func TestBuildContext_EmptyAndOrderPreserved(t *testing.T) {
	if got := BuildContext(nil, RoleLabel); got != "" {
		t.Errorf("BuildContext(nil) = %q, want empty", got)
	}

	// Input order is kept even when timestamps disagree.
	late := msg(storage.RoleUser, "A", "second")
	late.CreatedAt = time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	early := msg(storage.RoleUser, "A", "first")
	early.CreatedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := BuildContext([]storage.Message{late, early}, RoleLabel); got != "[user] second\n[user] first" {
		t.Errorf("order changed: %q", got)
	}
}

func TestBuildContext_Deterministic(t *testing.T) {
	msgs := []storage.Message{msg(storage.RoleUser, "A", "x"), msg(storage.RoleAssistant, "B", "y")}
	first := BuildContext(msgs, AuthorLabel)
	for range 10 {
		if got := BuildContext(msgs, AuthorLabel); got != first {
			t.Fatalf("non-deterministic output: %q vs %q", got, first)
		}
	}
}

func TestAuthorLabel_FallsBackToID(t *testing.T) {
	m := storage.Message{AuthorID: "u42", Content: "x"}
	if got := AuthorLabel(m); got != "u42" {
		t.Errorf("AuthorLabel = %q, want u42", got)
	}
}

func TestLabelerByName(t *testing.T) {
	for _, name := range []string{"", "role", "author"} {
		if _, err := LabelerByName(name); err != nil {
			t.Errorf("LabelerByName(%q): %v", name, err)
		}
	}
	if _, err := LabelerByName("emoji"); err == nil {
		t.Error("expected error for unknown style")
	}
}

func result(author, content string, at time.Time, score float32) retrieval.Result {
	return retrieval.Result{Message: storage.Message{AuthorName: author, Content: content, CreatedAt: at}, Score: score}
}

func TestMemoriesReport(t *testing.T) {
	at := time.Date(2026, 3, 4, 15, 9, 30, 0, time.UTC)
	results := []retrieval.Result{
		result("Ann", "the deploy is friday", at, 0.9),
		result("Bob", "ok", at.Add(time.Hour), 0.8),
	}

	want := "Found 2 relevant memories:\n\n[2026-03-04 15:09] Ann: the deploy is friday\n\n[2026-03-04 16:09] Bob: ok"
	if got := MemoriesReport(results); got != want {
		t.Errorf("MemoriesReport =\n%q\nwant\n%q", got, want)
	}
	if got := MemoriesReport(nil); got != NoMemories {
		t.Errorf("MemoriesReport(nil) = %q", got)
	}
	if got := FormatMemories(nil); got != "" {
		t.Errorf("FormatMemories(nil) = %q", got)
	}
}

func TestCompose_Sections(t *testing.T) {
	c := New(4000, RoleLabel)
	at := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	p := c.Compose(Input{
		System:   "Be brief.",
		History:  []storage.Message{msg(storage.RoleUser, "Ann", "hi")},
		Memories: []retrieval.Result{result("Ann", "likes tea", at, 0.9)},
		Message:  "what do I like?",
	})

	if p.System != "Be brief." {
		t.Errorf("System = %q", p.System)
	}
	want := "## Context\n[user] hi\n\n## Relevant Memories\n[2026-01-01 08:00] Ann: likes tea\n\n## Current Message\nwhat do I like?"
	if p.User != want {
		t.Errorf("User =\n%q\nwant\n%q", p.User, want)
	}
	if !strings.HasPrefix(p.String(), "Be brief.\n\n## Context") {
		t.Errorf("String() = %q", p.String())
	}
}

func TestCompose_EmptySectionsOmitted(t *testing.T) {
	p := New(0, nil).Compose(Input{Message: "hello"})
	if p.System != DefaultSystemPrompt {
		t.Errorf("System = %q, want default", p.System)
	}
	if p.User != "## Current Message\nhello" {
		t.Errorf("User = %q", p.User)
	}
}

func TestCompose_BudgetDropsOldestHistoryFirst(t *testing.T) {
	long := strings.Repeat("x", 40) // 10 tokens + label
	history := []storage.Message{
		msg(storage.RoleUser, "A", "oldest "+long),
		msg(storage.RoleUser, "A", "middle "+long),
		msg(storage.RoleUser, "A", "newest "+long),
	}
	c := New(30, RoleLabel)
	p := c.Compose(Input{History: history, Message: "q"})

	if strings.Contains(p.User, "oldest") {
		t.Error("oldest line should have been dropped")
	}
	if !strings.Contains(p.User, "newest") {
		t.Error("newest line should be kept")
	}
}

func TestCompose_BudgetDropsWeakestMemoriesAfterHistory(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	long := strings.Repeat("y", 60)
	c := New(25, RoleLabel)
	p := c.Compose(Input{
		History: []storage.Message{msg(storage.RoleUser, "A", "history "+long)},
		Memories: []retrieval.Result{
			result("A", "strong", at, 0.95),
			result("A", "weak "+long, at, 0.71),
		},
		Message: "q",
	})

	if strings.Contains(p.User, "history") {
		t.Error("history should be dropped before memories")
	}
	if strings.Contains(p.User, "weak") {
		t.Error("weakest memory should be dropped")
	}
	if !strings.Contains(p.User, "strong") {
		t.Error("strongest memory should survive")
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}
