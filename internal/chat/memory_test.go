package chat

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/zorxido-ai/zorxido/internal/llm"
	"github.com/zorxido-ai/zorxido/internal/store"
)

type fakeTurnSource struct {
	turns []store.Turn
	err   error
	calls int
}

func (f *fakeTurnSource) ListRecentTurns(ctx context.Context, userID string, scope []string, limit int) ([]store.Turn, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	turns := f.turns
	if len(scope) > 0 {
		inScope := make(map[string]bool, len(scope))
		for _, id := range scope {
			inScope[id] = true
		}
		turns = nil
		for _, t := range f.turns {
			for _, id := range t.BookIDs {
				if inScope[id] {
					turns = append(turns, t)
					break
				}
			}
		}
	}
	if limit < len(turns) {
		return turns[:limit], nil
	}
	return turns, nil
}

type fakeGenerator struct {
	text string
	err  error
	last llm.GenerateRequest
}

func (f *fakeGenerator) Generate(ctx context.Context, req llm.GenerateRequest) (llm.GenerateResult, error) {
	f.last = req
	if f.err != nil {
		return llm.GenerateResult{}, f.err
	}
	return llm.GenerateResult{Text: f.text}, nil
}

func TestRecallFormatsChronologically(t *testing.T) {
	t.Parallel()
	// Store returns newest first.
	src := &fakeTurnSource{turns: []store.Turn{
		{Role: "assistant", Content: "October 15, 2025."},
		{Role: "user", Content: "What is the bond maturity?"},
	}}
	m := NewMemory(src, nil, nil, "m", 3, 0, nil)

	rec, err := m.Recall(context.Background(), "u1", nil)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	want := "User: What is the bond maturity?\n\nAssistant: October 15, 2025."
	if rec.History != want {
		t.Fatalf("History = %q, want %q", rec.History, want)
	}
	if rec.HasArtifact {
		t.Fatal("HasArtifact = true without artifacts")
	}
}

func TestRecallDetectsArtifact(t *testing.T) {
	t.Parallel()
	src := &fakeTurnSource{turns: []store.Turn{
		{Role: "assistant", Content: "done", Artifact: []byte(`{"artifact_type":"checklist"}`)},
		{Role: "user", Content: "make a plan"},
	}}
	m := NewMemory(src, nil, nil, "m", 3, 0, nil)

	rec, err := m.Recall(context.Background(), "u1", nil)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if !rec.HasArtifact {
		t.Fatal("artifact in history not detected")
	}
}

func TestRecallFiltersByScope(t *testing.T) {
	t.Parallel()
	src := &fakeTurnSource{turns: []store.Turn{
		{Role: "assistant", Content: "The vesting cliff is one year.", BookIDs: []string{"b2"}},
		{Role: "user", Content: "When does equity vest?", BookIDs: []string{"b2"}},
		{Role: "assistant", Content: "October 15, 2025.", BookIDs: []string{"b1"}},
		{Role: "user", Content: "What is the bond maturity?", BookIDs: []string{"b1"}},
	}}
	m := NewMemory(src, nil, nil, "m", 3, 0, nil)

	rec, err := m.Recall(context.Background(), "u1", []string{"b1"})
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if !strings.Contains(rec.History, "bond maturity") {
		t.Fatalf("in-scope turn missing from history: %q", rec.History)
	}
	if strings.Contains(rec.History, "equity vest") {
		t.Fatalf("out-of-scope turn leaked into history: %q", rec.History)
	}
}

func TestCacheKeyVariesByScope(t *testing.T) {
	t.Parallel()
	m := NewMemory(&fakeTurnSource{}, nil, nil, "m", 3, 0, nil)

	all := m.cacheKey("u1", nil)
	b1 := m.cacheKey("u1", []string{"b1"})
	b2 := m.cacheKey("u1", []string{"b2"})
	if all == b1 || b1 == b2 {
		t.Fatalf("scopes share a cache key: %q %q %q", all, b1, b2)
	}
	// Scope order must not matter.
	if m.cacheKey("u1", []string{"b1", "b2"}) != m.cacheKey("u1", []string{"b2", "b1"}) {
		t.Fatal("cache key depends on scope order")
	}
}

func TestRewriteResolvesReferences(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{text: "What happens if we miss the October 15, 2025 bond maturity date?"}
	m := NewMemory(&fakeTurnSource{}, gen, nil, "rewrite-model", 3, 0, nil)

	history := "User: What is the bond maturity?\n\nAssistant: October 15, 2025."
	got := m.Rewrite(context.Background(), "What happens if we miss that date?", history)
	if !strings.Contains(got, "October 15, 2025") {
		t.Fatalf("rewrite did not resolve referent: %q", got)
	}
	if gen.last.Model != "rewrite-model" {
		t.Fatalf("model = %q", gen.last.Model)
	}
}

func TestRewriteDegradesToOriginal(t *testing.T) {
	t.Parallel()
	original := "What happens if we miss that date?"
	history := "User: a\n\nAssistant: b"

	t.Run("no history", func(t *testing.T) {
		m := NewMemory(&fakeTurnSource{}, &fakeGenerator{text: "anything"}, nil, "m", 3, 0, nil)
		if got := m.Rewrite(context.Background(), original, ""); got != original {
			t.Fatalf("got %q", got)
		}
	})
	t.Run("generation error", func(t *testing.T) {
		m := NewMemory(&fakeTurnSource{}, &fakeGenerator{err: errors.New("boom")}, nil, "m", 3, 0, nil)
		if got := m.Rewrite(context.Background(), original, history); got != original {
			t.Fatalf("got %q", got)
		}
	})
	t.Run("too short rewrite", func(t *testing.T) {
		m := NewMemory(&fakeTurnSource{}, &fakeGenerator{text: "short"}, nil, "m", 3, 0, nil)
		if got := m.Rewrite(context.Background(), original, history); got != original {
			t.Fatalf("got %q", got)
		}
	})
}

func TestRecallWindowIsBounded(t *testing.T) {
	t.Parallel()
	var turns []store.Turn
	for i := 0; i < 10; i++ {
		turns = append(turns, store.Turn{Role: "user", Content: "q"})
	}
	src := &fakeTurnSource{turns: turns}
	m := NewMemory(src, nil, nil, "m", 3, 0, nil)

	rec, err := m.Recall(context.Background(), "u1", nil)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if n := strings.Count(rec.History, "User:"); n != 6 {
		t.Fatalf("window = %d messages, want 6", n)
	}
}
