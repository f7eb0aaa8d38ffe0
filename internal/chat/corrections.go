package chat

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/blevesearch/bleve"

	"github.com/zorxido-ai/zorxido/internal/llm"
	"github.com/zorxido-ai/zorxido/internal/store"
)

// CorrectionSource provides persisted user corrections.
type CorrectionSource interface {
	ListCorrections(ctx context.Context, userID string, limit int) ([]store.Correction, error)
	IncrementCorrectionUsage(ctx context.Context, ids []string) error
}

// Injector surfaces the user's past corrections that are relevant to the
// current query so the generator does not repeat known mistakes.
type Injector struct {
	corrections CorrectionSource
	gen         Generator
	ruleModel   string
	cap         int
	logger      *log.Logger
}

func NewInjector(corrections CorrectionSource, gen Generator, ruleModel string, cap int, logger *log.Logger) *Injector {
	if cap <= 0 {
		cap = 5
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Injector{corrections: corrections, gen: gen, ruleModel: ruleModel, cap: cap, logger: logger}
}

type indexedCorrection struct {
	Original  string `json:"original"`
	Corrected string `json:"corrected"`
	Rule      string `json:"rule"`
}

// Relevant ranks the user's recent corrections against the query with an
// in-memory full-text index and returns the best matches, capped to bound
// prompt size. Failures degrade to no corrections, never to an error: the
// injection is an optional enhancement.
func (inj *Injector) Relevant(ctx context.Context, userID, query string) []store.Correction {
	recent, err := inj.corrections.ListCorrections(ctx, userID, 50)
	if err != nil {
		inj.logger.Printf("[CHAT] list corrections failed: %v", err)
		return nil
	}
	if len(recent) == 0 {
		return nil
	}

	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		inj.logger.Printf("[CHAT] corrections index: %v", err)
		return capCorrections(recent, inj.cap)
	}
	defer index.Close()

	byID := make(map[string]store.Correction, len(recent))
	for _, c := range recent {
		byID[c.ID] = c
		doc := indexedCorrection{Original: c.OriginalText, Corrected: c.CorrectedText, Rule: c.Rule}
		if err := index.Index(c.ID, doc); err != nil {
			inj.logger.Printf("[CHAT] index correction %s: %v", c.ID, err)
		}
	}

	q := bleve.NewMatchQuery(query)
	res, err := index.Search(bleve.NewSearchRequestOptions(q, inj.cap, 0, false))
	if err != nil {
		inj.logger.Printf("[CHAT] corrections search: %v", err)
		return capCorrections(recent, inj.cap)
	}

	var out []store.Correction
	var used []string
	for _, hit := range res.Hits {
		if c, ok := byID[hit.ID]; ok {
			out = append(out, c)
			used = append(used, c.ID)
		}
	}
	// Most-used corrections first; ties keep match order.
	sort.SliceStable(out, func(i, j int) bool { return out[i].UsageCount > out[j].UsageCount })
	if len(used) > 0 {
		if err := inj.corrections.IncrementCorrectionUsage(ctx, used); err != nil {
			inj.logger.Printf("[CHAT] increment correction usage: %v", err)
		}
	}
	return out
}

// ContextBlock renders corrections for prompt injection.
func ContextBlock(corrections []store.Correction) string {
	if len(corrections) == 0 {
		return ""
	}
	parts := []string{"IMPORTANT CORRECTIONS FROM USER:"}
	for i, c := range corrections {
		parts = append(parts, fmt.Sprintf(
			"\n%d. What I said (WRONG): %q\n   User correction: %q\n   Rule: %s",
			i+1, c.OriginalText, c.CorrectedText, c.Rule))
	}
	parts = append(parts, "\nINSTRUCTION: Do NOT repeat these mistakes. Use the user's corrections as guidance.")
	return strings.Join(parts, "\n")
}

// GenerateRule turns an original/corrected pair into a short natural-language
// rule for future prompts. Degrades to a literal restatement on failure.
func (inj *Injector) GenerateRule(ctx context.Context, original, corrected string) string {
	fallback := fmt.Sprintf("When answering similar questions, say %q instead of %q.", corrected, original)
	if inj.gen == nil {
		return fallback
	}
	res, err := inj.gen.Generate(ctx, llm.GenerateRequest{
		Model:  inj.ruleModel,
		System: "You turn user corrections to an assistant into one short imperative rule the assistant should follow in future answers. Return only the rule.",
		Prompt: fmt.Sprintf("The assistant said: %q\nThe user corrected it to: %q\n\nWrite the rule.",
			original, corrected),
		Temperature: 0.2,
		MaxTokens:   100,
	})
	if err != nil || strings.TrimSpace(res.Text) == "" {
		if err != nil {
			inj.logger.Printf("[CHAT] rule generation failed: %v", err)
		}
		return fallback
	}
	return strings.TrimSpace(res.Text)
}

func capCorrections(cs []store.Correction, n int) []store.Correction {
	if len(cs) > n {
		return cs[:n]
	}
	return cs
}
