package chat

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zorxido-ai/zorxido/internal/llm"
	"github.com/zorxido-ai/zorxido/internal/store"
)

// TurnSource provides the persisted conversation history, newest first. A
// non-empty scope restricts history to turns that touched those books.
type TurnSource interface {
	ListRecentTurns(ctx context.Context, userID string, scope []string, limit int) ([]store.Turn, error)
}

// Generator is the single-call generation surface the memory manager and
// other prompt-building components need.
type Generator interface {
	Generate(ctx context.Context, req llm.GenerateRequest) (llm.GenerateResult, error)
}

// Recalled is the memory window for one request.
type Recalled struct {
	History     string `json:"history"`
	HasArtifact bool   `json:"has_artifact"`
}

// Memory fetches recent turns, formats them for prompt injection, and
// rewrites the current query to be self-contained.
type Memory struct {
	turns        TurnSource
	gen          Generator
	cache        *redis.Client
	rewriteModel string
	turnPairs    int
	cacheTTL     time.Duration
	logger       *log.Logger
}

// NewMemory builds a Memory. cache may be nil, in which case every recall
// reads the store directly.
func NewMemory(turns TurnSource, gen Generator, cache *redis.Client, rewriteModel string, turnPairs int, cacheTTL time.Duration, logger *log.Logger) *Memory {
	if turnPairs <= 0 {
		turnPairs = 3
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Memory{turns: turns, gen: gen, cache: cache, rewriteModel: rewriteModel, turnPairs: turnPairs, cacheTTL: cacheTTL, logger: logger}
}

// cacheKey is user+scope: the same user chatting about different books gets
// separate windows.
func (m *Memory) cacheKey(userID string, scope []string) string {
	if len(scope) == 0 {
		return "chat:memory:" + userID + ":all"
	}
	sorted := append([]string(nil), scope...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, ",")))
	return "chat:memory:" + userID + ":" + hex.EncodeToString(sum[:8])
}

// Recall returns the formatted recent-turn block (oldest line first, built
// from the newest N turn pairs) and whether any recent assistant turn
// carries an artifact. A non-empty scope keeps only turns about those books.
func (m *Memory) Recall(ctx context.Context, userID string, scope []string) (Recalled, error) {
	if m.cache != nil {
		if raw, err := m.cache.Get(ctx, m.cacheKey(userID, scope)).Bytes(); err == nil {
			var rec Recalled
			if json.Unmarshal(raw, &rec) == nil {
				return rec, nil
			}
		}
	}

	turns, err := m.turns.ListRecentTurns(ctx, userID, scope, m.turnPairs*2)
	if err != nil {
		return Recalled{}, fmt.Errorf("list recent turns: %w", err)
	}

	rec := Recalled{History: formatHistory(turns)}
	for _, t := range turns {
		if t.Role == "assistant" && len(t.Artifact) > 0 {
			rec.HasArtifact = true
			break
		}
	}

	if m.cache != nil {
		if raw, err := json.Marshal(rec); err == nil {
			if err := m.cache.Set(ctx, m.cacheKey(userID, scope), raw, m.cacheTTL).Err(); err != nil {
				m.logger.Printf("[CHAT] memory cache set failed: %v", err)
			}
		}
	}
	return rec, nil
}

// Invalidate drops every cached window for the user after a new turn is
// appended, whatever scope it was recalled under.
func (m *Memory) Invalidate(ctx context.Context, userID string) {
	if m.cache == nil {
		return
	}
	iter := m.cache.Scan(ctx, 0, "chat:memory:"+userID+":*", 0).Iterator()
	for iter.Next(ctx) {
		if err := m.cache.Del(ctx, iter.Val()).Err(); err != nil && err != redis.Nil {
			m.logger.Printf("[CHAT] memory cache invalidate failed: %v", err)
		}
	}
	if err := iter.Err(); err != nil {
		m.logger.Printf("[CHAT] memory cache scan failed: %v", err)
	}
}

// formatHistory renders turns as alternating "User:"/"Assistant:" lines in
// chronological order. The input is newest first.
func formatHistory(turns []store.Turn) string {
	if len(turns) == 0 {
		return ""
	}
	parts := make([]string, 0, len(turns))
	for i := len(turns) - 1; i >= 0; i-- {
		switch turns[i].Role {
		case "user":
			parts = append(parts, "User: "+turns[i].Content)
		case "assistant":
			parts = append(parts, "Assistant: "+turns[i].Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Rewrite resolves pronouns and contextual references in the query using the
// conversation history. It returns the original query when there is no
// history, when the rewrite call fails, or when the rewritten text is
// suspiciously short. It never returns an error: rewriting only degrades.
func (m *Memory) Rewrite(ctx context.Context, query, history string) string {
	if history == "" || m.gen == nil {
		return query
	}

	prompt := fmt.Sprintf(`You are a query rewriting assistant. Your job is to rewrite user questions by resolving pronouns and contextual references based on conversation history.

Conversation History:
%s

Current User Question: %s

Rewrite the question by:
1. Replacing pronouns (this, that, it, them) with specific entities mentioned in history
2. Expanding abbreviations to full terms
3. Clarifying ambiguous references
4. Making the question self-contained and searchable

Return ONLY the rewritten question, nothing else. Do not add explanations or metadata.`, history, query)

	res, err := m.gen.Generate(ctx, llm.GenerateRequest{
		Model:       m.rewriteModel,
		System:      "You are a query rewriting assistant. Rewrite questions to be self-contained and searchable.",
		Prompt:      prompt,
		Temperature: 0.3,
		MaxTokens:   200,
	})
	if err != nil {
		m.logger.Printf("[CHAT] query rewrite failed, using original: %v", err)
		return query
	}
	rewritten := strings.TrimSpace(res.Text)
	// A rewrite should expand the query; a much shorter result usually means
	// the model answered instead of rewriting.
	if len(rewritten) < len(query)*8/10 {
		return query
	}
	return rewritten
}
