package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Turn is one persisted conversation message, user or assistant.
type Turn struct {
	ID                string
	UserID            string
	Role              string
	Content           string
	BookIDs           []string
	RetrievedPassages []string
	RewrittenQuery    sql.NullString
	Strategy          sql.NullString
	CitationMap       []byte
	Sources           []byte
	Artifact          []byte
	Model             sql.NullString
	PromptTokens      int
	CompletionTokens  int
	Incomplete        bool
	CreatedAt         time.Time
}

// AppendTurn persists a turn and returns its id.
func (s *Store) AppendTurn(ctx context.Context, t Turn) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO conversation_turns
  (user_id, role, content, book_ids, retrieved_passages, rewritten_query, strategy, citation_map, sources, artifact, model, prompt_tokens, completion_tokens, incomplete)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
RETURNING id`,
		t.UserID, t.Role, t.Content, pq.Array(emptyIfNil(t.BookIDs)), pq.Array(emptyIfNil(t.RetrievedPassages)),
		t.RewrittenQuery, t.Strategy, nullableJSON(t.CitationMap), nullableJSON(t.Sources), nullableJSON(t.Artifact),
		t.Model, t.PromptTokens, t.CompletionTokens, t.Incomplete).Scan(&id)
	return id, err
}

// ListRecentTurns returns the newest turns for a user, newest first. A
// non-empty scope keeps only turns that touched at least one of those books.
func (s *Store) ListRecentTurns(ctx context.Context, userID string, scope []string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
SELECT id, user_id, role, content, book_ids, retrieved_passages, rewritten_query, strategy, citation_map, sources, artifact, model, prompt_tokens, completion_tokens, incomplete, created_at
FROM conversation_turns
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2`
	args := []interface{}{userID, limit}
	if len(scope) > 0 {
		query = `
SELECT id, user_id, role, content, book_ids, retrieved_passages, rewritten_query, strategy, citation_map, sources, artifact, model, prompt_tokens, completion_tokens, incomplete, created_at
FROM conversation_turns
WHERE user_id = $1 AND book_ids && $2
ORDER BY created_at DESC
LIMIT $3`
		args = []interface{}{userID, pq.Array(scope), limit}
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTurn fetches a single turn by id, scoped to its owner.
func (s *Store) GetTurn(ctx context.Context, userID, id string) (Turn, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, user_id, role, content, book_ids, retrieved_passages, rewritten_query, strategy, citation_map, sources, artifact, model, prompt_tokens, completion_tokens, incomplete, created_at
FROM conversation_turns
WHERE id = $1 AND user_id = $2`, id, userID)
	return scanTurn(row)
}

// LatestArtifactTurn returns the newest assistant turn carrying an artifact,
// if any. Used when refining a previously generated artifact.
func (s *Store) LatestArtifactTurn(ctx context.Context, userID string) (Turn, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, user_id, role, content, book_ids, retrieved_passages, rewritten_query, strategy, citation_map, sources, artifact, model, prompt_tokens, completion_tokens, incomplete, created_at
FROM conversation_turns
WHERE user_id = $1 AND role = 'assistant' AND artifact IS NOT NULL
ORDER BY created_at DESC
LIMIT 1`, userID)
	return scanTurn(row)
}

// SetTurnArtifact replaces the artifact payload on an owned turn.
func (s *Store) SetTurnArtifact(ctx context.Context, userID, id string, artifact []byte) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE conversation_turns SET artifact = $3 WHERE id = $1 AND user_id = $2`, id, userID, nullableJSON(artifact))
	if err != nil {
		return fmt.Errorf("set turn artifact: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTurn(row rowScanner) (Turn, error) {
	var (
		t         Turn
		bookIDs   pq.StringArray
		retrieved pq.StringArray
	)
	err := row.Scan(&t.ID, &t.UserID, &t.Role, &t.Content, &bookIDs, &retrieved, &t.RewrittenQuery, &t.Strategy, &t.CitationMap, &t.Sources, &t.Artifact, &t.Model, &t.PromptTokens, &t.CompletionTokens, &t.Incomplete, &t.CreatedAt)
	t.BookIDs = bookIDs
	t.RetrievedPassages = retrieved
	return t, err
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
