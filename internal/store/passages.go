package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Passage is a single retrievable chunk of a book.
type Passage struct {
	ID         string
	BookID     string
	ParentID   sql.NullString
	Content    string
	Page       sql.NullInt64
	Paragraph  sql.NullInt64
	ActionTags []string
	CreatedAt  time.Time
}

// PassageHit is a passage returned by a search, with its per-channel score.
// Similarity is cosine similarity (1 - distance) for vector hits and zero for
// keyword-only hits; Rank is the 1-based position within the channel.
type PassageHit struct {
	Passage
	Similarity float64
	Rank       int
}

// SearchScope narrows a search to a set of books and, optionally, to passages
// carrying at least one of the given action tags.
type SearchScope struct {
	BookIDs []string
	Tags    []string
}

// ParentContext is the larger section a passage belongs to.
type ParentContext struct {
	ID           string
	BookID       string
	ChapterTitle string
	SectionTitle string
	TopicLabels  []string
	FullText     string
	Summary      string
	PageStart    sql.NullInt64
	PageEnd      sql.NullInt64
}

// VectorSearch returns the passages nearest to the query vector, ordered by
// cosine distance. Passages without an embedding are never returned.
func (s *Store) VectorSearch(ctx context.Context, scope SearchScope, vector []float32, limit int) ([]PassageHit, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("vector must not be empty")
	}
	if limit <= 0 {
		limit = 10
	}
	vecLiteral, err := encodeVectorLiteral(vector)
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, book_id, parent_id, content, page, paragraph, action_tags, created_at,
       1 - (embedding <=> $1::vector) AS similarity
FROM passages
WHERE book_id = ANY($2)
  AND embedding IS NOT NULL
  AND (cardinality($3::text[]) = 0 OR action_tags && $3::text[])
ORDER BY embedding <=> $1::vector
LIMIT $4
`, vecLiteral, pq.Array(scope.BookIDs), pq.Array(emptyIfNil(scope.Tags)), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanHits(rows, true)
}

// KeywordSearch returns passages matching the query via full-text search,
// ordered by ts_rank.
func (s *Store) KeywordSearch(ctx context.Context, scope SearchScope, query string, limit int) ([]PassageHit, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, book_id, parent_id, content, page, paragraph, action_tags, created_at,
       0::float8 AS similarity
FROM passages, plainto_tsquery('english', $1) query
WHERE book_id = ANY($2)
  AND (cardinality($3::text[]) = 0 OR action_tags && $3::text[])
  AND search_tsv @@ query
ORDER BY ts_rank(search_tsv, query) DESC
LIMIT $4
`, query, pq.Array(scope.BookIDs), pq.Array(emptyIfNil(scope.Tags)), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanHits(rows, true)
}

// AnyPassages returns passages from the scoped books in reading order,
// ignoring both embeddings and the query. Used as the retrieval floor when
// nothing else matches.
func (s *Store) AnyPassages(ctx context.Context, scope SearchScope, limit int) ([]PassageHit, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, book_id, parent_id, content, page, paragraph, action_tags, created_at,
       0::float8 AS similarity
FROM passages
WHERE book_id = ANY($1)
ORDER BY book_id, page NULLS LAST, paragraph NULLS LAST
LIMIT $2
`, pq.Array(scope.BookIDs), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanHits(rows, true)
}

// GetPassage fetches a single passage by id.
func (s *Store) GetPassage(ctx context.Context, id string) (Passage, error) {
	var (
		p    Passage
		tags pq.StringArray
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT id, book_id, parent_id, content, page, paragraph, action_tags, created_at
FROM passages WHERE id=$1`, id).
		Scan(&p.ID, &p.BookID, &p.ParentID, &p.Content, &p.Page, &p.Paragraph, &tags, &p.CreatedAt)
	p.ActionTags = tags
	return p, err
}

// GetParentContexts fetches the parent sections for the given ids, preserving
// the input order.
func (s *Store) GetParentContexts(ctx context.Context, ids []string) ([]ParentContext, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, book_id, chapter_title, section_title, topic_labels, full_text, summary, page_start, page_end
FROM parent_contexts WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	byID := make(map[string]ParentContext, len(ids))
	for rows.Next() {
		var (
			pc     ParentContext
			labels pq.StringArray
		)
		if err := rows.Scan(&pc.ID, &pc.BookID, &pc.ChapterTitle, &pc.SectionTitle, &labels, &pc.FullText, &pc.Summary, &pc.PageStart, &pc.PageEnd); err != nil {
			return nil, err
		}
		pc.TopicLabels = labels
		byID[pc.ID] = pc
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]ParentContext, 0, len(byID))
	for _, id := range ids {
		if pc, ok := byID[id]; ok {
			out = append(out, pc)
		}
	}
	return out, nil
}

// ChapterTitles returns the distinct chapter titles of a book in page order.
// Serves as a table-of-contents stand-in when no global summary exists.
func (s *Store) ChapterTitles(ctx context.Context, bookID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT chapter_title
FROM parent_contexts
WHERE book_id = $1 AND chapter_title <> ''
GROUP BY chapter_title
ORDER BY min(page_start) NULLS LAST, chapter_title`, bookID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanHits(rows *sql.Rows, assignRanks bool) ([]PassageHit, error) {
	var out []PassageHit
	for rows.Next() {
		var (
			h    PassageHit
			tags pq.StringArray
		)
		if err := rows.Scan(&h.ID, &h.BookID, &h.ParentID, &h.Content, &h.Page, &h.Paragraph, &tags, &h.CreatedAt, &h.Similarity); err != nil {
			return nil, err
		}
		h.ActionTags = tags
		if assignRanks {
			h.Rank = len(out) + 1
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func emptyIfNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
