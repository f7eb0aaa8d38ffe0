package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// Correction is a user-supplied fix the assistant should honor in later turns.
type Correction struct {
	ID            string
	UserID        string
	BookID        sql.NullString
	OriginalText  string
	CorrectedText string
	Rule          string
	UsageCount    int
	CreatedAt     time.Time
}

// SaveCorrection persists a correction with its generated rule and returns its id.
func (s *Store) SaveCorrection(ctx context.Context, c Correction) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO corrections (user_id, book_id, original_text, corrected_text, rule)
VALUES ($1,$2,$3,$4,$5)
RETURNING id`, c.UserID, c.BookID, c.OriginalText, c.CorrectedText, c.Rule).Scan(&id)
	return id, err
}

// ListCorrections returns a user's corrections, newest first.
func (s *Store) ListCorrections(ctx context.Context, userID string, limit int) ([]Correction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, user_id, book_id, original_text, corrected_text, rule, usage_count, created_at
FROM corrections
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Correction
	for rows.Next() {
		var c Correction
		if err := rows.Scan(&c.ID, &c.UserID, &c.BookID, &c.OriginalText, &c.CorrectedText, &c.Rule, &c.UsageCount, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// IncrementCorrectionUsage bumps the usage counter for the given corrections.
func (s *Store) IncrementCorrectionUsage(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.DB.ExecContext(ctx, `
UPDATE corrections SET usage_count = usage_count + 1 WHERE id = ANY($1)`, pq.Array(ids))
	return err
}
