package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

type Store struct {
	DB *sql.DB
}

// DefaultEmbeddingDimensions indicates the expected length of semantic vectors stored in pgvector columns.
const DefaultEmbeddingDimensions = 1536

func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// User operations
func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (email, password_hash) VALUES ($1,$2)`, email, hash)
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE email=$1`, email).Scan(&id, &hash)
	return
}

// Book operations
type Book struct {
	ID               string
	Title            string
	Author           string
	GlobalSummary    sql.NullString
	SummaryUpdatedAt sql.NullTime
	CreatedAt        time.Time
}

func (s *Store) CreateBook(ctx context.Context, title, author string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `INSERT INTO books (title, author) VALUES ($1,$2) RETURNING id`, title, author).Scan(&id)
	return id, err
}

func (s *Store) ListBooks(ctx context.Context, userID string) ([]Book, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT b.id, b.title, b.author, b.global_summary, b.summary_updated_at, b.created_at
FROM books b
JOIN user_book_access a ON a.book_id = b.id
WHERE a.user_id = $1
ORDER BY b.created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Book
	for rows.Next() {
		var b Book
		if err := rows.Scan(&b.ID, &b.Title, &b.Author, &b.GlobalSummary, &b.SummaryUpdatedAt, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) GetBook(ctx context.Context, id string) (Book, error) {
	var b Book
	err := s.DB.QueryRowContext(ctx, `
SELECT id, title, author, global_summary, summary_updated_at, created_at FROM books WHERE id=$1`, id).
		Scan(&b.ID, &b.Title, &b.Author, &b.GlobalSummary, &b.SummaryUpdatedAt, &b.CreatedAt)
	return b, err
}

// HasBookAccess reports whether the user may read the given book.
func (s *Store) HasBookAccess(ctx context.Context, userID, bookID string) (bool, error) {
	var one int
	err := s.DB.QueryRowContext(ctx, `SELECT 1 FROM user_book_access WHERE user_id=$1 AND book_id=$2`, userID, bookID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) GrantBookAccess(ctx context.Context, userID, bookID string) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO user_book_access (user_id, book_id) VALUES ($1,$2)
ON CONFLICT (user_id, book_id) DO NOTHING`, userID, bookID)
	return err
}

// SetGlobalSummary replaces the precomputed whole-book summary.
func (s *Store) SetGlobalSummary(ctx context.Context, bookID, summary string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE books SET global_summary=$2, summary_updated_at=NOW() WHERE id=$1`, bookID, summary)
	return err
}

// ListBooksMissingSummary returns book ids with no stored global summary.
func (s *Store) ListBooksMissingSummary(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id FROM books WHERE global_summary IS NULL OR global_summary = '' ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("vector must not be empty")
	}
	var builder strings.Builder
	builder.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	builder.WriteByte(']')
	return builder.String(), nil
}
