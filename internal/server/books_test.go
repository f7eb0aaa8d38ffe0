package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/zorxido-ai/zorxido/internal/store"
)

type stubBookStore struct {
	books  map[string]store.Book
	order  []string
	access map[string]bool
}

func (s *stubBookStore) ListBooks(ctx context.Context, userID string) ([]store.Book, error) {
	out := make([]store.Book, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.books[id])
	}
	return out, nil
}

func (s *stubBookStore) GetBook(ctx context.Context, id string) (store.Book, error) {
	b, ok := s.books[id]
	if !ok {
		return store.Book{}, sql.ErrNoRows
	}
	return b, nil
}

func (s *stubBookStore) HasBookAccess(ctx context.Context, userID, bookID string) (bool, error) {
	return s.access[bookID], nil
}

func testBookStore() *stubBookStore {
	summarized := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &stubBookStore{
		books: map[string]store.Book{
			"book-1": {
				ID:               "book-1",
				Title:            "Deep Work",
				Author:           "Cal Newport",
				GlobalSummary:    sql.NullString{String: "A case for focused effort.", Valid: true},
				SummaryUpdatedAt: sql.NullTime{Time: summarized, Valid: true},
				CreatedAt:        time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
			},
			"book-2": {
				ID:        "book-2",
				Title:     "Moby Dick",
				Author:    "Herman Melville",
				CreatedAt: time.Date(2026, 2, 5, 0, 0, 0, 0, time.UTC),
			},
		},
		order:  []string{"book-1", "book-2"},
		access: map[string]bool{"book-1": true, "book-2": true},
	}
}

func TestListBooks(t *testing.T) {
	t.Parallel()
	h := NewBooksHandler(testBookStore(), nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/books", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-1")

	if err := h.list(ctx); err != nil {
		t.Fatalf("list returned error: %v", err)
	}
	var out []BookResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 books, got %d", len(out))
	}
	if !out[0].HasSummary || out[0].SummaryAt == nil {
		t.Errorf("book-1 should report its summary: %+v", out[0])
	}
	if out[1].HasSummary || out[1].SummaryAt != nil {
		t.Errorf("book-2 should not report a summary: %+v", out[1])
	}
}

func TestGetBookRequiresAccess(t *testing.T) {
	t.Parallel()
	st := testBookStore()
	st.access["book-2"] = false
	h := NewBooksHandler(st, nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/books/book-2", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-1")
	ctx.SetParamNames("id")
	ctx.SetParamValues("book-2")

	err := h.get(ctx)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusNotFound {
		t.Fatalf("expected 404 HTTPError, got %v", err)
	}
}

func TestGetBook(t *testing.T) {
	t.Parallel()
	h := NewBooksHandler(testBookStore(), nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/books/book-1", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-1")
	ctx.SetParamNames("id")
	ctx.SetParamValues("book-1")

	if err := h.get(ctx); err != nil {
		t.Fatalf("get returned error: %v", err)
	}
	var out BookResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Title != "Deep Work" || out.Author != "Cal Newport" {
		t.Errorf("unexpected book: %+v", out)
	}
}
