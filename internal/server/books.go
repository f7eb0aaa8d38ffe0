package server

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/zorxido-ai/zorxido/internal/store"
)

// BookStore is the read surface the library endpoints need.
type BookStore interface {
	ListBooks(ctx context.Context, userID string) ([]store.Book, error)
	GetBook(ctx context.Context, id string) (store.Book, error)
	HasBookAccess(ctx context.Context, userID, bookID string) (bool, error)
}

// BooksHandler serves the read side of the user's library.
type BooksHandler struct {
	store  BookStore
	logger *log.Logger
}

func NewBooksHandler(st BookStore, logger *log.Logger) *BooksHandler {
	if logger == nil {
		logger = log.Default()
	}
	return &BooksHandler{store: st, logger: logger}
}

func (h *BooksHandler) Register(g *echo.Group) {
	g.GET("/books", h.list)
	g.GET("/books/:id", h.get)
}

// List
//
//	@Summary		List books
//	@Tags			books
//	@Security		BearerAuth
//	@Security		CookieAuth
//	@Produce		json
//	@Success		200	{array}		BookResponse
//	@Failure		500	{object}	HTTPError
//	@Router			/api/books [get]
func (h *BooksHandler) list(c echo.Context) error {
	userID, _ := c.Get("user_id").(string)
	books, err := h.store.ListBooks(c.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]BookResponse, 0, len(books))
	for _, b := range books {
		out = append(out, bookResponse(b))
	}
	return c.JSON(http.StatusOK, out)
}

// Get
//
//	@Summary		Get book
//	@Tags			books
//	@Security		BearerAuth
//	@Security		CookieAuth
//	@Produce		json
//	@Param			id	path		string	true	"Book ID"
//	@Success		200	{object}	BookResponse
//	@Failure		404	{object}	HTTPError
//	@Failure		500	{object}	HTTPError
//	@Router			/api/books/{id} [get]
func (h *BooksHandler) get(c echo.Context) error {
	ctx := c.Request().Context()
	userID, _ := c.Get("user_id").(string)
	id := c.Param("id")

	ok, err := h.store.HasBookAccess(ctx, userID, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "book not found")
	}
	b, err := h.store.GetBook(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return echo.NewHTTPError(http.StatusNotFound, "book not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, bookResponse(b))
}

func bookResponse(b store.Book) BookResponse {
	out := BookResponse{
		ID:         b.ID,
		Title:      b.Title,
		Author:     b.Author,
		HasSummary: b.GlobalSummary.Valid && b.GlobalSummary.String != "",
		CreatedAt:  b.CreatedAt,
	}
	if b.SummaryUpdatedAt.Valid {
		t := b.SummaryUpdatedAt.Time
		out.SummaryAt = &t
	}
	return out
}
