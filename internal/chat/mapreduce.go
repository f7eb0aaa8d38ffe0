package chat

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/zorxido-ai/zorxido/internal/store"
)

// BookTitler resolves book metadata for synthesis prompts.
type BookTitler interface {
	GetBook(ctx context.Context, id string) (store.Book, error)
}

// BookHits is one book's contribution to a multi-book synthesis.
type BookHits struct {
	BookID string
	Title  string
	Hits   []ScoredPassage
}

// MapReduceResult is the fan-in of per-book retrievals. Merged preserves the
// requested book order; books that matched nothing or failed are absent from
// PerBook rather than blocking the synthesis.
type MapReduceResult struct {
	PerBook []BookHits
	Merged  []ScoredPassage
}

// BookTitles lists the contributing books for prompt injection.
func (r MapReduceResult) BookTitles() []string {
	titles := make([]string, 0, len(r.PerBook))
	for _, b := range r.PerBook {
		titles = append(titles, b.Title)
	}
	return titles
}

// MapReducer runs one bounded retrieval per book for comparison queries,
// then merges the results for contrastive generation. The query is embedded
// once and the vector shared across the fan-out.
type MapReducer struct {
	retriever *Retriever
	books     BookTitler
	logger    *log.Logger
}

func NewMapReducer(retriever *Retriever, books BookTitler, logger *log.Logger) *MapReducer {
	if logger == nil {
		logger = log.Default()
	}
	return &MapReducer{retriever: retriever, books: books, logger: logger}
}

// Retrieve fans out per-book searches concurrently. The scopes are disjoint
// and share no mutable state, so the only coordination is the fan-in. A
// failed book is logged and omitted; only the embedding call is mandatory.
func (m *MapReducer) Retrieve(ctx context.Context, query string, bookIDs []string) (MapReduceResult, error) {
	vecs, err := m.retriever.embedder.Embed(ctx, m.retriever.embedModel, []string{query})
	if err != nil {
		return MapReduceResult{}, fmt.Errorf("embed query: %w", err)
	}
	vector := vecs[0]
	prof := MapReduceProfile()

	type bookResult struct {
		hits []ScoredPassage
		err  error
	}
	results := make([]bookResult, len(bookIDs))

	var wg sync.WaitGroup
	for i, bookID := range bookIDs {
		wg.Add(1)
		go func(i int, bookID string) {
			defer wg.Done()
			hits, err := m.retriever.RetrieveWithVector(ctx, vector, query, store.SearchScope{BookIDs: []string{bookID}}, prof)
			results[i] = bookResult{hits: hits, err: err}
		}(i, bookID)
	}
	wg.Wait()

	var out MapReduceResult
	for i, bookID := range bookIDs {
		res := results[i]
		if res.err != nil {
			m.logger.Printf("[CHAT] map-reduce: retrieval failed for book %s: %v", bookID, res.err)
			continue
		}
		if len(res.hits) == 0 {
			continue
		}
		out.PerBook = append(out.PerBook, BookHits{
			BookID: bookID,
			Title:  m.bookTitle(ctx, bookID),
			Hits:   res.hits,
		})
		out.Merged = append(out.Merged, res.hits...)
	}
	m.logger.Printf("[CHAT] map-reduce: %d passages from %d of %d books", len(out.Merged), len(out.PerBook), len(bookIDs))
	return out, nil
}

func (m *MapReducer) bookTitle(ctx context.Context, bookID string) string {
	book, err := m.books.GetBook(ctx, bookID)
	if err != nil || book.Title == "" {
		short := bookID
		if len(short) > 8 {
			short = short[:8]
		}
		return "Book " + short
	}
	return book.Title
}
