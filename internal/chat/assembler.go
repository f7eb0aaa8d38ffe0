package chat

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zorxido-ai/zorxido/internal/store"
)

// ParentSource resolves structural parents and book metadata for passages.
type ParentSource interface {
	GetParentContexts(ctx context.Context, ids []string) ([]store.ParentContext, error)
	GetBook(ctx context.Context, id string) (store.Book, error)
}

// Assembled is the generation-ready view of a retrieval result.
type Assembled struct {
	ContextText string
	Sources     []string
	CitationMap map[string]string
	PassageIDs  []string
	Passages    []RetrievedPassage
}

// Assembler expands passages to their parent sections, deduplicates sources,
// and assigns persistent citation identifiers.
type Assembler struct {
	parents ParentSource
}

func NewAssembler(parents ParentSource) *Assembler {
	return &Assembler{parents: parents}
}

// CitationID derives the persistent citation token for a passage. It is a
// pure function of the passage id, so the same passage yields the same token
// in every response that cites it.
func CitationID(passageID string) string {
	sum := sha256.Sum256([]byte(passageID))
	return "#chk_" + hex.EncodeToString(sum[:])[:8]
}

// Assemble builds the prompt context from scored passages. Each passage is
// prefixed with its citation token; the parent section's full text is
// preferred over the bare passage, but a parent's text is injected only once
// even when several passages share it.
func (a *Assembler) Assemble(ctx context.Context, hits []ScoredPassage) (Assembled, error) {
	out := Assembled{CitationMap: make(map[string]string, len(hits))}
	if len(hits) == 0 {
		return out, nil
	}

	parentIDs := make([]string, 0, len(hits))
	seenParent := make(map[string]bool)
	for _, h := range hits {
		if h.ParentID.Valid && !seenParent[h.ParentID.String] {
			seenParent[h.ParentID.String] = true
			parentIDs = append(parentIDs, h.ParentID.String)
		}
	}
	parents, err := a.parents.GetParentContexts(ctx, parentIDs)
	if err != nil {
		return Assembled{}, fmt.Errorf("resolve parent contexts: %w", err)
	}
	parentByID := make(map[string]store.ParentContext, len(parents))
	for _, p := range parents {
		parentByID[p.ID] = p
	}

	bookTitles := make(map[string]string)
	title := func(bookID string) string {
		if t, ok := bookTitles[bookID]; ok {
			return t
		}
		t := "Unknown Book"
		if book, err := a.parents.GetBook(ctx, bookID); err == nil {
			t = book.Title
		}
		bookTitles[bookID] = t
		return t
	}

	var contextParts []string
	sourceSeen := make(map[string]bool)
	parentInjected := make(map[string]bool)

	for _, h := range hits {
		cid := CitationID(h.ID)
		out.CitationMap[cid] = h.ID
		out.PassageIDs = append(out.PassageIDs, h.ID)

		rp := RetrievedPassage{
			ID:         h.ID,
			BookID:     h.BookID,
			BookTitle:  title(h.BookID),
			Text:       h.Content,
			Similarity: h.Similarity,
			Score:      h.Score,
		}
		if h.Page.Valid {
			rp.Page = int(h.Page.Int64)
		}
		if h.Paragraph.Valid {
			rp.Paragraph = int(h.Paragraph.Int64)
		}
		if h.ParentID.Valid {
			rp.ParentID = h.ParentID.String
			if p, ok := parentByID[h.ParentID.String]; ok {
				rp.ChapterTitle = p.ChapterTitle
				rp.SectionTitle = p.SectionTitle
				if !parentInjected[p.ID] {
					parentInjected[p.ID] = true
					rp.ParentText = p.FullText
				}
			}
		}
		out.Passages = append(out.Passages, rp)

		contextParts = append(contextParts, cid+" "+rp.ContextText())

		sourceParts := []string{rp.BookTitle}
		if rp.ChapterTitle != "" {
			sourceParts = append(sourceParts, rp.ChapterTitle)
		}
		if rp.SectionTitle != "" && rp.SectionTitle != rp.ChapterTitle {
			sourceParts = append(sourceParts, rp.SectionTitle)
		}
		sourceKey := rp.BookTitle + "|" + rp.ChapterTitle + "|" + rp.SectionTitle
		if !sourceSeen[sourceKey] {
			sourceSeen[sourceKey] = true
			out.Sources = append(out.Sources, strings.Join(sourceParts, ", "))
		}
	}

	out.ContextText = strings.Join(contextParts, "\n\n")
	return out, nil
}
