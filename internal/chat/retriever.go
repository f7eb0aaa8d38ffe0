package chat

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/zorxido-ai/zorxido/internal/store"
)

// PassageSearcher is the corpus-store surface the retriever needs.
type PassageSearcher interface {
	VectorSearch(ctx context.Context, scope store.SearchScope, vector []float32, limit int) ([]store.PassageHit, error)
	KeywordSearch(ctx context.Context, scope store.SearchScope, query string, limit int) ([]store.PassageHit, error)
	AnyPassages(ctx context.Context, scope store.SearchScope, limit int) ([]store.PassageHit, error)
}

// Embedder turns text into fixed-length vectors.
type Embedder interface {
	Embed(ctx context.Context, model string, input []string) ([][]float32, error)
}

// Rung is one step of the threshold fallback ladder.
type Rung struct {
	Threshold float64
	Count     int
}

// Profile selects the ladder and result count for an intent. Tags, when set,
// bias retrieval toward passages carrying matching action metadata.
type Profile struct {
	Rungs []Rung
	Tags  []string
	// QueryTerms are appended to the embedding input only, never to the
	// keyword query, to steer the vector branch without diluting full-text
	// matching.
	QueryTerms string
	// NoFallback suppresses the below-ladder floor tiers. A map-reduce book
	// that matches nothing contributes nothing instead of filler passages.
	NoFallback bool
}

// ProfileFor returns the retrieval profile for an intent. Specific queries
// use a strict threshold and few results; broader intents loosen the
// threshold and widen the net.
func ProfileFor(intent Intent) Profile {
	switch intent {
	case IntentGlobalSummary:
		// Summary-style query degraded to retrieval.
		return Profile{Rungs: []Rung{{0.5, 10}, {0.3, 10}}}
	case IntentReasoning:
		return Profile{Rungs: []Rung{{0.6, 15}, {0.3, 15}}}
	case IntentAction:
		return Profile{
			Rungs:      []Rung{{0.6, 10}, {0.3, 10}},
			Tags:       []string{"framework", "script", "derivation", "procedure"},
			QueryTerms: "steps procedure method process instructions how to guide framework routine schedule",
		}
	default:
		return Profile{Rungs: []Rung{{0.7, 5}, {0.5, 5}, {0.3, 5}}}
	}
}

// MapReduceProfile bounds each per-book retrieval of a multi-book synthesis.
func MapReduceProfile() Profile {
	return Profile{Rungs: []Rung{{0.6, 5}}, NoFallback: true}
}

// ScoredPassage is a passage with its fused relevance score.
type ScoredPassage struct {
	store.PassageHit
	Score float64
}

// Retriever fuses vector and keyword search with reciprocal rank fusion and
// walks the threshold fallback ladder.
type Retriever struct {
	searcher      PassageSearcher
	embedder      Embedder
	embedModel    string
	vectorWeight  float64
	keywordWeight float64
	rrfK          int
	logger        *log.Logger
}

func NewRetriever(searcher PassageSearcher, embedder Embedder, embedModel string, vectorWeight, keywordWeight float64, rrfK int, logger *log.Logger) *Retriever {
	if vectorWeight <= 0 && keywordWeight <= 0 {
		vectorWeight, keywordWeight = 0.5, 0.5
	}
	if rrfK <= 0 {
		rrfK = 60
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Retriever{
		searcher:      searcher,
		embedder:      embedder,
		embedModel:    embedModel,
		vectorWeight:  vectorWeight,
		keywordWeight: keywordWeight,
		rrfK:          rrfK,
		logger:        logger,
	}
}

// Retrieve embeds the query and runs the fused search with fallback. An
// empty result is not an error; only transport failures are.
func (r *Retriever) Retrieve(ctx context.Context, query string, scope store.SearchScope, prof Profile) ([]ScoredPassage, error) {
	embedInput := query
	if prof.QueryTerms != "" {
		embedInput = query + " " + prof.QueryTerms
	}
	vecs, err := r.embedder.Embed(ctx, r.embedModel, []string{embedInput})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return r.RetrieveWithVector(ctx, vecs[0], query, scope, prof)
}

// RetrieveWithVector runs the fused search with a precomputed embedding, so
// map-reduce can share one embedding across per-book fan-out.
func (r *Retriever) RetrieveWithVector(ctx context.Context, vector []float32, query string, scope store.SearchScope, prof Profile) ([]ScoredPassage, error) {
	start := time.Now()
	defer func() { retrievalSeconds.Observe(time.Since(start).Seconds()) }()

	hits, depth, err := r.retrieve(ctx, vector, query, scope, prof)
	ladderDepth.Observe(float64(depth))
	return hits, err
}

func (r *Retriever) retrieve(ctx context.Context, vector []float32, query string, scope store.SearchScope, prof Profile) ([]ScoredPassage, int, error) {
	count := 10
	if len(prof.Rungs) > 0 {
		count = prof.Rungs[0].Count
	}

	tagScope := scope
	tagScope.Tags = prof.Tags

	vecHits, kwHits, err := r.searchBoth(ctx, tagScope, vector, query, count)
	if err != nil {
		return nil, 0, err
	}
	if len(prof.Tags) > 0 && len(vecHits) == 0 && len(kwHits) == 0 {
		// No tagged passages match; fall back to the untagged corpus.
		vecHits, kwHits, err = r.searchBoth(ctx, scope, vector, query, count)
		if err != nil {
			return nil, 0, err
		}
	}

	// Ladder rungs filter the vector branch by similarity; keyword hits stay
	// eligible at every rung since null-vector passages only live there.
	for i, rung := range prof.Rungs {
		fused := r.fuse(filterBySimilarity(vecHits, rung.Threshold), kwHits)
		if len(fused) > 0 {
			return capHits(fused, rung.Count), i + 1, nil
		}
	}

	if prof.NoFallback {
		return nil, len(prof.Rungs), nil
	}

	// Any embedded passage, regardless of score.
	if len(vecHits) > 0 {
		return capHits(r.fuse(vecHits, nil), count), len(prof.Rungs) + 1, nil
	}

	// Last resort: any passage at all, even unembedded.
	anyHits, err := r.searcher.AnyPassages(ctx, scope, count)
	if err != nil {
		return nil, 0, fmt.Errorf("any passages: %w", err)
	}
	if len(anyHits) > 0 {
		return capHits(r.fuse(anyHits, nil), count), len(prof.Rungs) + 2, nil
	}
	return nil, 0, nil
}

func (r *Retriever) searchBoth(ctx context.Context, scope store.SearchScope, vector []float32, query string, count int) (vecHits, kwHits []store.PassageHit, err error) {
	vecHits, err = r.searcher.VectorSearch(ctx, scope, vector, count)
	if err != nil {
		return nil, nil, fmt.Errorf("vector search: %w", err)
	}
	kwHits, err = r.searcher.KeywordSearch(ctx, scope, query, count)
	if err != nil {
		return nil, nil, fmt.Errorf("keyword search: %w", err)
	}
	return vecHits, kwHits, nil
}

// fuse combines two ranked lists by reciprocal rank fusion:
// score = Σ weight_i / (k + rank_i). A passage missing from one list simply
// contributes nothing from that list.
func (r *Retriever) fuse(vecHits, kwHits []store.PassageHit) []ScoredPassage {
	byID := make(map[string]*ScoredPassage)
	order := make([]string, 0, len(vecHits)+len(kwHits))

	add := func(h store.PassageHit, weight float64) {
		sp, ok := byID[h.ID]
		if !ok {
			sp = &ScoredPassage{PassageHit: h}
			byID[h.ID] = sp
			order = append(order, h.ID)
		}
		if h.Similarity > sp.Similarity {
			sp.Similarity = h.Similarity
		}
		sp.Score += weight / float64(r.rrfK+h.Rank)
	}

	for _, h := range vecHits {
		add(h, r.vectorWeight)
	}
	for _, h := range kwHits {
		add(h, r.keywordWeight)
	}

	out := make([]ScoredPassage, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func filterBySimilarity(hits []store.PassageHit, threshold float64) []store.PassageHit {
	out := make([]store.PassageHit, 0, len(hits))
	for _, h := range hits {
		if h.Similarity >= threshold {
			out = append(out, h)
		}
	}
	return out
}

func capHits(hits []ScoredPassage, n int) []ScoredPassage {
	if n > 0 && len(hits) > n {
		return hits[:n]
	}
	return hits
}
