package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/zorxido-ai/zorxido/config"
	"github.com/zorxido-ai/zorxido/internal/llm"
	"github.com/zorxido-ai/zorxido/internal/store"
)

// ErrNoBooks means the user has no accessible books in the requested scope.
var ErrNoBooks = errors.New("no books available")

// genericFailure is the user-facing apology for generation failures. Upstream
// error bodies are never exposed.
const genericFailure = "I ran into a problem generating your answer. Please try again."

// EngineStore is the persistence surface the engine uses directly; retrieval
// and memory go through their own collaborators.
type EngineStore interface {
	ListBooks(ctx context.Context, userID string) ([]store.Book, error)
	GetBook(ctx context.Context, id string) (store.Book, error)
	HasBookAccess(ctx context.Context, userID, bookID string) (bool, error)
	ChapterTitles(ctx context.Context, bookID string) ([]string, error)
	AppendTurn(ctx context.Context, t store.Turn) (string, error)
}

// StreamingGenerator is the generation surface for both response modes.
type StreamingGenerator interface {
	Generate(ctx context.Context, req llm.GenerateRequest) (llm.GenerateResult, error)
	GenerateStream(ctx context.Context, req llm.GenerateRequest, onDelta func(delta string) error) (llm.GenerateResult, error)
}

// Engine routes one chat request through memory recall, intent
// classification, path selection, retrieval, and generation, then persists
// the exchange as a pair of conversation turns.
type Engine struct {
	store       EngineStore
	memory      *Memory
	retriever   *Retriever
	mapReducer  *MapReducer
	assembler   *Assembler
	corrections *Injector
	gen         StreamingGenerator
	routing     config.LLMRoutingConfig
	logger      *log.Logger
}

func NewEngine(st EngineStore, memory *Memory, retriever *Retriever, mapReducer *MapReducer, assembler *Assembler, corrections *Injector, gen StreamingGenerator, routing config.LLMRoutingConfig, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		store:       st,
		memory:      memory,
		retriever:   retriever,
		mapReducer:  mapReducer,
		assembler:   assembler,
		corrections: corrections,
		gen:         gen,
		routing:     routing,
		logger:      logger,
	}
}

// generationPlan is the prepared input for the final generation call. When
// the text is precomposed (identity, no-content, artifact paths) no further
// generation happens.
type generationPlan struct {
	system      string
	user        string
	model       string
	temperature float64
	jsonMode    bool
	precomposed bool
	resp        Response
}

// Respond runs the full pipeline and returns the complete response in one
// call. Streaming clients use StreamRespond instead.
func (e *Engine) Respond(ctx context.Context, userID, message string, scope []string) (Response, error) {
	req, dec, err := e.prepare(ctx, userID, message, scope, nil)
	if err != nil {
		return Response{}, err
	}
	plan, err := e.plan(ctx, req, dec, nil)
	if err != nil {
		return Response{}, err
	}
	resp := plan.resp
	if !plan.precomposed {
		res, err := e.generate(ctx, plan)
		if err != nil {
			return Response{}, err
		}
		resp.Text = res.Text
		resp.PromptTokens = int(res.PromptTokens)
		resp.CompletionTokens = int(res.CompletionTokens)
	}
	e.persist(ctx, req, &resp)
	return resp, nil
}

// StreamRespond runs the pipeline emitting events into s. It always
// terminates the stream; errors surface as terminal error events, not
// return values. A canceled context persists whatever streamed so far,
// marked incomplete.
func (e *Engine) StreamRespond(ctx context.Context, userID, message string, scope []string, s *Stream) {
	req, dec, err := e.prepare(ctx, userID, message, scope, s)
	if err != nil {
		e.logger.Printf("[CHAT] prepare failed for user %s: %v", userID, err)
		if errors.Is(err, ErrNoBooks) {
			_ = s.Fail(ctx, "You don't have any books yet. Upload a book to start chatting.")
			return
		}
		_ = s.Fail(ctx, genericFailure)
		return
	}
	plan, err := e.plan(ctx, req, dec, s)
	if err != nil {
		e.logger.Printf("[CHAT] %s path failed for user %s: %v", dec.Path, userID, err)
		_ = s.Fail(ctx, genericFailure)
		return
	}

	resp := plan.resp
	if plan.precomposed {
		if resp.Text != "" {
			_ = s.Token(ctx, resp.Text)
		}
		if resp.Artifact != nil {
			_ = s.Artifact(ctx, resp.Artifact)
		}
		if err := s.Done(ctx, resp); err != nil {
			resp.Incomplete = true
		}
		e.persist(ctx, req, &resp)
		return
	}

	e.think(ctx, s, "Streaming response...")
	start := time.Now()
	res, err := e.gen.GenerateStream(ctx, llm.GenerateRequest{
		Model:       plan.model,
		System:      plan.system,
		Prompt:      plan.user,
		Temperature: plan.temperature,
	}, func(delta string) error {
		return s.Token(ctx, delta)
	})
	generationSeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		resp.Text = s.Text()
		resp.Incomplete = true
		if s.Canceled() || ctx.Err() != nil {
			s.Abort()
		} else {
			e.logger.Printf("[CHAT] streaming generation failed for user %s: %v", userID, err)
			_ = s.Fail(ctx, genericFailure)
		}
		if resp.Text != "" {
			e.persist(context.WithoutCancel(ctx), req, &resp)
		}
		return
	}

	resp.Text = res.Text
	resp.PromptTokens = int(res.PromptTokens)
	resp.CompletionTokens = int(res.CompletionTokens)
	if err := s.Done(ctx, resp); err != nil {
		resp.Incomplete = true
	}
	e.persist(context.WithoutCancel(ctx), req, &resp)
}

// prepare resolves scope, recalls memory, rewrites the query, classifies
// intent, and commits to a path.
func (e *Engine) prepare(ctx context.Context, userID, message string, scope []string, s *Stream) (Request, Decision, error) {
	e.think(ctx, s, "Analyzing your question...")

	bookIDs, err := e.resolveScope(ctx, userID, scope)
	if err != nil {
		return Request{}, Decision{}, err
	}

	req := Request{UserID: userID, Message: message, BookIDs: bookIDs, Rewritten: message}
	// Memory failures degrade to an empty history; they never block the turn.
	rec, err := e.memory.Recall(ctx, userID, bookIDs)
	if err != nil {
		e.logger.Printf("[CHAT] memory recall failed for user %s: %v", userID, err)
	} else {
		req.History = rec.History
		req.HasArtifact = rec.HasArtifact
	}
	if req.History != "" {
		req.Rewritten = e.memory.Rewrite(ctx, message, req.History)
	}

	intent := Classify(message, req.HasArtifact)
	in := RouteInput{
		Intent:     intent,
		BookCount:  len(bookIDs),
		Comparison: IsComparison(message),
	}
	if intent == IntentGlobalSummary && len(bookIDs) == 1 {
		in.SummaryUsable = e.summaryUsable(ctx, bookIDs[0])
	}
	dec := Route(in)
	pathSelections.WithLabelValues(string(dec.Path)).Inc()
	return req, dec, nil
}

func (e *Engine) resolveScope(ctx context.Context, userID string, scope []string) ([]string, error) {
	if len(scope) == 0 {
		books, err := e.store.ListBooks(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("list books: %w", err)
		}
		ids := make([]string, 0, len(books))
		for _, b := range books {
			ids = append(ids, b.ID)
		}
		if len(ids) == 0 {
			return nil, ErrNoBooks
		}
		return ids, nil
	}

	ids := make([]string, 0, len(scope))
	for _, id := range scope {
		ok, err := e.store.HasBookAccess(ctx, userID, id)
		if err != nil {
			return nil, fmt.Errorf("check book access: %w", err)
		}
		if !ok {
			e.logger.Printf("[CHAT] user %s has no access to book %s, dropping from scope", userID, id)
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, ErrNoBooks
	}
	return ids, nil
}

// summaryUsable reports whether the book can answer a summary query without
// retrieval: a precomputed summary, or at least a chapter structure to infer
// from. Lookup failures degrade to retrieval.
func (e *Engine) summaryUsable(ctx context.Context, bookID string) bool {
	book, err := e.store.GetBook(ctx, bookID)
	if err != nil {
		e.logger.Printf("[CHAT] summary lookup failed for book %s: %v", bookID, err)
		return false
	}
	if book.GlobalSummary.Valid && book.GlobalSummary.String != "" {
		return true
	}
	toc, err := e.store.ChapterTitles(ctx, bookID)
	if err != nil {
		e.logger.Printf("[CHAT] toc lookup failed for book %s: %v", bookID, err)
		return false
	}
	return len(toc) > 0
}

func (e *Engine) plan(ctx context.Context, req Request, dec Decision, s *Stream) (generationPlan, error) {
	switch dec.Path {
	case PathIdentity:
		return generationPlan{
			precomposed: true,
			resp:        Response{Path: PathIdentity, Text: IdentityResponse},
		}, nil
	case PathGlobalSummary:
		return e.planSummary(ctx, req, s)
	case PathReasoning:
		return e.planReasoning(ctx, req, dec, s)
	case PathAction:
		return e.planAction(ctx, req, s)
	default:
		return e.planSpecific(ctx, req, s)
	}
}

func (e *Engine) planSummary(ctx context.Context, req Request, s *Stream) (generationPlan, error) {
	e.think(ctx, s, "Preparing a summary from the book overview...")
	book, err := e.store.GetBook(ctx, req.BookIDs[0])
	if err != nil {
		return generationPlan{}, fmt.Errorf("load book: %w", err)
	}

	var system string
	if book.GlobalSummary.Valid && book.GlobalSummary.String != "" {
		system = summaryPrompt(req.History, book.Title, book.Author, book.GlobalSummary.String)
	} else {
		toc, err := e.store.ChapterTitles(ctx, book.ID)
		if err != nil {
			return generationPlan{}, fmt.Errorf("load chapter titles: %w", err)
		}
		system = tocPrompt(req.History, book.Title, book.Author, strings.Join(toc, "\n"), "")
	}
	return generationPlan{
		system:      system,
		user:        req.Message,
		model:       e.routing.Chat,
		temperature: 0.5,
		resp:        Response{Path: PathGlobalSummary, Model: e.routing.Chat},
	}, nil
}

func (e *Engine) planSpecific(ctx context.Context, req Request, s *Stream) (generationPlan, error) {
	e.think(ctx, s, "Searching your books...")
	hits, err := e.retriever.Retrieve(ctx, req.SearchQuery(), store.SearchScope{BookIDs: req.BookIDs}, ProfileFor(IntentSpecific))
	if err != nil {
		return generationPlan{}, err
	}
	return e.retrievalPlan(ctx, req, s, PathSpecific, hits, nil)
}

func (e *Engine) planReasoning(ctx context.Context, req Request, dec Decision, s *Stream) (generationPlan, error) {
	var (
		hits       []ScoredPassage
		bookTitles []string
		err        error
	)
	if dec.MapReduce {
		e.think(ctx, s, "Comparing across your books, searching each one...")
		res, mrErr := e.mapReducer.Retrieve(ctx, req.SearchQuery(), req.BookIDs)
		if mrErr != nil {
			return generationPlan{}, mrErr
		}
		hits, bookTitles = res.Merged, res.BookTitles()
	} else {
		e.think(ctx, s, "Searching your books for analysis...")
		hits, err = e.retriever.Retrieve(ctx, req.SearchQuery(), store.SearchScope{BookIDs: req.BookIDs}, ProfileFor(IntentReasoning))
		if err != nil {
			return generationPlan{}, err
		}
	}
	return e.retrievalPlan(ctx, req, s, PathReasoning, hits, bookTitles)
}

// retrievalPlan assembles context and builds the prose-generation plan shared
// by the specific and reasoning paths.
func (e *Engine) retrievalPlan(ctx context.Context, req Request, s *Stream, path Path, hits []ScoredPassage, bookTitles []string) (generationPlan, error) {
	if len(hits) == 0 {
		return generationPlan{
			precomposed: true,
			resp:        Response{Path: path, Text: NoContentResponse},
		}, nil
	}
	e.think(ctx, s, fmt.Sprintf("Retrieved %d relevant passages", len(hits)))

	asm, err := e.assembler.Assemble(ctx, hits)
	if err != nil {
		return generationPlan{}, err
	}
	corrections := ContextBlock(e.relevantCorrections(ctx, req))

	var system string
	model := e.routing.Chat
	if path == PathReasoning {
		system = reasonerPrompt(req.History, corrections, bookTitles)
		model = e.routing.Reasoning
	} else {
		system = investigatorPrompt(req.History, corrections)
	}
	return generationPlan{
		system:      system,
		user:        userContent(asm.ContextText, req.Message, req.History),
		model:       model,
		temperature: 0.5,
		resp: Response{
			Path:              path,
			Sources:           asm.Sources,
			CitationMap:       asm.CitationMap,
			RetrievedPassages: asm.PassageIDs,
			Model:             model,
		},
	}, nil
}

// planAction retrieves methodology content and generates the structured
// artifact in one non-streamed call; artifacts arrive whole. A malformed
// artifact falls back to a prose answer over the same passages.
func (e *Engine) planAction(ctx context.Context, req Request, s *Stream) (generationPlan, error) {
	e.think(ctx, s, "Looking for frameworks and procedures...")
	hits, err := e.retriever.Retrieve(ctx, req.SearchQuery(), store.SearchScope{BookIDs: req.BookIDs}, ProfileFor(IntentAction))
	if err != nil {
		return generationPlan{}, err
	}
	if len(hits) == 0 {
		return generationPlan{
			precomposed: true,
			resp:        Response{Path: PathAction, Text: NoContentResponse},
		}, nil
	}

	asm, err := e.assembler.Assemble(ctx, hits)
	if err != nil {
		return generationPlan{}, err
	}
	corrections := ContextBlock(e.relevantCorrections(ctx, req))

	e.think(ctx, s, "Building your artifact...")
	start := time.Now()
	res, err := e.gen.Generate(ctx, llm.GenerateRequest{
		Model:       e.routing.Reasoning,
		System:      artifactSystemPrompt,
		Prompt:      artifactPrompt(req.History, req.Rewritten, asm.ContextText, corrections),
		Temperature: 0.3,
		JSONMode:    true,
	})
	generationSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		return generationPlan{}, fmt.Errorf("%w: %v", ErrArtifactGeneration, err)
	}

	artifact, parseErr := ParseArtifact(res.Text)
	if parseErr != nil {
		// Prose beats a broken artifact; answer from the same passages.
		e.logger.Printf("[CHAT] artifact parse failed for user %s, falling back to prose: %v", req.UserID, parseErr)
		return generationPlan{
			system:      investigatorPrompt(req.History, corrections),
			user:        userContent(asm.ContextText, req.Message, req.History),
			model:       e.routing.Chat,
			temperature: 0.5,
			resp: Response{
				Path:              PathAction,
				Sources:           asm.Sources,
				CitationMap:       asm.CitationMap,
				RetrievedPassages: asm.PassageIDs,
				Model:             e.routing.Chat,
			},
		}, nil
	}

	return generationPlan{
		precomposed: true,
		resp: Response{
			Path:              PathAction,
			Text:              fmt.Sprintf("I've created a %s for you. View it in the Composer pane.", artifact.Type),
			Sources:           asm.Sources,
			CitationMap:       asm.CitationMap,
			RetrievedPassages: asm.PassageIDs,
			Artifact:          artifact,
			Model:             e.routing.Reasoning,
			PromptTokens:      int(res.PromptTokens),
			CompletionTokens:  int(res.CompletionTokens),
		},
	}, nil
}

func (e *Engine) relevantCorrections(ctx context.Context, req Request) []store.Correction {
	if e.corrections == nil {
		return nil
	}
	cs := e.corrections.Relevant(ctx, req.UserID, req.Message)
	if len(cs) > 3 {
		cs = cs[:3]
	}
	return cs
}

func (e *Engine) generate(ctx context.Context, plan generationPlan) (llm.GenerateResult, error) {
	start := time.Now()
	defer func() { generationSeconds.Observe(time.Since(start).Seconds()) }()
	return e.gen.Generate(ctx, llm.GenerateRequest{
		Model:       plan.model,
		System:      plan.system,
		Prompt:      plan.user,
		Temperature: plan.temperature,
		JSONMode:    plan.jsonMode,
	})
}

// persist appends the user and assistant turns and invalidates the memory
// cache. Persistence failures are logged, not surfaced; the user already has
// their answer.
func (e *Engine) persist(ctx context.Context, req Request, resp *Response) {
	userTurn := store.Turn{
		UserID:  req.UserID,
		Role:    "user",
		Content: req.Message,
		BookIDs: req.BookIDs,
	}
	if req.Rewritten != req.Message {
		userTurn.RewrittenQuery = nullString(req.Rewritten)
	}
	if _, err := e.store.AppendTurn(ctx, userTurn); err != nil {
		e.logger.Printf("[CHAT] persist user turn failed for user %s: %v", req.UserID, err)
	}

	citationMap, _ := json.Marshal(resp.CitationMap)
	if len(resp.CitationMap) == 0 {
		citationMap = nil
	}
	sources, _ := json.Marshal(resp.Sources)
	if len(resp.Sources) == 0 {
		sources = nil
	}
	artifact, err := MarshalArtifact(resp.Artifact)
	if err != nil {
		e.logger.Printf("[CHAT] artifact encode failed for user %s: %v", req.UserID, err)
	}
	assistantTurn := store.Turn{
		UserID:            req.UserID,
		Role:              "assistant",
		Content:           resp.Text,
		BookIDs:           req.BookIDs,
		RetrievedPassages: resp.RetrievedPassages,
		Strategy:          nullString(string(resp.Path)),
		CitationMap:       citationMap,
		Sources:           sources,
		Artifact:          artifact,
		Model:             nullString(resp.Model),
		PromptTokens:      resp.PromptTokens,
		CompletionTokens:  resp.CompletionTokens,
		Incomplete:        resp.Incomplete,
	}
	if _, err := e.store.AppendTurn(ctx, assistantTurn); err != nil {
		e.logger.Printf("[CHAT] persist assistant turn failed for user %s: %v", req.UserID, err)
	}
	e.memory.Invalidate(ctx, req.UserID)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (e *Engine) think(ctx context.Context, s *Stream, step string) {
	if s == nil {
		return
	}
	_ = s.Thinking(ctx, step)
}
