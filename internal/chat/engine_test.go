package chat

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log"
	"strings"
	"testing"

	"github.com/zorxido-ai/zorxido/config"
	"github.com/zorxido-ai/zorxido/internal/llm"
	"github.com/zorxido-ai/zorxido/internal/store"
)

// fakeEngineStore backs the engine, the assembler, and map-reduce titles in
// scenario tests.
type fakeEngineStore struct {
	books    map[string]store.Book
	order    []string
	chapters map[string][]string
	parents  map[string]store.ParentContext
	appended []store.Turn
}

func newFakeEngineStore(books ...store.Book) *fakeEngineStore {
	f := &fakeEngineStore{
		books:    make(map[string]store.Book),
		chapters: make(map[string][]string),
		parents:  make(map[string]store.ParentContext),
	}
	for _, b := range books {
		f.books[b.ID] = b
		f.order = append(f.order, b.ID)
	}
	return f
}

func (f *fakeEngineStore) ListBooks(ctx context.Context, userID string) ([]store.Book, error) {
	out := make([]store.Book, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.books[id])
	}
	return out, nil
}

func (f *fakeEngineStore) GetBook(ctx context.Context, id string) (store.Book, error) {
	b, ok := f.books[id]
	if !ok {
		return store.Book{}, sql.ErrNoRows
	}
	return b, nil
}

func (f *fakeEngineStore) HasBookAccess(ctx context.Context, userID, bookID string) (bool, error) {
	_, ok := f.books[bookID]
	return ok, nil
}

func (f *fakeEngineStore) ChapterTitles(ctx context.Context, bookID string) ([]string, error) {
	return f.chapters[bookID], nil
}

func (f *fakeEngineStore) AppendTurn(ctx context.Context, t store.Turn) (string, error) {
	f.appended = append(f.appended, t)
	return "turn-id", nil
}

func (f *fakeEngineStore) GetParentContexts(ctx context.Context, ids []string) ([]store.ParentContext, error) {
	var out []store.ParentContext
	for _, id := range ids {
		if p, ok := f.parents[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeEngineStore) lastAssistantTurn(t *testing.T) store.Turn {
	t.Helper()
	for i := len(f.appended) - 1; i >= 0; i-- {
		if f.appended[i].Role == "assistant" {
			return f.appended[i]
		}
	}
	t.Fatalf("no assistant turn persisted")
	return store.Turn{}
}

// fakeStreamGen serves both generation modes. stream hook overrides the
// default delta playback when set.
type fakeStreamGen struct {
	text          string
	deltas        []string
	genErr        error
	stream        func(onDelta func(string) error) (llm.GenerateResult, error)
	generateCalls int
	streamCalls   int
	lastGen       llm.GenerateRequest
	lastStream    llm.GenerateRequest
}

func (f *fakeStreamGen) Generate(ctx context.Context, req llm.GenerateRequest) (llm.GenerateResult, error) {
	f.generateCalls++
	f.lastGen = req
	if f.genErr != nil {
		return llm.GenerateResult{}, f.genErr
	}
	return llm.GenerateResult{Text: f.text, PromptTokens: 10, CompletionTokens: 5}, nil
}

func (f *fakeStreamGen) GenerateStream(ctx context.Context, req llm.GenerateRequest, onDelta func(string) error) (llm.GenerateResult, error) {
	f.streamCalls++
	f.lastStream = req
	if f.stream != nil {
		return f.stream(onDelta)
	}
	var b strings.Builder
	for _, d := range f.deltas {
		if err := onDelta(d); err != nil {
			return llm.GenerateResult{Text: b.String()}, err
		}
		b.WriteString(d)
	}
	return llm.GenerateResult{Text: b.String(), PromptTokens: 10, CompletionTokens: 5}, nil
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newTestEngine(st *fakeEngineStore, searcher PassageSearcher, gen *fakeStreamGen) *Engine {
	logger := quietLogger()
	retr := NewRetriever(searcher, &fakeEmbedder{}, "embed-model", 0.5, 0.5, 60, logger)
	mem := NewMemory(&fakeTurnSource{}, nil, nil, "rewrite-model", 3, 0, logger)
	return NewEngine(
		st, mem, retr, NewMapReducer(retr, st, logger), NewAssembler(st), nil, gen,
		config.LLMRoutingConfig{Chat: "chat-model", Reasoning: "reasoning-model"},
		logger,
	)
}

func TestRespondIdentitySkipsRetrieval(t *testing.T) {
	t.Parallel()
	st := newFakeEngineStore(store.Book{ID: "b1", Title: "Moby-Dick"})
	searcher := &fakeSearcher{}
	gen := &fakeStreamGen{}
	e := newTestEngine(st, searcher, gen)

	resp, err := e.Respond(context.Background(), "u1", "What is your name?", nil)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if resp.Path != PathIdentity || resp.Text != IdentityResponse {
		t.Fatalf("resp = %+v", resp)
	}
	if searcher.vectorCalls+searcher.keywordCalls+searcher.anyCalls != 0 {
		t.Fatalf("identity path must not retrieve")
	}
	if gen.generateCalls != 0 {
		t.Fatalf("identity path must not call the model")
	}
	if len(st.appended) != 2 || st.appended[0].Role != "user" || st.appended[1].Role != "assistant" {
		t.Fatalf("turn pair not persisted: %+v", st.appended)
	}
}

func TestRespondSummaryUsesPrecomputedOverview(t *testing.T) {
	t.Parallel()
	st := newFakeEngineStore(store.Book{
		ID:            "b1",
		Title:         "Moby-Dick",
		Author:        "Herman Melville",
		GlobalSummary: sql.NullString{String: "A whaling voyage turns into obsession.", Valid: true},
	})
	searcher := &fakeSearcher{}
	gen := &fakeStreamGen{text: "The book follows Ishmael..."}
	e := newTestEngine(st, searcher, gen)

	resp, err := e.Respond(context.Background(), "u1", "Summarize this book", []string{"b1"})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if resp.Path != PathGlobalSummary {
		t.Fatalf("path = %s", resp.Path)
	}
	if searcher.vectorCalls+searcher.keywordCalls != 0 {
		t.Fatalf("summary path must not retrieve")
	}
	if strings.Contains(resp.Text, "#chk_") || len(resp.CitationMap) != 0 {
		t.Fatalf("summary answer must carry no citations: %+v", resp)
	}
	if !strings.Contains(gen.lastGen.System, "A whaling voyage turns into obsession.") {
		t.Fatalf("summary not injected into prompt")
	}
	if gen.lastGen.Model != "chat-model" {
		t.Fatalf("model = %s", gen.lastGen.Model)
	}
}

func TestRespondSummaryFallsBackToTableOfContents(t *testing.T) {
	t.Parallel()
	st := newFakeEngineStore(store.Book{ID: "b1", Title: "Moby-Dick"})
	st.chapters["b1"] = []string{"Loomings", "The Carpet-Bag"}
	gen := &fakeStreamGen{text: "Based on the chapters..."}
	e := newTestEngine(st, &fakeSearcher{}, gen)

	resp, err := e.Respond(context.Background(), "u1", "Summarize this book", []string{"b1"})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if resp.Path != PathGlobalSummary {
		t.Fatalf("path = %s", resp.Path)
	}
	if !strings.Contains(gen.lastGen.System, "Loomings") {
		t.Fatalf("toc not injected into prompt:\n%s", gen.lastGen.System)
	}
}

func TestRespondSummaryDegradesToRetrieval(t *testing.T) {
	t.Parallel()
	// No summary, no chapters: the summary query must fall through to
	// retrieval instead of erroring.
	st := newFakeEngineStore(store.Book{ID: "b1", Title: "Moby-Dick"})
	searcher := &fakeSearcher{vecHits: []store.PassageHit{hit("p1", 1, 0.9)}}
	gen := &fakeStreamGen{text: "From the passages, the book is about..."}
	e := newTestEngine(st, searcher, gen)

	resp, err := e.Respond(context.Background(), "u1", "Summarize this book", []string{"b1"})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if resp.Path != PathSpecific {
		t.Fatalf("path = %s, want degradation to specific", resp.Path)
	}
	if searcher.vectorCalls == 0 {
		t.Fatalf("degraded summary must retrieve")
	}
}

func TestRespondSpecificCarriesCitations(t *testing.T) {
	t.Parallel()
	st := newFakeEngineStore(store.Book{ID: "b1", Title: "Moby-Dick"})
	searcher := &fakeSearcher{vecHits: []store.PassageHit{hit("p1", 1, 0.9), hit("p2", 2, 0.8)}}
	gen := &fakeStreamGen{text: "According to #chk_deadbeef, the whale is white."}
	e := newTestEngine(st, searcher, gen)

	resp, err := e.Respond(context.Background(), "u1", "What color is the whale?", nil)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if resp.Path != PathSpecific {
		t.Fatalf("path = %s", resp.Path)
	}
	if len(resp.CitationMap) != 2 || len(resp.RetrievedPassages) != 2 {
		t.Fatalf("citation metadata missing: %+v", resp)
	}
	if resp.CitationMap[CitationID("p1")] != "p1" {
		t.Fatalf("citation map direction wrong: %v", resp.CitationMap)
	}
	if !strings.Contains(gen.lastGen.System, "INVESTIGATOR MODE") {
		t.Fatalf("specific path must use the investigator prompt")
	}
	assistant := st.lastAssistantTurn(t)
	if assistant.Strategy.String != string(PathSpecific) || len(assistant.CitationMap) == 0 {
		t.Fatalf("assistant turn metadata not persisted: %+v", assistant)
	}
}

func TestRespondNoContentIsNotAnError(t *testing.T) {
	t.Parallel()
	st := newFakeEngineStore(store.Book{ID: "b1", Title: "Moby-Dick"})
	gen := &fakeStreamGen{}
	e := newTestEngine(st, &fakeSearcher{}, gen)

	resp, err := e.Respond(context.Background(), "u1", "What color is the whale?", nil)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if resp.Text != NoContentResponse {
		t.Fatalf("text = %q", resp.Text)
	}
	if gen.generateCalls != 0 {
		t.Fatalf("exhausted ladder must not call the model")
	}
}

func TestRespondNoBooks(t *testing.T) {
	t.Parallel()
	e := newTestEngine(newFakeEngineStore(), &fakeSearcher{}, &fakeStreamGen{})
	if _, err := e.Respond(context.Background(), "u1", "hello there", nil); !errors.Is(err, ErrNoBooks) {
		t.Fatalf("want ErrNoBooks, got %v", err)
	}
}

func TestRespondReasoningUsesReasoningModel(t *testing.T) {
	t.Parallel()
	st := newFakeEngineStore(store.Book{ID: "b1", Title: "Moby-Dick"})
	searcher := &fakeSearcher{vecHits: []store.PassageHit{hit("p1", 1, 0.9)}}
	gen := &fakeStreamGen{text: "The obsession stems from..."}
	e := newTestEngine(st, searcher, gen)

	resp, err := e.Respond(context.Background(), "u1", "Why does Ahab hunt the whale?", []string{"b1"})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if resp.Path != PathReasoning {
		t.Fatalf("path = %s", resp.Path)
	}
	if gen.lastGen.Model != "reasoning-model" {
		t.Fatalf("model = %s", gen.lastGen.Model)
	}
}

func TestRespondActionProducesArtifact(t *testing.T) {
	t.Parallel()
	st := newFakeEngineStore(store.Book{ID: "b1", Title: "Deep Work"})
	searcher := &fakeSearcher{vecHits: []store.PassageHit{hit("p1", 1, 0.9)}}
	gen := &fakeStreamGen{text: `{"artifact_type":"checklist","title":"Focus Plan","content":{"steps":[{"id":"step_1","action":"Block 9-11am","checked":false}]},"citations":[]}`}
	e := newTestEngine(st, searcher, gen)

	resp, err := e.Respond(context.Background(), "u1", "Create a plan for deep work", []string{"b1"})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if resp.Path != PathAction || resp.Artifact == nil {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Text != "I've created a checklist for you. View it in the Composer pane." {
		t.Fatalf("text = %q", resp.Text)
	}
	if !gen.lastGen.JSONMode || gen.lastGen.Model != "reasoning-model" {
		t.Fatalf("artifact generation request = %+v", gen.lastGen)
	}
	assistant := st.lastAssistantTurn(t)
	if len(assistant.Artifact) == 0 {
		t.Fatalf("artifact not persisted")
	}
}

func TestRespondActionFallsBackToProse(t *testing.T) {
	t.Parallel()
	st := newFakeEngineStore(store.Book{ID: "b1", Title: "Deep Work"})
	searcher := &fakeSearcher{vecHits: []store.PassageHit{hit("p1", 1, 0.9)}}
	gen := &fakeStreamGen{text: "this is not json"}
	e := newTestEngine(st, searcher, gen)

	resp, err := e.Respond(context.Background(), "u1", "Create a plan for deep work", []string{"b1"})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if resp.Artifact != nil {
		t.Fatalf("broken artifact must not survive: %+v", resp.Artifact)
	}
	if resp.Path != PathAction {
		t.Fatalf("path = %s", resp.Path)
	}
	// One failed artifact call plus one prose call.
	if gen.generateCalls != 2 {
		t.Fatalf("generateCalls = %d, want 2", gen.generateCalls)
	}
}

func TestStreamRespondOrderingAndPersistence(t *testing.T) {
	t.Parallel()
	st := newFakeEngineStore(store.Book{ID: "b1", Title: "Moby-Dick"})
	searcher := &fakeSearcher{vecHits: []store.PassageHit{hit("p1", 1, 0.9)}}
	gen := &fakeStreamGen{deltas: []string{"The whale ", "is white."}}
	e := newTestEngine(st, searcher, gen)

	s := NewStream(64)
	go e.StreamRespond(context.Background(), "u1", "What color is the whale?", nil, s)

	events := drain(s)
	if len(events) < 4 {
		t.Fatalf("too few events: %+v", events)
	}
	if events[0].Type != EventThinking {
		t.Fatalf("stream must open with thinking, got %s", events[0].Type)
	}
	last := events[len(events)-1]
	if last.Type != EventDone {
		t.Fatalf("terminal event = %s", last.Type)
	}
	if len(last.CitationMap) != 1 || len(last.RetrievedPassages) != 1 {
		t.Fatalf("done event missing metadata: %+v", last)
	}
	var text strings.Builder
	for _, ev := range events {
		if ev.Type == EventToken {
			text.WriteString(ev.Content)
		}
	}
	if text.String() != "The whale is white." {
		t.Fatalf("token concatenation = %q", text.String())
	}
	assistant := st.lastAssistantTurn(t)
	if assistant.Content != "The whale is white." || assistant.Incomplete {
		t.Fatalf("persisted turn = %+v", assistant)
	}
	if len(assistant.RetrievedPassages) != 1 || assistant.RetrievedPassages[0] != "p1" {
		t.Fatalf("persisted retrieved passages = %v, want [p1]", assistant.RetrievedPassages)
	}
}

func TestStreamRespondCancellationPersistsPartial(t *testing.T) {
	t.Parallel()
	st := newFakeEngineStore(store.Book{ID: "b1", Title: "Moby-Dick"})
	searcher := &fakeSearcher{vecHits: []store.PassageHit{hit("p1", 1, 0.9)}}

	ctx, cancel := context.WithCancel(context.Background())
	gen := &fakeStreamGen{}
	gen.stream = func(onDelta func(string) error) (llm.GenerateResult, error) {
		if err := onDelta("The whale "); err != nil {
			return llm.GenerateResult{}, err
		}
		cancel() // client disconnects mid-stream
		if err := onDelta("is white."); err != nil {
			return llm.GenerateResult{}, err
		}
		return llm.GenerateResult{Text: "The whale is white."}, nil
	}
	e := newTestEngine(st, searcher, gen)

	s := NewStream(64)
	done := make(chan struct{})
	go func() {
		e.StreamRespond(ctx, "u1", "What color is the whale?", nil, s)
		close(done)
	}()
	events := drain(s)
	<-done

	for _, ev := range events {
		if ev.Type == EventDone || ev.Type == EventError {
			t.Fatalf("canceled stream must not emit a terminal event: %+v", ev)
		}
	}
	assistant := st.lastAssistantTurn(t)
	if !assistant.Incomplete {
		t.Fatalf("partial turn not marked incomplete: %+v", assistant)
	}
	if assistant.Content != "The whale " {
		t.Fatalf("persisted partial = %q", assistant.Content)
	}
}

func TestStreamRespondGenerationFailure(t *testing.T) {
	t.Parallel()
	st := newFakeEngineStore(store.Book{ID: "b1", Title: "Moby-Dick"})
	searcher := &fakeSearcher{vecHits: []store.PassageHit{hit("p1", 1, 0.9)}}
	gen := &fakeStreamGen{}
	gen.stream = func(onDelta func(string) error) (llm.GenerateResult, error) {
		return llm.GenerateResult{}, errors.New("upstream 500: internal details")
	}
	e := newTestEngine(st, searcher, gen)

	s := NewStream(64)
	go e.StreamRespond(context.Background(), "u1", "What color is the whale?", nil, s)
	events := drain(s)

	last := events[len(events)-1]
	if last.Type != EventError {
		t.Fatalf("terminal event = %s", last.Type)
	}
	if strings.Contains(last.Message, "upstream 500") {
		t.Fatalf("upstream error leaked to client: %q", last.Message)
	}
}

func TestStreamRespondArtifactArrivesWhole(t *testing.T) {
	t.Parallel()
	st := newFakeEngineStore(store.Book{ID: "b1", Title: "Deep Work"})
	searcher := &fakeSearcher{vecHits: []store.PassageHit{hit("p1", 1, 0.9)}}
	gen := &fakeStreamGen{text: `{"artifact_type":"checklist","title":"Focus Plan","content":{"steps":[]}}`}
	e := newTestEngine(st, searcher, gen)

	s := NewStream(64)
	go e.StreamRespond(context.Background(), "u1", "Create a plan for deep work", []string{"b1"}, s)
	events := drain(s)

	var sawArtifact bool
	for _, ev := range events {
		if ev.Type == EventArtifact {
			sawArtifact = true
			if ev.Artifact == nil || ev.Artifact.Type != "checklist" {
				t.Fatalf("artifact event = %+v", ev)
			}
		}
	}
	if !sawArtifact {
		t.Fatalf("no artifact event in %+v", events)
	}
	if events[len(events)-1].Type != EventDone {
		t.Fatalf("done must be last")
	}
	if gen.streamCalls != 0 {
		t.Fatalf("artifacts must not be token-streamed")
	}
}
