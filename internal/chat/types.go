package chat

import (
	"encoding/json"
	"errors"
)

// Path is the response strategy a request commits to. Each request is routed
// to exactly one path and never re-routed mid-response.
type Path string

const (
	PathIdentity      Path = "identity"
	PathGlobalSummary Path = "global_summary"
	PathSpecific      Path = "specific"
	PathReasoning     Path = "reasoning"
	PathAction        Path = "action"
)

// Sentinel errors for the failure modes the engine degrades on.
var (
	ErrNoContent            = errors.New("no content found")
	ErrSummaryUnavailable   = errors.New("summary unavailable")
	ErrArtifactGeneration   = errors.New("artifact generation failed")
	ErrStreamingInterrupted = errors.New("streaming interrupted")
)

// Request carries everything a single chat turn needs through the call chain.
// No global session state: scope and user travel by value.
type Request struct {
	UserID  string
	Message string
	// BookIDs is the resolved corpus scope; empty means "all of the user's
	// books" and must be resolved by the caller before routing.
	BookIDs []string
	// Rewritten is the self-contained form of Message after memory
	// resolution; equals Message when no history exists or rewriting failed.
	Rewritten string
	// History is the formatted recent-turn block for prompt injection.
	History string
	// HasArtifact reports whether a prior assistant turn carries an
	// artifact, which suppresses the action path for follow-up questions.
	HasArtifact bool
}

// SearchQuery returns the text to embed and keyword-match against.
func (r Request) SearchQuery() string {
	if r.Rewritten != "" {
		return r.Rewritten
	}
	return r.Message
}

// RetrievedPassage is a fused-search hit enriched for assembly.
type RetrievedPassage struct {
	ID           string
	BookID       string
	BookTitle    string
	ParentID     string
	Text         string
	ParentText   string
	ChapterTitle string
	SectionTitle string
	Page         int
	Paragraph    int
	Similarity   float64
	Score        float64
}

// ContextText returns the parent section text when available, falling back to
// the passage itself. A lone paragraph is too fragmented for generation.
func (p RetrievedPassage) ContextText() string {
	if p.ParentText != "" {
		return p.ParentText
	}
	return p.Text
}

// Artifact is the structured payload the action path produces.
type Artifact struct {
	Type      string                 `json:"artifact_type"`
	Title     string                 `json:"title"`
	Content   map[string]interface{} `json:"content"`
	Citations []string               `json:"citations,omitempty"`
	Variables map[string]string      `json:"variables,omitempty"`
}

// Response is the fully assembled result of one routed chat turn.
type Response struct {
	Path              Path
	Text              string
	Sources           []string
	CitationMap       map[string]string
	RetrievedPassages []string
	Artifact          *Artifact
	Model             string
	PromptTokens      int
	CompletionTokens  int
	Incomplete        bool
}

// Event is one NDJSON stream frame.
type Event struct {
	Type              string            `json:"type"`
	Step              string            `json:"step,omitempty"`
	Content           string            `json:"content,omitempty"`
	Message           string            `json:"message,omitempty"`
	Artifact          *Artifact         `json:"artifact,omitempty"`
	Sources           []string          `json:"sources,omitempty"`
	CitationMap       map[string]string `json:"citation_map,omitempty"`
	RetrievedPassages []string          `json:"retrieved_passages,omitempty"`
	TokensUsed        int               `json:"tokens_used,omitempty"`
}

const (
	EventThinking = "thinking"
	EventToken    = "token"
	EventArtifact = "artifact"
	EventDone     = "done"
	EventError    = "error"
)

// MarshalArtifact renders an artifact for jsonb persistence.
func MarshalArtifact(a *Artifact) ([]byte, error) {
	if a == nil {
		return nil, nil
	}
	return json.Marshal(a)
}
